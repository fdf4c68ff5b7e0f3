package token

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration accepts the spec's <int>[smhd] duration shorthand (e.g.
// "15m", "7d") and fails with an "invalid duration" error on any other
// shape. time.ParseDuration is not used directly because it doesn't accept
// the "d" (day) unit the spec requires.
func ParseDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}

	unit := s[len(s)-1:]
	numPart := s[:len(s)-1]

	n, err := strconv.Atoi(numPart)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}

	var unitDur time.Duration
	switch unit {
	case "s":
		unitDur = time.Second
	case "m":
		unitDur = time.Minute
	case "h":
		unitDur = time.Hour
	case "d":
		unitDur = 24 * time.Hour
	default:
		return 0, fmt.Errorf("invalid duration %q", s)
	}

	return time.Duration(n) * unitDur, nil
}

// FormatDuration renders d back into the spec's shorthand, preferring the
// largest unit that divides d evenly so that ParseDuration(FormatDuration(d))
// round-trips for every duration produced by this package.
func FormatDuration(d time.Duration) string {
	units := []struct {
		suffix string
		size   time.Duration
	}{
		{"d", 24 * time.Hour},
		{"h", time.Hour},
		{"m", time.Minute},
		{"s", time.Second},
	}
	for _, u := range units {
		if d%u.size == 0 {
			return strings.TrimSuffix(fmt.Sprintf("%d%s", d/u.size, u.suffix), "")
		}
	}
	return fmt.Sprintf("%ds", int64(d/time.Second))
}
