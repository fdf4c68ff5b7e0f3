package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/coreauth/authserver/pkg/authserver/ratelimit"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeRateLimited(w http.ResponseWriter, retryAfter int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":             "too_many_requests",
		"error_description": "rate limit exceeded",
		"retryAfter":        retryAfter,
	})
}

func writeBanned(w http.ResponseWriter, retryAfter int) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	writeJSON(w, http.StatusForbidden, newError("access_denied", "ip is banned"))
}

// checkRateLimit consumes one unit of l's budget for key at now. A nil
// limiter is treated as disabled (always allows).
func (s *Server) checkRateLimit(l *ratelimit.Limiter, key string, now time.Time) (limited bool, retryAfter int) {
	if l == nil {
		return false, 0
	}
	result := l.Consume(key, now)
	return !result.Allowed, result.RetryAfter
}

// checkBan evaluates both the failban ban table and the optional geo policy
// for ip. A nil failban manager disables this layer entirely.
func (s *Server) checkBan(ctx context.Context, ip string) (blocked bool, retryAfter int) {
	if s.failban == nil {
		return false, 0
	}
	if blocked, ban := s.failban.IsBanned(ip, time.Now().UTC()); blocked {
		if ban != nil && !ban.ExpiresAt.IsZero() {
			retryAfter = int(time.Until(ban.ExpiresAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
		}
		return true, retryAfter
	}
	if geoBlocked, _ := s.failban.CheckCountryBlock(ctx, ip); geoBlocked {
		return true, 0
	}
	return false, 0
}
