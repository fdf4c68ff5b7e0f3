package failban

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	events []string
}

func (f *fakeSink) Emit(_ context.Context, event string, _ map[string]any) {
	f.events = append(f.events, event)
}

type fakeResolver struct {
	country string
	err     error
}

func (f fakeResolver) ResolveCountry(_ context.Context, _ string) (string, error) {
	return f.country, f.err
}

func TestRecordViolationBansAfterThreshold(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	m := New(Config{MaxViolations: 3, ViolationWindow: time.Minute, BanDuration: time.Hour}, sink)
	ctx := context.Background()
	now := time.Now()

	m.RecordViolation(ctx, "1.2.3.4", "bad_password", now)
	banned, _ := m.IsBanned("1.2.3.4", now)
	assert.False(t, banned)

	m.RecordViolation(ctx, "1.2.3.4", "bad_password", now)
	m.RecordViolation(ctx, "1.2.3.4", "bad_password", now)

	banned, ban := m.IsBanned("1.2.3.4", now)
	require.True(t, banned)
	assert.Equal(t, "1.2.3.4", ban.IP)
	assert.Contains(t, sink.events, "ip_banned")
}

func TestRecordViolationPrunesOldEntriesOutsideWindow(t *testing.T) {
	t.Parallel()

	m := New(Config{MaxViolations: 2, ViolationWindow: time.Minute, BanDuration: time.Hour}, nil)
	ctx := context.Background()
	start := time.Now()

	m.RecordViolation(ctx, "1.2.3.4", "x", start)
	later := start.Add(2 * time.Minute)
	m.RecordViolation(ctx, "1.2.3.4", "x", later)

	banned, _ := m.IsBanned("1.2.3.4", later)
	assert.False(t, banned, "first violation should have aged out of the window")
}

func TestWhitelistedIPNeverBans(t *testing.T) {
	t.Parallel()

	m := New(Config{MaxViolations: 1, ViolationWindow: time.Minute, BanDuration: time.Hour, Whitelist: []string{"9.9.9.9"}}, nil)
	ctx := context.Background()
	now := time.Now()

	m.RecordViolation(ctx, "9.9.9.9", "x", now)
	m.RecordViolation(ctx, "9.9.9.9", "x", now)

	banned, _ := m.IsBanned("9.9.9.9", now)
	assert.False(t, banned)
}

func TestBlacklistedIPAlwaysBanned(t *testing.T) {
	t.Parallel()

	m := New(Config{Blacklist: []string{"6.6.6.6"}}, nil)
	banned, ban := m.IsBanned("6.6.6.6", time.Now())
	assert.True(t, banned)
	assert.NotNil(t, ban)
}

func TestIsBannedExpiresLazily(t *testing.T) {
	t.Parallel()

	m := New(Config{MaxViolations: 1, ViolationWindow: time.Minute, BanDuration: time.Second}, nil)
	ctx := context.Background()
	now := time.Now()

	m.RecordViolation(ctx, "1.2.3.4", "x", now)
	banned, _ := m.IsBanned("1.2.3.4", now)
	require.True(t, banned)

	later := now.Add(2 * time.Second)
	banned, _ = m.IsBanned("1.2.3.4", later)
	assert.False(t, banned)
}

func TestCheckCountryBlockDisabledByDefault(t *testing.T) {
	t.Parallel()

	m := New(Config{}, nil)
	blocked, country := m.CheckCountryBlock(context.Background(), "1.2.3.4")
	assert.False(t, blocked)
	assert.Empty(t, country)
}

func TestCheckCountryBlockDeniesBlockedCountry(t *testing.T) {
	t.Parallel()

	m := New(Config{Geo: GeoPolicy{
		Enabled:          true,
		Resolver:         fakeResolver{country: "RU"},
		BlockedCountries: []string{"RU"},
	}}, nil)

	blocked, country := m.CheckCountryBlock(context.Background(), "1.2.3.4")
	assert.True(t, blocked)
	assert.Equal(t, "RU", country)
}

func TestCheckCountryBlockOnlyAllowsListedCountries(t *testing.T) {
	t.Parallel()

	m := New(Config{Geo: GeoPolicy{
		Enabled:          true,
		Resolver:         fakeResolver{country: "FR"},
		AllowedCountries: []string{"US", "CA"},
	}}, nil)

	blocked, _ := m.CheckCountryBlock(context.Background(), "1.2.3.4")
	assert.True(t, blocked)
}

func TestCheckCountryBlockUnknownCountryHonorsBlockUnknown(t *testing.T) {
	t.Parallel()

	m := New(Config{Geo: GeoPolicy{
		Enabled:      true,
		Resolver:     fakeResolver{err: assertError{}},
		BlockUnknown: true,
	}}, nil)

	blocked, _ := m.CheckCountryBlock(context.Background(), "1.2.3.4")
	assert.True(t, blocked)
}

type assertError struct{}

func (assertError) Error() string { return "resolution failed" }
