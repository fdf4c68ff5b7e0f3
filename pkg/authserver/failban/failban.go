// Package failban implements the IP failban manager (spec.md §4.8,
// component C8): violation accumulation inside a rolling window, ban
// creation/lookup, whitelist/blacklist overrides, and an optional country
// allow/deny policy.
package failban

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/coreauth/authserver/internal/logger"
	"github.com/coreauth/authserver/pkg/authserver/store"
)

// Violation is one recorded abuse signal from an IP.
type Violation struct {
	IP        string
	Timestamp time.Time
	Reason    string
}

// Ban is a temporary block on an IP.
type Ban struct {
	IP        string
	Reason    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// GeoResolver resolves an IP to an ISO country code. Implementations may hit
// a local database or a network service; Manager treats any error as an
// unknown-country result.
type GeoResolver interface {
	ResolveCountry(ctx context.Context, ip string) (country string, err error)
}

// GeoPolicy configures the optional country allow/deny check.
type GeoPolicy struct {
	Enabled          bool
	Resolver         GeoResolver
	AllowedCountries []string // non-empty: only these pass
	BlockedCountries []string
	BlockUnknown     bool
}

// Config configures a Manager.
type Config struct {
	MaxViolations     int
	ViolationWindow   time.Duration
	BanDuration       time.Duration
	Whitelist         []string
	Blacklist         []string
	Geo               GeoPolicy
	PersistViolations bool
	Store             store.Resource // optional, used when PersistViolations
}

// EventSink receives failban events for audit emission (spec.md §4.11).
type EventSink interface {
	Emit(ctx context.Context, event string, attrs map[string]any)
}

// Manager tracks violations and bans per IP.
type Manager struct {
	cfg   Config
	sink  EventSink
	mu    sync.Mutex
	viol  map[string][]Violation
	bans  map[string]*Ban
	allow map[string]bool
	deny  map[string]bool
}

// New constructs a Manager from cfg. sink may be nil to disable event
// emission.
func New(cfg Config, sink EventSink) *Manager {
	m := &Manager{
		cfg:   cfg,
		sink:  sink,
		viol:  make(map[string][]Violation),
		bans:  make(map[string]*Ban),
		allow: toSet(cfg.Whitelist),
		deny:  toSet(cfg.Blacklist),
	}
	return m
}

func toSet(list []string) map[string]bool {
	set := make(map[string]bool, len(list))
	for _, v := range list {
		set[v] = true
	}
	return set
}

// RecordViolation appends a violation for ip at now and, once the rolling
// count reaches MaxViolations, creates or refreshes a ban. Whitelisted IPs
// never accrue anything; blacklisted IPs are already permanently banned so
// this is a no-op for them too.
func (m *Manager) RecordViolation(ctx context.Context, ip, reason string, now time.Time) {
	if m.allow[ip] || m.deny[ip] {
		return
	}

	m.mu.Lock()
	entries := append(m.viol[ip], Violation{IP: ip, Timestamp: now, Reason: reason})
	entries = pruneViolations(entries, now, m.cfg.ViolationWindow)
	m.viol[ip] = entries
	count := len(entries)

	var banned *Ban
	if m.cfg.MaxViolations > 0 && count >= m.cfg.MaxViolations {
		banned = &Ban{IP: ip, Reason: reason, ExpiresAt: now.Add(m.cfg.BanDuration), CreatedAt: now}
		m.bans[ip] = banned
	}
	m.mu.Unlock()

	if m.cfg.PersistViolations && m.cfg.Store != nil {
		_, err := m.cfg.Store.Insert(ctx, store.Record{
			"ip": ip, "reason": reason, "timestamp": now,
		})
		if err != nil {
			logger.Warnw("failban: persisting violation failed", "ip", ip, "error", err)
		}
	}

	if banned != nil {
		if m.cfg.PersistViolations && m.cfg.Store != nil {
			_, err := m.cfg.Store.Insert(ctx, store.Record{
				"ip": ip, "reason": reason, "expiresAt": banned.ExpiresAt, "createdAt": banned.CreatedAt, "kind": "ban",
			})
			if err != nil {
				logger.Warnw("failban: persisting ban failed", "ip", ip, "error", err)
			}
		}
		if m.sink != nil {
			m.sink.Emit(ctx, "ip_banned", map[string]any{"ip": ip, "reason": reason, "expiresAt": banned.ExpiresAt})
		}
	}
}

func pruneViolations(entries []Violation, now time.Time, window time.Duration) []Violation {
	out := entries[:0]
	for _, v := range entries {
		if now.Sub(v.Timestamp) <= window {
			out = append(out, v)
		}
	}
	return out
}

// IsBanned reports whether ip is currently blocked: blacklisted IPs always
// are; otherwise an active (non-expired) ban record decides. Expired bans
// are lazily cleared.
func (m *Manager) IsBanned(ip string, now time.Time) (bool, *Ban) {
	if m.deny[ip] {
		return true, &Ban{IP: ip, Reason: "blacklisted"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bans[ip]
	if !ok {
		return false, nil
	}
	if !now.Before(b.ExpiresAt) {
		delete(m.bans, ip)
		return false, nil
	}
	return true, b
}

// CheckCountryBlock evaluates the geo policy for ip. It returns blocked=true
// when the request should be refused. Geo errors/unknown-country results are
// governed by BlockUnknown.
func (m *Manager) CheckCountryBlock(ctx context.Context, ip string) (blocked bool, country string) {
	if !m.cfg.Geo.Enabled || m.cfg.Geo.Resolver == nil {
		return false, ""
	}

	country, err := m.cfg.Geo.Resolver.ResolveCountry(ctx, ip)
	if err != nil || country == "" {
		return m.cfg.Geo.BlockUnknown, ""
	}

	if len(m.cfg.Geo.AllowedCountries) > 0 && !containsFold(m.cfg.Geo.AllowedCountries, country) {
		return true, country
	}
	if containsFold(m.cfg.Geo.BlockedCountries, country) {
		return true, country
	}
	return false, country
}

func containsFold(list []string, target string) bool {
	for _, v := range list {
		if strings.EqualFold(v, target) {
			return true
		}
	}
	return false
}
