// Package lockout implements per-account lockout on repeated authentication
// failure (spec.md §4.9, component C9). It tracks failure counts against a
// user resource so lockout state survives process restarts the same way the
// rest of the user record does.
package lockout

import (
	"context"
	"fmt"
	"time"

	"github.com/coreauth/authserver/internal/logger"
	"github.com/coreauth/authserver/pkg/authserver/store"
)

// Config configures a Manager.
type Config struct {
	MaxAttempts     int
	LockoutDuration time.Duration
	ResetOnSuccess  bool
}

// EventSink receives lockout events for audit emission.
type EventSink interface {
	Emit(ctx context.Context, event string, attrs map[string]any)
}

// Manager mutates lockout counters on the user resource.
type Manager struct {
	cfg   Config
	users store.Resource
	sink  EventSink
}

func New(cfg Config, users store.Resource, sink EventSink) *Manager {
	return &Manager{cfg: cfg, users: users, sink: sink}
}

// IsLocked reports whether userID is currently locked at time now. Lockout
// applies unconditionally while now < lockedUntil, regardless of whether a
// later password attempt would otherwise have succeeded.
func (m *Manager) IsLocked(ctx context.Context, userID string, now time.Time) (bool, error) {
	rec, err := m.users.Get(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("loading user %s: %w", userID, err)
	}
	if rec == nil {
		return false, nil
	}
	lockedUntil, ok := rec["lockedUntil"].(time.Time)
	if !ok {
		return false, nil
	}
	return now.Before(lockedUntil), nil
}

// RecordFailure increments userID's failure counter and locks the account
// once it reaches MaxAttempts.
func (m *Manager) RecordFailure(ctx context.Context, userID string, now time.Time) error {
	if m.cfg.MaxAttempts <= 0 {
		return nil
	}

	rec, err := m.users.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading user %s: %w", userID, err)
	}
	if rec == nil {
		return nil
	}

	count, _ := rec["failedAttempts"].(int)
	count++
	patch := store.Record{"failedAttempts": count}

	locked := count >= m.cfg.MaxAttempts
	if locked {
		patch["lockedUntil"] = now.Add(m.cfg.LockoutDuration)
	}

	if _, err := m.users.Update(ctx, userID, patch); err != nil {
		return fmt.Errorf("updating user %s: %w", userID, err)
	}

	if locked && m.sink != nil {
		m.sink.Emit(ctx, "account_locked", map[string]any{"userId": userID, "lockedUntil": patch["lockedUntil"]})
	}
	if locked {
		logger.Infow("account locked", "userId", userID)
	}
	return nil
}

// RecordSuccess resets the failure counter when ResetOnSuccess is enabled.
func (m *Manager) RecordSuccess(ctx context.Context, userID string) error {
	if !m.cfg.ResetOnSuccess {
		return nil
	}
	_, err := m.users.Update(ctx, userID, store.Record{"failedAttempts": 0, "lockedUntil": nil})
	if err != nil {
		return fmt.Errorf("resetting lockout for user %s: %w", userID, err)
	}
	return nil
}
