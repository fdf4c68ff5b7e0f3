// Package audit implements structured event publication to an external
// audit sink (spec.md §4.11, component C11). Every state-changing
// authentication event flows through Emitter.Emit; sink failures are logged
// and never propagate to the caller.
package audit

import (
	"context"
	"time"

	"github.com/coreauth/authserver/internal/logger"
)

// Known event names (spec.md §4.11). Callers are not restricted to this
// list; it documents the taxonomy the rest of the server emits.
const (
	EventLogin                   = "login"
	EventLoginFailed             = "login_failed"
	EventLogout                  = "logout"
	EventAccountLocked           = "account_locked"
	EventAccountUnlocked         = "account_unlocked"
	EventIPBanned                = "ip_banned"
	EventIPUnbanned              = "ip_unbanned"
	EventPasswordResetRequested  = "password_reset_requested"
	EventPasswordChanged         = "password_changed"
	EventUserCreated             = "user_created"
	EventUserDeleted             = "user_deleted"
	EventMFARequired             = "mfa_required"
	EventMFAVerified             = "mfa_verified"
	EventTokenIssued             = "token_issued"
	EventTokenRevoked            = "token_revoked"
)

// Actor identifies who triggered an event.
type Actor struct {
	UserID   string
	ClientID string
}

// Event is the record every sink receives.
type Event struct {
	Name      string
	Actor     Actor
	Resource  string
	Metadata  map[string]any
	Timestamp time.Time
}

// Sink is the external collaborator events are published to (a queue, a log
// pipeline, a SIEM forwarder, ...). Sink implementations are supplied by the
// embedder; none ships here per spec.md's explicit non-goal on audit storage
// engines.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// Emitter adapts the uniform {event, actor, resource, metadata, timestamp}
// shape described in spec.md §4.11 onto a Sink.
type Emitter struct {
	sink Sink
}

// New wraps sink. A nil sink makes Emit a no-op (useful for tests/embedders
// that don't need auditing yet).
func New(sink Sink) *Emitter {
	return &Emitter{sink: sink}
}

// Emit publishes event with attrs as metadata, stamped with now. Sink
// failures are logged but never returned to the caller: auditing must never
// block or fail an authentication flow.
func (e *Emitter) Emit(ctx context.Context, name string, actor Actor, resource string, attrs map[string]any, now time.Time) {
	if e == nil || e.sink == nil {
		return
	}
	evt := Event{Name: name, Actor: actor, Resource: resource, Metadata: attrs, Timestamp: now}
	if err := e.sink.Publish(ctx, evt); err != nil {
		logger.Warnw("audit: publish failed", "event", name, "error", err)
	}
}

// Unactored adapts an Emitter to the narrower {event, attrs}-only sink shape
// that internal components (failban, lockout) emit through, since they know
// neither a userId/clientId actor nor a resource name at the point they
// raise an event.
type Unactored struct {
	Emitter *Emitter
}

func (u Unactored) Emit(ctx context.Context, event string, attrs map[string]any) {
	if u.Emitter == nil {
		return
	}
	u.Emitter.Emit(ctx, event, Actor{}, "", attrs, time.Now())
}
