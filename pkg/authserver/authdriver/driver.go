// Package authdriver defines the uniform authentication-driver contract
// (spec.md §4.4, component C4) and the registry that routes grant types to
// the driver that handles them. Design Note 9's "driver is a class, a
// constructor, a tuple, or a duck-typed object" collapses here to a single
// Go interface with explicit, enumerated built-in implementations — no
// runtime shape detection.
package authdriver

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreauth/authserver/pkg/authserver/store"
)

// PasswordHelper verifies a plaintext credential against a stored hash.
// Password drivers never implement their own comparison; they call this.
type PasswordHelper interface {
	Verify(plain, hash string) bool
}

// Resources is the slice of the record store a driver is allowed to touch.
type Resources struct {
	Users   store.Resource
	Tenants store.Resource
	Clients store.Resource
}

// Helpers bundles the cross-cutting helpers drivers depend on.
type Helpers struct {
	Password PasswordHelper
}

// InitContext is handed to every driver's Initialize call.
type InitContext struct {
	Config    any
	Resources Resources
	Helpers   Helpers
}

// Request is the caller-supplied authentication payload; shape varies by
// driver (e.g. password drivers read "username"/"password", client-secret
// drivers read "client_id"/"client_secret").
type Request map[string]any

// Result is what every driver returns from Authenticate.
type Result struct {
	Success    bool
	User       map[string]any
	Client     map[string]any
	Error      string
	StatusCode int
}

// Driver is the uniform authentication-driver contract.
type Driver interface {
	Initialize(ctx context.Context, ictx InitContext) error
	SupportsType(grantType string) bool
	Authenticate(ctx context.Context, req Request) (Result, error)
}

// TokenIssuer is an optional extension a driver may implement to customize
// token issuance beyond the default OAuth2 Core pipeline.
type TokenIssuer interface {
	IssueTokens(ctx context.Context, payload map[string]any) (map[string]any, error)
}

// TokenRevoker is an optional extension a driver may implement to react to
// revocation.
type TokenRevoker interface {
	RevokeTokens(ctx context.Context, payload map[string]any) error
}

// Registry routes grant types to the driver that handles them. Registering
// two drivers for the same grant type fails with a "duplicate
// registration" error (spec.md §4.4), which the embedder should surface as
// a startup/configuration failure.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver // grantType -> driver
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register adds d for every grant type it supports out of candidateTypes.
// candidateTypes is the full set of grant types the embedder wants this
// driver considered for; SupportsType still gates each one individually so
// a driver can decline a subset.
func (r *Registry) Register(d Driver, candidateTypes ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range candidateTypes {
		if !d.SupportsType(t) {
			continue
		}
		if _, exists := r.drivers[t]; exists {
			return fmt.Errorf("duplicate registration for grant type %q", t)
		}
	}
	for _, t := range candidateTypes {
		if d.SupportsType(t) {
			r.drivers[t] = d
		}
	}
	return nil
}

// DriverFor returns the driver registered for grantType, if any.
func (r *Registry) DriverFor(grantType string) (Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[grantType]
	return d, ok
}
