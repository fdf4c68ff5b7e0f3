// Copyright 2025 Stacklok, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package authserver wires the Key Manager, Token Codec, Scope & Claim
// Policy, Auth Driver Registry, abuse-control layer, and OAuth2 Core into a
// single embeddable OAuth 2.0 + OpenID Connect authorization server.
//
// The auth server supports:
//   - Client-credentials, password, authorization-code+PKCE, and
//     refresh-token grants
//   - Dynamic Client Registration (RFC 7591)
//   - RS256-signed JWT access/ID tokens with configurable lifespans
//   - OIDC discovery (/.well-known/openid-configuration) and JWKS
//   - Per-IP rate limiting, IP failban, and per-account lockout
//
// # Usage
//
// The primary entry point is CreateHandlersWithResult, which creates HTTP
// handlers for OAuth and well-known endpoints:
//
//	result, err := authserver.CreateHandlersWithResult(ctx, cfg, storage)
//	if err != nil {
//	    return err
//	}
//	mux.Handle("/oauth/", result.OAuthMux)
//	mux.Handle("/.well-known/", result.WellKnownMux)
//
// # Storage
//
// Storage bundles the pluggable record-store resources the server reads and
// writes (spec.md §1's "pluggable record store" external collaborator).
// NewMemoryStorage returns an in-process implementation suitable for a
// single-instance deployment or tests; embed a Postgres-backed
// pkg/authserver/store.Postgres per resource for a durable deployment.
package authserver

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coreauth/authserver/internal/logger"
	"github.com/coreauth/authserver/pkg/authserver/audit"
	"github.com/coreauth/authserver/pkg/authserver/authdriver"
	"github.com/coreauth/authserver/pkg/authserver/authdriver/clientcredentials"
	"github.com/coreauth/authserver/pkg/authserver/authdriver/password"
	"github.com/coreauth/authserver/pkg/authserver/failban"
	"github.com/coreauth/authserver/pkg/authserver/keys"
	"github.com/coreauth/authserver/pkg/authserver/lockout"
	"github.com/coreauth/authserver/pkg/authserver/oauth"
	"github.com/coreauth/authserver/pkg/authserver/ratelimit"
	"github.com/coreauth/authserver/pkg/authserver/store"
	"github.com/coreauth/authserver/pkg/authserver/token"
)

// Storage bundles the pluggable record-store resources the server consumes.
// Every field is required except AuditSink and GeoResolver, which disable
// their respective optional layers when nil.
type Storage struct {
	SigningKeys        store.Resource
	Users              store.Resource
	Clients            store.Resource
	AuthorizationCodes store.Resource
	Revocations        store.Resource
	Violations         store.Resource // only consulted when FailbanConfig.PersistViolations

	AuditSink   audit.Sink
	GeoResolver failban.GeoResolver
}

// NewMemoryStorage builds an all-in-memory Storage, suitable for a
// single-instance deployment or for tests.
func NewMemoryStorage() Storage {
	return Storage{
		SigningKeys:        store.NewMemory("kid"),
		Users:              store.NewMemory("id"),
		Clients:            store.NewMemory("id"),
		AuthorizationCodes: store.NewMemory("id"),
		Revocations:        store.NewMemory("id"),
		Violations:         store.NewMemory("id"),
	}
}

// HandlerResult contains the handlers and resources created by
// CreateHandlersWithResult.
type HandlerResult struct {
	// OAuthMux handles OAuth endpoints (/oauth/authorize, /oauth/token, ...).
	OAuthMux http.Handler

	// WellKnownMux handles well-known endpoints (/.well-known/openid-configuration,
	// /.well-known/jwks.json).
	WellKnownMux http.Handler

	// Storage is the storage bundle the server was constructed with.
	Storage Storage

	// Server is the underlying OAuth2 Core, exposed for callers that need to
	// invoke an endpoint handler directly (e.g. from a richer router).
	Server *oauth.Server
}

// CreateHandlersWithResult builds the full authorization server from cfg and
// storage: it applies defaults, validates, initializes the signing-key
// lifecycle, seeds pre-registered clients, wires the built-in auth drivers
// and abuse-control layer, and mounts every endpoint onto its mux.
func CreateHandlersWithResult(ctx context.Context, cfg Config, storage Storage) (*HandlerResult, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	km := keys.NewManager(storage.SigningKeys)
	if err := km.Initialize(ctx, keys.DefaultPurpose); err != nil {
		return nil, fmt.Errorf("initializing signing keys: %w", err)
	}

	if err := seedClients(ctx, storage.Clients, cfg.Clients, cfg.SupportedScopes); err != nil {
		return nil, fmt.Errorf("seeding clients: %w", err)
	}

	registry := authdriver.NewRegistry()
	driverInit := authdriver.InitContext{
		Resources: authdriver.Resources{Users: storage.Users, Clients: storage.Clients},
		Helpers:   authdriver.Helpers{Password: password.Helper{}},
	}

	passwordDriver := password.New()
	if err := passwordDriver.Initialize(ctx, driverInit); err != nil {
		return nil, fmt.Errorf("initializing password driver: %w", err)
	}
	if err := registry.Register(passwordDriver, "password"); err != nil {
		return nil, fmt.Errorf("registering password driver: %w", err)
	}

	clientDriver := clientcredentials.New()
	if err := clientDriver.Initialize(ctx, driverInit); err != nil {
		return nil, fmt.Errorf("initializing client-credentials driver: %w", err)
	}
	if err := registry.Register(clientDriver, "client_credentials"); err != nil {
		return nil, fmt.Errorf("registering client-credentials driver: %w", err)
	}

	emitter := audit.New(storage.AuditSink)

	fb := failban.New(failban.Config{
		MaxViolations:     cfg.Failban.MaxViolations,
		ViolationWindow:   cfg.Failban.ViolationWindow,
		BanDuration:       cfg.Failban.BanDuration,
		Whitelist:         cfg.Failban.Whitelist,
		Blacklist:         cfg.Failban.Blacklist,
		PersistViolations: cfg.Failban.PersistViolations,
		Store:             storage.Violations,
		Geo: failban.GeoPolicy{
			Enabled:  storage.GeoResolver != nil,
			Resolver: storage.GeoResolver,
		},
	}, audit.Unactored{Emitter: emitter})

	lo := lockout.New(lockout.Config{
		MaxAttempts:     cfg.Lockout.MaxAttempts,
		LockoutDuration: cfg.Lockout.LockoutDuration,
		ResetOnSuccess:  cfg.Lockout.ResetOnSuccess,
	}, storage.Users, audit.Unactored{Emitter: emitter})

	limits := oauth.RateLimiters{
		Login:     ratelimit.New(cfg.RateLimit.LoginMax, cfg.RateLimit.LoginWindow),
		Token:     ratelimit.New(cfg.RateLimit.TokenMax, cfg.RateLimit.TokenWindow),
		Authorize: ratelimit.New(cfg.RateLimit.AuthorizeMax, cfg.RateLimit.AuthorizeWindow),
	}

	oauthCfg := oauth.Config{
		Issuer:                 cfg.Issuer,
		AccessTokenLifespan:    token.FormatDuration(cfg.AccessTokenLifespan),
		RefreshTokenLifespan:   token.FormatDuration(cfg.RefreshTokenLifespan),
		AuthCodeLifespan:       token.FormatDuration(cfg.AuthCodeLifespan),
		SupportedScopes:        cfg.SupportedScopes,
		SupportedGrantTypes:    cfg.SupportedGrantTypes,
		SupportedResponseTypes: cfg.SupportedResponseTypes,
		RotateRefreshTokens:    cfg.RotateRefreshTokens,
		ClockSkew:              cfg.ClockSkew,
	}
	oauthResources := oauth.Resources{
		Users:              storage.Users,
		Clients:            storage.Clients,
		AuthorizationCodes: storage.AuthorizationCodes,
		Revocations:        storage.Revocations,
	}

	server := oauth.NewServer(oauthCfg, oauthResources, km, registry, limits, fb, lo, emitter)

	oauthMux := http.NewServeMux()
	oauthMux.HandleFunc("/oauth/token", server.TokenHandler)
	oauthMux.HandleFunc("/oauth/authorize", server.AuthorizeHandler)
	oauthMux.HandleFunc("/oauth/userinfo", server.UserInfoHandler)
	oauthMux.HandleFunc("/oauth/introspect", server.IntrospectionHandler)
	oauthMux.HandleFunc("/oauth/revoke", server.RevocationHandler)
	oauthMux.HandleFunc("/oauth/register", server.RegisterHandler)

	wellKnownMux := http.NewServeMux()
	wellKnownMux.HandleFunc("/.well-known/jwks.json", server.JWKSHandler)
	wellKnownMux.HandleFunc("/.well-known/openid-configuration", server.OIDCDiscoveryHandler)

	logger.Infow("authorization server initialized", "issuer", cfg.Issuer, "clients", len(cfg.Clients))

	return &HandlerResult{
		OAuthMux:     oauthMux,
		WellKnownMux: wellKnownMux,
		Storage:      storage,
		Server:       server,
	}, nil
}

// seedClients inserts every pre-registered client that doesn't already exist
// in clients. Existing records are left untouched so redeploys don't clobber
// secret rotations performed through the admin path.
func seedClients(ctx context.Context, clients store.Resource, seeds []ClientConfig, supportedScopes []string) error {
	for _, c := range seeds {
		existing, err := clients.Get(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("checking client %s: %w", c.ID, err)
		}
		if existing != nil {
			continue
		}

		allowed := c.AllowedScopes
		if len(allowed) == 0 {
			allowed = supportedScopes
		}
		grantTypes := c.GrantTypes
		if len(grantTypes) == 0 {
			grantTypes = []string{"authorization_code", "refresh_token"}
		}

		record := store.Record{
			"id":            c.ID,
			"clientId":      c.ID,
			"redirectUris":  c.RedirectURIs,
			"public":        c.Public,
			"allowedScopes": allowed,
			"grantTypes":    grantTypes,
			"responseTypes": []string{"code"},
			"active":        true,
		}
		if !c.Public {
			record["secrets"] = []string{c.Secret}
		}
		if _, err := clients.Insert(ctx, record); err != nil {
			return fmt.Errorf("inserting client %s: %w", c.ID, err)
		}
	}
	return nil
}
