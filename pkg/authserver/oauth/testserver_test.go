package oauth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/coreauth/authserver/pkg/authserver/audit"
	"github.com/coreauth/authserver/pkg/authserver/authdriver"
	"github.com/coreauth/authserver/pkg/authserver/authdriver/clientcredentials"
	"github.com/coreauth/authserver/pkg/authserver/authdriver/password"
	"github.com/coreauth/authserver/pkg/authserver/failban"
	"github.com/coreauth/authserver/pkg/authserver/keys"
	"github.com/coreauth/authserver/pkg/authserver/lockout"
	"github.com/coreauth/authserver/pkg/authserver/ratelimit"
	"github.com/coreauth/authserver/pkg/authserver/store"
)

// testResources is the set of in-memory stores a testSetup-built Server
// shares with the test, so individual tests can seed users/clients/codes
// directly.
type testResources struct {
	Users              store.Resource
	Clients            store.Resource
	AuthorizationCodes store.Resource
	Revocations        store.Resource
	SigningKeys        store.Resource
}

// testSetup builds a fully wired Server backed by in-memory stores, mirroring
// the shape CreateHandlersWithResult assembles in production.
func testSetup(t *testing.T, cfg Config) (*Server, testResources) {
	t.Helper()

	res := testResources{
		Users:              store.NewMemory("id"),
		Clients:            store.NewMemory("id"),
		AuthorizationCodes: store.NewMemory("id"),
		Revocations:        store.NewMemory("id"),
		SigningKeys:        store.NewMemory("kid"),
	}

	km := keys.NewManager(res.SigningKeys)
	require.NoError(t, km.Initialize(context.Background(), keys.DefaultPurpose))

	registry := authdriver.NewRegistry()
	initCtx := authdriver.InitContext{Resources: authdriver.Resources{Users: res.Users, Clients: res.Clients}}

	pwDriver := password.New()
	require.NoError(t, pwDriver.Initialize(context.Background(), initCtx))
	require.NoError(t, registry.Register(pwDriver, "password"))

	ccDriver := clientcredentials.New()
	require.NoError(t, ccDriver.Initialize(context.Background(), initCtx))
	require.NoError(t, registry.Register(ccDriver, "client_credentials"))

	if cfg.Issuer == "" {
		cfg.Issuer = "https://auth.example.com"
	}
	if cfg.AccessTokenLifespan == "" {
		cfg.AccessTokenLifespan = "15m"
	}
	if cfg.RefreshTokenLifespan == "" {
		cfg.RefreshTokenLifespan = "168h"
	}
	if cfg.AuthCodeLifespan == "" {
		cfg.AuthCodeLifespan = "10m"
	}
	if len(cfg.SupportedScopes) == 0 {
		cfg.SupportedScopes = []string{"openid", "profile", "email", "offline_access"}
	}
	if len(cfg.SupportedGrantTypes) == 0 {
		cfg.SupportedGrantTypes = []string{"client_credentials", "authorization_code", "refresh_token", "password"}
	}
	if len(cfg.SupportedResponseTypes) == 0 {
		cfg.SupportedResponseTypes = []string{"code"}
	}

	limits := RateLimiters{
		Login:     ratelimit.New(0, 0),
		Token:     ratelimit.New(0, 0),
		Authorize: ratelimit.New(0, 0),
	}

	resources := Resources{
		Users:              res.Users,
		Clients:            res.Clients,
		AuthorizationCodes: res.AuthorizationCodes,
		Revocations:        res.Revocations,
	}

	s := NewServer(cfg, resources, km, registry, limits, nil, nil, nil)
	return s, res
}

func testSetupWithLockoutAndFailban(t *testing.T, cfg Config, lo *lockout.Manager, fb *failban.Manager, emitter *audit.Emitter) (*Server, testResources) {
	t.Helper()
	s, res := testSetup(t, cfg)
	s.lockout = lo
	s.failban = fb
	s.audit = emitter
	return s, res
}

func mustHashSecret(t *testing.T, plain string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}
