// Package password implements the built-in password authentication driver
// (spec.md §4.5, component C5): case-insensitive identifier lookup against
// the user resource, bcrypt verification, and tenant scoping.
package password

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/coreauth/authserver/internal/logger"
	"github.com/coreauth/authserver/pkg/authserver/authdriver"
	"github.com/coreauth/authserver/pkg/authserver/store"
)

// GrantType is the OAuth2 grant this driver answers for.
const GrantType = "password"

// defaultIdentifierField is the user-record field matched against the
// request's "username" value when Config doesn't name one.
const defaultIdentifierField = "email"

// Helper is the default PasswordHelper, grounded on the Abraxas-365-manifesto
// bcrypt usage pattern also named in the signing-key and driver contracts.
type Helper struct{}

func (Helper) Verify(plain, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// Config configures the identifier match beyond the defaults (spec.md
// §4.5's normalize policy): which user-record field the submitted
// "username" is matched against, and whether that match is case-sensitive.
type Config struct {
	// IdentifierField names the user-record field to match. Defaults to
	// "email".
	IdentifierField string
	// CaseSensitive disables the default case-insensitive identifier
	// match. The identifier is always trimmed regardless of this setting.
	CaseSensitive bool
}

// Driver authenticates a "username"/"password" (optionally "tenantId")
// request against the user resource. A caller that has already resolved
// the account (e.g. to key an account-lockout check) can pass it directly
// as "user", skipping the lookup entirely.
type Driver struct {
	users           store.Resource
	hash            authdriver.PasswordHelper
	identifierField string
	caseSensitive   bool
}

// New constructs the driver. Initialize still must be called before use so
// the registry's wiring stays uniform across driver kinds.
func New() *Driver {
	return &Driver{}
}

func (d *Driver) Initialize(_ context.Context, ictx authdriver.InitContext) error {
	if ictx.Resources.Users == nil {
		return fmt.Errorf("password driver: users resource is required")
	}
	d.users = ictx.Resources.Users
	d.hash = ictx.Helpers.Password
	if d.hash == nil {
		d.hash = Helper{}
	}

	d.identifierField = defaultIdentifierField
	switch cfg := ictx.Config.(type) {
	case Config:
		d.applyConfig(cfg)
	case *Config:
		if cfg != nil {
			d.applyConfig(*cfg)
		}
	}
	return nil
}

func (d *Driver) applyConfig(cfg Config) {
	if cfg.IdentifierField != "" {
		d.identifierField = cfg.IdentifierField
	}
	d.caseSensitive = cfg.CaseSensitive
}

func (d *Driver) SupportsType(grantType string) bool {
	return grantType == GrantType
}

// Authenticate resolves the account (from "user", if the caller already
// resolved it, otherwise by a lookup on the identifier field against the
// user resource, scoped to "tenantId" when the request carries one) and
// verifies "password" against its stored hash. Sensitive fields are
// stripped from the returned user record. A password mismatch against a
// resolved account still reports the account's id in Result.User so
// callers can key account-lockout tracking correctly even on failure.
func (d *Driver) Authenticate(ctx context.Context, req authdriver.Request) (authdriver.Result, error) {
	pass, _ := req["password"].(string)
	if pass == "" {
		return authdriver.Result{Success: false, Error: "missing_credentials", StatusCode: 400}, nil
	}

	match, err := d.resolve(ctx, req)
	if err != nil {
		return authdriver.Result{}, err
	}
	if match == nil {
		identifier, _ := req["username"].(string)
		logger.Debugw("password auth: no matching user", "identifier", identifier)
		return authdriver.Result{Success: false, Error: "invalid_credentials", StatusCode: 401}, nil
	}

	hash, _ := match["password"].(string)
	if hash == "" {
		return authdriver.Result{Success: false, Error: "password_not_set", StatusCode: 401}, nil
	}
	if !d.hash.Verify(pass, hash) {
		id, _ := match["id"].(string)
		return authdriver.Result{
			Success: false, Error: "invalid_credentials", StatusCode: 401,
			User: map[string]any{"id": id},
		}, nil
	}

	return authdriver.Result{Success: true, User: stripSensitive(match)}, nil
}

// resolve returns the account to authenticate against: the caller-supplied
// pre-resolved "user" when present, otherwise a lookup by identifier.
func (d *Driver) resolve(ctx context.Context, req authdriver.Request) (store.Record, error) {
	switch pre := req["user"].(type) {
	case store.Record:
		if pre != nil {
			return pre, nil
		}
	case map[string]any:
		if pre != nil {
			return store.Record(pre), nil
		}
	}

	identifier, _ := req["username"].(string)
	if identifier == "" {
		return nil, nil
	}
	tenantID, _ := req["tenantId"].(string)

	filter := store.Record{}
	if tenantID != "" {
		filter["tenantId"] = tenantID
	}
	candidates, err := d.users.Query(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}

	needle := d.normalize(identifier)
	for _, c := range candidates {
		value, _ := c[d.identifierField].(string)
		if d.normalize(value) == needle {
			return c, nil
		}
	}
	return nil, nil
}

// normalize applies spec.md §4.5's identifier-matching policy: always
// trim, and lower-case unless the driver is configured case-sensitive.
func (d *Driver) normalize(s string) string {
	s = strings.TrimSpace(s)
	if !d.caseSensitive {
		s = strings.ToLower(s)
	}
	return s
}

func stripSensitive(rec store.Record) map[string]any {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		switch k {
		case "password", "passwordHash", "salt", "backupCodes", "totpSecret":
			continue
		}
		if strings.HasPrefix(k, "secret") {
			continue
		}
		out[k] = v
	}
	return out
}

var _ authdriver.Driver = (*Driver)(nil)
