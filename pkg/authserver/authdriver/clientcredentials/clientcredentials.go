// Package clientcredentials implements the built-in client_credentials
// authentication driver (spec.md §4.6, component C6): multi-secret rotation
// lists, constant-time plaintext comparison for bare secrets, and bcrypt
// verification for hashed secrets.
package clientcredentials

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/coreauth/authserver/pkg/authserver/authdriver"
	"github.com/coreauth/authserver/pkg/authserver/store"
)

// GrantType is the OAuth2 grant this driver answers for.
const GrantType = "client_credentials"

// hashPrefixes are the leading markers that indicate a stored secret is a
// hash to be verified via the password helper rather than compared directly
// (spec.md §4.6: a leading "$" or "s3db$").
var hashPrefixes = []string{"$", "s3db$"}

// Driver authenticates a "client_id"/"client_secret" request against the
// client resource. A client may carry more than one active secret (listed
// under "secrets", newest first) to support rotation without downtime.
type Driver struct {
	clients store.Resource
	hash    authdriver.PasswordHelper
}

func New() *Driver {
	return &Driver{}
}

func (d *Driver) Initialize(_ context.Context, ictx authdriver.InitContext) error {
	if ictx.Resources.Clients == nil {
		return fmt.Errorf("client-credentials driver: clients resource is required")
	}
	d.clients = ictx.Resources.Clients
	d.hash = ictx.Helpers.Password
	if d.hash == nil {
		d.hash = bcryptHelper{}
	}
	return nil
}

func (d *Driver) SupportsType(grantType string) bool {
	return grantType == GrantType
}

// Authenticate looks up the client by "client_id" and verifies
// "client_secret" against every entry in the client's secret list, stopping
// at the first match (spec.md §4.6's rotation support). An inactive client
// is rejected even when the secret matches.
func (d *Driver) Authenticate(ctx context.Context, req authdriver.Request) (authdriver.Result, error) {
	clientID, _ := req["client_id"].(string)
	secret, _ := req["client_secret"].(string)
	if clientID == "" || secret == "" {
		return authdriver.Result{Success: false, Error: "invalid_client", StatusCode: 401}, nil
	}

	rec, err := d.clients.Get(ctx, clientID)
	if err != nil {
		return authdriver.Result{}, fmt.Errorf("loading client %s: %w", clientID, err)
	}
	if rec == nil {
		return authdriver.Result{Success: false, Error: "invalid_client", StatusCode: 401}, nil
	}

	if active, ok := rec["active"].(bool); ok && !active {
		return authdriver.Result{Success: false, Error: "inactive_client", StatusCode: 403}, nil
	}

	if !d.matchesAnySecret(secret, secretsOf(rec)) {
		return authdriver.Result{Success: false, Error: "invalid_client", StatusCode: 401}, nil
	}

	return authdriver.Result{Success: true, Client: stripSecrets(rec)}, nil
}

// secretsOf normalizes a client record's secret(s) into a list: the legacy
// single "client_secret" field and/or a "secrets" list, newest first.
func secretsOf(rec store.Record) []string {
	var out []string
	if s, ok := rec["client_secret"].(string); ok && s != "" {
		out = append(out, s)
	}
	if list, ok := rec["secrets"].([]string); ok {
		out = append(out, list...)
	}
	if list, ok := rec["secrets"].([]any); ok {
		for _, v := range list {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func (d *Driver) matchesAnySecret(provided string, stored []string) bool {
	for _, s := range stored {
		if isHashed(s) {
			if d.hash.Verify(provided, s) {
				return true
			}
			continue
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s)) == 1 {
			return true
		}
	}
	return false
}

func isHashed(s string) bool {
	for _, p := range hashPrefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// bcryptHelper is the default PasswordHelper used when the embedder doesn't
// supply one, matching the password driver's bcrypt convention.
type bcryptHelper struct{}

func (bcryptHelper) Verify(plain, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

func stripSecrets(rec store.Record) map[string]any {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		if k == "client_secret" || k == "secrets" {
			continue
		}
		out[k] = v
	}
	return out
}

var _ authdriver.Driver = (*Driver)(nil)
