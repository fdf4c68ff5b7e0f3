package oauth

import (
	"net"
	"net/url"
	"strings"

	"github.com/ory/fosite"
)

const schemeHTTP = "http"

// LoopbackClient is a fosite.Client implementation that grants RFC 8252
// Section 7.3 loopback redirect URI matching to public (native) clients
// only. Confidential clients always require an exact redirect_uri match,
// since the "any port is fine" loophole exists to accommodate apps that
// cannot predict which ephemeral port their local listener binds to — a
// concern that doesn't apply to a client that can hold a secret.
//
// RFC 8252 Section 7.3 specifies that:
//   - Loopback redirect URIs use "http" (not "https")
//   - The host must be "127.0.0.1", "[::1]", or "localhost"
//   - The authorization server MUST allow any port
//   - The path and query components must match exactly
type LoopbackClient struct {
	*fosite.DefaultClient
}

// NewLoopbackClient wraps an existing fosite.DefaultClient with loopback
// redirect matching, gated by the client's Public flag.
func NewLoopbackClient(client *fosite.DefaultClient) *LoopbackClient {
	return &LoopbackClient{DefaultClient: client}
}

// MatchRedirectURI reports whether requestedURI matches one of the client's
// registered redirect URIs. Public clients additionally get RFC 8252
// Section 7.3 loopback matching; confidential clients require an exact
// string match against a registered URI.
func (c *LoopbackClient) MatchRedirectURI(requestedURI string) bool {
	for _, registeredURI := range c.GetRedirectURIs() {
		if requestedURI == registeredURI {
			return true
		}
		if c.Public && matchesAsLoopback(requestedURI, registeredURI) {
			return true
		}
	}
	return false
}

// GetMatchingRedirectURI returns the matching redirect URI, preserving the
// requested URI's dynamic port for loopback matches against public clients.
func (c *LoopbackClient) GetMatchingRedirectURI(requestedURI string) string {
	for _, registeredURI := range c.GetRedirectURIs() {
		if requestedURI == registeredURI {
			return registeredURI
		}
		if c.Public && matchesAsLoopback(requestedURI, registeredURI) {
			return requestedURI
		}
	}
	return ""
}

func matchesAsLoopback(requestedURI, registeredURI string) bool {
	requested, err := url.Parse(requestedURI)
	if err != nil {
		return false
	}
	registered, err := url.Parse(registeredURI)
	if err != nil {
		return false
	}

	if requested.Scheme != schemeHTTP || registered.Scheme != schemeHTTP {
		return false
	}
	if !IsLoopbackHost(requested.Hostname()) || !IsLoopbackHost(registered.Hostname()) {
		return false
	}
	if !hostnamesMatch(requested.Hostname(), registered.Hostname()) {
		return false
	}
	if requested.Path != registered.Path {
		return false
	}
	if requested.RawQuery != registered.RawQuery {
		return false
	}
	return true
}

// IsLoopbackHost reports whether hostname is a loopback address per RFC 8252
// Section 7.3: "localhost" in any case, or any loopback IP literal (the
// whole IPv4 127.0.0.0/8 range, or ::1). Exported for reuse by
// dynamic client registration's redirect URI validation.
func IsLoopbackHost(hostname string) bool {
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	ip := net.ParseIP(hostname)
	return ip != nil && ip.IsLoopback()
}

func hostnamesMatch(requested, registered string) bool {
	if strings.EqualFold(requested, "localhost") && strings.EqualFold(registered, "localhost") {
		return true
	}
	return requested == registered
}

var _ fosite.Client = (*LoopbackClient)(nil)

// clientFromRecord builds a fosite-compatible client view from a stored
// client record so redirect URI matching and scope/grant checks can reuse
// the same representation regardless of which store backs it. A client
// record missing "public" is treated as confidential, the safer default.
func clientFromRecord(rec map[string]any) *LoopbackClient {
	dc := &fosite.DefaultClient{
		ID:            stringField(rec, "id"),
		RedirectURIs:  stringSliceField(rec, "redirectUris"),
		GrantTypes:    stringSliceField(rec, "grantTypes"),
		ResponseTypes: stringSliceField(rec, "responseTypes"),
		Scopes:        stringSliceField(rec, "allowedScopes"),
		Public:        boolField(rec, "public"),
	}
	return NewLoopbackClient(dc)
}

func stringField(rec map[string]any, key string) string {
	s, _ := rec[key].(string)
	return s
}

func boolField(rec map[string]any, key string) bool {
	b, _ := rec[key].(bool)
	return b
}

func stringSliceField(rec map[string]any, key string) []string {
	switch v := rec[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
