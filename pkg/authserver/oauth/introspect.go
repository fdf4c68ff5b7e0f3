package oauth

import (
	"net/http"
	"time"
)

// IntrospectionHandler implements POST /oauth/introspect (RFC 7662). It
// always responds 200; only the body's "active" flag communicates validity,
// and no reason for an inactive result is ever leaked.
func (s *Server) IntrospectionHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now().UTC()

	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}

	raw := r.Form.Get("token")
	if raw == "" {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}

	if revoked, err := s.isRevoked(ctx, raw); err == nil && revoked {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}

	claims, err := s.verifier(ctx).Verify(raw)
	if err != nil || !validTemporal(claims, now, s.cfg.ClockSkew) {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}

	resp := map[string]any{
		"active":     true,
		"scope":      claims["scope"],
		"client_id":  claims["aud"],
		"username":   claims["sub"],
		"token_type": "Bearer",
		"exp":        claims["exp"],
		"iat":        claims["iat"],
		"sub":        claims["sub"],
		"iss":        claims["iss"],
		"aud":        claims["aud"],
	}
	writeJSON(w, http.StatusOK, resp)
}
