package oauth

import (
	"net/http"
	"strings"
	"time"

	"github.com/coreauth/authserver/pkg/authserver/scope"
)

// UserInfoHandler implements GET /oauth/userinfo: verify the bearer token,
// load the subject, and respond with the claims its scope entitles it to.
func (s *Server) UserInfoHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now().UTC()

	raw := bearerToken(r)
	if raw == "" {
		writeJSON(w, http.StatusUnauthorized, newError("invalid_token", "missing bearer token"))
		return
	}

	claims, err := s.verifier(ctx).Verify(raw)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, newError("invalid_token", "token verification failed"))
		return
	}
	if !validTemporal(claims, now, s.cfg.ClockSkew) || stringField0(claims, "iss") != s.cfg.Issuer {
		writeJSON(w, http.StatusUnauthorized, newError("invalid_token", "claim validation failed"))
		return
	}
	if revoked, err := s.isRevoked(ctx, raw); err != nil {
		writeJSON(w, http.StatusInternalServerError, newError("server_error", err.Error()))
		return
	} else if revoked {
		writeJSON(w, http.StatusUnauthorized, newError("invalid_token", "token has been revoked"))
		return
	}

	sub := stringField0(claims, "sub")
	user, err := s.loadActiveUser(ctx, sub)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, newError("server_error", err.Error()))
		return
	}
	if user == nil {
		writeJSON(w, http.StatusUnauthorized, newError("invalid_token", "subject not found"))
		return
	}

	granted := scope.Parse(stringField0(claims, "scope"))
	resp := map[string]any{"sub": sub}
	for k, v := range scope.ExtractUserClaims(userClaimsFrom(user), granted) {
		resp[k] = v
	}
	writeJSON(w, http.StatusOK, resp)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

func validTemporal(claims map[string]any, now time.Time, skew time.Duration) bool {
	exp, ok := claims["exp"].(float64)
	if !ok {
		return true
	}
	return now.Before(time.Unix(int64(exp), 0).Add(skew))
}
