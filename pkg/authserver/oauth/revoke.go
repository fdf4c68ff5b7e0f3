package oauth

import (
	"net/http"
	"time"

	"github.com/coreauth/authserver/pkg/authserver/audit"
)

// RevocationHandler implements POST /oauth/revoke (RFC 7009). It always
// responds 200 regardless of token validity; a successfully verified token
// has its jti (here, a hash of the compact token) recorded with a TTL
// matching the token's exp so the verifier's revocation check can reject it
// afterward.
func (s *Server) RevocationHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	raw := r.Form.Get("token")
	if raw != "" {
		if claims, err := s.verifier(ctx).Verify(raw); err == nil {
			s.revoke(ctx, raw, claims)
			s.emitAudit(ctx, audit.EventTokenRevoked, actorFromClaims(claims), time.Now().UTC(), nil)
		}
	}
	w.WriteHeader(http.StatusOK)
}
