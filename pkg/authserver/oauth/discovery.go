package oauth

import "net/http"

// JWKSHandler implements GET /.well-known/jwks.json.
func (s *Server) JWKSHandler(w http.ResponseWriter, r *http.Request) {
	jwks, err := s.keys.GetJWKS()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, newError("server_error", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, jwks)
}

// OIDCDiscoveryHandler implements GET /.well-known/openid-configuration.
func (s *Server) OIDCDiscoveryHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                s.cfg.Issuer,
		"authorization_endpoint":                s.cfg.Issuer + "/oauth/authorize",
		"token_endpoint":                        s.cfg.Issuer + "/oauth/token",
		"userinfo_endpoint":                     s.cfg.Issuer + "/oauth/userinfo",
		"introspection_endpoint":                s.cfg.Issuer + "/oauth/introspect",
		"revocation_endpoint":                   s.cfg.Issuer + "/oauth/revoke",
		"registration_endpoint":                 s.cfg.Issuer + "/oauth/register",
		"jwks_uri":                              s.cfg.Issuer + "/.well-known/jwks.json",
		"scopes_supported":                      s.cfg.SupportedScopes,
		"response_types_supported":              s.cfg.SupportedResponseTypes,
		"grant_types_supported":                 s.cfg.SupportedGrantTypes,
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported":  []string{"RS256"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_post", "client_secret_basic"},
		"code_challenge_methods_supported":       []string{"S256", "plain"},
	})
}
