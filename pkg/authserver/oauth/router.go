package oauth

import "net/http"

// Routes mounts every OAuth2/OIDC endpoint this package implements onto mux,
// following the path layout the discovery document advertises.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/.well-known/jwks.json", s.JWKSHandler)
	mux.HandleFunc("/.well-known/openid-configuration", s.OIDCDiscoveryHandler)
	mux.HandleFunc("/oauth/token", s.TokenHandler)
	mux.HandleFunc("/oauth/authorize", s.AuthorizeHandler)
	mux.HandleFunc("/oauth/userinfo", s.UserInfoHandler)
	mux.HandleFunc("/oauth/introspect", s.IntrospectionHandler)
	mux.HandleFunc("/oauth/revoke", s.RevocationHandler)
	mux.HandleFunc("/oauth/register", s.RegisterHandler)
}
