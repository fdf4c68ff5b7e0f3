package oauth

import (
	"encoding/json"
	"net/http"
	"net/url"

	"golang.org/x/crypto/bcrypt"

	"github.com/coreauth/authserver/pkg/authserver/scope"
	"github.com/coreauth/authserver/pkg/authserver/store"
)

type registrationRequest struct {
	RedirectURIs []string `json:"redirect_uris"`
	Scope        string   `json:"scope"`
}

type registrationResponse struct {
	ClientID              string   `json:"client_id"`
	ClientSecret          string   `json:"client_secret"`
	RedirectURIs          []string `json:"redirect_uris"`
	GrantTypes            []string `json:"grant_types"`
	ResponseTypes         []string `json:"response_types"`
	Scope                 string   `json:"scope"`
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method"`
}

// RegisterHandler implements POST /oauth/register (RFC 7591). The plaintext
// secret is returned exactly once; only its hash is persisted.
func (s *Server) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req registrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, newError("invalid_client_metadata", "malformed JSON body"))
		return
	}

	if len(req.RedirectURIs) == 0 {
		writeJSON(w, http.StatusBadRequest, newError("invalid_redirect_uri", "redirect_uris must be non-empty"))
		return
	}
	for _, u := range req.RedirectURIs {
		if _, err := url.Parse(u); err != nil {
			writeJSON(w, http.StatusBadRequest, newError("invalid_redirect_uri", "redirect_uris must be valid URLs"))
			return
		}
	}

	id, err := generateToken(128)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, newError("server_error", err.Error()))
		return
	}
	secret, err := generateToken(256)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, newError("server_error", err.Error()))
		return
	}
	secretHash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, newError("server_error", err.Error()))
		return
	}

	allowedScopes := s.cfg.SupportedScopes
	if req.Scope != "" {
		requested := scope.Parse(req.Scope)
		if v := scope.Validate(requested, s.cfg.SupportedScopes); v.Valid {
			allowedScopes = requested
		}
	}

	grantTypes := []string{"authorization_code", "refresh_token"}
	responseTypes := []string{"code"}

	record := store.Record{
		"id":            id,
		"clientId":      id,
		"secrets":       []string{string(secretHash)},
		"redirectUris":  req.RedirectURIs,
		"grantTypes":    grantTypes,
		"responseTypes": responseTypes,
		"allowedScopes": allowedScopes,
		"active":        true,
	}
	if _, err := s.resources.Clients.Insert(ctx, record); err != nil {
		writeJSON(w, http.StatusInternalServerError, newError("server_error", err.Error()))
		return
	}

	writeJSON(w, http.StatusCreated, registrationResponse{
		ClientID:                id,
		ClientSecret:            secret,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		Scope:                   scope.Join(allowedScopes),
		TokenEndpointAuthMethod: "client_secret_post",
	})
}
