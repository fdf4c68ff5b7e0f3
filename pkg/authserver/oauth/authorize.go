package oauth

import (
	"net/http"
	"net/url"
	"time"

	"github.com/coreauth/authserver/pkg/authserver/audit"
	"github.com/coreauth/authserver/pkg/authserver/authdriver"
	"github.com/coreauth/authserver/pkg/authserver/scope"
	"github.com/coreauth/authserver/pkg/authserver/store"
	"github.com/coreauth/authserver/pkg/authserver/token"
)

// AuthorizeHandler implements both steps of spec.md §4.10's authorize
// endpoint: GET validates the request and is expected to hand control to a
// UI layer (out of scope here); POST collects the credentials that UI layer
// gathered and issues the authorization code.
func (s *Server) AuthorizeHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.authorizeGet(w, r)
	case http.MethodPost:
		s.authorizePost(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) authorizeGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now().UTC()
	q := r.URL.Query()

	if limited, retryAfter := s.checkRateLimit(s.limits.Authorize, clientIP(r), now); limited {
		writeRateLimited(w, retryAfter)
		return
	}
	if blocked, retryAfter := s.checkBan(ctx, clientIP(r)); blocked {
		writeBanned(w, retryAfter)
		return
	}

	responseType := q.Get("response_type")
	if !inList(responseType, s.cfg.SupportedResponseTypes) {
		writeJSON(w, http.StatusBadRequest, newError("unsupported_response_type", responseType))
		return
	}

	clientID := q.Get("client_id")
	client, err := s.resources.Clients.Get(ctx, clientID)
	if err != nil || client == nil {
		writeJSON(w, http.StatusBadRequest, newError("invalid_request", "unknown client_id"))
		return
	}

	redirectURI := q.Get("redirect_uri")
	if !clientFromRecord(client).MatchRedirectURI(redirectURI) {
		writeJSON(w, http.StatusBadRequest, newError("invalid_request", "redirect_uri not registered"))
		return
	}

	requested := scope.Parse(q.Get("scope"))
	if !scope.Subset(requested, clientAllowedScopes(client)) && len(clientAllowedScopes(client)) > 0 {
		writeJSON(w, http.StatusBadRequest, newError("invalid_scope", "scope exceeds client's allowed scopes"))
		return
	}

	// Validation succeeded; control now passes to the embedder's login/consent
	// UI, which collects credentials and calls AuthorizeHandler's POST path.
	writeJSON(w, http.StatusOK, map[string]any{
		"client_id":    clientID,
		"redirect_uri": redirectURI,
		"scope":        scope.Join(requested),
		"state":        q.Get("state"),
	})
}

func (s *Server) authorizePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now().UTC()

	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, newError("invalid_request", "malformed form body"))
		return
	}

	if limited, retryAfter := s.checkRateLimit(s.limits.Login, clientIP(r), now); limited {
		writeRateLimited(w, retryAfter)
		return
	}
	if blocked, retryAfter := s.checkBan(ctx, clientIP(r)); blocked {
		writeBanned(w, retryAfter)
		return
	}

	clientID := r.Form.Get("client_id")
	client, err := s.resources.Clients.Get(ctx, clientID)
	if err != nil || client == nil {
		writeJSON(w, http.StatusBadRequest, newError("invalid_request", "unknown client_id"))
		return
	}

	redirectURI := r.Form.Get("redirect_uri")
	state := r.Form.Get("state")

	driver, ok := s.drivers.DriverFor("password")
	if !ok {
		writeJSON(w, http.StatusUnauthorized, newError("access_denied", "no credential driver available"))
		return
	}

	result, err := driver.Authenticate(ctx, authdriver.Request{
		"username": r.Form.Get("username"),
		"password": r.Form.Get("password"),
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, newError("server_error", err.Error()))
		return
	}

	userLockoutKey := stringField0(result.User, "id")
	if userLockoutKey == "" {
		userLockoutKey = r.Form.Get("username")
	}

	if !result.Success {
		if s.failban != nil {
			s.failban.RecordViolation(ctx, clientIP(r), "login_failed", now)
		}
		if s.lockout != nil {
			s.lockout.RecordFailure(ctx, userLockoutKey, now)
		}
		s.emitAudit(ctx, audit.EventLoginFailed, audit.Actor{}, now, map[string]any{"client_id": clientID})
		writeJSON(w, http.StatusUnauthorized, newError("access_denied", "authentication failed"))
		return
	}

	if s.lockout != nil {
		if locked, err := s.lockout.IsLocked(ctx, userLockoutKey, now); err == nil && locked {
			writeJSON(w, http.StatusLocked, newError("access_denied", "account is locked"))
			return
		}
		s.lockout.RecordSuccess(ctx, userLockoutKey)
	}

	code, err := generateToken(128)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, newError("server_error", err.Error()))
		return
	}

	userID, _ := result.User["id"].(string)
	requested := scope.Parse(r.Form.Get("scope"))

	record := store.Record{
		"id":          code,
		"clientId":    clientID,
		"userId":      userID,
		"redirectUri": redirectURI,
		"scope":       scope.Join(requested),
		"expiresAt":   now.Add(authCodeLifespan(s.cfg.AuthCodeLifespan)),
		"used":        false,
	}
	if challenge := r.Form.Get("code_challenge"); challenge != "" {
		record["codeChallenge"] = challenge
		record["codeChallengeMethod"] = r.Form.Get("code_challenge_method")
	}
	if nonce := r.Form.Get("nonce"); nonce != "" {
		record["nonce"] = nonce
	}

	if _, err := s.resources.AuthorizationCodes.Insert(ctx, record); err != nil {
		writeJSON(w, http.StatusInternalServerError, newError("server_error", err.Error()))
		return
	}

	s.emitAudit(ctx, audit.EventLogin, audit.Actor{UserID: userID, ClientID: clientID}, now, nil)

	redirect, err := url.Parse(redirectURI)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, newError("invalid_request", "invalid redirect_uri"))
		return
	}
	q := redirect.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	redirect.RawQuery = q.Encode()

	w.Header().Set("Location", redirect.String())
	w.WriteHeader(http.StatusFound)
}

func inList(v string, list []string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func authCodeLifespan(s string) time.Duration {
	d, err := token.ParseDuration(s)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}
