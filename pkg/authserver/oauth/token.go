package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/coreauth/authserver/pkg/authserver/audit"
	"github.com/coreauth/authserver/pkg/authserver/authdriver"
	"github.com/coreauth/authserver/pkg/authserver/scope"
	"github.com/coreauth/authserver/pkg/authserver/store"
	"github.com/coreauth/authserver/pkg/authserver/token"
)

// supportedGrants is the set of grant_type values the token endpoint will
// even consider dispatching (spec.md §4.10 step 1).
var supportedGrants = map[string]bool{
	"client_credentials": true,
	"authorization_code":  true,
	"refresh_token":       true,
	"password":            true,
}

// TokenHandler implements POST /oauth/token.
func (s *Server) TokenHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now().UTC()

	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, newError("invalid_request", "malformed form body"))
		return
	}

	if limited, retryAfter := s.checkRateLimit(s.limits.Token, clientIP(r), now); limited {
		writeRateLimited(w, retryAfter)
		return
	}
	if blocked, retryAfter := s.checkBan(ctx, clientIP(r)); blocked {
		writeBanned(w, retryAfter)
		return
	}

	grantType := r.Form.Get("grant_type")
	if !supportedGrants[grantType] {
		writeJSON(w, http.StatusBadRequest, newError("unsupported_grant_type", grantType))
		return
	}

	client, clientErr := s.authenticateClient(ctx, r)
	if clientErr != nil {
		writeJSON(w, http.StatusUnauthorized, newError("invalid_client", clientErr.Error()))
		return
	}

	var resp map[string]any
	var httpErr *oauthError
	var statusCode int

	switch grantType {
	case "client_credentials":
		resp, httpErr, statusCode = s.handleClientCredentials(ctx, r, client, now)
	case "authorization_code":
		resp, httpErr, statusCode = s.handleAuthorizationCode(ctx, r, client, now)
	case "refresh_token":
		resp, httpErr, statusCode = s.handleRefreshToken(ctx, r, client, now)
	case "password":
		resp, httpErr, statusCode = s.handlePassword(ctx, r, client, now)
	}

	if httpErr != nil {
		writeJSON(w, statusCode, *httpErr)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// authenticateClient runs C6 when a client resource is configured; an
// unauthenticated public client (no client_secret in the request and no
// clients resource wired) is allowed through with a bare client_id. A
// registered client marked "public" or declaring
// tokenEndpointAuthMethod="none" (spec.md §3's Client attributes) skips
// secret verification entirely, matching RFC 6749 §2.1's public client class
// relied on by the authorization_code+PKCE flow.
func (s *Server) authenticateClient(ctx context.Context, r *http.Request) (store.Record, error) {
	clientID := r.Form.Get("client_id")
	if clientID == "" {
		return nil, fmt.Errorf("missing client_id")
	}
	if s.resources.Clients == nil {
		return store.Record{"id": clientID}, nil
	}

	rec, err := s.resources.Clients.Get(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if rec != nil && isPublicClient(rec) {
		return rec, nil
	}

	driver, ok := s.drivers.DriverFor("client_credentials")
	if !ok {
		return rec, nil
	}

	req := authdriver.Request{"client_id": clientID, "client_secret": r.Form.Get("client_secret")}
	result, err := driver.Authenticate(ctx, req)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, fmt.Errorf("%s", result.Error)
	}
	return result.Client, nil
}

func isPublicClient(client store.Record) bool {
	if public, ok := client["public"].(bool); ok && public {
		return true
	}
	method, _ := client["tokenEndpointAuthMethod"].(string)
	return method == "none"
}

func clientGrantTypes(client store.Record) []string {
	return stringSliceField(client, "grantTypes")
}

func clientAllowedScopes(client store.Record) []string {
	return stringSliceField(client, "allowedScopes")
}

func clientID(client store.Record) string {
	if id, ok := client["id"].(string); ok && id != "" {
		return id
	}
	return stringField(client, "clientId")
}

func grantAllowed(client store.Record, grant string) bool {
	declared := clientGrantTypes(client)
	if len(declared) == 0 {
		return true
	}
	for _, g := range declared {
		if g == grant {
			return true
		}
	}
	return false
}

func resolveScopes(requested []string, supported, clientAllowed []string) (scope.ValidationResult, []string) {
	v := scope.Validate(requested, supported)
	if !v.Valid {
		return v, nil
	}
	if len(clientAllowed) > 0 {
		v = scope.Validate(requested, clientAllowed)
		if !v.Valid {
			return v, nil
		}
	}
	return scope.ValidationResult{Valid: true}, requested
}

func (s *Server) handleClientCredentials(ctx context.Context, r *http.Request, client store.Record, now time.Time) (map[string]any, *oauthError, int) {
	if !grantAllowed(client, "client_credentials") {
		e := newError("unauthorized_client", "client not permitted to use this grant")
		return nil, &e, http.StatusBadRequest
	}

	requested := scope.Parse(r.Form.Get("scope"))
	v, granted := resolveScopes(requested, s.cfg.SupportedScopes, clientAllowedScopes(client))
	if !v.Valid {
		e := newError("invalid_scope", v.Error)
		return nil, &e, http.StatusBadRequest
	}

	id := clientID(client)
	key, err := s.keys.GetCurrentKey("")
	if err != nil {
		e := newError("server_error", err.Error())
		return nil, &e, http.StatusInternalServerError
	}

	access, err := token.Create(token.Claims{
		"iss":   s.cfg.Issuer,
		"sub":   id,
		"aud":   s.cfg.Issuer,
		"scope": scope.Join(granted),
	}, s.cfg.AccessTokenLifespan, key)
	if err != nil {
		e := newError("server_error", err.Error())
		return nil, &e, http.StatusInternalServerError
	}

	s.emitTokenIssued(ctx, audit.Actor{ClientID: id}, now)
	return map[string]any{
		"access_token": access,
		"token_type":   "Bearer",
		"expires_in":   expiresInSeconds(s.cfg.AccessTokenLifespan),
		"scope":        scope.Join(granted),
	}, nil, http.StatusOK
}

func (s *Server) handleAuthorizationCode(ctx context.Context, r *http.Request, client store.Record, now time.Time) (map[string]any, *oauthError, int) {
	code := r.Form.Get("code")
	redirectURI := r.Form.Get("redirect_uri")
	verifier := r.Form.Get("code_verifier")

	if code == "" || redirectURI == "" {
		e := newError("invalid_request", "code and redirect_uri are required")
		return nil, &e, http.StatusBadRequest
	}

	rec, err := s.resources.AuthorizationCodes.Get(ctx, code)
	if err != nil {
		e := newError("server_error", err.Error())
		return nil, &e, http.StatusInternalServerError
	}
	if rec == nil {
		e := newError("invalid_grant", "unknown authorization code")
		return nil, &e, http.StatusBadRequest
	}
	// Single-use: delete on any exchange attempt, success or failure.
	defer s.resources.AuthorizationCodes.Delete(ctx, code)

	expiresAt, _ := rec["expiresAt"].(time.Time)
	storedRedirect, _ := rec["redirectUri"].(string)
	if now.After(expiresAt) || storedRedirect != redirectURI {
		e := newError("invalid_grant", "expired or mismatched authorization code")
		return nil, &e, http.StatusBadRequest
	}

	if challenge, ok := rec["codeChallenge"].(string); ok && challenge != "" {
		if verifier == "" {
			e := newError("invalid_grant", "code_verifier required")
			return nil, &e, http.StatusBadRequest
		}
		method, _ := rec["codeChallengeMethod"].(string)
		if !pkceMatches(method, verifier, challenge) {
			e := newError("invalid_grant", "code_verifier mismatch")
			return nil, &e, http.StatusBadRequest
		}
	}

	userID, _ := rec["userId"].(string)
	user, err := s.loadActiveUser(ctx, userID)
	if err != nil {
		e := newError("server_error", err.Error())
		return nil, &e, http.StatusInternalServerError
	}
	if user == nil {
		e := newError("invalid_grant", "user not found")
		return nil, &e, http.StatusBadRequest
	}

	granted := scope.Parse(stringField(rec, "scope"))
	id := clientID(client)
	key, err := s.keys.GetCurrentKey("")
	if err != nil {
		e := newError("server_error", err.Error())
		return nil, &e, http.StatusInternalServerError
	}

	access, err := token.Create(token.Claims{
		"iss": s.cfg.Issuer, "sub": userID, "aud": id, "scope": scope.Join(granted),
	}, s.cfg.AccessTokenLifespan, key)
	if err != nil {
		e := newError("server_error", err.Error())
		return nil, &e, http.StatusInternalServerError
	}

	resp := map[string]any{
		"access_token": access,
		"token_type":   "Bearer",
		"expires_in":   expiresInSeconds(s.cfg.AccessTokenLifespan),
		"scope":        scope.Join(granted),
	}

	if scope.Contains(granted, scope.OpenID) {
		claims := token.Claims{"iss": s.cfg.Issuer, "sub": userID, "aud": id}
		for k, v := range scope.ExtractUserClaims(userClaimsFrom(user), granted) {
			claims[k] = v
		}
		if nonce, ok := rec["nonce"].(string); ok && nonce != "" {
			claims["nonce"] = nonce
		}
		idToken, err := token.Create(claims, s.cfg.AccessTokenLifespan, key)
		if err != nil {
			e := newError("server_error", err.Error())
			return nil, &e, http.StatusInternalServerError
		}
		resp["id_token"] = idToken
	}

	if scope.Contains(granted, scope.OfflineAccess) {
		refresh, err := token.Create(token.Claims{
			"iss": s.cfg.Issuer, "sub": userID, "aud": id, "scope": scope.Join(granted),
			"token_type": token.TypeRefreshToken,
		}, s.cfg.RefreshTokenLifespan, key)
		if err != nil {
			e := newError("server_error", err.Error())
			return nil, &e, http.StatusInternalServerError
		}
		resp["refresh_token"] = refresh
	}

	s.emitTokenIssued(ctx, audit.Actor{UserID: userID, ClientID: id}, now)
	return resp, nil, http.StatusOK
}

func pkceMatches(method, verifier, challenge string) bool {
	switch method {
	case "", "plain":
		return verifier == challenge
	case "S256":
		sum := sha256.Sum256([]byte(verifier))
		return base64.RawURLEncoding.EncodeToString(sum[:]) == challenge
	default:
		return false
	}
}

func (s *Server) handleRefreshToken(ctx context.Context, r *http.Request, client store.Record, now time.Time) (map[string]any, *oauthError, int) {
	raw := r.Form.Get("refresh_token")
	if raw == "" {
		e := newError("invalid_request", "refresh_token is required")
		return nil, &e, http.StatusBadRequest
	}

	claims, err := s.verifier(ctx).Verify(raw)
	if err != nil {
		e := newError("invalid_grant", "invalid refresh token")
		return nil, &e, http.StatusBadRequest
	}
	if tt, _ := claims["token_type"].(string); tt != token.TypeRefreshToken {
		e := newError("invalid_grant", "not a refresh token")
		return nil, &e, http.StatusBadRequest
	}

	id := clientID(client)
	if aud, _ := claims["aud"].(string); aud != id {
		e := newError("invalid_grant", "audience mismatch")
		return nil, &e, http.StatusBadRequest
	}
	if iss, _ := claims["iss"].(string); iss != s.cfg.Issuer {
		e := newError("invalid_grant", "issuer mismatch")
		return nil, &e, http.StatusBadRequest
	}
	if revoked, err := s.isRevoked(ctx, raw); err != nil {
		e := newError("server_error", err.Error())
		return nil, &e, http.StatusInternalServerError
	} else if revoked {
		e := newError("invalid_grant", "token has been revoked")
		return nil, &e, http.StatusBadRequest
	}

	originalScopes := scope.Parse(stringField0(claims, "scope"))
	requested := scope.Parse(r.Form.Get("scope"))
	granted := originalScopes
	if len(requested) > 0 {
		allowed := clientAllowedScopes(client)
		withinOriginal := scope.Subset(requested, originalScopes)
		withinClient := len(allowed) == 0 || scope.Subset(requested, allowed)
		if !withinOriginal || !withinClient {
			e := newError("invalid_scope", "requested scope exceeds original grant")
			return nil, &e, http.StatusBadRequest
		}
		granted = requested
	}

	userID := stringField0(claims, "sub")
	key, err := s.keys.GetCurrentKey("")
	if err != nil {
		e := newError("server_error", err.Error())
		return nil, &e, http.StatusInternalServerError
	}

	access, err := token.Create(token.Claims{
		"iss": s.cfg.Issuer, "sub": userID, "aud": id, "scope": scope.Join(granted),
	}, s.cfg.AccessTokenLifespan, key)
	if err != nil {
		e := newError("server_error", err.Error())
		return nil, &e, http.StatusInternalServerError
	}

	resp := map[string]any{
		"access_token": access,
		"token_type":   "Bearer",
		"expires_in":   expiresInSeconds(s.cfg.AccessTokenLifespan),
		"scope":        scope.Join(granted),
	}

	if scope.Contains(granted, scope.OpenID) {
		user, err := s.loadActiveUser(ctx, userID)
		if err == nil && user != nil {
			idClaims := token.Claims{"iss": s.cfg.Issuer, "sub": userID, "aud": id}
			for k, v := range scope.ExtractUserClaims(userClaimsFrom(user), granted) {
				idClaims[k] = v
			}
			if idToken, err := token.Create(idClaims, s.cfg.AccessTokenLifespan, key); err == nil {
				resp["id_token"] = idToken
			}
		}
	}

	if s.cfg.RotateRefreshTokens {
		// A random jti keeps the rotated token distinct from the one it
		// replaces even when both are minted within the same second.
		jti, err := generateToken(128)
		if err != nil {
			e := newError("server_error", err.Error())
			return nil, &e, http.StatusInternalServerError
		}
		newRefresh, err := token.Create(token.Claims{
			"iss": s.cfg.Issuer, "sub": userID, "aud": id, "scope": scope.Join(granted),
			"token_type": token.TypeRefreshToken, "jti": jti,
		}, s.cfg.RefreshTokenLifespan, key)
		if err == nil {
			resp["refresh_token"] = newRefresh
			s.revoke(ctx, raw, claims)
		}
	}

	s.emitTokenIssued(ctx, audit.Actor{UserID: userID, ClientID: id}, now)
	return resp, nil, http.StatusOK
}

func (s *Server) handlePassword(ctx context.Context, r *http.Request, client store.Record, now time.Time) (map[string]any, *oauthError, int) {
	driver, ok := s.drivers.DriverFor("password")
	if !ok || !grantAllowed(client, "password") {
		e := newError("unauthorized_client", "password grant not available")
		return nil, &e, http.StatusBadRequest
	}

	username := r.Form.Get("username")
	pass := r.Form.Get("password")
	if username == "" || pass == "" {
		e := newError("invalid_request", "username and password are required")
		return nil, &e, http.StatusBadRequest
	}

	ip := clientIP(r)

	result, err := driver.Authenticate(ctx, authdriver.Request{"username": username, "password": pass})
	if err != nil {
		e := newError("server_error", err.Error())
		return nil, &e, http.StatusInternalServerError
	}

	// The password driver resolves the stored user record's "id" whenever it
	// finds a matching account, even when the password itself doesn't
	// verify, so lockout stays keyed to the same primary key the user
	// resource is stored under rather than the caller-submitted identifier.
	userLockoutKey := stringField0(result.User, "id")
	if userLockoutKey == "" {
		userLockoutKey = username
	}

	if !result.Success {
		if s.failban != nil {
			s.failban.RecordViolation(ctx, ip, "invalid_password", now)
		}
		if s.lockout != nil {
			s.lockout.RecordFailure(ctx, userLockoutKey, now)
		}
		s.emitAudit(ctx, audit.EventLoginFailed, audit.Actor{}, now, map[string]any{"username": username})
		e := newError(result.Error, "authentication failed")
		status := result.StatusCode
		if status == 0 {
			status = http.StatusUnauthorized
		}
		return nil, &e, status
	}

	if s.lockout != nil {
		if locked, err := s.lockout.IsLocked(ctx, userLockoutKey, now); err == nil && locked {
			e := newError("account_locked", "account is locked")
			return nil, &e, http.StatusLocked
		}
	}

	if active, ok := result.User["active"].(bool); ok && !active {
		e := newError("invalid_grant", "user is inactive")
		return nil, &e, http.StatusBadRequest
	}

	if s.lockout != nil {
		s.lockout.RecordSuccess(ctx, userLockoutKey)
	}

	if mfaRequired, _ := result.User["mfaRequired"].(bool); mfaRequired {
		s.emitAudit(ctx, audit.EventMFARequired, audit.Actor{UserID: stringField0(result.User, "id")}, now, nil)
		e := newError("mfa_required", "multi-factor verification required")
		return nil, &e, http.StatusForbidden
	}

	requested := scope.Parse(r.Form.Get("scope"))
	v, granted := resolveScopes(requested, s.cfg.SupportedScopes, clientAllowedScopes(client))
	if !v.Valid {
		e := newError("invalid_scope", v.Error)
		return nil, &e, http.StatusBadRequest
	}

	userID, _ := result.User["id"].(string)
	id := clientID(client)
	if id == "" {
		id = s.cfg.Issuer
	}
	key, err := s.keys.GetCurrentKey("")
	if err != nil {
		e := newError("server_error", err.Error())
		return nil, &e, http.StatusInternalServerError
	}

	access, err := token.Create(token.Claims{
		"iss": s.cfg.Issuer, "sub": userID, "aud": id, "scope": scope.Join(granted),
	}, s.cfg.AccessTokenLifespan, key)
	if err != nil {
		e := newError("server_error", err.Error())
		return nil, &e, http.StatusInternalServerError
	}

	resp := map[string]any{
		"access_token": access,
		"token_type":   "Bearer",
		"expires_in":   expiresInSeconds(s.cfg.AccessTokenLifespan),
		"scope":        scope.Join(granted),
	}

	if scope.Contains(granted, scope.OpenID) {
		idClaims := token.Claims{"iss": s.cfg.Issuer, "sub": userID, "aud": id}
		u := scope.User{}
		u.ID, _ = result.User["id"].(string)
		u.Email, _ = result.User["email"].(string)
		for k, v := range scope.ExtractUserClaims(u, granted) {
			idClaims[k] = v
		}
		if idToken, err := token.Create(idClaims, s.cfg.AccessTokenLifespan, key); err == nil {
			resp["id_token"] = idToken
		}
	}

	if scope.Contains(granted, scope.OfflineAccess) && grantSupportsRefresh(s.cfg.SupportedGrantTypes) {
		refresh, err := token.Create(token.Claims{
			"iss": s.cfg.Issuer, "sub": userID, "aud": id, "scope": scope.Join(granted),
			"token_type": token.TypeRefreshToken,
		}, s.cfg.RefreshTokenLifespan, key)
		if err == nil {
			resp["refresh_token"] = refresh
		}
	}

	s.emitAudit(ctx, audit.EventLogin, audit.Actor{UserID: userID, ClientID: id}, now, nil)
	return resp, nil, http.StatusOK
}

func grantSupportsRefresh(supported []string) bool {
	for _, g := range supported {
		if g == "refresh_token" {
			return true
		}
	}
	return false
}

func (s *Server) emitTokenIssued(ctx context.Context, actor audit.Actor, now time.Time) {
	s.emitAudit(ctx, audit.EventTokenIssued, actor, now, nil)
}

func (s *Server) emitAudit(ctx context.Context, event string, actor audit.Actor, now time.Time, meta map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Emit(ctx, event, actor, "", meta, now)
}

func (s *Server) isRevoked(ctx context.Context, raw string) (bool, error) {
	if s.resources.Revocations == nil {
		return false, nil
	}
	jti := tokenHash(raw)
	rec, err := s.resources.Revocations.Get(ctx, jti)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

func (s *Server) revoke(ctx context.Context, raw string, claims map[string]any) {
	if s.resources.Revocations == nil {
		return
	}
	jti := tokenHash(raw)
	var expiresAt time.Time
	if exp, ok := claims["exp"].(float64); ok {
		expiresAt = time.Unix(int64(exp), 0)
	}
	s.resources.Revocations.Insert(ctx, store.Record{"id": jti, "expiresAt": expiresAt})
}

func tokenHash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func stringField0(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func expiresInSeconds(lifespan string) int {
	d, err := token.ParseDuration(lifespan)
	if err != nil {
		return 0
	}
	return int(d.Seconds())
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host := r.RemoteAddr
	if idx := indexByte(host, ':'); idx >= 0 {
		return host[:idx]
	}
	return host
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
