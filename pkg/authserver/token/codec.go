// Package token implements the RS256 JWT factory and verifier (spec.md §4.2,
// component C2). It is built on github.com/golang-jwt/jwt/v5, the same
// library the teacher repo and the rest of the retrieval pack
// (Abraxas-365-manifesto, suleymanmyradov-growth-server) use for JWT
// issuance.
package token

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/coreauth/authserver/pkg/authserver/keys"
)

// TokenType names the three token kinds the spec's TokenClaims shape
// distinguishes.
const (
	TypeAccessToken  = "access_token"
	TypeRefreshToken = "refresh_token"
	TypeIDToken      = "id_token"
)

// Claims is the caller-supplied payload before iat/exp are merged in.
type Claims map[string]any

// Create mints a compact RS256 JWT: header {alg, typ, kid}, payload = claims
// merged with iat=now and exp=iat+expiresIn, signed with key's private half.
func Create(claims Claims, expiresIn string, key *keys.SigningKey) (string, error) {
	dur, err := ParseDuration(expiresIn)
	if err != nil {
		return "", err
	}

	priv, err := key.ParsePrivateKey()
	if err != nil {
		return "", fmt.Errorf("loading signing key: %w", err)
	}

	now := time.Now().UTC()
	mapClaims := jwt.MapClaims{}
	for k, v := range claims {
		mapClaims[k] = v
	}
	mapClaims["iat"] = now.Unix()
	mapClaims["exp"] = now.Add(dur).Unix()

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, mapClaims)
	tok.Header["kid"] = key.Kid

	signed, err := tok.SignedString(priv)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verifier resolves signing keys by kid during Verify.
type Verifier struct {
	resolve func(kid string) (*rsa.PublicKey, error)
}

// NewVerifier binds a verifier to a function that resolves a kid to the
// public key that must have signed it. keys.Manager.GetKey+ParsePublicKey
// satisfies this shape once adapted by the caller (see oauth package).
func NewVerifier(resolve func(kid string) (*rsa.PublicKey, error)) *Verifier {
	return &Verifier{resolve: resolve}
}

// Verify parses and validates a compact JWT per spec.md §4.2: alg must be
// RS256 ("none" and everything else is rejected unconditionally), the kid
// must resolve, the signature must check out, and exp (if present) must not
// be in the past. On any failure it returns a nil map and a non-nil error;
// it never returns a partially-validated payload.
func (v *Verifier) Verify(compact string) (jwt.MapClaims, error) {
	var claims jwt.MapClaims

	parsed, err := jwt.ParseWithClaims(compact, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok || t.Method.Alg() != "RS256" {
			return nil, fmt.Errorf("unsupported algorithm %q", t.Method.Alg())
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token header missing kid")
		}
		return v.resolve(kid)
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
