// Package keys implements the RSA signing-key lifecycle for the
// authorization server (generation, persistence, rotation, selection by
// kid, JWKS assembly). Grounded on the teacher's SigningKey config shape
// (pkg/authserver/config.go's SigningKey) and its go-jose-based JWKS
// marshaling (pkg/authserver/oauth's handlers_test.go).
package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	josejwk "github.com/go-jose/go-jose/v4"

	"github.com/coreauth/authserver/internal/logger"
	"github.com/coreauth/authserver/pkg/authserver/store"
)

// DefaultPurpose is the key purpose used when the caller does not name one.
const DefaultPurpose = "oauth"

// RSAKeyBits is the modulus size used for every generated keypair. 2048 bits
// is the NIST SP 800-57 minimum for RSA signing keys with a multi-year
// service life.
const RSAKeyBits = 2048

// Algorithm is the fixed signing algorithm for every key this manager mints.
const Algorithm = "RS256"

// Use is the fixed JWK "use" value for every key this manager mints.
const Use = "sig"

// SigningKey is one RSA keypair record, as described in spec.md §3.
type SigningKey struct {
	Kid        string
	PublicKey  string // PEM, SPKI
	PrivateKey string // PEM, PKCS#8
	Algorithm  string
	Use        string
	Purpose    string
	Active     bool
	CreatedAt  time.Time
}

// Manager owns signing keys: it is the only component that may mutate them
// (spec.md §5 "Shared-resource policy").
type Manager struct {
	store store.Resource

	mu    sync.RWMutex
	cache map[string]*SigningKey // by kid
}

// NewManager wires a Manager to the resource used to persist SigningKey
// records. The caller is expected to have configured store for the
// "signing_keys" resource kind.
func NewManager(resource store.Resource) *Manager {
	return &Manager{
		store: resource,
		cache: make(map[string]*SigningKey),
	}
}

// Initialize loads all stored keys for purpose into the in-memory cache and
// rotates a fresh key into existence if none is active yet.
func (m *Manager) Initialize(ctx context.Context, purpose string) error {
	if purpose == "" {
		purpose = DefaultPurpose
	}

	records, err := m.store.Query(ctx, store.Record{"purpose": purpose})
	if err != nil {
		return fmt.Errorf("loading signing keys: %w", err)
	}

	m.mu.Lock()
	hasActive := false
	for _, rec := range records {
		k := fromRecord(rec)
		m.cache[k.Kid] = k
		if k.Active {
			hasActive = true
		}
	}
	m.mu.Unlock()

	if !hasActive {
		if _, err := m.RotateKey(ctx, purpose); err != nil {
			return fmt.Errorf("initial key rotation: %w", err)
		}
	}
	return nil
}

// RotateKey generates a new RSA keypair, persists it as active, and then
// demotes the previously active key(s) for purpose. The new key is
// inserted before any old key is touched, so a store failure during
// demotion leaves purpose with its new key still active (and, at worst,
// an old key also still marked active until the caller retries), rather
// than an insert failure leaving purpose with zero active keys.
func (m *Manager) RotateKey(ctx context.Context, purpose string) (*SigningKey, error) {
	if purpose == "" {
		purpose = DefaultPurpose
	}

	priv, err := rsa.GenerateKey(rand.Reader, RSAKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating RSA key: %w", err)
	}

	pubPEM, err := encodePublicPEM(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}
	privPEM, err := encodePrivatePEM(priv)
	if err != nil {
		return nil, fmt.Errorf("encoding private key: %w", err)
	}

	kid := fingerprint(pubPEM)
	key := &SigningKey{
		Kid:        kid,
		PublicKey:  pubPEM,
		PrivateKey: privPEM,
		Algorithm:  Algorithm,
		Use:        Use,
		Purpose:    purpose,
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}
	if _, err := m.store.Insert(ctx, toRecord(key)); err != nil {
		return nil, fmt.Errorf("persisting new key: %w", err)
	}

	existing, err := m.store.Query(ctx, store.Record{"purpose": purpose, "active": true})
	if err != nil {
		return nil, fmt.Errorf("loading active key: %w", err)
	}
	for _, rec := range existing {
		id, _ := rec["kid"].(string)
		if id == kid {
			continue
		}
		if _, err := m.store.Update(ctx, id, store.Record{"active": false}); err != nil {
			return nil, fmt.Errorf("demoting active key %s: %w", id, err)
		}
	}

	m.mu.Lock()
	for _, k := range m.cache {
		if k.Purpose == purpose {
			k.Active = false
		}
	}
	m.cache[kid] = key
	m.mu.Unlock()

	logger.Infow("rotated signing key", "kid", kid, "purpose", purpose)
	return key, nil
}

// GetCurrentKey returns the single active key for purpose.
func (m *Manager) GetCurrentKey(purpose string) (*SigningKey, error) {
	if purpose == "" {
		purpose = DefaultPurpose
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range m.cache {
		if k.Purpose == purpose && k.Active {
			return k, nil
		}
	}
	return nil, fmt.Errorf("no active signing key for purpose %q", purpose)
}

// GetKey resolves a key by kid, falling back to the store on a cache miss
// and caching the result on a hit.
func (m *Manager) GetKey(ctx context.Context, kid string) (*SigningKey, error) {
	m.mu.RLock()
	k, ok := m.cache[kid]
	m.mu.RUnlock()
	if ok {
		return k, nil
	}

	rec, err := m.store.Get(ctx, kid)
	if err != nil {
		return nil, fmt.Errorf("looking up key %s: %w", kid, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("key %s not found", kid)
	}

	k = fromRecord(rec)
	m.mu.Lock()
	m.cache[kid] = k
	m.mu.Unlock()
	return k, nil
}

// JWKS is the JSON shape returned from the /.well-known/jwks.json endpoint.
type JWKS struct {
	Keys []josejwk.JSONWebKey `json:"keys"`
}

// GetJWKS returns every known key (active or inactive) so that tokens signed
// before a rotation continue to verify until they naturally expire.
func (m *Manager) GetJWKS() (JWKS, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := JWKS{Keys: make([]josejwk.JSONWebKey, 0, len(m.cache))}
	for _, k := range m.cache {
		block, _ := pem.Decode([]byte(k.PublicKey))
		if block == nil {
			return JWKS{}, fmt.Errorf("key %s: invalid PEM", k.Kid)
		}
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return JWKS{}, fmt.Errorf("key %s: %w", k.Kid, err)
		}
		out.Keys = append(out.Keys, josejwk.JSONWebKey{
			Key:       pub,
			KeyID:     k.Kid,
			Algorithm: k.Algorithm,
			Use:       k.Use,
		})
	}
	return out, nil
}

// ParsePublicKey returns the parsed *rsa.PublicKey for k, used by the token
// verifier.
func (k *SigningKey) ParsePublicKey() (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(k.PublicKey))
	if block == nil {
		return nil, fmt.Errorf("invalid public key PEM for kid %s", k.Kid)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("kid %s is not an RSA key", k.Kid)
	}
	return rsaPub, nil
}

// ParsePrivateKey returns the parsed *rsa.PrivateKey for k, used by the
// token signer.
func (k *SigningKey) ParsePrivateKey() (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(k.PrivateKey))
	if block == nil {
		return nil, fmt.Errorf("invalid private key PEM for kid %s", k.Kid)
	}
	priv, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaPriv, ok := priv.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("kid %s is not an RSA key", k.Kid)
	}
	return rsaPriv, nil
}

func fingerprint(publicPEM string) string {
	sum := sha256.Sum256([]byte(publicPEM))
	return hex.EncodeToString(sum[:])[:16]
}

func encodePublicPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

func encodePrivatePEM(priv *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

func toRecord(k *SigningKey) store.Record {
	return store.Record{
		"kid":        k.Kid,
		"publicKey":  k.PublicKey,
		"privateKey": k.PrivateKey,
		"algorithm":  k.Algorithm,
		"use":        k.Use,
		"purpose":    k.Purpose,
		"active":     k.Active,
		"createdAt":  k.CreatedAt,
	}
}

func fromRecord(rec store.Record) *SigningKey {
	k := &SigningKey{}
	if v, ok := rec["kid"].(string); ok {
		k.Kid = v
	}
	if v, ok := rec["publicKey"].(string); ok {
		k.PublicKey = v
	}
	if v, ok := rec["privateKey"].(string); ok {
		k.PrivateKey = v
	}
	if v, ok := rec["algorithm"].(string); ok {
		k.Algorithm = v
	}
	if v, ok := rec["use"].(string); ok {
		k.Use = v
	}
	if v, ok := rec["purpose"].(string); ok {
		k.Purpose = v
	}
	if v, ok := rec["active"].(bool); ok {
		k.Active = v
	}
	if v, ok := rec["createdAt"].(time.Time); ok {
		k.CreatedAt = v
	}
	return k
}
