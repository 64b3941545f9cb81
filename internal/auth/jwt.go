package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carried by guildhook access tokens.
type Claims struct {
	jwt.RegisteredClaims
	Scopes scopeList `json:"scopes,omitempty"`
	Admin  bool      `json:"admin,omitempty"`
}

// JWTValidator checks RS256 access tokens against a fixed key or a JWKS.
type JWTValidator struct {
	keys     keySource
	issuer   string
	audience string
	now      func() time.Time
}

type keySource interface {
	key(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

type staticKey struct{ pub *rsa.PublicKey }

func (s staticKey) key(context.Context, string) (*rsa.PublicKey, error) { return s.pub, nil }

// NewJWTValidator creates a validator for tokens signed by publicKeyPEM
// (PKCS1 or PKIX).
func NewJWTValidator(publicKeyPEM, issuer, audience string) (*JWTValidator, error) {
	pub, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	return &JWTValidator{keys: staticKey{pub}, issuer: issuer, audience: audience, now: time.Now}, nil
}

// NewJWKSValidator loads the key set at jwksURL and selects keys by kid.
// Unknown kids trigger a refetch at most once per minute.
func NewJWKSValidator(ctx context.Context, jwksURL, issuer, audience string, client *http.Client) (*JWTValidator, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	set := &jwksKeys{url: jwksURL, client: client, minRefresh: time.Minute}
	if err := set.refresh(ctx); err != nil {
		return nil, err
	}
	return &JWTValidator{keys: set, issuer: issuer, audience: audience, now: time.Now}, nil
}

func ParsePublicKey(publicKeyPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	if pub, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return pub, nil
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return pub, nil
}

// Authenticate validates signature, issuer, audience and expiry.
func (v *JWTValidator) Authenticate(ctx context.Context, tokenString string) (Principal, error) {
	if tokenString == "" {
		return Principal{}, ErrMissingToken
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.keys.key(ctx, kid)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("invalid token: %w", err)
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("invalid token: missing sub claim")
	}
	return Principal{Subject: claims.Subject, Scopes: claims.Scopes, Admin: claims.Admin}, nil
}

// JSONWebKeySet represents a JWKS response.
type JSONWebKeySet struct {
	Keys []JSONWebKey `json:"keys"`
}

// JSONWebKey is an RSA public key in JWK form.
type JSONWebKey struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg,omitempty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// NewJSONWebKey renders pub for publication in a JWKS.
func NewJSONWebKey(kid string, pub *rsa.PublicKey) JSONWebKey {
	return JSONWebKey{
		Kty: "RSA",
		Use: "sig",
		Alg: jwt.SigningMethodRS256.Alg(),
		Kid: kid,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

// PublicKey decodes the modulus and exponent.
func (k JSONWebKey) PublicKey() (*rsa.PublicKey, error) {
	if k.Kty != "RSA" {
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(e)
	if len(n) == 0 || !exp.IsInt64() || exp.Int64() < 3 {
		return nil, errors.New("malformed RSA key")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}

// FetchJWKS fetches the key set at jwksURL and returns its RSA keys by kid.
func FetchJWKS(ctx context.Context, client *http.Client, jwksURL string) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var set JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := k.PublicKey()
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k.Kid, err)
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return nil, errors.New("no RSA signing keys found in JWKS")
	}
	return keys, nil
}

type jwksKeys struct {
	url        string
	client     *http.Client
	minRefresh time.Duration

	mu      sync.RWMutex
	keys    map[string]*rsa.PublicKey
	fetched time.Time
}

func (s *jwksKeys) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if pub := s.lookup(kid); pub != nil {
		return pub, nil
	}
	s.mu.RLock()
	stale := time.Since(s.fetched) >= s.minRefresh
	s.mu.RUnlock()
	if stale {
		if err := s.refresh(ctx); err != nil {
			return nil, err
		}
		if pub := s.lookup(kid); pub != nil {
			return pub, nil
		}
	}
	return nil, fmt.Errorf("unknown signing key %q", kid)
}

// lookup falls back to the only key when the token carries no kid.
func (s *jwksKeys) lookup(kid string) *rsa.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if kid == "" && len(s.keys) == 1 {
		for _, pub := range s.keys {
			return pub
		}
	}
	return s.keys[kid]
}

func (s *jwksKeys) refresh(ctx context.Context) error {
	keys, err := FetchJWKS(ctx, s.client, s.url)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetched = time.Now()
	if err != nil {
		return err
	}
	s.keys = keys
	return nil
}
