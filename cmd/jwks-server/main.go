package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/austindbirch/guildhook/internal/auth"
	"github.com/austindbirch/guildhook/internal/config"
	"github.com/austindbirch/guildhook/internal/event"
	"github.com/austindbirch/guildhook/internal/logging"
)

const keyID = "guildhook-key-1"

var logger = logging.New("jwks-server")

// issuer mints development access tokens and publishes the matching JWKS.
type issuer struct {
	key      *rsa.PrivateKey
	kid      string
	name     string
	audience string
	now      func() time.Time
}

// loadKey parses JWT_PRIVATE_KEY (PKCS1 PEM) or generates a new key pair.
func loadKey(privateKeyPEM string) (*rsa.PrivateKey, error) {
	if privateKeyPEM == "" {
		logger.Plain().Info("Generated new RSA key pair for JWT signing")
		return rsa.GenerateKey(rand.Reader, 2048)
	}
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, errors.New("failed to decode PEM private key")
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

func (is *issuer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jwks.json", is.jwksHandler)
	mux.HandleFunc("/token", is.createTokenHandler)
	mux.HandleFunc("/healthz", healthHandler)
	return mux
}

// jwksHandler serves the JWKS endpoint
func (is *issuer) jwksHandler(w http.ResponseWriter, _ *http.Request) {
	set := auth.JSONWebKeySet{Keys: []auth.JSONWebKey{auth.NewJSONWebKey(is.kid, &is.key.PublicKey)}}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_ = json.NewEncoder(w).Encode(set)
}

type tokenRequest struct {
	Subject string   `json:"subject"`
	Scopes  []string `json:"scopes,omitempty"`
	Admin   bool     `json:"admin,omitempty"`
	TTL     int      `json:"ttl_seconds,omitempty"` // defaults to 1 hour
}

func (is *issuer) createTokenHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Subject == "" {
		http.Error(w, "subject is required", http.StatusBadRequest)
		return
	}
	for _, s := range req.Scopes {
		if _, err := event.ParseScope(s); err != nil {
			http.Error(w, "invalid scope "+s, http.StatusBadRequest)
			return
		}
	}
	if req.TTL <= 0 {
		req.TTL = 3600
	}

	tokenString, err := is.mint(req)
	if err != nil {
		http.Error(w, "Failed to sign token", http.StatusInternalServerError)
		return
	}
	logger.Plain().WithFields(map[string]any{"subject": req.Subject, "scopes": req.Scopes, "admin": req.Admin}).
		Info("token issued")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"token":      tokenString,
		"expires_in": req.TTL,
		"token_type": "Bearer",
	})
}

func (is *issuer) mint(req tokenRequest) (string, error) {
	now := is.now()
	claims := jwt.MapClaims{
		"iss": is.name,
		"aud": is.audience,
		"sub": req.Subject,
		"iat": now.Unix(),
		"exp": now.Add(time.Duration(req.TTL) * time.Second).Unix(),
	}
	if len(req.Scopes) > 0 {
		claims["scopes"] = req.Scopes
	}
	if req.Admin {
		claims["admin"] = true
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = is.kid
	return token.SignedString(is.key)
}

// healthHandler provides a simple health check endpoint
func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func main() {
	key, err := loadKey(os.Getenv("JWT_PRIVATE_KEY"))
	if err != nil {
		logger.Plain().WithError(err).Fatal("loading signing key failed")
	}
	c := config.FromEnv().Auth
	is := &issuer{key: key, kid: keyID, name: c.Issuer, audience: c.Audience, now: time.Now}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8082"
	}
	logger.Plain().WithFields(map[string]any{
		"addr": ":" + port,
		"jwks": "/.well-known/jwks.json",
	}).Info("JWKS server starting")

	srv := &http.Server{Addr: ":" + port, Handler: is.routes(), ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("Server failed to start")
	}
}
