package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/austindbirch/guildhook/internal/auth"
	"github.com/austindbirch/guildhook/internal/event"
)

func newTestIssuer(t *testing.T) *issuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return &issuer{key: key, kid: keyID, name: "guildhook", audience: "guildhook-api", now: time.Now}
}

func TestLoadKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))

	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{name: "generated", in: ""},
		{name: "from pem", in: pemKey},
		{name: "garbage", in: "not pem", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := loadKey(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("loadKey() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got == nil {
				t.Fatal("nil key")
			}
			if tt.in == pemKey && !got.Equal(key) {
				t.Error("parsed key differs from input")
			}
		})
	}
}

func TestHealthHandler(t *testing.T) {
	w := httptest.NewRecorder()
	healthHandler(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("health = %d %q", w.Code, w.Body.String())
	}
}

func TestJwksHandler(t *testing.T) {
	is := newTestIssuer(t)
	srv := httptest.NewServer(is.routes())
	defer srv.Close()

	keys, err := auth.FetchJWKS(context.Background(), srv.Client(), srv.URL+"/.well-known/jwks.json")
	if err != nil {
		t.Fatalf("FetchJWKS: %v", err)
	}
	pub, ok := keys[keyID]
	if !ok {
		t.Fatalf("kid %q missing from %v", keyID, keys)
	}
	if !pub.Equal(&is.key.PublicKey) {
		t.Error("published key does not match signing key")
	}
}

func TestCreateTokenHandler(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		body       string
		wantStatus int
	}{
		{name: "valid", method: http.MethodPost, body: `{"subject":"bot-1","scopes":["guild:1"]}`, wantStatus: http.StatusOK},
		{name: "admin", method: http.MethodPost, body: `{"subject":"ops","admin":true,"ttl_seconds":60}`, wantStatus: http.StatusOK},
		{name: "missing subject", method: http.MethodPost, body: `{"scopes":["guild:1"]}`, wantStatus: http.StatusBadRequest},
		{name: "bad scope", method: http.MethodPost, body: `{"subject":"bot","scopes":["team:1"]}`, wantStatus: http.StatusBadRequest},
		{name: "invalid json", method: http.MethodPost, body: `{`, wantStatus: http.StatusBadRequest},
		{name: "get", method: http.MethodGet, body: ``, wantStatus: http.StatusMethodNotAllowed},
	}
	is := newTestIssuer(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			is.routes().ServeHTTP(w, httptest.NewRequest(tt.method, "/token", strings.NewReader(tt.body)))
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

// Tokens minted here must be accepted by the validator the ingest
// service builds from the published JWKS.
func TestTokensValidateAgainstJWKS(t *testing.T) {
	is := newTestIssuer(t)
	srv := httptest.NewServer(is.routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/token", "application/json",
		strings.NewReader(`{"subject":"bot-1","scopes":["guild:1","account:9"],"ttl_seconds":120}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expires_in"`
		TokenType string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.ExpiresIn != 120 || out.TokenType != "Bearer" {
		t.Errorf("response = %+v", out)
	}

	v, err := auth.NewJWKSValidator(context.Background(), srv.URL+"/.well-known/jwks.json", "guildhook", "guildhook-api", srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	p, err := v.Authenticate(context.Background(), out.Token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.Subject != "bot-1" || p.Admin {
		t.Errorf("principal = %+v", p)
	}
	if !auth.CanManage(p, event.Scope("account:9")) || auth.CanManage(p, event.Scope("guild:2")) {
		t.Errorf("scopes not carried: %+v", p.Scopes)
	}
}
