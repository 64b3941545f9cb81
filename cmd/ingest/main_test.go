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
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/guildhook/internal/auth"
	"github.com/austindbirch/guildhook/internal/bus"
	"github.com/austindbirch/guildhook/internal/config"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func TestBuildAuthenticator(t *testing.T) {
	key := testKey(t)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(auth.JSONWebKeySet{Keys: []auth.JSONWebKey{auth.NewJSONWebKey("k1", &key.PublicKey)}})
	}))
	defer jwks.Close()

	tests := []struct {
		name      string
		cfg       config.Auth
		wantErr   bool
		wantChain int
	}{
		{name: "disabled", cfg: config.Auth{Disabled: true}},
		{name: "nothing configured", cfg: config.Auth{}, wantErr: true},
		{name: "static key", cfg: config.Auth{JWTPublicKey: pemKey, Issuer: "guildhook", Audience: "guildhook-api"}, wantChain: 1},
		{name: "static key and jwks", cfg: config.Auth{JWTPublicKey: pemKey, JWKSURL: jwks.URL}, wantChain: 2},
		{name: "bad pem", cfg: config.Auth{JWTPublicKey: "not a key"}, wantErr: true},
		{name: "unreachable jwks", cfg: config.Auth{JWKSURL: "http://127.0.0.1:1/jwks"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := buildAuthenticator(context.Background(), tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("buildAuthenticator() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if tt.cfg.Disabled {
				p, err := a.Authenticate(context.Background(), "")
				if err != nil || !p.Admin {
					t.Errorf("disabled auth = %+v, %v; want admin", p, err)
				}
				return
			}
			chain, ok := a.(auth.Chain)
			if !ok {
				t.Fatalf("authenticator is %T, want auth.Chain", a)
			}
			if len(chain) != tt.wantChain {
				t.Errorf("chain length = %d, want %d", len(chain), tt.wantChain)
			}
		})
	}
}

func TestSequencerFor(t *testing.T) {
	if _, ok := sequencerFor(nil).(*bus.LocalSequencer); !ok {
		t.Error("nil redis should give a local sequencer")
	}
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer rdb.Close()
	if _, ok := sequencerFor(rdb).(*bus.RedisSequencer); !ok {
		t.Error("redis client should give a redis sequencer")
	}
}

func TestLocalSequencerIsPerScope(t *testing.T) {
	seq := sequencerFor(nil)
	ctx := context.Background()
	for want := int64(1); want <= 3; want++ {
		got, err := seq.Next(ctx, "guild:1")
		if err != nil || got != want {
			t.Fatalf("Next(guild:1) = %d, %v; want %d", got, err, want)
		}
	}
	if got, _ := seq.Next(ctx, "guild:2"); got != 1 {
		t.Errorf("Next(guild:2) = %d, want 1", got)
	}
}
