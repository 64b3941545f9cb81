package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// OIDCVerifier accepts ID tokens from an OpenID Connect provider. Scopes
// are read from scopeClaim, admin rights from the "admin" claim.
type OIDCVerifier struct {
	verifier   *oidc.IDTokenVerifier
	scopeClaim string
}

// NewOIDCVerifier discovers the provider at issuer.
func NewOIDCVerifier(ctx context.Context, issuer, clientID, scopeClaim string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery for %s: %w", issuer, err)
	}
	return newOIDCVerifier(provider.Verifier(&oidc.Config{ClientID: clientID}), scopeClaim), nil
}

func newOIDCVerifier(v *oidc.IDTokenVerifier, scopeClaim string) *OIDCVerifier {
	if scopeClaim == "" {
		scopeClaim = "scopes"
	}
	return &OIDCVerifier{verifier: v, scopeClaim: scopeClaim}
}

func (o *OIDCVerifier) Authenticate(ctx context.Context, raw string) (Principal, error) {
	if raw == "" {
		return Principal{}, ErrMissingToken
	}
	tok, err := o.verifier.Verify(ctx, raw)
	if err != nil {
		return Principal{}, fmt.Errorf("invalid id token: %w", err)
	}
	var claims map[string]any
	if err := tok.Claims(&claims); err != nil {
		return Principal{}, fmt.Errorf("decode id token claims: %w", err)
	}
	p := Principal{Subject: tok.Subject}
	if p.Subject == "" {
		return Principal{}, errors.New("invalid id token: missing sub claim")
	}
	switch v := claims[o.scopeClaim].(type) {
	case string:
		p.Scopes = strings.Fields(v)
	case []any:
		for _, item := range v {
			if str, ok := item.(string); ok {
				p.Scopes = append(p.Scopes, str)
			}
		}
	}
	p.Admin, _ = claims["admin"].(bool)
	return p, nil
}
