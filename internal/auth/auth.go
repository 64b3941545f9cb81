// Package auth authenticates management and ingestion callers and
// decides which scopes they may manage.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"

	goerrors "github.com/goliatone/go-errors"

	"github.com/austindbirch/guildhook/internal/event"
)

// Text codes carried by auth errors.
const (
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
)

var ErrMissingToken = errors.New("missing bearer token")

// Principal is an authenticated caller. Scopes lists the guild or account
// scopes it owns; Admin may manage every scope.
type Principal struct {
	Subject string   `json:"sub"`
	Scopes  []string `json:"scopes,omitempty"`
	Admin   bool     `json:"admin,omitempty"`
}

// Authenticator turns a raw bearer token into a Principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Principal, error)
}

// CanManage reports whether p may manage endpoints and deliveries of scope.
func CanManage(p Principal, scope event.Scope) bool {
	if p.Admin {
		return true
	}
	return scope != "" && slices.Contains(p.Scopes, string(scope))
}

type contextKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the principal stored by the middleware or interceptor.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// Chain tries each authenticator in order and returns the first success.
type Chain []Authenticator

func (c Chain) Authenticate(ctx context.Context, token string) (Principal, error) {
	var errs []error
	for _, a := range c {
		p, err := a.Authenticate(ctx, token)
		if err == nil {
			return p, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return Principal{}, errors.New("no authenticator configured")
	}
	return Principal{}, errors.Join(errs...)
}

// Anonymous accepts every request as the same principal. Used when auth
// is disabled for local development.
type Anonymous struct {
	Principal Principal
}

func (a Anonymous) Authenticate(context.Context, string) (Principal, error) {
	return a.Principal, nil
}

// Unauthorized wraps an authentication failure.
func Unauthorized(err error) *goerrors.Error {
	return goerrors.Wrap(err, goerrors.CategoryAuth, "authentication required").
		WithCode(http.StatusUnauthorized).
		WithTextCode(CodeUnauthorized)
}

// Forbidden rejects a principal acting outside its scopes.
func Forbidden(p Principal, scope event.Scope) *goerrors.Error {
	return goerrors.New("not allowed to manage scope", goerrors.CategoryAuthz).
		WithCode(http.StatusForbidden).
		WithTextCode(CodeForbidden).
		WithMetadata(map[string]any{"scope": string(scope), "subject": p.Subject})
}

// scopeList accepts either a JSON array or a space separated string.
type scopeList []string

func (s *scopeList) UnmarshalJSON(b []byte) error {
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		*s = list
		return nil
	}
	var joined string
	if err := json.Unmarshal(b, &joined); err != nil {
		return errors.New("scopes claim must be a string or an array of strings")
	}
	*s = strings.Fields(joined)
	return nil
}
