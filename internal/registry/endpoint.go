// Package registry owns webhook endpoint configuration: registration,
// management, the active endpoint cache read by the dispatcher, and the
// narrow health write path used by the retry scheduler.
package registry

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/austindbirch/guildhook/internal/event"
)

// Disabled reasons.
const (
	DisabledManual       = "manual"
	DisabledCircuitBreak = "circuit_break"
)

// Endpoint statuses surfaced by the management API.
const (
	StatusActive        = "active"
	StatusDisabled      = "disabled"
	StatusCircuitBroken = "circuit_broken"
	StatusDeleted       = "deleted"
)

// Endpoint is a registered webhook target. Secret is populated for
// internal callers (the signer) and never serialised.
type Endpoint struct {
	ID                  string       `json:"id"`
	Scope               event.Scope  `json:"scope"`
	URL                 string       `json:"url"`
	Secret              string       `json:"-"`
	Subscriptions       []event.Type `json:"subscriptions"`
	Description         string       `json:"description,omitempty"`
	Enabled             bool         `json:"enabled"`
	DisabledReason      string       `json:"disabled_reason,omitempty"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
	DeletedAt           *time.Time   `json:"deleted_at,omitempty"`
}

// Status summarises Enabled, DisabledReason and DeletedAt.
func (e *Endpoint) Status() string {
	switch {
	case e.DeletedAt != nil:
		return StatusDeleted
	case e.Enabled:
		return StatusActive
	case e.DisabledReason == DisabledCircuitBreak:
		return StatusCircuitBroken
	default:
		return StatusDisabled
	}
}

// Subscribed reports whether the endpoint listens for t.
func (e *Endpoint) Subscribed(t event.Type) bool {
	return slices.Contains(e.Subscriptions, t)
}

// Active reports whether new jobs may be created for the endpoint.
func (e *Endpoint) Active() bool {
	return e.Enabled && e.DeletedAt == nil
}

// UpdateFields carries a partial update; nil fields are left unchanged.
type UpdateFields struct {
	URL           *string
	Subscriptions []event.Type
	Description   *string
}

var (
	// ErrNotFound is returned by stores for unknown or deleted ids.
	ErrNotFound = errors.New("webhook endpoint not found")
	// ErrLimitReached is returned by Store.Create when the scope is full.
	ErrLimitReached = errors.New("webhook endpoint limit reached for scope")
)

// Store persists endpoints. Implementations live in internal/store.
type Store interface {
	// Create inserts ep unless the scope already holds limit live endpoints.
	Create(ctx context.Context, ep *Endpoint, limit int) error
	Get(ctx context.Context, id string) (*Endpoint, error)
	Update(ctx context.Context, ep *Endpoint) error
	SetEnabled(ctx context.Context, id string, enabled bool, reason string, at time.Time) (*Endpoint, error)
	SoftDelete(ctx context.Context, id string, at time.Time) error
	ListByScope(ctx context.Context, scope event.Scope) ([]*Endpoint, error)
	ListActive(ctx context.Context, scope event.Scope) ([]*Endpoint, error)

	ResetFailures(ctx context.Context, id string) error
	IncrementFailures(ctx context.Context, id string) (int, error)
	// DisableIfFailing disables the endpoint only while
	// consecutive_failures >= threshold and reports whether it did.
	DisableIfFailing(ctx context.Context, id string, threshold int, at time.Time) (bool, error)
}

// Notifier broadcasts registry changes so other processes can drop cached state.
type Notifier interface {
	NotifyChanged(ctx context.Context, scope event.Scope, webhookID string) error
}
