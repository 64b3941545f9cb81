// Package postgres implements the registry and delivery log stores on
// Postgres through a pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/guildhook/internal/event"
	"github.com/austindbirch/guildhook/internal/registry"
)

// Store serves both registry.Store and deliverylog.Store.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const endpointColumns = `
	id, scope, url, secret, subscriptions, description, enabled,
	disabled_reason, consecutive_failures, created_at, updated_at, deleted_at`

func scanEndpoint(row pgx.Row) (*registry.Endpoint, error) {
	var (
		ep    registry.Endpoint
		scope string
		subs  []string
	)
	err := row.Scan(&ep.ID, &scope, &ep.URL, &ep.Secret, &subs, &ep.Description, &ep.Enabled,
		&ep.DisabledReason, &ep.ConsecutiveFailures, &ep.CreatedAt, &ep.UpdatedAt, &ep.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, registry.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ep.Scope = event.Scope(scope)
	ep.Subscriptions = toTypes(subs)
	ep.CreatedAt = ep.CreatedAt.UTC()
	ep.UpdatedAt = ep.UpdatedAt.UTC()
	return &ep, nil
}

// validID reports whether id can name a row. Endpoint ids are UUID
// columns, so anything else is unknown rather than a query error.
func validID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

func collectEndpoints(rows pgx.Rows) ([]*registry.Endpoint, error) {
	defer rows.Close()
	var out []*registry.Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

// Create inserts ep while the scope holds fewer than limit live endpoints.
// A transaction-scoped advisory lock on the scope serialises concurrent
// registrations so the count cannot be raced.
func (s *Store) Create(ctx context.Context, ep *registry.Endpoint, limit int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create endpoint: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, string(ep.Scope)); err != nil {
		return fmt.Errorf("lock scope: %w", err)
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO webhook_endpoints (id, scope, url, secret, subscriptions, description, enabled, created_at, updated_at)
		SELECT $1::uuid, $2::text, $3::text, $4::text, $5::text[], $6::text, TRUE, $7::timestamptz, $7::timestamptz
		WHERE (SELECT count(*) FROM webhook_endpoints WHERE scope = $2::text AND deleted_at IS NULL) < $8::int`,
		ep.ID, string(ep.Scope), ep.URL, ep.Secret, fromTypes(ep.Subscriptions), ep.Description, ep.CreatedAt, limit,
	)
	if err != nil {
		return fmt.Errorf("insert endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return registry.ErrLimitReached
	}
	return tx.Commit(ctx)
}

func (s *Store) Get(ctx context.Context, id string) (*registry.Endpoint, error) {
	if !validID(id) {
		return nil, registry.ErrNotFound
	}
	return scanEndpoint(s.pool.QueryRow(ctx, `
		SELECT`+endpointColumns+`
		FROM webhook_endpoints
		WHERE id = $1 AND deleted_at IS NULL`, id))
}

func (s *Store) Update(ctx context.Context, ep *registry.Endpoint) error {
	if !validID(ep.ID) {
		return registry.ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_endpoints
		SET url = $2, subscriptions = $3, description = $4, updated_at = $5
		WHERE id = $1 AND deleted_at IS NULL`,
		ep.ID, ep.URL, fromTypes(ep.Subscriptions), ep.Description, ep.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return registry.ErrNotFound
	}
	return nil
}

// SetEnabled toggles the endpoint. Enabling clears the failure streak.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool, reason string, at time.Time) (*registry.Endpoint, error) {
	if !validID(id) {
		return nil, registry.ErrNotFound
	}
	return scanEndpoint(s.pool.QueryRow(ctx, `
		UPDATE webhook_endpoints
		SET enabled = $2,
		    disabled_reason = $3,
		    consecutive_failures = CASE WHEN $2 THEN 0 ELSE consecutive_failures END,
		    updated_at = $4
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING`+endpointColumns, id, enabled, reason, at))
}

func (s *Store) SoftDelete(ctx context.Context, id string, at time.Time) error {
	if !validID(id) {
		return registry.ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_endpoints
		SET deleted_at = $2, enabled = FALSE, updated_at = $2
		WHERE id = $1 AND deleted_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("delete endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return registry.ErrNotFound
	}
	return nil
}

func (s *Store) ListByScope(ctx context.Context, scope event.Scope) ([]*registry.Endpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT`+endpointColumns+`
		FROM webhook_endpoints
		WHERE scope = $1 AND deleted_at IS NULL
		ORDER BY created_at, id`, string(scope))
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	return collectEndpoints(rows)
}

func (s *Store) ListActive(ctx context.Context, scope event.Scope) ([]*registry.Endpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT`+endpointColumns+`
		FROM webhook_endpoints
		WHERE scope = $1 AND enabled AND deleted_at IS NULL
		ORDER BY created_at, id`, string(scope))
	if err != nil {
		return nil, fmt.Errorf("list active endpoints: %w", err)
	}
	return collectEndpoints(rows)
}

func (s *Store) ResetFailures(ctx context.Context, id string) error {
	if !validID(id) {
		return registry.ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_endpoints SET consecutive_failures = 0
		WHERE id = $1 AND consecutive_failures <> 0`, id)
	if err != nil {
		return fmt.Errorf("reset failures: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.exists(ctx, id)
	}
	return nil
}

func (s *Store) IncrementFailures(ctx context.Context, id string) (int, error) {
	if !validID(id) {
		return 0, registry.ErrNotFound
	}
	var n int
	err := s.pool.QueryRow(ctx, `
		UPDATE webhook_endpoints SET consecutive_failures = consecutive_failures + 1
		WHERE id = $1
		RETURNING consecutive_failures`, id).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, registry.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment failures: %w", err)
	}
	return n, nil
}

// DisableIfFailing is the circuit breaker write: a single conditional
// update that only fires while the streak is at or above threshold.
func (s *Store) DisableIfFailing(ctx context.Context, id string, threshold int, at time.Time) (bool, error) {
	if !validID(id) {
		return false, nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_endpoints
		SET enabled = FALSE, disabled_reason = $3, updated_at = $4
		WHERE id = $1 AND enabled AND deleted_at IS NULL AND consecutive_failures >= $2`,
		id, threshold, registry.DisabledCircuitBreak, at)
	if err != nil {
		return false, fmt.Errorf("circuit break: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) exists(ctx context.Context, id string) error {
	if !validID(id) {
		return registry.ErrNotFound
	}
	var ok bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM webhook_endpoints WHERE id = $1)`, id).Scan(&ok); err != nil {
		return fmt.Errorf("lookup endpoint: %w", err)
	}
	if !ok {
		return registry.ErrNotFound
	}
	return nil
}

// Ping satisfies health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func toTypes(in []string) []event.Type {
	out := make([]event.Type, len(in))
	for i, s := range in {
		out[i] = event.Type(s)
	}
	return out
}

func fromTypes(in []event.Type) []string {
	out := make([]string, len(in))
	for i, t := range in {
		out[i] = string(t)
	}
	return out
}
