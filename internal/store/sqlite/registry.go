// Package sqlite implements the registry and delivery log stores on SQLite
// for single-node development and tests. Times are stored as unix
// nanoseconds and subscriptions as a JSON array.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/austindbirch/guildhook/internal/event"
	"github.com/austindbirch/guildhook/internal/registry"
)

// Store serves both registry.Store and deliverylog.Store.
type Store struct {
	db *sql.DB
}

// New wraps a database opened by db.OpenSQLite and migrated by db.MigrateSQLite.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const endpointColumns = `
	id, scope, url, secret, subscriptions, description, enabled,
	disabled_reason, consecutive_failures, created_at, updated_at, deleted_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanEndpoint(row scanner) (*registry.Endpoint, error) {
	var (
		ep               registry.Endpoint
		scope, subs      string
		created, updated int64
		deleted          sql.NullInt64
	)
	err := row.Scan(&ep.ID, &scope, &ep.URL, &ep.Secret, &subs, &ep.Description, &ep.Enabled,
		&ep.DisabledReason, &ep.ConsecutiveFailures, &created, &updated, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, registry.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(subs), &ep.Subscriptions); err != nil {
		return nil, fmt.Errorf("decode subscriptions: %w", err)
	}
	ep.Scope = event.Scope(scope)
	ep.CreatedAt = fromNanos(created)
	ep.UpdatedAt = fromNanos(updated)
	if deleted.Valid {
		at := fromNanos(deleted.Int64)
		ep.DeletedAt = &at
	}
	return &ep, nil
}

func collectEndpoints(rows *sql.Rows) ([]*registry.Endpoint, error) {
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

// Create counts and inserts inside one transaction; SQLite allows a single
// writer, so the count cannot be raced.
func (s *Store) Create(ctx context.Context, ep *registry.Endpoint, limit int) error {
	subs, err := json.Marshal(ep.Subscriptions)
	if err != nil {
		return fmt.Errorf("encode subscriptions: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create endpoint: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO webhook_endpoints (id, scope, url, secret, subscriptions, description, enabled, created_at, updated_at)
		SELECT ?, ?, ?, ?, ?, ?, 1, ?, ?
		WHERE (SELECT count(*) FROM webhook_endpoints WHERE scope = ? AND deleted_at IS NULL) < ?`,
		ep.ID, string(ep.Scope), ep.URL, ep.Secret, string(subs), ep.Description,
		nanos(ep.CreatedAt), nanos(ep.UpdatedAt), string(ep.Scope), limit,
	)
	if err != nil {
		return fmt.Errorf("insert endpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return registry.ErrLimitReached
	}
	return tx.Commit()
}

func (s *Store) Get(ctx context.Context, id string) (*registry.Endpoint, error) {
	return scanEndpoint(s.db.QueryRowContext(ctx, `
		SELECT`+endpointColumns+`
		FROM webhook_endpoints
		WHERE id = ? AND deleted_at IS NULL`, id))
}

func (s *Store) Update(ctx context.Context, ep *registry.Endpoint) error {
	subs, err := json.Marshal(ep.Subscriptions)
	if err != nil {
		return fmt.Errorf("encode subscriptions: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_endpoints
		SET url = ?, subscriptions = ?, description = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		ep.URL, string(subs), ep.Description, nanos(ep.UpdatedAt), ep.ID,
	)
	if err != nil {
		return fmt.Errorf("update endpoint: %w", err)
	}
	return expectOne(res, registry.ErrNotFound)
}

func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool, reason string, at time.Time) (*registry.Endpoint, error) {
	return scanEndpoint(s.db.QueryRowContext(ctx, `
		UPDATE webhook_endpoints
		SET enabled = ?1,
		    disabled_reason = ?2,
		    consecutive_failures = CASE WHEN ?1 THEN 0 ELSE consecutive_failures END,
		    updated_at = ?3
		WHERE id = ?4 AND deleted_at IS NULL
		RETURNING`+endpointColumns, enabled, reason, nanos(at), id))
}

func (s *Store) SoftDelete(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_endpoints
		SET deleted_at = ?1, enabled = 0, updated_at = ?1
		WHERE id = ?2 AND deleted_at IS NULL`, nanos(at), id)
	if err != nil {
		return fmt.Errorf("delete endpoint: %w", err)
	}
	return expectOne(res, registry.ErrNotFound)
}

func (s *Store) ListByScope(ctx context.Context, scope event.Scope) ([]*registry.Endpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT`+endpointColumns+`
		FROM webhook_endpoints
		WHERE scope = ? AND deleted_at IS NULL
		ORDER BY created_at, id`, string(scope))
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	return collectEndpoints(rows)
}

func (s *Store) ListActive(ctx context.Context, scope event.Scope) ([]*registry.Endpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT`+endpointColumns+`
		FROM webhook_endpoints
		WHERE scope = ? AND enabled = 1 AND deleted_at IS NULL
		ORDER BY created_at, id`, string(scope))
	if err != nil {
		return nil, fmt.Errorf("list active endpoints: %w", err)
	}
	return collectEndpoints(rows)
}

func (s *Store) ResetFailures(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE webhook_endpoints SET consecutive_failures = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("reset failures: %w", err)
	}
	return expectOne(res, registry.ErrNotFound)
}

func (s *Store) IncrementFailures(ctx context.Context, id string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		UPDATE webhook_endpoints SET consecutive_failures = consecutive_failures + 1
		WHERE id = ?
		RETURNING consecutive_failures`, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, registry.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment failures: %w", err)
	}
	return n, nil
}

func (s *Store) DisableIfFailing(ctx context.Context, id string, threshold int, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_endpoints
		SET enabled = 0, disabled_reason = ?, updated_at = ?
		WHERE id = ? AND enabled = 1 AND deleted_at IS NULL AND consecutive_failures >= ?`,
		registry.DisabledCircuitBreak, nanos(at), id, threshold)
	if err != nil {
		return false, fmt.Errorf("circuit break: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Ping satisfies health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func expectOne(res sql.Result, none error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return none
	}
	return nil
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
