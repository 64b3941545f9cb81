package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/austindbirch/guildhook/internal/delivery"
	"github.com/austindbirch/guildhook/internal/deliverylog"
)

// ClaimJob is the dispatcher's dedup point: insert-if-absent on
// (event_id, webhook_id).
func (s *Store) ClaimJob(ctx context.Context, j delivery.Job) (bool, error) {
	headers, err := json.Marshal(nonNil(j.TraceHeaders))
	if err != nil {
		return false, fmt.Errorf("encode trace headers: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO delivery_jobs (event_id, webhook_id, scope, event_type, sequence, payload,
			trace_headers, state, attempts, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, 'pending', $8, $9, $10, $10)
		ON CONFLICT (event_id, webhook_id) DO NOTHING`,
		j.EventID, j.WebhookID, j.Scope, j.EventType, j.Sequence, []byte(j.Payload),
		string(headers), j.Attempt-1, j.NextAttemptAt, j.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Settle moves the ledger row and appends the attempt atomically. The
// guarded update takes the row lock, so a concurrent duplicate settle
// either waits and then matches nothing or loses on the unique index.
func (s *Store) Settle(ctx context.Context, a deliverylog.Attempt, t deliverylog.Transition) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin settle: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE delivery_jobs
		SET state = $3, attempts = $4, next_attempt_at = $5, updated_at = $6
		WHERE event_id = $1 AND webhook_id = $2 AND state = 'pending' AND attempts = $7`,
		a.EventID, a.WebhookID, string(t.State), t.Attempts, t.NextAttemptAt, a.AttemptedAt, a.AttemptNumber-1,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return deliverylog.ErrAlreadySettled
	}

	var httpStatus *int
	if a.HTTPStatus != 0 {
		httpStatus = &a.HTTPStatus
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO delivery_attempts (id, event_id, webhook_id, attempt_number, status, http_status,
			response_body, error, latency_ms, scheduled_at, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.EventID, a.WebhookID, a.AttemptNumber, string(a.Status), httpStatus,
		a.ResponseBody, a.Error, a.LatencyMs, a.ScheduledAt, a.AttemptedAt,
	); err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) PendingJobs(ctx context.Context, afterKey string, limit int) ([]delivery.Job, error) {
	afterEvent, afterWebhook := deliverylog.SplitKey(afterKey)
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, webhook_id::text, scope, event_type, sequence, payload, trace_headers,
			attempts, next_attempt_at, created_at
		FROM delivery_jobs
		WHERE state = 'pending' AND (event_id, webhook_id::text) > ($1, $2)
		ORDER BY event_id, webhook_id::text
		LIMIT $3`, afterEvent, afterWebhook, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	defer rows.Close()

	var out []delivery.Job
	for rows.Next() {
		var (
			j        delivery.Job
			payload  []byte
			headers  []byte
			attempts int
		)
		if err := rows.Scan(&j.EventID, &j.WebhookID, &j.Scope, &j.EventType, &j.Sequence, &payload,
			&headers, &attempts, &j.NextAttemptAt, &j.CreatedAt); err != nil {
			return nil, err
		}
		j.Payload = payload
		j.Attempt = attempts + 1
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &j.TraceHeaders); err != nil {
				return nil, fmt.Errorf("decode trace headers: %w", err)
			}
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

const jobColumns = `
	event_id, webhook_id::text, scope, event_type, sequence, state, attempts,
	next_attempt_at, created_at, updated_at`

func scanJob(row pgx.Row) (deliverylog.JobSummary, error) {
	var (
		j     deliverylog.JobSummary
		state string
	)
	err := row.Scan(&j.EventID, &j.WebhookID, &j.Scope, &j.EventType, &j.Sequence, &state,
		&j.Attempts, &j.NextAttemptAt, &j.CreatedAt, &j.UpdatedAt)
	j.State = deliverylog.Status(state)
	return j, err
}

func (s *Store) GetJob(ctx context.Context, eventID, webhookID string) (deliverylog.JobSummary, error) {
	if !validID(webhookID) {
		return deliverylog.JobSummary{}, deliverylog.ErrJobNotFound
	}
	j, err := scanJob(s.pool.QueryRow(ctx, `
		SELECT`+jobColumns+`
		FROM delivery_jobs
		WHERE event_id = $1 AND webhook_id = $2`, eventID, webhookID))
	if errors.Is(err, pgx.ErrNoRows) {
		return j, deliverylog.ErrJobNotFound
	}
	return j, err
}

func (s *Store) ListJobs(ctx context.Context, q deliverylog.JobQuery) ([]deliverylog.JobSummary, error) {
	if q.WebhookID != "" && !validID(q.WebhookID) {
		return nil, nil
	}
	var w where
	if q.EventID != "" {
		w.add("event_id = ?", q.EventID)
	}
	if q.WebhookID != "" {
		w.add("webhook_id = ?", q.WebhookID)
	}
	if q.State != "" {
		w.add("state = ?", string(q.State))
	}
	if q.Cursor != "" {
		c, err := deliverylog.DecodeJobCursor(q.Cursor)
		if err != nil {
			return nil, err
		}
		w.add("(updated_at, event_id, webhook_id::text) < (?, ?, ?)", c.UpdatedAt, c.EventID, c.WebhookID)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT`+jobColumns+`
		FROM delivery_jobs`+w.sql()+`
		ORDER BY updated_at DESC, event_id DESC, webhook_id::text DESC
		LIMIT `+w.arg(deliverylog.ClampLimit(q.Limit)), w.args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []deliverylog.JobSummary
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) ListAttempts(ctx context.Context, q deliverylog.AttemptQuery) (deliverylog.AttemptPage, error) {
	if q.WebhookID != "" && !validID(q.WebhookID) {
		return deliverylog.AttemptPage{Attempts: []deliverylog.Attempt{}}, nil
	}
	limit := deliverylog.ClampLimit(q.Limit)
	var w where
	if q.WebhookID != "" {
		w.add("webhook_id = ?", q.WebhookID)
	}
	if q.EventID != "" {
		w.add("event_id = ?", q.EventID)
	}
	if !q.From.IsZero() {
		w.add("attempted_at >= ?", q.From)
	}
	if !q.To.IsZero() {
		w.add("attempted_at < ?", q.To)
	}
	if q.Cursor != "" {
		c, err := deliverylog.DecodeCursor(q.Cursor)
		if err != nil {
			return deliverylog.AttemptPage{}, err
		}
		w.add("(attempted_at, id::text) < (?, ?)", c.AttemptedAt, c.ID)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id::text, event_id, webhook_id::text, attempt_number, status, COALESCE(http_status, 0),
			response_body, error, latency_ms, scheduled_at, attempted_at
		FROM delivery_attempts`+w.sql()+`
		ORDER BY attempted_at DESC, id::text DESC
		LIMIT `+w.arg(limit+1), w.args...)
	if err != nil {
		return deliverylog.AttemptPage{}, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	page := deliverylog.AttemptPage{Attempts: []deliverylog.Attempt{}}
	for rows.Next() {
		var (
			a      deliverylog.Attempt
			status string
		)
		if err := rows.Scan(&a.ID, &a.EventID, &a.WebhookID, &a.AttemptNumber, &status, &a.HTTPStatus,
			&a.ResponseBody, &a.Error, &a.LatencyMs, &a.ScheduledAt, &a.AttemptedAt); err != nil {
			return deliverylog.AttemptPage{}, err
		}
		a.Status = deliverylog.Status(status)
		page.Attempts = append(page.Attempts, a)
	}
	if err := rows.Err(); err != nil {
		return deliverylog.AttemptPage{}, err
	}
	if len(page.Attempts) > limit {
		page.Attempts = page.Attempts[:limit]
		last := page.Attempts[limit-1]
		page.NextCursor = deliverylog.EncodeCursor(deliverylog.Cursor{AttemptedAt: last.AttemptedAt, ID: last.ID})
	}
	return page, nil
}

// where accumulates AND-ed predicates, numbering ? placeholders as $n.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, args ...any) {
	for _, a := range args {
		clause = strings.Replace(clause, "?", w.arg(a), 1)
	}
	w.clauses = append(w.clauses, clause)
}

func (w *where) arg(v any) string {
	w.args = append(w.args, v)
	return fmt.Sprintf("$%d", len(w.args))
}

func (w *where) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return "\n\t\tWHERE " + strings.Join(w.clauses, " AND ")
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
