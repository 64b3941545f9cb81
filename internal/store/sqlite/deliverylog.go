package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/austindbirch/guildhook/internal/delivery"
	"github.com/austindbirch/guildhook/internal/deliverylog"
)

func (s *Store) ClaimJob(ctx context.Context, j delivery.Job) (bool, error) {
	headers := []byte("{}")
	if len(j.TraceHeaders) > 0 {
		var err error
		if headers, err = json.Marshal(j.TraceHeaders); err != nil {
			return false, fmt.Errorf("encode trace headers: %w", err)
		}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_jobs (event_id, webhook_id, scope, event_type, sequence, payload,
			trace_headers, state, attempts, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?)
		ON CONFLICT (event_id, webhook_id) DO NOTHING`,
		j.EventID, j.WebhookID, j.Scope, j.EventType, j.Sequence, []byte(j.Payload),
		string(headers), j.Attempt-1, nanos(j.NextAttemptAt), nanos(j.CreatedAt), nanos(j.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) Settle(ctx context.Context, a deliverylog.Attempt, t deliverylog.Transition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin settle: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE delivery_jobs
		SET state = ?, attempts = ?, next_attempt_at = ?, updated_at = ?
		WHERE event_id = ? AND webhook_id = ? AND state = 'pending' AND attempts = ?`,
		string(t.State), t.Attempts, nanos(t.NextAttemptAt), nanos(a.AttemptedAt),
		a.EventID, a.WebhookID, a.AttemptNumber-1,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if err := expectOne(res, deliverylog.ErrAlreadySettled); err != nil {
		return err
	}

	var httpStatus sql.NullInt64
	if a.HTTPStatus != 0 {
		httpStatus = sql.NullInt64{Int64: int64(a.HTTPStatus), Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO delivery_attempts (id, event_id, webhook_id, attempt_number, status, http_status,
			response_body, error, latency_ms, scheduled_at, attempted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.EventID, a.WebhookID, a.AttemptNumber, string(a.Status), httpStatus,
		a.ResponseBody, a.Error, a.LatencyMs, nanos(a.ScheduledAt), nanos(a.AttemptedAt),
	); err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return tx.Commit()
}

func (s *Store) PendingJobs(ctx context.Context, afterKey string, limit int) ([]delivery.Job, error) {
	afterEvent, afterWebhook := deliverylog.SplitKey(afterKey)
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, webhook_id, scope, event_type, sequence, payload, trace_headers,
			attempts, next_attempt_at, created_at
		FROM delivery_jobs
		WHERE state = 'pending' AND (event_id, webhook_id) > (?, ?)
		ORDER BY event_id, webhook_id
		LIMIT ?`, afterEvent, afterWebhook, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	defer rows.Close()

	var out []delivery.Job
	for rows.Next() {
		var (
			j             delivery.Job
			payload       []byte
			headers       string
			attempts      int
			next, created int64
		)
		if err := rows.Scan(&j.EventID, &j.WebhookID, &j.Scope, &j.EventType, &j.Sequence, &payload,
			&headers, &attempts, &next, &created); err != nil {
			return nil, err
		}
		j.Payload = payload
		j.Attempt = attempts + 1
		j.NextAttemptAt = fromNanos(next)
		j.CreatedAt = fromNanos(created)
		if headers != "" && headers != "{}" {
			if err := json.Unmarshal([]byte(headers), &j.TraceHeaders); err != nil {
				return nil, fmt.Errorf("decode trace headers: %w", err)
			}
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

const jobColumns = `
	event_id, webhook_id, scope, event_type, sequence, state, attempts,
	next_attempt_at, created_at, updated_at`

func scanJob(row scanner) (deliverylog.JobSummary, error) {
	var (
		j                      deliverylog.JobSummary
		state                  string
		next, created, updated int64
	)
	if err := row.Scan(&j.EventID, &j.WebhookID, &j.Scope, &j.EventType, &j.Sequence, &state,
		&j.Attempts, &next, &created, &updated); err != nil {
		return j, err
	}
	j.State = deliverylog.Status(state)
	j.NextAttemptAt = fromNanos(next)
	j.CreatedAt = fromNanos(created)
	j.UpdatedAt = fromNanos(updated)
	return j, nil
}

func (s *Store) GetJob(ctx context.Context, eventID, webhookID string) (deliverylog.JobSummary, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `
		SELECT`+jobColumns+`
		FROM delivery_jobs
		WHERE event_id = ? AND webhook_id = ?`, eventID, webhookID))
	if errors.Is(err, sql.ErrNoRows) {
		return j, deliverylog.ErrJobNotFound
	}
	return j, err
}

func (s *Store) ListJobs(ctx context.Context, q deliverylog.JobQuery) ([]deliverylog.JobSummary, error) {
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
		w.add("(updated_at, event_id, webhook_id) < (?, ?, ?)", nanos(c.UpdatedAt), c.EventID, c.WebhookID)
	}
	args := append(w.args, deliverylog.ClampLimit(q.Limit))
	rows, err := s.db.QueryContext(ctx, `
		SELECT`+jobColumns+`
		FROM delivery_jobs`+w.sql()+`
		ORDER BY updated_at DESC, event_id DESC, webhook_id DESC
		LIMIT ?`, args...)
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
	limit := deliverylog.ClampLimit(q.Limit)
	var w where
	if q.WebhookID != "" {
		w.add("webhook_id = ?", q.WebhookID)
	}
	if q.EventID != "" {
		w.add("event_id = ?", q.EventID)
	}
	if !q.From.IsZero() {
		w.add("attempted_at >= ?", nanos(q.From))
	}
	if !q.To.IsZero() {
		w.add("attempted_at < ?", nanos(q.To))
	}
	if q.Cursor != "" {
		c, err := deliverylog.DecodeCursor(q.Cursor)
		if err != nil {
			return deliverylog.AttemptPage{}, err
		}
		w.add("(attempted_at, id) < (?, ?)", nanos(c.AttemptedAt), c.ID)
	}
	args := append(w.args, limit+1)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, webhook_id, attempt_number, status, COALESCE(http_status, 0),
			response_body, error, latency_ms, scheduled_at, attempted_at
		FROM delivery_attempts`+w.sql()+`
		ORDER BY attempted_at DESC, id DESC
		LIMIT ?`, args...)
	if err != nil {
		return deliverylog.AttemptPage{}, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	page := deliverylog.AttemptPage{Attempts: []deliverylog.Attempt{}}
	for rows.Next() {
		var (
			a                    deliverylog.Attempt
			status               string
			scheduled, attempted int64
		)
		if err := rows.Scan(&a.ID, &a.EventID, &a.WebhookID, &a.AttemptNumber, &status, &a.HTTPStatus,
			&a.ResponseBody, &a.Error, &a.LatencyMs, &scheduled, &attempted); err != nil {
			return deliverylog.AttemptPage{}, err
		}
		a.Status = deliverylog.Status(status)
		a.ScheduledAt = fromNanos(scheduled)
		a.AttemptedAt = fromNanos(attempted)
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

type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, args ...any) {
	w.clauses = append(w.clauses, clause)
	w.args = append(w.args, args...)
}

func (w *where) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return "\n\t\tWHERE " + strings.Join(w.clauses, " AND ")
}
