// Package deliverylog defines the durable record of delivery: the
// append-only attempt log and the job ledger that backs the due-job queue.
package deliverylog

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/austindbirch/guildhook/internal/delivery"
)

// Status of an attempt row or ledger row.
type Status string

const (
	StatusPending          Status = "pending"
	StatusSuccess          Status = "success"
	StatusTransientFailure Status = "transient_failure"
	StatusPermanentFailure Status = "permanent_failure"
	StatusDeadLetter       Status = "dead_letter"
)

// Terminal reports whether no further attempts follow s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusPermanentFailure || s == StatusDeadLetter
}

// Attempt is one executed delivery attempt. Rows are never updated.
type Attempt struct {
	ID            string    `json:"id"`
	EventID       string    `json:"event_id"`
	WebhookID     string    `json:"webhook_id"`
	AttemptNumber int       `json:"attempt_number"`
	Status        Status    `json:"status"`
	HTTPStatus    int       `json:"http_status,omitempty"`
	ResponseBody  string    `json:"response_body,omitempty"`
	Error         string    `json:"error,omitempty"`
	LatencyMs     int64     `json:"latency_ms"`
	ScheduledAt   time.Time `json:"scheduled_at"`
	AttemptedAt   time.Time `json:"attempted_at"`
}

// Transition is the ledger row state written together with an attempt.
type Transition struct {
	State         Status
	Attempts      int
	NextAttemptAt time.Time
}

// JobSummary is a ledger row without its payload.
type JobSummary struct {
	EventID       string    `json:"event_id"`
	WebhookID     string    `json:"webhook_id"`
	Scope         string    `json:"scope"`
	EventType     string    `json:"event_type"`
	Sequence      int64     `json:"sequence"`
	State         Status    `json:"state"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// JobQuery filters ListJobs. Zero fields match everything. Results are
// most recently updated first.
type JobQuery struct {
	EventID   string
	WebhookID string
	State     Status
	Limit     int
	Cursor    string
}

// AttemptQuery filters ListAttempts. Results are newest first.
type AttemptQuery struct {
	WebhookID string
	EventID   string
	From      time.Time
	To        time.Time
	Limit     int
	Cursor    string
}

// AttemptPage is one page of attempts; NextCursor is empty on the last page.
type AttemptPage struct {
	Attempts   []Attempt `json:"attempts"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

var (
	// ErrAlreadySettled is returned when the ledger row is no longer pending
	// at the expected attempt count.
	ErrAlreadySettled = errors.New("delivery job already settled")
	// ErrJobNotFound is returned for unknown (event, webhook) pairs.
	ErrJobNotFound = errors.New("delivery job not found")
	// ErrBadCursor is returned for cursors this package did not produce.
	ErrBadCursor = errors.New("invalid page cursor")
)

// Store persists the job ledger and attempt log.
type Store interface {
	// ClaimJob inserts a pending ledger row for j unless one exists and
	// reports whether it did.
	ClaimJob(ctx context.Context, j delivery.Job) (bool, error)
	// Settle appends a and moves the ledger row to t in one transaction,
	// only while the row is pending with a.AttemptNumber-1 attempts.
	Settle(ctx context.Context, a Attempt, t Transition) error
	// PendingJobs pages through pending ledger rows ordered by key,
	// starting strictly after afterKey.
	PendingJobs(ctx context.Context, afterKey string, limit int) ([]delivery.Job, error)
	GetJob(ctx context.Context, eventID, webhookID string) (JobSummary, error)
	ListJobs(ctx context.Context, q JobQuery) ([]JobSummary, error)
	ListAttempts(ctx context.Context, q AttemptQuery) (AttemptPage, error)
}

// ClampLimit applies the default and maximum page sizes.
func ClampLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultLimit
	case n > MaxLimit:
		return MaxLimit
	default:
		return n
	}
}

// SplitKey splits a job key into event and webhook ids.
func SplitKey(key string) (eventID, webhookID string) {
	i := strings.LastIndexByte(key, '/')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// Cursor is the keyset position after the last attempt of a page.
type Cursor struct {
	AttemptedAt time.Time
	ID          string
}

func EncodeCursor(c Cursor) string {
	raw := strconv.FormatInt(c.AttemptedAt.UnixNano(), 10) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeCursor(s string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return Cursor{}, ErrBadCursor
	}
	ns, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	return Cursor{AttemptedAt: time.Unix(0, ns).UTC(), ID: id}, nil
}

// JobCursor is the keyset position after the last job of a page.
type JobCursor struct {
	UpdatedAt time.Time
	EventID   string
	WebhookID string
}

func EncodeJobCursor(c JobCursor) string {
	raw := strconv.FormatInt(c.UpdatedAt.UnixNano(), 10) + "|" + c.WebhookID + "|" + c.EventID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeJobCursor(s string) (JobCursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return JobCursor{}, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	parts := strings.SplitN(string(raw), "|", 3)
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return JobCursor{}, ErrBadCursor
	}
	ns, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return JobCursor{}, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	return JobCursor{UpdatedAt: time.Unix(0, ns).UTC(), WebhookID: parts[1], EventID: parts[2]}, nil
}

// NextJobCursor returns the cursor for the page after jobs, or "" when
// the page came back short of limit.
func NextJobCursor(jobs []JobSummary, limit int) string {
	if len(jobs) == 0 || len(jobs) < ClampLimit(limit) {
		return ""
	}
	last := jobs[len(jobs)-1]
	return EncodeJobCursor(JobCursor{UpdatedAt: last.UpdatedAt, EventID: last.EventID, WebhookID: last.WebhookID})
}

// AttemptFromOutcome builds the attempt row for job j.
func AttemptFromOutcome(id string, j delivery.Job, status Status, o delivery.Outcome, at time.Time, bodyLimit int) Attempt {
	return Attempt{
		ID:            id,
		EventID:       j.EventID,
		WebhookID:     j.WebhookID,
		AttemptNumber: j.Attempt,
		Status:        status,
		HTTPStatus:    o.StatusCode,
		ResponseBody:  delivery.Truncate([]byte(o.Body), bodyLimit),
		Error:         o.ErrorText(),
		LatencyMs:     o.Latency.Milliseconds(),
		ScheduledAt:   j.NextAttemptAt,
		AttemptedAt:   at,
	}
}
