package delivery

import (
	"encoding/json"
	"time"
)

// Job pairs one event with one webhook endpoint. It lives in the due-job
// queue; the job ledger row in the delivery log is its durable shadow.
type Job struct {
	EventID       string            `json:"event_id"`
	WebhookID     string            `json:"webhook_id"`
	Scope         string            `json:"scope"`
	EventType     string            `json:"event_type"`
	Sequence      int64             `json:"sequence"`
	Payload       json.RawMessage   `json:"payload"` // envelope bytes, identical on every attempt
	Attempt       int               `json:"attempt"` // next attempt number, 1-based
	NextAttemptAt time.Time         `json:"next_attempt_at"`
	CreatedAt     time.Time         `json:"created_at"`
	TraceHeaders  map[string]string `json:"trace_headers,omitempty"`
}

// Key is the dedup key of the job.
func (j Job) Key() string {
	return j.EventID + "/" + j.WebhookID
}
