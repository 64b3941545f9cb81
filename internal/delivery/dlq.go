package delivery

import "time"

const DLQType = "delivery.dlq"

type DeadLetter struct {
	Type       string `json:"type"`    // "delivery.dlq"
	Version    string `json:"version"` // schema version
	At         string `json:"at"`      // RFC3339 time the job dead-lettered
	Reason     string `json:"reason"`
	Attempt    int    `json:"attempt"` // attempts made
	HTTPStatus int    `json:"http_status,omitempty"`
	LastError  string `json:"last_error,omitempty"`
	Job        Job    `json:"job"`
}

func NewDeadLetter(j Job, attempt, httpStatus int, lastErr, reason string, at time.Time) DeadLetter {
	return DeadLetter{
		Type:       DLQType,
		Version:    "v1",
		At:         at.UTC().Format(time.RFC3339Nano),
		Reason:     reason,
		Attempt:    attempt,
		HTTPStatus: httpStatus,
		LastError:  lastErr,
		Job:        j,
	}
}
