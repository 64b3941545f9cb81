package deliverylog

import (
	"errors"
	"testing"
	"time"

	"github.com/austindbirch/guildhook/internal/delivery"
)

func TestCursorRoundTrip(t *testing.T) {
	c := Cursor{AttemptedAt: time.Date(2026, 1, 2, 3, 4, 5, 678, time.UTC), ID: "3f0c2d9e"}
	got, err := DecodeCursor(EncodeCursor(c))
	if err != nil {
		t.Fatal(err)
	}
	if !got.AttemptedAt.Equal(c.AttemptedAt) || got.ID != c.ID {
		t.Errorf("DecodeCursor() = %+v, want %+v", got, c)
	}
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	for _, in := range []string{"!!!", "bm8tc2VwYXJhdG9y", "eHl6fGlk", "MTIzfA"} {
		if _, err := DecodeCursor(in); !errors.Is(err, ErrBadCursor) {
			t.Errorf("DecodeCursor(%q) error = %v, want ErrBadCursor", in, err)
		}
	}
}

func TestJobCursorRoundTrip(t *testing.T) {
	c := JobCursor{UpdatedAt: time.Date(2026, 1, 2, 3, 4, 5, 678000, time.UTC), EventID: "evt_a|b", WebhookID: "6f1c2d9e"}
	got, err := DecodeJobCursor(EncodeJobCursor(c))
	if err != nil {
		t.Fatal(err)
	}
	if !got.UpdatedAt.Equal(c.UpdatedAt) || got.EventID != c.EventID || got.WebhookID != c.WebhookID {
		t.Errorf("DecodeJobCursor() = %+v, want %+v", got, c)
	}

	for _, in := range []string{"!!!", "MXx3aA", "eHx3aHxldnQ", "MXx8ZXZ0", "MXx3aHw"} {
		if _, err := DecodeJobCursor(in); !errors.Is(err, ErrBadCursor) {
			t.Errorf("DecodeJobCursor(%q) error = %v, want ErrBadCursor", in, err)
		}
	}
}

func TestNextJobCursor(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	jobs := []JobSummary{
		{EventID: "evt_2", WebhookID: "wh", UpdatedAt: at.Add(time.Second)},
		{EventID: "evt_1", WebhookID: "wh", UpdatedAt: at},
	}
	tests := []struct {
		name  string
		jobs  []JobSummary
		limit int
		want  string
	}{
		{"empty page", nil, 2, ""},
		{"short page", jobs, 3, ""},
		{"full page", jobs, 2, EncodeJobCursor(JobCursor{UpdatedAt: at, EventID: "evt_1", WebhookID: "wh"})},
		{"default limit short", jobs, 0, ""},
	}
	for _, tt := range tests {
		if got := NextJobCursor(tt.jobs, tt.limit); got != tt.want {
			t.Errorf("%s: NextJobCursor() = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, DefaultLimit},
		{-3, DefaultLimit},
		{1, 1},
		{500, 500},
		{501, MaxLimit},
	}
	for _, tt := range tests {
		if got := ClampLimit(tt.in); got != tt.want {
			t.Errorf("ClampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestSplitKey(t *testing.T) {
	j := delivery.Job{EventID: "evt_01", WebhookID: "a5b1"}
	ev, wh := SplitKey(j.Key())
	if ev != "evt_01" || wh != "a5b1" {
		t.Errorf("SplitKey() = %s, %s", ev, wh)
	}
	if ev, wh := SplitKey("lonely"); ev != "lonely" || wh != "" {
		t.Errorf("SplitKey(no slash) = %s, %s", ev, wh)
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusPending:          false,
		StatusTransientFailure: false,
		StatusSuccess:          true,
		StatusPermanentFailure: true,
		StatusDeadLetter:       true,
	}
	for s, want := range terminal {
		if s.Terminal() != want {
			t.Errorf("%s.Terminal() = %v", s, !want)
		}
	}
}

func TestAttemptFromOutcome(t *testing.T) {
	scheduled := time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC)
	at := scheduled.Add(time.Second)
	j := delivery.Job{EventID: "e", WebhookID: "w", Attempt: 3, NextAttemptAt: scheduled}
	o := delivery.Outcome{
		Class:      delivery.ClassTransient,
		Reason:     delivery.ReasonServerError,
		StatusCode: 503,
		Body:       "0123456789",
		Latency:    1500 * time.Millisecond,
	}

	a := AttemptFromOutcome("id-1", j, StatusTransientFailure, o, at, 4)

	if a.AttemptNumber != 3 || a.HTTPStatus != 503 || a.LatencyMs != 1500 {
		t.Errorf("attempt = %+v", a)
	}
	if a.ResponseBody != "0123" {
		t.Errorf("ResponseBody = %q, want truncated", a.ResponseBody)
	}
	if a.Error != delivery.ReasonServerError {
		t.Errorf("Error = %q", a.Error)
	}
	if !a.ScheduledAt.Equal(scheduled) || !a.AttemptedAt.Equal(at) {
		t.Errorf("times = %v / %v", a.ScheduledAt, a.AttemptedAt)
	}
}
