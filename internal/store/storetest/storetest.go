// Package storetest holds the behaviour every registry and delivery log
// store must share. Backend packages run it against a fresh database.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/guildhook/internal/delivery"
	"github.com/austindbirch/guildhook/internal/deliverylog"
	"github.com/austindbirch/guildhook/internal/event"
	"github.com/austindbirch/guildhook/internal/registry"
)

// Store is the union of both store contracts.
type Store interface {
	registry.Store
	deliverylog.Store
}

// base is truncated to microseconds, the coarsest precision of any backend.
var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newEndpoint(scope event.Scope, at time.Time) *registry.Endpoint {
	return &registry.Endpoint{
		ID:            uuid.NewString(),
		Scope:         scope,
		URL:           "https://bots.example.com/hook",
		Secret:        "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
		Subscriptions: []event.Type{event.MessageCreated, event.MemberJoined},
		Description:   "moderation bot",
		Enabled:       true,
		CreatedAt:     at,
		UpdatedAt:     at,
	}
}

// Run exercises s; newStore must return an empty, migrated store.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("EndpointRoundTrip", func(t *testing.T) { testEndpointRoundTrip(t, newStore(t)) })
	t.Run("ScopeLimit", func(t *testing.T) { testScopeLimit(t, newStore(t)) })
	t.Run("EnableDisable", func(t *testing.T) { testEnableDisable(t, newStore(t)) })
	t.Run("FailureStreak", func(t *testing.T) { testFailureStreak(t, newStore(t)) })
	t.Run("SoftDelete", func(t *testing.T) { testSoftDelete(t, newStore(t)) })
	t.Run("ClaimJob", func(t *testing.T) { testClaimJob(t, newStore(t)) })
	t.Run("Settle", func(t *testing.T) { testSettle(t, newStore(t)) })
	t.Run("PendingJobs", func(t *testing.T) { testPendingJobs(t, newStore(t)) })
	t.Run("ListAttempts", func(t *testing.T) { testListAttempts(t, newStore(t)) })
	t.Run("ListJobs", func(t *testing.T) { testListJobs(t, newStore(t)) })
	t.Run("MalformedIDs", func(t *testing.T) { testMalformedIDs(t, newStore(t)) })
}

func create(t *testing.T, s Store, scope event.Scope) *registry.Endpoint {
	t.Helper()
	ep := newEndpoint(scope, base)
	if err := s.Create(context.Background(), ep, 5); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return ep
}

func testEndpointRoundTrip(t *testing.T, s Store) {
	ctx := context.Background()
	ep := create(t, s, "guild:1")

	got, err := s.Get(ctx, ep.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.URL != ep.URL || got.Secret != ep.Secret || got.Description != ep.Description || got.Scope != ep.Scope {
		t.Errorf("Get() = %+v, want %+v", got, ep)
	}
	if len(got.Subscriptions) != 2 || !got.Subscribed(event.MemberJoined) {
		t.Errorf("subscriptions = %v", got.Subscriptions)
	}
	if !got.CreatedAt.Equal(base) || !got.Enabled || got.DeletedAt != nil {
		t.Errorf("metadata = %+v", got)
	}

	got.URL = "https://bots.example.com/v2"
	got.Subscriptions = []event.Type{event.ReactionAdded}
	got.Description = ""
	got.UpdatedAt = base.Add(time.Minute)
	if err := s.Update(ctx, got); err != nil {
		t.Fatal(err)
	}
	again, _ := s.Get(ctx, ep.ID)
	if again.URL != "https://bots.example.com/v2" || !again.Subscribed(event.ReactionAdded) || again.Subscribed(event.MessageCreated) {
		t.Errorf("after Update = %+v", again)
	}

	if _, err := s.Get(ctx, uuid.NewString()); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Get(unknown) error = %v", err)
	}
	if _, err := s.Get(ctx, "not-a-uuid"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Get(not-a-uuid) error = %v", err)
	}
	missing := newEndpoint("guild:1", base)
	if err := s.Update(ctx, missing); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Update(unknown) error = %v", err)
	}
}

func testScopeLimit(t *testing.T, s Store) {
	ctx := context.Background()
	var first *registry.Endpoint
	for i := 0; i < 2; i++ {
		ep := newEndpoint("guild:7", base)
		if err := s.Create(ctx, ep, 2); err != nil {
			t.Fatalf("Create #%d: %v", i, err)
		}
		if first == nil {
			first = ep
		}
	}
	if err := s.Create(ctx, newEndpoint("guild:7", base), 2); !errors.Is(err, registry.ErrLimitReached) {
		t.Fatalf("third Create error = %v, want ErrLimitReached", err)
	}
	if err := s.Create(ctx, newEndpoint("guild:8", base), 2); err != nil {
		t.Errorf("other scope blocked: %v", err)
	}
	if err := s.SoftDelete(ctx, first.ID, base); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(ctx, newEndpoint("guild:7", base), 2); err != nil {
		t.Errorf("Create after delete: %v", err)
	}
}

func testEnableDisable(t *testing.T, s Store) {
	ctx := context.Background()
	ep := create(t, s, "guild:2")
	other := create(t, s, "guild:2")

	if _, err := s.IncrementFailures(ctx, ep.ID); err != nil {
		t.Fatal(err)
	}
	off, err := s.SetEnabled(ctx, ep.ID, false, registry.DisabledManual, base.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if off.Enabled || off.Status() != registry.StatusDisabled || off.ConsecutiveFailures != 1 {
		t.Errorf("disabled endpoint = %+v", off)
	}

	active, err := s.ListActive(ctx, "guild:2")
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].ID != other.ID {
		t.Errorf("ListActive() = %v", active)
	}
	all, _ := s.ListByScope(ctx, "guild:2")
	if len(all) != 2 {
		t.Errorf("ListByScope() len = %d, want 2", len(all))
	}

	on, err := s.SetEnabled(ctx, ep.ID, true, "", base.Add(2*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if !on.Enabled || on.DisabledReason != "" || on.ConsecutiveFailures != 0 {
		t.Errorf("enabled endpoint = %+v", on)
	}
	if _, err := s.SetEnabled(ctx, uuid.NewString(), true, "", base); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("SetEnabled(unknown) error = %v", err)
	}
}

func testFailureStreak(t *testing.T, s Store) {
	ctx := context.Background()
	ep := create(t, s, "guild:3")

	for want := 1; want <= 3; want++ {
		n, err := s.IncrementFailures(ctx, ep.ID)
		if err != nil || n != want {
			t.Fatalf("IncrementFailures() = %d, %v; want %d", n, err, want)
		}
	}
	tripped, err := s.DisableIfFailing(ctx, ep.ID, 5, base)
	if err != nil || tripped {
		t.Fatalf("DisableIfFailing below threshold = %v, %v", tripped, err)
	}
	if err := s.ResetFailures(ctx, ep.ID); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if _, err := s.IncrementFailures(ctx, ep.ID); err != nil {
			t.Fatal(err)
		}
	}
	tripped, err = s.DisableIfFailing(ctx, ep.ID, 5, base)
	if err != nil || !tripped {
		t.Fatalf("DisableIfFailing at threshold = %v, %v", tripped, err)
	}
	got, _ := s.Get(ctx, ep.ID)
	if got.Enabled || got.DisabledReason != registry.DisabledCircuitBreak || got.Status() != registry.StatusCircuitBroken {
		t.Errorf("after circuit break = %+v", got)
	}
	if tripped, _ := s.DisableIfFailing(ctx, ep.ID, 5, base); tripped {
		t.Error("circuit break fired twice")
	}
	if _, err := s.IncrementFailures(ctx, uuid.NewString()); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("IncrementFailures(unknown) error = %v", err)
	}
	if err := s.ResetFailures(ctx, uuid.NewString()); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("ResetFailures(unknown) error = %v", err)
	}
}

func testSoftDelete(t *testing.T, s Store) {
	ctx := context.Background()
	ep := create(t, s, "guild:4")
	if err := s.SoftDelete(ctx, ep.ID, base.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, ep.ID); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Get(deleted) error = %v", err)
	}
	if eps, _ := s.ListByScope(ctx, "guild:4"); len(eps) != 0 {
		t.Errorf("ListByScope() returned deleted endpoint")
	}
	if err := s.SoftDelete(ctx, ep.ID, base); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("second SoftDelete error = %v", err)
	}
	if err := s.SoftDelete(ctx, "not-a-uuid", base); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("SoftDelete(not-a-uuid) error = %v", err)
	}
}

func newJob(eventID, webhookID string, due time.Time) delivery.Job {
	payload, _ := json.Marshal(map[string]any{"id": eventID, "type": "message.created"})
	return delivery.Job{
		EventID:       eventID,
		WebhookID:     webhookID,
		Scope:         "guild:5",
		EventType:     string(event.MessageCreated),
		Sequence:      42,
		Payload:       payload,
		Attempt:       1,
		NextAttemptAt: due,
		CreatedAt:     base,
		TraceHeaders:  map[string]string{"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"},
	}
}

func attempt(j delivery.Job, n int, status deliverylog.Status, at time.Time) deliverylog.Attempt {
	return deliverylog.Attempt{
		ID:            uuid.NewString(),
		EventID:       j.EventID,
		WebhookID:     j.WebhookID,
		AttemptNumber: n,
		Status:        status,
		HTTPStatus:    500,
		ResponseBody:  "upstream down",
		Error:         delivery.ReasonServerError,
		LatencyMs:     12,
		ScheduledAt:   at,
		AttemptedAt:   at,
	}
}

func testClaimJob(t *testing.T, s Store) {
	ctx := context.Background()
	ep := create(t, s, "guild:5")
	j := newJob("evt_claim", ep.ID, base)

	for i, want := range []bool{true, false, false} {
		got, err := s.ClaimJob(ctx, j)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("ClaimJob #%d = %v, want %v", i, got, want)
		}
	}
	summary, err := s.GetJob(ctx, j.EventID, ep.ID)
	if err != nil {
		t.Fatal(err)
	}
	if summary.State != deliverylog.StatusPending || summary.Attempts != 0 || summary.Sequence != 42 {
		t.Errorf("GetJob() = %+v", summary)
	}
	if _, err := s.GetJob(ctx, "evt_missing", ep.ID); !errors.Is(err, deliverylog.ErrJobNotFound) {
		t.Errorf("GetJob(unknown) error = %v", err)
	}
}

func testSettle(t *testing.T, s Store) {
	ctx := context.Background()
	ep := create(t, s, "guild:5")
	j := newJob("evt_settle", ep.ID, base)
	if _, err := s.ClaimJob(ctx, j); err != nil {
		t.Fatal(err)
	}

	first := attempt(j, 1, deliverylog.StatusTransientFailure, base)
	retry := deliverylog.Transition{State: deliverylog.StatusPending, Attempts: 1, NextAttemptAt: base.Add(30 * time.Second)}
	if err := s.Settle(ctx, first, retry); err != nil {
		t.Fatal(err)
	}
	dup := attempt(j, 1, deliverylog.StatusTransientFailure, base)
	if err := s.Settle(ctx, dup, retry); !errors.Is(err, deliverylog.ErrAlreadySettled) {
		t.Fatalf("duplicate Settle error = %v, want ErrAlreadySettled", err)
	}

	second := attempt(j, 2, deliverylog.StatusSuccess, base.Add(30*time.Second))
	second.HTTPStatus, second.Error, second.ResponseBody = 200, "", "ok"
	done := deliverylog.Transition{State: deliverylog.StatusSuccess, Attempts: 2, NextAttemptAt: second.AttemptedAt}
	if err := s.Settle(ctx, second, done); err != nil {
		t.Fatal(err)
	}
	late := attempt(j, 3, deliverylog.StatusTransientFailure, base.Add(time.Minute))
	if err := s.Settle(ctx, late, retry); !errors.Is(err, deliverylog.ErrAlreadySettled) {
		t.Errorf("Settle after success error = %v", err)
	}

	summary, _ := s.GetJob(ctx, j.EventID, ep.ID)
	if summary.State != deliverylog.StatusSuccess || summary.Attempts != 2 {
		t.Errorf("job after settle = %+v", summary)
	}
	page, err := s.ListAttempts(ctx, deliverylog.AttemptQuery{EventID: j.EventID})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Attempts) != 2 {
		t.Fatalf("attempt rows = %d, want 2", len(page.Attempts))
	}
	if page.Attempts[0].AttemptNumber != 2 || page.Attempts[0].HTTPStatus != 200 {
		t.Errorf("newest attempt = %+v", page.Attempts[0])
	}
	if page.Attempts[1].Status != deliverylog.StatusTransientFailure || page.Attempts[1].ResponseBody != "upstream down" {
		t.Errorf("oldest attempt = %+v", page.Attempts[1])
	}
}

func testPendingJobs(t *testing.T, s Store) {
	ctx := context.Background()
	ep := create(t, s, "guild:5")
	for i := 0; i < 5; i++ {
		if _, err := s.ClaimJob(ctx, newJob(fmt.Sprintf("evt_%02d", i), ep.ID, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatal(err)
		}
	}
	done := newJob("evt_02", ep.ID, base)
	if err := s.Settle(ctx, attempt(done, 1, deliverylog.StatusSuccess, base),
		deliverylog.Transition{State: deliverylog.StatusSuccess, Attempts: 1, NextAttemptAt: base}); err != nil {
		t.Fatal(err)
	}

	var seen []string
	after := ""
	for {
		page, err := s.PendingJobs(ctx, after, 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(page) == 0 {
			break
		}
		for _, j := range page {
			seen = append(seen, j.EventID)
			if j.Attempt != 1 || len(j.Payload) == 0 || j.TraceHeaders["traceparent"] == "" {
				t.Errorf("recovered job = %+v", j)
			}
		}
		after = page[len(page)-1].Key()
	}
	want := []string{"evt_00", "evt_01", "evt_03", "evt_04"}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Errorf("pending jobs = %v, want %v", seen, want)
	}
}

func testListAttempts(t *testing.T, s Store) {
	ctx := context.Background()
	a := create(t, s, "guild:6")
	b := create(t, s, "guild:6")

	for i := 0; i < 3; i++ {
		j := newJob(fmt.Sprintf("evt_a%d", i), a.ID, base)
		if _, err := s.ClaimJob(ctx, j); err != nil {
			t.Fatal(err)
		}
		at := base.Add(time.Duration(i) * time.Minute)
		if err := s.Settle(ctx, attempt(j, 1, deliverylog.StatusPermanentFailure, at),
			deliverylog.Transition{State: deliverylog.StatusPermanentFailure, Attempts: 1, NextAttemptAt: at}); err != nil {
			t.Fatal(err)
		}
	}
	jb := newJob("evt_b", b.ID, base)
	if _, err := s.ClaimJob(ctx, jb); err != nil {
		t.Fatal(err)
	}
	if err := s.Settle(ctx, attempt(jb, 1, deliverylog.StatusSuccess, base.Add(10*time.Minute)),
		deliverylog.Transition{State: deliverylog.StatusSuccess, Attempts: 1, NextAttemptAt: base}); err != nil {
		t.Fatal(err)
	}

	first, err := s.ListAttempts(ctx, deliverylog.AttemptQuery{WebhookID: a.ID, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Attempts) != 2 || first.NextCursor == "" {
		t.Fatalf("first page = %+v", first)
	}
	if first.Attempts[0].EventID != "evt_a2" || first.Attempts[1].EventID != "evt_a1" {
		t.Errorf("first page order = %s, %s", first.Attempts[0].EventID, first.Attempts[1].EventID)
	}
	second, err := s.ListAttempts(ctx, deliverylog.AttemptQuery{WebhookID: a.ID, Limit: 2, Cursor: first.NextCursor})
	if err != nil {
		t.Fatal(err)
	}
	if len(second.Attempts) != 1 || second.Attempts[0].EventID != "evt_a0" || second.NextCursor != "" {
		t.Errorf("second page = %+v", second)
	}

	ranged, err := s.ListAttempts(ctx, deliverylog.AttemptQuery{From: base.Add(time.Minute), To: base.Add(10 * time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	if len(ranged.Attempts) != 2 {
		t.Errorf("time range returned %d attempts, want 2", len(ranged.Attempts))
	}

	if _, err := s.ListAttempts(ctx, deliverylog.AttemptQuery{Cursor: "%%%"}); !errors.Is(err, deliverylog.ErrBadCursor) {
		t.Errorf("bad cursor error = %v", err)
	}
}

func testListJobs(t *testing.T, s Store) {
	ctx := context.Background()
	ep := create(t, s, "guild:9")
	for i, state := range []deliverylog.Status{deliverylog.StatusDeadLetter, deliverylog.StatusSuccess, deliverylog.StatusDeadLetter} {
		j := newJob(fmt.Sprintf("evt_%d", i), ep.ID, base)
		if _, err := s.ClaimJob(ctx, j); err != nil {
			t.Fatal(err)
		}
		at := base.Add(time.Duration(i) * time.Second)
		if err := s.Settle(ctx, attempt(j, 1, state, at), deliverylog.Transition{State: state, Attempts: 1, NextAttemptAt: at}); err != nil {
			t.Fatal(err)
		}
	}
	dead, err := s.ListJobs(ctx, deliverylog.JobQuery{WebhookID: ep.ID, State: deliverylog.StatusDeadLetter})
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 2 || dead[0].EventID != "evt_2" {
		t.Errorf("dead letters = %+v", dead)
	}
	byEvent, _ := s.ListJobs(ctx, deliverylog.JobQuery{EventID: "evt_1"})
	if len(byEvent) != 1 || byEvent[0].State != deliverylog.StatusSuccess {
		t.Errorf("jobs by event = %+v", byEvent)
	}

	var (
		seen   []string
		cursor string
	)
	for range 3 {
		q := deliverylog.JobQuery{WebhookID: ep.ID, State: deliverylog.StatusDeadLetter, Limit: 1, Cursor: cursor}
		page, err := s.ListJobs(ctx, q)
		if err != nil {
			t.Fatal(err)
		}
		for _, j := range page {
			seen = append(seen, j.EventID)
		}
		cursor = deliverylog.NextJobCursor(page, q.Limit)
		if cursor == "" {
			break
		}
	}
	if fmt.Sprint(seen) != "[evt_2 evt_0]" || cursor != "" {
		t.Errorf("paged dead letters = %v, trailing cursor %q", seen, cursor)
	}

	if _, err := s.ListJobs(ctx, deliverylog.JobQuery{Cursor: "%%%"}); !errors.Is(err, deliverylog.ErrBadCursor) {
		t.Errorf("bad cursor error = %v", err)
	}
}

// testMalformedIDs checks that ids which cannot name any row read as unknown
// rather than as storage failures.
func testMalformedIDs(t *testing.T, s Store) {
	ctx := context.Background()
	create(t, s, "guild:10")

	tests := []struct {
		name string
		call func(id string) error
		want error
	}{
		{"Get", func(id string) error { _, err := s.Get(ctx, id); return err }, registry.ErrNotFound},
		{"Update", func(id string) error {
			ep := newEndpoint("guild:10", base)
			ep.ID = id
			return s.Update(ctx, ep)
		}, registry.ErrNotFound},
		{"SetEnabled", func(id string) error { _, err := s.SetEnabled(ctx, id, false, registry.DisabledManual, base); return err }, registry.ErrNotFound},
		{"SoftDelete", func(id string) error { return s.SoftDelete(ctx, id, base) }, registry.ErrNotFound},
		{"ResetFailures", func(id string) error { return s.ResetFailures(ctx, id) }, registry.ErrNotFound},
		{"IncrementFailures", func(id string) error { _, err := s.IncrementFailures(ctx, id); return err }, registry.ErrNotFound},
		{"DisableIfFailing", func(id string) error {
			tripped, err := s.DisableIfFailing(ctx, id, 1, base)
			if tripped {
				return errors.New("tripped")
			}
			return err
		}, nil},
		{"GetJob", func(id string) error { _, err := s.GetJob(ctx, "evt_1", id); return err }, deliverylog.ErrJobNotFound},
		{"ListJobs", func(id string) error {
			jobs, err := s.ListJobs(ctx, deliverylog.JobQuery{WebhookID: id})
			if len(jobs) != 0 {
				return fmt.Errorf("%d jobs", len(jobs))
			}
			return err
		}, nil},
		{"ListAttempts", func(id string) error {
			page, err := s.ListAttempts(ctx, deliverylog.AttemptQuery{WebhookID: id})
			if len(page.Attempts) != 0 {
				return fmt.Errorf("%d attempts", len(page.Attempts))
			}
			return err
		}, nil},
	}
	for _, tt := range tests {
		for _, id := range []string{"not-a-uuid", "", "00000000-0000-0000-0000-00000000000z"} {
			if err := tt.call(id); !errors.Is(err, tt.want) {
				t.Errorf("%s(%q) error = %v, want %v", tt.name, id, err, tt.want)
			}
		}
	}
}
