package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	goerrors "github.com/goliatone/go-errors"

	"github.com/austindbirch/guildhook/internal/auth"
	"github.com/austindbirch/guildhook/internal/deliverylog"
	"github.com/austindbirch/guildhook/internal/event"
)

// attemptQuery reads from, to, limit and cursor from the query string.
func attemptQuery(r *http.Request) (deliverylog.AttemptQuery, error) {
	q := r.URL.Query()
	var out deliverylog.AttemptQuery
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &out.From}, {"to", &out.To}} {
		if v := q.Get(p.name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return out, badRequest(p.name+" must be an RFC 3339 timestamp", p.name)
			}
			*p.dst = t
		}
	}
	if !out.From.IsZero() && !out.To.IsZero() && out.To.Before(out.From) {
		return out, badRequest("to is before from", "to")
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return out, badRequest("limit must be a positive integer", "limit")
		}
		out.Limit = n
	}
	out.Cursor = q.Get("cursor")
	out.EventID = q.Get("event_id")
	return out, nil
}

func (s *Server) webhookAttempts(w http.ResponseWriter, r *http.Request) {
	ep, err := s.loadOwned(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q, err := attemptQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q.WebhookID = ep.ID
	page, err := s.log.ListAttempts(r.Context(), q)
	if err != nil {
		writeError(w, r, logError(err))
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// webhookDeadLetters lists jobs that exhausted their retries.
func (s *Server) webhookDeadLetters(w http.ResponseWriter, r *http.Request) {
	ep, err := s.loadOwned(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q, err := attemptQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jobs, err := s.log.ListJobs(r.Context(), deliverylog.JobQuery{
		WebhookID: ep.ID,
		State:     deliverylog.StatusDeadLetter,
		Limit:     q.Limit,
		Cursor:    q.Cursor,
	})
	if err != nil {
		writeError(w, r, logError(err))
		return
	}
	writeJSON(w, http.StatusOK, struct {
		DeadLetters []deliverylog.JobSummary `json:"dead_letters"`
		NextCursor  string                   `json:"next_cursor,omitempty"`
	}{nonNil(jobs), deliverylog.NextJobCursor(jobs, q.Limit)})
}

// eventDeliveries shows every job of an event and its attempts, limited
// to the scopes the caller manages.
func (s *Server) eventDeliveries(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	p, _ := auth.FromContext(r.Context())

	jobs, err := s.log.ListJobs(r.Context(), deliverylog.JobQuery{EventID: eventID, Limit: deliverylog.MaxLimit})
	if err != nil {
		writeError(w, r, logError(err))
		return
	}
	visible := make(map[string]bool, len(jobs))
	owned := jobs[:0:0]
	for _, j := range jobs {
		if auth.CanManage(p, event.Scope(j.Scope)) {
			visible[j.WebhookID] = true
			owned = append(owned, j)
		}
	}
	if len(owned) == 0 {
		writeError(w, r, goerrors.New("no deliveries for event", goerrors.CategoryNotFound).
			WithCode(http.StatusNotFound).
			WithTextCode("EVENT_NOT_FOUND").
			WithMetadata(map[string]any{"event_id": eventID}))
		return
	}

	page, err := s.log.ListAttempts(r.Context(), deliverylog.AttemptQuery{EventID: eventID, Limit: deliverylog.MaxLimit})
	if err != nil {
		writeError(w, r, logError(err))
		return
	}
	attempts := page.Attempts[:0:0]
	for _, a := range page.Attempts {
		if visible[a.WebhookID] {
			attempts = append(attempts, a)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"event_id": eventID,
		"jobs":     owned,
		"attempts": nonNil(attempts),
	})
}

// listAttempts is the cross-endpoint view of the attempt log. Attempt rows
// carry no scope, so callers without admin rights must name a webhook.
func (s *Server) listAttempts(w http.ResponseWriter, r *http.Request) {
	q, err := attemptQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, _ := auth.FromContext(r.Context())
	q.WebhookID = r.URL.Query().Get("webhook_id")
	if !p.Admin {
		if q.WebhookID == "" {
			writeError(w, r, badRequest("webhook_id is required", "webhook_id"))
			return
		}
		ep, err := s.registry.Get(r.Context(), q.WebhookID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !auth.CanManage(p, ep.Scope) {
			writeError(w, r, auth.Forbidden(p, ep.Scope))
			return
		}
	}
	page, err := s.log.ListAttempts(r.Context(), q)
	if err != nil {
		writeError(w, r, logError(err))
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
