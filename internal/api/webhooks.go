package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/austindbirch/guildhook/internal/auth"
	"github.com/austindbirch/guildhook/internal/event"
	"github.com/austindbirch/guildhook/internal/registry"
)

const maxRequestBody = 64 << 10

// endpointResponse adds the derived status, and on creation the secret.
type endpointResponse struct {
	*registry.Endpoint
	State  string `json:"status"`
	Secret string `json:"secret,omitempty"`
}

func render(ep *registry.Endpoint) endpointResponse {
	return endpointResponse{Endpoint: ep, State: ep.Status()}
}

type createRequest struct {
	URL           string       `json:"url"`
	Subscriptions []event.Type `json:"subscriptions"`
	Description   string       `json:"description"`
}

type updateRequest struct {
	URL           *string       `json:"url"`
	Subscriptions *[]event.Type `json:"subscriptions"`
	Description   *string       `json:"description"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("malformed request body: "+err.Error(), "body")
	}
	return nil
}

// authorizeScope parses the scope path parameter and checks ownership.
func (s *Server) authorizeScope(r *http.Request) (event.Scope, error) {
	raw := chi.URLParam(r, "scope")
	scope, err := event.ParseScope(raw)
	if err != nil {
		return "", badRequest(err.Error(), "scope")
	}
	p, _ := auth.FromContext(r.Context())
	if !auth.CanManage(p, scope) {
		return "", auth.Forbidden(p, scope)
	}
	return scope, nil
}

// loadOwned fetches the {id} endpoint and checks the caller owns its scope.
func (s *Server) loadOwned(r *http.Request) (*registry.Endpoint, error) {
	ep, err := s.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	p, _ := auth.FromContext(r.Context())
	if !auth.CanManage(p, ep.Scope) {
		return nil, auth.Forbidden(p, ep.Scope)
	}
	return ep, nil
}

func (s *Server) createWebhook(w http.ResponseWriter, r *http.Request) {
	scope, err := s.authorizeScope(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req createRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ep, secret, err := s.registry.Register(r.Context(), string(scope), req.URL, req.Subscriptions, req.Description)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := render(ep)
	resp.Secret = secret
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) listWebhooks(w http.ResponseWriter, r *http.Request) {
	scope, err := s.authorizeScope(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	eps, err := s.registry.List(r.Context(), string(scope))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]endpointResponse, 0, len(eps))
	for _, ep := range eps {
		out = append(out, render(ep))
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": out})
}

func (s *Server) getWebhook(w http.ResponseWriter, r *http.Request) {
	ep, err := s.loadOwned(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, render(ep))
}

func (s *Server) updateWebhook(w http.ResponseWriter, r *http.Request) {
	ep, err := s.loadOwned(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req updateRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	f := registry.UpdateFields{URL: req.URL, Description: req.Description}
	if req.Subscriptions != nil {
		f.Subscriptions = append([]event.Type{}, *req.Subscriptions...)
	}
	updated, err := s.registry.Update(r.Context(), ep.ID, f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, render(updated))
}

func (s *Server) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	ep, err := s.loadOwned(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.registry.Delete(r.Context(), ep.ID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) enableWebhook(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, s.registry.Enable)
}

func (s *Server) disableWebhook(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, s.registry.Disable)
}

func (s *Server) toggle(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, id string) (*registry.Endpoint, error)) {
	ep, err := s.loadOwned(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	updated, err := apply(r.Context(), ep.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, render(updated))
}

type testResponse struct {
	Status       string `json:"status"`
	Reason       string `json:"reason"`
	HTTPStatus   int    `json:"http_status,omitempty"`
	LatencyMs    int64  `json:"latency_ms"`
	Error        string `json:"error,omitempty"`
	ResponseBody string `json:"response_body,omitempty"`
}

// testWebhook sends a signed webhook.test event and reports the outcome.
// Nothing is written to the delivery log.
func (s *Server) testWebhook(w http.ResponseWriter, r *http.Request) {
	ep, err := s.loadOwned(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	o, err := s.tester.Test(r.Context(), ep)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, testResponse{
		Status:       o.Class.String(),
		Reason:       o.Reason,
		HTTPStatus:   o.StatusCode,
		LatencyMs:    o.Latency.Milliseconds(),
		Error:        o.ErrorText(),
		ResponseBody: o.Body,
	})
}
