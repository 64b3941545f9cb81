package registry

import (
	"context"
	"crypto/rand"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/guildhook/internal/event"
	"github.com/austindbirch/guildhook/internal/logging"
)

// Options tune a Service.
type Options struct {
	MaxEndpointsPerScope int
	CacheTTL             time.Duration
	AllowPrivateTargets  bool
	Notifier             Notifier
	Logger               *logging.Logger
	Now                  func() time.Time
	Rand                 io.Reader
}

// Service implements the registry operations on top of a Store.
type Service struct {
	store    Store
	cache    *Cache
	validate validator
	limit    int
	notifier Notifier
	log      *logging.Logger
	now      func() time.Time
	rand     io.Reader
}

func NewService(store Store, opts Options) *Service {
	if opts.MaxEndpointsPerScope <= 0 {
		opts.MaxEndpointsPerScope = 5
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	if opts.Logger == nil {
		opts.Logger = logging.New("guildhook-registry")
	}
	s := &Service{
		store:    store,
		validate: validator{allowPrivate: opts.AllowPrivateTargets},
		limit:    opts.MaxEndpointsPerScope,
		notifier: opts.Notifier,
		log:      opts.Logger,
		now:      opts.Now,
		rand:     opts.Rand,
	}
	s.cache = newCache(store.ListActive, opts.CacheTTL, opts.Now)
	return s
}

// Register validates and stores a new endpoint. The returned secret is
// the only time it leaves the registry.
func (s *Service) Register(ctx context.Context, scope, rawURL string, subs []event.Type, description string) (*Endpoint, string, error) {
	sc, err := s.validate.scope(scope)
	if err != nil {
		return nil, "", err
	}
	u, err := s.validate.url(rawURL)
	if err != nil {
		return nil, "", err
	}
	subs, err = s.validate.subscriptions(subs)
	if err != nil {
		return nil, "", err
	}
	description, err = s.validate.description(description)
	if err != nil {
		return nil, "", err
	}
	secret, err := generateSecret(s.rand)
	if err != nil {
		return nil, "", storeError(err, "generate secret")
	}

	now := s.now().UTC()
	ep := &Endpoint{
		ID:            uuid.NewString(),
		Scope:         sc,
		URL:           u,
		Secret:        secret,
		Subscriptions: subs,
		Description:   description,
		Enabled:       true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, ep, s.limit); err != nil {
		return nil, "", storeError(err, "create webhook endpoint")
	}
	s.changed(ctx, ep.Scope, ep.ID)

	s.log.WithContext(ctx).WithScope(string(ep.Scope)).WithWebhook(ep.ID).
		WithField("subscriptions", ep.Subscriptions).
		Info("webhook endpoint registered")
	return ep, secret, nil
}

// Update applies the non-nil fields of f.
func (s *Service) Update(ctx context.Context, id string, f UpdateFields) (*Endpoint, error) {
	ep, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, storeError(err, "load webhook endpoint")
	}
	if f.URL != nil {
		if ep.URL, err = s.validate.url(*f.URL); err != nil {
			return nil, err
		}
	}
	if f.Subscriptions != nil {
		if ep.Subscriptions, err = s.validate.subscriptions(f.Subscriptions); err != nil {
			return nil, err
		}
	}
	if f.Description != nil {
		if ep.Description, err = s.validate.description(*f.Description); err != nil {
			return nil, err
		}
	}
	ep.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, ep); err != nil {
		return nil, storeError(err, "update webhook endpoint")
	}
	s.changed(ctx, ep.Scope, ep.ID)
	return ep, nil
}

// Disable stops new jobs for the endpoint. Jobs already queued still run.
func (s *Service) Disable(ctx context.Context, id string) (*Endpoint, error) {
	return s.setEnabled(ctx, id, false, DisabledManual)
}

// Enable re-activates the endpoint and clears its failure streak.
func (s *Service) Enable(ctx context.Context, id string) (*Endpoint, error) {
	return s.setEnabled(ctx, id, true, "")
}

func (s *Service) setEnabled(ctx context.Context, id string, enabled bool, reason string) (*Endpoint, error) {
	ep, err := s.store.SetEnabled(ctx, id, enabled, reason, s.now().UTC())
	if err != nil {
		return nil, storeError(err, "toggle webhook endpoint")
	}
	s.changed(ctx, ep.Scope, ep.ID)
	s.log.WithContext(ctx).WithScope(string(ep.Scope)).WithWebhook(ep.ID).
		WithField("enabled", enabled).
		Info("webhook endpoint toggled")
	return ep, nil
}

// Delete soft-deletes the endpoint; its row stays for log integrity.
func (s *Service) Delete(ctx context.Context, id string) error {
	ep, err := s.store.Get(ctx, id)
	if err != nil {
		return storeError(err, "load webhook endpoint")
	}
	if err := s.store.SoftDelete(ctx, id, s.now().UTC()); err != nil {
		return storeError(err, "delete webhook endpoint")
	}
	s.changed(ctx, ep.Scope, ep.ID)
	return nil
}

// Get returns the endpoint, secret included, for internal callers.
func (s *Service) Get(ctx context.Context, id string) (*Endpoint, error) {
	ep, err := s.store.Get(ctx, id)
	return ep, storeError(err, "load webhook endpoint")
}

// List returns the live endpoints of scope.
func (s *Service) List(ctx context.Context, scope string) ([]*Endpoint, error) {
	sc, err := s.validate.scope(scope)
	if err != nil {
		return nil, err
	}
	eps, err := s.store.ListByScope(ctx, sc)
	return eps, storeError(err, "list webhook endpoints")
}

// ListActive returns the enabled endpoints of scope subscribed to t,
// served from the cache.
func (s *Service) ListActive(ctx context.Context, scope event.Scope, t event.Type) ([]*Endpoint, error) {
	all, err := s.cache.Get(ctx, scope)
	if err != nil {
		return nil, storeError(err, "list active webhook endpoints")
	}
	out := make([]*Endpoint, 0, len(all))
	for _, ep := range all {
		if ep.Active() && ep.Subscribed(t) {
			out = append(out, ep)
		}
	}
	return out, nil
}

// RecordSuccess resets the endpoint's failure streak.
func (s *Service) RecordSuccess(ctx context.Context, id string) error {
	return storeError(s.store.ResetFailures(ctx, id), "reset failures")
}

// RecordDeadLetter increments the failure streak and returns the new value.
func (s *Service) RecordDeadLetter(ctx context.Context, id string) (int, error) {
	n, err := s.store.IncrementFailures(ctx, id)
	return n, storeError(err, "increment failures")
}

// CircuitBreak disables the endpoint if its streak has reached threshold.
// It is the only state change the delivery path makes to an endpoint.
func (s *Service) CircuitBreak(ctx context.Context, id string, threshold int) (bool, error) {
	tripped, err := s.store.DisableIfFailing(ctx, id, threshold, s.now().UTC())
	if err != nil {
		return false, storeError(err, "circuit break")
	}
	if !tripped {
		return false, nil
	}
	if ep, err := s.store.Get(ctx, id); err == nil {
		s.changed(ctx, ep.Scope, ep.ID)
	} else {
		s.cache.InvalidateAll()
	}
	return true, nil
}

// Invalidate drops cached state for scope; used by change notices from
// other processes.
func (s *Service) Invalidate(scope event.Scope) {
	if scope == "" {
		s.cache.InvalidateAll()
		return
	}
	s.cache.Invalidate(scope)
}

func (s *Service) changed(ctx context.Context, scope event.Scope, id string) {
	s.cache.Invalidate(scope)
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyChanged(ctx, scope, id); err != nil {
		s.log.WithContext(ctx).WithScope(string(scope)).WithWebhook(id).WithError(err).
			Warn("registry change notice not published; peers rely on cache ttl")
	}
}
