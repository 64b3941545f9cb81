// Package dispatch turns events into delivery jobs: one job per active,
// subscribed endpoint of the event's scope, deduplicated on
// (event id, webhook id) through the job ledger.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/guildhook/internal/delivery"
	"github.com/austindbirch/guildhook/internal/event"
	"github.com/austindbirch/guildhook/internal/logging"
	"github.com/austindbirch/guildhook/internal/metrics"
	"github.com/austindbirch/guildhook/internal/registry"
	"github.com/austindbirch/guildhook/internal/tracing"
)

var (
	// ErrInvalidEvent marks events that can never be dispatched.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrLookupExhausted is returned when the registry could not be read
	// within the retry budget; the event is dropped.
	ErrLookupExhausted = errors.New("registry lookup retries exhausted")
)

// Registry resolves the endpoints that should receive an event.
type Registry interface {
	ListActive(ctx context.Context, scope event.Scope, t event.Type) ([]*registry.Endpoint, error)
}

// Ledger is the dedup point for jobs.
type Ledger interface {
	ClaimJob(ctx context.Context, j delivery.Job) (bool, error)
}

// Enqueuer accepts newly claimed jobs.
type Enqueuer interface {
	Enqueue(j delivery.Job)
}

type Options struct {
	LookupAttempts int
	LookupBackoff  time.Duration // first retry delay
	Logger         *logging.Logger
	Now            func() time.Time
}

type Dispatcher struct {
	registry Registry
	ledger   Ledger
	queue    Enqueuer
	opts     Options
	log      *logging.Logger
}

func New(reg Registry, ledger Ledger, queue Enqueuer, opts Options) *Dispatcher {
	if opts.LookupAttempts <= 0 {
		opts.LookupAttempts = 3
	}
	if opts.LookupBackoff <= 0 {
		opts.LookupBackoff = 200 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.New("guildhook-dispatcher")
	}
	return &Dispatcher{registry: reg, ledger: ledger, queue: queue, opts: opts, log: opts.Logger}
}

// OnEvent emits one job per active endpoint subscribed to ev and returns
// how many new jobs were created. Calling it again for the same event
// creates none.
func (d *Dispatcher) OnEvent(ctx context.Context, ev event.Event) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatcher.on_event",
		tracing.EventAttributes(ev.ID, string(ev.Type), string(ev.Scope))...)
	defer span.End()
	entry := d.log.WithContext(ctx).WithScope(string(ev.Scope)).WithEvent(ev.ID)

	if err := ev.Validate(); err != nil {
		metrics.RecordDispatchDropped("invalid_event")
		entry.WithError(err).Warn("dropping invalid event")
		return 0, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	payload, err := ev.Envelope()
	if err != nil {
		metrics.RecordDispatchDropped("invalid_event")
		return 0, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	endpoints, err := d.lookup(ctx, ev)
	if err != nil {
		metrics.RecordDispatchDropped("lookup_exhausted")
		tracing.SetSpanError(ctx, err)
		entry.WithError(err).Error("registry unavailable; event dropped")
		return 0, fmt.Errorf("%w: %v", ErrLookupExhausted, err)
	}

	headers := ev.TraceHeaders
	if len(headers) == 0 {
		headers = tracing.InjectHeaders(ctx)
	}
	now := d.opts.Now().UTC()
	emitted := 0
	for _, ep := range endpoints {
		j := delivery.Job{
			EventID:       ev.ID,
			WebhookID:     ep.ID,
			Scope:         string(ev.Scope),
			EventType:     string(ev.Type),
			Sequence:      ev.Sequence,
			Payload:       payload,
			Attempt:       1,
			NextAttemptAt: now,
			CreatedAt:     now,
			TraceHeaders:  headers,
		}
		created, err := d.ledger.ClaimJob(ctx, j)
		if err != nil {
			tracing.SetSpanError(ctx, err)
			metrics.RecordDispatch(string(ev.Type), emitted)
			return emitted, fmt.Errorf("claim job for webhook %s: %w", ep.ID, err)
		}
		if !created {
			continue
		}
		d.queue.Enqueue(j)
		emitted++
	}
	metrics.RecordDispatch(string(ev.Type), emitted)
	tracing.AddSpanEvent(ctx, "dispatcher.jobs_emitted", attribute.Int("jobs", emitted))
	entry.WithFields(map[string]any{
		"event_type": ev.Type,
		"endpoints":  len(endpoints),
		"jobs":       emitted,
	}).Debug("event dispatched")
	return emitted, nil
}

func (d *Dispatcher) lookup(ctx context.Context, ev event.Event) ([]*registry.Endpoint, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.LookupBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.1

	return backoff.Retry(ctx, func() ([]*registry.Endpoint, error) {
		return d.registry.ListActive(ctx, ev.Scope, ev.Type)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(d.opts.LookupAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			d.log.WithContext(ctx).WithScope(string(ev.Scope)).WithEvent(ev.ID).WithError(err).
				WithField("retry_in", next.String()).Warn("registry lookup failed; retrying")
		}),
	)
}
