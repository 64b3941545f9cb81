// Package worker executes delivery jobs: it pulls due jobs from the shared
// queue, performs one signed HTTP attempt per job and hands the outcome to
// the retry scheduler.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/guildhook/internal/delivery"
	"github.com/austindbirch/guildhook/internal/deliverylog"
	"github.com/austindbirch/guildhook/internal/event"
	"github.com/austindbirch/guildhook/internal/logging"
	"github.com/austindbirch/guildhook/internal/metrics"
	"github.com/austindbirch/guildhook/internal/registry"
	"github.com/austindbirch/guildhook/internal/retry"
	"github.com/austindbirch/guildhook/internal/signer"
	"github.com/austindbirch/guildhook/internal/tracing"
)

// Outbound headers.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEvent     = "X-Webhook-Event"
	HeaderID        = "X-Webhook-ID"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderAttempt   = "X-Webhook-Attempt"
	HeaderSequence  = "X-Webhook-Sequence"
)

// Endpoints resolves the target of a job, secret included.
type Endpoints interface {
	Get(ctx context.Context, id string) (*registry.Endpoint, error)
}

// Settler records outcomes. *retry.Scheduler satisfies it.
type Settler interface {
	Settle(ctx context.Context, j delivery.Job, o delivery.Outcome) (retry.Decision, error)
	Requeue(j delivery.Job, delay time.Duration)
}

// Limiter is the rate-limit gate consulted before every attempt.
type Limiter interface {
	Allow(ctx context.Context, webhookID string) (bool, error)
}

type Options struct {
	Workers           int
	Timeout           time.Duration // per attempt
	UserAgent         string
	ResponseBodyLimit int
	RequeueDelay      time.Duration // after an unpersisted attempt
	Client            *http.Client
	Limiter           Limiter
	Logger            *logging.Logger
	Now               func() time.Time
}

type Pool struct {
	queue     *delivery.Queue
	endpoints Endpoints
	settler   Settler
	opts      Options
	log       *logging.Logger
}

func New(queue *delivery.Queue, endpoints Endpoints, settler Settler, opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 16
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "guildhook/1.0"
	}
	if opts.ResponseBodyLimit <= 0 {
		opts.ResponseBodyLimit = 1024
	}
	if opts.RequeueDelay <= 0 {
		opts.RequeueDelay = 5 * time.Second
	}
	if opts.Client == nil {
		opts.Client = NewClient(opts.Timeout, false)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.New("guildhook-worker")
	}
	return &Pool{queue: queue, endpoints: endpoints, settler: settler, opts: opts, log: opts.Logger}
}

// Run starts the workers and blocks until ctx is cancelled and every
// worker has returned. In-flight attempts are aborted, not settled.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx)
		}()
	}
	p.log.Plain().WithField("workers", p.opts.Workers).Info("worker pool started")
	wg.Wait()
	p.log.Plain().Info("worker pool stopped")
}

func (p *Pool) work(ctx context.Context) {
	for {
		j, err := p.queue.Pop(ctx)
		if err != nil {
			return
		}
		metrics.SetQueueDepth(p.queue.Len())
		p.process(ctx, j)
	}
}

func (p *Pool) process(ctx context.Context, j delivery.Job) {
	o, err := p.Execute(ctx, j)
	if ctx.Err() != nil {
		// shutdown: the ledger row stays pending and is recovered on restart
		p.settler.Requeue(j, 0)
		return
	}
	entry := p.log.WithContext(ctx).WithEvent(j.EventID).WithWebhook(j.WebhookID).WithAttempt(j.Attempt)
	if err != nil {
		entry.WithError(err).Warn("attempt not executed; requeued")
		p.settler.Requeue(j, p.opts.RequeueDelay)
		return
	}
	if _, err := p.settler.Settle(ctx, j, o); err != nil {
		if errors.Is(err, deliverylog.ErrAlreadySettled) {
			return
		}
		entry.WithError(err).Error("attempt not persisted; requeued")
		p.settler.Requeue(j, p.opts.RequeueDelay)
	}
}

// Execute performs one attempt of j. A non-nil error means no attempt was
// made (the endpoint could not be loaded) and nothing should be settled.
func (p *Pool) Execute(ctx context.Context, j delivery.Job) (delivery.Outcome, error) {
	ctx = tracing.ExtractHeaders(ctx, j.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "worker.delivery",
		tracing.DeliveryAttributes(j.EventID, j.EventType, j.Scope, j.WebhookID, j.Attempt)...)
	defer span.End()

	if p.opts.Limiter != nil {
		ok, err := p.opts.Limiter.Allow(ctx, j.WebhookID)
		if err != nil {
			p.log.WithContext(ctx).WithWebhook(j.WebhookID).WithError(err).Warn("rate limiter unavailable; allowing")
		} else if !ok {
			tracing.AddSpanEvent(ctx, "delivery.rate_limited")
			return delivery.Outcome{Class: delivery.ClassTransient, Reason: delivery.ReasonRateLimited}, nil
		}
	}

	ep, err := p.endpoints.Get(ctx, j.WebhookID)
	if err != nil {
		if registry.Code(err) == registry.CodeNotFound {
			return delivery.Outcome{Class: delivery.ClassPermanent, Reason: delivery.ReasonEndpointDeleted, Err: err}, nil
		}
		tracing.SetSpanError(ctx, err)
		return delivery.Outcome{}, fmt.Errorf("load endpoint: %w", err)
	}

	o := p.post(ctx, ep, j)
	span.SetAttributes(
		attribute.String("delivery.outcome", o.Class.String()),
		attribute.String("delivery.reason", o.Reason),
		attribute.Int("http.status_code", o.StatusCode),
		attribute.Int64("http.latency_ms", o.Latency.Milliseconds()),
	)
	if o.Err != nil {
		tracing.SetSpanError(ctx, o.Err)
	}
	return o, nil
}

// post signs and sends the stored envelope bytes of j to ep.
func (p *Pool) post(ctx context.Context, ep *registry.Endpoint, j delivery.Job) delivery.Outcome {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	now := p.opts.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(j.Payload))
	if err != nil {
		return delivery.Outcome{Class: delivery.ClassPermanent, Reason: delivery.ReasonNetwork, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", p.opts.UserAgent)
	req.Header.Set(HeaderSignature, signer.Header(j.Payload, now, ep.Secret))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(now.Unix(), 10))
	req.Header.Set(HeaderEvent, j.EventType)
	req.Header.Set(HeaderID, j.EventID)
	req.Header.Set(HeaderAttempt, strconv.Itoa(j.Attempt))
	req.Header.Set(HeaderSequence, strconv.FormatInt(j.Sequence, 10))
	tracing.InjectHTTP(ctx, req.Header)

	tracing.AddSpanEvent(ctx, "http.send_webhook")
	start := time.Now()
	resp, err := p.opts.Client.Do(req)
	latency := time.Since(start)
	if err != nil {
		class, reason := delivery.ClassifyError(err)
		return delivery.Outcome{Class: class, Reason: reason, Err: err, Latency: latency}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, int64(p.opts.ResponseBodyLimit)))
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	class, reason := delivery.ClassifyStatus(resp.StatusCode)
	return delivery.Outcome{
		Class:      class,
		Reason:     reason,
		StatusCode: resp.StatusCode,
		Body:       string(body),
		Latency:    latency,
	}
}

// Test sends a synchronous signed webhook.test delivery to ep. It bypasses
// the queue, the rate limiter and the delivery log.
func (p *Pool) Test(ctx context.Context, ep *registry.Endpoint) (delivery.Outcome, error) {
	data, err := json.Marshal(map[string]string{"webhook_id": ep.ID, "message": "test delivery"})
	if err != nil {
		return delivery.Outcome{}, err
	}
	ev := event.Event{
		ID:        "evt_test_" + uuid.NewString(),
		Type:      event.WebhookTest,
		Scope:     ep.Scope,
		CreatedAt: p.opts.Now().UTC(),
		Data:      data,
	}
	payload, err := ev.Envelope()
	if err != nil {
		return delivery.Outcome{}, err
	}
	j := delivery.Job{
		EventID:   ev.ID,
		WebhookID: ep.ID,
		Scope:     string(ep.Scope),
		EventType: string(ev.Type),
		Payload:   payload,
		Attempt:   1,
	}
	o := p.post(ctx, ep, j)
	p.log.WithContext(ctx).WithScope(j.Scope).WithWebhook(ep.ID).WithFields(map[string]any{
		"status":      o.Class.String(),
		"http_status": o.StatusCode,
	}).Info("test delivery sent")
	return o, nil
}
