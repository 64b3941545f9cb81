// Package retry settles delivery outcomes: it persists each attempt,
// decides between success, retry, permanent failure and dead letter, and
// applies the endpoint health side effects that follow.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/guildhook/internal/delivery"
	"github.com/austindbirch/guildhook/internal/deliverylog"
	"github.com/austindbirch/guildhook/internal/logging"
	"github.com/austindbirch/guildhook/internal/metrics"
)

// Health is the narrow registry write path used after settlement.
type Health interface {
	RecordSuccess(ctx context.Context, webhookID string) error
	RecordDeadLetter(ctx context.Context, webhookID string) (int, error)
	CircuitBreak(ctx context.Context, webhookID string, threshold int) (bool, error)
}

// DeadLetterPublisher receives dead letters for out-of-band inspection.
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, dl delivery.DeadLetter) error
}

type Options struct {
	MaxAttempts           int
	CircuitBreakThreshold int
	Backoff               delivery.Backoff
	ResponseBodyLimit     int
	RecoverBatchSize      int
	DeadLetters           DeadLetterPublisher // optional
	Logger                *logging.Logger
	Now                   func() time.Time
	NewID                 func() string
}

// Decision is the result of settling one attempt.
type Decision struct {
	Status        deliverylog.Status // status written on the attempt row
	Retry         bool
	NextAttemptAt time.Time
	CircuitBroken bool
}

type Scheduler struct {
	store  deliverylog.Store
	health Health
	queue  *delivery.Queue
	opts   Options
	log    *logging.Logger
}

func NewScheduler(store deliverylog.Store, health Health, queue *delivery.Queue, opts Options) *Scheduler {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.CircuitBreakThreshold <= 0 {
		opts.CircuitBreakThreshold = 5
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = delivery.Backoff{Base: 30 * time.Second, Cap: time.Hour, Jitter: 0.1}
	}
	if opts.ResponseBodyLimit <= 0 {
		opts.ResponseBodyLimit = 1024
	}
	if opts.RecoverBatchSize <= 0 {
		opts.RecoverBatchSize = 500
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Logger == nil {
		opts.Logger = logging.New("guildhook-retry")
	}
	return &Scheduler{store: store, health: health, queue: queue, opts: opts, log: opts.Logger}
}

// Decide maps an outcome of job j onto the next state. It has no side effects.
func (s *Scheduler) Decide(j delivery.Job, o delivery.Outcome, now time.Time) Decision {
	switch o.Class {
	case delivery.ClassSuccess:
		return Decision{Status: deliverylog.StatusSuccess}
	case delivery.ClassPermanent:
		return Decision{Status: deliverylog.StatusPermanentFailure}
	}
	if j.Attempt >= s.opts.MaxAttempts {
		return Decision{Status: deliverylog.StatusDeadLetter}
	}
	return Decision{
		Status:        deliverylog.StatusTransientFailure,
		Retry:         true,
		NextAttemptAt: now.Add(s.opts.Backoff.Delay(j.Attempt)),
	}
}

// Settle persists the attempt for j and then applies its effects. Nothing
// is applied unless the attempt row and ledger transition were written;
// callers must not treat j as settled when an error is returned, except
// for deliverylog.ErrAlreadySettled which means another settle won.
func (s *Scheduler) Settle(ctx context.Context, j delivery.Job, o delivery.Outcome) (Decision, error) {
	now := s.opts.Now().UTC()
	d := s.Decide(j, o, now)

	attempt := deliverylog.AttemptFromOutcome(s.opts.NewID(), j, d.Status, o, now, s.opts.ResponseBodyLimit)
	tr := deliverylog.Transition{State: d.Status, Attempts: j.Attempt, NextAttemptAt: now}
	if d.Retry {
		tr.State = deliverylog.StatusPending
		tr.NextAttemptAt = d.NextAttemptAt
	}

	entry := s.log.WithContext(ctx).WithScope(j.Scope).WithEvent(j.EventID).WithWebhook(j.WebhookID).WithAttempt(j.Attempt)
	if err := s.store.Settle(ctx, attempt, tr); err != nil {
		if errors.Is(err, deliverylog.ErrAlreadySettled) {
			entry.Warn("attempt already settled; dropping duplicate")
			return d, err
		}
		metrics.RecordSettleFailure()
		return d, fmt.Errorf("settle attempt: %w", err)
	}
	metrics.RecordDelivery(string(d.Status), o.Latency)

	entry = entry.WithFields(map[string]any{
		"status":      d.Status,
		"reason":      o.Reason,
		"http_status": o.StatusCode,
		"latency_ms":  o.Latency.Milliseconds(),
	})

	switch d.Status {
	case deliverylog.StatusSuccess:
		if err := s.health.RecordSuccess(ctx, j.WebhookID); err != nil {
			entry.WithError(err).Warn("failure streak not reset")
		}
		entry.Info("delivered")

	case deliverylog.StatusTransientFailure:
		metrics.RecordRetry(o.Reason)
		next := j
		next.Attempt = j.Attempt + 1
		next.NextAttemptAt = d.NextAttemptAt
		s.queue.Push(next)
		entry.WithField("next_attempt_at", d.NextAttemptAt).Info("delivery failed; retry scheduled")

	case deliverylog.StatusPermanentFailure:
		entry.WithError(o.Err).Warn("delivery failed permanently")

	case deliverylog.StatusDeadLetter:
		metrics.RecordDeadLetter()
		entry.WithError(o.Err).Warn("delivery dead-lettered after max attempts")
		s.publishDeadLetter(ctx, j, o, now)
		d.CircuitBroken = s.recordDeadLetter(ctx, j)
	}
	return d, nil
}

func (s *Scheduler) publishDeadLetter(ctx context.Context, j delivery.Job, o delivery.Outcome, now time.Time) {
	if s.opts.DeadLetters == nil {
		return
	}
	dl := delivery.NewDeadLetter(j, j.Attempt, o.StatusCode, o.ErrorText(), delivery.ReasonMaxAttempts, now)
	if err := s.opts.DeadLetters.PublishDeadLetter(ctx, dl); err != nil {
		s.log.WithContext(ctx).WithEvent(j.EventID).WithWebhook(j.WebhookID).WithError(err).
			Warn("dead letter not published")
	}
}

// recordDeadLetter bumps the failure streak and trips the circuit breaker
// once the streak reaches the threshold.
func (s *Scheduler) recordDeadLetter(ctx context.Context, j delivery.Job) bool {
	entry := s.log.WithContext(ctx).WithScope(j.Scope).WithWebhook(j.WebhookID)
	count, err := s.health.RecordDeadLetter(ctx, j.WebhookID)
	if err != nil {
		entry.WithError(err).Error("failure streak not incremented")
		return false
	}
	if count < s.opts.CircuitBreakThreshold {
		return false
	}
	tripped, err := s.health.CircuitBreak(ctx, j.WebhookID, s.opts.CircuitBreakThreshold)
	if err != nil {
		entry.WithError(err).Error("circuit break failed")
		return false
	}
	if tripped {
		metrics.RecordCircuitBreak()
		entry.WithFields(map[string]any{
			"consecutive_failures": count,
			"threshold":            s.opts.CircuitBreakThreshold,
		}).Warn("circuit breaker tripped; endpoint disabled")
	}
	return tripped
}

// Enqueue hands a freshly claimed job to the due-job queue.
func (s *Scheduler) Enqueue(j delivery.Job) {
	s.queue.Push(j)
}

// Requeue puts j back after delay without touching the ledger; used when
// an attempt was interrupted or could not be persisted.
func (s *Scheduler) Requeue(j delivery.Job, delay time.Duration) {
	j.NextAttemptAt = s.opts.Now().Add(delay)
	s.queue.Push(j)
}

// Recover loads every pending ledger row into the queue at its stored
// next-eligible time. It returns the number of jobs queued.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	total := 0
	after := ""
	for {
		jobs, err := s.store.PendingJobs(ctx, after, s.opts.RecoverBatchSize)
		if err != nil {
			return total, fmt.Errorf("load pending jobs: %w", err)
		}
		for _, j := range jobs {
			s.queue.Push(j)
		}
		total += len(jobs)
		if len(jobs) < s.opts.RecoverBatchSize {
			break
		}
		after = jobs[len(jobs)-1].Key()
	}
	s.log.WithContext(ctx).WithField("jobs", total).Info("pending jobs recovered")
	return total, nil
}
