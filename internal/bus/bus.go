// Package bus carries events, registry change notices and dead letters
// over NSQ. Trace context travels inside message bodies.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/guildhook/internal/delivery"
	"github.com/austindbirch/guildhook/internal/event"
	"github.com/austindbirch/guildhook/internal/logging"
	"github.com/austindbirch/guildhook/internal/metrics"
	"github.com/austindbirch/guildhook/internal/tracing"
)

// Producer is satisfied by *nsq.Producer.
type Producer interface {
	Publish(topic string, body []byte) error
}

type Topics struct {
	Events   string
	Registry string
	DLQ      string // empty disables dead letter publishing
}

// Publisher writes to the bus topics.
type Publisher struct {
	prod   Producer
	topics Topics
}

func NewPublisher(prod Producer, topics Topics) *Publisher {
	return &Publisher{prod: prod, topics: topics}
}

// PublishEvent puts ev on the events topic with the caller's trace context.
func (p *Publisher) PublishEvent(ctx context.Context, ev event.Event) error {
	if len(ev.TraceHeaders) == 0 {
		ev.TraceHeaders = tracing.InjectHeaders(ctx)
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.prod.Publish(p.topics.Events, body); err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("publish event: %w", err)
	}
	metrics.RecordEventPublished(string(ev.Type))
	tracing.AddSpanEvent(ctx, "nsq.published_event")
	return nil
}

// ChangeNotice tells peers to drop cached registry state for a scope.
type ChangeNotice struct {
	Scope     event.Scope `json:"scope"`
	WebhookID string      `json:"webhook_id,omitempty"`
	At        time.Time   `json:"at"`
}

// NotifyChanged implements registry.Notifier.
func (p *Publisher) NotifyChanged(ctx context.Context, scope event.Scope, webhookID string) error {
	body, err := json.Marshal(ChangeNotice{Scope: scope, WebhookID: webhookID, At: time.Now().UTC()})
	if err != nil {
		return err
	}
	return p.prod.Publish(p.topics.Registry, body)
}

// PublishDeadLetter implements retry.DeadLetterPublisher.
func (p *Publisher) PublishDeadLetter(ctx context.Context, dl delivery.DeadLetter) error {
	if p.topics.DLQ == "" {
		return nil
	}
	body, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	if err := p.prod.Publish(p.topics.DLQ, body); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published_dlq")
	return nil
}

// Filter selects scopes on the consumer side. Patterns are exact scopes
// ("guild:42") or kind wildcards ("guild:*"). An empty filter matches all.
type Filter struct {
	patterns []string
}

func ParseFilter(raw []string) (Filter, error) {
	var f Filter
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if kind, ok := strings.CutSuffix(p, ":*"); ok {
			if _, err := event.ParseScope(kind + ":0"); err != nil {
				return Filter{}, fmt.Errorf("scope filter %q: %w", p, err)
			}
		} else if _, err := event.ParseScope(p); err != nil {
			return Filter{}, fmt.Errorf("scope filter %q: %w", p, err)
		}
		f.patterns = append(f.patterns, p)
	}
	return f, nil
}

func (f Filter) Match(scope event.Scope) bool {
	if len(f.patterns) == 0 {
		return true
	}
	for _, p := range f.patterns {
		if kind, ok := strings.CutSuffix(p, ":*"); ok {
			if scope.Kind() == kind {
				return true
			}
		} else if string(scope) == p {
			return true
		}
	}
	return false
}

// EventFunc handles one decoded event. Returning an error requeues the message.
type EventFunc func(ctx context.Context, ev event.Event) error

// EventHandler decodes events from the events topic, skips scopes the
// filter rejects and restores trace context before calling fn.
func EventHandler(filter Filter, fn EventFunc, log *logging.Logger) nsq.Handler {
	return nsq.HandlerFunc(func(m *nsq.Message) error {
		var ev event.Event
		if err := json.Unmarshal(m.Body, &ev); err != nil {
			log.Plain().WithError(err).Error("bad event payload")
			metrics.RecordDispatchDropped("bad_payload")
			return nil
		}
		if !filter.Match(ev.Scope) {
			return nil
		}
		ctx := tracing.ExtractHeaders(context.Background(), ev.TraceHeaders)
		return fn(ctx, ev)
	})
}

// ChangeHandler applies registry change notices through invalidate.
func ChangeHandler(invalidate func(scope event.Scope), log *logging.Logger) nsq.Handler {
	return nsq.HandlerFunc(func(m *nsq.Message) error {
		var n ChangeNotice
		if err := json.Unmarshal(m.Body, &n); err != nil {
			log.Plain().WithError(err).Warn("bad registry change notice")
			return nil
		}
		invalidate(n.Scope)
		return nil
	})
}

// ConsumerConfig locates nsqd and tunes a consumer.
type ConsumerConfig struct {
	Topic          string
	Channel        string
	NsqdTCPAddr    string
	LookupHTTPAddr string
	MaxInFlight    int
	MaxAttempts    uint16
}

// Subscribe starts a consumer running handler with one goroutine per
// in-flight slot. Stop it with consumer.Stop.
func Subscribe(cfg ConsumerConfig, handler nsq.Handler, concurrency int) (*nsq.Consumer, error) {
	conf := nsq.NewConfig()
	if cfg.MaxInFlight > 0 {
		conf.MaxInFlight = cfg.MaxInFlight
	}
	if cfg.MaxAttempts > 0 {
		conf.MaxAttempts = cfg.MaxAttempts
	}
	consumer, err := nsq.NewConsumer(cfg.Topic, cfg.Channel, conf)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer %s/%s: %w", cfg.Topic, cfg.Channel, err)
	}
	consumer.SetLoggerLevel(nsq.LogLevelWarning)
	if concurrency <= 0 {
		concurrency = 1
	}
	consumer.AddConcurrentHandlers(handler, concurrency)

	// connecting to nsqd first creates the channel even before lookupd knows the topic
	if cfg.NsqdTCPAddr != "" {
		if err := consumer.ConnectToNSQD(cfg.NsqdTCPAddr); err != nil {
			consumer.Stop()
			return nil, fmt.Errorf("connect nsqd: %w", err)
		}
	}
	if cfg.LookupHTTPAddr != "" {
		if err := consumer.ConnectToNSQLookupd(cfg.LookupHTTPAddr); err != nil {
			consumer.Stop()
			return nil, fmt.Errorf("connect nsqlookupd: %w", err)
		}
	}
	return consumer, nil
}

// EphemeralChannel names a per-process channel that nsqd discards when
// its last consumer disconnects.
func EphemeralChannel(prefix, instance string) string {
	return fmt.Sprintf("%s-%s#ephemeral", prefix, instance)
}
