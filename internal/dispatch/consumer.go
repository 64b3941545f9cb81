package dispatch

import (
	"context"
	"errors"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/guildhook/internal/bus"
	"github.com/austindbirch/guildhook/internal/event"
)

// Handler adapts the dispatcher to the events topic. Invalid events and
// exhausted lookups finish the message; claim failures requeue it, which
// is safe because claims are idempotent.
func (d *Dispatcher) Handler(filter bus.Filter) nsq.Handler {
	return bus.EventHandler(filter, func(ctx context.Context, ev event.Event) error {
		_, err := d.OnEvent(ctx, ev)
		if errors.Is(err, ErrInvalidEvent) || errors.Is(err, ErrLookupExhausted) {
			return nil
		}
		return err
	}, d.log)
}
