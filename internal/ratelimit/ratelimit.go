// Package ratelimit gates delivery attempts per webhook endpoint. Only the
// yes/no contract matters to callers; the admission policy lives here.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter decides whether an attempt to webhookID may proceed now.
type Limiter interface {
	Allow(ctx context.Context, webhookID string) (bool, error)
}

// AllowAll admits everything.
type AllowAll struct{}

func (AllowAll) Allow(context.Context, string) (bool, error) { return true, nil }

// Window is a fixed-window counter in Redis: at most Limit attempts per
// endpoint in each Window-aligned bucket.
type Window struct {
	client redis.Cmdable
	limit  int64
	window time.Duration
	now    func() time.Time
}

func NewWindow(client redis.Cmdable, limit int, window time.Duration) *Window {
	if window <= 0 {
		window = time.Second
	}
	return &Window{client: client, limit: int64(limit), window: window, now: time.Now}
}

func (w *Window) key(webhookID string, t time.Time) string {
	return fmt.Sprintf("rl:%s:%d", webhookID, t.UnixNano()/int64(w.window))
}

func (w *Window) Allow(ctx context.Context, webhookID string) (bool, error) {
	key := w.key(webhookID, w.now())
	pipe := w.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*w.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit %s: %w", webhookID, err)
	}
	return incr.Val() <= w.limit, nil
}
