package bus

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/guildhook/internal/event"
)

// Sequencer assigns per-scope monotonic sequence numbers at ingestion.
type Sequencer interface {
	Next(ctx context.Context, scope event.Scope) (int64, error)
}

// RedisSequencer shares counters across ingest replicas with INCR.
type RedisSequencer struct {
	client redis.Cmdable
	prefix string
}

func NewRedisSequencer(client redis.Cmdable) *RedisSequencer {
	return &RedisSequencer{client: client, prefix: "seq:"}
}

func (s *RedisSequencer) Next(ctx context.Context, scope event.Scope) (int64, error) {
	return s.client.Incr(ctx, s.prefix+string(scope)).Result()
}

// LocalSequencer keeps counters in process; used when Redis is not configured.
type LocalSequencer struct {
	mu   sync.Mutex
	next map[event.Scope]int64
}

func NewLocalSequencer() *LocalSequencer {
	return &LocalSequencer{next: make(map[event.Scope]int64)}
}

func (s *LocalSequencer) Next(_ context.Context, scope event.Scope) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next[scope]++
	return s.next[scope], nil
}
