package delivery

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

type queueItem struct {
	job   Job
	index int
}

type jobHeap []*queueItem

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].job.NextAttemptAt.Equal(h[j].job.NextAttemptAt) {
		return h[i].job.Sequence < h[j].job.Sequence
	}
	return h[i].job.NextAttemptAt.Before(h[j].job.NextAttemptAt)
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Queue is a min-heap of jobs keyed by next eligible time. It is safe for
// concurrent Push and Pop; each job key is held at most once.
type Queue struct {
	mu      sync.Mutex
	items   jobHeap
	byKey   map[string]*queueItem
	changed chan struct{}
	now     func() time.Time
}

func NewQueue(now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{
		byKey:   make(map[string]*queueItem),
		changed: make(chan struct{}),
		now:     now,
	}
}

// Push adds j. A job already queued under the same key is kept unless j
// carries a later attempt number.
func (q *Queue) Push(j Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.byKey[j.Key()]; ok {
		if j.Attempt <= existing.job.Attempt {
			return
		}
		existing.job = j
		heap.Fix(&q.items, existing.index)
	} else {
		item := &queueItem{job: j}
		heap.Push(&q.items, item)
		q.byKey[j.Key()] = item
	}
	close(q.changed)
	q.changed = make(chan struct{})
}

// Pop blocks until the earliest job is due and removes it. It returns
// ctx.Err() when ctx ends first.
func (q *Queue) Pop(ctx context.Context) (Job, error) {
	for {
		q.mu.Lock()
		changed := q.changed
		wait := time.Duration(-1)
		if len(q.items) > 0 {
			top := q.items[0]
			wait = top.job.NextAttemptAt.Sub(q.now())
			if wait <= 0 {
				heap.Pop(&q.items)
				delete(q.byKey, top.job.Key())
				q.mu.Unlock()
				return top.job, nil
			}
		}
		q.mu.Unlock()

		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return Job{}, ctx.Err()
			case <-changed:
				t.Stop()
			case <-t.C:
			}
			continue
		}
		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		case <-changed:
		}
	}
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Peek returns the earliest job without removing it.
func (q *Queue) Peek() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Job{}, false
	}
	return q.items[0].job, true
}

// Drain removes and returns every queued job in due order.
func (q *Queue) Drain() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.items))
	for len(q.items) > 0 {
		item := heap.Pop(&q.items).(*queueItem)
		out = append(out, item.job)
	}
	q.byKey = make(map[string]*queueItem)
	return out
}
