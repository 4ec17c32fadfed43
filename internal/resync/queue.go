// Package resync retries writes the persistence collaborator rejected and
// periodically reconciles the in-memory ledger with it.
package resync

import (
	"context"
	"sync"

	"qms/orchestrator/internal/metrics"

	"go.uber.org/zap"
)

type pending struct {
	op       func(ctx context.Context) error
	gen      int
	attempts int
}

// Queue holds at most one pending write per key; deferring a key again
// replaces the earlier write.
type Queue struct {
	mu     sync.Mutex
	items  map[string]*pending
	order  []string
	logger *zap.Logger
}

func NewQueue(logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{items: make(map[string]*pending), logger: logger}
}

func (q *Queue) Defer(key string, op func(ctx context.Context) error) {
	q.mu.Lock()
	if existing, ok := q.items[key]; ok {
		existing.op = op
		existing.gen++
	} else {
		q.items[key] = &pending{op: op}
		q.order = append(q.order, key)
	}
	n := len(q.items)
	q.mu.Unlock()
	metrics.SetPendingRetries(n)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Flush retries every pending write in the order first deferred and returns
// how many succeeded. A write replaced while it ran stays queued.
func (q *Queue) Flush(ctx context.Context) int {
	type job struct {
		key string
		op  func(ctx context.Context) error
		gen int
	}
	q.mu.Lock()
	jobs := make([]job, 0, len(q.order))
	for _, key := range q.order {
		p := q.items[key]
		jobs = append(jobs, job{key: key, op: p.op, gen: p.gen})
	}
	q.mu.Unlock()

	done := 0
	for _, j := range jobs {
		if ctx.Err() != nil {
			break
		}
		err := j.op(ctx)

		q.mu.Lock()
		p, ok := q.items[j.key]
		switch {
		case !ok || p.gen != j.gen:
		case err == nil:
			delete(q.items, j.key)
			q.removeKeyLocked(j.key)
			done++
		default:
			p.attempts++
			q.logger.Warn("pending write failed", zap.String("key", j.key), zap.Int("attempts", p.attempts), zap.Error(err))
		}
		q.mu.Unlock()
	}
	metrics.SetPendingRetries(q.Len())
	return done
}

func (q *Queue) removeKeyLocked(key string) {
	for i, k := range q.order {
		if k == key {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}
