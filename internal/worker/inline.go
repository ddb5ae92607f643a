package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var errNoRunner = errors.New("no runner registered")

// InlineQueue runs jobs on goroutines in the current process. It stands in for Redis in
// development. Runners are attached after construction because the services that own
// them need the queue first.
type InlineQueue struct {
	mu        sync.RWMutex
	exports   *JobHandler
	retention *JobHandler
	wg        sync.WaitGroup
	ctx       context.Context
}

func NewInlineQueue(ctx context.Context) *InlineQueue {
	return &InlineQueue{ctx: ctx}
}

func (q *InlineQueue) SetHandlers(exports, retention *JobHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.exports, q.retention = exports, retention
}

func (q *InlineQueue) EnqueueExport(_ context.Context, jobID uuid.UUID) error {
	q.mu.RLock()
	h := q.exports
	q.mu.RUnlock()
	return q.spawn(h, jobID)
}

func (q *InlineQueue) EnqueueRetention(_ context.Context, jobID uuid.UUID) error {
	q.mu.RLock()
	h := q.retention
	q.mu.RUnlock()
	return q.spawn(h, jobID)
}

func (q *InlineQueue) spawn(h *JobHandler, jobID uuid.UUID) error {
	if h == nil {
		return errNoRunner
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		_ = h.Run(q.ctx, jobID)
	}()
	return nil
}

// Wait blocks until every spawned job returned.
func (q *InlineQueue) Wait() {
	q.wg.Wait()
}
