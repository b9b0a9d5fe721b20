package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jupark12/worksheet-extractor/models"
)

// ErrClosed is returned once the queue stopped accepting or handing out jobs.
var ErrClosed = errors.New("job queue closed")

// Item is a pending job handed to a worker. Ctx is cancelled when the job is
// cancelled or removed so the worker can stop advancing it.
type Item struct {
	JobID string
	Ctx   context.Context
}

// JobQueue is a bounded FIFO of pending jobs
type JobQueue struct {
	mu      sync.RWMutex
	pending chan Item
	closed  bool
}

// NewJobQueue creates a queue holding at most size pending jobs
func NewJobQueue(size int) *JobQueue {
	if size <= 0 {
		size = 1
	}
	return &JobQueue{
		pending: make(chan Item, size),
	}
}

// EnqueueJob adds a job without blocking. A full queue is a capacity error.
func (q *JobQueue) EnqueueJob(item Item) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrClosed
	}

	select {
	case q.pending <- item:
		return nil
	default:
		return fmt.Errorf("%d jobs already pending: %w", cap(q.pending), models.ErrCapacity)
	}
}

// DequeueJob blocks until a job is available, ctx is done, or the queue is
// closed and drained.
func (q *JobQueue) DequeueJob(ctx context.Context) (Item, error) {
	select {
	case item, ok := <-q.pending:
		if !ok {
			return Item{}, ErrClosed
		}
		return item, nil
	case <-ctx.Done():
		return Item{}, ctx.Err()
	}
}

// Len returns the number of jobs waiting for a worker
func (q *JobQueue) Len() int {
	return len(q.pending)
}

// Close stops intake. Jobs already queued can still be dequeued.
func (q *JobQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.pending)
	}
}
