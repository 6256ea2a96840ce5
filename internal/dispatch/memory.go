package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ShayCichocki/foresight/pkg/models"
)

// ErrClosed is returned when enqueueing to a closed queue.
var ErrClosed = errors.New("dispatch: queue closed")

// ErrNotConnected is returned when enqueueing before Connect.
var ErrNotConnected = errors.New("dispatch: queue not connected")

// ErrQueueFull is returned when the buffer has no room. Handlers enqueue from
// consumer goroutines, so Enqueue never waits. The sweeper re-enqueues
// refused jobs from the store.
var ErrQueueFull = errors.New("dispatch: queue full")

// defaultMemoryBuffer bounds jobs waiting to run. Enqueue fails with
// ErrQueueFull beyond it.
const defaultMemoryBuffer = 1024

// MemoryQueue is an in-process Queue backed by a channel. Jobs are lost if
// the process exits; the sweeper re-creates them from the store.
type MemoryQueue struct {
	jobs chan models.Job

	mu        sync.RWMutex
	connected bool
	closed    bool
	done      chan struct{}

	// outstanding counts jobs enqueued but not yet finished.
	outstanding atomic.Int64
	wg          sync.WaitGroup
}

// NewMemoryQueue creates a queue holding up to buffer waiting jobs.
func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = defaultMemoryBuffer
	}
	return &MemoryQueue{
		jobs: make(chan models.Job, buffer),
		done: make(chan struct{}),
	}
}

// Connect marks the queue ready.
func (q *MemoryQueue) Connect(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.connected = true
	return nil
}

// Enqueue adds a job without waiting. It returns ErrQueueFull when the
// buffer is full.
func (q *MemoryQueue) Enqueue(ctx context.Context, job models.Job) error {
	q.mu.RLock()
	closed, connected := q.closed, q.connected
	q.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !connected {
		return ErrNotConnected
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	q.outstanding.Add(1)
	select {
	case q.jobs <- job:
		return nil
	default:
		q.outstanding.Add(-1)
		return ErrQueueFull
	}
}

// Consume runs jobs until ctx is done or the queue is closed, then waits for
// in-flight jobs to finish.
func (q *MemoryQueue) Consume(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	defer q.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			return nil
		case job := <-q.jobs:
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				q.outstanding.Add(-1)
				return ctx.Err()
			}
			q.wg.Add(1)
			go func() {
				defer func() {
					<-sem
					q.outstanding.Add(-1)
					q.wg.Done()
				}()
				logResult(job, runJob(ctx, handler, job))
			}()
		}
	}
}

// Pending returns the number of jobs waiting or running.
func (q *MemoryQueue) Pending() int {
	return int(q.outstanding.Load())
}

// WaitIdle blocks until no jobs are waiting or running.
func (q *MemoryQueue) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for q.Pending() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close stops consumers. Jobs still buffered are discarded.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)
	return nil
}
