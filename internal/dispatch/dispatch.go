// Package dispatch delivers jobs to handlers with at-least-once semantics.
// Handlers must be idempotent: a job may run more than once, concurrently
// with itself, and in any order relative to other jobs.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"

	"github.com/ShayCichocki/foresight/internal/failure"
	"github.com/ShayCichocki/foresight/pkg/models"
)

// Handler runs one job.
type Handler func(ctx context.Context, job models.Job) error

// Dispatcher accepts jobs for later execution.
type Dispatcher interface {
	// Connect prepares the dispatcher. It must be called before Enqueue.
	Connect(ctx context.Context) error
	// Enqueue schedules a job.
	Enqueue(ctx context.Context, job models.Job) error
	// Close releases the dispatcher's resources.
	Close() error
}

// Queue is a Dispatcher that can also run the jobs it holds.
type Queue interface {
	Dispatcher
	// Consume runs handler for every job until ctx is cancelled or the queue
	// is closed. At most concurrency jobs run at once.
	Consume(ctx context.Context, concurrency int, handler Handler) error
}

// runJob calls handler, turning a panic into an error so one bad job never
// stops the consumer.
func runJob(ctx context.Context, handler Handler, job models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[dispatch] job %s panicked: %v\n%s", job, r, debug.Stack())
			err = fmt.Errorf("job %s panicked: %v", job, r)
		}
	}()
	return handler(ctx, job)
}

// logResult records the outcome of a job. Errors are never retried here;
// the handler owns retries and the sweeper repairs anything left behind.
func logResult(job models.Job, err error) {
	switch {
	case err == nil:
	case failure.IsNotFound(err):
		log.Printf("[dispatch] job %s dropped: %v", job, err)
	default:
		log.Printf("[dispatch] job %s failed (%s): %v", job, failure.KindOf(err), err)
	}
}
