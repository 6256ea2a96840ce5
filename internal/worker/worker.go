// Package worker researches subtasks and performs the fan-in check when the
// last one resolves.
package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/foresight/internal/capability"
	"github.com/ShayCichocki/foresight/internal/dispatch"
	"github.com/ShayCichocki/foresight/internal/failure"
	"github.com/ShayCichocki/foresight/internal/fanin"
	"github.com/ShayCichocki/foresight/internal/retry"
	"github.com/ShayCichocki/foresight/internal/state"
	"github.com/ShayCichocki/foresight/pkg/models"
)

// DefaultLease is how long a delivery owns a subtask before another may
// take it over.
const DefaultLease = 10 * time.Minute

// Config holds worker settings.
type Config struct {
	// Retry governs research calls.
	Retry retry.Policy
	// Lease bounds how long one delivery holds a subtask.
	Lease time.Duration
	// ID prefixes claim tokens so leases can be traced to a process.
	ID string
}

// Worker processes subtasks.
type Worker struct {
	store      state.Store
	gateway    capability.Gateway
	dispatcher dispatch.Dispatcher
	retry      retry.Policy
	lease      time.Duration
	id         string
	now        func() time.Time
}

// New creates a Worker.
func New(store state.Store, gateway capability.Gateway, dispatcher dispatch.Dispatcher, cfg Config) *Worker {
	lease := cfg.Lease
	if lease <= 0 {
		lease = DefaultLease
	}
	// The lease must outlive the whole retry loop or a redelivery can take
	// over a call that is still running.
	if floor := cfg.Retry.MinLease(); lease < floor {
		log.Printf("[worker] lease %s is shorter than the retry budget, using %s", lease, floor)
		lease = floor
	}
	id := cfg.ID
	if id == "" {
		id, _ = os.Hostname()
	}
	return &Worker{
		store:      store,
		gateway:    gateway,
		dispatcher: dispatcher,
		retry:      cfg.Retry,
		lease:      lease,
		id:         id,
		now:        time.Now,
	}
}

// ProcessSubtask researches one subtask and records the outcome. Redelivery
// of a resolved subtask is a no-op. Only the delivery that resolves the
// subtask runs the fan-in check.
func (w *Worker) ProcessSubtask(ctx context.Context, subtaskID string) error {
	sub, err := w.store.GetSubtask(ctx, subtaskID)
	if err != nil {
		return fmt.Errorf("process subtask: %w", err)
	}
	if sub.Status != models.SubtaskStatusPending {
		log.Printf("[worker] subtask %s already %s, skipping", sub.ID, sub.Status)
		return nil
	}

	claim := w.id + "/" + uuid.New().String()
	err = w.store.ClaimSubtask(ctx, sub.ID, claim, w.now().Add(w.lease))
	if failure.IsConflict(err) {
		log.Printf("[worker] subtask %s is resolved or held by another delivery", sub.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim subtask %s: %w", sub.ID, err)
	}

	task, err := w.store.GetTask(ctx, sub.TaskID)
	if err != nil {
		return fmt.Errorf("process subtask %s: %w", sub.ID, err)
	}

	research, attempts, err := retry.Do(ctx, w.retry, "research "+sub.ID,
		func(ctx context.Context) (models.Research, error) {
			return w.gateway.Research(ctx, task.Question, sub.Description)
		})
	if err != nil && ctx.Err() != nil {
		// Shutting down. The lease expires and the sweeper re-enqueues.
		return fmt.Errorf("process subtask %s: %w", sub.ID, ctx.Err())
	}

	res := state.Resolution{Attempts: attempts}
	if err != nil {
		res.Status = models.SubtaskStatusFailed
		res.Error = fmt.Sprintf("%s: %v", failure.KindOf(err), err)
		log.Printf("[worker] subtask %s failed after %d attempt(s): %v", sub.ID, attempts, err)
	} else {
		res.Status = models.SubtaskStatusCompleted
		res.Findings = research.Findings
		res.Sources = research.Sources
	}

	err = w.store.ResolveSubtask(ctx, sub.ID, res)
	if failure.IsConflict(err) {
		log.Printf("[worker] subtask %s was resolved by another delivery", sub.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve subtask %s: %w", sub.ID, err)
	}
	log.Printf("[worker] subtask %s %s", sub.ID, res.Status)

	if _, err := fanin.Check(ctx, w.store, w.dispatcher, sub.TaskID); err != nil {
		return err
	}
	return nil
}
