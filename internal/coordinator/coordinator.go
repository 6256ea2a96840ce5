// Package coordinator creates tasks, plans their subtasks and fans the
// subtasks out to workers.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/ShayCichocki/foresight/internal/capability"
	"github.com/ShayCichocki/foresight/internal/dispatch"
	"github.com/ShayCichocki/foresight/internal/failure"
	"github.com/ShayCichocki/foresight/internal/fanin"
	"github.com/ShayCichocki/foresight/internal/retry"
	"github.com/ShayCichocki/foresight/internal/state"
	"github.com/ShayCichocki/foresight/pkg/models"
)

// Config holds coordinator settings.
type Config struct {
	// MaxSubtasks is the largest plan accepted. Larger plans are discarded.
	MaxSubtasks int
	// Retry governs planning calls.
	Retry retry.Policy
}

// Result reports what a coordination pass did.
type Result struct {
	// Planned is the number of subtasks created.
	Planned int
	// Enqueued is the number of processSubtask jobs enqueued.
	Enqueued int
	// FanIn is true if the task was handed to analysis by this pass.
	FanIn bool
}

// Coordinator turns questions into planned, dispatched subtasks.
type Coordinator struct {
	store       state.Store
	gateway     capability.Gateway
	dispatcher  dispatch.Dispatcher
	retry       retry.Policy
	maxSubtasks atomic.Int64
}

// New creates a Coordinator.
func New(store state.Store, gateway capability.Gateway, dispatcher dispatch.Dispatcher, cfg Config) *Coordinator {
	c := &Coordinator{
		store:      store,
		gateway:    gateway,
		dispatcher: dispatcher,
		retry:      cfg.Retry,
	}
	c.SetMaxSubtasks(cfg.MaxSubtasks)
	return c
}

// SetMaxSubtasks changes the plan size limit for subsequent planning.
func (c *Coordinator) SetMaxSubtasks(n int) {
	if n <= 0 {
		n = capability.DefaultMaxSubtasks
	}
	c.maxSubtasks.Store(int64(n))
}

// MaxSubtasks returns the current plan size limit.
func (c *Coordinator) MaxSubtasks() int {
	return int(c.maxSubtasks.Load())
}

// Coordinate creates a task for question, plans it and dispatches its
// subtasks. Planning failures do not fail the call: the task proceeds to
// synthesis with no findings.
func (c *Coordinator) Coordinate(ctx context.Context, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", failure.Validationf("coordinate", "question must not be blank")
	}

	task, err := c.store.CreateTask(ctx, question)
	if err != nil {
		return "", fmt.Errorf("coordinate: %w", err)
	}
	log.Printf("[coordinator] created task %s", task.ID)

	if _, err := c.plan(ctx, task); err != nil {
		return task.ID, err
	}
	return task.ID, nil
}

// Recoordinate repairs a task whose jobs may have been lost. It never
// creates subtasks for a task that already has some.
func (c *Coordinator) Recoordinate(ctx context.Context, taskID string) (Result, error) {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return Result{}, err
	}
	if task.Status.Terminal() {
		return Result{}, nil
	}

	if task.Status == models.TaskStatusAnalyzing {
		if err := c.dispatcher.Enqueue(ctx, models.AnalyzeJob(task.ID)); err != nil {
			return Result{}, fmt.Errorf("recoordinate %s: %w", task.ID, err)
		}
		log.Printf("[coordinator] task %s: re-enqueued analysis", task.ID)
		return Result{}, nil
	}

	subtasks, err := c.store.ListSubtasks(ctx, task.ID)
	if err != nil {
		return Result{}, fmt.Errorf("recoordinate %s: %w", task.ID, err)
	}

	if task.Status == models.TaskStatusOpen && len(subtasks) == 0 {
		return c.plan(ctx, task)
	}

	var res Result
	for _, s := range subtasks {
		if s.Status != models.SubtaskStatusPending {
			continue
		}
		if err := c.dispatcher.Enqueue(ctx, models.ProcessSubtaskJob(s.ID)); err != nil {
			return res, fmt.Errorf("recoordinate %s: %w", task.ID, err)
		}
		res.Enqueued++
	}

	if task.Status == models.TaskStatusActive && res.Enqueued == 0 {
		won, err := fanin.Check(ctx, c.store, c.dispatcher, task.ID)
		res.FanIn = won
		if err != nil {
			return res, err
		}
	}
	if res.Enqueued > 0 {
		log.Printf("[coordinator] task %s: re-enqueued %d pending subtasks", task.ID, res.Enqueued)
	}
	return res, nil
}

// plan runs planning for an OPEN task and persists the outcome.
func (c *Coordinator) plan(ctx context.Context, task *models.Task) (Result, error) {
	planned, attempts, err := retry.Do(ctx, c.retry, "plan "+task.ID,
		func(ctx context.Context) ([]models.PlannedSubtask, error) {
			return c.gateway.Plan(ctx, task.Question, nil)
		})

	var note string
	limit := c.MaxSubtasks()
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("plan %s: %w", task.ID, ctx.Err())
		}
		note = fmt.Sprintf("planning failed after %d attempt(s) (%s): %v", attempts, failure.KindOf(err), err)
		planned = nil
	case len(planned) > limit:
		note = fmt.Sprintf("plan returned %d subtasks, more than the limit of %d; no subtasks created", len(planned), limit)
		planned = nil
	}
	if note != "" {
		log.Printf("[coordinator] task %s: %s", task.ID, note)
	}

	subtasks, err := c.store.ActivateTask(ctx, task.ID, planned, note)
	if failure.IsConflict(err) {
		// Another coordination pass activated the task first.
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("plan %s: %w", task.ID, err)
	}

	res := Result{Planned: len(subtasks)}
	log.Printf("[coordinator] task %s: planned %d subtasks", task.ID, len(subtasks))

	if len(subtasks) == 0 {
		won, err := fanin.Check(ctx, c.store, c.dispatcher, task.ID)
		res.FanIn = won
		return res, err
	}

	for _, s := range subtasks {
		if err := c.dispatcher.Enqueue(ctx, models.ProcessSubtaskJob(s.ID)); err != nil {
			// Left PENDING; the sweeper re-enqueues it.
			log.Printf("[coordinator] enqueue subtask %s failed: %v", s.ID, err)
			continue
		}
		res.Enqueued++
	}
	return res, nil
}
