// Package jobs routes dispatched jobs to the engine component that owns them.
package jobs

import (
	"context"

	"github.com/ShayCichocki/foresight/internal/coordinator"
	"github.com/ShayCichocki/foresight/internal/failure"
	"github.com/ShayCichocki/foresight/pkg/models"
)

// Recoordinator repairs a task's outstanding work.
type Recoordinator interface {
	Recoordinate(ctx context.Context, taskID string) (coordinator.Result, error)
}

// SubtaskProcessor researches a single subtask.
type SubtaskProcessor interface {
	ProcessSubtask(ctx context.Context, subtaskID string) error
}

// TaskAnalyzer synthesizes a task's assessment.
type TaskAnalyzer interface {
	AnalyzeTask(ctx context.Context, taskID string) error
}

// Router dispatches jobs by kind.
type Router struct {
	coordinator Recoordinator
	worker      SubtaskProcessor
	analyzer    TaskAnalyzer
}

// NewRouter creates a Router.
func NewRouter(c Recoordinator, w SubtaskProcessor, a TaskAnalyzer) *Router {
	return &Router{coordinator: c, worker: w, analyzer: a}
}

// Handle runs one job. It has the dispatch.Handler signature.
func (r *Router) Handle(ctx context.Context, job models.Job) error {
	if job.ID == "" {
		return failure.Validationf("handle job", "job %s has no id", job.Kind)
	}
	switch job.Kind {
	case models.JobCoordinate:
		_, err := r.coordinator.Recoordinate(ctx, job.ID)
		return err
	case models.JobProcessSubtask:
		return r.worker.ProcessSubtask(ctx, job.ID)
	case models.JobAnalyze:
		return r.analyzer.AnalyzeTask(ctx, job.ID)
	default:
		return failure.Validationf("handle job", "unknown job kind %q", job.Kind)
	}
}
