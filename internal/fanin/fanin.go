// Package fanin decides when a task's subtasks are all resolved and hands
// the task to synthesis exactly once.
package fanin

import (
	"context"
	"fmt"
	"log"

	"github.com/ShayCichocki/foresight/internal/dispatch"
	"github.com/ShayCichocki/foresight/internal/failure"
	"github.com/ShayCichocki/foresight/internal/state"
	"github.com/ShayCichocki/foresight/pkg/models"
)

// Check moves an ACTIVE task with no PENDING subtasks to ANALYZING and
// enqueues its analyze job. It reports whether this call performed the
// transition. Losing the race to another caller is not an error.
func Check(ctx context.Context, store state.Store, dispatcher dispatch.Dispatcher, taskID string) (bool, error) {
	pending, err := store.CountPendingSubtasks(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("fan-in check %s: %w", taskID, err)
	}
	if pending > 0 {
		return false, nil
	}

	err = store.TransitionTask(ctx, taskID, models.TaskStatusActive, models.TaskStatusAnalyzing, "")
	if failure.IsConflict(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fan-in check %s: %w", taskID, err)
	}

	log.Printf("[fanin] task %s: all subtasks resolved, starting analysis", taskID)
	if err := dispatcher.Enqueue(ctx, models.AnalyzeJob(taskID)); err != nil {
		// The task stays ANALYZING; recoordination re-enqueues the job.
		return true, fmt.Errorf("enqueue analyze %s: %w", taskID, err)
	}
	return true, nil
}
