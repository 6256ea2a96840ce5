// Package analyzer runs the single synthesis pass for a task whose
// subtasks have all resolved.
package analyzer

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/foresight/internal/capability"
	"github.com/ShayCichocki/foresight/internal/failure"
	"github.com/ShayCichocki/foresight/internal/retry"
	"github.com/ShayCichocki/foresight/internal/state"
	"github.com/ShayCichocki/foresight/pkg/models"
)

// DefaultLease is how long one delivery owns a task's synthesis.
const DefaultLease = 10 * time.Minute

// Config holds analyzer settings.
type Config struct {
	Retry retry.Policy
	Lease time.Duration
	ID    string
}

// Analyzer synthesizes task assessments.
type Analyzer struct {
	store   state.Store
	gateway capability.Gateway
	retry   retry.Policy
	lease   time.Duration
	id      string
	now     func() time.Time
}

// New creates an Analyzer.
func New(store state.Store, gateway capability.Gateway, cfg Config) *Analyzer {
	lease := cfg.Lease
	if lease <= 0 {
		lease = DefaultLease
	}
	// The lease must outlive the whole retry loop or a redelivery can take
	// over a call that is still running.
	if floor := cfg.Retry.MinLease(); lease < floor {
		log.Printf("[analyzer] lease %s is shorter than the retry budget, using %s", lease, floor)
		lease = floor
	}
	id := cfg.ID
	if id == "" {
		id, _ = os.Hostname()
	}
	return &Analyzer{
		store:   store,
		gateway: gateway,
		retry:   cfg.Retry,
		lease:   lease,
		id:      id,
		now:     time.Now,
	}
}

// AnalyzeTask synthesizes and stores the assessment for an ANALYZING task.
// Any other status is a no-op, so redelivery after completion is harmless.
func (a *Analyzer) AnalyzeTask(ctx context.Context, taskID string) error {
	task, err := a.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("analyze task: %w", err)
	}
	if task.Status != models.TaskStatusAnalyzing {
		log.Printf("[analyzer] task %s is %s, nothing to do", task.ID, task.Status)
		return nil
	}

	subtasks, err := a.store.ListSubtasks(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("analyze task %s: %w", task.ID, err)
	}
	for _, s := range subtasks {
		if s.Status == models.SubtaskStatusPending {
			log.Printf("[analyzer] coordination defect: task %s is ANALYZING but subtask %s is PENDING", task.ID, s.ID)
			return failure.Newf(failure.Permanent, "analyze task", "task %s has pending subtask %s", task.ID, s.ID)
		}
	}

	claim := a.id + "/" + uuid.New().String()
	err = a.store.ClaimAnalysis(ctx, task.ID, claim, a.now().Add(a.lease))
	if failure.IsConflict(err) {
		log.Printf("[analyzer] task %s is already being analyzed", task.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim analysis %s: %w", task.ID, err)
	}

	input := models.BuildSynthesisInput(subtasks)
	log.Printf("[analyzer] task %s: synthesizing %d findings (%d unresolved)", task.ID, len(input.Findings), len(input.Unresolved))

	analysis, attempts, err := retry.Do(ctx, a.retry, "synthesize "+task.ID,
		func(ctx context.Context) (models.Analysis, error) {
			return a.gateway.Synthesize(ctx, task.Question, input)
		})
	if err == nil && !analysis.Valid() {
		err = failure.Validationf("synthesize", "score outside 0-100")
	}
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("analyze task %s: %w", task.ID, ctx.Err())
		}
		msg := fmt.Sprintf("synthesis failed after %d attempt(s) (%s): %v", attempts, failure.KindOf(err), err)
		log.Printf("[analyzer] task %s: %s", task.ID, msg)
		terr := a.store.TransitionTask(ctx, task.ID, models.TaskStatusAnalyzing, models.TaskStatusFailed, msg)
		if terr != nil && !failure.IsConflict(terr) {
			return fmt.Errorf("fail task %s: %w", task.ID, terr)
		}
		return nil
	}

	err = a.store.CompleteTask(ctx, task.ID, analysis)
	if failure.IsConflict(err) {
		log.Printf("[analyzer] task %s was completed by another delivery", task.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("complete task %s: %w", task.ID, err)
	}
	log.Printf("[analyzer] task %s completed with overall score %d", task.ID, analysis.OverallScore)
	return nil
}
