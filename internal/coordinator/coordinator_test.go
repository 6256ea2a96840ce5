package coordinator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ShayCichocki/foresight/internal/enginetest"
	"github.com/ShayCichocki/foresight/internal/failure"
	"github.com/ShayCichocki/foresight/internal/retry"
	"github.com/ShayCichocki/foresight/internal/state"
	"github.com/ShayCichocki/foresight/pkg/models"
)

func testPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func setup(t *testing.T, max int) (*Coordinator, *state.DB, *enginetest.Gateway, *enginetest.Dispatcher) {
	t.Helper()
	store := enginetest.OpenStore(t)
	gw := &enginetest.Gateway{}
	d := &enginetest.Dispatcher{}
	c := New(store, gw, d, Config{MaxSubtasks: max, Retry: testPolicy()})
	return c, store, gw, d
}

func TestCoordinate_FansOut(t *testing.T) {
	c, store, gw, d := setup(t, 10)
	gw.PlanFunc = func(ctx context.Context, q string, existing []models.Subtask) ([]models.PlannedSubtask, error) {
		return enginetest.PlanOf("CPI trend", "Wage growth", "ECB statements"), nil
	}

	taskID, err := c.Coordinate(context.Background(), "Will the ECB cut rates in June?")
	if err != nil {
		t.Fatalf("Coordinate failed: %v", err)
	}

	task, _ := store.GetTask(context.Background(), taskID)
	if task.Status != models.TaskStatusActive {
		t.Errorf("Status = %s, want ACTIVE", task.Status)
	}
	subs, _ := store.ListSubtasks(context.Background(), taskID)
	if len(subs) != 3 {
		t.Fatalf("subtasks = %d, want 3", len(subs))
	}
	if d.Count(models.JobProcessSubtask) != 3 {
		t.Errorf("processSubtask jobs = %d, want 3", d.Count(models.JobProcessSubtask))
	}
	if d.Count(models.JobAnalyze) != 0 {
		t.Error("analyze must not be enqueued while subtasks are pending")
	}
}

func TestCoordinate_BlankQuestion(t *testing.T) {
	c, store, gw, _ := setup(t, 10)

	_, err := c.Coordinate(context.Background(), "   ")
	if !failure.Is(err, failure.Validation) {
		t.Fatalf("Coordinate error = %v, want validation", err)
	}
	if gw.PlanCalls.Load() != 0 {
		t.Error("planner should not be called for a blank question")
	}
	tasks, _ := store.ListTasks(context.Background(), 0)
	if len(tasks) != 0 {
		t.Error("no task should be created for a blank question")
	}
}

func TestCoordinate_OverLimitCreatesNothing(t *testing.T) {
	c, store, gw, d := setup(t, 2)
	gw.PlanFunc = func(ctx context.Context, q string, existing []models.Subtask) ([]models.PlannedSubtask, error) {
		return enginetest.PlanOf("a", "b", "c"), nil
	}

	taskID, err := c.Coordinate(context.Background(), "q")
	if err != nil {
		t.Fatalf("Coordinate failed: %v", err)
	}

	subs, _ := store.ListSubtasks(context.Background(), taskID)
	if len(subs) != 0 {
		t.Errorf("subtasks = %d, want 0", len(subs))
	}
	task, _ := store.GetTask(context.Background(), taskID)
	if task.Status != models.TaskStatusAnalyzing {
		t.Errorf("Status = %s, want ANALYZING", task.Status)
	}
	if !strings.Contains(task.Error, "more than the limit of 2") {
		t.Errorf("Error = %q, want plan limit warning", task.Error)
	}
	if d.Count(models.JobAnalyze) != 1 || d.Count(models.JobProcessSubtask) != 0 {
		t.Errorf("jobs = %v, want exactly one analyze", d.Jobs())
	}
}

func TestCoordinate_ExactlyAtLimit(t *testing.T) {
	c, store, gw, _ := setup(t, 2)
	gw.PlanFunc = func(ctx context.Context, q string, existing []models.Subtask) ([]models.PlannedSubtask, error) {
		return enginetest.PlanOf("a", "b"), nil
	}

	taskID, _ := c.Coordinate(context.Background(), "q")
	subs, _ := store.ListSubtasks(context.Background(), taskID)
	if len(subs) != 2 {
		t.Errorf("subtasks = %d, want 2", len(subs))
	}
}

func TestCoordinate_EmptyPlan(t *testing.T) {
	c, store, _, d := setup(t, 10)

	taskID, err := c.Coordinate(context.Background(), "q")
	if err != nil {
		t.Fatalf("Coordinate failed: %v", err)
	}
	task, _ := store.GetTask(context.Background(), taskID)
	if task.Status != models.TaskStatusAnalyzing {
		t.Errorf("Status = %s, want ANALYZING", task.Status)
	}
	if task.Error != "" {
		t.Errorf("empty plan should not record a warning, got %q", task.Error)
	}
	if d.Count(models.JobAnalyze) != 1 {
		t.Errorf("analyze jobs = %d, want 1", d.Count(models.JobAnalyze))
	}
}

func TestCoordinate_PlanningFailures(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCalls int32
	}{
		{"validation", failure.Validationf("parse plan", "no JSON"), 1},
		{"permanent", failure.Newf(failure.Permanent, "plan", "401"), 1},
		{"transient exhausted", failure.Newf(failure.Transient, "plan", "429"), 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, store, gw, d := setup(t, 10)
			gw.PlanFunc = func(ctx context.Context, q string, existing []models.Subtask) ([]models.PlannedSubtask, error) {
				return nil, tt.err
			}

			taskID, err := c.Coordinate(context.Background(), "q")
			if err != nil {
				t.Fatalf("Coordinate failed: %v", err)
			}
			if gw.PlanCalls.Load() != tt.wantCalls {
				t.Errorf("plan calls = %d, want %d", gw.PlanCalls.Load(), tt.wantCalls)
			}
			task, _ := store.GetTask(context.Background(), taskID)
			if task.Status != models.TaskStatusAnalyzing {
				t.Errorf("Status = %s, want ANALYZING", task.Status)
			}
			if !strings.Contains(task.Error, "planning failed") {
				t.Errorf("Error = %q, want planning warning", task.Error)
			}
			if d.Count(models.JobAnalyze) != 1 {
				t.Errorf("analyze jobs = %d, want 1", d.Count(models.JobAnalyze))
			}
		})
	}
}

func TestCoordinate_TransientThenSuccess(t *testing.T) {
	c, store, gw, _ := setup(t, 10)
	gw.PlanFunc = func(ctx context.Context, q string, existing []models.Subtask) ([]models.PlannedSubtask, error) {
		if gw.PlanCalls.Load() == 1 {
			return nil, failure.Newf(failure.Transient, "plan", "timeout")
		}
		return enginetest.PlanOf("a"), nil
	}

	taskID, _ := c.Coordinate(context.Background(), "q")
	subs, _ := store.ListSubtasks(context.Background(), taskID)
	if len(subs) != 1 {
		t.Errorf("subtasks = %d, want 1", len(subs))
	}
}

func TestRecoordinate_NotFound(t *testing.T) {
	c, _, _, _ := setup(t, 10)
	_, err := c.Recoordinate(context.Background(), "missing")
	if !failure.IsNotFound(err) {
		t.Errorf("Recoordinate error = %v, want NotFound", err)
	}
}

func TestRecoordinate_ReenqueuesPendingOnly(t *testing.T) {
	c, store, gw, d := setup(t, 10)
	gw.PlanFunc = func(ctx context.Context, q string, existing []models.Subtask) ([]models.PlannedSubtask, error) {
		return enginetest.PlanOf("a", "b", "c"), nil
	}
	ctx := context.Background()
	taskID, _ := c.Coordinate(ctx, "q")
	subs, _ := store.ListSubtasks(ctx, taskID)
	store.ResolveSubtask(ctx, subs[0].ID, state.Resolution{Status: models.SubtaskStatusCompleted, Findings: "f"})

	res, err := c.Recoordinate(ctx, taskID)
	if err != nil {
		t.Fatalf("Recoordinate failed: %v", err)
	}
	if res.Enqueued != 2 || res.Planned != 0 {
		t.Errorf("Result = %+v, want 2 enqueued and none planned", res)
	}
	if gw.PlanCalls.Load() != 1 {
		t.Error("Recoordinate must not plan a task that has subtasks")
	}
	after, _ := store.ListSubtasks(ctx, taskID)
	if len(after) != 3 {
		t.Errorf("subtasks = %d, want 3 (no duplicates)", len(after))
	}
	if d.Count(models.JobProcessSubtask) != 5 {
		t.Errorf("processSubtask jobs = %d, want 3 + 2", d.Count(models.JobProcessSubtask))
	}
}

func TestRecoordinate_PlansOpenTask(t *testing.T) {
	c, store, gw, d := setup(t, 10)
	gw.PlanFunc = func(ctx context.Context, q string, existing []models.Subtask) ([]models.PlannedSubtask, error) {
		return enginetest.PlanOf("a", "b"), nil
	}
	ctx := context.Background()
	task, _ := store.CreateTask(ctx, "crashed before planning")

	res, err := c.Recoordinate(ctx, task.ID)
	if err != nil {
		t.Fatalf("Recoordinate failed: %v", err)
	}
	if res.Planned != 2 || res.Enqueued != 2 {
		t.Errorf("Result = %+v, want 2 planned and enqueued", res)
	}
	if d.Count(models.JobProcessSubtask) != 2 {
		t.Errorf("processSubtask jobs = %d, want 2", d.Count(models.JobProcessSubtask))
	}
}

func TestRecoordinate_RepairsLostFanIn(t *testing.T) {
	c, store, gw, d := setup(t, 10)
	gw.PlanFunc = func(ctx context.Context, q string, existing []models.Subtask) ([]models.PlannedSubtask, error) {
		return enginetest.PlanOf("a"), nil
	}
	ctx := context.Background()
	taskID, _ := c.Coordinate(ctx, "q")
	subs, _ := store.ListSubtasks(ctx, taskID)
	// The worker resolved the last subtask but died before the fan-in check.
	store.ResolveSubtask(ctx, subs[0].ID, state.Resolution{Status: models.SubtaskStatusFailed, Error: "x"})

	res, err := c.Recoordinate(ctx, taskID)
	if err != nil {
		t.Fatalf("Recoordinate failed: %v", err)
	}
	if !res.FanIn {
		t.Error("Recoordinate should perform the missed fan-in")
	}
	if d.Count(models.JobAnalyze) != 1 {
		t.Errorf("analyze jobs = %d, want 1", d.Count(models.JobAnalyze))
	}

	res, _ = c.Recoordinate(ctx, taskID)
	if res.FanIn {
		t.Error("second Recoordinate must not fan in again")
	}
	if d.Count(models.JobAnalyze) != 2 {
		t.Errorf("analyze jobs = %d, want re-enqueue while ANALYZING", d.Count(models.JobAnalyze))
	}
}

func TestRecoordinate_TerminalIsNoop(t *testing.T) {
	c, store, _, d := setup(t, 10)
	ctx := context.Background()
	task, _ := store.CreateTask(ctx, "q")
	store.TransitionTask(ctx, task.ID, models.TaskStatusOpen, models.TaskStatusFailed, "gave up")

	res, err := c.Recoordinate(ctx, task.ID)
	if err != nil {
		t.Fatalf("Recoordinate failed: %v", err)
	}
	if res != (Result{}) || len(d.Jobs()) != 0 {
		t.Errorf("terminal task should be a no-op, got %+v and %v", res, d.Jobs())
	}
}

func TestSetMaxSubtasks(t *testing.T) {
	c, _, _, _ := setup(t, 0)
	if c.MaxSubtasks() != 10 {
		t.Errorf("default MaxSubtasks = %d, want 10", c.MaxSubtasks())
	}
	c.SetMaxSubtasks(4)
	if c.MaxSubtasks() != 4 {
		t.Errorf("MaxSubtasks = %d, want 4", c.MaxSubtasks())
	}
}
