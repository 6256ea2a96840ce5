package state

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/foresight/internal/failure"
	"github.com/ShayCichocki/foresight/pkg/models"
)

// storeFactory returns a freshly migrated, empty store.
type storeFactory func(t *testing.T) Store

// runStoreContract exercises the behavior every Store backend must share.
func runStoreContract(t *testing.T, newStore storeFactory) {
	t.Run("CreateAndGetTask", func(t *testing.T) { testCreateAndGetTask(t, newStore(t)) })
	t.Run("GetTaskNotFound", func(t *testing.T) { testGetTaskNotFound(t, newStore(t)) })
	t.Run("ListTasksNewestFirst", func(t *testing.T) { testListTasks(t, newStore(t)) })
	t.Run("ActivateTask", func(t *testing.T) { testActivateTask(t, newStore(t)) })
	t.Run("ActivateTaskTwiceConflicts", func(t *testing.T) { testActivateTwice(t, newStore(t)) })
	t.Run("ActivateTaskNotFound", func(t *testing.T) { testActivateNotFound(t, newStore(t)) })
	t.Run("ResolveSubtaskOnce", func(t *testing.T) { testResolveOnce(t, newStore(t)) })
	t.Run("ClaimSubtaskLease", func(t *testing.T) { testClaimSubtask(t, newStore(t)) })
	t.Run("TransitionRace", func(t *testing.T) { testTransitionRace(t, newStore(t)) })
	t.Run("TransitionIllegal", func(t *testing.T) { testTransitionIllegal(t, newStore(t)) })
	t.Run("AnalysisLeaseAndComplete", func(t *testing.T) { testAnalysisLease(t, newStore(t)) })
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return setupTestDB(t) })
}

func TestSQLite3Store(t *testing.T) {
	if os.Getenv("CGO_ENABLED") == "0" {
		t.Skip("mattn/go-sqlite3 requires cgo")
	}
	runStoreContract(t, func(t *testing.T) Store {
		db, err := OpenWithDriver(DriverSQLite3, tempDBPath(t))
		if err != nil {
			t.Skipf("sqlite3 driver unavailable: %v", err)
		}
		if err := db.Migrate(context.Background()); err != nil {
			t.Fatalf("migrate sqlite3: %v", err)
		}
		t.Cleanup(func() { db.Close() })
		return db
	})
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("FORESIGHT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FORESIGHT_TEST_POSTGRES_DSN not set")
	}
	runStoreContract(t, func(t *testing.T) Store {
		ctx := context.Background()
		s, err := OpenPostgres(ctx, dsn)
		if err != nil {
			t.Fatalf("open postgres: %v", err)
		}
		if err := s.Migrate(ctx); err != nil {
			t.Fatalf("migrate postgres: %v", err)
		}
		if _, err := s.pool.Exec(ctx, "TRUNCATE tasks CASCADE"); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func mustCreateTask(t *testing.T, s Store, question string) *models.Task {
	t.Helper()
	task, err := s.CreateTask(context.Background(), question)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	return task
}

func mustActivate(t *testing.T, s Store, taskID string, n int) []models.Subtask {
	t.Helper()
	planned := make([]models.PlannedSubtask, n)
	for i := range planned {
		planned[i] = models.PlannedSubtask{Description: "research item", AgentRole: "analyst", Priority: "high"}
	}
	subs, err := s.ActivateTask(context.Background(), taskID, planned, "")
	if err != nil {
		t.Fatalf("ActivateTask failed: %v", err)
	}
	return subs
}

func testCreateAndGetTask(t *testing.T, s Store) {
	ctx := context.Background()
	created := mustCreateTask(t, s, "Will the ECB cut rates?")

	if created.ID == "" {
		t.Fatal("CreateTask returned empty ID")
	}
	got, err := s.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Question != "Will the ECB cut rates?" {
		t.Errorf("Question = %q", got.Question)
	}
	if got.Status != models.TaskStatusOpen {
		t.Errorf("Status = %s, want OPEN", got.Status)
	}
	if got.Analysis != nil {
		t.Error("new task should have no analysis")
	}
}

func testGetTaskNotFound(t *testing.T, s Store) {
	_, err := s.GetTask(context.Background(), "missing")
	if !failure.IsNotFound(err) {
		t.Errorf("GetTask(missing) error = %v, want NotFound", err)
	}
	_, err = s.GetSubtask(context.Background(), "missing")
	if !failure.IsNotFound(err) {
		t.Errorf("GetSubtask(missing) error = %v, want NotFound", err)
	}
}

func testListTasks(t *testing.T, s Store) {
	first := mustCreateTask(t, s, "first")
	time.Sleep(2 * time.Millisecond)
	second := mustCreateTask(t, s, "second")

	tasks, err := s.ListTasks(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("len(tasks) = %d, want 2", len(tasks))
	}
	if tasks[0].ID != second.ID || tasks[1].ID != first.ID {
		t.Error("tasks not ordered newest first")
	}

	limited, err := s.ListTasks(context.Background(), 1)
	if err != nil {
		t.Fatalf("ListTasks(1) failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("len(limited) = %d, want 1", len(limited))
	}
}

func testActivateTask(t *testing.T, s Store) {
	ctx := context.Background()
	task := mustCreateTask(t, s, "q")
	subs := mustActivate(t, s, task.ID, 3)

	if len(subs) != 3 {
		t.Fatalf("len(subs) = %d, want 3", len(subs))
	}
	if subs[0].ExternalRef != "Task-01" || subs[2].ExternalRef != "Task-03" {
		t.Errorf("external refs = %q..%q", subs[0].ExternalRef, subs[2].ExternalRef)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != models.TaskStatusActive {
		t.Errorf("Status = %s, want ACTIVE", got.Status)
	}

	listed, err := s.ListSubtasks(ctx, task.ID)
	if err != nil {
		t.Fatalf("ListSubtasks failed: %v", err)
	}
	for i, st := range listed {
		if st.ID != subs[i].ID {
			t.Errorf("subtask %d out of order", i)
		}
		if st.Status != models.SubtaskStatusPending {
			t.Errorf("subtask %d status = %s", i, st.Status)
		}
		if st.AgentRole != "analyst" || st.Priority != "high" {
			t.Errorf("subtask %d metadata = %q/%q", i, st.AgentRole, st.Priority)
		}
	}

	pending, err := s.CountPendingSubtasks(ctx, task.ID)
	if err != nil {
		t.Fatalf("CountPendingSubtasks failed: %v", err)
	}
	if pending != 3 {
		t.Errorf("pending = %d, want 3", pending)
	}
}

func testActivateTwice(t *testing.T, s Store) {
	ctx := context.Background()
	task := mustCreateTask(t, s, "q")
	mustActivate(t, s, task.ID, 2)

	_, err := s.ActivateTask(ctx, task.ID, []models.PlannedSubtask{{Description: "extra"}}, "")
	if !failure.IsConflict(err) {
		t.Fatalf("second ActivateTask error = %v, want Conflict", err)
	}

	subs, err := s.ListSubtasks(ctx, task.ID)
	if err != nil {
		t.Fatalf("ListSubtasks failed: %v", err)
	}
	if len(subs) != 2 {
		t.Errorf("len(subs) = %d, want 2 (no partial write)", len(subs))
	}
}

func testActivateNotFound(t *testing.T, s Store) {
	_, err := s.ActivateTask(context.Background(), "missing", nil, "")
	if !failure.IsNotFound(err) {
		t.Errorf("ActivateTask(missing) error = %v, want NotFound", err)
	}
}

func testResolveOnce(t *testing.T, s Store) {
	ctx := context.Background()
	task := mustCreateTask(t, s, "q")
	sub := mustActivate(t, s, task.ID, 1)[0]

	err := s.ResolveSubtask(ctx, sub.ID, Resolution{
		Status:   models.SubtaskStatusCompleted,
		Findings: "inflation is falling",
		Sources:  []string{"https://a", "https://b"},
		Attempts: 1,
	})
	if err != nil {
		t.Fatalf("ResolveSubtask failed: %v", err)
	}

	err = s.ResolveSubtask(ctx, sub.ID, Resolution{Status: models.SubtaskStatusFailed, Error: "late"})
	if !failure.IsConflict(err) {
		t.Fatalf("second ResolveSubtask error = %v, want Conflict", err)
	}

	got, err := s.GetSubtask(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubtask failed: %v", err)
	}
	if got.Status != models.SubtaskStatusCompleted || got.Findings != "inflation is falling" {
		t.Errorf("subtask = %s %q, first resolution should win", got.Status, got.Findings)
	}
	if len(got.Sources) != 2 || got.Sources[0] != "https://a" {
		t.Errorf("Sources = %v", got.Sources)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", got.Attempts)
	}

	if err := s.ResolveSubtask(ctx, sub.ID, Resolution{Status: models.SubtaskStatusPending}); err == nil {
		t.Error("resolving to PENDING should fail")
	}
}

func testClaimSubtask(t *testing.T, s Store) {
	ctx := context.Background()
	task := mustCreateTask(t, s, "q")
	sub := mustActivate(t, s, task.ID, 1)[0]
	until := time.Now().Add(time.Minute)

	if err := s.ClaimSubtask(ctx, sub.ID, "worker-a", until); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if err := s.ClaimSubtask(ctx, sub.ID, "worker-a", until); err != nil {
		t.Errorf("re-claim by holder failed: %v", err)
	}
	if err := s.ClaimSubtask(ctx, sub.ID, "worker-b", until); !failure.IsConflict(err) {
		t.Errorf("claim by other worker error = %v, want Conflict", err)
	}

	// An expired lease may be taken over.
	if err := s.ClaimSubtask(ctx, sub.ID, "worker-a", time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("shorten lease failed: %v", err)
	}
	if err := s.ClaimSubtask(ctx, sub.ID, "worker-b", until); err != nil {
		t.Errorf("claim after expiry failed: %v", err)
	}

	if err := s.ResolveSubtask(ctx, sub.ID, Resolution{Status: models.SubtaskStatusCompleted, Findings: "f"}); err != nil {
		t.Fatalf("ResolveSubtask failed: %v", err)
	}
	if err := s.ClaimSubtask(ctx, sub.ID, "worker-c", until); !failure.IsConflict(err) {
		t.Errorf("claim of resolved subtask error = %v, want Conflict", err)
	}
}

func testTransitionRace(t *testing.T, s Store) {
	ctx := context.Background()
	task := mustCreateTask(t, s, "q")
	mustActivate(t, s, task.ID, 0)

	const racers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.TransitionTask(ctx, task.ID, models.TaskStatusActive, models.TaskStatusAnalyzing, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case failure.IsConflict(err):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}
	if conflicts != racers-1 {
		t.Errorf("conflicts = %d, want %d", conflicts, racers-1)
	}
}

func testTransitionIllegal(t *testing.T, s Store) {
	ctx := context.Background()
	task := mustCreateTask(t, s, "q")

	err := s.TransitionTask(ctx, task.ID, models.TaskStatusOpen, models.TaskStatusCompleted, "")
	if err == nil {
		t.Fatal("OPEN -> COMPLETED should be rejected")
	}
	if failure.IsConflict(err) {
		t.Error("illegal transition should not be reported as a lost race")
	}

	err = s.TransitionTask(ctx, "missing", models.TaskStatusOpen, models.TaskStatusFailed, "x")
	if !failure.IsNotFound(err) {
		t.Errorf("transition of missing task error = %v, want NotFound", err)
	}

	if err := s.TransitionTask(ctx, task.ID, models.TaskStatusOpen, models.TaskStatusFailed, "planner down"); err != nil {
		t.Fatalf("OPEN -> FAILED failed: %v", err)
	}
	got, _ := s.GetTask(ctx, task.ID)
	if got.Error != "planner down" {
		t.Errorf("Error = %q, want %q", got.Error, "planner down")
	}
}

func testAnalysisLease(t *testing.T, s Store) {
	ctx := context.Background()
	task := mustCreateTask(t, s, "q")
	mustActivate(t, s, task.ID, 0)

	until := time.Now().Add(time.Minute)
	if err := s.ClaimAnalysis(ctx, task.ID, "run-1", until); !failure.IsConflict(err) {
		t.Fatalf("claim on ACTIVE task error = %v, want Conflict", err)
	}

	if err := s.TransitionTask(ctx, task.ID, models.TaskStatusActive, models.TaskStatusAnalyzing, ""); err != nil {
		t.Fatalf("TransitionTask failed: %v", err)
	}
	if err := s.ClaimAnalysis(ctx, task.ID, "run-1", until); err != nil {
		t.Fatalf("ClaimAnalysis failed: %v", err)
	}
	if err := s.ClaimAnalysis(ctx, task.ID, "run-2", until); !failure.IsConflict(err) {
		t.Errorf("second claim error = %v, want Conflict", err)
	}

	analysis := models.Analysis{
		Overview:     "Likely",
		OverallScore: 70,
		Themes:       []models.Theme{{Name: "Inflation", Findings: "down", Score: 75, Rationale: "trend"}},
	}
	if err := s.CompleteTask(ctx, task.ID, analysis); err != nil {
		t.Fatalf("CompleteTask failed: %v", err)
	}
	if err := s.CompleteTask(ctx, task.ID, analysis); !failure.IsConflict(err) {
		t.Errorf("second CompleteTask error = %v, want Conflict", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != models.TaskStatusCompleted {
		t.Errorf("Status = %s, want COMPLETED", got.Status)
	}
	if got.Analysis == nil || got.Analysis.OverallScore != 70 || len(got.Analysis.Themes) != 1 {
		t.Errorf("Analysis = %+v", got.Analysis)
	}
	if got.AnalysisClaim != "" {
		t.Errorf("claim not cleared: %q", got.AnalysisClaim)
	}
}

func TestWithTimeout(t *testing.T) {
	db := setupTestDB(t)
	if got := WithTimeout(db, 0); got != Store(db) {
		t.Error("zero timeout should return the store unchanged")
	}

	wrapped := WithTimeout(db, time.Second)
	task, err := wrapped.CreateTask(context.Background(), "q")
	if err != nil {
		t.Fatalf("CreateTask through timeout store failed: %v", err)
	}
	if _, err := wrapped.GetTask(context.Background(), task.ID); err != nil {
		t.Errorf("GetTask through timeout store failed: %v", err)
	}
}
