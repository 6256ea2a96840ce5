package fanin

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ShayCichocki/foresight/internal/enginetest"
	"github.com/ShayCichocki/foresight/internal/state"
	"github.com/ShayCichocki/foresight/pkg/models"
)

func activeTask(t *testing.T, store *state.DB, n int) (*models.Task, []models.Subtask) {
	t.Helper()
	ctx := context.Background()
	task, err := store.CreateTask(ctx, "q")
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	subs, err := store.ActivateTask(ctx, task.ID, enginetest.PlanOf(make([]string, n)...), "")
	if err != nil {
		t.Fatalf("ActivateTask failed: %v", err)
	}
	return task, subs
}

func TestCheck_PendingRemain(t *testing.T) {
	store := enginetest.OpenStore(t)
	d := &enginetest.Dispatcher{}
	task, _ := activeTask(t, store, 2)

	won, err := Check(context.Background(), store, d, task.ID)
	if err != nil || won {
		t.Fatalf("Check() = %v, %v; want false, nil", won, err)
	}
	if len(d.Jobs()) != 0 {
		t.Error("no job should be enqueued while subtasks are pending")
	}
}

func TestCheck_ZeroSubtasks(t *testing.T) {
	store := enginetest.OpenStore(t)
	d := &enginetest.Dispatcher{}
	task, _ := activeTask(t, store, 0)

	won, err := Check(context.Background(), store, d, task.ID)
	if err != nil || !won {
		t.Fatalf("Check() = %v, %v; want true, nil", won, err)
	}
	got, _ := store.GetTask(context.Background(), task.ID)
	if got.Status != models.TaskStatusAnalyzing {
		t.Errorf("Status = %s, want ANALYZING", got.Status)
	}
	if d.Count(models.JobAnalyze) != 1 {
		t.Errorf("analyze jobs = %d, want 1", d.Count(models.JobAnalyze))
	}
}

func TestCheck_ConcurrentCallersOneWinner(t *testing.T) {
	store := enginetest.OpenStore(t)
	d := &enginetest.Dispatcher{}
	task, _ := activeTask(t, store, 0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := Check(context.Background(), store, d, task.ID)
			if err != nil {
				t.Errorf("Check failed: %v", err)
			}
			if won {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("winners = %d, want 1", winners)
	}
	if d.Count(models.JobAnalyze) != 1 {
		t.Errorf("analyze jobs = %d, want 1", d.Count(models.JobAnalyze))
	}
}

func TestCheck_EnqueueFailureStillTransitions(t *testing.T) {
	store := enginetest.OpenStore(t)
	d := &enginetest.Dispatcher{Err: errors.New("broker down")}
	task, _ := activeTask(t, store, 0)

	won, err := Check(context.Background(), store, d, task.ID)
	if !won || err == nil {
		t.Fatalf("Check() = %v, %v; want true with error", won, err)
	}
	got, _ := store.GetTask(context.Background(), task.ID)
	if got.Status != models.TaskStatusAnalyzing {
		t.Errorf("Status = %s, want ANALYZING", got.Status)
	}
}
