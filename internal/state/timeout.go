package state

import (
	"context"
	"time"

	"github.com/ShayCichocki/foresight/pkg/models"
)

// timeoutStore bounds every store call with a fixed timeout.
type timeoutStore struct {
	Store
	timeout time.Duration
}

// WithTimeout wraps store so each call runs under its own deadline.
// A non-positive timeout returns store unchanged.
func WithTimeout(store Store, timeout time.Duration) Store {
	if timeout <= 0 {
		return store
	}
	return &timeoutStore{Store: store, timeout: timeout}
}

func (s *timeoutStore) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.timeout)
}

func (s *timeoutStore) CreateTask(ctx context.Context, question string) (*models.Task, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.Store.CreateTask(ctx, question)
}

func (s *timeoutStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.Store.GetTask(ctx, id)
}

func (s *timeoutStore) ListTasks(ctx context.Context, limit int) ([]models.Task, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.Store.ListTasks(ctx, limit)
}

func (s *timeoutStore) ListStaleTasks(ctx context.Context, before time.Time) ([]models.Task, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.Store.ListStaleTasks(ctx, before)
}

func (s *timeoutStore) TransitionTask(ctx context.Context, id string, from, to models.TaskStatus, errMsg string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.Store.TransitionTask(ctx, id, from, to, errMsg)
}

func (s *timeoutStore) ClaimAnalysis(ctx context.Context, id, claim string, until time.Time) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.Store.ClaimAnalysis(ctx, id, claim, until)
}

func (s *timeoutStore) CompleteTask(ctx context.Context, id string, analysis models.Analysis) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.Store.CompleteTask(ctx, id, analysis)
}

func (s *timeoutStore) ActivateTask(ctx context.Context, taskID string, planned []models.PlannedSubtask, note string) ([]models.Subtask, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.Store.ActivateTask(ctx, taskID, planned, note)
}

func (s *timeoutStore) GetSubtask(ctx context.Context, id string) (*models.Subtask, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.Store.GetSubtask(ctx, id)
}

func (s *timeoutStore) ListSubtasks(ctx context.Context, taskID string) ([]models.Subtask, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.Store.ListSubtasks(ctx, taskID)
}

func (s *timeoutStore) CountPendingSubtasks(ctx context.Context, taskID string) (int, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.Store.CountPendingSubtasks(ctx, taskID)
}

func (s *timeoutStore) ClaimSubtask(ctx context.Context, id, claim string, until time.Time) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.Store.ClaimSubtask(ctx, id, claim, until)
}

func (s *timeoutStore) ResolveSubtask(ctx context.Context, id string, res Resolution) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.Store.ResolveSubtask(ctx, id, res)
}
