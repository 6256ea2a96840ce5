// Package state provides durable, transactional persistence for tasks and
// subtasks. Every lifecycle transition is a conditional write so that
// concurrent workers coordinate only through the store.
package state

import (
	"context"
	"io"
	"time"

	"github.com/ShayCichocki/foresight/pkg/models"
)

// Resolution is the terminal outcome written to a PENDING subtask.
type Resolution struct {
	Status   models.SubtaskStatus
	Findings string
	Sources  []string
	Error    string
	Attempts int
}

// TaskStore handles task persistence.
type TaskStore interface {
	// CreateTask inserts a new OPEN task and returns it with its assigned ID.
	CreateTask(ctx context.Context, question string) (*models.Task, error)
	// GetTask returns a NotFound error if the task does not exist.
	GetTask(ctx context.Context, id string) (*models.Task, error)
	// ListTasks returns up to limit tasks, newest first. limit <= 0 means all.
	ListTasks(ctx context.Context, limit int) ([]models.Task, error)
	// ListStaleTasks returns non-terminal tasks not updated since before.
	ListStaleTasks(ctx context.Context, before time.Time) ([]models.Task, error)
	// TransitionTask moves a task from one status to another only if it is
	// still in from. A lost race returns a Conflict error. errMsg, when
	// non-empty, is recorded on the task.
	TransitionTask(ctx context.Context, id string, from, to models.TaskStatus, errMsg string) error
	// ClaimAnalysis takes the analyzer lease on an ANALYZING task. It fails
	// with Conflict while another unexpired claim is held.
	ClaimAnalysis(ctx context.Context, id, claim string, until time.Time) error
	// CompleteTask stores the analysis and moves ANALYZING to COMPLETED.
	CompleteTask(ctx context.Context, id string, analysis models.Analysis) error
}

// SubtaskStore handles subtask persistence.
type SubtaskStore interface {
	// ActivateTask atomically creates all planned subtasks as PENDING and
	// moves the task from OPEN to ACTIVE. Either everything is written or
	// nothing is. note, when non-empty, is recorded on the task's error field.
	ActivateTask(ctx context.Context, taskID string, planned []models.PlannedSubtask, note string) ([]models.Subtask, error)
	// GetSubtask returns a NotFound error if the subtask does not exist.
	GetSubtask(ctx context.Context, id string) (*models.Subtask, error)
	// ListSubtasks returns a task's subtasks in planning order.
	ListSubtasks(ctx context.Context, taskID string) ([]models.Subtask, error)
	// CountPendingSubtasks returns how many of a task's subtasks are PENDING.
	CountPendingSubtasks(ctx context.Context, taskID string) (int, error)
	// ClaimSubtask takes the processing lease on a PENDING subtask. It fails
	// with Conflict if the subtask is resolved or another claim is live.
	ClaimSubtask(ctx context.Context, id, claim string, until time.Time) error
	// ResolveSubtask writes a terminal outcome, conditioned on the subtask
	// still being PENDING. An already-resolved subtask returns Conflict.
	ResolveSubtask(ctx context.Context, id string, res Resolution) error
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate(ctx context.Context) error
}

// Purger removes finished tasks older than a cutoff.
type Purger interface {
	PurgeTasks(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Store defines the interface for state persistence.
// The coordination engine works with any backend that implements it.
type Store interface {
	io.Closer
	Migrator
	TaskStore
	SubtaskStore
}

// Compile-time verification that the backends implement all interfaces.
var (
	_ Store        = (*DB)(nil)
	_ TaskStore    = (*DB)(nil)
	_ SubtaskStore = (*DB)(nil)
	_ Purger       = (*DB)(nil)
	_ Store        = (*PostgresStore)(nil)
	_ Purger       = (*PostgresStore)(nil)
)
