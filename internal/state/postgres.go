package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ShayCichocki/foresight/internal/failure"
	"github.com/ShayCichocki/foresight/pkg/models"
)

// PostgresStore implements Store backed by Postgres. Use it when workers
// run on more than one host.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// OpenPostgres connects to Postgres using a pgx connection string.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgresStore(pool), nil
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate creates the tasks and subtasks tables if they don't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
    id                   TEXT PRIMARY KEY,
    question             TEXT NOT NULL,
    status               TEXT NOT NULL DEFAULT 'OPEN',
    analysis             JSONB,
    error                TEXT NOT NULL DEFAULT '',
    analysis_claim       TEXT NOT NULL DEFAULT '',
    analysis_lease_until TIMESTAMPTZ,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, updated_at)`,
		`CREATE TABLE IF NOT EXISTS subtasks (
    id           TEXT PRIMARY KEY,
    task_id      TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    position     INTEGER NOT NULL,
    external_ref TEXT NOT NULL DEFAULT '',
    description  TEXT NOT NULL,
    agent_role   TEXT NOT NULL DEFAULT '',
    priority     TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL DEFAULT 'PENDING',
    findings     TEXT NOT NULL DEFAULT '',
    sources      JSONB NOT NULL DEFAULT '[]',
    error        TEXT NOT NULL DEFAULT '',
    attempts     INTEGER NOT NULL DEFAULT 0,
    claimed_by   TEXT NOT NULL DEFAULT '',
    lease_until  TIMESTAMPTZ,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_subtasks_task_status ON subtasks(task_id, status)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
	}
	return nil
}

const pgTaskColumns = `id, question, status, analysis::text, error, analysis_claim, analysis_lease_until, created_at, updated_at`

const pgSubtaskColumns = `id, task_id, external_ref, description, agent_role, priority, status, findings, sources::text, error, attempts, claimed_by, lease_until, created_at, updated_at`

// CreateTask creates a new OPEN task.
func (s *PostgresStore) CreateTask(ctx context.Context, question string) (*models.Task, error) {
	now := s.now().UTC()
	t := &models.Task{
		ID:        uuid.New().String(),
		Question:  question,
		Status:    models.TaskStatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, question, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)
	`, t.ID, t.Question, string(t.Status), now)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return t, nil
}

// GetTask retrieves a task by ID.
func (s *PostgresStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgTaskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanPgTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, failure.NotFoundf("get task", "task %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks lists tasks, newest first.
func (s *PostgresStore) ListTasks(ctx context.Context, limit int) ([]models.Task, error) {
	query := `SELECT ` + pgTaskColumns + ` FROM tasks ORDER BY created_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return collectPgTasks(rows)
}

// ListStaleTasks returns non-terminal tasks not updated since before.
func (s *PostgresStore) ListStaleTasks(ctx context.Context, before time.Time) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgTaskColumns+` FROM tasks
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at
	`, []string{string(models.TaskStatusOpen), string(models.TaskStatusActive), string(models.TaskStatusAnalyzing)}, before)
	if err != nil {
		return nil, fmt.Errorf("list stale tasks: %w", err)
	}
	return collectPgTasks(rows)
}

// PurgeTasks deletes terminal tasks created before the cutoff.
func (s *PostgresStore) PurgeTasks(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM tasks WHERE status IN ($1, $2) AND created_at < $3
	`, string(models.TaskStatusCompleted), string(models.TaskStatusFailed), s.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// TransitionTask performs a compare-and-set on the task status.
func (s *PostgresStore) TransitionTask(ctx context.Context, id string, from, to models.TaskStatus, errMsg string) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("transition task %s: illegal transition %s -> %s", id, from, to)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $1, error = CASE WHEN $2 = '' THEN error ELSE $2 END, updated_at = $3
		WHERE id = $4 AND status = $5
	`, string(to), errMsg, s.now(), id, string(from))
	if err != nil {
		return fmt.Errorf("transition task: %w", err)
	}
	return s.checkTaskCAS(ctx, tag, id, fmt.Sprintf("task %s is no longer %s", id, from))
}

// ClaimAnalysis takes the analyzer lease on an ANALYZING task.
func (s *PostgresStore) ClaimAnalysis(ctx context.Context, id, claim string, until time.Time) error {
	now := s.now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET analysis_claim = $1, analysis_lease_until = $2, updated_at = $3
		WHERE id = $4 AND status = $5
			AND (analysis_claim = '' OR analysis_claim = $1 OR analysis_lease_until IS NULL OR analysis_lease_until < $3)
	`, claim, until, now, id, string(models.TaskStatusAnalyzing))
	if err != nil {
		return fmt.Errorf("claim analysis: %w", err)
	}
	return s.checkTaskCAS(ctx, tag, id, fmt.Sprintf("analysis of task %s is claimed or not pending", id))
}

// CompleteTask stores the analysis and moves the task to COMPLETED.
func (s *PostgresStore) CompleteTask(ctx context.Context, id string, analysis models.Analysis) error {
	data, err := json.Marshal(analysis)
	if err != nil {
		return fmt.Errorf("marshal analysis: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $1, analysis = $2::jsonb, analysis_claim = '', analysis_lease_until = NULL, updated_at = $3
		WHERE id = $4 AND status = $5 AND analysis IS NULL
	`, string(models.TaskStatusCompleted), string(data), s.now(), id, string(models.TaskStatusAnalyzing))
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return s.checkTaskCAS(ctx, tag, id, fmt.Sprintf("task %s is no longer analyzing", id))
}

// ActivateTask creates all planned subtasks and moves the task to ACTIVE
// in a single transaction.
func (s *PostgresStore) ActivateTask(ctx context.Context, taskID string, planned []models.PlannedSubtask, note string) ([]models.Subtask, error) {
	now := s.now().UTC()
	subtasks := make([]models.Subtask, 0, len(planned))

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE tasks SET status = $1, error = $2, updated_at = $3 WHERE id = $4 AND status = $5
		`, string(models.TaskStatusActive), note, now, taskID, string(models.TaskStatusOpen))
		if err != nil {
			return fmt.Errorf("activate task: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM tasks WHERE id = $1)`, taskID).Scan(&exists); err != nil {
				return fmt.Errorf("check task: %w", err)
			}
			if !exists {
				return failure.NotFoundf("activate task", "task %s not found", taskID)
			}
			return failure.Conflictf("activate task", "task %s is no longer open", taskID)
		}

		for i, p := range planned {
			st := newSubtask(taskID, i, p, now)
			_, err := tx.Exec(ctx, `
				INSERT INTO subtasks (id, task_id, position, external_ref, description, agent_role, priority, status, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
			`, st.ID, st.TaskID, i, st.ExternalRef, st.Description, st.AgentRole, st.Priority, string(st.Status), now)
			if err != nil {
				return fmt.Errorf("create subtask %d: %w", i, err)
			}
			subtasks = append(subtasks, st)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return subtasks, nil
}

// GetSubtask retrieves a subtask by ID.
func (s *PostgresStore) GetSubtask(ctx context.Context, id string) (*models.Subtask, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgSubtaskColumns+` FROM subtasks WHERE id = $1`, id)
	st, err := scanPgSubtask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, failure.NotFoundf("get subtask", "subtask %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get subtask: %w", err)
	}
	return st, nil
}

// ListSubtasks lists a task's subtasks in planning order.
func (s *PostgresStore) ListSubtasks(ctx context.Context, taskID string) ([]models.Subtask, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgSubtaskColumns+` FROM subtasks WHERE task_id = $1 ORDER BY position`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list subtasks: %w", err)
	}
	defer rows.Close()

	var subtasks []models.Subtask
	for rows.Next() {
		st, err := scanPgSubtask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subtask: %w", err)
		}
		subtasks = append(subtasks, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subtasks: %w", err)
	}
	return subtasks, nil
}

// CountPendingSubtasks counts a task's PENDING subtasks.
func (s *PostgresStore) CountPendingSubtasks(ctx context.Context, taskID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM subtasks WHERE task_id = $1 AND status = $2`,
		taskID, string(models.SubtaskStatusPending)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending subtasks: %w", err)
	}
	return count, nil
}

// ClaimSubtask takes the processing lease on a PENDING subtask.
func (s *PostgresStore) ClaimSubtask(ctx context.Context, id, claim string, until time.Time) error {
	now := s.now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE subtasks SET claimed_by = $1, lease_until = $2, updated_at = $3
		WHERE id = $4 AND status = $5
			AND (claimed_by = '' OR claimed_by = $1 OR lease_until IS NULL OR lease_until < $3)
	`, claim, until, now, id, string(models.SubtaskStatusPending))
	if err != nil {
		return fmt.Errorf("claim subtask: %w", err)
	}
	return s.checkSubtaskCAS(ctx, tag, id, fmt.Sprintf("subtask %s is resolved or claimed", id))
}

// ResolveSubtask writes a terminal outcome if the subtask is still PENDING.
func (s *PostgresStore) ResolveSubtask(ctx context.Context, id string, res Resolution) error {
	if !res.Status.Terminal() {
		return fmt.Errorf("resolve subtask %s: %s is not a terminal status", id, res.Status)
	}
	sources := res.Sources
	if sources == nil {
		sources = []string{}
	}
	sourcesJSON, err := json.Marshal(sources)
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE subtasks SET status = $1, findings = $2, sources = $3::jsonb, error = $4, attempts = $5,
			claimed_by = '', lease_until = NULL, updated_at = $6
		WHERE id = $7 AND status = $8
	`, string(res.Status), res.Findings, string(sourcesJSON), res.Error, res.Attempts, s.now(), id, string(models.SubtaskStatusPending))
	if err != nil {
		return fmt.Errorf("resolve subtask: %w", err)
	}
	return s.checkSubtaskCAS(ctx, tag, id, fmt.Sprintf("subtask %s already resolved", id))
}

func (s *PostgresStore) checkTaskCAS(ctx context.Context, tag pgconn.CommandTag, id, conflictMsg string) error {
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetTask(ctx, id); err != nil {
		return err
	}
	return failure.Conflictf("update task", "%s", conflictMsg)
}

func (s *PostgresStore) checkSubtaskCAS(ctx context.Context, tag pgconn.CommandTag, id, conflictMsg string) error {
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetSubtask(ctx, id); err != nil {
		return err
	}
	return failure.Conflictf("update subtask", "%s", conflictMsg)
}

func scanPgTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	var analysis *string
	if err := row.Scan(&t.ID, &t.Question, &t.Status, &analysis, &t.Error, &t.AnalysisClaim,
		&t.AnalysisLeaseUntil, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if analysis != nil {
		var a models.Analysis
		if err := json.Unmarshal([]byte(*analysis), &a); err != nil {
			return nil, fmt.Errorf("decode analysis for task %s: %w", t.ID, err)
		}
		t.Analysis = &a
	}
	return &t, nil
}

func collectPgTasks(rows pgx.Rows) ([]models.Task, error) {
	defer rows.Close()
	var tasks []models.Task
	for rows.Next() {
		t, err := scanPgTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

func scanPgSubtask(row pgx.Row) (*models.Subtask, error) {
	var st models.Subtask
	var sources string
	if err := row.Scan(&st.ID, &st.TaskID, &st.ExternalRef, &st.Description, &st.AgentRole, &st.Priority, &st.Status,
		&st.Findings, &sources, &st.Error, &st.Attempts, &st.ClaimedBy, &st.LeaseUntil, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(sources), &st.Sources); err != nil || st.Sources == nil {
		st.Sources = []string{}
	}
	return &st, nil
}
