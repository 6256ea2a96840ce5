package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/foresight/internal/failure"
	"github.com/ShayCichocki/foresight/pkg/models"
)

const taskColumns = `id, question, status, analysis, error, analysis_claim, analysis_lease_until, created_at, updated_at`

// Task operations

// CreateTask creates a new OPEN task.
func (db *DB) CreateTask(ctx context.Context, question string) (*models.Task, error) {
	now := db.now().UTC()
	t := &models.Task{
		ID:        uuid.New().String(),
		Question:  question,
		Status:    models.TaskStatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := db.Exec(ctx, `
		INSERT INTO tasks (id, question, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, t.ID, t.Question, string(t.Status), formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return t, nil
}

// GetTask retrieves a task by ID.
func (db *DB) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)

	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, failure.NotFoundf("get task", "task %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks lists tasks, newest first.
func (db *DB) ListTasks(ctx context.Context, limit int) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// TransitionTask performs a compare-and-set on the task status.
func (db *DB) TransitionTask(ctx context.Context, id string, from, to models.TaskStatus, errMsg string) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("transition task %s: illegal transition %s -> %s", id, from, to)
	}

	result, err := db.Exec(ctx, `
		UPDATE tasks SET status = ?, error = CASE WHEN ? = '' THEN error ELSE ? END, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(to), errMsg, errMsg, formatTime(db.now()), id, string(from))
	if err != nil {
		return fmt.Errorf("transition task: %w", err)
	}
	return db.checkTaskCAS(ctx, result, id, fmt.Sprintf("task %s is no longer %s", id, from))
}

// ClaimAnalysis takes the analyzer lease on an ANALYZING task.
func (db *DB) ClaimAnalysis(ctx context.Context, id, claim string, until time.Time) error {
	now := db.now()
	result, err := db.Exec(ctx, `
		UPDATE tasks SET analysis_claim = ?, analysis_lease_until = ?, updated_at = ?
		WHERE id = ? AND status = ?
			AND (analysis_claim = '' OR analysis_claim = ? OR analysis_lease_until IS NULL OR analysis_lease_until < ?)
	`, claim, formatTime(until), formatTime(now), id, string(models.TaskStatusAnalyzing), claim, formatTime(now))
	if err != nil {
		return fmt.Errorf("claim analysis: %w", err)
	}
	return db.checkTaskCAS(ctx, result, id, fmt.Sprintf("analysis of task %s is claimed or not pending", id))
}

// CompleteTask stores the analysis and moves the task to COMPLETED.
func (db *DB) CompleteTask(ctx context.Context, id string, analysis models.Analysis) error {
	data, err := json.Marshal(analysis)
	if err != nil {
		return fmt.Errorf("marshal analysis: %w", err)
	}

	result, err := db.Exec(ctx, `
		UPDATE tasks SET status = ?, analysis = ?, analysis_claim = '', analysis_lease_until = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND analysis IS NULL
	`, string(models.TaskStatusCompleted), string(data), formatTime(db.now()), id, string(models.TaskStatusAnalyzing))
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return db.checkTaskCAS(ctx, result, id, fmt.Sprintf("task %s is no longer analyzing", id))
}

// checkTaskCAS turns a zero-row conditional update into NotFound or Conflict.
func (db *DB) checkTaskCAS(ctx context.Context, result sql.Result, id, conflictMsg string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := db.GetTask(ctx, id); err != nil {
		return err
	}
	return failure.Conflictf("update task", "%s", conflictMsg)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanTask scans a single task row.
func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	var analysis, leaseUntil sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&t.ID, &t.Question, &t.Status, &analysis, &t.Error, &t.AnalysisClaim, &leaseUntil, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if analysis.Valid && analysis.String != "" {
		var a models.Analysis
		if err := json.Unmarshal([]byte(analysis.String), &a); err != nil {
			return nil, fmt.Errorf("decode analysis for task %s: %w", t.ID, err)
		}
		t.Analysis = &a
	}
	t.AnalysisLeaseUntil = parseNullableTime(leaseUntil)
	t.CreatedAt, _ = parseTime(createdAt)
	t.UpdatedAt, _ = parseTime(updatedAt)
	return &t, nil
}

// scanTasks scans task rows into a slice.
func scanTasks(rows *sql.Rows) ([]models.Task, error) {
	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
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
