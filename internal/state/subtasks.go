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

const subtaskColumns = `id, task_id, external_ref, description, agent_role, priority, status, findings, sources, error, attempts, claimed_by, lease_until, created_at, updated_at`

// Subtask operations

// ActivateTask creates all planned subtasks and moves the task to ACTIVE
// in a single transaction.
func (db *DB) ActivateTask(ctx context.Context, taskID string, planned []models.PlannedSubtask, note string) ([]models.Subtask, error) {
	now := db.now().UTC()
	subtasks := make([]models.Subtask, 0, len(planned))

	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, error = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`, string(models.TaskStatusActive), note, formatTime(now), taskID, string(models.TaskStatusOpen))
		if err != nil {
			return fmt.Errorf("activate task: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if n == 0 {
			var exists int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id = ?`, taskID).Scan(&exists); err != nil {
				return fmt.Errorf("check task: %w", err)
			}
			if exists == 0 {
				return failure.NotFoundf("activate task", "task %s not found", taskID)
			}
			return failure.Conflictf("activate task", "task %s is no longer open", taskID)
		}

		for i, p := range planned {
			s := newSubtask(taskID, i, p, now)
			_, err := tx.ExecContext(ctx, `
				INSERT INTO subtasks (id, task_id, position, external_ref, description, agent_role, priority, status, sources, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, '[]', ?, ?)
			`, s.ID, s.TaskID, i, s.ExternalRef, s.Description, s.AgentRole, s.Priority, string(s.Status), formatTime(now), formatTime(now))
			if err != nil {
				return fmt.Errorf("create subtask %d: %w", i, err)
			}
			subtasks = append(subtasks, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return subtasks, nil
}

// newSubtask builds the PENDING subtask for the i-th planned entry.
func newSubtask(taskID string, i int, p models.PlannedSubtask, now time.Time) models.Subtask {
	ref := p.ExternalRef
	if ref == "" {
		ref = models.ExternalRefFor(i)
	}
	return models.Subtask{
		ID:          uuid.New().String(),
		TaskID:      taskID,
		ExternalRef: ref,
		Description: p.Description,
		AgentRole:   p.AgentRole,
		Priority:    p.Priority,
		Status:      models.SubtaskStatusPending,
		Sources:     []string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// GetSubtask retrieves a subtask by ID.
func (db *DB) GetSubtask(ctx context.Context, id string) (*models.Subtask, error) {
	row := db.QueryRow(ctx, `SELECT `+subtaskColumns+` FROM subtasks WHERE id = ?`, id)

	s, err := scanSubtask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, failure.NotFoundf("get subtask", "subtask %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get subtask: %w", err)
	}
	return s, nil
}

// ListSubtasks lists a task's subtasks in planning order.
func (db *DB) ListSubtasks(ctx context.Context, taskID string) ([]models.Subtask, error) {
	rows, err := db.Query(ctx, `
		SELECT `+subtaskColumns+` FROM subtasks WHERE task_id = ? ORDER BY position
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list subtasks: %w", err)
	}
	defer rows.Close()

	var subtasks []models.Subtask
	for rows.Next() {
		s, err := scanSubtask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subtask: %w", err)
		}
		subtasks = append(subtasks, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subtasks: %w", err)
	}
	return subtasks, nil
}

// CountPendingSubtasks counts a task's PENDING subtasks.
func (db *DB) CountPendingSubtasks(ctx context.Context, taskID string) (int, error) {
	var count int
	row := db.QueryRow(ctx, `
		SELECT COUNT(*) FROM subtasks WHERE task_id = ? AND status = ?
	`, taskID, string(models.SubtaskStatusPending))
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count pending subtasks: %w", err)
	}
	return count, nil
}

// ClaimSubtask takes the processing lease on a PENDING subtask.
func (db *DB) ClaimSubtask(ctx context.Context, id, claim string, until time.Time) error {
	now := db.now()
	result, err := db.Exec(ctx, `
		UPDATE subtasks SET claimed_by = ?, lease_until = ?, updated_at = ?
		WHERE id = ? AND status = ?
			AND (claimed_by = '' OR claimed_by = ? OR lease_until IS NULL OR lease_until < ?)
	`, claim, formatTime(until), formatTime(now), id, string(models.SubtaskStatusPending), claim, formatTime(now))
	if err != nil {
		return fmt.Errorf("claim subtask: %w", err)
	}
	return db.checkSubtaskCAS(ctx, result, id, fmt.Sprintf("subtask %s is resolved or claimed", id))
}

// ResolveSubtask writes a terminal outcome if the subtask is still PENDING.
func (db *DB) ResolveSubtask(ctx context.Context, id string, res Resolution) error {
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

	result, err := db.Exec(ctx, `
		UPDATE subtasks SET status = ?, findings = ?, sources = ?, error = ?, attempts = ?,
			claimed_by = '', lease_until = NULL, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(res.Status), res.Findings, string(sourcesJSON), res.Error, res.Attempts,
		formatTime(db.now()), id, string(models.SubtaskStatusPending))
	if err != nil {
		return fmt.Errorf("resolve subtask: %w", err)
	}
	return db.checkSubtaskCAS(ctx, result, id, fmt.Sprintf("subtask %s already resolved", id))
}

// checkSubtaskCAS turns a zero-row conditional update into NotFound or Conflict.
func (db *DB) checkSubtaskCAS(ctx context.Context, result sql.Result, id, conflictMsg string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := db.GetSubtask(ctx, id); err != nil {
		return err
	}
	return failure.Conflictf("update subtask", "%s", conflictMsg)
}

// scanSubtask scans a single subtask row.
func scanSubtask(row rowScanner) (*models.Subtask, error) {
	var s models.Subtask
	var sources string
	var leaseUntil sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&s.ID, &s.TaskID, &s.ExternalRef, &s.Description, &s.AgentRole, &s.Priority, &s.Status,
		&s.Findings, &sources, &s.Error, &s.Attempts, &s.ClaimedBy, &leaseUntil, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(sources), &s.Sources); err != nil || s.Sources == nil {
		s.Sources = []string{}
	}
	s.LeaseUntil = parseNullableTime(leaseUntil)
	s.CreatedAt, _ = parseTime(createdAt)
	s.UpdatedAt, _ = parseTime(updatedAt)
	return &s, nil
}
