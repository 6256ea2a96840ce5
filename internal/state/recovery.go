package state

import (
	"context"
	"fmt"
	"time"

	"github.com/ShayCichocki/foresight/pkg/models"
)

// ListStaleTasks returns non-terminal tasks whose last update is older than
// before. These are candidates for recoordination after lost jobs or a
// worker crash.
func (db *DB) ListStaleTasks(ctx context.Context, before time.Time) ([]models.Task, error) {
	rows, err := db.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status IN (?, ?, ?) AND updated_at < ?
		ORDER BY updated_at
	`, string(models.TaskStatusOpen), string(models.TaskStatusActive), string(models.TaskStatusAnalyzing), formatTime(before))
	if err != nil {
		return nil, fmt.Errorf("list stale tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// PurgeTasks deletes terminal tasks created before the cutoff, along with
// their subtasks. Returns the number of tasks deleted.
func (db *DB) PurgeTasks(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := formatTime(db.now().Add(-olderThan))

	result, err := db.Exec(ctx, `
		DELETE FROM tasks WHERE status IN (?, ?) AND created_at < ?
	`, string(models.TaskStatusCompleted), string(models.TaskStatusFailed), cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return count, nil
}
