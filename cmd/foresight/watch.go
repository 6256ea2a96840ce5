package main

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/foresight/internal/tui"
	"github.com/ShayCichocki/foresight/pkg/models"
)

var watchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch <task-id>",
	Short: "Follow a task until it finishes",
	Long: `Poll a task and redraw its progress until it reaches COMPLETED or FAILED.
Press q to stop watching; the task keeps running.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 500*time.Millisecond, "Poll interval")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	id := args[0]
	if _, err := store.GetTask(ctx, id); err != nil {
		return err
	}

	load := func(ctx context.Context) (*models.Task, []models.Subtask, error) {
		task, err := store.GetTask(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		subtasks, err := store.ListSubtasks(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		return task, subtasks, nil
	}

	final, err := tea.NewProgram(tui.NewTaskView(load, watchInterval), tea.WithContext(ctx)).Run()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	view, ok := final.(tui.TaskView)
	if !ok {
		return nil
	}
	if err := view.Err(); err != nil {
		return err
	}
	if task := view.Task(); task != nil && task.Status.Terminal() {
		task, subtasks, err := load(ctx)
		if err != nil {
			return err
		}
		printTask(task, subtasks, false)
	}
	return nil
}
