package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/foresight/internal/dispatch"
	"github.com/ShayCichocki/foresight/pkg/models"
)

var (
	askTimeout time.Duration
	askJSON    bool
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Assess a question in-process and print the result",
	Long: `Plan, research and synthesize a single question without a server.

Jobs run on an in-process queue regardless of broker.driver; the task is
still stored so 'foresight status' can show it later.

Examples:
  foresight ask "Will the Fed cut rates at the next FOMC meeting?"
  foresight ask --json "Will Brent close above $90 this quarter?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().DurationVar(&askTimeout, "timeout", 15*time.Minute, "Give up after this long")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "Print the task and subtasks as JSON")
}

func runAsk(cmd *cobra.Command, args []string) error {
	question := strings.Join(args, " ")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, askTimeout)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	eng, err := newEngine(ctx, cfg, engineOptions{memory: true})
	if err != nil {
		return err
	}
	defer eng.Close()

	consumeCtx, stopConsumers := context.WithCancel(ctx)
	done := eng.consume(consumeCtx)
	defer func() {
		stopConsumers()
		<-done
	}()

	id, err := eng.coordinator.Coordinate(ctx, question)
	if err != nil {
		return fmt.Errorf("coordinate: %w", err)
	}
	if !askJSON {
		fmt.Printf("%s task %s\n", color.CyanString("→"), id)
	}

	if q, ok := eng.queue.(*dispatch.MemoryQueue); ok {
		if err := q.WaitIdle(ctx); err != nil {
			return fmt.Errorf("task %s did not finish: %w", id, err)
		}
	}

	task, err := eng.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	subtasks, err := eng.store.ListSubtasks(ctx, id)
	if err != nil {
		return err
	}

	if askJSON {
		return printJSON(taskJSON{Task: task, Subtasks: subtasks})
	}
	printTask(task, subtasks, true)
	if !task.Status.Terminal() {
		return fmt.Errorf("task %s stopped in %s; run 'foresight status %s' later", id, task.Status, id)
	}
	return nil
}

// taskJSON is the --json shape, matching GET /tasks/{id}.
type taskJSON struct {
	*models.Task
	Subtasks []models.Subtask `json:"subtasks"`
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
