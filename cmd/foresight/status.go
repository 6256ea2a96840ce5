package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/foresight/pkg/models"
)

var (
	statusLimit int
	statusJSON  bool
)

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show a task or the most recent tasks",
	Long: `Without arguments, list the most recent tasks.
With a task ID, show the task, each subtask and the assessment if ready.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 20, "Number of tasks to list")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	if len(args) == 0 {
		tasks, err := store.ListTasks(ctx, statusLimit)
		if err != nil {
			return err
		}
		if statusJSON {
			return printJSON(tasks)
		}
		if len(tasks) == 0 {
			fmt.Println("No tasks yet. Run 'foresight ask <question>' to start one.")
			return nil
		}
		for _, t := range tasks {
			fmt.Printf("%s  %s  %s  %s\n",
				t.ID,
				statusColor(t.Status).Sprintf("%-9s", t.Status),
				t.CreatedAt.Local().Format(time.DateTime),
				truncate(t.Question, 60))
		}
		return nil
	}

	task, err := store.GetTask(ctx, args[0])
	if err != nil {
		return err
	}
	subtasks, err := store.ListSubtasks(ctx, task.ID)
	if err != nil {
		return err
	}
	if statusJSON {
		return printJSON(taskJSON{Task: task, Subtasks: subtasks})
	}
	printTask(task, subtasks, false)
	return nil
}

// printTask renders a task for the terminal. Findings are shown only when
// verbose is set.
func printTask(task *models.Task, subtasks []models.Subtask, verbose bool) {
	bold := color.New(color.Bold)
	fmt.Println()
	bold.Println(task.Question)
	fmt.Printf("%s %s   %s %s\n",
		color.HiBlackString("status:"), statusColor(task.Status).Sprint(task.Status),
		color.HiBlackString("updated:"), task.UpdatedAt.Local().Format(time.DateTime))
	if task.Error != "" {
		label := "note:"
		if task.Status == models.TaskStatusFailed {
			label = "error:"
		}
		fmt.Printf("%s %s\n", color.YellowString(label), task.Error)
	}

	if len(subtasks) > 0 {
		fmt.Println()
		bold.Printf("Subtasks (%d)\n", len(subtasks))
		for _, s := range subtasks {
			fmt.Printf("  %s %s %s\n", subtaskSymbol(s.Status), color.HiBlackString(s.ExternalRef), s.Description)
			if s.Error != "" {
				fmt.Printf("      %s\n", color.RedString(s.Error))
			}
			if verbose && s.Findings != "" {
				fmt.Printf("      %s\n", truncate(strings.ReplaceAll(s.Findings, "\n", " "), 160))
			}
		}
	}

	if a := task.Analysis; a != nil {
		fmt.Println()
		bold.Printf("Overall probability: ")
		scoreColor(a.OverallScore).Printf("%d/100\n", a.OverallScore)
		fmt.Println(a.Overview)
		for _, th := range a.Themes {
			fmt.Printf("  %s %s  %s\n", scoreColor(th.Score).Sprintf("%3d", th.Score), bold.Sprint(th.Name), th.Rationale)
		}
		if a.KeyInsights != "" {
			fmt.Println()
			bold.Println("Key insights")
			fmt.Println(a.KeyInsights)
		}
	}
	fmt.Println()
}

func statusColor(status models.TaskStatus) *color.Color {
	switch status {
	case models.TaskStatusCompleted:
		return color.New(color.FgGreen)
	case models.TaskStatusFailed:
		return color.New(color.FgRed)
	case models.TaskStatusAnalyzing:
		return color.New(color.FgCyan)
	case models.TaskStatusActive:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgHiBlack)
	}
}

func subtaskSymbol(status models.SubtaskStatus) string {
	switch status {
	case models.SubtaskStatusCompleted:
		return color.GreenString("✓")
	case models.SubtaskStatusFailed:
		return color.RedString("✗")
	default:
		return color.HiBlackString("○")
	}
}

func scoreColor(score int) *color.Color {
	switch {
	case score >= 70:
		return color.New(color.FgGreen, color.Bold)
	case score <= 30:
		return color.New(color.FgRed, color.Bold)
	default:
		return color.New(color.FgYellow, color.Bold)
	}
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
