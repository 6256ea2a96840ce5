package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/foresight/internal/state"
)

var (
	purgeOlderThan time.Duration
	purgeDryRun    bool
	purgeForce     bool
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete old finished tasks",
	Long: `Delete COMPLETED and FAILED tasks, and their subtasks, created before the cutoff.
Tasks still in progress are never deleted.

Examples:
  foresight purge                    # Tasks older than 30 days, with confirmation
  foresight purge --older-than 168h  # Tasks older than a week
  foresight purge --dry-run          # Show how many would be deleted`,
	Args: cobra.NoArgs,
	RunE: runPurge,
}

func init() {
	purgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 30*24*time.Hour, "Age cutoff")
	purgeCmd.Flags().BoolVar(&purgeDryRun, "dry-run", false, "Show what would be deleted without deleting")
	purgeCmd.Flags().BoolVarP(&purgeForce, "force", "f", false, "Skip confirmation prompt")
}

func runPurge(cmd *cobra.Command, args []string) error {
	if purgeOlderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}
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

	purger, ok := store.(state.Purger)
	if !ok {
		return fmt.Errorf("store driver %q does not support purge", cfg.Store.Driver)
	}

	tasks, err := store.ListTasks(ctx, 0)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-purgeOlderThan)
	count := 0
	for _, t := range tasks {
		if t.Status.Terminal() && t.CreatedAt.Before(cutoff) {
			count++
		}
	}
	if count == 0 {
		fmt.Printf("No finished tasks older than %s.\n", purgeOlderThan)
		return nil
	}

	if purgeDryRun {
		fmt.Printf("Dry run: would purge %d task(s) older than %s.\n", count, purgeOlderThan)
		return nil
	}

	if !purgeForce {
		fmt.Printf("Delete %d task(s) older than %s? [y/N] ", count, purgeOlderThan)
		response, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return fmt.Errorf("read confirmation: %w", err)
		}
		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			fmt.Println("Purge cancelled.")
			return nil
		}
	}

	purged, err := purger.PurgeTasks(ctx, purgeOlderThan)
	if err != nil {
		return fmt.Errorf("purge tasks: %w", err)
	}
	fmt.Printf("Purged %d task(s).\n", purged)
	return nil
}
