package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/foresight/internal/config"
	"github.com/ShayCichocki/foresight/internal/server"
	"github.com/ShayCichocki/foresight/internal/version"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API with in-process workers",
	Long: `Start the HTTP API, job consumers and the stale task sweeper.

Endpoints:
  POST /tasks                   create and coordinate a task
  GET  /tasks                   list recent tasks
  GET  /tasks/{id}              task with subtasks
  POST /tasks/{id}/coordinate   re-run coordination for a task
  GET  /healthz                 liveness

Changes to coordinator.max_subtasks in the config file apply without a restart.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	eng, err := newEngine(ctx, cfg, engineOptions{})
	if err != nil {
		return err
	}
	defer eng.Close()

	consumersDone := eng.consume(ctx)
	if err := eng.sweeper.Start(ctx); err != nil {
		return err
	}
	watchMaxSubtasks(eng)

	srv := server.New(cfg.Server.Addr, eng.coordinator, eng.store, version.Get())
	serveErr := srv.ListenAndServe(ctx)
	stop()

	<-consumersDone
	if serveErr != nil {
		return fmt.Errorf("serve: %w", serveErr)
	}
	return nil
}

// watchMaxSubtasks applies config file changes to the plan size limit.
func watchMaxSubtasks(eng *engine) {
	path, err := config.Watch(func(next *config.Config) {
		n := next.Coordinator.MaxSubtasks
		if n <= 0 || n == eng.coordinator.MaxSubtasks() {
			return
		}
		eng.setMaxSubtasks(n)
		log.Printf("[config] coordinator.max_subtasks is now %d", n)
	})
	switch {
	case err != nil:
		log.Printf("[config] not watching config: %v", err)
	case path != "":
		log.Printf("[config] watching %s", path)
	}
}
