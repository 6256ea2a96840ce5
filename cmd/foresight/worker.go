package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run job consumers and the sweeper without the HTTP API",
	Long: `Consume jobs from the configured broker until interrupted.

Use this with broker.driver: redis to add processing capacity on other
hosts. All workers must share the same store (store.driver: postgres).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Broker.Driver == "memory" {
			color.Yellow("⚠ broker.driver is memory: this worker only sees jobs it enqueues itself")
		}

		eng, err := newEngine(ctx, cfg, engineOptions{})
		if err != nil {
			return err
		}
		defer eng.Close()

		done := eng.consume(ctx)
		if err := eng.sweeper.Start(ctx); err != nil {
			return err
		}
		log.Printf("[worker] consuming with concurrency %d", cfg.Worker.Concurrency)

		<-ctx.Done()
		<-done
		return nil
	},
}
