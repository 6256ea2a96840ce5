package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"

	"github.com/ShayCichocki/foresight/internal/analyzer"
	"github.com/ShayCichocki/foresight/internal/capability"
	"github.com/ShayCichocki/foresight/internal/config"
	"github.com/ShayCichocki/foresight/internal/coordinator"
	"github.com/ShayCichocki/foresight/internal/dispatch"
	"github.com/ShayCichocki/foresight/internal/jobs"
	"github.com/ShayCichocki/foresight/internal/state"
	"github.com/ShayCichocki/foresight/internal/sweeper"
	"github.com/ShayCichocki/foresight/internal/worker"
)

// engine is the fully wired coordination engine for one process.
type engine struct {
	cfg         *config.Config
	store       state.Store
	queue       dispatch.Queue
	gateway     *capability.LLMGateway
	coordinator *coordinator.Coordinator
	router      *jobs.Router
	sweeper     *sweeper.Sweeper
}

type engineOptions struct {
	// memory forces the in-process queue regardless of broker.driver.
	memory bool
}

// loadConfig loads and validates the effective configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// openStore opens and migrates the configured backend without any call
// timeout applied.
func openStore(ctx context.Context, cfg *config.Config) (state.Store, error) {
	var store state.Store
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := state.OpenPostgres(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		store = pg
	default:
		db, err := state.OpenWithDriver(cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		store = db
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return store, nil
}

// newQueue builds the configured dispatcher and connects it.
func newQueue(ctx context.Context, cfg *config.Config, opts engineOptions) (dispatch.Queue, error) {
	var q dispatch.Queue
	if opts.memory || cfg.Broker.Driver == "memory" {
		q = dispatch.NewMemoryQueue(0)
	} else {
		host, _ := os.Hostname()
		q = dispatch.NewRedisQueue(dispatch.RedisConfig{
			Address:    cfg.Broker.Address,
			Password:   cfg.Broker.Password,
			DB:         cfg.Broker.DB,
			Queue:      cfg.Broker.Queue,
			ConsumerID: host,
		})
	}
	if err := q.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect dispatcher: %w", err)
	}
	return q, nil
}

// newEngine wires store, dispatcher, providers and handlers.
func newEngine(ctx context.Context, cfg *config.Config, opts engineOptions) (*engine, error) {
	gateway, err := newGateway(cfg)
	if err != nil {
		return nil, err
	}

	raw, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store := state.WithTimeout(raw, cfg.Timeouts.Store)

	queue, err := newQueue(ctx, cfg, opts)
	if err != nil {
		store.Close()
		return nil, err
	}

	policy := cfg.RetryPolicy()
	host, _ := os.Hostname()
	id := host + "-" + uuid.New().String()[:8]

	coord := coordinator.New(store, gateway, queue, coordinator.Config{
		MaxSubtasks: cfg.Coordinator.MaxSubtasks,
		Retry:       policy,
	})
	w := worker.New(store, gateway, queue, worker.Config{Retry: policy, Lease: cfg.Worker.Lease, ID: id})
	a := analyzer.New(store, gateway, analyzer.Config{Retry: policy, Lease: cfg.Worker.Lease, ID: id})

	return &engine{
		cfg:         cfg,
		store:       store,
		queue:       queue,
		gateway:     gateway,
		coordinator: coord,
		router:      jobs.NewRouter(coord, w, a),
		sweeper: sweeper.New(store, queue, sweeper.Config{
			Schedule:   cfg.Sweeper.Schedule,
			StaleAfter: cfg.Sweeper.StaleAfter,
		}),
	}, nil
}

// consume runs job consumers until ctx is done. The returned channel is
// closed once every in-flight job has finished.
func (e *engine) consume(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := e.queue.Consume(ctx, e.cfg.Worker.Concurrency, e.router.Handle); err != nil && ctx.Err() == nil {
			log.Printf("[dispatch] consumer stopped: %v", err)
		}
	}()
	return done
}

// setMaxSubtasks applies a new plan size limit to planning and validation.
func (e *engine) setMaxSubtasks(n int) {
	e.coordinator.SetMaxSubtasks(n)
	e.gateway.SetMaxSubtasks(n)
}

func (e *engine) Close() {
	e.sweeper.Stop()
	if err := e.queue.Close(); err != nil {
		log.Printf("[dispatch] close: %v", err)
	}
	if err := e.store.Close(); err != nil {
		log.Printf("[state] close: %v", err)
	}
}
