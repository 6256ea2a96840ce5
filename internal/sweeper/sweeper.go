// Package sweeper periodically re-enqueues coordination for tasks that have
// stopped making progress, repairing lost jobs and expired leases.
package sweeper

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ShayCichocki/foresight/internal/dispatch"
	"github.com/ShayCichocki/foresight/pkg/models"
)

// Defaults applied when Config fields are zero.
const (
	DefaultSchedule   = "@every 1m"
	DefaultStaleAfter = 10 * time.Minute
)

// StaleLister finds non-terminal tasks that have not changed since before.
type StaleLister interface {
	ListStaleTasks(ctx context.Context, before time.Time) ([]models.Task, error)
}

// Config holds sweeper settings.
type Config struct {
	// Schedule is a cron spec or descriptor such as "@every 1m".
	Schedule string
	// StaleAfter is how long a task may go without an update before it
	// is recoordinated.
	StaleAfter time.Duration
}

// Sweeper enqueues coordinate jobs for stale tasks on a schedule.
type Sweeper struct {
	store      StaleLister
	dispatcher dispatch.Dispatcher
	schedule   string
	staleAfter time.Duration
	now        func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// New creates a Sweeper.
func New(store StaleLister, dispatcher dispatch.Dispatcher, cfg Config) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	return &Sweeper{
		store:      store,
		dispatcher: dispatcher,
		schedule:   cfg.Schedule,
		staleAfter: cfg.StaleAfter,
		now:        time.Now,
	}
}

// Sweep enqueues a coordinate job for every stale task and returns how many
// were enqueued.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	tasks, err := s.store.ListStaleTasks(ctx, s.now().Add(-s.staleAfter))
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}

	n := 0
	for _, t := range tasks {
		if err := s.dispatcher.Enqueue(ctx, models.CoordinateJob(t.ID)); err != nil {
			return n, fmt.Errorf("sweep: enqueue %s: %w", t.ID, err)
		}
		n++
	}
	if n > 0 {
		log.Printf("[sweeper] re-enqueued coordination for %d stale tasks", n)
	}
	return n, nil
}

// Start runs Sweep on the schedule until Stop is called or ctx is done.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("sweeper already started")
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(s.schedule, func() {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[sweeper] %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweeper schedule %q: %w", s.schedule, err)
	}
	s.cron = c
	c.Start()
	log.Printf("[sweeper] started (%s, stale after %s)", s.schedule, s.staleAfter)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the schedule and waits briefly for a running sweep.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		log.Printf("[sweeper] stop timeout waiting for running sweep")
	}
	log.Printf("[sweeper] stopped")
}
