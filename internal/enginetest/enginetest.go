// Package enginetest provides fakes shared by the coordination engine's tests.
package enginetest

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ShayCichocki/foresight/internal/state"
	"github.com/ShayCichocki/foresight/pkg/models"
)

// OpenStore returns a migrated SQLite store in a temp directory.
func OpenStore(t *testing.T) *state.DB {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// Gateway is a capability gateway whose behavior is set per test. Nil
// funcs return zero values. Calls are counted.
type Gateway struct {
	PlanFunc       func(ctx context.Context, question string, existing []models.Subtask) ([]models.PlannedSubtask, error)
	ResearchFunc   func(ctx context.Context, question, description string) (models.Research, error)
	SynthesizeFunc func(ctx context.Context, question string, input models.SynthesisInput) (models.Analysis, error)

	PlanCalls       atomic.Int32
	ResearchCalls   atomic.Int32
	SynthesizeCalls atomic.Int32
}

func (g *Gateway) Plan(ctx context.Context, question string, existing []models.Subtask) ([]models.PlannedSubtask, error) {
	g.PlanCalls.Add(1)
	if g.PlanFunc == nil {
		return nil, nil
	}
	return g.PlanFunc(ctx, question, existing)
}

func (g *Gateway) Research(ctx context.Context, question, description string) (models.Research, error) {
	g.ResearchCalls.Add(1)
	if g.ResearchFunc == nil {
		return models.Research{Findings: "findings for " + description, Sources: []string{}}, nil
	}
	return g.ResearchFunc(ctx, question, description)
}

func (g *Gateway) Synthesize(ctx context.Context, question string, input models.SynthesisInput) (models.Analysis, error) {
	g.SynthesizeCalls.Add(1)
	if g.SynthesizeFunc == nil {
		return models.Analysis{Overview: "ok", OverallScore: 50, Themes: []models.Theme{}}, nil
	}
	return g.SynthesizeFunc(ctx, question, input)
}

// PlanOf returns planned subtasks with the given descriptions.
func PlanOf(descriptions ...string) []models.PlannedSubtask {
	planned := make([]models.PlannedSubtask, len(descriptions))
	for i, d := range descriptions {
		planned[i] = models.PlannedSubtask{Description: d, AgentRole: "Data Gathering Agent", Priority: "High"}
	}
	return planned
}

// Dispatcher records enqueued jobs without running them.
type Dispatcher struct {
	mu   sync.Mutex
	jobs []models.Job
	Err  error
}

func (d *Dispatcher) Connect(ctx context.Context) error { return nil }
func (d *Dispatcher) Close() error                      { return nil }

func (d *Dispatcher) Enqueue(ctx context.Context, job models.Job) error {
	if d.Err != nil {
		return d.Err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
	return nil
}

// Jobs returns a copy of everything enqueued so far.
func (d *Dispatcher) Jobs() []models.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.Job(nil), d.jobs...)
}

// Count returns how many jobs of kind were enqueued.
func (d *Dispatcher) Count(kind models.JobKind) int {
	n := 0
	for _, j := range d.Jobs() {
		if j.Kind == kind {
			n++
		}
	}
	return n
}
