// Package capability is the boundary between the coordination engine and the
// language models that plan, research and synthesize. The engine only sees
// the Gateway interface and failure kinds.
package capability

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/ShayCichocki/foresight/internal/failure"
	"github.com/ShayCichocki/foresight/internal/llm"
	"github.com/ShayCichocki/foresight/pkg/models"
)

// Gateway performs the three model-backed capabilities.
type Gateway interface {
	// Plan returns new subtasks for question given the ones that already
	// exist. An empty result means no further work is needed.
	Plan(ctx context.Context, question string, existing []models.Subtask) ([]models.PlannedSubtask, error)
	// Research gathers findings for one subtask.
	Research(ctx context.Context, question, description string) (models.Research, error)
	// Synthesize produces the probability assessment.
	Synthesize(ctx context.Context, question string, input models.SynthesisInput) (models.Analysis, error)
}

// DefaultMaxSubtasks is the plan size advertised to the planner.
const DefaultMaxSubtasks = 10

// LLMGateway implements Gateway with one Completer per capability.
type LLMGateway struct {
	planner     llm.Completer
	researcher  llm.Completer
	synthesizer llm.Completer
	maxSubtasks atomic.Int64
}

// NewLLMGateway creates a gateway. maxSubtasks <= 0 uses DefaultMaxSubtasks.
func NewLLMGateway(planner, researcher, synthesizer llm.Completer, maxSubtasks int) *LLMGateway {
	g := &LLMGateway{
		planner:     planner,
		researcher:  researcher,
		synthesizer: synthesizer,
	}
	g.SetMaxSubtasks(maxSubtasks)
	return g
}

// SetMaxSubtasks changes the plan size requested from the planner.
func (g *LLMGateway) SetMaxSubtasks(n int) {
	if n <= 0 {
		n = DefaultMaxSubtasks
	}
	g.maxSubtasks.Store(int64(n))
}

// Plan asks the planner for subtasks and validates their shape.
func (g *LLMGateway) Plan(ctx context.Context, question string, existing []models.Subtask) ([]models.PlannedSubtask, error) {
	completion, err := g.planner.Complete(ctx, plannerSystem, planPrompt(question, existing, int(g.maxSubtasks.Load())))
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	return ParsePlan(completion.Text)
}

// Research asks the researcher about one subtask. Provider citations are
// preferred; otherwise URLs quoted in the findings are used as sources.
func (g *LLMGateway) Research(ctx context.Context, question, description string) (models.Research, error) {
	completion, err := g.researcher.Complete(ctx, researcherSystem, researchPrompt(question, description))
	if err != nil {
		return models.Research{}, fmt.Errorf("research: %w", err)
	}

	findings := strings.TrimSpace(completion.Text)
	if findings == "" {
		return models.Research{}, failure.Validationf("research", "empty findings")
	}
	sources := completion.Citations
	if len(sources) == 0 {
		sources = extractURLs(findings)
	}
	if sources == nil {
		sources = []string{}
	}
	return models.Research{Findings: findings, Sources: sources}, nil
}

// Synthesize asks the synthesizer for the final assessment and validates
// every score.
func (g *LLMGateway) Synthesize(ctx context.Context, question string, input models.SynthesisInput) (models.Analysis, error) {
	completion, err := g.synthesizer.Complete(ctx, synthesizerSystem, synthesisPrompt(question, input))
	if err != nil {
		return models.Analysis{}, fmt.Errorf("synthesize: %w", err)
	}
	return ParseAnalysis(completion.Text)
}
