package capability

import (
	"fmt"
	"strings"

	"github.com/ShayCichocki/foresight/pkg/models"
)

const plannerSystem = `You plan fact-finding work. You never speculate and you only answer with JSON.`

const researcherSystem = `You gather verifiable facts from credible sources and cite them. You do not forecast.`

const synthesizerSystem = `You weigh factual findings into a probability assessment and only answer with JSON.`

// planTemplate takes the question, the existing subtasks and the limit.
const planTemplate = `Break the central question below into independent research subtasks that together
build an evidence-based picture of how likely the event is.

Central question:
%s

Subtasks that already exist:
%s

Rules:
- Each subtask gathers verifiable information: historical data, official reports, documented patterns, known triggers.
- Subtasks must not overlap and must not depend on each other.
- Do not plan subtasks that rely on betting odds, polls of opinion or other forecasts.
- Quote the central question in each description so it stands on its own.
- If the existing subtasks already cover the question, return an empty list.
- Never return more than %d subtasks. If more would be needed, return an empty list.

Return ONLY JSON in this shape:
{
  "subtasks": [
    {"subtask_id": "Task-01", "description": "...", "agent_role": "Historical Analysis Agent", "priority": "High|Medium|Low"}
  ]
}`

// researchTemplate takes the question and the subtask description.
const researchTemplate = `Central question (context only):
%s

Your assignment:
%s

Summarize the factual findings relevant to the assignment. Prefer recent, authoritative sources,
cite them inline with their URLs, and state plainly where information could not be confirmed.`

// synthesisTemplate takes the question, the findings and the unresolved section.
const synthesisTemplate = `Central question:
%s

Findings gathered by research subtasks:
%s
%s
Evaluate the findings for relevance, reliability and impact. Weigh each factor, note contradictions,
and combine them into an overall probability that the event occurs. Reflect missing information as
uncertainty rather than ignoring it.

Every score is a whole number from 0 to 100.

Return ONLY JSON in this shape:
{
  "summary_overview": "...",
  "key_insights_and_implications": "...",
  "thematic_breakdown": [
    {"theme": "...", "key_findings": "...", "probability_score": 60, "rationale": "..."}
  ],
  "overall_probability_score": 55
}`

func planPrompt(question string, existing []models.Subtask, maxSubtasks int) string {
	var b strings.Builder
	for _, s := range existing {
		fmt.Fprintf(&b, "- [%s] %s (role: %s, priority: %s)\n", s.ExternalRef, s.Description, s.AgentRole, s.Priority)
		if s.Findings != "" {
			fmt.Fprintf(&b, "  findings: %s\n", s.Findings)
		}
	}
	if b.Len() == 0 {
		b.WriteString("(none)\n")
	}
	return fmt.Sprintf(planTemplate, question, b.String(), maxSubtasks)
}

func researchPrompt(question, description string) string {
	return fmt.Sprintf(researchTemplate, question, description)
}

func synthesisPrompt(question string, in models.SynthesisInput) string {
	var b strings.Builder
	for i, f := range in.Findings {
		fmt.Fprintf(&b, "\n%d. %s\n   role: %s, priority: %s\n   findings: %s\n", i+1, f.Description, f.AgentRole, f.Priority, f.Findings)
		if len(f.Sources) > 0 {
			fmt.Fprintf(&b, "   sources: %s\n", strings.Join(f.Sources, ", "))
		}
	}
	if len(in.Findings) == 0 {
		b.WriteString("(no findings were gathered)\n")
	}

	var unresolved string
	if len(in.Unresolved) > 0 {
		var u strings.Builder
		fmt.Fprintf(&u, "\n%d research subtasks failed and produced no findings:\n", len(in.Unresolved))
		for _, d := range in.Unresolved {
			fmt.Fprintf(&u, "- %s\n", d)
		}
		unresolved = u.String()
	}
	return fmt.Sprintf(synthesisTemplate, question, b.String(), unresolved)
}
