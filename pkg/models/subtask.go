package models

import (
	"fmt"
	"time"
)

// SubtaskStatus represents the current state of a subtask.
type SubtaskStatus string

const (
	// SubtaskStatusPending indicates research has not resolved yet.
	SubtaskStatusPending SubtaskStatus = "PENDING"
	// SubtaskStatusCompleted indicates findings were recorded.
	SubtaskStatusCompleted SubtaskStatus = "COMPLETED"
	// SubtaskStatusFailed indicates research failed and the error was recorded.
	SubtaskStatusFailed SubtaskStatus = "FAILED"
)

// Valid returns true if the status is a known value.
func (s SubtaskStatus) Valid() bool {
	switch s {
	case SubtaskStatusPending, SubtaskStatusCompleted, SubtaskStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true for COMPLETED and FAILED.
func (s SubtaskStatus) Terminal() bool {
	return s == SubtaskStatusCompleted || s == SubtaskStatusFailed
}

// Subtask is one independently researchable unit derived from a Task.
type Subtask struct {
	// ID is assigned by the store on creation.
	ID string `json:"id"`
	// TaskID is the owning task. It is never reassigned.
	TaskID string `json:"taskId"`
	// ExternalRef is a human label such as "Task-01", used for display only.
	ExternalRef string `json:"externalRef"`
	// Description, AgentRole and Priority are opaque planner output.
	Description string `json:"description"`
	AgentRole   string `json:"agentRole"`
	Priority    string `json:"priority"`
	// Status is the current lifecycle state.
	Status SubtaskStatus `json:"status"`
	// Findings is the research summary once COMPLETED.
	Findings string `json:"findings,omitempty"`
	// Sources lists citations in the order the provider returned them.
	Sources []string `json:"sources"`
	// Error records why research FAILED.
	Error string `json:"error,omitempty"`
	// Attempts counts research calls made for this subtask.
	Attempts int `json:"attempts"`
	// ClaimedBy identifies the delivery currently processing the subtask.
	ClaimedBy string `json:"-"`
	// LeaseUntil is when the processing claim expires.
	LeaseUntil *time.Time `json:"-"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// PlannedSubtask is a subtask proposed by planning, before persistence.
type PlannedSubtask struct {
	ExternalRef string `json:"subtask_id"`
	Description string `json:"description"`
	AgentRole   string `json:"agent_role"`
	Priority    string `json:"priority"`
}

// ExternalRefFor returns the display label for the i-th planned subtask
// (zero-based) when the planner did not supply one.
func ExternalRefFor(i int) string {
	return fmt.Sprintf("Task-%02d", i+1)
}

// Research is the output of researching a single subtask.
type Research struct {
	Findings string   `json:"findings"`
	Sources  []string `json:"sources"`
}

// Finding is one resolved subtask as presented to synthesis.
type Finding struct {
	Description string
	AgentRole   string
	Priority    string
	Findings    string
	Sources     []string
}

// SynthesisInput is everything synthesis is given about a task.
type SynthesisInput struct {
	// Findings holds COMPLETED subtasks only.
	Findings []Finding
	// Unresolved lists descriptions of FAILED subtasks. They contribute no
	// findings but must be reflected as uncertainty.
	Unresolved []string
}

// BuildSynthesisInput splits subtasks into findings and unresolved entries.
// PENDING subtasks are ignored; callers must ensure none are present.
func BuildSynthesisInput(subtasks []Subtask) SynthesisInput {
	var in SynthesisInput
	for _, s := range subtasks {
		switch s.Status {
		case SubtaskStatusCompleted:
			in.Findings = append(in.Findings, Finding{
				Description: s.Description,
				AgentRole:   s.AgentRole,
				Priority:    s.Priority,
				Findings:    s.Findings,
				Sources:     s.Sources,
			})
		case SubtaskStatusFailed:
			in.Unresolved = append(in.Unresolved, s.Description)
		}
	}
	return in
}
