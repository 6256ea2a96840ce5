package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusOpen indicates the task exists but has not been planned yet.
	TaskStatusOpen TaskStatus = "OPEN"
	// TaskStatusActive indicates subtasks have been created and dispatched.
	TaskStatusActive TaskStatus = "ACTIVE"
	// TaskStatusAnalyzing indicates every subtask is terminal and synthesis is running.
	TaskStatusAnalyzing TaskStatus = "ANALYZING"
	// TaskStatusCompleted indicates the analysis has been stored.
	TaskStatusCompleted TaskStatus = "COMPLETED"
	// TaskStatusFailed indicates the task could not be completed.
	TaskStatusFailed TaskStatus = "FAILED"
)

// taskTransitions lists the allowed target states for each task state.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusOpen:      {TaskStatusActive, TaskStatusFailed},
	TaskStatusActive:    {TaskStatusAnalyzing},
	TaskStatusAnalyzing: {TaskStatusCompleted, TaskStatusFailed},
}

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusOpen, TaskStatusActive, TaskStatusAnalyzing, TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transitions can happen.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// AcceptsSubtasks returns true while subtasks may still be created for the task.
func (s TaskStatus) AcceptsSubtasks() bool {
	return s == TaskStatusOpen || s == TaskStatusActive
}

// CanTransitionTo reports whether moving from s to next is a legal transition.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Task is the top-level question being assessed.
type Task struct {
	// ID is assigned by the store on creation.
	ID string `json:"id"`
	// Question is the central question. It never changes after creation.
	Question string `json:"question"`
	// Status is the current lifecycle state.
	Status TaskStatus `json:"status"`
	// Analysis is the synthesized assessment, set once on completion.
	Analysis *Analysis `json:"analysis,omitempty"`
	// Error holds the failure reason, or a planning warning for tasks that
	// proceeded without subtasks.
	Error string `json:"error,omitempty"`
	// AnalysisClaim identifies the analyzer run currently holding the task.
	AnalysisClaim string `json:"-"`
	// AnalysisLeaseUntil is when the analyzer claim expires.
	AnalysisLeaseUntil *time.Time `json:"-"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt is when the task last changed.
	UpdatedAt time.Time `json:"updatedAt"`
}

// Theme is one factor of a synthesized assessment.
type Theme struct {
	Name      string `json:"name"`
	Findings  string `json:"findings"`
	Score     int    `json:"score"`
	Rationale string `json:"rationale"`
}

// Analysis is the structured probability assessment produced by synthesis.
// It is persisted verbatim on the task.
type Analysis struct {
	Overview     string  `json:"overview"`
	KeyInsights  string  `json:"keyInsights,omitempty"`
	OverallScore int     `json:"overallScore"`
	Themes       []Theme `json:"themes"`
}

// ScoreInRange reports whether score is a valid probability score.
func ScoreInRange(score int) bool {
	return score >= 0 && score <= 100
}

// Valid returns true if the overall score and every theme score are in range.
func (a Analysis) Valid() bool {
	if !ScoreInRange(a.OverallScore) {
		return false
	}
	for _, th := range a.Themes {
		if !ScoreInRange(th.Score) {
			return false
		}
	}
	return true
}
