package models

import (
	"encoding/json"
	"fmt"
)

// JobKind identifies what a dispatched job does.
type JobKind string

const (
	// JobCoordinate re-runs coordination for a task.
	JobCoordinate JobKind = "coordinate"
	// JobProcessSubtask researches one subtask.
	JobProcessSubtask JobKind = "processSubtask"
	// JobAnalyze synthesizes the assessment for a task.
	JobAnalyze JobKind = "analyze"
)

// Valid returns true if the kind is a known value.
func (k JobKind) Valid() bool {
	switch k {
	case JobCoordinate, JobProcessSubtask, JobAnalyze:
		return true
	default:
		return false
	}
}

// Job is a dispatcher payload. It carries only an identifier; all other
// state is loaded from the store when the job runs.
type Job struct {
	Kind JobKind `json:"kind"`
	ID   string  `json:"id"`
}

// String returns a compact form for logs.
func (j Job) String() string {
	return fmt.Sprintf("%s:%s", j.Kind, j.ID)
}

// CoordinateJob returns a coordinate job for a task.
func CoordinateJob(taskID string) Job { return Job{Kind: JobCoordinate, ID: taskID} }

// ProcessSubtaskJob returns a processSubtask job for a subtask.
func ProcessSubtaskJob(subtaskID string) Job { return Job{Kind: JobProcessSubtask, ID: subtaskID} }

// AnalyzeJob returns an analyze job for a task.
func AnalyzeJob(taskID string) Job { return Job{Kind: JobAnalyze, ID: taskID} }

// EncodeJob serializes a job for a broker.
func EncodeJob(j Job) ([]byte, error) {
	return json.Marshal(j)
}

// DecodeJob parses and validates a broker payload.
func DecodeJob(data []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	if !j.Kind.Valid() {
		return Job{}, fmt.Errorf("decode job: unknown kind %q", j.Kind)
	}
	if j.ID == "" {
		return Job{}, fmt.Errorf("decode job: missing id")
	}
	return j, nil
}
