package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/ShayCichocki/foresight/internal/failure"
	"github.com/ShayCichocki/foresight/pkg/models"
)

const maxBodyBytes = 1 << 20

// CreateTaskRequest is the body of POST /tasks.
type CreateTaskRequest struct {
	Question string `json:"question"`
}

// TaskDetail is a task with its subtasks.
type TaskDetail struct {
	*models.Task
	Subtasks []models.Subtask `json:"subtasks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": s.version})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	id, err := s.coordinator.Coordinate(r.Context(), req.Question)
	switch {
	case failure.Is(err, failure.Validation):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil && id == "":
		writeFailure(w, err)
		return
	case err != nil:
		// The task exists; the sweeper finishes coordinating it.
		log.Printf("[server] task %s created but coordination incomplete: %v", id, err)
	}
	writeJSON(w, http.StatusCreated, map[string]any{"taskId": id})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	tasks, err := s.reader.ListTasks(r.Context(), limit)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.reader.GetTask(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	subtasks, err := s.reader.ListSubtasks(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if subtasks == nil {
		subtasks = []models.Subtask{}
	}
	writeJSON(w, http.StatusOK, TaskDetail{Task: task, Subtasks: subtasks})
}

func (s *Server) handleCoordinate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := s.coordinator.Recoordinate(r.Context(), id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"message":  "coordination triggered",
		"planned":  res.Planned,
		"enqueued": res.Enqueued,
		"fanIn":    res.FanIn,
	})
}

// writeFailure maps an error's kind to an HTTP status.
func writeFailure(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch failure.KindOf(err) {
	case failure.NotFound:
		status = http.StatusNotFound
	case failure.Validation:
		status = http.StatusBadRequest
	case failure.Conflict:
		status = http.StatusConflict
	case failure.Transient:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		log.Printf("[server] internal error: %v", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
