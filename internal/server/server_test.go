package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ShayCichocki/foresight/internal/coordinator"
	"github.com/ShayCichocki/foresight/internal/enginetest"
	"github.com/ShayCichocki/foresight/internal/retry"
	"github.com/ShayCichocki/foresight/internal/state"
	"github.com/ShayCichocki/foresight/pkg/models"
)

type fixture struct {
	store *state.DB
	jobs  *enginetest.Dispatcher
	gw    *enginetest.Gateway
	srv   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := enginetest.OpenStore(t)
	jobs := &enginetest.Dispatcher{}
	gw := &enginetest.Gateway{}
	gw.PlanFunc = func(ctx context.Context, q string, _ []models.Subtask) ([]models.PlannedSubtask, error) {
		return enginetest.PlanOf("inflation", "guidance"), nil
	}
	coord := coordinator.New(store, gw, jobs, coordinator.Config{
		MaxSubtasks: 10,
		Retry:       retry.Policy{MaxAttempts: 1, InitialInterval: time.Millisecond},
	})
	srv := httptest.NewServer(New("", coord, store, "test").Handler())
	t.Cleanup(srv.Close)
	return &fixture{store: store, jobs: jobs, gw: gw, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, _ := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestCreateTask(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, "POST", "/tasks", `{"question":"Will the ECB cut rates?"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	id, _ := body["taskId"].(string)
	if id == "" {
		t.Fatalf("no taskId in %v", body)
	}
	task, err := f.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if task.Status != models.TaskStatusActive {
		t.Errorf("Status = %s, want ACTIVE", task.Status)
	}
	if f.jobs.Count(models.JobProcessSubtask) != 2 {
		t.Errorf("processSubtask jobs = %d, want 2", f.jobs.Count(models.JobProcessSubtask))
	}
}

func TestCreateTask_BadRequests(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"question":`},
		{"blank question", `{"question":"   "}`},
		{"missing question", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, "POST", "/tasks", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			if body["error"] == nil {
				t.Errorf("no error message in %v", body)
			}
		})
	}
	tasks, _ := f.store.ListTasks(context.Background(), 0)
	if len(tasks) != 0 {
		t.Errorf("bad requests created %d tasks", len(tasks))
	}
}

func TestGetTask(t *testing.T) {
	f := newFixture(t)
	_, created := f.do(t, "POST", "/tasks", `{"question":"q"}`)
	id := created["taskId"].(string)

	resp, body := f.do(t, "GET", "/tasks/"+id, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["id"] != id || body["status"] != "ACTIVE" {
		t.Errorf("task body = %v", body)
	}
	subs, _ := body["subtasks"].([]any)
	if len(subs) != 2 {
		t.Errorf("got %d subtasks, want 2", len(subs))
	}
}

func TestGetTask_NotFound(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, "GET", "/tasks/nope", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListTasks(t *testing.T) {
	f := newFixture(t)
	f.do(t, "POST", "/tasks", `{"question":"one"}`)
	f.do(t, "POST", "/tasks", `{"question":"two"}`)

	resp, body := f.do(t, "GET", "/tasks", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if tasks, _ := body["tasks"].([]any); len(tasks) != 2 {
		t.Errorf("got %d tasks, want 2", len(tasks))
	}

	resp, _ = f.do(t, "GET", "/tasks?limit=-1", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("negative limit status = %d, want 400", resp.StatusCode)
	}
}

func TestCoordinate(t *testing.T) {
	f := newFixture(t)
	_, created := f.do(t, "POST", "/tasks", `{"question":"q"}`)
	id := created["taskId"].(string)

	resp, body := f.do(t, "POST", "/tasks/"+id+"/coordinate", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["message"] == nil || body["enqueued"] != float64(2) {
		t.Errorf("body = %v", body)
	}
	if f.gw.PlanCalls.Load() != 1 {
		t.Errorf("plan calls = %d, recoordinate must not re-plan", f.gw.PlanCalls.Load())
	}

	resp, _ = f.do(t, "POST", "/tasks/missing/coordinate", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing task status = %d, want 404", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, "GET", "/healthz", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health = %d %v", resp.StatusCode, body)
	}
	resp, _ = f.do(t, "DELETE", "/tasks", "")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("DELETE /tasks = %d, want 405", resp.StatusCode)
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	store := enginetest.OpenStore(t)
	s := New("", nil, store, "test")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
