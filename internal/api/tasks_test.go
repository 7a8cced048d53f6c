package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Syt100/bastion-sub005/internal/bus"
	"github.com/Syt100/bastion-sub005/internal/config"
	"github.com/Syt100/bastion-sub005/internal/deletion"
	"github.com/Syt100/bastion-sub005/internal/dispatch"
	"github.com/Syt100/bastion-sub005/internal/queue"
)

func testServer(t *testing.T) (*Server, *queue.Queue) {
	t.Helper()
	q := queue.New(queue.NewMemStore(), queue.Options{})
	d := dispatch.NewDispatcher(nil, bus.New(), nil, config.Session{})
	s := NewServer(nil, nil, q, bus.New(), d, nil, "")
	return s, q
}

func doRequest(t *testing.T, s *Server, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestTasks_ListGetAndEvents(t *testing.T) {
	s, q := testServer(t)

	tk, created, err := q.Enqueue(t.Context(), queue.EnqueueParams{
		Kind:    "snapshot.delete",
		Subject: json.RawMessage(`{"agent_id":"a1","snapshot_ref":"s1"}`),
	})
	if err != nil || !created {
		t.Fatalf("enqueue: created=%v err=%v", created, err)
	}

	rec := doRequest(t, s, http.MethodGet, "/api/tasks?kind=snapshot.delete", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d: %s", rec.Code, rec.Body)
	}
	var listed struct {
		Tasks []queue.Task `json:"tasks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed.Tasks) != 1 || listed.Tasks[0].ID != tk.ID {
		t.Fatalf("listed = %+v", listed.Tasks)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/tasks/"+tk.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/tasks/"+tk.ID+"/events", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("events status = %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/api/tasks/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing task status = %d", rec.Code)
	}
}

func TestTasks_IgnoreUnignoreLifecycle(t *testing.T) {
	s, q := testServer(t)

	tk, _, err := q.Enqueue(t.Context(), queue.EnqueueParams{Kind: "probe"})
	if err != nil {
		t.Fatal(err)
	}

	rec := doRequest(t, s, http.MethodPost, "/api/tasks/"+tk.ID+"/ignore", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("ignore status = %d: %s", rec.Code, rec.Body)
	}
	var got queue.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != queue.StateIgnored {
		t.Fatalf("state after ignore = %s", got.Status)
	}

	rec = doRequest(t, s, http.MethodPost, "/api/tasks/"+tk.ID+"/unignore", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unignore status = %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodPost, "/api/tasks/"+tk.ID+"/abandon", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("abandon status = %d", rec.Code)
	}

	// Terminal tasks reject further actions.
	rec = doRequest(t, s, http.MethodPost, "/api/tasks/"+tk.ID+"/retry", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("retry after abandon status = %d", rec.Code)
	}
}

func TestDeletions_CreateAndDedup(t *testing.T) {
	s, _ := testServer(t)

	body := `{"agent_id":"agent-1","snapshot_ref":"2026/08/full-001"}`
	rec := doRequest(t, s, http.MethodPost, "/api/deletions", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body)
	}
	var first queue.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatal(err)
	}
	if first.Kind != deletion.TaskKind {
		t.Fatalf("kind = %s", first.Kind)
	}

	// Re-posting the same subject lands on the existing task.
	rec = doRequest(t, s, http.MethodPost, "/api/deletions", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("dedup status = %d", rec.Code)
	}
	var second queue.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &second); err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Fatalf("dedup returned new task %s != %s", second.ID, first.ID)
	}
}

func TestDeletions_RejectsInvalid(t *testing.T) {
	s, _ := testServer(t)

	for _, body := range []string{
		`{"agent_id":"a1"}`,
		`{"snapshot_ref":"r1"}`,
		`{"agent_id":"a1","snapshot_ref":"r1","extra":true}`,
		`not json`,
	} {
		rec := doRequest(t, s, http.MethodPost, "/api/deletions", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: status = %d", body, rec.Code)
		}
	}
}

func TestAgents_EmptyList(t *testing.T) {
	s, _ := testServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/agents", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got struct {
		Agents []struct {
			AgentID string `json:"agent_id"`
			Online  bool   `json:"online"`
		} `json:"agents"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Agents) != 0 {
		t.Fatalf("agents = %+v", got.Agents)
	}
}
