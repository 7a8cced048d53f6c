package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Syt100/bastion-sub005/internal/deletion"
	"github.com/Syt100/bastion-sub005/internal/dispatch"
	"github.com/Syt100/bastion-sub005/internal/queue"
)

const maxTaskList = 200

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	limit := maxTaskList
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if n < limit {
			limit = n
		}
	}
	tasks, err := s.Queue.Store().List(r.Context(), kind, limit)
	if err != nil {
		mapStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.Queue.Store().Get(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		mapStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if _, err := s.Queue.Store().Get(r.Context(), taskID); err != nil {
		mapStoreErr(w, err)
		return
	}
	events, err := s.Queue.Store().Events(r.Context(), taskID)
	if err != nil {
		mapStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// taskAction adapts a queue state-change method into a handler. Guard
// failures surface as 409 via mapStoreErr.
func (s *Server) taskAction(fn func(ctx context.Context, taskID string) (*queue.Task, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := fn(r.Context(), chi.URLParam(r, "taskID"))
		if err != nil {
			mapStoreErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

type deletionRequest struct {
	AgentID     string `json:"agent_id"`
	SnapshotRef string `json:"snapshot_ref"`
}

func (s *Server) handleCreateDeletion(w http.ResponseWriter, r *http.Request) {
	var req deletionRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == "" || req.SnapshotRef == "" {
		writeError(w, http.StatusBadRequest, "agent_id and snapshot_ref are required")
		return
	}
	t, created, err := deletion.Enqueue(r.Context(), s.Queue, deletion.Subject{
		AgentID:     req.AgentID,
		SnapshotRef: req.SnapshotRef,
	})
	if err != nil {
		mapStoreErr(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		s.Queue.Wake()
	}
	writeJSON(w, status, t)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	type agentInfo struct {
		AgentID string `json:"agent_id"`
		Online  bool   `json:"online"`
	}
	ids := s.Dispatcher.Registry().AgentIDs()
	sort.Strings(ids)
	out := make([]agentInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, agentInfo{AgentID: id, Online: true})
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

func (s *Server) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	resource := chi.URLParam(r, "*")
	if resource == "" {
		writeError(w, http.StatusBadRequest, "missing artifact path")
		return
	}
	stream, err := s.Dispatcher.OpenRelay(agentID, resource)
	if err != nil {
		if errors.Is(err, dispatch.ErrAgentOffline) {
			writeError(w, http.StatusConflict, "agent is offline")
			return
		}
		mapStoreErr(w, err)
		return
	}
	defer stream.Close()

	// Read the first chunk before committing headers so an agent-side
	// refusal maps to a status code instead of a truncated 200.
	buf := make([]byte, 32*1024)
	n, err := stream.Read(buf)
	if err != nil && err != io.EOF {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if n > 0 {
		if _, werr := w.Write(buf[:n]); werr != nil {
			return
		}
	}
	if err == io.EOF {
		return
	}
	// A failure past this point can only truncate the body.
	io.CopyBuffer(w, contextReader{r.Context(), stream}, buf)
}

// contextReader aborts a relay read when the HTTP client goes away.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
