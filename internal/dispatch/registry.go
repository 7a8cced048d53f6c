package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/Syt100/bastion-sub005/internal/metrics"
	"github.com/Syt100/bastion-sub005/internal/protocol"
)

var ErrAgentOffline = errors.New("agent offline")

type requestResult struct {
	resp protocol.Response
	err  error
}

type pendingRequest struct {
	ch chan requestResult
}

// Registry tracks which agents hold a live session and the correlated
// requests waiting on each of them. A second connection from the same agent
// replaces the first; every pending request is failed explicitly on
// disconnect so no caller waits on a dead session.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	pending  map[*Session]map[string]*pendingRequest
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		pending:  make(map[*Session]map[string]*pendingRequest),
	}
}

// register installs s as the agent's current session, closing any previous
// one. The previous session's pending requests are failed by its own
// disconnect path.
func (r *Registry) register(s *Session) {
	r.mu.Lock()
	prev := r.sessions[s.AgentID]
	r.sessions[s.AgentID] = s
	r.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	metrics.LiveSessions.Inc()
}

// unregister removes s if it is still the agent's current session, then
// fails all requests that were in flight on it. Requests created against a
// replacement session are untouched.
func (r *Registry) unregister(s *Session) {
	r.mu.Lock()
	if r.sessions[s.AgentID] == s {
		delete(r.sessions, s.AgentID)
	}
	drained := r.pending[s]
	delete(r.pending, s)
	r.mu.Unlock()

	for _, p := range drained {
		p.ch <- requestResult{err: ErrAgentOffline}
		metrics.PendingRequests.Dec()
	}
	metrics.LiveSessions.Dec()
}

// Session returns the agent's live session, or nil.
func (r *Registry) Session(agentID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[agentID]
}

// Online reports whether the agent currently holds a session.
func (r *Registry) Online(agentID string) bool {
	return r.Session(agentID) != nil
}

// AgentIDs lists agents with a live session.
func (r *Registry) AgentIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Request sends a correlated operation to the agent and waits for its
// response. The pending entry is created before the frame is written, so a
// disconnect racing the send still resolves the caller with ErrAgentOffline
// instead of leaving it hanging.
func (r *Registry) Request(ctx context.Context, agentID, op string, args any) (protocol.Response, error) {
	var argsJSON json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return protocol.Response{}, err
		}
		argsJSON = b
	}

	r.mu.Lock()
	s := r.sessions[agentID]
	if s == nil {
		r.mu.Unlock()
		return protocol.Response{}, ErrAgentOffline
	}
	id := uuid.NewString()
	p := &pendingRequest{ch: make(chan requestResult, 1)}
	if r.pending[s] == nil {
		r.pending[s] = make(map[string]*pendingRequest)
	}
	r.pending[s][id] = p
	r.mu.Unlock()
	metrics.PendingRequests.Inc()

	if err := s.Send(protocol.TypeRequest, id, protocol.Request{Op: op, Args: argsJSON}); err != nil {
		r.removePending(s, id)
		return protocol.Response{}, ErrAgentOffline
	}

	select {
	case res := <-p.ch:
		return res.resp, res.err
	case <-ctx.Done():
		r.removePending(s, id)
		return protocol.Response{}, ctx.Err()
	}
}

// resolve delivers an agent's response to the waiting caller. Unknown ids
// are ignored: the caller may have timed out or the session been replaced.
func (r *Registry) resolve(s *Session, id string, resp protocol.Response) {
	r.mu.Lock()
	p := r.pending[s][id]
	if p != nil {
		delete(r.pending[s], id)
	}
	r.mu.Unlock()

	if p != nil {
		p.ch <- requestResult{resp: resp}
		metrics.PendingRequests.Dec()
	}
}

func (r *Registry) removePending(s *Session, id string) {
	r.mu.Lock()
	if p := r.pending[s][id]; p != nil {
		delete(r.pending[s], id)
		metrics.PendingRequests.Dec()
	}
	r.mu.Unlock()
}
