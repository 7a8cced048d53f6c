// Package deletion runs backup snapshot deletions as durable queue tasks.
// A deletion must survive hub restarts and agent downtime, so it is never
// executed inline from an API handler.
package deletion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Syt100/bastion-sub005/internal/protocol"
	"github.com/Syt100/bastion-sub005/internal/queue"
)

// TaskKind is the queue kind for snapshot deletions.
const TaskKind = "snapshot.delete"

// Subject identifies what to delete and where.
type Subject struct {
	AgentID     string `json:"agent_id"`
	SnapshotRef string `json:"snapshot_ref"`
}

// AgentRequester sends correlated operations to agents. Satisfied by
// dispatch.Dispatcher.
type AgentRequester interface {
	Request(ctx context.Context, agentID, op string, args any) (protocol.Response, error)
}

// Handler executes deletion tasks against the owning agent.
type Handler struct {
	Agents AgentRequester
	// RequestTimeout bounds one deletion attempt.
	RequestTimeout time.Duration
}

// Register installs the handler on the queue.
func (h *Handler) Register(q *queue.Queue) {
	q.Register(TaskKind, h.handle)
}

// Enqueue records a deletion task. The dedup key collapses repeated
// requests for the same snapshot into one pending task.
func Enqueue(ctx context.Context, q *queue.Queue, sub Subject) (*queue.Task, bool, error) {
	if sub.AgentID == "" || sub.SnapshotRef == "" {
		return nil, false, fmt.Errorf("deletion: agent_id and snapshot_ref required")
	}
	return q.Enqueue(ctx, queue.EnqueueParams{
		Kind:     TaskKind,
		DedupKey: TaskKind + ":" + sub.AgentID + ":" + sub.SnapshotRef,
		Subject:  sub,
	})
}

func (h *Handler) handle(ctx context.Context, t *queue.Task) error {
	var sub Subject
	if err := json.Unmarshal(t.Subject, &sub); err != nil {
		return queue.Classified(queue.ErrKindConfig, fmt.Errorf("bad subject: %w", err))
	}

	to := h.RequestTimeout
	if to <= 0 {
		to = 30 * time.Second
	}
	rctx, cancel := context.WithTimeout(ctx, to)
	defer cancel()

	resp, err := h.Agents.Request(rctx, sub.AgentID, protocol.OpDeleteSnapshot, sub)
	if err != nil {
		// Offline or unreachable agents retry on the backoff schedule.
		return queue.Classified(queue.ErrKindNetwork, err)
	}
	if resp.OK {
		return nil
	}

	switch {
	case isGone(resp.Error):
		// Already deleted, or never existed. The desired state holds.
		return queue.ErrGone
	case strings.Contains(resp.Error, "permission"), strings.Contains(resp.Error, "unauthorized"):
		return queue.Classified(queue.ErrKindAuth, errors.New(resp.Error))
	default:
		return queue.Classified(queue.ErrKindProtocol, errors.New(resp.Error))
	}
}

func isGone(msg string) bool {
	return strings.Contains(msg, "not found") || strings.Contains(msg, "no such snapshot")
}
