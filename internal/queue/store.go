package queue

import (
	"context"
	"encoding/json"
	"time"
)

// EnqueueParams describes a new task. DedupKey collapses duplicate enqueues
// of the same subject into a single task.
type EnqueueParams struct {
	Kind     string
	DedupKey string
	Subject  any
	// NotBefore delays the first attempt; zero means immediately.
	NotBefore time.Time
}

func (p EnqueueParams) subjectJSON() (json.RawMessage, error) {
	if p.Subject == nil {
		return json.RawMessage(`{}`), nil
	}
	return json.Marshal(p.Subject)
}

// Store persists tasks and their transition history.
type Store interface {
	// Enqueue inserts a task unless one with the same dedup key exists;
	// created reports whether a new row was written. An existing task is
	// returned untouched, whatever its state.
	Enqueue(ctx context.Context, p EnqueueParams) (t *Task, created bool, err error)

	// Claim atomically picks one due claimable task of the given kinds,
	// marks it running and increments its attempt counter. Returns nil
	// when nothing is due.
	Claim(ctx context.Context, kinds []string, now time.Time) (*Task, error)

	// Apply performs a guarded state transition and appends the matching
	// immutable event. ErrConflict when the source-state guard fails.
	Apply(ctx context.Context, tr Transition) (*Task, error)

	// ReclaimStale moves every running task whose claim is older than
	// cutoff back to retrying with an immediate next attempt, and returns
	// the reclaimed tasks.
	ReclaimStale(ctx context.Context, cutoff time.Time) ([]Task, error)

	Get(ctx context.Context, id string) (*Task, error)
	GetByDedupKey(ctx context.Context, key string) (*Task, error)
	List(ctx context.Context, kind string, limit int) ([]Task, error)
	Events(ctx context.Context, taskID string) ([]TaskEvent, error)
}
