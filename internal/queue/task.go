// Package queue is a generic durable task queue with claim semantics,
// classified retry/backoff and idempotent enqueue. Run dispatch bookkeeping
// and async snapshot deletion both ride on it.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of a task.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateRetrying  State = "retrying"
	StateBlocked   State = "blocked"
	StateDone      State = "done"
	StateIgnored   State = "ignored"
	StateAbandoned State = "abandoned"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateDone || s == StateAbandoned }

// Claimable reports whether a worker may pick the task up.
func (s State) Claimable() bool { return s == StateQueued || s == StateRetrying }

// ErrorKind classifies a failed attempt so operators and automation can
// distinguish retryable from non-retryable causes.
type ErrorKind string

const (
	ErrKindConfig   ErrorKind = "config"
	ErrKindAuth     ErrorKind = "auth"
	ErrKindNetwork  ErrorKind = "network"
	ErrKindProtocol ErrorKind = "protocol"
	ErrKindUnknown  ErrorKind = "unknown"
)

// Retryable reports whether automatic retry is worthwhile. Config and auth
// failures need operator intervention and park the task as blocked.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindConfig, ErrKindAuth:
		return false
	}
	return true
}

// ErrGone signals that the task's effect was already applied (the target no
// longer exists). Handlers return it to complete as done: "not found" during
// a delete is success, not failure.
var ErrGone = errors.New("queue: target already gone")

// ErrConflict is returned when a transition's source-state guard fails.
var ErrConflict = errors.New("queue: conflicting task state")

// ErrTaskNotFound is returned for unknown task ids.
var ErrTaskNotFound = errors.New("queue: task not found")

// ClassifiedError attaches an ErrorKind to a handler failure.
type ClassifiedError struct {
	Kind ErrorKind
	Err  error
}

func (e *ClassifiedError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classified wraps err with a kind.
func Classified(kind ErrorKind, err error) error {
	return &ClassifiedError{Kind: kind, Err: err}
}

// Classify extracts the kind from err, defaulting to unknown.
func Classify(err error) ErrorKind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ErrKindUnknown
}

// Task is one persisted unit of asynchronous work.
type Task struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	DedupKey      string          `json:"dedup_key"`
	Subject       json.RawMessage `json:"subject"`
	Status        State           `json:"status"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastErrorKind *string         `json:"last_error_kind,omitempty"`
	LastErrorText *string         `json:"last_error_text,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// TaskEvent is an immutable record of one state transition.
type TaskEvent struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Attempt   int       `json:"attempt"`
	FromState State     `json:"from_state"`
	ToState   State     `json:"to_state"`
	ErrorKind *string   `json:"error_kind,omitempty"`
	ErrorText *string   `json:"error_text,omitempty"`
	At        time.Time `json:"at"`
}

// Transition describes one guarded state change.
type Transition struct {
	TaskID string
	// From lists allowed source states; empty allows any non-terminal state.
	From []State
	To   State
	// ResetAttempts zeroes the attempt counter (operator retry-now).
	ResetAttempts bool
	// NextAttemptAt reschedules the task when moving to queued/retrying.
	NextAttemptAt *time.Time
	// ErrKind/ErrText record the classified failure; nil clears it.
	ErrKind *string
	ErrText *string
}

func (tr Transition) allows(from State) bool {
	if len(tr.From) == 0 {
		return !from.Terminal()
	}
	for _, s := range tr.From {
		if s == from {
			return true
		}
	}
	return false
}
