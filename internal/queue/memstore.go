package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store with the same transition semantics as
// PGStore. Used by tests and by single-binary setups without Postgres.
type MemStore struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	byKey   map[string]string
	events  map[string][]TaskEvent
	eventID int64
}

func NewMemStore() *MemStore {
	return &MemStore{
		tasks:  make(map[string]*Task),
		byKey:  make(map[string]string),
		events: make(map[string][]TaskEvent),
	}
}

func (s *MemStore) appendEvent(t *Task, from State, errKind, errText *string) {
	s.eventID++
	s.events[t.ID] = append(s.events[t.ID], TaskEvent{
		ID:        s.eventID,
		TaskID:    t.ID,
		Attempt:   t.Attempts,
		FromState: from,
		ToState:   t.Status,
		ErrorKind: errKind,
		ErrorText: errText,
		At:        time.Now().UTC(),
	})
}

func (s *MemStore) Enqueue(_ context.Context, p EnqueueParams) (*Task, bool, error) {
	subject, err := p.subjectJSON()
	if err != nil {
		return nil, false, fmt.Errorf("queue: marshal subject: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[p.DedupKey]; ok {
		cp := *s.tasks[id]
		return &cp, false, nil
	}

	now := time.Now().UTC()
	notBefore := p.NotBefore
	if notBefore.IsZero() {
		notBefore = now
	}
	t := &Task{
		ID:            uuid.NewString(),
		Kind:          p.Kind,
		DedupKey:      p.DedupKey,
		Subject:       subject,
		Status:        StateQueued,
		NextAttemptAt: notBefore,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.tasks[t.ID] = t
	s.byKey[p.DedupKey] = t.ID
	s.appendEvent(t, "", nil, nil)
	cp := *t
	return &cp, true, nil
}

func (s *MemStore) Claim(_ context.Context, kinds []string, now time.Time) (*Task, error) {
	kindSet := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Task
	for _, t := range s.tasks {
		if t.Status.Claimable() && kindSet[t.Kind] && !t.NextAttemptAt.After(now) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })

	t := due[0]
	from := t.Status
	t.Status = StateRunning
	t.Attempts++
	t.UpdatedAt = time.Now().UTC()
	s.appendEvent(t, from, nil, nil)
	cp := *t
	return &cp, nil
}

func (s *MemStore) Apply(_ context.Context, tr Transition) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[tr.TaskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if !tr.allows(t.Status) {
		return nil, fmt.Errorf("%w: %s -> %s not allowed", ErrConflict, t.Status, tr.To)
	}

	from := t.Status
	fromAttempts := t.Attempts
	t.Status = tr.To
	if tr.ResetAttempts {
		t.Attempts = 0
	}
	if tr.NextAttemptAt != nil {
		t.NextAttemptAt = *tr.NextAttemptAt
	}
	t.LastErrorKind = tr.ErrKind
	t.LastErrorText = tr.ErrText
	t.UpdatedAt = time.Now().UTC()

	s.eventID++
	s.events[t.ID] = append(s.events[t.ID], TaskEvent{
		ID:        s.eventID,
		TaskID:    t.ID,
		Attempt:   fromAttempts,
		FromState: from,
		ToState:   t.Status,
		ErrorKind: tr.ErrKind,
		ErrorText: tr.ErrText,
		At:        time.Now().UTC(),
	})
	cp := *t
	return &cp, nil
}

func (s *MemStore) ReclaimStale(_ context.Context, cutoff time.Time) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kind := string(ErrKindUnknown)
	text := "claim expired before the attempt settled"
	var out []Task
	for _, t := range s.tasks {
		if t.Status != StateRunning || !t.UpdatedAt.Before(cutoff) {
			continue
		}
		from := t.Status
		now := time.Now().UTC()
		t.Status = StateRetrying
		t.NextAttemptAt = now
		t.LastErrorKind = &kind
		t.LastErrorText = &text
		t.UpdatedAt = now
		s.appendEvent(t, from, &kind, &text)
		out = append(out, *t)
	}
	return out, nil
}

func (s *MemStore) Get(_ context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemStore) GetByDedupKey(_ context.Context, key string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := *s.tasks[id]
	return &cp, nil
}

func (s *MemStore) List(_ context.Context, kind string, limit int) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []Task
	for _, t := range s.tasks {
		if kind == "" || t.Kind == kind {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) Events(_ context.Context, taskID string) ([]TaskEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.events[taskID]
	out := make([]TaskEvent, len(evs))
	copy(out, evs)
	return out, nil
}
