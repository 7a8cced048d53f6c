package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PGStore is the Postgres-backed task store used in production.
type PGStore struct {
	DB        *sql.DB
	DefaultTO time.Duration
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{DB: db, DefaultTO: 5 * time.Second}
}

const taskCols = `id, kind, dedup_key, subject, status, attempts, next_attempt_at, last_error_kind, last_error_text, created_at, updated_at`

const taskColsQualified = `tasks.id, tasks.kind, tasks.dedup_key, tasks.subject, tasks.status, tasks.attempts, tasks.next_attempt_at, tasks.last_error_kind, tasks.last_error_text, tasks.created_at, tasks.updated_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var subject []byte
	if err := row.Scan(&t.ID, &t.Kind, &t.DedupKey, &subject, &t.Status, &t.Attempts,
		&t.NextAttemptAt, &t.LastErrorKind, &t.LastErrorText, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Subject = subject
	return &t, nil
}

func (s *PGStore) Enqueue(ctx context.Context, p EnqueueParams) (*Task, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	subject, err := p.subjectJSON()
	if err != nil {
		return nil, false, fmt.Errorf("queue: marshal subject: %w", err)
	}
	notBefore := p.NotBefore
	if notBefore.IsZero() {
		notBefore = time.Now().UTC()
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	t, err := scanTask(tx.QueryRowContext(ctx, `
INSERT INTO tasks (kind, dedup_key, subject, status, next_attempt_at)
VALUES ($1, $2, $3::jsonb, 'queued', $4)
ON CONFLICT (dedup_key) DO NOTHING
RETURNING `+taskCols, p.Kind, p.DedupKey, string(subject), notBefore))
	if errors.Is(err, sql.ErrNoRows) {
		// Duplicate dedup key collapses into the existing task, untouched.
		existing, gerr := scanTask(tx.QueryRowContext(ctx,
			`SELECT `+taskCols+` FROM tasks WHERE dedup_key = $1`, p.DedupKey))
		if gerr != nil {
			return nil, false, gerr
		}
		return existing, false, tx.Commit()
	}
	if err != nil {
		return nil, false, err
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO task_events (task_id, attempt, from_state, to_state)
VALUES ($1, 0, '', 'queued')`, t.ID); err != nil {
		return nil, false, err
	}
	return t, true, tx.Commit()
}

func (s *PGStore) Claim(ctx context.Context, kinds []string, now time.Time) (*Task, error) {
	if len(kinds) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	args := []any{now}
	ph := make([]string, 0, len(kinds))
	for i, k := range kinds {
		ph = append(ph, fmt.Sprintf("$%d", i+2))
		args = append(args, k)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	q := fmt.Sprintf(`
WITH picked AS (
  SELECT id, status AS prev FROM tasks
  WHERE status IN ('queued','retrying') AND next_attempt_at <= $1 AND kind IN (%s)
  ORDER BY next_attempt_at ASC
  FOR UPDATE SKIP LOCKED
  LIMIT 1)
UPDATE tasks SET status='running', attempts = attempts + 1, updated_at = now()
FROM picked WHERE tasks.id = picked.id
RETURNING `+taskColsQualified+`, picked.prev`, strings.Join(ph, ","))

	var t Task
	var subject []byte
	var prev State
	err = tx.QueryRowContext(ctx, q, args...).Scan(
		&t.ID, &t.Kind, &t.DedupKey, &subject, &t.Status, &t.Attempts,
		&t.NextAttemptAt, &t.LastErrorKind, &t.LastErrorText, &t.CreatedAt, &t.UpdatedAt, &prev)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, err
	}
	t.Subject = subject

	if _, err := tx.ExecContext(ctx, `
INSERT INTO task_events (task_id, attempt, from_state, to_state)
VALUES ($1, $2, $3, 'running')`, t.ID, t.Attempts, string(prev)); err != nil {
		return nil, err
	}
	return &t, tx.Commit()
}

func (s *PGStore) Apply(ctx context.Context, tr Transition) (*Task, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanTask(tx.QueryRowContext(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE id = $1 FOR UPDATE`, tr.TaskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	if !tr.allows(cur.Status) {
		return nil, fmt.Errorf("%w: %s -> %s not allowed", ErrConflict, cur.Status, tr.To)
	}

	attempts := cur.Attempts
	if tr.ResetAttempts {
		attempts = 0
	}
	nextAt := cur.NextAttemptAt
	if tr.NextAttemptAt != nil {
		nextAt = *tr.NextAttemptAt
	}

	t, err := scanTask(tx.QueryRowContext(ctx, `
UPDATE tasks SET status=$1, attempts=$2, next_attempt_at=$3, last_error_kind=$4, last_error_text=$5, updated_at=now()
WHERE id=$6
RETURNING `+taskCols,
		string(tr.To), attempts, nextAt, tr.ErrKind, tr.ErrText, tr.TaskID))
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO task_events (task_id, attempt, from_state, to_state, error_kind, error_text)
VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, cur.Attempts, string(cur.Status), string(tr.To), tr.ErrKind, tr.ErrText); err != nil {
		return nil, err
	}
	return t, tx.Commit()
}

func (s *PGStore) ReclaimStale(ctx context.Context, cutoff time.Time) ([]Task, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
UPDATE tasks SET status='retrying', next_attempt_at=now(), last_error_kind='unknown',
  last_error_text='claim expired before the attempt settled', updated_at=now()
WHERE status='running' AND updated_at < $1
RETURNING `+taskCols, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for _, t := range out {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO task_events (task_id, attempt, from_state, to_state, error_kind, error_text)
VALUES ($1, $2, 'running', 'retrying', $3, $4)`,
			t.ID, t.Attempts, t.LastErrorKind, t.LastErrorText); err != nil {
			return nil, err
		}
	}
	return out, tx.Commit()
}

func (s *PGStore) Get(ctx context.Context, id string) (*Task, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	t, err := scanTask(s.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return t, err
}

func (s *PGStore) GetByDedupKey(ctx context.Context, key string) (*Task, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	t, err := scanTask(s.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE dedup_key=$1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return t, err
}

func (s *PGStore) List(ctx context.Context, kind string, limit int) ([]Task, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+taskCols+` FROM tasks WHERE ($1 = '' OR kind = $1)
ORDER BY created_at DESC LIMIT $2`, kind, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *PGStore) Events(ctx context.Context, taskID string) ([]TaskEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, task_id, attempt, from_state, to_state, error_kind, error_text, at
FROM task_events WHERE task_id=$1 ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.Attempt, &ev.FromState, &ev.ToState,
			&ev.ErrorKind, &ev.ErrorText, &ev.At); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
