package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrTerminal is returned when a terminal run is mutated again.
	ErrTerminal = errors.New("run already terminal")
)

// Store persists jobs, runs and run events in Postgres.
type Store struct {
	DB        *sql.DB
	DefaultTO time.Duration
}

func NewStore(db *sql.DB) *Store {
	return &Store{DB: db, DefaultTO: 5 * time.Second}
}

const jobCols = `id, name, cron_expr, timezone, node, overlap_policy, handler, args, credential_refs, enabled, archived, next_run_at, last_fired_at, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var argsRaw, credsRaw []byte
	if err := row.Scan(&j.ID, &j.Name, &j.CronExpr, &j.Timezone, &j.Node, &j.Overlap,
		&j.Handler, &argsRaw, &credsRaw, &j.Enabled, &j.Archived,
		&j.NextRunAt, &j.LastFiredAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal(argsRaw, &j.Args)
	_ = json.Unmarshal(credsRaw, &j.CredentialRefs)
	return &j, nil
}

type CreateJobParams struct {
	Name           string
	CronExpr       string
	Timezone       string
	Node           string
	Overlap        OverlapPolicy
	Handler        string
	Args           map[string]any
	CredentialRefs []string
	Enabled        bool
	// NextRunAt is the first occurrence; nil stores NULL for schedules
	// with no future occurrence, keeping the job out of the due scan.
	NextRunAt *time.Time
}

func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (*Job, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	argsJSON, _ := json.Marshal(p.Args)
	credsJSON, _ := json.Marshal(p.CredentialRefs)
	q := `
INSERT INTO jobs (name, cron_expr, timezone, node, overlap_policy, handler, args, credential_refs, enabled, next_run_at)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9, $10)
RETURNING ` + jobCols + `;`
	return scanJob(s.DB.QueryRowContext(ctx, q, p.Name, p.CronExpr, p.Timezone, p.Node,
		string(p.Overlap), p.Handler, string(argsJSON), string(credsJSON), p.Enabled, p.NextRunAt))
}

func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	j, err := scanJob(s.DB.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

type ListJobsParams struct {
	Limit           int
	Offset          int
	Node            string // filter by execution node when non-empty
	IncludeArchived bool
}

func (s *Store) ListJobs(ctx context.Context, p ListJobsParams) ([]Job, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	if p.Limit <= 0 || p.Limit > 500 {
		p.Limit = 100
	}
	q := `SELECT ` + jobCols + ` FROM jobs WHERE ($3 = '' OR node = $3) AND (archived = false OR $4) ORDER BY created_at DESC LIMIT $1 OFFSET $2;`
	rows, err := s.DB.QueryContext(ctx, q, p.Limit, p.Offset, p.Node, p.IncludeArchived)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

type UpdateJobParams struct {
	ID             string
	Name           *string
	CronExpr       *string
	Timezone       *string
	Node           *string
	Overlap        *OverlapPolicy
	Args           *map[string]any
	CredentialRefs *[]string
	Enabled *bool
	// NextRunAt updates the next occurrence when non-nil; a zero time
	// clears it to NULL (the schedule never fires again).
	NextRunAt *time.Time
}

func (s *Store) UpdateJob(ctx context.Context, p UpdateJobParams) (*Job, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	set := ""
	args := []any{}
	i := 1
	add := func(col string, v any) {
		set += fmt.Sprintf("%s = $%d,", col, i)
		args = append(args, v)
		i++
	}
	if p.Name != nil {
		add("name", *p.Name)
	}
	if p.CronExpr != nil {
		add("cron_expr", *p.CronExpr)
	}
	if p.Timezone != nil {
		add("timezone", *p.Timezone)
	}
	if p.Node != nil {
		add("node", *p.Node)
	}
	if p.Overlap != nil {
		add("overlap_policy", string(*p.Overlap))
	}
	if p.Args != nil {
		b, _ := json.Marshal(*p.Args)
		add("args", string(b))
	}
	if p.CredentialRefs != nil {
		b, _ := json.Marshal(*p.CredentialRefs)
		add("credential_refs", string(b))
	}
	if p.Enabled != nil {
		add("enabled", *p.Enabled)
	}
	if p.NextRunAt != nil {
		if p.NextRunAt.IsZero() {
			add("next_run_at", nil)
		} else {
			add("next_run_at", *p.NextRunAt)
		}
	}
	if set == "" {
		return nil, errors.New("no fields to update")
	}
	set += "updated_at = now()"
	q := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = $%d RETURNING `+jobCols+`;`, set, i)
	args = append(args, p.ID)

	j, err := scanJob(s.DB.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// ArchiveJob soft-deletes a job. Run history is kept.
func (s *Store) ArchiveJob(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	res, err := s.DB.ExecContext(ctx,
		`UPDATE jobs SET archived=true, enabled=false, updated_at=now() WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDueJobs returns enabled, unarchived jobs whose next_run_at has passed.
func (s *Store) ListDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	if limit <= 0 {
		limit = 200
	}
	q := `SELECT ` + jobCols + ` FROM jobs
WHERE enabled = true AND archived = false AND next_run_at IS NOT NULL AND next_run_at <= $1
ORDER BY next_run_at ASC LIMIT $2;`
	rows, err := s.DB.QueryContext(ctx, q, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

/* ===================== Runs ===================== */

const runCols = `id, job_id, node_id, status, started_at, ended_at, event_seq, error_text`

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	var r Run
	if err := row.Scan(&r.ID, &r.JobID, &r.NodeID, &r.Status, &r.StartedAt,
		&r.EndedAt, &r.EventSeq, &r.ErrorText); err != nil {
		return nil, err
	}
	return &r, nil
}

type InsertRunParams struct {
	RunID     string
	JobID     string
	NodeID    string
	Status    RunStatus
	StartedAt time.Time
	EndedAt   *time.Time
	ErrorText *string
}

func (s *Store) InsertRun(ctx context.Context, p InsertRunParams) (*Run, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	q := `
INSERT INTO runs (id, job_id, node_id, status, started_at, ended_at, error_text)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING ` + runCols + `;`
	return scanRun(s.DB.QueryRowContext(ctx, q,
		p.RunID, p.JobID, p.NodeID, string(p.Status), p.StartedAt, p.EndedAt, p.ErrorText))
}

func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	r, err := scanRun(s.DB.QueryRowContext(ctx, `SELECT `+runCols+` FROM runs WHERE id=$1`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// SetRunRunning marks a queued run as running.
func (s *Store) SetRunRunning(ctx context.Context, runID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	res, err := s.DB.ExecContext(ctx,
		`UPDATE runs SET status=$1 WHERE id=$2 AND status=$3`,
		string(StatusRunning), runID, string(StatusQueued))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishRun sets a run's terminal state exactly once; a second call is
// rejected with ErrTerminal.
func (s *Store) FinishRun(ctx context.Context, runID string, status RunStatus, endedAt time.Time, errText *string) error {
	if !status.Terminal() {
		return fmt.Errorf("finish run %s: %q is not terminal", runID, status)
	}
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	res, err := s.DB.ExecContext(ctx, `
UPDATE runs SET status=$1, ended_at=$2, error_text=$3
WHERE id=$4 AND status IN ('queued','running')`,
		string(status), endedAt, errText, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, gerr := s.GetRun(ctx, runID); gerr != nil {
			return gerr
		}
		return ErrTerminal
	}
	return nil
}

// ListQueuedRunsBefore returns runs still queued at cutoff. The scheduler
// re-enqueues their start tasks; the task dedup key makes that idempotent.
func (s *Store) ListQueuedRunsBefore(ctx context.Context, cutoff time.Time, limit int) ([]Run, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+runCols+` FROM runs WHERE status='queued' AND started_at < $1
ORDER BY started_at ASC LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ActiveRun returns the job's earliest non-terminal run, or ErrNotFound.
// The earliest-first ordering is what lets concurrent start attempts agree
// on which run goes next.
func (s *Store) ActiveRun(ctx context.Context, jobID string) (*Run, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	r, err := scanRun(s.DB.QueryRowContext(ctx, `
SELECT `+runCols+` FROM runs
WHERE job_id=$1 AND status IN ('queued','running')
ORDER BY started_at ASC LIMIT 1`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *Store) ListRunsForJob(ctx context.Context, jobID string, limit int) ([]Run, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+runCols+` FROM runs WHERE job_id=$1 ORDER BY started_at DESC LIMIT $2`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

/* ===================== Run events ===================== */

// AppendRunEvent assigns the next gapless sequence number and stores the
// event in one transaction.
func (s *Store) AppendRunEvent(ctx context.Context, runID, kind string, ts time.Time, fields map[string]any) (*RunEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`UPDATE runs SET event_seq = event_seq + 1 WHERE id = $1 RETURNING event_seq`, runID).
		Scan(&seq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	fieldsJSON, _ := json.Marshal(fields)
	if _, err := tx.ExecContext(ctx, `
INSERT INTO run_events (run_id, seq, ts, kind, fields)
VALUES ($1, $2, $3, $4, $5::jsonb)`, runID, seq, ts, kind, string(fieldsJSON)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &RunEvent{RunID: runID, Seq: seq, Timestamp: ts, Kind: kind, Fields: fields}, nil
}

// ListRunEvents returns events with seq > afterSeq in sequence order.
func (s *Store) ListRunEvents(ctx context.Context, runID string, afterSeq int64) ([]RunEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()
	rows, err := s.DB.QueryContext(ctx, `
SELECT run_id, seq, ts, kind, fields FROM run_events
WHERE run_id=$1 AND seq > $2 ORDER BY seq ASC`, runID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunEvent
	for rows.Next() {
		var ev RunEvent
		var fieldsRaw []byte
		if err := rows.Scan(&ev.RunID, &ev.Seq, &ev.Timestamp, &ev.Kind, &fieldsRaw); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(fieldsRaw, &ev.Fields)
		out = append(out, ev)
	}
	return out, rows.Err()
}
