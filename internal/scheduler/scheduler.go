// Package scheduler turns due jobs into runs. One hub instance (the redis
// leader) scans jobs whose next_run_at has passed, claims each behind a
// per-job advisory lock, records the firing, and hands the run start to the
// durable queue.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Syt100/bastion-sub005/internal/config"
	"github.com/Syt100/bastion-sub005/internal/jobs"
	"github.com/Syt100/bastion-sub005/internal/logging"
	"github.com/Syt100/bastion-sub005/internal/metrics"
	"github.com/Syt100/bastion-sub005/internal/queue"
	"github.com/Syt100/bastion-sub005/internal/schedule"
)

// StartTaskKind is the queue kind that starts a queued run.
const StartTaskKind = "run.start"

// StartSubject is the run.start task payload.
type StartSubject struct {
	RunID string `json:"run_id"`
	JobID string `json:"job_id"`
}

// Leader gates scanning to one hub instance.
type Leader interface {
	IsLeader() bool
}

// Presence answers whether an agent holds a live session right now.
type Presence interface {
	Online(agentID string) bool
}

// Scanner is the due-job scan loop.
type Scanner struct {
	DB     *sql.DB
	Store  *jobs.Store
	Queue  *queue.Queue
	Leader Leader
	Agents Presence
	Cfg    config.Scheduler

	Now  func() time.Time
	wake chan struct{}
	log  zerolog.Logger
}

func NewScanner(db *sql.DB, store *jobs.Store, q *queue.Queue, leader Leader, agents Presence, cfg config.Scheduler) *Scanner {
	return &Scanner{
		DB:     db,
		Store:  store,
		Queue:  q,
		Leader: leader,
		Agents: agents,
		Cfg:    cfg,
		Now:    time.Now,
		wake:   make(chan struct{}, 1),
		log:    logging.With("scheduler"),
	}
}

// Wake triggers a scan ahead of the next poll tick. Job saves and redis
// wake messages land here; bursts coalesce.
func (s *Scanner) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Loop scans until ctx is canceled. The poll ticker is the correctness
// backstop; wakes only shorten latency.
func (s *Scanner) Loop(ctx context.Context) {
	t := time.NewTicker(s.Cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-s.wake:
		}
		if !s.Leader.IsLeader() {
			continue
		}
		if err := s.runOnce(ctx); err != nil {
			s.log.Error().Err(err).Msg("scan failed")
		}
	}
}

func (s *Scanner) runOnce(ctx context.Context) error {
	now := s.Now().UTC()
	due, err := s.Store.ListDueJobs(ctx, now, s.Cfg.ScanLimit)
	if err != nil {
		return err
	}

	for _, job := range due {
		job := job
		var started *StartSubject
		locked, err := jobs.WithJobTxLock(ctx, s.DB, job.ID, func(tx *sql.Tx) error {
			sub, err := s.fireLocked(ctx, tx, job, now)
			started = sub
			return err
		})
		if err != nil {
			s.log.Error().Err(err).Str("job_id", job.ID).Msg("firing failed")
			continue
		}
		if !locked || started == nil {
			continue
		}
		s.enqueueStart(ctx, *started)
	}

	s.requeueStale(ctx, now)
	return nil
}

// fireLocked claims one due occurrence. It re-checks dueness inside the
// lock, advances next_run_at exactly once, and decides whether this
// occurrence produces a run. Returns the start subject when a run was
// created and should be started.
func (s *Scanner) fireLocked(ctx context.Context, tx *sql.Tx, job jobs.Job, now time.Time) (*StartSubject, error) {
	var stillDue bool
	err := tx.QueryRowContext(ctx, `
SELECT enabled AND NOT archived AND next_run_at IS NOT NULL AND next_run_at <= $1
FROM jobs WHERE id = $2`, now, job.ID).Scan(&stillDue)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !stillDue {
		// Another replica fired it between the scan and the lock.
		return nil, nil
	}

	var next any
	nf, err := schedule.NextFire(job.CronExpr, job.Timezone, now)
	switch {
	case err == nil:
		next = nf
	case errors.Is(err, schedule.ErrNeverFires):
		next = nil
	default:
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE jobs SET next_run_at=$1, last_fired_at=$2, updated_at=now() WHERE id=$3`,
		next, now, job.ID); err != nil {
		return nil, err
	}

	// Offline agents run this occurrence from their local snapshot; the
	// run record arrives later via sync-back. Creating a hub-side run too
	// would double-count it.
	if !job.OnHub() && !s.Agents.Online(job.Node) {
		s.log.Debug().Str("job_id", job.ID).Str("agent_id", job.Node).
			Msg("owner offline, occurrence left to the agent")
		return nil, nil
	}

	var activeCount int
	if err := tx.QueryRowContext(ctx, `
SELECT count(*) FROM runs WHERE job_id=$1 AND status IN ('queued','running')`, job.ID).Scan(&activeCount); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	if activeCount > 0 && job.Overlap == jobs.OverlapReject {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO runs (id, job_id, node_id, status, started_at, ended_at, error_text)
VALUES ($1, $2, $3, 'rejected', $4, $4, 'previous run still active')`,
			runID, job.ID, job.Node, now); err != nil {
			return nil, err
		}
		metrics.RunsTotal.WithLabelValues(string(jobs.StatusRejected)).Inc()
		s.log.Info().Str("job_id", job.ID).Str("run_id", runID).Msg("occurrence rejected, previous run active")
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO runs (id, job_id, node_id, status, started_at)
VALUES ($1, $2, $3, 'queued', $4)`, runID, job.ID, job.Node, now); err != nil {
		return nil, err
	}
	return &StartSubject{RunID: runID, JobID: job.ID}, nil
}

func (s *Scanner) enqueueStart(ctx context.Context, sub StartSubject) {
	_, _, err := s.Queue.Enqueue(ctx, queue.EnqueueParams{
		Kind:     StartTaskKind,
		DedupKey: StartTaskKind + ":" + sub.RunID,
		Subject:  sub,
	})
	if err != nil {
		// The run row is committed; the stale sweep re-enqueues it.
		s.log.Error().Err(err).Str("run_id", sub.RunID).Msg("start task enqueue failed")
	}
}

// requeueStale re-enqueues start tasks for runs stuck in queued, covering a
// crash between the firing commit and the task enqueue. Dedup keys make
// this a no-op for runs whose task still exists.
func (s *Scanner) requeueStale(ctx context.Context, now time.Time) {
	stale, err := s.Store.ListQueuedRunsBefore(ctx, now.Add(-time.Minute), 100)
	if err != nil {
		s.log.Error().Err(err).Msg("stale run sweep failed")
		return
	}
	for _, r := range stale {
		s.enqueueStart(ctx, StartSubject{RunID: r.ID, JobID: r.JobID})
	}
}
