package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Syt100/bastion-sub005/internal/bus"
	"github.com/Syt100/bastion-sub005/internal/dispatch"
	"github.com/Syt100/bastion-sub005/internal/jobs"
	"github.com/Syt100/bastion-sub005/internal/queue"
)

// RunStarter routes a queued run to its execution node. Satisfied by
// dispatch.Dispatcher.
type RunStarter interface {
	StartRun(ctx context.Context, job jobs.Job, runID string) error
}

// startStore is the slice of jobs.Store the starter needs.
type startStore interface {
	GetRun(ctx context.Context, runID string) (*jobs.Run, error)
	GetJob(ctx context.Context, id string) (*jobs.Job, error)
	ActiveRun(ctx context.Context, jobID string) (*jobs.Run, error)
	SetRunRunning(ctx context.Context, runID string) error
	FinishRun(ctx context.Context, runID string, status jobs.RunStatus, endedAt time.Time, errText *string) error
	AppendRunEvent(ctx context.Context, runID, kind string, ts time.Time, fields map[string]any) (*jobs.RunEvent, error)
}

// Starter executes run.start tasks: it revalidates the run, honors the
// overlap queue policy, and hands the run to the dispatcher. Failures ride
// the queue's retry schedule, which is what makes "queue" overlap and
// briefly-offline agents work without bespoke timers.
type Starter struct {
	Store    startStore
	Bus      *bus.Bus
	Dispatch RunStarter
}

func (st *Starter) Register(q *queue.Queue) {
	q.Register(StartTaskKind, st.handle)
}

func (st *Starter) handle(ctx context.Context, t *queue.Task) error {
	var sub StartSubject
	if err := json.Unmarshal(t.Subject, &sub); err != nil {
		return queue.Classified(queue.ErrKindConfig, fmt.Errorf("bad subject: %w", err))
	}

	run, err := st.Store.GetRun(ctx, sub.RunID)
	if errors.Is(err, jobs.ErrNotFound) {
		return queue.ErrGone
	}
	if err != nil {
		return queue.Classified(queue.ErrKindNetwork, err)
	}
	if run.Status != jobs.StatusQueued {
		// Already started, or settled by an operator.
		return queue.ErrGone
	}

	job, err := st.Store.GetJob(ctx, sub.JobID)
	if errors.Is(err, jobs.ErrNotFound) {
		st.failRun(ctx, sub.RunID, "job removed before start")
		return queue.ErrGone
	}
	if err != nil {
		return queue.Classified(queue.ErrKindNetwork, err)
	}
	if !job.Enabled || job.Archived {
		st.failRun(ctx, sub.RunID, "job disabled before start")
		return queue.ErrGone
	}

	// Overlap "queue": only the job's earliest non-terminal run may start;
	// every later run waits on the retry backoff. Gating on queued runs
	// too keeps two concurrent start attempts from both dispatching.
	if active, err := st.Store.ActiveRun(ctx, job.ID); err == nil && active.ID != run.ID {
		return queue.Classified(queue.ErrKindUnknown, errors.New("earlier run still active"))
	}

	if err := st.Dispatch.StartRun(ctx, *job, run.ID); err != nil {
		if errors.Is(err, dispatch.ErrAgentOffline) {
			return queue.Classified(queue.ErrKindNetwork, err)
		}
		return err
	}
	if err := st.Store.SetRunRunning(ctx, run.ID); err != nil && !errors.Is(err, jobs.ErrNotFound) {
		return queue.Classified(queue.ErrKindNetwork, err)
	}

	if ev, err := st.Store.AppendRunEvent(ctx, run.ID, jobs.EventRunStarted, time.Now().UTC(),
		map[string]any{"node": job.Node}); err == nil {
		_ = st.Bus.Publish(*ev)
	}
	return nil
}

func (st *Starter) failRun(ctx context.Context, runID, reason string) {
	now := time.Now().UTC()
	_ = st.Store.FinishRun(ctx, runID, jobs.StatusFailed, now, &reason)
}
