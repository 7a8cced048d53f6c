package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Syt100/bastion-sub005/internal/executor"
	"github.com/Syt100/bastion-sub005/internal/jobs"
	"github.com/Syt100/bastion-sub005/internal/logging"
	"github.com/Syt100/bastion-sub005/internal/schedule"
	"github.com/Syt100/bastion-sub005/internal/snapshot"
)

// OfflineScheduler fires the agent's jobs from the cached snapshot while
// the hub is unreachable. Occurrences are tracked against persisted
// next-fire checkpoints, so a restart resumes instead of refiring.
//
// While the hub session is live the checkpoints still advance, but
// execution is skipped: the hub dispatches those occurrences itself.
type OfflineScheduler struct {
	AgentID   string
	Store     *Store
	Exec      *executor.Executor
	Connected func() bool
	Now       func() time.Time

	mu      sync.Mutex
	running map[string]*sync.Mutex // per-job serialization

	log zerolog.Logger
}

func NewOfflineScheduler(agentID string, store *Store, exec *executor.Executor, connected func() bool) *OfflineScheduler {
	return &OfflineScheduler{
		AgentID:   agentID,
		Store:     store,
		Exec:      exec,
		Connected: connected,
		Now:       time.Now,
		running:   make(map[string]*sync.Mutex),
		log:       logging.With("offline-scheduler"),
	}
}

// Loop ticks once a second; cron resolution is one minute so this is well
// inside the firing tolerance.
func (o *OfflineScheduler) Loop(ctx context.Context) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			o.tick(ctx)
		}
	}
}

func (o *OfflineScheduler) tick(ctx context.Context) {
	snap, ok, err := o.Store.Snapshot()
	if err != nil {
		o.log.Error().Err(err).Msg("read snapshot failed")
		return
	}
	if !ok {
		return
	}
	now := o.Now().UTC()

	for _, spec := range snap.Jobs {
		due, occurrence, err := o.claimOccurrence(spec, now)
		if err != nil {
			o.log.Error().Err(err).Str("job_id", spec.ID).Msg("occurrence claim failed")
			continue
		}
		if !due {
			continue
		}
		if o.Connected() {
			// The hub owns this occurrence; the checkpoint has moved on.
			continue
		}
		go o.fire(ctx, spec, occurrence)
	}
}

// claimOccurrence advances the job's checkpoint past one due occurrence.
// Initializing a missing checkpoint never fires: occurrences from before
// the agent knew the job are not owed.
func (o *OfflineScheduler) claimOccurrence(spec snapshot.JobSpec, now time.Time) (bool, time.Time, error) {
	next, ok, err := o.Store.NextFire(spec.ID)
	if err != nil {
		return false, time.Time{}, err
	}
	if !ok {
		return false, time.Time{}, o.initCheckpoint(spec, now)
	}
	if next.After(now) {
		return false, time.Time{}, nil
	}

	following, err := schedule.NextFire(spec.CronExpr, spec.Timezone, now)
	switch {
	case err == nil:
		if err := o.Store.SetNextFire(spec.ID, following); err != nil {
			return false, time.Time{}, err
		}
	case errors.Is(err, schedule.ErrNeverFires):
		if err := o.Store.DropNextFire(spec.ID); err != nil {
			return false, time.Time{}, err
		}
	default:
		return false, time.Time{}, err
	}
	return true, next, nil
}

func (o *OfflineScheduler) initCheckpoint(spec snapshot.JobSpec, now time.Time) error {
	next, err := schedule.NextFire(spec.CronExpr, spec.Timezone, now)
	if errors.Is(err, schedule.ErrNeverFires) {
		return nil
	}
	if err != nil {
		return err
	}
	return o.Store.SetNextFire(spec.ID, next)
}

// fire executes one occurrence and stores the run record for sync-back.
func (o *OfflineScheduler) fire(ctx context.Context, spec snapshot.JobSpec, occurrence time.Time) {
	lock := o.jobLock(spec.ID)
	if spec.Overlap == jobs.OverlapReject {
		if !lock.TryLock() {
			o.saveRejected(spec)
			return
		}
	} else {
		lock.Lock()
	}
	defer lock.Unlock()

	runID := uuid.NewString()
	started := o.Now().UTC()

	// Buffered writer: handler emits never block on serialization.
	events := make(chan jobs.RunEvent, 64)
	var collected []jobs.RunEvent
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for ev := range events {
			ev.Seq = int64(len(collected) + 1)
			collected = append(collected, ev)
		}
	}()

	emit := func(kind string, fields map[string]any) {
		events <- jobs.RunEvent{RunID: runID, Timestamp: o.Now().UTC(), Kind: kind, Fields: fields}
	}

	emit(jobs.EventRunStarted, map[string]any{"node": o.AgentID, "offline": true, "occurrence": occurrence})
	_, runErr := o.Exec.Run(ctx, spec, emit)

	status := jobs.StatusSucceeded
	var errText *string
	if runErr != nil {
		status = jobs.StatusFailed
		msg := runErr.Error()
		errText = &msg
		emit(jobs.EventRunFinished, map[string]any{"status": string(status), "error": msg})
	} else {
		emit(jobs.EventRunFinished, map[string]any{"status": string(status)})
	}
	close(events)
	<-writerDone

	ended := o.Now().UTC()
	rec := jobs.IngestedRun{
		Run: jobs.Run{
			ID:        runID,
			JobID:     spec.ID,
			NodeID:    o.AgentID,
			Status:    status,
			StartedAt: started,
			EndedAt:   &ended,
			ErrorText: errText,
		},
		Events: collected,
	}
	if err := o.Store.SaveRun(rec); err != nil {
		o.log.Error().Err(err).Str("run_id", runID).Msg("save offline run failed")
	}
}

func (o *OfflineScheduler) jobLock(jobID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.running[jobID]
	if !ok {
		l = &sync.Mutex{}
		o.running[jobID] = l
	}
	return l
}

// saveRejected records an overlap-rejected occurrence so the hub history
// matches what it would have seen online.
func (o *OfflineScheduler) saveRejected(spec snapshot.JobSpec) {
	now := o.Now().UTC()
	reason := "previous run still active"
	rec := jobs.IngestedRun{
		Run: jobs.Run{
			ID:        uuid.NewString(),
			JobID:     spec.ID,
			NodeID:    o.AgentID,
			Status:    jobs.StatusRejected,
			StartedAt: now,
			EndedAt:   &now,
			ErrorText: &reason,
		},
	}
	if err := o.Store.SaveRun(rec); err != nil {
		o.log.Error().Err(err).Str("job_id", spec.ID).Msg("save rejected run failed")
	}
}
