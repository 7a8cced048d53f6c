package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Syt100/bastion-sub005/internal/bus"
	"github.com/Syt100/bastion-sub005/internal/executor"
	"github.com/Syt100/bastion-sub005/internal/jobs"
	"github.com/Syt100/bastion-sub005/internal/logging"
	"github.com/Syt100/bastion-sub005/internal/metrics"
	"github.com/Syt100/bastion-sub005/internal/snapshot"
)

// LocalRunner executes hub-owned runs in process. Dispatch returns as soon
// as the run goroutine is launched; progress flows through the store and
// the bus like any agent run.
type LocalRunner struct {
	Store *jobs.Store
	Bus   *bus.Bus
	Exec  *executor.Executor
	// Wake, when set, pokes the queue after a run settles so an
	// overlap-queued successor starts without waiting out its backoff.
	Wake func()

	mu       sync.Mutex
	inflight map[string]context.CancelFunc

	log zerolog.Logger
}

func NewLocalRunner(store *jobs.Store, b *bus.Bus, exec *executor.Executor) *LocalRunner {
	return &LocalRunner{Store: store, Bus: b, Exec: exec, log: logging.With("local-runner")}
}

func (l *LocalRunner) RunLocal(ctx context.Context, job jobs.Job, runID string) error {
	runCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	if l.inflight == nil {
		l.inflight = make(map[string]context.CancelFunc)
	}
	l.inflight[runID] = cancel
	l.mu.Unlock()

	go func() {
		defer func() {
			l.mu.Lock()
			delete(l.inflight, runID)
			l.mu.Unlock()
			cancel()
		}()
		l.run(runCtx, job, runID)
	}()
	return nil
}

// CancelRun cancels an in-flight local run. The run finishes as failed
// through the normal path.
func (l *LocalRunner) CancelRun(runID string) bool {
	l.mu.Lock()
	cancel, ok := l.inflight[runID]
	l.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (l *LocalRunner) run(ctx context.Context, job jobs.Job, runID string) {
	spec := snapshot.JobSpec{
		ID:             job.ID,
		Name:           job.Name,
		CronExpr:       job.CronExpr,
		Timezone:       job.Timezone,
		Overlap:        job.Overlap,
		Handler:        job.Handler,
		Args:           job.Args,
		CredentialRefs: job.CredentialRefs,
	}

	// Store writes must survive a canceled run so the terminal event and
	// status still land.
	wctx := context.WithoutCancel(ctx)

	emit := func(kind string, fields map[string]any) {
		ev, err := l.Store.AppendRunEvent(wctx, runID, kind, time.Now().UTC(), fields)
		if err != nil {
			l.log.Warn().Err(err).Str("run_id", runID).Msg("append run event failed")
			return
		}
		if err := l.Bus.Publish(*ev); err != nil {
			l.log.Warn().Err(err).Str("run_id", runID).Msg("bus publish failed")
		}
	}

	_, runErr := l.Exec.Run(ctx, spec, emit)

	status := jobs.StatusSucceeded
	var errText *string
	finishFields := map[string]any{"status": string(status)}
	if runErr != nil {
		status = jobs.StatusFailed
		msg := runErr.Error()
		errText = &msg
		finishFields = map[string]any{"status": string(status), "error": msg}
	}
	emit(jobs.EventRunFinished, finishFields)

	if err := l.Store.FinishRun(wctx, runID, status, time.Now().UTC(), errText); err != nil {
		l.log.Error().Err(err).Str("run_id", runID).Msg("finish run failed")
		return
	}
	metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	l.Bus.Forget(runID)
	if l.Wake != nil {
		l.Wake()
	}
}
