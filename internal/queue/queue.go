package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Syt100/bastion-sub005/internal/logging"
	"github.com/Syt100/bastion-sub005/internal/metrics"
)

// HandlerFunc executes one attempt of a task. A nil return (or ErrGone)
// completes the task as done; any other error is classified and drives the
// retry/blocked decision.
type HandlerFunc func(ctx context.Context, t *Task) error

// Options tunes the worker pool.
type Options struct {
	// Workers is the number of concurrent claim loops.
	Workers int
	// ClaimBlock is how long an idle worker waits before re-polling when
	// no explicit wake arrives.
	ClaimBlock time.Duration
	// MaxAttempts parks a task as blocked after this many failed
	// attempts; zero retries forever.
	MaxAttempts int
	// ReclaimAfter returns a task stranded in running (worker crash, lost
	// settle) to retrying once its claim is this old.
	ReclaimAfter time.Duration
}

// Queue couples a Store with a worker pool and the operator surface.
type Queue struct {
	store Store
	opts  Options
	log   zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	wake chan struct{}
	wg   sync.WaitGroup
}

func New(store Store, opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.ClaimBlock <= 0 {
		opts.ClaimBlock = 2 * time.Second
	}
	if opts.ReclaimAfter <= 0 {
		opts.ReclaimAfter = 10 * time.Minute
	}
	return &Queue{
		store:    store,
		opts:     opts,
		log:      logging.With("queue"),
		handlers: make(map[string]HandlerFunc),
		wake:     make(chan struct{}, 1),
	}
}

// Store exposes the underlying store for read paths (operator listings).
func (q *Queue) Store() Store { return q.store }

// Register installs the handler for a task kind. Must be called before
// Start.
func (q *Queue) Register(kind string, h HandlerFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

func (q *Queue) kinds() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]string, 0, len(q.handlers))
	for k := range q.handlers {
		out = append(out, k)
	}
	return out
}

func (q *Queue) handler(kind string) (HandlerFunc, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	h, ok := q.handlers[kind]
	return h, ok
}

// Wake nudges idle workers; coalesces bursts.
func (q *Queue) Wake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue inserts a task, collapsing duplicates by dedup key, and wakes the
// pool. Enqueueing an existing key is a no-op against the existing task.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (*Task, bool, error) {
	t, created, err := q.store.Enqueue(ctx, p)
	if err != nil {
		return nil, false, err
	}
	if created {
		metrics.TaskTransitionsTotal.WithLabelValues(t.Kind, string(StateQueued)).Inc()
		q.Wake()
	}
	return t, created, nil
}

// Start launches the worker pool; it drains and returns when ctx is
// canceled. In-flight attempts finish their current unit of work.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.loop(ctx)
		}()
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.reap(ctx)
	}()
}

// Wait blocks until all workers have exited.
func (q *Queue) Wait() { q.wg.Wait() }

func (q *Queue) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t, err := q.store.Claim(ctx, q.kinds(), time.Now().UTC())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.log.Error().Err(err).Msg("claim failed")
			t = nil
		}
		if t == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
			case <-time.After(q.opts.ClaimBlock):
			}
			continue
		}
		q.execute(ctx, t)
	}
}

func (q *Queue) execute(ctx context.Context, t *Task) {
	h, ok := q.handler(t.Kind)
	if !ok {
		// No handler registered for a claimed kind is a deployment
		// problem; park the task for the operator.
		q.settle(ctx, t, Classified(ErrKindConfig, errors.New("no handler for kind "+t.Kind)))
		return
	}

	err := h(ctx, t)
	if err != nil && !errors.Is(err, ErrGone) {
		q.settle(ctx, t, err)
		return
	}
	q.settle(ctx, t, nil)
}

// settle records the outcome of a finished attempt. The transition guards on
// the running state, so an operator abandon that landed mid-attempt wins and
// the outcome is dropped (cooperative cancellation).
func (q *Queue) settle(ctx context.Context, t *Task, attemptErr error) {
	var tr Transition
	switch {
	case attemptErr == nil:
		tr = Transition{TaskID: t.ID, From: []State{StateRunning}, To: StateDone}

	default:
		kind := Classify(attemptErr)
		kindStr := string(kind)
		errStr := attemptErr.Error()
		to := StateRetrying
		next := time.Now().UTC().Add(Backoff(t.Attempts))
		if !kind.Retryable() || (q.opts.MaxAttempts > 0 && t.Attempts >= q.opts.MaxAttempts) {
			to = StateBlocked
		}
		tr = Transition{
			TaskID:        t.ID,
			From:          []State{StateRunning},
			To:            to,
			NextAttemptAt: &next,
			ErrKind:       &kindStr,
			ErrText:       &errStr,
		}
	}

	// The outcome must land even when the worker context was canceled by
	// shutdown mid-attempt; otherwise the task is stranded in running
	// until the reaper reclaims it.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	applied, err := q.store.Apply(sctx, tr)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			q.log.Info().Str("task", t.ID).Msg("attempt outcome dropped, task transitioned concurrently")
			return
		}
		q.log.Error().Err(err).Str("task", t.ID).Msg("settle failed")
		return
	}
	metrics.TaskTransitionsTotal.WithLabelValues(applied.Kind, string(applied.Status)).Inc()
	if applied.Status == StateRetrying {
		q.log.Warn().Str("task", t.ID).Int("attempt", applied.Attempts).
			Str("error_kind", str(applied.LastErrorKind)).
			Time("next_attempt_at", applied.NextAttemptAt).
			Msg("task attempt failed, retrying")
	}
}

// reap periodically returns tasks stuck in running past ReclaimAfter to
// retrying. Covers worker crashes and settles lost between process restarts;
// the attempt stays counted, so MaxAttempts still applies.
func (q *Queue) reap(ctx context.Context) {
	interval := q.opts.ReclaimAfter / 2
	if interval < 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		cutoff := time.Now().UTC().Add(-q.opts.ReclaimAfter)
		reclaimed, err := q.store.ReclaimStale(ctx, cutoff)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.log.Error().Err(err).Msg("stale-claim reclaim failed")
		}
		for _, t := range reclaimed {
			metrics.TaskTransitionsTotal.WithLabelValues(t.Kind, string(t.Status)).Inc()
			q.log.Warn().Str("task", t.ID).Int("attempt", t.Attempts).
				Msg("reclaimed task with expired claim")
		}
		if len(reclaimed) > 0 {
			q.Wake()
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ---------- operator actions ----------

// RetryNow re-queues a parked task immediately, resetting the attempt count
// and last error. The task's event history is untouched.
func (q *Queue) RetryNow(ctx context.Context, taskID string) (*Task, error) {
	now := time.Now().UTC()
	t, err := q.store.Apply(ctx, Transition{
		TaskID:        taskID,
		From:          []State{StateRetrying, StateBlocked, StateIgnored, StateQueued},
		To:            StateQueued,
		ResetAttempts: true,
		NextAttemptAt: &now,
	})
	if err != nil {
		return nil, err
	}
	q.Wake()
	return t, nil
}

// Ignore stops automatic retries without discarding the task.
func (q *Queue) Ignore(ctx context.Context, taskID string) (*Task, error) {
	return q.store.Apply(ctx, Transition{
		TaskID: taskID,
		From:   []State{StateRetrying, StateBlocked, StateQueued},
		To:     StateIgnored,
	})
}

// Unignore resumes retrying without resetting attempt history.
func (q *Queue) Unignore(ctx context.Context, taskID string) (*Task, error) {
	now := time.Now().UTC()
	t, err := q.store.Apply(ctx, Transition{
		TaskID:        taskID,
		From:          []State{StateIgnored},
		To:            StateRetrying,
		NextAttemptAt: &now,
	})
	if err != nil {
		return nil, err
	}
	q.Wake()
	return t, nil
}

// Abandon force-stops a task; terminal. An in-flight attempt completes its
// current unit of work and its outcome is then dropped.
func (q *Queue) Abandon(ctx context.Context, taskID string) (*Task, error) {
	return q.store.Apply(ctx, Transition{TaskID: taskID, To: StateAbandoned})
}

func str(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
