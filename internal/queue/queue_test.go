package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestQueue(t *testing.T) (*Queue, *MemStore) {
	t.Helper()
	store := NewMemStore()
	return New(store, Options{Workers: 1, ClaimBlock: 10 * time.Millisecond, MaxAttempts: 8}), store
}

func claimOne(t *testing.T, q *Queue, kinds ...string) *Task {
	t.Helper()
	task, err := q.store.Claim(context.Background(), kinds, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if task == nil {
		t.Fatalf("expected a claimable task")
	}
	return task
}

func TestEnqueue_DedupCollapses(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	t1, created, err := q.Enqueue(ctx, EnqueueParams{Kind: "delete", DedupKey: "snap-7"})
	if err != nil || !created {
		t.Fatalf("first enqueue: created=%v err=%v", created, err)
	}
	t2, created, err := q.Enqueue(ctx, EnqueueParams{Kind: "delete", DedupKey: "snap-7"})
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if created {
		t.Fatalf("duplicate dedup key created a second task")
	}
	if t1.ID != t2.ID {
		t.Fatalf("expected same task, got %s and %s", t1.ID, t2.ID)
	}

	all, _ := q.store.List(ctx, "delete", 10)
	if len(all) != 1 {
		t.Fatalf("expected exactly one queue row, got %d", len(all))
	}
}

func TestExecute_GoneCompletesDone(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	q.Register("delete", func(ctx context.Context, task *Task) error {
		return ErrGone
	})

	if _, _, err := q.Enqueue(ctx, EnqueueParams{Kind: "delete", DedupKey: "missing"}); err != nil {
		t.Fatal(err)
	}
	task := claimOne(t, q, "delete")
	q.execute(ctx, task)

	got, err := q.store.Get(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StateDone {
		t.Fatalf("deleting an absent target should be done, got %s", got.Status)
	}
}

func TestExecute_NetworkFailuresThenSuccess(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	calls := 0
	q.Register("delete", func(ctx context.Context, task *Task) error {
		calls++
		if calls <= 2 {
			return Classified(ErrKindNetwork, errors.New("connection refused"))
		}
		return nil
	})

	if _, _, err := q.Enqueue(ctx, EnqueueParams{Kind: "delete", DedupKey: "snap-7"}); err != nil {
		t.Fatal(err)
	}

	var id string
	for i := 0; i < 3; i++ {
		task := claimOne(t, q, "delete")
		id = task.ID
		q.execute(ctx, task)
	}

	got, err := q.store.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StateDone {
		t.Fatalf("want done, got %s", got.Status)
	}
	if got.Attempts != 3 {
		t.Fatalf("want 3 attempts, got %d", got.Attempts)
	}

	evs, _ := q.store.Events(ctx, id)
	var retrying []TaskEvent
	for _, ev := range evs {
		if ev.ToState == StateRetrying {
			retrying = append(retrying, ev)
		}
	}
	if len(retrying) != 2 {
		t.Fatalf("want 2 retrying transitions in the event log, got %d", len(retrying))
	}
	for _, ev := range retrying {
		if ev.ErrorKind == nil || *ev.ErrorKind != string(ErrKindNetwork) {
			t.Fatalf("retrying event missing network classification: %+v", ev)
		}
	}
}

func TestExecute_BackoffIncreasesNextAttempt(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	q.Register("delete", func(ctx context.Context, task *Task) error {
		return Classified(ErrKindNetwork, errors.New("timeout"))
	})
	if _, _, err := q.Enqueue(ctx, EnqueueParams{Kind: "delete", DedupKey: "k"}); err != nil {
		t.Fatal(err)
	}

	var prev time.Time
	for i := 0; i < 3; i++ {
		task := claimOne(t, q, "delete")
		q.execute(ctx, task)
		got, _ := q.store.Get(ctx, task.ID)
		if got.Status != StateRetrying {
			t.Fatalf("want retrying, got %s", got.Status)
		}
		if i > 0 && !got.NextAttemptAt.After(prev) {
			t.Fatalf("next_attempt_at did not increase: %v then %v", prev, got.NextAttemptAt)
		}
		prev = got.NextAttemptAt
	}
}

func TestExecute_ConfigErrorBlocks(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	q.Register("delete", func(ctx context.Context, task *Task) error {
		return Classified(ErrKindConfig, errors.New("bad target descriptor"))
	})
	if _, _, err := q.Enqueue(ctx, EnqueueParams{Kind: "delete", DedupKey: "k"}); err != nil {
		t.Fatal(err)
	}
	task := claimOne(t, q, "delete")
	q.execute(ctx, task)

	got, _ := q.store.Get(ctx, task.ID)
	if got.Status != StateBlocked {
		t.Fatalf("config errors must not auto-retry, got %s", got.Status)
	}
}

func TestOperator_IgnoreUnignoreKeepsAttempts(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	q.Register("delete", func(ctx context.Context, task *Task) error {
		return Classified(ErrKindNetwork, errors.New("unreachable"))
	})
	if _, _, err := q.Enqueue(ctx, EnqueueParams{Kind: "delete", DedupKey: "k"}); err != nil {
		t.Fatal(err)
	}
	task := claimOne(t, q, "delete")
	q.execute(ctx, task)

	ig, err := q.Ignore(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ig.Status != StateIgnored {
		t.Fatalf("want ignored, got %s", ig.Status)
	}

	un, err := q.Unignore(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if un.Status != StateRetrying {
		t.Fatalf("want retrying after unignore, got %s", un.Status)
	}
	if un.Attempts != 1 {
		t.Fatalf("unignore must keep attempt history, got %d", un.Attempts)
	}
}

func TestOperator_RetryNowResetsAttemptsNotHistory(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	q.Register("delete", func(ctx context.Context, task *Task) error {
		return Classified(ErrKindNetwork, errors.New("unreachable"))
	})
	if _, _, err := q.Enqueue(ctx, EnqueueParams{Kind: "delete", DedupKey: "k"}); err != nil {
		t.Fatal(err)
	}
	task := claimOne(t, q, "delete")
	q.execute(ctx, task)

	before, _ := q.store.Events(ctx, task.ID)

	rt, err := q.RetryNow(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rt.Status != StateQueued || rt.Attempts != 0 {
		t.Fatalf("retry-now should requeue with zero attempts, got %s/%d", rt.Status, rt.Attempts)
	}
	if rt.LastErrorKind != nil {
		t.Fatalf("retry-now should clear the last error")
	}

	after, _ := q.store.Events(ctx, task.ID)
	if len(after) != len(before)+1 {
		t.Fatalf("audit history disturbed: %d -> %d events", len(before), len(after))
	}
}

func TestAbandon_WinsOverInFlightAttempt(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	q.Register("delete", func(ctx context.Context, task *Task) error {
		// Operator abandons while the attempt is running.
		if _, err := q.Abandon(ctx, task.ID); err != nil {
			t.Fatalf("abandon: %v", err)
		}
		return nil
	})
	if _, _, err := q.Enqueue(ctx, EnqueueParams{Kind: "delete", DedupKey: "k"}); err != nil {
		t.Fatal(err)
	}
	task := claimOne(t, q, "delete")
	q.execute(ctx, task)

	got, _ := q.store.Get(ctx, task.ID)
	if got.Status != StateAbandoned {
		t.Fatalf("abandon must be terminal, got %s", got.Status)
	}
}

// cancelSensitiveStore fails Apply once the caller's context is done,
// mirroring how a database-backed store behaves during shutdown.
type cancelSensitiveStore struct {
	Store
}

func (s cancelSensitiveStore) Apply(ctx context.Context, tr Transition) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Store.Apply(ctx, tr)
}

func TestSettle_RecordsOutcomeAfterShutdownCancel(t *testing.T) {
	q := New(cancelSensitiveStore{NewMemStore()}, Options{Workers: 1})
	ctx, cancel := context.WithCancel(context.Background())

	if _, _, err := q.Enqueue(ctx, EnqueueParams{Kind: "delete", DedupKey: "k"}); err != nil {
		t.Fatal(err)
	}
	task := claimOne(t, q, "delete")

	// Shutdown lands while the attempt is in flight.
	cancel()
	q.settle(ctx, task, nil)

	got, err := q.store.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StateDone {
		t.Fatalf("outcome lost to shutdown: want done, got %s", got.Status)
	}
}

func TestReclaimStale_RequeuesStrandedRunning(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()
	if _, _, err := q.Enqueue(ctx, EnqueueParams{Kind: "delete", DedupKey: "k"}); err != nil {
		t.Fatal(err)
	}
	task := claimOne(t, q, "delete")

	// Worker died holding the claim.
	store.mu.Lock()
	store.tasks[task.ID].UpdatedAt = time.Now().UTC().Add(-time.Hour)
	store.mu.Unlock()

	reclaimed, err := store.ReclaimStale(ctx, time.Now().UTC().Add(-10*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(reclaimed) != 1 || reclaimed[0].ID != task.ID {
		t.Fatalf("want the stranded task reclaimed, got %+v", reclaimed)
	}
	if reclaimed[0].Status != StateRetrying {
		t.Fatalf("want retrying, got %s", reclaimed[0].Status)
	}

	again := claimOne(t, q, "delete")
	if again.ID != task.ID || again.Attempts != 2 {
		t.Fatalf("reclaimed task should be claimable with attempts kept, got %s attempts=%d",
			again.ID, again.Attempts)
	}
}

func TestReclaimStale_LeavesFreshClaimsAlone(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()
	if _, _, err := q.Enqueue(ctx, EnqueueParams{Kind: "delete", DedupKey: "k"}); err != nil {
		t.Fatal(err)
	}
	claimOne(t, q, "delete")

	reclaimed, err := store.ReclaimStale(ctx, time.Now().UTC().Add(-10*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(reclaimed) != 0 {
		t.Fatalf("fresh claim must not be reclaimed, got %d", len(reclaimed))
	}
}

func TestClaim_AuditRecordsPriorState(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	q.Register("delete", func(ctx context.Context, task *Task) error {
		return Classified(ErrKindNetwork, errors.New("unreachable"))
	})
	if _, _, err := q.Enqueue(ctx, EnqueueParams{Kind: "delete", DedupKey: "k"}); err != nil {
		t.Fatal(err)
	}
	task := claimOne(t, q, "delete")
	q.execute(ctx, task)
	claimOne(t, q, "delete")

	evs, _ := q.store.Events(ctx, task.ID)
	var running []TaskEvent
	for _, ev := range evs {
		if ev.ToState == StateRunning {
			running = append(running, ev)
		}
	}
	if len(running) != 2 {
		t.Fatalf("want 2 claim events, got %d", len(running))
	}
	if running[0].FromState != StateQueued {
		t.Fatalf("first claim should come from queued, got %s", running[0].FromState)
	}
	if running[1].FromState != StateRetrying {
		t.Fatalf("second claim should come from retrying, got %s", running[1].FromState)
	}
}

func TestAbandon_Terminal(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	if _, _, err := q.Enqueue(ctx, EnqueueParams{Kind: "delete", DedupKey: "k"}); err != nil {
		t.Fatal(err)
	}
	task, _ := q.store.GetByDedupKey(ctx, "k")
	if _, err := q.Abandon(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := q.RetryNow(ctx, task.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("retry-now on abandoned task should conflict, got %v", err)
	}
}
