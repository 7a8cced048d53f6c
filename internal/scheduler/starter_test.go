package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Syt100/bastion-sub005/internal/bus"
	"github.com/Syt100/bastion-sub005/internal/dispatch"
	"github.com/Syt100/bastion-sub005/internal/jobs"
	"github.com/Syt100/bastion-sub005/internal/queue"
)

type fakeStore struct {
	runs map[string]*jobs.Run
	jobs map[string]*jobs.Job

	active   *jobs.Run
	running  []string
	finished map[string]jobs.RunStatus
	seq      int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runs:     make(map[string]*jobs.Run),
		jobs:     make(map[string]*jobs.Job),
		finished: make(map[string]jobs.RunStatus),
	}
}

func (f *fakeStore) GetRun(_ context.Context, id string) (*jobs.Run, error) {
	r, ok := f.runs[id]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	return r, nil
}

func (f *fakeStore) GetJob(_ context.Context, id string) (*jobs.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	return j, nil
}

func (f *fakeStore) ActiveRun(_ context.Context, _ string) (*jobs.Run, error) {
	if f.active == nil {
		return nil, jobs.ErrNotFound
	}
	return f.active, nil
}

func (f *fakeStore) SetRunRunning(_ context.Context, id string) error {
	f.running = append(f.running, id)
	return nil
}

func (f *fakeStore) FinishRun(_ context.Context, id string, status jobs.RunStatus, _ time.Time, _ *string) error {
	f.finished[id] = status
	return nil
}

func (f *fakeStore) AppendRunEvent(_ context.Context, runID, kind string, ts time.Time, fields map[string]any) (*jobs.RunEvent, error) {
	f.seq++
	return &jobs.RunEvent{RunID: runID, Seq: f.seq, Timestamp: ts, Kind: kind, Fields: fields}, nil
}

type fakeDispatch struct {
	started []string
	err     error
}

func (f *fakeDispatch) StartRun(_ context.Context, _ jobs.Job, runID string) error {
	if f.err != nil {
		return f.err
	}
	f.started = append(f.started, runID)
	return nil
}

func startTask(t *testing.T, runID, jobID string) *queue.Task {
	t.Helper()
	b, err := json.Marshal(StartSubject{RunID: runID, JobID: jobID})
	if err != nil {
		t.Fatal(err)
	}
	return &queue.Task{ID: "t1", Kind: StartTaskKind, Subject: b, Status: queue.StateRunning, Attempts: 1}
}

func enabledJob(id string) *jobs.Job {
	return &jobs.Job{ID: id, Name: "b", CronExpr: "0 2 * * *", Timezone: "UTC", Node: jobs.NodeHub, Overlap: jobs.OverlapQueue, Handler: "shell", Enabled: true}
}

func TestStarter_StartsQueuedRun(t *testing.T) {
	fs := newFakeStore()
	fs.jobs["j1"] = enabledJob("j1")
	fs.runs["r1"] = &jobs.Run{ID: "r1", JobID: "j1", Status: jobs.StatusQueued}
	fd := &fakeDispatch{}
	st := &Starter{Store: fs, Bus: bus.New(), Dispatch: fd}

	if err := st.handle(context.Background(), startTask(t, "r1", "j1")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(fd.started) != 1 || fd.started[0] != "r1" {
		t.Fatalf("started = %v, want [r1]", fd.started)
	}
	if len(fs.running) != 1 {
		t.Fatalf("run not marked running")
	}
}

func TestStarter_MissingRunIsGone(t *testing.T) {
	st := &Starter{Store: newFakeStore(), Bus: bus.New(), Dispatch: &fakeDispatch{}}
	err := st.handle(context.Background(), startTask(t, "r-nope", "j1"))
	if !errors.Is(err, queue.ErrGone) {
		t.Fatalf("err = %v, want ErrGone", err)
	}
}

func TestStarter_AlreadyStartedIsGone(t *testing.T) {
	fs := newFakeStore()
	fs.runs["r1"] = &jobs.Run{ID: "r1", JobID: "j1", Status: jobs.StatusRunning}
	st := &Starter{Store: fs, Bus: bus.New(), Dispatch: &fakeDispatch{}}

	err := st.handle(context.Background(), startTask(t, "r1", "j1"))
	if !errors.Is(err, queue.ErrGone) {
		t.Fatalf("err = %v, want ErrGone", err)
	}
}

func TestStarter_DisabledJobFailsRun(t *testing.T) {
	fs := newFakeStore()
	j := enabledJob("j1")
	j.Enabled = false
	fs.jobs["j1"] = j
	fs.runs["r1"] = &jobs.Run{ID: "r1", JobID: "j1", Status: jobs.StatusQueued}
	st := &Starter{Store: fs, Bus: bus.New(), Dispatch: &fakeDispatch{}}

	err := st.handle(context.Background(), startTask(t, "r1", "j1"))
	if !errors.Is(err, queue.ErrGone) {
		t.Fatalf("err = %v, want ErrGone", err)
	}
	if fs.finished["r1"] != jobs.StatusFailed {
		t.Fatalf("run not failed, finished = %v", fs.finished)
	}
}

func TestStarter_WaitsBehindActiveRun(t *testing.T) {
	fs := newFakeStore()
	fs.jobs["j1"] = enabledJob("j1")
	fs.runs["r2"] = &jobs.Run{ID: "r2", JobID: "j1", Status: jobs.StatusQueued}
	fs.active = &jobs.Run{ID: "r1", JobID: "j1", Status: jobs.StatusRunning}
	fd := &fakeDispatch{}
	st := &Starter{Store: fs, Bus: bus.New(), Dispatch: fd}

	err := st.handle(context.Background(), startTask(t, "r2", "j1"))
	if err == nil || queue.Classify(err) == queue.ErrKindConfig {
		t.Fatalf("err = %v, want a retryable wait", err)
	}
	if !queue.Classify(err).Retryable() {
		t.Fatalf("wait error must be retryable, got kind %q", queue.Classify(err))
	}
	if len(fd.started) != 0 {
		t.Fatal("run started despite an active predecessor")
	}
}

func TestStarter_QueuedPredecessorBlocksLaterRun(t *testing.T) {
	fs := newFakeStore()
	fs.jobs["j1"] = enabledJob("j1")
	fs.runs["r1"] = &jobs.Run{ID: "r1", JobID: "j1", Status: jobs.StatusQueued}
	fs.runs["r2"] = &jobs.Run{ID: "r2", JobID: "j1", Status: jobs.StatusQueued}
	fs.active = fs.runs["r1"]
	fd := &fakeDispatch{}
	st := &Starter{Store: fs, Bus: bus.New(), Dispatch: fd}

	// Two start attempts race before either run is marked running. The
	// later run must wait even though its predecessor is still queued.
	err := st.handle(context.Background(), startTask(t, "r2", "j1"))
	if err == nil || !queue.Classify(err).Retryable() {
		t.Fatalf("later run should wait retryably, got %v", err)
	}
	if err := st.handle(context.Background(), startTask(t, "r1", "j1")); err != nil {
		t.Fatalf("earliest run should start: %v", err)
	}
	if len(fd.started) != 1 || fd.started[0] != "r1" {
		t.Fatalf("started = %v, want [r1] only", fd.started)
	}
}

func TestStarter_OfflineAgentIsNetworkError(t *testing.T) {
	fs := newFakeStore()
	j := enabledJob("j1")
	j.Node = "agent-1"
	fs.jobs["j1"] = j
	fs.runs["r1"] = &jobs.Run{ID: "r1", JobID: "j1", Status: jobs.StatusQueued}
	st := &Starter{Store: fs, Bus: bus.New(), Dispatch: &fakeDispatch{err: dispatch.ErrAgentOffline}}

	err := st.handle(context.Background(), startTask(t, "r1", "j1"))
	if queue.Classify(err) != queue.ErrKindNetwork {
		t.Fatalf("classified %q, want network", queue.Classify(err))
	}
}
