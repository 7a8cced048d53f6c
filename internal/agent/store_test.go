package agent

import (
	"testing"
	"time"

	"github.com/Syt100/bastion-sub005/internal/jobs"
	"github.com/Syt100/bastion-sub005/internal/snapshot"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_SnapshotRoundTrip(t *testing.T) {
	s := testStore(t)

	if _, ok, err := s.Snapshot(); err != nil || ok {
		t.Fatalf("fresh store: ok=%v err=%v, want empty", ok, err)
	}

	snap := snapshot.Snapshot{AgentID: "a1", ID: "abc", GeneratedAt: time.Now().UTC(),
		Jobs: []snapshot.JobSpec{{ID: "j1", CronExpr: "0 2 * * *", Timezone: "UTC", Handler: "shell"}}}
	if err := s.SaveSnapshot(snap); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := s.Snapshot()
	if err != nil || !ok {
		t.Fatalf("read back: ok=%v err=%v", ok, err)
	}
	if got.ID != "abc" || len(got.Jobs) != 1 {
		t.Fatalf("got %+v", got)
	}
}

func TestStore_StaleSnapshotIgnored(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()

	newer := snapshot.Snapshot{AgentID: "a1", ID: "new", GeneratedAt: now}
	older := snapshot.Snapshot{AgentID: "a1", ID: "old", GeneratedAt: now.Add(-time.Hour)}

	if err := s.SaveSnapshot(newer); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSnapshot(older); err != nil {
		t.Fatal(err)
	}

	got, _, err := s.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "new" {
		t.Fatalf("snapshot id = %q, older content replaced newer", got.ID)
	}
}

func TestStore_RunSyncLifecycle(t *testing.T) {
	s := testStore(t)
	ended := time.Now().UTC()

	for _, id := range []string{"r1", "r2"} {
		rec := jobs.IngestedRun{
			Run:    jobs.Run{ID: id, JobID: "j1", NodeID: "a1", Status: jobs.StatusSucceeded, StartedAt: ended, EndedAt: &ended},
			Events: []jobs.RunEvent{{RunID: id, Seq: 1, Timestamp: ended, Kind: jobs.EventRunStarted}},
		}
		if err := s.SaveRun(rec); err != nil {
			t.Fatalf("save run %s: %v", id, err)
		}
	}

	recs, err := s.UnsyncedRuns()
	if err != nil || len(recs) != 2 {
		t.Fatalf("unsynced = %d, err %v; want 2", len(recs), err)
	}

	// Only acked ids are purged.
	if err := s.PurgeRuns([]string{"r1", "r-unknown"}); err != nil {
		t.Fatalf("purge: %v", err)
	}
	recs, err = s.UnsyncedRuns()
	if err != nil || len(recs) != 1 || recs[0].Run.ID != "r2" {
		t.Fatalf("after purge: %+v, err %v; want only r2", recs, err)
	}
}

func TestStore_NextFireCheckpoint(t *testing.T) {
	s := testStore(t)

	if _, ok, err := s.NextFire("j1"); err != nil || ok {
		t.Fatalf("fresh checkpoint: ok=%v err=%v", ok, err)
	}
	at := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	if err := s.SetNextFire("j1", at); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.NextFire("j1")
	if err != nil || !ok || !got.Equal(at) {
		t.Fatalf("got %v ok=%v err=%v", got, ok, err)
	}
	if err := s.DropNextFire("j1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.NextFire("j1"); ok {
		t.Fatal("checkpoint survived drop")
	}
}
