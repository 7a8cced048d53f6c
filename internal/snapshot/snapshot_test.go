package snapshot

import (
	"testing"
	"time"

	"github.com/Syt100/bastion-sub005/internal/jobs"
)

func job(id, cron string, enabled bool) jobs.Job {
	return jobs.Job{
		ID:       id,
		Name:     "backup-" + id,
		CronExpr: cron,
		Timezone: "UTC",
		Node:     "agent-1",
		Overlap:  jobs.OverlapReject,
		Handler:  "shell",
		Enabled:  enabled,
	}
}

func TestCompute_Deterministic(t *testing.T) {
	a := []jobs.Job{job("j1", "0 2 * * *", true), job("j2", "30 4 * * *", true)}
	b := []jobs.Job{a[1], a[0]} // same content, different order

	s1 := Compute("agent-1", a)
	s2 := Compute("agent-1", b)
	if s1.ID != s2.ID {
		t.Fatalf("ids differ for identical content: %s vs %s", s1.ID, s2.ID)
	}
	if len(s1.Jobs) != 2 || s1.Jobs[0].ID != "j1" {
		t.Fatalf("jobs not sorted by id: %+v", s1.Jobs)
	}
}

func TestCompute_ChangeAltersID(t *testing.T) {
	base := []jobs.Job{job("j1", "0 2 * * *", true)}
	changed := []jobs.Job{job("j1", "0 3 * * *", true)}

	if Compute("agent-1", base).ID == Compute("agent-1", changed).ID {
		t.Fatal("id unchanged after cron expression change")
	}
}

func TestCompute_SkipsDisabledAndArchived(t *testing.T) {
	disabled := job("j2", "0 2 * * *", false)
	archived := job("j3", "0 2 * * *", true)
	archived.Archived = true

	s := Compute("agent-1", []jobs.Job{job("j1", "0 2 * * *", true), disabled, archived})
	if len(s.Jobs) != 1 || s.Jobs[0].ID != "j1" {
		t.Fatalf("want only enabled job, got %+v", s.Jobs)
	}
}

func TestCompute_AgentIDPartOfIdentity(t *testing.T) {
	js := []jobs.Job{job("j1", "0 2 * * *", true)}
	if Compute("agent-1", js).ID == Compute("agent-2", js).ID {
		t.Fatal("snapshots for different agents share an id")
	}
}

// push delivers id through the tracker and reports whether it was sent.
func push(t *testing.T, tr *Tracker, agentID, id string) bool {
	t.Helper()
	sent := false
	err := tr.Push(agentID, func(lastSent string) (string, error) {
		if lastSent == id {
			return lastSent, nil
		}
		sent = true
		return id, nil
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	return sent
}

func TestTracker_SuppressesUnchangedWithinSession(t *testing.T) {
	tr := NewTracker()
	tr.SessionStarted("agent-1")

	if !push(t, tr, "agent-1", "abc") {
		t.Fatal("first snapshot of a session must be sent")
	}
	if push(t, tr, "agent-1", "abc") {
		t.Fatal("unchanged snapshot re-sent within session")
	}
	if !push(t, tr, "agent-1", "def") {
		t.Fatal("changed snapshot suppressed")
	}
}

func TestTracker_ReconnectAlwaysSends(t *testing.T) {
	tr := NewTracker()
	epoch := tr.SessionStarted("agent-1")
	push(t, tr, "agent-1", "abc")
	tr.SessionEnded("agent-1", epoch)

	tr.SessionStarted("agent-1")
	if !push(t, tr, "agent-1", "abc") {
		t.Fatal("snapshot suppressed across sessions; agent may hold stale config")
	}
}

func TestTracker_StaleSessionEndKeepsReplacementState(t *testing.T) {
	tr := NewTracker()
	old := tr.SessionStarted("agent-1")

	// Replacement connects before the old connection finishes tearing down.
	tr.SessionStarted("agent-1")
	push(t, tr, "agent-1", "abc")
	tr.SessionEnded("agent-1", old)

	if !push(t, tr, "agent-1", "def") {
		t.Fatal("changed snapshot suppressed")
	}
	if push(t, tr, "agent-1", "def") {
		t.Fatal("stale teardown cleared the replacement session's state")
	}
}

func TestTracker_PushSerializesPerAgent(t *testing.T) {
	tr := NewTracker()
	tr.SessionStarted("agent-1")

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = tr.Push("agent-1", func(string) (string, error) {
			close(entered)
			<-release
			return "abc", nil
		})
	}()
	<-entered

	second := make(chan struct{})
	go func() {
		_ = tr.Push("agent-1", func(string) (string, error) { return "def", nil })
		close(second)
	}()

	select {
	case <-second:
		t.Fatal("second push ran while the first still held the agent")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("second push never ran after the first finished")
	}
}
