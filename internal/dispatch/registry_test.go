package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Syt100/bastion-sub005/internal/protocol"
)

func testSession(agentID string) *Session {
	return newSession(agentID, nil, time.Minute, 10*time.Second)
}

// nextFrame pops one queued outbound frame without running the write pump.
func nextFrame(t *testing.T, s *Session) protocol.Envelope {
	t.Helper()
	select {
	case data := <-s.send:
		env, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("decode outbound frame: %v", err)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no outbound frame queued")
		return protocol.Envelope{}
	}
}

func TestRegistry_RequestResponse(t *testing.T) {
	r := NewRegistry()
	s := testSession("agent-1")
	r.register(s)

	done := make(chan struct{})
	go func() {
		defer close(done)
		env := nextFrame(t, s)
		if env.Type != protocol.TypeRequest {
			t.Errorf("frame type = %q, want request", env.Type)
			return
		}
		var req protocol.Request
		if err := protocol.DecodePayload(env, &req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		if req.Op != protocol.OpProbe {
			t.Errorf("op = %q, want probe", req.Op)
		}
		r.resolve(s, env.ID, protocol.Response{OK: true})
	}()

	resp, err := r.Request(context.Background(), "agent-1", protocol.OpProbe, nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if !resp.OK {
		t.Fatalf("resp not OK: %+v", resp)
	}
	<-done
}

func TestRegistry_RequestToOfflineAgent(t *testing.T) {
	r := NewRegistry()
	_, err := r.Request(context.Background(), "nobody", protocol.OpProbe, nil)
	if !errors.Is(err, ErrAgentOffline) {
		t.Fatalf("err = %v, want ErrAgentOffline", err)
	}
}

func TestRegistry_DisconnectFailsAllPending(t *testing.T) {
	r := NewRegistry()
	s := testSession("agent-1")
	r.register(s)

	const n = 5
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Request(context.Background(), "agent-1", protocol.OpProbe, nil)
			errs <- err
		}()
	}

	waitFor(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.pending[s]) == n
	})

	r.unregister(s)
	wg.Wait()

	close(errs)
	for err := range errs {
		if !errors.Is(err, ErrAgentOffline) {
			t.Fatalf("pending request err = %v, want ErrAgentOffline", err)
		}
	}

	r.mu.Lock()
	leaked := len(r.pending[s])
	r.mu.Unlock()
	if leaked != 0 {
		t.Fatalf("%d pending requests leaked after disconnect", leaked)
	}
}

func TestRegistry_RequestHonorsContext(t *testing.T) {
	r := NewRegistry()
	s := testSession("agent-1")
	r.register(s)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := r.Request(ctx, "agent-1", protocol.OpProbe, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}

	r.mu.Lock()
	leaked := len(r.pending[s])
	r.mu.Unlock()
	if leaked != 0 {
		t.Fatalf("%d pending requests leaked after timeout", leaked)
	}
}

func TestRegistry_SecondSessionReplacesFirst(t *testing.T) {
	r := NewRegistry()
	s1 := testSession("agent-1")
	s2 := testSession("agent-1")
	r.register(s1)
	r.register(s2)

	select {
	case <-s1.Done():
	default:
		t.Fatal("first session not closed on replacement")
	}
	if r.Session("agent-1") != s2 {
		t.Fatal("replacement session not current")
	}

	// The stale session's teardown must not evict the replacement.
	r.unregister(s1)
	if r.Session("agent-1") != s2 {
		t.Fatal("stale disconnect evicted the live session")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
