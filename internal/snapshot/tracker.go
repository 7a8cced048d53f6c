package snapshot

import "sync"

// Tracker remembers the last snapshot id sent to each agent during its
// current session. State is per-session: a reconnect clears it, so the
// first snapshot after a reconnect is always sent even when unchanged.
//
// Sessions are identified by an epoch so a late teardown of a replaced
// connection cannot clear the replacement's state, and Push serializes the
// whole compute-and-send per agent so concurrent pushes cannot record a
// stale snapshot as the last one delivered.
type Tracker struct {
	mu     sync.Mutex
	agents map[string]*agentState
}

type agentState struct {
	mu       sync.Mutex
	epoch    uint64
	lastSent string
}

func NewTracker() *Tracker {
	return &Tracker{agents: make(map[string]*agentState)}
}

func (t *Tracker) state(agentID string) *agentState {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.agents[agentID]
	if !ok {
		st = &agentState{}
		t.agents[agentID] = st
	}
	return st
}

// SessionStarted clears the agent's send history and returns the new
// session's epoch. Call on every connect; hand the epoch to SessionEnded.
func (t *Tracker) SessionStarted(agentID string) uint64 {
	st := t.state(agentID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.epoch++
	st.lastSent = ""
	return st.epoch
}

// SessionEnded clears the agent's send history, but only when epoch still
// names the current session. A stale teardown is a no-op.
func (t *Tracker) SessionEnded(agentID string, epoch uint64) {
	st := t.state(agentID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.epoch == epoch {
		st.lastSent = ""
	}
}

// Push runs fn under the agent's lock. fn receives the last snapshot id
// sent this session (empty when none) and returns the id it delivered;
// returning lastSent unchanged records nothing.
func (t *Tracker) Push(agentID string, fn func(lastSent string) (string, error)) error {
	st := t.state(agentID)
	st.mu.Lock()
	defer st.mu.Unlock()
	id, err := fn(st.lastSent)
	st.lastSent = id
	return err
}
