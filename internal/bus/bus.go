// Package bus is the in-process run event fanout. Subscribers resume from a
// sequence number and receive every retained event past it, in order, with
// no duplicates. The bus is built to survive internal panics: a poisoned
// operation clears the affected state and keeps serving rather than taking
// the process down.
package bus

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Syt100/bastion-sub005/internal/jobs"
	"github.com/Syt100/bastion-sub005/internal/logging"
)

// subBuffer is the per-subscriber channel capacity beyond the backfill. A
// subscriber that falls further behind is disconnected and must resubscribe
// with its last seen sequence.
const subBuffer = 256

var (
	// ErrOutOfOrder is returned when a published event does not extend the
	// run's sequence by exactly one.
	ErrOutOfOrder = errors.New("bus: event sequence out of order")
)

// Subscription streams events for one run. The channel closes when the
// subscriber lags too far, the run is forgotten, or Cancel is called; the
// consumer then resubscribes with the last sequence it processed.
type Subscription struct {
	C      <-chan jobs.RunEvent
	ch     chan jobs.RunEvent
	cancel func()
	once   sync.Once
}

// Cancel detaches the subscription and closes its channel.
func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

type runState struct {
	// base is the sequence number before the first retained event. It is
	// seeded by the run's first publish, so a run resumed after a restart
	// picks up at its persisted sequence rather than at one.
	base   int64
	events []jobs.RunEvent
	subs   map[*Subscription]struct{}
}

// Bus fans run events out to in-process subscribers.
type Bus struct {
	mu   sync.Mutex
	runs map[string]*runState
}

func New() *Bus {
	return &Bus{runs: make(map[string]*runState)}
}

// Publish appends an event and delivers it to the run's subscribers.
// Sequencing is strict: the event's Seq must be exactly one past the last
// retained for its run. The first event of a run sets the baseline, so a
// run already mid-sequence (hub restart, agent sync-back) is accepted.
func (b *Bus) Publish(ev jobs.RunEvent) (err error) {
	defer b.recoverPoison("publish", &err)

	var dropped []*Subscription
	err = b.withLock(func() error {
		rs := b.run(ev.RunID)
		if len(rs.events) == 0 {
			if ev.Seq < 1 {
				return fmt.Errorf("%w: run %s got seq %d want >= 1", ErrOutOfOrder, ev.RunID, ev.Seq)
			}
			rs.base = ev.Seq - 1
		} else if want := rs.base + int64(len(rs.events)) + 1; ev.Seq != want {
			return fmt.Errorf("%w: run %s got seq %d want %d", ErrOutOfOrder, ev.RunID, ev.Seq, want)
		}
		rs.events = append(rs.events, ev)
		for sub := range rs.subs {
			select {
			case sub.ch <- ev:
			default:
				// Lagging consumer: detach it instead of blocking the
				// publisher; it resumes via after_seq on resubscribe.
				delete(rs.subs, sub)
				dropped = append(dropped, sub)
			}
		}
		return nil
	})
	for _, sub := range dropped {
		sub.close()
	}
	return err
}

// Subscribe returns a stream of the run's events with Seq > afterSeq. The
// backfill of already-retained events is delivered first, then live events,
// in order, without duplicates.
func (b *Bus) Subscribe(runID string, afterSeq int64) (sub *Subscription, err error) {
	defer b.recoverPoison("subscribe", &err)

	err = b.withLock(func() error {
		rs := b.run(runID)

		var backlog []jobs.RunEvent
		start := afterSeq - rs.base
		if start < 0 {
			start = 0
		}
		if start < int64(len(rs.events)) {
			backlog = rs.events[start:]
		}
		ch := make(chan jobs.RunEvent, len(backlog)+subBuffer)
		for _, ev := range backlog {
			ch <- ev
		}
		sub = &Subscription{ch: ch, C: ch}
		sub.cancel = func() { b.unsubscribe(runID, sub) }
		rs.subs[sub] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// LastSeq reports the highest retained sequence for a run.
func (b *Bus) LastSeq(runID string) (seq int64) {
	defer b.recoverPoison("lastseq", nil)
	_ = b.withLock(func() error {
		if rs, ok := b.runs[runID]; ok {
			seq = rs.base + int64(len(rs.events))
		}
		return nil
	})
	return seq
}

// Forget drops a run's retained events and closes its subscribers. Called by
// the owner after the terminal event has been persisted and consumed.
func (b *Bus) Forget(runID string) {
	defer b.recoverPoison("forget", nil)

	var subs []*Subscription
	_ = b.withLock(func() error {
		if rs, ok := b.runs[runID]; ok {
			for sub := range rs.subs {
				subs = append(subs, sub)
			}
			delete(b.runs, runID)
		}
		return nil
	})
	for _, sub := range subs {
		sub.close()
	}
}

func (b *Bus) unsubscribe(runID string, sub *Subscription) {
	defer b.recoverPoison("unsubscribe", nil)
	_ = b.withLock(func() error {
		if rs, ok := b.runs[runID]; ok {
			delete(rs.subs, sub)
		}
		return nil
	})
	sub.close()
}

// run returns (creating if needed) the state for a run id. Caller holds mu.
func (b *Bus) run(runID string) *runState {
	rs, ok := b.runs[runID]
	if !ok {
		rs = &runState{subs: make(map[*Subscription]struct{})}
		b.runs[runID] = rs
	}
	return rs
}

// withLock runs fn under the bus lock, releasing it even if fn panics so a
// poisoned operation cannot wedge every later caller.
func (b *Bus) withLock(fn func() error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fn()
}

// recoverPoison converts an internal panic into an error and resets the
// affected bookkeeping, keeping the bus serving.
func (b *Bus) recoverPoison(op string, err *error) {
	r := recover()
	if r == nil {
		return
	}
	l := logging.With("bus")
	l.Error().Str("op", op).Interface("panic", r).
		Msg("recovered internal panic, clearing bus state")
	b.mu.Lock()
	if b.runs == nil {
		b.runs = make(map[string]*runState)
	}
	b.mu.Unlock()
	if err != nil {
		*err = fmt.Errorf("bus: internal panic in %s: %v", op, r)
	}
}
