package dispatch

import (
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/Syt100/bastion-sub005/internal/protocol"
)

var (
	ErrRelayOverrun = errors.New("relay window exceeded")
	ErrRelayClosed  = errors.New("relay closed")
)

// RelayStream is the hub-side reader of a flow-controlled byte stream from
// an agent. The agent may have at most window unacknowledged bytes in
// flight; credit is returned as the consumer reads, so a slow consumer
// backpressures the agent instead of growing the buffer.
type RelayStream struct {
	ID string

	session *Session
	relays  *relayTable
	window  int

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	eof    bool
	err    error
	closed bool
}

type relayTable struct {
	mu      sync.Mutex
	streams map[string]*RelayStream
}

func newRelayTable() *relayTable {
	return &relayTable{streams: make(map[string]*RelayStream)}
}

// open creates a stream, registers it, and asks the agent to start sending.
func (t *relayTable) open(s *Session, resource string, window int) (*RelayStream, error) {
	rs := &RelayStream{
		ID:      uuid.NewString(),
		session: s,
		relays:  t,
		window:  window,
	}
	rs.cond = sync.NewCond(&rs.mu)

	t.mu.Lock()
	t.streams[rs.ID] = rs
	t.mu.Unlock()

	if err := s.Send(protocol.TypeRelayOpen, rs.ID, protocol.RelayOpen{Resource: resource, Window: window}); err != nil {
		t.remove(rs.ID)
		return nil, err
	}
	return rs, nil
}

func (t *relayTable) get(id string) *RelayStream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streams[id]
}

func (t *relayTable) remove(id string) {
	t.mu.Lock()
	delete(t.streams, id)
	t.mu.Unlock()
}

// failAll aborts every stream bound to the given session.
func (t *relayTable) failAll(s *Session, err error) {
	t.mu.Lock()
	var victims []*RelayStream
	for id, rs := range t.streams {
		if rs.session == s {
			victims = append(victims, rs)
			delete(t.streams, id)
		}
	}
	t.mu.Unlock()

	for _, rs := range victims {
		rs.fail(err)
	}
}

// deliver accepts one chunk from the agent. A chunk that would exceed the
// advertised window is a protocol violation and poisons the stream.
func (rs *RelayStream) deliver(chunk protocol.RelayChunk) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.closed || rs.err != nil {
		return
	}
	if len(rs.buf)+len(chunk.Data) > rs.window {
		rs.err = ErrRelayOverrun
		rs.cond.Broadcast()
		return
	}
	rs.buf = append(rs.buf, chunk.Data...)
	if chunk.EOF {
		rs.eof = true
	}
	rs.cond.Broadcast()
}

func (rs *RelayStream) fail(err error) {
	rs.mu.Lock()
	if rs.err == nil {
		rs.err = err
	}
	rs.cond.Broadcast()
	rs.mu.Unlock()
}

// Read implements io.Reader. Each byte handed to the caller is returned to
// the agent as credit.
func (rs *RelayStream) Read(p []byte) (int, error) {
	rs.mu.Lock()
	for len(rs.buf) == 0 && !rs.eof && rs.err == nil && !rs.closed {
		rs.cond.Wait()
	}
	// Drain buffered data before surfacing a stream error.
	if len(rs.buf) == 0 {
		defer rs.mu.Unlock()
		switch {
		case rs.err != nil:
			return 0, rs.err
		case rs.closed:
			return 0, ErrRelayClosed
		default:
			return 0, io.EOF
		}
	}
	n := copy(p, rs.buf)
	rs.buf = rs.buf[n:]
	grant := !rs.eof && rs.err == nil && !rs.closed
	rs.mu.Unlock()

	if grant {
		_ = rs.session.Send(protocol.TypeRelayCredit, rs.ID, protocol.RelayCredit{Bytes: n})
	}
	return n, nil
}

// Close releases the stream and tells the agent to stop sending.
func (rs *RelayStream) Close() error {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return nil
	}
	rs.closed = true
	rs.cond.Broadcast()
	rs.mu.Unlock()

	rs.relays.remove(rs.ID)
	_ = rs.session.Send(protocol.TypeRelayClose, rs.ID, protocol.RelayClose{})
	return nil
}

var _ io.ReadCloser = (*RelayStream)(nil)
