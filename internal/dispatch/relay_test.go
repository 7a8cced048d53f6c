package dispatch

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/Syt100/bastion-sub005/internal/protocol"
)

func openTestRelay(t *testing.T, window int) (*relayTable, *Session, *RelayStream) {
	t.Helper()
	tbl := newRelayTable()
	s := testSession("agent-1")
	rs, err := tbl.open(s, "snapshot/abc", window)
	if err != nil {
		t.Fatalf("open relay: %v", err)
	}

	env := nextFrame(t, s)
	if env.Type != protocol.TypeRelayOpen {
		t.Fatalf("first frame = %q, want relay_open", env.Type)
	}
	var open protocol.RelayOpen
	if err := protocol.DecodePayload(env, &open); err != nil {
		t.Fatalf("decode relay_open: %v", err)
	}
	if open.Window != window {
		t.Fatalf("advertised window = %d, want %d", open.Window, window)
	}
	return tbl, s, rs
}

func TestRelay_StreamAndCredit(t *testing.T) {
	_, s, rs := openTestRelay(t, 8)

	rs.deliver(protocol.RelayChunk{Data: []byte("hell")})

	buf := make([]byte, 16)
	n, err := rs.Read(buf)
	if err != nil || n != 4 {
		t.Fatalf("Read = %d, %v; want 4 bytes", n, err)
	}

	rs.deliver(protocol.RelayChunk{Data: []byte("o"), EOF: true})
	rest, err := io.ReadAll(rs)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(append(buf[:n], rest...), []byte("hello")) {
		t.Fatalf("got %q + %q, want %q", buf[:n], rest, "hello")
	}

	// The first read frees window space and grants credit; the final read
	// carries EOF so no credit follows it.
	env := nextFrame(t, s)
	if env.Type != protocol.TypeRelayCredit {
		t.Fatalf("frame = %q, want relay_credit", env.Type)
	}
	var credit protocol.RelayCredit
	if err := protocol.DecodePayload(env, &credit); err != nil {
		t.Fatalf("decode credit: %v", err)
	}
	if credit.Bytes != 4 {
		t.Fatalf("credit = %d, want 4", credit.Bytes)
	}
}

func TestRelay_WindowOverrunPoisonsStream(t *testing.T) {
	_, _, rs := openTestRelay(t, 4)

	rs.deliver(protocol.RelayChunk{Data: []byte("abcd")})
	rs.deliver(protocol.RelayChunk{Data: []byte("e")}) // one past the window

	buf := make([]byte, 16)
	n, _ := rs.Read(buf)
	if n != 4 {
		t.Fatalf("read %d bytes, want the 4 in-window bytes", n)
	}
	if _, err := rs.Read(buf); !errors.Is(err, ErrRelayOverrun) {
		t.Fatalf("err = %v, want ErrRelayOverrun", err)
	}
}

func TestRelay_BufferNeverExceedsWindow(t *testing.T) {
	_, _, rs := openTestRelay(t, 4)

	rs.deliver(protocol.RelayChunk{Data: []byte("ab")})
	rs.deliver(protocol.RelayChunk{Data: []byte("cd")})

	rs.mu.Lock()
	buffered := len(rs.buf)
	rs.mu.Unlock()
	if buffered > 4 {
		t.Fatalf("buffered %d bytes, window is 4", buffered)
	}
}

func TestRelay_DisconnectFailsReaders(t *testing.T) {
	tbl, s, rs := openTestRelay(t, 8)

	readErr := make(chan error, 1)
	go func() {
		_, err := io.ReadAll(rs)
		readErr <- err
	}()

	tbl.failAll(s, ErrAgentOffline)
	if err := <-readErr; !errors.Is(err, ErrAgentOffline) {
		t.Fatalf("reader err = %v, want ErrAgentOffline", err)
	}
	if tbl.get(rs.ID) != nil {
		t.Fatal("stream still registered after failAll")
	}
}

func TestRelay_CloseNotifiesAgent(t *testing.T) {
	tbl, s, rs := openTestRelay(t, 8)

	if err := rs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	env := nextFrame(t, s)
	if env.Type != protocol.TypeRelayClose {
		t.Fatalf("frame = %q, want relay_close", env.Type)
	}
	if tbl.get(rs.ID) != nil {
		t.Fatal("stream still registered after Close")
	}
}
