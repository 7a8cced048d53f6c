// Package dispatch owns live agent sessions: the websocket pumps, the
// registry of who is connected, correlated request/response tracking, and
// routing of run dispatches to the right executor.
package dispatch

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Syt100/bastion-sub005/internal/logging"
	"github.com/Syt100/bastion-sub005/internal/protocol"
)

const (
	maxMessageSize = 4 << 20
	sendQueueSize  = 64
)

var ErrSessionClosed = errors.New("session closed")

// Session is one live agent connection. Writes go through the send queue so
// only the write pump touches the conn; reads happen on the read pump only.
type Session struct {
	AgentID string

	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	pongWait  time.Duration
	writeWait time.Duration

	log zerolog.Logger
}

func newSession(agentID string, conn *websocket.Conn, pongWait, writeWait time.Duration) *Session {
	return &Session{
		AgentID:   agentID,
		conn:      conn,
		send:      make(chan []byte, sendQueueSize),
		done:      make(chan struct{}),
		pongWait:  pongWait,
		writeWait: writeWait,
		log:       logging.With("session").With().Str("agent_id", agentID).Logger(),
	}
}

// Send encodes a frame and queues it. Fails fast when the session is closed
// or the queue is full; a full queue means the agent stopped reading.
func (s *Session) Send(typ, id string, payload any) error {
	data, err := protocol.Encode(typ, id, payload)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrSessionClosed
	case s.send <- data:
		return nil
	default:
		s.Close()
		return ErrSessionClosed
	}
}

// Close tears the session down. Safe to call from any goroutine, any number
// of times.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

// Done is closed when the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// writePump drains the send queue and keeps the connection alive with pings.
// The ping interval is derived from the pong deadline so a dead peer is
// detected within one pongWait.
func (s *Session) writePump() {
	pingPeriod := s.pongWait * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.log.Debug().Err(err).Msg("session write failed")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump delivers inbound frames to handle until the connection breaks or
// the peer misses a pong deadline.
func (s *Session) readPump(handle func(protocol.Envelope)) {
	defer s.Close()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Msg("session read failed")
			}
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			s.log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		handle(env)
	}
}
