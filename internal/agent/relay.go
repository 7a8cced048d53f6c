package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Syt100/bastion-sub005/internal/protocol"
)

const relayChunkSize = 32 << 10

// relaySender streams one artifact to the hub, never exceeding the granted
// credit window.
type relaySender struct {
	id string

	mu      sync.Mutex
	cond    *sync.Cond
	credit  int
	stopped bool
}

func (c *Client) relay(id string) *relaySender {
	c.relayMu.Lock()
	defer c.relayMu.Unlock()
	return c.relays[id]
}

func (c *Client) dropRelays() {
	c.relayMu.Lock()
	senders := c.relays
	c.relays = make(map[string]*relaySender)
	c.relayMu.Unlock()
	for _, s := range senders {
		s.stop()
	}
}

func (s *relaySender) grant(n int) {
	s.mu.Lock()
	s.credit += n
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *relaySender) stop() {
	s.mu.Lock()
	s.stopped = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// take blocks until credit is available, then reserves up to max bytes.
func (s *relaySender) take(max int) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.credit == 0 && !s.stopped {
		s.cond.Wait()
	}
	if s.stopped {
		return 0, false
	}
	n := s.credit
	if n > max {
		n = max
	}
	s.credit -= n
	return n, true
}

// serveRelay answers a hub relay_open by streaming the named artifact.
func (c *Client) serveRelay(ctx context.Context, id string, open protocol.RelayOpen) {
	sender := &relaySender{id: id, credit: open.Window}
	sender.cond = sync.NewCond(&sender.mu)
	c.relayMu.Lock()
	c.relays[id] = sender
	c.relayMu.Unlock()
	defer func() {
		c.relayMu.Lock()
		delete(c.relays, id)
		c.relayMu.Unlock()
	}()

	path, err := artifactPath(c.Cfg.DataDir, open.Resource)
	if err != nil {
		_ = c.send(protocol.TypeRelayClose, id, protocol.RelayClose{Reason: err.Error()})
		return
	}
	f, err := os.Open(path)
	if err != nil {
		_ = c.send(protocol.TypeRelayClose, id, protocol.RelayClose{Reason: openError(err)})
		return
	}
	defer f.Close()

	buf := make([]byte, relayChunkSize)
	for ctx.Err() == nil {
		allowed, ok := sender.take(relayChunkSize)
		if !ok {
			return
		}
		n, err := f.Read(buf[:allowed])
		if n > 0 {
			chunk := protocol.RelayChunk{Data: buf[:n], EOF: err == io.EOF}
			if sendErr := c.send(protocol.TypeRelayChunk, id, chunk); sendErr != nil {
				return
			}
			// Unused reservation returns to the pool.
			if allowed > n {
				sender.grant(allowed - n)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				_ = c.send(protocol.TypeRelayClose, id, protocol.RelayClose{Reason: err.Error()})
			} else if n == 0 {
				_ = c.send(protocol.TypeRelayChunk, id, protocol.RelayChunk{EOF: true})
			}
			return
		}
	}
}

// artifactPath resolves a resource ref under the data directory and rejects
// traversal outside it.
func artifactPath(dataDir, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("empty resource ref")
	}
	clean := filepath.Clean("/" + ref)
	path := filepath.Join(dataDir, "artifacts", clean)
	base := filepath.Join(dataDir, "artifacts")
	if path != base && !strings.HasPrefix(path, base+string(filepath.Separator)) {
		return "", fmt.Errorf("resource ref escapes the artifact root")
	}
	return path, nil
}

func removeArtifact(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("snapshot not found")
	}
	return os.RemoveAll(path)
}

func openError(err error) string {
	if errors.Is(err, fs.ErrNotExist) {
		return "not found"
	}
	return err.Error()
}
