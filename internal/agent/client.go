package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Syt100/bastion-sub005/internal/config"
	"github.com/Syt100/bastion-sub005/internal/executor"
	"github.com/Syt100/bastion-sub005/internal/jobs"
	"github.com/Syt100/bastion-sub005/internal/logging"
	"github.com/Syt100/bastion-sub005/internal/protocol"
)

// Client maintains the hub session: dial with backoff, authenticate, apply
// snapshots, execute dispatched runs, answer correlated requests, serve
// relays, and sync offline runs after every reconnect.
type Client struct {
	Cfg   config.Agent
	Store *Store
	Exec  *executor.Executor

	connected atomic.Bool

	mu   sync.Mutex // serializes writes on the live conn
	conn *websocket.Conn

	relayMu sync.Mutex
	relays  map[string]*relaySender

	runMu    sync.Mutex
	inflight map[string]context.CancelFunc

	log zerolog.Logger
}

func NewClient(cfg config.Agent, store *Store, exec *executor.Executor) *Client {
	return &Client{
		Cfg:      cfg,
		Store:    store,
		Exec:     exec,
		relays:   make(map[string]*relaySender),
		inflight: make(map[string]context.CancelFunc),
		log:      logging.With("agent").With().Str("agent_id", cfg.AgentID).Logger(),
	}
}

// Connected reports whether a hub session is currently live. The offline
// scheduler uses it to decide who owns a due occurrence.
func (c *Client) Connected() bool { return c.connected.Load() }

// Run dials and serves sessions until ctx is canceled, backing off between
// attempts and resetting the backoff after a session that authenticated.
func (c *Client) Run(ctx context.Context) {
	backoff := c.Cfg.ReconnectMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ok, err := c.session(ctx)
		if err != nil && ctx.Err() == nil {
			c.log.Warn().Err(err).Dur("retry_in", backoff).Msg("hub session ended")
		}
		if ok {
			backoff = c.Cfg.ReconnectMin
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.Cfg.ReconnectMax {
			backoff = c.Cfg.ReconnectMax
		}
	}
}

// session runs one connection to completion. ok reports whether the hello
// handshake succeeded.
func (c *Client) session(ctx context.Context) (ok bool, err error) {
	wsURL, err := agentEndpoint(c.Cfg.HubURL)
	if err != nil {
		return false, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial hub: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.connected.Store(false)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		c.dropRelays()
	}()

	if err := c.send(protocol.TypeHello, "", protocol.Hello{AgentID: c.Cfg.AgentID, Token: c.Cfg.Token}); err != nil {
		return false, err
	}
	env, err := c.read(conn)
	if err != nil {
		return false, err
	}
	if env.Type != protocol.TypeHelloOK {
		return false, fmt.Errorf("handshake rejected: %s", env.Type)
	}
	c.connected.Store(true)
	c.log.Info().Msg("hub session established")

	go c.syncBack(ctx)

	// The hub pings on its pong-timeout schedule; answer and treat any
	// ping as liveness.
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
	})

	for {
		env, err := c.read(conn)
		if err != nil {
			return true, err
		}
		c.handleFrame(ctx, env)
	}
}

// readIdleTimeout must exceed the hub's ping interval.
const readIdleTimeout = 120 * time.Second

func (c *Client) read(conn *websocket.Conn) (protocol.Envelope, error) {
	_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.Decode(data)
}

// send writes one frame; safe from any goroutine.
func (c *Client) send(typ, id string, payload any) error {
	data, err := protocol.Encode(typ, id, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("not connected")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) handleFrame(ctx context.Context, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeSnapshot:
		var push protocol.SnapshotPush
		if err := protocol.DecodePayload(env, &push); err != nil {
			c.log.Warn().Err(err).Msg("bad snapshot frame")
			return
		}
		if err := c.Store.SaveSnapshot(push.Snapshot); err != nil {
			c.log.Error().Err(err).Msg("apply snapshot failed")
			return
		}
		c.log.Info().Str("snapshot_id", push.Snapshot.ID).Int("jobs", len(push.Snapshot.Jobs)).Msg("snapshot applied")
		_ = c.send(protocol.TypeSnapshotAck, env.ID, protocol.SnapshotAck{SnapshotID: push.Snapshot.ID})

	case protocol.TypeDispatch:
		var d protocol.Dispatch
		if err := protocol.DecodePayload(env, &d); err != nil {
			c.log.Warn().Err(err).Msg("bad dispatch frame")
			return
		}
		go c.runDispatched(ctx, d)

	case protocol.TypeRequest:
		var req protocol.Request
		if err := protocol.DecodePayload(env, &req); err != nil {
			return
		}
		go func() {
			resp := c.handleRequest(ctx, req)
			_ = c.send(protocol.TypeResponse, env.ID, resp)
		}()

	case protocol.TypeSyncAck:
		var ack protocol.SyncAck
		if err := protocol.DecodePayload(env, &ack); err != nil {
			return
		}
		if err := c.Store.PurgeRuns(ack.RunIDs); err != nil {
			c.log.Error().Err(err).Msg("purge synced runs failed")
		} else if len(ack.RunIDs) > 0 {
			c.log.Info().Int("runs", len(ack.RunIDs)).Msg("synced runs purged")
		}

	case protocol.TypeRelayOpen:
		var open protocol.RelayOpen
		if err := protocol.DecodePayload(env, &open); err != nil {
			return
		}
		go c.serveRelay(ctx, env.ID, open)

	case protocol.TypeRelayCredit:
		var credit protocol.RelayCredit
		if err := protocol.DecodePayload(env, &credit); err != nil {
			return
		}
		if s := c.relay(env.ID); s != nil {
			s.grant(credit.Bytes)
		}

	case protocol.TypeRelayClose:
		if s := c.relay(env.ID); s != nil {
			s.stop()
		}

	default:
		c.log.Warn().Str("type", env.Type).Msg("unexpected frame type from hub")
	}
}

// runDispatched executes a hub-initiated run, streaming events live.
func (c *Client) runDispatched(ctx context.Context, d protocol.Dispatch) {
	started := time.Now().UTC()
	runCtx, cancel := context.WithCancel(ctx)
	c.runMu.Lock()
	c.inflight[d.RunID] = cancel
	c.runMu.Unlock()
	defer func() {
		c.runMu.Lock()
		delete(c.inflight, d.RunID)
		c.runMu.Unlock()
		cancel()
	}()

	emit := func(kind string, fields map[string]any) {
		_ = c.send(protocol.TypeRunEvent, "", protocol.RunEventMsg{Event: jobs.RunEvent{
			RunID:     d.RunID,
			Timestamp: time.Now().UTC(),
			Kind:      kind,
			Fields:    fields,
		}})
	}

	_, runErr := c.Exec.Run(runCtx, d.Job, emit)

	res := protocol.RunResult{RunID: d.RunID, Status: jobs.StatusSucceeded}
	if runErr != nil {
		res.Status = jobs.StatusFailed
		res.ErrorText = runErr.Error()
		emit(jobs.EventRunFinished, map[string]any{"status": string(res.Status), "error": res.ErrorText})
	} else {
		emit(jobs.EventRunFinished, map[string]any{"status": string(res.Status)})
	}
	if err := c.send(protocol.TypeRunResult, "", res); err != nil {
		// The session died mid-run. Persist the record; sync-back
		// uploads it after reconnect and the hub ingests idempotently.
		ended := time.Now().UTC()
		var errText *string
		if res.ErrorText != "" {
			errText = &res.ErrorText
		}
		_ = c.Store.SaveRun(jobs.IngestedRun{Run: jobs.Run{
			ID:        d.RunID,
			JobID:     d.Job.ID,
			NodeID:    c.Cfg.AgentID,
			Status:    res.Status,
			StartedAt: started,
			EndedAt:   &ended,
			ErrorText: errText,
		}})
	}
}

func (c *Client) handleRequest(ctx context.Context, req protocol.Request) protocol.Response {
	switch req.Op {
	case protocol.OpProbe:
		return protocol.Response{OK: true}

	case protocol.OpCancelRun:
		var args struct {
			RunID string `json:"run_id"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil || args.RunID == "" {
			return protocol.Response{Error: "bad cancel arguments"}
		}
		c.runMu.Lock()
		cancel, ok := c.inflight[args.RunID]
		c.runMu.Unlock()
		if !ok {
			return protocol.Response{Error: "run not in flight"}
		}
		cancel()
		return protocol.Response{OK: true}

	case protocol.OpDeleteSnapshot:
		var args struct {
			SnapshotRef string `json:"snapshot_ref"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil || args.SnapshotRef == "" {
			return protocol.Response{Error: "bad delete arguments"}
		}
		if err := c.deleteBackupSnapshot(ctx, args.SnapshotRef); err != nil {
			return protocol.Response{Error: err.Error()}
		}
		return protocol.Response{OK: true}

	default:
		return protocol.Response{Error: "unknown op " + req.Op}
	}
}

// deleteBackupSnapshot removes a stored backup artifact. Refs name files
// under the agent data directory; anything already absent reports not
// found so the hub can settle the task as done.
func (c *Client) deleteBackupSnapshot(_ context.Context, ref string) error {
	path, err := artifactPath(c.Cfg.DataDir, ref)
	if err != nil {
		return err
	}
	return removeArtifact(path)
}

// syncBack uploads unacknowledged offline runs. Records are only purged on
// the hub's ack, so a dropped ack just means a re-upload.
func (c *Client) syncBack(ctx context.Context) {
	for ctx.Err() == nil {
		recs, err := c.Store.UnsyncedRuns()
		if err != nil {
			c.log.Error().Err(err).Msg("list unsynced runs failed")
			return
		}
		if len(recs) == 0 {
			return
		}
		if err := c.send(protocol.TypeSyncRuns, "", protocol.SyncRuns{Runs: recs}); err != nil {
			return
		}
		c.log.Info().Int("runs", len(recs)).Msg("offline runs uploaded")

		// Wait for the ack to purge before checking for leftovers.
		select {
		case <-ctx.Done():
			return
		case <-time.After(30 * time.Second):
		}
	}
}

// agentEndpoint derives the websocket URL from the configured hub URL.
func agentEndpoint(hubURL string) (string, error) {
	u, err := url.Parse(hubURL)
	if err != nil {
		return "", fmt.Errorf("hub_url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("hub_url: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/agent/ws"
	return u.String(), nil
}
