package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Syt100/bastion-sub005/internal/bus"
	"github.com/Syt100/bastion-sub005/internal/config"
	"github.com/Syt100/bastion-sub005/internal/jobs"
	"github.com/Syt100/bastion-sub005/internal/logging"
	"github.com/Syt100/bastion-sub005/internal/metrics"
	"github.com/Syt100/bastion-sub005/internal/protocol"
	"github.com/Syt100/bastion-sub005/internal/snapshot"
)

// LocalRunner executes hub-local runs. The scheduler provides one backed by
// the executor package.
type LocalRunner interface {
	RunLocal(ctx context.Context, job jobs.Job, runID string) error
	// CancelRun cancels an in-flight local run; false when nothing by
	// that id is running here.
	CancelRun(runID string) bool
}

// Dispatcher routes run starts to whichever node owns the job, keeps agent
// sessions fed with fresh config snapshots, and turns inbound agent frames
// into store writes and bus publishes.
type Dispatcher struct {
	Store   *jobs.Store
	Bus     *bus.Bus
	Local   LocalRunner
	Session config.Session
	// WakeQueue, when set, pokes the task queue after an agent run
	// settles so overlap-queued successors start promptly.
	WakeQueue func()

	reg     *Registry
	tracker *snapshot.Tracker
	relays  *relayTable
	log     zerolog.Logger
}

func NewDispatcher(store *jobs.Store, b *bus.Bus, local LocalRunner, sess config.Session) *Dispatcher {
	return &Dispatcher{
		Store:   store,
		Bus:     b,
		Local:   local,
		Session: sess,
		reg:     NewRegistry(),
		tracker: snapshot.NewTracker(),
		relays:  newRelayTable(),
		log:     logging.With("dispatch"),
	}
}

func (d *Dispatcher) Registry() *Registry { return d.reg }

// ServeAgent runs an authenticated agent connection to completion. It
// registers the session, pushes the current snapshot, then pumps frames
// until the connection dies.
func (d *Dispatcher) ServeAgent(ctx context.Context, agentID string, conn *websocket.Conn) {
	s := newSession(agentID, conn, d.Session.PongTimeout, d.Session.WriteTimeout)
	d.reg.register(s)
	epoch := d.tracker.SessionStarted(agentID)
	d.log.Info().Str("agent_id", agentID).Msg("agent connected")

	_ = s.Send(protocol.TypeHelloOK, "", protocol.HelloOK{AgentID: agentID, ServerTime: time.Now().UTC()})

	go s.writePump()
	if err := d.PushSnapshot(ctx, agentID); err != nil {
		d.log.Warn().Err(err).Str("agent_id", agentID).Msg("initial snapshot push failed")
	}

	s.readPump(func(env protocol.Envelope) { d.handleFrame(ctx, s, env) })

	d.reg.unregister(s)
	d.relays.failAll(s, ErrAgentOffline)
	d.tracker.SessionEnded(agentID, epoch)
	d.log.Info().Str("agent_id", agentID).Msg("agent disconnected")
}

func (d *Dispatcher) handleFrame(ctx context.Context, s *Session, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeSnapshotAck:
		var ack protocol.SnapshotAck
		if err := protocol.DecodePayload(env, &ack); err == nil {
			d.log.Debug().Str("agent_id", s.AgentID).Str("snapshot_id", ack.SnapshotID).Msg("snapshot acked")
		}

	case protocol.TypeRunEvent:
		var msg protocol.RunEventMsg
		if err := protocol.DecodePayload(env, &msg); err != nil {
			d.log.Warn().Err(err).Msg("bad run_event frame")
			return
		}
		d.recordRunEvent(ctx, msg.Event)

	case protocol.TypeRunResult:
		var res protocol.RunResult
		if err := protocol.DecodePayload(env, &res); err != nil {
			d.log.Warn().Err(err).Msg("bad run_result frame")
			return
		}
		d.finishRun(ctx, s.AgentID, res)

	case protocol.TypeSyncRuns:
		var batch protocol.SyncRuns
		if err := protocol.DecodePayload(env, &batch); err != nil {
			d.log.Warn().Err(err).Msg("bad sync_runs frame")
			return
		}
		ack := d.ingestRuns(ctx, s.AgentID, batch)
		_ = s.Send(protocol.TypeSyncAck, env.ID, ack)

	case protocol.TypeResponse:
		var resp protocol.Response
		if err := protocol.DecodePayload(env, &resp); err != nil {
			d.log.Warn().Err(err).Msg("bad response frame")
			return
		}
		d.reg.resolve(s, env.ID, resp)

	case protocol.TypeRelayChunk:
		var chunk protocol.RelayChunk
		if err := protocol.DecodePayload(env, &chunk); err != nil {
			return
		}
		if rs := d.relays.get(env.ID); rs != nil {
			rs.deliver(chunk)
		}

	case protocol.TypeRelayClose:
		if rs := d.relays.get(env.ID); rs != nil {
			rs.fail(ErrRelayClosed)
			d.relays.remove(env.ID)
		}

	default:
		d.log.Warn().Str("type", env.Type).Msg("unexpected frame type from agent")
	}
}

// recordRunEvent persists a live run event and republishes it. The store
// assigns the authoritative sequence number; the agent's own numbering only
// matters for offline records.
func (d *Dispatcher) recordRunEvent(ctx context.Context, ev jobs.RunEvent) {
	stored, err := d.Store.AppendRunEvent(ctx, ev.RunID, ev.Kind, ev.Timestamp, ev.Fields)
	if err != nil {
		d.log.Error().Err(err).Str("run_id", ev.RunID).Msg("append run event failed")
		return
	}
	if err := d.Bus.Publish(*stored); err != nil {
		d.log.Warn().Err(err).Str("run_id", ev.RunID).Msg("bus publish failed")
	}
}

func (d *Dispatcher) finishRun(ctx context.Context, agentID string, res protocol.RunResult) {
	var errText *string
	if res.ErrorText != "" {
		errText = &res.ErrorText
	}
	err := d.Store.FinishRun(ctx, res.RunID, res.Status, time.Now().UTC(), errText)
	switch {
	case err == nil:
		metrics.RunsTotal.WithLabelValues(string(res.Status)).Inc()
		d.Bus.Forget(res.RunID)
		if d.WakeQueue != nil {
			d.WakeQueue()
		}
	case errors.Is(err, jobs.ErrTerminal):
		// Duplicate result after a reconnect. Already settled.
	default:
		d.log.Error().Err(err).Str("run_id", res.RunID).Str("agent_id", agentID).Msg("finish run failed")
	}
}

// ingestRuns stores uploaded offline runs idempotently and acks every run
// the hub now holds, inserted or already present. The agent purges on ack.
func (d *Dispatcher) ingestRuns(ctx context.Context, agentID string, batch protocol.SyncRuns) protocol.SyncAck {
	var ack protocol.SyncAck
	for _, rec := range batch.Runs {
		inserted, err := d.Store.IngestRun(ctx, rec)
		if err != nil {
			metrics.SyncedRunsTotal.WithLabelValues("error").Inc()
			d.log.Error().Err(err).Str("run_id", rec.Run.ID).Str("agent_id", agentID).Msg("ingest run failed")
			continue
		}
		if inserted {
			metrics.SyncedRunsTotal.WithLabelValues("ingested").Inc()
		} else {
			metrics.SyncedRunsTotal.WithLabelValues("duplicate").Inc()
		}
		ack.RunIDs = append(ack.RunIDs, rec.Run.ID)
	}
	return ack
}

// PushSnapshot computes the agent's current snapshot and sends it unless
// this session already received the identical content. Compute and send run
// under the tracker's per-agent lock so concurrent pushes cannot deliver
// out of order.
func (d *Dispatcher) PushSnapshot(ctx context.Context, agentID string) error {
	s := d.reg.Session(agentID)
	if s == nil {
		return ErrAgentOffline
	}
	return d.tracker.Push(agentID, func(lastSent string) (string, error) {
		agentJobs, err := d.Store.ListJobs(ctx, jobs.ListJobsParams{Node: agentID, Limit: 500})
		if err != nil {
			return lastSent, err
		}
		snap := snapshot.Compute(agentID, agentJobs)
		if snap.ID == lastSent {
			metrics.SnapshotSendsTotal.WithLabelValues("suppressed").Inc()
			return lastSent, nil
		}
		if err := s.Send(protocol.TypeSnapshot, "", protocol.SnapshotPush{Snapshot: snap}); err != nil {
			metrics.SnapshotSendsTotal.WithLabelValues("error").Inc()
			return lastSent, err
		}
		metrics.SnapshotSendsTotal.WithLabelValues("sent").Inc()
		return snap.ID, nil
	})
}

// ConfigChanged propagates a job change to the owning agent if it is
// online. Offline agents pick up the new snapshot on reconnect.
func (d *Dispatcher) ConfigChanged(ctx context.Context, node string) {
	if node == jobs.NodeHub || !d.reg.Online(node) {
		return
	}
	if err := d.PushSnapshot(ctx, node); err != nil && !errors.Is(err, ErrAgentOffline) {
		d.log.Warn().Err(err).Str("agent_id", node).Msg("snapshot push after config change failed")
	}
}

// StartRun routes a queued run to its execution node. Hub-local jobs run in
// process; agent jobs require a live session. ErrAgentOffline lets the
// caller decide between failing the run and deferring it.
func (d *Dispatcher) StartRun(ctx context.Context, job jobs.Job, runID string) error {
	if job.OnHub() {
		return d.Local.RunLocal(ctx, job, runID)
	}
	s := d.reg.Session(job.Node)
	if s == nil {
		return ErrAgentOffline
	}
	spec := snapshot.Compute(job.Node, []jobs.Job{job})
	if len(spec.Jobs) == 0 {
		return errors.New("job not dispatchable")
	}
	return s.Send(protocol.TypeDispatch, runID, protocol.Dispatch{RunID: runID, Job: spec.Jobs[0]})
}

// CancelRun asks the owning node to cancel a running run. The run settles
// as failed through its normal finish path; callers observe that via the
// run record, not this call.
func (d *Dispatcher) CancelRun(ctx context.Context, job jobs.Job, runID string) error {
	if job.OnHub() {
		if !d.Local.CancelRun(runID) {
			return errors.New("run not in flight")
		}
		return nil
	}
	resp, err := d.Request(ctx, job.Node, protocol.OpCancelRun, map[string]string{"run_id": runID})
	if err != nil {
		return err
	}
	if !resp.OK {
		return errors.New(resp.Error)
	}
	return nil
}

// Request forwards a correlated operation to an agent.
func (d *Dispatcher) Request(ctx context.Context, agentID, op string, args any) (protocol.Response, error) {
	return d.reg.Request(ctx, agentID, op, args)
}

// OpenRelay starts a flow-controlled byte stream from an agent.
func (d *Dispatcher) OpenRelay(agentID, resource string) (*RelayStream, error) {
	s := d.reg.Session(agentID)
	if s == nil {
		return nil, ErrAgentOffline
	}
	window := d.Session.RelayWindow
	if window <= 0 {
		window = 1 << 20
	}
	return d.relays.open(s, resource, window)
}
