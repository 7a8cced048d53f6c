// Package protocol defines the JSON messages exchanged over a hub-agent
// websocket session. Every frame is one Envelope; the Type field selects
// the payload shape and ID correlates requests with responses.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Syt100/bastion-sub005/internal/jobs"
	"github.com/Syt100/bastion-sub005/internal/snapshot"
)

// Message types. Direction is fixed per type.
const (
	TypeHello       = "hello"        // agent -> hub, first frame
	TypeHelloOK     = "hello_ok"     // hub -> agent
	TypeSnapshot    = "snapshot"     // hub -> agent
	TypeSnapshotAck = "snapshot_ack" // agent -> hub
	TypeDispatch    = "dispatch"     // hub -> agent, start a run
	TypeRunEvent    = "run_event"    // agent -> hub, live run progress
	TypeRunResult   = "run_result"   // agent -> hub, run finished
	TypeSyncRuns    = "sync_runs"    // agent -> hub, offline run upload
	TypeSyncAck     = "sync_ack"     // hub -> agent
	TypeRequest     = "request"      // hub -> agent, correlated op
	TypeResponse    = "response"     // agent -> hub, answers a request
	TypeRelayOpen   = "relay_open"   // hub -> agent
	TypeRelayChunk  = "relay_chunk"  // agent -> hub
	TypeRelayCredit = "relay_credit" // hub -> agent
	TypeRelayClose  = "relay_close"  // either direction
)

// Envelope is the one frame shape on the wire.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Hello authenticates the agent. Sent once, before anything else.
type Hello struct {
	AgentID string `json:"agent_id"`
	Token   string `json:"token"`
	Version string `json:"version,omitempty"`
}

type HelloOK struct {
	AgentID    string    `json:"agent_id"`
	ServerTime time.Time `json:"server_time"`
}

type SnapshotPush struct {
	Snapshot snapshot.Snapshot `json:"snapshot"`
}

type SnapshotAck struct {
	SnapshotID string `json:"snapshot_id"`
}

// Dispatch tells the agent to start a run for one of its jobs. The job spec
// travels with the dispatch so the agent does not depend on having the
// latest snapshot applied.
type Dispatch struct {
	RunID string           `json:"run_id"`
	Job   snapshot.JobSpec `json:"job"`
}

type RunEventMsg struct {
	Event jobs.RunEvent `json:"event"`
}

type RunResult struct {
	RunID     string         `json:"run_id"`
	Status    jobs.RunStatus `json:"status"`
	ErrorText string         `json:"error_text,omitempty"`
}

// SyncRuns uploads runs the agent executed while offline. The hub ingests
// them idempotently, so resending after a dropped ack is harmless.
type SyncRuns struct {
	Runs []jobs.IngestedRun `json:"runs"`
}

// SyncAck names the run ids the hub has durably stored. The agent may purge
// its local records for exactly these ids.
type SyncAck struct {
	RunIDs []string `json:"run_ids"`
}

// Request is a generic correlated operation. The Envelope ID ties the
// eventual Response back to the caller waiting on the hub.
type Request struct {
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Request ops understood by agents.
const (
	OpDeleteSnapshot = "delete_snapshot"
	OpCancelRun      = "cancel_run"
	OpProbe          = "probe"
)

type Response struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// RelayOpen starts a flow-controlled byte stream from the agent, identified
// by the envelope ID. Window is the initial credit in bytes.
type RelayOpen struct {
	Resource string `json:"resource"`
	Window   int    `json:"window"`
}

type RelayChunk struct {
	Data []byte `json:"data"`
	EOF  bool   `json:"eof,omitempty"`
}

// RelayCredit grants the agent permission to send Bytes more.
type RelayCredit struct {
	Bytes int `json:"bytes"`
}

type RelayClose struct {
	Reason string `json:"reason,omitempty"`
}

// Encode wraps a payload in an Envelope and marshals it.
func Encode(typ, id string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		raw = b
	}
	return json.Marshal(Envelope{Type: typ, ID: id, Payload: raw})
}

// Decode parses one wire frame.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// DecodePayload unmarshals an envelope payload into dst.
func DecodePayload(env Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("%s payload: %w", env.Type, err)
	}
	return nil
}
