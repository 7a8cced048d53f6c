package jobs

import (
	"time"
)

// NodeHub is the execution node value for hub-local jobs; any other value
// is an enrolled agent id.
const NodeHub = "hub"

// OverlapPolicy governs behavior when a job fires while a prior run is
// still active.
type OverlapPolicy string

const (
	// OverlapReject records the new firing as a rejected run and starts
	// nothing.
	OverlapReject OverlapPolicy = "reject"
	// OverlapQueue defers the new firing until the active run completes.
	OverlapQueue OverlapPolicy = "queue"
)

func (p OverlapPolicy) Valid() bool {
	return p == OverlapReject || p == OverlapQueue
}

type Job struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	CronExpr      string         `json:"cron_expr"`
	Timezone      string         `json:"schedule_timezone"`
	Node          string         `json:"execution_node"`
	Overlap       OverlapPolicy  `json:"overlap_policy"`
	Handler       string         `json:"handler"` // "shell" | "http"
	Args          map[string]any `json:"args"`
	CredentialRefs []string      `json:"credential_refs,omitempty"`
	Enabled       bool           `json:"enabled"`
	Archived      bool           `json:"archived"`
	NextRunAt     *time.Time     `json:"next_run_at,omitempty"`
	LastFiredAt   *time.Time     `json:"last_fired_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// OnHub reports whether the job executes on the hub itself.
func (j *Job) OnHub() bool { return j.Node == "" || j.Node == NodeHub }

type RunStatus string

const (
	StatusQueued    RunStatus = "queued"
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
	StatusRejected  RunStatus = "rejected"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusRejected:
		return true
	}
	return false
}

// Run is one execution instance of a job. The run id is generated at
// creation time and is the dedupe key for sync-back ingestion.
type Run struct {
	ID        string     `json:"id"`
	JobID     string     `json:"job_id"`
	NodeID    string     `json:"node_id"`
	Status    RunStatus  `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	EventSeq  int64      `json:"event_seq"`
	ErrorText *string    `json:"error_text,omitempty"`
}

// RunEvent is an ordered, append-only fact belonging to a run. Sequence
// numbers are gapless from 1 per run.
type RunEvent struct {
	RunID     string         `json:"run_id"`
	Seq       int64          `json:"seq"`
	Timestamp time.Time      `json:"ts"`
	Kind      string         `json:"kind"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Well-known run event kinds emitted by executors.
const (
	EventRunStarted  = "run.started"
	EventRunProgress = "run.progress"
	EventRunFinished = "run.finished"
	EventRunLog      = "run.log"
)
