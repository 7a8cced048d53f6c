// Package metrics holds the hub's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts run terminal states by status.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bastion_runs_total",
		Help: "Run terminal transitions by status.",
	}, []string{"status"})

	// TaskTransitionsTotal counts durable queue state transitions.
	TaskTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bastion_task_transitions_total",
		Help: "Durable task queue state transitions.",
	}, []string{"kind", "state"})

	// LiveSessions tracks connected agent sessions.
	LiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bastion_agent_sessions",
		Help: "Currently connected agent sessions.",
	})

	// PendingRequests tracks in-flight hub to agent requests.
	PendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bastion_pending_requests",
		Help: "In-flight hub to agent requests awaiting a response.",
	})

	// SnapshotSendsTotal counts config snapshot pushes, labeled by whether
	// the send was suppressed as unchanged.
	SnapshotSendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bastion_snapshot_sends_total",
		Help: "Config snapshot push decisions per agent session.",
	}, []string{"outcome"})

	// SyncedRunsTotal counts offline runs ingested at sync-back, labeled by
	// whether the upload was a duplicate.
	SyncedRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bastion_synced_runs_total",
		Help: "Offline run records ingested from agents.",
	}, []string{"outcome"})
)
