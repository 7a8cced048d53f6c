package jobs

import (
	"context"
	"encoding/json"
	"time"
)

// IngestedRun is an offline run record uploaded by an agent at sync-back.
type IngestedRun struct {
	Run    Run        `json:"run"`
	Events []RunEvent `json:"events"`
}

// IngestRun writes an agent-synced run and its events durably. It is
// idempotent on run id and (run id, seq): re-uploading an already-ingested
// record is a no-op, never a duplicate row or duplicate event range.
// Returns true when the run row was newly inserted.
func (s *Store) IngestRun(ctx context.Context, rec IngestedRun) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	r := rec.Run
	res, err := tx.ExecContext(ctx, `
INSERT INTO runs (id, job_id, node_id, status, started_at, ended_at, event_seq, error_text)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO NOTHING`,
		r.ID, r.JobID, r.NodeID, string(r.Status), r.StartedAt, r.EndedAt, int64(len(rec.Events)), r.ErrorText)
	if err != nil {
		return false, err
	}
	inserted, _ := res.RowsAffected()

	// The run row may predate this upload: a hub-dispatched run whose
	// result was lost with the session sits in `running` until the agent
	// syncs the record back. Settle it with the same terminal-once guard
	// as FinishRun; an already-terminal row stays untouched.
	if inserted == 0 && r.Status.Terminal() {
		if _, err := tx.ExecContext(ctx, `
UPDATE runs SET status=$1, ended_at=$2, error_text=$3, event_seq=GREATEST(event_seq, $4)
WHERE id=$5 AND status IN ('queued','running')`,
			string(r.Status), r.EndedAt, r.ErrorText, int64(len(rec.Events)), r.ID); err != nil {
			return false, err
		}
	}

	for _, ev := range rec.Events {
		fieldsJSON, _ := json.Marshal(ev.Fields)
		if _, err := tx.ExecContext(ctx, `
INSERT INTO run_events (run_id, seq, ts, kind, fields)
VALUES ($1, $2, $3, $4, $5::jsonb)
ON CONFLICT (run_id, seq) DO NOTHING`,
			r.ID, ev.Seq, ev.Timestamp, ev.Kind, string(fieldsJSON)); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return inserted > 0, nil
}
