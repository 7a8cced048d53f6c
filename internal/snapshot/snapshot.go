// Package snapshot materializes the configuration an agent needs to operate
// offline and addresses it by content hash, so unchanged configuration is
// never re-sent.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/Syt100/bastion-sub005/internal/jobs"
)

// JobSpec is the agent-facing projection of a job: exactly what the offline
// scheduler needs, nothing the hub keeps to itself.
type JobSpec struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	CronExpr       string         `json:"cron_expr"`
	Timezone       string         `json:"timezone"`
	Overlap        jobs.OverlapPolicy `json:"overlap_policy"`
	Handler        string         `json:"handler"`
	Args           map[string]any `json:"args,omitempty"`
	CredentialRefs []string       `json:"credential_refs,omitempty"`
}

// Snapshot is a content-addressed bundle of one agent's effective
// configuration.
type Snapshot struct {
	AgentID     string    `json:"agent_id"`
	ID          string    `json:"snapshot_id"`
	Jobs        []JobSpec `json:"jobs"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Compute builds the snapshot for an agent from its enabled jobs. The id is
// a hash of the canonicalized content: identical inputs always produce the
// same id regardless of input order; GeneratedAt is excluded.
func Compute(agentID string, agentJobs []jobs.Job) Snapshot {
	specs := make([]JobSpec, 0, len(agentJobs))
	for _, j := range agentJobs {
		if !j.Enabled || j.Archived {
			continue
		}
		creds := append([]string(nil), j.CredentialRefs...)
		sort.Strings(creds)
		specs = append(specs, JobSpec{
			ID:             j.ID,
			Name:           j.Name,
			CronExpr:       j.CronExpr,
			Timezone:       j.Timezone,
			Overlap:        j.Overlap,
			Handler:        j.Handler,
			Args:           j.Args,
			CredentialRefs: creds,
		})
	}
	sort.Slice(specs, func(i, k int) bool { return specs[i].ID < specs[k].ID })

	return Snapshot{
		AgentID:     agentID,
		ID:          contentID(agentID, specs),
		Jobs:        specs,
		GeneratedAt: time.Now().UTC(),
	}
}

// contentID hashes the canonical JSON encoding. encoding/json writes struct
// fields in declaration order and map keys sorted, so the bytes are stable
// for equal content.
func contentID(agentID string, specs []JobSpec) string {
	canonical := struct {
		AgentID string    `json:"agent_id"`
		Jobs    []JobSpec `json:"jobs"`
	}{AgentID: agentID, Jobs: specs}

	b, _ := json.Marshal(canonical)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
