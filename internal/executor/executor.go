// Package executor runs job payloads. The hub and the agent share it: the
// same handlers back hub-local runs, dispatched runs, and offline runs.
package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Syt100/bastion-sub005/internal/secrets"
	"github.com/Syt100/bastion-sub005/internal/snapshot"
)

// EmitFunc receives progress events during a run. Implementations decide
// where they go: the hub bus, the agent's local buffer, or a test slice.
type EmitFunc func(kind string, fields map[string]any)

// Result carries handler output for the run record.
type Result struct {
	Output string
}

// Executor dispatches a job spec to its payload handler with credentials
// resolved.
type Executor struct {
	Secrets secrets.Provider
}

func New(p secrets.Provider) *Executor {
	return &Executor{Secrets: p}
}

// Run executes one job payload. It emits progress events but does not
// write run records; lifecycle bookkeeping belongs to the caller.
func (e *Executor) Run(ctx context.Context, spec snapshot.JobSpec, emit EmitFunc) (Result, error) {
	creds, err := secrets.Resolve(ctx, e.Secrets, spec.CredentialRefs)
	if err != nil {
		return Result{}, fmt.Errorf("resolve credentials: %w", err)
	}

	switch spec.Handler {
	case "shell":
		var args ShellArgs
		if err := decodeArgs(spec.Args, &args); err != nil {
			return Result{}, err
		}
		return runShell(ctx, args, creds, emit)
	case "http":
		var args HTTPArgs
		if err := decodeArgs(spec.Args, &args); err != nil {
			return Result{}, err
		}
		return runHTTP(ctx, args, creds, emit)
	default:
		return Result{}, fmt.Errorf("unknown handler %q", spec.Handler)
	}
}

// decodeArgs maps loosely-typed job args onto a handler's struct.
func decodeArgs(args map[string]any, dst any) error {
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("decode args: %w", err)
	}
	return nil
}
