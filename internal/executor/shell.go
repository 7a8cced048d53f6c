package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

type ShellArgs struct {
	Command    string `json:"command"`
	TimeoutSec int    `json:"timeout_sec,omitempty"`
}

// runShell executes a command under /bin/sh. Resolved credentials are
// injected as environment variables so they never appear in the command
// line or the stored args.
func runShell(ctx context.Context, a ShellArgs, creds map[string]string, emit EmitFunc) (Result, error) {
	if a.Command == "" {
		return Result{}, fmt.Errorf("shell: command required")
	}
	to := time.Duration(a.TimeoutSec) * time.Second
	if to <= 0 {
		to = 30 * time.Minute
	}
	cctx, cancel := context.WithTimeout(ctx, to)
	defer cancel()

	cmd := exec.CommandContext(cctx, "/bin/sh", "-c", a.Command)
	cmd.Env = append(os.Environ(), credEnv(creds)...)

	emit("run.progress", map[string]any{"stage": "exec"})
	out, err := cmd.CombinedOutput()
	res := Result{Output: string(out)}

	if len(out) > 0 {
		emit("run.log", map[string]any{"output": truncate(string(out), 8192)})
	}
	if cctx.Err() == context.DeadlineExceeded {
		return res, fmt.Errorf("shell: timeout after %v", to)
	}
	if err != nil {
		return res, fmt.Errorf("shell: %v", err)
	}
	return res, nil
}

// credEnv maps "scope/name" refs to CRED_SCOPE_NAME variables.
func credEnv(creds map[string]string) []string {
	env := make([]string, 0, len(creds))
	for ref, val := range creds {
		key := "CRED_" + strings.ToUpper(strings.NewReplacer("/", "_", "-", "_").Replace(ref))
		env = append(env, key+"="+val)
	}
	return env
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
