// Package executor runs single pipeline steps as external commands
// with bounded timeouts, full output capture, and guaranteed process
// reaping on both normal completion and forced termination.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/stagehand-ci/stagehand/internal/core/ports"
)

// killGrace is how long a terminated command's descendants get to exit
// before the executor stops waiting for them.
const killGrace = 5 * time.Second

// Runner executes shell commands. It implements ports.StepRunner.
type Runner struct {
	// Shell is the interpreter used for commands. Defaults to "sh".
	Shell string

	// InheritEnv appends the spec's environment to the process
	// environment instead of replacing it.
	InheritEnv bool
}

// New returns a Runner with default settings.
func New() *Runner {
	return &Runner{Shell: "sh", InheritEnv: true}
}

// Run executes one command per the spec. The command and all its
// children run in their own process group, which is killed as a unit
// on timeout or cancellation so no orphaned work survives the step.
func (r *Runner) Run(ctx context.Context, spec ports.RunSpec) (*ports.RunOutcome, error) {
	shell := r.Shell
	if shell == "" {
		shell = "sh"
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, shell, "-c", spec.Command)
	cmd.Dir = spec.WorkDir
	cmd.Env = buildEnv(spec.Env, r.InheritEnv)
	if spec.Output != nil {
		cmd.Stdout = spec.Output
		cmd.Stderr = spec.Output
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Negative pid targets the whole process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = killGrace

	start := time.Now()
	err := cmd.Run()
	outcome := &ports.RunOutcome{Duration: time.Since(start)}

	switch {
	case err == nil:
		outcome.ExitCode = 0
		return outcome, nil
	case runCtx.Err() != nil && ctx.Err() == nil:
		// The per-step deadline fired, not the caller's context.
		outcome.ExitCode = -1
		outcome.TimedOut = true
		return outcome, nil
	case ctx.Err() != nil:
		outcome.ExitCode = -1
		return outcome, fmt.Errorf("step cancelled: %w", ctx.Err())
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		outcome.ExitCode = exitErr.ExitCode()
		return outcome, nil
	}

	outcome.ExitCode = -1
	return outcome, fmt.Errorf("start command: %w", err)
}

// buildEnv flattens the env map, optionally on top of the process
// environment, with deterministic ordering. Secret-store variables
// never ride along on inheritance; the credential scope injects the
// ones a step is entitled to.
func buildEnv(env map[string]string, inherit bool) []string {
	var out []string
	if inherit {
		for _, kv := range os.Environ() {
			if strings.HasPrefix(kv, ports.SecretEnvPrefix) {
				continue
			}
			out = append(out, kv)
		}
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// Ensure Runner implements the port at compile time.
var _ ports.StepRunner = (*Runner)(nil)
