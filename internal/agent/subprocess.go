package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Environment variables exported to every agent process.
const (
	EnvStepID       = "WIGGUM_STEP_ID"
	EnvStepReadOnly = "WIGGUM_STEP_READONLY"
	EnvTaskID       = "WIGGUM_TASK_ID"
	EnvWorkerDir    = "WIGGUM_WORKER_DIR"
	EnvProjectDir   = "WIGGUM_PROJECT_DIR"
)

// SubprocessInvoker runs an agent as a child process. The command receives
// the worker and project directories as its final two arguments, runs in
// the workspace, and is bounded by Timeout.
type SubprocessInvoker struct {
	// Argv is the command and leading arguments.
	Argv []string
	// Timeout is the maximum wall time for one invocation. Zero means
	// no bound beyond the caller's context.
	Timeout time.Duration
}

// NewSubprocessInvoker creates an invoker for the given argv.
func NewSubprocessInvoker(argv []string, timeout time.Duration) (*SubprocessInvoker, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("subprocess agent: empty command")
	}
	return &SubprocessInvoker{Argv: argv, Timeout: timeout}, nil
}

// Invoke executes the agent process and waits for it to exit.
func (s *SubprocessInvoker) Invoke(ctx context.Context, inv Invocation) error {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	args := append(append([]string{}, s.Argv[1:]...), inv.WorkerDir, inv.ProjectDir)
	cmd := exec.CommandContext(ctx, s.Argv[0], args...)
	cmd.Dir = inv.WorkspaceDir
	cmd.Env = append(os.Environ(),
		EnvStepID+"="+inv.StepID,
		EnvStepReadOnly+"="+fmt.Sprintf("%t", inv.ReadOnly),
		EnvTaskID+"="+inv.TaskID,
		EnvWorkerDir+"="+inv.WorkerDir,
		EnvProjectDir+"="+inv.ProjectDir,
	)

	if inv.LogDir != "" {
		if err := os.MkdirAll(inv.LogDir, 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		stdout, err := os.Create(filepath.Join(inv.LogDir, "stdout.log"))
		if err != nil {
			return fmt.Errorf("create stdout log: %w", err)
		}
		defer stdout.Close()
		stderr, err := os.Create(filepath.Join(inv.LogDir, "stderr.log"))
		if err != nil {
			return fmt.Errorf("create stderr log: %w", err)
		}
		defer stderr.Close()
		cmd.Stdout = stdout
		cmd.Stderr = stderr
	}

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("agent %s timed out after %s", s.Argv[0], s.Timeout)
		}
		return fmt.Errorf("agent %s: %w", s.Argv[0], err)
	}
	return nil
}
