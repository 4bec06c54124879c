package scheduler

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Spawner starts a worker process for a prepared worker directory and
// returns its PID. The production spawner re-execs the orchestrator binary
// with the hidden worker subcommand; tests substitute their own.
type Spawner interface {
	Spawn(workerDir string) (pid int, err error)
}

// ExecSpawner launches workers as children of the scheduler process.
type ExecSpawner struct {
	ProjectDir string
}

// Spawn re-execs the current binary as `worker --dir <dir>`. The child's
// stdout/stderr go to the worker log; the child is waited in the
// background so it never lingers as a zombie.
func (e *ExecSpawner) Spawn(workerDir string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("resolve executable: %w", err)
	}

	logFile, err := os.OpenFile(filepath.Join(workerDir, "worker.log"),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open worker log: %w", err)
	}

	cmd := exec.Command(exe, "worker", "--dir", workerDir, "--project", e.ProjectDir)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return 0, fmt.Errorf("start worker: %w", err)
	}

	go func() {
		_ = cmd.Wait()
		logFile.Close()
	}()
	return cmd.Process.Pid, nil
}
