package worker

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/wiggum-dev/wiggum/internal/config"
	"github.com/wiggum-dev/wiggum/internal/events"
)

// dirtier is the slice of the git layer the monitor needs.
type dirtier interface {
	DirtyPaths() ([]string, error)
}

// Monitor watches the main project checkout for uncommitted changes
// outside the orchestrator metadata directory. Any such change means an
// agent escaped its worktree; the monitor records the paths and drops a
// sentinel that converts the worker outcome to failed at cleanup.
type Monitor struct {
	interval  time.Duration
	workerDir string
	taskID    string
	repo      dirtier
	publisher events.Publisher
	logger    *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewMonitor creates a violation monitor for one worker.
func NewMonitor(workerDir, taskID string, repo dirtier, interval time.Duration, publisher events.Publisher, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Monitor{
		interval:  interval,
		workerDir: workerDir,
		taskID:    taskID,
		repo:      repo,
		publisher: publisher,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start begins periodic checks in a background goroutine.
func (m *Monitor) Start() {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.Check()
			}
		}
	}()
}

// Stop halts the monitor and waits for the loop to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

// Check runs one inspection pass. Exported so the final pass can run
// synchronously before cleanup.
func (m *Monitor) Check() {
	dirty, err := m.repo.DirtyPaths()
	if err != nil {
		m.logger.Warn("violation check failed", "task_id", m.taskID, "error", err)
		return
	}

	var escaped []string
	for _, p := range dirty {
		if !withinMetaDir(p) {
			escaped = append(escaped, p)
		}
	}
	if len(escaped) == 0 {
		return
	}

	m.record(escaped)
}

// withinMetaDir reports whether a repo-relative path is under .ralph/.
func withinMetaDir(p string) bool {
	clean := filepath.ToSlash(filepath.Clean(p))
	return clean == config.RalphDir || strings.HasPrefix(clean, config.RalphDir+"/")
}

func (m *Monitor) record(paths []string) {
	logPath := filepath.Join(m.workerDir, ViolationLogName)
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		m.logger.Error("open violation log", "task_id", m.taskID, "error", err)
	} else {
		ts := time.Now().UTC().Format(time.RFC3339)
		for _, p := range paths {
			fmt.Fprintf(f, "%s %s\n", ts, p)
		}
		f.Close()
	}

	// The sentinel is sticky; first write wins.
	flag := filepath.Join(m.workerDir, ViolationFlagName)
	if _, err := os.Stat(flag); os.IsNotExist(err) {
		if werr := os.WriteFile(flag, []byte(strings.Join(paths, "\n")+"\n"), 0o644); werr != nil {
			m.logger.Error("write violation sentinel", "task_id", m.taskID, "error", werr)
		}
	}

	m.logger.Warn("workspace boundary violation",
		"task_id", m.taskID, "paths", strings.Join(paths, ","))
	m.publisher.Publish(events.New(events.EventWorkerViolation, m.taskID, map[string]any{
		"paths": paths,
	}))
}
