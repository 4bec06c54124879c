// Package pool tracks live workers for the scheduler. Each entry is an OS
// child process running a task pipeline inside its own worker directory;
// the pool is also rebuilt from disk on startup so an interrupted run can
// adopt workers that survived the previous orchestrator.
package pool

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Kind distinguishes the worker flavors the scheduler manages.
type Kind string

const (
	// KindMain runs a task's full pipeline.
	KindMain Kind = "main"
	// KindFix repairs a task whose finalize push was rejected.
	KindFix Kind = "fix"
	// KindResolve resolves merge conflicts against the base branch.
	KindResolve Kind = "resolve"
)

// PIDFileName is the file inside a worker directory holding its process id.
const PIDFileName = "worker.pid"

// Worker is one tracked worker process.
type Worker struct {
	TaskID    string
	Kind      Kind
	PID       int
	Dir       string
	Epoch     int64
	StartedAt time.Time
	// Adopted marks a worker inherited from a previous orchestrator run.
	Adopted bool
}

// Pool is a concurrency-safe registry of workers keyed by task and kind.
type Pool struct {
	mu      sync.RWMutex
	workers map[string]*Worker
	logger  *slog.Logger
}

// New creates an empty pool.
func New(logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{workers: make(map[string]*Worker), logger: logger}
}

func key(taskID string, kind Kind) string { return taskID + "/" + string(kind) }

// Add registers a worker. A second worker of the same kind for the same
// task is a scheduler bug, reported as an error.
func (p *Pool) Add(w *Worker) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := key(w.TaskID, w.Kind)
	if _, exists := p.workers[k]; exists {
		return fmt.Errorf("worker already tracked for task %s (%s)", w.TaskID, w.Kind)
	}
	p.workers[k] = w
	return nil
}

// Remove drops a worker from tracking. Removing an untracked worker is a
// no-op.
func (p *Pool) Remove(taskID string, kind Kind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.workers, key(taskID, kind))
}

// Get returns the tracked worker for a task and kind, if any.
func (p *Pool) Get(taskID string, kind Kind) (*Worker, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	w, ok := p.workers[key(taskID, kind)]
	return w, ok
}

// HasTask reports whether any worker of any kind is tracked for the task.
func (p *Pool) HasTask(taskID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, kind := range []Kind{KindMain, KindFix, KindResolve} {
		if _, ok := p.workers[key(taskID, kind)]; ok {
			return true
		}
	}
	return false
}

// Count returns the number of tracked workers of the given kinds, or all
// workers when no kind is given. Fix and resolve workers count against
// scheduler capacity the same as main workers.
func (p *Pool) Count(kinds ...Kind) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(kinds) == 0 {
		return len(p.workers)
	}
	n := 0
	for _, w := range p.workers {
		for _, k := range kinds {
			if w.Kind == k {
				n++
				break
			}
		}
	}
	return n
}

// Snapshot returns a copy of all tracked workers, ordered by task then
// kind, safe to iterate while the pool mutates.
func (p *Pool) Snapshot() []*Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TaskID != out[j].TaskID {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// Alive reports whether the worker's process still exists.
func (w *Worker) Alive() bool {
	return w.PID > 0 && pidAlive(w.PID)
}

// dirPattern matches worker directory names:
// worker-<TASK>-<epoch>, worker-<TASK>-fix-<epoch>, worker-<TASK>-resolve-<epoch>.
var dirPattern = regexp.MustCompile(`^worker-([A-Za-z]{2,8}-[0-9]{1,4})(?:-(fix|resolve))?-([0-9]+)$`)

// ParseDirName decodes a worker directory name into its task, kind, and
// epoch. Returns false for names that are not worker directories.
func ParseDirName(name string) (taskID string, kind Kind, epoch int64, ok bool) {
	m := dirPattern.FindStringSubmatch(name)
	if m == nil {
		return "", "", 0, false
	}
	kind = KindMain
	switch m[2] {
	case "fix":
		kind = KindFix
	case "resolve":
		kind = KindResolve
	}
	epoch, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return "", "", 0, false
	}
	return m[1], kind, epoch, true
}

// DirName is the inverse of ParseDirName.
func DirName(taskID string, kind Kind, epoch int64) string {
	var b strings.Builder
	b.WriteString("worker-")
	b.WriteString(taskID)
	if kind != KindMain {
		b.WriteString("-")
		b.WriteString(string(kind))
	}
	fmt.Fprintf(&b, "-%d", epoch)
	return b.String()
}

// WritePIDFile records a worker's process id in its directory.
func WritePIDFile(workerDir string, pid int) error {
	path := filepath.Join(workerDir, PIDFileName)
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// ReadPIDFile reads the process id recorded in a worker directory.
func ReadPIDFile(workerDir string) (int, error) {
	data, err := os.ReadFile(filepath.Join(workerDir, PIDFileName))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed pid file in %s", workerDir)
	}
	return pid, nil
}

// RestoreFromDisk scans the workers directory and adopts every worker
// whose recorded process is still alive. Directories with a dead or
// missing process are returned as stale for the caller to reap.
func (p *Pool) RestoreFromDisk(workersDir string) (adopted []*Worker, stale []string, err error) {
	entries, err := os.ReadDir(workersDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("read workers dir: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		taskID, kind, epoch, ok := ParseDirName(e.Name())
		if !ok {
			continue
		}
		dir := filepath.Join(workersDir, e.Name())

		pid, perr := ReadPIDFile(dir)
		if perr != nil || !pidAlive(pid) {
			stale = append(stale, dir)
			continue
		}

		w := &Worker{
			TaskID:    taskID,
			Kind:      kind,
			PID:       pid,
			Dir:       dir,
			Epoch:     epoch,
			StartedAt: time.UnixMilli(epoch),
			Adopted:   true,
		}
		if aerr := p.Add(w); aerr != nil {
			// Two live dirs for the same task and kind; keep the newer.
			existing, _ := p.Get(taskID, kind)
			if existing != nil && existing.Epoch < epoch {
				p.Remove(taskID, kind)
				stale = append(stale, existing.Dir)
				_ = p.Add(w)
			} else {
				stale = append(stale, dir)
				continue
			}
		}
		adopted = append(adopted, w)
		p.logger.Info("adopted running worker",
			"task_id", taskID, "kind", string(kind), "pid", pid)
	}
	return adopted, stale, nil
}
