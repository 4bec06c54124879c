package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wiggum-dev/wiggum/internal/agent"
	"github.com/wiggum-dev/wiggum/internal/batch"
	"github.com/wiggum-dev/wiggum/internal/board"
	"github.com/wiggum-dev/wiggum/internal/config"
	"github.com/wiggum-dev/wiggum/internal/events"
	"github.com/wiggum-dev/wiggum/internal/git"
	"github.com/wiggum-dev/wiggum/internal/hosting"
	"github.com/wiggum-dev/wiggum/internal/pipeline"
	"github.com/wiggum-dev/wiggum/internal/pool"
	"github.com/wiggum-dev/wiggum/internal/util"
)

// Manager creates, executes, and reaps workers for one project.
type Manager struct {
	cfg        *config.Config
	projectDir string
	repo       *git.Repo
	registry   *agent.Registry
	publisher  events.Publisher
	host       *hosting.Client
	batches    *batch.Coordinator
	logger     *slog.Logger
}

// NewManager wires a worker manager.
func NewManager(cfg *config.Config, projectDir string, repo *git.Repo, registry *agent.Registry, publisher events.Publisher, host *hosting.Client, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Manager{
		cfg:        cfg,
		projectDir: projectDir,
		repo:       repo,
		registry:   registry,
		publisher:  publisher,
		host:       host,
		batches:    batch.NewCoordinator(config.BatchDir(projectDir)),
		logger:     logger,
	}
}

// Branch returns the task's work branch name.
func (m *Manager) Branch(taskID string) string {
	return m.cfg.Git.BranchPrefix + taskID
}

// Create allocates a worker directory with its isolated worktree and task
// brief. The caller records the spawned process's PID afterwards.
func (m *Manager) Create(task *board.Task, kind pool.Kind) (string, int64, error) {
	epoch := time.Now().UnixMilli()
	dir := filepath.Join(config.WorkersDir(m.projectDir), pool.DirName(task.ID, kind, epoch))

	for _, sub := range []string{"results", "logs", "reports"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", 0, fmt.Errorf("create worker dir: %w", err)
		}
	}

	branch := m.Branch(task.ID)
	// Fix and resolve workers continue an earlier attempt; its branch must
	// still exist.
	if kind != pool.KindMain && !m.repo.BranchExists(branch) {
		os.RemoveAll(dir)
		return "", 0, fmt.Errorf("work branch %s missing for %s worker of %s", branch, kind, task.ID)
	}
	workspace := filepath.Join(dir, WorkspaceDirName)
	if err := m.repo.CreateWorktree(workspace, branch, m.cfg.Git.BaseBranch); err != nil {
		os.RemoveAll(dir)
		return "", 0, fmt.Errorf("create worktree for %s: %w", task.ID, err)
	}

	if err := WritePRD(dir, task); err != nil {
		return "", 0, err
	}
	if err := SaveGitState(dir, &GitState{Branch: branch}); err != nil {
		return "", 0, err
	}

	m.logger.Info("worker created", "task_id", task.ID, "kind", string(kind), "dir", dir)
	return dir, epoch, nil
}

// Execute runs a worker to completion inside the worker process: violation
// monitor, optional batch coordination, the pipeline, and finalization.
// The final result is always persisted, even on failure.
func (m *Manager) Execute(ctx context.Context, workerDir string) (*FinalResult, error) {
	taskID, kind, _, ok := pool.ParseDirName(filepath.Base(workerDir))
	if !ok {
		return nil, fmt.Errorf("not a worker directory: %s", workerDir)
	}

	if err := pool.WritePIDFile(workerDir, os.Getpid()); err != nil {
		return nil, err
	}

	monitor := NewMonitor(workerDir, taskID, m.repo, m.cfg.Worker.MonitorInterval, m.publisher, m.logger)
	monitor.Start()
	defer monitor.Stop()

	res := &FinalResult{TaskID: taskID, Branch: m.Branch(taskID)}

	if err := m.joinBatch(ctx, workerDir, taskID); err != nil {
		if errors.Is(err, batch.ErrBatchFailed) {
			res.Outcome = OutcomeFailed
			res.Gate = string(agent.GateFail)
			res.Errors = []string{"batch failed before this task's turn"}
			return res, WriteFinalResult(workerDir, res)
		}
		return nil, err
	}

	outcome, err := m.runPipeline(ctx, workerDir, taskID)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Gate = string(agent.GateFail)
		res.Errors = []string{err.Error()}
		return res, WriteFinalResult(workerDir, res)
	}
	res.Gate = string(outcome.LastGate())

	// One last synchronous pass so a late escape is not missed.
	monitor.Stop()
	monitor.Check()

	res.Violation = ViolationFlagged(workerDir)
	success := outcome.Success() && !res.Violation

	if success {
		m.finalizeSuccess(workerDir, taskID, res)
	} else {
		res.Outcome = OutcomeFailed
		if res.Violation {
			res.Errors = append(res.Errors, "workspace boundary violation")
		}
	}

	m.updateBatch(workerDir, taskID, res.Outcome == OutcomeDone)

	if res.Gate == string(agent.GateFix) && kind != pool.KindFix {
		m.markNeedsFix(workerDir)
	}

	return res, WriteFinalResult(workerDir, res)
}

// finalizeSuccess pushes the work branch and opens a pull request. A
// rejected push or a conflicting merge marks the git-state for a follow-up
// worker instead of failing silently.
func (m *Manager) finalizeSuccess(workerDir, taskID string, res *FinalResult) {
	branch := m.Branch(taskID)

	if err := m.repo.Push(m.cfg.Git.Remote, branch); err != nil {
		m.logger.Warn("push rejected", "task_id", taskID, "branch", branch, "error", err)
		st, _ := LoadGitState(workerDir)
		st.NeedsFix = true
		_ = SaveGitState(workerDir, st)
		res.Outcome = OutcomeFailed
		res.Errors = append(res.Errors, fmt.Sprintf("push rejected: %v", err))
		return
	}

	if clean, err := m.repo.MergesCleanly(m.cfg.Git.BaseBranch, branch); err == nil && !clean {
		m.logger.Warn("branch conflicts with base", "task_id", taskID, "branch", branch)
		st, _ := LoadGitState(workerDir)
		st.NeedsResolve = true
		_ = SaveGitState(workerDir, st)
	}

	workspace := m.repo.InWorktree(filepath.Join(workerDir, WorkspaceDirName))
	if sha, err := workspace.HeadCommit(); err == nil {
		res.Commit = strings.TrimSpace(sha)
	}
	if diff, err := m.repo.Diff(m.cfg.Git.BaseBranch, branch); err == nil && diff != "" {
		patch := filepath.Join(workerDir, "reports", "changes.patch")
		if werr := util.AtomicWriteFile(patch, []byte(diff), 0o644); werr != nil {
			m.logger.Warn("diff report write failed", "task_id", taskID, "error", werr)
		}
	}

	res.Outcome = OutcomeDone
	if m.host == nil {
		return
	}

	url, err := m.host.CreatePR(hosting.PullRequest{
		Branch: branch,
		Base:   m.cfg.Git.BaseBranch,
		Title:  fmt.Sprintf("%s: automated change", taskID),
		Body:   fmt.Sprintf("Automated change for task %s. See the worker report for details.", taskID),
	})
	if err != nil {
		m.logger.Warn("pull request creation failed", "task_id", taskID, "error", err)
		return
	}
	res.PRURL = url

	if m.cfg.Scheduler.AutoMerge {
		if err := m.host.MergePR(branch); err != nil {
			m.logger.Warn("auto-merge failed", "task_id", taskID, "error", err)
		}
	}
}

func (m *Manager) runPipeline(ctx context.Context, workerDir, taskID string) (*pipeline.Outcome, error) {
	p, err := m.loadPipeline()
	if err != nil {
		return nil, err
	}

	runner := pipeline.NewRunner(m.registry, m.publisher, m.cfg.Git.CommitPrefix, m.logger)
	target := pipeline.Target{
		WorkerDir:    workerDir,
		WorkspaceDir: filepath.Join(workerDir, WorkspaceDirName),
		ProjectDir:   m.projectDir,
		TaskID:       taskID,
	}

	startFrom := ""
	if hasResults(workerDir) {
		startFrom, err = runner.DecideResume(ctx, p, target)
		if err != nil {
			return nil, err
		}
	}
	return runner.RunAll(ctx, p, target, startFrom)
}

// loadPipeline reads the project pipeline file, falling back to the
// built-in default when the project does not carry one.
func (m *Manager) loadPipeline() (*pipeline.Pipeline, error) {
	path := m.cfg.PipelinePath(m.projectDir)
	if !util.FileExists(path) {
		return pipeline.Default(), nil
	}
	return pipeline.Load(path)
}

func hasResults(workerDir string) bool {
	entries, err := os.ReadDir(filepath.Join(workerDir, "results"))
	return err == nil && len(entries) > 0
}

func (m *Manager) joinBatch(ctx context.Context, workerDir, taskID string) error {
	bc, ok, err := LoadBatchContext(workerDir)
	if err != nil || !ok {
		return err
	}
	m.logger.Info("waiting for batch turn", "task_id", taskID, "batch", bc.BatchID)
	return m.batches.WaitTurn(ctx, bc.BatchID, taskID)
}

func (m *Manager) updateBatch(workerDir, taskID string, success bool) {
	bc, ok, err := LoadBatchContext(workerDir)
	if err != nil || !ok {
		return
	}
	if success {
		err = m.batches.Advance(bc.BatchID, taskID)
	} else {
		err = m.batches.Fail(bc.BatchID, taskID)
	}
	if err != nil {
		m.logger.Warn("batch update failed", "task_id", taskID, "batch", bc.BatchID, "error", err)
	}
}

func (m *Manager) markNeedsFix(workerDir string) {
	st, err := LoadGitState(workerDir)
	if err != nil {
		st = &GitState{}
	}
	st.NeedsFix = true
	if err := SaveGitState(workerDir, st); err != nil {
		m.logger.Warn("mark needs_fix failed", "dir", workerDir, "error", err)
	}
}

// Reap finishes a worker whose process has exited: read (or synthesize)
// its final result, honor the violation sentinel, and force-remove the
// worktree. Board updates are the scheduler's job; the reaper only reports.
func (m *Manager) Reap(workerDir string) (*FinalResult, error) {
	res, err := ReadFinalResult(workerDir)
	if err != nil {
		// The worker died before publishing; treat as a blocking failure.
		taskID, _, _, _ := pool.ParseDirName(filepath.Base(workerDir))
		res = &FinalResult{
			TaskID:  taskID,
			Outcome: OutcomeFailed,
			Gate:    string(agent.GateFail),
			Errors:  []string{"worker exited without a final result"},
		}
	}

	if ViolationFlagged(workerDir) && res.Outcome == OutcomeDone {
		res.Outcome = OutcomeFailed
		res.Violation = true
		res.Errors = append(res.Errors, "workspace boundary violation")
	}

	workspace := filepath.Join(workerDir, WorkspaceDirName)
	if _, err := os.Stat(workspace); err == nil {
		if rerr := m.repo.RemoveWorktree(workspace); rerr != nil {
			m.logger.Warn("worktree removal failed", "dir", workspace, "error", rerr)
		}
	}

	m.publisher.Publish(events.New(events.EventWorkerReaped, res.TaskID, map[string]any{
		"outcome":   string(res.Outcome),
		"gate":      res.Gate,
		"violation": res.Violation,
	}))
	return res, nil
}
