package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/wiggum-dev/wiggum/internal/agent"
	"github.com/wiggum-dev/wiggum/internal/events"
	"github.com/wiggum-dev/wiggum/internal/git"
	"github.com/wiggum-dev/wiggum/internal/util"
)

// StepState is the per-step execution state.
type StepState string

const (
	StateNotStarted StepState = "NOT_STARTED"
	StateGatedOut   StepState = "GATED_OUT"
	StateDepBlocked StepState = "DEP_BLOCKED"
	StateRunning    StepState = "RUNNING"
	StateRetrying   StepState = "RETRYING"
	StateCompleted  StepState = "COMPLETED"
)

// State is the terminal pipeline state.
type State string

const (
	StateCompletedAll   State = "COMPLETED_ALL"
	StateHaltedBlocking State = "HALTED_BLOCKING"
	StateHaltedByAgent  State = "HALTED_BY_AGENT"
)

// ErrResumeAborted is returned when the resume-decide agent rejects a
// resume attempt.
var ErrResumeAborted = errors.New("resume aborted by agent")

// ResumeAgentType is the dedicated agent consulted before a resume.
const ResumeAgentType = "resume-decide"

// Target identifies what a pipeline run operates on.
type Target struct {
	WorkerDir    string
	WorkspaceDir string
	ProjectDir   string
	TaskID       string
}

func (t Target) resultsDir() string    { return filepath.Join(t.WorkerDir, "results") }
func (t Target) logsDir() string       { return filepath.Join(t.WorkerDir, "logs") }
func (t Target) stepConfigPath() string { return filepath.Join(t.WorkerDir, "step-config.json") }
func (t Target) resumeStepPath() string { return filepath.Join(t.WorkerDir, "resume-step.txt") }

// StepOutcome records how one step ended.
type StepOutcome struct {
	ID    string
	State StepState
	Gate  agent.GateResult
	Epoch int64
}

// Outcome is the result of one pipeline run.
type Outcome struct {
	State State
	Steps []StepOutcome
}

// LastGate returns the gate result of the last step that actually ran
// (skipped steps do not count).
func (o *Outcome) LastGate() agent.GateResult {
	for i := len(o.Steps) - 1; i >= 0; i-- {
		if o.Steps[i].State == StateCompleted && o.Steps[i].Gate != agent.GateSkip {
			return o.Steps[i].Gate
		}
	}
	return ""
}

// Success reports whether the run ended without a blocking halt.
func (o *Outcome) Success() bool {
	return o.State == StateCompletedAll || o.State == StateHaltedByAgent
}

// Runner executes a pipeline against one worker directory.
type Runner struct {
	registry     *agent.Registry
	publisher    events.Publisher
	logger       *slog.Logger
	commitPrefix string

	// getenv is swapped in tests to exercise enabled_by gates.
	getenv func(string) string
	// now produces attempt epochs; swapped in tests for determinism.
	now func() int64
	// openRepo opens the workspace repo; swapped in tests.
	openRepo func(path string) (workspaceRepo, error)
}

// workspaceRepo is the slice of git.Repo the runner needs.
type workspaceRepo interface {
	IsClean() (bool, error)
	CommitAll(message string) error
}

// NewRunner creates a pipeline runner.
func NewRunner(registry *agent.Registry, publisher events.Publisher, commitPrefix string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	// Epochs key result files; a retry finishing within the same
	// millisecond must not reuse its predecessor's epoch.
	var lastEpoch int64
	return &Runner{
		registry:     registry,
		publisher:    publisher,
		logger:       logger,
		commitPrefix: commitPrefix,
		getenv:       os.Getenv,
		now: func() int64 {
			e := time.Now().UnixMilli()
			if e <= lastEpoch {
				e = lastEpoch + 1
			}
			lastEpoch = e
			return e
		},
		openRepo: func(path string) (workspaceRepo, error) {
			return git.Open(path)
		},
	}
}

// RunAll executes every step from startFrom onward. An empty startFrom
// runs the whole pipeline; otherwise it is resolved by ResolveStart.
func (r *Runner) RunAll(ctx context.Context, p *Pipeline, target Target, startFrom string) (*Outcome, error) {
	start := 0
	if startFrom != "" {
		idx := p.StepIndex(startFrom)
		if idx < 0 {
			return nil, fmt.Errorf("unknown start step %q", startFrom)
		}
		start = idx
	}

	outcome := &Outcome{State: StateCompletedAll}
	// Steps before the start point keep their persisted results; they are
	// visible to depends_on checks but not re-run.
	for i := start; i < len(p.Steps); i++ {
		step := &p.Steps[i]

		so, err := r.runStep(ctx, p, step, target)
		if err != nil {
			return nil, err
		}
		outcome.Steps = append(outcome.Steps, *so)

		switch {
		case so.State == StateGatedOut || so.State == StateDepBlocked:
			continue
		case so.Gate == agent.GateStop:
			r.publish(events.EventPipelineHaltedByAgent, target.TaskID, map[string]any{"step": step.ID})
			outcome.State = StateHaltedByAgent
			return outcome, nil
		case so.Gate == agent.GateFail || so.Gate == agent.GateFix:
			if step.Blocking {
				r.publish(events.EventPipelineHalted, target.TaskID, map[string]any{
					"step": step.ID, "gate": string(so.Gate),
				})
				outcome.State = StateHaltedBlocking
				return outcome, nil
			}
			r.publish(events.EventStepFailedSoft, target.TaskID, map[string]any{
				"step": step.ID, "gate": string(so.Gate),
			})
		}
	}

	r.publish(events.EventPipelineCompleted, target.TaskID, nil)
	return outcome, nil
}

// runStep executes one step through its full state machine, including FIX
// retries.
func (r *Runner) runStep(ctx context.Context, p *Pipeline, step *Step, target Target) (*StepOutcome, error) {
	// Gate check: the named environment variable must equal "true".
	if step.EnabledBy != "" && r.getenv(step.EnabledBy) != "true" {
		return r.skipStep(step, target, StateGatedOut, fmt.Sprintf("gate %s not enabled", step.EnabledBy))
	}

	// Dependency check: the referenced prior step's persisted result must
	// be PASS.
	if step.DependsOn != "" {
		dep, _, err := latestResult(target.WorkerDir, step.DependsOn)
		if err != nil || dep.GateResult != agent.GatePass {
			return r.skipStep(step, target, StateDepBlocked, fmt.Sprintf("dependency %s did not pass", step.DependsOn))
		}
	}

	invoker, err := r.registry.Get(step.Agent)
	if err != nil {
		return nil, fmt.Errorf("step %q: %w", step.ID, err)
	}

	cfg, err := p.EffectiveConfig(step)
	if err != nil {
		return nil, fmt.Errorf("step %q: %w", step.ID, err)
	}

	attempts := 0
	for {
		epoch := r.now()

		if err := util.AtomicWriteFile(target.stepConfigPath(), cfg, 0o644); err != nil {
			return nil, fmt.Errorf("step %q: write step config: %w", step.ID, err)
		}

		logDir := filepath.Join(target.logsDir(), fmt.Sprintf("%s-%d", step.ID, epoch))
		r.publish(events.EventStepStarted, target.TaskID, map[string]any{
			"step": step.ID, "agent": step.Agent, "epoch": epoch, "attempt": attempts + 1,
		})

		inv := agent.Invocation{
			WorkerDir:    target.WorkerDir,
			WorkspaceDir: target.WorkspaceDir,
			ProjectDir:   target.ProjectDir,
			TaskID:       target.TaskID,
			StepID:       step.ID,
			ReadOnly:     step.ReadOnly,
			Epoch:        epoch,
			LogDir:       logDir,
		}
		if err := invoker.Invoke(ctx, inv); err != nil {
			r.logger.Warn("agent invocation failed", "task_id", target.TaskID, "step", step.ID, "error", err)
		}

		resultPath := agent.ResultPath(target.WorkerDir, step.ID, epoch)
		res, err := agent.ReadResult(resultPath)
		if err != nil {
			res = agent.MissingOutput()
			if werr := util.AtomicWriteJSON(resultPath, res, 0o644); werr != nil {
				return nil, fmt.Errorf("step %q: persist synthesized result: %w", step.ID, werr)
			}
		}

		// Commit workspace changes produced by a mutating step.
		if !step.ReadOnly {
			if err := r.commitWorkspace(target, step.ID); err != nil {
				return nil, fmt.Errorf("step %q: %w", step.ID, err)
			}
		}

		switch res.GateResult {
		case agent.GatePass:
			r.publish(events.EventStepCompleted, target.TaskID, map[string]any{"step": step.ID})
			return &StepOutcome{ID: step.ID, State: StateCompleted, Gate: agent.GatePass, Epoch: epoch}, nil

		case agent.GateSkip:
			r.publish(events.EventStepSkipped, target.TaskID, map[string]any{"step": step.ID, "by": "agent"})
			return &StepOutcome{ID: step.ID, State: StateCompleted, Gate: agent.GateSkip, Epoch: epoch}, nil

		case agent.GateFix:
			if step.Retry != nil && step.Retry.On == agent.GateFix && attempts < step.Retry.Max {
				attempts++
				r.publish(events.EventStepRetrying, target.TaskID, map[string]any{
					"step": step.ID, "attempt": attempts, "max": step.Retry.Max,
				})
				if step.Retry.FixAgent != "" {
					if err := r.invokeFixAgent(ctx, step, target, epoch); err != nil {
						r.logger.Warn("fix agent failed", "task_id", target.TaskID, "step", step.ID, "error", err)
					}
				}
				continue
			}
			return &StepOutcome{ID: step.ID, State: StateCompleted, Gate: agent.GateFix, Epoch: epoch}, nil

		default: // FAIL, STOP
			return &StepOutcome{ID: step.ID, State: StateCompleted, Gate: res.GateResult, Epoch: epoch}, nil
		}
	}
}

// skipStep persists a synthesized SKIP result so downstream depends_on
// checks and resume see the step as handled.
func (r *Runner) skipStep(step *Step, target Target, state StepState, reason string) (*StepOutcome, error) {
	epoch := r.now()
	res := &agent.Result{GateResult: agent.GateSkip}
	path := agent.ResultPath(target.WorkerDir, step.ID, epoch)
	if err := util.AtomicWriteJSON(path, res, 0o644); err != nil {
		return nil, fmt.Errorf("step %q: persist skip result: %w", step.ID, err)
	}
	r.publish(events.EventStepSkipped, target.TaskID, map[string]any{
		"step": step.ID, "reason": reason,
	})
	return &StepOutcome{ID: step.ID, State: state, Gate: agent.GateSkip, Epoch: epoch}, nil
}

func (r *Runner) invokeFixAgent(ctx context.Context, step *Step, target Target, epoch int64) error {
	fixer, err := r.registry.Get(step.Retry.FixAgent)
	if err != nil {
		return err
	}
	return fixer.Invoke(ctx, agent.Invocation{
		WorkerDir:    target.WorkerDir,
		WorkspaceDir: target.WorkspaceDir,
		ProjectDir:   target.ProjectDir,
		TaskID:       target.TaskID,
		StepID:       step.ID + "-fix",
		Epoch:        epoch,
		LogDir:       filepath.Join(target.logsDir(), fmt.Sprintf("%s-fix-%d", step.ID, epoch)),
	})
}

func (r *Runner) commitWorkspace(target Target, stepID string) error {
	repo, err := r.openRepo(target.WorkspaceDir)
	if err != nil {
		return err
	}
	clean, err := repo.IsClean()
	if err != nil {
		return err
	}
	if clean {
		return nil
	}
	msg := fmt.Sprintf("%s %s: %s", r.commitPrefix, target.TaskID, stepID)
	if err := repo.CommitAll(msg); err != nil && !errors.Is(err, git.ErrNothingToCommit) {
		return err
	}
	return nil
}

func (r *Runner) publish(event events.EventType, taskID string, fields map[string]any) {
	r.publisher.Publish(events.New(event, taskID, fields))
}

// latestResult finds the newest persisted result for a step, scanning the
// results directory for <step>-<epoch>.json files.
func latestResult(workerDir, stepID string) (*agent.Result, int64, error) {
	entries, err := os.ReadDir(filepath.Join(workerDir, "results"))
	if err != nil {
		return nil, 0, fmt.Errorf("read results dir: %w", err)
	}

	var best int64 = -1
	prefix := stepID + "-"
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		raw := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json")
		epoch, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		if epoch > best {
			best = epoch
		}
	}
	if best < 0 {
		return nil, 0, fmt.Errorf("no result for step %s", stepID)
	}

	res, err := agent.ReadResult(agent.ResultPath(workerDir, stepID, best))
	if err != nil {
		return nil, 0, err
	}
	return res, best, nil
}

// ResolveStart determines where a resumed run begins: the earliest step
// with no persisted result. Returns "" when nothing has run yet.
func ResolveStart(p *Pipeline, workerDir string) string {
	for i := range p.Steps {
		if _, _, err := latestResult(workerDir, p.Steps[i].ID); err != nil {
			return p.Steps[i].ID
		}
	}
	// Everything has a result; rerun the final step.
	return p.Steps[len(p.Steps)-1].ID
}

// DecideResume consults the resume-decide agent, if registered, for where
// to restart. The decision is persisted to resume-step.txt. Returns
// ErrResumeAborted when the agent answers ABORT, and falls back to
// ResolveStart when no resume agent is registered or it stays silent.
func (r *Runner) DecideResume(ctx context.Context, p *Pipeline, target Target) (string, error) {
	if inv, err := r.registry.Get(ResumeAgentType); err == nil {
		epoch := r.now()
		_ = inv.Invoke(ctx, agent.Invocation{
			WorkerDir:    target.WorkerDir,
			WorkspaceDir: target.WorkspaceDir,
			ProjectDir:   target.ProjectDir,
			TaskID:       target.TaskID,
			StepID:       ResumeAgentType,
			ReadOnly:     true,
			Epoch:        epoch,
			LogDir:       filepath.Join(target.logsDir(), fmt.Sprintf("%s-%d", ResumeAgentType, epoch)),
		})
		if data, err := os.ReadFile(target.resumeStepPath()); err == nil {
			decision := strings.TrimSpace(string(data))
			switch {
			case decision == "ABORT":
				return "", ErrResumeAborted
			case decision != "" && p.StepIndex(decision) >= 0:
				return decision, nil
			}
		}
	}

	decision := ResolveStart(p, target.WorkerDir)
	if err := util.AtomicWriteFile(target.resumeStepPath(), []byte(decision+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist resume decision: %w", err)
	}
	return decision, nil
}
