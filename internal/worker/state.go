// Package worker implements the lifecycle around one task attempt: the
// worker directory, the isolated worktree, the violation monitor, the
// pipeline run, and the structured final result the scheduler reaps.
package worker

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/wiggum-dev/wiggum/internal/util"
)

// File names inside a worker directory.
const (
	PRDFileName          = "prd.md"
	WorkspaceDirName     = "workspace"
	ResultFileName       = "result.json"
	GitStateFileName     = "git-state.json"
	ViolationLogName     = "violations.log"
	ViolationFlagName    = "violation_flag.txt"
	BatchContextFileName = "batch-context.json"
)

// Outcome is the final disposition of one worker.
type Outcome string

const (
	OutcomeDone   Outcome = "done"
	OutcomeFailed Outcome = "failed"
)

// FinalResult is what the worker publishes for the reaper.
type FinalResult struct {
	TaskID  string  `json:"task_id"`
	Outcome Outcome `json:"outcome"`
	// Gate is the last meaningful pipeline gate result.
	Gate string `json:"gate,omitempty"`
	// Violation is true when the boundary monitor tripped; it forces
	// Outcome to failed regardless of the pipeline.
	Violation bool     `json:"violation,omitempty"`
	Errors    []string `json:"errors,omitempty"`
	Branch    string   `json:"branch,omitempty"`
	// Commit is the branch head at finalization.
	Commit string `json:"commit,omitempty"`
	PRURL  string `json:"pr_url,omitempty"`
}

// WriteFinalResult publishes the final result atomically.
func WriteFinalResult(workerDir string, res *FinalResult) error {
	if err := util.AtomicWriteJSON(filepath.Join(workerDir, ResultFileName), res, 0o644); err != nil {
		return fmt.Errorf("write final result: %w", err)
	}
	return nil
}

// ReadFinalResult loads a worker's final result. A missing file means the
// worker died before finishing.
func ReadFinalResult(workerDir string) (*FinalResult, error) {
	var res FinalResult
	if err := util.ReadJSON(filepath.Join(workerDir, ResultFileName), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GitState carries follow-up markers between a worker and the scheduler.
type GitState struct {
	Branch string `json:"branch"`
	// NeedsFix is set when the pipeline ended in FIX with actionable errors.
	NeedsFix bool `json:"needs_fix,omitempty"`
	// NeedsResolve is set when the branch no longer merges cleanly into
	// the base branch.
	NeedsResolve bool `json:"needs_resolve,omitempty"`
}

// SaveGitState writes the git-state marker atomically.
func SaveGitState(workerDir string, st *GitState) error {
	if err := util.AtomicWriteJSON(filepath.Join(workerDir, GitStateFileName), st, 0o644); err != nil {
		return fmt.Errorf("write git state: %w", err)
	}
	return nil
}

// LoadGitState reads the git-state marker. Returns an empty state when the
// worker never wrote one.
func LoadGitState(workerDir string) (*GitState, error) {
	var st GitState
	err := util.ReadJSON(filepath.Join(workerDir, GitStateFileName), &st)
	if os.IsNotExist(err) {
		return &GitState{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// BatchContext links a worker to a batch coordination record.
type BatchContext struct {
	BatchID string `json:"batch_id"`
}

// LoadBatchContext reads the optional batch context. Second return is
// false when the worker is not part of a batch.
func LoadBatchContext(workerDir string) (*BatchContext, bool, error) {
	path := filepath.Join(workerDir, BatchContextFileName)
	if !util.FileExists(path) {
		return nil, false, nil
	}
	var bc BatchContext
	if err := util.ReadJSON(path, &bc); err != nil {
		return nil, false, err
	}
	return &bc, true, nil
}

// SaveBatchContext attaches a worker to a batch.
func SaveBatchContext(workerDir, batchID string) error {
	bc := &BatchContext{BatchID: batchID}
	if err := util.AtomicWriteJSON(filepath.Join(workerDir, BatchContextFileName), bc, 0o644); err != nil {
		return fmt.Errorf("write batch context: %w", err)
	}
	return nil
}

// ViolationFlagged reports whether the boundary sentinel exists.
func ViolationFlagged(workerDir string) bool {
	return util.FileExists(filepath.Join(workerDir, ViolationFlagName))
}
