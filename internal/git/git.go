// Package git wraps the small set of git subprocess calls wiggum depends
// on: worktree add/remove/prune, status, stage+commit, diff, push, and
// rev-parse. Workers get isolated worktrees pinned to the base branch; the
// main checkout is never written by the orchestrator.
package git

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// Repo manages git operations for one repository checkout or worktree.
type Repo struct {
	repoPath string // main repository root
	workDir  string // directory commands run in (repoPath or a worktree)
	runner   CommandRunner

	// mu guards compound operations (worktree create with prune-retry,
	// stage+commit) against concurrent callers.
	mu sync.Mutex
}

// Option configures a Repo.
type Option func(*Repo)

// WithRunner injects a custom command runner, primarily for tests.
func WithRunner(r CommandRunner) Option {
	return func(g *Repo) {
		g.runner = r
	}
}

// Open validates that path is a git repository and returns a Repo for it.
func Open(path string, opts ...Option) (*Repo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}

	g := &Repo{
		repoPath: abs,
		workDir:  abs,
		runner:   NewExecRunner(),
	}
	for _, opt := range opts {
		opt(g)
	}

	if _, ok := g.runner.(*ExecRunner); ok {
		cmd := exec.Command("git", "rev-parse", "--git-dir")
		cmd.Dir = abs
		if err := cmd.Run(); err != nil {
			return nil, ErrNotGitRepo
		}
	}

	return g, nil
}

// RepoPath returns the main repository root.
func (g *Repo) RepoPath() string {
	return g.repoPath
}

// WorkDir returns the directory commands run in.
func (g *Repo) WorkDir() string {
	return g.workDir
}

// InWorktree returns a Repo whose commands run inside the given worktree.
// The new instance gets its own mutex; it operates on a different directory
// and must not contend with the parent.
func (g *Repo) InWorktree(worktreePath string) *Repo {
	return &Repo{
		repoPath: g.repoPath,
		workDir:  worktreePath,
		runner:   g.runner,
	}
}

func (g *Repo) run(args ...string) (string, error) {
	return g.runner.Run(g.workDir, "git", args...)
}

// CreateWorktree creates a worktree at path on a new branch pinned to
// baseBranch. If a stale registration blocks the add, entries are pruned
// and the add retried once.
func (g *Repo) CreateWorktree(path, branch, baseBranch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.run("worktree", "add", "-b", branch, path, baseBranch); err == nil {
		return nil
	}
	// Branch may already exist from an earlier attempt on the same task.
	if _, err := g.run("worktree", "add", path, branch); err == nil {
		return nil
	}

	_, _ = g.run("worktree", "prune")

	if _, err := g.run("worktree", "add", "-b", branch, path, baseBranch); err == nil {
		return nil
	}
	_, err := g.run("worktree", "add", path, branch)
	if err != nil {
		return &GitError{Op: "create worktree", Err: err}
	}
	return nil
}

// RemoveWorktree removes a worktree, forcing if a plain remove fails.
func (g *Repo) RemoveWorktree(path string) error {
	if _, err := g.run("worktree", "remove", path); err != nil {
		if _, err := g.run("worktree", "remove", "--force", path); err != nil {
			return &GitError{Op: "remove worktree", Err: err}
		}
	}
	return nil
}

// PruneWorktrees drops stale worktree registrations. Safe to call anytime.
func (g *Repo) PruneWorktrees() error {
	if _, err := g.run("worktree", "prune"); err != nil {
		return &GitError{Op: "prune worktrees", Err: err}
	}
	return nil
}

// Status returns the working tree status in short format.
func (g *Repo) Status() (string, error) {
	out, err := g.run("status", "--short")
	if err != nil {
		return "", &GitError{Op: "status", Err: err}
	}
	return out, nil
}

// IsClean reports whether the working tree has no uncommitted changes.
func (g *Repo) IsClean() (bool, error) {
	status, err := g.Status()
	if err != nil {
		return false, err
	}
	return status == "", nil
}

// DirtyPaths returns the paths with uncommitted changes, parsed from the
// short status output.
func (g *Repo) DirtyPaths() ([]string, error) {
	status, err := g.Status()
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(status, "\n") {
		if len(line) < 4 {
			continue
		}
		p := strings.TrimSpace(line[3:])
		// Renames show as "old -> new"; the new path is what matters.
		if idx := strings.Index(p, " -> "); idx >= 0 {
			p = p[idx+4:]
		}
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// CommitAll stages everything and commits. Returns ErrNothingToCommit when
// the tree is clean.
func (g *Repo) CommitAll(message string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.run("add", "-A"); err != nil {
		return &GitError{Op: "stage all", Err: err}
	}
	out, err := g.run("commit", "-m", message)
	if err != nil {
		if strings.Contains(out, "nothing to commit") ||
			strings.Contains(err.Error(), "nothing to commit") {
			return ErrNothingToCommit
		}
		return &GitError{Op: "commit", Output: out, Err: err}
	}
	return nil
}

// Diff returns the diff between two refs.
func (g *Repo) Diff(base, head string) (string, error) {
	out, err := g.run("diff", base+"..."+head)
	if err != nil {
		return "", &GitError{Op: "diff", Err: err}
	}
	return out, nil
}

// Push pushes branch to the remote with upstream tracking.
func (g *Repo) Push(remote, branch string) error {
	if _, err := g.run("push", "-u", remote, branch); err != nil {
		return &GitError{Op: "push", Err: err}
	}
	return nil
}

// HeadCommit returns the current HEAD commit SHA.
func (g *Repo) HeadCommit() (string, error) {
	sha, err := g.run("rev-parse", "HEAD")
	if err != nil {
		return "", &GitError{Op: "rev-parse HEAD", Err: err}
	}
	return sha, nil
}

// BranchExists reports whether the ref resolves.
func (g *Repo) BranchExists(name string) bool {
	_, err := g.run("rev-parse", "--verify", name)
	return err == nil
}

// MergesCleanly reports whether branch merges into base without conflict,
// using a trial merge-tree (no working tree mutation).
func (g *Repo) MergesCleanly(base, branch string) (bool, error) {
	out, err := g.run("merge-tree", "--write-tree", base, branch)
	if err != nil {
		// merge-tree exits non-zero on conflicts and prints conflict info.
		if strings.Contains(out, "CONFLICT") || strings.Contains(err.Error(), "CONFLICT") {
			return false, nil
		}
		return false, &GitError{Op: "merge-tree", Err: err}
	}
	return true, nil
}
