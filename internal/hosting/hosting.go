// Package hosting opens and merges pull requests through the forge's CLI
// (gh by default). The CLI is the only integration surface; everything is
// a subprocess call so the orchestrator needs no API tokens of its own.
package hosting

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wiggum-dev/wiggum/internal/git"
)

// Client drives the hosting CLI from the project checkout.
type Client struct {
	command string
	workDir string
	runner  git.CommandRunner
	logger  *slog.Logger

	// retries and backoff bound transient-error retry; overridden in tests.
	retries int
	backoff time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithRunner injects a command runner for tests.
func WithRunner(r git.CommandRunner) Option {
	return func(c *Client) { c.runner = r }
}

// WithRetry overrides the transient-error retry policy.
func WithRetry(retries int, backoff time.Duration) Option {
	return func(c *Client) {
		c.retries = retries
		c.backoff = backoff
	}
}

// New creates a hosting client. command is the CLI binary (normally "gh");
// workDir is the project checkout the CLI resolves the repository from.
func New(command, workDir string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		command: command,
		workDir: workDir,
		runner:  git.NewExecRunner(),
		logger:  logger,
		retries: 3,
		backoff: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PullRequest describes a PR to open.
type PullRequest struct {
	Branch string
	Base   string
	Title  string
	Body   string
}

// CreatePR opens a pull request for a pushed branch and returns its URL.
func (c *Client) CreatePR(pr PullRequest) (string, error) {
	out, err := c.run("pr", "create",
		"--head", pr.Branch,
		"--base", pr.Base,
		"--title", pr.Title,
		"--body", pr.Body,
	)
	if err != nil {
		return "", fmt.Errorf("create pull request for %s: %w", pr.Branch, err)
	}
	// gh prints the PR URL as the last line of stdout.
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return lines[len(lines)-1], nil
}

// MergePR merges an open pull request by branch name.
func (c *Client) MergePR(branch string) error {
	if _, err := c.run("pr", "merge", branch, "--squash", "--delete-branch"); err != nil {
		return fmt.Errorf("merge pull request for %s: %w", branch, err)
	}
	return nil
}

// run executes the hosting CLI, retrying transient failures with backoff.
func (c *Client) run(args ...string) (string, error) {
	var out string
	var err error
	for attempt := 0; ; attempt++ {
		out, err = c.runner.Run(c.workDir, c.command, args...)
		if err == nil {
			return out, nil
		}
		if attempt >= c.retries || !transient(err) {
			return out, err
		}
		c.logger.Warn("hosting command failed, retrying",
			"command", c.command, "args", strings.Join(args, " "),
			"attempt", attempt+1, "error", err)
		time.Sleep(c.backoff << attempt)
	}
}

// transient reports whether the error looks like a network or rate-limit
// hiccup worth retrying. Authentication and validation failures are not.
func transient(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"timeout", "timed out", "rate limit", "connection reset",
		"temporarily unavailable", "502", "503", "504",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
