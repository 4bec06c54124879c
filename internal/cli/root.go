// Package cli implements the wiggum command-line interface.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var verbose bool

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "wiggum",
	Short: "Autonomous task orchestrator",
	Long: `wiggum drives a fleet of isolated code-writing workers against a
shared repository. Work items live on a kanban board; wiggum selects ready
items, runs each through an agent pipeline in its own git worktree, and
opens a pull request per item.

Quick start:
  wiggum init     Initialize wiggum in the current project
  wiggum run      Run until the board drains
  wiggum status   Show board and worker state
  wiggum clean    Remove leftovers from finished workers`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI. The caller maps the returned error to an exit code
// with ExitCode.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newCleanCmd())
	rootCmd.AddCommand(newWorkerCmd())
}

// newLogger builds the process logger. Workers inherit stderr, which the
// spawner redirects into the worker log.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
