package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/wiggum-dev/wiggum/internal/config"
	"github.com/wiggum-dev/wiggum/internal/pool"
	"github.com/wiggum-dev/wiggum/internal/worker"
)

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove directories of finished workers",
		Long: `clean removes worker directories whose process is gone, detaching
their worktrees first. Directories of live workers are left alone.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject("")
			if err != nil {
				return err
			}
			if err := p.requireInit(); err != nil {
				return err
			}
			repo, err := p.openRepo()
			if err != nil {
				return err
			}

			workers := pool.New(p.logger)
			_, stale, err := workers.RestoreFromDisk(config.WorkersDir(p.dir))
			if err != nil {
				return err
			}

			removed := 0
			for _, dir := range stale {
				workspace := filepath.Join(dir, worker.WorkspaceDirName)
				if _, err := os.Stat(workspace); err == nil {
					if err := repo.RemoveWorktree(workspace); err != nil {
						p.logger.Warn("worktree removal failed", "dir", workspace, "error", err)
					}
				}
				if err := os.RemoveAll(dir); err != nil {
					p.logger.Warn("cannot remove worker dir", "dir", dir, "error", err)
					continue
				}
				removed++
			}
			if err := repo.PruneWorktrees(); err != nil {
				p.logger.Warn("worktree prune failed", "error", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d stale worker directories.\n", removed)
			return nil
		},
	}
}
