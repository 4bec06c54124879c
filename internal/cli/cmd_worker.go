package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wiggum-dev/wiggum/internal/hosting"
	"github.com/wiggum-dev/wiggum/internal/worker"
)

// newWorkerCmd is the hidden re-exec target. The scheduler spawns
// `wiggum worker --dir <workerDir> --project <projectDir>` as a child
// process for every worker; humans never run it directly.
func newWorkerCmd() *cobra.Command {
	var workerDir, projectDir string

	cmd := &cobra.Command{
		Use:    "worker",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject(projectDir)
			if err != nil {
				return err
			}
			repo, err := p.openRepo()
			if err != nil {
				return err
			}
			registry, err := p.buildRegistry()
			if err != nil {
				return err
			}

			publisher := p.activityLog()
			defer publisher.Close()

			host := hosting.New(p.cfg.Hosting.Command, p.dir, p.logger)
			manager := worker.NewManager(p.cfg, p.dir, repo, registry, publisher, host, p.logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			res, err := manager.Execute(ctx, workerDir)
			if err != nil {
				return fmt.Errorf("worker execution: %w", err)
			}
			if res.Outcome != worker.OutcomeDone {
				return ErrTasksFailed
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&workerDir, "dir", "", "worker directory")
	cmd.Flags().StringVar(&projectDir, "project", "", "project directory")
	_ = cmd.MarkFlagRequired("dir")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}
