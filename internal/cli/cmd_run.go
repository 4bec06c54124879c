package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wiggum-dev/wiggum/internal/hosting"
	"github.com/wiggum-dev/wiggum/internal/pool"
	"github.com/wiggum-dev/wiggum/internal/scheduler"
	"github.com/wiggum-dev/wiggum/internal/worker"
)

func newRunCmd() *cobra.Command {
	var maxWorkers int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the orchestrator until the board drains",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject("")
			if err != nil {
				return err
			}
			if maxWorkers > 0 {
				p.cfg.Scheduler.MaxWorkers = maxWorkers
			}

			brd, err := p.openBoard()
			if err != nil {
				return err
			}
			for _, verr := range brd.Validate() {
				p.logger.Warn("board validation", "error", verr)
			}
			for _, perr := range brd.ParseErrors() {
				p.logger.Warn("board entry rejected", "line", perr.Line, "entry", perr.Entry, "error", perr.Message)
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
			sched := scheduler.New(p.cfg, p.dir, brd, pool.New(p.logger), manager,
				&scheduler.ExecSpawner{ProjectDir: p.dir}, publisher, p.logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ok, err := sched.Run(ctx)
			if err != nil {
				p.logger.Info("run interrupted", "error", err)
				return ErrTasksFailed
			}
			if !ok {
				return ErrTasksFailed
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Board drained; all tasks done.")
			return nil
		},
	}

	cmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "override the concurrent worker limit")
	return cmd
}
