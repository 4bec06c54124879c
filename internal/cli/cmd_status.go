package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/wiggum-dev/wiggum/internal/board"
	"github.com/wiggum-dev/wiggum/internal/config"
	"github.com/wiggum-dev/wiggum/internal/pool"
)

// ANSI colors, enabled only on a terminal.
const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorCyan   = "\033[36m"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show board and worker state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openProject("")
			if err != nil {
				return err
			}
			brd, err := p.openBoard()
			if err != nil {
				return err
			}

			paint := func(color, s string) string {
				if isatty.IsTerminal(os.Stdout.Fd()) {
					return color + s + colorReset
				}
				return s
			}

			stats := brd.Stats()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Board: %s\n", config.BoardPath(p.dir))
			fmt.Fprintf(out, "  pending %d (ready %d, blocked %d)  in-progress %s  done %s  failed %s  pending-approval %d\n",
				stats.Pending, stats.Ready, stats.Blocked,
				paint(colorCyan, fmt.Sprintf("%d", stats.InProgress)),
				paint(colorGreen, fmt.Sprintf("%d", stats.Done)),
				paint(colorRed, fmt.Sprintf("%d", stats.Failed)),
				stats.PendingApproval)
			if stats.Invalid > 0 {
				fmt.Fprintf(out, "  %s\n", paint(colorYellow, fmt.Sprintf("%d invalid entries excluded", stats.Invalid)))
			}

			// Live workers, rebuilt from disk so status works while a
			// separate run owns the pool.
			workers := pool.New(p.logger)
			adopted, stale, err := workers.RestoreFromDisk(config.WorkersDir(p.dir))
			if err != nil {
				return err
			}
			if len(adopted) > 0 {
				fmt.Fprintln(out, "Workers:")
				for _, w := range adopted {
					fmt.Fprintf(out, "  %s %-8s pid %-7d up %s\n",
						paint(colorCyan, w.TaskID), w.Kind, w.PID,
						time.Since(w.StartedAt).Round(time.Second))
				}
			}
			if len(stale) > 0 {
				fmt.Fprintf(out, "%d stale worker directories (run `wiggum clean`)\n", len(stale))
			}

			for _, t := range brd.List(board.StatusFailed) {
				fmt.Fprintf(out, "  %s %s: %s\n", paint(colorRed, "failed"), t.ID, t.Description)
			}
			return nil
		},
	}
}
