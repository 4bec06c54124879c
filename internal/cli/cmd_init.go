package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/wiggum-dev/wiggum/internal/config"
	"github.com/wiggum-dev/wiggum/internal/pipeline"
	"github.com/wiggum-dev/wiggum/internal/util"
)

const boardTemplate = `# Kanban

Edit this file to define work items. wiggum only rewrites the checkbox
glyphs; everything else is yours.

Glyphs: [ ] pending, [=] in-progress, [x] done, [*] failed, [P] pending-approval.

## TASKS
- [ ] [DEMO-1]
  Description: Replace this with a real task
  Priority: MEDIUM
  Dependencies: none
  Scope:
    - src/
`

const configTemplate = `# wiggum project configuration. Every key is optional.
scheduler:
  max_workers: 3
  tick_interval: 2s
git:
  base_branch: main
  branch_prefix: wiggum/
hosting:
  command: gh
# agents:
#   planner: ["my-agent", "--mode", "plan"]
#   coder: ["my-agent", "--mode", "code"]
pipeline: pipeline.json
`

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize wiggum in the current project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := os.Getwd()
			if err != nil {
				return configErr(err)
			}

			for _, sub := range []string{
				config.MetaDir(dir),
				config.WorkersDir(dir),
				config.PlansDir(dir),
				config.BatchDir(dir),
				filepath.Dir(config.ActivityLogPath(dir)),
			} {
				if err := os.MkdirAll(sub, 0o755); err != nil {
					return configErr(fmt.Errorf("create %s: %w", sub, err))
				}
			}

			created := 0
			for path, content := range map[string]string{
				config.BoardPath(dir): boardTemplate,
				filepath.Join(config.MetaDir(dir), config.ConfigFileName): configTemplate,
			} {
				if util.FileExists(path) {
					continue
				}
				if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
					return configErr(fmt.Errorf("write %s: %w", path, err))
				}
				created++
			}

			pipelinePath := filepath.Join(config.MetaDir(dir), "pipeline.json")
			if !util.FileExists(pipelinePath) {
				data, err := json.MarshalIndent(pipeline.Default(), "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(pipelinePath, append(data, '\n'), 0o644); err != nil {
					return configErr(fmt.Errorf("write %s: %w", pipelinePath, err))
				}
				created++
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s (%d files created)\n", config.MetaDir(dir), created)
			fmt.Fprintln(cmd.OutOrStdout(), "Edit .ralph/kanban.md and configure agents in .ralph/config.yaml, then run `wiggum run`.")
			return nil
		},
	}
}
