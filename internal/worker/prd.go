package worker

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/wiggum-dev/wiggum/internal/board"
	"github.com/wiggum-dev/wiggum/internal/util"
)

// WritePRD renders a task's product-requirements file into the worker
// directory. Agents read this as their task brief.
func WritePRD(workerDir string, task *board.Task) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", task.ID)
	fmt.Fprintf(&b, "**Priority:** %s\n\n", task.Priority)
	fmt.Fprintf(&b, "## Description\n\n%s\n", task.Description)

	if len(task.Scope) > 0 {
		b.WriteString("\n## Scope\n\n")
		for _, item := range task.Scope {
			fmt.Fprintf(&b, "- %s\n", item)
		}
	}
	if len(task.AcceptanceCriteria) > 0 {
		b.WriteString("\n## Acceptance Criteria\n\n")
		for _, item := range task.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", item)
		}
	}
	if len(task.Dependencies) > 0 {
		b.WriteString("\n## Depends On\n\n")
		for _, dep := range task.Dependencies {
			fmt.Fprintf(&b, "- %s\n", dep)
		}
	}

	path := filepath.Join(workerDir, PRDFileName)
	if err := util.AtomicWriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write prd: %w", err)
	}
	return nil
}
