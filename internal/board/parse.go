package board

import (
	"fmt"
	"regexp"
	"strings"
)

// tasksHeading opens the section that holds task entries. Lines before it
// are preserved verbatim and never parsed.
const tasksHeading = "## TASKS"

var (
	// entryPattern matches a checkbox line: "- [x] [AUTH-1] optional title".
	entryPattern = regexp.MustCompile(`^- \[([ =xP*])\] \[([^\]]+)\](.*)$`)
	// fieldPattern matches an indented "Key: value" line under an entry.
	fieldPattern = regexp.MustCompile(`^\s+([A-Za-z ]+):\s*(.*)$`)
	// bulletPattern matches a sub-bullet under Scope or Acceptance Criteria.
	bulletPattern = regexp.MustCompile(`^\s+-\s+(.*)$`)
)

// parse reads tasks out of the board file content. Invalid entries are
// reported and excluded; parsing never fails as a whole.
func parse(lines []string) ([]*Task, []ParseError) {
	var tasks []*Task
	var errs []ParseError

	inSection := false
	var current *Task
	var listField string // "scope" or "criteria" while collecting sub-bullets

	flush := func() {
		if current != nil {
			tasks = append(tasks, current)
			current = nil
		}
		listField = ""
	}

	for i, line := range lines {
		trimmed := strings.TrimRight(line, " \t")

		if strings.HasPrefix(trimmed, "## ") {
			flush()
			inSection = trimmed == tasksHeading
			continue
		}
		if !inSection {
			continue
		}

		if m := entryPattern.FindStringSubmatch(trimmed); m != nil {
			flush()
			id := strings.TrimSpace(m[2])
			if !IDPattern.MatchString(id) {
				errs = append(errs, ParseError{
					Line:    i + 1,
					Entry:   id,
					Message: fmt.Sprintf("invalid task identifier %q: want 2-8 letters, dash, 1-4 digits", id),
				})
				continue
			}
			current = &Task{
				ID:       id,
				Status:   glyphToStatus[m[1]],
				Priority: PriorityMedium,
				line:     i,
			}
			continue
		}

		if current == nil {
			continue
		}

		if m := fieldPattern.FindStringSubmatch(line); m != nil {
			key := strings.ToLower(strings.TrimSpace(m[1]))
			value := strings.TrimSpace(m[2])
			switch key {
			case "description":
				current.Description = value
				listField = ""
			case "priority":
				current.Priority = parsePriority(value)
				listField = ""
			case "dependencies":
				current.Dependencies = parseDependencies(value)
				listField = ""
			case "scope":
				listField = "scope"
			case "acceptance criteria":
				listField = "criteria"
			default:
				// Unknown fields are preserved on disk but not modeled.
				listField = ""
			}
			continue
		}

		if m := bulletPattern.FindStringSubmatch(line); m != nil && listField != "" {
			item := strings.TrimSpace(m[1])
			if item == "" {
				continue
			}
			switch listField {
			case "scope":
				current.Scope = append(current.Scope, item)
			case "criteria":
				current.AcceptanceCriteria = append(current.AcceptanceCriteria, item)
			}
			continue
		}

		if strings.TrimSpace(line) == "" {
			listField = ""
		}
	}
	flush()

	return tasks, errs
}

func parsePriority(s string) Priority {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRITICAL":
		return PriorityCritical
	case "HIGH":
		return PriorityHigh
	case "LOW":
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// parseDependencies splits a comma-separated dependency list. The literal
// "none" (any case) means no dependencies.
func parseDependencies(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "none") {
		return nil
	}
	parts := strings.Split(s, ",")
	deps := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			deps = append(deps, p)
		}
	}
	return deps
}

// formatEntry renders a new task entry block for follow-up insertion.
func formatEntry(t *Task) []string {
	lines := []string{
		fmt.Sprintf("- [%s] [%s]", statusToGlyph[t.Status], t.ID),
		"  Description: " + t.Description,
		"  Priority: " + string(t.Priority),
	}
	if len(t.Dependencies) > 0 {
		lines = append(lines, "  Dependencies: "+strings.Join(t.Dependencies, ", "))
	} else {
		lines = append(lines, "  Dependencies: none")
	}
	for i, s := range t.Scope {
		if i == 0 {
			lines = append(lines, "  Scope:")
		}
		lines = append(lines, "    - "+s)
	}
	return lines
}
