// Package board reads and updates the kanban task board. The board file is
// the single source of truth for work items; wiggum's only mutations are
// status markers and appended follow-up entries. All structural editing
// happens outside the orchestrator.
package board

import (
	"errors"
	"regexp"
)

// Status is a task status marker.
type Status string

const (
	StatusPending         Status = "pending"
	StatusInProgress      Status = "in-progress"
	StatusDone            Status = "done"
	StatusFailed          Status = "failed"
	StatusPendingApproval Status = "pending-approval"
)

// Checkbox glyphs encode status in the board file.
var glyphToStatus = map[string]Status{
	" ": StatusPending,
	"=": StatusInProgress,
	"x": StatusDone,
	"*": StatusFailed,
	"P": StatusPendingApproval,
}

var statusToGlyph = map[Status]string{
	StatusPending:         " ",
	StatusInProgress:      "=",
	StatusDone:            "x",
	StatusFailed:          "*",
	StatusPendingApproval: "P",
}

// Priority orders tasks for scheduling.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityMedium   Priority = "MEDIUM"
	PriorityLow      Priority = "LOW"
)

// Base returns the numeric base used by the scheduler's priority score.
func (p Priority) Base() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	default:
		return 1
	}
}

// IDPattern validates task identifiers: a 2-8 letter prefix, a dash, and a
// 1-4 digit number.
var IDPattern = regexp.MustCompile(`^[A-Za-z]{2,8}-[0-9]{1,4}$`)

// Prefix returns the letter prefix of a task identifier ("AUTH-12" -> "AUTH").
func Prefix(id string) string {
	for i := 0; i < len(id); i++ {
		if id[i] == '-' {
			return id[:i]
		}
	}
	return id
}

// Task is one work item parsed from the board.
type Task struct {
	ID                 string
	Status             Status
	Priority           Priority
	Description        string
	Scope              []string
	AcceptanceCriteria []string
	Dependencies       []string

	// line is the zero-based index of the checkbox line in the board file,
	// used to rewrite the status glyph in place.
	line int
}

// ErrNotFound is returned when a task identifier is not on the board.
var ErrNotFound = errors.New("task not found")

// ErrConcurrentEdit is returned when the board file changed on disk between
// read and write. The caller should reload and back off.
var ErrConcurrentEdit = errors.New("board changed on disk since read")

// ParseError describes one rejected board entry.
type ParseError struct {
	Line    int
	Entry   string
	Message string
}

func (e ParseError) Error() string {
	return e.Message
}
