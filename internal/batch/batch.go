// Package batch coordinates tasks that must run serially in a fixed
// order. The coordination record is an on-disk JSON file shared by the
// workers of one batch; every read-modify-write happens under the batch's
// advisory lock so concurrent workers observe a consistent position.
package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/wiggum-dev/wiggum/internal/flock"
	"github.com/wiggum-dev/wiggum/internal/util"
)

// Status of a batch record.
type Status string

const (
	StatusActive Status = "active"
	StatusFailed Status = "failed"
)

// ErrBatchFailed is returned to a waiting worker when the batch has been
// marked failed by an earlier member.
var ErrBatchFailed = errors.New("batch failed")

// ErrNotMember is returned when a task is not part of the batch.
var ErrNotMember = errors.New("task not in batch")

const lockTimeout = 10 * time.Second

// Record is the shared state of one batch.
type Record struct {
	ID       string   `json:"id"`
	Tasks    []string `json:"tasks"`
	Position int      `json:"position"`
	Status   Status   `json:"status"`
	// FailedTask is set when Status is failed.
	FailedTask string `json:"failed_task,omitempty"`
}

// indexOf returns the task's position in the batch order, or -1.
func (r *Record) indexOf(taskID string) int {
	for i, id := range r.Tasks {
		if id == taskID {
			return i
		}
	}
	return -1
}

// Coordinator manages batch records under a directory.
type Coordinator struct {
	dir string
	// pollInterval is how often a waiting worker re-reads the record.
	pollInterval time.Duration
}

// NewCoordinator creates a coordinator rooted at dir.
func NewCoordinator(dir string) *Coordinator {
	return &Coordinator{dir: dir, pollInterval: time.Second}
}

func (c *Coordinator) recordPath(id string) string {
	return filepath.Join(c.dir, id+".json")
}

func (c *Coordinator) lockPath(id string) string {
	return filepath.Join(c.dir, id+".lock")
}

// Create writes a fresh batch record for an ordered task list and returns
// its id.
func (c *Coordinator) Create(tasks []string) (string, error) {
	if len(tasks) == 0 {
		return "", fmt.Errorf("batch needs at least one task")
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", fmt.Errorf("create batch dir: %w", err)
	}
	rec := &Record{
		ID:     uuid.NewString(),
		Tasks:  append([]string(nil), tasks...),
		Status: StatusActive,
	}
	if err := util.AtomicWriteJSON(c.recordPath(rec.ID), rec, 0o644); err != nil {
		return "", fmt.Errorf("write batch record: %w", err)
	}
	return rec.ID, nil
}

// Load reads a batch record without locking. Callers that mutate must go
// through update.
func (c *Coordinator) Load(id string) (*Record, error) {
	var rec Record
	if err := util.ReadJSON(c.recordPath(id), &rec); err != nil {
		return nil, fmt.Errorf("load batch %s: %w", id, err)
	}
	return &rec, nil
}

// update applies fn to the record under the batch lock and persists the
// result atomically.
func (c *Coordinator) update(id string, fn func(*Record) error) error {
	return flock.WithLock(c.lockPath(id), lockTimeout, func() error {
		rec, err := c.Load(id)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		return util.AtomicWriteJSON(c.recordPath(id), rec, 0o644)
	})
}

// WaitTurn blocks until it is taskID's turn to run, polling the record.
// Returns ErrBatchFailed the moment the batch is marked failed, and the
// context's error if the caller gives up first.
func (c *Coordinator) WaitTurn(ctx context.Context, id, taskID string) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		rec, err := c.Load(id)
		if err != nil {
			return err
		}
		idx := rec.indexOf(taskID)
		if idx < 0 {
			return fmt.Errorf("%w: %s in batch %s", ErrNotMember, taskID, id)
		}
		if rec.Status == StatusFailed {
			return ErrBatchFailed
		}
		if rec.Position == idx {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Advance marks taskID complete and moves the batch to the next position.
// Only the task currently at the front may advance.
func (c *Coordinator) Advance(id, taskID string) error {
	return c.update(id, func(rec *Record) error {
		idx := rec.indexOf(taskID)
		if idx < 0 {
			return fmt.Errorf("%w: %s in batch %s", ErrNotMember, taskID, id)
		}
		if rec.Status == StatusFailed {
			return ErrBatchFailed
		}
		if rec.Position != idx {
			return fmt.Errorf("task %s advanced batch %s out of turn (position %d)", taskID, id, rec.Position)
		}
		rec.Position++
		return nil
	})
}

// Fail marks the batch failed on behalf of taskID. Waiting members observe
// the failure on their next poll. Failing an already-failed batch keeps
// the first failure.
func (c *Coordinator) Fail(id, taskID string) error {
	return c.update(id, func(rec *Record) error {
		if rec.Status == StatusFailed {
			return nil
		}
		rec.Status = StatusFailed
		rec.FailedTask = taskID
		return nil
	})
}

// Done reports whether every task in the batch has completed.
func (r *Record) Done() bool {
	return r.Status == StatusActive && r.Position >= len(r.Tasks)
}
