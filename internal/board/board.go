package board

import (
	"crypto/sha256"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/wiggum-dev/wiggum/internal/flock"
	"github.com/wiggum-dev/wiggum/internal/util"
)

// Board is the parsed kanban file plus enough state to rewrite status
// markers in place. The scheduler is the only writer; writes happen under
// an exclusive advisory lock and fail with ErrConcurrentEdit when the file
// changed on disk since the last read.
type Board struct {
	path     string
	lockPath string

	lines  []string
	tasks  []*Task
	byID   map[string]*Task
	errs   []ParseError
	digest [32]byte
}

// Load reads and parses the board file.
func Load(path, lockPath string) (*Board, error) {
	b := &Board{path: path, lockPath: lockPath}
	if err := b.reload(); err != nil {
		return nil, err
	}
	return b, nil
}

// Reload re-reads the board from disk, discarding in-memory state.
func (b *Board) Reload() error {
	return b.reload()
}

func (b *Board) reload() error {
	data, err := os.ReadFile(b.path)
	if err != nil {
		return fmt.Errorf("read board: %w", err)
	}
	b.apply(data)
	return nil
}

func (b *Board) apply(data []byte) {
	b.lines = strings.Split(string(data), "\n")
	b.tasks, b.errs = parse(b.lines)
	b.byID = make(map[string]*Task, len(b.tasks))
	for _, t := range b.tasks {
		b.byID[t.ID] = t
	}
	b.digest = sha256.Sum256(data)
}

// ParseErrors returns the entries rejected during the last load.
func (b *Board) ParseErrors() []ParseError {
	return b.errs
}

// List returns tasks with the given status, in board order. An empty
// status returns every task.
func (b *Board) List(status Status) []*Task {
	var out []*Task
	for _, t := range b.tasks {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	return out
}

// Get returns one task by identifier.
func (b *Board) Get(id string) (*Task, error) {
	t, ok := b.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, nil
}

// depDone reports whether a dependency identifier satisfies. Only the done
// marker satisfies; pending-approval never does. A dependency on an unknown
// identifier never satisfies either (it is also surfaced by Validate).
func (b *Board) depDone(id string) bool {
	dep, ok := b.byID[id]
	return ok && dep.Status == StatusDone
}

// Ready returns pending tasks whose dependencies are all done.
func (b *Board) Ready() []*Task {
	var out []*Task
	for _, t := range b.tasks {
		if t.Status != StatusPending {
			continue
		}
		ready := true
		for _, dep := range t.Dependencies {
			if !b.depDone(dep) {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, t)
		}
	}
	return out
}

// Blocked returns pending tasks with at least one unmet dependency.
func (b *Board) Blocked() []*Task {
	var out []*Task
	for _, t := range b.tasks {
		if t.Status != StatusPending {
			continue
		}
		for _, dep := range t.Dependencies {
			if !b.depDone(dep) {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// DependentsOf returns the count of pending tasks that depend on id.
func (b *Board) DependentsOf(id string) int {
	n := 0
	for _, t := range b.tasks {
		if t.Status != StatusPending {
			continue
		}
		for _, dep := range t.Dependencies {
			if dep == id {
				n++
				break
			}
		}
	}
	return n
}

// Validate reports dependency references to identifiers that are not on
// the board.
func (b *Board) Validate() []error {
	var errs []error
	for _, t := range b.tasks {
		for _, dep := range t.Dependencies {
			if _, ok := b.byID[dep]; !ok {
				errs = append(errs, fmt.Errorf("task %s depends on unknown task %s", t.ID, dep))
			}
		}
	}
	return errs
}

// SetStatus rewrites one task's status marker. The whole read-modify-write
// runs under the board lock; if the on-disk content differs from what was
// last read, nothing is written and ErrConcurrentEdit is returned.
func (b *Board) SetStatus(id string, status Status) error {
	t, ok := b.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	glyph, ok := statusToGlyph[status]
	if !ok {
		return fmt.Errorf("unknown status %q", status)
	}

	return flock.WithLock(b.lockPath, 0, func() error {
		onDisk, err := os.ReadFile(b.path)
		if err != nil {
			return fmt.Errorf("read board: %w", err)
		}
		if sha256.Sum256(onDisk) != b.digest {
			return ErrConcurrentEdit
		}

		line := b.lines[t.line]
		idx := strings.Index(line, "[")
		if idx < 0 || len(line) < idx+3 {
			return fmt.Errorf("task %s: malformed checkbox line", id)
		}
		b.lines[t.line] = line[:idx+1] + glyph + line[idx+2:]

		data := []byte(strings.Join(b.lines, "\n"))
		if err := util.AtomicWriteFile(b.path, data, 0o644); err != nil {
			return fmt.Errorf("write board: %w", err)
		}

		t.Status = status
		b.digest = sha256.Sum256(data)
		return nil
	})
}

// InsertFollowUp appends a new pending entry to the TASKS section. This is
// the failure-propagation path: a follow-up work item derived from a failed
// task. The new entry gets the lowest free number in the failed task's
// prefix series.
func (b *Board) InsertFollowUp(fromID, description string) (string, error) {
	prefix := Prefix(fromID)
	id := b.nextID(prefix)
	entry := formatEntry(&Task{
		ID:          id,
		Status:      StatusPending,
		Priority:    PriorityMedium,
		Description: description,
	})

	err := flock.WithLock(b.lockPath, 0, func() error {
		onDisk, err := os.ReadFile(b.path)
		if err != nil {
			return fmt.Errorf("read board: %w", err)
		}
		if sha256.Sum256(onDisk) != b.digest {
			return ErrConcurrentEdit
		}

		lines := append(append([]string{}, b.lines...), entry...)
		data := []byte(strings.Join(lines, "\n"))
		if err := util.AtomicWriteFile(b.path, data, 0o644); err != nil {
			return fmt.Errorf("write board: %w", err)
		}
		b.apply(data)
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (b *Board) nextID(prefix string) string {
	used := make(map[string]bool, len(b.tasks))
	for _, t := range b.tasks {
		used[t.ID] = true
	}
	for n := 1; n <= 9999; n++ {
		id := fmt.Sprintf("%s-%d", prefix, n)
		if !used[id] {
			return id
		}
	}
	// Prefix series exhausted; fall back to a timestamp suffix outside the
	// normal range so the caller still gets a unique entry.
	return fmt.Sprintf("%s-%d", prefix, time.Now().Unix()%10000)
}

// Stats summarizes the board for status output.
type Stats struct {
	Pending         int
	InProgress      int
	Done            int
	Failed          int
	PendingApproval int
	Ready           int
	Blocked         int
	Invalid         int
}

// Stats computes board counters.
func (b *Board) Stats() Stats {
	s := Stats{
		Ready:   len(b.Ready()),
		Blocked: len(b.Blocked()),
		Invalid: len(b.errs),
	}
	for _, t := range b.tasks {
		switch t.Status {
		case StatusPending:
			s.Pending++
		case StatusInProgress:
			s.InProgress++
		case StatusDone:
			s.Done++
		case StatusFailed:
			s.Failed++
		case StatusPendingApproval:
			s.PendingApproval++
		}
	}
	return s
}

// IDs returns all task identifiers in sorted order.
func (b *Board) IDs() []string {
	ids := make([]string, 0, len(b.tasks))
	for _, t := range b.tasks {
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)
	return ids
}
