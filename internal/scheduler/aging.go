package scheduler

import (
	"fmt"
	"os"

	"github.com/wiggum-dev/wiggum/internal/util"
)

// agingTracker counts how many scheduling events each task has sat ready
// without being picked. The counters live in a sidecar file so aging
// survives orchestrator restarts.
type agingTracker struct {
	path  string
	ticks map[string]int
}

func loadAging(path string) *agingTracker {
	a := &agingTracker{path: path, ticks: make(map[string]int)}
	if err := util.ReadJSON(path, &a.ticks); err != nil && !os.IsNotExist(err) {
		// A corrupt sidecar resets aging; it only affects ordering.
		a.ticks = make(map[string]int)
	}
	if a.ticks == nil {
		a.ticks = make(map[string]int)
	}
	return a
}

func (a *agingTracker) save() error {
	if err := util.AtomicWriteJSON(a.path, a.ticks, 0o644); err != nil {
		return fmt.Errorf("write aging sidecar: %w", err)
	}
	return nil
}

// bump increments the counter for every task still waiting.
func (a *agingTracker) bump(readyIDs []string) {
	for _, id := range readyIDs {
		a.ticks[id]++
	}
}

// remove clears a task's counter when it gets spawned.
func (a *agingTracker) remove(id string) {
	delete(a.ticks, id)
}

func (a *agingTracker) ticksReady(id string) int {
	return a.ticks[id]
}
