package board

import "sort"

// CycleReport lists dependency cycles found on the board. Tasks in any
// cycle are skipped permanently for the current run.
type CycleReport struct {
	// SelfLoops are tasks that depend on themselves.
	SelfLoops []string
	// Groups are strongly connected components of size two or more.
	Groups [][]string
}

// Empty reports whether no cycles were found.
func (r CycleReport) Empty() bool {
	return len(r.SelfLoops) == 0 && len(r.Groups) == 0
}

// Members returns the set of all task identifiers involved in any cycle.
func (r CycleReport) Members() map[string]bool {
	m := make(map[string]bool)
	for _, id := range r.SelfLoops {
		m[id] = true
	}
	for _, g := range r.Groups {
		for _, id := range g {
			m[id] = true
		}
	}
	return m
}

// DetectCycles finds self-loops and larger dependency cycles using
// Tarjan's strongly-connected-components algorithm. Dependencies on
// identifiers not present on the board are ignored here; Validate reports
// those separately.
func (b *Board) DetectCycles() CycleReport {
	var report CycleReport

	index := 0
	indices := make(map[string]int)
	lowlink := make(map[string]int)
	onStack := make(map[string]bool)
	var stack []string

	var strongconnect func(id string)
	strongconnect = func(id string) {
		indices[id] = index
		lowlink[id] = index
		index++
		stack = append(stack, id)
		onStack[id] = true

		for _, dep := range b.byID[id].Dependencies {
			if _, exists := b.byID[dep]; !exists {
				continue
			}
			if _, visited := indices[dep]; !visited {
				strongconnect(dep)
				if lowlink[dep] < lowlink[id] {
					lowlink[id] = lowlink[dep]
				}
			} else if onStack[dep] {
				if indices[dep] < lowlink[id] {
					lowlink[id] = indices[dep]
				}
			}
		}

		if lowlink[id] == indices[id] {
			var scc []string
			for {
				n := len(stack) - 1
				top := stack[n]
				stack = stack[:n]
				onStack[top] = false
				scc = append(scc, top)
				if top == id {
					break
				}
			}
			if len(scc) > 1 {
				sort.Strings(scc)
				report.Groups = append(report.Groups, scc)
			}
		}
	}

	for _, t := range b.tasks {
		for _, dep := range t.Dependencies {
			if dep == t.ID {
				report.SelfLoops = append(report.SelfLoops, t.ID)
				break
			}
		}
		if _, visited := indices[t.ID]; !visited {
			strongconnect(t.ID)
		}
	}

	sort.Strings(report.SelfLoops)
	return report
}
