package scheduler

import (
	"sort"

	"github.com/wiggum-dev/wiggum/internal/board"
	"github.com/wiggum-dev/wiggum/internal/config"
	"github.com/wiggum-dev/wiggum/internal/util"
)

// score computes a ready task's scheduling priority:
//
//	base*1000 + ticks_ready*aging + plan_bonus + fanin*dep_bonus − sibling_wip
//
// The sibling penalty discourages running two tasks of the same feature
// prefix at once, which is where conflicting edits come from.
func (s *Scheduler) score(t *board.Task) int {
	sc := s.cfg.Scheduler
	score := t.Priority.Base()*1000 + s.aging.ticksReady(t.ID)*sc.AgingFactor

	if util.FileExists(config.PlanPath(s.projectDir, t.ID)) {
		score += sc.PlanBonus
	}
	score += s.brd.DependentsOf(t.ID) * sc.DepBonusPerTask
	if s.siblingInProgress(t.ID) {
		score -= sc.SiblingWIPPenalty
	}
	return score
}

// siblingInProgress reports whether another task with the same prefix is
// currently in progress.
func (s *Scheduler) siblingInProgress(id string) bool {
	prefix := board.Prefix(id)
	for _, t := range s.brd.List(board.StatusInProgress) {
		if t.ID != id && board.Prefix(t.ID) == prefix {
			return true
		}
	}
	return false
}

// rank orders candidates by descending score; equal scores break on
// lexicographic task identifier so the order is deterministic.
func (s *Scheduler) rank(ready []*board.Task) []*board.Task {
	out := append([]*board.Task(nil), ready...)
	scores := make(map[string]int, len(out))
	for _, t := range out {
		scores[t.ID] = s.score(t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if scores[out[i].ID] != scores[out[j].ID] {
			return scores[out[i].ID] > scores[out[j].ID]
		}
		return out[i].ID < out[j].ID
	})
	return out
}
