// Package scheduler runs the long-lived orchestration loop: it reaps
// exited workers, refreshes the board, scores ready tasks, spawns workers
// up to capacity, launches fix and conflict-resolve follow-ups, and exits
// when the board is drained. The scheduler is the single writer of the
// board file and the single owner of the worker pool.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wiggum-dev/wiggum/internal/batch"
	"github.com/wiggum-dev/wiggum/internal/board"
	"github.com/wiggum-dev/wiggum/internal/claim"
	"github.com/wiggum-dev/wiggum/internal/config"
	"github.com/wiggum-dev/wiggum/internal/events"
	"github.com/wiggum-dev/wiggum/internal/pool"
	"github.com/wiggum-dev/wiggum/internal/worker"
)

// Scheduler drives one orchestration run for one project.
type Scheduler struct {
	cfg        *config.Config
	projectDir string
	brd        *board.Board
	workers    *pool.Pool
	manager    *worker.Manager
	spawner    Spawner
	publisher  events.Publisher
	batches    *batch.Coordinator
	logger     *slog.Logger

	aging *agingTracker
	// skip holds transient backoff counters; a positive counter excludes
	// the task from spawning and decays each tick.
	skip map[string]int
	// fixAttempts counts fix follow-ups per task against the retry budget.
	fixAttempts map[string]int
	// cyclic is computed once per run; members never spawn.
	cyclic map[string]bool
	// claims caches each live worker's predicted file-claim set.
	claims map[string]claim.Set
	// deferredStatus holds board updates that hit a concurrent edit and
	// are retried on subsequent ticks.
	deferredStatus map[string]board.Status

	anyFailed bool
}

// New wires a scheduler.
func New(cfg *config.Config, projectDir string, brd *board.Board, workers *pool.Pool, manager *worker.Manager, spawner Spawner, publisher events.Publisher, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Scheduler{
		cfg:            cfg,
		projectDir:     projectDir,
		brd:            brd,
		workers:        workers,
		manager:        manager,
		spawner:        spawner,
		publisher:      publisher,
		batches:        batch.NewCoordinator(config.BatchDir(projectDir)),
		logger:         logger,
		aging:          loadAging(config.AgingPath(projectDir)),
		skip:           make(map[string]int),
		fixAttempts:    make(map[string]int),
		claims:         make(map[string]claim.Set),
		deferredStatus: make(map[string]board.Status),
	}
}

// Run executes the scheduling loop until the board drains or ctx is
// cancelled. Returns true when every task completed without a blocking
// failure.
func (s *Scheduler) Run(ctx context.Context) (bool, error) {
	if err := s.reconcileOrphans(); err != nil {
		return false, err
	}
	s.detectCycles()

	boardEvents, stopWatch := watchBoard(config.BoardPath(s.projectDir), s.logger)
	defer stopWatch()

	ticker := time.NewTicker(s.cfg.Scheduler.TickInterval)
	defer ticker.Stop()

	for {
		if done := s.tick(ctx); done {
			s.publisher.Publish(events.New(events.EventRunTerminated, "", map[string]any{
				"reason": "board drained",
			}))
			return !s.anyFailed, nil
		}

		select {
		case <-ctx.Done():
			s.shutdown()
			s.publisher.Publish(events.New(events.EventRunTerminated, "", map[string]any{
				"reason": "signal",
			}))
			return false, ctx.Err()
		case <-ticker.C:
		case <-boardEvents:
		}
	}
}

// reconcileOrphans adopts workers left over from a previous run and reaps
// directories whose process is gone.
func (s *Scheduler) reconcileOrphans() error {
	adopted, stale, err := s.workers.RestoreFromDisk(config.WorkersDir(s.projectDir))
	if err != nil {
		return err
	}
	for _, w := range adopted {
		s.logger.Warn("adopting orphan worker", "task_id", w.TaskID, "kind", string(w.Kind), "pid", w.PID)
		s.claims[w.TaskID] = s.predictClaims(w.TaskID)
		s.publisher.Publish(events.New(events.EventWorkerAdopted, w.TaskID, map[string]any{
			"pid": w.PID, "kind": string(w.Kind),
		}))
	}
	for _, dir := range stale {
		taskID, kind, epoch, ok := pool.ParseDirName(filepath.Base(dir))
		if !ok {
			continue
		}
		s.finishWorker(&pool.Worker{TaskID: taskID, Kind: kind, Dir: dir, Epoch: epoch})
	}
	return nil
}

// detectCycles computes the permanently skipped cyclic set once per run.
func (s *Scheduler) detectCycles() {
	s.cyclic = make(map[string]bool)
	report := s.brd.DetectCycles()
	if report.Empty() {
		return
	}
	for id := range report.Members() {
		s.cyclic[id] = true
		s.logger.Error("task is in a dependency cycle, permanently skipped", "task_id", id)
		s.publisher.Publish(events.New(events.EventCycleDetected, id, nil))
	}
}

// tick runs one scheduling pass. Returns true when the run is complete.
func (s *Scheduler) tick(ctx context.Context) bool {
	schedulingEvent := s.reap()

	if err := s.brd.Reload(); err != nil {
		s.logger.Warn("board reload failed, using last known state", "error", err)
	}
	s.retryDeferredStatus()
	s.decaySkipCounters()

	ready := s.spawnableReady()
	if s.spawn(ctx, ready) {
		schedulingEvent = true
	}

	if schedulingEvent {
		var stillReady []string
		for _, t := range s.brd.Ready() {
			if !s.workers.HasTask(t.ID) && !s.cyclic[t.ID] {
				stillReady = append(stillReady, t.ID)
			}
		}
		s.aging.bump(stillReady)
		if err := s.aging.save(); err != nil {
			s.logger.Warn("aging save failed", "error", err)
		}
	}

	return s.drained()
}

// reap collects every exited worker. Returns true when anything changed.
func (s *Scheduler) reap() bool {
	reaped := false
	for _, w := range s.workers.Snapshot() {
		if w.Alive() {
			continue
		}
		s.finishWorker(w)
		reaped = true
	}
	return reaped
}

// finishWorker runs reap processing for one exited worker: final result,
// board update, and follow-up spawning.
func (s *Scheduler) finishWorker(w *pool.Worker) {
	s.workers.Remove(w.TaskID, w.Kind)
	delete(s.claims, w.TaskID)

	res, err := s.manager.Reap(w.Dir)
	if err != nil {
		s.logger.Error("reap failed", "task_id", w.TaskID, "error", err)
		return
	}

	st, err := worker.LoadGitState(w.Dir)
	if err != nil {
		st = &worker.GitState{}
	}

	if res.Outcome == worker.OutcomeDone {
		s.setStatus(w.TaskID, board.StatusDone)
		if st.NeedsResolve {
			s.spawnFollowUp(w.TaskID, pool.KindResolve)
		}
		return
	}

	// Failed: a FIX gate or a rejected push earns a bounded fix retry.
	if (res.Gate == "FIX" || st.NeedsFix) && s.fixAttempts[w.TaskID] < s.cfg.Scheduler.FixRetryBudget {
		s.fixAttempts[w.TaskID]++
		s.logger.Info("spawning fix worker",
			"task_id", w.TaskID, "attempt", s.fixAttempts[w.TaskID], "budget", s.cfg.Scheduler.FixRetryBudget)
		s.spawnFollowUp(w.TaskID, pool.KindFix)
		return
	}

	s.anyFailed = true
	s.setStatus(w.TaskID, board.StatusFailed)
	if res.Violation {
		if id, err := s.brd.InsertFollowUp(w.TaskID,
			"Review and revert out-of-worktree changes recorded in the violation log of "+w.TaskID); err == nil {
			s.logger.Info("follow-up task filed for violation", "task_id", w.TaskID, "follow_up", id)
		}
	}
}

// setStatus updates the board, deferring on a concurrent edit so the tick
// path never blocks on a human editor.
func (s *Scheduler) setStatus(taskID string, status board.Status) {
	if err := s.brd.SetStatus(taskID, status); err != nil {
		if errors.Is(err, board.ErrConcurrentEdit) {
			s.logger.Warn("board changed underneath us, deferring status update",
				"task_id", taskID, "status", string(status))
			s.skip[taskID] += 2
			s.deferredStatus[taskID] = status
			_ = s.brd.Reload()
			return
		}
		s.logger.Error("board update failed", "task_id", taskID, "error", err)
		return
	}
	s.publisher.Publish(events.New(events.EventBoardUpdated, taskID, map[string]any{
		"status": string(status),
	}))
}

func (s *Scheduler) retryDeferredStatus() {
	for taskID, status := range s.deferredStatus {
		if err := s.brd.SetStatus(taskID, status); err != nil {
			continue
		}
		delete(s.deferredStatus, taskID)
		s.publisher.Publish(events.New(events.EventBoardUpdated, taskID, map[string]any{
			"status": string(status),
		}))
	}
}

func (s *Scheduler) decaySkipCounters() {
	for id, n := range s.skip {
		if n <= 1 {
			delete(s.skip, id)
		} else {
			s.skip[id] = n - 1
		}
	}
}

// spawnableReady filters the board's ready set down to tasks the spawn
// loop may consider, then ranks them.
func (s *Scheduler) spawnableReady() []*board.Task {
	var out []*board.Task
	for _, t := range s.brd.Ready() {
		switch {
		case s.cyclic[t.ID]:
		case s.skip[t.ID] > 0:
		case s.workers.HasTask(t.ID):
		default:
			out = append(out, t)
		}
	}
	return s.rank(out)
}

// spawn starts workers for ranked candidates until capacity or claim
// conflicts stop it. A candidate heading a serial dependency chain takes
// the whole chain at once, coordinated through a batch record. Returns
// true when anything was spawned.
func (s *Scheduler) spawn(ctx context.Context, candidates []*board.Task) bool {
	spawned := false
	for _, t := range candidates {
		if ctx.Err() != nil {
			break
		}
		if s.workers.Count() >= s.cfg.Scheduler.MaxWorkers {
			break
		}

		// Feature affinity: hold a task while a same-prefix sibling runs.
		if s.siblingInProgress(t.ID) {
			s.publisher.Publish(events.New(events.EventTaskSkipped, t.ID, map[string]any{
				"reason": "sibling in progress",
			}))
			continue
		}

		chain := s.serialChain(t)
		var predicted claim.Set
		for _, m := range chain {
			predicted = append(predicted, s.predictClaims(m.ID)...)
		}
		if s.claimConflict(predicted) {
			s.logger.Debug("claim overlap, holding task", "task_id", t.ID)
			s.publisher.Publish(events.New(events.EventTaskSkipped, t.ID, map[string]any{
				"reason": "claim overlap",
			}))
			continue
		}

		if len(chain) > 1 {
			if s.startChain(chain) {
				spawned = true
			}
			continue
		}

		if s.startWorker(t, pool.KindMain, "") {
			s.claims[t.ID] = predicted
			s.aging.remove(t.ID)
			spawned = true
		}
	}
	return spawned
}

// serialChain returns t followed by the maximal run of pending tasks
// linked one-to-one: each successor depends only on its predecessor, and
// the predecessor has no other pending dependent. Chains of length two or
// more run as a batch.
func (s *Scheduler) serialChain(t *board.Task) []*board.Task {
	chain := []*board.Task{t}
	for cur := t; ; {
		next := s.soleDependent(cur)
		if next == nil {
			return chain
		}
		chain = append(chain, next)
		cur = next
	}
}

// soleDependent finds the unique pending task whose only dependency is t.
// Any branching, or a successor that cannot spawn right now, ends the
// chain.
func (s *Scheduler) soleDependent(t *board.Task) *board.Task {
	var next *board.Task
	for _, c := range s.brd.List(board.StatusPending) {
		depends := false
		for _, dep := range c.Dependencies {
			if dep == t.ID {
				depends = true
				break
			}
		}
		if !depends {
			continue
		}
		if len(c.Dependencies) != 1 || next != nil {
			return nil
		}
		if s.cyclic[c.ID] || s.skip[c.ID] > 0 || s.workers.HasTask(c.ID) {
			return nil
		}
		next = c
	}
	return next
}

// startChain spawns a serial chain under one batch record. Members beyond
// the remaining capacity stay pending and run later through the normal
// ready path.
func (s *Scheduler) startChain(chain []*board.Task) bool {
	if avail := s.cfg.Scheduler.MaxWorkers - s.workers.Count(); len(chain) > avail {
		chain = chain[:avail]
	}
	if len(chain) < 2 {
		if len(chain) == 1 && s.startWorker(chain[0], pool.KindMain, "") {
			s.claims[chain[0].ID] = s.predictClaims(chain[0].ID)
			s.aging.remove(chain[0].ID)
			return true
		}
		return false
	}

	ids := make([]string, len(chain))
	for i, t := range chain {
		ids[i] = t.ID
	}
	batchID, err := s.batches.Create(ids)
	if err != nil {
		s.logger.Error("batch creation failed, running chain head alone", "error", err)
		if s.startWorker(chain[0], pool.KindMain, "") {
			s.claims[chain[0].ID] = s.predictClaims(chain[0].ID)
			s.aging.remove(chain[0].ID)
			return true
		}
		return false
	}

	s.logger.Info("serial chain batched", "batch", batchID, "tasks", ids)
	started := false
	for _, t := range chain {
		if !s.startWorker(t, pool.KindMain, batchID) {
			// Members after a gap stay pending; the batch record stalls
			// at the gap and nobody waits on it.
			break
		}
		s.claims[t.ID] = s.predictClaims(t.ID)
		s.aging.remove(t.ID)
		started = true
	}
	return started
}

func (s *Scheduler) claimConflict(predicted claim.Set) bool {
	if len(predicted) == 0 {
		return false
	}
	for _, live := range s.claims {
		if claim.Overlaps(predicted, live) {
			return true
		}
	}
	return false
}

func (s *Scheduler) predictClaims(taskID string) claim.Set {
	t, err := s.brd.Get(taskID)
	if err != nil {
		return nil
	}
	return claim.Predict(t.Scope, config.PlanPath(s.projectDir, taskID))
}

// startWorker creates the worker directory, marks the task in-progress,
// and launches the process. A non-empty batchID attaches the worker to a
// batch record before it starts. Any failure rolls back cleanly with a
// skip backoff so the task is retried later.
func (s *Scheduler) startWorker(t *board.Task, kind pool.Kind, batchID string) bool {
	if err := s.brd.SetStatus(t.ID, board.StatusInProgress); err != nil {
		if errors.Is(err, board.ErrConcurrentEdit) {
			s.skip[t.ID] += 2
			_ = s.brd.Reload()
		} else {
			s.logger.Error("cannot mark task in-progress", "task_id", t.ID, "error", err)
		}
		return false
	}

	dir, epoch, err := s.manager.Create(t, kind)
	if err != nil {
		s.logger.Error("worker creation failed", "task_id", t.ID, "error", err)
		s.setStatus(t.ID, board.StatusPending)
		s.skip[t.ID]++
		return false
	}

	if batchID != "" {
		if err := worker.SaveBatchContext(dir, batchID); err != nil {
			s.logger.Error("batch context write failed", "task_id", t.ID, "error", err)
			s.setStatus(t.ID, board.StatusPending)
			s.skip[t.ID]++
			return false
		}
	}

	pid, err := s.spawner.Spawn(dir)
	if err != nil {
		s.logger.Error("worker spawn failed", "task_id", t.ID, "error", err)
		s.setStatus(t.ID, board.StatusPending)
		s.skip[t.ID]++
		return false
	}
	_ = pool.WritePIDFile(dir, pid)

	w := &pool.Worker{
		TaskID:    t.ID,
		Kind:      kind,
		PID:       pid,
		Dir:       dir,
		Epoch:     epoch,
		StartedAt: time.Now(),
	}
	if err := s.workers.Add(w); err != nil {
		s.logger.Error("pool add failed", "task_id", t.ID, "error", err)
		return false
	}

	s.logger.Info("worker spawned", "task_id", t.ID, "kind", string(kind), "pid", pid)
	s.publisher.Publish(events.New(events.EventWorkerSpawned, t.ID, map[string]any{
		"pid": pid, "kind": string(kind),
	}))
	return true
}

// spawnFollowUp launches a fix or resolve worker for a task that already
// ran. The task stays in-progress while the follow-up runs.
func (s *Scheduler) spawnFollowUp(taskID string, kind pool.Kind) {
	t, err := s.brd.Get(taskID)
	if err != nil {
		s.logger.Error("follow-up target missing from board", "task_id", taskID, "error", err)
		return
	}
	if s.workers.Count() >= s.cfg.Scheduler.MaxWorkers {
		if kind == pool.KindFix {
			// Over capacity; re-queue and let a later tick pick it up as
			// a fresh main worker instead.
			s.setStatus(taskID, board.StatusPending)
		}
		return
	}
	if kind == pool.KindFix && t.Status != board.StatusInProgress {
		if err := s.brd.SetStatus(taskID, board.StatusInProgress); err != nil {
			s.logger.Warn("cannot mark follow-up in-progress", "task_id", taskID, "error", err)
		}
	}

	dir, epoch, err := s.manager.Create(t, kind)
	if err != nil {
		s.logger.Error("follow-up creation failed", "task_id", taskID, "error", err)
		s.anyFailed = true
		s.setStatus(taskID, board.StatusFailed)
		return
	}
	pid, err := s.spawner.Spawn(dir)
	if err != nil {
		s.logger.Error("follow-up spawn failed", "task_id", taskID, "error", err)
		s.anyFailed = true
		s.setStatus(taskID, board.StatusFailed)
		return
	}
	_ = pool.WritePIDFile(dir, pid)
	_ = s.workers.Add(&pool.Worker{
		TaskID:    taskID,
		Kind:      kind,
		PID:       pid,
		Dir:       dir,
		Epoch:     epoch,
		StartedAt: time.Now(),
	})
	s.claims[taskID] = s.predictClaims(taskID)
	s.publisher.Publish(events.New(events.EventWorkerSpawned, taskID, map[string]any{
		"pid": pid, "kind": string(kind),
	}))
}

// drained reports whether the run is over: no pending tasks that could
// still run, and no live workers. Pending tasks stuck behind a failed or
// cyclic dependency can never become ready and do not keep the run alive.
func (s *Scheduler) drained() bool {
	if s.workers.Count() > 0 {
		return false
	}
	for _, t := range s.brd.List(board.StatusPending) {
		if s.cyclic[t.ID] {
			continue
		}
		if s.permanentlyBlocked(t.ID, make(map[string]bool)) {
			s.logger.Warn("task can never run, a transitive dependency failed", "task_id", t.ID)
			continue
		}
		return false
	}
	return len(s.deferredStatus) == 0
}

// permanentlyBlocked reports whether a task's transitive dependencies
// include one that will never complete this run: failed, cyclic, or
// missing from the board.
func (s *Scheduler) permanentlyBlocked(id string, seen map[string]bool) bool {
	if seen[id] {
		return false
	}
	seen[id] = true

	t, err := s.brd.Get(id)
	if err != nil {
		return true
	}
	for _, dep := range t.Dependencies {
		d, err := s.brd.Get(dep)
		if err != nil {
			return true
		}
		if d.Status == board.StatusFailed || s.cyclic[dep] {
			return true
		}
		if d.Status == board.StatusPending && s.permanentlyBlocked(dep, seen) {
			return true
		}
	}
	return false
}

// shutdown terminates every live worker: TERM, a grace period, then KILL.
// The workers are reaped afterwards so board state reflects reality.
func (s *Scheduler) shutdown() {
	snapshot := s.workers.Snapshot()
	if len(snapshot) == 0 {
		return
	}
	s.logger.Info("shutting down workers", "count", len(snapshot))

	var g errgroup.Group
	for _, w := range snapshot {
		g.Go(func() error {
			if err := terminate(w.PID); err != nil {
				return nil // already gone
			}
			deadline := time.Now().Add(s.cfg.Scheduler.ShutdownGrace)
			for time.Now().Before(deadline) {
				if !w.Alive() {
					return nil
				}
				time.Sleep(100 * time.Millisecond)
			}
			_ = kill(w.PID)
			return nil
		})
	}
	_ = g.Wait()

	for _, w := range snapshot {
		s.finishWorker(w)
	}
	if err := s.aging.save(); err != nil {
		s.logger.Warn("aging save failed", "error", err)
	}
}
