package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiggum-dev/wiggum/internal/agent"
	"github.com/wiggum-dev/wiggum/internal/batch"
	"github.com/wiggum-dev/wiggum/internal/board"
	"github.com/wiggum-dev/wiggum/internal/config"
	"github.com/wiggum-dev/wiggum/internal/events"
	"github.com/wiggum-dev/wiggum/internal/git"
	"github.com/wiggum-dev/wiggum/internal/pool"
	"github.com/wiggum-dev/wiggum/internal/worker"
)

// capturingPublisher records every published event for assertions.
type capturingPublisher struct {
	records []events.Record
}

func (c *capturingPublisher) Publish(rec events.Record) { c.records = append(c.records, rec) }
func (c *capturingPublisher) Close() error              { return nil }

func (c *capturingPublisher) taskIDs(event events.EventType) []string {
	var ids []string
	for _, rec := range c.records {
		if rec.Event == event {
			ids = append(ids, rec.TaskID)
		}
	}
	return ids
}

const deadPID = 1 << 30

// stubGit answers every git invocation with success.
type stubGit struct{}

func (stubGit) Run(workDir, name string, args ...string) (string, error) { return "", nil }

// scriptedSpawner simulates worker processes. Each spawn immediately
// writes the next scripted final result for the task; the returned PID is
// dead unless the task is listed in alive, so the next tick reaps it.
type scriptedSpawner struct {
	results map[string][]*worker.FinalResult
	alive   map[string]bool

	spawnedTasks []string
	spawnedKinds []pool.Kind
}

func (f *scriptedSpawner) Spawn(dir string) (int, error) {
	taskID, kind, _, ok := pool.ParseDirName(filepath.Base(dir))
	if !ok {
		panic("spawn outside a worker dir: " + dir)
	}
	f.spawnedTasks = append(f.spawnedTasks, taskID)
	f.spawnedKinds = append(f.spawnedKinds, kind)

	res := &worker.FinalResult{TaskID: taskID, Outcome: worker.OutcomeDone, Gate: "PASS"}
	if queue := f.results[taskID]; len(queue) > 0 {
		res = queue[0]
		f.results[taskID] = queue[1:]
	}
	if err := worker.WriteFinalResult(dir, res); err != nil {
		return 0, err
	}

	if f.alive[taskID] {
		return os.Getpid(), nil
	}
	return deadPID, nil
}

func newTestScheduler(t *testing.T, boardContent string, spawner *scriptedSpawner, tune func(*config.Config)) (*Scheduler, *board.Board, string) {
	t.Helper()
	projectDir := t.TempDir()
	require.NoError(t, os.MkdirAll(config.MetaDir(projectDir), 0o755))
	require.NoError(t, os.WriteFile(config.BoardPath(projectDir), []byte(boardContent), 0o644))

	cfg := config.Default()
	cfg.Scheduler.MaxWorkers = 4
	if tune != nil {
		tune(cfg)
	}

	brd, err := board.Load(config.BoardPath(projectDir), config.BoardLockPath(projectDir))
	require.NoError(t, err)

	repo, err := git.Open(projectDir, git.WithRunner(stubGit{}))
	require.NoError(t, err)
	mgr := worker.NewManager(cfg, projectDir, repo, agent.NewRegistry(), nil, nil, nil)

	s := New(cfg, projectDir, brd, pool.New(nil), mgr, spawner, nil, nil)
	return s, brd, projectDir
}

// runUntilDrained ticks the scheduler to completion with a safety bound.
func runUntilDrained(t *testing.T, s *Scheduler) {
	t.Helper()
	for i := 0; i < 50; i++ {
		if s.tick(context.Background()) {
			return
		}
	}
	t.Fatal("scheduler did not drain within 50 ticks")
}

func taskStatus(t *testing.T, brd *board.Board, id string) board.Status {
	t.Helper()
	require.NoError(t, brd.Reload())
	task, err := brd.Get(id)
	require.NoError(t, err)
	return task.Status
}

const linearChainBoard = `# Project

## TASKS
- [ ] [AA-1]
  Description: first
  Priority: MEDIUM
  Dependencies: none
- [ ] [AA-2]
  Description: second
  Priority: MEDIUM
  Dependencies: AA-1
- [ ] [AA-3]
  Description: third
  Priority: MEDIUM
  Dependencies: AA-2
`

func TestLinearChainRunsInOrder(t *testing.T) {
	spawner := &scriptedSpawner{}
	s, brd, _ := newTestScheduler(t, linearChainBoard, spawner, nil)

	runUntilDrained(t, s)

	assert.Equal(t, []string{"AA-1", "AA-2", "AA-3"}, spawner.spawnedTasks)
	for _, id := range []string{"AA-1", "AA-2", "AA-3"} {
		assert.Equal(t, board.StatusDone, taskStatus(t, brd, id), id)
	}
	assert.Equal(t, 0, s.workers.Count())
	assert.False(t, s.anyFailed)
}

const siblingBoard = `## TASKS
- [ ] [AUTH-1]
  Description: login
  Dependencies: none
- [ ] [AUTH-2]
  Description: signup
  Dependencies: none
- [ ] [UI-1]
  Description: theme
  Dependencies: none
`

func TestSiblingPenaltyHoldsSamePrefix(t *testing.T) {
	spawner := &scriptedSpawner{alive: map[string]bool{"UI-1": true}}
	s, brd, _ := newTestScheduler(t, siblingBoard, spawner, func(c *config.Config) {
		c.Scheduler.MaxWorkers = 3
	})

	// First tick: AUTH-1 and UI-1 start; AUTH-2 is held by its sibling.
	s.tick(context.Background())
	assert.Equal(t, []string{"AUTH-1", "UI-1"}, spawner.spawnedTasks)
	assert.Equal(t, board.StatusPending, taskStatus(t, brd, "AUTH-2"))

	// AUTH-1's process is gone; the next tick reaps it and releases AUTH-2.
	s.tick(context.Background())
	assert.Equal(t, []string{"AUTH-1", "UI-1", "AUTH-2"}, spawner.spawnedTasks)
	assert.Equal(t, board.StatusDone, taskStatus(t, brd, "AUTH-1"))
}

const cyclicBoard = `## TASKS
- [ ] [XX-1]
  Description: one half of a cycle
  Dependencies: YY-1
- [ ] [YY-1]
  Description: other half
  Dependencies: XX-1
- [ ] [ZZ-1]
  Description: independent
  Dependencies: none
`

func TestCycleEventsNameEachMember(t *testing.T) {
	spawner := &scriptedSpawner{}
	s, _, _ := newTestScheduler(t, cyclicBoard, spawner, nil)
	pub := &capturingPublisher{}
	s.publisher = pub

	s.detectCycles()

	assert.ElementsMatch(t, []string{"XX-1", "YY-1"}, pub.taskIDs(events.EventCycleDetected))
}

func TestCyclicTasksPermanentlySkipped(t *testing.T) {
	spawner := &scriptedSpawner{}
	s, brd, _ := newTestScheduler(t, cyclicBoard, spawner, nil)

	s.detectCycles()
	assert.True(t, s.cyclic["XX-1"])
	assert.True(t, s.cyclic["YY-1"])

	runUntilDrained(t, s)

	assert.Equal(t, []string{"ZZ-1"}, spawner.spawnedTasks)
	assert.Equal(t, board.StatusDone, taskStatus(t, brd, "ZZ-1"))
	assert.Equal(t, board.StatusPending, taskStatus(t, brd, "XX-1"))
	assert.Equal(t, board.StatusPending, taskStatus(t, brd, "YY-1"))
}

const claimBoard = `## TASKS
- [ ] [AA-1]
  Description: edits auth
  Dependencies: none
  Scope:
    - src/auth/
- [ ] [BB-1]
  Description: also edits auth
  Dependencies: none
  Scope:
    - src/auth/login.go
`

func TestClaimOverlapHoldsConflictingTask(t *testing.T) {
	spawner := &scriptedSpawner{alive: map[string]bool{"AA-1": true}}
	s, brd, _ := newTestScheduler(t, claimBoard, spawner, nil)

	s.tick(context.Background())
	assert.Equal(t, []string{"AA-1"}, spawner.spawnedTasks)
	assert.Equal(t, board.StatusPending, taskStatus(t, brd, "BB-1"))

	s.tick(context.Background())
	// Still held while AA-1 is alive.
	assert.Equal(t, []string{"AA-1"}, spawner.spawnedTasks)
}

const singleBoard = `## TASKS
- [ ] [AA-1]
  Description: the task
  Dependencies: none
`

func TestFixFollowUpSucceeds(t *testing.T) {
	spawner := &scriptedSpawner{results: map[string][]*worker.FinalResult{
		"AA-1": {
			{TaskID: "AA-1", Outcome: worker.OutcomeFailed, Gate: "FIX", Errors: []string{"tests failing"}},
			{TaskID: "AA-1", Outcome: worker.OutcomeDone, Gate: "PASS"},
		},
	}}
	s, brd, _ := newTestScheduler(t, singleBoard, spawner, nil)

	runUntilDrained(t, s)

	assert.Equal(t, []pool.Kind{pool.KindMain, pool.KindFix}, spawner.spawnedKinds)
	assert.Equal(t, board.StatusDone, taskStatus(t, brd, "AA-1"))
	assert.False(t, s.anyFailed)
}

func TestFixBudgetExhaustedFailsTask(t *testing.T) {
	fix := &worker.FinalResult{TaskID: "AA-1", Outcome: worker.OutcomeFailed, Gate: "FIX"}
	spawner := &scriptedSpawner{results: map[string][]*worker.FinalResult{
		"AA-1": {fix, fix, fix, fix},
	}}
	s, brd, _ := newTestScheduler(t, singleBoard, spawner, func(c *config.Config) {
		c.Scheduler.FixRetryBudget = 2
	})

	runUntilDrained(t, s)

	// One main attempt plus two fix attempts.
	assert.Equal(t, []pool.Kind{pool.KindMain, pool.KindFix, pool.KindFix}, spawner.spawnedKinds)
	assert.Equal(t, board.StatusFailed, taskStatus(t, brd, "AA-1"))
	assert.True(t, s.anyFailed)
}

func TestViolationFilesFollowUpTask(t *testing.T) {
	spawner := &scriptedSpawner{results: map[string][]*worker.FinalResult{
		"AA-1": {{
			TaskID: "AA-1", Outcome: worker.OutcomeFailed, Gate: "PASS",
			Violation: true, Errors: []string{"workspace boundary violation"},
		}},
	}}
	s, brd, _ := newTestScheduler(t, singleBoard, spawner, nil)

	runUntilDrained(t, s)

	assert.Equal(t, board.StatusFailed, taskStatus(t, brd, "AA-1"))
	// A follow-up entry was appended in the AA prefix series.
	_, err := brd.Get("AA-2")
	require.NoError(t, err)
	assert.True(t, s.anyFailed)
}

const inProgressBoard = `## TASKS
- [=] [AA-1]
  Description: survived a restart
  Dependencies: none
- [=] [BB-1]
  Description: died during a restart
  Dependencies: none
`

func TestReconcileOrphans(t *testing.T) {
	spawner := &scriptedSpawner{}
	s, brd, projectDir := newTestScheduler(t, inProgressBoard, spawner, nil)

	workersDir := config.WorkersDir(projectDir)
	aliveDir := filepath.Join(workersDir, "worker-AA-1-100")
	require.NoError(t, os.MkdirAll(aliveDir, 0o755))
	require.NoError(t, pool.WritePIDFile(aliveDir, os.Getpid()))

	deadDir := filepath.Join(workersDir, "worker-BB-1-200")
	require.NoError(t, os.MkdirAll(deadDir, 0o755))
	require.NoError(t, pool.WritePIDFile(deadDir, deadPID))
	require.NoError(t, worker.WriteFinalResult(deadDir, &worker.FinalResult{
		TaskID: "BB-1", Outcome: worker.OutcomeDone, Gate: "PASS",
	}))

	require.NoError(t, s.reconcileOrphans())

	// The live worker was adopted; the dead one was reaped to done.
	assert.True(t, s.workers.HasTask("AA-1"))
	assert.False(t, s.workers.HasTask("BB-1"))
	assert.Equal(t, board.StatusDone, taskStatus(t, brd, "BB-1"))
}

const scoringBoard = `## TASKS
- [ ] [AA-1]
  Description: critical with dependents
  Priority: CRITICAL
  Dependencies: none
- [ ] [AA-2]
  Description: depends on AA-1
  Dependencies: AA-1
- [ ] [BB-1]
  Description: has a plan
  Priority: LOW
  Dependencies: none
- [=] [CC-1]
  Description: running sibling
  Dependencies: none
- [ ] [CC-2]
  Description: penalized sibling
  Priority: CRITICAL
  Dependencies: none
`

func TestScore(t *testing.T) {
	spawner := &scriptedSpawner{}
	s, brd, projectDir := newTestScheduler(t, scoringBoard, spawner, nil)
	sc := s.cfg.Scheduler

	get := func(id string) *board.Task {
		task, err := brd.Get(id)
		require.NoError(t, err)
		return task
	}

	// CRITICAL base plus one pending dependent.
	assert.Equal(t, 4*1000+sc.DepBonusPerTask, s.score(get("AA-1")))

	// Plan document adds the plan bonus.
	require.NoError(t, os.MkdirAll(config.PlansDir(projectDir), 0o755))
	require.NoError(t, os.WriteFile(config.PlanPath(projectDir, "BB-1"), []byte("# plan"), 0o644))
	assert.Equal(t, 1*1000+sc.PlanBonus, s.score(get("BB-1")))

	// In-progress sibling subtracts the penalty.
	assert.Equal(t, 4*1000-sc.SiblingWIPPenalty, s.score(get("CC-2")))

	// Aging adds ticks * factor.
	s.aging.ticks["AA-1"] = 10
	assert.Equal(t, 4*1000+sc.DepBonusPerTask+10*sc.AgingFactor, s.score(get("AA-1")))
}

func TestRankDeterministicTieBreak(t *testing.T) {
	spawner := &scriptedSpawner{}
	s, brd, _ := newTestScheduler(t, siblingBoard, spawner, nil)

	ranked := s.rank(brd.Ready())
	ids := make([]string, len(ranked))
	for i, task := range ranked {
		ids[i] = task.ID
	}
	// All scores equal: lexicographic order.
	assert.Equal(t, []string{"AUTH-1", "AUTH-2", "UI-1"}, ids)
}

func TestCapacityLimit(t *testing.T) {
	boardContent := `## TASKS
- [ ] [AA-1]
  Description: a
  Dependencies: none
- [ ] [BB-1]
  Description: b
  Dependencies: none
- [ ] [CC-1]
  Description: c
  Dependencies: none
`
	spawner := &scriptedSpawner{alive: map[string]bool{"AA-1": true, "BB-1": true, "CC-1": true}}
	s, _, _ := newTestScheduler(t, boardContent, spawner, func(c *config.Config) {
		c.Scheduler.MaxWorkers = 2
	})

	s.tick(context.Background())
	assert.Len(t, spawner.spawnedTasks, 2)
	assert.Equal(t, 2, s.workers.Count())
}

func TestAgingTracker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aging.json")

	a := loadAging(path)
	a.bump([]string{"AA-1", "BB-1"})
	a.bump([]string{"AA-1"})
	require.NoError(t, a.save())

	b := loadAging(path)
	assert.Equal(t, 2, b.ticksReady("AA-1"))
	assert.Equal(t, 1, b.ticksReady("BB-1"))

	b.remove("AA-1")
	assert.Equal(t, 0, b.ticksReady("AA-1"))
}

func TestAgingTracker_CorruptSidecarResets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aging.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	a := loadAging(path)
	assert.Equal(t, 0, a.ticksReady("AA-1"))
}

func TestSkipCounterDecay(t *testing.T) {
	spawner := &scriptedSpawner{}
	s, _, _ := newTestScheduler(t, singleBoard, spawner, nil)

	s.skip["AA-1"] = 3
	s.tick(context.Background())
	// Counter was still positive after this tick's decay; the task held.
	assert.Empty(t, spawner.spawnedTasks)

	s.tick(context.Background())
	assert.Empty(t, spawner.spawnedTasks)

	// Counter has fully decayed; the task spawns.
	s.tick(context.Background())
	assert.Equal(t, []string{"AA-1"}, spawner.spawnedTasks)
}

const failedDependencyBoard = `## TASKS
- [ ] [AA-1]
  Description: will fail
  Dependencies: none
- [ ] [AA-2]
  Description: direct dependent
  Dependencies: AA-1
- [ ] [AA-3]
  Description: other direct dependent
  Dependencies: AA-1
- [ ] [AA-4]
  Description: transitive dependent
  Dependencies: AA-3
`

func TestDrainsBehindFailedDependency(t *testing.T) {
	spawner := &scriptedSpawner{results: map[string][]*worker.FinalResult{
		"AA-1": {{TaskID: "AA-1", Outcome: worker.OutcomeFailed, Gate: "FAIL", Errors: []string{"broken"}}},
	}}
	s, brd, _ := newTestScheduler(t, failedDependencyBoard, spawner, nil)

	runUntilDrained(t, s)

	// Only the root ever ran; its dependents can never become ready and
	// must not keep the run alive.
	assert.Equal(t, []string{"AA-1"}, spawner.spawnedTasks)
	assert.Equal(t, board.StatusFailed, taskStatus(t, brd, "AA-1"))
	for _, id := range []string{"AA-2", "AA-3", "AA-4"} {
		assert.Equal(t, board.StatusPending, taskStatus(t, brd, id), id)
	}
	assert.True(t, s.anyFailed)
}

func TestSerialChainRunsAsBatch(t *testing.T) {
	spawner := &scriptedSpawner{alive: map[string]bool{"AA-1": true, "AA-2": true, "AA-3": true}}
	s, brd, projectDir := newTestScheduler(t, linearChainBoard, spawner, nil)

	s.tick(context.Background())

	// The whole chain spawned at once, in dependency order, each member
	// carrying the shared batch context.
	require.Equal(t, []string{"AA-1", "AA-2", "AA-3"}, spawner.spawnedTasks)
	var batchID string
	for _, id := range []string{"AA-1", "AA-2", "AA-3"} {
		w, ok := s.workers.Get(id, pool.KindMain)
		require.True(t, ok, id)
		bc, ok, err := worker.LoadBatchContext(w.Dir)
		require.NoError(t, err)
		require.True(t, ok, id)
		if batchID == "" {
			batchID = bc.BatchID
		}
		assert.Equal(t, batchID, bc.BatchID, id)
		assert.Equal(t, board.StatusInProgress, taskStatus(t, brd, id), id)
	}

	rec, err := batch.NewCoordinator(config.BatchDir(projectDir)).Load(batchID)
	require.NoError(t, err)
	assert.Equal(t, []string{"AA-1", "AA-2", "AA-3"}, rec.Tasks)
	assert.Equal(t, batch.StatusActive, rec.Status)
}

func TestSerialChainTruncatedByCapacity(t *testing.T) {
	spawner := &scriptedSpawner{alive: map[string]bool{"AA-1": true, "AA-2": true}}
	s, _, _ := newTestScheduler(t, linearChainBoard, spawner, func(c *config.Config) {
		c.Scheduler.MaxWorkers = 2
	})

	s.tick(context.Background())

	// Only as much of the chain as capacity allows; the tail stays
	// pending for the normal ready path.
	assert.Equal(t, []string{"AA-1", "AA-2"}, spawner.spawnedTasks)
	assert.False(t, s.workers.HasTask("AA-3"))
}

func TestClaimHoldPublishesSkipEvent(t *testing.T) {
	spawner := &scriptedSpawner{alive: map[string]bool{"AA-1": true}}
	s, _, _ := newTestScheduler(t, claimBoard, spawner, nil)
	pub := &capturingPublisher{}
	s.publisher = pub

	s.tick(context.Background())

	assert.Contains(t, pub.taskIDs(events.EventTaskSkipped), "BB-1")
}

func TestSpawnedWorkerDirLayout(t *testing.T) {
	spawner := &scriptedSpawner{alive: map[string]bool{"AA-1": true}}
	s, _, projectDir := newTestScheduler(t, singleBoard, spawner, nil)

	s.tick(context.Background())
	w, ok := s.workers.Get("AA-1", pool.KindMain)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(filepath.Base(w.Dir), "worker-AA-1-"))
	assert.FileExists(t, filepath.Join(w.Dir, "prd.md"))

	pid, err := pool.ReadPIDFile(w.Dir)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	_ = projectDir
}
