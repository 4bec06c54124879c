package board

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleBoard = `# Project board

Notes up here are never parsed.

## TASKS

- [ ] [AUTH-1] Add login endpoint
  Description: Implement the login endpoint
  Priority: HIGH
  Dependencies: none
  Scope:
    - internal/auth
    - cmd/server
  Acceptance Criteria:
    - returns 200 on valid credentials
    - rejects bad passwords

- [ ] [AUTH-2] Add logout endpoint
  Description: Implement logout
  Priority: MEDIUM
  Dependencies: AUTH-1

- [x] [UI-1] Landing page
  Description: Static landing page
  Priority: LOW
  Dependencies: none

- [=] [UI-2] Nav bar
  Description: Navigation bar
  Priority: MEDIUM
  Dependencies: UI-1

- [*] [DB-1] Schema migration
  Description: Initial schema
  Priority: CRITICAL
  Dependencies: none

- [P] [OPS-1] Deploy pipeline
  Description: CD pipeline
  Priority: HIGH
  Dependencies: none

- [ ] [OPS-2] Smoke tests
  Description: Post-deploy smoke tests
  Priority: MEDIUM
  Dependencies: OPS-1
`

func writeBoard(t *testing.T, content string) *Board {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "kanban.md")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	b, err := Load(path, filepath.Join(dir, "kanban.lock"))
	require.NoError(t, err)
	return b
}

func TestParse_Fields(t *testing.T) {
	b := writeBoard(t, sampleBoard)

	task, err := b.Get("AUTH-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, task.Status)
	assert.Equal(t, PriorityHigh, task.Priority)
	assert.Equal(t, "Implement the login endpoint", task.Description)
	assert.Equal(t, []string{"internal/auth", "cmd/server"}, task.Scope)
	assert.Len(t, task.AcceptanceCriteria, 2)
	assert.Empty(t, task.Dependencies)

	task, err = b.Get("AUTH-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"AUTH-1"}, task.Dependencies)

	task, err = b.Get("DB-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, PriorityCritical, task.Priority)

	task, err = b.Get("OPS-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingApproval, task.Status)
}

func TestParse_RejectsInvalidIdentifiers(t *testing.T) {
	content := `## TASKS

- [ ] [A-1] Prefix too short
  Description: bad
- [ ] [TOOLONGPRE-1] Prefix too long
  Description: bad
- [ ] [AB-12345] Number too long
  Description: bad
- [ ] [OK-1] Fine
  Description: good
  Priority: LOW
  Dependencies: none
`
	b := writeBoard(t, content)

	assert.Len(t, b.ParseErrors(), 3)
	assert.Len(t, b.List(""), 1)
	_, err := b.Get("OK-1")
	assert.NoError(t, err)
}

func TestReadyAndBlocked(t *testing.T) {
	b := writeBoard(t, sampleBoard)

	ids := func(tasks []*Task) []string {
		var out []string
		for _, t := range tasks {
			out = append(out, t.ID)
		}
		return out
	}

	// AUTH-1 has no deps; AUTH-2 waits on AUTH-1; OPS-2 waits on OPS-1
	// which is pending-approval and therefore never satisfies.
	assert.ElementsMatch(t, []string{"AUTH-1"}, ids(b.Ready()))
	assert.ElementsMatch(t, []string{"AUTH-2", "OPS-2"}, ids(b.Blocked()))

	// Ready and blocked partition pending tasks with dependencies.
	for _, task := range b.Ready() {
		for _, dep := range task.Dependencies {
			d, err := b.Get(dep)
			require.NoError(t, err)
			assert.Equal(t, StatusDone, d.Status)
		}
	}
}

func TestPendingApprovalNeverSatisfies(t *testing.T) {
	content := `## TASKS

- [P] [AA-1] Awaiting approval
  Description: done but unapproved
- [ ] [AA-2] Dependent
  Description: depends on unapproved
  Dependencies: AA-1
`
	b := writeBoard(t, content)
	assert.Empty(t, b.Ready())
	require.Len(t, b.Blocked(), 1)
	assert.Equal(t, "AA-2", b.Blocked()[0].ID)
}

func TestValidate_UnknownDependency(t *testing.T) {
	content := `## TASKS

- [ ] [AA-1] Task
  Description: depends on ghost
  Dependencies: ZZ-9
`
	b := writeBoard(t, content)
	errs := b.Validate()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "ZZ-9")
	// Unknown dependency also keeps the task out of ready.
	assert.Empty(t, b.Ready())
}

func TestSetStatus(t *testing.T) {
	b := writeBoard(t, sampleBoard)

	require.NoError(t, b.SetStatus("AUTH-1", StatusInProgress))

	// In-memory view updated.
	task, err := b.Get("AUTH-1")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, task.Status)

	// On-disk form updated and still parseable.
	b2, err := Load(b.path, b.lockPath)
	require.NoError(t, err)
	task2, err := b2.Get("AUTH-2")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, task2.Status)
	task2, err = b2.Get("AUTH-1")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, task2.Status)

	// Non-task lines survive the rewrite.
	data, err := os.ReadFile(b.path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Notes up here are never parsed.")
}

func TestSetStatus_ConcurrentEdit(t *testing.T) {
	b := writeBoard(t, sampleBoard)

	// Simulate an external edit between read and write.
	edited := strings.Replace(sampleBoard, "Add login endpoint", "Add login handler", 1)
	require.NoError(t, os.WriteFile(b.path, []byte(edited), 0o644))

	err := b.SetStatus("AUTH-1", StatusDone)
	require.ErrorIs(t, err, ErrConcurrentEdit)

	// Reload picks up the external edit and the write succeeds.
	require.NoError(t, b.Reload())
	require.NoError(t, b.SetStatus("AUTH-1", StatusDone))
}

func TestSetStatus_UnknownTask(t *testing.T) {
	b := writeBoard(t, sampleBoard)
	err := b.SetStatus("NOPE-1", StatusDone)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertFollowUp(t *testing.T) {
	b := writeBoard(t, sampleBoard)

	id, err := b.InsertFollowUp("DB-1", "Investigate migration failure")
	require.NoError(t, err)
	assert.Equal(t, "DB-2", id)

	task, err := b.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, task.Status)
	assert.Equal(t, "Investigate migration failure", task.Description)

	// Survives a reload from disk.
	b2, err := Load(b.path, b.lockPath)
	require.NoError(t, err)
	_, err = b2.Get(id)
	assert.NoError(t, err)
}

func TestDetectCycles(t *testing.T) {
	content := `## TASKS

- [ ] [XX-1] A
  Description: depends on YY-1
  Dependencies: YY-1
- [ ] [YY-1] B
  Description: depends on XX-1
  Dependencies: XX-1
- [ ] [ZZ-1] Self loop
  Description: depends on itself
  Dependencies: ZZ-1
- [ ] [OK-1] Clean
  Description: no cycle
  Dependencies: none
`
	b := writeBoard(t, content)
	report := b.DetectCycles()

	assert.Equal(t, []string{"ZZ-1"}, report.SelfLoops)
	require.Len(t, report.Groups, 1)
	assert.Equal(t, []string{"XX-1", "YY-1"}, report.Groups[0])

	members := report.Members()
	assert.True(t, members["XX-1"])
	assert.True(t, members["YY-1"])
	assert.True(t, members["ZZ-1"])
	assert.False(t, members["OK-1"])
}

func TestDetectCycles_CleanBoard(t *testing.T) {
	b := writeBoard(t, sampleBoard)
	assert.True(t, b.DetectCycles().Empty())
}

func TestStats(t *testing.T) {
	b := writeBoard(t, sampleBoard)
	s := b.Stats()
	assert.Equal(t, 3, s.Pending)
	assert.Equal(t, 1, s.InProgress)
	assert.Equal(t, 1, s.Done)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.PendingApproval)
	assert.Equal(t, 1, s.Ready)
	assert.Equal(t, 2, s.Blocked)
}

func TestDependentsOf(t *testing.T) {
	b := writeBoard(t, sampleBoard)
	assert.Equal(t, 1, b.DependentsOf("AUTH-1"))
	assert.Equal(t, 0, b.DependentsOf("AUTH-2"))
}
