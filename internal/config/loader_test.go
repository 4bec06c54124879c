package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Scheduler.MaxWorkers)
	assert.Equal(t, 7, cfg.Scheduler.AgingFactor)
	assert.Equal(t, 15000, cfg.Scheduler.PlanBonus)
	assert.Equal(t, 7000, cfg.Scheduler.DepBonusPerTask)
	assert.Equal(t, 20000, cfg.Scheduler.SiblingWIPPenalty)
	assert.Equal(t, 30*time.Second, cfg.Worker.MonitorInterval)
	assert.Equal(t, "main", cfg.Git.BaseBranch)
	assert.Equal(t, "gh", cfg.Hosting.Command)
}

func TestLoad_ProjectFileOverrides(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(MetaDir(dir), 0o755))
	content := []byte("scheduler:\n  max_workers: 8\ngit:\n  base_branch: develop\n")
	require.NoError(t, os.WriteFile(filepath.Join(MetaDir(dir), ConfigFileName), content, 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Scheduler.MaxWorkers)
	assert.Equal(t, "develop", cfg.Git.BaseBranch)
	// Untouched fields keep defaults.
	assert.Equal(t, 7, cfg.Scheduler.AgingFactor)
}

func TestLoad_MalformedProjectFileIsFatal(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(MetaDir(dir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(MetaDir(dir), ConfigFileName), []byte("scheduler: ["), 0o644))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvMaxWorkers, "6")
	t.Setenv(EnvAgingFactor, "11")
	t.Setenv(EnvPlanBonus, "100")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Scheduler.MaxWorkers)
	assert.Equal(t, 11, cfg.Scheduler.AgingFactor)
	assert.Equal(t, 100, cfg.Scheduler.PlanBonus)
}

func TestLoad_InvalidEnvIgnored(t *testing.T) {
	t.Setenv(EnvMaxWorkers, "many")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Scheduler.MaxWorkers)
}

func TestLoad_ValidationRejectsZeroWorkers(t *testing.T) {
	t.Setenv(EnvMaxWorkers, "0")

	_, err := Load(t.TempDir())
	assert.Error(t, err)
}

func TestPaths(t *testing.T) {
	assert.Equal(t, filepath.Join("/p", ".ralph", "kanban.md"), BoardPath("/p"))
	assert.Equal(t, filepath.Join("/p", ".ralph", "workers"), WorkersDir("/p"))
	assert.Equal(t, filepath.Join("/p", ".ralph", "plans", "AUTH-1.md"), PlanPath("/p", "AUTH-1"))
	assert.Equal(t, filepath.Join("/p", ".ralph", "logs", "activity.jsonl"), ActivityLogPath("/p"))

	cfg := Default()
	assert.Equal(t, filepath.Join("/p", ".ralph", "pipeline.json"), cfg.PipelinePath("/p"))
	cfg.Pipeline = "/abs/pipeline.json"
	assert.Equal(t, "/abs/pipeline.json", cfg.PipelinePath("/p"))
}
