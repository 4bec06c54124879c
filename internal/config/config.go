// Package config provides wiggum configuration: built-in defaults, the
// project file at .ralph/config.yaml, and WIGGUM_* environment overrides.
// Later sources override earlier ones.
package config

import (
	"path/filepath"
	"time"
)

// RalphDir is the orchestrator metadata directory inside the project.
// Workers, the board, plans, logs, and coordination records all live here.
const RalphDir = ".ralph"

// ConfigFileName is the project config file name inside RalphDir.
const ConfigFileName = "config.yaml"

// Config is the full wiggum configuration.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Worker    WorkerConfig    `yaml:"worker"`
	Git       GitConfig       `yaml:"git"`
	Hosting   HostingConfig   `yaml:"hosting"`

	// Agents maps agent-type names to the argv that runs them. Every agent
	// type referenced by the pipeline must appear here.
	Agents map[string][]string `yaml:"agents"`

	// Pipeline is the project pipeline file, relative to RalphDir.
	Pipeline string `yaml:"pipeline"`
}

// SchedulerConfig controls task selection and capacity.
type SchedulerConfig struct {
	MaxWorkers        int           `yaml:"max_workers"`
	TickInterval      time.Duration `yaml:"tick_interval"`
	AgingFactor       int           `yaml:"aging_factor"`
	PlanBonus         int           `yaml:"plan_bonus"`
	DepBonusPerTask   int           `yaml:"dep_bonus_per_task"`
	SiblingWIPPenalty int           `yaml:"sibling_wip_penalty"`
	FixRetryBudget    int           `yaml:"fix_retry_budget"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
	AutoMerge         bool          `yaml:"auto_merge"`
}

// WorkerConfig controls per-worker behavior.
type WorkerConfig struct {
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	StepTimeout     time.Duration `yaml:"step_timeout"`
}

// GitConfig controls branch and commit conventions.
type GitConfig struct {
	BaseBranch   string `yaml:"base_branch"`
	BranchPrefix string `yaml:"branch_prefix"`
	CommitPrefix string `yaml:"commit_prefix"`
	Remote       string `yaml:"remote"`
}

// HostingConfig controls pull-request creation.
type HostingConfig struct {
	// Command is the external PR command, normally "gh".
	Command string `yaml:"command"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			MaxWorkers:        3,
			TickInterval:      2 * time.Second,
			AgingFactor:       7,
			PlanBonus:         15000,
			DepBonusPerTask:   7000,
			SiblingWIPPenalty: 20000,
			FixRetryBudget:    2,
			ShutdownGrace:     15 * time.Second,
		},
		Worker: WorkerConfig{
			MonitorInterval: 30 * time.Second,
			StepTimeout:     45 * time.Minute,
		},
		Git: GitConfig{
			BaseBranch:   "main",
			BranchPrefix: "wiggum/",
			CommitPrefix: "wiggum:",
			Remote:       "origin",
		},
		Hosting: HostingConfig{
			Command: "gh",
		},
		Pipeline: "pipeline.json",
	}
}

// Paths below are all rooted at the project directory.

// MetaDir returns the .ralph directory for a project.
func MetaDir(projectDir string) string {
	return filepath.Join(projectDir, RalphDir)
}

// BoardPath returns the kanban board file.
func BoardPath(projectDir string) string {
	return filepath.Join(MetaDir(projectDir), "kanban.md")
}

// BoardLockPath returns the advisory lock guarding board rewrites.
func BoardLockPath(projectDir string) string {
	return filepath.Join(MetaDir(projectDir), "kanban.lock")
}

// WorkersDir returns the root directory holding per-worker directories.
func WorkersDir(projectDir string) string {
	return filepath.Join(MetaDir(projectDir), "workers")
}

// PlansDir returns the directory of per-task plan documents.
func PlansDir(projectDir string) string {
	return filepath.Join(MetaDir(projectDir), "plans")
}

// PlanPath returns the plan document for a task, if one exists.
func PlanPath(projectDir, taskID string) string {
	return filepath.Join(PlansDir(projectDir), taskID+".md")
}

// ActivityLogPath returns the JSONL activity log.
func ActivityLogPath(projectDir string) string {
	return filepath.Join(MetaDir(projectDir), "logs", "activity.jsonl")
}

// AgingPath returns the sidecar file tracking per-task ticks-ready counters.
func AgingPath(projectDir string) string {
	return filepath.Join(MetaDir(projectDir), "aging.json")
}

// BatchDir returns the directory of batch coordination records.
func BatchDir(projectDir string) string {
	return filepath.Join(MetaDir(projectDir), "batches")
}

// PipelinePath returns the project pipeline file for this config.
func (c *Config) PipelinePath(projectDir string) string {
	if filepath.IsAbs(c.Pipeline) {
		return c.Pipeline
	}
	return filepath.Join(MetaDir(projectDir), c.Pipeline)
}
