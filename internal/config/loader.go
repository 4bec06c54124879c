package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Environment variables that affect scheduling.
const (
	EnvMaxWorkers        = "WIGGUM_MAX_WORKERS"
	EnvAgingFactor       = "WIGGUM_AGING_FACTOR"
	EnvSiblingWIPPenalty = "WIGGUM_SIBLING_WIP_PENALTY"
	EnvPlanBonus         = "WIGGUM_PLAN_BONUS"
	EnvDepBonusPerTask   = "WIGGUM_DEP_BONUS_PER_TASK"
)

// Load builds the effective configuration for a project:
//  1. built-in defaults
//  2. project config (.ralph/config.yaml), if present
//  3. WIGGUM_* environment variables
//
// A malformed project file is a configuration error and fatal; a malformed
// environment variable is logged and ignored.
func Load(projectDir string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(MetaDir(projectDir), ConfigFileName)
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides scheduler knobs from WIGGUM_* environment variables,
// resolved through viper.
func applyEnv(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix("WIGGUM")

	knobs := map[string]*int{
		"max_workers":         &cfg.Scheduler.MaxWorkers,
		"aging_factor":        &cfg.Scheduler.AgingFactor,
		"sibling_wip_penalty": &cfg.Scheduler.SiblingWIPPenalty,
		"plan_bonus":          &cfg.Scheduler.PlanBonus,
		"dep_bonus_per_task":  &cfg.Scheduler.DepBonusPerTask,
	}
	for key, dst := range knobs {
		_ = v.BindEnv(key)
		if !v.IsSet(key) {
			continue
		}
		raw := v.GetString(key)
		n, err := strconv.Atoi(raw)
		if err != nil {
			slog.Warn("ignoring invalid environment override",
				"var", "WIGGUM_"+strings.ToUpper(key), "value", raw)
			continue
		}
		*dst = n
	}
}

// validate rejects configurations the scheduler cannot run with.
func (c *Config) validate() error {
	if c.Scheduler.MaxWorkers < 1 {
		return fmt.Errorf("scheduler.max_workers must be >= 1, got %d", c.Scheduler.MaxWorkers)
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be positive")
	}
	if c.Worker.MonitorInterval <= 0 {
		return fmt.Errorf("worker.monitor_interval must be positive")
	}
	if c.Git.BaseBranch == "" {
		return fmt.Errorf("git.base_branch must not be empty")
	}
	return nil
}
