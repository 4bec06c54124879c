package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/wiggum-dev/wiggum/internal/agent"
	"github.com/wiggum-dev/wiggum/internal/board"
	"github.com/wiggum-dev/wiggum/internal/config"
	"github.com/wiggum-dev/wiggum/internal/events"
	"github.com/wiggum-dev/wiggum/internal/git"
	"github.com/wiggum-dev/wiggum/internal/util"
)

// project bundles everything a command needs for one project directory.
type project struct {
	dir    string
	cfg    *config.Config
	logger *slog.Logger
}

// openProject resolves the working directory and loads configuration.
func openProject(explicitDir string) (*project, error) {
	dir := explicitDir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, configErr(fmt.Errorf("resolve working directory: %w", err))
		}
		dir = wd
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return nil, configErr(err)
	}
	return &project{dir: dir, cfg: cfg, logger: newLogger()}, nil
}

// requireInit fails unless wiggum init has been run here.
func (p *project) requireInit() error {
	if !util.FileExists(config.BoardPath(p.dir)) {
		return configErr(fmt.Errorf("no board at %s; run `wiggum init` first", config.BoardPath(p.dir)))
	}
	return nil
}

func (p *project) openBoard() (*board.Board, error) {
	if err := p.requireInit(); err != nil {
		return nil, err
	}
	brd, err := board.Load(config.BoardPath(p.dir), config.BoardLockPath(p.dir))
	if err != nil {
		return nil, configErr(err)
	}
	return brd, nil
}

func (p *project) openRepo() (*git.Repo, error) {
	repo, err := git.Open(p.dir)
	if err != nil {
		return nil, configErr(fmt.Errorf("project is not a git repository: %w", err))
	}
	return repo, nil
}

func (p *project) activityLog() *events.ActivityLog {
	return events.NewActivityLog(config.ActivityLogPath(p.dir), p.logger)
}

// buildRegistry wires the configured agent commands. Every invocation is a
// subprocess bounded by the step timeout.
func (p *project) buildRegistry() (*agent.Registry, error) {
	reg := agent.NewRegistry()
	for name, argv := range p.cfg.Agents {
		inv, err := agent.NewSubprocessInvoker(argv, p.cfg.Worker.StepTimeout)
		if err != nil {
			return nil, configErr(fmt.Errorf("agent %q: %w", name, err))
		}
		reg.Register(name, inv)
	}
	return reg, nil
}
