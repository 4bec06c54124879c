package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Invocation carries everything an agent needs for one step execution.
type Invocation struct {
	// WorkerDir is the worker's private directory; the agent writes its
	// result file under WorkerDir/results/.
	WorkerDir string
	// WorkspaceDir is the git worktree the agent may modify.
	WorkspaceDir string
	// ProjectDir is the main project checkout. Read-only to agents.
	ProjectDir string

	TaskID   string
	StepID   string
	ReadOnly bool
	Epoch    int64

	// LogDir receives the agent's raw stdout/stderr. Never read back.
	LogDir string
}

// Invoker runs one agent invocation. The agent communicates its outcome
// through the result file, not the return value; a non-nil error means the
// process could not run or exited abnormally.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) error
}

// Registry maps agent-type strings to invokers. Referencing an unknown
// type in a pipeline is a configuration error, never a silent pass.
type Registry struct {
	mu       sync.RWMutex
	invokers map[string]Invoker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{invokers: make(map[string]Invoker)}
}

// Register binds an agent type to an invoker, replacing any previous
// binding for the same type.
func (r *Registry) Register(agentType string, inv Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invokers[agentType] = inv
}

// Get resolves an agent type.
func (r *Registry) Get(agentType string) (Invoker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.invokers[agentType]
	if !ok {
		return nil, fmt.Errorf("unknown agent type %q (registered: %v)", agentType, r.typesLocked())
	}
	return inv, nil
}

// Types returns the registered agent types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.typesLocked()
}

func (r *Registry) typesLocked() []string {
	types := make([]string, 0, len(r.invokers))
	for t := range r.invokers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
