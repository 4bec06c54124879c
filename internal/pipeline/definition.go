// Package pipeline loads pipeline definitions and drives them against a
// single worker's directory. Steps execute in file order; each step is one
// agent invocation classified by its gate result.
package pipeline

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/wiggum-dev/wiggum/internal/agent"
)

// RetryPolicy controls re-running a step after a FIX gate.
type RetryPolicy struct {
	// On is the gate value that triggers a retry. Only FIX is meaningful.
	On agent.GateResult `json:"on"`
	// Max is the retry budget for this step.
	Max int `json:"max"`
	// FixAgent is invoked before each re-run to repair the workspace.
	FixAgent string `json:"fix_agent,omitempty"`
}

// Step is one pipeline step descriptor.
type Step struct {
	ID        string          `json:"id"`
	Agent     string          `json:"agent"`
	ReadOnly  bool            `json:"readonly,omitempty"`
	Blocking  bool            `json:"blocking"`
	EnabledBy string          `json:"enabled_by,omitempty"`
	DependsOn string          `json:"depends_on,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
	Retry     *RetryPolicy    `json:"retry,omitempty"`
}

// UnmarshalJSON applies the blocking=true default.
func (s *Step) UnmarshalJSON(data []byte) error {
	type alias Step
	tmp := alias{Blocking: true}
	if err := json.Unmarshal(data, &tmp); err != nil {
		return err
	}
	*s = Step(tmp)
	return nil
}

// Pipeline is an ordered list of steps with an optional shared config
// object that per-step configs override key by key.
type Pipeline struct {
	Name   string          `json:"name"`
	Config json.RawMessage `json:"config,omitempty"`
	Steps  []Step          `json:"steps"`
}

// Load reads and validates a pipeline file.
func Load(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates pipeline JSON.
func Parse(data []byte) (*Pipeline, error) {
	var p Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse pipeline: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Pipeline) validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("pipeline %q has no steps", p.Name)
	}
	seen := make(map[string]int, len(p.Steps))
	for i, s := range p.Steps {
		if s.ID == "" {
			return fmt.Errorf("pipeline %q: step %d has no id", p.Name, i)
		}
		if s.Agent == "" {
			return fmt.Errorf("pipeline %q: step %q has no agent", p.Name, s.ID)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("pipeline %q: duplicate step id %q", p.Name, s.ID)
		}
		if s.DependsOn != "" {
			prior, ok := seen[s.DependsOn]
			if !ok || prior >= i {
				return fmt.Errorf("pipeline %q: step %q depends_on %q which is not a prior step", p.Name, s.ID, s.DependsOn)
			}
		}
		if s.Retry != nil && s.Retry.Max < 0 {
			return fmt.Errorf("pipeline %q: step %q has negative retry budget", p.Name, s.ID)
		}
		seen[s.ID] = i
	}
	return nil
}

// StepIndex returns the position of a step id, or -1.
func (p *Pipeline) StepIndex(id string) int {
	for i, s := range p.Steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// EffectiveConfig merges the pipeline-level config object with a step's
// config, the step winning key by key. Unknown keys pass through verbatim
// in both directions; agents own their config schemas.
func (p *Pipeline) EffectiveConfig(s *Step) (json.RawMessage, error) {
	return mergeConfig(p.Config, s.Config)
}

func mergeConfig(base, override json.RawMessage) (json.RawMessage, error) {
	if len(base) == 0 {
		if len(override) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return override, nil
	}
	if len(override) == 0 {
		return base, nil
	}

	var bm, om map[string]json.RawMessage
	if err := json.Unmarshal(base, &bm); err != nil {
		return nil, fmt.Errorf("parse pipeline config: %w", err)
	}
	if err := json.Unmarshal(override, &om); err != nil {
		return nil, fmt.Errorf("parse step config: %w", err)
	}
	for k, v := range om {
		bm[k] = v
	}
	merged, err := json.Marshal(bm)
	if err != nil {
		return nil, fmt.Errorf("merge config: %w", err)
	}
	return merged, nil
}

// Default returns the built-in pipeline used when the project does not
// provide one: plan, implement, test, review, finalize.
func Default() *Pipeline {
	return &Pipeline{
		Name: "default",
		Steps: []Step{
			{ID: "plan", Agent: "planner", ReadOnly: true, Blocking: true},
			{ID: "implement", Agent: "coder", Blocking: true,
				Retry: &RetryPolicy{On: agent.GateFix, Max: 2, FixAgent: "fixer"}},
			{ID: "test", Agent: "tester", Blocking: true,
				Retry: &RetryPolicy{On: agent.GateFix, Max: 2, FixAgent: "fixer"}},
			{ID: "review", Agent: "reviewer", ReadOnly: true, Blocking: false},
			{ID: "finalize", Agent: "finalizer", ReadOnly: true, Blocking: true},
		},
	}
}
