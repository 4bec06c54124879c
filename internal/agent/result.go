// Package agent defines the orchestrator's only dependency on agent
// implementations: a typed invocation interface and the gate-result file
// contract. Agents are black boxes; each invocation is one OS process that
// writes results/<step>-<epoch>.json in the worker directory and exits.
package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// GateResult is the typed outcome of one step.
type GateResult string

const (
	GatePass GateResult = "PASS"
	GateFail GateResult = "FAIL"
	GateFix  GateResult = "FIX"
	GateSkip GateResult = "SKIP"
	GateStop GateResult = "STOP"
)

// Valid reports whether g is one of the five defined gate values.
func (g GateResult) Valid() bool {
	switch g {
	case GatePass, GateFail, GateFix, GateSkip, GateStop:
		return true
	}
	return false
}

// Result is the structured output of one agent invocation.
type Result struct {
	GateResult GateResult      `json:"gate_result"`
	Outputs    json.RawMessage `json:"outputs,omitempty"`
	Errors     []string        `json:"errors,omitempty"`
}

// ResultFileName returns the result file name for a step attempt.
func ResultFileName(stepID string, epoch int64) string {
	return fmt.Sprintf("%s-%d.json", stepID, epoch)
}

// ResultPath returns the full result file path inside a worker directory.
func ResultPath(workerDir, stepID string, epoch int64) string {
	return filepath.Join(workerDir, "results", ResultFileName(stepID, epoch))
}

// ReadResult loads and validates an agent result file. A missing, empty, or
// malformed file is reported as an error; the pipeline runner synthesizes a
// FAIL in that case.
func ReadResult(path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read result: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("result file %s is empty", filepath.Base(path))
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("parse result %s: %w", filepath.Base(path), err)
	}
	if !res.GateResult.Valid() {
		return nil, fmt.Errorf("result %s: unknown gate_result %q", filepath.Base(path), res.GateResult)
	}
	return &res, nil
}

// MissingOutput is the synthesized failure for an agent that exited without
// producing its result file.
func MissingOutput() *Result {
	return &Result{
		GateResult: GateFail,
		Errors:     []string{"missing output"},
	}
}
