// Package events provides the activity log and event publishing
// infrastructure for wiggum. Scheduler, worker lifecycle, and pipeline
// runner all report phase-level events through a Publisher; the canonical
// sink is the newline-delimited JSON activity log under .ralph/logs/.
package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies an activity log event.
type EventType string

const (
	// Pipeline step events.
	EventStepStarted    EventType = "step.started"
	EventStepCompleted  EventType = "step.completed"
	EventStepSkipped    EventType = "step.skipped"
	EventStepFailedSoft EventType = "step.failed_soft"
	EventStepRetrying   EventType = "step.retrying"

	// Pipeline terminal events.
	EventPipelineHalted        EventType = "pipeline.halted"
	EventPipelineHaltedByAgent EventType = "pipeline.halted_by_agent"
	EventPipelineCompleted     EventType = "pipeline.completed"

	// Worker lifecycle events.
	EventWorkerSpawned   EventType = "worker.spawned"
	EventWorkerReaped    EventType = "worker.reaped"
	EventWorkerAdopted   EventType = "worker.adopted"
	EventWorkerViolation EventType = "worker.violation"

	// Scheduler events.
	EventTaskSkipped    EventType = "task.skipped"
	EventCycleDetected  EventType = "task.cycle_detected"
	EventBoardUpdated   EventType = "board.updated"
	EventRunTerminated  EventType = "run.terminated"
)

// Record is one activity log entry.
type Record struct {
	ID     string         `json:"id"`
	TS     time.Time      `json:"ts"`
	Event  EventType      `json:"event"`
	TaskID string         `json:"task_id,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// New creates a record with a fresh ID and the current timestamp.
func New(event EventType, taskID string, fields map[string]any) Record {
	return Record{
		ID:     uuid.NewString(),
		TS:     time.Now().UTC(),
		Event:  event,
		TaskID: taskID,
		Fields: fields,
	}
}
