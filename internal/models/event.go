package models

import "encoding/json"

// EventType names the three kinds of message the Orchestrator consumes
// from orchestration_queue.
type EventType string

const (
	EventStartWorkflow EventType = "START_WORKFLOW"
	EventStepComplete  EventType = "STEP_COMPLETE"
	EventStepFailed    EventType = "STEP_FAILED"
)

// Event is the payload of an orchestration_queue message.
type Event struct {
	Type       EventType       `json:"type"`
	InstanceID string          `json:"instance_id"`
	VersionID  string          `json:"version_id,omitempty"`
	StepName   string          `json:"step_name,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	RequestID  string          `json:"request_id,omitempty"`
}

// ActionStatus is the outcome a handler reports for one action invocation.
type ActionStatus string

const (
	ActionStatusSuccess ActionStatus = "SUCCESS"
	ActionStatusFailure ActionStatus = "FAILURE"
)

// ActionMessage is the payload of an actions_queue message, dispatched by
// the Orchestrator and consumed by the Action Worker.
type ActionMessage struct {
	InstanceID   string                 `json:"instance_id"`
	StepName     string                 `json:"step_name"`
	ActionID     string                 `json:"action_id"`
	Config       map[string]interface{} `json:"config,omitempty"`
	ConnectionID *string                `json:"connection_id,omitempty"`
	Attempt      int                    `json:"attempt"`
	RequestID    string                 `json:"request_id,omitempty"`
}

// ActionResult is what a handler produces; the Worker turns it into a
// STEP_COMPLETE or STEP_FAILED Event written back to the outbox.
type ActionResult struct {
	Status       ActionStatus           `json:"status"`
	Output       map[string]interface{} `json:"output,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}
