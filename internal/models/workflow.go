// Package models defines the durable-execution data model: workflows,
// versions, instances, step executions, outbox intents and connections.
package models

import (
	"encoding/json"
	"time"
)

// Workflow is a named container for versions of a definition.
type Workflow struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Version is an immutable snapshot of a workflow definition.
type Version struct {
	ID         string          `db:"id" json:"id"`
	WorkflowID string          `db:"workflow_id" json:"workflow_id"`
	Definition json.RawMessage `db:"definition" json:"definition"`
	Active     bool            `db:"active" json:"active"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

// ParseDefinition decodes the version's stored definition JSON.
func (v *Version) ParseDefinition() (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(v.Definition, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// InstanceStatus is the lifecycle state of an Instance.
type InstanceStatus string

const (
	InstanceStatusPending   InstanceStatus = "pending"
	InstanceStatusRunning   InstanceStatus = "running"
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusFailed    InstanceStatus = "failed"
	InstanceStatusCancelled InstanceStatus = "cancelled"
)

// IsTerminal reports whether the status absorbs all further events.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceStatusCompleted, InstanceStatusFailed, InstanceStatusCancelled:
		return true
	default:
		return false
	}
}

// Instance is one execution of a Version.
type Instance struct {
	ID                  string          `db:"id" json:"id"`
	VersionID           string          `db:"version_id" json:"version_id"`
	Status              InstanceStatus  `db:"status" json:"status"`
	CurrentStep         *string         `db:"current_step" json:"current_step,omitempty"`
	CurrentStepAttempts int             `db:"current_step_attempts" json:"current_step_attempts"`
	Data                json.RawMessage `db:"data" json:"data"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at" json:"updated_at"`
}

// StepExecutionStatus is the lifecycle state of a StepExecution.
type StepExecutionStatus string

const (
	StepStatusPending   StepExecutionStatus = "pending"
	StepStatusRunning   StepExecutionStatus = "running"
	StepStatusCompleted StepExecutionStatus = "completed"
	StepStatusFailed    StepExecutionStatus = "failed"
)

// StepExecution is one attempt at one step for one instance.
type StepExecution struct {
	ID          string              `db:"id" json:"id"`
	InstanceID  string              `db:"instance_id" json:"instance_id"`
	StepName    string              `db:"step_name" json:"step_name"`
	Status      StepExecutionStatus `db:"status" json:"status"`
	Attempt     int                 `db:"attempt" json:"attempt"`
	Input       json.RawMessage     `db:"input" json:"input,omitempty"`
	Output      json.RawMessage     `db:"output" json:"output,omitempty"`
	Error       *string             `db:"error" json:"error,omitempty"`
	StartedAt   time.Time           `db:"started_at" json:"started_at"`
	CompletedAt *time.Time          `db:"completed_at" json:"completed_at,omitempty"`
}

// OutboxMessage is a durable intent awaiting relay to the broker.
type OutboxMessage struct {
	ID          string          `db:"id" json:"id"`
	Destination string          `db:"destination" json:"destination"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	PublishAt   time.Time       `db:"publish_at" json:"publish_at"`
	ProcessedAt *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	RequestID   *string         `db:"request_id" json:"request_id,omitempty"`
}

// Connection is a named credential bundle referenced by steps via connection_id.
type Connection struct {
	ID          string          `db:"id" json:"id"`
	ConnectorID string          `db:"connector_id" json:"connector_id"`
	Name        string          `db:"name" json:"name"`
	Config      json.RawMessage `db:"config" json:"config"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}

// Destinations for outbox rows, routed by the Relay to broker queues.
const (
	DestinationOrchestration = "orchestration_queue"
	DestinationActions       = "actions_queue"
)
