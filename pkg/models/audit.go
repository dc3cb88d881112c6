package models

import "time"

// Audit event types written by the engine.
const (
	WorkflowStartedEvent    = "workflow_started"
	WorkflowCompletedEvent  = "workflow_completed"
	WorkflowCancelledEvent  = "workflow_cancelled"
	WorkflowErrorEvent      = "workflow_error"
	StepStartedEvent        = "step_started"
	StepSkippedEvent        = "step_skipped"
	StepCompletedEvent      = "step_completed"
	StepEscalatedEvent      = "step_escalated"
	StepTimeoutEvent        = "step_timeout"
	StepAutoApprovedEvent   = "step_auto_approved"
	ManualInterventionEvent = "step_manual_intervention"
	ChangesRequestedEvent   = "step_changes_requested"
	TimeoutScheduledEvent   = "timeout_scheduled"
)

// StepActionEvent returns the audit type for a user action, e.g. "step_approved".
func StepActionEvent(action string) string {
	return "step_" + action
}

// AuditEvent is an append-only record of something that happened to an instance.
type AuditEvent struct {
	ID         int64     `json:"id" db:"id"`                   // Auto-incremented
	WorkflowID string    `json:"workflow_id" db:"workflow_id"` // Instance id
	EventType  string    `json:"event_type" db:"event_type"`
	Data       Context   `json:"data,omitempty" db:"event_data"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
