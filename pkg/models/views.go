package models

import "time"

// User is a person resolved by the directory.
type User struct {
	ID             string   `json:"id" db:"id" yaml:"id"`
	Name           string   `json:"name,omitempty" db:"name" yaml:"name"`
	Email          string   `json:"email,omitempty" db:"email" yaml:"email"`
	OrganizationID string   `json:"organization_id,omitempty" db:"organization_id" yaml:"organization_id"`
	Roles          []string `json:"roles,omitempty" db:"-" yaml:"roles"`
}

// Scope narrows an eligibility lookup to the entity being approved.
type Scope struct {
	EntityType     string
	EntityID       string
	OrganizationID string
}

type NoticeKind string

const (
	ApprovalRequestNotice  NoticeKind = "approval_request"
	EscalationNotice       NoticeKind = "escalation"
	ChangesRequestedNotice NoticeKind = "changes_requested"
	DecisionNotice         NoticeKind = "decision"
)

// Notice is what the notification channel delivers to a single user.
type Notice struct {
	Kind         NoticeKind `json:"kind"`
	InstanceID   string     `json:"instance_id"`
	DefinitionID string     `json:"definition_id"`
	StepID       string     `json:"step_id,omitempty"`
	StepName     string     `json:"step_name,omitempty"`
	EntityID     string     `json:"entity_id"`
	EntityType   string     `json:"entity_type"`
	Message      string     `json:"message,omitempty"`
	TimeoutAt    *time.Time `json:"timeout_at,omitempty"`
}

// StepView summarizes the current step of an instance.
type StepView struct {
	Index int       `json:"index"`
	ID    string    `json:"id"`
	Name  string    `json:"name"`
	Type  StepType  `json:"type"`
	State StepState `json:"state,omitempty"`
}

// StatusView is the read-only projection returned by GetStatus.
type StatusView struct {
	InstanceID   string         `json:"instance_id"`
	DefinitionID string         `json:"definition_id"`
	EntityID     string         `json:"entity_id"`
	EntityType   string         `json:"entity_type"`
	Status       InstanceStatus `json:"status"`
	CurrentStep  *StepView      `json:"current_step,omitempty"`
	Progress     float64        `json:"progress"` // Percentage of steps passed
	Approvals    []Approval     `json:"approvals"`
	ErrorMessage string         `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	TimeoutAt    *time.Time     `json:"timeout_at,omitempty"`
}

// PendingApproval is one step waiting on a particular user.
type PendingApproval struct {
	InstanceID   string     `json:"instance_id"`
	DefinitionID string     `json:"definition_id"`
	StepID       string     `json:"step_id"`
	StepName     string     `json:"step_name"`
	EntityID     string     `json:"entity_id"`
	EntityType   string     `json:"entity_type"`
	TimeoutAt    *time.Time `json:"timeout_at,omitempty"`
	Escalated    bool       `json:"escalated"`
}
