package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type InstanceStatus string

const (
	RunningInstanceStatus   InstanceStatus = "running"
	CompletedInstanceStatus InstanceStatus = "completed"
	CancelledInstanceStatus InstanceStatus = "cancelled"
	ErrorInstanceStatus     InstanceStatus = "error"
)

// IsTerminal reports whether the status forbids further mutation.
func (s InstanceStatus) IsTerminal() bool {
	return s == CompletedInstanceStatus || s == CancelledInstanceStatus || s == ErrorInstanceStatus
}

type StepState string

const (
	AwaitingApprovalStepState   StepState = "awaiting_approval"
	EscalatedStepState          StepState = "escalated"
	ChangesRequestedStepState   StepState = "changes_requested"
	ManualInterventionStepState StepState = "manual_intervention"
	AutomatedStepState          StepState = "automated"
)

// Context is the business data an instance was started with. It is stored as JSONB.
type Context map[string]interface{}

// WorkflowInstance is one execution of a definition against a business entity.
type WorkflowInstance struct {
	ID               string         `json:"id" db:"id"`                                 // UUID
	DefinitionID     string         `json:"definition_id" db:"definition_id"`           // Registry key
	EntityID         string         `json:"entity_id" db:"entity_id"`                   // e.g. visit or contract id
	EntityType       string         `json:"entity_type" db:"entity_type"`               // e.g. "schedule", "contract", "partner"
	InitiatorID      string         `json:"initiator_id" db:"initiator_id"`             // User who started the workflow
	Status           InstanceStatus `json:"status" db:"status"`                         // running, completed, cancelled, error
	CurrentStepIndex int            `json:"current_step_index" db:"current_step_index"` // Index into definition steps
	CurrentStepID    string         `json:"current_step_id" db:"current_step_id"`       // Denormalized for queries
	StepState        StepState      `json:"step_state,omitempty" db:"step_state"`
	EscalationLevel  int            `json:"escalation_level" db:"escalation_level"`
	Context          Context        `json:"context,omitempty" db:"context"`
	ErrorMessage     string         `json:"error,omitempty" db:"error_msg"`
	Version          int64          `json:"version" db:"version"` // Optimistic concurrency token
	StepStartedAt    time.Time      `json:"step_started_at" db:"step_started_at"`
	TimeoutAt        *time.Time     `json:"timeout_at,omitempty" db:"timeout_at"`
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at" db:"updated_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
	Approvals        []Approval     `json:"approvals,omitempty" db:"-"` // Populated from workflow_approvals
	History          []AuditEvent   `json:"history,omitempty" db:"-"`   // Populated from workflow_audit_events
}

// Escalated reports whether the current step has been escalated at least once.
func (w WorkflowInstance) Escalated() bool {
	return w.EscalationLevel > 0
}

// Clone returns a deep copy so cached values never alias engine-owned state.
func (w WorkflowInstance) Clone() WorkflowInstance {
	c := w
	c.Context = w.Context.Clone()
	if w.TimeoutAt != nil {
		t := *w.TimeoutAt
		c.TimeoutAt = &t
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		c.CompletedAt = &t
	}
	if w.Approvals != nil {
		c.Approvals = make([]Approval, len(w.Approvals))
		for i, a := range w.Approvals {
			c.Approvals[i] = a.Clone()
		}
	}
	if w.History != nil {
		c.History = make([]AuditEvent, len(w.History))
		for i, e := range w.History {
			c.History[i] = e
			c.History[i].Data = e.Data.Clone()
		}
	}
	return c
}

// Value implements driver.Valuer so a Context can be written to a JSONB column.
func (c Context) Value() (driver.Value, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c)
}

// Scan implements sql.Scanner for JSONB columns.
func (c *Context) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*c = Context{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into Context", src)
	}
	out := Context{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*c = out
	return nil
}

// Clone deep-copies the context through a JSON round trip, which is also the
// form it takes in every store.
func (c Context) Clone() Context {
	if c == nil {
		return nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		out := make(Context, len(c))
		for k, v := range c {
			out[k] = v
		}
		return out
	}
	var out Context
	_ = json.Unmarshal(raw, &out)
	return out
}

// Approval is one recorded user action against a step.
type Approval struct {
	ID          string    `json:"id" db:"id"`
	InstanceID  string    `json:"instance_id" db:"instance_id"`
	StepID      string    `json:"step_id" db:"step_id"`
	StepIndex   int       `json:"step_index" db:"step_index"`
	UserID      string    `json:"user_id" db:"user_id"`
	Action      string    `json:"action" db:"action"` // approved, rejected or a custom outcome
	Comments    string    `json:"comments,omitempty" db:"comments"`
	Attachments []string  `json:"attachments,omitempty" db:"attachments"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

func (a Approval) Clone() Approval {
	c := a
	if a.Attachments != nil {
		c.Attachments = append([]string{}, a.Attachments...)
	}
	return c
}
