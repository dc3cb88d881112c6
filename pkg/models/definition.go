package models

type StepType string

const (
	ApprovalStepType             StepType = "approval"
	ReviewStepType               StepType = "review"
	VerificationStepType         StepType = "verification"
	AutomatedStepType            StepType = "automated"
	ExternalVerificationStepType StepType = "external_verification"
)

// IsHuman reports whether steps of this type wait for user actions.
func (t StepType) IsHuman() bool {
	switch t {
	case ApprovalStepType, ReviewStepType, VerificationStepType:
		return true
	}
	return false
}

// Outcome keywords looked up in a step's action table.
const (
	OutcomeApproved       = "approved"
	OutcomeRejected       = "rejected"
	OutcomeTimeout        = "timeout"
	OutcomeSuccess        = "success"
	OutcomeError          = "error"
	OutcomeRequestChanges = "request_changes"
)

// NextAction is a keyword the engine knows how to execute.
type NextAction string

const (
	NextStepAction           NextAction = "next_step"
	CompleteWorkflowAction   NextAction = "complete_workflow"
	EndWorkflowAction        NextAction = "end_workflow"
	CancelWorkflowAction     NextAction = "cancel_workflow"
	EscalateAction           NextAction = "escalate"
	AutoApproveAction        NextAction = "auto_approve"
	ManualInterventionAction NextAction = "manual_intervention"
	RequestChangesAction     NextAction = "request_changes"
)

// defaultActions is consulted when a step's action table has no entry for an outcome.
var defaultActions = map[string]NextAction{
	OutcomeApproved:       NextStepAction,
	OutcomeRejected:       EndWorkflowAction,
	OutcomeTimeout:        EscalateAction,
	OutcomeSuccess:        NextStepAction,
	OutcomeError:          ManualInterventionAction,
	OutcomeRequestChanges: RequestChangesAction,
}

// IsSystemOutcome reports whether outcome is produced only by the engine
// (deadlines and automated steps) and never accepted from a user.
func IsSystemOutcome(outcome string) bool {
	switch outcome {
	case OutcomeTimeout, OutcomeSuccess, OutcomeError:
		return true
	}
	return false
}

// Condition is a single predicate over the instance context.
// Field is a gjson path, e.g. "contract.amount" or "partner.tags.#".
type Condition struct {
	Field    string      `json:"field" yaml:"field"`
	Operator string      `json:"operator" yaml:"operator"`
	Value    interface{} `json:"value,omitempty" yaml:"value,omitempty"`
}

// StepDefinition describes one stage of a workflow definition.
type StepDefinition struct {
	ID                string            `json:"id" yaml:"id"`
	Name              string            `json:"name" yaml:"name"`
	Type              StepType          `json:"type" yaml:"type"`
	Roles             []string          `json:"roles,omitempty" yaml:"roles,omitempty"`
	RequiredApprovals int               `json:"required_approvals,omitempty" yaml:"required_approvals,omitempty"`
	TimeoutHours      int               `json:"timeout_hours,omitempty" yaml:"timeout_hours,omitempty"`
	EscalationRoles   []string          `json:"escalation_roles,omitempty" yaml:"escalation_roles,omitempty"`
	Conditions        []Condition       `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Actions           map[string]string `json:"actions,omitempty" yaml:"actions,omitempty"`
}

// Threshold returns the number of distinct approvals needed to complete the step.
func (s StepDefinition) Threshold() int {
	if s.RequiredApprovals < 1 {
		return 1
	}
	return s.RequiredApprovals
}

// ActionFor resolves the next action for an outcome. The boolean is false when
// neither the action table nor the defaults know the outcome.
func (s StepDefinition) ActionFor(outcome string) (NextAction, bool) {
	if a, ok := s.Actions[outcome]; ok && a != "" {
		return NextAction(a), true
	}
	a, ok := defaultActions[outcome]
	return a, ok
}

// HasRole reports whether role may act on the step, optionally including escalation roles.
func (s StepDefinition) HasRole(role string, escalated bool) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	if escalated {
		for _, r := range s.EscalationRoles {
			if r == role {
				return true
			}
		}
	}
	return false
}

// ActingRoles returns the roles allowed to act on the step.
func (s StepDefinition) ActingRoles(escalated bool) []string {
	roles := append([]string{}, s.Roles...)
	if escalated {
		for _, r := range s.EscalationRoles {
			if !s.HasRole(r, false) {
				roles = append(roles, r)
			}
		}
	}
	return roles
}

// WorkflowDefinition is an immutable template for one business process.
type WorkflowDefinition struct {
	ID           string           `json:"id" yaml:"id"`
	Name         string           `json:"name" yaml:"name"`
	TriggerEvent string           `json:"trigger_event,omitempty" yaml:"trigger_event,omitempty"`
	Steps        []StepDefinition `json:"steps" yaml:"steps"`
	OnComplete   string           `json:"on_complete,omitempty" yaml:"on_complete,omitempty"`
	OnReject     string           `json:"on_reject,omitempty" yaml:"on_reject,omitempty"`
}

// Step returns the step at index, or false when the index is out of range.
func (d WorkflowDefinition) Step(index int) (StepDefinition, bool) {
	if index < 0 || index >= len(d.Steps) {
		return StepDefinition{}, false
	}
	return d.Steps[index], true
}
