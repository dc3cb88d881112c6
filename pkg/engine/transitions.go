package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mikedrai/gep-partner-system-sub001/pkg/models"
)

type transitionFunc func(ctx context.Context, u *unit, step models.StepDefinition, outcome string) error

func (e *Engine) newTransitions() map[models.NextAction]transitionFunc {
	return map[models.NextAction]transitionFunc{
		models.NextStepAction:           e.nextStep,
		models.CompleteWorkflowAction:   e.completeWorkflow,
		models.EndWorkflowAction:        e.endWorkflow,
		models.CancelWorkflowAction:     e.endWorkflow,
		models.EscalateAction:           e.escalate,
		models.AutoApproveAction:        e.autoApprove,
		models.ManualInterventionAction: e.manualIntervention,
		models.RequestChangesAction:     e.requestChanges,
	}
}

// resolveOutcome looks the outcome up in the step's action table and
// dispatches it. Outcomes nobody mapped are recorded only.
func (e *Engine) resolveOutcome(ctx context.Context, u *unit, step models.StepDefinition, outcome string) error {
	next, ok := step.ActionFor(outcome)
	if !ok {
		e.logger.Debugf("Outcome '%s' has no transition on step '%s' of instance %s", outcome, step.ID, u.inst.ID)
		return nil
	}
	return e.dispatch(ctx, u, step, next, outcome)
}

func (e *Engine) dispatch(ctx context.Context, u *unit, step models.StepDefinition, next models.NextAction, outcome string) error {
	u.depth++
	if u.depth > maxDispatchDepth {
		e.fail(u, step, fmt.Errorf("transition chain exceeded %d dispatches", maxDispatchDepth))
		return nil
	}
	transition, ok := e.transitions[next]
	if !ok {
		e.logger.Warnf("Unrecognized next action '%s' for outcome '%s' on step '%s' of instance %s, using next_step", next, outcome, step.ID, u.inst.ID)
		next, transition = models.NextStepAction, e.nextStep
	}
	defID, label := u.def.ID, string(next)
	u.after(func(context.Context) { e.metrics.RecordTransition(defID, label) })
	e.logger.Debugf("Instance %s step '%s': %s -> %s", u.inst.ID, step.ID, outcome, next)
	return transition(ctx, u, step, outcome)
}

func (e *Engine) completeStep(u *unit, step models.StepDefinition, outcome string) {
	u.cancelTimer(step.ID)
	u.audit(models.StepCompletedEvent, models.Context{
		"step_id":    step.ID,
		"step_index": u.inst.CurrentStepIndex,
		"outcome":    outcome,
	})
}

func (e *Engine) nextStep(ctx context.Context, u *unit, step models.StepDefinition, outcome string) error {
	e.completeStep(u, step, outcome)
	return e.advance(ctx, u)
}

func (e *Engine) completeWorkflow(_ context.Context, u *unit, step models.StepDefinition, outcome string) error {
	e.completeStep(u, step, outcome)
	e.finish(u, models.CompletedInstanceStatus, models.Context{"step_id": step.ID}, u.def.OnComplete)
	return nil
}

func (e *Engine) endWorkflow(_ context.Context, u *unit, step models.StepDefinition, outcome string) error {
	e.completeStep(u, step, outcome)
	e.finish(u, models.CancelledInstanceStatus, models.Context{"step_id": step.ID, "reason": outcome}, u.def.OnReject)
	return nil
}

// finish moves the instance to a terminal status and queues the hook, if any.
func (e *Engine) finish(u *unit, status models.InstanceStatus, data models.Context, hook string) {
	now := u.now
	u.inst.Status = status
	u.inst.CompletedAt = &now
	u.inst.StepState = ""
	u.inst.TimeoutAt = nil

	eventType := models.WorkflowCompletedEvent
	if status == models.CancelledInstanceStatus {
		eventType = models.WorkflowCancelledEvent
	}
	u.audit(eventType, data)
	e.logger.Infof("Instance %s of '%s' finished with status %s", u.inst.ID, u.def.ID, status)

	defID := u.def.ID
	u.after(func(ctx context.Context) {
		e.metrics.RecordFinished(defID, string(status))
		if hook != "" {
			e.fireHook(ctx, hook, u.inst.Clone())
		}
	})
}

// escalate keeps the step current, widens who may act on it and notifies the
// escalation roles.
func (e *Engine) escalate(ctx context.Context, u *unit, step models.StepDefinition, reason string) error {
	u.inst.EscalationLevel++
	u.inst.StepState = models.EscalatedStepState
	roles := e.escalationRolesFor(step)
	u.audit(models.StepEscalatedEvent, models.Context{
		"step_id": step.ID,
		"reason":  reason,
		"level":   u.inst.EscalationLevel,
		"roles":   roles,
	})
	if len(roles) == 0 {
		e.logger.Warnf("Step '%s' of instance %s escalated (%s) but no escalation roles are configured", step.ID, u.inst.ID, reason)
		return nil
	}
	users, err := e.directory.FindEligible(ctx, roles, scopeOf(u.inst))
	if err != nil {
		e.logger.Warnf("Escalation lookup for step '%s' of instance %s failed: %v", step.ID, u.inst.ID, err)
		return nil
	}
	if len(users) == 0 {
		e.logger.Warnf("No users hold escalation roles %v for instance %s", roles, u.inst.ID)
		return nil
	}
	notice := newNotice(u, step, models.EscalationNotice, fmt.Sprintf("%s was escalated (%s)", step.Name, reason))
	for _, user := range users {
		e.notifyLater(u, user, notice)
	}
	e.logger.Infof("Escalated step '%s' of instance %s to %d user(s) (%s)", step.ID, u.inst.ID, len(users), reason)
	return nil
}

// autoApprove records a system approval and re-enters the approved transition.
func (e *Engine) autoApprove(ctx context.Context, u *unit, step models.StepDefinition, outcome string) error {
	u.approve(models.Approval{
		ID:         uuid.NewString(),
		InstanceID: u.inst.ID,
		StepID:     step.ID,
		StepIndex:  u.inst.CurrentStepIndex,
		UserID:     SystemUserID,
		Action:     models.OutcomeApproved,
		Comments:   "auto-approved on " + outcome,
		CreatedAt:  u.now,
	})
	u.audit(models.StepAutoApprovedEvent, models.Context{"step_id": step.ID, "outcome": outcome})
	next, _ := step.ActionFor(models.OutcomeApproved)
	return e.dispatch(ctx, u, step, next, models.OutcomeApproved)
}

func (e *Engine) manualIntervention(_ context.Context, u *unit, step models.StepDefinition, outcome string) error {
	u.inst.StepState = models.ManualInterventionStepState
	u.cancelTimer(step.ID)
	u.inst.TimeoutAt = nil
	u.audit(models.ManualInterventionEvent, models.Context{"step_id": step.ID, "outcome": outcome})
	e.logger.Warnf("Step '%s' of instance %s needs manual intervention (%s)", step.ID, u.inst.ID, outcome)
	return nil
}

// requestChanges routes the step back to the initiator without completing it.
func (e *Engine) requestChanges(_ context.Context, u *unit, step models.StepDefinition, outcome string) error {
	u.inst.StepState = models.ChangesRequestedStepState
	u.audit(models.ChangesRequestedEvent, models.Context{"step_id": step.ID, "initiator_id": u.inst.InitiatorID})
	notice := newNotice(u, step, models.ChangesRequestedNotice, fmt.Sprintf("Changes were requested on %s", step.Name))
	initiator := u.inst.InitiatorID
	u.after(func(ctx context.Context) {
		user, err := e.directory.Lookup(ctx, initiator)
		if err != nil {
			e.metrics.RecordNotificationFailure(string(notice.Kind))
			e.logger.Warnf("Cannot notify initiator %s of instance %s: %v", initiator, notice.InstanceID, err)
			return
		}
		e.notify(ctx, user, notice)
	})
	return nil
}

func (e *Engine) escalationRolesFor(step models.StepDefinition) []string {
	if len(step.EscalationRoles) > 0 {
		return step.EscalationRoles
	}
	return e.escalationRoles
}

// actingRoles returns the roles allowed to act on step in the instance's
// current escalation state.
func (e *Engine) actingRoles(step models.StepDefinition, inst models.WorkflowInstance) []string {
	roles := append([]string{}, step.Roles...)
	if !inst.Escalated() {
		return roles
	}
	for _, r := range e.escalationRolesFor(step) {
		if !contains(roles, r) {
			roles = append(roles, r)
		}
	}
	return roles
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
