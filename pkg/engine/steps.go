package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/mikedrai/gep-partner-system-sub001/pkg/models"
	"github.com/pkg/errors"
)

type stepHandler func(ctx context.Context, u *unit, step models.StepDefinition) error

func (e *Engine) newStepHandlers() map[models.StepType]stepHandler {
	return map[models.StepType]stepHandler{
		models.ApprovalStepType:             e.executeHumanStep,
		models.ReviewStepType:               e.executeHumanStep,
		models.VerificationStepType:         e.executeHumanStep,
		models.AutomatedStepType:            e.executeAutomatedStep,
		models.ExternalVerificationStepType: e.executeExternalVerification,
	}
}

// executeStep enters the step at the instance's current index. Running past
// the last step completes the workflow.
func (e *Engine) executeStep(ctx context.Context, u *unit) error {
	step, ok := u.def.Step(u.inst.CurrentStepIndex)
	if !ok {
		u.inst.CurrentStepID = ""
		e.finish(u, models.CompletedInstanceStatus, nil, u.def.OnComplete)
		return nil
	}
	u.inst.CurrentStepID = step.ID
	u.inst.StepStartedAt = u.now
	u.inst.StepState = ""
	u.inst.EscalationLevel = 0
	u.inst.TimeoutAt = nil

	matched, err := evaluateConditions(step.Conditions, u.inst.Context)
	if err != nil {
		e.fail(u, step, err)
		return nil
	}
	if !matched {
		e.logger.Infof("Skipping step '%s' of instance %s: conditions not met", step.ID, u.inst.ID)
		u.audit(models.StepSkippedEvent, models.Context{"step_id": step.ID, "step_index": u.inst.CurrentStepIndex})
		return e.advance(ctx, u)
	}

	u.audit(models.StepStartedEvent, models.Context{
		"step_id":    step.ID,
		"step_index": u.inst.CurrentStepIndex,
		"step_type":  string(step.Type),
	})
	if step.TimeoutHours > 0 {
		fireAt := u.now.Add(time.Duration(step.TimeoutHours) * time.Hour)
		u.inst.TimeoutAt = &fireAt
		u.scheduleTimer(models.StepTimer{
			InstanceID: u.inst.ID,
			StepID:     step.ID,
			StepIndex:  u.inst.CurrentStepIndex,
			FireAt:     fireAt,
			CreatedAt:  u.now,
		})
		u.audit(models.TimeoutScheduledEvent, models.Context{
			"step_id": step.ID,
			"fire_at": fireAt.UTC().Format(time.RFC3339),
		})
	}

	handler, ok := e.stepHandlers[step.Type]
	if !ok {
		e.logger.Warnf("Unknown step type '%s' for step '%s' of instance %s, moving on", step.Type, step.ID, u.inst.ID)
		return e.dispatch(ctx, u, step, models.NextStepAction, "unknown_step_type")
	}
	return handler(ctx, u, step)
}

// advance moves to the next step without recording a completion. The step
// index only grows, so the dispatch budget starts over on every step.
func (e *Engine) advance(ctx context.Context, u *unit) error {
	u.depth = 0
	u.inst.CurrentStepIndex++
	return e.executeStep(ctx, u)
}

func (e *Engine) executeHumanStep(ctx context.Context, u *unit, step models.StepDefinition) error {
	u.inst.StepState = models.AwaitingApprovalStepState
	users, err := e.directory.FindEligible(ctx, step.ActingRoles(false), scopeOf(u.inst))
	if err != nil {
		e.logger.Warnf("Eligibility lookup for step '%s' of instance %s failed: %v", step.ID, u.inst.ID, err)
		users = nil
	}
	if len(users) == 0 {
		e.logger.Warnf("No approvers for step '%s' of instance %s (roles %v)", step.ID, u.inst.ID, step.Roles)
		return e.dispatch(ctx, u, step, models.EscalateAction, "no_approvers")
	}
	notice := newNotice(u, step, models.ApprovalRequestNotice, fmt.Sprintf("Your approval is requested for %s", step.Name))
	for _, user := range users {
		e.notifyLater(u, user, notice)
	}
	e.logger.Infof("Step '%s' of instance %s awaits %d approval(s) from %d eligible user(s)", step.ID, u.inst.ID, step.Threshold(), len(users))
	return nil
}

func (e *Engine) executeAutomatedStep(ctx context.Context, u *unit, step models.StepDefinition) error {
	u.inst.StepState = models.AutomatedStepState
	action, ok := e.action(step.ID)
	if !ok {
		e.fail(u, step, errors.Errorf("no automated action registered for step %q", step.ID))
		return nil
	}
	res, err := runAction(ctx, action, u.inst.Clone())
	if err != nil {
		e.fail(u, step, err)
		return nil
	}
	if len(res.Output) > 0 {
		if u.inst.Context == nil {
			u.inst.Context = models.Context{}
		}
		u.inst.Context[step.ID] = res.Output
	}
	outcome := models.OutcomeSuccess
	if !res.Success {
		outcome = models.OutcomeError
	}
	e.logger.Infof("Automated step '%s' of instance %s finished with %s: %s", step.ID, u.inst.ID, outcome, res.Message)
	return e.resolveOutcome(ctx, u, step, outcome)
}

func (e *Engine) executeExternalVerification(ctx context.Context, u *unit, step models.StepDefinition) error {
	u.inst.StepState = models.AutomatedStepState
	outcome, err := runVerifier(ctx, e.verifier, u.inst.Clone(), step)
	if err != nil {
		e.fail(u, step, err)
		return nil
	}
	e.logger.Infof("External verification '%s' of instance %s returned %s", step.ID, u.inst.ID, outcome)
	return e.resolveOutcome(ctx, u, step, outcome)
}

// fail moves the instance to the error state. The cause is recorded, not returned.
func (e *Engine) fail(u *unit, step models.StepDefinition, cause error) {
	err := errors.Wrapf(ErrStepExecution, "step %q: %v", step.ID, cause)
	e.logger.Errorf("Instance %s failed: %v", u.inst.ID, err)
	if step.ID != "" {
		u.cancelTimer(step.ID)
	}
	u.inst.Status = models.ErrorInstanceStatus
	u.inst.ErrorMessage = err.Error()
	u.inst.TimeoutAt = nil
	u.audit(models.WorkflowErrorEvent, models.Context{"step_id": step.ID, "error": err.Error()})
	defID := u.def.ID
	u.after(func(context.Context) { e.metrics.RecordFinished(defID, string(models.ErrorInstanceStatus)) })
}

func (e *Engine) notifyLater(u *unit, user models.User, notice models.Notice) {
	u.after(func(ctx context.Context) { e.notify(ctx, user, notice) })
}

func (e *Engine) notify(ctx context.Context, user models.User, notice models.Notice) {
	if err := e.notifier.Notify(ctx, user, notice); err != nil {
		e.metrics.RecordNotificationFailure(string(notice.Kind))
		e.logger.Warnf("%v", errors.Wrapf(ErrNotification, "%s for instance %s to user %s: %v", notice.Kind, notice.InstanceID, user.ID, err))
	}
}

func newNotice(u *unit, step models.StepDefinition, kind models.NoticeKind, msg string) models.Notice {
	n := models.Notice{
		Kind:         kind,
		InstanceID:   u.inst.ID,
		DefinitionID: u.def.ID,
		StepID:       step.ID,
		StepName:     step.Name,
		EntityID:     u.inst.EntityID,
		EntityType:   u.inst.EntityType,
		Message:      msg,
	}
	if u.inst.TimeoutAt != nil {
		t := *u.inst.TimeoutAt
		n.TimeoutAt = &t
	}
	return n
}

func scopeOf(inst models.WorkflowInstance) models.Scope {
	scope := models.Scope{EntityType: inst.EntityType, EntityID: inst.EntityID}
	if org, ok := inst.Context["organization_id"].(string); ok {
		scope.OrganizationID = org
	}
	return scope
}
