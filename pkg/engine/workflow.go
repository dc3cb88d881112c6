package engine

import (
	"context"

	"github.com/google/uuid"
	"github.com/mikedrai/gep-partner-system-sub001/pkg/models"
	"github.com/mikedrai/gep-partner-system-sub001/pkg/storage"
	"github.com/pkg/errors"
)

// StartWorkflow creates an instance of definitionID at its first step and
// executes that step.
func (e *Engine) StartWorkflow(ctx context.Context, definitionID, entityID, entityType, initiatorID string, wfCtx models.Context) (models.WorkflowInstance, error) {
	def, err := e.definitions.Get(definitionID)
	if err != nil {
		return models.WorkflowInstance{}, errors.Wrapf(ErrDefinitionNotFound, "%q: %v", definitionID, err)
	}
	if entityID == "" {
		return models.WorkflowInstance{}, errors.Wrap(ErrInvalidInput, "entity id is required")
	}
	if initiatorID == "" {
		return models.WorkflowInstance{}, errors.Wrap(ErrInvalidInput, "initiator id is required")
	}

	now := e.now()
	data := wfCtx.Clone()
	if data == nil {
		data = models.Context{}
	}
	u := &unit{
		inst: models.WorkflowInstance{
			ID:               uuid.NewString(),
			DefinitionID:     def.ID,
			EntityID:         entityID,
			EntityType:       entityType,
			InitiatorID:      initiatorID,
			Status:           models.RunningInstanceStatus,
			CurrentStepIndex: 0,
			CurrentStepID:    def.Steps[0].ID,
			Context:          data,
			StepStartedAt:    now,
			CreatedAt:        now,
			UpdatedAt:        now,
		},
		def:   def,
		now:   now,
		isNew: true,
	}
	u.audit(models.WorkflowStartedEvent, models.Context{
		"definition_id": def.ID,
		"entity_id":     entityID,
		"entity_type":   entityType,
		"initiator_id":  initiatorID,
	})
	u.after(func(context.Context) { e.metrics.RecordStarted(def.ID) })

	if err := e.executeStep(ctx, u); err != nil {
		return models.WorkflowInstance{}, err
	}
	if err := e.persist(ctx, u); err != nil {
		return models.WorkflowInstance{}, err
	}
	e.cache.Set(ctx, u.inst)
	for _, effect := range u.effects {
		effect(ctx)
	}
	e.logger.Infof("Started workflow '%s' for %s %s as instance %s", def.ID, entityType, entityID, u.inst.ID)
	return u.inst, nil
}

// ProcessAction records a user's action on the current step and performs the
// transition it triggers. An "approved" action completes the step once the
// number of distinct approvers reaches the step's threshold; other outcomes
// found in the action table dispatch immediately. Outcomes the engine produces
// itself (timeout, success, error) are rejected.
func (e *Engine) ProcessAction(ctx context.Context, instanceID, action, userID, comments string, attachments []string) (models.WorkflowInstance, error) {
	if action == "" {
		return models.WorkflowInstance{}, errors.Wrap(ErrInvalidInput, "action is required")
	}
	if models.IsSystemOutcome(action) {
		return models.WorkflowInstance{}, errors.Wrapf(ErrInvalidInput, "action %q is reserved for the engine", action)
	}
	if userID == "" {
		return models.WorkflowInstance{}, errors.Wrap(ErrInvalidInput, "user id is required")
	}
	return e.mutate(ctx, instanceID, func(ctx context.Context, u *unit) error {
		if u.inst.Status != models.RunningInstanceStatus {
			return errors.Wrapf(ErrInvalidState, "instance %s is %s", u.inst.ID, u.inst.Status)
		}
		idx := u.inst.CurrentStepIndex
		step, ok := u.def.Step(idx)
		if !ok {
			return errors.Wrapf(ErrInvalidState, "instance %s has no step %d", u.inst.ID, idx)
		}
		if !step.Type.IsHuman() {
			return errors.Wrapf(ErrInvalidState, "step %q of instance %s does not accept user actions", step.ID, u.inst.ID)
		}
		if err := e.authorize(ctx, u.inst, step, userID); err != nil {
			return err
		}

		u.approve(models.Approval{
			ID:          uuid.NewString(),
			InstanceID:  u.inst.ID,
			StepID:      step.ID,
			StepIndex:   idx,
			UserID:      userID,
			Action:      action,
			Comments:    comments,
			Attachments: append([]string(nil), attachments...),
			CreatedAt:   u.now,
		})
		u.audit(models.StepActionEvent(action), models.Context{
			"step_id":    step.ID,
			"step_index": idx,
			"user_id":    userID,
			"comments":   comments,
		})
		defID := u.def.ID
		u.after(func(context.Context) { e.metrics.RecordAction(defID, action) })
		e.logger.Infof("User %s recorded '%s' on step '%s' of instance %s", userID, action, step.ID, u.inst.ID)

		if action == models.OutcomeApproved {
			count, threshold := approvalCount(u.inst.Approvals, idx), step.Threshold()
			if count < threshold {
				e.logger.Debugf("Step '%s' of instance %s has %d/%d approvals", step.ID, u.inst.ID, count, threshold)
				return nil
			}
		}
		return e.resolveOutcome(ctx, u, step, action)
	})
}

// HandleTimeout fires the timeout outcome for timer's step and deletes the
// timer in the same transaction. A timer that is gone was handled already;
// timers for steps that are no longer current are dropped.
func (e *Engine) HandleTimeout(ctx context.Context, timer models.StepTimer) error {
	stale := false
	_, err := e.mutate(ctx, timer.InstanceID, func(ctx context.Context, u *unit) error {
		if _, err := e.store.GetTimer(ctx, timer.InstanceID, timer.StepID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				e.logger.Debugf("Timeout for step '%s' of instance %s was already handled", timer.StepID, timer.InstanceID)
				u.noop = true
				return nil
			}
			return errors.Wrapf(ErrPersistence, "failed to load timer for step %q of instance %s: %v", timer.StepID, timer.InstanceID, err)
		}
		if u.inst.Status != models.RunningInstanceStatus ||
			u.inst.CurrentStepIndex != timer.StepIndex ||
			u.inst.CurrentStepID != timer.StepID {
			e.logger.Debugf("Ignoring stale timeout for step '%s' of instance %s", timer.StepID, timer.InstanceID)
			stale, u.noop = true, true
			return nil
		}
		step, _ := u.def.Step(u.inst.CurrentStepIndex)
		u.cancelTimer(step.ID)
		u.inst.TimeoutAt = nil
		u.audit(models.StepTimeoutEvent, models.Context{
			"step_id":    step.ID,
			"step_index": u.inst.CurrentStepIndex,
		})
		defID := u.def.ID
		u.after(func(context.Context) { e.metrics.RecordTimeout(defID) })
		e.logger.Infof("Step '%s' of instance %s timed out", step.ID, u.inst.ID)
		return e.resolveOutcome(ctx, u, step, models.OutcomeTimeout)
	})
	if errors.Is(err, ErrInstanceNotFound) {
		e.logger.Warnf("Dropping timeout for unknown instance %s", timer.InstanceID)
		return e.dropTimer(ctx, timer)
	}
	if err != nil {
		return err
	}
	if stale {
		return e.dropTimer(ctx, timer)
	}
	return nil
}

func (e *Engine) dropTimer(ctx context.Context, timer models.StepTimer) error {
	if err := e.store.DeleteTimer(ctx, timer.InstanceID, timer.StepID); err != nil {
		return errors.Wrapf(ErrPersistence, "failed to drop timer for step %q of instance %s: %v", timer.StepID, timer.InstanceID, err)
	}
	return nil
}

// CancelWorkflow cancels a running instance on behalf of its initiator or an
// administrator. Definition hooks do not run.
func (e *Engine) CancelWorkflow(ctx context.Context, instanceID, userID, reason string) (models.WorkflowInstance, error) {
	if userID == "" {
		return models.WorkflowInstance{}, errors.Wrap(ErrInvalidInput, "user id is required")
	}
	return e.mutate(ctx, instanceID, func(ctx context.Context, u *unit) error {
		if u.inst.Status != models.RunningInstanceStatus {
			return errors.Wrapf(ErrInvalidState, "instance %s is %s", u.inst.ID, u.inst.Status)
		}
		if userID != u.inst.InitiatorID {
			user, err := e.directory.Lookup(ctx, userID)
			if err != nil {
				return errors.Wrapf(ErrUnauthorized, "user %s: %v", userID, err)
			}
			if !hasAnyRole(user.Roles, e.adminRoles) {
				return errors.Wrapf(ErrUnauthorized, "user %s may not cancel instance %s", userID, u.inst.ID)
			}
		}
		if u.inst.CurrentStepID != "" {
			u.cancelTimer(u.inst.CurrentStepID)
		}
		e.finish(u, models.CancelledInstanceStatus, models.Context{
			"step_id": u.inst.CurrentStepID,
			"reason":  reason,
			"user_id": userID,
		}, "")
		return nil
	})
}

func (e *Engine) authorize(ctx context.Context, inst models.WorkflowInstance, step models.StepDefinition, userID string) error {
	roles := e.actingRoles(step, inst)
	users, err := e.directory.FindEligible(ctx, roles, scopeOf(inst))
	if err != nil {
		// an unreachable directory means nobody is eligible
		e.logger.Warnf("Eligibility lookup for step '%s' of instance %s failed: %v", step.ID, inst.ID, err)
		return errors.Wrapf(ErrUnauthorized, "user %s: eligibility lookup for roles %v failed", userID, roles)
	}
	for _, user := range users {
		if user.ID == userID {
			return nil
		}
	}
	return errors.Wrapf(ErrUnauthorized, "user %s may not act on step %q of instance %s", userID, step.ID, inst.ID)
}

// approvalCount counts distinct users whose latest action on the step visit
// stepIndex is an approval.
func approvalCount(approvals []models.Approval, stepIndex int) int {
	latest := make(map[string]string)
	for _, a := range approvals {
		if a.StepIndex == stepIndex {
			latest[a.UserID] = a.Action
		}
	}
	n := 0
	for _, action := range latest {
		if action == models.OutcomeApproved {
			n++
		}
	}
	return n
}

func hasAnyRole(have, want []string) bool {
	for _, r := range have {
		if contains(want, r) {
			return true
		}
	}
	return false
}
