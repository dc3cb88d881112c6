package engine

import (
	"context"

	"github.com/mikedrai/gep-partner-system-sub001/pkg/models"
	"github.com/mikedrai/gep-partner-system-sub001/pkg/storage"
	"github.com/pkg/errors"
)

// GetInstance returns the instance with its approvals and audit history.
func (e *Engine) GetInstance(ctx context.Context, instanceID string) (models.WorkflowInstance, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.WorkflowInstance{}, errors.Wrapf(ErrInstanceNotFound, "instance %s", instanceID)
		}
		return models.WorkflowInstance{}, errors.Wrapf(ErrPersistence, "failed to load instance %s: %v", instanceID, err)
	}
	return inst, nil
}

// GetStatus returns a read-only summary of an instance.
func (e *Engine) GetStatus(ctx context.Context, instanceID string) (models.StatusView, error) {
	inst, err := e.load(ctx, instanceID, false)
	if err != nil {
		return models.StatusView{}, err
	}
	view := models.StatusView{
		InstanceID:   inst.ID,
		DefinitionID: inst.DefinitionID,
		EntityID:     inst.EntityID,
		EntityType:   inst.EntityType,
		Status:       inst.Status,
		Approvals:    inst.Approvals,
		ErrorMessage: inst.ErrorMessage,
		CreatedAt:    inst.CreatedAt,
		UpdatedAt:    inst.UpdatedAt,
		CompletedAt:  inst.CompletedAt,
		TimeoutAt:    inst.TimeoutAt,
	}
	if view.Approvals == nil {
		view.Approvals = []models.Approval{}
	}
	def, err := e.definitions.Get(inst.DefinitionID)
	if err != nil {
		e.logger.Warnf("Instance %s references unknown definition '%s'", inst.ID, inst.DefinitionID)
		return view, nil
	}
	view.Progress = progress(inst, len(def.Steps))
	if step, ok := def.Step(inst.CurrentStepIndex); ok && inst.Status != models.CompletedInstanceStatus && inst.Status != models.CancelledInstanceStatus {
		view.CurrentStep = &models.StepView{
			Index: inst.CurrentStepIndex,
			ID:    step.ID,
			Name:  step.Name,
			Type:  step.Type,
			State: inst.StepState,
		}
	}
	return view, nil
}

// GetPendingApprovals lists running steps userID may act on and has not acted
// on yet during the current visit.
func (e *Engine) GetPendingApprovals(ctx context.Context, userID string) ([]models.PendingApproval, error) {
	if userID == "" {
		return nil, errors.Wrap(ErrInvalidInput, "user id is required")
	}
	instances, err := e.store.ListInstances(ctx, models.RunningInstanceStatus)
	if err != nil {
		return nil, errors.Wrapf(ErrPersistence, "failed to list running instances: %v", err)
	}
	pending := []models.PendingApproval{}
	for _, inst := range instances {
		def, err := e.definitions.Get(inst.DefinitionID)
		if err != nil {
			e.logger.Warnf("Instance %s references unknown definition '%s'", inst.ID, inst.DefinitionID)
			continue
		}
		step, ok := def.Step(inst.CurrentStepIndex)
		if !ok || !step.Type.IsHuman() || inst.StepState == models.ManualInterventionStepState {
			continue
		}
		if hasActed(inst.Approvals, inst.CurrentStepIndex, userID) {
			continue
		}
		users, err := e.directory.FindEligible(ctx, e.actingRoles(step, inst), scopeOf(inst))
		if err != nil {
			e.logger.Warnf("Eligibility lookup for instance %s failed: %v", inst.ID, err)
			continue
		}
		for _, user := range users {
			if user.ID != userID {
				continue
			}
			pending = append(pending, models.PendingApproval{
				InstanceID:   inst.ID,
				DefinitionID: inst.DefinitionID,
				StepID:       step.ID,
				StepName:     step.Name,
				EntityID:     inst.EntityID,
				EntityType:   inst.EntityType,
				TimeoutAt:    inst.TimeoutAt,
				Escalated:    inst.Escalated(),
			})
			break
		}
	}
	return pending, nil
}

func progress(inst models.WorkflowInstance, steps int) float64 {
	if inst.Status == models.CompletedInstanceStatus || steps == 0 {
		return 100
	}
	done := inst.CurrentStepIndex
	if done > steps {
		done = steps
	}
	return float64(done) * 100 / float64(steps)
}

func hasActed(approvals []models.Approval, stepIndex int, userID string) bool {
	for _, a := range approvals {
		if a.StepIndex == stepIndex && a.UserID == userID {
			return true
		}
	}
	return false
}
