package engine

import (
	"context"
	"fmt"

	"github.com/mikedrai/gep-partner-system-sub001/pkg/models"
	"github.com/pkg/errors"
)

// ActionResult is what an automated step reports back.
type ActionResult struct {
	Success bool
	Message string
	// Output is merged into the instance context under the step id.
	Output map[string]interface{}
}

// AutomatedAction implements the body of an automated step. It receives a copy
// of the instance and must not assume it can mutate it.
type AutomatedAction func(ctx context.Context, inst models.WorkflowInstance) (ActionResult, error)

// Verifier performs external verification steps and returns an outcome
// keyword such as "success" or "error".
type Verifier interface {
	Verify(ctx context.Context, inst models.WorkflowInstance, step models.StepDefinition) (string, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, inst models.WorkflowInstance, step models.StepDefinition) (string, error)

func (f VerifierFunc) Verify(ctx context.Context, inst models.WorkflowInstance, step models.StepDefinition) (string, error) {
	return f(ctx, inst, step)
}

// PassthroughVerifier accepts every verification.
type PassthroughVerifier struct{}

func (PassthroughVerifier) Verify(context.Context, models.WorkflowInstance, models.StepDefinition) (string, error) {
	return models.OutcomeSuccess, nil
}

// RegisterAction binds an automated action to a step id. Registering the same
// id twice replaces the previous action.
func (e *Engine) RegisterAction(stepID string, action AutomatedAction) error {
	if stepID == "" {
		return errors.New("empty step id")
	}
	if action == nil {
		return errors.Errorf("nil action for step %q", stepID)
	}
	e.mu.Lock()
	e.actions[stepID] = action
	e.mu.Unlock()
	e.logger.Infof("Registered automated action for step '%s'", stepID)
	return nil
}

func (e *Engine) action(stepID string) (AutomatedAction, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.actions[stepID]
	return a, ok
}

// runAction calls an automated action and turns a panic into an error.
func runAction(ctx context.Context, action AutomatedAction, inst models.WorkflowInstance) (res ActionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("automated action panicked: %v", r)
		}
	}()
	return action(ctx, inst)
}

func runVerifier(ctx context.Context, v Verifier, inst models.WorkflowInstance, step models.StepDefinition) (outcome string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("verifier panicked: %v", r)
		}
	}()
	return v.Verify(ctx, inst, step)
}
