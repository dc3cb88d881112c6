package engine

import (
	"context"

	"github.com/mikedrai/gep-partner-system-sub001/pkg/models"
	"github.com/pkg/errors"
)

// Hook is invoked after an instance reaches a terminal status, e.g. to activate
// a schedule once it is approved. It receives a copy of the final instance.
type Hook func(ctx context.Context, inst models.WorkflowInstance) error

// RegisterHook binds a hook to the name used in definitions' on_complete and
// on_reject fields.
func (e *Engine) RegisterHook(name string, hook Hook) error {
	if name == "" {
		return errors.New("empty hook name")
	}
	if hook == nil {
		return errors.Errorf("nil hook %q", name)
	}
	e.mu.Lock()
	e.hooks[name] = hook
	e.mu.Unlock()
	e.logger.Infof("Registered hook '%s'", name)
	return nil
}

// fireHook runs the named hook in the background. Close waits for it.
func (e *Engine) fireHook(ctx context.Context, name string, inst models.WorkflowInstance) {
	if name == "" {
		return
	}
	e.mu.RLock()
	hook, ok := e.hooks[name]
	e.mu.RUnlock()
	if !ok {
		e.logger.Warnf("Hook '%s' for instance %s is not registered", name, inst.ID)
		return
	}
	e.hookWG.Add(1)
	go func() {
		defer e.hookWG.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Errorf("Hook '%s' panicked for instance %s: %v", name, inst.ID, r)
			}
		}()
		if err := hook(context.WithoutCancel(ctx), inst); err != nil {
			e.logger.Errorf("Hook '%s' failed for instance %s: %v", name, inst.ID, err)
			return
		}
		e.logger.Infof("Hook '%s' completed for instance %s", name, inst.ID)
	}()
}
