package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mikedrai/gep-partner-system-sub001/pkg/cache"
	"github.com/mikedrai/gep-partner-system-sub001/pkg/engine"
	"github.com/mikedrai/gep-partner-system-sub001/pkg/models"
	"github.com/mikedrai/gep-partner-system-sub001/pkg/registry"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrentFinalApprovals(t *testing.T) {
	ctx := context.Background()

	t.Run("SameEngine", func(t *testing.T) {
		f := newFixture(t, mustRegistry(t, dualApproval()), engine.WithCache(cache.NewLRU(16, time.Minute)))
		inst, err := f.engine.StartWorkflow(ctx, "dual", "contract-9", "contract", "initiator", nil)
		require.NoError(t, err)
		_, err = f.engine.ProcessAction(ctx, inst.ID, models.OutcomeApproved, "e1", "", nil)
		require.NoError(t, err)

		// e2 and e3 both supply the second approval
		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i, user := range []string{"e2", "e3"} {
			wg.Add(1)
			go func(i int, user string) {
				defer wg.Done()
				_, errs[i] = f.engine.ProcessAction(ctx, inst.ID, models.OutcomeApproved, user, "", nil)
			}(i, user)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.True(t, errors.Is(err, engine.ErrInvalidState), "loser sees the completed instance: %v", err)
		}
		assert.Equal(t, 1, succeeded)
		assert.Len(t, f.events(t, inst.ID, models.StepCompletedEvent), 1)
		assert.Len(t, f.events(t, inst.ID, models.WorkflowCompletedEvent), 1)
		f.engine.Close()
		assert.Equal(t, 1, f.hooks.count("dual_done"))
	})

	t.Run("SeparateEnginesSharingAStore", func(t *testing.T) {
		f := newFixture(t, nil)
		other := engine.New(f.store, registry.Default(), newDirectory(), testLogger{},
			engine.WithClock(f.clock.Now), engine.WithMaxRetries(5))
		inst, err := f.engine.StartWorkflow(ctx, "schedule_approval", "visit-1", "schedule", "initiator", nil)
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i, eng := range []*engine.Engine{f.engine, other} {
			wg.Add(1)
			go func(i int, eng *engine.Engine, user string) {
				defer wg.Done()
				_, errs[i] = eng.ProcessAction(ctx, inst.ID, models.OutcomeApproved, user, "", nil)
			}(i, eng, []string{"m1", "m2"}[i])
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			// the retry reloads the instance, which has moved to the admin step
			assert.True(t, errors.Is(err, engine.ErrUnauthorized), "unexpected error: %v", err)
		}
		assert.GreaterOrEqual(t, succeeded, 1)

		completed := 0
		for _, e := range f.events(t, inst.ID, models.StepCompletedEvent) {
			if e.Data["step_id"] == "manager_review" {
				completed++
			}
		}
		assert.Equal(t, 1, completed)
		stored, err := f.store.GetInstance(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, "admin_approval", stored.CurrentStepID)
		assert.Len(t, f.events(t, inst.ID, models.StepStartedEvent), 2)
	})

	t.Run("StaleCacheIsRetried", func(t *testing.T) {
		lru := cache.NewLRU(16, time.Minute)
		f := newFixture(t, mustRegistry(t, dualApproval()), engine.WithCache(lru))
		other := engine.New(f.store, mustRegistry(t, dualApproval()), newDirectory(), testLogger{}, engine.WithClock(f.clock.Now))

		inst, err := f.engine.StartWorkflow(ctx, "dual", "contract-9", "contract", "initiator", nil)
		require.NoError(t, err)
		// the other replica writes behind the cache's back
		_, err = other.ProcessAction(ctx, inst.ID, models.OutcomeApproved, "e1", "", nil)
		require.NoError(t, err)

		got, err := f.engine.ProcessAction(ctx, inst.ID, models.OutcomeApproved, "e2", "", nil)
		require.NoError(t, err)
		assert.Equal(t, models.CompletedInstanceStatus, got.Status)
	})
}
