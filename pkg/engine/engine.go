// Package engine interprets workflow definitions and drives instances through
// their steps. All business branching lives in the definitions' action tables;
// the engine only knows the fixed vocabulary of next actions.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/mikedrai/gep-partner-system-sub001/pkg/cache"
	"github.com/mikedrai/gep-partner-system-sub001/pkg/models"
	"github.com/mikedrai/gep-partner-system-sub001/pkg/storage"
	"github.com/pkg/errors"
)

const (
	// DefaultMaxRetries bounds how often a unit of work is replayed after a
	// version conflict.
	DefaultMaxRetries = 3
	// SystemUserID is recorded on approvals the engine synthesizes.
	SystemUserID = "system"

	maxDispatchDepth = 64
)

// Logger defines the logging interface for the Engine
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Definitions resolves workflow definitions by id.
type Definitions interface {
	Get(id string) (models.WorkflowDefinition, error)
	List() []models.WorkflowDefinition
}

// Directory resolves roles to eligible users for an entity.
type Directory interface {
	FindEligible(ctx context.Context, roles []string, scope models.Scope) ([]models.User, error)
	Lookup(ctx context.Context, userID string) (models.User, error)
}

// Notifier delivers a notice to one user.
type Notifier interface {
	Notify(ctx context.Context, user models.User, notice models.Notice) error
}

// Timers persists step deadlines inside the caller's transaction.
type Timers interface {
	Schedule(ctx context.Context, tx storage.Store, timer models.StepTimer) error
	Cancel(ctx context.Context, tx storage.Store, instanceID, stepID string) error
}

// storeTimers writes deadlines straight to the store.
type storeTimers struct{}

func (storeTimers) Schedule(ctx context.Context, tx storage.Store, timer models.StepTimer) error {
	return tx.SaveTimer(ctx, timer)
}

func (storeTimers) Cancel(ctx context.Context, tx storage.Store, instanceID, stepID string) error {
	return tx.DeleteTimer(ctx, instanceID, stepID)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, models.User, models.Notice) error { return nil }

type Option func(*Engine)

func WithCache(c cache.InstanceCache) Option {
	return func(e *Engine) { e.cache = c }
}

func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithTimers(t Timers) Option {
	return func(e *Engine) { e.timers = t }
}

func WithVerifier(v Verifier) Option {
	return func(e *Engine) { e.verifier = v }
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

// WithEscalationRoles sets the roles notified when an escalating step names none.
func WithEscalationRoles(roles ...string) Option {
	return func(e *Engine) { e.escalationRoles = append([]string(nil), roles...) }
}

// WithAdminRoles sets the roles allowed to cancel any instance.
func WithAdminRoles(roles ...string) Option {
	return func(e *Engine) { e.adminRoles = append([]string(nil), roles...) }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine manages workflow instances. It is safe for concurrent use.
type Engine struct {
	store           storage.Store
	definitions     Definitions
	directory       Directory
	logger          Logger
	cache           cache.InstanceCache
	notifier        Notifier
	timers          Timers
	verifier        Verifier
	metrics         *Metrics
	locks           *keyedMutex
	now             func() time.Time
	maxRetries      int
	escalationRoles []string
	adminRoles      []string

	stepHandlers map[models.StepType]stepHandler
	transitions  map[models.NextAction]transitionFunc

	mu      sync.RWMutex
	actions map[string]AutomatedAction
	hooks   map[string]Hook
	hookWG  sync.WaitGroup
}

func New(store storage.Store, definitions Definitions, directory Directory, logger Logger, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		definitions: definitions,
		directory:   directory,
		logger:      logger,
		cache:       cache.Noop{},
		notifier:    nopNotifier{},
		timers:      storeTimers{},
		verifier:    PassthroughVerifier{},
		locks:       newKeyedMutex(),
		now:         time.Now,
		maxRetries:  DefaultMaxRetries,
		actions:     make(map[string]AutomatedAction),
		hooks:       make(map[string]Hook),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics()
	}
	e.stepHandlers = e.newStepHandlers()
	e.transitions = e.newTransitions()
	return e
}

// Metrics returns the engine's collector.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// Definitions returns all registered workflow definitions.
func (e *Engine) Definitions() []models.WorkflowDefinition {
	return e.definitions.List()
}

// Close waits for running hooks to finish.
func (e *Engine) Close() {
	e.hookWG.Wait()
}

// unit is one atomic change to an instance. Everything it records is written
// in a single transaction by persist; effects run after the commit.
type unit struct {
	inst  models.WorkflowInstance
	def   models.WorkflowDefinition
	now   time.Time
	isNew bool
	depth int
	noop  bool

	approvals []models.Approval
	events    []models.AuditEvent
	timerOps  []timerOp
	effects   []func(ctx context.Context)
}

type timerOp struct {
	save   *models.StepTimer
	cancel string
}

func (u *unit) audit(eventType string, data models.Context) {
	e := models.AuditEvent{
		WorkflowID: u.inst.ID,
		EventType:  eventType,
		Data:       data,
		CreatedAt:  u.now,
	}
	u.events = append(u.events, e)
	u.inst.History = append(u.inst.History, e)
}

func (u *unit) approve(a models.Approval) {
	u.approvals = append(u.approvals, a)
	u.inst.Approvals = append(u.inst.Approvals, a)
}

func (u *unit) scheduleTimer(t models.StepTimer) {
	u.timerOps = append(u.timerOps, timerOp{save: &t})
}

func (u *unit) cancelTimer(stepID string) {
	u.timerOps = append(u.timerOps, timerOp{cancel: stepID})
}

func (u *unit) after(fn func(ctx context.Context)) {
	u.effects = append(u.effects, fn)
}

// mutate runs fn against the latest state of instance id while holding the
// instance lock, persists the result atomically and replays fn on version
// conflicts. Returned validation errors abort the unit without any write.
func (e *Engine) mutate(ctx context.Context, id string, fn func(ctx context.Context, u *unit) error) (models.WorkflowInstance, error) {
	unlock := e.locks.Lock(id)
	var effects []func(ctx context.Context)
	defer func() {
		unlock()
		for _, effect := range effects {
			effect(ctx)
		}
	}()

	fresh := false
	for attempt := 0; ; attempt++ {
		inst, err := e.load(ctx, id, fresh)
		if err != nil {
			return models.WorkflowInstance{}, err
		}
		def, err := e.definitions.Get(inst.DefinitionID)
		if err != nil {
			return models.WorkflowInstance{}, errors.Wrapf(ErrDefinitionNotFound, "instance %s references %q", id, inst.DefinitionID)
		}
		u := &unit{inst: inst, def: def, now: e.now()}
		if err := fn(ctx, u); err != nil {
			return models.WorkflowInstance{}, err
		}
		if u.noop {
			return u.inst, nil
		}
		err = e.persist(ctx, u)
		if errors.Is(err, storage.ErrVersionConflict) && attempt < e.maxRetries {
			e.metrics.RecordVersionConflict()
			e.logger.Warnf("Version conflict on instance %s (attempt %d/%d), reloading", id, attempt+1, e.maxRetries)
			e.cache.Invalidate(ctx, id)
			fresh = true
			continue
		}
		if err != nil {
			e.cache.Invalidate(ctx, id)
			return models.WorkflowInstance{}, err
		}
		e.cache.Set(ctx, u.inst)
		effects = u.effects
		return u.inst, nil
	}
}

// load returns the instance from the cache, or from the store when fresh is
// set or the cache misses.
func (e *Engine) load(ctx context.Context, id string, fresh bool) (models.WorkflowInstance, error) {
	if !fresh {
		if inst, ok := e.cache.Get(ctx, id); ok {
			return inst, nil
		}
	}
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.WorkflowInstance{}, errors.Wrapf(ErrInstanceNotFound, "instance %s", id)
		}
		return models.WorkflowInstance{}, errors.Wrapf(ErrPersistence, "failed to load instance %s: %v", id, err)
	}
	e.cache.Set(ctx, inst)
	return inst, nil
}

// persist writes everything the unit recorded in one transaction.
func (e *Engine) persist(ctx context.Context, u *unit) (err error) {
	txStore, err := e.store.Begin()
	if err != nil {
		return errors.Wrapf(ErrPersistence, "failed to begin transaction: %v", err)
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				e.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			e.logger.Errorf("Failed to commit instance %s: %v", u.inst.ID, commitErr)
			err = wrapStoreErr(commitErr, "commit")
		}
	}()

	u.inst.UpdatedAt = u.now
	if u.isNew {
		u.inst.Version = 1
		if err = txStore.CreateInstance(ctx, u.inst); err != nil {
			return wrapStoreErr(err, "create instance")
		}
	} else {
		version, updateErr := txStore.UpdateInstance(ctx, u.inst)
		if updateErr != nil {
			return wrapStoreErr(updateErr, "update instance")
		}
		u.inst.Version = version
	}
	for _, a := range u.approvals {
		if err = txStore.AppendApproval(ctx, a); err != nil {
			return wrapStoreErr(err, "append approval")
		}
	}
	for _, ev := range u.events {
		if err = txStore.AppendAuditEvent(ctx, ev); err != nil {
			return wrapStoreErr(err, "append audit event")
		}
	}
	for _, op := range u.timerOps {
		if op.save != nil {
			err = e.timers.Schedule(ctx, txStore, *op.save)
		} else {
			err = e.timers.Cancel(ctx, txStore, u.inst.ID, op.cancel)
		}
		if err != nil {
			return wrapStoreErr(err, "write step timer")
		}
	}
	return nil
}

// wrapStoreErr keeps version conflicts distinguishable for the retry loop.
func wrapStoreErr(err error, op string) error {
	if errors.Is(err, storage.ErrVersionConflict) {
		return err
	}
	return errors.Wrapf(ErrPersistence, "%s: %v", op, err)
}
