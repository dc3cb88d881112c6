package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mikedrai/gep-partner-system-sub001/pkg/models"
	"github.com/pkg/errors"
)

type timerKey struct {
	instanceID string
	stepID     string
}

// memoryData is the shared state behind every mockStore handle.
type memoryData struct {
	mu          sync.Mutex
	instances   map[string]models.WorkflowInstance
	approvals   map[string][]models.Approval
	audit       map[string][]models.AuditEvent
	timers      map[timerKey]models.StepTimer
	nextAuditID int64
}

// mockOp is a buffered transactional write: check runs for every op before any apply.
type mockOp struct {
	check func(d *memoryData) error
	apply func(d *memoryData)
}

type mockTx struct {
	ops        []mockOp
	committed  bool
	rolledBack bool
}

// mockStore implements storage.Store in memory. Writes made through a Store
// returned by Begin are buffered and applied atomically on Commit, so version
// conflicts behave like they do in PostgreSQL.
type mockStore struct {
	data *memoryData
	tx   *mockTx
}

func NewMockStore() Store {
	return &mockStore{data: &memoryData{
		instances: make(map[string]models.WorkflowInstance),
		approvals: make(map[string][]models.Approval),
		audit:     make(map[string][]models.AuditEvent),
		timers:    make(map[timerKey]models.StepTimer),
	}}
}

func (m *mockStore) Begin() (Store, error) {
	if m.tx != nil {
		return nil, errors.New("nested transactions are not supported")
	}
	return &mockStore{data: m.data, tx: &mockTx{}}, nil
}

func (m *mockStore) Commit() error {
	if m.tx == nil {
		return errors.New("cannot commit: not a transaction")
	}
	if m.tx.committed {
		return errors.New("already committed")
	}
	if m.tx.rolledBack {
		return errors.New("transaction already rolled back")
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	for _, op := range m.tx.ops {
		if op.check == nil {
			continue
		}
		if err := op.check(m.data); err != nil {
			m.tx.rolledBack = true
			return err
		}
	}
	for _, op := range m.tx.ops {
		op.apply(m.data)
	}
	m.tx.committed = true
	return nil
}

func (m *mockStore) Rollback() error {
	if m.tx == nil {
		return errors.New("cannot rollback: not a transaction")
	}
	if m.tx.committed {
		return errors.New("cannot rollback committed transaction")
	}
	m.tx.rolledBack = true
	m.tx.ops = nil
	return nil
}

func (m *mockStore) Close() error {
	return nil
}

// write either buffers op (inside a transaction) or applies it immediately.
func (m *mockStore) write(op mockOp) error {
	if m.tx != nil {
		if m.tx.committed || m.tx.rolledBack {
			return errors.New("transaction already finished")
		}
		m.tx.ops = append(m.tx.ops, op)
		return nil
	}
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	if op.check != nil {
		if err := op.check(m.data); err != nil {
			return err
		}
	}
	op.apply(m.data)
	return nil
}

func (m *mockStore) CreateInstance(_ context.Context, inst models.WorkflowInstance) error {
	inst = inst.Clone()
	inst.Approvals, inst.History = nil, nil
	if inst.Version == 0 {
		inst.Version = 1
	}
	return m.write(mockOp{
		check: func(d *memoryData) error {
			if _, ok := d.instances[inst.ID]; ok {
				return errors.Wrapf(ErrAlreadyExists, "instance %s", inst.ID)
			}
			return nil
		},
		apply: func(d *memoryData) { d.instances[inst.ID] = inst },
	})
}

func (m *mockStore) GetInstance(_ context.Context, id string) (models.WorkflowInstance, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	inst, ok := m.data.instances[id]
	if !ok {
		return models.WorkflowInstance{}, errors.Wrapf(ErrNotFound, "instance %s", id)
	}
	inst = inst.Clone()
	for _, a := range m.data.approvals[id] {
		inst.Approvals = append(inst.Approvals, a.Clone())
	}
	for _, e := range m.data.audit[id] {
		e.Data = e.Data.Clone()
		inst.History = append(inst.History, e)
	}
	return inst, nil
}

func (m *mockStore) UpdateInstance(_ context.Context, inst models.WorkflowInstance) (int64, error) {
	expected := inst.Version
	inst = inst.Clone()
	inst.Approvals, inst.History = nil, nil
	inst.Version = expected + 1
	check := func(d *memoryData) error {
		stored, ok := d.instances[inst.ID]
		if !ok {
			return errors.Wrapf(ErrNotFound, "instance %s", inst.ID)
		}
		if stored.Version != expected {
			return errors.Wrapf(ErrVersionConflict, "instance %s: stored version %d, expected %d", inst.ID, stored.Version, expected)
		}
		return nil
	}
	// fail fast inside a transaction too; the check is repeated on Commit
	m.data.mu.Lock()
	err := check(m.data)
	m.data.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if err := m.write(mockOp{check: check, apply: func(d *memoryData) { d.instances[inst.ID] = inst }}); err != nil {
		return 0, err
	}
	return inst.Version, nil
}

func (m *mockStore) ListInstances(_ context.Context, status models.InstanceStatus) ([]models.WorkflowInstance, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	instances := []models.WorkflowInstance{}
	for id, inst := range m.data.instances {
		if status != "" && inst.Status != status {
			continue
		}
		inst = inst.Clone()
		for _, a := range m.data.approvals[id] {
			inst.Approvals = append(inst.Approvals, a.Clone())
		}
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool {
		if instances[i].CreatedAt.Equal(instances[j].CreatedAt) {
			return instances[i].ID < instances[j].ID
		}
		return instances[i].CreatedAt.Before(instances[j].CreatedAt)
	})
	return instances, nil
}

func (m *mockStore) AppendApproval(_ context.Context, a models.Approval) error {
	a = a.Clone()
	return m.write(mockOp{apply: func(d *memoryData) {
		d.approvals[a.InstanceID] = append(d.approvals[a.InstanceID], a)
	}})
}

func (m *mockStore) AppendAuditEvent(_ context.Context, e models.AuditEvent) error {
	e.Data = e.Data.Clone()
	return m.write(mockOp{apply: func(d *memoryData) {
		d.nextAuditID++
		e.ID = d.nextAuditID
		d.audit[e.WorkflowID] = append(d.audit[e.WorkflowID], e)
	}})
}

func (m *mockStore) ListAuditEvents(_ context.Context, instanceID string) ([]models.AuditEvent, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	events := []models.AuditEvent{}
	for _, e := range m.data.audit[instanceID] {
		e.Data = e.Data.Clone()
		events = append(events, e)
	}
	return events, nil
}

func (m *mockStore) SaveTimer(_ context.Context, t models.StepTimer) error {
	t.ClaimedUntil = nil
	return m.write(mockOp{apply: func(d *memoryData) {
		d.timers[timerKey{t.InstanceID, t.StepID}] = t
	}})
}

func (m *mockStore) DeleteTimer(_ context.Context, instanceID, stepID string) error {
	return m.write(mockOp{apply: func(d *memoryData) {
		delete(d.timers, timerKey{instanceID, stepID})
	}})
}

func (m *mockStore) GetTimer(_ context.Context, instanceID, stepID string) (models.StepTimer, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	t, ok := m.data.timers[timerKey{instanceID, stepID}]
	if !ok {
		return models.StepTimer{}, errors.Wrapf(ErrNotFound, "timer %s/%s", instanceID, stepID)
	}
	return t, nil
}

// ClaimDueTimers always acts on committed state, even on a transactional handle.
func (m *mockStore) ClaimDueTimers(_ context.Context, now time.Time, lease time.Duration, limit int) ([]models.StepTimer, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	due := []models.StepTimer{}
	for _, t := range m.data.timers {
		if t.FireAt.After(now) || (t.ClaimedUntil != nil && t.ClaimedUntil.After(now)) {
			continue
		}
		due = append(due, t)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FireAt.Before(due[j].FireAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	until := now.Add(lease)
	for i := range due {
		due[i].ClaimedUntil = &until
		m.data.timers[timerKey{due[i].InstanceID, due[i].StepID}] = due[i]
	}
	return due, nil
}
