package storage

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mikedrai/gep-partner-system-sub001/pkg/models"
	"github.com/mikedrai/gep-partner-system-sub001/pkg/storage"
	"github.com/pkg/errors"
)

// DBInterface is the subset of sqlx shared by *sqlx.DB and *sqlx.Tx.
type DBInterface interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

const instanceColumns = `id, definition_id, entity_id, entity_type, initiator_id, status,
	current_step_index, current_step_id, step_state, escalation_level, context, error_msg,
	version, step_started_at, timeout_at, created_at, updated_at, completed_at`

const approvalColumns = `id, instance_id, step_id, step_index, user_id, action, comments, attachments, created_at`

const timerColumns = `instance_id, step_id, step_index, fire_at, created_at, claimed_until`

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreWithDB wraps an already opened handle.
func NewPostgresStoreWithDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, errors.New("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return errors.New("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return errors.New("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// approvalRow carries attachments as a text[] column.
type approvalRow struct {
	ID          string         `db:"id"`
	InstanceID  string         `db:"instance_id"`
	StepID      string         `db:"step_id"`
	StepIndex   int            `db:"step_index"`
	UserID      string         `db:"user_id"`
	Action      string         `db:"action"`
	Comments    string         `db:"comments"`
	Attachments pq.StringArray `db:"attachments"`
	CreatedAt   time.Time      `db:"created_at"`
}

func (r approvalRow) toModel() models.Approval {
	a := models.Approval{
		ID:         r.ID,
		InstanceID: r.InstanceID,
		StepID:     r.StepID,
		StepIndex:  r.StepIndex,
		UserID:     r.UserID,
		Action:     r.Action,
		Comments:   r.Comments,
		CreatedAt:  r.CreatedAt,
	}
	if len(r.Attachments) > 0 {
		a.Attachments = []string(r.Attachments)
	}
	return a
}

// CreateInstance inserts a new instance row; version starts at 1 unless set.
func (s *PostgresStore) CreateInstance(ctx context.Context, inst models.WorkflowInstance) error {
	if inst.Version == 0 {
		inst.Version = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		inst.ID, inst.DefinitionID, inst.EntityID, inst.EntityType, inst.InitiatorID, inst.Status,
		inst.CurrentStepIndex, inst.CurrentStepID, inst.StepState, inst.EscalationLevel, inst.Context, inst.ErrorMessage,
		inst.Version, inst.StepStartedAt, inst.TimeoutAt, inst.CreatedAt, inst.UpdatedAt, inst.CompletedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return errors.Wrapf(storage.ErrAlreadyExists, "instance %s", inst.ID)
		}
		return errors.Wrapf(err, "create instance %s", inst.ID)
	}
	return nil
}

// GetInstance retrieves an instance with its approvals and audit history
func (s *PostgresStore) GetInstance(ctx context.Context, id string) (models.WorkflowInstance, error) {
	var inst models.WorkflowInstance
	err := s.db.GetContext(ctx, &inst, "SELECT "+instanceColumns+" FROM workflow_instances WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.WorkflowInstance{}, errors.Wrapf(storage.ErrNotFound, "instance %s", id)
	}
	if err != nil {
		return models.WorkflowInstance{}, errors.Wrapf(err, "get instance %s", id)
	}

	approvals, err := s.approvalsFor(ctx, []string{id})
	if err != nil {
		return models.WorkflowInstance{}, err
	}
	inst.Approvals = approvals[id]

	history, err := s.ListAuditEvents(ctx, id)
	if err != nil {
		return models.WorkflowInstance{}, err
	}
	if len(history) > 0 {
		inst.History = history
	}
	return inst, nil
}

// UpdateInstance writes the mutable columns if the stored version still
// matches inst.Version and returns the incremented version.
func (s *PostgresStore) UpdateInstance(ctx context.Context, inst models.WorkflowInstance) (int64, error) {
	var version int64
	err := s.db.QueryRowxContext(ctx, `
		UPDATE workflow_instances
		SET status = $1,
		current_step_index = $2,
		current_step_id = $3,
		step_state = $4,
		escalation_level = $5,
		context = $6,
		error_msg = $7,
		step_started_at = $8,
		timeout_at = $9,
		updated_at = $10,
		completed_at = $11,
		version = version + 1
		WHERE id = $12 AND version = $13
		RETURNING version`,
		inst.Status, inst.CurrentStepIndex, inst.CurrentStepID, inst.StepState, inst.EscalationLevel,
		inst.Context, inst.ErrorMessage, inst.StepStartedAt, inst.TimeoutAt, inst.UpdatedAt, inst.CompletedAt,
		inst.ID, inst.Version).Scan(&version)
	if err == nil {
		return version, nil
	}
	if err != sql.ErrNoRows {
		return 0, errors.Wrapf(err, "update instance %s", inst.ID)
	}

	// Nothing matched: either the row is gone or someone else bumped the version.
	var exists bool
	if err := s.db.GetContext(ctx, &exists, "SELECT EXISTS (SELECT 1 FROM workflow_instances WHERE id = $1)", inst.ID); err != nil {
		return 0, errors.Wrapf(err, "update instance %s", inst.ID)
	}
	if !exists {
		return 0, errors.Wrapf(storage.ErrNotFound, "instance %s", inst.ID)
	}
	return 0, errors.Wrapf(storage.ErrVersionConflict, "instance %s at version %d", inst.ID, inst.Version)
}

// ListInstances returns instances with the given status (all when empty),
// oldest first, with approvals but without history.
func (s *PostgresStore) ListInstances(ctx context.Context, status models.InstanceStatus) ([]models.WorkflowInstance, error) {
	instances := []models.WorkflowInstance{}
	query := "SELECT " + instanceColumns + " FROM workflow_instances"
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = $1"
		args = append(args, status)
	}
	query += " ORDER BY created_at, id"
	if err := s.db.SelectContext(ctx, &instances, query, args...); err != nil {
		return nil, errors.Wrap(err, "list instances")
	}
	if len(instances) == 0 {
		return instances, nil
	}

	ids := make([]string, len(instances))
	for i, inst := range instances {
		ids[i] = inst.ID
	}
	approvals, err := s.approvalsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range instances {
		instances[i].Approvals = approvals[instances[i].ID]
	}
	return instances, nil
}

func (s *PostgresStore) approvalsFor(ctx context.Context, ids []string) (map[string][]models.Approval, error) {
	var rows []approvalRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT "+approvalColumns+" FROM workflow_approvals WHERE instance_id = ANY($1) ORDER BY seq", pq.Array(ids))
	if err != nil {
		return nil, errors.Wrap(err, "list approvals")
	}
	out := make(map[string][]models.Approval, len(ids))
	for _, r := range rows {
		out[r.InstanceID] = append(out[r.InstanceID], r.toModel())
	}
	return out, nil
}

func (s *PostgresStore) AppendApproval(ctx context.Context, a models.Approval) error {
	attachments := a.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO workflow_approvals ("+approvalColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		a.ID, a.InstanceID, a.StepID, a.StepIndex, a.UserID, a.Action, a.Comments, pq.Array(attachments), a.CreatedAt)
	if err != nil {
		return errors.Wrapf(err, "append approval for instance %s", a.InstanceID)
	}
	return nil
}

func (s *PostgresStore) AppendAuditEvent(ctx context.Context, e models.AuditEvent) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO workflow_audit_events (workflow_id, event_type, event_data, created_at) VALUES ($1, $2, $3, $4)",
		e.WorkflowID, e.EventType, e.Data, e.CreatedAt)
	if err != nil {
		return errors.Wrapf(err, "append %s event for instance %s", e.EventType, e.WorkflowID)
	}
	return nil
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, instanceID string) ([]models.AuditEvent, error) {
	events := []models.AuditEvent{}
	err := s.db.SelectContext(ctx, &events,
		"SELECT id, workflow_id, event_type, event_data, created_at FROM workflow_audit_events WHERE workflow_id = $1 ORDER BY id",
		instanceID)
	if err != nil {
		return nil, errors.Wrapf(err, "list audit events for instance %s", instanceID)
	}
	return events, nil
}

// SaveTimer inserts or replaces the deadline for (instance, step).
func (s *PostgresStore) SaveTimer(ctx context.Context, t models.StepTimer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO step_timers (instance_id, step_id, step_index, fire_at, created_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (instance_id, step_id)
		DO UPDATE SET step_index = EXCLUDED.step_index, fire_at = EXCLUDED.fire_at, created_at = EXCLUDED.created_at, claimed_until = NULL`,
		t.InstanceID, t.StepID, t.StepIndex, t.FireAt, t.CreatedAt)
	if err != nil {
		return errors.Wrapf(err, "save timer %s/%s", t.InstanceID, t.StepID)
	}
	return nil
}

func (s *PostgresStore) DeleteTimer(ctx context.Context, instanceID, stepID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM step_timers WHERE instance_id = $1 AND step_id = $2", instanceID, stepID)
	if err != nil {
		return errors.Wrapf(err, "delete timer %s/%s", instanceID, stepID)
	}
	return nil
}

func (s *PostgresStore) GetTimer(ctx context.Context, instanceID, stepID string) (models.StepTimer, error) {
	var t models.StepTimer
	err := s.db.GetContext(ctx, &t,
		"SELECT "+timerColumns+" FROM step_timers WHERE instance_id = $1 AND step_id = $2", instanceID, stepID)
	if err == sql.ErrNoRows {
		return models.StepTimer{}, errors.Wrapf(storage.ErrNotFound, "timer %s/%s", instanceID, stepID)
	}
	if err != nil {
		return models.StepTimer{}, errors.Wrapf(err, "get timer %s/%s", instanceID, stepID)
	}
	return t, nil
}

// ClaimDueTimers leases and returns up to limit due timers. Rows locked by a
// concurrent claim are skipped, so each lease is handed to one caller. The
// timer is deleted by whoever handles it.
func (s *PostgresStore) ClaimDueTimers(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]models.StepTimer, error) {
	var batch interface{}
	if limit > 0 {
		batch = limit
	}
	timers := []models.StepTimer{}
	err := s.db.SelectContext(ctx, &timers, `
		UPDATE step_timers SET claimed_until = $2
		WHERE (instance_id, step_id) IN (
			SELECT instance_id, step_id FROM step_timers
			WHERE fire_at <= $1 AND (claimed_until IS NULL OR claimed_until <= $1)
			ORDER BY fire_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+timerColumns, now, now.Add(lease), batch)
	if err != nil {
		return nil, errors.Wrap(err, "claim due timers")
	}
	sort.Slice(timers, func(i, j int) bool { return timers[i].FireAt.Before(timers[j].FireAt) })
	return timers, nil
}
