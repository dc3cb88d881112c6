package storage_test

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	internal_storage "github.com/mikedrai/gep-partner-system-sub001/internal/storage"
	"github.com/mikedrai/gep-partner-system-sub001/internal/testutil"
	"github.com/mikedrai/gep-partner-system-sub001/pkg/models"
	"github.com/mikedrai/gep-partner-system-sub001/pkg/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var instanceCols = []string{
	"id", "definition_id", "entity_id", "entity_type", "initiator_id", "status",
	"current_step_index", "current_step_id", "step_state", "escalation_level", "context", "error_msg",
	"version", "step_started_at", "timeout_at", "created_at", "updated_at", "completed_at",
}

func newMockStore(t *testing.T) (*internal_storage.PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return internal_storage.NewPostgresStoreWithDB(sqlx.NewDb(db, "sqlmock")), mock
}

func instanceRow(id string, version int64, now time.Time) []driver.Value {
	return []driver.Value{
		id, "schedule_approval", "visit-1", "schedule", "initiator", "running",
		0, "manager_review", "awaiting_approval", 0, []byte(`{"organization_id":"org-1"}`), "",
		version, now, nil, now, now, nil,
	}
}

func TestPostgresStoreQueries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	t.Run("CreateInstance", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec("INSERT INTO workflow_instances").WillReturnResult(sqlmock.NewResult(0, 1))
		err := store.CreateInstance(ctx, models.WorkflowInstance{ID: "wf-1", Status: models.RunningInstanceStatus, CreatedAt: now})
		assert.NoError(t, err)
	})

	t.Run("CreateDuplicateInstance", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec("INSERT INTO workflow_instances").WillReturnError(&pq.Error{Code: "23505"})
		err := store.CreateInstance(ctx, models.WorkflowInstance{ID: "wf-1"})
		assert.True(t, errors.Is(err, storage.ErrAlreadyExists))
	})

	t.Run("GetInstance", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT .+ FROM workflow_instances WHERE id = \$1`).WithArgs("wf-1").
			WillReturnRows(sqlmock.NewRows(instanceCols).AddRow(instanceRow("wf-1", 3, now)...))
		mock.ExpectQuery(`FROM workflow_approvals WHERE instance_id = ANY\(\$1\)`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "instance_id", "step_id", "step_index", "user_id", "action", "comments", "attachments", "created_at"}).
				AddRow("ap-1", "wf-1", "manager_review", 0, "m1", "commented", "see notes", []byte("{a.pdf,b.pdf}"), now))
		mock.ExpectQuery(`FROM workflow_audit_events WHERE workflow_id = \$1`).WithArgs("wf-1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "workflow_id", "event_type", "event_data", "created_at"}).
				AddRow(1, "wf-1", models.WorkflowStartedEvent, []byte(`{"definition_id":"schedule_approval"}`), now))

		inst, err := store.GetInstance(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, models.RunningInstanceStatus, inst.Status)
		assert.Equal(t, models.AwaitingApprovalStepState, inst.StepState)
		assert.Equal(t, int64(3), inst.Version)
		assert.Equal(t, "org-1", inst.Context["organization_id"])
		assert.Nil(t, inst.TimeoutAt)
		require.Len(t, inst.Approvals, 1)
		assert.Equal(t, []string{"a.pdf", "b.pdf"}, inst.Approvals[0].Attachments)
		require.Len(t, inst.History, 1)
		assert.Equal(t, "schedule_approval", inst.History[0].Data["definition_id"])
	})

	t.Run("GetMissingInstance", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("FROM workflow_instances").WithArgs("missing").WillReturnRows(sqlmock.NewRows(instanceCols))
		_, err := store.GetInstance(ctx, "missing")
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	})

	t.Run("UpdateInstance", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`UPDATE workflow_instances .+ WHERE id = \$12 AND version = \$13`).
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(4))
		version, err := store.UpdateInstance(ctx, models.WorkflowInstance{ID: "wf-1", Version: 3})
		require.NoError(t, err)
		assert.Equal(t, int64(4), version)
	})

	t.Run("UpdateStaleInstance", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("UPDATE workflow_instances").WillReturnRows(sqlmock.NewRows([]string{"version"}))
		mock.ExpectQuery(`SELECT EXISTS`).WithArgs("wf-1").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		_, err := store.UpdateInstance(ctx, models.WorkflowInstance{ID: "wf-1", Version: 2})
		assert.True(t, errors.Is(err, storage.ErrVersionConflict))
	})

	t.Run("UpdateDeletedInstance", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("UPDATE workflow_instances").WillReturnRows(sqlmock.NewRows([]string{"version"}))
		mock.ExpectQuery(`SELECT EXISTS`).WithArgs("wf-1").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		_, err := store.UpdateInstance(ctx, models.WorkflowInstance{ID: "wf-1", Version: 2})
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	})

	t.Run("ListRunningInstances", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`FROM workflow_instances WHERE status = \$1 ORDER BY created_at, id`).WithArgs("running").
			WillReturnRows(sqlmock.NewRows(instanceCols).
				AddRow(instanceRow("wf-1", 1, now)...).
				AddRow(instanceRow("wf-2", 1, now)...))
		mock.ExpectQuery("FROM workflow_approvals").
			WillReturnRows(sqlmock.NewRows([]string{"id", "instance_id", "step_id", "step_index", "user_id", "action", "comments", "attachments", "created_at"}).
				AddRow("ap-1", "wf-2", "manager_review", 0, "m1", "approved", "", []byte("{}"), now))

		instances, err := store.ListInstances(ctx, models.RunningInstanceStatus)
		require.NoError(t, err)
		require.Len(t, instances, 2)
		assert.Empty(t, instances[0].Approvals)
		require.Len(t, instances[1].Approvals, 1)
		assert.Nil(t, instances[1].Approvals[0].Attachments)
	})

	t.Run("ClaimDueTimersSortsByDeadline", func(t *testing.T) {
		store, mock := newMockStore(t)
		until := now.Add(5 * time.Minute)
		mock.ExpectQuery(`UPDATE step_timers SET claimed_until = .+ FOR UPDATE SKIP LOCKED`).WithArgs(now, until, 10).
			WillReturnRows(sqlmock.NewRows([]string{"instance_id", "step_id", "step_index", "fire_at", "created_at", "claimed_until"}).
				AddRow("wf-2", "admin_approval", 1, now.Add(-time.Minute), now, until).
				AddRow("wf-1", "manager_review", 0, now.Add(-time.Hour), now, until))
		timers, err := store.ClaimDueTimers(ctx, now, 5*time.Minute, 10)
		require.NoError(t, err)
		require.Len(t, timers, 2)
		assert.Equal(t, "wf-1", timers[0].InstanceID)
		assert.Equal(t, "wf-2", timers[1].InstanceID)
		require.NotNil(t, timers[0].ClaimedUntil)
		assert.True(t, timers[0].ClaimedUntil.Equal(until))
	})

	t.Run("ClaimWithoutLimit", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("UPDATE step_timers SET claimed_until").WithArgs(now, now.Add(time.Minute), nil).
			WillReturnRows(sqlmock.NewRows([]string{"instance_id", "step_id", "step_index", "fire_at", "created_at", "claimed_until"}))
		timers, err := store.ClaimDueTimers(ctx, now, time.Minute, 0)
		require.NoError(t, err)
		assert.Empty(t, timers)
	})

	t.Run("TransactionCommit", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO workflow_audit_events").
			WithArgs("wf-1", models.StepStartedEvent, sqlmock.AnyArg(), now).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO step_timers .+ ON CONFLICT").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		tx, err := store.Begin()
		require.NoError(t, err)
		require.NoError(t, tx.AppendAuditEvent(ctx, models.AuditEvent{WorkflowID: "wf-1", EventType: models.StepStartedEvent, CreatedAt: now}))
		require.NoError(t, tx.SaveTimer(ctx, models.StepTimer{InstanceID: "wf-1", StepID: "manager_review", FireAt: now.Add(24 * time.Hour)}))
		assert.NoError(t, tx.Commit())
	})

	t.Run("TransactionRollback", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec("DELETE FROM step_timers").WithArgs("wf-1", "manager_review").
			WillReturnError(errors.New("connection reset"))
		mock.ExpectRollback()

		tx, err := store.Begin()
		require.NoError(t, err)
		err = tx.DeleteTimer(ctx, "wf-1", "manager_review")
		assert.ErrorContains(t, err, "delete timer wf-1/manager_review")
		assert.NoError(t, tx.Rollback())
	})

	t.Run("CommitOutsideTransaction", func(t *testing.T) {
		store, _ := newMockStore(t)
		assert.Error(t, store.Commit())
		assert.Error(t, store.Rollback())
	})
}

func TestPostgresStore(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	// Helper to create a transactional store
	newTxStore := func(t *testing.T) storage.Store {
		store, err := internal_storage.NewPostgresStore(testDB.ConnStr)
		require.NoError(t, err)
		txStore, err := store.Begin()
		require.NoError(t, err)
		t.Cleanup(func() {
			txStore.Rollback()
			store.Close()
		})
		return txStore
	}

	newInstance := func(id string) models.WorkflowInstance {
		return models.WorkflowInstance{
			ID:            id,
			DefinitionID:  "schedule_approval",
			EntityID:      "visit-1",
			EntityType:    "schedule",
			InitiatorID:   "initiator",
			Status:        models.RunningInstanceStatus,
			CurrentStepID: "manager_review",
			StepState:     models.AwaitingApprovalStepState,
			Context:       models.Context{"organization_id": "org-1"},
			StepStartedAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
	}

	t.Run("CreateAndGet", func(t *testing.T) {
		store := newTxStore(t)
		require.NoError(t, store.CreateInstance(ctx, newInstance("wf-create")))
		require.NoError(t, store.AppendApproval(ctx, models.Approval{
			ID: "ap-1", InstanceID: "wf-create", StepID: "manager_review", UserID: "m1",
			Action: models.OutcomeApproved, Attachments: []string{"roster.pdf"}, CreatedAt: now,
		}))
		require.NoError(t, store.AppendAuditEvent(ctx, models.AuditEvent{
			WorkflowID: "wf-create", EventType: models.WorkflowStartedEvent, Data: models.Context{"step": "manager_review"}, CreatedAt: now,
		}))

		inst, err := store.GetInstance(ctx, "wf-create")
		require.NoError(t, err)
		assert.Equal(t, int64(1), inst.Version)
		assert.Equal(t, "org-1", inst.Context["organization_id"])
		require.Len(t, inst.Approvals, 1)
		assert.Equal(t, []string{"roster.pdf"}, inst.Approvals[0].Attachments)
		require.Len(t, inst.History, 1)
		assert.Equal(t, models.WorkflowStartedEvent, inst.History[0].EventType)

		err = store.CreateInstance(ctx, newInstance("wf-create"))
		assert.True(t, errors.Is(err, storage.ErrAlreadyExists))
	})

	t.Run("OptimisticUpdate", func(t *testing.T) {
		store := newTxStore(t)
		inst := newInstance("wf-update")
		require.NoError(t, store.CreateInstance(ctx, inst))

		inst.Version = 1
		inst.CurrentStepIndex = 1
		inst.CurrentStepID = "admin_approval"
		version, err := store.UpdateInstance(ctx, inst)
		require.NoError(t, err)
		assert.Equal(t, int64(2), version)

		// the same expected version is now stale
		_, err = store.UpdateInstance(ctx, inst)
		assert.True(t, errors.Is(err, storage.ErrVersionConflict))

		_, err = store.UpdateInstance(ctx, newInstance("wf-missing"))
		assert.True(t, errors.Is(err, storage.ErrNotFound))

		stored, err := store.GetInstance(ctx, "wf-update")
		require.NoError(t, err)
		assert.Equal(t, "admin_approval", stored.CurrentStepID)
	})

	t.Run("Timers", func(t *testing.T) {
		store := newTxStore(t)
		require.NoError(t, store.CreateInstance(ctx, newInstance("wf-timer")))
		require.NoError(t, store.CreateInstance(ctx, newInstance("wf-later")))

		timer := models.StepTimer{InstanceID: "wf-timer", StepID: "manager_review", FireAt: now.Add(time.Hour), CreatedAt: now}
		require.NoError(t, store.SaveTimer(ctx, timer))
		timer.FireAt = now.Add(-time.Minute)
		require.NoError(t, store.SaveTimer(ctx, timer), "saving again replaces the deadline")
		require.NoError(t, store.SaveTimer(ctx, models.StepTimer{InstanceID: "wf-later", StepID: "manager_review", FireAt: now.Add(time.Hour), CreatedAt: now}))

		got, err := store.GetTimer(ctx, "wf-timer", "manager_review")
		require.NoError(t, err)
		assert.True(t, got.FireAt.Equal(timer.FireAt))

		claimed, err := store.ClaimDueTimers(ctx, now, time.Minute, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, "wf-timer", claimed[0].InstanceID)

		claimed, err = store.ClaimDueTimers(ctx, now, time.Minute, 10)
		require.NoError(t, err)
		assert.Empty(t, claimed, "the timer is leased")
		_, err = store.GetTimer(ctx, "wf-timer", "manager_review")
		require.NoError(t, err, "a leased timer stays stored")

		claimed, err = store.ClaimDueTimers(ctx, now.Add(2*time.Minute), time.Minute, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1, "an expired lease can be claimed again")

		require.NoError(t, store.SaveTimer(ctx, timer))
		got, err = store.GetTimer(ctx, "wf-timer", "manager_review")
		require.NoError(t, err)
		assert.Nil(t, got.ClaimedUntil, "rescheduling clears the lease")

		require.NoError(t, store.DeleteTimer(ctx, "wf-later", "manager_review"))
		require.NoError(t, store.DeleteTimer(ctx, "wf-later", "manager_review"))
		_, err = store.GetTimer(ctx, "wf-later", "manager_review")
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	})

	t.Run("ListInstances", func(t *testing.T) {
		store := newTxStore(t)
		running := newInstance("wf-list-1")
		done := newInstance("wf-list-2")
		done.Status = models.CompletedInstanceStatus
		require.NoError(t, store.CreateInstance(ctx, running))
		require.NoError(t, store.CreateInstance(ctx, done))

		instances, err := store.ListInstances(ctx, models.RunningInstanceStatus)
		require.NoError(t, err)
		ids := []string{}
		for _, inst := range instances {
			ids = append(ids, inst.ID)
		}
		assert.Contains(t, ids, "wf-list-1")
		assert.NotContains(t, ids, "wf-list-2")
	})
}
