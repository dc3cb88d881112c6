package storage

import (
	"context"
	"time"

	"github.com/mikedrai/gep-partner-system-sub001/pkg/models"
	"github.com/pkg/errors"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrVersionConflict = errors.New("version conflict")
)

// Store defines the persistence operations of the workflow orchestrator.
// Begin returns a Store bound to a transaction; Commit and Rollback are only
// meaningful on such a Store.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Instance operations. UpdateInstance succeeds only if the stored version
	// equals inst.Version and returns the new version.
	CreateInstance(ctx context.Context, inst models.WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (models.WorkflowInstance, error)
	UpdateInstance(ctx context.Context, inst models.WorkflowInstance) (int64, error)
	ListInstances(ctx context.Context, status models.InstanceStatus) ([]models.WorkflowInstance, error)

	// Append-only records
	AppendApproval(ctx context.Context, a models.Approval) error
	AppendAuditEvent(ctx context.Context, e models.AuditEvent) error
	ListAuditEvents(ctx context.Context, instanceID string) ([]models.AuditEvent, error)

	// Durable step deadlines. DeleteTimer is idempotent. ClaimDueTimers leases
	// and returns up to limit timers due at or before now that are not leased
	// already. A leased timer stays stored until it is deleted and is claimable
	// again once the lease runs out.
	SaveTimer(ctx context.Context, t models.StepTimer) error
	DeleteTimer(ctx context.Context, instanceID, stepID string) error
	GetTimer(ctx context.Context, instanceID, stepID string) (models.StepTimer, error)
	ClaimDueTimers(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]models.StepTimer, error)
}
