// Package scheduler persists step deadlines and fires them once they are due.
//
// Deadlines live in the store, so nothing is lost on restart: each poll leases
// due timers straight from the store. The fire handler deletes the timer in the
// same transaction that applies the timeout, so a fire that fails, or is cut
// short by shutdown, is picked up again once its lease expires.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/mikedrai/gep-partner-system-sub001/pkg/models"
	"github.com/mikedrai/gep-partner-system-sub001/pkg/storage"
	"github.com/pkg/errors"
)

const (
	DefaultPollInterval = 30 * time.Second
	DefaultBatchSize    = 100
	DefaultLease        = 5 * time.Minute
)

// Logger defines the logging interface for the Scheduler
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	Workers      int
	FireTimeout  time.Duration
	Retries      int
	// Lease is how long a claimed timer is hidden from other polls.
	Lease time.Duration
}

type Scheduler struct {
	store  storage.Store
	logger Logger
	cfg    Config
	now    func() time.Time
}

func New(store storage.Store, logger Logger, cfg Config) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	return &Scheduler{store: store, logger: logger, cfg: cfg, now: time.Now}
}

// WithClock replaces the scheduler's time source.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Schedule persists timer through tx, replacing any deadline already set for
// the same step. A nil tx writes directly to the store.
func (s *Scheduler) Schedule(ctx context.Context, tx storage.Store, timer models.StepTimer) error {
	if timer.InstanceID == "" || timer.StepID == "" {
		return errors.New("timer needs an instance id and a step id")
	}
	if timer.FireAt.IsZero() {
		return errors.Errorf("timer for step %q of instance %s has no deadline", timer.StepID, timer.InstanceID)
	}
	if timer.CreatedAt.IsZero() {
		timer.CreatedAt = s.now()
	}
	if tx == nil {
		tx = s.store
	}
	if err := tx.SaveTimer(ctx, timer); err != nil {
		return errors.Wrapf(err, "failed to schedule timeout for step %q of instance %s", timer.StepID, timer.InstanceID)
	}
	s.logger.Debugf("Scheduled timeout for step '%s' of instance %s at %s", timer.StepID, timer.InstanceID, timer.FireAt.Format(time.RFC3339))
	return nil
}

// Cancel removes the deadline for a step. Cancelling a timer that already
// fired or never existed is not an error.
func (s *Scheduler) Cancel(ctx context.Context, tx storage.Store, instanceID, stepID string) error {
	if tx == nil {
		tx = s.store
	}
	if err := tx.DeleteTimer(ctx, instanceID, stepID); err != nil {
		return errors.Wrapf(err, "failed to cancel timeout for step %q of instance %s", stepID, instanceID)
	}
	return nil
}

// Poll leases due timers in batches and fires them until none are left. It
// returns the number of timers fired successfully. Timers whose fire failed
// stay leased until the next poll after the lease expires.
func (s *Scheduler) Poll(ctx context.Context, fire FireFunc) (int, error) {
	pool := NewWorkerPool(ctx, fire, s.cfg.FireTimeout, s.cfg.Retries, s.logger)
	pool.Start(s.cfg.Workers)
	defer pool.Stop()
	return s.poll(ctx, pool)
}

func (s *Scheduler) poll(ctx context.Context, pool *WorkerPool) (int, error) {
	fired := 0
	for {
		if ctx.Err() != nil {
			return fired, nil
		}
		timers, err := s.store.ClaimDueTimers(ctx, s.now(), s.cfg.Lease, s.cfg.BatchSize)
		if err != nil {
			return fired, errors.Wrap(err, "failed to claim due timers")
		}
		if len(timers) == 0 {
			return fired, nil
		}
		s.logger.Debugf("Claimed %d due timer(s)", len(timers))

		var (
			wg sync.WaitGroup
			mu sync.Mutex
		)
		for _, timer := range timers {
			timer := timer
			wg.Add(1)
			pool.Submit(ctx, timer, func(err error) {
				defer wg.Done()
				if err != nil {
					s.logger.Errorf("Timeout for step '%s' of instance %s failed, retrying after %s: %v", timer.StepID, timer.InstanceID, s.cfg.Lease, err)
					return
				}
				mu.Lock()
				fired++
				mu.Unlock()
			})
		}
		wg.Wait()
		if len(timers) < s.cfg.BatchSize {
			return fired, nil
		}
	}
}

// Run polls every PollInterval until ctx is cancelled. Due timers left over
// from before a restart are fired on the first poll.
func (s *Scheduler) Run(ctx context.Context, fire FireFunc) error {
	pool := NewWorkerPool(ctx, fire, s.cfg.FireTimeout, s.cfg.Retries, s.logger)
	pool.Start(s.cfg.Workers)
	defer pool.Stop()

	s.logger.Infof("Scheduler started (poll interval %s, batch size %d)", s.cfg.PollInterval, s.cfg.BatchSize)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if n, err := s.poll(ctx, pool); err != nil {
			s.logger.Errorf("Scheduler poll failed: %v", err)
		} else if n > 0 {
			s.logger.Infof("Fired %d timeout(s)", n)
		}
		select {
		case <-ctx.Done():
			s.logger.Infof("Scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}
