package scheduler

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/mikedrai/gep-partner-system-sub001/pkg/models"
)

const (
	// default fire timeout is 1m
	DefaultFireTimeout = 60 * time.Second
	retryDelay         = 100 * time.Millisecond
)

// FireFunc handles a due timer, normally Engine.HandleTimeout.
type FireFunc func(ctx context.Context, timer models.StepTimer) error

type fireJob struct {
	ctx   context.Context
	timer models.StepTimer
	done  func(error)
}

// WorkerPool fires claimed timers in parallel.
type WorkerPool struct {
	fire     FireFunc
	logger   Logger
	timeout  time.Duration
	retries  int
	jobs     chan fireJob
	wg       sync.WaitGroup
	stopOnce sync.Once
	ctx      context.Context
}

func NewWorkerPool(ctx context.Context, fire FireFunc, timeout time.Duration, retries int, logger Logger) *WorkerPool {
	if timeout <= 0 {
		timeout = DefaultFireTimeout
	}
	if retries < 0 {
		retries = 0
	}
	return &WorkerPool{
		fire:    fire,
		logger:  logger,
		timeout: timeout,
		retries: retries,
		ctx:     ctx,
	}
}

// Start begins the worker pool with the specified number of workers
func (wp *WorkerPool) Start(workers int) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	wp.jobs = make(chan fireJob, workers)
	for i := 0; i < workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// Stop closes the queue and waits for in-flight timers.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		close(wp.jobs)
		wp.wg.Wait()
	})
}

// Submit queues timer; done is called with the final result.
func (wp *WorkerPool) Submit(ctx context.Context, timer models.StepTimer, done func(error)) {
	wp.jobs <- fireJob{ctx: ctx, timer: timer, done: done}
}

func (wp *WorkerPool) worker() {
	defer wp.wg.Done()
	for job := range wp.jobs {
		if wp.ctx.Err() != nil {
			job.done(wp.ctx.Err())
			continue
		}
		job.done(wp.execute(job))
	}
}

func (wp *WorkerPool) execute(job fireJob) error {
	var err error
	for attempt := 0; attempt <= wp.retries; attempt++ {
		err = wp.fireOnce(job)
		if err == nil {
			return nil
		}
		if job.ctx.Err() != nil {
			return err
		}
		if attempt < wp.retries {
			wp.logger.Warnf("Retrying timeout for step '%s' of instance %s (attempt %d/%d): %v",
				job.timer.StepID, job.timer.InstanceID, attempt+1, wp.retries, err)
			select {
			case <-time.After(retryDelay):
			case <-job.ctx.Done():
				return job.ctx.Err()
			}
		}
	}
	return err
}

func (wp *WorkerPool) fireOnce(job fireJob) (err error) {
	ctx, cancel := context.WithTimeout(job.ctx, wp.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("timeout handler panicked: %v", r)
		}
	}()
	return wp.fire(ctx, job.timer)
}
