package jobqueue

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/takeoffworks/autocount/internal/errors"
	"github.com/takeoffworks/autocount/internal/logging"
)

// JobQueue manages a queue of jobs that can be retried
type JobQueue struct {
	jobs               []*Job
	mu                 sync.Mutex
	stats              Stats
	jobCounter         int
	stopCh             chan struct{}
	runningJobs        sync.WaitGroup // Track running jobs for graceful shutdown
	isRunning          bool
	maxJobs            int           // Maximum number of pending jobs in the queue
	executionTimeout   time.Duration // Per-attempt execution timeout
	processingInterval time.Duration // Interval for the processing ticker
	processCancel      context.CancelFunc
	logger             *slog.Logger
}

// NewJobQueue creates a new job queue with default settings
func NewJobQueue() *JobQueue {
	return NewJobQueueWithOptions(1000, 10*time.Minute)
}

// NewJobQueueWithOptions creates a new job queue with custom settings
func NewJobQueueWithOptions(maxJobs int, executionTimeout time.Duration) *JobQueue {
	return &JobQueue{
		jobs:               make([]*Job, 0),
		stopCh:             make(chan struct{}),
		maxJobs:            maxJobs,
		executionTimeout:   executionTimeout,
		processingInterval: 1 * time.Second,
		logger:             logging.ForService("jobqueue"),
	}
}

// SetProcessingInterval sets the processing interval, primarily for tests.
func (q *JobQueue) SetProcessingInterval(interval time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processingInterval = interval
}

// StartWithContext starts the job queue processing with a context
func (q *JobQueue) StartWithContext(ctx context.Context) {
	q.mu.Lock()
	if q.isRunning {
		q.mu.Unlock()
		return
	}
	q.isRunning = true
	q.stopCh = make(chan struct{})
	q.mu.Unlock()

	processCtx, cancel := context.WithCancel(ctx)

	q.mu.Lock()
	q.processCancel = cancel
	q.mu.Unlock()

	go q.processJobs(processCtx)
}

// Start starts the job queue processing
func (q *JobQueue) Start() {
	q.StartWithContext(context.Background())
}

// Stop stops the job queue processing, waiting up to the timeout for running
// jobs to finish.
func (q *JobQueue) Stop() error {
	return q.StopWithTimeout(10 * time.Second)
}

// StopWithTimeout stops the job queue processing with a timeout
func (q *JobQueue) StopWithTimeout(timeout time.Duration) error {
	q.mu.Lock()
	if !q.isRunning {
		q.mu.Unlock()
		return nil
	}
	q.isRunning = false

	if q.processCancel != nil {
		q.processCancel()
		q.processCancel = nil
	}
	close(q.stopCh)
	q.mu.Unlock()

	c := make(chan struct{})
	go func() {
		q.runningJobs.Wait()
		close(c)
	}()

	select {
	case <-c:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timed out waiting for jobs to complete after %v", timeout)
	}
}

// Enqueue adds a job to the queue
func (q *JobQueue) Enqueue(action Action, data any, config RetryConfig) (*Job, error) {
	if action == nil {
		return nil, ErrNilAction
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.isRunning {
		return nil, ErrQueueStopped
	}
	if len(q.jobs) >= q.maxJobs {
		return nil, fmt.Errorf("%w: maximum queue size (%d) reached", ErrQueueFull, q.maxJobs)
	}

	maxAttempts := 1
	if config.Enabled {
		maxAttempts = config.MaxRetries + 1
	}

	q.jobCounter++
	job := &Job{
		ID:          fmt.Sprintf("job-%d", q.jobCounter),
		Action:      action,
		Data:        data,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now(),
		NextRetryAt: time.Now(), // Ready to run immediately
		Status:      JobStatusPending,
		Config:      config,
	}

	q.jobs = append(q.jobs, job)
	q.stats.TotalJobs++

	return job, nil
}

// processJobs is the main job processing loop
func (q *JobQueue) processJobs(ctx context.Context) {
	q.mu.Lock()
	interval := q.processingInterval
	q.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			q.cleanupFinishedJobs()
			q.processDueJobs(ctx)
		}
	}
}

// cleanupFinishedJobs drops completed and failed jobs from the queue.
func (q *JobQueue) cleanupFinishedJobs() {
	q.mu.Lock()
	defer q.mu.Unlock()

	active := q.jobs[:0]
	for _, job := range q.jobs {
		if job.Status != JobStatusCompleted && job.Status != JobStatusFailed {
			active = append(active, job)
		}
	}
	q.jobs = active
}

// calculateBackoffDelay calculates the delay before the next retry attempt
func calculateBackoffDelay(config RetryConfig, attemptNum int) time.Duration {
	// Exponential backoff with ±10% jitter
	backoff := float64(config.InitialDelay) * math.Pow(config.Multiplier, float64(attemptNum))
	jitterFactor := 0.9 + 0.2*float64(time.Now().Nanosecond())/1e9
	backoff *= jitterFactor

	if backoff > float64(config.MaxDelay) {
		backoff = float64(config.MaxDelay)
	}
	return time.Duration(backoff)
}

// processDueJobs processes jobs that are due for execution
func (q *JobQueue) processDueJobs(ctx context.Context) {
	q.mu.Lock()
	var dueJobs []*Job
	now := time.Now()
	for _, job := range q.jobs {
		if (job.Status == JobStatusPending || job.Status == JobStatusRetrying) && !job.NextRetryAt.After(now) {
			dueJobs = append(dueJobs, job)
			job.Status = JobStatusRunning
		}
	}
	q.mu.Unlock()

	for _, job := range dueJobs {
		if ctx.Err() != nil {
			q.mu.Lock()
			for _, j := range dueJobs {
				if j.Status == JobStatusRunning {
					if j.Attempts > 0 {
						j.Status = JobStatusRetrying
					} else {
						j.Status = JobStatusPending
					}
				}
			}
			q.mu.Unlock()
			return
		}

		q.runningJobs.Add(1)
		go func(j *Job) {
			defer q.runningJobs.Done()
			q.executeJob(ctx, j)
		}(job)
	}
}

// executeJob executes a job and handles retries if needed
func (q *JobQueue) executeJob(ctx context.Context, job *Job) {
	q.mu.Lock()
	job.Attempts++
	attempt := job.Attempts
	q.stats.RetryAttempts++
	q.mu.Unlock()

	if attempt > 1 {
		q.logger.Info("retrying job", "job_id", job.ID, "attempt", attempt, "max_attempts", job.MaxAttempts)
	}

	execCtx, cancel := context.WithTimeout(ctx, q.executionTimeout)
	defer cancel()

	// The result travels over the buffered channel so a timed-out attempt
	// that finishes late cannot touch the recorded outcome.
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("job execution panicked: %v", r)
			}
		}()
		done <- job.Action.Execute(execCtx, job.Data)
	}()

	var err error
	select {
	case err = <-done:
	case <-execCtx.Done():
		ctxErr := execCtx.Err()
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			err = fmt.Errorf("job execution timed out after %v: %w", q.executionTimeout, ctxErr)
		} else {
			err = fmt.Errorf("job execution was cancelled: %w", ctxErr)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err == nil {
		job.Status = JobStatusCompleted
		q.stats.SuccessfulJobs++
		if job.Attempts > 1 {
			q.logger.Info("job succeeded after retries", "job_id", job.ID, "attempts", job.Attempts)
		}
		return
	}

	job.LastError = err

	// Expected failures (validation, missing refs, state conflicts) never
	// succeed on retry, so they fail the job on the spot.
	if errors.IsNonRetryable(err) || job.Attempts >= job.MaxAttempts {
		job.Status = JobStatusFailed
		q.stats.FailedJobs++
		q.logger.Error("job permanently failed",
			"job_id", job.ID, "attempts", job.Attempts, "error", err)

		if handler, ok := job.Action.(FailureHandler); ok {
			// Run outside the queue lock; the handler may hit the database.
			q.runningJobs.Add(1)
			go func(data any, jobErr error) {
				defer q.runningJobs.Done()
				handler.OnPermanentFailure(ctx, data, jobErr)
			}(job.Data, err)
		}
		return
	}

	job.Status = JobStatusRetrying
	delay := calculateBackoffDelay(job.Config, job.Attempts)
	job.NextRetryAt = time.Now().Add(delay)
	q.logger.Warn("job failed, will retry",
		"job_id", job.ID, "attempt", job.Attempts, "max_attempts", job.MaxAttempts,
		"retry_in", delay.String(), "error", err)
}

// GetStats returns a snapshot of the current job statistics
func (q *JobQueue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// PendingJobs returns the number of jobs waiting or retrying.
func (q *JobQueue) PendingJobs() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, job := range q.jobs {
		if job.Status == JobStatusPending || job.Status == JobStatusRetrying {
			n++
		}
	}
	return n
}

// ProcessImmediately processes any due jobs without waiting for the ticker.
// It is intended for tests.
func (q *JobQueue) ProcessImmediately(ctx context.Context) {
	q.cleanupFinishedJobs()
	q.processDueJobs(ctx)
}

// Wait blocks until all currently running jobs have finished. Tests use it
// together with ProcessImmediately for deterministic execution.
func (q *JobQueue) Wait() {
	q.runningJobs.Wait()
}
