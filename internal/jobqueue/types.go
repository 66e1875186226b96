// Package jobqueue provides a job queue implementation with retry capabilities
// for handling asynchronous tasks with configurable retry policies.
package jobqueue

import (
	"context"
	"errors"
	"time"
)

// Common errors that can be returned by job queue operations
var (
	ErrNilAction    = errors.New("cannot enqueue nil action")
	ErrQueueStopped = errors.New("job queue has been stopped")
	ErrQueueFull    = errors.New("job queue is full")
)

// RetryConfig holds the configuration for retry behavior of an action
type RetryConfig struct {
	Enabled      bool          // Whether retry is enabled for this action
	MaxRetries   int           // Maximum number of retry attempts
	InitialDelay time.Duration // Initial delay before first retry
	MaxDelay     time.Duration // Maximum delay between retries
	Multiplier   float64       // Backoff multiplier for each subsequent retry
}

// Action defines the interface that must be implemented by any action
// that can be executed by the job queue.
type Action interface {
	Execute(ctx context.Context, data any) error
}

// FailureHandler is implemented by actions that need to observe the job's
// permanent failure, after retries are exhausted or a non-retryable error.
type FailureHandler interface {
	OnPermanentFailure(ctx context.Context, data any, err error)
}

// JobStatus represents the current status of a job in the queue
type JobStatus int

const (
	// JobStatusPending indicates the job is waiting to be executed
	JobStatusPending JobStatus = iota
	// JobStatusRunning indicates the job is currently being executed
	JobStatusRunning
	// JobStatusCompleted indicates the job has completed successfully
	JobStatusCompleted
	// JobStatusFailed indicates the job has failed and will not be retried
	JobStatusFailed
	// JobStatusRetrying indicates the job has failed but will be retried
	JobStatusRetrying
)

// String returns a string representation of the job status
func (s JobStatus) String() string {
	switch s {
	case JobStatusPending:
		return "Pending"
	case JobStatusRunning:
		return "Running"
	case JobStatusCompleted:
		return "Completed"
	case JobStatusFailed:
		return "Failed"
	case JobStatusRetrying:
		return "Retrying"
	default:
		return "Unknown"
	}
}

// Job represents a unit of work in the job queue
type Job struct {
	ID          string      // Unique ID for this job
	Action      Action      // The action to execute
	Data        any         // Data for the action
	Attempts    int         // Number of attempts made so far
	MaxAttempts int         // Maximum number of attempts allowed
	CreatedAt   time.Time   // When the job was created
	NextRetryAt time.Time   // When to next attempt the job
	Status      JobStatus   // Current status of the job
	LastError   error       // Last error encountered
	Config      RetryConfig // Retry configuration for this job
}

// Stats tracks counters about job processing
type Stats struct {
	TotalJobs      int
	SuccessfulJobs int
	FailedJobs     int
	RetryAttempts  int
}
