package repository

import (
	"context"
	"errors"
	"time"

	"docpipe/internal/models"
)

// ErrTerminalState is returned when a status write targets a job that already
// reached a terminal state. Terminal states are sticky.
var ErrTerminalState = errors.New("job is already in a terminal state")

// JobRepository defines the interface for job persistence
type JobRepository interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJobByID(ctx context.Context, id string) (*models.Job, error)
	ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error)

	// ClaimQueuedJob atomically claims the oldest claimable job under a
	// lease and returns it in PROCESSING, or returns nil when nothing is
	// claimable. Queued jobs and processing jobs with a lapsed lease are
	// claimable; expired jobs are not.
	ClaimQueuedJob(ctx context.Context, leaseDuration time.Duration) (*models.Job, error)

	// ExtendLease pushes a processing job's lease forward. A no-op when the
	// job left PROCESSING in the meantime.
	ExtendLease(ctx context.Context, id string, leaseDuration time.Duration) error

	// UpdateJobStatus transitions a non-terminal job. Writes against a
	// terminal job return ErrTerminalState.
	UpdateJobStatus(ctx context.Context, id string, status models.JobStatus) error

	// CompleteJob records the final extracted text and moves the job to
	// COMPLETED.
	CompleteJob(ctx context.Context, id string, text string, pageCount int, unreadable []int) error

	// FailJob records a structured failure and moves the job to FAILED.
	FailJob(ctx context.Context, id string, failure models.JobFailure) error

	// RequestCancel cancels a queued job outright, or sets the cooperative
	// cancellation flag on a processing job. The returned bool reports whether
	// anything changed; terminal jobs are a no-op.
	RequestCancel(ctx context.Context, id string) (models.JobStatus, bool, error)

	// IsCancelRequested reports the cooperative cancellation flag. Workers
	// check it between batches.
	IsCancelRequested(ctx context.Context, id string) (bool, error)

	CountQueuedJobs(ctx context.Context) (int, error)
	CountActiveJobsByOwner(ctx context.Context, ownerID string) (int, error)

	// DeleteExpired removes jobs whose expiry passed and returns them so the
	// caller can release spooled documents and progress snapshots.
	DeleteExpired(ctx context.Context, now time.Time) ([]*models.Job, error)

	Close() error
}
