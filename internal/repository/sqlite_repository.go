package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"docpipe/internal/models"
)

// SQLiteRepository implements JobRepository using SQLite
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite repository
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repo := &SQLiteRepository{db: db}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// Close closes the database connection
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// initSchema initializes the database schema
func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'QUEUED',
		document_path TEXT NOT NULL,
		document_bytes INTEGER NOT NULL,
		page_count INTEGER NOT NULL DEFAULT 0,
		text TEXT NOT NULL DEFAULT '',
		unreadable_pages TEXT,
		failure_kind TEXT,
		failure_message TEXT,
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		leased_at INTEGER,
		lease_expires_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_owner_id ON jobs(owner_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_expires_at ON jobs(expires_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_lease_expires ON jobs(lease_expires_at);
	`

	_, err := r.db.Exec(schema)
	return err
}

const jobColumns = `id, owner_id, status, document_path, document_bytes, page_count,
	       text, unreadable_pages, failure_kind, failure_message, cancel_requested,
	       leased_at, lease_expires_at, created_at, updated_at, expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var unreadable, failureKind, failureMessage sql.NullString
	var cancelRequested int
	var leasedAt, leaseExpiresAt sql.NullInt64
	var createdAt, updatedAt, expiresAt int64

	err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.Status,
		&job.DocumentPath,
		&job.DocumentBytes,
		&job.PageCount,
		&job.Text,
		&unreadable,
		&failureKind,
		&failureMessage,
		&cancelRequested,
		&leasedAt,
		&leaseExpiresAt,
		&createdAt,
		&updatedAt,
		&expiresAt,
	)
	if err != nil {
		return nil, err
	}

	if leasedAt.Valid {
		t := time.Unix(leasedAt.Int64, 0)
		job.LeasedAt = &t
	}
	if leaseExpiresAt.Valid {
		t := time.Unix(leaseExpiresAt.Int64, 0)
		job.LeaseExpiresAt = &t
	}

	if unreadable.Valid && unreadable.String != "" {
		if err := json.Unmarshal([]byte(unreadable.String), &job.UnreadablePages); err != nil {
			return nil, fmt.Errorf("failed to decode unreadable pages: %w", err)
		}
	}
	if failureKind.Valid {
		job.Failure = &models.JobFailure{
			Kind:    models.ErrorKind(failureKind.String),
			Message: failureMessage.String,
		}
	}
	job.CancelRequested = cancelRequested != 0
	job.CreatedAt = time.Unix(createdAt, 0)
	job.UpdatedAt = time.Unix(updatedAt, 0)
	job.ExpiresAt = time.Unix(expiresAt, 0)

	return &job, nil
}

// CreateJob creates a new job
func (r *SQLiteRepository) CreateJob(ctx context.Context, job *models.Job) error {
	query := `
		INSERT INTO jobs (id, owner_id, status, document_path, document_bytes, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, query,
		job.ID,
		job.OwnerID,
		job.Status,
		job.DocumentPath,
		job.DocumentBytes,
		job.CreatedAt.Unix(),
		job.UpdatedAt.Unix(),
		job.ExpiresAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetJobByID retrieves a job by ID
func (r *SQLiteRepository) GetJobByID(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`

	job, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobsByStatus retrieves all jobs with a specific status
func (r *SQLiteRepository) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = ? ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}

	return jobs, nil
}

// ClaimQueuedJob claims a job for processing under a lease, using a
// transaction. Claimable jobs are queued jobs and processing jobs whose lease
// has lapsed (their worker died or was shut down mid-job); expired jobs are
// never claimed. Returns nil when nothing is claimable.
func (r *SQLiteRepository) ClaimQueuedJob(ctx context.Context, leaseDuration time.Duration) (*models.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	nowUnix := now.Unix()

	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE (status = 'QUEUED' OR (status = 'PROCESSING' AND lease_expires_at < ?))
		  AND expires_at > ?
		ORDER BY created_at ASC
		LIMIT 1
	`

	job, err := scanJob(tx.QueryRowContext(ctx, query, nowUnix, nowUnix))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find claimable job: %w", err)
	}

	leaseExpiry := now.Add(leaseDuration)
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'PROCESSING', leased_at = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = ?
		  AND (status = 'QUEUED' OR (status = 'PROCESSING' AND lease_expires_at < ?))
	`, nowUnix, leaseExpiry.Unix(), nowUnix, job.ID, nowUnix)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check claim: %w", err)
	}
	if affected == 0 {
		// Another worker or a cancel got there first.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	job.Status = models.StatusProcessing
	job.LeasedAt = &now
	job.LeaseExpiresAt = &leaseExpiry
	job.UpdatedAt = now
	return job, nil
}

// ExtendLease pushes a processing job's lease forward. Workers call it at
// batch boundaries so a long document never outlives its lease while its
// worker is still alive. Extending a job that is no longer processing is a
// no-op.
func (r *SQLiteRepository) ExtendLease(ctx context.Context, id string, leaseDuration time.Duration) error {
	now := time.Now()
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND status = 'PROCESSING'
	`, now.Add(leaseDuration).Unix(), now.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}
	return nil
}

// UpdateJobStatus transitions a non-terminal job to the given status.
// Terminal states are sticky: writes against a terminal job return
// ErrTerminalState.
func (r *SQLiteRepository) UpdateJobStatus(ctx context.Context, id string, status models.JobStatus) error {
	query := `
		UPDATE jobs
		SET status = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED')
	`

	res, err := r.db.ExecContext(ctx, query, status, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check status update: %w", err)
	}
	if affected == 0 {
		return r.missingOrTerminal(ctx, id)
	}
	return nil
}

// CompleteJob records the extracted text and moves the job to COMPLETED
func (r *SQLiteRepository) CompleteJob(ctx context.Context, id string, text string, pageCount int, unreadable []int) error {
	var unreadableJSON any
	if len(unreadable) > 0 {
		data, err := json.Marshal(unreadable)
		if err != nil {
			return fmt.Errorf("failed to encode unreadable pages: %w", err)
		}
		unreadableJSON = string(data)
	}

	query := `
		UPDATE jobs
		SET status = 'COMPLETED', text = ?, page_count = ?, unreadable_pages = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED')
	`

	res, err := r.db.ExecContext(ctx, query, text, pageCount, unreadableJSON, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check completion: %w", err)
	}
	if affected == 0 {
		return r.missingOrTerminal(ctx, id)
	}
	return nil
}

// FailJob records a structured failure and moves the job to FAILED
func (r *SQLiteRepository) FailJob(ctx context.Context, id string, failure models.JobFailure) error {
	query := `
		UPDATE jobs
		SET status = 'FAILED', failure_kind = ?, failure_message = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED')
	`

	res, err := r.db.ExecContext(ctx, query, string(failure.Kind), failure.Message, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check failure write: %w", err)
	}
	if affected == 0 {
		return r.missingOrTerminal(ctx, id)
	}
	return nil
}

// RequestCancel cancels a queued job, or flags a processing job for
// cooperative cancellation at the next batch boundary
func (r *SQLiteRepository) RequestCancel(ctx context.Context, id string) (models.JobStatus, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status models.JobStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, sql.ErrNoRows
		}
		return "", false, fmt.Errorf("failed to get job status: %w", err)
	}

	now := time.Now().Unix()
	switch status {
	case models.StatusQueued:
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'CANCELLED', cancel_requested = 1, updated_at = ?
			WHERE id = ? AND status = 'QUEUED'
		`, now, id)
		if err != nil {
			return "", false, fmt.Errorf("failed to cancel queued job: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return "", false, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return models.StatusCancelled, true, nil

	case models.StatusProcessing:
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET cancel_requested = 1, updated_at = ?
			WHERE id = ? AND status = 'PROCESSING'
		`, now, id)
		if err != nil {
			return "", false, fmt.Errorf("failed to flag cancellation: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return "", false, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return models.StatusProcessing, true, nil

	default:
		// Terminal: cancel is a no-op.
		return status, false, nil
	}
}

// IsCancelRequested reports the cooperative cancellation flag
func (r *SQLiteRepository) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	var flag int
	err := r.db.QueryRowContext(ctx, `SELECT cancel_requested FROM jobs WHERE id = ?`, id).Scan(&flag)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, sql.ErrNoRows
		}
		return false, fmt.Errorf("failed to read cancellation flag: %w", err)
	}
	return flag != 0, nil
}

// CountQueuedJobs returns the current queue backlog
func (r *SQLiteRepository) CountQueuedJobs(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = 'QUEUED'`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count queued jobs: %w", err)
	}
	return count, nil
}

// CountActiveJobsByOwner counts an owner's queued and processing jobs
func (r *SQLiteRepository) CountActiveJobsByOwner(ctx context.Context, ownerID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE owner_id = ? AND status IN ('QUEUED', 'PROCESSING')
	`, ownerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active jobs: %w", err)
	}
	return count, nil
}

// DeleteExpired removes jobs past their expiry and returns the removed
// records. Processing jobs under a live lease are skipped: a worker still owns
// them, and deleting the row and spool file out from under it would strand the
// job without a terminal transition. They become sweepable once their lease
// lapses.
func (r *SQLiteRepository) DeleteExpired(ctx context.Context, now time.Time) ([]*models.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	const sweepable = `expires_at < ? AND (status != 'PROCESSING' OR lease_expires_at < ?)`

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + sweepable
	rows, err := tx.QueryContext(ctx, query, now.Unix(), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query expired jobs: %w", err)
	}

	var expired []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan expired job: %w", err)
		}
		expired = append(expired, job)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate expired jobs: %w", err)
	}
	rows.Close()

	if len(expired) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE `+sweepable, now.Unix(), now.Unix()); err != nil {
		return nil, fmt.Errorf("failed to delete expired jobs: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return expired, nil
}

func (r *SQLiteRepository) missingOrTerminal(ctx context.Context, id string) error {
	var status models.JobStatus
	err := r.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return sql.ErrNoRows
	}
	if err != nil {
		return fmt.Errorf("failed to get job status: %w", err)
	}
	return ErrTerminalState
}
