package service

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"docpipe/internal/config"
	"docpipe/internal/metrics"
	"docpipe/internal/models"
	"docpipe/internal/repository"
)

var pdfMagic = []byte("%PDF-")

// JobService is the public entry point of the pipeline: it creates jobs,
// admits them into the queue drained by the worker pool, and serves status
// and cancellation requests from the job and progress stores.
type JobService struct {
	repo     repository.JobRepository
	progress *repository.ProgressStore
	limiter  *RateLimiter
	metrics  *metrics.Metrics
	cfg      config.Config
	logger   zerolog.Logger
}

// NewJobService creates a new job service
func NewJobService(repo repository.JobRepository, progress *repository.ProgressStore, limiter *RateLimiter, m *metrics.Metrics, cfg config.Config, logger zerolog.Logger) *JobService {
	return &JobService{
		repo:     repo,
		progress: progress,
		limiter:  limiter,
		metrics:  m,
		cfg:      cfg,
		logger:   logger.With().Str("component", "job_service").Logger(),
	}
}

// Submit validates and spools a document, creates the job in QUEUED state,
// and returns immediately. The worker pool picks the job up asynchronously.
func (s *JobService) Submit(ctx context.Context, ownerID, filename string, r io.Reader) (*models.Job, error) {
	if ownerID == "" {
		return nil, models.Errorf(models.ErrInvalidInput, "owner id is required")
	}

	if err := s.limiter.CheckSubmissionRate(ctx, ownerID); err != nil {
		return nil, models.NewError(models.ErrResourceExhausted,
			"submission rate limit exceeded, retry later", err)
	}

	active, err := s.repo.CountActiveJobsByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to count active jobs: %w", err)
	}
	if err := s.limiter.CheckActiveLimit(ctx, ownerID, active); err != nil {
		return nil, models.NewError(models.ErrResourceExhausted,
			"too many active jobs for owner, retry later", err)
	}

	queued, err := s.repo.CountQueuedJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count queued jobs: %w", err)
	}
	if s.cfg.Pipeline.MaxQueuedJobs > 0 && queued >= s.cfg.Pipeline.MaxQueuedJobs {
		return nil, models.Errorf(models.ErrResourceExhausted,
			"job queue is full (%d queued), retry later", queued)
	}

	data, err := s.readDocument(r)
	if err != nil {
		return nil, err
	}

	jobID := uuid.New().String()
	path, err := s.spoolDocument(jobID, data)
	if err != nil {
		return nil, fmt.Errorf("failed to spool document: %w", err)
	}

	now := time.Now()
	job := &models.Job{
		ID:            jobID,
		OwnerID:       ownerID,
		Status:        models.StatusQueued,
		DocumentPath:  path,
		DocumentBytes: int64(len(data)),
		ExpiresAt:     now.Add(s.cfg.Retention.JobTTL),
	}

	if err := s.repo.CreateJob(ctx, job); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	s.metrics.IncrementSubmittedJobs()
	s.logger.Info().
		Str("job_id", job.ID).
		Str("owner_id", ownerID).
		Str("filename", filename).
		Int64("bytes", job.DocumentBytes).
		Msg("job submitted")

	return job, nil
}

func (s *JobService) readDocument(r io.Reader) ([]byte, error) {
	max := s.cfg.Pipeline.MaxDocumentBytes
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, models.NewError(models.ErrInvalidInput, "document is unreadable", err)
	}
	if len(data) == 0 {
		return nil, models.Errorf(models.ErrInvalidInput, "document is empty")
	}
	if int64(len(data)) > max {
		return nil, models.Errorf(models.ErrInvalidInput,
			"document exceeds size ceiling of %d bytes", max)
	}
	if !bytes.HasPrefix(data, pdfMagic) {
		return nil, models.Errorf(models.ErrInvalidInput, "unsupported document format, expected PDF")
	}
	return data, nil
}

func (s *JobService) spoolDocument(jobID string, data []byte) (string, error) {
	if err := os.MkdirAll(s.cfg.Storage.SpoolDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(s.cfg.Storage.SpoolDir, jobID+".pdf")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Status returns the merged job record and latest progress snapshot. Jobs
// past their retention deadline are reported as missing even before the
// sweeper has collected them.
func (s *JobService) Status(ctx context.Context, id string) (models.StatusView, error) {
	job, err := s.lookupLiveJob(ctx, id)
	if err != nil {
		return models.StatusView{}, err
	}

	view := models.StatusView{
		JobID:           job.ID,
		Status:          job.Status,
		Text:            job.Text,
		PageCount:       job.PageCount,
		UnreadablePages: job.UnreadablePages,
		Failure:         job.Failure,
	}
	if snap, ok := s.progress.Get(job.ID); ok {
		view.Progress = &snap
	}
	return view, nil
}

// lookupLiveJob fetches a job and treats both unknown IDs and jobs past
// their retention deadline as not found.
func (s *JobService) lookupLiveJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := s.repo.GetJobByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.Errorf(models.ErrNotFound, "job %s not found", id)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if !job.ExpiresAt.IsZero() && job.ExpiresAt.Before(time.Now()) {
		return nil, models.Errorf(models.ErrNotFound, "job %s not found", id)
	}
	return job, nil
}

// Cancel cancels a queued job immediately, or flags a processing job for
// cooperative cancellation at the next batch boundary. Terminal jobs are a
// no-op, and expired jobs are reported as missing.
func (s *JobService) Cancel(ctx context.Context, id string) (models.StatusView, error) {
	if _, err := s.lookupLiveJob(ctx, id); err != nil {
		return models.StatusView{}, err
	}

	status, changed, err := s.repo.RequestCancel(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.StatusView{}, models.Errorf(models.ErrNotFound, "job %s not found", id)
		}
		return models.StatusView{}, fmt.Errorf("failed to cancel job: %w", err)
	}

	if changed && status == models.StatusCancelled {
		s.metrics.IncrementCancelledJobs()
		s.logger.Info().Str("job_id", id).Msg("queued job cancelled")
	} else if changed {
		s.logger.Info().Str("job_id", id).Msg("cancellation flagged for processing job")
	}

	return s.Status(ctx, id)
}

// RunSweeper removes expired jobs at the configured interval until the
// context is done. Spooled documents and progress snapshots are released with
// the job records.
func (s *JobService) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Retention.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *JobService) sweepOnce(ctx context.Context) {
	expired, err := s.repo.DeleteExpired(ctx, time.Now())
	if err != nil {
		s.logger.Error().Err(err).Msg("cleanup sweep failed")
		return
	}
	for _, job := range expired {
		s.progress.Delete(job.ID)
		if job.DocumentPath != "" {
			if err := os.Remove(job.DocumentPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.logger.Warn().Str("job_id", job.ID).Err(err).Msg("failed to remove spooled document")
			}
		}
	}
	if len(expired) > 0 {
		s.logger.Info().Int("removed", len(expired)).Msg("cleanup sweep removed expired jobs")
	}
}
