package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"docpipe/internal/metrics"
	"docpipe/internal/models"
	"docpipe/internal/ocr"
	"docpipe/internal/repository"
)

// BatchProcessor is the OCR dependency of the worker pool.
type BatchProcessor interface {
	PageCount(ctx context.Context, path string) (int, error)
	Tasks(jobID string, pageCount int) []models.WorkerTask
	ProcessBatch(ctx context.Context, path string, task models.WorkerTask) ([]ocr.PageText, error)
}

// WorkerService runs the fixed-size worker pool that drains the job queue.
// Pool size is the operator's memory-budget control: peak memory is roughly
// pool size x batch size x per-page image cost, independent of document
// length.
type WorkerService struct {
	repo          repository.JobRepository
	progress      *repository.ProgressStore
	processor     BatchProcessor
	metrics       *metrics.Metrics
	poolSize      int
	leaseDuration time.Duration
	idleDelay     time.Duration
	logger        zerolog.Logger
}

// NewWorkerService creates a new worker service
func NewWorkerService(repo repository.JobRepository, progress *repository.ProgressStore, processor BatchProcessor, m *metrics.Metrics, poolSize int, leaseDuration time.Duration, logger zerolog.Logger) *WorkerService {
	if poolSize < 1 {
		poolSize = 1
	}
	if leaseDuration <= 0 {
		leaseDuration = 5 * time.Minute
	}
	return &WorkerService{
		repo:          repo,
		progress:      progress,
		processor:     processor,
		metrics:       m,
		poolSize:      poolSize,
		leaseDuration: leaseDuration,
		idleDelay:     1 * time.Second,
		logger:        logger.With().Str("component", "worker_pool").Logger(),
	}
}

// Run starts the pool and blocks until the context is done and all workers
// have returned.
func (s *WorkerService) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.poolSize; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			s.workerLoop(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (s *WorkerService) workerLoop(ctx context.Context, worker int) {
	logger := s.logger.With().Int("worker", worker).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := s.repo.ClaimQueuedJob(ctx, s.leaseDuration)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("error claiming job")
			s.sleep(ctx)
			continue
		}
		if job == nil {
			s.sleep(ctx)
			continue
		}

		logger.Info().Str("job_id", job.ID).Str("owner_id", job.OwnerID).Msg("job claimed")
		s.processJob(ctx, logger, job)
	}
}

func (s *WorkerService) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(s.idleDelay):
	}
}

// processJob drives the batch OCR processor across the whole document,
// publishing a progress snapshot, renewing the claim lease, and checking
// the cooperative cancellation flag at every batch boundary.
func (s *WorkerService) processJob(ctx context.Context, logger zerolog.Logger, job *models.Job) {
	pageCount, err := s.processor.PageCount(ctx, job.DocumentPath)
	if err != nil {
		if ctx.Err() != nil {
			logger.Warn().Str("job_id", job.ID).Msg("shutdown before page count, job stays claimed")
			return
		}
		s.failJob(ctx, logger, job.ID, models.JobFailure{
			Kind:    models.ErrInvalidInput,
			Message: "document is unreadable",
		})
		return
	}
	if pageCount < 1 {
		s.failJob(ctx, logger, job.ID, models.JobFailure{
			Kind:    models.ErrInvalidInput,
			Message: "document has no pages",
		})
		return
	}

	s.publishProgress(logger, job.ID, 0, pageCount, "starting OCR")

	var text strings.Builder
	var unreadable []int
	done := 0

	for _, task := range s.processor.Tasks(job.ID, pageCount) {
		if s.checkCancelled(ctx, logger, job.ID, done, pageCount) {
			return
		}

		pages, err := s.processor.ProcessBatch(ctx, job.DocumentPath, task)
		if err != nil {
			if ctx.Err() != nil {
				logger.Warn().Str("job_id", job.ID).Msg("shutdown mid-job, job stays claimed")
				return
			}
			s.failJob(ctx, logger, job.ID, models.JobFailure{
				Kind:    models.KindOf(err),
				Message: models.MessageOf(err),
			})
			return
		}

		for _, page := range pages {
			if page.Unreadable {
				unreadable = append(unreadable, page.PageNumber)
				s.metrics.IncrementPagesUnreadable()
				continue
			}
			if page.Text != "" {
				if text.Len() > 0 {
					text.WriteString("\n\n")
				}
				text.WriteString(page.Text)
			}
		}

		done += len(pages)
		s.metrics.AddPagesProcessed(len(pages))
		s.publishProgress(logger, job.ID, done, pageCount,
			fmt.Sprintf("processed %d of %d pages", done, pageCount))

		if err := s.repo.ExtendLease(ctx, job.ID, s.leaseDuration); err != nil {
			logger.Warn().Str("job_id", job.ID).Err(err).Msg("error extending job lease")
		}
	}

	if err := s.repo.CompleteJob(ctx, job.ID, text.String(), pageCount, unreadable); err != nil {
		if errors.Is(err, repository.ErrTerminalState) {
			logger.Warn().Str("job_id", job.ID).Msg("job reached a terminal state before completion write")
			return
		}
		logger.Error().Str("job_id", job.ID).Err(err).Msg("error completing job")
		return
	}

	s.publishProgress(logger, job.ID, pageCount, pageCount, "completed")
	s.metrics.IncrementCompletedJobs()
	logger.Info().
		Str("job_id", job.ID).
		Int("pages", pageCount).
		Int("unreadable", len(unreadable)).
		Msg("job completed")
}

// checkCancelled observes the cooperative cancellation flag at a batch
// boundary and finalizes the job as CANCELLED when it is set.
func (s *WorkerService) checkCancelled(ctx context.Context, logger zerolog.Logger, jobID string, done, total int) bool {
	flagged, err := s.repo.IsCancelRequested(ctx, jobID)
	if err != nil {
		logger.Error().Str("job_id", jobID).Err(err).Msg("error reading cancellation flag")
		return false
	}
	if !flagged {
		return false
	}

	if err := s.repo.UpdateJobStatus(ctx, jobID, models.StatusCancelled); err != nil {
		if !errors.Is(err, repository.ErrTerminalState) {
			logger.Error().Str("job_id", jobID).Err(err).Msg("error cancelling job")
			return false
		}
	} else {
		s.metrics.IncrementCancelledJobs()
	}
	s.publishProgress(logger, jobID, done, total, "cancelled")
	logger.Info().Str("job_id", jobID).Int("pages_done", done).Msg("job cancelled at batch boundary")
	return true
}

func (s *WorkerService) publishProgress(logger zerolog.Logger, jobID string, current, total int, message string) {
	err := s.progress.Publish(models.ProgressSnapshot{
		JobID:     jobID,
		Current:   current,
		Total:     total,
		Message:   message,
		UpdatedAt: time.Now(),
	})
	if err != nil {
		logger.Error().Str("job_id", jobID).Err(err).Msg("error publishing progress")
	}
}

func (s *WorkerService) failJob(ctx context.Context, logger zerolog.Logger, jobID string, failure models.JobFailure) {
	if err := s.repo.FailJob(ctx, jobID, failure); err != nil {
		logger.Error().Str("job_id", jobID).Err(err).Msg("error recording job failure")
		return
	}
	s.metrics.IncrementFailedJobs()
	logger.Warn().
		Str("job_id", jobID).
		Str("kind", string(failure.Kind)).
		Str("reason", failure.Message).
		Msg("job failed")
}
