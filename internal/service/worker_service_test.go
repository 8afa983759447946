package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"docpipe/internal/metrics"
	"docpipe/internal/models"
	"docpipe/internal/ocr"
	"docpipe/internal/repository"
)

// fakeProcessor is a fake BatchProcessor that yields one line of text per
// page without touching any real document.
type fakeProcessor struct {
	pageCount    int
	pageCountErr error
	batchSize    int
	batchErr     error

	unreadablePages map[int]bool
	batches         []models.WorkerTask
	afterBatch      func(batch int)
}

func newFakeProcessor(pageCount, batchSize int) *fakeProcessor {
	return &fakeProcessor{
		pageCount:       pageCount,
		batchSize:       batchSize,
		unreadablePages: make(map[int]bool),
	}
}

func (f *fakeProcessor) PageCount(ctx context.Context, path string) (int, error) {
	if f.pageCountErr != nil {
		return 0, f.pageCountErr
	}
	return f.pageCount, nil
}

func (f *fakeProcessor) Tasks(jobID string, pageCount int) []models.WorkerTask {
	var tasks []models.WorkerTask
	for first := 1; first <= pageCount; first += f.batchSize {
		last := first + f.batchSize - 1
		if last > pageCount {
			last = pageCount
		}
		tasks = append(tasks, models.WorkerTask{JobID: jobID, FirstPage: first, LastPage: last})
	}
	return tasks
}

func (f *fakeProcessor) ProcessBatch(ctx context.Context, path string, task models.WorkerTask) ([]ocr.PageText, error) {
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	var pages []ocr.PageText
	for p := task.FirstPage; p <= task.LastPage; p++ {
		page := ocr.PageText{PageNumber: p}
		if f.unreadablePages[p] {
			page.Unreadable = true
		} else {
			page.Text = fmt.Sprintf("page %d", p)
		}
		pages = append(pages, page)
	}
	f.batches = append(f.batches, task)
	if f.afterBatch != nil {
		f.afterBatch(len(f.batches))
	}
	return pages, nil
}

func newWorkerFixture(repo *mockRepository, processor BatchProcessor) (*WorkerService, *metrics.Metrics) {
	m := metrics.NewMetrics()
	return NewWorkerService(repo, repository.NewProgressStore(), processor, m, 1, time.Minute, zerolog.Nop()), m
}

func TestWorkerService_ProcessJob_Completes(t *testing.T) {
	repo := newMockRepository()
	processor := newFakeProcessor(10, 2)
	service, m := newWorkerFixture(repo, processor)

	job := &models.Job{ID: "job-1", Status: models.StatusProcessing, DocumentPath: "/tmp/job-1.pdf"}
	repo.jobs[job.ID] = job

	service.processJob(context.Background(), zerolog.Nop(), job)

	if got := repo.jobStatus("job-1"); got != models.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", got)
	}
	if len(processor.batches) != 5 {
		t.Errorf("expected 5 batches for 10 pages at batch size 2, got %d", len(processor.batches))
	}
	if job := repo.jobs["job-1"]; !strings.Contains(job.Text, "page 1") || !strings.Contains(job.Text, "page 10") {
		t.Errorf("expected extracted text for all pages, got %q", job.Text)
	}

	snap, ok := service.progress.Get("job-1")
	if !ok {
		t.Fatal("expected a final progress snapshot")
	}
	if snap.Current != 10 || snap.Total != 10 {
		t.Errorf("expected final progress 10/10, got %d/%d", snap.Current, snap.Total)
	}

	counters := m.GetSnapshot()
	if counters["completed_jobs"] != 1 {
		t.Errorf("expected 1 completed job, got %d", counters["completed_jobs"])
	}
	if counters["pages_processed"] != 10 {
		t.Errorf("expected 10 processed pages, got %d", counters["pages_processed"])
	}
	if repo.extendCalls != 5 {
		t.Errorf("expected the lease renewed once per batch, got %d renewals", repo.extendCalls)
	}
}

func TestWorkerService_ProcessJob_UnreadablePageStillCompletes(t *testing.T) {
	repo := newMockRepository()
	processor := newFakeProcessor(10, 2)
	processor.unreadablePages[7] = true
	service, m := newWorkerFixture(repo, processor)

	job := &models.Job{ID: "job-1", Status: models.StatusProcessing, DocumentPath: "/tmp/job-1.pdf"}
	repo.jobs[job.ID] = job

	service.processJob(context.Background(), zerolog.Nop(), job)

	if got := repo.jobStatus("job-1"); got != models.StatusCompleted {
		t.Fatalf("expected COMPLETED despite an unreadable page, got %s", got)
	}

	stored := repo.jobs["job-1"]
	if len(stored.UnreadablePages) != 1 || stored.UnreadablePages[0] != 7 {
		t.Errorf("expected unreadable pages [7], got %v", stored.UnreadablePages)
	}
	if strings.Contains(stored.Text, "page 7") {
		t.Error("expected no text for the unreadable page")
	}

	counters := m.GetSnapshot()
	if counters["pages_unreadable"] != 1 {
		t.Errorf("expected 1 unreadable page, got %d", counters["pages_unreadable"])
	}
}

func TestWorkerService_ProcessJob_PageCountErrorFails(t *testing.T) {
	repo := newMockRepository()
	processor := newFakeProcessor(0, 2)
	processor.pageCountErr = errors.New("pdfinfo: not a PDF")
	service, m := newWorkerFixture(repo, processor)

	job := &models.Job{ID: "job-1", Status: models.StatusProcessing, DocumentPath: "/tmp/job-1.pdf"}
	repo.jobs[job.ID] = job

	service.processJob(context.Background(), zerolog.Nop(), job)

	stored := repo.jobs["job-1"]
	if stored.Status != models.StatusFailed {
		t.Fatalf("expected FAILED, got %s", stored.Status)
	}
	if stored.Failure == nil || stored.Failure.Kind != models.ErrInvalidInput {
		t.Errorf("expected InvalidInput failure, got %+v", stored.Failure)
	}
	if counters := m.GetSnapshot(); counters["failed_jobs"] != 1 {
		t.Errorf("expected 1 failed job, got %d", counters["failed_jobs"])
	}
}

func TestWorkerService_ProcessJob_ZeroPagesFails(t *testing.T) {
	repo := newMockRepository()
	processor := newFakeProcessor(0, 2)
	service, _ := newWorkerFixture(repo, processor)

	job := &models.Job{ID: "job-1", Status: models.StatusProcessing, DocumentPath: "/tmp/job-1.pdf"}
	repo.jobs[job.ID] = job

	service.processJob(context.Background(), zerolog.Nop(), job)

	stored := repo.jobs["job-1"]
	if stored.Status != models.StatusFailed {
		t.Fatalf("expected FAILED, got %s", stored.Status)
	}
	if stored.Failure == nil || stored.Failure.Kind != models.ErrInvalidInput {
		t.Errorf("expected InvalidInput failure, got %+v", stored.Failure)
	}
}

func TestWorkerService_ProcessJob_BatchErrorCarriesKind(t *testing.T) {
	repo := newMockRepository()
	processor := newFakeProcessor(10, 2)
	processor.batchErr = models.Errorf(models.ErrResourceExhausted, "rasterizer out of memory")
	service, _ := newWorkerFixture(repo, processor)

	job := &models.Job{ID: "job-1", Status: models.StatusProcessing, DocumentPath: "/tmp/job-1.pdf"}
	repo.jobs[job.ID] = job

	service.processJob(context.Background(), zerolog.Nop(), job)

	stored := repo.jobs["job-1"]
	if stored.Status != models.StatusFailed {
		t.Fatalf("expected FAILED, got %s", stored.Status)
	}
	if stored.Failure == nil || stored.Failure.Kind != models.ErrResourceExhausted {
		t.Errorf("expected ResourceExhausted failure, got %+v", stored.Failure)
	}
}

func TestWorkerService_ProcessJob_CancelledAtBatchBoundary(t *testing.T) {
	repo := newMockRepository()
	processor := newFakeProcessor(10, 2)
	service, m := newWorkerFixture(repo, processor)

	job := &models.Job{ID: "job-1", Status: models.StatusProcessing, DocumentPath: "/tmp/job-1.pdf"}
	repo.jobs[job.ID] = job
	// Cancellation arrives while the first batch is in flight. It must be
	// honored before the second batch starts, never mid-batch.
	processor.afterBatch = func(batch int) {
		if batch == 1 {
			_, _, _ = repo.RequestCancel(context.Background(), "job-1")
		}
	}

	service.processJob(context.Background(), zerolog.Nop(), job)

	if got := repo.jobStatus("job-1"); got != models.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", got)
	}
	if len(processor.batches) != 1 {
		t.Errorf("expected processing to stop after 1 batch, got %d", len(processor.batches))
	}

	snap, ok := service.progress.Get("job-1")
	if !ok {
		t.Fatal("expected a progress snapshot")
	}
	if snap.Message != "cancelled" {
		t.Errorf("expected message %q, got %q", "cancelled", snap.Message)
	}
	if snap.Current != 2 {
		t.Errorf("expected 2 pages done at cancellation, got %d", snap.Current)
	}
	if counters := m.GetSnapshot(); counters["cancelled_jobs"] != 1 {
		t.Errorf("expected 1 cancelled job, got %d", counters["cancelled_jobs"])
	}
}

func TestWorkerService_ProcessJob_TerminalRaceOnCompletion(t *testing.T) {
	repo := newMockRepository()
	processor := newFakeProcessor(4, 2)
	service, m := newWorkerFixture(repo, processor)

	job := &models.Job{ID: "job-1", Status: models.StatusProcessing, DocumentPath: "/tmp/job-1.pdf"}
	repo.jobs[job.ID] = job
	// The job reaches a terminal state between the last batch and the
	// completion write. The terminal state must stick.
	processor.afterBatch = func(batch int) {
		if batch == 2 {
			repo.mu.Lock()
			repo.jobs["job-1"].Status = models.StatusCancelled
			repo.mu.Unlock()
		}
	}

	service.processJob(context.Background(), zerolog.Nop(), job)

	if got := repo.jobStatus("job-1"); got != models.StatusCancelled {
		t.Fatalf("expected terminal CANCELLED to stick, got %s", got)
	}
	if counters := m.GetSnapshot(); counters["completed_jobs"] != 0 {
		t.Errorf("expected no completed jobs, got %d", counters["completed_jobs"])
	}
}

func TestWorkerService_ProcessJob_ProgressNeverRegresses(t *testing.T) {
	repo := newMockRepository()
	processor := newFakeProcessor(6, 2)
	service, _ := newWorkerFixture(repo, processor)

	job := &models.Job{ID: "job-1", Status: models.StatusProcessing, DocumentPath: "/tmp/job-1.pdf"}
	repo.jobs[job.ID] = job

	last := -1
	processor.afterBatch = func(batch int) {
		if snap, ok := service.progress.Get("job-1"); ok {
			if snap.Current < last {
				t.Errorf("progress regressed from %d to %d", last, snap.Current)
			}
			last = snap.Current
		}
	}

	service.processJob(context.Background(), zerolog.Nop(), job)

	snap, _ := service.progress.Get("job-1")
	if snap.Current != 6 || snap.Total != 6 {
		t.Errorf("expected final progress 6/6, got %d/%d", snap.Current, snap.Total)
	}
}

func TestWorkerService_Run_DrainsQueue(t *testing.T) {
	repo := newMockRepository()
	processor := newFakeProcessor(4, 2)
	service, m := newWorkerFixture(repo, processor)
	service.idleDelay = 10 * time.Millisecond

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("job-%d", i)
		repo.jobs[id] = &models.Job{ID: id, Status: models.StatusQueued, DocumentPath: "/tmp/" + id + ".pdf"}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		service.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		jobs, _ := repo.ListJobsByStatus(context.Background(), models.StatusCompleted)
		if len(jobs) == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("workers did not drain the queue in time")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker pool did not stop after context cancellation")
	}

	if counters := m.GetSnapshot(); counters["completed_jobs"] != 3 {
		t.Errorf("expected 3 completed jobs, got %d", counters["completed_jobs"])
	}
}
