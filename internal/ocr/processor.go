package ocr

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"docpipe/internal/models"
)

// ProcessorConfig tunes the batch processor. BatchSize bounds how many page
// images are alive at once, independent of total document length.
type ProcessorConfig struct {
	BatchSize   int
	DPI         int
	MaxImagePx  int
	PageRetries int
}

// PageText is the recognition outcome for one page. Unreadable pages carry an
// empty Text and never fail the batch.
type PageText struct {
	PageNumber int
	Text       string
	Unreadable bool
}

// Processor converts page ranges of a document into text. Peak memory per
// batch is BatchSize page images; buffers are released before the next range
// starts.
type Processor struct {
	rasterizer Rasterizer
	engine     Engine
	cfg        ProcessorConfig
	logger     zerolog.Logger
}

// NewProcessor creates a batch OCR processor.
func NewProcessor(rasterizer Rasterizer, engine Engine, cfg ProcessorConfig, logger zerolog.Logger) *Processor {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.DPI < 1 {
		cfg.DPI = 200
	}
	return &Processor{
		rasterizer: rasterizer,
		engine:     engine,
		cfg:        cfg,
		logger:     logger.With().Str("component", "ocr_processor").Logger(),
	}
}

// BatchSize returns the configured batch size.
func (p *Processor) BatchSize() int { return p.cfg.BatchSize }

// PageCount reports the number of pages in the document.
func (p *Processor) PageCount(ctx context.Context, path string) (int, error) {
	return p.rasterizer.PageCount(ctx, path)
}

// Tasks splits a document of pageCount pages into batch-sized worker tasks in
// page order.
func (p *Processor) Tasks(jobID string, pageCount int) []models.WorkerTask {
	var tasks []models.WorkerTask
	for first := 1; first <= pageCount; first += p.cfg.BatchSize {
		last := first + p.cfg.BatchSize - 1
		if last > pageCount {
			last = pageCount
		}
		tasks = append(tasks, models.WorkerTask{
			JobID:     jobID,
			FirstPage: first,
			LastPage:  last,
			DPI:       p.cfg.DPI,
		})
	}
	return tasks
}

// ProcessBatch renders and recognizes one page range. All image buffers for
// the range are local to the call and eligible for release when it returns.
// A page that keeps failing after the configured retries is recorded as
// unreadable with empty text; the batch itself only fails on cancellation.
func (p *Processor) ProcessBatch(ctx context.Context, path string, task models.WorkerTask) ([]PageText, error) {
	if task.FirstPage < 1 || task.LastPage < task.FirstPage {
		return nil, fmt.Errorf("invalid page range %d-%d", task.FirstPage, task.LastPage)
	}

	type renderedPage struct {
		number int
		image  []byte
		failed bool
	}

	// Phase 1: render the whole range.
	rendered := make([]renderedPage, 0, task.LastPage-task.FirstPage+1)
	for page := task.FirstPage; page <= task.LastPage; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := p.renderWithRetry(ctx, path, page, task.DPI)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.logger.Warn().Str("job_id", task.JobID).Int("page", page).Err(err).
				Msg("page unreadable after render retries")
			rendered = append(rendered, renderedPage{number: page, failed: true})
			continue
		}
		rendered = append(rendered, renderedPage{number: page, image: img})
	}

	// Phase 2: recognize each page, dropping its buffer as soon as it is
	// consumed.
	results := make([]PageText, 0, len(rendered))
	for i := range rendered {
		rp := &rendered[i]
		if rp.failed {
			results = append(results, PageText{PageNumber: rp.number, Unreadable: true})
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := p.recognizeWithRetry(ctx, task, rp.number, rp.image)
		rp.image = nil
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.logger.Warn().Str("job_id", task.JobID).Int("page", rp.number).Err(err).
				Msg("page unreadable after recognition retries")
			results = append(results, PageText{PageNumber: rp.number, Unreadable: true})
			continue
		}
		results = append(results, PageText{PageNumber: rp.number, Text: text})
	}

	return results, nil
}

func (p *Processor) renderWithRetry(ctx context.Context, path string, page, dpi int) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.PageRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := p.rasterizer.RenderPage(ctx, path, page, dpi)
		if err != nil {
			lastErr = err
			continue
		}
		clamped, err := ClampImage(img, p.cfg.MaxImagePx)
		if err != nil {
			lastErr = err
			continue
		}
		return clamped, nil
	}
	return nil, models.NewError(models.ErrTransientPage,
		fmt.Sprintf("page %d failed to render", page), lastErr)
}

func (p *Processor) recognizeWithRetry(ctx context.Context, task models.WorkerTask, page int, img []byte) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.PageRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		res, err := p.engine.Recognize(ctx, Input{
			ID:         fmt.Sprintf("%s-page-%d", task.JobID, page),
			Image:      img,
			PageNumber: page,
			DPI:        task.DPI,
		})
		if err != nil {
			lastErr = err
			continue
		}
		return res.PlainText, nil
	}
	return "", models.NewError(models.ErrTransientPage,
		fmt.Sprintf("page %d failed to OCR", page), lastErr)
}
