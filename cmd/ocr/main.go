// Command ocr runs the batch OCR processor against a local PDF and prints the
// extracted text. Useful for tuning DPI and batch size without the server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"docpipe/internal/ocr"
)

func main() {
	dpi := flag.Int("dpi", 200, "rasterization DPI")
	batchSize := flag.Int("batch", 2, "pages per batch")
	maxPx := flag.Int("max-px", 4000, "max image dimension in pixels")
	retries := flag.Int("retries", 2, "per-page retry count")
	lang := flag.String("lang", "eng", "tesseract language")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: ocr [flags] <document.pdf>")
		os.Exit(2)
	}
	path := flag.Arg(0)

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	processor := ocr.NewProcessor(
		ocr.NewPopplerRasterizer("", ""),
		ocr.NewTesseractEngine(*lang),
		ocr.ProcessorConfig{
			BatchSize:   *batchSize,
			DPI:         *dpi,
			MaxImagePx:  *maxPx,
			PageRetries: *retries,
		},
		logger,
	)

	ctx := context.Background()
	pageCount, err := processor.PageCount(ctx, path)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to read page count")
	}

	unreadable := 0
	for _, task := range processor.Tasks("local", pageCount) {
		pages, err := processor.ProcessBatch(ctx, path, task)
		if err != nil {
			logger.Fatal().Err(err).Int("first_page", task.FirstPage).Msg("batch failed")
		}
		for _, page := range pages {
			if page.Unreadable {
				unreadable++
				logger.Warn().Int("page", page.PageNumber).Msg("page unreadable")
				continue
			}
			fmt.Println(page.Text)
		}
		logger.Info().Int("last_page", task.LastPage).Int("total", pageCount).Msg("batch done")
	}

	logger.Info().Int("pages", pageCount).Int("unreadable", unreadable).Msg("done")
}
