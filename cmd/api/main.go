package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"docpipe/internal/analysis"
	"docpipe/internal/config"
	"docpipe/internal/handler"
	"docpipe/internal/ingest"
	"docpipe/internal/metrics"
	"docpipe/internal/ocr"
	"docpipe/internal/repository"
	"docpipe/internal/service"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := newLogger(cfg.Log)

	repo, err := repository.NewSQLiteRepository(cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize repository")
	}
	defer repo.Close()

	progressStore := repository.NewProgressStore()
	metricsInstance := metrics.NewMetrics()
	limiter := service.NewRateLimiter(cfg.Limits.OwnerQueuedJobs, cfg.Limits.OwnerSubmissionsPerMinute)

	jobService := service.NewJobService(repo, progressStore, limiter, metricsInstance, cfg, logger)

	rasterizer := ocr.NewPopplerRasterizer(cfg.OCR.Pdftoppm, cfg.OCR.Pdfinfo)
	engine := ocr.NewTesseractEngine(cfg.OCR.Languages...)
	processor := ocr.NewProcessor(rasterizer, engine, ocr.ProcessorConfig{
		BatchSize:   cfg.Pipeline.BatchSize,
		DPI:         cfg.Pipeline.DPI,
		MaxImagePx:  cfg.Pipeline.MaxImagePx,
		PageRetries: cfg.Pipeline.PageRetries,
	}, logger)

	workerService := service.NewWorkerService(repo, progressStore, processor, metricsInstance, cfg.Pipeline.PoolSize, cfg.Pipeline.LeaseDuration, logger)

	cache := analysis.NewCache(newScorer(cfg.Analysis), cfg.Analysis.Version, cfg.Analysis.CacheTTL, metricsInstance, logger)

	jobHandler := handler.NewJobHandler(jobService, cache, metricsInstance, logger)
	mux := http.NewServeMux()
	jobHandler.Register(mux)

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: mux,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go workerService.Run(ctx)
	go jobService.RunSweeper(ctx)
	go cache.RunSweeper(ctx, cfg.Analysis.CacheSweepInterval)

	if len(cfg.Ingest.Roots) > 0 {
		watcher := ingest.NewWatcher(ingest.Config{
			Roots:       cfg.Ingest.Roots,
			Owner:       cfg.Ingest.Owner,
			InitialScan: cfg.Ingest.InitialScan,
			Debounce:    cfg.Ingest.Debounce,
		}, jobService, logger)
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("inbox watcher stopped")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Int("pool_size", cfg.Pipeline.PoolSize).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-sigChan
	logger.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error shutting down server")
	}
	logger.Info().Msg("server stopped")
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// newScorer builds the external scoring engine client. Without a configured
// engine URL, analysis requests fail with a clear error instead of a hang.
func newScorer(cfg config.AnalysisConfig) analysis.Scorer {
	if cfg.EngineURL != "" {
		return analysis.NewHTTPScorer(cfg.EngineURL, cfg.EngineTimeout)
	}
	return analysis.ScorerFunc(func(ctx context.Context, req analysis.Request) (analysis.Result, error) {
		return analysis.Result{}, errors.New("scoring engine not configured: set analysis.engine_url")
	})
}
