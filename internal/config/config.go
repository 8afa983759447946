package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the immutable configuration assembled once at startup and injected
// into the job manager, worker pool, and analysis cache. Tuning parameters are
// never mutated at runtime.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	OCR       OCRConfig       `koanf:"ocr"`
	Limits    LimitsConfig    `koanf:"limits"`
	Retention RetentionConfig `koanf:"retention"`
	Analysis  AnalysisConfig  `koanf:"analysis"`
	Ingest    IngestConfig    `koanf:"ingest"`
	Log       LogConfig       `koanf:"log"`
}

type ServerConfig struct {
	Addr string `koanf:"addr"`
}

type StorageConfig struct {
	DBPath   string `koanf:"db_path"`
	SpoolDir string `koanf:"spool_dir"`
}

// PipelineConfig controls the worker pool and the batch OCR processor. Peak
// memory is roughly PoolSize x BatchSize x per-page image cost, so these are
// the operator's memory-budget knobs.
type PipelineConfig struct {
	PoolSize         int           `koanf:"pool_size"`
	BatchSize        int           `koanf:"batch_size"`
	DPI              int           `koanf:"dpi"`
	MaxImagePx       int           `koanf:"max_image_px"`
	PageRetries      int           `koanf:"page_retries"`
	MaxDocumentBytes int64         `koanf:"max_document_bytes"`
	MaxQueuedJobs    int           `koanf:"max_queued_jobs"`
	LeaseDuration    time.Duration `koanf:"lease_duration"`
}

// OCRConfig names the external poppler binaries and the trained-data language
// hints. Empty binary values fall back to bare names resolved via PATH.
type OCRConfig struct {
	Pdftoppm  string   `koanf:"pdftoppm"`
	Pdfinfo   string   `koanf:"pdfinfo"`
	Languages []string `koanf:"languages"`
}

type LimitsConfig struct {
	OwnerQueuedJobs           int `koanf:"owner_queued_jobs"`
	OwnerSubmissionsPerMinute int `koanf:"owner_submissions_per_minute"`
}

type RetentionConfig struct {
	JobTTL        time.Duration `koanf:"job_ttl"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

type AnalysisConfig struct {
	Version            string        `koanf:"version"`
	EngineURL          string        `koanf:"engine_url"`
	EngineTimeout      time.Duration `koanf:"engine_timeout"`
	CacheTTL           time.Duration `koanf:"cache_ttl"`
	CacheSweepInterval time.Duration `koanf:"cache_sweep_interval"`
}

type IngestConfig struct {
	Roots       []string      `koanf:"roots"`
	Owner       string        `koanf:"owner"`
	InitialScan bool          `koanf:"initial_scan"`
	Debounce    time.Duration `koanf:"debounce"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// defaults is the baseline configuration; file and environment sources
// override it.
func defaults() map[string]any {
	return map[string]any{
		"server.addr":                         ":8080",
		"storage.db_path":                     "docpipe.db",
		"storage.spool_dir":                   "spool",
		"pipeline.pool_size":                  2,
		"pipeline.batch_size":                 2,
		"pipeline.dpi":                        200,
		"pipeline.max_image_px":               4000,
		"pipeline.page_retries":               2,
		"pipeline.max_document_bytes":         int64(50 << 20),
		"pipeline.max_queued_jobs":            100,
		"pipeline.lease_duration":             "5m",
		"ocr.pdftoppm":                        "",
		"ocr.pdfinfo":                         "",
		"ocr.languages":                       []string{"eng"},
		"limits.owner_queued_jobs":            10,
		"limits.owner_submissions_per_minute": 30,
		"retention.job_ttl":                   "24h",
		"retention.sweep_interval":            "10m",
		"analysis.version":                    "v1",
		"analysis.engine_url":                 "",
		"analysis.engine_timeout":             "30s",
		"analysis.cache_ttl":                  "12h",
		"analysis.cache_sweep_interval":       "15m",
		"ingest.owner":                        "inbox",
		"ingest.initial_scan":                 false,
		"ingest.debounce":                     "500ms",
		"log.level":                           "info",
		"log.format":                          "json",
	}
}

// Load assembles the configuration from defaults, an optional YAML file, and
// DOCPIPE_-prefixed environment variables, in that precedence order
// (environment highest).
func Load(configPath string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", configPath, err)
		}
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file: %w", err)
		}
	}

	// Double underscore separates nesting levels so keys containing single
	// underscores survive: DOCPIPE_PIPELINE__POOL_SIZE -> pipeline.pool_size.
	err := k.Load(env.Provider("DOCPIPE_", ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, "DOCPIPE_"))
		return strings.ReplaceAll(key, "__", ".")
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Pipeline.PoolSize < 1 {
		return fmt.Errorf("pipeline.pool_size must be >= 1, got %d", c.Pipeline.PoolSize)
	}
	if c.Pipeline.BatchSize < 1 {
		return fmt.Errorf("pipeline.batch_size must be >= 1, got %d", c.Pipeline.BatchSize)
	}
	if c.Pipeline.DPI < 72 || c.Pipeline.DPI > 600 {
		return fmt.Errorf("pipeline.dpi must be within [72, 600], got %d", c.Pipeline.DPI)
	}
	if c.Pipeline.MaxDocumentBytes <= 0 {
		return fmt.Errorf("pipeline.max_document_bytes must be positive")
	}
	if c.Pipeline.LeaseDuration <= 0 {
		return fmt.Errorf("pipeline.lease_duration must be positive")
	}
	if c.Retention.JobTTL <= 0 {
		return fmt.Errorf("retention.job_ttl must be positive")
	}
	if c.Analysis.Version == "" {
		return fmt.Errorf("analysis.version must not be empty")
	}
	return nil
}
