// Package ingest watches inbox directories and submits dropped documents to
// the pipeline on behalf of a configured owner.
package ingest

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"docpipe/internal/models"
)

// Submitter is the job-manager dependency of the watcher.
type Submitter interface {
	Submit(ctx context.Context, ownerID, filename string, r io.Reader) (*models.Job, error)
}

// Config controls the inbox watcher.
type Config struct {
	Roots       []string
	Owner       string
	InitialScan bool
	Debounce    time.Duration
}

// Watcher submits PDF files appearing under the configured roots.
type Watcher struct {
	cfg       Config
	submitter Submitter
	logger    zerolog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher creates an inbox watcher.
func NewWatcher(cfg Config, submitter Submitter, logger zerolog.Logger) *Watcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	return &Watcher{
		cfg:       cfg,
		submitter: submitter,
		logger:    logger.With().Str("component", "ingest_watcher").Logger(),
		pending:   make(map[string]*time.Timer),
	}
}

// Run watches the roots until the context is done.
func (w *Watcher) Run(ctx context.Context) error {
	if len(w.cfg.Roots) == 0 {
		return errors.New("no ingest roots configured")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	for _, root := range w.cfg.Roots {
		if err := w.addRecursive(ctx, fsw, root); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, fsw, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

func (w *Watcher) addRecursive(ctx context.Context, fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return fsw.Add(path)
		}
		if w.cfg.InitialScan && isPDF(path) {
			w.submit(ctx, path)
		}
		return nil
	})
}

func (w *Watcher) handleEvent(ctx context.Context, fsw *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(ctx, fsw, ev.Name); err != nil {
				w.logger.Warn().Str("dir", ev.Name).Err(err).Msg("failed to watch new directory")
			}
			return
		}
	}
	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) {
		return
	}
	if !isPDF(ev.Name) {
		return
	}
	w.debounce(ctx, ev.Name)
}

// debounce coalesces the create/write bursts a copy-in produces into one
// submission per file.
func (w *Watcher) debounce(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok {
		t.Reset(w.cfg.Debounce)
		return
	}
	w.pending[path] = time.AfterFunc(w.cfg.Debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.submit(ctx, path)
	})
}

func (w *Watcher) submit(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		w.logger.Warn().Str("path", path).Err(err).Msg("failed to open inbox file")
		return
	}
	defer f.Close()

	job, err := w.submitter.Submit(ctx, w.cfg.Owner, filepath.Base(path), f)
	if err != nil {
		w.logger.Warn().Str("path", path).Err(err).Msg("inbox submission rejected")
		return
	}
	w.logger.Info().Str("path", path).Str("job_id", job.ID).Msg("inbox file submitted")
}

func isPDF(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".pdf")
}
