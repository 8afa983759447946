// Package ocr provides the pluggable text-recognition engine and the
// memory-bounded batch processor used by the worker pool. Engines are
// transport-agnostic so a local Tesseract install or a remote service can back
// recognition without leaking provider concerns into callers.
package ocr

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// Input encapsulates a single page image submitted for recognition.
type Input struct {
	// ID is a caller-provided identifier echoed back in the Result.
	ID string
	// Image is the encoded PNG payload.
	Image []byte
	// PageNumber links the input back to the 1-based page it came from.
	PageNumber int
	// DPI carries the effective dots-per-inch of the rendered image; zero
	// means unknown.
	DPI int
	// Languages lists trained-data hints (e.g. "eng").
	Languages []string
}

// Result captures recognition output for a single input image.
type Result struct {
	InputID   string
	PlainText string
}

// Engine is the recognition provider contract: one image in, one result out.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, input Input) (Result, error)
}

// TesseractEngine implements Engine using the gosseract client.
type TesseractEngine struct {
	clientFactory func() *gosseract.Client
	languages     []string
}

// NewTesseractEngine constructs a Tesseract-backed OCR engine. Default
// languages apply when an input carries none.
func NewTesseractEngine(languages ...string) *TesseractEngine {
	if len(languages) == 0 {
		languages = []string{"eng"}
	}
	return &TesseractEngine{clientFactory: gosseract.NewClient, languages: languages}
}

func (e *TesseractEngine) Name() string { return "tesseract" }

// Recognize performs OCR on a single page image.
func (e *TesseractEngine) Recognize(ctx context.Context, in Input) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}

	c := e.clientFactory()
	defer c.Close()

	if err := c.SetImageFromBytes(in.Image); err != nil {
		return Result{}, fmt.Errorf("set image: %w", err)
	}
	langs := in.Languages
	if len(langs) == 0 {
		langs = e.languages
	}
	if err := c.SetLanguage(langs...); err != nil {
		return Result{}, fmt.Errorf("set languages: %w", err)
	}
	if in.DPI > 0 {
		if err := c.SetVariable(gosseract.SettableVariable("user_defined_dpi"), fmt.Sprint(in.DPI)); err != nil {
			return Result{}, fmt.Errorf("set dpi: %w", err)
		}
	}

	text, err := c.Text()
	if err != nil {
		return Result{}, fmt.Errorf("recognize text: %w", err)
	}

	return Result{InputID: in.ID, PlainText: strings.TrimSpace(text)}, nil
}
