package ocr

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/image/draw"
)

// Rasterizer renders single document pages to PNG images and reports page
// counts.
type Rasterizer interface {
	PageCount(ctx context.Context, path string) (int, error)
	RenderPage(ctx context.Context, path string, page int, dpi int) ([]byte, error)
}

// Runner executes an external tool and returns its stdout and stderr.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// PopplerRasterizer renders PDF pages via the poppler utilities pdftoppm and
// pdfinfo. Binary names or absolute paths come from configuration; empty
// values fall back to the bare names.
type PopplerRasterizer struct {
	pdftoppm string
	pdfinfo  string
	runner   Runner
}

// NewPopplerRasterizer constructs a poppler-backed rasterizer.
func NewPopplerRasterizer(pdftoppm, pdfinfo string) *PopplerRasterizer {
	if pdftoppm == "" {
		pdftoppm = "pdftoppm"
	}
	if pdfinfo == "" {
		pdfinfo = "pdfinfo"
	}
	return &PopplerRasterizer{pdftoppm: pdftoppm, pdfinfo: pdfinfo, runner: execRunner{}}
}

// PageCount parses the "Pages:" line from pdfinfo output.
func (r *PopplerRasterizer) PageCount(ctx context.Context, path string) (int, error) {
	out, errb, err := r.runner.Run(ctx, r.pdfinfo, path)
	if err != nil {
		return 0, fmt.Errorf("pdfinfo failed: %s: %w", strings.TrimSpace(string(errb)), err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.HasPrefix(line, "Pages:") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "Pages:")))
		if err != nil {
			return 0, fmt.Errorf("parse page count: %w", err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("pdfinfo output missing page count for %s", path)
}

// RenderPage renders one page to PNG at the given DPI. The temporary render
// directory is removed before returning, so the returned bytes are the only
// retained copy.
func (r *PopplerRasterizer) RenderPage(ctx context.Context, path string, page int, dpi int) ([]byte, error) {
	tmpDir, err := os.MkdirTemp("", "docpipe-page-*")
	if err != nil {
		return nil, fmt.Errorf("create render dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	prefix := filepath.Join(tmpDir, "page")
	pageArg := strconv.Itoa(page)
	_, errb, err := r.runner.Run(ctx, r.pdftoppm,
		"-png", "-r", strconv.Itoa(dpi), "-f", pageArg, "-l", pageArg, path, prefix)
	if err != nil {
		return nil, fmt.Errorf("pdftoppm failed for page %d: %s: %w", page, strings.TrimSpace(string(errb)), err)
	}

	matches, err := filepath.Glob(prefix + "*.png")
	if err != nil || len(matches) == 0 {
		return nil, fmt.Errorf("pdftoppm produced no output for page %d", page)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		return nil, fmt.Errorf("read rendered page %d: %w", page, err)
	}
	return data, nil
}

// ClampImage rescales a PNG so neither dimension exceeds maxPx, bounding the
// per-page pixel budget handed to the OCR engine. Images already within the
// limit pass through untouched.
func ClampImage(data []byte, maxPx int) ([]byte, error) {
	if maxPx <= 0 {
		return data, nil
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode page image: %w", err)
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxPx && h <= maxPx {
		return data, nil
	}

	scale := float64(maxPx) / float64(w)
	if h > w {
		scale = float64(maxPx) / float64(h)
	}
	dw := int(float64(w) * scale)
	dh := int(float64(h) * scale)
	if dw < 1 {
		dw = 1
	}
	if dh < 1 {
		dh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encode clamped image: %w", err)
	}
	return buf.Bytes(), nil
}
