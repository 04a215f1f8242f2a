// Copyright (C) 2025 Graygate, Inc.
// See LICENSE for copying information.

// Package ghostscript drives the Ghostscript and pdfinfo binaries to
// count pages, measure per-page ink coverage, detect form fields, and
// produce grayscale renderings of uploaded PDFs.
package ghostscript

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the ghostscript package.
	Error = errs.Class("ghostscript")
)

// Runner executes an external toolchain binary and captures its output.
type Runner interface {
	Run(ctx context.Context, program string, args ...string) (stdout, stderr []byte, err error)
}

// Config holds the toolchain binary locations.
type Config struct {
	GhostscriptBin string `help:"path to the Ghostscript binary" default:"gs"`
	PdfinfoBin     string `help:"path to the pdfinfo binary tried first for page counts" default:"pdfinfo"`
}

// BlackControls tunes production grayscale conversion. A nil threshold
// drops that half of the near-black test.
type BlackControls struct {
	ForceText   bool
	ForceVector bool
	ThresholdL  *float64
	ThresholdC  *float64
}

// ColorProfile is the measured ink coverage of a single page.
type ColorProfile struct {
	Page    int64   `json:"page"`
	C       float64 `json:"c"`
	M       float64 `json:"m"`
	Y       float64 `json:"y"`
	K       float64 `json:"k"`
	InkType string  `json:"type"`
}

// Analysis describes one analyzed PDF. ColorProfiles always holds
// exactly PageCount entries.
type Analysis struct {
	FileName      string         `json:"file_name"`
	PageCount     int64          `json:"page_count"`
	HasFormFields bool           `json:"has_formfields"`
	ColorProfiles []ColorProfile `json:"colorProfiles"`
}

// Tool invokes the PDF toolchain through a Runner. All invocations
// happen on the caller's goroutine; bounding concurrency is up to the
// caller.
type Tool struct {
	log    *zap.Logger
	run    Runner
	config Config

	fallbackLogged atomic.Bool
}

// NewTool creates a Tool using the given runner and binaries.
func NewTool(log *zap.Logger, runner Runner, config Config) *Tool {
	if config.GhostscriptBin == "" {
		config.GhostscriptBin = "gs"
	}
	if config.PdfinfoBin == "" {
		config.PdfinfoBin = "pdfinfo"
	}
	return &Tool{log: log, run: runner, config: config}
}

var pdfinfoPagesRe = regexp.MustCompile(`(?m)^\s*Pages:\s+(\d+)\s*$`)

// PageCount returns the number of pages in the PDF at path. It asks
// pdfinfo first and falls back to Ghostscript's pdfpagecount when the
// fast path is unavailable; the fallback reason is logged once per
// process.
func (tool *Tool) PageCount(ctx context.Context, path string) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	if count, ok := tool.pageCountWithPdfinfo(ctx, path); ok {
		return count, nil
	}

	stdout, stderr, err := tool.run.Run(ctx, tool.config.GhostscriptBin,
		"-q", "-dNODISPLAY", "-dSAFER",
		"--permit-file-read="+path,
		"-c", fmt.Sprintf("(%s) (r) file runpdfbegin pdfpagecount = quit", path),
	)
	if err != nil {
		return 0, Error.Wrap(err)
	}

	raw := strings.TrimSpace(string(stdout))
	if raw == "" {
		raw = strings.TrimSpace(string(stderr))
	}
	count, parseErr := strconv.ParseInt(raw, 10, 64)
	if parseErr != nil || count <= 0 {
		return 0, Error.New("invalid page count reported")
	}
	return count, nil
}

func (tool *Tool) pageCountWithPdfinfo(ctx context.Context, path string) (int64, bool) {
	stdout, _, err := tool.run.Run(ctx, tool.config.PdfinfoBin, path)
	if err != nil {
		tool.logFallbackOnce(err.Error())
		return 0, false
	}
	match := pdfinfoPagesRe.FindSubmatch(stdout)
	if match == nil {
		tool.logFallbackOnce("missing Pages field in pdfinfo output")
		return 0, false
	}
	count, parseErr := strconv.ParseInt(string(match[1]), 10, 64)
	if parseErr != nil || count <= 0 {
		tool.logFallbackOnce("invalid Pages value in pdfinfo output")
		return 0, false
	}
	return count, true
}

func (tool *Tool) logFallbackOnce(reason string) {
	if !tool.fallbackLogged.CompareAndSwap(false, true) {
		return
	}
	tool.log.Info("pdfinfo page-count fast path unavailable; falling back to Ghostscript page counting",
		zap.String("reason", reason))
}

// Analyze measures per-page ink coverage with the inkcov device and
// probes the raw bytes for form fields. A positive pageCountHint skips
// recounting pages. The profile list is padded or truncated so its
// length always matches the page count.
func (tool *Tool) Analyze(ctx context.Context, path string, pageCountHint int64) (_ Analysis, err error) {
	defer mon.Task()(&ctx)(&err)

	pageCount := pageCountHint
	if pageCount <= 0 {
		pageCount, err = tool.PageCount(ctx, path)
		if err != nil {
			return Analysis{}, err
		}
	}

	stdout, stderr, err := tool.run.Run(ctx, tool.config.GhostscriptBin,
		"-q", "-o", "-", "-dSAFER", "-dBATCH", "-dNOPAUSE", "-sDEVICE=inkcov", path)
	if err != nil {
		return Analysis{}, Error.Wrap(err)
	}

	output := combineStreams(string(stdout), string(stderr))
	profiles := parseInkcovProfiles(output, pageCount)
	if int64(len(profiles)) != pageCount {
		tool.log.Warn("inkcov output did not contain one profile per page; normalizing parsed data",
			zap.Int64("expected", pageCount),
			zap.Int("parsed", len(profiles)),
			zap.String("sample", truncateSample(output, 600)))
		profiles = normalizeProfiles(profiles, pageCount)
	}

	return Analysis{
		FileName:      filepath.Base(path),
		PageCount:     pageCount,
		HasFormFields: tool.hasFormFields(path),
		ColorProfiles: profiles,
	}, nil
}

var widgetMarker = []byte("/Subtype /Widget")

// hasFormFields scans the raw file bytes for the widget annotation
// marker. Running a second toolchain pass was ruled out: it can hang on
// some inputs, and the byte scan is enough for the current signal.
func (tool *Tool) hasFormFields(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		tool.log.Warn("failed to read PDF for form-field detection", zap.Error(err))
		return false
	}
	return bytes.Contains(data, widgetMarker)
}

// GrayscalePreview rewrites the PDF with all color converted to
// DeviceGray.
func (tool *Tool) GrayscalePreview(ctx context.Context, inputPath, outputPath string) (err error) {
	defer mon.Task()(&ctx)(&err)

	args := append(grayscaleBaseArgs(outputPath), inputPath)
	_, _, err = tool.run.Run(ctx, tool.config.GhostscriptBin, args...)
	return Error.Wrap(err)
}

// GrayscaleProduction performs the preview conversion plus the
// print-oriented black coercions configured in controls.
func (tool *Tool) GrayscaleProduction(ctx context.Context, inputPath, outputPath string, controls BlackControls) (err error) {
	defer mon.Task()(&ctx)(&err)

	args := grayscaleBaseArgs(outputPath)
	if controls.ForceText {
		args = append(args, "-dBlackText=true")
	}
	if controls.ForceVector {
		args = append(args, "-dBlackVector=true")
	}
	if prologue := blackRemapPrologue(controls.ThresholdL, controls.ThresholdC); prologue != "" {
		args = append(args, "-c", prologue, "-f", inputPath)
	} else {
		args = append(args, inputPath)
	}

	_, _, err = tool.run.Run(ctx, tool.config.GhostscriptBin, args...)
	return Error.Wrap(err)
}

func grayscaleBaseArgs(outputPath string) []string {
	return []string{
		"-q", "-dNOPAUSE", "-dBATCH", "-dSAFER",
		"-sDEVICE=pdfwrite",
		"-sColorConversionStrategy=Gray",
		"-dProcessColorModel=/DeviceGray",
		"-sOutputFile=" + outputPath,
	}
}

// blackRemapPrologue builds a PostScript prologue that snaps near-black
// source colors to solid black before pdfwrite converts them. L* is
// approximated with Rec. 709 luma and chroma with the RGB channel
// spread, both on a 0-100 scale.
func blackRemapPrologue(thresholdL, thresholdC *float64) string {
	var test string
	switch {
	case thresholdL != nil && thresholdC != nil:
		test = fmt.Sprintf("lum %s lt chr %s lt and", formatThreshold(*thresholdL), formatThreshold(*thresholdC))
	case thresholdL != nil:
		test = fmt.Sprintf("lum %s lt", formatThreshold(*thresholdL))
	case thresholdC != nil:
		test = fmt.Sprintf("chr %s lt", formatThreshold(*thresholdC))
	default:
		return ""
	}
	return "/graygate_setrgb /setrgbcolor load def " +
		"/graygate_snap { /b exch def /g exch def /r exch def " +
		"/lum 0.2126 r mul 0.7152 g mul add 0.0722 b mul add 100 mul def " +
		"/chr r g max b max r g min b min sub 100 mul def " +
		test + " { 0 0 0 } { r g b } ifelse } bind def " +
		"/setrgbcolor { graygate_snap graygate_setrgb } bind def"
}

func formatThreshold(value float64) string {
	return strconv.FormatFloat(value, 'g', -1, 64)
}

// Version reports the Ghostscript version banner, for health checks.
func (tool *Tool) Version(ctx context.Context) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	stdout, stderr, err := tool.run.Run(ctx, tool.config.GhostscriptBin, "-v")
	if err != nil {
		return "", Error.Wrap(err)
	}
	banner := strings.TrimSpace(string(stdout))
	if banner == "" {
		banner = strings.TrimSpace(string(stderr))
	}
	return banner, nil
}

var (
	unsafeBaseNameRe = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)
	edgeUnderscoreRe = regexp.MustCompile(`^_+|_+$`)
)

// SanitizeBaseName reduces a file stem to a safe ASCII identifier:
// runs of unsafe characters collapse to a single underscore, edge
// underscores are stripped, blank results become "document", and the
// result is capped at 80 characters.
func SanitizeBaseName(value string) string {
	replaced := unsafeBaseNameRe.ReplaceAllString(value, "_")
	trimmed := edgeUnderscoreRe.ReplaceAllString(replaced, "")
	if trimmed == "" {
		return "document"
	}
	if len(trimmed) > 80 {
		trimmed = trimmed[:80]
	}
	return trimmed
}
