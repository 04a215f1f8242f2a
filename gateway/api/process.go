// Copyright (C) 2025 Graygate, Inc.
// See LICENSE for copying information.

package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/graygate/graygate/ghostscript"
	"github.com/graygate/graygate/mupdf"
	"github.com/graygate/graygate/private/gate"
	"github.com/graygate/graygate/quota"
	"github.com/graygate/graygate/upload"
)

// ErrProcessAPI is the error class for the process controller.
var ErrProcessAPI = errs.Class("gateway process")

// Upload budgets. Dashboard preflights stay small; the paid API and
// grayscale conversion accept full documents.
const (
	preflightMaxUploadBytes = 5 << 20
	processMaxUploadBytes   = 20 << 20
)

// ProcessConfig tunes grayscale conversion and stage timing logs.
type ProcessConfig struct {
	LogGhostscriptTimings bool `help:"log per-invocation toolchain timings" default:"false"`
	LogProcessingTimings  bool `help:"log per-stage request timings" default:"false"`

	BlackControls ghostscript.BlackControls
}

// Process handles document analysis and grayscale conversion. Every
// toolchain invocation goes through the gate, and any reservation made
// against the caller's quota is settled exactly once: committed after
// the toolchain succeeds, released when it fails.
type Process struct {
	log    *zap.Logger
	quota  *quota.Service
	tool   *ghostscript.Tool
	mutool *mupdf.Tool
	gate   *gate.Gate
	config ProcessConfig
}

// NewProcess is a constructor for the process controller.
func NewProcess(log *zap.Logger, quota *quota.Service, tool *ghostscript.Tool, mutool *mupdf.Tool, gate *gate.Gate, config ProcessConfig) *Process {
	return &Process{
		log:    log,
		quota:  quota,
		tool:   tool,
		mutool: mutool,
		gate:   gate,
		config: config,
	}
}

// PreflightTest analyzes an uploaded PDF without authentication or
// quota accounting. It fronts the public demo, so the upload budget is
// the small one and the route carries its own rate limit.
func (process *Process) PreflightTest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	file, err := process.saveUpload(ctx, w, r, preflightMaxUploadBytes)
	if err != nil {
		return
	}
	defer upload.Remove(process.log, file.TempPath)

	var analysis ghostscript.Analysis
	err = process.gate.Do(ctx, "preflight-test", func(ctx context.Context) error {
		result, err := process.tool.Analyze(ctx, file.TempPath, 0)
		if err != nil {
			return err
		}
		result.FileName = file.OriginalName
		analysis = result
		return nil
	})
	if err != nil {
		serveJSONError(process.log, w, http.StatusInternalServerError, err)
		return
	}

	serveJSON(process.log, w, http.StatusOK, analysis)
}

// Preflight analyzes an uploaded PDF for the dashboard, charging two
// units per page.
func (process *Process) Preflight(w http.ResponseWriter, r *http.Request) {
	user, ok := GetUser(r.Context())
	if !ok {
		serveCustomJSONError(process.log, w, http.StatusUnauthorized, ErrProcessAPI.New("no user in context"), "Unauthorized")
		return
	}
	process.preflight(w, r, user.ClerkID, preflightMaxUploadBytes)
}

// Analyze is the API-key flavor of Preflight with the larger upload
// budget. API keys authenticate a backend user record, which may
// predate the link to a Clerk account.
func (process *Process) Analyze(w http.ResponseWriter, r *http.Request) {
	clerkID, ok := process.apiClerkID(w, r)
	if !ok {
		return
	}
	process.preflight(w, r, clerkID, processMaxUploadBytes)
}

// Grayscale converts an uploaded PDF to grayscale for the dashboard,
// charging one unit per page.
func (process *Process) Grayscale(w http.ResponseWriter, r *http.Request) {
	user, ok := GetUser(r.Context())
	if !ok {
		serveCustomJSONError(process.log, w, http.StatusUnauthorized, ErrProcessAPI.New("no user in context"), "Unauthorized")
		return
	}
	process.grayscale(w, r, user.ClerkID)
}

// GrayscaleAPI is the API-key flavor of Grayscale.
func (process *Process) GrayscaleAPI(w http.ResponseWriter, r *http.Request) {
	clerkID, ok := process.apiClerkID(w, r)
	if !ok {
		return
	}
	process.grayscale(w, r, clerkID)
}

// Conversion is a legacy probe route kept for older frontend builds.
func (process *Process) Conversion(w http.ResponseWriter, r *http.Request) {
	serveJSON(process.log, w, http.StatusOK, map[string]string{"message": "conversion"})
}

// apiClerkID extracts the Clerk ID attached by API key authentication.
func (process *Process) apiClerkID(w http.ResponseWriter, r *http.Request) (string, bool) {
	user, ok := GetUser(r.Context())
	if !ok || strings.TrimSpace(user.ClerkID) == "" {
		serveCustomJSONError(process.log, w, http.StatusInternalServerError,
			ErrProcessAPI.New("api key user has no clerk id"), "Authenticated user missing Clerk ID.")
		return "", false
	}
	return user.ClerkID, true
}

func (process *Process) preflight(w http.ResponseWriter, r *http.Request, clerkID string, maxBytes int64) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	file, err := process.saveUpload(ctx, w, r, maxBytes)
	if err != nil {
		return
	}
	defer upload.Remove(process.log, file.TempPath)

	var (
		analysis           ghostscript.Analysis
		denied             *quota.Reservation
		deniedUnits        int64
		missingReservation bool
	)
	err = process.gate.Do(ctx, "preflight", func(ctx context.Context) error {
		pageCount, err := process.tool.PageCount(ctx, file.TempPath)
		if err != nil {
			return err
		}
		units := pageCount * 2

		reservation, err := process.quota.Reserve(ctx, clerkID, units)
		if err != nil {
			return err
		}
		if !reservation.Allowed {
			denied, deniedUnits = &reservation, units
			return nil
		}
		if reservation.ReservationID == "" {
			missingReservation = true
			return nil
		}

		result, err := process.tool.Analyze(ctx, file.TempPath, pageCount)
		if err != nil {
			if releaseErr := process.quota.Release(ctx, clerkID, reservation.ReservationID); releaseErr != nil {
				process.log.Warn("failed to release reservation", zap.Error(releaseErr))
			}
			return err
		}

		committed, err := process.quota.Commit(ctx, clerkID, reservation.ReservationID)
		if err != nil {
			return err
		}
		if !committed {
			process.log.Warn("Usage reservation commit failed")
		}

		result.FileName = file.OriginalName
		analysis = result
		return nil
	})
	switch {
	case err != nil:
		serveJSONError(process.log, w, http.StatusInternalServerError, err)
	case denied != nil:
		process.serveQuotaExceeded(w, *denied, deniedUnits)
	case missingReservation:
		serveCustomJSONError(process.log, w, http.StatusInternalServerError,
			ErrProcessAPI.New("reservation was allowed but has no id"), "Failed to create usage reservation.")
	default:
		serveJSON(process.log, w, http.StatusOK, analysis)
	}
}

type grayscaleMode int

const (
	modePreview grayscaleMode = iota
	modeProduction
)

func parseGrayscaleMode(raw string) (grayscaleMode, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "preview":
		return modePreview, true
	case "production":
		return modeProduction, true
	default:
		return 0, false
	}
}

type grayscaleEngine int

const (
	engineGhostscript grayscaleEngine = iota
	engineMuPDF
)

func parseGrayscaleEngine(raw string) (grayscaleEngine, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "ghostscript", "gs":
		return engineGhostscript, true
	case "mupdf", "mutool":
		return engineMuPDF, true
	default:
		return 0, false
	}
}

func (process *Process) grayscale(w http.ResponseWriter, r *http.Request, clerkID string) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	totalStarted := time.Now()

	uploadStarted := time.Now()
	form, err := r.MultipartReader()
	if err != nil {
		process.serveUploadError(w, upload.ErrMultipart.Wrap(err))
		return
	}
	request, err := upload.SaveRequest(ctx, form, processMaxUploadBytes)
	if err != nil {
		process.serveUploadError(w, err)
		return
	}
	process.logProcessingTiming("grayscale-upload", uploadStarted)

	mode, ok := parseGrayscaleMode(request.Mode)
	if !ok {
		upload.Remove(process.log, request.TempPath)
		serveCustomJSONError(process.log, w, http.StatusBadRequest,
			ErrProcessAPI.New("invalid mode %q", request.Mode), `Invalid mode. Use "preview" or "production".`)
		return
	}
	engine, ok := parseGrayscaleEngine(request.Engine)
	if !ok {
		upload.Remove(process.log, request.TempPath)
		serveCustomJSONError(process.log, w, http.StatusBadRequest,
			ErrProcessAPI.New("invalid engine %q", request.Engine), `Invalid engine. Use "ghostscript" or "mupdf".`)
		return
	}
	if engine == engineMuPDF && mode == modeProduction {
		// mutool recolor has no black-control knobs.
		process.log.Warn("mupdf engine does not support production mode, using ghostscript")
		engine = engineGhostscript
	}

	baseName := ghostscript.SanitizeBaseName(fileStem(request.OriginalName))
	outputName := baseName + "-grayscale.pdf"
	outputPath := filepath.Join(os.TempDir(), fmt.Sprintf("%s-%s-grayscale.pdf", baseName, uuid.NewString()))
	cleanup := func() {
		upload.Remove(process.log, request.TempPath)
		upload.Remove(process.log, outputPath)
	}

	pageCountStarted := time.Now()
	var pageCount int64
	err = process.gate.Do(ctx, "grayscale-page-count", func(ctx context.Context) (err error) {
		pageCount, err = process.tool.PageCount(ctx, request.TempPath)
		return err
	})
	if err != nil {
		cleanup()
		serveJSONError(process.log, w, http.StatusInternalServerError, err)
		return
	}
	process.logGhostscriptTiming("page-count", pageCountStarted)
	process.logProcessingTiming("grayscale-page-count", pageCountStarted)

	units := pageCount
	reserveStarted := time.Now()
	reservation, err := process.quota.Reserve(ctx, clerkID, units)
	if err != nil {
		cleanup()
		serveCustomJSONError(process.log, w, http.StatusInternalServerError, err, "Failed to reserve usage quota.")
		return
	}
	process.logProcessingTiming("grayscale-reserve", reserveStarted)

	if !reservation.Allowed {
		cleanup()
		process.serveQuotaExceeded(w, reservation, units)
		return
	}
	if reservation.ReservationID == "" {
		cleanup()
		serveCustomJSONError(process.log, w, http.StatusInternalServerError,
			ErrProcessAPI.New("reservation was allowed but has no id"), "Failed to create usage reservation.")
		return
	}

	conversionStarted := time.Now()
	err = process.gate.Do(ctx, "grayscale-conversion", func(ctx context.Context) error {
		switch {
		case engine == engineMuPDF:
			return process.mutool.Grayscale(ctx, request.TempPath, outputPath)
		case mode == modeProduction:
			return process.tool.GrayscaleProduction(ctx, request.TempPath, outputPath, process.config.BlackControls)
		default:
			return process.tool.GrayscalePreview(ctx, request.TempPath, outputPath)
		}
	})
	if err != nil {
		if releaseErr := process.quota.Release(ctx, clerkID, reservation.ReservationID); releaseErr != nil {
			process.log.Warn("failed to release reservation", zap.Error(releaseErr))
		}
		cleanup()
		serveJSONError(process.log, w, http.StatusInternalServerError, err)
		return
	}
	process.logGhostscriptTiming("grayscale-conversion", conversionStarted)
	process.logProcessingTiming("grayscale-conversion", conversionStarted)

	commitStarted := time.Now()
	committed, commitErr := process.quota.Commit(ctx, clerkID, reservation.ReservationID)
	if commitErr != nil {
		process.log.Warn("failed to commit reservation", zap.Error(commitErr))
	} else if !committed {
		process.log.Warn("Usage reservation commit failed")
	}
	process.logProcessingTiming("grayscale-commit", commitStarted)

	readStarted := time.Now()
	pdfBytes, readErr := os.ReadFile(outputPath)
	if readErr != nil {
		cleanup()
		serveCustomJSONError(process.log, w, http.StatusInternalServerError, readErr, "Failed to send grayscale PDF")
		return
	}
	process.logProcessingTiming("grayscale-read", readStarted)

	cleanup()

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", sanitizeFilenameForHeader(outputName)))
	w.Header().Set("X-Page-Count", strconv.FormatInt(pageCount, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pdfBytes)

	process.logProcessingTiming("grayscale-total", totalStarted)
}

// saveUpload streams the multipart file part to disk, answering the
// request itself when the upload is rejected.
func (process *Process) saveUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, maxBytes int64) (upload.File, error) {
	form, err := r.MultipartReader()
	if err != nil {
		err = upload.ErrMultipart.Wrap(err)
		process.serveUploadError(w, err)
		return upload.File{}, err
	}
	file, err := upload.SavePDF(ctx, form, maxBytes)
	if err != nil {
		process.serveUploadError(w, err)
		return upload.File{}, err
	}
	return file, nil
}

func (process *Process) serveUploadError(w http.ResponseWriter, err error) {
	switch {
	case upload.ErrMissingFile.Has(err):
		serveCustomJSONError(process.log, w, http.StatusBadRequest, err, "File not found")
	case upload.ErrUnsupportedType.Has(err):
		serveCustomJSONError(process.log, w, http.StatusBadRequest, err, "Only PDF files are supported")
	case upload.ErrTooLarge.Has(err):
		serveCustomJSONError(process.log, w, http.StatusBadRequest, err, "File exceeds upload limit")
	default:
		serveCustomJSONError(process.log, w, http.StatusInternalServerError, err, "Failed to parse upload")
	}
}

// quotaExceededResponse is the 402 body. MonthlyQuota stays null for
// unlimited plans, which can still be denied by backend safety rails.
type quotaExceededResponse struct {
	Error          string `json:"error"`
	Plan           string `json:"plan"`
	MonthlyQuota   *int64 `json:"monthlyQuota"`
	UnitsThisMonth int64  `json:"unitsThisMonth"`
	PendingUnits   int64  `json:"pendingUnits"`
	UnitsRequested int64  `json:"unitsRequested"`
}

func (process *Process) serveQuotaExceeded(w http.ResponseWriter, reservation quota.Reservation, units int64) {
	process.log.Debug("usage reservation denied",
		zap.String("plan", reservation.Plan.String()),
		zap.Int64("units_requested", units))
	serveJSON(process.log, w, http.StatusPaymentRequired, quotaExceededResponse{
		Error:          "Monthly quota exceeded.",
		Plan:           reservation.Plan.String(),
		MonthlyQuota:   reservation.MonthlyQuota,
		UnitsThisMonth: reservation.TotalThisMonth,
		PendingUnits:   reservation.PendingUnits,
		UnitsRequested: units,
	})
}

func (process *Process) logGhostscriptTiming(stage string, started time.Time) {
	if !process.config.LogGhostscriptTimings {
		return
	}
	process.log.Info("ghostscript timing",
		zap.String("stage", stage),
		zap.Int64("duration_ms", time.Since(started).Milliseconds()))
}

func (process *Process) logProcessingTiming(stage string, started time.Time) {
	if !process.config.LogProcessingTimings {
		return
	}
	process.log.Info("processing timing",
		zap.String("stage", stage),
		zap.Int64("duration_ms", time.Since(started).Milliseconds()))
}

// fileStem strips the directory and the final extension, mirroring how
// browsers name downloads. A bare extension like ".pdf" is kept whole.
func fileStem(name string) string {
	base := filepath.Base(name)
	ext := filepath.Ext(base)
	if ext == base {
		return base
	}
	return strings.TrimSuffix(base, ext)
}

// sanitizeFilenameForHeader keeps header values inside the quoted-string
// grammar: ASCII alphanumerics and ._- pass, everything else becomes _.
func sanitizeFilenameForHeader(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	for _, ch := range value {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9',
			ch == '.', ch == '_', ch == '-':
			b.WriteRune(ch)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
