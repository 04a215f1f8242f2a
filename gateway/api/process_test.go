// Copyright (C) 2025 Graygate, Inc.
// See LICENSE for copying information.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"github.com/graygate/graygate/ghostscript"
	"github.com/graygate/graygate/mupdf"
	"github.com/graygate/graygate/private/gate"
	"github.com/graygate/graygate/quota"
)

// stubRunner fakes the external toolchain. Every invocation is
// recorded; runFn decides the response.
type stubRunner struct {
	calls [][]string
	runFn func(program string, args []string) (stdout, stderr []byte, err error)
}

func (s *stubRunner) Run(ctx context.Context, program string, args ...string) ([]byte, []byte, error) {
	s.calls = append(s.calls, append([]string{program}, args...))
	return s.runFn(program, args)
}

func (s *stubRunner) sawArg(substr string) bool {
	return s.callWith(substr) != nil
}

func (s *stubRunner) callWith(substr string) []string {
	for _, call := range s.calls {
		for _, arg := range call {
			if strings.Contains(arg, substr) {
				return call
			}
		}
	}
	return nil
}

func hasArg(args []string, substr string) bool {
	for _, arg := range args {
		if strings.Contains(arg, substr) {
			return true
		}
	}
	return false
}

// newToolchainRunner behaves like a healthy gs/pdfinfo/mutool install
// working on a document with the given page count.
func newToolchainRunner(pages int64) *stubRunner {
	runner := &stubRunner{}
	runner.runFn = func(program string, args []string) ([]byte, []byte, error) {
		switch {
		case program == "pdfinfo":
			return []byte(fmt.Sprintf("Title:          test\nPages:          %d\n", pages)), nil, nil

		case hasArg(args, "-sDEVICE=inkcov"):
			var out strings.Builder
			for i := int64(0); i < pages; i++ {
				out.WriteString(" 0.10000  0.20000  0.30000  0.40000 CMYK OK\n")
			}
			return []byte(out.String()), nil, nil

		case hasArg(args, "-sDEVICE=pdfwrite"):
			for _, arg := range args {
				if strings.HasPrefix(arg, "-sOutputFile=") {
					path := strings.TrimPrefix(arg, "-sOutputFile=")
					return nil, nil, os.WriteFile(path, []byte("%PDF-1.4 gs-gray"), 0o600)
				}
			}
			return nil, nil, errs.New("missing -sOutputFile argument")

		case program == "mutool" && len(args) == 1 && args[0] == "recolor":
			return nil, []byte("usage: mutool recolor [options] file\n"), errs.New("exit status 1")

		case program == "mutool" && len(args) > 0 && args[0] == "recolor":
			for i, arg := range args {
				if arg == "-o" && i+1 < len(args) {
					return nil, nil, os.WriteFile(args[i+1], []byte("%PDF-1.4 mutool-gray"), 0o600)
				}
			}
			return nil, nil, errs.New("missing -o argument")
		}
		return nil, nil, errs.New("unexpected invocation: %s %v", program, args)
	}
	return runner
}

func newProcessTest(t *testing.T, backend *stubBackend, runner *stubRunner, config ProcessConfig) *Process {
	log := zaptest.NewLogger(t)
	return NewProcess(log,
		quota.NewService(log, backend),
		ghostscript.NewTool(log, runner, ghostscript.Config{}),
		mupdf.NewTool(log, runner, mupdf.Config{}),
		gate.New(log, "test", 2, false),
		config)
}

func multipartUpload(t *testing.T, fields map[string]string, fileName string, content []byte) *http.Request {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for name, value := range fields {
		require.NoError(t, writer.WriteField(name, value))
	}
	if fileName != "" {
		part, err := writer.CreateFormFile("file", fileName)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	r := httptest.NewRequest(http.MethodPost, "/process/preflight", &buf)
	r.Header.Set("Content-Type", writer.FormDataContentType())
	return r
}

// quotaCalls records how a request settled its reservation.
type quotaCalls struct {
	reserved  map[string]interface{}
	committed bool
	released  bool
}

// reservingBackend grants every reservation as res_1 on an active pro
// subscription.
func reservingBackend(t *testing.T, calls *quotaCalls) *stubBackend {
	return &stubBackend{
		query: func(path string, args interface{}) (json.RawMessage, error) {
			require.Equal(t, "subscriptions:get", path)
			return json.RawMessage(`{"plan":"pro","status":"active"}`), nil
		},
		action: func(path string, args interface{}) (json.RawMessage, error) {
			switch path {
			case "usage:reserveForClerkUser":
				calls.reserved = argsMap(t, args)
				return json.RawMessage(`{"allowed":true,"reservationId":"res_1","totalThisMonth":40,"pendingUnits":6}`), nil
			case "usage:commitReservationForClerkUser":
				require.Equal(t, "res_1", argsMap(t, args)["reservationId"])
				calls.committed = true
				return json.RawMessage(`{"committed":true}`), nil
			case "usage:releaseReservationForClerkUser":
				require.Equal(t, "res_1", argsMap(t, args)["reservationId"])
				calls.released = true
				return json.RawMessage(`{"released":true}`), nil
			}
			t.Fatalf("unexpected action %q", path)
			return nil, nil
		},
	}
}

func TestPreflightTest(t *testing.T) {
	backend := &stubBackend{
		query: func(path string, args interface{}) (json.RawMessage, error) {
			t.Fatalf("unexpected query %q", path)
			return nil, nil
		},
		action: func(path string, args interface{}) (json.RawMessage, error) {
			t.Fatalf("unexpected action %q", path)
			return nil, nil
		},
	}
	runner := newToolchainRunner(3)
	process := newProcessTest(t, backend, runner, ProcessConfig{})

	rec := httptest.NewRecorder()
	process.PreflightTest(rec, multipartUpload(t, nil, "Quarterly Report.pdf",
		[]byte("%PDF-1.4 body /Subtype /Widget more")))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "Quarterly Report.pdf", body["file_name"])
	require.EqualValues(t, 3, body["page_count"])
	require.Equal(t, true, body["has_formfields"])

	profiles, ok := body["colorProfiles"].([]interface{})
	require.True(t, ok)
	require.Len(t, profiles, 3)
	require.Equal(t, map[string]interface{}{
		"page": float64(1),
		"c":    0.1,
		"m":    0.2,
		"y":    0.3,
		"k":    0.4,
		"type": "CMYK OK",
	}, profiles[0])
}

func TestPreflightChargesTwoUnitsPerPage(t *testing.T) {
	var calls quotaCalls
	runner := newToolchainRunner(3)
	process := newProcessTest(t, reservingBackend(t, &calls), runner, ProcessConfig{})

	rec := httptest.NewRecorder()
	process.Preflight(rec, withTestUser(multipartUpload(t, nil, "doc.pdf", []byte("%PDF-1.4")), "user_1"))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "user_1", calls.reserved["clerkId"])
	require.EqualValues(t, 6, calls.reserved["units"])
	monthlyQuota, ok := calls.reserved["monthlyQuota"].(*int64)
	require.True(t, ok)
	require.NotNil(t, monthlyQuota)
	require.EqualValues(t, 25000, *monthlyQuota)
	require.True(t, calls.committed)
	require.False(t, calls.released)

	body := decodeBody(t, rec)
	require.EqualValues(t, 3, body["page_count"])
	require.Equal(t, false, body["has_formfields"])
}

func TestPreflightQuotaDenied(t *testing.T) {
	backend := &stubBackend{
		query: func(path string, args interface{}) (json.RawMessage, error) {
			return json.RawMessage(`null`), nil
		},
		action: func(path string, args interface{}) (json.RawMessage, error) {
			require.Equal(t, "usage:reserveForClerkUser", path)
			monthlyQuota, ok := argsMap(t, args)["monthlyQuota"].(*int64)
			require.True(t, ok)
			require.NotNil(t, monthlyQuota)
			require.EqualValues(t, 400, *monthlyQuota)
			return json.RawMessage(`{"allowed":false,"totalThisMonth":398,"pendingUnits":4}`), nil
		},
	}
	runner := newToolchainRunner(3)
	process := newProcessTest(t, backend, runner, ProcessConfig{})

	rec := httptest.NewRecorder()
	process.Preflight(rec, withTestUser(multipartUpload(t, nil, "doc.pdf", []byte("%PDF-1.4")), "user_1"))

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	require.JSONEq(t, `{
		"error": "Monthly quota exceeded.",
		"plan": "free",
		"monthlyQuota": 400,
		"unitsThisMonth": 398,
		"pendingUnits": 4,
		"unitsRequested": 6
	}`, rec.Body.String())

	// Denied requests never reach the ink coverage pass.
	require.False(t, runner.sawArg("-sDEVICE=inkcov"))
}

func TestPreflightReleasesOnAnalyzeFailure(t *testing.T) {
	var calls quotaCalls
	runner := newToolchainRunner(3)
	base := runner.runFn
	runner.runFn = func(program string, args []string) ([]byte, []byte, error) {
		if hasArg(args, "-sDEVICE=inkcov") {
			return nil, []byte("boom"), errs.New("exit status 1")
		}
		return base(program, args)
	}
	process := newProcessTest(t, reservingBackend(t, &calls), runner, ProcessConfig{})

	rec := httptest.NewRecorder()
	process.Preflight(rec, withTestUser(multipartUpload(t, nil, "doc.pdf", []byte("%PDF-1.4")), "user_1"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.True(t, calls.released)
	require.False(t, calls.committed)
}

func TestPreflightCommitFailurePropagates(t *testing.T) {
	released := false
	backend := &stubBackend{
		query: func(path string, args interface{}) (json.RawMessage, error) {
			return json.RawMessage(`{"plan":"pro","status":"active"}`), nil
		},
		action: func(path string, args interface{}) (json.RawMessage, error) {
			switch path {
			case "usage:reserveForClerkUser":
				return json.RawMessage(`{"allowed":true,"reservationId":"res_1","totalThisMonth":0,"pendingUnits":0}`), nil
			case "usage:commitReservationForClerkUser":
				return nil, errs.New("backend offline")
			case "usage:releaseReservationForClerkUser":
				released = true
				return json.RawMessage(`{"released":true}`), nil
			}
			t.Fatalf("unexpected action %q", path)
			return nil, nil
		},
	}
	runner := newToolchainRunner(2)
	process := newProcessTest(t, backend, runner, ProcessConfig{})

	rec := httptest.NewRecorder()
	process.Preflight(rec, withTestUser(multipartUpload(t, nil, "doc.pdf", []byte("%PDF-1.4")), "user_1"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.False(t, released)
}

func TestPreflightMissingReservationID(t *testing.T) {
	backend := &stubBackend{
		query: func(path string, args interface{}) (json.RawMessage, error) {
			return json.RawMessage(`{"plan":"pro","status":"active"}`), nil
		},
		action: func(path string, args interface{}) (json.RawMessage, error) {
			require.Equal(t, "usage:reserveForClerkUser", path)
			return json.RawMessage(`{"allowed":true,"totalThisMonth":0,"pendingUnits":0}`), nil
		},
	}
	runner := newToolchainRunner(2)
	process := newProcessTest(t, backend, runner, ProcessConfig{})

	rec := httptest.NewRecorder()
	process.Preflight(rec, withTestUser(multipartUpload(t, nil, "doc.pdf", []byte("%PDF-1.4")), "user_1"))

	requireErrorBody(t, rec, http.StatusInternalServerError, "Failed to create usage reservation.")
}

func TestPreflightUploadValidation(t *testing.T) {
	for _, tt := range []struct {
		name    string
		request func(t *testing.T) *http.Request
		status  int
		message string
	}{
		{
			name: "missing file part",
			request: func(t *testing.T) *http.Request {
				return multipartUpload(t, map[string]string{"mode": "preview"}, "", nil)
			},
			status:  http.StatusBadRequest,
			message: "File not found",
		},
		{
			name: "not a pdf",
			request: func(t *testing.T) *http.Request {
				return multipartUpload(t, nil, "notes.txt", []byte("plain text"))
			},
			status:  http.StatusBadRequest,
			message: "Only PDF files are supported",
		},
		{
			name: "over the upload budget",
			request: func(t *testing.T) *http.Request {
				return multipartUpload(t, nil, "big.pdf", bytes.Repeat([]byte("a"), 5<<20+1))
			},
			status:  http.StatusBadRequest,
			message: "File exceeds upload limit",
		},
		{
			name: "not multipart",
			request: func(t *testing.T) *http.Request {
				r := httptest.NewRequest(http.MethodPost, "/process/preflight", strings.NewReader("{}"))
				r.Header.Set("Content-Type", "application/json")
				return r
			},
			status:  http.StatusInternalServerError,
			message: "Failed to parse upload",
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			runner := newToolchainRunner(1)
			process := newProcessTest(t, &stubBackend{}, runner, ProcessConfig{})

			rec := httptest.NewRecorder()
			process.Preflight(rec, withTestUser(tt.request(t), "user_1"))

			requireErrorBody(t, rec, tt.status, tt.message)
			require.Empty(t, runner.calls)
		})
	}
}

func TestPreflightUnauthorized(t *testing.T) {
	process := newProcessTest(t, &stubBackend{}, newToolchainRunner(1), ProcessConfig{})

	rec := httptest.NewRecorder()
	process.Preflight(rec, multipartUpload(t, nil, "doc.pdf", []byte("%PDF-1.4")))

	requireErrorBody(t, rec, http.StatusUnauthorized, "Unauthorized")
}

func TestAnalyzeAcceptsLargerUploads(t *testing.T) {
	var calls quotaCalls
	runner := newToolchainRunner(2)
	process := newProcessTest(t, reservingBackend(t, &calls), runner, ProcessConfig{})

	// 6 MiB exceeds the dashboard preflight budget but fits the API one.
	rec := httptest.NewRecorder()
	process.Analyze(rec, withTestUser(multipartUpload(t, nil, "big.pdf", bytes.Repeat([]byte("a"), 6<<20)), "user_1"))

	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 4, calls.reserved["units"])
	require.True(t, calls.committed)
}

func TestAnalyzeMissingClerkID(t *testing.T) {
	process := newProcessTest(t, &stubBackend{}, newToolchainRunner(1), ProcessConfig{})

	rec := httptest.NewRecorder()
	process.Analyze(rec, withTestUser(multipartUpload(t, nil, "doc.pdf", []byte("%PDF-1.4")), ""))

	requireErrorBody(t, rec, http.StatusInternalServerError, "Authenticated user missing Clerk ID.")
}

func TestGrayscalePreview(t *testing.T) {
	var calls quotaCalls
	runner := newToolchainRunner(3)
	process := newProcessTest(t, reservingBackend(t, &calls), runner, ProcessConfig{})

	rec := httptest.NewRecorder()
	process.Grayscale(rec, withTestUser(multipartUpload(t, nil, "Quarterly Report.pdf", []byte("%PDF-1.4")), "user_1"))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	require.Equal(t, `attachment; filename="Quarterly_Report-grayscale.pdf"`, rec.Header().Get("Content-Disposition"))
	require.Equal(t, "3", rec.Header().Get("X-Page-Count"))
	require.Equal(t, "%PDF-1.4 gs-gray", rec.Body.String())

	require.EqualValues(t, 3, calls.reserved["units"])
	require.True(t, calls.committed)
	require.False(t, calls.released)

	require.True(t, runner.sawArg("-sColorConversionStrategy=Gray"))
	require.False(t, runner.sawArg("-dBlackText=true"))
}

func TestGrayscaleProductionBlackControls(t *testing.T) {
	thresholdL := 12.5
	config := ProcessConfig{
		BlackControls: ghostscript.BlackControls{
			ForceText:   true,
			ForceVector: true,
			ThresholdL:  &thresholdL,
		},
	}

	var calls quotaCalls
	runner := newToolchainRunner(2)
	process := newProcessTest(t, reservingBackend(t, &calls), runner, config)

	rec := httptest.NewRecorder()
	process.Grayscale(rec, withTestUser(
		multipartUpload(t, map[string]string{"mode": "production"}, "doc.pdf", []byte("%PDF-1.4")), "user_1"))

	require.Equal(t, http.StatusOK, rec.Code)

	call := runner.callWith("-sDEVICE=pdfwrite")
	require.NotNil(t, call)
	require.Contains(t, call, "-dBlackText=true")
	require.Contains(t, call, "-dBlackVector=true")
	require.Contains(t, call, "-c")
	require.Contains(t, call, "-f")
	require.True(t, hasArg(call, "lum 12.5 lt"))
}

func TestGrayscaleMuPDF(t *testing.T) {
	var calls quotaCalls
	runner := newToolchainRunner(2)
	process := newProcessTest(t, reservingBackend(t, &calls), runner, ProcessConfig{})

	rec := httptest.NewRecorder()
	process.Grayscale(rec, withTestUser(
		multipartUpload(t, map[string]string{"engine": "mupdf"}, "doc.pdf", []byte("%PDF-1.4")), "user_1"))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "%PDF-1.4 mutool-gray", rec.Body.String())
	require.Equal(t, "2", rec.Header().Get("X-Page-Count"))
	require.True(t, calls.committed)

	require.True(t, runner.sawArg("recolor"))
	require.False(t, runner.sawArg("-sDEVICE=pdfwrite"))
}

func TestGrayscaleMuPDFProductionFallsBack(t *testing.T) {
	config := ProcessConfig{BlackControls: ghostscript.BlackControls{ForceText: true}}

	var calls quotaCalls
	runner := newToolchainRunner(2)
	process := newProcessTest(t, reservingBackend(t, &calls), runner, config)

	rec := httptest.NewRecorder()
	process.Grayscale(rec, withTestUser(
		multipartUpload(t, map[string]string{"engine": "mupdf", "mode": "production"}, "doc.pdf", []byte("%PDF-1.4")), "user_1"))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "%PDF-1.4 gs-gray", rec.Body.String())
	require.False(t, runner.sawArg("recolor"))
	require.True(t, runner.sawArg("-dBlackText=true"))
}

func TestGrayscaleParameterValidation(t *testing.T) {
	for _, tt := range []struct {
		name    string
		fields  map[string]string
		message string
	}{
		{
			name:    "invalid mode",
			fields:  map[string]string{"mode": "sepia"},
			message: `Invalid mode. Use "preview" or "production".`,
		},
		{
			name:    "invalid engine",
			fields:  map[string]string{"engine": "imagemagick"},
			message: `Invalid engine. Use "ghostscript" or "mupdf".`,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			runner := newToolchainRunner(1)
			process := newProcessTest(t, &stubBackend{}, runner, ProcessConfig{})

			rec := httptest.NewRecorder()
			process.Grayscale(rec, withTestUser(
				multipartUpload(t, tt.fields, "doc.pdf", []byte("%PDF-1.4")), "user_1"))

			requireErrorBody(t, rec, http.StatusBadRequest, tt.message)
			require.Empty(t, runner.calls)
		})
	}
}

func TestGrayscaleQuotaDenied(t *testing.T) {
	backend := &stubBackend{
		query: func(path string, args interface{}) (json.RawMessage, error) {
			return json.RawMessage(`null`), nil
		},
		action: func(path string, args interface{}) (json.RawMessage, error) {
			require.Equal(t, "usage:reserveForClerkUser", path)
			return json.RawMessage(`{"allowed":false,"totalThisMonth":399,"pendingUnits":0}`), nil
		},
	}
	runner := newToolchainRunner(2)
	process := newProcessTest(t, backend, runner, ProcessConfig{})

	rec := httptest.NewRecorder()
	process.Grayscale(rec, withTestUser(multipartUpload(t, nil, "doc.pdf", []byte("%PDF-1.4")), "user_1"))

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	require.JSONEq(t, `{
		"error": "Monthly quota exceeded.",
		"plan": "free",
		"monthlyQuota": 400,
		"unitsThisMonth": 399,
		"pendingUnits": 0,
		"unitsRequested": 2
	}`, rec.Body.String())
	require.False(t, runner.sawArg("-sDEVICE=pdfwrite"))
}

func TestGrayscaleReleasesOnConversionFailure(t *testing.T) {
	var calls quotaCalls
	runner := newToolchainRunner(2)
	base := runner.runFn
	runner.runFn = func(program string, args []string) ([]byte, []byte, error) {
		if hasArg(args, "-sDEVICE=pdfwrite") {
			return nil, []byte("ioerror"), errs.New("exit status 1")
		}
		return base(program, args)
	}
	process := newProcessTest(t, reservingBackend(t, &calls), runner, ProcessConfig{})

	rec := httptest.NewRecorder()
	process.Grayscale(rec, withTestUser(multipartUpload(t, nil, "doc.pdf", []byte("%PDF-1.4")), "user_1"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.True(t, calls.released)
	require.False(t, calls.committed)
}

func TestGrayscaleCommitFailureStillServes(t *testing.T) {
	commitAttempted := false
	backend := &stubBackend{
		query: func(path string, args interface{}) (json.RawMessage, error) {
			return json.RawMessage(`{"plan":"pro","status":"active"}`), nil
		},
		action: func(path string, args interface{}) (json.RawMessage, error) {
			switch path {
			case "usage:reserveForClerkUser":
				return json.RawMessage(`{"allowed":true,"reservationId":"res_1","totalThisMonth":0,"pendingUnits":0}`), nil
			case "usage:commitReservationForClerkUser":
				commitAttempted = true
				return nil, errs.New("backend offline")
			}
			t.Fatalf("unexpected action %q", path)
			return nil, nil
		},
	}
	runner := newToolchainRunner(2)
	process := newProcessTest(t, backend, runner, ProcessConfig{})

	rec := httptest.NewRecorder()
	process.Grayscale(rec, withTestUser(multipartUpload(t, nil, "doc.pdf", []byte("%PDF-1.4")), "user_1"))

	// The converted document already exists; a commit failure only
	// costs the backend the usage record.
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "%PDF-1.4 gs-gray", rec.Body.String())
	require.True(t, commitAttempted)
}

func TestGrayscaleUnauthorized(t *testing.T) {
	process := newProcessTest(t, &stubBackend{}, newToolchainRunner(1), ProcessConfig{})

	rec := httptest.NewRecorder()
	process.Grayscale(rec, multipartUpload(t, nil, "doc.pdf", []byte("%PDF-1.4")))

	requireErrorBody(t, rec, http.StatusUnauthorized, "Unauthorized")
}

func TestConversion(t *testing.T) {
	process := newProcessTest(t, &stubBackend{}, newToolchainRunner(1), ProcessConfig{})

	rec := httptest.NewRecorder()
	process.Conversion(rec, httptest.NewRequest(http.MethodGet, "/process/conversion", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, map[string]interface{}{"message": "conversion"}, decodeBody(t, rec))
}
