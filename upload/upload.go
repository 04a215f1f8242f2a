// Copyright (C) 2025 Graygate, Inc.
// See LICENSE for copying information.

// Package upload streams multipart PDF uploads to unique paths under the
// OS temp directory, enforcing a byte budget as bytes arrive.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	mon = monkit.Package()

	// Error is the default error class for upload failures.
	Error = errs.Class("upload")
	// ErrMissingFile means the form carried no file part.
	ErrMissingFile = errs.Class("upload: missing file")
	// ErrUnsupportedType means the file part was not a PDF.
	ErrUnsupportedType = errs.Class("upload: unsupported type")
	// ErrTooLarge means the upload exceeded the byte budget.
	ErrTooLarge = errs.Class("upload: too large")
	// ErrMultipart means the multipart body could not be parsed.
	ErrMultipart = errs.Class("upload: malformed form")
)

// File is an uploaded PDF persisted to a unique temp path. Once a Save
// call returns it, the caller owns deleting TempPath.
type File struct {
	TempPath     string
	OriginalName string
}

// Request is an uploaded PDF together with the optional mode and engine
// form fields. Absent or blank fields are empty strings.
type Request struct {
	File
	Mode   string
	Engine string
}

// SavePDF scans the form for the first part named "file" and streams it
// to disk. It returns as soon as that part is stored and does not read
// the remainder of the form.
func SavePDF(ctx context.Context, form *multipart.Reader, maxBytes int64) (_ File, err error) {
	defer mon.Task()(&ctx)(&err)

	for {
		part, partErr := form.NextPart()
		if errors.Is(partErr, io.EOF) {
			return File{}, ErrMissingFile.New("no file part in form")
		}
		if partErr != nil {
			return File{}, ErrMultipart.Wrap(partErr)
		}
		if part.FormName() != "file" {
			continue
		}
		return savePart(part, maxBytes)
	}
}

// SaveRequest reads the whole form: the first "file" part is streamed to
// disk and the "mode" and "engine" text fields are collected, trimmed,
// with blanks treated as absent. Later "file" parts are skipped. On any
// failure the stored temp file is removed before returning.
func SaveRequest(ctx context.Context, form *multipart.Reader, maxBytes int64) (_ Request, err error) {
	defer mon.Task()(&ctx)(&err)

	var req Request
	saved := false
	fail := func(failure error) (Request, error) {
		if saved {
			_ = os.Remove(req.TempPath)
		}
		return Request{}, failure
	}

	for {
		part, partErr := form.NextPart()
		if errors.Is(partErr, io.EOF) {
			break
		}
		if partErr != nil {
			return fail(ErrMultipart.Wrap(partErr))
		}

		switch part.FormName() {
		case "file":
			if saved {
				continue
			}
			file, saveErr := savePart(part, maxBytes)
			if saveErr != nil {
				return fail(saveErr)
			}
			req.File = file
			saved = true
		case "mode":
			value, readErr := readTextField(part)
			if readErr != nil {
				return fail(ErrMultipart.Wrap(readErr))
			}
			req.Mode = value
		case "engine":
			value, readErr := readTextField(part)
			if readErr != nil {
				return fail(ErrMultipart.Wrap(readErr))
			}
			req.Engine = value
		}
	}

	if !saved {
		return Request{}, ErrMissingFile.New("no file part in form")
	}
	return req, nil
}

func savePart(part *multipart.Part, maxBytes int64) (File, error) {
	originalName := part.FileName()
	if originalName == "" {
		originalName = "document.pdf"
	}

	isPDF := part.Header.Get("Content-Type") == "application/pdf" ||
		strings.HasSuffix(strings.ToLower(originalName), ".pdf")
	if !isPDF {
		return File{}, ErrUnsupportedType.New("%q is not a PDF", originalName)
	}

	tempPath := filepath.Join(os.TempDir(), fmt.Sprintf(
		"ghost-upload-%s-%d.pdf", uuid.NewString(), time.Now().UnixMilli()))

	out, err := os.Create(tempPath)
	if err != nil {
		return File{}, Error.Wrap(err)
	}

	discard := func(failure error) (File, error) {
		_ = out.Close()
		_ = os.Remove(tempPath)
		return File{}, failure
	}

	var total int64
	buf := make([]byte, 32*1024)
	for {
		n, readErr := part.Read(buf)
		if n > 0 {
			total += int64(n)
			if total > maxBytes {
				return discard(ErrTooLarge.New("upload exceeds %d bytes", maxBytes))
			}
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				return discard(Error.Wrap(writeErr))
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return discard(ErrMultipart.Wrap(readErr))
		}
	}

	if err := out.Close(); err != nil {
		_ = os.Remove(tempPath)
		return File{}, Error.Wrap(err)
	}
	return File{TempPath: tempPath, OriginalName: originalName}, nil
}

func readTextField(part *multipart.Part) (string, error) {
	value, err := io.ReadAll(part)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(value)), nil
}

// Remove deletes a temp upload. Only unexpected failures are logged; the
// file already being gone is fine.
func Remove(log *zap.Logger, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Error("failed to delete temp file",
			zap.String("path", path), zap.Error(err))
	}
}
