// Copyright (C) 2025 Graygate, Inc.
// See LICENSE for copying information.

// Package mupdf shells out to mutool as an alternative grayscale engine.
package mupdf

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the mupdf package.
	Error = errs.Class("mupdf")
	// ErrNotFound means the mutool binary is not installed.
	ErrNotFound = errs.Class("mutool not found")
	// ErrRecolorUnsupported means the installed mutool build predates
	// the recolor command.
	ErrRecolorUnsupported = errs.Class("mutool recolor unsupported")
)

// Runner executes an external toolchain binary and captures its output.
type Runner interface {
	Run(ctx context.Context, program string, args ...string) (stdout, stderr []byte, err error)
}

// Config holds the mutool binary location.
type Config struct {
	MutoolBin string `help:"path to the mutool binary" default:"mutool"`
}

// Tool invokes mutool through a Runner.
type Tool struct {
	log *zap.Logger
	run Runner
	bin string

	supportOnce sync.Once
	supportErr  error
}

// NewTool creates a Tool using the given runner and binary.
func NewTool(log *zap.Logger, runner Runner, config Config) *Tool {
	bin := config.MutoolBin
	if bin == "" {
		bin = "mutool"
	}
	return &Tool{log: log, run: runner, bin: bin}
}

// Grayscale recolors the PDF to gray with mutool recolor, falling back
// to the legacy convert subcommand on builds that lack recolor.
func (tool *Tool) Grayscale(ctx context.Context, inputPath, outputPath string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := tool.EnsureRecolorSupport(ctx); err != nil {
		if !ErrRecolorUnsupported.Has(err) {
			return err
		}
		tool.log.Warn("mutool recolor unavailable; using legacy convert", zap.Error(err))
		_, _, err = tool.run.Run(ctx, tool.bin, "convert", "-o", outputPath, inputPath)
		return Error.Wrap(err)
	}

	_, _, err = tool.run.Run(ctx, tool.bin, "recolor", "-c", "gray", "-o", outputPath, inputPath)
	return Error.Wrap(err)
}

// EnsureRecolorSupport probes `mutool recolor` once per process. The
// bare invocation exits non-zero, but builds that ship the command
// print its usage line.
func (tool *Tool) EnsureRecolorSupport(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	tool.supportOnce.Do(func() {
		tool.supportErr = tool.probeRecolor(ctx)
	})
	return tool.supportErr
}

func (tool *Tool) probeRecolor(ctx context.Context) error {
	stdout, stderr, err := tool.run.Run(ctx, tool.bin, "recolor")
	combined := strings.ToLower(string(stdout) + "\n" + string(stderr))
	if strings.Contains(combined, "usage: mutool recolor") {
		return nil
	}
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return ErrNotFound.Wrap(err)
		}
		if strings.TrimSpace(combined) == "" {
			return Error.Wrap(err)
		}
	}
	return ErrRecolorUnsupported.New("install a mutool build that includes the recolor command")
}
