// Copyright (C) 2025 Graygate, Inc.
// See LICENSE for copying information.

// Package procrun executes external binaries with piped output capture
// and a wall-clock budget per invocation.
package procrun

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the package.
	Error = errs.Class("procrun")
)

// Runner spawns subprocesses. Every invocation gets the configured
// wall-clock budget; processes that outlive it are killed.
type Runner struct {
	log     *zap.Logger
	timeout time.Duration
}

// New creates a Runner with the given per-command timeout.
func New(log *zap.Logger, timeout time.Duration) *Runner {
	return &Runner{
		log:     log,
		timeout: timeout,
	}
}

// Run executes program with the given argument vector and returns the
// captured standard streams. A non-zero exit is reported as an error
// carrying stderr when present, falling back to stdout, then to the
// exit status.
func (runner *Runner) Run(ctx context.Context, program string, args ...string) (stdout, stderr []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	ctx, cancel := context.WithTimeout(ctx, runner.timeout)
	defer cancel()

	var outBuf, errBuf bytes.Buffer
	cmd := exec.CommandContext(ctx, program, args...)
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	started := time.Now()
	runErr := cmd.Run()
	runner.log.Debug("subprocess finished",
		zap.String("program", program),
		zap.Duration("elapsed", time.Since(started)),
		zap.Error(runErr))

	stdout, stderr = outBuf.Bytes(), errBuf.Bytes()

	if ctx.Err() == context.DeadlineExceeded {
		return stdout, stderr, Error.New("%s timed out after %d ms", program, runner.timeout.Milliseconds())
	}
	if runErr == nil {
		return stdout, stderr, nil
	}

	exitErr, ok := runErr.(*exec.ExitError)
	if !ok {
		return stdout, stderr, Error.Wrap(runErr)
	}

	reason := strings.TrimSpace(string(stderr))
	if reason == "" {
		reason = strings.TrimSpace(string(stdout))
	}
	if reason == "" {
		reason = fmt.Sprintf("%s failed with status %d", program, exitErr.ExitCode())
	}
	return stdout, stderr, Error.New("%s", reason)
}

// Timeout returns the wall-clock budget applied to each invocation.
func (runner *Runner) Timeout() time.Duration {
	return runner.timeout
}
