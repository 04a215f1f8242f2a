// Copyright (C) 2025 Graygate, Inc.
// See LICENSE for copying information.

// Package gate bounds how many subprocess-bearing jobs may run at once.
package gate

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the gate package.
	Error = errs.Class("gate")
)

// Gate is a counting semaphore around external toolchain work. Every job
// that spawns a subprocess must go through Do so that at most capacity
// subprocesses exist at a time.
type Gate struct {
	log        *zap.Logger
	name       string
	sem        *semaphore.Weighted
	running    atomic.Int64
	logTimings bool
}

// New creates a Gate admitting capacity concurrent jobs.
func New(log *zap.Logger, name string, capacity int, logTimings bool) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	return &Gate{
		log:        log,
		name:       name,
		sem:        semaphore.NewWeighted(int64(capacity)),
		logTimings: logTimings,
	}
}

// Do waits for a slot, runs fn while holding it, and releases the slot on
// every exit. Waiting is abandoned when ctx is done.
func (gate *Gate) Do(ctx context.Context, task string, fn func(ctx context.Context) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	enqueued := time.Now()
	if err := gate.sem.Acquire(ctx, 1); err != nil {
		return Error.New("%s queue closed: %v", gate.name, err)
	}
	waited := time.Since(enqueued)
	started := time.Now()
	gate.running.Add(1)

	defer func() {
		ran := time.Since(started)
		gate.running.Add(-1)
		gate.sem.Release(1)

		mon.DurationVal("queue_wait").Observe(waited)
		mon.DurationVal("queue_run").Observe(ran)
		if gate.logTimings {
			gate.log.Info("queue timing",
				zap.String("queue", gate.name),
				zap.String("task", task),
				zap.Int64("wait_ms", waited.Milliseconds()),
				zap.Int64("run_ms", ran.Milliseconds()),
				zap.Int64("running", gate.running.Load()))
		}
	}()

	return fn(ctx)
}
