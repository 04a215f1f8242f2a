// Copyright (C) 2025 Graygate, Inc.
// See LICENSE for copying information.

// Package ratelimit implements a per-key sliding-window request counter.
package ratelimit

import (
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
)

var mon = monkit.Package()

// sweepInterval bounds how often Allow scans for abandoned buckets.
const sweepInterval = 1024

// Limiter admits at most maxRequests calls per key within any sliding
// window of the configured length. Denied calls never consume capacity.
type Limiter struct {
	window      time.Duration
	maxRequests int

	mu      sync.Mutex
	buckets map[string][]time.Time
	calls   int

	nowFn func() time.Time
}

// New creates a Limiter over the given window and per-key admission cap.
func New(window time.Duration, maxRequests int) *Limiter {
	return &Limiter{
		window:      window,
		maxRequests: maxRequests,
		buckets:     make(map[string][]time.Time),
		nowFn:       time.Now,
	}
}

// Allow reports whether the caller identified by key may proceed and
// records the admission when it may.
func (limiter *Limiter) Allow(key string) bool {
	now := limiter.nowFn()
	cutoff := now.Add(-limiter.window)

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	limiter.calls++
	if limiter.calls%sweepInterval == 0 {
		limiter.sweepLocked(cutoff)
	}

	bucket := limiter.buckets[key]
	for len(bucket) > 0 && bucket[0].Before(cutoff) {
		bucket = bucket[1:]
	}

	if len(bucket) >= limiter.maxRequests {
		limiter.buckets[key] = bucket
		mon.Counter("ratelimit_denied").Inc(1)
		return false
	}

	limiter.buckets[key] = append(bucket, now)
	return true
}

// sweepLocked drops buckets whose newest admission fell out of the window.
func (limiter *Limiter) sweepLocked(cutoff time.Time) {
	for key, bucket := range limiter.buckets {
		if len(bucket) == 0 || bucket[len(bucket)-1].Before(cutoff) {
			delete(limiter.buckets, key)
		}
	}
}
