// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles outbound protocol requests with token
// buckets. The configured scope decides which requests share a
// bucket: one for the whole node, one per account, per device, per
// operation, or per account or device and operation together.
//
// Buckets are created on first use and held in an LRU table so a peer
// flood cannot grow memory without bound; an evicted bucket restarts
// full, which only ever errs towards admitting.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/hxrts/aura-sub026/lib/clock"
	"github.com/hxrts/aura-sub026/lib/config"
	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
)

// ErrRateLimited is returned when a bucket has no token. It is a
// Timeout-kind error so the ErrorRecovery middleware backs off and
// retries it.
var ErrRateLimited = failure.New(failure.Timeout, "ratelimit: rate limit exceeded")

// DefaultMaxBuckets bounds the bucket table.
const DefaultMaxBuckets = 4096

// Request identifies what is being limited. Fields the scope does not
// use are ignored.
type Request struct {
	Account   ids.AccountID
	Device    ids.DeviceID
	Operation string
}

// Limiter hands out tokens per scope key.
type Limiter struct {
	enabled bool
	scope   config.RateLimitScope
	limit   config.RateLimit
	clock   clock.Clock

	mu        sync.Mutex
	buckets   *lru.Cache[string, *rate.Limiter]
	overrides map[string]config.RateLimit
}

// New returns a limiter for cfg. A disabled configuration admits
// everything.
func New(cfg config.RateLimitingConfig, clk clock.Clock) (*Limiter, error) {
	buckets, err := lru.New[string, *rate.Limiter](DefaultMaxBuckets)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: %w", err)
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Limiter{
		enabled:   cfg.Enable,
		scope:     cfg.Scope,
		limit:     cfg.DefaultRateLimit,
		clock:     clk,
		buckets:   buckets,
		overrides: make(map[string]config.RateLimit),
	}, nil
}

// SetOperationLimit gives one operation its own rate regardless of
// scope. Existing buckets for the operation are dropped so the new
// rate takes effect on the next request.
func (l *Limiter) SetOperationLimit(operation string, limit config.RateLimit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overrides[operation] = limit
	for _, key := range l.buckets.Keys() {
		if bucketOperation(key) == operation {
			l.buckets.Remove(key)
		}
	}
}

// Key returns the bucket key for request under the limiter's scope.
func (l *Limiter) Key(request Request) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.keyLocked(request)
}

func (l *Limiter) keyLocked(request Request) string {
	var key string
	perOperation := false
	switch l.scope {
	case config.ScopePerAccount:
		key = "account:" + request.Account.String()
	case config.ScopePerDevice:
		key = "device:" + request.Device.String()
	case config.ScopePerOperation:
		key, perOperation = "op", true
	case config.ScopePerAccountAndOperation:
		key, perOperation = "account:"+request.Account.String(), true
	case config.ScopePerDeviceAndOperation:
		key, perOperation = "device:"+request.Device.String(), true
	default:
		key = "global"
	}
	if _, overridden := l.overrides[request.Operation]; perOperation || overridden {
		return key + "|" + request.Operation
	}
	return key
}

func bucketOperation(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '|' {
			return key[i+1:]
		}
	}
	return ""
}

func (l *Limiter) bucket(request Request) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := l.keyLocked(request)
	if bucket, ok := l.buckets.Get(key); ok {
		return bucket
	}
	limit := l.limit
	if override, ok := l.overrides[request.Operation]; ok {
		limit = override
	}
	bucket := rate.NewLimiter(rate.Limit(limit.RequestsPerSecond), limit.BurstCapacity)
	l.buckets.Add(key, bucket)
	return bucket
}

// Allow takes a token for request or returns ErrRateLimited.
func (l *Limiter) Allow(request Request) error {
	if !l.enabled {
		return nil
	}
	if !l.bucket(request).AllowN(l.clock.Now(), 1) {
		return fmt.Errorf("%w: %s", ErrRateLimited, l.Key(request))
	}
	return nil
}

// Wait blocks until request may proceed or ctx ends.
func (l *Limiter) Wait(ctx context.Context, request Request) error {
	if !l.enabled {
		return nil
	}
	now := l.clock.Now()
	reservation := l.bucket(request).ReserveN(now, 1)
	if !reservation.OK() {
		return fmt.Errorf("%w: burst capacity is zero for %s", ErrRateLimited, l.Key(request))
	}
	delay := reservation.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	if err := clock.Sleep(ctx, l.clock, delay); err != nil {
		reservation.CancelAt(l.clock.Now())
		return err
	}
	return nil
}

// Buckets reports how many buckets are live.
func (l *Limiter) Buckets() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buckets.Len()
}

// Delay is how long the next request for key would wait, for status
// reporting.
func (l *Limiter) Delay(request Request) time.Duration {
	if !l.enabled {
		return 0
	}
	now := l.clock.Now()
	reservation := l.bucket(request).ReserveN(now, 1)
	defer reservation.CancelAt(now)
	return reservation.DelayFrom(now)
}
