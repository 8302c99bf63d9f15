// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hxrts/aura-sub026/lib/clock"
	"github.com/hxrts/aura-sub026/lib/config"
	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
)

func newLimiter(t *testing.T, scope config.RateLimitScope, perSecond float64, burst int) (*Limiter, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(time.UnixMilli(1_700_000_000_000))
	limiter, err := New(config.RateLimitingConfig{
		Enable:           true,
		DefaultRateLimit: config.RateLimit{RequestsPerSecond: perSecond, BurstCapacity: burst},
		Scope:            scope,
	}, fake)
	if err != nil {
		t.Fatal(err)
	}
	return limiter, fake
}

func TestBurstThenRefill(t *testing.T) {
	limiter, fake := newLimiter(t, config.ScopeGlobal, 2, 3)
	request := Request{Operation: "sync"}

	for i := range 3 {
		if err := limiter.Allow(request); err != nil {
			t.Fatalf("request %d within burst: %v", i, err)
		}
	}
	err := limiter.Allow(request)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("fourth request = %v, want ErrRateLimited", err)
	}
	if !failure.IsRetryable(err) {
		t.Error("rate limiting should be retryable")
	}

	fake.Advance(500 * time.Millisecond)
	if err := limiter.Allow(request); err != nil {
		t.Errorf("after one refill interval: %v", err)
	}
}

func TestScopesSeparateBuckets(t *testing.T) {
	deviceA := ids.DeriveDeviceID([]byte("a"))
	deviceB := ids.DeriveDeviceID([]byte("b"))

	tests := []struct {
		scope        config.RateLimitScope
		first, other Request
		shared       bool
	}{
		{config.ScopeGlobal, Request{Device: deviceA}, Request{Device: deviceB}, true},
		{config.ScopePerDevice, Request{Device: deviceA}, Request{Device: deviceB}, false},
		{config.ScopePerDevice, Request{Device: deviceA, Operation: "x"}, Request{Device: deviceA, Operation: "y"}, true},
		{config.ScopePerOperation, Request{Operation: "x"}, Request{Operation: "y"}, false},
		{config.ScopePerDeviceAndOperation, Request{Device: deviceA, Operation: "x"}, Request{Device: deviceA, Operation: "y"}, false},
		{config.ScopePerDeviceAndOperation, Request{Device: deviceA, Operation: "x"}, Request{Device: deviceB, Operation: "x"}, false},
	}
	for _, test := range tests {
		t.Run(string(test.scope), func(t *testing.T) {
			limiter, _ := newLimiter(t, test.scope, 1, 1)
			if err := limiter.Allow(test.first); err != nil {
				t.Fatal(err)
			}
			err := limiter.Allow(test.other)
			if test.shared && err == nil {
				t.Error("requests should share a bucket")
			}
			if !test.shared && err != nil {
				t.Errorf("requests should not share a bucket: %v", err)
			}
		})
	}
}

func TestOperationOverride(t *testing.T) {
	limiter, _ := newLimiter(t, config.ScopeGlobal, 1, 1)
	limiter.SetOperationLimit("frost_round2", config.RateLimit{RequestsPerSecond: 100, BurstCapacity: 10})

	for i := range 10 {
		if err := limiter.Allow(Request{Operation: "frost_round2"}); err != nil {
			t.Fatalf("override request %d: %v", i, err)
		}
	}
	if err := limiter.Allow(Request{Operation: "other"}); err != nil {
		t.Fatalf("default bucket should be untouched: %v", err)
	}
	if err := limiter.Allow(Request{Operation: "other"}); err == nil {
		t.Error("default bucket should hold one token")
	}
}

func TestWaitSleepsOnClock(t *testing.T) {
	limiter, fake := newLimiter(t, config.ScopeGlobal, 1, 1)
	ctx := context.Background()
	if err := limiter.Wait(ctx, Request{}); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- limiter.Wait(ctx, Request{}) }()
	fake.WaitForTimers(1)
	fake.Advance(time.Second)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Wait = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after the clock advanced")
	}
}

func TestWaitCancelled(t *testing.T) {
	limiter, _ := newLimiter(t, config.ScopeGlobal, 1, 1)
	limiter.Allow(Request{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := limiter.Wait(ctx, Request{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait = %v, want context.Canceled", err)
	}
}

func TestDisabledAdmitsEverything(t *testing.T) {
	limiter, err := New(config.RateLimitingConfig{Enable: false}, nil)
	if err != nil {
		t.Fatal(err)
	}
	for range 1000 {
		if err := limiter.Allow(Request{}); err != nil {
			t.Fatal(err)
		}
	}
	if limiter.Buckets() != 0 {
		t.Error("disabled limiter created buckets")
	}
}
