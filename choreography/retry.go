// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package choreography

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hxrts/aura-sub026/lib/clock"
	"github.com/hxrts/aura-sub026/lib/failure"
)

// Backoff is the wait between retry attempts.
type Backoff struct {
	Base time.Duration
	// Exponential doubles the wait after each attempt, capped at Max
	// when Max is set. Otherwise every wait is Base.
	Exponential bool
	Max         time.Duration
}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if !b.Exponential || attempt <= 1 {
		return b.Base
	}
	delay := b.Base
	for range attempt - 1 {
		delay *= 2
		if b.Max > 0 && delay >= b.Max {
			return b.Max
		}
	}
	return delay
}

// SafeChoreography retries transient failures of protocol steps.
type SafeChoreography struct {
	clock   clock.Clock
	backoff Backoff
	logger  *slog.Logger
}

func NewSafeChoreography(clk clock.Clock, backoff Backoff, logger *slog.Logger) *SafeChoreography {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SafeChoreography{clock: clk, backoff: backoff, logger: logger}
}

// Retryable reports whether err may be retried: a Timeout or Transport
// failure that is not also a coordination failure.
func Retryable(err error) bool {
	return failure.IsRetryable(err) && !errors.Is(err, ErrCoordinationFailed) &&
		!failure.Is(err, failure.ProtocolViolation)
}

// ExecuteWithRetry runs op, retrying retryable failures up to
// maxRetries times. Other errors return immediately.
func ExecuteWithRetry[T any](ctx context.Context, s *SafeChoreography, maxRetries int, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if !Retryable(err) || attempt >= maxRetries {
			return zero, err
		}
		delay := s.backoff.Delay(attempt + 1)
		s.logger.Warn("transient protocol failure, retrying",
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		if err := clock.Sleep(ctx, s.clock, delay); err != nil {
			return zero, err
		}
	}
}
