// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package choreography holds the runtime pieces shared by multi-party
// protocols: per-phase deadlines, Byzantine participant detection and
// bounded retries of transient failures.
//
// A protocol phase runs under a context from [TimeoutManager.Phase].
// When the phase budget elapses the context is cancelled with a
// [*PhaseTimeoutError] cause, which [RunPhase] surfaces in place of
// whatever error the phase body returned on cancellation.
//
// [ByzantineDetector] and [SafeChoreography] compose but do not mask
// each other: only Timeout and Transport failures are retried, and a
// Byzantine abort is a ProtocolViolation.
package choreography

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hxrts/aura-sub026/lib/clock"
	"github.com/hxrts/aura-sub026/lib/config"
	"github.com/hxrts/aura-sub026/lib/failure"
)

// ErrPhaseTimeout is matched by every *PhaseTimeoutError.
var ErrPhaseTimeout = failure.New(failure.Timeout, "choreography: phase timed out")

// Phase names a timed step of a choreographed protocol.
type Phase uint8

const (
	PhasePrepare Phase = iota + 1
	PhaseRound1
	PhaseRound2
	PhaseCommit
	PhaseRecovery
)

func (p Phase) String() string {
	switch p {
	case PhasePrepare:
		return "prepare"
	case PhaseRound1:
		return "frost_round1"
	case PhaseRound2:
		return "frost_round2"
	case PhaseCommit:
		return "commit"
	case PhaseRecovery:
		return "recovery"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// PhaseTimeoutError reports a phase that exceeded its budget.
type PhaseTimeoutError struct {
	Phase  Phase
	Budget time.Duration
}

func (e *PhaseTimeoutError) Error() string {
	return fmt.Sprintf("phase %s timed out after %s", e.Phase, e.Budget)
}

func (e *PhaseTimeoutError) Unwrap() error { return ErrPhaseTimeout }

// TimeoutManager hands out phase deadlines from a TimeoutConfig.
type TimeoutManager struct {
	clock   clock.Clock
	budgets map[Phase]time.Duration
}

// NewTimeoutManager maps cfg onto phases: both FROST rounds share the
// FROST budget. A zero budget disables the deadline for that phase.
func NewTimeoutManager(cfg config.TimeoutConfig, clk clock.Clock) *TimeoutManager {
	if clk == nil {
		clk = clock.Real()
	}
	return &TimeoutManager{
		clock: clk,
		budgets: map[Phase]time.Duration{
			PhasePrepare:  cfg.Prepare,
			PhaseRound1:   cfg.Frost,
			PhaseRound2:   cfg.Frost,
			PhaseCommit:   cfg.Commit,
			PhaseRecovery: cfg.Recovery,
		},
	}
}

// Budget returns the deadline configured for phase.
func (m *TimeoutManager) Budget(phase Phase) time.Duration { return m.budgets[phase] }

// Phase derives a context that is cancelled with a *PhaseTimeoutError
// once phase's budget elapses on the manager's clock. The returned
// stop function releases the timer and must be called.
func (m *TimeoutManager) Phase(ctx context.Context, phase Phase) (context.Context, func()) {
	phaseCtx, cancel := context.WithCancelCause(ctx)
	budget := m.budgets[phase]
	if budget <= 0 {
		return phaseCtx, func() { cancel(context.Canceled) }
	}
	timer := m.clock.AfterFunc(budget, func() {
		cancel(&PhaseTimeoutError{Phase: phase, Budget: budget})
	})
	return phaseCtx, func() {
		timer.Stop()
		cancel(context.Canceled)
	}
}

// RunPhase runs body under phase's deadline. If the deadline fired,
// the *PhaseTimeoutError is returned regardless of what body returned.
func RunPhase[T any](ctx context.Context, m *TimeoutManager, phase Phase, body func(ctx context.Context) (T, error)) (T, error) {
	phaseCtx, stop := m.Phase(ctx, phase)
	defer stop()
	result, err := body(phaseCtx)
	var timeout *PhaseTimeoutError
	if cause := context.Cause(phaseCtx); errors.As(cause, &timeout) {
		var zero T
		return zero, timeout
	}
	return result, err
}
