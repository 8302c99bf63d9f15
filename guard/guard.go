// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package guard runs protocol steps through the guard chain:
//
//	CapGuard -> FlowGuard -> JournalCoupler -> body -> commit/rollback
//
// CapGuard checks the caller holds the step's required capability.
// FlowGuard checks the flow capability and debits the per-peer,
// per-context leakage budget. JournalCoupler runs the body inside a
// transaction over the fact registry and capability store: in
// pessimistic mode the body's journal operations are applied only if
// it succeeds, in optimistic mode they are applied as they are made
// and compensated if it fails.
//
// A step denied by both the capability and the flow check fails with
// a single [Denial] naming both causes.
package guard

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hxrts/aura-sub026/capability"
	"github.com/hxrts/aura-sub026/lib/clock"
	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
)

// ErrInsufficientFlowBudget is matched by every flow denial.
var ErrInsufficientFlowBudget = failure.New(failure.InsufficientFlowBudget, "guard: insufficient flow budget")

// Authorizer answers capability checks. *capability.Store implements
// it.
type Authorizer interface {
	Check(subject ids.DeviceID, required capability.Capability, nowMs uint64) error
}

// Step is one guarded protocol step.
type Step struct {
	// Name labels metrics and log lines, e.g. "consensus.prepare".
	Name   string
	Caller ids.DeviceID
	// Required is checked by CapGuard. The zero capability requires
	// nothing.
	Required capability.Capability
	Context  ids.ContextID
	Peer     ids.DeviceID
	// Flow is the flow capability, e.g. "message:send". Empty skips
	// FlowGuard.
	Flow string
	Cost LeakageBudget
	// OperationID makes the flow charge idempotent: a second charge
	// with the same id is not debited again.
	OperationID string
}

// FlowShortfall describes a failed flow debit.
type FlowShortfall struct {
	Context   ids.ContextID
	Peer      ids.DeviceID
	Dimension string
	Need      int64
	Have      int64
}

// Denial is a guard-chain rejection. Either or both causes are set.
type Denial struct {
	Missing   *capability.Capability
	Shortfall *FlowShortfall
	// Cause is the underlying authorizer error for a missing
	// capability.
	Cause error
}

func (d *Denial) Error() string {
	var parts []string
	if d.Missing != nil {
		parts = append(parts, fmt.Sprintf("Missing capability %s", d.Missing))
	}
	if d.Shortfall != nil {
		parts = append(parts, fmt.Sprintf("insufficient flow budget for %s/%s: need %d, have %d",
			d.Shortfall.Context, d.Shortfall.Peer, d.Shortfall.Need, d.Shortfall.Have))
	}
	return strings.Join(parts, "; ")
}

// Unwrap exposes the sentinel of each cause, so errors.Is matches
// capability.ErrMissingCapability and ErrInsufficientFlowBudget.
// KindOf reports AuthorizationDenied when a capability is missing.
func (d *Denial) Unwrap() []error {
	var out []error
	if d.Missing != nil {
		if d.Cause != nil {
			out = append(out, d.Cause)
		} else {
			out = append(out, capability.ErrMissingCapability)
		}
	}
	if d.Shortfall != nil {
		out = append(out, ErrInsufficientFlowBudget)
	}
	return out
}

// combine merges two denials from the same step.
func combine(capErr, flowErr error) error {
	if capErr == nil && flowErr == nil {
		return nil
	}
	combined := &Denial{}
	var denial *Denial
	for _, err := range []error{capErr, flowErr} {
		if err == nil {
			continue
		}
		if !errors.As(err, &denial) {
			return err
		}
		if denial.Missing != nil {
			combined.Missing, combined.Cause = denial.Missing, denial.Cause
		}
		if denial.Shortfall != nil {
			combined.Shortfall = denial.Shortfall
		}
	}
	return combined
}

// CapGuard checks required capabilities.
type CapGuard struct {
	authorizer Authorizer
	clock      clock.Clock
}

func NewCapGuard(authorizer Authorizer, clk clock.Clock) *CapGuard {
	return &CapGuard{authorizer: authorizer, clock: clk}
}

// Check passes iff step.Caller holds a live capability granting
// step.Required.
func (g *CapGuard) Check(step Step) error {
	if step.Required.IsEmpty() {
		return nil
	}
	if err := g.authorizer.Check(step.Caller, step.Required, clock.NowMs(g.clock)); err != nil {
		required := step.Required
		return &Denial{Missing: &required, Cause: err}
	}
	return nil
}
