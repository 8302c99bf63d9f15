// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package guard

import (
	"fmt"
	"sync"

	"github.com/hxrts/aura-sub026/capability"
	"github.com/hxrts/aura-sub026/lib/clock"
	"github.com/hxrts/aura-sub026/lib/config"
	"github.com/hxrts/aura-sub026/lib/ids"
)

// LeakageBudget is how much metadata a context may still reveal to a
// peer, split by observer class.
type LeakageBudget struct {
	External int64
	Neighbor int64
	InGroup  int64
}

// Uniform charges k against every dimension.
func Uniform(k int64) LeakageBudget {
	return LeakageBudget{External: k, Neighbor: k, InGroup: k}
}

// BudgetFromConfig returns the configured per-epoch allowance.
func BudgetFromConfig(cfg config.FlowBudgetConfig) LeakageBudget {
	return LeakageBudget{External: cfg.External, Neighbor: cfg.Neighbor, InGroup: cfg.InGroup}
}

func (b LeakageBudget) IsZero() bool { return b == LeakageBudget{} }

// shortfall returns the first dimension cost would drive negative.
func (b LeakageBudget) shortfall(cost LeakageBudget) (string, int64, int64, bool) {
	for _, dimension := range []struct {
		name       string
		have, need int64
	}{
		{"external", b.External, cost.External},
		{"neighbor", b.Neighbor, cost.Neighbor},
		{"in_group", b.InGroup, cost.InGroup},
	} {
		if dimension.need > dimension.have {
			return dimension.name, dimension.need, dimension.have, true
		}
	}
	return "", 0, 0, false
}

func (b LeakageBudget) minus(cost LeakageBudget) LeakageBudget {
	return LeakageBudget{
		External: b.External - cost.External,
		Neighbor: b.Neighbor - cost.Neighbor,
		InGroup:  b.InGroup - cost.InGroup,
	}
}

type flowKey struct {
	context ids.ContextID
	peer    ids.DeviceID
}

// FlowGuard enforces flow capabilities and leakage budgets. Budgets do
// not refill over time: ResetEpoch or Refill restores them.
type FlowGuard struct {
	authorizer Authorizer
	clock      clock.Clock
	allowance  LeakageBudget

	mu      sync.Mutex
	budgets map[flowKey]LeakageBudget
	charged map[string]struct{}
}

// NewFlowGuard returns a guard granting allowance per (context, peer).
// A nil authorizer skips the flow capability check.
func NewFlowGuard(authorizer Authorizer, clk clock.Clock, allowance LeakageBudget) *FlowGuard {
	return &FlowGuard{
		authorizer: authorizer,
		clock:      clk,
		allowance:  allowance,
		budgets:    make(map[flowKey]LeakageBudget),
		charged:    make(map[string]struct{}),
	}
}

// FlowCapability is the capability a caller must hold to send flow
// within context.
func FlowCapability(flow string, context ids.ContextID) capability.Capability {
	return capability.New(
		capability.Resource{Kind: capability.ResourceCustom, Name: "context:" + context.String()},
		capability.Execute, flow)
}

// Check reports the denial Charge would return, without debiting.
func (g *FlowGuard) Check(step Step) error {
	return g.charge(step, false)
}

// Charge debits step.Cost from the (context, peer) budget atomically.
// Nothing is debited on failure.
func (g *FlowGuard) Charge(step Step) error {
	return g.charge(step, true)
}

func (g *FlowGuard) charge(step Step, debit bool) error {
	if step.Flow == "" {
		return nil
	}
	if g.authorizer != nil {
		required := FlowCapability(step.Flow, step.Context)
		if err := g.authorizer.Check(step.Caller, required, clock.NowMs(g.clock)); err != nil {
			return &Denial{Missing: &required, Cause: err}
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if step.OperationID != "" {
		if _, done := g.charged[step.OperationID]; done {
			return nil
		}
	}
	key := flowKey{context: step.Context, peer: step.Peer}
	budget, ok := g.budgets[key]
	if !ok {
		budget = g.allowance
	}
	if dimension, need, have, short := budget.shortfall(step.Cost); short {
		return &Denial{Shortfall: &FlowShortfall{
			Context: step.Context, Peer: step.Peer, Dimension: dimension, Need: need, Have: have,
		}}
	}
	if debit {
		g.budgets[key] = budget.minus(step.Cost)
		if step.OperationID != "" {
			g.charged[step.OperationID] = struct{}{}
		}
	}
	return nil
}

// Remaining returns the unspent budget for (context, peer).
func (g *FlowGuard) Remaining(context ids.ContextID, peer ids.DeviceID) LeakageBudget {
	g.mu.Lock()
	defer g.mu.Unlock()
	if budget, ok := g.budgets[flowKey{context: context, peer: peer}]; ok {
		return budget
	}
	return g.allowance
}

// Refill restores the full allowance for one (context, peer).
func (g *FlowGuard) Refill(context ids.ContextID, peer ids.DeviceID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.budgets, flowKey{context: context, peer: peer})
}

// ResetEpoch restores every budget, called when the tree epoch
// rotates. Operation ids charged in the old epoch may be charged
// again.
func (g *FlowGuard) ResetEpoch() {
	g.mu.Lock()
	defer g.mu.Unlock()
	clear(g.budgets)
	clear(g.charged)
}

func (s FlowShortfall) String() string {
	return fmt.Sprintf("%s/%s %s: need %d, have %d", s.Context, s.Peer, s.Dimension, s.Need, s.Have)
}
