// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package guard

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts guard decisions.
type Metrics struct {
	decisions *prometheus.CounterVec
	flowSpent *prometheus.CounterVec
	retries   prometheus.Counter
}

// NewMetrics registers the guard collectors with registerer.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aura", Subsystem: "guard", Name: "decisions_total",
			Help: "Guard chain outcomes by step and outcome.",
		}, []string{"step", "outcome"}),
		flowSpent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aura", Subsystem: "guard", Name: "flow_spent_total",
			Help: "Leakage budget debited by dimension.",
		}, []string{"dimension"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aura", Subsystem: "guard", Name: "journal_retries_total",
			Help: "Journal application retries.",
		}),
	}
	for _, collector := range []prometheus.Collector{m.decisions, m.flowSpent, m.retries} {
		if err := registerer.Register(collector); err != nil {
			return nil, fmt.Errorf("registering guard metrics: %w", err)
		}
	}
	return m, nil
}

// Chain runs steps through CapGuard, FlowGuard and JournalCoupler.
// Any stage may be nil to skip it.
type Chain struct {
	Cap     *CapGuard
	Flow    *FlowGuard
	Journal *JournalCoupler
	Metrics *Metrics
	Logger  *slog.Logger
}

// Run checks step and, if it is allowed, runs body coupled to the
// journal. The flow budget is debited only after both checks pass.
func (c *Chain) Run(ctx context.Context, step Step, body func(ctx context.Context, tx *Tx) error) (CouplingMetrics, error) {
	_, metrics, err := Run(ctx, c, step, func(ctx context.Context, tx *Tx) (struct{}, error) {
		return struct{}{}, body(ctx, tx)
	})
	return metrics, err
}

// Run is Chain.Run for bodies that return a value.
func Run[T any](ctx context.Context, c *Chain, step Step, body func(ctx context.Context, tx *Tx) (T, error)) (T, CouplingMetrics, error) {
	var zero T
	if err := c.admit(step); err != nil {
		c.record(step, "denied")
		c.logger().Debug("guard denied step", "step", step.Name, "caller", step.Caller, "error", err)
		return zero, CouplingMetrics{}, err
	}

	journal := c.Journal
	if journal == nil {
		journal = NewJournalCoupler(noJournal{}, Pessimistic, 0, nil, nil)
	}
	result, metrics, err := Couple(ctx, journal, body)
	if c.Metrics != nil {
		c.Metrics.retries.Add(float64(metrics.RetryAttempts))
	}
	if err != nil {
		c.record(step, "failed")
		return result, metrics, err
	}
	c.record(step, "committed")
	return result, metrics, nil
}

func (c *Chain) admit(step Step) error {
	var capErr, flowErr error
	if c.Cap != nil {
		capErr = c.Cap.Check(step)
	}
	if c.Flow != nil {
		flowErr = c.Flow.Check(step)
	}
	if err := combine(capErr, flowErr); err != nil {
		return err
	}
	if c.Flow != nil {
		// The budget may have moved since Check.
		if err := c.Flow.Charge(step); err != nil {
			return err
		}
		if c.Metrics != nil && step.Flow != "" {
			c.Metrics.flowSpent.WithLabelValues("external").Add(float64(step.Cost.External))
			c.Metrics.flowSpent.WithLabelValues("neighbor").Add(float64(step.Cost.Neighbor))
			c.Metrics.flowSpent.WithLabelValues("in_group").Add(float64(step.Cost.InGroup))
		}
	}
	return nil
}

func (c *Chain) record(step Step, outcome string) {
	if c.Metrics != nil {
		c.Metrics.decisions.WithLabelValues(step.Name, outcome).Inc()
	}
}

func (c *Chain) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.Logger
}

// noJournal rejects journal operations from chains without a coupler.
type noJournal struct{}

func (noJournal) Apply(context.Context, JournalOp) (Undo, error) {
	return nil, fmt.Errorf("guard: chain has no journal")
}
