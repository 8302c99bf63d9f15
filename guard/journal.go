// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/hxrts/aura-sub026/capability"
	"github.com/hxrts/aura-sub026/crdt"
	"github.com/hxrts/aura-sub026/lib/clock"
	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
)

// Mode selects when journal operations take effect.
type Mode uint8

const (
	// Pessimistic buffers operations and applies them after the body
	// succeeds.
	Pessimistic Mode = iota
	// Optimistic applies operations immediately and compensates them
	// if the body fails.
	Optimistic
)

func (m Mode) String() string {
	if m == Optimistic {
		return "optimistic"
	}
	return "pessimistic"
}

// DefaultMaxRetries bounds journal application retries.
const DefaultMaxRetries = 3

// OpKind tags a JournalOp.
type OpKind uint8

const (
	AddFacts OpKind = iota + 1
	RefineCaps
	MergeFacts
)

func (k OpKind) String() string {
	switch k {
	case AddFacts:
		return "add_facts"
	case RefineCaps:
		return "refine_caps"
	case MergeFacts:
		return "merge"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

// JournalOp is one journal annotation produced by a step body.
type JournalOp struct {
	Kind    OpKind
	Facts   []crdt.Fact
	Tokens  []*capability.Token
	Records []crdt.Record
}

// Undo reverses an applied JournalOp.
type Undo func(ctx context.Context) error

// Journal applies journal operations.
type Journal interface {
	Apply(ctx context.Context, op JournalOp) (Undo, error)
}

// RegistryJournal applies facts to a CRDT registry and tokens to a
// capability store. Compensation restores overwritten facts
// (RemoveFacts) and revokes added tokens (RestoreCaps).
type RegistryJournal struct {
	Registry *crdt.Registry
	Caps     *capability.Store
	Clock    clock.Clock
}

func (j *RegistryJournal) Apply(ctx context.Context, op JournalOp) (Undo, error) {
	switch op.Kind {
	case AddFacts:
		keys := make([]crdt.Key, 0, len(op.Facts))
		for _, fact := range op.Facts {
			keys = append(keys, crdt.KeyOf(fact))
		}
		undo := j.snapshot(keys)
		for i, fact := range op.Facts {
			if _, err := j.Registry.Put(ctx, fact); err != nil {
				return nil, errors.Join(fmt.Errorf("adding fact %d: %w", i, err), undo(ctx))
			}
		}
		return undo, nil
	case MergeFacts:
		keys := make([]crdt.Key, 0, len(op.Records))
		for _, record := range op.Records {
			keys = append(keys, record.Key)
		}
		undo := j.snapshot(keys)
		if _, err := j.Registry.Merge(ctx, op.Records); err != nil {
			return nil, errors.Join(err, undo(ctx))
		}
		return undo, nil
	case RefineCaps:
		if j.Caps == nil {
			return nil, fmt.Errorf("guard: journal has no capability store")
		}
		var added []ids.Hash32
		revokeAdded := func(context.Context) error {
			for _, id := range slices.Backward(added) {
				j.Caps.Revoke(id)
			}
			return nil
		}
		for _, token := range op.Tokens {
			if _, known := j.Caps.Get(token.ID); known {
				continue
			}
			if _, err := j.Caps.Add(token, clock.NowMs(j.Clock)); err != nil {
				return nil, errors.Join(err, revokeAdded(ctx))
			}
			added = append(added, token.ID)
		}
		return revokeAdded, nil
	default:
		return nil, fmt.Errorf("guard: unknown journal op %s", op.Kind)
	}
}

// snapshot captures keys' current values and returns an Undo that puts
// them back.
func (j *RegistryJournal) snapshot(keys []crdt.Key) Undo {
	type prior struct {
		key     crdt.Key
		record  crdt.Record
		present bool
	}
	priors := make([]prior, 0, len(keys))
	for _, key := range keys {
		record, present := j.Registry.Snapshot(key)
		priors = append(priors, prior{key: key, record: record, present: present})
	}
	return func(ctx context.Context) error {
		var errs []error
		for _, p := range slices.Backward(priors) {
			if err := j.Registry.Restore(ctx, p.key, p.record, p.present); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

// CouplingMetrics reports what a coupled step did to the journal.
type CouplingMetrics struct {
	JournalApplicationTime time.Duration
	OperationsApplied      int
	RetryAttempts          int
	CouplingSuccessful     bool
}

// JournalCoupler couples step bodies to a Journal.
type JournalCoupler struct {
	journal    Journal
	mode       Mode
	maxRetries int
	clock      clock.Clock
	logger     *slog.Logger
}

// NewJournalCoupler returns a coupler. maxRetries bounds retries of a
// journal operation that fails with a retryable error. A nil clock
// uses the wall clock.
func NewJournalCoupler(journal Journal, mode Mode, maxRetries int, clk clock.Clock, logger *slog.Logger) *JournalCoupler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &JournalCoupler{journal: journal, mode: mode, maxRetries: max(maxRetries, 0), clock: clk, logger: logger}
}

func (c *JournalCoupler) Mode() Mode { return c.mode }

// Tx collects the journal operations of one step body.
type Tx struct {
	coupler *JournalCoupler
	ctx     context.Context
	pending []JournalOp
	undo    []Undo
	metrics *CouplingMetrics
}

// AddFacts journals facts.
func (tx *Tx) AddFacts(facts ...crdt.Fact) error {
	return tx.record(JournalOp{Kind: AddFacts, Facts: facts})
}

// RefineCaps journals capability tokens.
func (tx *Tx) RefineCaps(tokens ...*capability.Token) error {
	return tx.record(JournalOp{Kind: RefineCaps, Tokens: tokens})
}

// Merge journals remote fact records.
func (tx *Tx) Merge(records []crdt.Record) error {
	return tx.record(JournalOp{Kind: MergeFacts, Records: records})
}

func (tx *Tx) record(op JournalOp) error {
	if tx.coupler.mode == Pessimistic {
		tx.pending = append(tx.pending, op)
		return nil
	}
	return tx.apply(tx.ctx, op)
}

func (tx *Tx) apply(ctx context.Context, op JournalOp) error {
	start := tx.coupler.clock.Now()
	defer func() { tx.metrics.JournalApplicationTime += tx.coupler.clock.Now().Sub(start) }()
	for attempt := 0; ; attempt++ {
		undo, err := tx.coupler.journal.Apply(ctx, op)
		if err == nil {
			tx.undo = append(tx.undo, undo)
			tx.metrics.OperationsApplied++
			return nil
		}
		if !failure.IsRetryable(err) || attempt >= tx.coupler.maxRetries || ctx.Err() != nil {
			return fmt.Errorf("journal %s: %w", op.Kind, err)
		}
		tx.metrics.RetryAttempts++
		tx.coupler.logger.Debug("retrying journal operation", "op", op.Kind.String(), "attempt", attempt+1, "error", err)
	}
}

func (tx *Tx) rollback(ctx context.Context) error {
	var errs []error
	for _, undo := range slices.Backward(tx.undo) {
		if err := undo(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	tx.undo = nil
	return errors.Join(errs...)
}

// Couple runs body inside a journal transaction.
func Couple[T any](ctx context.Context, c *JournalCoupler, body func(ctx context.Context, tx *Tx) (T, error)) (T, CouplingMetrics, error) {
	var metrics CouplingMetrics
	tx := &Tx{coupler: c, ctx: ctx, metrics: &metrics}
	result, err := body(ctx, tx)
	if err != nil {
		if rollbackErr := tx.rollback(context.WithoutCancel(ctx)); rollbackErr != nil {
			c.logger.Error("journal compensation failed", "error", rollbackErr)
			err = errors.Join(err, rollbackErr)
		}
		metrics.OperationsApplied = 0
		return result, metrics, err
	}
	for _, op := range tx.pending {
		if err := tx.apply(ctx, op); err != nil {
			if rollbackErr := tx.rollback(context.WithoutCancel(ctx)); rollbackErr != nil {
				c.logger.Error("journal compensation failed", "error", rollbackErr)
				err = errors.Join(err, rollbackErr)
			}
			metrics.OperationsApplied = 0
			return result, metrics, err
		}
	}
	metrics.CouplingSuccessful = true
	return result, metrics, nil
}
