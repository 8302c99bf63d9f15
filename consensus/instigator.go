// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package consensus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hxrts/aura-sub026/intent"
	"github.com/hxrts/aura-sub026/ledger"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/tree"
)

// InstigatorConfig configures an Instigator.
type InstigatorConfig struct {
	Coordinator *Coordinator
	Ledger      *ledger.Ledger
	Pool        *intent.Pool
	Params      Params
	Policy      intent.BatchPolicy
	Logger      *slog.Logger
}

// Instigator turns pool intents into committed ops. Each Step draws
// one conflict-free batch and commits its members in rank order,
// rebasing every member onto the tree its predecessor produced.
type Instigator struct {
	cfg    InstigatorConfig
	logger *slog.Logger

	mu     sync.Mutex
	params Params
}

func NewInstigator(cfg InstigatorConfig) *Instigator {
	if cfg.Policy == (intent.BatchPolicy{}) {
		cfg.Policy = intent.DefaultBatchPolicy
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Instigator{cfg: cfg, logger: logger, params: cfg.Params}
}

// SetParams replaces the witness set used for later steps.
func (i *Instigator) SetParams(params Params) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.params = params
}

func (i *Instigator) currentParams() Params {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.params
}

// Step commits the next batch. It returns the facts committed so far;
// on error the failing intent is marked Failed and the rest of the
// batch stays pending.
func (i *Instigator) Step(ctx context.Context) ([]CommitFact, error) {
	pool := i.cfg.Pool
	superseded := pool.SupersedeStale(i.cfg.Ledger.Commitment())
	if len(superseded) > 0 {
		i.logger.Info("superseded stale intents", "count", len(superseded))
	}
	batch := pool.SelectBatch(i.cfg.Ledger.Commitment(), i.cfg.Policy)
	if batch.Len() == 0 {
		return nil, nil
	}
	params := i.currentParams()

	var facts []CommitFact
	for _, member := range batch.Intents {
		if err := pool.SetStatus(member.ID, intent.Executing); err != nil {
			// Tombstoned by a witness commit that raced this step.
			continue
		}
		state := i.cfg.Ledger.State()
		op := tree.NewOp(state, member.Op.Op)
		prestate := tree.Prestate{
			Commitment: state.Commitment(),
			Epoch:      state.Epoch(),
			Intents:    []ids.IntentID{member.ID},
			Ops:        []tree.TreeOp{op},
		}
		fact, err := i.cfg.Coordinator.RunConsensus(ctx, params, prestate, []intent.Intent{member})
		if err != nil {
			if statusErr := pool.SetStatus(member.ID, intent.Failed); statusErr != nil {
				i.logger.Debug("marking intent failed", "intent", member.ID, "error", statusErr)
			}
			return facts, fmt.Errorf("committing intent %s: %w", member.ID, err)
		}
		pool.Tombstone(member.ID)
		facts = append(facts, fact)
	}
	return facts, nil
}
