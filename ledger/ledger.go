// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ledger holds an account's commitment tree together with the
// append-only log of attested ops that produced it.
//
// The ledger is the only writer of tree state. Apply verifies an
// attested op against the current tree (see [tree.Apply]), persists it
// through the [Store], and only then publishes the successor state.
// Readers take a read lock and see either the old or the new state,
// never a partial one. Replicas that apply the same ops in the same
// order hold byte-identical logs and commitments.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hxrts/aura-sub026/lib/codec"
	"github.com/hxrts/aura-sub026/lib/digest"
	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/tree"
)

var (
	// ErrDuplicateOp is returned when an op with the same id is already
	// in the log.
	ErrDuplicateOp = failure.New(failure.InvalidInput, "ledger: op already applied")

	// ErrGenesisMismatch is returned by Open when the store was
	// initialized from a different genesis.
	ErrGenesisMismatch = failure.New(failure.ProtocolViolation, "ledger: genesis does not match the stored genesis")

	// ErrNoGenesis is returned by Open when neither the caller nor the
	// store supplies a genesis state.
	ErrNoGenesis = failure.New(failure.NotInitialized, "ledger: no genesis state")

	// ErrCorrupt is returned when a persisted record does not decode.
	ErrCorrupt = failure.New(failure.Internal, "ledger: corrupt op record")
)

// Ledger is safe for concurrent use.
type Ledger struct {
	store  Store
	logger *slog.Logger

	mu      sync.RWMutex
	genesis *tree.State
	state   *tree.State
	ops     []tree.AttestedOp
	index   map[ids.Hash32]int

	subscribersMu sync.Mutex
	subscribers   []chan<- Applied
}

// Applied describes one op committed to the log.
type Applied struct {
	Index      uint64
	Op         tree.AttestedOp
	Commitment ids.Hash32
}

// Open loads the log from store and replays it onto genesis. A nil
// genesis is read from the store; a non-nil genesis is written to an
// empty store or compared against the stored one.
func Open(ctx context.Context, genesis *tree.State, store Store, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	stored, found, err := store.Genesis(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: reading genesis: %w", err)
	}
	switch {
	case genesis == nil && !found:
		return nil, ErrNoGenesis
	case genesis == nil:
		genesis, err = tree.UnmarshalState(stored)
		if err != nil {
			return nil, fmt.Errorf("ledger: decoding stored genesis: %w", err)
		}
	case found:
		decoded, err := tree.UnmarshalState(stored)
		if err != nil {
			return nil, fmt.Errorf("ledger: decoding stored genesis: %w", err)
		}
		if decoded.Commitment() != genesis.Commitment() {
			return nil, fmt.Errorf("%w: stored %s, given %s",
				ErrGenesisMismatch, decoded.Commitment().Short(), genesis.Commitment().Short())
		}
	default:
		encoded, err := genesis.MarshalBinary()
		if err != nil {
			return nil, failure.Wrap(failure.Internal, err, "ledger: encoding genesis")
		}
		if err := store.SetGenesis(ctx, encoded); err != nil {
			return nil, fmt.Errorf("ledger: writing genesis: %w", err)
		}
	}

	ops, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: loading op log: %w", err)
	}
	state, err := tree.Replay(genesis, ops)
	if err != nil {
		return nil, fmt.Errorf("ledger: replaying stored log: %w", err)
	}

	l := &Ledger{
		store:   store,
		logger:  logger,
		genesis: genesis,
		state:   state,
		ops:     ops,
		index:   make(map[ids.Hash32]int, len(ops)),
	}
	for i, op := range ops {
		l.index[op.ID()] = i
	}
	logger.Info("ledger opened",
		"ops", len(ops),
		"epoch", state.Epoch(),
		"commitment", state.Commitment().Short(),
	)
	return l, nil
}

// State returns the current tree. The returned state is immutable.
func (l *Ledger) State() *tree.State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Genesis returns the state the log starts from.
func (l *Ledger) Genesis() *tree.State { return l.genesis }

// Commitment returns the current tree commitment.
func (l *Ledger) Commitment() ids.Hash32 { return l.State().Commitment() }

// Epoch returns the current tree epoch.
func (l *Ledger) Epoch() ids.Epoch { return l.State().Epoch() }

// Apply verifies op against the current tree, appends it to the log
// and publishes the successor state. A failed Apply leaves the ledger
// unchanged.
func (l *Ledger) Apply(ctx context.Context, op tree.AttestedOp) (ids.Hash32, error) {
	l.mu.Lock()
	if _, exists := l.index[op.ID()]; exists {
		l.mu.Unlock()
		return ids.Hash32{}, fmt.Errorf("%w: %s", ErrDuplicateOp, op.ID().Short())
	}
	next, commitment, err := tree.Apply(op, l.state)
	if err != nil {
		l.mu.Unlock()
		return ids.Hash32{}, err
	}
	position := uint64(len(l.ops))
	if err := l.store.Append(ctx, position, op); err != nil {
		l.mu.Unlock()
		return ids.Hash32{}, fmt.Errorf("ledger: persisting op %d: %w", position, err)
	}
	l.ops = append(l.ops, op)
	l.index[op.ID()] = int(position)
	l.state = next
	l.mu.Unlock()

	l.logger.Debug("op applied",
		"index", position,
		"kind", op.Op.Op.Kind,
		"commitment", commitment.Short(),
	)
	l.publish(Applied{Index: position, Op: op, Commitment: commitment})
	return commitment, nil
}

// Len returns the number of ops in the log.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.ops)
}

// Ops returns up to limit ops starting at log index from. A limit of
// zero or less returns everything after from.
func (l *Ledger) Ops(from uint64, limit int) []tree.AttestedOp {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if from >= uint64(len(l.ops)) {
		return nil
	}
	end := len(l.ops)
	if limit > 0 && int(from)+limit < end {
		end = int(from) + limit
	}
	return append([]tree.AttestedOp(nil), l.ops[from:end]...)
}

// OpIDs returns the id of every op in log order.
func (l *Ledger) OpIDs() []ids.Hash32 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]ids.Hash32, len(l.ops))
	for i, op := range l.ops {
		out[i] = op.ID()
	}
	return out
}

// Has reports whether the op with id is in the log.
func (l *Ledger) Has(id ids.Hash32) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.index[id]
	return ok
}

// Get returns the op with id.
func (l *Ledger) Get(id ids.Hash32) (tree.AttestedOp, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	position, ok := l.index[id]
	if !ok {
		return tree.AttestedOp{}, false
	}
	return l.ops[position], true
}

// Digest summarizes the log for reconciliation.
type Digest struct {
	OperationCount uint64     `cbor:"1,keyasint"`
	LastCommitment ids.Hash32 `cbor:"2,keyasint"`
	OperationHash  ids.Hash32 `cbor:"3,keyasint"`
	Epoch          ids.Epoch  `cbor:"4,keyasint"`
}

// Digest returns the log summary. OperationHash is a keyed BLAKE3 hash
// of the ordered op ids, so two logs agree on it exactly when they hold
// the same ops in the same order.
func (l *Ledger) Digest() Digest {
	l.mu.RLock()
	defer l.mu.RUnlock()
	hasher := digest.NewKeyed(digest.OperationsDomain)
	for _, op := range l.ops {
		id := op.ID()
		hasher.Write(id[:])
	}
	return Digest{
		OperationCount: uint64(len(l.ops)),
		LastCommitment: l.state.Commitment(),
		OperationHash:  hasher.Sum(),
		Epoch:          l.state.Epoch(),
	}
}

// Subscribe registers ch to receive every op applied after the call.
// Delivery never blocks Apply: a full channel misses the event.
func (l *Ledger) Subscribe(ch chan<- Applied) {
	l.subscribersMu.Lock()
	defer l.subscribersMu.Unlock()
	l.subscribers = append(l.subscribers, ch)
}

func (l *Ledger) publish(event Applied) {
	l.subscribersMu.Lock()
	defer l.subscribersMu.Unlock()
	for _, ch := range l.subscribers {
		select {
		case ch <- event:
		default:
			l.logger.Warn("ledger subscriber is full, dropping event", "index", event.Index)
		}
	}
}

// Close closes the store.
func (l *Ledger) Close() error {
	return l.store.Close()
}

// encodeOp and decodeOp are the canonical op encoding stores persist.
func encodeOp(op tree.AttestedOp) ([]byte, error) {
	data, err := codec.Marshal(op)
	if err != nil {
		return nil, failure.Wrap(failure.Internal, err, "ledger: encoding op")
	}
	return data, nil
}

func decodeOp(data []byte) (tree.AttestedOp, error) {
	var op tree.AttestedOp
	if err := codec.Unmarshal(data, &op); err != nil {
		return tree.AttestedOp{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return op, nil
}
