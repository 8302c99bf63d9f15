// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package antientropy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hxrts/aura-sub026/capability"
	"github.com/hxrts/aura-sub026/crdt"
	"github.com/hxrts/aura-sub026/effects"
	"github.com/hxrts/aura-sub026/guard"
	"github.com/hxrts/aura-sub026/intent"
	"github.com/hxrts/aura-sub026/ledger"
	"github.com/hxrts/aura-sub026/lib/codec"
	"github.com/hxrts/aura-sub026/lib/compress"
	"github.com/hxrts/aura-sub026/lib/config"
	"github.com/hxrts/aura-sub026/lib/digest"
	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/tree"
)

// ChannelTag is the effects.Mux channel anti-entropy traffic uses.
const ChannelTag byte = 2

const (
	DefaultMaxOpsPerSync = 256
	// DefaultMaxBuffered bounds the out-of-order buffer.
	DefaultMaxBuffered = 1024
	// MaxBatchSize bounds a decompressed op or fact batch.
	MaxBatchSize = 8 << 20
)

var ErrMalformedMessage = failure.New(failure.InvalidInput, "antientropy: malformed message")

var (
	// PullCapability lets a peer read digests, ops and facts.
	PullCapability = capability.New(capability.Resource{Kind: capability.ResourceAccount},
		capability.Read, capability.PermissionSyncPull)
	// PushCapability lets a peer submit ops and facts.
	PushCapability = capability.New(capability.Resource{Kind: capability.ResourceAccount},
		capability.Write, capability.PermissionSyncPush)
)

// Config configures a Syncer.
type Config struct {
	Self    ids.DeviceID
	Context ids.ContextID
	Ledger  *ledger.Ledger
	// Registry and Pool, when set, are reconciled alongside the log.
	Registry *crdt.Registry
	Pool     *intent.Pool
	Network  effects.Network
	// Chain, when set, guards outbound rounds and inbound requests.
	Chain *guard.Chain
	// RoundCost, when non-zero, is charged against the sync:pull flow
	// budget for each outbound round.
	RoundCost     guard.LeakageBudget
	MaxOpsPerSync int
	Bloom         *config.BloomConfig
	MaxBuffered   int
	Metrics       *Metrics
	Logger        *slog.Logger
}

// MergeResult counts what happened to a batch of received ops.
type MergeResult struct {
	Applied    int `cbor:"1,keyasint"`
	Duplicates int `cbor:"2,keyasint"`
	Rejected   int `cbor:"3,keyasint"`
	Buffered   int `cbor:"4,keyasint"`
}

func (m *MergeResult) add(other MergeResult) {
	m.Applied += other.Applied
	m.Duplicates += other.Duplicates
	m.Rejected += other.Rejected
	m.Buffered += other.Buffered
}

// Result describes one round with a peer.
type Result struct {
	Status DigestStatus
	// Pulled counts ops received from the peer; Pushed is what the
	// peer reported for the ops it received.
	Pulled MergeResult
	Pushed MergeResult
	// Facts is the number of local CRDT keys the round changed.
	Facts int
}

type messageKind uint8

const (
	kindDigest messageKind = iota + 1
	kindPull
	kindPush
	kindPullFacts
	kindPushFacts
)

type message struct {
	Kind    messageKind  `cbor:"1,keyasint"`
	Digest  *Digest      `cbor:"2,keyasint,omitempty"`
	Request *Request     `cbor:"3,keyasint,omitempty"`
	Batch   []byte       `cbor:"4,keyasint,omitempty"`
	Facts   []byte       `cbor:"5,keyasint,omitempty"`
	Merge   *MergeResult `cbor:"6,keyasint,omitempty"`
	Changed int          `cbor:"7,keyasint,omitempty"`
}

type factSet struct {
	Records []crdt.Record   `cbor:"1,keyasint"`
	Pool    *intent.SetFact `cbor:"2,keyasint,omitempty"`
}

// Syncer runs anti-entropy rounds and serves peers' rounds.
type Syncer struct {
	cfg    Config
	rpc    *effects.RPC
	logger *slog.Logger

	// mergeMu serializes merges so the out-of-order buffer and the
	// ledger move together.
	mergeMu sync.Mutex
	pending map[ids.Hash32]tree.AttestedOp
	order   []ids.Hash32
}

// NewSyncer checks cfg and returns a syncer. Run must be running for
// SyncWith to complete.
func NewSyncer(cfg Config) (*Syncer, error) {
	if cfg.Ledger == nil || cfg.Network == nil {
		return nil, errors.New("antientropy: ledger and network are required")
	}
	if cfg.Bloom != nil {
		if _, err := NewBloomFilter(cfg.Bloom.ExpectedItems, cfg.Bloom.FalsePositiveRate); err != nil {
			return nil, err
		}
	}
	if cfg.MaxOpsPerSync <= 0 {
		cfg.MaxOpsPerSync = DefaultMaxOpsPerSync
	}
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = DefaultMaxBuffered
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Syncer{
		cfg:     cfg,
		logger:  logger.With("component", "antientropy"),
		pending: make(map[ids.Hash32]tree.AttestedOp),
	}
	s.rpc = effects.NewRPC(cfg.Network, s.serve, s.logger)
	return s, nil
}

// Run serves peer requests until ctx is done.
func (s *Syncer) Run(ctx context.Context) error { return s.rpc.Run(ctx) }

// FactHash hashes the registry and intent pool state.
func (s *Syncer) FactHash() (ids.Hash32, error) {
	var registryHash, poolHash ids.Hash32
	if s.cfg.Registry != nil {
		registryHash = s.cfg.Registry.Digest()
	}
	if s.cfg.Pool != nil {
		var err error
		if poolHash, err = s.poolHash(); err != nil {
			return ids.Hash32{}, err
		}
	}
	return digest.SumParts(registryHash[:], poolHash[:]), nil
}

func (s *Syncer) poolHash() (ids.Hash32, error) {
	encoded, err := codec.Marshal(s.cfg.Pool.State())
	if err != nil {
		return ids.Hash32{}, failure.Wrap(failure.Internal, err, "encoding intent pool")
	}
	return digest.Sum(encoded), nil
}

// Digest summarizes the local replica.
func (s *Syncer) Digest() (Digest, error) {
	factHash, err := s.FactHash()
	if err != nil {
		return Digest{}, err
	}
	return NewDigest(s.cfg.Ledger, factHash, s.cfg.Bloom)
}

// Pending returns the number of ops waiting for their parent.
func (s *Syncer) Pending() int {
	s.mergeMu.Lock()
	defer s.mergeMu.Unlock()
	return len(s.pending)
}

func (s *Syncer) guard(ctx context.Context, name string, caller, peer ids.DeviceID, required capability.Capability) error {
	return s.runStep(ctx, guard.Step{Name: name, Caller: caller, Required: required, Context: s.cfg.Context, Peer: peer})
}

func (s *Syncer) runStep(ctx context.Context, step guard.Step) error {
	if s.cfg.Chain == nil {
		return nil
	}
	_, err := s.cfg.Chain.Run(ctx, step, func(context.Context, *guard.Tx) error { return nil })
	return err
}

func (s *Syncer) call(ctx context.Context, peer ids.DeviceID, request message) (message, error) {
	payload, err := codec.Marshal(request)
	if err != nil {
		return message{}, failure.Wrap(failure.Internal, err, "encoding anti-entropy request")
	}
	answerPayload, err := s.rpc.Call(ctx, peer, payload)
	if err != nil {
		return message{}, err
	}
	var answer message
	if err := codec.Unmarshal(answerPayload, &answer); err != nil {
		return message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if answer.Kind != request.Kind {
		return message{}, fmt.Errorf("%w: answer kind %d for request %d", ErrMalformedMessage, answer.Kind, request.Kind)
	}
	return answer, nil
}

// SyncWith runs one round with peer.
func (s *Syncer) SyncWith(ctx context.Context, peer ids.DeviceID) (Result, error) {
	result, err := s.syncWith(ctx, peer)
	s.cfg.Metrics.observeRound(result, err)
	if err != nil {
		return result, fmt.Errorf("syncing with %s: %w", peer, err)
	}
	if result.Status != Equal {
		s.logger.Info("anti-entropy round",
			"peer", peer,
			"status", result.Status,
			"pulled", result.Pulled.Applied,
			"pushed", result.Pushed.Applied,
			"rejected", result.Pulled.Rejected,
			"buffered", result.Pulled.Buffered,
			"facts", result.Facts,
		)
	}
	return result, nil
}

func (s *Syncer) syncWith(ctx context.Context, peer ids.DeviceID) (Result, error) {
	step := guard.Step{
		Name:     "antientropy.sync",
		Caller:   s.cfg.Self,
		Required: PullCapability,
		Context:  s.cfg.Context,
		Peer:     peer,
	}
	if !s.cfg.RoundCost.IsZero() {
		step.Flow, step.Cost = capability.PermissionSyncPull, s.cfg.RoundCost
	}
	if err := s.runStep(ctx, step); err != nil {
		return Result{}, err
	}
	local, err := s.Digest()
	if err != nil {
		return Result{}, err
	}
	answer, err := s.call(ctx, peer, message{Kind: kindDigest})
	if err != nil {
		return Result{}, err
	}
	if answer.Digest == nil {
		return Result{}, fmt.Errorf("%w: empty digest", ErrMalformedMessage)
	}
	remote := *answer.Digest
	result := Result{Status: Compare(local, remote)}
	if result.Status == Equal {
		return result, nil
	}

	localIDs := make(map[ids.Hash32]bool)
	for _, id := range s.cfg.Ledger.OpIDs() {
		localIDs[id] = true
	}
	request, pull, err := PlanRequest(local, remote, localIDs, s.cfg.MaxOpsPerSync)
	if err != nil {
		return result, err
	}
	if pull {
		answer, err := s.call(ctx, peer, message{Kind: kindPull, Request: &request})
		if err != nil {
			return result, err
		}
		ops, err := decodeBatch(answer.Batch)
		if err != nil {
			return result, err
		}
		result.Pulled = s.Merge(ctx, ops)
	}

	push, err := s.missingFrom(&remote)
	if err != nil {
		return result, err
	}
	if len(push) > 0 {
		batch, err := encodeBatch(push)
		if err != nil {
			return result, err
		}
		answer, err := s.call(ctx, peer, message{Kind: kindPush, Batch: batch})
		if err != nil {
			return result, err
		}
		if answer.Merge != nil {
			result.Pushed = *answer.Merge
		}
	}

	if local.FactHash != remote.FactHash && (s.cfg.Registry != nil || s.cfg.Pool != nil) {
		changed, err := s.syncFacts(ctx, peer)
		if err != nil {
			return result, err
		}
		result.Facts = changed
	}
	return result, nil
}

// missingFrom returns, in log order, up to MaxOpsPerSync local ops the
// remote digest does not hold.
func (s *Syncer) missingFrom(remote *Digest) ([]tree.AttestedOp, error) {
	var remoteIDs map[ids.Hash32]bool
	if remote.Exact() {
		list, err := remote.IDs()
		if err != nil {
			return nil, err
		}
		remoteIDs = make(map[ids.Hash32]bool, len(list))
		for _, id := range list {
			remoteIDs[id] = true
		}
	}
	var out []tree.AttestedOp
	for _, op := range s.cfg.Ledger.Ops(0, s.cfg.Ledger.Len()) {
		held := remoteIDs[op.ID()]
		if !remote.Exact() {
			contains, err := remote.Contains(op.ID())
			if err != nil {
				return nil, err
			}
			held = contains
		}
		if held {
			continue
		}
		out = append(out, op)
		if len(out) == s.cfg.MaxOpsPerSync {
			break
		}
	}
	return out, nil
}

func (s *Syncer) syncFacts(ctx context.Context, peer ids.DeviceID) (int, error) {
	answer, err := s.call(ctx, peer, message{Kind: kindPullFacts})
	if err != nil {
		return 0, err
	}
	changed, err := s.mergeFacts(ctx, answer.Facts)
	if err != nil {
		return changed, err
	}
	facts, err := s.exportFacts()
	if err != nil {
		return changed, err
	}
	if _, err := s.call(ctx, peer, message{Kind: kindPushFacts, Facts: facts}); err != nil {
		return changed, err
	}
	return changed, nil
}

func (s *Syncer) exportFacts() ([]byte, error) {
	var set factSet
	if s.cfg.Registry != nil {
		set.Records = s.cfg.Registry.Export()
	}
	if s.cfg.Pool != nil {
		state := s.cfg.Pool.State()
		set.Pool = &state
	}
	encoded, err := codec.Marshal(set)
	if err != nil {
		return nil, failure.Wrap(failure.Internal, err, "encoding facts")
	}
	return compress.Encode(encoded, compress.Zstd)
}

func (s *Syncer) mergeFacts(ctx context.Context, frame []byte) (int, error) {
	encoded, err := compress.Decode(frame, MaxBatchSize)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	var set factSet
	if err := codec.Unmarshal(encoded, &set); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	changed := 0
	if s.cfg.Registry != nil && len(set.Records) > 0 {
		changed, err = s.cfg.Registry.Merge(ctx, set.Records)
		if err != nil {
			return changed, err
		}
	}
	if s.cfg.Pool != nil && set.Pool != nil {
		if set.Pool.Context != s.cfg.Context {
			return changed, fmt.Errorf("%w: intent pool for context %s", ErrMalformedMessage, set.Pool.Context)
		}
		before, err := s.poolHash()
		if err != nil {
			return changed, err
		}
		if err := s.cfg.Pool.Merge(*set.Pool); err != nil {
			return changed, err
		}
		after, err := s.poolHash()
		if err != nil {
			return changed, err
		}
		if after != before {
			changed++
		}
	}
	return changed, nil
}

// Merge verifies and applies received ops. Ops already in the log are
// duplicates; ops whose parent commitment is not the current tree wait
// in the out-of-order buffer and are applied once their parent is; ops
// that fail verification are rejected. An out-of-order op is buffered
// only if it is signed by the current root key.
func (s *Syncer) Merge(ctx context.Context, ops []tree.AttestedOp) MergeResult {
	s.mergeMu.Lock()
	defer s.mergeMu.Unlock()
	var result MergeResult
	for _, op := range ops {
		if s.cfg.Ledger.Has(op.ID()) {
			result.Duplicates++
			continue
		}
		_, err := s.cfg.Ledger.Apply(ctx, op)
		switch {
		case err == nil:
			result.Applied++
			result.add(s.drain(ctx))
		case errors.Is(err, tree.ErrParentMismatch):
			if err := s.cfg.Ledger.State().VerifyRootSignature(op); err != nil {
				result.Rejected++
				s.logger.Warn("rejecting out-of-order op", "op", op.ID().Short(), "error", err)
				continue
			}
			if s.buffer(op) {
				result.Buffered++
			} else {
				result.Duplicates++
			}
		default:
			result.Rejected++
			s.logger.Warn("rejecting received op", "op", op.ID().Short(), "error", err)
		}
	}
	s.cfg.Metrics.observeMerge(result, len(s.pending))
	return result
}

// buffer holds op until its parent arrives, evicting the oldest entry
// when full. It reports false if the op was already buffered.
func (s *Syncer) buffer(op tree.AttestedOp) bool {
	parent := op.Op.ParentCommitment
	if _, held := s.pending[parent]; held {
		return false
	}
	if len(s.pending) >= s.cfg.MaxBuffered {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.pending, oldest)
		s.logger.Debug("out-of-order buffer full, evicting", "op", oldest.Short())
	}
	s.pending[parent] = op
	s.order = append(s.order, parent)
	return true
}

// drain applies buffered ops whose parent is now the current tree.
func (s *Syncer) drain(ctx context.Context) MergeResult {
	var result MergeResult
	for {
		current := s.cfg.Ledger.Commitment()
		op, ok := s.pending[current]
		if !ok {
			return result
		}
		delete(s.pending, current)
		if i := indexOf(s.order, current); i >= 0 {
			s.order = append(s.order[:i], s.order[i+1:]...)
		}
		if _, err := s.cfg.Ledger.Apply(ctx, op); err != nil {
			result.Rejected++
			s.logger.Warn("rejecting buffered op", "op", op.ID().Short(), "error", err)
			continue
		}
		result.Applied++
	}
}

func indexOf(list []ids.Hash32, target ids.Hash32) int {
	for i, candidate := range list {
		if candidate == target {
			return i
		}
	}
	return -1
}

func (s *Syncer) serve(ctx context.Context, from ids.DeviceID, payload []byte) ([]byte, error) {
	var request message
	if err := codec.Unmarshal(payload, &request); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	response := message{Kind: request.Kind}
	switch request.Kind {
	case kindDigest:
		if err := s.guard(ctx, "antientropy.digest", from, from, PullCapability); err != nil {
			return nil, err
		}
		local, err := s.Digest()
		if err != nil {
			return nil, err
		}
		response.Digest = &local
	case kindPull:
		if err := s.guard(ctx, "antientropy.pull", from, from, PullCapability); err != nil {
			return nil, err
		}
		if request.Request == nil {
			return nil, fmt.Errorf("%w: pull without request", ErrMalformedMessage)
		}
		batch, err := encodeBatch(s.lookup(*request.Request))
		if err != nil {
			return nil, err
		}
		response.Batch = batch
	case kindPush:
		if err := s.guard(ctx, "antientropy.push", from, from, PushCapability); err != nil {
			return nil, err
		}
		ops, err := decodeBatch(request.Batch)
		if err != nil {
			return nil, err
		}
		merged := s.Merge(ctx, ops)
		response.Merge = &merged
	case kindPullFacts:
		if err := s.guard(ctx, "antientropy.pull_facts", from, from, PullCapability); err != nil {
			return nil, err
		}
		facts, err := s.exportFacts()
		if err != nil {
			return nil, err
		}
		response.Facts = facts
	case kindPushFacts:
		if err := s.guard(ctx, "antientropy.push_facts", from, from, PushCapability); err != nil {
			return nil, err
		}
		changed, err := s.mergeFacts(ctx, request.Facts)
		if err != nil {
			return nil, err
		}
		response.Changed = changed
	default:
		return nil, fmt.Errorf("%w: unknown request kind %d", ErrMalformedMessage, request.Kind)
	}
	return codec.Marshal(response)
}

// lookup answers a pull request, never returning more than
// MaxOpsPerSync ops.
func (s *Syncer) lookup(request Request) []tree.AttestedOp {
	limit := s.cfg.MaxOpsPerSync
	if request.MaxOps > 0 && request.MaxOps < limit {
		limit = request.MaxOps
	}
	if len(request.Missing) == 0 {
		return s.cfg.Ledger.Ops(request.FromIndex, limit)
	}
	var out []tree.AttestedOp
	for _, id := range request.Missing {
		if len(out) == limit {
			break
		}
		if op, ok := s.cfg.Ledger.Get(id); ok {
			out = append(out, op)
		}
	}
	return out
}

func encodeBatch(ops []tree.AttestedOp) ([]byte, error) {
	encoded, err := codec.Marshal(ops)
	if err != nil {
		return nil, failure.Wrap(failure.Internal, err, "encoding op batch")
	}
	return compress.Encode(encoded, compress.Zstd)
}

func decodeBatch(frame []byte) ([]tree.AttestedOp, error) {
	if len(frame) == 0 {
		return nil, nil
	}
	encoded, err := compress.Decode(frame, MaxBatchSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	var ops []tree.AttestedOp
	if err := codec.Unmarshal(encoded, &ops); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return ops, nil
}
