// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package consensus

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hxrts/aura-sub026/capability"
	"github.com/hxrts/aura-sub026/crdt"
	"github.com/hxrts/aura-sub026/guard"
	"github.com/hxrts/aura-sub026/intent"
	"github.com/hxrts/aura-sub026/ledger"
	"github.com/hxrts/aura-sub026/lib/clock"
	"github.com/hxrts/aura-sub026/lib/codec"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/lib/threshold"
	"github.com/hxrts/aura-sub026/tree"
)

// Witness is one participant as seen by a coordinator.
type Witness interface {
	Device() ids.DeviceID
	Prepare(ctx context.Context, proposal Proposal) (Ack, error)
	Round1(ctx context.Context, instance ids.Hash32) (threshold.SigningCommitments, error)
	Round2(ctx context.Context, instance ids.Hash32, pkg threshold.SigningPackage) (threshold.SignatureShare, error)
	Commit(ctx context.Context, fact CommitFact) error
}

// ProposeCapability is what an instigator must hold for witnesses to
// consider its proposals.
var ProposeCapability = capability.New(
	capability.Resource{Kind: capability.ResourceAccount},
	capability.Execute, capability.PermissionTreePropose)

// DefaultLockTimeout is how long a witness refuses to prepare a
// competing op on a parent commitment it has already ACKed.
const DefaultLockTimeout = 30 * time.Second

// WitnessConfig configures a LocalWitness.
type WitnessConfig struct {
	Device ids.DeviceID
	Key    threshold.KeyPackage
	Ledger *ledger.Ledger
	Params Params
	Random io.Reader
	Clock  clock.Clock

	// Chain, when set, admits proposals (ProposeCapability) and
	// journals commit facts.
	Chain *guard.Chain
	// Pool, when set, has committed intents tombstoned.
	Pool        *intent.Pool
	LockTimeout time.Duration
	Logger      *slog.Logger
}

type witnessSession struct {
	proposal Proposal
	op       tree.TreeOp
	message  []byte
	nonces   *threshold.SigningNonces
}

type parentLock struct {
	instance ids.Hash32
	expires  time.Time
}

// LocalWitness runs the witness role against a local ledger.
type LocalWitness struct {
	cfg    WitnessConfig
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[ids.Hash32]*witnessSession
	locks    map[ids.Hash32]parentLock
}

func NewLocalWitness(cfg WitnessConfig) *LocalWitness {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &LocalWitness{
		cfg:      cfg,
		logger:   logger.With("witness", cfg.Device),
		sessions: make(map[ids.Hash32]*witnessSession),
		locks:    make(map[ids.Hash32]parentLock),
	}
}

func (w *LocalWitness) Device() ids.DeviceID { return w.cfg.Device }

// SetParams replaces the witness set, e.g. after an epoch rotation.
func (w *LocalWitness) SetParams(params Params) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cfg.Params = params
}

func (w *LocalWitness) nack(instance ids.Hash32, format string, args ...any) Ack {
	reason := fmt.Sprintf(format, args...)
	w.logger.Info("rejecting proposal", "instance", instance.Short(), "reason", reason)
	return Ack{Instance: instance, Witness: w.cfg.Device, Reason: reason}
}

// Prepare validates proposal against the local ledger. A rejection is
// a NACK, not an error.
func (w *LocalWitness) Prepare(ctx context.Context, proposal Proposal) (Ack, error) {
	instance, err := proposal.Instance()
	if err != nil {
		return Ack{}, err
	}
	op, err := proposal.Op()
	if err != nil {
		return w.nack(instance, "%v", err), nil
	}

	state := w.cfg.Ledger.State()
	if proposal.Prestate.Commitment != state.Commitment() || op.ParentCommitment != state.Commitment() {
		return w.nack(instance, "parent commitment %s does not match local %s",
			op.ParentCommitment.Short(), state.Commitment().Short()), nil
	}
	if proposal.Prestate.Epoch != state.Epoch() || op.ParentEpoch != state.Epoch() {
		return w.nack(instance, "epoch %s is not current (%s)", op.ParentEpoch, state.Epoch()), nil
	}
	if reason := w.checkIntents(state, proposal, op); reason != "" {
		return w.nack(instance, "%s", reason), nil
	}
	if proposal.Coordinator != CoordinatorAuthority(instance) {
		return w.nack(instance, "coordinator %s is not the one implied by the prestate", proposal.Coordinator.Short()), nil
	}
	w.mu.Lock()
	witnesses := w.cfg.Params.Witnesses
	w.mu.Unlock()
	if !slices.Contains(witnesses, proposal.Instigator) {
		return w.nack(instance, "instigator %s is not a witness", proposal.Instigator), nil
	}
	if w.cfg.Chain != nil {
		_, err := w.cfg.Chain.Run(ctx, guard.Step{
			Name:     "consensus.prepare",
			Caller:   proposal.Instigator,
			Required: ProposeCapability,
		}, func(context.Context, *guard.Tx) error { return nil })
		if err != nil {
			return w.nack(instance, "%v", err), nil
		}
	}
	message, err := tree.SigningMessage(op)
	if err != nil {
		return Ack{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.cfg.Clock.Now()
	if lock, held := w.locks[op.ParentCommitment]; held && lock.instance != instance && now.Before(lock.expires) {
		return w.nack(instance, "already prepared %s on this parent", lock.instance.Short()), nil
	}
	w.locks[op.ParentCommitment] = parentLock{instance: instance, expires: now.Add(w.cfg.LockTimeout)}
	if _, exists := w.sessions[instance]; !exists {
		w.sessions[instance] = &witnessSession{proposal: proposal, op: op, message: message}
	}
	return Ack{Instance: instance, Witness: w.cfg.Device, Accepted: true}, nil
}

// checkIntents returns a rejection reason, or "" if every intent is
// named by the prestate, realised by the op and authored by a member
// of every branch on its path span.
func (w *LocalWitness) checkIntents(state *tree.State, proposal Proposal, op tree.TreeOp) string {
	if len(proposal.Intents) != len(proposal.Prestate.Intents) {
		return fmt.Sprintf("%d intents for %d prestate ids", len(proposal.Intents), len(proposal.Prestate.Intents))
	}
	wantKind, err := codec.Marshal(op.Op)
	if err != nil {
		return err.Error()
	}
	for i, candidate := range proposal.Intents {
		if candidate.ID != proposal.Prestate.Intents[i] {
			return fmt.Sprintf("intent %s is not in the prestate", candidate.ID)
		}
		kind, err := codec.Marshal(candidate.Op.Op)
		if err != nil || !bytes.Equal(kind, wantKind) {
			return fmt.Sprintf("intent %s does not describe the proposed op", candidate.ID)
		}
		if _, member := state.LeafForDevice(candidate.Author); !member {
			return fmt.Sprintf("intent author %s is not a member of the account", candidate.Author)
		}
		span, err := state.PathSpan(candidate.Op.Op)
		if err != nil {
			return fmt.Sprintf("intent %s: %v", candidate.ID, err)
		}
		if !slices.Equal(span, candidate.PathSpan) {
			return fmt.Sprintf("intent %s claims path span %v, op touches %v", candidate.ID, candidate.PathSpan, span)
		}
		for _, node := range span {
			if !state.IsMember(node, candidate.Author) {
				return fmt.Sprintf("intent author %s is not a member of %s", candidate.Author, node)
			}
		}
	}
	return ""
}

func (w *LocalWitness) session(instance ids.Hash32) (*witnessSession, error) {
	session, ok := w.sessions[instance]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, instance.Short())
	}
	return session, nil
}

// Round1 draws fresh signing nonces for a prepared instance. Calling it
// again discards the previous nonces.
func (w *LocalWitness) Round1(_ context.Context, instance ids.Hash32) (threshold.SigningCommitments, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	session, err := w.session(instance)
	if err != nil {
		return threshold.SigningCommitments{}, err
	}
	if session.nonces != nil {
		session.nonces.Zero()
	}
	nonces, err := threshold.Round1(w.cfg.Key, w.cfg.Random)
	if err != nil {
		return threshold.SigningCommitments{}, err
	}
	session.nonces = nonces
	return nonces.Commitments(), nil
}

// Round2 signs pkg if it covers the op this witness prepared.
func (w *LocalWitness) Round2(_ context.Context, instance ids.Hash32, pkg threshold.SigningPackage) (threshold.SignatureShare, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	session, err := w.session(instance)
	if err != nil {
		return threshold.SignatureShare{}, err
	}
	if !bytes.Equal(pkg.Message, session.message) {
		return threshold.SignatureShare{}, ErrUnexpectedSign
	}
	if session.nonces == nil {
		return threshold.SignatureShare{}, fmt.Errorf("%w: round 2 before round 1", ErrUnknownInstance)
	}
	nonces := session.nonces
	session.nonces = nil
	return threshold.Round2(pkg, nonces, w.cfg.Key)
}

// Commit verifies and applies fact's attested op. Applying an op the
// ledger already holds is a no-op.
func (w *LocalWitness) Commit(ctx context.Context, fact CommitFact) error {
	if !w.cfg.Ledger.Has(fact.Op.ID()) {
		if _, err := w.cfg.Ledger.Apply(ctx, fact.Op); err != nil {
			return fmt.Errorf("applying commit %s: %w", fact.PrestateHash.Short(), err)
		}
	}

	w.mu.Lock()
	if session, ok := w.sessions[fact.PrestateHash]; ok && session.nonces != nil {
		session.nonces.Zero()
	}
	delete(w.sessions, fact.PrestateHash)
	delete(w.locks, fact.Op.Op.ParentCommitment)
	w.mu.Unlock()

	if w.cfg.Pool != nil {
		for _, id := range fact.Intents {
			w.cfg.Pool.Tombstone(id)
		}
	}
	if w.cfg.Chain != nil {
		_, err := w.cfg.Chain.Run(ctx, guard.Step{Name: "consensus.commit"}, func(ctx context.Context, tx *guard.Tx) error {
			facts := []crdt.Fact{fact}
			if w.cfg.Pool != nil {
				facts = append(facts, w.cfg.Pool.State())
			}
			return tx.AddFacts(facts...)
		})
		if err != nil {
			return fmt.Errorf("journaling commit %s: %w", fact.PrestateHash.Short(), err)
		}
	}
	w.logger.Debug("commit applied", "instance", fact.PrestateHash.Short(), "signers", len(fact.Witnesses))
	return nil
}
