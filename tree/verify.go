// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tree

import (
	"crypto/ed25519"
	"fmt"

	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/lib/signing"
)

// VerifyAttestedOp checks an attestation against a branch key:
// 0 < threshold <= signer count <= fanout, the key epoch is not ahead
// of currentEpoch, and the aggregate signature covers the op's hash.
// It is a pure function; Apply calls it with the root branch.
func VerifyAttestedOp(op AttestedOp, key BranchSigningKey, threshold uint16, fanout int, currentEpoch ids.Epoch) error {
	if threshold == 0 {
		return fmt.Errorf("%w: threshold is zero", ErrInvalidThreshold)
	}
	if int(threshold) > fanout {
		return fmt.Errorf("%w: threshold %d exceeds fanout %d", ErrInvalidThreshold, threshold, fanout)
	}
	if op.SignerCount < threshold {
		return fmt.Errorf("%w: %d signers, need %d", ErrInsufficientSigners, op.SignerCount, threshold)
	}
	if int(op.SignerCount) > fanout {
		return fmt.Errorf("%w: %d signers, fanout %d", ErrTooManySigners, op.SignerCount, fanout)
	}
	if key.KeyEpoch > currentEpoch {
		return fmt.Errorf("%w: key %s, tree %s", ErrFutureKeyEpoch, key.KeyEpoch, currentEpoch)
	}
	return verifySignature(op, key)
}

func verifySignature(op AttestedOp, key BranchSigningKey) error {
	hash, err := op.Op.Hash()
	if err != nil {
		return err
	}
	if err := signing.Verify(ed25519.PublicKey(key.GroupPublicKey[:]), signing.TreeOpDomain, hash[:], op.AggSig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadAttestation, err)
	}
	return nil
}

// VerifyRootSignature checks only op's aggregate signature against the
// state's root key. An op several commits ahead of s passes while the
// root key is unchanged.
func (s *State) VerifyRootSignature(op AttestedOp) error {
	return verifySignature(op, s.branches[ids.RootIndex].SigningKey)
}

// Apply validates op against state and returns the successor state
// and its commitment. state is never modified; on error the caller
// keeps the state it had.
func Apply(op AttestedOp, state *State) (*State, ids.Hash32, error) {
	if op.Op.Version != OpVersion {
		return nil, ids.Hash32{}, fmt.Errorf("%w: version %d", ErrMalformedOp, op.Op.Version)
	}
	if op.Op.ParentCommitment != state.commitment {
		return nil, ids.Hash32{}, fmt.Errorf("%w: op names %s, tree is at %s",
			ErrParentMismatch, op.Op.ParentCommitment.Short(), state.commitment.Short())
	}
	if op.Op.ParentEpoch != state.epoch {
		return nil, ids.Hash32{}, fmt.Errorf("%w: op names %s, tree is at %s",
			ErrEpochMismatch, op.Op.ParentEpoch, state.epoch)
	}
	if err := op.Op.Op.Validate(); err != nil {
		return nil, ids.Hash32{}, err
	}

	root := state.branches[ids.RootIndex]
	fanout := state.Fanout(ids.RootIndex)
	required := root.Policy.Required(fanout)
	if required < 0 || required > 0xffff {
		return nil, ids.Hash32{}, fmt.Errorf("%w: root policy %s", ErrInvalidThreshold, root.Policy)
	}
	if err := VerifyAttestedOp(op, root.SigningKey, uint16(required), fanout, state.epoch); err != nil {
		return nil, ids.Hash32{}, err
	}

	next := state.clone()
	if err := next.apply(op.Op.Op); err != nil {
		return nil, ids.Hash32{}, err
	}
	next.recompute()
	return next, next.commitment, nil
}

// Replay applies ops in order starting from genesis state.
func Replay(state *State, ops []AttestedOp) (*State, error) {
	for i, op := range ops {
		next, _, err := Apply(op, state)
		if err != nil {
			return nil, fmt.Errorf("replaying op %d: %w", i, err)
		}
		state = next
	}
	return state, nil
}
