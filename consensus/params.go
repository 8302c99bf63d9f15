// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package consensus attests ledger operations with a threshold of
// device witnesses.
//
// One run commits one tree op against a prestate (the tree commitment
// and epoch the op was built on):
//
//  1. The coordinator sends a [Proposal] to every witness.
//  2. Each witness checks the prestate against its own ledger and
//     answers ACK or NACK. The run proceeds once at least Threshold
//     witnesses ACK within the prepare deadline.
//  3. FROST round 1: ACKing witnesses return nonce commitments.
//  4. FROST round 2: the coordinator distributes the signing package
//     and collects signature shares. Shares that fail verification
//     exclude their signer, whose Byzantine counter is charged, and
//     the rounds are rerun without it while enough signers remain.
//  5. The aggregate signature becomes an attested op inside a
//     [CommitFact], which every witness verifies and applies.
//
// Witnesses are reached through the [Witness] interface: in-process
// through [LocalWitness], or over an effects.Network through an
// [Endpoint].
package consensus

import (
	"fmt"

	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/lib/threshold"
)

var (
	ErrInvalidParams    = failure.New(failure.InvalidInput, "consensus: invalid parameters")
	ErrInsufficientAcks = failure.New(failure.ProtocolViolation, "consensus: too few witnesses acknowledged")
	ErrUnknownInstance  = failure.New(failure.ProtocolViolation, "consensus: unknown consensus instance")
	ErrUnexpectedSign   = failure.New(failure.ProtocolViolation, "consensus: signing package does not match the prepared op")
	ErrMalformedMessage = failure.New(failure.InvalidInput, "consensus: malformed message")
)

// Params describes the witness set of one account.
type Params struct {
	Context   ids.ContextID
	Witnesses []ids.DeviceID
	Threshold uint16
	// Identifiers maps each witness to its FROST participant
	// identifier in Public.
	Identifiers map[ids.DeviceID]uint16
	Public      threshold.PublicKeyPackage
	Epoch       ids.Epoch
}

// Validate checks 0 < Threshold <= len(Witnesses) and that every
// witness has key material.
func (p Params) Validate() error {
	if p.Threshold == 0 || int(p.Threshold) > len(p.Witnesses) {
		return fmt.Errorf("%w: threshold %d of %d witnesses", ErrInvalidParams, p.Threshold, len(p.Witnesses))
	}
	if p.Threshold < p.Public.Threshold {
		return fmt.Errorf("%w: threshold %d below the key threshold %d", ErrInvalidParams, p.Threshold, p.Public.Threshold)
	}
	seen := make(map[ids.DeviceID]bool, len(p.Witnesses))
	for _, witness := range p.Witnesses {
		if seen[witness] {
			return fmt.Errorf("%w: witness %s listed twice", ErrInvalidParams, witness)
		}
		seen[witness] = true
		identifier, ok := p.Identifiers[witness]
		if !ok {
			return fmt.Errorf("%w: witness %s has no key package", ErrInvalidParams, witness)
		}
		if _, ok := p.Public.VerifyingShares[identifier]; !ok {
			return fmt.Errorf("%w: witness %s has no verifying share", ErrInvalidParams, witness)
		}
	}
	return nil
}

// GroupPublicKey is the key the aggregate signature verifies under.
func (p Params) GroupPublicKey() [32]byte { return p.Public.GroupPublicKey }

// witnessFor maps a FROST identifier back to its witness.
func (p Params) witnessFor(identifier uint16) (ids.DeviceID, bool) {
	for device, id := range p.Identifiers {
		if id == identifier {
			return device, true
		}
	}
	return ids.DeviceID{}, false
}

// CoordinatorAuthority is the coordinator identity a prestate implies.
// Every witness derives it independently, so no election is needed and
// the identity is scoped to one instance.
func CoordinatorAuthority(instance ids.Hash32) ids.AuthorityID {
	return ids.AuthorityIDFromEntropy(instance)
}
