// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package consensus

import (
	"bytes"
	"fmt"

	"github.com/hxrts/aura-sub026/crdt"
	"github.com/hxrts/aura-sub026/intent"
	"github.com/hxrts/aura-sub026/lib/codec"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/tree"
)

// Proposal is the prepare message. Prestate.Ops holds the single op
// being attested; Intents are the pool intents it realises.
type Proposal struct {
	Prestate    tree.Prestate   `cbor:"1,keyasint"`
	Intents     []intent.Intent `cbor:"2,keyasint"`
	Coordinator ids.AuthorityID `cbor:"3,keyasint"`
	// Instigator is the device running the coordinator role.
	Instigator ids.DeviceID `cbor:"4,keyasint"`
}

// Instance is the prestate hash identifying the run.
func (p Proposal) Instance() (ids.Hash32, error) {
	return tree.ComputeHash(p.Prestate)
}

// Op returns the proposed op.
func (p Proposal) Op() (tree.TreeOp, error) {
	if len(p.Prestate.Ops) != 1 {
		return tree.TreeOp{}, fmt.Errorf("%w: proposal carries %d ops", ErrMalformedMessage, len(p.Prestate.Ops))
	}
	return p.Prestate.Ops[0], nil
}

// Ack is a witness's answer to a Proposal. A NACK carries a reason.
type Ack struct {
	Instance ids.Hash32   `cbor:"1,keyasint"`
	Witness  ids.DeviceID `cbor:"2,keyasint"`
	Accepted bool         `cbor:"3,keyasint"`
	Reason   string       `cbor:"4,keyasint,omitempty"`
}

// CommitFactTypeID is the registry type of CommitFact.
const CommitFactTypeID = "aura.consensus.commit"

// CommitFact records an attested op and the witnesses who signed it.
type CommitFact struct {
	Context            ids.ContextID   `cbor:"1,keyasint"`
	PrestateHash       ids.Hash32      `cbor:"2,keyasint"`
	Op                 tree.AttestedOp `cbor:"3,keyasint"`
	AggregateSignature []byte          `cbor:"4,keyasint"`
	Witnesses          []ids.DeviceID  `cbor:"5,keyasint"`
	Epoch              ids.Epoch       `cbor:"6,keyasint"`
	Intents            []ids.IntentID  `cbor:"7,keyasint,omitempty"`
}

func (CommitFact) TypeID() string { return CommitFactTypeID }
func (f CommitFact) ContextID() ids.ContextID { return f.Context }
func (f CommitFact) SubjectKey() string { return f.PrestateHash.String() }
func (f CommitFact) Encode() ([]byte, error) { return codec.Marshal(f) }

// CommitFactType registers CommitFact with a crdt.Registry. Two
// commits of one prestate can differ only in their signing nonces; the
// join keeps the one with the smaller encoding.
func CommitFactType() crdt.Type {
	return crdt.Type{
		ID: CommitFactTypeID,
		Decode: func(data []byte) (crdt.Fact, error) {
			var fact CommitFact
			if err := codec.Unmarshal(data, &fact); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", crdt.ErrMalformedFact, CommitFactTypeID, err)
			}
			return fact, nil
		},
		Join: func(a, b crdt.Fact) (crdt.Fact, error) {
			if crdt.KeyOf(a) != crdt.KeyOf(b) {
				return nil, fmt.Errorf("%w: %s and %s", crdt.ErrKeyMismatch, crdt.KeyOf(a), crdt.KeyOf(b))
			}
			encodedA, err := a.Encode()
			if err != nil {
				return nil, err
			}
			encodedB, err := b.Encode()
			if err != nil {
				return nil, err
			}
			if bytes.Compare(encodedB, encodedA) < 0 {
				return b, nil
			}
			return a, nil
		},
	}
}
