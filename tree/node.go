// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tree

import (
	"fmt"

	"github.com/hxrts/aura-sub026/lib/ids"
)

// Role distinguishes member devices from recovery guardians.
type Role uint8

const (
	RoleDevice Role = iota + 1
	RoleGuardian
)

func (r Role) String() string {
	switch r {
	case RoleDevice:
		return "device"
	case RoleGuardian:
		return "guardian"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// LeafNode is one member of a branch.
type LeafNode struct {
	ID        ids.LeafID   `cbor:"1,keyasint"`
	Device    ids.DeviceID `cbor:"2,keyasint"`
	Role      Role         `cbor:"3,keyasint"`
	PublicKey []byte       `cbor:"4,keyasint"`
	Meta      []byte       `cbor:"5,keyasint,omitempty"`

	// Under is the branch holding the leaf. Set by AddLeaf.
	Under ids.NodeIndex `cbor:"6,keyasint"`

	// A revoked leaf keeps its index so replayed ops that name it
	// still resolve, but it no longer counts toward fanout.
	Revoked      bool  `cbor:"7,keyasint,omitempty"`
	RevokeReason uint8 `cbor:"8,keyasint,omitempty"`
}

// PolicyKind selects how many children must sign for a branch.
type PolicyKind uint8

const (
	PolicyAny PolicyKind = iota + 1
	PolicyAll
	PolicyThreshold
)

// Policy is a branch signing policy.
type Policy struct {
	Kind      PolicyKind `cbor:"1,keyasint"`
	Threshold uint16     `cbor:"2,keyasint,omitempty"`
}

func Any() Policy { return Policy{Kind: PolicyAny} }
func All() Policy { return Policy{Kind: PolicyAll} }
func Threshold(m uint16) Policy { return Policy{Kind: PolicyThreshold, Threshold: m} }
func (p Policy) IsZero() bool { return p.Kind == 0 }

// Required returns the number of signers the policy demands from a
// branch with fanout children.
func (p Policy) Required(fanout int) int {
	switch p.Kind {
	case PolicyAny:
		return 1
	case PolicyAll:
		return fanout
	case PolicyThreshold:
		return int(p.Threshold)
	default:
		return 0
	}
}

// Validate checks 0 < required <= fanout.
func (p Policy) Validate(fanout int) error {
	required := p.Required(fanout)
	if required <= 0 || required > fanout {
		return fmt.Errorf("%w: %s needs %d of %d children", ErrInvalidPolicy, p, required, fanout)
	}
	return nil
}

func (p Policy) String() string {
	switch p.Kind {
	case PolicyAny:
		return "any"
	case PolicyAll:
		return "all"
	case PolicyThreshold:
		return fmt.Sprintf("threshold(%d)", p.Threshold)
	default:
		return "policy(invalid)"
	}
}

// BranchSigningKey is the epoch-bound group key a branch attests
// with.
type BranchSigningKey struct {
	GroupPublicKey [32]byte  `cbor:"1,keyasint"`
	KeyEpoch       ids.Epoch `cbor:"2,keyasint"`
}

// BranchNode groups leaves and child branches under a policy.
type BranchNode struct {
	Index      ids.NodeIndex    `cbor:"1,keyasint"`
	Parent     ids.NodeIndex    `cbor:"2,keyasint"`
	Policy     Policy           `cbor:"3,keyasint"`
	SigningKey BranchSigningKey `cbor:"4,keyasint"`
	// Leaves and Children are kept sorted.
	Leaves   []ids.LeafID    `cbor:"5,keyasint"`
	Children []ids.NodeIndex `cbor:"6,keyasint"`
}

func (b *BranchNode) clone() *BranchNode {
	out := *b
	out.Leaves = append([]ids.LeafID(nil), b.Leaves...)
	out.Children = append([]ids.NodeIndex(nil), b.Children...)
	return &out
}
