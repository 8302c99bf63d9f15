// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tree

import (
	"fmt"
	"slices"

	"github.com/hxrts/aura-sub026/lib/codec"
	"github.com/hxrts/aura-sub026/lib/digest"
	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/lib/signing"
)

// Limits on op payloads.
const (
	MaxRemoveReason  = 10
	MaxRotateTargets = 1000
)

// OpVersion is the TreeOp format version this package produces.
const OpVersion uint16 = 1

var (
	ErrMalformedOp         = failure.New(failure.InvalidInput, "tree: malformed op")
	ErrParentMismatch      = failure.New(failure.ProtocolViolation, "tree: parent commitment mismatch")
	ErrEpochMismatch       = failure.New(failure.ProtocolViolation, "tree: parent epoch mismatch")
	ErrInvalidPolicy       = failure.New(failure.InvalidInput, "tree: invalid policy")
	ErrDuplicateLeaf       = failure.New(failure.InvalidInput, "tree: duplicate leaf id")
	ErrUnknownLeaf         = failure.New(failure.InvalidInput, "tree: unknown leaf")
	ErrUnknownNode         = failure.New(failure.InvalidInput, "tree: unknown node")
	ErrLeafRevoked         = failure.New(failure.InvalidInput, "tree: leaf already revoked")
	ErrInvalidThreshold    = failure.New(failure.ProtocolViolation, "tree: invalid attestation threshold")
	ErrInsufficientSigners = failure.New(failure.ProtocolViolation, "tree: fewer signers than the threshold")
	ErrTooManySigners      = failure.New(failure.ProtocolViolation, "tree: more signers than children")
	ErrFutureKeyEpoch      = failure.New(failure.ProtocolViolation, "tree: signing key epoch is ahead of the tree")
	ErrBadAttestation      = failure.New(failure.Crypto, "tree: aggregate signature does not verify")
)

// OpKind tags which variant a TreeOpKind holds.
type OpKind uint8

const (
	AddLeafKind OpKind = iota + 1
	RemoveLeafKind
	ChangePolicyKind
	RotateEpochKind
)

func (k OpKind) String() string {
	switch k {
	case AddLeafKind:
		return "add_leaf"
	case RemoveLeafKind:
		return "remove_leaf"
	case ChangePolicyKind:
		return "change_policy"
	case RotateEpochKind:
		return "rotate_epoch"
	default:
		return fmt.Sprintf("op_kind(%d)", uint8(k))
	}
}

type AddLeaf struct {
	Leaf  LeafNode      `cbor:"1,keyasint"`
	Under ids.NodeIndex `cbor:"2,keyasint"`
}

type RemoveLeaf struct {
	Leaf   ids.LeafID `cbor:"1,keyasint"`
	Reason uint8      `cbor:"2,keyasint"`
}

type ChangePolicy struct {
	Node      ids.NodeIndex `cbor:"1,keyasint"`
	NewPolicy Policy        `cbor:"2,keyasint"`
}

// RotateEpoch advances the tree epoch and moves the listed branches'
// signing keys onto it. NewKeys replaces the group key of a branch
// that re-keyed; branches absent from it keep their key under the new
// epoch.
type RotateEpoch struct {
	Affected []ids.NodeIndex            `cbor:"1,keyasint"`
	NewKeys  map[ids.NodeIndex][32]byte `cbor:"2,keyasint,omitempty"`
}

// TreeOpKind holds exactly one mutation, named by Kind.
type TreeOpKind struct {
	Kind         OpKind        `cbor:"1,keyasint"`
	AddLeaf      *AddLeaf      `cbor:"2,keyasint,omitempty"`
	RemoveLeaf   *RemoveLeaf   `cbor:"3,keyasint,omitempty"`
	ChangePolicy *ChangePolicy `cbor:"4,keyasint,omitempty"`
	RotateEpoch  *RotateEpoch  `cbor:"5,keyasint,omitempty"`
}

func AddLeafOp(leaf LeafNode, under ids.NodeIndex) TreeOpKind {
	return TreeOpKind{Kind: AddLeafKind, AddLeaf: &AddLeaf{Leaf: leaf, Under: under}}
}

func RemoveLeafOp(leaf ids.LeafID, reason uint8) TreeOpKind {
	return TreeOpKind{Kind: RemoveLeafKind, RemoveLeaf: &RemoveLeaf{Leaf: leaf, Reason: reason}}
}

func ChangePolicyOp(node ids.NodeIndex, policy Policy) TreeOpKind {
	return TreeOpKind{Kind: ChangePolicyKind, ChangePolicy: &ChangePolicy{Node: node, NewPolicy: policy}}
}

func RotateEpochOp(affected []ids.NodeIndex, newKeys map[ids.NodeIndex][32]byte) TreeOpKind {
	return TreeOpKind{Kind: RotateEpochKind, RotateEpoch: &RotateEpoch{Affected: affected, NewKeys: newKeys}}
}

// Validate checks the variant's shape and payload limits without
// consulting any tree state.
func (k TreeOpKind) Validate() error {
	set := 0
	for _, present := range []bool{k.AddLeaf != nil, k.RemoveLeaf != nil, k.ChangePolicy != nil, k.RotateEpoch != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: %d variants set", ErrMalformedOp, set)
	}
	switch k.Kind {
	case AddLeafKind:
		if k.AddLeaf == nil {
			break
		}
		if k.AddLeaf.Leaf.Role != RoleDevice && k.AddLeaf.Leaf.Role != RoleGuardian {
			return fmt.Errorf("%w: leaf role %s", ErrMalformedOp, k.AddLeaf.Leaf.Role)
		}
		if len(k.AddLeaf.Leaf.PublicKey) != signing.PublicKeySize {
			return fmt.Errorf("%w: leaf public key is %d bytes", ErrMalformedOp, len(k.AddLeaf.Leaf.PublicKey))
		}
		return nil
	case RemoveLeafKind:
		if k.RemoveLeaf == nil {
			break
		}
		if k.RemoveLeaf.Reason > MaxRemoveReason {
			return fmt.Errorf("%w: remove reason %d exceeds %d", ErrMalformedOp, k.RemoveLeaf.Reason, MaxRemoveReason)
		}
		return nil
	case ChangePolicyKind:
		if k.ChangePolicy == nil {
			break
		}
		if k.ChangePolicy.NewPolicy.IsZero() {
			return fmt.Errorf("%w: empty policy", ErrMalformedOp)
		}
		return nil
	case RotateEpochKind:
		if k.RotateEpoch == nil {
			break
		}
		affected := k.RotateEpoch.Affected
		if len(affected) == 0 || len(affected) > MaxRotateTargets {
			return fmt.Errorf("%w: rotate names %d nodes, want 1..%d", ErrMalformedOp, len(affected), MaxRotateTargets)
		}
		sorted := slices.Clone(affected)
		slices.Sort(sorted)
		if len(slices.Compact(sorted)) != len(affected) {
			return fmt.Errorf("%w: rotate names a node twice", ErrMalformedOp)
		}
		for node := range k.RotateEpoch.NewKeys {
			if !slices.Contains(affected, node) {
				return fmt.Errorf("%w: new key for %s which is not rotated", ErrMalformedOp, node)
			}
		}
		return nil
	}
	return fmt.Errorf("%w: kind %s does not match its payload", ErrMalformedOp, k.Kind)
}

// targets returns the nodes the op directly modifies, ascending.
// RemoveLeaf needs the tree to find its branch; State.PathSpan
// resolves it.
func (k TreeOpKind) targets() []ids.NodeIndex {
	switch k.Kind {
	case AddLeafKind:
		return []ids.NodeIndex{k.AddLeaf.Under}
	case ChangePolicyKind:
		return []ids.NodeIndex{k.ChangePolicy.Node}
	case RotateEpochKind:
		out := slices.Clone(k.RotateEpoch.Affected)
		slices.Sort(out)
		return out
	default:
		return nil
	}
}

// TreeOp is a mutation proposed against one tree state.
type TreeOp struct {
	ParentCommitment ids.Hash32 `cbor:"1,keyasint"`
	ParentEpoch      ids.Epoch  `cbor:"2,keyasint"`
	Op               TreeOpKind `cbor:"3,keyasint"`
	Version          uint16     `cbor:"4,keyasint"`
}

// NewOp builds an op against state.
func NewOp(state *State, kind TreeOpKind) TreeOp {
	return TreeOp{
		ParentCommitment: state.Commitment(),
		ParentEpoch:      state.Epoch(),
		Op:               kind,
		Version:          OpVersion,
	}
}

// Hash is the BLAKE3 digest of the op's canonical encoding.
func (op TreeOp) Hash() (ids.Hash32, error) {
	data, err := codec.Marshal(op)
	if err != nil {
		return ids.Hash32{}, fmt.Errorf("%w: encoding op: %v", ErrMalformedOp, err)
	}
	return digest.Sum(data), nil
}

// SigningMessage is the message an aggregate signature over op covers.
func SigningMessage(op TreeOp) ([]byte, error) {
	hash, err := op.Hash()
	if err != nil {
		return nil, err
	}
	return signing.Message(signing.TreeOpDomain, hash[:]), nil
}

// AttestedOp is an op with its threshold signature.
type AttestedOp struct {
	Op          TreeOp `cbor:"1,keyasint"`
	AggSig      []byte `cbor:"2,keyasint"`
	SignerCount uint16 `cbor:"3,keyasint"`
}

// ID identifies the op in the log. Every op names a distinct parent
// commitment, so the parent commitment serves.
func (a AttestedOp) ID() ids.Hash32 { return a.Op.ParentCommitment }

// Prestate is the snapshot consensus runs against: the tree
// commitment and epoch plus the ordered batch being committed.
type Prestate struct {
	Commitment ids.Hash32     `cbor:"1,keyasint"`
	Epoch      ids.Epoch      `cbor:"2,keyasint"`
	Intents    []ids.IntentID `cbor:"3,keyasint"`
	Ops        []TreeOp       `cbor:"4,keyasint"`
}

// ComputeHash returns the BLAKE3 digest of prestate's canonical CBOR
// encoding.
func ComputeHash(prestate Prestate) (ids.Hash32, error) {
	data, err := codec.Marshal(prestate)
	if err != nil {
		return ids.Hash32{}, failure.Wrap(failure.Internal, err, "tree: encoding prestate")
	}
	return digest.Sum(data), nil
}
