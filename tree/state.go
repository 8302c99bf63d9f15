// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tree

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/hxrts/aura-sub026/lib/codec"
	"github.com/hxrts/aura-sub026/lib/digest"
	"github.com/hxrts/aura-sub026/lib/ids"
)

// State is an immutable tree snapshot. Mutating methods are unexported
// and only run on fresh clones inside Apply and NewState.
type State struct {
	epoch      ids.Epoch
	branches   map[ids.NodeIndex]*BranchNode
	leaves     map[ids.LeafID]*LeafNode
	commitment ids.Hash32
}

// GenesisBranch declares a non-root branch of the initial tree.
type GenesisBranch struct {
	Index      ids.NodeIndex
	Parent     ids.NodeIndex
	Policy     Policy
	SigningKey BranchSigningKey
}

// Genesis describes the initial tree of an account. The root branch
// takes Policy and SigningKey; each leaf is placed under its Under
// branch.
type Genesis struct {
	Policy     Policy
	SigningKey BranchSigningKey
	Branches   []GenesisBranch
	Leaves     []LeafNode
}

// NewState builds and validates the genesis tree at epoch 0.
func NewState(genesis Genesis) (*State, error) {
	s := &State{
		branches: map[ids.NodeIndex]*BranchNode{
			ids.RootIndex: {
				Index:      ids.RootIndex,
				Parent:     ids.RootIndex,
				Policy:     genesis.Policy,
				SigningKey: genesis.SigningKey,
			},
		},
		leaves: make(map[ids.LeafID]*LeafNode),
	}
	for _, branch := range genesis.Branches {
		if branch.Index == ids.RootIndex {
			return nil, fmt.Errorf("%w: genesis redeclares the root", ErrMalformedOp)
		}
		if _, exists := s.branches[branch.Index]; exists {
			return nil, fmt.Errorf("%w: branch %s declared twice", ErrMalformedOp, branch.Index)
		}
		s.branches[branch.Index] = &BranchNode{
			Index:      branch.Index,
			Parent:     branch.Parent,
			Policy:     branch.Policy,
			SigningKey: branch.SigningKey,
		}
	}
	for _, branch := range genesis.Branches {
		parent, ok := s.branches[branch.Parent]
		if !ok || branch.Parent == branch.Index {
			return nil, fmt.Errorf("%w: branch %s has parent %s", ErrUnknownNode, branch.Index, branch.Parent)
		}
		parent.Children = insertSorted(parent.Children, branch.Index)
	}
	if err := s.checkAcyclic(); err != nil {
		return nil, err
	}
	for _, leaf := range genesis.Leaves {
		if err := AddLeafOp(leaf, leaf.Under).Validate(); err != nil {
			return nil, err
		}
		if err := s.addLeaf(leaf, leaf.Under); err != nil {
			return nil, err
		}
	}
	for _, index := range s.branchIndices() {
		branch := s.branches[index]
		if err := branch.Policy.Validate(s.Fanout(index)); err != nil {
			return nil, fmt.Errorf("branch %s: %w", index, err)
		}
	}
	s.recompute()
	return s, nil
}

// checkAcyclic verifies every branch reaches the root by parent links.
func (s *State) checkAcyclic() error {
	for index := range s.branches {
		current := index
		for steps := 0; current != ids.RootIndex; steps++ {
			if steps > len(s.branches) {
				return fmt.Errorf("%w: branch %s is not connected to the root", ErrMalformedOp, index)
			}
			current = s.branches[current].Parent
		}
	}
	return nil
}

func (s *State) clone() *State {
	out := &State{
		epoch:    s.epoch,
		branches: make(map[ids.NodeIndex]*BranchNode, len(s.branches)),
		leaves:   make(map[ids.LeafID]*LeafNode, len(s.leaves)),
	}
	for index, branch := range s.branches {
		out.branches[index] = branch.clone()
	}
	for id, leaf := range s.leaves {
		copied := *leaf
		out.leaves[id] = &copied
	}
	return out
}

// Commitment returns the state's 32-byte summary.
func (s *State) Commitment() ids.Hash32 { return s.commitment }

// Epoch returns the tree epoch.
func (s *State) Epoch() ids.Epoch { return s.epoch }

// Root returns a copy of the root branch.
func (s *State) Root() BranchNode { return *s.branches[ids.RootIndex].clone() }

// Branch returns a copy of the branch at index.
func (s *State) Branch(index ids.NodeIndex) (BranchNode, bool) {
	branch, ok := s.branches[index]
	if !ok {
		return BranchNode{}, false
	}
	return *branch.clone(), true
}

// Leaf returns a copy of the leaf with id, revoked or not.
func (s *State) Leaf(id ids.LeafID) (LeafNode, bool) {
	leaf, ok := s.leaves[id]
	if !ok {
		return LeafNode{}, false
	}
	return *leaf, true
}

// LeafForDevice returns the active leaf belonging to device.
func (s *State) LeafForDevice(device ids.DeviceID) (LeafNode, bool) {
	for _, id := range s.leafIDs() {
		leaf := s.leaves[id]
		if leaf.Device == device && !leaf.Revoked {
			return *leaf, true
		}
	}
	return LeafNode{}, false
}

// IsMember reports whether device holds an active leaf in the subtree
// rooted at branch index.
func (s *State) IsMember(index ids.NodeIndex, device ids.DeviceID) bool {
	leaf, ok := s.LeafForDevice(device)
	if !ok {
		return false
	}
	current := leaf.Under
	for steps := 0; steps <= len(s.branches); steps++ {
		if current == index {
			return true
		}
		if current == ids.RootIndex {
			return false
		}
		branch, ok := s.branches[current]
		if !ok {
			return false
		}
		current = branch.Parent
	}
	return false
}

// ActiveLeaves returns the unrevoked leaves ordered by id.
func (s *State) ActiveLeaves() []LeafNode {
	var out []LeafNode
	for _, id := range s.leafIDs() {
		if leaf := s.leaves[id]; !leaf.Revoked {
			out = append(out, *leaf)
		}
	}
	return out
}

// Fanout counts a branch's active leaves plus its child branches.
func (s *State) Fanout(index ids.NodeIndex) int {
	branch, ok := s.branches[index]
	if !ok {
		return 0
	}
	fanout := len(branch.Children)
	for _, id := range branch.Leaves {
		if !s.leaves[id].Revoked {
			fanout++
		}
	}
	return fanout
}

// PathSpan returns the nodes op modifies, ascending. Intents over
// disjoint spans commute.
func (s *State) PathSpan(kind TreeOpKind) ([]ids.NodeIndex, error) {
	if err := kind.Validate(); err != nil {
		return nil, err
	}
	if kind.Kind == RemoveLeafKind {
		leaf, ok := s.leaves[kind.RemoveLeaf.Leaf]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownLeaf, kind.RemoveLeaf.Leaf)
		}
		return []ids.NodeIndex{leaf.Under}, nil
	}
	return kind.targets(), nil
}

// NextLeafID returns one past the largest leaf id ever used.
func (s *State) NextLeafID() ids.LeafID {
	var next ids.LeafID
	for id := range s.leaves {
		if id >= next {
			next = id + 1
		}
	}
	return next
}

func (s *State) leafIDs() []ids.LeafID {
	out := make([]ids.LeafID, 0, len(s.leaves))
	for id := range s.leaves {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (s *State) branchIndices() []ids.NodeIndex {
	out := make([]ids.NodeIndex, 0, len(s.branches))
	for index := range s.branches {
		out = append(out, index)
	}
	slices.Sort(out)
	return out
}

func insertSorted[T cmp.Ordered](list []T, value T) []T {
	position, _ := slices.BinarySearch(list, value)
	return slices.Insert(list, position, value)
}

func (s *State) addLeaf(leaf LeafNode, under ids.NodeIndex) error {
	branch, ok := s.branches[under]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, under)
	}
	if _, exists := s.leaves[leaf.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateLeaf, leaf.ID)
	}
	leaf.Under = under
	leaf.Revoked = false
	leaf.RevokeReason = 0
	leaf.PublicKey = append([]byte(nil), leaf.PublicKey...)
	leaf.Meta = append([]byte(nil), leaf.Meta...)
	s.leaves[leaf.ID] = &leaf
	branch.Leaves = insertSorted(branch.Leaves, leaf.ID)
	return nil
}

func (s *State) removeLeaf(id ids.LeafID, reason uint8) error {
	leaf, ok := s.leaves[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLeaf, id)
	}
	if leaf.Revoked {
		return fmt.Errorf("%w: %s", ErrLeafRevoked, id)
	}
	leaf.Revoked = true
	leaf.RevokeReason = reason
	branch := s.branches[leaf.Under]
	if err := branch.Policy.Validate(s.Fanout(leaf.Under)); err != nil {
		return fmt.Errorf("removing %s leaves branch %s unsignable: %w", id, leaf.Under, err)
	}
	return nil
}

func (s *State) changePolicy(index ids.NodeIndex, policy Policy) error {
	branch, ok := s.branches[index]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, index)
	}
	if err := policy.Validate(s.Fanout(index)); err != nil {
		return err
	}
	branch.Policy = policy
	return nil
}

func (s *State) rotateEpoch(rotate *RotateEpoch) error {
	for _, index := range rotate.Affected {
		if _, ok := s.branches[index]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownNode, index)
		}
	}
	s.epoch++
	for _, index := range rotate.Affected {
		branch := s.branches[index]
		branch.SigningKey.KeyEpoch = s.epoch
		if key, ok := rotate.NewKeys[index]; ok {
			branch.SigningKey.GroupPublicKey = key
		}
	}
	return nil
}

func (s *State) apply(kind TreeOpKind) error {
	switch kind.Kind {
	case AddLeafKind:
		return s.addLeaf(kind.AddLeaf.Leaf, kind.AddLeaf.Under)
	case RemoveLeafKind:
		return s.removeLeaf(kind.RemoveLeaf.Leaf, kind.RemoveLeaf.Reason)
	case ChangePolicyKind:
		return s.changePolicy(kind.ChangePolicy.Node, kind.ChangePolicy.NewPolicy)
	case RotateEpochKind:
		return s.rotateEpoch(kind.RotateEpoch)
	default:
		return fmt.Errorf("%w: kind %s", ErrMalformedOp, kind.Kind)
	}
}

// recompute refreshes the commitment bottom-up from the root.
func (s *State) recompute() {
	root := s.branchCommitment(ids.RootIndex)
	w := codec.NewWriter(48)
	w.Fixed([]byte("T"))
	w.Uint64(uint64(s.epoch))
	w.Fixed(root[:])
	s.commitment = digest.Keyed(digest.TreeDomain, w.Data())
}

func (s *State) leafCommitment(leaf *LeafNode) ids.Hash32 {
	w := codec.NewWriter(64 + len(leaf.PublicKey) + len(leaf.Meta))
	w.Fixed([]byte("L"))
	w.Uint32(uint32(leaf.ID))
	w.Fixed(leaf.Device[:])
	w.Uint8(uint8(leaf.Role))
	w.Bytes(leaf.PublicKey)
	w.Bytes(leaf.Meta)
	w.Bool(leaf.Revoked)
	w.Uint8(leaf.RevokeReason)
	return digest.Keyed(digest.TreeDomain, w.Data())
}

func (s *State) branchCommitment(index ids.NodeIndex) ids.Hash32 {
	branch := s.branches[index]
	w := codec.NewWriter(128)
	w.Fixed([]byte("B"))
	w.Uint32(uint32(branch.Index))
	w.Uint8(uint8(branch.Policy.Kind))
	w.Uint16(branch.Policy.Threshold)
	w.Fixed(branch.SigningKey.GroupPublicKey[:])
	w.Uint64(uint64(branch.SigningKey.KeyEpoch))
	w.Uint32(uint32(len(branch.Leaves)))
	for _, id := range branch.Leaves {
		commitment := s.leafCommitment(s.leaves[id])
		w.Fixed(commitment[:])
	}
	w.Uint32(uint32(len(branch.Children)))
	for _, child := range branch.Children {
		commitment := s.branchCommitment(child)
		w.Fixed(commitment[:])
	}
	return digest.Keyed(digest.TreeDomain, w.Data())
}

// snapshot is the persisted form of a State.
type snapshot struct {
	Epoch    ids.Epoch    `cbor:"1,keyasint"`
	Branches []BranchNode `cbor:"2,keyasint"`
	Leaves   []LeafNode   `cbor:"3,keyasint"`
}

// MarshalBinary encodes the state as deterministic CBOR.
func (s *State) MarshalBinary() ([]byte, error) {
	snap := snapshot{Epoch: s.epoch}
	for _, index := range s.branchIndices() {
		snap.Branches = append(snap.Branches, *s.branches[index])
	}
	for _, id := range s.leafIDs() {
		snap.Leaves = append(snap.Leaves, *s.leaves[id])
	}
	return codec.Marshal(snap)
}

// UnmarshalState decodes a state written by MarshalBinary and
// recomputes its commitment.
func UnmarshalState(data []byte) (*State, error) {
	var snap snapshot
	if err := codec.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: decoding state: %v", ErrMalformedOp, err)
	}
	s := &State{
		epoch:    snap.Epoch,
		branches: make(map[ids.NodeIndex]*BranchNode, len(snap.Branches)),
		leaves:   make(map[ids.LeafID]*LeafNode, len(snap.Leaves)),
	}
	for i := range snap.Branches {
		branch := snap.Branches[i]
		s.branches[branch.Index] = &branch
	}
	if _, ok := s.branches[ids.RootIndex]; !ok {
		return nil, fmt.Errorf("%w: state has no root", ErrMalformedOp)
	}
	for i := range snap.Leaves {
		leaf := snap.Leaves[i]
		if _, ok := s.branches[leaf.Under]; !ok {
			return nil, fmt.Errorf("%w: leaf %s under %s", ErrUnknownNode, leaf.ID, leaf.Under)
		}
		s.leaves[leaf.ID] = &leaf
	}
	for _, branch := range s.branches {
		for _, id := range branch.Leaves {
			if _, ok := s.leaves[id]; !ok {
				return nil, fmt.Errorf("%w: branch %s lists %s", ErrUnknownLeaf, branch.Index, id)
			}
		}
		for _, child := range branch.Children {
			if _, ok := s.branches[child]; !ok {
				return nil, fmt.Errorf("%w: branch %s lists child %s", ErrUnknownNode, branch.Index, child)
			}
		}
	}
	if err := s.checkAcyclic(); err != nil {
		return nil, err
	}
	s.recompute()
	return s, nil
}
