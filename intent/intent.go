// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package intent holds proposed tree ops waiting for consensus.
//
// An [Intent] is a [tree.TreeOp] tagged with the commitment it was
// proposed against (its snapshot), the tree nodes it touches (its path
// span) and a priority. The [Pool] is an observed-remove set of
// intents shared between an account's devices; [Pool.SelectBatch]
// draws a conflict-free [Batch] for the next consensus instance.
package intent

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/tree"
)

var (
	ErrSnapshotMismatch = failure.New(failure.InvalidInput, "intent: snapshot differs from the batch")
	ErrConflict         = failure.New(failure.InvalidInput, "intent: conflicts with a batch member")
	ErrSpanTooLarge     = failure.New(failure.InvalidInput, "intent: combined path span exceeds the batch limit")
	ErrBatchFull        = failure.New(failure.InvalidInput, "intent: batch is full")
	ErrEmptySpan        = failure.New(failure.InvalidInput, "intent: empty path span")
)

// Status is an intent's local lifecycle position. Statuses are not
// replicated; every device tracks its own.
type Status uint8

const (
	Pending Status = iota + 1
	Executing
	Completed
	Failed
	Superseded
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Executing:
		return "executing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Superseded:
		return "superseded"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Intent is a proposed op. PathSpan is sorted ascending.
type Intent struct {
	ID                 ids.IntentID    `cbor:"1,keyasint"`
	Op                 tree.TreeOp     `cbor:"2,keyasint"`
	PathSpan           []ids.NodeIndex `cbor:"3,keyasint"`
	SnapshotCommitment ids.Hash32      `cbor:"4,keyasint"`
	Priority           uint64          `cbor:"5,keyasint"`
	Author             ids.DeviceID    `cbor:"6,keyasint"`
	CreatedAt          uint64          `cbor:"7,keyasint"`
}

// New builds an intent for kind against state. createdAt is in
// milliseconds.
func New(id ids.IntentID, state *tree.State, kind tree.TreeOpKind, priority uint64, author ids.DeviceID, createdAt uint64) (Intent, error) {
	span, err := state.PathSpan(kind)
	if err != nil {
		return Intent{}, err
	}
	if len(span) == 0 {
		return Intent{}, ErrEmptySpan
	}
	return Intent{
		ID:                 id,
		Op:                 tree.NewOp(state, kind),
		PathSpan:           span,
		SnapshotCommitment: state.Commitment(),
		Priority:           priority,
		Author:             author,
		CreatedAt:          createdAt,
	}, nil
}

// IsStale reports whether the intent was proposed against a commitment
// other than current.
func (i Intent) IsStale(current ids.Hash32) bool {
	return i.SnapshotCommitment != current
}

// ConflictsWith reports whether a and b cannot be committed together:
// they were proposed against different snapshots and touch a common
// node. Intents sharing a snapshot never conflict.
func ConflictsWith(a, b Intent) bool {
	if a.SnapshotCommitment == b.SnapshotCommitment {
		return false
	}
	return spansOverlap(a.PathSpan, b.PathSpan)
}

func spansOverlap(a, b []ids.NodeIndex) bool {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			return true
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return false
}

// CompareRank orders intents by the rank key (snapshot, priority, id).
// Higher rank sorts first: within a snapshot, higher priority wins and
// the smaller id breaks ties.
func CompareRank(a, b Intent) int {
	if c := a.SnapshotCommitment.Compare(b.SnapshotCommitment); c != 0 {
		return c
	}
	if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
		return c
	}
	return a.ID.Compare(b.ID)
}

// Batch is a conflict-free set of intents sharing a snapshot.
type Batch struct {
	SnapshotCommitment ids.Hash32      `cbor:"1,keyasint"`
	Intents            []Intent        `cbor:"2,keyasint"`
	CombinedPathSpan   []ids.NodeIndex `cbor:"3,keyasint"`
	limits             BatchPolicy
}

// BatchPolicy bounds a batch. Zero fields are unlimited.
type BatchPolicy struct {
	MaxIntents  int
	MaxPathSpan int
}

// DefaultBatchPolicy bounds batches to 64 intents over 256 nodes.
var DefaultBatchPolicy = BatchPolicy{MaxIntents: 64, MaxPathSpan: 256}

// NewBatch starts an empty batch for snapshot.
func NewBatch(snapshot ids.Hash32, policy BatchPolicy) *Batch {
	return &Batch{SnapshotCommitment: snapshot, limits: policy}
}

// Add appends candidate if it has the batch's snapshot, conflicts with
// no member, and keeps the batch inside its policy.
func (b *Batch) Add(candidate Intent) error {
	if candidate.SnapshotCommitment != b.SnapshotCommitment {
		return fmt.Errorf("%w: %s has %s, batch has %s",
			ErrSnapshotMismatch, candidate.ID, candidate.SnapshotCommitment.Short(), b.SnapshotCommitment.Short())
	}
	for _, member := range b.Intents {
		if ConflictsWith(member, candidate) {
			return fmt.Errorf("%w: %s and %s", ErrConflict, candidate.ID, member.ID)
		}
	}
	if b.limits.MaxIntents > 0 && len(b.Intents) >= b.limits.MaxIntents {
		return ErrBatchFull
	}
	combined := unionSpans(b.CombinedPathSpan, candidate.PathSpan)
	if b.limits.MaxPathSpan > 0 && len(combined) > b.limits.MaxPathSpan {
		return fmt.Errorf("%w: %d nodes, limit %d", ErrSpanTooLarge, len(combined), b.limits.MaxPathSpan)
	}
	b.Intents = append(b.Intents, candidate)
	b.CombinedPathSpan = combined
	return nil
}

// IDs returns the member ids in batch order.
func (b *Batch) IDs() []ids.IntentID {
	out := make([]ids.IntentID, len(b.Intents))
	for i, member := range b.Intents {
		out[i] = member.ID
	}
	return out
}

// Len returns the number of members.
func (b *Batch) Len() int { return len(b.Intents) }

func unionSpans(a, b []ids.NodeIndex) []ids.NodeIndex {
	out := make([]ids.NodeIndex, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	slices.Sort(out)
	return slices.Compact(out)
}
