// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package timestamp defines the time domains Aura facts are stamped
// with and the two ways of ordering them.
//
// A TimeStamp lives in exactly one domain:
//
//   - Physical: wall-clock milliseconds with optional uncertainty.
//   - Logical: a vector clock plus a Lamport counter.
//   - Order: 32 opaque bytes that sort totally and reveal no wall-clock
//     information. Use it where a fact must be ordered but its creation
//     time must not leak.
//   - Range: an interval [EarliestMs, LatestMs] with a confidence.
//
// Compare is the semantic comparison: it reports Before, After,
// Concurrent, Overlapping or Incomparable, and never invents an order
// between domains. SortCompare is the storage comparison: a total,
// deterministic order usable as a sort key, falling back to IndexMs
// across domains.
package timestamp

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"fmt"
	"slices"
)

// Domain tags which field of a TimeStamp is populated.
type Domain uint8

const (
	PhysicalDomain Domain = iota + 1
	LogicalDomain
	OrderDomain
	RangeDomain
)

func (d Domain) String() string {
	switch d {
	case PhysicalDomain:
		return "physical"
	case LogicalDomain:
		return "logical"
	case OrderDomain:
		return "order"
	case RangeDomain:
		return "range"
	default:
		return fmt.Sprintf("domain(%d)", uint8(d))
	}
}

// Ordering is the result of a semantic comparison.
type Ordering uint8

const (
	Before Ordering = iota
	After
	// Concurrent: equal instants, or causally unrelated logical times
	// under DeterministicTieBreak.
	Concurrent
	// Overlapping: two ranges share at least one instant.
	Overlapping
	// Incomparable: different domains, or causally unrelated logical
	// times under Native.
	Incomparable
)

func (o Ordering) String() string {
	switch o {
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	case Overlapping:
		return "overlapping"
	case Incomparable:
		return "incomparable"
	default:
		return fmt.Sprintf("ordering(%d)", uint8(o))
	}
}

// Policy selects how Compare treats causally unrelated logical times.
type Policy uint8

const (
	// Native reports Incomparable for unrelated vector clocks.
	Native Policy = iota
	// DeterministicTieBreak reports Concurrent for them instead.
	DeterministicTieBreak
)

// Confidence grades a RangeTime.
type Confidence uint8

const (
	LowConfidence Confidence = iota
	MediumConfidence
	HighConfidence
)

// PhysicalTime is wall-clock time in milliseconds since the Unix
// epoch. Uncertainty, when set, is the clock error bound in
// milliseconds.
type PhysicalTime struct {
	TsMs        uint64  `cbor:"1,keyasint"`
	Uncertainty *uint64 `cbor:"2,keyasint,omitempty"`
}

// LogicalTime pairs a vector clock with a Lamport counter.
type LogicalTime struct {
	Vector  VectorClock `cbor:"1,keyasint"`
	Lamport uint64      `cbor:"2,keyasint"`
}

// OrderTime is an opaque totally ordered token.
type OrderTime [32]byte

// RangeTime is a time known only to lie within an interval.
type RangeTime struct {
	EarliestMs uint64     `cbor:"1,keyasint"`
	LatestMs   uint64     `cbor:"2,keyasint"`
	Confidence Confidence `cbor:"3,keyasint"`
}

// TimeStamp is a value in one of the four time domains. Exactly the
// field named by Domain is set. Use the constructors rather than
// building the struct directly.
type TimeStamp struct {
	Domain   Domain        `cbor:"1,keyasint"`
	Physical *PhysicalTime `cbor:"2,keyasint,omitempty"`
	Logical  *LogicalTime  `cbor:"3,keyasint,omitempty"`
	Order    *OrderTime    `cbor:"4,keyasint,omitempty"`
	Range    *RangeTime    `cbor:"5,keyasint,omitempty"`
}

// Physical returns a physical-domain timestamp.
func Physical(ms uint64) TimeStamp {
	return TimeStamp{Domain: PhysicalDomain, Physical: &PhysicalTime{TsMs: ms}}
}

// PhysicalWithUncertainty returns a physical-domain timestamp with an
// error bound.
func PhysicalWithUncertainty(ms, uncertaintyMs uint64) TimeStamp {
	return TimeStamp{Domain: PhysicalDomain, Physical: &PhysicalTime{TsMs: ms, Uncertainty: &uncertaintyMs}}
}

// Logical returns a logical-domain timestamp. The vector is copied.
func Logical(t LogicalTime) TimeStamp {
	t.Vector = t.Vector.Clone()
	return TimeStamp{Domain: LogicalDomain, Logical: &t}
}

// Order returns an order-domain timestamp.
func Order(token OrderTime) TimeStamp {
	return TimeStamp{Domain: OrderDomain, Order: &token}
}

// Range returns a range-domain timestamp.
func Range(earliestMs, latestMs uint64, confidence Confidence) TimeStamp {
	return TimeStamp{Domain: RangeDomain, Range: &RangeTime{EarliestMs: earliestMs, LatestMs: latestMs, Confidence: confidence}}
}

// Validate checks that exactly the field named by Domain is populated
// and that a range is not inverted.
func (t TimeStamp) Validate() error {
	set := 0
	for _, present := range []bool{t.Physical != nil, t.Logical != nil, t.Order != nil, t.Range != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("timestamp: %d domain fields set, want 1", set)
	}
	var ok bool
	switch t.Domain {
	case PhysicalDomain:
		ok = t.Physical != nil
	case LogicalDomain:
		ok = t.Logical != nil
	case OrderDomain:
		ok = t.Order != nil
	case RangeDomain:
		ok = t.Range != nil
		if ok && t.Range.EarliestMs > t.Range.LatestMs {
			return fmt.Errorf("timestamp: range earliest %d after latest %d", t.Range.EarliestMs, t.Range.LatestMs)
		}
	}
	if !ok {
		return fmt.Errorf("timestamp: domain %s does not match populated field", t.Domain)
	}
	return nil
}

// IndexMs projects the timestamp onto a single integer axis: physical
// milliseconds, the Lamport counter, the first eight bytes of an order
// token read big-endian, or a range's latest instant. The projection
// is only meaningful as a deterministic fallback sort key.
func (t TimeStamp) IndexMs() uint64 {
	switch t.Domain {
	case PhysicalDomain:
		return t.Physical.TsMs
	case LogicalDomain:
		return t.Logical.Lamport
	case OrderDomain:
		return binary.BigEndian.Uint64(t.Order[:8])
	case RangeDomain:
		return t.Range.LatestMs
	default:
		return 0
	}
}

// Compare orders t against other. Timestamps in different domains are
// Incomparable regardless of policy.
func (t TimeStamp) Compare(other TimeStamp, policy Policy) Ordering {
	if t.Domain != other.Domain {
		return Incomparable
	}
	switch t.Domain {
	case PhysicalDomain:
		return orderingOf(cmp.Compare(t.Physical.TsMs, other.Physical.TsMs))
	case OrderDomain:
		return orderingOf(bytes.Compare(t.Order[:], other.Order[:]))
	case RangeDomain:
		switch {
		case t.Range.LatestMs < other.Range.EarliestMs:
			return Before
		case other.Range.LatestMs < t.Range.EarliestMs:
			return After
		default:
			return Overlapping
		}
	case LogicalDomain:
		switch t.Logical.Vector.Compare(other.Logical.Vector) {
		case Less:
			return Before
		case Greater:
			return After
		case Equal:
			return Concurrent
		default:
			if policy == DeterministicTieBreak {
				return Concurrent
			}
			return Incomparable
		}
	default:
		return Incomparable
	}
}

// SortCompare returns a total order over timestamps suitable for sort
// keys: negative if t sorts first, positive if other does, zero if
// they are interchangeable. Within a domain it refines Compare;
// across domains it orders by IndexMs and then by domain tag.
func (t TimeStamp) SortCompare(other TimeStamp, policy Policy) int {
	if t.Domain != other.Domain {
		if c := cmp.Compare(t.IndexMs(), other.IndexMs()); c != 0 {
			return c
		}
		return cmp.Compare(t.Domain, other.Domain)
	}
	switch t.Domain {
	case PhysicalDomain:
		return cmp.Compare(t.Physical.TsMs, other.Physical.TsMs)
	case OrderDomain:
		return bytes.Compare(t.Order[:], other.Order[:])
	case RangeDomain:
		switch {
		case t.Range.LatestMs < other.Range.EarliestMs:
			return -1
		case other.Range.LatestMs < t.Range.EarliestMs:
			return 1
		default:
			if c := cmp.Compare(t.Range.LatestMs, other.Range.LatestMs); c != 0 {
				return c
			}
			return cmp.Compare(t.Range.EarliestMs, other.Range.EarliestMs)
		}
	case LogicalDomain:
		switch t.Compare(other, policy) {
		case Before:
			return -1
		case After:
			return 1
		case Concurrent:
			if policy == DeterministicTieBreak {
				return cmp.Compare(t.Logical.Lamport, other.Logical.Lamport)
			}
			return 0
		default:
			return cmp.Compare(t.Logical.Lamport, other.Logical.Lamport)
		}
	default:
		return 0
	}
}

// Sort orders stamps in place by SortCompare. The sort is stable so
// interchangeable stamps keep their input order.
func Sort(stamps []TimeStamp, policy Policy) {
	slices.SortStableFunc(stamps, func(a, b TimeStamp) int {
		return a.SortCompare(b, policy)
	})
}

func orderingOf(c int) Ordering {
	switch {
	case c < 0:
		return Before
	case c > 0:
		return After
	default:
		return Concurrent
	}
}

func (t TimeStamp) String() string {
	switch t.Domain {
	case PhysicalDomain:
		return fmt.Sprintf("physical:%d", t.Physical.TsMs)
	case LogicalDomain:
		return fmt.Sprintf("logical:%d", t.Logical.Lamport)
	case OrderDomain:
		return fmt.Sprintf("order:%x", t.Order[:8])
	case RangeDomain:
		return fmt.Sprintf("range:%d-%d", t.Range.EarliestMs, t.Range.LatestMs)
	default:
		return "timestamp:invalid"
	}
}
