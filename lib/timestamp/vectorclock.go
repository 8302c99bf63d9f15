// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timestamp

import (
	"maps"

	"github.com/hxrts/aura-sub026/lib/ids"
)

// PartialOrder is the result of comparing two vector clocks.
type PartialOrder uint8

const (
	Equal PartialOrder = iota
	Less
	Greater
	Unordered
)

// VectorClock maps each device to the number of events it has
// observed from that device. Missing entries count as zero.
type VectorClock map[ids.DeviceID]uint64

// Clone returns an independent copy.
func (v VectorClock) Clone() VectorClock {
	if v == nil {
		return nil
	}
	return maps.Clone(v)
}

// Get returns the counter for device.
func (v VectorClock) Get(device ids.DeviceID) uint64 { return v[device] }

// Increment advances device's counter by one and returns the new
// value. v must be non-nil.
func (v VectorClock) Increment(device ids.DeviceID) uint64 {
	v[device]++
	return v[device]
}

// Merge raises every counter in v to at least its value in other.
func (v VectorClock) Merge(other VectorClock) {
	for device, count := range other {
		if count > v[device] {
			v[device] = count
		}
	}
}

// lessOrEqual reports whether every counter in v is at most the
// corresponding counter in other.
func (v VectorClock) lessOrEqual(other VectorClock) bool {
	for device, count := range v {
		if count > other[device] {
			return false
		}
	}
	return true
}

// Compare returns the causal relation between v and other.
func (v VectorClock) Compare(other VectorClock) PartialOrder {
	le := v.lessOrEqual(other)
	ge := other.lessOrEqual(v)
	switch {
	case le && ge:
		return Equal
	case le:
		return Less
	case ge:
		return Greater
	default:
		return Unordered
	}
}

// Tick records a local event on device: the device's vector entry and
// the Lamport counter both advance. The receiver is modified in place.
func (t *LogicalTime) Tick(device ids.DeviceID) {
	if t.Vector == nil {
		t.Vector = VectorClock{}
	}
	t.Vector.Increment(device)
	t.Lamport++
}

// Observe folds a received logical time into t and then ticks for the
// receiving device, per Lamport's receive rule.
func (t *LogicalTime) Observe(received LogicalTime, device ids.DeviceID) {
	if t.Vector == nil {
		t.Vector = VectorClock{}
	}
	t.Vector.Merge(received.Vector)
	t.Lamport = max(t.Lamport, received.Lamport)
	t.Tick(device)
}
