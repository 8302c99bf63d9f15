// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"sync"
)

// Dynamic is an observable value with a version counter. Every Set
// bumps the version and wakes waiters; readers remember the last
// version they saw and compare on Poll or block in Wait.
type Dynamic[T any] struct {
	mu      sync.RWMutex
	value   T
	version uint64
	changed chan struct{}
}

func NewDynamic[T any](initial T) *Dynamic[T] {
	return &Dynamic[T]{value: initial, changed: make(chan struct{})}
}

// Get returns the current value and its version.
func (d *Dynamic[T]) Get() (T, uint64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.value, d.version
}

// Set replaces the value and returns the new version.
func (d *Dynamic[T]) Set(value T) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setLocked(value)
}

// Update replaces the value with fn applied to it, atomically with
// respect to other writers.
func (d *Dynamic[T]) Update(fn func(T) T) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setLocked(fn(d.value))
}

func (d *Dynamic[T]) setLocked(value T) uint64 {
	d.value = value
	d.version++
	close(d.changed)
	d.changed = make(chan struct{})
	return d.version
}

// Poll reports whether the value moved past lastSeen.
func (d *Dynamic[T]) Poll(lastSeen uint64) (T, uint64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.value, d.version, d.version != lastSeen
}

// Wait blocks until the version moves past lastSeen or ctx is done.
func (d *Dynamic[T]) Wait(ctx context.Context, lastSeen uint64) (T, uint64, error) {
	for {
		d.mu.RLock()
		value, version, changed := d.value, d.version, d.changed
		d.mu.RUnlock()
		if version != lastSeen {
			return value, version, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			var zero T
			return zero, lastSeen, ctx.Err()
		}
	}
}

// Derive keeps dst equal to fn of src until ctx is done. Intermediate
// values of src may be skipped; the latest one is always propagated.
func Derive[A, B any](ctx context.Context, src *Dynamic[A], dst *Dynamic[B], fn func(A) B) error {
	value, version := src.Get()
	dst.Set(fn(value))
	for {
		next, nextVersion, err := src.Wait(ctx, version)
		if err != nil {
			return nil
		}
		version = nextVersion
		dst.Set(fn(next))
	}
}
