// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package crdt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/btree"

	"github.com/hxrts/aura-sub026/intent"
	"github.com/hxrts/aura-sub026/lib/codec"
	"github.com/hxrts/aura-sub026/lib/digest"
	"github.com/hxrts/aura-sub026/lib/ids"
)

const btreeDegree = 16

type item struct {
	key  Key
	fact Fact
	data []byte
}

func lessItem(a, b item) bool { return a.key.Compare(b.key) < 0 }

// Registry holds the current joined value of every fact key. All
// methods are safe for concurrent use.
type Registry struct {
	store  Store
	logger *slog.Logger

	mu    sync.RWMutex
	types map[string]Type
	facts *btree.BTreeG[item]
}

// NewRegistry returns a registry with the built-in fact types
// registered. A nil store keeps facts in memory only.
func NewRegistry(store Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	registry := &Registry{
		store:  store,
		logger: logger,
		types:  make(map[string]Type),
		facts:  btree.NewG(btreeDegree, lessItem),
	}
	for _, builtin := range BuiltinTypes() {
		// Built-in ids are distinct constants.
		_ = registry.Register(builtin)
	}
	return registry
}

// BuiltinTypes returns the fact types every registry understands.
func BuiltinTypes() []Type {
	return []Type{
		moderationType(Mute),
		moderationType(Ban),
		moderationType(Pin),
		relationshipType,
		sealedBlobType,
		{
			ID: intent.SetTypeID,
			Decode: func(data []byte) (Fact, error) {
				fact, err := intent.DecodeSetFact(data)
				if err != nil {
					return nil, fmt.Errorf("%w: %v", ErrMalformedFact, err)
				}
				return fact, nil
			},
			Join: joinAs(intent.JoinSets),
		},
	}
}

// Register adds a fact type. Registering an id twice fails.
func (r *Registry) Register(factType Type) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[factType.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateType, factType.ID)
	}
	r.types[factType.ID] = factType
	return nil
}

// Load reads every stored record into the registry, joining with any
// facts already present.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	records, err := r.store.Load(ctx)
	if err != nil {
		return err
	}
	loaded := 0
	for _, record := range records {
		fact, err := r.decode(record)
		if err != nil {
			return fmt.Errorf("crdt: loading %s: %w", record.Key, err)
		}
		// Already persisted.
		if _, err := r.put(ctx, fact, false); err != nil {
			return err
		}
		loaded++
	}
	r.logger.Debug("fact registry loaded", "facts", loaded)
	return nil
}

// Put joins fact into the registry and reports whether the stored
// value changed.
func (r *Registry) Put(ctx context.Context, fact Fact) (bool, error) {
	return r.put(ctx, fact, true)
}

func (r *Registry) put(ctx context.Context, fact Fact, persist bool) (bool, error) {
	key := KeyOf(fact)
	r.mu.Lock()
	defer r.mu.Unlock()
	factType, ok := r.types[key.TypeID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownType, key.TypeID)
	}

	joined := fact
	existing, found := r.facts.Get(item{key: key})
	if found {
		var err error
		joined, err = factType.Join(existing.fact, fact)
		if err != nil {
			return false, err
		}
	}
	data, err := joined.Encode()
	if err != nil {
		return false, fmt.Errorf("crdt: encoding %s: %w", key, err)
	}
	if found && bytes.Equal(data, existing.data) {
		return false, nil
	}
	if persist && r.store != nil {
		if err := r.store.Put(ctx, Record{Key: key, Data: data}); err != nil {
			return false, err
		}
	}
	r.facts.ReplaceOrInsert(item{key: key, fact: joined, data: data})
	return true, nil
}

// Snapshot returns the encoded record under key, for a later Restore.
func (r *Registry) Snapshot(key Key) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	existing, ok := r.facts.Get(item{key: key})
	if !ok {
		return Record{}, false
	}
	return Record{Key: key, Data: existing.data}, true
}

// Restore puts key back to a value taken with Snapshot, or removes it
// when present is false. Restore moves backwards in the join order, so
// it is only correct for writes no other replica has seen yet.
func (r *Registry) Restore(ctx context.Context, key Key, prior Record, present bool) error {
	if !present {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.store != nil {
			if err := r.store.Delete(ctx, key); err != nil {
				return err
			}
		}
		r.facts.Delete(item{key: key})
		return nil
	}
	fact, err := r.decode(prior)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.store != nil {
		if err := r.store.Put(ctx, prior); err != nil {
			return err
		}
	}
	r.facts.ReplaceOrInsert(item{key: key, fact: fact, data: prior.Data})
	return nil
}

// Get returns the joined fact stored under key.
func (r *Registry) Get(key Key) (Fact, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	existing, ok := r.facts.Get(item{key: key})
	if !ok {
		return nil, false
	}
	return existing.fact, true
}

// Range calls fn for each fact of typeID in context, in subject order,
// until fn returns false.
func (r *Registry) Range(typeID string, context ids.ContextID, fn func(Fact) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	r.facts.AscendGreaterOrEqual(item{key: Key{TypeID: typeID, Context: context}}, func(candidate item) bool {
		if candidate.key.TypeID != typeID || candidate.key.Context != context {
			return false
		}
		return fn(candidate.fact)
	})
}

// Len returns the number of fact keys.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.facts.Len()
}

// Export returns every fact as a record in key order.
func (r *Registry) Export() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	records := make([]Record, 0, r.facts.Len())
	r.facts.Ascend(func(current item) bool {
		records = append(records, Record{Key: current.key, Data: current.data})
		return true
	})
	return records
}

// Merge joins remote records into the registry and returns how many
// keys changed. Records of types this registry does not know are
// skipped so newer peers can replicate types older ones ignore.
func (r *Registry) Merge(ctx context.Context, records []Record) (int, error) {
	changed := 0
	for _, record := range records {
		fact, err := r.decode(record)
		if err != nil {
			if errors.Is(err, ErrUnknownType) {
				r.logger.Debug("skipping fact of unknown type", "key", record.Key.String())
				continue
			}
			return changed, err
		}
		updated, err := r.Put(ctx, fact)
		if err != nil {
			return changed, err
		}
		if updated {
			changed++
		}
	}
	return changed, nil
}

func (r *Registry) decode(record Record) (Fact, error) {
	r.mu.RLock()
	factType, ok := r.types[record.Key.TypeID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, record.Key.TypeID)
	}
	fact, err := factType.Decode(record.Data)
	if err != nil {
		return nil, err
	}
	if KeyOf(fact) != record.Key {
		return nil, fmt.Errorf("%w: record %s holds a fact for %s", ErrKeyMismatch, record.Key, KeyOf(fact))
	}
	return fact, nil
}

// Digest commits to the registry's full contents. Registries holding
// the same joined facts have equal digests.
func (r *Registry) Digest() ids.Hash32 {
	hasher := digest.NewKeyed(digest.FactsDomain)
	r.mu.RLock()
	defer r.mu.RUnlock()
	r.facts.Ascend(func(current item) bool {
		w := codec.NewWriter(len(current.data) + 64)
		w.String(current.key.TypeID)
		w.Fixed(current.key.Context[:])
		w.String(current.key.Subject)
		w.Bytes(current.data)
		hasher.Write(w.Data())
		return true
	})
	return hasher.Sum()
}
