// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package intent

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/hxrts/aura-sub026/lib/codec"
	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
)

// SetTypeID is the fact type of the replicated intent set.
const SetTypeID = "aura.intent.set"

// ErrForeignContext is returned when merging a set from another
// account context.
var ErrForeignContext = failure.New(failure.InvalidInput, "intent: set belongs to another context")

// Tag identifies one add of an element to the set. Each replica numbers
// its own adds, so tags are unique without coordination.
type Tag struct {
	Replica ids.DeviceID `cbor:"1,keyasint"`
	Seq     uint64       `cbor:"2,keyasint"`
}

func compareTags(a, b Tag) int {
	if c := a.Replica.Compare(b.Replica); c != 0 {
		return c
	}
	return cmp.Compare(a.Seq, b.Seq)
}

type entry struct {
	intent Intent
	tags   map[Tag]struct{}
}

// Pool is an observed-remove set of intents. Enqueue adds under a
// fresh tag; Tombstone removes every tag this replica has observed for
// the id. An add made concurrently on another replica carries a tag the
// tombstone never saw and survives the merge; an add the remover had
// observed does not. Pool is safe for concurrent use.
type Pool struct {
	replica ids.DeviceID
	context ids.ContextID

	mu         sync.RWMutex
	seq        uint64
	entries    map[ids.IntentID]*entry
	tombstones map[Tag]struct{}
	statuses   map[ids.IntentID]Status
}

// NewPool returns an empty pool for the account context, adding under
// replica's tags.
func NewPool(replica ids.DeviceID, context ids.ContextID) *Pool {
	return &Pool{
		replica:    replica,
		context:    context,
		entries:    make(map[ids.IntentID]*entry),
		tombstones: make(map[Tag]struct{}),
		statuses:   make(map[ids.IntentID]Status),
	}
}

func (e *entry) live(tombstones map[Tag]struct{}) bool {
	for tag := range e.tags {
		if _, removed := tombstones[tag]; !removed {
			return true
		}
	}
	return false
}

// Enqueue adds intent. It is idempotent by id: enqueuing an id the
// pool has already seen, present or removed, returns false and changes
// nothing.
func (p *Pool) Enqueue(intent Intent) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, seen := p.entries[intent.ID]; seen {
		return false
	}
	p.seq++
	p.entries[intent.ID] = &entry{
		intent: intent,
		tags:   map[Tag]struct{}{{Replica: p.replica, Seq: p.seq}: {}},
	}
	p.statuses[intent.ID] = Pending
	return true
}

// Tombstone removes id from the set and records it as completed.
// Returns false if id was not present.
func (p *Pool) Tombstone(id ids.IntentID) bool {
	return p.remove(id, Completed)
}

func (p *Pool) remove(id ids.IntentID, status Status) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	existing, ok := p.entries[id]
	if !ok || !existing.live(p.tombstones) {
		return false
	}
	for tag := range existing.tags {
		p.tombstones[tag] = struct{}{}
	}
	p.statuses[id] = status
	return true
}

// Get returns the intent with id if it is present.
func (p *Pool) Get(id ids.IntentID) (Intent, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	existing, ok := p.entries[id]
	if !ok || !existing.live(p.tombstones) {
		return Intent{}, false
	}
	return existing.intent, true
}

// Status returns the local status of id. Ids this replica never saw
// report zero.
func (p *Pool) Status(id ids.IntentID) Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.statuses[id]
}

// SetStatus records a local status for a present intent. Completed and
// Superseded remove the intent; use Tombstone and SupersedeStale for
// those.
func (p *Pool) SetStatus(id ids.IntentID, status Status) error {
	if status == Completed || status == Superseded {
		return fmt.Errorf("intent: status %s is set by removal", status)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	existing, ok := p.entries[id]
	if !ok || !existing.live(p.tombstones) {
		return fmt.Errorf("intent: %s is not in the pool", id)
	}
	p.statuses[id] = status
	return nil
}

// Intents returns every present intent in rank order.
func (p *Pool) Intents() []Intent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Intent
	for _, existing := range p.entries {
		if existing.live(p.tombstones) {
			out = append(out, existing.intent)
		}
	}
	slices.SortFunc(out, CompareRank)
	return out
}

// Len returns the number of present intents.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	count := 0
	for _, existing := range p.entries {
		if existing.live(p.tombstones) {
			count++
		}
	}
	return count
}

// Stale returns the present intents whose snapshot is not current.
func (p *Pool) Stale(current ids.Hash32) []Intent {
	var out []Intent
	for _, candidate := range p.Intents() {
		if candidate.IsStale(current) {
			out = append(out, candidate)
		}
	}
	return out
}

// SupersedeStale removes every stale intent and returns them.
func (p *Pool) SupersedeStale(current ids.Hash32) []Intent {
	stale := p.Stale(current)
	for _, candidate := range stale {
		p.remove(candidate.ID, Superseded)
	}
	return stale
}

// SelectBatch draws the highest-ranked conflict-free batch of pending
// intents proposed against current. Stale intents are never selected.
func (p *Pool) SelectBatch(current ids.Hash32, policy BatchPolicy) *Batch {
	batch := NewBatch(current, policy)
	p.mu.RLock()
	var candidates []Intent
	for id, existing := range p.entries {
		if !existing.live(p.tombstones) || p.statuses[id] != Pending {
			continue
		}
		if existing.intent.SnapshotCommitment == current {
			candidates = append(candidates, existing.intent)
		}
	}
	p.mu.RUnlock()

	slices.SortFunc(candidates, CompareRank)
	for _, candidate := range candidates {
		if err := batch.Add(candidate); errors.Is(err, ErrBatchFull) {
			break
		}
	}
	return batch
}

// SetFact is the replicated state of a pool.
type SetFact struct {
	Context    ids.ContextID `cbor:"1,keyasint"`
	Entries    []SetEntry    `cbor:"2,keyasint"`
	Tombstones []Tag         `cbor:"3,keyasint"`
}

// SetEntry is one element with every tag it was added under.
type SetEntry struct {
	Intent Intent `cbor:"1,keyasint"`
	Tags   []Tag  `cbor:"2,keyasint"`
}

func (SetFact) TypeID() string { return SetTypeID }

func (f SetFact) ContextID() ids.ContextID { return f.Context }

// SubjectKey is empty: an account context has exactly one intent set.
func (SetFact) SubjectKey() string { return "" }

func (f SetFact) Encode() ([]byte, error) { return codec.Marshal(f) }

// DecodeSetFact decodes a set written by Encode.
func DecodeSetFact(data []byte) (SetFact, error) {
	var fact SetFact
	if err := codec.Unmarshal(data, &fact); err != nil {
		return SetFact{}, fmt.Errorf("intent: decoding set: %w", err)
	}
	return fact, nil
}

// JoinSets returns the union of a and b's adds and tombstones, the
// OR-Set join. It is commutative, associative and idempotent.
func JoinSets(a, b SetFact) (SetFact, error) {
	if a.Context != b.Context {
		return SetFact{}, fmt.Errorf("%w: %s and %s", ErrForeignContext, a.Context, b.Context)
	}
	entries := make(map[ids.IntentID]*entry)
	tombstones := make(map[Tag]struct{})
	for _, fact := range []SetFact{a, b} {
		absorb(entries, tombstones, fact)
	}
	return export(a.Context, entries, tombstones), nil
}

func absorb(entries map[ids.IntentID]*entry, tombstones map[Tag]struct{}, fact SetFact) {
	for _, incoming := range fact.Entries {
		existing, ok := entries[incoming.Intent.ID]
		if !ok {
			existing = &entry{intent: incoming.Intent, tags: make(map[Tag]struct{})}
			entries[incoming.Intent.ID] = existing
		}
		for _, tag := range incoming.Tags {
			existing.tags[tag] = struct{}{}
		}
	}
	for _, tag := range fact.Tombstones {
		tombstones[tag] = struct{}{}
	}
}

func export(context ids.ContextID, entries map[ids.IntentID]*entry, tombstones map[Tag]struct{}) SetFact {
	fact := SetFact{Context: context}
	for _, existing := range entries {
		tags := make([]Tag, 0, len(existing.tags))
		for tag := range existing.tags {
			tags = append(tags, tag)
		}
		slices.SortFunc(tags, compareTags)
		fact.Entries = append(fact.Entries, SetEntry{Intent: existing.intent, Tags: tags})
	}
	slices.SortFunc(fact.Entries, func(a, b SetEntry) int { return a.Intent.ID.Compare(b.Intent.ID) })
	for tag := range tombstones {
		fact.Tombstones = append(fact.Tombstones, tag)
	}
	slices.SortFunc(fact.Tombstones, compareTags)
	return fact
}

// State exports the pool's replicated state.
func (p *Pool) State() SetFact {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return export(p.context, p.entries, p.tombstones)
}

// Merge joins a remote replica's state into the pool. Newly present
// intents become pending; intents the remote removed leave the pool.
func (p *Pool) Merge(remote SetFact) error {
	if remote.Context != p.context {
		return fmt.Errorf("%w: %s, pool is %s", ErrForeignContext, remote.Context, p.context)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	absorb(p.entries, p.tombstones, remote)
	// A restored replica must not reuse its own tags.
	for _, incoming := range remote.Entries {
		for _, tag := range incoming.Tags {
			if tag.Replica == p.replica && tag.Seq > p.seq {
				p.seq = tag.Seq
			}
		}
	}
	for id, existing := range p.entries {
		live := existing.live(p.tombstones)
		status, seen := p.statuses[id]
		switch {
		case live && (!seen || status == Completed || status == Superseded):
			p.statuses[id] = Pending
		case !live && (status == Pending || status == Executing || status == Failed):
			p.statuses[id] = Completed
		}
	}
	return nil
}
