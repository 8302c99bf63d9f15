// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package antientropy reconciles op logs and CRDT facts between peers.
//
// A round with a peer exchanges digests, compares them, pulls the ops
// the local log lacks and pushes the ops the peer lacks. Received ops
// are verified by applying them to the ledger; ops whose parent has not
// arrived yet wait in a bounded buffer until it does. When the fact
// hashes differ the CRDT registries and intent pools are exchanged and
// joined.
//
// Digests carry the op-id set exactly by default. With a Bloom
// configuration they carry a Bloom filter instead, which cannot list
// the peer's ids, so pulls fall back to index ranges.
package antientropy

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/bits-and-blooms/bitset"

	"github.com/hxrts/aura-sub026/ledger"
	"github.com/hxrts/aura-sub026/lib/config"
	"github.com/hxrts/aura-sub026/lib/digest"
	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
)

var (
	ErrInvalidBloom = failure.New(failure.InvalidInput, "antientropy: invalid bloom filter parameters")
	ErrBadDigest    = failure.New(failure.InvalidInput, "antientropy: malformed digest")
)

// MaxFalsePositiveRate is the loosest Bloom configuration accepted.
const MaxFalsePositiveRate = 0.01

// DigestStatus is how a local digest relates to a remote one.
type DigestStatus uint8

const (
	Equal DigestStatus = iota + 1
	LocalBehind
	RemoteBehind
	Diverged
)

func (s DigestStatus) String() string {
	switch s {
	case Equal:
		return "equal"
	case LocalBehind:
		return "local_behind"
	case RemoteBehind:
		return "remote_behind"
	case Diverged:
		return "diverged"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// BloomParams sizes a Bloom filter digest.
type BloomParams struct {
	Bits   uint64 `cbor:"1,keyasint"`
	Hashes uint8  `cbor:"2,keyasint"`
}

// Digest summarizes a replica for comparison.
type Digest struct {
	Journal  ledger.Digest `cbor:"1,keyasint"`
	FactHash ids.Hash32    `cbor:"2,keyasint"`
	// Filter is the op-id set: the concatenated ids when Bloom is nil,
	// otherwise the marshalled filter bits.
	Filter []byte       `cbor:"3,keyasint"`
	Count  uint64       `cbor:"4,keyasint"`
	Bloom  *BloomParams `cbor:"5,keyasint,omitempty"`

	filter *BloomFilter
}

// NewDigest summarizes book. A nil bloom produces an exact digest.
func NewDigest(book *ledger.Ledger, factHash ids.Hash32, bloom *config.BloomConfig) (Digest, error) {
	opIDs := book.OpIDs()
	d := Digest{Journal: book.Digest(), FactHash: factHash, Count: uint64(len(opIDs))}
	if bloom == nil {
		d.Filter = make([]byte, 0, len(opIDs)*len(ids.Hash32{}))
		for _, id := range opIDs {
			d.Filter = append(d.Filter, id[:]...)
		}
		return d, nil
	}
	filter, err := NewBloomFilter(max(bloom.ExpectedItems, len(opIDs)), bloom.FalsePositiveRate)
	if err != nil {
		return Digest{}, err
	}
	for _, id := range opIDs {
		filter.Add(id)
	}
	d.Filter, err = filter.bits.MarshalBinary()
	if err != nil {
		return Digest{}, fmt.Errorf("encoding bloom filter: %w", err)
	}
	d.Bloom = &BloomParams{Bits: filter.size, Hashes: filter.hashes}
	d.filter = filter
	return d, nil
}

// Exact reports whether the digest lists its op ids.
func (d Digest) Exact() bool { return d.Bloom == nil }

// IDs returns the op ids of an exact digest.
func (d Digest) IDs() ([]ids.Hash32, error) {
	if !d.Exact() {
		return nil, fmt.Errorf("%w: bloom digests do not list ids", ErrBadDigest)
	}
	size := len(ids.Hash32{})
	if len(d.Filter)%size != 0 || uint64(len(d.Filter)/size) != d.Count {
		return nil, fmt.Errorf("%w: %d filter bytes for %d ids", ErrBadDigest, len(d.Filter), d.Count)
	}
	out := make([]ids.Hash32, d.Count)
	for i := range out {
		copy(out[i][:], d.Filter[i*size:])
	}
	return out, nil
}

// Contains reports whether id may be in the digest's set. Exact
// digests never answer falsely; Bloom digests may report false
// positives.
func (d *Digest) Contains(id ids.Hash32) (bool, error) {
	if d.Exact() {
		all, err := d.IDs()
		if err != nil {
			return false, err
		}
		for _, candidate := range all {
			if candidate == id {
				return true, nil
			}
		}
		return false, nil
	}
	if d.filter == nil {
		filter, err := decodeBloom(*d.Bloom, d.Filter)
		if err != nil {
			return false, err
		}
		d.filter = filter
	}
	return d.filter.Contains(id), nil
}

// Compare classifies local against remote. Digests are equal when op
// count, op hash and fact hash all agree; otherwise the side with
// fewer ops is behind, and equal counts with different contents have
// diverged.
func Compare(local, remote Digest) DigestStatus {
	if local.Journal.OperationCount == remote.Journal.OperationCount &&
		local.Journal.OperationHash == remote.Journal.OperationHash &&
		local.FactHash == remote.FactHash {
		return Equal
	}
	switch {
	case local.Journal.OperationCount < remote.Journal.OperationCount:
		return LocalBehind
	case local.Journal.OperationCount > remote.Journal.OperationCount:
		return RemoteBehind
	default:
		return Diverged
	}
}

// Request asks a peer for ops: the ids listed, or failing that up to
// MaxOps ops of its log starting at FromIndex.
type Request struct {
	FromIndex uint64       `cbor:"1,keyasint"`
	MaxOps    int          `cbor:"2,keyasint"`
	Missing   []ids.Hash32 `cbor:"3,keyasint,omitempty"`
}

// PlanRequest returns the pull request for status, or false if there is
// nothing to pull. Exact remote digests produce targeted requests.
func PlanRequest(local, remote Digest, localIDs map[ids.Hash32]bool, maxOps int) (Request, bool, error) {
	status := Compare(local, remote)
	if status == Equal || (status == RemoteBehind && !remote.Exact()) {
		return Request{}, false, nil
	}
	if remote.Exact() {
		remoteIDs, err := remote.IDs()
		if err != nil {
			return Request{}, false, err
		}
		var missing []ids.Hash32
		for _, id := range remoteIDs {
			if !localIDs[id] {
				missing = append(missing, id)
				if len(missing) == maxOps {
					break
				}
			}
		}
		if len(missing) == 0 {
			return Request{}, false, nil
		}
		return Request{MaxOps: len(missing), Missing: missing}, true, nil
	}
	if status == LocalBehind {
		remaining := remote.Journal.OperationCount - local.Journal.OperationCount
		return Request{FromIndex: local.Journal.OperationCount, MaxOps: int(min(remaining, uint64(maxOps)))}, true, nil
	}
	return Request{FromIndex: 0, MaxOps: maxOps}, true, nil
}

// BloomFilter is a Bloom filter over op ids. Probe i of id is
// h1 + i*h2 mod size, with h1 and h2 taken from a keyed BLAKE3 hash.
type BloomFilter struct {
	bits   *bitset.BitSet
	size   uint64
	hashes uint8
}

// NewBloomFilter sizes a filter for expected items at the given false
// positive rate, which must be below MaxFalsePositiveRate.
func NewBloomFilter(expected int, falsePositiveRate float64) (*BloomFilter, error) {
	if expected <= 0 {
		return nil, fmt.Errorf("%w: expected items %d", ErrInvalidBloom, expected)
	}
	if !(falsePositiveRate > 0 && falsePositiveRate < MaxFalsePositiveRate) {
		return nil, fmt.Errorf("%w: false positive rate %g not in (0, %g)", ErrInvalidBloom, falsePositiveRate, MaxFalsePositiveRate)
	}
	size := math.Ceil(-float64(expected) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2))
	hashes := math.Round(size / float64(expected) * math.Ln2)
	hashes = min(max(hashes, 1), math.MaxUint8)
	return &BloomFilter{bits: bitset.New(uint(size)), size: uint64(size), hashes: uint8(hashes)}, nil
}

func decodeBloom(params BloomParams, data []byte) (*BloomFilter, error) {
	if params.Bits == 0 || params.Hashes == 0 {
		return nil, fmt.Errorf("%w: %d bits, %d hashes", ErrBadDigest, params.Bits, params.Hashes)
	}
	bits := new(bitset.BitSet)
	if err := bits.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadDigest, err)
	}
	if uint64(bits.Len()) < params.Bits {
		return nil, fmt.Errorf("%w: filter holds %d bits, params say %d", ErrBadDigest, bits.Len(), params.Bits)
	}
	return &BloomFilter{bits: bits, size: params.Bits, hashes: params.Hashes}, nil
}

func (f *BloomFilter) probes(id ids.Hash32) (uint64, uint64) {
	sum := digest.Keyed(digest.BloomDomain, id[:])
	return binary.LittleEndian.Uint64(sum[0:8]), binary.LittleEndian.Uint64(sum[8:16]) | 1
}

func (f *BloomFilter) Add(id ids.Hash32) {
	h1, h2 := f.probes(id)
	for i := range uint64(f.hashes) {
		f.bits.Set(uint((h1 + i*h2) % f.size))
	}
}

func (f *BloomFilter) Contains(id ids.Hash32) bool {
	h1, h2 := f.probes(id)
	for i := range uint64(f.hashes) {
		if !f.bits.Test(uint((h1 + i*h2) % f.size)) {
			return false
		}
	}
	return true
}

// Size returns the filter's bit count and probe count.
func (f *BloomFilter) Size() (bits uint64, hashes uint8) { return f.size, f.hashes }
