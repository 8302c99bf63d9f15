// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package digest provides the BLAKE3-256 hashing used across Aura:
// plain content hashes (tree commitments, prestate hashes), keyed
// domain hashes (journal digests, Bloom filter probes) and a binary
// Merkle root over ordered hash lists.
package digest

import (
	"github.com/zeebo/blake3"

	"github.com/hxrts/aura-sub026/lib/ids"
)

// Domain is a 32-byte key for BLAKE3 keyed hashing. The same input
// hashed under two domains yields unrelated digests.
type Domain [32]byte

// Domain keys are the ASCII domain name zero-padded to 32 bytes.
// Changing one invalidates every digest computed in that domain.
var (
	// OperationsDomain hashes the ordered op-id list of a journal.
	OperationsDomain = domainFromName("aura.digest.operations")

	// FactsDomain hashes the ordered fact list of a CRDT registry.
	FactsDomain = domainFromName("aura.digest.facts")

	// BloomDomain derives the two base probes of a Bloom filter.
	BloomDomain = domainFromName("aura.digest.bloom")

	// MerkleDomain combines pairs in MerkleRoot.
	MerkleDomain = domainFromName("aura.digest.merkle")

	// TreeDomain hashes commitment tree nodes.
	TreeDomain = domainFromName("aura.digest.tree")

	// CapabilityDomain derives capability token ids.
	CapabilityDomain = domainFromName("aura.digest.capability")
)

func domainFromName(name string) Domain {
	if len(name) > len(Domain{}) {
		panic("digest: domain name longer than 32 bytes: " + name)
	}
	var domain Domain
	copy(domain[:], name)
	return domain
}

// Sum returns the BLAKE3-256 digest of data.
func Sum(data []byte) ids.Hash32 {
	return ids.Hash32(blake3.Sum256(data))
}

// SumParts hashes the concatenation of parts without allocating the
// concatenation.
func SumParts(parts ...[]byte) ids.Hash32 {
	hasher := blake3.New()
	for _, part := range parts {
		hasher.Write(part)
	}
	var hash ids.Hash32
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// Keyed returns the keyed BLAKE3 digest of data in domain.
func Keyed(domain Domain, data []byte) ids.Hash32 {
	hasher := NewKeyed(domain)
	hasher.Write(data)
	return hasher.Sum()
}

// Hasher is a streaming keyed hasher.
type Hasher struct {
	inner *blake3.Hasher
}

// NewKeyed returns a streaming hasher for domain.
func NewKeyed(domain Domain) *Hasher {
	// NewKeyed only fails for keys that are not 32 bytes, which the
	// Domain type rules out.
	inner, err := blake3.NewKeyed(domain[:])
	if err != nil {
		panic("digest: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return &Hasher{inner: inner}
}

// Write adds data to the running hash. It never fails.
func (h *Hasher) Write(data []byte) (int, error) {
	return h.inner.Write(data)
}

// Sum returns the digest of everything written so far.
func (h *Hasher) Sum() ids.Hash32 {
	var hash ids.Hash32
	copy(hash[:], h.inner.Sum(nil))
	return hash
}

// Reset returns the hasher to its initial keyed state.
func (h *Hasher) Reset() { h.inner.Reset() }

// MerkleRoot computes a binary Merkle tree over hashes in
// MerkleDomain. An odd node at any level is promoted unhashed; it is
// not duplicated, so a list and its extension by a repeated last
// element have different roots. The root of an empty list is the
// zero hash.
func MerkleRoot(hashes []ids.Hash32) ids.Hash32 {
	switch len(hashes) {
	case 0:
		return ids.Hash32{}
	case 1:
		return hashes[0]
	}

	hasher := NewKeyed(MerkleDomain)
	var combined [64]byte
	level := make([]ids.Hash32, len(hashes))
	copy(level, hashes)

	for len(level) > 1 {
		nextLength := (len(level) + 1) / 2
		next := make([]ids.Hash32, nextLength)
		for i := 0; i < len(level)-1; i += 2 {
			copy(combined[:32], level[i][:])
			copy(combined[32:], level[i+1][:])
			hasher.Reset()
			hasher.Write(combined[:])
			next[i/2] = hasher.Sum()
		}
		if len(level)%2 == 1 {
			next[nextLength-1] = level[len(level)-1]
		}
		level = next
	}
	return level[0]
}
