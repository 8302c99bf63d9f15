// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ids

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// Hash32 is a BLAKE3-256 digest. Tree commitments, op identifiers and
// prestate hashes are all Hash32 values.
type Hash32 [32]byte

// String returns the lowercase hex encoding.
func (h Hash32) String() string { return hex.EncodeToString(h[:]) }

// Short returns the first 8 hex characters, for log attributes.
func (h Hash32) Short() string { return hex.EncodeToString(h[:4]) }

// IsZero reports whether h is the all-zero digest.
func (h Hash32) IsZero() bool { return h == Hash32{} }

// Compare orders digests bytewise.
func (h Hash32) Compare(other Hash32) int { return bytes.Compare(h[:], other[:]) }

// MarshalText implements encoding.TextMarshaler.
func (h Hash32) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash32) UnmarshalText(text []byte) error {
	return decodeHex32("hash", text, (*[32]byte)(h))
}

// ParseHash32 parses a 64-character hex digest.
func ParseHash32(s string) (Hash32, error) {
	var h Hash32
	err := h.UnmarshalText([]byte(s))
	return h, err
}

// AuthorityID names an authority: an account or an instance-scoped
// role such as a consensus coordinator. 256 bits.
type AuthorityID [32]byte

// authorityDomain keys the BLAKE3 derivation in AuthorityIDFromEntropy.
const authorityDomain = "aura.ids.authority.v1"

// AuthorityIDFromEntropy deterministically derives an authority from
// 32 bytes of entropy, typically a prestate hash. Every party holding
// the same entropy derives the same authority.
func AuthorityIDFromEntropy(entropy Hash32) AuthorityID {
	hasher := blake3.NewDeriveKey(authorityDomain)
	hasher.Write(entropy[:])
	var id AuthorityID
	hasher.Sum(id[:0])
	return id
}

func (a AuthorityID) String() string { return hex.EncodeToString(a[:]) }

// Short returns the first 8 hex characters, for log attributes.
func (a AuthorityID) Short() string { return hex.EncodeToString(a[:4]) }

func (a AuthorityID) IsZero() bool { return a == AuthorityID{} }

func (a AuthorityID) Compare(other AuthorityID) int { return bytes.Compare(a[:], other[:]) }

// MarshalText implements encoding.TextMarshaler.
func (a AuthorityID) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *AuthorityID) UnmarshalText(text []byte) error {
	return decodeHex32("authority", text, (*[32]byte)(a))
}

// ParseAuthorityID parses a 64-character hex authority identifier.
func ParseAuthorityID(s string) (AuthorityID, error) {
	var a AuthorityID
	err := a.UnmarshalText([]byte(s))
	return a, err
}

func decodeHex32(kind string, text []byte, out *[32]byte) error {
	if len(text) != 64 {
		return fmt.Errorf("ids: %s must be 64 hex characters, got %d", kind, len(text))
	}
	if _, err := hex.Decode(out[:], text); err != nil {
		return fmt.Errorf("ids: invalid %s: %w", kind, err)
	}
	return nil
}

// LeafID names a leaf of the commitment tree.
type LeafID uint32

func (l LeafID) String() string { return "leaf:" + strconv.FormatUint(uint64(l), 10) }

// NodeIndex names a branch position in the commitment tree. The root
// branch is index 0.
type NodeIndex uint32

// RootIndex is the index of the root branch.
const RootIndex NodeIndex = 0

func (n NodeIndex) String() string { return "node:" + strconv.FormatUint(uint64(n), 10) }

// Epoch versions a branch's key material.
type Epoch uint64

func (e Epoch) String() string { return "epoch:" + strconv.FormatUint(uint64(e), 10) }

// Bytes returns the 8-byte little-endian encoding.
func (e Epoch) Bytes() []byte {
	return binary.LittleEndian.AppendUint64(nil, uint64(e))
}

// derive16 produces a 128-bit identifier from seed material under the
// given BLAKE3 derive-key context.
func derive16(domain string, seed []byte) [16]byte {
	hasher := blake3.NewDeriveKey(domain)
	hasher.Write(seed)
	var sum [32]byte
	hasher.Sum(sum[:0])
	var out [16]byte
	copy(out[:], sum[:16])
	return out
}

func parse16(kind, s string) ([16]byte, error) {
	parsed, err := uuid.Parse(s)
	if err != nil {
		return [16]byte{}, fmt.Errorf("ids: invalid %s %q: %w", kind, s, err)
	}
	return parsed, nil
}
