// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package threshold

import (
	"crypto/ed25519"
	"fmt"
	"io"
	"sort"

	"filippo.io/edwards25519"
)

// KeyPackage is one participant's signing material.
type KeyPackage struct {
	Identifier     uint16   `cbor:"1,keyasint"`
	SigningShare   [32]byte `cbor:"2,keyasint"`
	VerifyingShare [32]byte `cbor:"3,keyasint"`
	GroupPublicKey [32]byte `cbor:"4,keyasint"`
	Threshold      uint16   `cbor:"5,keyasint"`
}

// Zero overwrites the signing share.
func (k *KeyPackage) Zero() { clear(k.SigningShare[:]) }

// PublicKeyPackage is the public half of a key generation: the group
// key and every participant's verifying share.
type PublicKeyPackage struct {
	GroupPublicKey  [32]byte            `cbor:"1,keyasint"`
	VerifyingShares map[uint16][32]byte `cbor:"2,keyasint"`
	Threshold       uint16              `cbor:"3,keyasint"`
}

// GroupKey returns the group public key as an Ed25519 public key.
func (p PublicKeyPackage) GroupKey() ed25519.PublicKey {
	return ed25519.PublicKey(append([]byte(nil), p.GroupPublicKey[:]...))
}

// Identifiers returns the participant identifiers in ascending order.
func (p PublicKeyPackage) Identifiers() []uint16 {
	identifiers := make([]uint16, 0, len(p.VerifyingShares))
	for identifier := range p.VerifyingShares {
		identifiers = append(identifiers, identifier)
	}
	sort.Slice(identifiers, func(i, j int) bool { return identifiers[i] < identifiers[j] })
	return identifiers
}

// GenerateWithDealer creates a fresh group signing key and splits it
// threshold-of-count.
func GenerateWithDealer(threshold, count uint16, random io.Reader) ([]KeyPackage, PublicKeyPackage, error) {
	secret, err := RandomScalar(random)
	if err != nil {
		return nil, PublicKeyPackage{}, err
	}
	defer secret.Set(edwards25519.NewScalar())
	return SplitKey(secret, threshold, count, random)
}

// SplitKey splits an existing group signing scalar threshold-of-count.
func SplitKey(secret *edwards25519.Scalar, threshold, count uint16, random io.Reader) ([]KeyPackage, PublicKeyPackage, error) {
	if threshold == 0 || threshold > count {
		return nil, PublicKeyPackage{}, fmt.Errorf("%w: %d of %d", ErrInvalidThreshold, threshold, count)
	}
	shares, err := Split(secret, int(threshold), int(count), random)
	if err != nil {
		return nil, PublicKeyPackage{}, err
	}

	groupKey := EncodePoint(new(edwards25519.Point).ScalarBaseMult(secret))
	public := PublicKeyPackage{
		GroupPublicKey:  groupKey,
		VerifyingShares: make(map[uint16][32]byte, len(shares)),
		Threshold:       threshold,
	}
	packages := make([]KeyPackage, len(shares))
	for i, share := range shares {
		value, err := DecodeScalar(share.Value)
		if err != nil {
			return nil, PublicKeyPackage{}, err
		}
		verifying := EncodePoint(new(edwards25519.Point).ScalarBaseMult(value))
		public.VerifyingShares[share.Identifier] = verifying
		packages[i] = KeyPackage{
			Identifier:     share.Identifier,
			SigningShare:   share.Value,
			VerifyingShare: verifying,
			GroupPublicKey: groupKey,
			Threshold:      threshold,
		}
	}
	return packages, public, nil
}
