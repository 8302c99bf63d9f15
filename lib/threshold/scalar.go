// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package threshold

import (
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"io"

	"filippo.io/edwards25519"

	"github.com/hxrts/aura-sub026/lib/failure"
)

var (
	ErrInvalidThreshold    = failure.New(failure.InvalidInput, "threshold: invalid threshold")
	ErrDuplicateIdentifier = failure.New(failure.InvalidInput, "threshold: duplicate participant identifier")
	ErrInvalidIdentifier   = failure.New(failure.InvalidInput, "threshold: participant identifier must be non-zero")
	ErrInvalidEncoding     = failure.New(failure.Crypto, "threshold: non-canonical scalar or point encoding")
	ErrInsufficientEntropy = failure.New(failure.Crypto, "threshold: reading randomness failed")
)

// ScalarFromUint64 returns v as a field scalar.
func ScalarFromUint64(v uint64) *edwards25519.Scalar {
	var encoded [32]byte
	binary.LittleEndian.PutUint64(encoded[:8], v)
	scalar, err := edwards25519.NewScalar().SetCanonicalBytes(encoded[:])
	if err != nil {
		// Any value below 2^64 is canonical.
		panic("threshold: small scalar rejected: " + err.Error())
	}
	return scalar
}

// ScalarFromBytesModOrder reduces a little-endian byte string of at
// most 64 bytes modulo the group order.
func ScalarFromBytesModOrder(data []byte) *edwards25519.Scalar {
	if len(data) > 64 {
		panic("threshold: ScalarFromBytesModOrder input longer than 64 bytes")
	}
	var wide [64]byte
	copy(wide[:], data)
	scalar, err := edwards25519.NewScalar().SetUniformBytes(wide[:])
	if err != nil {
		panic("threshold: SetUniformBytes rejected 64 bytes: " + err.Error())
	}
	return scalar
}

// DecodeScalar parses a canonical scalar encoding.
func DecodeScalar(encoded [32]byte) (*edwards25519.Scalar, error) {
	scalar, err := edwards25519.NewScalar().SetCanonicalBytes(encoded[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return scalar, nil
}

// EncodeScalar returns the canonical encoding of scalar.
func EncodeScalar(scalar *edwards25519.Scalar) [32]byte {
	var encoded [32]byte
	copy(encoded[:], scalar.Bytes())
	return encoded
}

// DecodePoint parses a compressed point encoding.
func DecodePoint(encoded [32]byte) (*edwards25519.Point, error) {
	point, err := new(edwards25519.Point).SetBytes(encoded[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return point, nil
}

// EncodePoint returns the compressed encoding of point.
func EncodePoint(point *edwards25519.Point) [32]byte {
	var encoded [32]byte
	copy(encoded[:], point.Bytes())
	return encoded
}

// RandomScalar draws a uniformly random non-zero scalar from random.
func RandomScalar(random io.Reader) (*edwards25519.Scalar, error) {
	var wide [64]byte
	zero := edwards25519.NewScalar()
	for {
		if _, err := io.ReadFull(random, wide[:]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
		}
		scalar, err := edwards25519.NewScalar().SetUniformBytes(wide[:])
		if err != nil {
			return nil, err
		}
		clear(wide[:])
		if scalar.Equal(zero) == 0 {
			return scalar, nil
		}
	}
}

// hashToScalarSHA512 reduces SHA-512(parts...) modulo the group order.
func hashToScalarSHA512(parts ...[]byte) *edwards25519.Scalar {
	hasher := sha512.New()
	for _, part := range parts {
		hasher.Write(part)
	}
	scalar, err := edwards25519.NewScalar().SetUniformBytes(hasher.Sum(nil))
	if err != nil {
		panic("threshold: SetUniformBytes rejected a SHA-512 digest: " + err.Error())
	}
	return scalar
}

func identifierScalar(identifier uint16) *edwards25519.Scalar {
	return ScalarFromUint64(uint64(identifier))
}
