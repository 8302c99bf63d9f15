// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package kdf derives keys with HKDF-SHA256 (RFC 5869).
//
// Derive is the primitive. HKDF-Expand produces a stream, so the first
// 32 bytes of a 64-byte derivation equal the 32-byte derivation with
// the same inputs; callers may ask for whatever length they need
// without a second derivation path.
//
// [Spec] builds the versioned info strings for identity and permission
// scoped keys:
//
//	aura:v1:<identity-tag>[:<permission-tag>]:v<version>
//
// Identity and permission are separate so either can rotate without
// changing the other.
package kdf

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/secret"
)

// MaxLength is the longest output HKDF-SHA256 can produce.
const MaxLength = 255 * sha256.Size

// ErrDerivationFailed is returned for an impossible output length or
// an HKDF failure.
var ErrDerivationFailed = failure.New(failure.Crypto, "kdf: key derivation failed")

// Derive returns length bytes of HKDF-SHA256 output. salt may be nil.
func Derive(inputKeyMaterial, salt, info []byte, length int) ([]byte, error) {
	if length <= 0 || length > MaxLength {
		return nil, fmt.Errorf("%w: length %d outside 1..%d", ErrDerivationFailed, length, MaxLength)
	}
	reader := hkdf.New(sha256.New, inputKeyMaterial, salt, info)
	derived := make([]byte, length)
	if _, err := io.ReadFull(reader, derived); err != nil {
		secret.Zero(derived)
		return nil, fmt.Errorf("%w: %v", ErrDerivationFailed, err)
	}
	return derived, nil
}

// Derive32 returns a 32-byte key.
func Derive32(inputKeyMaterial, salt, info []byte) ([32]byte, error) {
	var key [32]byte
	derived, err := Derive(inputKeyMaterial, salt, info, len(key))
	if err != nil {
		return key, err
	}
	copy(key[:], derived)
	secret.Zero(derived)
	return key, nil
}

// DeriveSecret derives length bytes directly into protected memory.
func DeriveSecret(inputKeyMaterial, salt, info []byte, length int) (*secret.Buffer, error) {
	derived, err := Derive(inputKeyMaterial, salt, info, length)
	if err != nil {
		return nil, err
	}
	// NewFromBytes zeroes the heap copy.
	return secret.NewFromBytes(derived)
}
