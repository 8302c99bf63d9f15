// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package signing wraps Ed25519 with versioned domain separation.
// Every signed Aura payload is prefixed with a context string naming
// its purpose and version, so a signature produced for one purpose
// never verifies for another:
//
//	signature := signing.Sign(private, signing.TreeOpDomain, hash[:])
//	err := signing.Verify(public, signing.TreeOpDomain, hash[:], signature)
//
// The FROST aggregate signatures produced by lib/threshold are plain
// Ed25519 signatures over the same prefixed message, so group
// signatures and single-device signatures verify through the same
// function.
package signing

import (
	"crypto/ed25519"
	"fmt"
	"io"

	"github.com/hxrts/aura-sub026/lib/failure"
)

// Domain is a versioned context string prepended to a signed payload.
type Domain string

const (
	TreeOpDomain     Domain = "aura-tree-op-v1:"
	CapabilityDomain Domain = "aura-capability-v1:"
	RevocationDomain Domain = "aura-revocation-v1:"
	HandshakeDomain  Domain = "aura-handshake-v1:"
	PresenceDomain   Domain = "aura-presence-ticket-v1:"
	DescriptorDomain Domain = "aura-rendezvous-descriptor-v1:"
	CommitDomain     Domain = "aura-commit-fact-v1:"
)

const (
	PublicKeySize  = ed25519.PublicKeySize
	PrivateKeySize = ed25519.PrivateKeySize
	SignatureSize  = ed25519.SignatureSize
	SeedSize       = ed25519.SeedSize
)

var (
	ErrInvalidSignature = failure.New(failure.Crypto, "signing: signature verification failed")
	ErrInvalidKey       = failure.New(failure.Crypto, "signing: invalid key")
)

// Message returns the bytes actually signed for payload under domain.
func Message(domain Domain, payload []byte) []byte {
	message := make([]byte, 0, len(domain)+len(payload))
	message = append(message, domain...)
	return append(message, payload...)
}

// Sign signs payload under domain.
func Sign(private ed25519.PrivateKey, domain Domain, payload []byte) []byte {
	return ed25519.Sign(private, Message(domain, payload))
}

// Verify checks a signature over payload under domain. Returns
// ErrInvalidKey for a malformed public key and ErrInvalidSignature for
// a signature that does not verify.
func Verify(public ed25519.PublicKey, domain Domain, payload, signature []byte) error {
	if len(public) != PublicKeySize {
		return fmt.Errorf("%w: public key is %d bytes, want %d", ErrInvalidKey, len(public), PublicKeySize)
	}
	if len(signature) != SignatureSize {
		return fmt.Errorf("%w: signature is %d bytes, want %d", ErrInvalidSignature, len(signature), SignatureSize)
	}
	if !ed25519.Verify(public, Message(domain, payload), signature) {
		return ErrInvalidSignature
	}
	return nil
}

// GenerateKeypair creates an Ed25519 keypair from random. Production
// callers pass crypto/rand.Reader through the Random effect; the
// simulation passes its seeded stream so identities are reproducible.
func GenerateKeypair(random io.Reader) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	public, private, err := ed25519.GenerateKey(random)
	if err != nil {
		return nil, nil, fmt.Errorf("generating Ed25519 keypair: %w", err)
	}
	return public, private, nil
}

// KeypairFromSeed derives the keypair for a 32-byte seed.
func KeypairFromSeed(seed []byte) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	if len(seed) != SeedSize {
		return nil, nil, fmt.Errorf("%w: seed is %d bytes, want %d", ErrInvalidKey, len(seed), SeedSize)
	}
	private := ed25519.NewKeyFromSeed(seed)
	return private.Public().(ed25519.PublicKey), private, nil
}
