// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package threshold implements the threshold cryptography behind
// account trees and consensus, over the Ed25519 group and its scalar
// field (filippo.io/edwards25519):
//
//   - Shamir secret sharing with Horner evaluation and Lagrange
//     interpolation at zero ([Split], [Combine]).
//   - Trusted-dealer key generation producing per-participant
//     [KeyPackage] values and a [PublicKeyPackage] ([GenerateWithDealer]).
//   - FROST(Ed25519, SHA-512) as specified in RFC 9591: [Round1]
//     nonce commitments, [Round2] signature shares, [VerifyShare] and
//     [Aggregate]. Aggregate signatures are ordinary Ed25519 signatures
//     and verify with crypto/ed25519 under the group public key.
//   - Deterministic key derivation (DKD): per-participant contributions
//     hashed from a share and a context, commit/reveal, cofactor-cleared
//     aggregation and HKDF expansion into signing and encryption keys.
//
// Scalars and points cross package boundaries as canonical 32-byte
// encodings so they serialize without custom marshalers.
package threshold
