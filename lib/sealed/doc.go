// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed encrypts data at rest and in escrow.
//
// [SealedData] is the device-bound record: AES-256-GCM under a key
// derived with HKDF from the device secret and a caller-chosen
// context string, a random 12-byte nonce, and optional additional
// authenticated data. Any change to the ciphertext, the AAD, the
// context or the device secret makes [Open] fail with
// [ErrDecryptionFailed]. Plaintext is returned in a [secret.Buffer].
//
// Guardian escrow uses filippo.io/age: a device secret is split with
// Shamir sharing (lib/threshold) and each share is age-encrypted to
// one guardian's X25519 recipient. [Recover] decrypts any threshold of
// them with the guardians' identities and reconstructs the secret.
// Age identities and recovered secrets live in secret.Buffer values.
package sealed
