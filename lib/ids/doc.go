// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ids defines the opaque identifier types shared by every Aura
// package: devices, authorities, accounts, contexts, sessions,
// guardians, intents, tree positions and epochs, plus the 32-byte
// Hash32 digest.
//
// Identifiers are fixed-size byte arrays. Comparison is bytewise, the
// zero value means "unset", and every type implements
// encoding.TextMarshaler so that lib/codec serializes it as a CBOR
// text string. 128-bit identifiers render as UUIDs; 256-bit ones
// (AuthorityID, Hash32) render as lowercase hex.
//
// Deterministic derivation is supported for every type:
//
//	device := ids.DeriveDeviceID([]byte("seed"))
//	coordinator := ids.AuthorityIDFromEntropy(prestateHash)
package ids
