// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Aura's two serialization formats.
//
// CBOR is used for everything that is hashed or exchanged between
// Aura components: tree operations, prestates, CRDT facts, consensus
// and anti-entropy messages, stored ledger rows. The encoder uses Core
// Deterministic Encoding (RFC 8949 §4.2): sorted map keys, smallest
// integer encoding, no indefinite-length items. The same logical value
// always produces identical bytes, which is what makes
// tree.ComputeHash and prestate hashing reproducible across devices.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For streams (transport frames, IPC):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// A small little-endian binary format (Writer and Reader) covers the
// handful of records whose layout is fixed independently of CBOR: the
// LAN discovery packet, the SealedData record and the capability
// token. Variable-length fields carry a uint32 length prefix and
// optional fields a presence byte.
//
// # Struct Tag Rules
//
// Types serialized only as CBOR use `cbor` tags. Hashed types use
// integer keys (`cbor:"1,keyasint"`) so the encoding does not change
// when a Go field is renamed. Never mix `cbor` and `json` tags on one
// field.
package codec
