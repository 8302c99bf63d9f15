// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package rendezvous finds peers on the local network.
//
// A device publishes a [Descriptor] naming its transport endpoints for
// a context. [Service] broadcasts the current descriptor over UDP every
// announce interval and listens on the same socket for other
// authorities' announcements. Packets from the local authority are
// dropped, so a service never discovers itself. Discovered peers are
// passed to the caller's callback and kept in a table with the time
// each was last seen.
//
// The wire format is fixed: the magic bytes "AURA", a version byte,
// the 32-byte authority, an 8-byte little-endian timestamp in
// milliseconds, and the descriptor's CBOR encoding with a uint32
// length prefix. A packet never exceeds [MaxPacketSize].
package rendezvous
