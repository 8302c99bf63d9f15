// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries opaque messages between devices over
// authenticated, encrypted TCP connections.
//
// [TCPTransport] implements effects.Network. It keeps one connection
// per peer, dialed on the first Send to a peer whose address was
// registered with SetAddress (typically from a LAN discovery
// descriptor) or accepted from the peer.
//
// Every connection starts with a mutual handshake. Each side presents a
// [PresenceTicket]: its device id and signing key, signed by an issuer
// the other side's [TicketVerifier] trusts. The sides agree on an
// ephemeral X25519 secret and derive one ChaCha20-Poly1305 key per
// direction with HKDF, salted by the hash of both hellos. Each then
// signs that transcript hash with its ticket's key, which proves it
// holds the key and binds the proof to this connection. Messages
// travel as length-prefixed sealed frames with a per-direction
// counter nonce.
//
// Connections move Handshaking -> Connected on [HandshakeCompleted] and
// to Failed on [ConnectionFailure]; [TCPTransport.Connections] reports
// the last state per peer. Tests that need no sockets use effects.Hub.
package transport
