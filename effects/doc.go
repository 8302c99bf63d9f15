// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package effects is the single injection point for everything a node
// does that is not pure computation: reading the clock, drawing
// randomness, hashing and signing, persisting bytes, and exchanging
// messages with peers.
//
// Protocol code never touches crypto/rand, time.Now, the filesystem or
// sockets directly. It receives a [System] and calls through its
// families:
//
//	sys.Time.NowMs()
//	sys.Random.Read(nonce)
//	sys.Storage.Store(ctx, key, value)
//	sys.Network.Send(ctx, peer, payload)
//
// A System is produced by a [Builder] in one of four modes. Production
// wires real primitives. Testing wires in-memory storage, a loopback
// [Hub], a seeded random stream and a fake clock. Simulation does the
// same from a seed and additionally records every effect call in a
// [Trace]; two runs with the same seed and inputs produce byte-identical
// traces. Custom starts empty and takes every family from the caller.
//
// The network family is wrapped by a middleware stack, innermost to
// outermost: the transport itself, error recovery (bounded retries of
// retryable failures plus a per-peer circuit breaker), capability
// checks (rate limiting, input validation, authorization), metrics, and
// tracing. Middleware changes retry and observation behaviour only; a
// send that succeeds through the stack has the same effect as one sent
// on the bare transport.
package effects
