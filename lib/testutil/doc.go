// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by Aura's package tests.
//
// [RequireReceive], [RequireSend] and [RequireClosed] wrap the
// select-with-timeout pattern. They are the only place tests wait on
// the wall clock; protocol timing in tests goes through clock.Fake.
//
// [Rand] returns a seeded deterministic byte stream for key
// generation and nonces, so a failing FROST or sealing test
// reproduces exactly. [Device], [Authority] and [Context] derive
// stable identifiers from readable names.
//
// Helpers call t.Fatalf on failure: a broken fixture is not
// recoverable.
package testutil
