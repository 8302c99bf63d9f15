// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package node assembles one Aura device from the protocol packages.
//
// An account is created by a trusted dealer with [NewAccount], which
// deals a FROST key across the named devices, builds the genesis
// commitment tree and mints each device a root capability token. Each
// device's [Enrollment] is written to its state directory by
// [SaveEnrollment]: the public [Profile], the device signing keypair
// and the FROST share sealed under the device key.
//
// [New] wires an enrollment into a running device:
//
//	ledger + fact registry (SQLite or memory)
//	   |
//	guard chain (capabilities, flow budgets, journal coupling)
//	   |
//	consensus witness/coordinator + instigator     anti-entropy syncer
//	   |                                               |
//	effects.Mux channel 1                          effects.Mux channel 2
//	   \_______________________________________________/
//	                         |
//	         middleware stack (recovery, capability, metrics, tracing)
//	                         |
//	         TCP transport with presence tickets  <-- LAN rendezvous
//
// Proposals enter the replicated intent pool through [Node.Propose];
// the instigation loop runs one consensus step at a time inside a
// session coordination, so a failing step leaves the session Failed
// until recovery.
package node
