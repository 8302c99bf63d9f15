// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session tracks a device's protocol sessions as type-states.
//
// Each state is its own Go type and carries only the transitions that
// make sense from it:
//
//	Uninitialized --Bootstrap--> Bootstrapping --InitComplete(witness)--> Idle
//	Idle --Coordinate--> Coordinating
//	Coordinating --Finish(witness)--> Idle
//	Coordinating --Cancel--> Idle
//	Coordinating --Fail--> FailedState --AttemptRecovery--> Uninitialized
//
// A state value is consumed by its transition; using it again returns
// [ErrStaleState]. Transitions that need evidence take a witness built
// by [VerifyInit] or [VerifyProtocolWitness], which check the evidence
// before the witness exists.
//
// [Coordinator] holds whichever state a device is in for callers that
// pick transitions at run time, and publishes a [Snapshot] through a
// [Dynamic] after each one. [Runtime] is the session table the states
// report into, with a command channel for [TerminateSession].
package session
