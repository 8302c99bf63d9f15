// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package tree implements the commitment tree an account's membership
// and key material live in.
//
// A tree is a set of branches, each holding device or guardian leaves
// and child branches under a signing policy. Every branch carries a
// [BranchSigningKey]: the FROST group key of its members and the epoch
// that key belongs to. The whole state summarizes to a 32-byte
// commitment computed bottom-up over the nodes.
//
// Mutations are [TreeOp] values naming the commitment and epoch they
// were proposed against. An op only takes effect as an [AttestedOp]:
// the op plus an aggregate threshold signature over its hash, made
// under the root branch's signing key. [Apply] checks the parent
// commitment, the epoch and the attestation, then returns the
// successor state without touching its input. A state is immutable
// once built; readers may share it freely.
package tree
