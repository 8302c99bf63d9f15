// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds Aura's long-lived secret material (device
// secrets, signing seeds, Shamir shares, session keys) outside the Go
// heap.
//
// [Buffer] allocates with mmap(MAP_ANONYMOUS), asks the kernel to keep
// the pages resident (mlock) and out of core dumps
// (MADV_DONTDUMP), and zeroes, unlocks and unmaps them on Close. The
// garbage collector never sees the memory, so it cannot leave copies
// behind. Locking is attempted on every allocation; when the process
// has no RLIMIT_MEMLOCK headroom the buffer is still zeroed on Close
// and [Buffer.Locked] reports false.
//
// After Close any access panics. Close is idempotent.
package secret
