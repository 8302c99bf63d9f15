// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package compress frames byte payloads with a one-byte codec tag and
// the uncompressed length, so a reader can decompress without knowing
// how the writer chose to compress.
//
// The ledger's SQLite store writes op-log rows with LZ4 (fast, small
// records). Anti-entropy uses zstd for op batches, which are larger
// and highly repetitive across ops from the same account. A writer
// that finds its payload incompressible stores it raw under None;
// readers handle all three transparently.
package compress
