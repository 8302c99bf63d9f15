// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports which build of aura-node is running.
//
// Release builds set [Version], [GitCommit], [GitDirty] and [BuildTime]
// with -ldflags -X. Other builds fall back to the VCS stamp the Go
// toolchain embeds, and test binaries, which carry neither, report
// "unknown". `aura-node version` prints [Full]; the run command logs
// [Short] at startup.
package version
