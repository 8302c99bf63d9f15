// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the command framework behind aura-node: a tree of
// [Command] values with pflag flag sets, structured help, and
// edit-distance suggestions for mistyped commands and flags.
//
// Commands return errors; main maps them to exit codes through
// failure.ExitCode, and [ExitError] lets a command that has already
// printed its own output choose the code silently.
package cli
