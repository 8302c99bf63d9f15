// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/hxrts/aura-sub026/cmd/aura-node/cli"
	"github.com/hxrts/aura-sub026/cmd/aura-node/commands"
	"github.com/hxrts/aura-sub026/lib/failure"
)

func main() {
	if err := run(); err != nil {
		// Commands that print their own diagnosis return an ExitError
		// carrying only the code.
		var exit *cli.ExitError
		if errors.As(err, &exit) {
			os.Exit(exit.Code)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(failure.ExitCode(err))
	}
}

func run() error {
	return commands.Root().Execute(os.Args[1:])
}
