// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the aura-node command tree.
package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/hxrts/aura-sub026/cmd/aura-node/cli"
	"github.com/hxrts/aura-sub026/lib/config"
	"github.com/hxrts/aura-sub026/lib/version"
)

// stdout receives command output. Tests replace it.
var stdout io.Writer = os.Stdout

// Root returns the aura-node command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name: "aura-node",
		Description: `aura-node: one device of a threshold-governed Aura account.

Devices of an account share a FROST key, agree on commitment tree
operations through threshold consensus and reconcile their journals by
anti-entropy. Guardians can escrow a device key and restore it later.`,
		Subcommands: []*cli.Command{
			initCommand(),
			runCommand(),
			statusCommand(),
			guardianKeyCommand(),
			escrowCommand(),
			recoverCommand(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(args []string) error {
					fmt.Fprintf(stdout, "aura-node %s\n", version.Full())
					return nil
				},
			},
		},
		Examples: []cli.Example{
			{
				Description: "Create a 2-of-3 account with one state directory per device",
				Command:     "aura-node init --names alice,bob,carol --threshold 2 --out ./devices",
			},
			{
				Description: "Run a device",
				Command:     "aura-node run --state-dir ./devices/alice",
			},
			{
				Description: "Show what a device knows without starting it",
				Command:     "aura-node status --state-dir ./devices/alice",
			},
		},
	}
}

// configFlags are shared by commands that read the node configuration.
type configFlags struct {
	ConfigPath string
	StateDir   string
}

func (f *configFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVarP(&f.ConfigPath, "config", "c", "", "configuration file (default $AURA_CONFIG, else built-in defaults)")
	flagSet.StringVar(&f.StateDir, "state-dir", "", "device state directory, overriding the configuration")
}

// load resolves the configuration: --config, then AURA_CONFIG, then
// the defaults. --state-dir moves the state directory and the database
// inside it.
func (f *configFlags) load() (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case f.ConfigPath != "":
		cfg, err = config.LoadFile(f.ConfigPath)
	case os.Getenv("AURA_CONFIG") != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
		cfg.ExpandPaths()
	}
	if err != nil {
		return nil, err
	}
	if f.StateDir != "" {
		cfg.Storage.StateDir = f.StateDir
		if cfg.Storage.Database != "" {
			cfg.Storage.Database = filepath.Join(f.StateDir, "ledger.db")
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
