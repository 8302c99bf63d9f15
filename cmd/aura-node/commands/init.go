// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"crypto/rand"
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/hxrts/aura-sub026/cmd/aura-node/cli"
	"github.com/hxrts/aura-sub026/lib/clock"
	"github.com/hxrts/aura-sub026/node"
)

type initParams struct {
	Names     []string
	Threshold uint16
	Addresses []string
	Out       string
}

func initCommand() *cli.Command {
	var params initParams

	return &cli.Command{
		Name:    "init",
		Summary: "Create an account and enroll its devices",
		Description: `Act as the trusted dealer for a new account: deal a FROST key
across the named devices, build the genesis commitment tree and mint a
root capability for each device.

Each device gets its own state directory under --out, named after the
device. Copy a directory to the machine that will run that device; it
holds the device key and its sealed FROST share. The dealer keeps
nothing.`,
		Usage: "aura-node init --names a,b,c --threshold N --out DIR",
		Examples: []cli.Example{
			{
				Description: "Three devices on one LAN, found by discovery",
				Command:     "aura-node init --names alice,bob,carol --threshold 2 --out ./devices",
			},
			{
				Description: "Two devices with static addresses",
				Command:     "aura-node init --names a,b --threshold 2 --addresses 10.0.0.1:19434,10.0.0.2:19434 --out ./devices",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("init", pflag.ContinueOnError)
			flagSet.StringSliceVar(&params.Names, "names", nil, "device names, comma separated")
			flagSet.Uint16VarP(&params.Threshold, "threshold", "t", 0, "signatures required to change the account")
			flagSet.StringSliceVar(&params.Addresses, "addresses", nil, "static host:port per device, in --names order")
			flagSet.StringVarP(&params.Out, "out", "o", "", "directory to create the device state directories in")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			if params.Out == "" {
				return fmt.Errorf("--out is required")
			}
			return initAccount(params)
		},
	}
}

func initAccount(params initParams) error {
	enrollments, err := node.NewAccount(node.AccountSpec{
		Names:     params.Names,
		Threshold: params.Threshold,
		Addresses: params.Addresses,
	}, clock.NowMs(clock.Real()), rand.Reader)
	if err != nil {
		return err
	}
	defer func() {
		for i := range enrollments {
			enrollments[i].Close()
		}
	}()

	table := tabwriter.NewWriter(stdout, 2, 0, 2, ' ', 0)
	fmt.Fprintf(table, "DEVICE\tID\tSTATE DIR\n")
	for _, enrollment := range enrollments {
		self := enrollment.Profile.Self()
		dir := filepath.Join(params.Out, self.Name)
		if err := node.SaveEnrollment(dir, enrollment, rand.Reader); err != nil {
			return fmt.Errorf("enrolling %s: %w", self.Name, err)
		}
		fmt.Fprintf(table, "%s\t%s\t%s\n", self.Name, self.Device, dir)
	}
	if err := table.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "\naccount %s: %d-of-%d\n", enrollments[0].Profile.Account(), params.Threshold, len(enrollments))
	return nil
}
