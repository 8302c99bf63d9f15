// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"crypto/rand"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/hxrts/aura-sub026/cmd/aura-node/cli"
	"github.com/hxrts/aura-sub026/lib/sealed"
	"github.com/hxrts/aura-sub026/lib/secret"
	"github.com/hxrts/aura-sub026/node"
)

func guardianKeyCommand() *cli.Command {
	var out string

	return &cli.Command{
		Name:    "guardian-key",
		Summary: "Generate a guardian keypair",
		Description: `Generate an age keypair for a guardian. The identity is written to
--out, readable only by its owner; the recipient printed on stdout is
what the device owner passes to 'aura-node escrow --guardian'.`,
		Usage: "aura-node guardian-key --out FILE",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("guardian-key", pflag.ContinueOnError)
			flagSet.StringVarP(&out, "out", "o", "", "file to write the guardian identity to")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			if out == "" {
				return fmt.Errorf("--out is required")
			}
			keypair, err := sealed.GenerateKeypair()
			if err != nil {
				return err
			}
			defer keypair.Close()
			file, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
			if err != nil {
				return err
			}
			if _, err := file.Write(keypair.Identity.Bytes()); err != nil {
				file.Close()
				return err
			}
			if err := file.Close(); err != nil {
				return err
			}
			fmt.Fprintln(stdout, keypair.Recipient)
			return nil
		},
	}
}

type escrowParams struct {
	configFlags
	Guardians []string
	Threshold uint16
	Out       string
}

func escrowCommand() *cli.Command {
	var params escrowParams

	return &cli.Command{
		Name:    "escrow",
		Summary: "Split the device key among guardians",
		Description: `Split this device's key among guardians so that any --threshold of
them can restore the device later with 'aura-node recover'. Each
guardian's share is encrypted to their age recipient.

The backup file also carries the device profile and its sealed FROST
share. Neither is useful without the key.`,
		Usage: "aura-node escrow --guardian NAME=age1... [--guardian ...] --threshold N --out FILE",
		Examples: []cli.Example{
			{
				Description: "Any two of three guardians can restore the device",
				Command:     "aura-node escrow --state-dir ./alice --guardian mum=age1... --guardian dad=age1... --guardian lawyer=age1... --threshold 2 --out alice.escrow",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("escrow", pflag.ContinueOnError)
			params.configFlags.register(flagSet)
			flagSet.StringArrayVarP(&params.Guardians, "guardian", "g", nil, "guardian as NAME=RECIPIENT (repeatable)")
			flagSet.Uint16VarP(&params.Threshold, "threshold", "t", 0, "guardians needed to recover")
			flagSet.StringVarP(&params.Out, "out", "o", "", "file to write the backup to")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			if params.Out == "" {
				return fmt.Errorf("--out is required")
			}
			guardians := make([]node.GuardianRecipient, 0, len(params.Guardians))
			for _, value := range params.Guardians {
				name, recipient, err := splitAssignment("--guardian", value)
				if err != nil {
					return err
				}
				guardians = append(guardians, node.GuardianRecipient{Name: name, Recipient: recipient})
			}
			cfg, err := params.load()
			if err != nil {
				return err
			}
			backup, err := node.Escrow(cfg.Storage.StateDir, guardians, params.Threshold, rand.Reader)
			if err != nil {
				return err
			}
			if err := node.WriteBackup(params.Out, backup); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "escrowed device %s to %d guardians (%d needed): %s\n",
				backup.Device, len(guardians), params.Threshold, params.Out)
			return nil
		},
	}
}

type recoverParams struct {
	configFlags
	Backup     string
	Identities []string
}

func recoverCommand() *cli.Command {
	var params recoverParams

	return &cli.Command{
		Name:    "recover",
		Summary: "Restore a device from its guardians",
		Description: `Rebuild a device's state directory from an escrow backup and the
identity files of enough of its guardians. The target state directory
must not already hold an enrolled device.`,
		Usage: "aura-node recover --backup FILE --identity NAME=FILE [--identity ...] [--state-dir DIR]",
		Examples: []cli.Example{
			{
				Description: "Restore alice with two guardians",
				Command:     "aura-node recover --backup alice.escrow --identity mum=mum.key --identity lawyer=lawyer.key --state-dir ./alice",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("recover", pflag.ContinueOnError)
			params.configFlags.register(flagSet)
			flagSet.StringVarP(&params.Backup, "backup", "b", "", "escrow backup written by 'aura-node escrow'")
			flagSet.StringArrayVarP(&params.Identities, "identity", "i", nil, "guardian identity as NAME=FILE (repeatable)")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			if params.Backup == "" {
				return fmt.Errorf("--backup is required")
			}
			backup, err := node.ReadBackup(params.Backup)
			if err != nil {
				return err
			}

			identities := make(map[string]*secret.Buffer, len(params.Identities))
			defer func() {
				for _, identity := range identities {
					identity.Close()
				}
			}()
			for _, value := range params.Identities {
				name, path, err := splitAssignment("--identity", value)
				if err != nil {
					return err
				}
				if _, repeated := identities[name]; repeated {
					return fmt.Errorf("--identity: guardian %q given twice", name)
				}
				identity, err := secret.ReadFile(path)
				if err != nil {
					return fmt.Errorf("reading identity of %s: %w", name, err)
				}
				identities[name] = identity
			}

			cfg, err := params.load()
			if err != nil {
				return err
			}
			enrollment, err := node.Recover(cfg.Storage.StateDir, backup, identities)
			if err != nil {
				return err
			}
			defer enrollment.Close()
			fmt.Fprintf(stdout, "recovered %s (%s) into %s\n",
				enrollment.Profile.Self().Name, enrollment.Profile.Device, cfg.Storage.StateDir)
			return nil
		},
	}
}

func splitAssignment(flag, value string) (string, string, error) {
	name, rest, found := strings.Cut(value, "=")
	if !found || name == "" || rest == "" {
		return "", "", fmt.Errorf("%s: want NAME=VALUE, got %q", flag, value)
	}
	return name, rest, nil
}
