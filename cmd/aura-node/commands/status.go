// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/termenv"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/hxrts/aura-sub026/cmd/aura-node/cli"
	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/node"
)

type statusParams struct {
	configFlags
	JSON    bool
	NoColor bool
}

func statusCommand() *cli.Command {
	var params statusParams

	return &cli.Command{
		Name:    "status",
		Summary: "Show a stopped device's account and ledger",
		Description: `Read the device's profile and ledger from its state directory and
print the account, the commitment tree position and the pending intent
count. The device does not need to be running, and status changes
nothing.`,
		Usage: "aura-node status [--config FILE] [--state-dir DIR] [--json]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
			params.configFlags.register(flagSet)
			flagSet.BoolVar(&params.JSON, "json", false, "print JSON")
			flagSet.BoolVar(&params.NoColor, "no-color", false, "disable colors")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			cfg, err := params.load()
			if err != nil {
				return err
			}
			profile, err := node.LoadProfile(cfg.Storage.StateDir)
			if errors.Is(err, node.ErrNotEnrolled) {
				fmt.Fprintf(stdout, "No device is enrolled in %s.\nRun 'aura-node init' to create an account.\n", cfg.Storage.StateDir)
				return &cli.ExitError{Code: failure.ExitCode(err)}
			}
			if err != nil {
				return err
			}
			status, err := node.Inspect(context.Background(), cfg, profile)
			if err != nil {
				return err
			}
			if params.JSON {
				return cli.WriteJSON(stdout, status)
			}
			renderStatus(stdout, status, colorEnabled(stdout, params.NoColor))
			return nil
		},
	}
}

func colorEnabled(w io.Writer, noColor bool) bool {
	if noColor || os.Getenv("NO_COLOR") != "" {
		return false
	}
	file, ok := w.(*os.File)
	return ok && term.IsTerminal(int(file.Fd()))
}

type statusStyles struct {
	title lipgloss.Style
	label lipgloss.Style
	value lipgloss.Style
	good  lipgloss.Style
	bad   lipgloss.Style
	faint lipgloss.Style
}

func newStatusStyles(w io.Writer, color bool) statusStyles {
	renderer := lipgloss.NewRenderer(w, termenv.WithProfile(termenv.ANSI256))
	if color {
		renderer.SetColorProfile(termenv.ANSI256)
	} else {
		renderer.SetColorProfile(termenv.Ascii)
	}
	return statusStyles{
		title: renderer.NewStyle().Bold(true).Foreground(lipgloss.Color("75")),
		label: renderer.NewStyle().Foreground(lipgloss.Color("245")),
		value: renderer.NewStyle(),
		good:  renderer.NewStyle().Foreground(lipgloss.Color("42")),
		bad:   renderer.NewStyle().Foreground(lipgloss.Color("203")),
		faint: renderer.NewStyle().Faint(true),
	}
}

// renderStatus writes a labelled two-column view of status.
func renderStatus(w io.Writer, status node.Status, color bool) {
	styles := newStatusStyles(w, color)

	state := styles.bad.Render("stopped")
	if status.Running {
		state = styles.good.Render("running")
	}
	fmt.Fprintf(w, "%s %s\n\n", styles.title.Render(status.Name), state)

	rows := [][2]string{
		{"device", status.Device},
		{"authority", status.Authority},
		{"context", status.Context},
		{"policy", fmt.Sprintf("%d of %d", status.Threshold, len(status.Members))},
		{"members", strings.Join(status.Members, ", ")},
		{"commitment", status.Commitment},
		{"epoch", fmt.Sprint(status.Epoch)},
		{"operations", fmt.Sprint(status.Operations)},
		{"pending intents", fmt.Sprint(status.PendingIntents)},
		{"facts", fmt.Sprint(status.Facts)},
	}
	if status.Running {
		rows = append(rows,
			[2]string{"address", status.Address},
			[2]string{"session", status.Session},
			[2]string{"connected", listOrNone(status.Connected)},
			[2]string{"sync peers", listOrNone(status.SyncPeers)},
			[2]string{"discovered", fmt.Sprint(status.Discovered)},
		)
		if status.LastFailure != "" {
			rows = append(rows, [2]string{"last failure", styles.bad.Render(status.LastFailure)})
		}
	}

	width := 0
	for _, row := range rows {
		width = max(width, ansi.StringWidth(row[0]))
	}
	for _, row := range rows {
		label := styles.label.Render(row[0])
		padding := strings.Repeat(" ", width-ansi.StringWidth(row[0])+2)
		value := row[1]
		if value == "" {
			value = styles.faint.Render("-")
		} else {
			value = styles.value.Render(value)
		}
		fmt.Fprintf(w, "  %s%s%s\n", label, padding, value)
	}
}

func listOrNone(values []string) string {
	if len(values) == 0 {
		return "none"
	}
	return strings.Join(values, ", ")
}
