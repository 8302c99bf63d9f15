// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/hxrts/aura-sub026/cmd/aura-node/cli"
	"github.com/hxrts/aura-sub026/node"
)

// execute runs the command tree with args and returns what it wrote to
// stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("AURA_CONFIG", "")
	var buffer bytes.Buffer
	previous := stdout
	stdout = &buffer
	defer func() { stdout = previous }()
	err := Root().Execute(args)
	return buffer.String(), err
}

func initDevices(t *testing.T, names string) string {
	t.Helper()
	out := t.TempDir()
	output, err := execute(t, "init", "--names", names, "--threshold", "2", "--out", out)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	for _, name := range strings.Split(names, ",") {
		if !strings.Contains(output, filepath.Join(out, name)) {
			t.Errorf("init output does not mention %s's state directory:\n%s", name, output)
		}
	}
	return out
}

func statusJSON(t *testing.T, stateDir string) node.Status {
	t.Helper()
	output, err := execute(t, "status", "--state-dir", stateDir, "--json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var status node.Status
	if err := json.Unmarshal([]byte(output), &status); err != nil {
		t.Fatalf("decoding status JSON: %v\n%s", err, output)
	}
	return status
}

func TestInitThenStatus(t *testing.T) {
	out := initDevices(t, "alice,bob,carol")

	alice := statusJSON(t, filepath.Join(out, "alice"))
	bob := statusJSON(t, filepath.Join(out, "bob"))
	if alice.Name != "alice" || bob.Name != "bob" {
		t.Errorf("names = %q, %q", alice.Name, bob.Name)
	}
	if !slices.Equal(alice.Members, []string{"alice", "bob", "carol"}) || alice.Threshold != 2 {
		t.Errorf("alice sees members %v at threshold %d", alice.Members, alice.Threshold)
	}
	if alice.Running || alice.Operations != 0 || alice.PendingIntents != 0 {
		t.Errorf("fresh device status = %+v", alice)
	}
	if alice.Commitment != bob.Commitment || alice.Context != bob.Context {
		t.Error("devices of one account disagree on the genesis")
	}
	if alice.Device == bob.Device {
		t.Error("devices share an id")
	}
}

func TestStatusText(t *testing.T) {
	out := initDevices(t, "alice,bob")
	output, err := execute(t, "status", "--state-dir", filepath.Join(out, "alice"), "--no-color")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"alice", "stopped", "commitment", "2 of 2", "alice, bob"} {
		if !strings.Contains(output, want) {
			t.Errorf("status output missing %q:\n%s", want, output)
		}
	}
	if strings.Contains(output, "\x1b[") {
		t.Errorf("--no-color output contains escape sequences:\n%q", output)
	}
}

func TestStatusNotEnrolled(t *testing.T) {
	output, err := execute(t, "status", "--state-dir", t.TempDir())
	var exit *cli.ExitError
	if !errors.As(err, &exit) || exit.Code != 1 {
		t.Fatalf("status on an empty directory = %v, want exit code 1", err)
	}
	if !strings.Contains(output, "No device is enrolled") {
		t.Errorf("output = %q", output)
	}
}

func TestInitValidatesArguments(t *testing.T) {
	if _, err := execute(t, "init", "--names", "a,b", "--threshold", "2"); err == nil {
		t.Error("init without --out succeeded")
	}
	if _, err := execute(t, "init", "--names", "a,b", "--threshold", "3", "--out", t.TempDir()); !errors.Is(err, node.ErrInvalidAccount) {
		t.Errorf("init with threshold above device count = %v, want ErrInvalidAccount", err)
	}
}

func TestEscrowAndRecover(t *testing.T) {
	out := initDevices(t, "alice,bob")
	original := statusJSON(t, filepath.Join(out, "alice"))

	keys := t.TempDir()
	var guardians []string
	for _, name := range []string{"mum", "dad", "lawyer"} {
		path := filepath.Join(keys, name+".key")
		output, err := execute(t, "guardian-key", "--out", path)
		if err != nil {
			t.Fatalf("guardian-key: %v", err)
		}
		recipient := strings.TrimSpace(output)
		if !strings.HasPrefix(recipient, "age1") {
			t.Fatalf("guardian-key printed %q, want an age recipient", recipient)
		}
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Errorf("%s identity mode = %o, want 600", name, info.Mode().Perm())
		}
		guardians = append(guardians, "--guardian", name+"="+recipient)
	}
	if _, err := execute(t, "guardian-key", "--out", filepath.Join(keys, "mum.key")); err == nil {
		t.Error("guardian-key overwrote an existing identity")
	}

	backup := filepath.Join(t.TempDir(), "alice.escrow")
	args := append([]string{"escrow", "--state-dir", filepath.Join(out, "alice"), "--threshold", "2", "--out", backup}, guardians...)
	if _, err := execute(t, args...); err != nil {
		t.Fatalf("escrow: %v", err)
	}

	restored := filepath.Join(t.TempDir(), "alice")
	output, err := execute(t, "recover", "--backup", backup, "--state-dir", restored,
		"--identity", "dad="+filepath.Join(keys, "dad.key"),
		"--identity", "lawyer="+filepath.Join(keys, "lawyer.key"))
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !strings.Contains(output, "recovered alice") {
		t.Errorf("recover output = %q", output)
	}
	if got := statusJSON(t, restored); got.Device != original.Device || got.Commitment != original.Commitment {
		t.Errorf("restored device %s at %s, want %s at %s", got.Device, got.Commitment, original.Device, original.Commitment)
	}

	_, err = execute(t, "recover", "--backup", backup, "--state-dir", t.TempDir(),
		"--identity", "dad="+filepath.Join(keys, "dad.key"))
	if err == nil {
		t.Error("recover with one of two guardians succeeded")
	}
}

func TestSplitAssignment(t *testing.T) {
	tests := []struct {
		value string
		name  string
		rest  string
		valid bool
	}{
		{"mum=age1abc", "mum", "age1abc", true},
		{"mum=a=b", "mum", "a=b", true},
		{"mum", "", "", false},
		{"=age1abc", "", "", false},
		{"mum=", "", "", false},
	}
	for _, test := range tests {
		name, rest, err := splitAssignment("--guardian", test.value)
		if (err == nil) != test.valid {
			t.Errorf("splitAssignment(%q) error = %v, want valid=%v", test.value, err, test.valid)
			continue
		}
		if name != test.name || rest != test.rest {
			t.Errorf("splitAssignment(%q) = %q, %q", test.value, name, rest)
		}
	}
}
