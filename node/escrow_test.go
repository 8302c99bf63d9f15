// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"errors"
	"path/filepath"
	"slices"
	"testing"

	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/sealed"
	"github.com/hxrts/aura-sub026/lib/secret"
	"github.com/hxrts/aura-sub026/lib/testutil"
)

type guardianKeys map[string]*sealed.Keypair

func newGuardians(t *testing.T, names ...string) ([]GuardianRecipient, guardianKeys) {
	t.Helper()
	recipients := make([]GuardianRecipient, len(names))
	keys := make(guardianKeys, len(names))
	for i, name := range names {
		keypair, err := sealed.GenerateKeypair()
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { keypair.Close() })
		recipients[i] = GuardianRecipient{Name: name, Recipient: keypair.Recipient}
		keys[name] = keypair
	}
	return recipients, keys
}

func (k guardianKeys) identities(names ...string) map[string]*secret.Buffer {
	identities := make(map[string]*secret.Buffer, len(names))
	for _, name := range names {
		identities[name] = k[name].Identity
	}
	return identities
}

func enrolledDevice(t *testing.T) (string, Enrollment) {
	t.Helper()
	enrollments := newAccount(t, 2, "alice", "bob")
	dir := filepath.Join(t.TempDir(), "alice")
	if err := SaveEnrollment(dir, enrollments[0], testutil.Rand(3)); err != nil {
		t.Fatal(err)
	}
	return dir, enrollments[0]
}

func TestEscrowRecoverRestoresDevice(t *testing.T) {
	dir, original := enrolledDevice(t)
	recipients, keys := newGuardians(t, "mum", "dad", "lawyer")

	backup, err := Escrow(dir, recipients, 2, testutil.Rand(5))
	if err != nil {
		t.Fatalf("Escrow: %v", err)
	}
	path := filepath.Join(t.TempDir(), "alice.escrow")
	if err := WriteBackup(path, backup); err != nil {
		t.Fatal(err)
	}
	loaded, err := ReadBackup(path)
	if err != nil {
		t.Fatalf("ReadBackup: %v", err)
	}
	if loaded.Device != original.Profile.Device || !slices.Equal(loaded.Guardians, []string{"mum", "dad", "lawyer"}) {
		t.Fatalf("backup = device %s guardians %v", loaded.Device, loaded.Guardians)
	}

	restoredDir := filepath.Join(t.TempDir(), "restored")
	restored, err := Recover(restoredDir, loaded, keys.identities("dad", "lawyer"))
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	defer restored.Close()
	if !slices.Equal(restored.Private, original.Private) {
		t.Error("recovered device key differs")
	}
	if restored.Share.Identifier != original.Share.Identifier {
		t.Errorf("recovered share identifier %d, want %d", restored.Share.Identifier, original.Share.Identifier)
	}
	if restored.Profile.Device != original.Profile.Device {
		t.Errorf("recovered device %s, want %s", restored.Profile.Device, original.Profile.Device)
	}

	if _, err := Recover(restoredDir, loaded, keys.identities("dad", "lawyer")); !errors.Is(err, ErrAlreadyEnrolled) {
		t.Errorf("Recover over an enrolled device = %v, want ErrAlreadyEnrolled", err)
	}
}

func TestRecoverNeedsThreshold(t *testing.T) {
	dir, _ := enrolledDevice(t)
	recipients, keys := newGuardians(t, "mum", "dad", "lawyer")
	backup, err := Escrow(dir, recipients, 2, testutil.Rand(5))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Recover(t.TempDir(), backup, keys.identities("mum")); !errors.Is(err, sealed.ErrNotEnoughGuardians) {
		t.Errorf("Recover with one guardian = %v, want ErrNotEnoughGuardians", err)
	}
}

func TestRecoverRejectsStrangers(t *testing.T) {
	dir, _ := enrolledDevice(t)
	recipients, keys := newGuardians(t, "mum", "dad")
	backup, err := Escrow(dir, recipients, 2, testutil.Rand(5))
	if err != nil {
		t.Fatal(err)
	}
	_, strangers := newGuardians(t, "eve")
	identities := keys.identities("mum", "dad")
	identities["eve"] = strangers["eve"].Identity
	if _, err := Recover(t.TempDir(), backup, identities); !failure.Is(err, failure.InvalidInput) {
		t.Errorf("Recover with a stranger = %v, want InvalidInput", err)
	}
}

func TestRecoverRejectsSwappedProfile(t *testing.T) {
	enrollments := newAccount(t, 2, "alice", "bob")
	alice := filepath.Join(t.TempDir(), "alice")
	bob := filepath.Join(t.TempDir(), "bob")
	if err := SaveEnrollment(alice, enrollments[0], testutil.Rand(3)); err != nil {
		t.Fatal(err)
	}
	if err := SaveEnrollment(bob, enrollments[1], testutil.Rand(4)); err != nil {
		t.Fatal(err)
	}
	recipients, keys := newGuardians(t, "mum", "dad")
	backup, err := Escrow(alice, recipients, 1, testutil.Rand(5))
	if err != nil {
		t.Fatal(err)
	}
	bobBackup, err := Escrow(bob, recipients, 1, testutil.Rand(6))
	if err != nil {
		t.Fatal(err)
	}
	backup.Profile = bobBackup.Profile
	if _, err := Recover(t.TempDir(), backup, keys.identities("mum")); !errors.Is(err, ErrBackupMismatch) {
		t.Errorf("Recover with a foreign profile = %v, want ErrBackupMismatch", err)
	}
}

func TestEscrowRejectsBadGuardians(t *testing.T) {
	dir, _ := enrolledDevice(t)
	recipients, _ := newGuardians(t, "mum", "dad")

	repeated := []GuardianRecipient{recipients[0], {Name: "mum", Recipient: recipients[1].Recipient}}
	if _, err := Escrow(dir, repeated, 1, testutil.Rand(5)); !failure.Is(err, failure.InvalidInput) {
		t.Errorf("Escrow with repeated names = %v, want InvalidInput", err)
	}
	if _, err := Escrow(dir, recipients, 3, testutil.Rand(5)); err == nil {
		t.Error("Escrow with threshold above guardian count succeeded")
	}
	if _, err := Escrow(t.TempDir(), recipients, 1, testutil.Rand(5)); !errors.Is(err, ErrNotEnrolled) {
		t.Errorf("Escrow without enrollment = %v, want ErrNotEnrolled", err)
	}
}
