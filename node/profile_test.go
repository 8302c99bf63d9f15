// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/testutil"
)

func TestNewAccountBuildsConsistentProfiles(t *testing.T) {
	enrollments := newAccount(t, 2, "alice", "bob", "carol")
	if len(enrollments) != 3 {
		t.Fatalf("got %d enrollments, want 3", len(enrollments))
	}
	first := enrollments[0].Profile
	seen := make(map[uint16]bool)
	for i, enrollment := range enrollments {
		profile := enrollment.Profile
		if profile.Context != first.Context || profile.Authority != first.Authority {
			t.Errorf("%d: account identity differs between members", i)
		}
		if !slices.Equal(profile.Genesis, first.Genesis) {
			t.Errorf("%d: genesis differs between members", i)
		}
		if profile.Self().Identifier != enrollment.Share.Identifier {
			t.Errorf("%d: share identifier %d, member says %d", i, enrollment.Share.Identifier, profile.Self().Identifier)
		}
		if seen[enrollment.Share.Identifier] {
			t.Errorf("%d: identifier %d dealt twice", i, enrollment.Share.Identifier)
		}
		seen[enrollment.Share.Identifier] = true
		if len(profile.Peers()) != 2 {
			t.Errorf("%d: %d peers, want 2", i, len(profile.Peers()))
		}
	}

	genesis, err := first.GenesisState()
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Members) != 3 {
		t.Errorf("members = %d, want 3", len(first.Members))
	}
	for _, member := range first.Members {
		if _, ok := genesis.LeafForDevice(member.Device); !ok {
			t.Errorf("%s has no leaf in the genesis tree", member.Name)
		}
	}

	params := first.Params()
	if params.Threshold != 2 || len(params.Witnesses) != 3 {
		t.Errorf("Params = threshold %d, %d witnesses", params.Threshold, len(params.Witnesses))
	}
	if err := params.Validate(); err != nil {
		t.Errorf("Params.Validate: %v", err)
	}
	tokens, err := first.RootTokens()
	if err != nil {
		t.Fatal(err)
	}
	if len(tokens) != 3 {
		t.Errorf("%d root tokens, want 3", len(tokens))
	}
}

func TestNewAccountRejectsBadSpecs(t *testing.T) {
	tests := []struct {
		name string
		spec AccountSpec
	}{
		{"no devices", AccountSpec{Threshold: 1}},
		{"zero threshold", AccountSpec{Names: []string{"a", "b"}}},
		{"threshold above count", AccountSpec{Names: []string{"a", "b"}, Threshold: 3}},
		{"repeated name", AccountSpec{Names: []string{"a", "a"}, Threshold: 1}},
		{"empty name", AccountSpec{Names: []string{"a", ""}, Threshold: 1}},
		{"address count", AccountSpec{Names: []string{"a", "b"}, Threshold: 1, Addresses: []string{"127.0.0.1:1"}}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := NewAccount(test.spec, 0, testutil.Rand(1))
			if !errors.Is(err, ErrInvalidAccount) {
				t.Errorf("NewAccount = %v, want ErrInvalidAccount", err)
			}
		})
	}
}

func TestEnrollmentRoundTrip(t *testing.T) {
	enrollments := newAccount(t, 2, "alice", "bob")
	dir := filepath.Join(t.TempDir(), "alice")
	if err := SaveEnrollment(dir, enrollments[0], testutil.Rand(3)); err != nil {
		t.Fatalf("SaveEnrollment: %v", err)
	}

	loaded, err := LoadEnrollment(dir)
	if err != nil {
		t.Fatalf("LoadEnrollment: %v", err)
	}
	defer loaded.Close()
	if loaded.Profile.Device != enrollments[0].Profile.Device {
		t.Errorf("device = %s, want %s", loaded.Profile.Device, enrollments[0].Profile.Device)
	}
	if loaded.Share.Identifier != enrollments[0].Share.Identifier {
		t.Errorf("share identifier = %d, want %d", loaded.Share.Identifier, enrollments[0].Share.Identifier)
	}
	if !slices.Equal(loaded.Private, enrollments[0].Private) {
		t.Error("device key changed across save and load")
	}

	info, err := os.Stat(filepath.Join(dir, shareFile))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("share file mode = %o, want 600", info.Mode().Perm())
	}

	err = SaveEnrollment(dir, enrollments[0], testutil.Rand(4))
	if failure.KindOf(err) != failure.AlreadyInitialized {
		t.Errorf("second SaveEnrollment = %v, want AlreadyInitialized", err)
	}
}

func TestLoadEnrollmentRequiresInit(t *testing.T) {
	_, err := LoadEnrollment(t.TempDir())
	if !errors.Is(err, ErrNotEnrolled) || failure.KindOf(err) != failure.NotInitialized {
		t.Errorf("LoadEnrollment(empty) = %v, want ErrNotEnrolled", err)
	}
}

func TestLoadEnrollmentRejectsForeignKey(t *testing.T) {
	enrollments := newAccount(t, 2, "alice", "bob")
	alice := filepath.Join(t.TempDir(), "alice")
	bob := filepath.Join(t.TempDir(), "bob")
	if err := SaveEnrollment(alice, enrollments[0], testutil.Rand(3)); err != nil {
		t.Fatal(err)
	}
	if err := SaveEnrollment(bob, enrollments[1], testutil.Rand(4)); err != nil {
		t.Fatal(err)
	}
	// Swap in bob's profile next to alice's keys.
	data, err := os.ReadFile(filepath.Join(bob, profileFile))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(alice, profileFile), data, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadEnrollment(alice); !errors.Is(err, ErrInvalidAccount) {
		t.Errorf("LoadEnrollment(mismatched) = %v, want ErrInvalidAccount", err)
	}
}

func TestInspectStoppedDevice(t *testing.T) {
	enrollments := newAccount(t, 2, "alice", "bob")
	cfg := testConfig(t)
	cfg.Storage.Database = filepath.Join(cfg.Storage.StateDir, "ledger.db")

	status, err := Inspect(context.Background(), cfg, enrollments[0].Profile)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	genesis, err := enrollments[0].Profile.GenesisState()
	if err != nil {
		t.Fatal(err)
	}
	if status.Running || status.Operations != 0 || status.Commitment != genesis.Commitment().String() {
		t.Errorf("Inspect = %+v", status)
	}
	if !slices.Equal(status.Members, []string{"alice", "bob"}) {
		t.Errorf("members = %v", status.Members)
	}
}
