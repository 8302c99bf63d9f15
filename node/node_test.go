// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/hxrts/aura-sub026/effects"
	"github.com/hxrts/aura-sub026/lib/clock"
	"github.com/hxrts/aura-sub026/lib/config"
	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/lib/signing"
	"github.com/hxrts/aura-sub026/lib/testutil"
	"github.com/hxrts/aura-sub026/rendezvous"
	"github.com/hxrts/aura-sub026/tree"
)

func newAccount(t *testing.T, threshold uint16, names ...string) []Enrollment {
	t.Helper()
	enrollments, err := NewAccount(AccountSpec{Names: names, Threshold: threshold}, uint64(time.Now().UnixMilli()), testutil.Rand(1))
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	t.Cleanup(func() {
		for i := range enrollments {
			enrollments[i].Close()
		}
	})
	return enrollments
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.StateDir = t.TempDir()
	cfg.Storage.Database = ""
	cfg.LanDiscovery.Enabled = false
	cfg.AntiEntropy.IntervalMs = uint64(time.Hour.Milliseconds())
	cfg.Middleware.EnableErrorRecovery = false
	cfg.Timeouts.Prepare = 2 * time.Second
	cfg.Timeouts.Frost = 2 * time.Second
	cfg.Timeouts.Commit = 2 * time.Second
	return cfg
}

// startNodes runs one node per enrollment over hub and stops them when
// the test ends.
func startNodes(t *testing.T, hub *effects.Hub, enrollments []Enrollment) []*Node {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	nodes := make([]*Node, len(enrollments))
	done := make(chan error, len(enrollments))
	for i, enrollment := range enrollments {
		n, err := New(ctx, Options{
			Config:            testConfig(t),
			Enrollment:        enrollment,
			Network:           hub.Endpoint(enrollment.Profile.Device),
			InstigateInterval: 20 * time.Millisecond,
		})
		if err != nil {
			cancel()
			t.Fatalf("New(%s): %v", enrollment.Profile.Self().Name, err)
		}
		nodes[i] = n
	}
	for _, n := range nodes {
		go func() { done <- n.Run(ctx) }()
	}
	t.Cleanup(func() {
		cancel()
		for range nodes {
			if err := <-done; err != nil {
				t.Errorf("Run: %v", err)
			}
		}
	})
	return nodes
}

func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func addLeaf(t *testing.T, n *Node, name string) tree.TreeOpKind {
	t.Helper()
	public, _, err := signing.GenerateKeypair(testutil.Rand(7))
	if err != nil {
		t.Fatal(err)
	}
	leaf := tree.LeafNode{
		ID:        n.Ledger().State().NextLeafID(),
		Device:    testutil.Device(name),
		Role:      tree.RoleDevice,
		PublicKey: public,
		Meta:      []byte(name),
	}
	return tree.AddLeafOp(leaf, ids.RootIndex)
}

func TestProposalCommitsOnEveryMember(t *testing.T) {
	hub := effects.NewHub()
	nodes := startNodes(t, hub, newAccount(t, 2, "alice", "bob", "carol"))

	if _, err := nodes[0].Propose(context.Background(), addLeaf(t, nodes[0], "dave"), 1); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	waitFor(t, "the op to commit everywhere", func() bool {
		for _, n := range nodes {
			if n.Ledger().Len() != 1 {
				return false
			}
		}
		return true
	})
	commitment := nodes[0].Ledger().Commitment()
	for _, n := range nodes {
		if got := n.Ledger().Commitment(); got != commitment {
			t.Errorf("%s: commitment %s, want %s", n.Profile().Self().Name, got.Short(), commitment.Short())
		}
		if _, member := n.Ledger().State().LeafForDevice(testutil.Device("dave")); !member {
			t.Errorf("%s: committed leaf missing", n.Profile().Self().Name)
		}
	}
	waitFor(t, "the intent to leave the pool", func() bool { return nodes[0].Status().PendingIntents == 0 })

	status := nodes[0].Status()
	if status.Name != "alice" || status.Operations != 1 || !status.Running {
		t.Errorf("Status = %+v", status)
	}
	if status.Session != "idle" {
		t.Errorf("session state = %q, want idle", status.Session)
	}
}

func TestPartitionedMemberCatchesUp(t *testing.T) {
	hub := effects.NewHub()
	nodes := startNodes(t, hub, newAccount(t, 2, "alice", "bob", "carol"))
	alice, bob, carol := nodes[0], nodes[1], nodes[2]
	hub.Partition(alice.Profile().Device, carol.Profile().Device)
	hub.Partition(bob.Profile().Device, carol.Profile().Device)

	if _, err := alice.Propose(context.Background(), addLeaf(t, alice, "dave"), 1); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	waitFor(t, "alice and bob to commit", func() bool {
		return alice.Ledger().Len() == 1 && bob.Ledger().Len() == 1
	})
	if carol.Ledger().Len() != 0 {
		t.Fatalf("partitioned member applied %d ops", carol.Ledger().Len())
	}

	hub.Heal()
	result, err := carol.SyncWith(context.Background(), alice.Profile().Device)
	if err != nil {
		t.Fatalf("SyncWith: %v", err)
	}
	if result.Pulled.Applied != 1 {
		t.Errorf("sync applied %d ops, want 1", result.Pulled.Applied)
	}
	if carol.Ledger().Commitment() != alice.Ledger().Commitment() {
		t.Errorf("commitments diverge after sync: %s vs %s", carol.Ledger().Commitment().Short(), alice.Ledger().Commitment().Short())
	}
}

func TestSyncWithRejectsStrangers(t *testing.T) {
	hub := effects.NewHub()
	nodes := startNodes(t, hub, newAccount(t, 2, "alice", "bob"))
	_, err := nodes[0].SyncWith(context.Background(), testutil.Device("mallory"))
	if !failure.Is(err, failure.InvalidInput) {
		t.Errorf("SyncWith(stranger) = %v, want InvalidInput", err)
	}
	if err := nodes[0].authorizePeer(context.Background(), testutil.Device("mallory"), nil); !failure.Is(err, failure.AuthorizationDenied) {
		t.Errorf("authorizePeer(stranger) = %v, want AuthorizationDenied", err)
	}
}

func TestNewRequiresEnrollment(t *testing.T) {
	_, err := New(context.Background(), Options{Config: testConfig(t), Network: effects.NewHub().Endpoint(testutil.Device("x"))})
	if !errors.Is(err, ErrNotEnrolled) {
		t.Errorf("New without enrollment = %v, want ErrNotEnrolled", err)
	}
}

func TestResolvePeer(t *testing.T) {
	enrollments := newAccount(t, 2, "alice", "bob", "carol")
	profile := enrollments[0].Profile
	bob := enrollments[1].Profile.Device
	key := profile.Public.GroupPublicKey
	psk := key[:]
	commitment := rendezvous.CommitPSK(psk)
	now := clock.NowMs(clock.Real())
	source := &net.UDPAddr{IP: net.ParseIP("192.168.1.7"), Port: 19433}

	announce := func(authority ids.AuthorityID, context ids.ContextID, addr string, psk []byte, from, until uint64) rendezvous.DiscoveredPeer {
		t.Helper()
		hint, err := rendezvous.TCPHint(addr)
		if err != nil {
			t.Fatal(err)
		}
		descriptor, err := rendezvous.NewDescriptor(authority, context, []rendezvous.TransportHint{hint}, psk, from, until, testutil.Rand(2))
		if err != nil {
			t.Fatal(err)
		}
		return rendezvous.DiscoveredPeer{Authority: authority, Descriptor: descriptor, Source: source, DiscoveredAtMs: now}
	}

	tests := []struct {
		name    string
		peer    rendezvous.DiscoveredPeer
		want    string
		matched bool
	}{
		{
			name:    "explicit address",
			peer:    announce(DeviceAuthority(bob), profile.Context, "10.0.0.2:19434", psk, now-1000, now+60_000),
			want:    "10.0.0.2:19434",
			matched: true,
		},
		{
			name:    "unspecified host takes the source address",
			peer:    announce(DeviceAuthority(bob), profile.Context, "0.0.0.0:19434", psk, now-1000, now+60_000),
			want:    "192.168.1.7:19434",
			matched: true,
		},
		{
			name: "other account",
			peer: announce(DeviceAuthority(bob), testutil.Context("other"), "10.0.0.2:19434", psk, now-1000, now+60_000),
		},
		{
			name: "wrong pre-shared key",
			peer: announce(DeviceAuthority(bob), profile.Context, "10.0.0.2:19434", []byte("guess"), now-1000, now+60_000),
		},
		{
			name: "not a member",
			peer: announce(DeviceAuthority(testutil.Device("mallory")), profile.Context, "10.0.0.2:19434", psk, now-1000, now+60_000),
		},
		{
			name: "own announcement",
			peer: announce(DeviceAuthority(profile.Device), profile.Context, "10.0.0.2:19434", psk, now-1000, now+60_000),
		},
		{
			name: "expired",
			peer: announce(DeviceAuthority(bob), profile.Context, "10.0.0.2:19434", psk, now-60_000, now-1000),
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			member, address, ok := resolvePeer(profile, commitment, test.peer, now)
			if ok != test.matched {
				t.Fatalf("matched = %v, want %v", ok, test.matched)
			}
			if !ok {
				return
			}
			if member.Device != bob || address != test.want {
				t.Errorf("resolved %s at %q, want bob at %q", member.Name, address, test.want)
			}
		})
	}
}
