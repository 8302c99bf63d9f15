// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package antientropy_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/hxrts/aura-sub026/antientropy"
	"github.com/hxrts/aura-sub026/capability"
	"github.com/hxrts/aura-sub026/crdt"
	"github.com/hxrts/aura-sub026/effects"
	"github.com/hxrts/aura-sub026/guard"
	"github.com/hxrts/aura-sub026/intent"
	"github.com/hxrts/aura-sub026/ledger"
	"github.com/hxrts/aura-sub026/lib/clock"
	"github.com/hxrts/aura-sub026/lib/config"
	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/lib/testutil"
	"github.com/hxrts/aura-sub026/lib/timestamp"
	"github.com/hxrts/aura-sub026/tree"
	"github.com/hxrts/aura-sub026/tree/treetest"
)

var account = testutil.Context("account")

type replica struct {
	device   ids.DeviceID
	ledger   *ledger.Ledger
	registry *crdt.Registry
	pool     *intent.Pool
	syncer   *antientropy.Syncer
}

// history builds a group and a chain of count attested ops adding a
// leaf each.
func history(t *testing.T, count int) (*treetest.Group, []tree.AttestedOp) {
	t.Helper()
	group, err := treetest.NewGroup(2, 11, "alice", "bob", "carol")
	if err != nil {
		t.Fatal(err)
	}
	state := group.Genesis
	var ops []tree.AttestedOp
	for i := range count {
		leaf, err := group.Leaf(state.NextLeafID(), "guest-"+string(rune('a'+i)))
		if err != nil {
			t.Fatal(err)
		}
		op, err := group.Attest(tree.NewOp(state, tree.AddLeafOp(leaf, ids.RootIndex)), 2)
		if err != nil {
			t.Fatal(err)
		}
		state, _, err = tree.Apply(op, state)
		if err != nil {
			t.Fatalf("applying op %d: %v", i, err)
		}
		ops = append(ops, op)
	}
	return group, ops
}

type cluster struct {
	hub      *effects.Hub
	group    *treetest.Group
	replicas map[string]*replica
}

func newCluster(t *testing.T, group *treetest.Group, mutate func(name string, cfg *antientropy.Config), names ...string) *cluster {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c := &cluster{hub: effects.NewHub(), group: group, replicas: make(map[string]*replica)}
	for _, name := range names {
		device := testutil.Device(name)
		book, err := ledger.Open(ctx, group.Genesis, ledger.NewMemoryStore(), nil)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { book.Close() })
		mux := effects.NewMux(c.hub.Endpoint(device), nil)
		r := &replica{
			device:   device,
			ledger:   book,
			registry: crdt.NewRegistry(nil, nil),
			pool:     intent.NewPool(device, account),
		}
		cfg := antientropy.Config{
			Self:     device,
			Context:  account,
			Ledger:   book,
			Registry: r.registry,
			Pool:     r.pool,
			Network:  mux.Channel(antientropy.ChannelTag, 0),
		}
		if mutate != nil {
			mutate(name, &cfg)
		}
		r.syncer, err = antientropy.NewSyncer(cfg)
		if err != nil {
			t.Fatal(err)
		}
		go mux.Run(ctx)
		go r.syncer.Run(ctx)
		c.replicas[name] = r
	}
	return c
}

func applyAll(t *testing.T, book *ledger.Ledger, ops []tree.AttestedOp) {
	t.Helper()
	for _, op := range ops {
		if _, err := book.Apply(context.Background(), op); err != nil {
			t.Fatal(err)
		}
	}
}

func TestCompareDigests(t *testing.T) {
	digest := func(count uint64, opHash, factHash byte) antientropy.Digest {
		var d antientropy.Digest
		d.Journal.OperationCount = count
		d.Journal.OperationHash = ids.Hash32{opHash}
		d.FactHash = ids.Hash32{factHash}
		return d
	}
	tests := []struct {
		name          string
		local, remote antientropy.Digest
		want          antientropy.DigestStatus
	}{
		{"equal", digest(3, 1, 1), digest(3, 1, 1), antientropy.Equal},
		{"local behind", digest(2, 1, 1), digest(3, 2, 1), antientropy.LocalBehind},
		{"remote behind", digest(4, 1, 1), digest(3, 2, 1), antientropy.RemoteBehind},
		{"same count different ops", digest(3, 1, 1), digest(3, 2, 1), antientropy.Diverged},
		{"same ops different facts", digest(3, 1, 1), digest(3, 1, 2), antientropy.Diverged},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := antientropy.Compare(tt.local, tt.remote); got != tt.want {
				t.Errorf("Compare = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPlanRequestTargetsMissingIDs(t *testing.T) {
	group, ops := history(t, 3)
	local, _ := ledger.Open(context.Background(), group.Genesis, ledger.NewMemoryStore(), nil)
	remote, _ := ledger.Open(context.Background(), group.Genesis, ledger.NewMemoryStore(), nil)
	applyAll(t, local, ops[:1])
	applyAll(t, remote, ops)

	localDigest, err := antientropy.NewDigest(local, ids.Hash32{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	remoteDigest, err := antientropy.NewDigest(remote, ids.Hash32{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	known := map[ids.Hash32]bool{ops[0].ID(): true}
	request, pull, err := antientropy.PlanRequest(localDigest, remoteDigest, known, 1)
	if err != nil || !pull {
		t.Fatalf("PlanRequest = %v, %v", pull, err)
	}
	if !slices.Equal(request.Missing, []ids.Hash32{ops[1].ID()}) {
		t.Errorf("Missing = %v, want only the first unknown op (max 1)", request.Missing)
	}

	_, pull, err = antientropy.PlanRequest(remoteDigest, localDigest, map[ids.Hash32]bool{
		ops[0].ID(): true, ops[1].ID(): true, ops[2].ID(): true,
	}, 10)
	if err != nil || pull {
		t.Errorf("ahead replica plans a pull: %v, %v", pull, err)
	}
}

func TestPlanRequestWithBloomUsesRanges(t *testing.T) {
	group, ops := history(t, 3)
	local, _ := ledger.Open(context.Background(), group.Genesis, ledger.NewMemoryStore(), nil)
	remote, _ := ledger.Open(context.Background(), group.Genesis, ledger.NewMemoryStore(), nil)
	applyAll(t, local, ops[:1])
	applyAll(t, remote, ops)
	bloom := &config.BloomConfig{ExpectedItems: 100, FalsePositiveRate: 0.001}

	localDigest, _ := antientropy.NewDigest(local, ids.Hash32{}, bloom)
	remoteDigest, err := antientropy.NewDigest(remote, ids.Hash32{}, bloom)
	if err != nil {
		t.Fatal(err)
	}
	if remoteDigest.Exact() {
		t.Fatal("bloom digest reports exact")
	}
	request, pull, err := antientropy.PlanRequest(localDigest, remoteDigest, nil, 256)
	if err != nil || !pull {
		t.Fatalf("PlanRequest = %v, %v", pull, err)
	}
	if request.FromIndex != 1 || request.MaxOps != 2 || len(request.Missing) != 0 {
		t.Errorf("request = %+v, want range from 1 of 2", request)
	}
	for _, op := range ops {
		if held, err := remoteDigest.Contains(op.ID()); err != nil || !held {
			t.Errorf("remote bloom misses %s: %v", op.ID().Short(), err)
		}
	}
}

func TestBloomFilterSizing(t *testing.T) {
	for _, rate := range []float64{0, 0.01, 0.5, -0.1} {
		if _, err := antientropy.NewBloomFilter(100, rate); !errors.Is(err, antientropy.ErrInvalidBloom) {
			t.Errorf("rate %g accepted: %v", rate, err)
		}
	}
	if _, err := antientropy.NewBloomFilter(0, 0.001); !errors.Is(err, antientropy.ErrInvalidBloom) {
		t.Errorf("zero expected items accepted: %v", err)
	}

	filter, err := antientropy.NewBloomFilter(1000, 0.001)
	if err != nil {
		t.Fatal(err)
	}
	bits, hashes := filter.Size()
	// m = -n ln p / ln2^2 = 14378, k = m/n ln2 = 10.
	if bits != 14378 || hashes != 10 {
		t.Errorf("Size = %d bits, %d hashes; want 14378, 10", bits, hashes)
	}
	var added []ids.Hash32
	for i := range 1000 {
		id := ids.Hash32{byte(i), byte(i >> 8), 0xaa}
		filter.Add(id)
		added = append(added, id)
	}
	for _, id := range added {
		if !filter.Contains(id) {
			t.Fatalf("false negative for %s", id.Short())
		}
	}
	falsePositives := 0
	for i := range 10000 {
		if filter.Contains(ids.Hash32{byte(i), byte(i >> 8), 0xbb}) {
			falsePositives++
		}
	}
	if falsePositives > 50 {
		t.Errorf("%d false positives in 10000, expected about 10", falsePositives)
	}
}

func TestNewSyncerRejectsLooseBloom(t *testing.T) {
	group, _ := history(t, 0)
	book, _ := ledger.Open(context.Background(), group.Genesis, ledger.NewMemoryStore(), nil)
	_, err := antientropy.NewSyncer(antientropy.Config{
		Ledger:  book,
		Network: effects.NewHub().Endpoint(testutil.Device("alice")),
		Bloom:   &config.BloomConfig{ExpectedItems: 10, FalsePositiveRate: 0.05},
	})
	if failure.KindOf(err) != failure.InvalidInput {
		t.Errorf("NewSyncer error = %v, want invalid input", err)
	}
}

func TestSyncPullsMissingOps(t *testing.T) {
	group, ops := history(t, 3)
	c := newCluster(t, group, nil, "alice", "bob")
	alice, bob := c.replicas["alice"], c.replicas["bob"]
	applyAll(t, alice.ledger, ops)

	result, err := bob.syncer.SyncWith(context.Background(), alice.device)
	if err != nil {
		t.Fatalf("SyncWith: %v", err)
	}
	if result.Status != antientropy.LocalBehind || result.Pulled.Applied != 3 {
		t.Errorf("result = %+v, want local_behind with 3 pulled", result)
	}
	if bob.ledger.Commitment() != alice.ledger.Commitment() {
		t.Errorf("bob at %s, alice at %s", bob.ledger.Commitment().Short(), alice.ledger.Commitment().Short())
	}

	again, err := bob.syncer.SyncWith(context.Background(), alice.device)
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != antientropy.Equal {
		t.Errorf("second round status = %s, want equal", again.Status)
	}
}

func TestSyncPushesOpsThePeerLacks(t *testing.T) {
	group, ops := history(t, 2)
	c := newCluster(t, group, nil, "alice", "bob")
	alice, bob := c.replicas["alice"], c.replicas["bob"]
	applyAll(t, alice.ledger, ops)

	result, err := alice.syncer.SyncWith(context.Background(), bob.device)
	if err != nil {
		t.Fatalf("SyncWith: %v", err)
	}
	if result.Status != antientropy.RemoteBehind || result.Pushed.Applied != 2 || result.Pulled.Applied != 0 {
		t.Errorf("result = %+v, want remote_behind with 2 pushed", result)
	}
	if bob.ledger.Len() != 2 {
		t.Errorf("bob holds %d ops, want 2", bob.ledger.Len())
	}
}

func TestSyncWithBloomDigests(t *testing.T) {
	group, ops := history(t, 4)
	bloom := &config.BloomConfig{ExpectedItems: 64, FalsePositiveRate: 0.001}
	c := newCluster(t, group, func(_ string, cfg *antientropy.Config) { cfg.Bloom = bloom }, "alice", "bob")
	alice, bob := c.replicas["alice"], c.replicas["bob"]
	applyAll(t, alice.ledger, ops)
	applyAll(t, bob.ledger, ops[:1])

	if _, err := bob.syncer.SyncWith(context.Background(), alice.device); err != nil {
		t.Fatalf("SyncWith: %v", err)
	}
	if bob.ledger.Len() != 4 || bob.ledger.Commitment() != alice.ledger.Commitment() {
		t.Errorf("bob holds %d ops at %s, want alice's 4", bob.ledger.Len(), bob.ledger.Commitment().Short())
	}
}

func TestSyncRespectsMaxOpsPerSync(t *testing.T) {
	group, ops := history(t, 5)
	c := newCluster(t, group, func(_ string, cfg *antientropy.Config) { cfg.MaxOpsPerSync = 2 }, "alice", "bob")
	alice, bob := c.replicas["alice"], c.replicas["bob"]
	applyAll(t, alice.ledger, ops)

	for round, want := range []int{2, 4, 5} {
		if _, err := bob.syncer.SyncWith(context.Background(), alice.device); err != nil {
			t.Fatal(err)
		}
		if got := bob.ledger.Len(); got != want {
			t.Errorf("after round %d bob holds %d ops, want %d", round+1, got, want)
		}
	}
}

func TestMergeBuffersOutOfOrderOps(t *testing.T) {
	group, ops := history(t, 3)
	c := newCluster(t, group, nil, "alice")
	alice := c.replicas["alice"]
	ctx := context.Background()

	first := alice.syncer.Merge(ctx, []tree.AttestedOp{ops[2], ops[1]})
	if first.Buffered != 2 || first.Applied != 0 {
		t.Errorf("first merge = %+v, want 2 buffered", first)
	}
	if alice.syncer.Pending() != 2 {
		t.Errorf("Pending = %d, want 2", alice.syncer.Pending())
	}

	second := alice.syncer.Merge(ctx, []tree.AttestedOp{ops[0], ops[0]})
	if second.Applied != 3 || second.Duplicates != 1 {
		t.Errorf("second merge = %+v, want 3 applied and 1 duplicate", second)
	}
	if alice.syncer.Pending() != 0 || alice.ledger.Len() != 3 {
		t.Errorf("pending %d, log %d; want 0 and 3", alice.syncer.Pending(), alice.ledger.Len())
	}
}

func TestMergeRejectsBadSignatures(t *testing.T) {
	group, ops := history(t, 1)
	c := newCluster(t, group, nil, "alice")
	alice := c.replicas["alice"]

	forged := ops[0]
	forged.AggSig = slices.Clone(forged.AggSig)
	forged.AggSig[0] ^= 0xff
	result := alice.syncer.Merge(context.Background(), []tree.AttestedOp{forged})
	if result.Rejected != 1 || alice.ledger.Len() != 0 {
		t.Errorf("merge = %+v with %d ops, want the forgery rejected", result, alice.ledger.Len())
	}
}

func TestMergeBufferIsBounded(t *testing.T) {
	group, ops := history(t, 4)
	c := newCluster(t, group, func(_ string, cfg *antientropy.Config) { cfg.MaxBuffered = 2 }, "alice")
	alice := c.replicas["alice"]

	alice.syncer.Merge(context.Background(), []tree.AttestedOp{ops[1], ops[2], ops[3]})
	if alice.syncer.Pending() != 2 {
		t.Errorf("Pending = %d, want the bound of 2", alice.syncer.Pending())
	}
	// ops[1] was evicted, so ops[0] applies alone.
	result := alice.syncer.Merge(context.Background(), []tree.AttestedOp{ops[0]})
	if result.Applied != 1 || alice.ledger.Len() != 1 {
		t.Errorf("merge = %+v, log %d; want only ops[0] applied", result, alice.ledger.Len())
	}
}

func TestMergeDoesNotBufferForgeries(t *testing.T) {
	group, ops := history(t, 4)
	c := newCluster(t, group, func(_ string, cfg *antientropy.Config) { cfg.MaxBuffered = 1 }, "alice")
	alice := c.replicas["alice"]
	ctx := context.Background()

	if result := alice.syncer.Merge(ctx, []tree.AttestedOp{ops[2]}); result.Buffered != 1 {
		t.Fatalf("merge = %+v, want ops[2] buffered", result)
	}
	var forgeries []tree.AttestedOp
	for _, op := range []tree.AttestedOp{ops[1], ops[3]} {
		op.AggSig = slices.Clone(op.AggSig)
		op.AggSig[0] ^= 0xff
		forgeries = append(forgeries, op)
	}
	result := alice.syncer.Merge(ctx, forgeries)
	if result.Rejected != 2 || result.Buffered != 0 {
		t.Errorf("merge of forgeries = %+v, want both rejected", result)
	}
	if alice.syncer.Pending() != 1 {
		t.Errorf("Pending = %d, want ops[2] still held", alice.syncer.Pending())
	}

	result = alice.syncer.Merge(ctx, []tree.AttestedOp{ops[0], ops[1]})
	if result.Applied != 3 || alice.ledger.Len() != 3 {
		t.Errorf("merge = %+v, log %d; want ops 0 to 2 applied", result, alice.ledger.Len())
	}
}

func TestSyncExchangesFacts(t *testing.T) {
	group, _ := history(t, 0)
	c := newCluster(t, group, nil, "alice", "bob")
	alice, bob := c.replicas["alice"], c.replicas["bob"]
	ctx := context.Background()

	muted := crdt.ModerationFact{
		Kind:    crdt.Mute,
		Context: account,
		Subject: "mallory",
		Actor:   testutil.Authority("moderator"),
		Active:  true,
		At:      timestamp.Physical(1000),
	}
	if _, err := alice.registry.Put(ctx, muted); err != nil {
		t.Fatal(err)
	}
	proposed, err := intent.New(ids.DeriveIntentID([]byte("rotate")), group.Genesis,
		tree.RotateEpochOp([]ids.NodeIndex{ids.RootIndex}, nil), 1, bob.device, 1)
	if err != nil {
		t.Fatal(err)
	}
	bob.pool.Enqueue(proposed)

	result, err := alice.syncer.SyncWith(ctx, bob.device)
	if err != nil {
		t.Fatalf("SyncWith: %v", err)
	}
	if result.Status != antientropy.Diverged || result.Facts != 1 {
		t.Errorf("result = %+v, want diverged with the pool changed", result)
	}
	if bob.registry.Len() != 1 {
		t.Errorf("bob registry holds %d facts, want alice's mute", bob.registry.Len())
	}
	if _, ok := alice.pool.Get(proposed.ID); !ok {
		t.Error("alice's pool is missing bob's intent")
	}
	aliceHash, _ := alice.syncer.FactHash()
	bobHash, _ := bob.syncer.FactHash()
	if aliceHash != bobHash {
		t.Errorf("fact hashes differ after the round: %s vs %s", aliceHash.Short(), bobHash.Short())
	}
}

// pullOnly grants reads to everyone and writes to nobody.
type pullOnly struct{}

func (pullOnly) Check(_ ids.DeviceID, required capability.Capability, _ uint64) error {
	if slices.Contains(required.Permissions, capability.PermissionSyncPush) {
		return failure.New(failure.AuthorizationDenied, "push not granted")
	}
	return nil
}

func TestServerGuardsPushes(t *testing.T) {
	group, ops := history(t, 1)
	c := newCluster(t, group, func(name string, cfg *antientropy.Config) {
		if name == "bob" {
			cfg.Chain = &guard.Chain{Cap: guard.NewCapGuard(pullOnly{}, clock.Real())}
		}
	}, "alice", "bob")
	alice, bob := c.replicas["alice"], c.replicas["bob"]
	applyAll(t, alice.ledger, ops)

	_, err := alice.syncer.SyncWith(context.Background(), bob.device)
	if failure.KindOf(err) != failure.AuthorizationDenied {
		t.Errorf("push to guarded peer = %v, want authorization denied", err)
	}
	if bob.ledger.Len() != 0 {
		t.Error("guarded peer accepted pushed ops")
	}

	// Pulls from bob are still allowed.
	if _, err := bob.syncer.SyncWith(context.Background(), alice.device); err != nil {
		t.Fatalf("pull by guarded peer: %v", err)
	}
	if bob.ledger.Len() != 1 {
		t.Error("guarded peer did not pull")
	}
}

func TestSchedulerSyncsPeersEachTick(t *testing.T) {
	group, ops := history(t, 2)
	c := newCluster(t, group, nil, "alice", "bob", "carol")
	alice := c.replicas["alice"]
	applyAll(t, alice.ledger, ops)

	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	scheduler := antientropy.NewScheduler(c.replicas["bob"].syncer, fake, 30*time.Second, nil)
	scheduler.AddPeer(alice.device)
	scheduler.AddPeer(alice.device)
	if peers := scheduler.Peers(); len(peers) != 1 {
		t.Fatalf("Peers = %v, want alice once", peers)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- scheduler.Run(ctx) }()
	fake.WaitForTimers(1)
	fake.Advance(30 * time.Second)

	deadline := time.Now().Add(5 * time.Second)
	for c.replicas["bob"].ledger.Len() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("bob holds %d ops after a tick, want 2", c.replicas["bob"].ledger.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if c.replicas["carol"].ledger.Len() != 0 {
		t.Error("unscheduled peer was synced")
	}

	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "scheduler exit"); err != nil {
		t.Errorf("Run = %v", err)
	}
}
