// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package intent_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/hxrts/aura-sub026/intent"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/lib/testutil"
	"github.com/hxrts/aura-sub026/tree"
	"github.com/hxrts/aura-sub026/tree/treetest"
)

var (
	snapshotA = ids.Hash32{0xa}
	snapshotB = ids.Hash32{0xb}
)

func makeIntent(name string, snapshot ids.Hash32, priority uint64, span ...ids.NodeIndex) intent.Intent {
	return intent.Intent{
		ID:                 ids.DeriveIntentID([]byte(name)),
		PathSpan:           span,
		SnapshotCommitment: snapshot,
		Priority:           priority,
		Author:             testutil.Device("alice"),
	}
}

func TestConflictsWith(t *testing.T) {
	tests := []struct {
		name string
		a, b intent.Intent
		want bool
	}{
		{"same snapshot overlapping", makeIntent("a", snapshotA, 1, 1), makeIntent("b", snapshotA, 1, 1), false},
		{"different snapshot overlapping", makeIntent("a", snapshotA, 1, 1, 3), makeIntent("b", snapshotB, 1, 3), true},
		{"different snapshot disjoint", makeIntent("a", snapshotA, 1, 1, 2), makeIntent("b", snapshotB, 1, 3, 4), false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := intent.ConflictsWith(test.a, test.b); got != test.want {
				t.Errorf("ConflictsWith = %v, want %v", got, test.want)
			}
			if got := intent.ConflictsWith(test.b, test.a); got != test.want {
				t.Errorf("ConflictsWith is not symmetric")
			}
		})
	}
}

func TestBatchAdmission(t *testing.T) {
	// Same snapshot, overlapping span: both fit.
	batch := intent.NewBatch(snapshotA, intent.DefaultBatchPolicy)
	if err := batch.Add(makeIntent("first", snapshotA, 5, 1)); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := batch.Add(makeIntent("second", snapshotA, 3, 1)); err != nil {
		t.Fatalf("second add with the same snapshot: %v", err)
	}
	if batch.Len() != 2 || !slices.Equal(batch.CombinedPathSpan, []ids.NodeIndex{1}) {
		t.Fatalf("batch = %d members, span %v", batch.Len(), batch.CombinedPathSpan)
	}

	// Different snapshot, overlapping span: the lower-ranked one is
	// rejected.
	err := batch.Add(makeIntent("third", snapshotB, 9, 1))
	if !errors.Is(err, intent.ErrSnapshotMismatch) {
		t.Fatalf("add from another snapshot: got %v, want ErrSnapshotMismatch", err)
	}
}

func TestBatchPolicyLimits(t *testing.T) {
	batch := intent.NewBatch(snapshotA, intent.BatchPolicy{MaxIntents: 1})
	if err := batch.Add(makeIntent("a", snapshotA, 1, 1)); err != nil {
		t.Fatal(err)
	}
	if err := batch.Add(makeIntent("b", snapshotA, 1, 2)); !errors.Is(err, intent.ErrBatchFull) {
		t.Fatalf("got %v, want ErrBatchFull", err)
	}

	batch = intent.NewBatch(snapshotA, intent.BatchPolicy{MaxPathSpan: 2})
	if err := batch.Add(makeIntent("a", snapshotA, 1, 1, 2)); err != nil {
		t.Fatal(err)
	}
	if err := batch.Add(makeIntent("b", snapshotA, 1, 3)); !errors.Is(err, intent.ErrSpanTooLarge) {
		t.Fatalf("got %v, want ErrSpanTooLarge", err)
	}
}

func TestSelectBatchSkipsStaleAndRanks(t *testing.T) {
	pool := intent.NewPool(testutil.Device("alice"), testutil.Context("account"))
	low := makeIntent("low", snapshotA, 1, 1)
	high := makeIntent("high", snapshotA, 10, 2)
	stale := makeIntent("stale", snapshotB, 100, 3)
	for _, candidate := range []intent.Intent{low, high, stale} {
		if !pool.Enqueue(candidate) {
			t.Fatalf("Enqueue(%s) returned false", candidate.ID)
		}
	}
	if pool.Enqueue(low) {
		t.Fatal("Enqueue is not idempotent")
	}

	batch := pool.SelectBatch(snapshotA, intent.DefaultBatchPolicy)
	if got := batch.IDs(); !slices.Equal(got, []ids.IntentID{high.ID, low.ID}) {
		t.Fatalf("batch order = %v, want [high low]", got)
	}
	for _, member := range batch.Intents {
		if member.IsStale(snapshotA) {
			t.Fatalf("stale intent %s selected", member.ID)
		}
	}

	superseded := pool.SupersedeStale(snapshotA)
	if len(superseded) != 1 || superseded[0].ID != stale.ID {
		t.Fatalf("SupersedeStale = %v", superseded)
	}
	if pool.Status(stale.ID) != intent.Superseded {
		t.Errorf("stale status = %s", pool.Status(stale.ID))
	}
	if pool.Len() != 2 {
		t.Errorf("Len = %d, want 2", pool.Len())
	}
}

func TestSelectBatchHonoursLocalStatus(t *testing.T) {
	pool := intent.NewPool(testutil.Device("alice"), testutil.Context("account"))
	a := makeIntent("a", snapshotA, 1, 1)
	pool.Enqueue(a)
	if err := pool.SetStatus(a.ID, intent.Executing); err != nil {
		t.Fatal(err)
	}
	if batch := pool.SelectBatch(snapshotA, intent.DefaultBatchPolicy); batch.Len() != 0 {
		t.Fatalf("executing intent was selected again")
	}
	if err := pool.SetStatus(a.ID, intent.Completed); err == nil {
		t.Fatal("SetStatus(Completed) should require Tombstone")
	}
}

func TestORSetConvergence(t *testing.T) {
	context := testutil.Context("account")
	alice := intent.NewPool(testutil.Device("alice"), context)
	bob := intent.NewPool(testutil.Device("bob"), context)

	shared := makeIntent("shared", snapshotA, 1, 1)
	alice.Enqueue(shared)
	if err := bob.Merge(alice.State()); err != nil {
		t.Fatal(err)
	}

	// Bob observed the add and removes it; concurrently Alice enqueues a
	// new intent.
	if !bob.Tombstone(shared.ID) {
		t.Fatal("Tombstone of an observed intent returned false")
	}
	fresh := makeIntent("fresh", snapshotA, 1, 2)
	alice.Enqueue(fresh)

	if err := alice.Merge(bob.State()); err != nil {
		t.Fatal(err)
	}
	if err := bob.Merge(alice.State()); err != nil {
		t.Fatal(err)
	}
	for name, pool := range map[string]*intent.Pool{"alice": alice, "bob": bob} {
		if _, ok := pool.Get(shared.ID); ok {
			t.Errorf("%s still holds the tombstoned intent", name)
		}
		if _, ok := pool.Get(fresh.ID); !ok {
			t.Errorf("%s lost the concurrent enqueue", name)
		}
	}
	if alice.Status(shared.ID) != intent.Completed {
		t.Errorf("alice status for the removed intent = %s", alice.Status(shared.ID))
	}

	aliceState, err := alice.State().Encode()
	if err != nil {
		t.Fatal(err)
	}
	bobState, err := bob.State().Encode()
	if err != nil {
		t.Fatal(err)
	}
	if string(aliceState) != string(bobState) {
		t.Fatal("replicas did not converge to identical state")
	}
}

func TestConcurrentAddSurvivesUnobservedRemove(t *testing.T) {
	context := testutil.Context("account")
	alice := intent.NewPool(testutil.Device("alice"), context)
	bob := intent.NewPool(testutil.Device("bob"), context)

	same := makeIntent("same", snapshotA, 1, 1)
	alice.Enqueue(same)
	bob.Enqueue(same)
	alice.Tombstone(same.ID)

	if err := alice.Merge(bob.State()); err != nil {
		t.Fatal(err)
	}
	if _, ok := alice.Get(same.ID); !ok {
		t.Fatal("an add the remover never observed was lost")
	}
	if alice.Status(same.ID) != intent.Pending {
		t.Errorf("status = %s, want pending", alice.Status(same.ID))
	}
}

func TestJoinSetsLaws(t *testing.T) {
	context := testutil.Context("account")
	pools := make([]*intent.Pool, 3)
	for i, name := range []string{"a", "b", "c"} {
		pools[i] = intent.NewPool(testutil.Device(name), context)
		pools[i].Enqueue(makeIntent(name, snapshotA, uint64(i), ids.NodeIndex(i)))
	}
	pools[1].Enqueue(makeIntent("x", snapshotA, 1, 9))
	pools[1].Tombstone(ids.DeriveIntentID([]byte("x")))
	a, b, c := pools[0].State(), pools[1].State(), pools[2].State()

	join := func(x, y intent.SetFact) intent.SetFact {
		t.Helper()
		out, err := intent.JoinSets(x, y)
		if err != nil {
			t.Fatal(err)
		}
		return out
	}
	encode := func(fact intent.SetFact) string {
		t.Helper()
		data, err := fact.Encode()
		if err != nil {
			t.Fatal(err)
		}
		return string(data)
	}
	if encode(join(a, b)) != encode(join(b, a)) {
		t.Error("join is not commutative")
	}
	if encode(join(join(a, b), c)) != encode(join(a, join(b, c))) {
		t.Error("join is not associative")
	}
	if encode(join(a, a)) != encode(a) {
		t.Error("join is not idempotent")
	}

	decoded, err := intent.DecodeSetFact([]byte(encode(b)))
	if err != nil {
		t.Fatal(err)
	}
	if encode(decoded) != encode(b) {
		t.Error("set fact does not round-trip")
	}

	if _, err := intent.JoinSets(a, intent.SetFact{Context: testutil.Context("other")}); !errors.Is(err, intent.ErrForeignContext) {
		t.Errorf("join across contexts: %v", err)
	}
}

func TestNewIntentFromTree(t *testing.T) {
	group, err := treetest.NewGroup(2, 3, "alice", "bob", "carol")
	if err != nil {
		t.Fatal(err)
	}
	created, err := intent.New(ids.DeriveIntentID([]byte("rm")), group.Genesis, tree.RemoveLeafOp(1, 0), 5, group.Devices[0], 1000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if created.SnapshotCommitment != group.Genesis.Commitment() {
		t.Error("snapshot is not the tree commitment")
	}
	if !slices.Equal(created.PathSpan, []ids.NodeIndex{ids.RootIndex}) {
		t.Errorf("PathSpan = %v", created.PathSpan)
	}
	if created.Op.ParentCommitment != group.Genesis.Commitment() {
		t.Error("op does not name the snapshot as its parent")
	}
}
