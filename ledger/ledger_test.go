// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ledger_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/hxrts/aura-sub026/ledger"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/lib/sqlitepool"
	"github.com/hxrts/aura-sub026/tree"
	"github.com/hxrts/aura-sub026/tree/treetest"
)

func newGroup(t *testing.T) *treetest.Group {
	t.Helper()
	group, err := treetest.NewGroup(2, 11, "alice", "bob", "carol")
	if err != nil {
		t.Fatalf("NewGroup: %v", err)
	}
	return group
}

// commit attests kind against the ledger's current state and applies it.
func commit(t *testing.T, group *treetest.Group, l *ledger.Ledger, kind tree.TreeOpKind) tree.AttestedOp {
	t.Helper()
	op, err := group.Attest(tree.NewOp(l.State(), kind), 2)
	if err != nil {
		t.Fatalf("Attest: %v", err)
	}
	if _, err := l.Apply(context.Background(), op); err != nil {
		t.Fatalf("Apply %s: %v", kind.Kind, err)
	}
	return op
}

func TestLedgerApplyAndQuery(t *testing.T) {
	group := newGroup(t)
	ctx := context.Background()
	l, err := ledger.Open(ctx, group.Genesis, ledger.NewMemoryStore(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	events := make(chan ledger.Applied, 4)
	l.Subscribe(events)

	first := commit(t, group, l, tree.ChangePolicyOp(ids.RootIndex, tree.All()))
	second := commit(t, group, l, tree.ChangePolicyOp(ids.RootIndex, tree.Threshold(2)))

	if l.Len() != 2 {
		t.Fatalf("Len = %d, want 2", l.Len())
	}
	if !l.Has(first.ID()) || !l.Has(second.ID()) {
		t.Fatal("Has does not find applied ops")
	}
	if got := l.Ops(1, 10); len(got) != 1 || got[0].ID() != second.ID() {
		t.Fatalf("Ops(1, 10) = %v", got)
	}
	if got := l.Ops(0, 1); len(got) != 1 || got[0].ID() != first.ID() {
		t.Fatalf("Ops(0, 1) = %v", got)
	}
	if got := l.Ops(5, 0); got != nil {
		t.Fatalf("Ops past the end = %v", got)
	}

	event := <-events
	if event.Index != 0 || event.Op.ID() != first.ID() {
		t.Errorf("first event = %+v", event)
	}
	event = <-events
	if event.Index != 1 || event.Commitment != l.Commitment() {
		t.Errorf("second event = %+v", event)
	}

	if _, err := l.Apply(ctx, first); !errors.Is(err, ledger.ErrDuplicateOp) {
		t.Fatalf("reapplying an op: got %v, want ErrDuplicateOp", err)
	}
}

func TestLedgerRejectsInvalidOpWithoutChange(t *testing.T) {
	group := newGroup(t)
	l, err := ledger.Open(context.Background(), group.Genesis, ledger.NewMemoryStore(), nil)
	if err != nil {
		t.Fatal(err)
	}
	op, err := group.Attest(tree.NewOp(l.State(), tree.ChangePolicyOp(ids.RootIndex, tree.All())), 2)
	if err != nil {
		t.Fatal(err)
	}
	op.AggSig[5] ^= 0xff
	before := l.Digest()
	if _, err := l.Apply(context.Background(), op); !errors.Is(err, tree.ErrBadAttestation) {
		t.Fatalf("got %v, want ErrBadAttestation", err)
	}
	if l.Digest() != before {
		t.Fatal("rejected op changed the ledger")
	}
}

func TestLedgerDigestMatchesAcrossReplicas(t *testing.T) {
	group := newGroup(t)
	ctx := context.Background()
	a, err := ledger.Open(ctx, group.Genesis, ledger.NewMemoryStore(), nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := ledger.Open(ctx, group.Genesis, ledger.NewMemoryStore(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if a.Digest() != b.Digest() {
		t.Fatal("empty replicas disagree")
	}
	op := commit(t, group, a, tree.RemoveLeafOp(2, 0))
	if a.Digest() == b.Digest() {
		t.Fatal("digest did not change after apply")
	}
	if _, err := b.Apply(ctx, op); err != nil {
		t.Fatalf("replica apply: %v", err)
	}
	if a.Digest() != b.Digest() {
		t.Fatalf("replicas diverged: %+v vs %+v", a.Digest(), b.Digest())
	}
}

func TestSQLiteStoreReopens(t *testing.T) {
	group := newGroup(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	store, err := ledger.OpenSQLiteStore(ctx, sqlitepool.Config{Path: path})
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	l, err := ledger.Open(ctx, group.Genesis, store, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	commit(t, group, l, tree.ChangePolicyOp(ids.RootIndex, tree.Any()))
	leaf, err := group.Leaf(3, "dave")
	if err != nil {
		t.Fatal(err)
	}
	commit(t, group, l, tree.AddLeafOp(leaf, ids.RootIndex))
	want := l.Digest()
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	store, err = ledger.OpenSQLiteStore(ctx, sqlitepool.Config{Path: path})
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	reopened, err := ledger.Open(ctx, nil, store, nil)
	if err != nil {
		t.Fatalf("Open from stored genesis: %v", err)
	}
	defer reopened.Close()
	if got := reopened.Digest(); got != want {
		t.Fatalf("reopened digest %+v, want %+v", got, want)
	}
	if _, ok := reopened.State().LeafForDevice(leaf.Device); !ok {
		t.Fatal("replayed state lost the added leaf")
	}
}

func TestOpenChecksGenesis(t *testing.T) {
	ctx := context.Background()
	if _, err := ledger.Open(ctx, nil, ledger.NewMemoryStore(), nil); !errors.Is(err, ledger.ErrNoGenesis) {
		t.Fatalf("no genesis: got %v", err)
	}

	store := ledger.NewMemoryStore()
	if _, err := ledger.Open(ctx, newGroup(t).Genesis, store, nil); err != nil {
		t.Fatal(err)
	}
	other, err := treetest.NewGroup(1, 99, "zed")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ledger.Open(ctx, other.Genesis, store, nil); !errors.Is(err, ledger.ErrGenesisMismatch) {
		t.Fatalf("different genesis: got %v", err)
	}
}

func TestMemoryStoreRejectsGaps(t *testing.T) {
	store := ledger.NewMemoryStore()
	err := store.Append(context.Background(), 3, tree.AttestedOp{Op: tree.TreeOp{Version: tree.OpVersion}})
	if !errors.Is(err, ledger.ErrOutOfOrder) {
		t.Fatalf("got %v, want ErrOutOfOrder", err)
	}
}
