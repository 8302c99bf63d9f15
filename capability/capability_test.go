// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package capability_test

import (
	"crypto/ed25519"
	"errors"
	"testing"

	"github.com/hxrts/aura-sub026/capability"
	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/lib/signing"
	"github.com/hxrts/aura-sub026/lib/testutil"
)

var (
	anyResource = capability.Resource{Kind: capability.ResourceAny}
	allChunks   = capability.Resource{Kind: capability.ResourceChunk}
	chunkA      = capability.Resource{Kind: capability.ResourceChunk, Name: "a"}
	chunkB      = capability.Resource{Kind: capability.ResourceChunk, Name: "b"}
	protocol    = capability.Resource{Kind: capability.ResourceProtocol, Name: "dkd"}
)

func samples() []capability.Capability {
	withDeadline := capability.New(allChunks, capability.Write, "chunk:put", "chunk:get")
	withDeadline.Expiry = capability.Expiry{AtMs: 5000}
	inSession := capability.New(anyResource, capability.Admin, capability.PermissionAll)
	inSession.Expiry = capability.Expiry{Session: ids.DeriveSessionID([]byte("s1"))}
	otherSession := capability.New(anyResource, capability.Read, "chunk:get")
	otherSession.Expiry = capability.Expiry{Session: ids.DeriveSessionID([]byte("s2"))}
	return []capability.Capability{
		capability.All(),
		{},
		capability.New(chunkA, capability.Read, "chunk:get"),
		capability.New(chunkB, capability.Write, "chunk:get", "chunk:put"),
		capability.New(allChunks, capability.Read, "chunk:get", "chunk:list"),
		capability.New(protocol, capability.Execute, capability.PermissionTreeWitness),
		capability.New(anyResource, capability.CustomScope("relay"), capability.PermissionMessageSend),
		withDeadline,
		inSession,
		otherSession,
	}
}

func TestMeetSemilatticeLaws(t *testing.T) {
	caps := samples()
	for i, a := range caps {
		if !a.Meet(a).Equal(a) {
			t.Errorf("%d: meet is not idempotent: %s", i, a.Meet(a))
		}
		if !a.Meet(capability.All()).Equal(a) {
			t.Errorf("%d: All is not the top element", i)
		}
		if !a.Meet(capability.Capability{}).IsEmpty() {
			t.Errorf("%d: the zero capability is not the bottom element", i)
		}
		for j, b := range caps {
			if !a.Meet(b).Equal(b.Meet(a)) {
				t.Errorf("%d, %d: meet is not commutative", i, j)
			}
			met := a.Meet(b)
			if !a.Implies(met) || !b.Implies(met) {
				t.Errorf("%d, %d: meet %s is not below both inputs", i, j, met)
			}
			for k, c := range caps {
				if !a.Meet(b).Meet(c).Equal(a.Meet(b.Meet(c))) {
					t.Errorf("%d, %d, %d: meet is not associative", i, j, k)
				}
			}
		}
	}
}

func TestImplies(t *testing.T) {
	tests := []struct {
		name       string
		held, want capability.Capability
		implies    bool
	}{
		{"all implies anything", capability.All(), capability.New(chunkA, capability.Write, "chunk:put"), true},
		{"kind wildcard covers a named chunk", capability.New(allChunks, capability.Read, "chunk:get"), capability.New(chunkA, capability.Read, "chunk:get"), true},
		{"named chunk does not cover the kind", capability.New(chunkA, capability.Read, "chunk:get"), capability.New(allChunks, capability.Read, "chunk:get"), false},
		{"write covers read", capability.New(chunkA, capability.Write, "chunk:get"), capability.New(chunkA, capability.Read, "chunk:get"), true},
		{"read does not cover write", capability.New(chunkA, capability.Read, "chunk:get"), capability.New(chunkA, capability.Write, "chunk:get"), false},
		{"execute does not cover read", capability.New(chunkA, capability.Execute, "chunk:get"), capability.New(chunkA, capability.Read, "chunk:get"), false},
		{"missing permission", capability.New(chunkA, capability.Admin, "chunk:get"), capability.New(chunkA, capability.Read, "chunk:put"), false},
		{"different chunk", capability.New(chunkA, capability.Admin, "*"), capability.New(chunkB, capability.Read, "chunk:get"), false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := test.held.Implies(test.want); got != test.implies {
				t.Errorf("Implies = %v, want %v", got, test.implies)
			}
		})
	}
}

func TestGrantsIgnoresExpiry(t *testing.T) {
	held := capability.New(chunkA, capability.Read, "chunk:get")
	held.Expiry = capability.Expiry{AtMs: 100}
	required := capability.New(chunkA, capability.Read, "chunk:get")
	if held.Implies(required) {
		t.Error("a bounded capability should not imply an unbounded one")
	}
	if !held.Grants(required) {
		t.Error("Grants should compare without lifetimes")
	}
	if !(capability.Set{capability.New(chunkB, capability.Read, "x"), held}).Grants(required) {
		t.Error("Set.Grants should accept any member")
	}
}

type fixture struct {
	accountPub  ed25519.PublicKey
	accountPriv ed25519.PrivateKey
	alice       ids.DeviceID
	alicePriv   ed25519.PrivateKey
	bob         ids.DeviceID
	bobPriv     ed25519.PrivateKey
	store       *capability.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	random := testutil.Rand(7)
	accountPub, accountPriv, err := signing.GenerateKeypair(random)
	if err != nil {
		t.Fatal(err)
	}
	alicePub, alicePriv, err := signing.GenerateKeypair(random)
	if err != nil {
		t.Fatal(err)
	}
	bobPub, bobPriv, err := signing.GenerateKeypair(random)
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		accountPub: accountPub, accountPriv: accountPriv,
		alice: testutil.Device("alice"), alicePriv: alicePriv,
		bob: testutil.Device("bob"), bobPriv: bobPriv,
	}
	f.store = capability.NewStore(capability.StaticKeys{
		Account: accountPub,
		Devices: map[ids.DeviceID]ed25519.PublicKey{f.alice: alicePub, f.bob: bobPub},
	})
	return f
}

func (f *fixture) root(t *testing.T, subject ids.DeviceID, c capability.Capability, expiration capability.Expiration) *capability.Token {
	t.Helper()
	token := &capability.Token{
		Subject:     subject,
		Resource:    c.Resource,
		Permissions: c.Permissions,
		Scope:       c.Scope,
		Expiration:  expiration,
		CreatedAtMs: 1000,
	}
	token.Sign(f.accountPriv)
	if _, err := f.store.Add(token, 1000); err != nil {
		t.Fatalf("Add(root): %v", err)
	}
	return token
}

func TestTokenWireRoundTrip(t *testing.T) {
	f := newFixture(t)
	parent := f.root(t, f.alice, capability.New(anyResource, capability.Admin, "*"), capability.NeverExpires())
	child := parent.Delegate(f.bob, capability.New(protocol, capability.CustomScope("ops"), "b", "a"),
		capability.ExpiresWithSession(ids.DeriveSessionID([]byte("s"))), 2000)
	child.Sign(f.alicePriv)

	for _, token := range []*capability.Token{parent, child} {
		wire, err := token.MarshalBinary()
		if err != nil {
			t.Fatal(err)
		}
		var decoded capability.Token
		if err := decoded.UnmarshalBinary(wire); err != nil {
			t.Fatalf("UnmarshalBinary: %v", err)
		}
		again, _ := decoded.MarshalBinary()
		if string(again) != string(wire) {
			t.Fatal("token does not round-trip")
		}
		if decoded.ID != token.ID {
			t.Error("id changed in transit")
		}
		if err := decoded.UnmarshalBinary(wire[:len(wire)-1]); !errors.Is(err, capability.ErrMalformedToken) {
			t.Errorf("truncated token: %v", err)
		}
	}
}

func TestTamperedTokenFailsVerification(t *testing.T) {
	f := newFixture(t)
	token := &capability.Token{Subject: f.alice, Resource: chunkA, Permissions: []string{"chunk:get"}, Scope: capability.Read}
	token.Sign(f.accountPriv)

	escalated := *token
	escalated.Scope = capability.Admin
	if err := escalated.VerifySignature(f.accountPub); !errors.Is(err, capability.ErrMalformedToken) {
		t.Errorf("edited token: %v", err)
	}

	resigned := escalated
	resigned.Sign(f.alicePriv)
	if _, err := f.store.Add(&resigned, 0); !errors.Is(err, capability.ErrBadSignature) {
		t.Errorf("root token signed by a device: %v", err)
	}
}

func TestDelegationAttenuates(t *testing.T) {
	f := newFixture(t)
	parent := f.root(t, f.alice, capability.New(allChunks, capability.Write, "chunk:get", "chunk:put"), capability.ExpiresAt(10_000))

	child := parent.Delegate(f.bob, capability.New(chunkA, capability.Read, "chunk:get"), capability.NeverExpires(), 2000)
	child.Sign(f.alicePriv)
	effective, err := f.store.Add(child, 2000)
	if err != nil {
		t.Fatalf("Add(child): %v", err)
	}
	if effective.Expiry.AtMs != 10_000 {
		t.Errorf("child lifetime = %d, want the parent's 10000", effective.Expiry.AtMs)
	}
	if err := f.store.Check(f.bob, capability.New(chunkA, capability.Read, "chunk:get"), 3000); err != nil {
		t.Errorf("Check: %v", err)
	}
	err = f.store.Check(f.bob, capability.New(chunkA, capability.Write, "chunk:put"), 3000)
	if !errors.Is(err, capability.ErrMissingCapability) || failure.KindOf(err) != failure.AuthorizationDenied {
		t.Errorf("Check beyond the delegation: %v", err)
	}
	if err := f.store.Check(f.bob, capability.New(chunkA, capability.Read, "chunk:get"), 10_000); err == nil {
		t.Error("capability outlived its parent")
	}

	amplified := parent.Delegate(f.bob, capability.New(allChunks, capability.Admin, "*"), capability.NeverExpires(), 2000)
	amplified.Sign(f.alicePriv)
	if _, err := f.store.Add(amplified, 2000); !errors.Is(err, capability.ErrAttenuationViolation) {
		t.Errorf("amplifying delegation: %v", err)
	}

	wrongSigner := parent.Delegate(f.bob, capability.New(chunkA, capability.Read, "chunk:get"), capability.NeverExpires(), 2001)
	wrongSigner.Sign(f.bobPriv)
	if _, err := f.store.Add(wrongSigner, 2001); !errors.Is(err, capability.ErrBadSignature) {
		t.Errorf("delegation not signed by the parent's subject: %v", err)
	}

	orphan := &capability.Token{Subject: f.bob, Resource: chunkA, Permissions: []string{"chunk:get"}, Scope: capability.Read, Parent: &ids.Hash32{1}}
	orphan.Sign(f.alicePriv)
	if _, err := f.store.Add(orphan, 2000); !errors.Is(err, capability.ErrUnknownParent) {
		t.Errorf("orphan: %v", err)
	}
}

func TestRevocationCascades(t *testing.T) {
	f := newFixture(t)
	parent := f.root(t, f.alice, capability.New(anyResource, capability.Admin, "*"), capability.NeverExpires())
	child := parent.Delegate(f.bob, capability.New(chunkA, capability.Read, "chunk:get"), capability.NeverExpires(), 2000)
	child.Sign(f.alicePriv)
	if _, err := f.store.Add(child, 2000); err != nil {
		t.Fatal(err)
	}

	signed, err := capability.SignRevocation(f.accountPriv, &capability.RevocationRequest{TokenIDs: []ids.Hash32{parent.ID}, IssuedAtMs: 3000})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := capability.VerifyRevocation(f.alicePub(), signed); !errors.Is(err, capability.ErrRevocationBadSig) {
		t.Errorf("revocation checked against the wrong key: %v", err)
	}
	count, err := f.store.ApplyRevocation(signed)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("revoked %d tokens, want 2", count)
	}
	if !f.store.IsRevoked(child.ID) {
		t.Error("descendant survived its parent's revocation")
	}
	if _, err := f.store.Effective(child.ID, 3000); !errors.Is(err, capability.ErrRevoked) {
		t.Errorf("Effective after revocation: %v", err)
	}
	if held := f.store.Held(f.bob, 3000); len(held) != 0 {
		t.Errorf("bob still holds %v", held)
	}

	late := parent.Delegate(f.bob, capability.New(chunkB, capability.Read, "chunk:get"), capability.NeverExpires(), 4000)
	late.Sign(f.alicePriv)
	if _, err := f.store.Add(late, 4000); !errors.Is(err, capability.ErrRevoked) {
		t.Errorf("delegation from a revoked parent: %v", err)
	}
}

func (f *fixture) alicePub() ed25519.PublicKey {
	return f.alicePriv.Public().(ed25519.PublicKey)
}

func TestSessionBoundTokensEndWithSession(t *testing.T) {
	f := newFixture(t)
	session := ids.DeriveSessionID([]byte("recovery"))
	token := f.root(t, f.alice, capability.New(protocol, capability.Execute, capability.PermissionRecovery), capability.ExpiresWithSession(session))
	required := capability.New(protocol, capability.Execute, capability.PermissionRecovery)
	if err := f.store.Check(f.alice, required, 1000); err != nil {
		t.Fatalf("Check during session: %v", err)
	}
	f.store.EndSession(session)
	if err := f.store.Check(f.alice, required, 1000); err == nil {
		t.Error("token outlived its session")
	}
	if _, err := f.store.Effective(token.ID, 1000); !errors.Is(err, capability.ErrExpired) {
		t.Errorf("Effective after session end: %v", err)
	}
}

func TestCleanupDropsExpired(t *testing.T) {
	f := newFixture(t)
	short := f.root(t, f.alice, capability.New(chunkA, capability.Read, "chunk:get"), capability.ExpiresAfter(500))
	f.root(t, f.alice, capability.New(chunkB, capability.Read, "chunk:get"), capability.NeverExpires())
	f.store.Revoke(short.ID)
	if removed := f.store.Cleanup(1499); removed != 0 {
		t.Fatalf("Cleanup before the deadline removed %d", removed)
	}
	if removed := f.store.Cleanup(1500); removed != 2 {
		t.Errorf("Cleanup removed %d records, want the token and its revocation", removed)
	}
	if f.store.Len() != 1 {
		t.Errorf("Len = %d, want 1", f.store.Len())
	}
	if _, err := f.store.Add(short, 1500); !errors.Is(err, capability.ErrExpired) {
		t.Errorf("re-adding an expired token: %v", err)
	}
}
