// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/lib/testutil"
)

func startTransport(t *testing.T, identity Identity, verifier *TicketVerifier, seed uint64) *TCPTransport {
	t.Helper()
	transport, err := ListenTCP(TCPConfig{
		ListenAddr: "127.0.0.1:0",
		Identity:   identity,
		Verifier:   verifier,
		Random:     testutil.Rand(seed),
	})
	if err != nil {
		t.Skipf("loopback TCP unavailable: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- transport.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := testutil.RequireReceive(t, served, 5*time.Second, "Serve returning"); err != nil {
			t.Errorf("Serve: %v", err)
		}
		if err := transport.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return transport
}

// waitForState polls until the connection to peer reaches want.
func waitForState(t *testing.T, transport *TCPTransport, peer ids.DeviceID, want ConnState) ConnectionInfo {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		info, ok := transport.Connection(peer)
		if ok && info.State == want {
			return info
		}
		if time.Now().After(deadline) {
			t.Fatalf("connection to %s is %v, want %s", peer, info.State, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTCPTransportExchangesMessages(t *testing.T) {
	issuer := newAccount(t, 1)
	aliceID := issuer.identity(t, "alice", 10)
	bobID := issuer.identity(t, "bob", 11)
	verifier := NewTicketVerifier(issuer.public)
	alice := startTransport(t, aliceID, verifier, 100)
	bob := startTransport(t, bobID, verifier, 101)
	alice.SetAddress(bobID.Device, bob.Address())
	bob.SetAddress(aliceID.Device, alice.Address())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := alice.Send(ctx, bobID.Device, []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	envelope, err := bob.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if envelope.From != aliceID.Device || envelope.To != bobID.Device || string(envelope.Payload) != "hello" {
		t.Fatalf("bob received %+v", envelope)
	}

	// bob's side of the connection is registered before its reader
	// delivers, so the reply reuses it.
	if err := bob.Send(ctx, aliceID.Device, []byte("reply")); err != nil {
		t.Fatalf("reply: %v", err)
	}
	envelope, err = alice.Receive(ctx)
	if err != nil || string(envelope.Payload) != "reply" || envelope.From != bobID.Device {
		t.Fatalf("alice received %+v, %v", envelope, err)
	}

	info := waitForState(t, alice, bobID.Device, Connected)
	if info.EstablishedAt == 0 || info.Remote != bob.Address() {
		t.Errorf("connection info = %+v", info)
	}
	if connections := alice.Connections(); len(connections) != 1 || connections[0].Peer != bobID.Device {
		t.Errorf("Connections() = %+v, want one entry for bob", connections)
	}

	if err := alice.Disconnect(bobID.Device); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	waitForState(t, alice, bobID.Device, Closed)
	waitForState(t, bob, aliceID.Device, Closed)
}

func TestTCPTransportBroadcast(t *testing.T) {
	issuer := newAccount(t, 1)
	verifier := NewTicketVerifier(issuer.public)
	aliceID := issuer.identity(t, "alice", 10)
	alice := startTransport(t, aliceID, verifier, 100)
	var peers []ids.DeviceID
	var receivers []*TCPTransport
	for i, name := range []string{"bob", "carol"} {
		identity := issuer.identity(t, name, uint64(20+i))
		receiver := startTransport(t, identity, verifier, uint64(200+i))
		alice.SetAddress(identity.Device, receiver.Address())
		peers = append(peers, identity.Device)
		receivers = append(receivers, receiver)
	}
	missing := testutil.Device("dave")
	peers = append(peers, missing)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := alice.Broadcast(ctx, peers, []byte("news"))
	if !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("Broadcast() = %v, want ErrUnknownPeer for dave", err)
	}
	for _, receiver := range receivers {
		envelope, err := receiver.Receive(ctx)
		if err != nil || string(envelope.Payload) != "news" {
			t.Fatalf("broadcast receive: %+v, %v", envelope, err)
		}
	}
}

func TestTCPTransportRejectsUntrustedPeer(t *testing.T) {
	issuer := newAccount(t, 1)
	aliceID := issuer.identity(t, "alice", 10)
	malloryID := newAccount(t, 2).identity(t, "mallory", 13)
	alice := startTransport(t, aliceID, NewTicketVerifier(issuer.public), 100)
	mallory := startTransport(t, malloryID, NewTicketVerifier(issuer.public), 101)
	mallory.SetAddress(aliceID.Device, alice.Address())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err := mallory.Send(ctx, aliceID.Device, []byte("let me in"))
	if err == nil {
		t.Fatal("untrusted peer connected")
	}
	if !failure.IsRetryable(err) {
		t.Errorf("dialer saw %v; a dropped handshake is a transport failure", err)
	}
	info := waitForState(t, mallory, aliceID.Device, Failed)
	if info.Err == nil || info.FailedAt == 0 {
		t.Errorf("failure not recorded: %+v", info)
	}
	if _, ok := alice.Connection(malloryID.Device); ok {
		t.Error("alice tracks a connection to an unauthenticated peer")
	}
}

func TestSendWithoutAddress(t *testing.T) {
	issuer := newAccount(t, 1)
	alice := startTransport(t, issuer.identity(t, "alice", 10), NewTicketVerifier(issuer.public), 100)
	err := alice.Send(context.Background(), testutil.Device("nobody"), []byte("x"))
	if !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("Send() = %v, want ErrUnknownPeer", err)
	}
	if failure.KindOf(err) != failure.Transport {
		t.Errorf("KindOf = %v, want Transport", failure.KindOf(err))
	}
}

func TestReceiveAfterClose(t *testing.T) {
	issuer := newAccount(t, 1)
	transport, err := ListenTCP(TCPConfig{
		ListenAddr: "127.0.0.1:0",
		Identity:   issuer.identity(t, "alice", 10),
		Verifier:   NewTicketVerifier(issuer.public),
	})
	if err != nil {
		t.Skipf("loopback TCP unavailable: %v", err)
	}
	if err := transport.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := transport.Receive(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Receive() = %v, want ErrClosed", err)
	}
	if err := transport.Send(context.Background(), testutil.Device("bob"), nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send() = %v, want ErrClosed", err)
	}
}
