// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"

	"github.com/hxrts/aura-sub026/lib/ids"
)

// ConnState is where a peer connection is in its lifecycle.
type ConnState uint8

const (
	Handshaking ConnState = iota + 1
	Connected
	Failed
	// Closed is a connection that ended without error: a local
	// Disconnect or the peer hanging up.
	Closed
)

func (s ConnState) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// HandshakeCompleted is the evidence that moves a connection from
// Handshaking to Connected.
type HandshakeCompleted struct {
	Peer          ids.DeviceID
	Remote        string
	EstablishedAt uint64
	// Ticket is the digest of the ticket the peer presented.
	Ticket ids.Hash32
}

// ConnectionFailure moves a connection in any state to Failed.
type ConnectionFailure struct {
	Peer     ids.DeviceID
	Err      error
	FailedAt uint64
}

// ConnectionInfo is the last known state of the connection to a peer.
type ConnectionInfo struct {
	Peer          ids.DeviceID
	State         ConnState
	Remote        string
	EstablishedAt uint64
	FailedAt      uint64
	Err           error
}

func (c ConnectionInfo) complete(witness HandshakeCompleted) (ConnectionInfo, error) {
	if c.State != Handshaking {
		return c, fmt.Errorf("transport: handshake completed for %s in state %s", witness.Peer, c.State)
	}
	if witness.Peer != c.Peer {
		return c, fmt.Errorf("transport: handshake completed for %s on connection to %s", witness.Peer, c.Peer)
	}
	c.State = Connected
	c.Remote = witness.Remote
	c.EstablishedAt = witness.EstablishedAt
	c.Err = nil
	return c, nil
}

func (c ConnectionInfo) fail(witness ConnectionFailure) ConnectionInfo {
	c.State = Failed
	c.FailedAt = witness.FailedAt
	c.Err = witness.Err
	return c
}
