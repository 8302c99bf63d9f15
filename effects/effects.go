// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package effects

import (
	"context"
	"crypto/ed25519"
	"io"
	"log/slog"
	"time"

	"github.com/hxrts/aura-sub026/lib/clock"
	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/lib/signing"
	"github.com/hxrts/aura-sub026/lib/timestamp"
)

// Mode names how a System was assembled.
type Mode uint8

const (
	Production Mode = iota + 1
	Testing
	Simulation
	Custom
)

func (m Mode) String() string {
	switch m {
	case Production:
		return "production"
	case Testing:
		return "testing"
	case Simulation:
		return "simulation"
	case Custom:
		return "custom"
	default:
		return "unknown"
	}
}

// Console is the logging family.
type Console interface {
	Log(ctx context.Context, level slog.Level, msg string, args ...any)
}

// Random is the randomness family. Read never returns a short read
// without an error.
type Random interface {
	io.Reader
	Uint64() uint64
}

// Crypto is the hashing and signing family. Sign uses the device's own
// key; Verify accepts any public key.
type Crypto interface {
	Hash(data []byte) ids.Hash32
	PublicKey() ed25519.PublicKey
	Sign(domain signing.Domain, payload []byte) []byte
	Verify(public ed25519.PublicKey, domain signing.Domain, payload, signature []byte) error
}

// Envelope is one message received from a peer.
type Envelope struct {
	From    ids.DeviceID
	To      ids.DeviceID
	Payload []byte
}

// Network is the peer messaging family. Messages are opaque byte
// strings addressed by device. Send returns once the message has been
// handed to the transport, not when the peer has read it.
type Network interface {
	Send(ctx context.Context, peer ids.DeviceID, payload []byte) error
	// Receive blocks until a message arrives or ctx is done.
	Receive(ctx context.Context) (Envelope, error)
	Broadcast(ctx context.Context, peers []ids.DeviceID, payload []byte) error
	Close() error
}

// Storage is a flat key/value store.
type Storage interface {
	Store(ctx context.Context, key string, value []byte) error
	// Retrieve reports found=false for a missing key; that is not an
	// error.
	Retrieve(ctx context.Context, key string) (value []byte, found bool, err error)
	Remove(ctx context.Context, key string) (bool, error)
	// List returns every key with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Time is the clock family.
type Time interface {
	Clock() clock.Clock
	NowMs() uint64
	// PhysicalTime stamps the current instant.
	PhysicalTime() timestamp.TimeStamp
	// OrderTime draws a fresh opaque ordering token.
	OrderTime() timestamp.TimeStamp
	Sleep(ctx context.Context, d time.Duration) error
}

// System bundles every effect family for one device.
type System struct {
	Device ids.DeviceID
	Mode   Mode

	Console Console
	Random  Random
	Crypto  Crypto
	Network Network
	Storage Storage
	Time    Time

	// Trace is set in Simulation mode.
	Trace *Trace

	logger *slog.Logger
}

// Logger returns the slog logger behind the console family.
func (s *System) Logger() *slog.Logger { return s.logger }

// Close releases the network family.
func (s *System) Close() error {
	if s.Network == nil {
		return nil
	}
	return s.Network.Close()
}

var (
	ErrClosed          = failure.New(failure.Transport, "effects: network closed")
	ErrUnknownPeer     = failure.New(failure.Transport, "effects: unknown peer")
	ErrInboxFull       = failure.New(failure.Transport, "effects: peer inbox full")
	ErrPartitioned     = failure.New(failure.Transport, "effects: peer unreachable")
	ErrCircuitOpen     = failure.New(failure.Transport, "effects: circuit open")
	ErrMissingDevice   = failure.New(failure.InvalidInput, "effects: device id is required")
	ErrMissingNetwork  = failure.New(failure.InvalidInput, "effects: production mode requires a network")
	ErrMissingFamilies = failure.New(failure.InvalidInput, "effects: custom mode requires every effect family")
)
