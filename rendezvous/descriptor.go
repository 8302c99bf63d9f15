// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rendezvous

import (
	"fmt"
	"io"
	"net/netip"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/hxrts/aura-sub026/lib/codec"
	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
)

var ErrInvalidAddress = failure.New(failure.InvalidInput, "rendezvous: invalid transport address")

// HintKind selects how a peer can be reached.
type HintKind uint8

const (
	QuicDirect HintKind = iota + 1
	// QuicReflexive is a QUIC address learned through a STUN server.
	QuicReflexive
	// WebSocketRelay routes through another authority acting as a relay.
	WebSocketRelay
	TcpDirect
)

func (k HintKind) String() string {
	switch k {
	case QuicDirect:
		return "quic-direct"
	case QuicReflexive:
		return "quic-reflexive"
	case WebSocketRelay:
		return "websocket-relay"
	case TcpDirect:
		return "tcp-direct"
	default:
		return fmt.Sprintf("hint(%d)", uint8(k))
	}
}

// TransportHint is one endpoint in a descriptor. Which fields are set
// depends on Kind: Addr for the direct and reflexive kinds, STUNServer
// for QuicReflexive, Relay for WebSocketRelay.
type TransportHint struct {
	Kind       HintKind        `cbor:"1,keyasint"`
	Addr       string          `cbor:"2,keyasint,omitempty"`
	STUNServer string          `cbor:"3,keyasint,omitempty"`
	Relay      ids.AuthorityID `cbor:"4,keyasint,omitempty"`
}

// ParseTransportAddress checks that addr is an IP:port socket address
// with no surrounding whitespace.
func ParseTransportAddress(addr string) (netip.AddrPort, error) {
	if strings.TrimSpace(addr) != addr {
		return netip.AddrPort{}, fmt.Errorf("%w %q: leading or trailing whitespace", ErrInvalidAddress, addr)
	}
	parsed, err := netip.ParseAddrPort(addr)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w %q: %v", ErrInvalidAddress, addr, err)
	}
	return parsed, nil
}

// TCPHint returns a TcpDirect hint for addr.
func TCPHint(addr string) (TransportHint, error) {
	if _, err := ParseTransportAddress(addr); err != nil {
		return TransportHint{}, err
	}
	return TransportHint{Kind: TcpDirect, Addr: addr}, nil
}

// QUICHint returns a QuicDirect hint for addr.
func QUICHint(addr string) (TransportHint, error) {
	if _, err := ParseTransportAddress(addr); err != nil {
		return TransportHint{}, err
	}
	return TransportHint{Kind: QuicDirect, Addr: addr}, nil
}

// ReflexiveHint returns a QuicReflexive hint.
func ReflexiveHint(addr, stunServer string) (TransportHint, error) {
	if _, err := ParseTransportAddress(addr); err != nil {
		return TransportHint{}, err
	}
	if _, err := ParseTransportAddress(stunServer); err != nil {
		return TransportHint{}, err
	}
	return TransportHint{Kind: QuicReflexive, Addr: addr, STUNServer: stunServer}, nil
}

// RelayHint returns a WebSocketRelay hint through relay.
func RelayHint(relay ids.AuthorityID) TransportHint {
	return TransportHint{Kind: WebSocketRelay, Relay: relay}
}

// Validate checks that the fields Kind requires are present and well
// formed.
func (h TransportHint) Validate() error {
	switch h.Kind {
	case QuicDirect, TcpDirect:
		_, err := ParseTransportAddress(h.Addr)
		return err
	case QuicReflexive:
		if _, err := ParseTransportAddress(h.Addr); err != nil {
			return err
		}
		_, err := ParseTransportAddress(h.STUNServer)
		return err
	case WebSocketRelay:
		if h.Relay.IsZero() {
			return fmt.Errorf("%w: relay hint without relay authority", ErrInvalidAddress)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown hint kind %d", ErrInvalidAddress, h.Kind)
	}
}

func (h TransportHint) String() string {
	switch h.Kind {
	case QuicReflexive:
		return h.Kind.String() + ":" + h.Addr + " via " + h.STUNServer
	case WebSocketRelay:
		return h.Kind.String() + ":" + h.Relay.Short()
	default:
		return h.Kind.String() + ":" + h.Addr
	}
}

// Descriptor advertises how to reach an authority within a context
// during a validity window.
type Descriptor struct {
	Authority ids.AuthorityID `cbor:"1,keyasint"`
	Context   ids.ContextID   `cbor:"2,keyasint"`
	Hints     []TransportHint `cbor:"3,keyasint"`
	// PSKCommitment is the BLAKE3 hash of the handshake pre-shared key
	// derived from the context.
	PSKCommitment ids.Hash32 `cbor:"4,keyasint"`
	ValidFrom     uint64     `cbor:"5,keyasint"`
	ValidUntil    uint64     `cbor:"6,keyasint"`
	Nonce         [32]byte   `cbor:"7,keyasint"`
	// Nickname is what the peer would like to be called in UIs.
	Nickname string `cbor:"8,keyasint,omitempty"`
}

const pskCommitmentDomain = "aura.rendezvous.psk-commitment.v1"

// CommitPSK returns the commitment a descriptor carries for psk.
func CommitPSK(psk []byte) ids.Hash32 {
	hasher := blake3.NewDeriveKey(pskCommitmentDomain)
	hasher.Write(psk)
	var out ids.Hash32
	hasher.Sum(out[:0])
	return out
}

// NewDescriptor builds a descriptor valid for [validFrom, validUntil)
// with a fresh nonce drawn from random.
func NewDescriptor(authority ids.AuthorityID, context ids.ContextID, hints []TransportHint, psk []byte, validFrom, validUntil uint64, random io.Reader) (Descriptor, error) {
	if validUntil <= validFrom {
		return Descriptor{}, failure.Errorf(failure.InvalidInput, "rendezvous: empty validity window [%d, %d)", validFrom, validUntil)
	}
	for _, hint := range hints {
		if err := hint.Validate(); err != nil {
			return Descriptor{}, err
		}
	}
	descriptor := Descriptor{
		Authority:     authority,
		Context:       context,
		Hints:         hints,
		PSKCommitment: CommitPSK(psk),
		ValidFrom:     validFrom,
		ValidUntil:    validUntil,
	}
	if _, err := io.ReadFull(random, descriptor.Nonce[:]); err != nil {
		return Descriptor{}, fmt.Errorf("rendezvous: drawing descriptor nonce: %w", err)
	}
	return descriptor, nil
}

// IsValid reports whether nowMs falls inside the validity window.
func (d Descriptor) IsValid(nowMs uint64) bool {
	return nowMs >= d.ValidFrom && nowMs < d.ValidUntil
}

// NeedsRefresh reports whether nowMs is in the last tenth of the
// validity window, or past it.
func (d Descriptor) NeedsRefresh(nowMs uint64) bool {
	var window uint64
	if d.ValidUntil > d.ValidFrom {
		window = d.ValidUntil - d.ValidFrom
	}
	return nowMs >= d.ValidUntil-window/10
}

// Marshal returns the descriptor's CBOR encoding.
func (d Descriptor) Marshal() ([]byte, error) {
	return codec.Marshal(d)
}

// UnmarshalDescriptor decodes and validates a CBOR descriptor.
func UnmarshalDescriptor(data []byte) (Descriptor, error) {
	var d Descriptor
	if err := codec.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("rendezvous: decoding descriptor: %w", err)
	}
	for _, hint := range d.Hints {
		if err := hint.Validate(); err != nil {
			return Descriptor{}, err
		}
	}
	return d, nil
}
