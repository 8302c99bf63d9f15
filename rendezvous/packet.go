// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rendezvous

import (
	"bytes"
	"fmt"

	"github.com/hxrts/aura-sub026/lib/codec"
	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
)

const (
	// DefaultPort is the UDP port announcements are sent to.
	DefaultPort = 19433

	// DefaultAnnounceIntervalMs is the time between announcements.
	DefaultAnnounceIntervalMs = 5000

	// MaxPacketSize bounds an encoded packet so it fits one datagram
	// on common link MTUs.
	MaxPacketSize = 1400

	// ProtocolVersion is the only packet version this package reads
	// and writes.
	ProtocolVersion uint8 = 1
)

// Magic prefixes every packet.
var Magic = [4]byte{'A', 'U', 'R', 'A'}

var (
	ErrInvalidPacket   = failure.New(failure.InvalidInput, "rendezvous: invalid discovery packet")
	ErrPacketTooLarge  = failure.New(failure.InvalidInput, "rendezvous: discovery packet exceeds maximum size")
	ErrVersionMismatch = failure.New(failure.InvalidInput, "rendezvous: unsupported packet version")
)

// Packet is one LAN announcement.
type Packet struct {
	Version     uint8
	Authority   ids.AuthorityID
	TimestampMs uint64
	Descriptor  Descriptor
}

// NewPacket returns a current-version packet.
func NewPacket(authority ids.AuthorityID, descriptor Descriptor, timestampMs uint64) Packet {
	return Packet{
		Version:     ProtocolVersion,
		Authority:   authority,
		TimestampMs: timestampMs,
		Descriptor:  descriptor,
	}
}

// MarshalBinary encodes the packet, failing with ErrPacketTooLarge
// when the result would not fit MaxPacketSize.
func (p Packet) MarshalBinary() ([]byte, error) {
	descriptor, err := p.Descriptor.Marshal()
	if err != nil {
		return nil, err
	}
	w := codec.NewWriter(len(Magic) + 1 + 32 + 8 + 4 + len(descriptor))
	w.Fixed(Magic[:])
	w.Uint8(p.Version)
	w.Fixed(p.Authority[:])
	w.Uint64(p.TimestampMs)
	w.Bytes(descriptor)
	if w.Len() > MaxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, w.Len())
	}
	return w.Data(), nil
}

// ParsePacket decodes a packet, rejecting bad magic, other versions,
// oversize input and trailing bytes.
func ParsePacket(data []byte) (Packet, error) {
	if len(data) > MaxPacketSize {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, len(data))
	}
	if len(data) < len(Magic) || !bytes.Equal(data[:len(Magic)], Magic[:]) {
		return Packet{}, fmt.Errorf("%w: missing magic", ErrInvalidPacket)
	}
	r := codec.NewReader(data[len(Magic):])
	var p Packet
	p.Version = r.Uint8()
	if r.Err() == nil && p.Version != ProtocolVersion {
		return Packet{}, fmt.Errorf("%w: %d", ErrVersionMismatch, p.Version)
	}
	r.Fixed(p.Authority[:])
	p.TimestampMs = r.Uint64()
	raw := r.Bytes()
	if err := r.Finish(); err != nil {
		return Packet{}, fmt.Errorf("%w: %w", ErrInvalidPacket, err)
	}
	descriptor, err := UnmarshalDescriptor(raw)
	if err != nil {
		return Packet{}, fmt.Errorf("%w: %w", ErrInvalidPacket, err)
	}
	p.Descriptor = descriptor
	return p, nil
}
