// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hxrts/aura-sub026/lib/codec"
	"github.com/hxrts/aura-sub026/lib/digest"
	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/lib/signing"
)

var (
	ErrInvalidTicket   = failure.New(failure.AuthorizationDenied, "transport: invalid presence ticket")
	ErrTicketExpired   = failure.New(failure.AuthorizationDenied, "transport: presence ticket expired")
	ErrUntrustedIssuer = failure.New(failure.AuthorizationDenied, "transport: presence ticket issuer is not trusted")
)

// PresenceTicket binds a device's signing key to a session epoch for a
// bounded time. An issuer the verifying side trusts signs it; the
// device proves it holds the bound key during the handshake.
type PresenceTicket struct {
	Device       ids.DeviceID      `cbor:"1,keyasint"`
	PublicKey    ed25519.PublicKey `cbor:"2,keyasint"`
	SessionEpoch uint64            `cbor:"3,keyasint"`
	IssuedAt     uint64            `cbor:"4,keyasint"`
	ExpiresAt    uint64            `cbor:"5,keyasint"`
	Issuer       ed25519.PublicKey `cbor:"6,keyasint"`
	Signature    []byte            `cbor:"7,keyasint"`
}

// signedFields is the ticket without its signature.
func (t PresenceTicket) signedFields() ([]byte, error) {
	t.Signature = nil
	return codec.Marshal(t)
}

// IssueTicket signs a ticket for device valid from issuedAt (Unix
// milliseconds) for ttl.
func IssueTicket(issuer ed25519.PrivateKey, device ids.DeviceID, devicePublic ed25519.PublicKey, epoch, issuedAt uint64, ttl time.Duration) (PresenceTicket, error) {
	if len(devicePublic) != signing.PublicKeySize {
		return PresenceTicket{}, fmt.Errorf("%w: device key is %d bytes", signing.ErrInvalidKey, len(devicePublic))
	}
	if ttl <= 0 {
		return PresenceTicket{}, failure.Errorf(failure.InvalidInput, "transport: ticket ttl must be positive, got %s", ttl)
	}
	ticket := PresenceTicket{
		Device:       device,
		PublicKey:    slices.Clone(devicePublic),
		SessionEpoch: epoch,
		IssuedAt:     issuedAt,
		ExpiresAt:    issuedAt + uint64(ttl.Milliseconds()),
		Issuer:       issuer.Public().(ed25519.PublicKey),
	}
	payload, err := ticket.signedFields()
	if err != nil {
		return PresenceTicket{}, fmt.Errorf("transport: encoding ticket: %w", err)
	}
	ticket.Signature = signing.Sign(issuer, signing.PresenceDomain, payload)
	return ticket, nil
}

// Digest identifies a ticket in caches and logs.
func (t PresenceTicket) Digest() ids.Hash32 {
	payload, err := codec.Marshal(t)
	if err != nil {
		return ids.Hash32{}
	}
	return digest.Sum(payload)
}

// TicketVerifier accepts tickets signed by a fixed set of issuers. It
// is safe for concurrent use.
type TicketVerifier struct {
	mu      sync.RWMutex
	issuers []ed25519.PublicKey
}

// NewTicketVerifier trusts each issuer key.
func NewTicketVerifier(issuers ...ed25519.PublicKey) *TicketVerifier {
	v := &TicketVerifier{}
	for _, issuer := range issuers {
		v.Trust(issuer)
	}
	return v
}

// Trust adds an issuer key.
func (v *TicketVerifier) Trust(issuer ed25519.PublicKey) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.trustsLocked(issuer) {
		v.issuers = append(v.issuers, slices.Clone(issuer))
	}
}

func (v *TicketVerifier) trustsLocked(issuer ed25519.PublicKey) bool {
	return slices.ContainsFunc(v.issuers, func(known ed25519.PublicKey) bool {
		return bytes.Equal(known, issuer)
	})
}

// Verify checks the ticket's issuer, signature and validity window at
// nowMs.
func (v *TicketVerifier) Verify(ticket PresenceTicket, nowMs uint64) error {
	v.mu.RLock()
	trusted := v.trustsLocked(ticket.Issuer)
	v.mu.RUnlock()
	if !trusted {
		return fmt.Errorf("%w: ticket for %s", ErrUntrustedIssuer, ticket.Device)
	}
	if ticket.Device.IsZero() || len(ticket.PublicKey) != signing.PublicKeySize {
		return fmt.Errorf("%w: missing device or key", ErrInvalidTicket)
	}
	payload, err := ticket.signedFields()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}
	if err := signing.Verify(ticket.Issuer, signing.PresenceDomain, payload, ticket.Signature); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTicket, err)
	}
	if nowMs < ticket.IssuedAt || nowMs >= ticket.ExpiresAt {
		return fmt.Errorf("%w: valid [%d, %d), now %d", ErrTicketExpired, ticket.IssuedAt, ticket.ExpiresAt, nowMs)
	}
	return nil
}
