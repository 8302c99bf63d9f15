// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"crypto/ed25519"
	"fmt"

	"github.com/hxrts/aura-sub026/lib/codec"
	"github.com/hxrts/aura-sub026/lib/digest"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/lib/signing"
)

// ExpirationKind tags a token's Expiration.
type ExpirationKind uint8

const (
	Never ExpirationKind = iota
	// AtTimestamp expires at an absolute time in milliseconds.
	AtTimestamp
	// AfterDuration expires a number of milliseconds after CreatedAtMs.
	AfterDuration
	// AtSessionEnd expires when the named session ends.
	AtSessionEnd
)

// Expiration is the lifetime written on a token.
type Expiration struct {
	Kind    ExpirationKind
	Value   uint64
	Session ids.SessionID
}

func NeverExpires() Expiration { return Expiration{Kind: Never} }
func ExpiresAt(ms uint64) Expiration { return Expiration{Kind: AtTimestamp, Value: ms} }
func ExpiresAfter(ms uint64) Expiration { return Expiration{Kind: AfterDuration, Value: ms} }
func ExpiresWithSession(session ids.SessionID) Expiration {
	return Expiration{Kind: AtSessionEnd, Session: session}
}

func (e Expiration) resolve(createdAtMs uint64) Expiry {
	switch e.Kind {
	case AtTimestamp:
		return Expiry{AtMs: e.Value}
	case AfterDuration:
		return Expiry{AtMs: createdAtMs + e.Value}
	case AtSessionEnd:
		return Expiry{Session: e.Session}
	default:
		return Expiry{}
	}
}

// Token grants a capability to Subject. ID is derived from the signed
// fields, so a token's identity cannot be separated from its content.
type Token struct {
	ID          ids.Hash32
	Subject     ids.DeviceID
	Resource    Resource
	Permissions []string
	Scope       Scope
	Expiration  Expiration
	// Parent is the token this one was delegated from. Nil for a root
	// token issued by the account.
	Parent      *ids.Hash32
	CreatedAtMs uint64
	Signature   [ed25519.SignatureSize]byte
}

// Capability returns the token's own capability, before any meet with
// its parent.
func (t *Token) Capability() Capability {
	c := New(t.Resource, t.Scope, t.Permissions...)
	if c.IsEmpty() {
		return c
	}
	c.Expiry = t.Expiration.resolve(t.CreatedAtMs)
	return c
}

// body writes every field except the signature. withID selects whether
// ID is included: the id hash covers the body without it, the
// signature covers the body with it.
func (t *Token) body(withID bool) []byte {
	w := codec.NewWriter(160)
	if withID {
		w.Fixed(t.ID[:])
	}
	w.Fixed(t.Subject[:])
	w.Uint8(uint8(t.Resource.Kind))
	w.String(t.Resource.Name)
	w.Uint32(uint32(len(t.Permissions)))
	for _, permission := range t.Permissions {
		w.String(permission)
	}
	w.Uint8(uint8(t.Scope.Kind))
	if t.Scope.Kind == ScopeCustom {
		w.String(t.Scope.Custom)
	}
	w.Uint8(uint8(t.Expiration.Kind))
	switch t.Expiration.Kind {
	case AtTimestamp, AfterDuration:
		w.Uint64(t.Expiration.Value)
	case AtSessionEnd:
		w.Fixed(t.Expiration.Session[:])
	}
	if t.Parent != nil {
		w.Optional(t.Parent[:], true)
	} else {
		w.Optional(nil, false)
	}
	w.Uint64(t.CreatedAtMs)
	return w.Data()
}

func (t *Token) computeID() ids.Hash32 {
	return digest.Keyed(digest.CapabilityDomain, t.body(false))
}

// Sign sets the token's permission set to canonical form, derives its
// ID and signs it with issuer.
func (t *Token) Sign(issuer ed25519.PrivateKey) {
	t.Permissions = canonicalPermissions(t.Permissions)
	t.ID = t.computeID()
	copy(t.Signature[:], signing.Sign(issuer, signing.CapabilityDomain, t.body(true)))
}

// VerifySignature checks the ID and the signature against issuer.
func (t *Token) VerifySignature(issuer ed25519.PublicKey) error {
	if t.computeID() != t.ID {
		return fmt.Errorf("%w: id does not match contents", ErrMalformedToken)
	}
	if err := signing.Verify(issuer, signing.CapabilityDomain, t.body(true), t.Signature[:]); err != nil {
		return fmt.Errorf("%w: token %s: %v", ErrBadSignature, t.ID.Short(), err)
	}
	return nil
}

// MarshalBinary returns the wire form: the signed body followed by the
// 64-byte signature.
func (t *Token) MarshalBinary() ([]byte, error) {
	body := t.body(true)
	out := make([]byte, 0, len(body)+len(t.Signature))
	out = append(out, body...)
	return append(out, t.Signature[:]...), nil
}

// UnmarshalBinary decodes the wire form. It does not verify.
func (t *Token) UnmarshalBinary(data []byte) error {
	r := codec.NewReader(data)
	var decoded Token
	r.Fixed(decoded.ID[:])
	r.Fixed(decoded.Subject[:])
	decoded.Resource.Kind = ResourceKind(r.Uint8())
	decoded.Resource.Name = r.String()
	count := r.Uint32()
	if r.Err() == nil && int(count) > r.Remaining() {
		return fmt.Errorf("%w: %d permissions in %d bytes", ErrMalformedToken, count, r.Remaining())
	}
	for range count {
		decoded.Permissions = append(decoded.Permissions, r.String())
	}
	decoded.Scope.Kind = ScopeKind(r.Uint8())
	if decoded.Scope.Kind == ScopeCustom {
		decoded.Scope.Custom = r.String()
	}
	decoded.Expiration.Kind = ExpirationKind(r.Uint8())
	switch decoded.Expiration.Kind {
	case Never:
	case AtTimestamp, AfterDuration:
		decoded.Expiration.Value = r.Uint64()
	case AtSessionEnd:
		r.Fixed(decoded.Expiration.Session[:])
	default:
		return fmt.Errorf("%w: expiration kind %d", ErrMalformedToken, decoded.Expiration.Kind)
	}
	if parent, present := r.Optional(); present {
		if len(parent) != len(ids.Hash32{}) {
			return fmt.Errorf("%w: parent id of %d bytes", ErrMalformedToken, len(parent))
		}
		var id ids.Hash32
		copy(id[:], parent)
		decoded.Parent = &id
	}
	decoded.CreatedAtMs = r.Uint64()
	r.Fixed(decoded.Signature[:])
	if err := r.Finish(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	*t = decoded
	return nil
}

// Delegate returns an unsigned child of t for subject. The caller signs
// it with the private key of t's subject.
func (t *Token) Delegate(subject ids.DeviceID, restriction Capability, expiration Expiration, createdAtMs uint64) *Token {
	parent := t.ID
	return &Token{
		Subject:     subject,
		Resource:    restriction.Resource,
		Permissions: restriction.Permissions,
		Scope:       restriction.Scope,
		Expiration:  expiration,
		Parent:      &parent,
		CreatedAtMs: createdAtMs,
	}
}
