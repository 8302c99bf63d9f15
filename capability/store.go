// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"crypto/ed25519"
	"fmt"
	"slices"
	"sync"

	"github.com/hxrts/aura-sub026/lib/ids"
)

// Keys resolves the public keys tokens are signed with.
type Keys interface {
	// AccountKey verifies root tokens.
	AccountKey() ed25519.PublicKey
	// DeviceKey verifies tokens a device delegated.
	DeviceKey(device ids.DeviceID) (ed25519.PublicKey, bool)
}

// StaticKeys is a fixed Keys table.
type StaticKeys struct {
	Account ed25519.PublicKey
	Devices map[ids.DeviceID]ed25519.PublicKey
}

func (k StaticKeys) AccountKey() ed25519.PublicKey { return k.Account }

func (k StaticKeys) DeviceKey(device ids.DeviceID) (ed25519.PublicKey, bool) {
	key, ok := k.Devices[device]
	return key, ok
}

type entry struct {
	token     *Token
	effective Capability
	children  []ids.Hash32
}

// Store holds verified tokens and their revocation state. It is safe
// for concurrent use.
type Store struct {
	keys Keys

	mu       sync.RWMutex
	tokens   map[ids.Hash32]*entry
	revoked  map[ids.Hash32]uint64
	sessions map[ids.SessionID]struct{}
}

func NewStore(keys Keys) *Store {
	return &Store{
		keys:     keys,
		tokens:   make(map[ids.Hash32]*entry),
		revoked:  make(map[ids.Hash32]uint64),
		sessions: make(map[ids.SessionID]struct{}),
	}
}

// Add verifies token and stores it, returning its effective
// capability. A root token must be signed by the account key. A
// delegated token must be signed by its parent's subject and may not
// grant anything the parent does not.
func (s *Store) Add(token *Token, nowMs uint64) (Capability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tokens[token.ID]; ok {
		return existing.effective, nil
	}
	if _, revoked := s.revoked[token.ID]; revoked {
		return Capability{}, fmt.Errorf("%w: %s", ErrRevoked, token.ID.Short())
	}

	own := token.Capability()
	var effective Capability
	var parent *entry
	if token.Parent == nil {
		if err := token.VerifySignature(s.keys.AccountKey()); err != nil {
			return Capability{}, err
		}
		effective = own
	} else {
		if _, revoked := s.revoked[*token.Parent]; revoked {
			return Capability{}, fmt.Errorf("%w: parent %s", ErrRevoked, token.Parent.Short())
		}
		var ok bool
		parent, ok = s.tokens[*token.Parent]
		if !ok {
			return Capability{}, fmt.Errorf("%w: %s", ErrUnknownParent, token.Parent.Short())
		}
		issuer, ok := s.keys.DeviceKey(parent.token.Subject)
		if !ok {
			return Capability{}, fmt.Errorf("%w: no key for delegating device %s", ErrBadSignature, parent.token.Subject)
		}
		if err := token.VerifySignature(issuer); err != nil {
			return Capability{}, err
		}
		if !parent.effective.Grants(own) {
			return Capability{}, fmt.Errorf("%w: %s is not within %s", ErrAttenuationViolation, own, parent.effective)
		}
		effective = parent.effective.Meet(own)
	}
	if !effective.Expiry.Live(nowMs, s.sessionEnded) {
		return Capability{}, fmt.Errorf("%w: %s", ErrExpired, token.ID.Short())
	}

	s.tokens[token.ID] = &entry{token: token, effective: effective}
	if parent != nil {
		parent.children = append(parent.children, token.ID)
	}
	return effective, nil
}

func (s *Store) sessionEnded(session ids.SessionID) bool {
	_, ended := s.sessions[session]
	return ended
}

// Get returns a stored token.
func (s *Store) Get(id ids.Hash32) (*Token, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	existing, ok := s.tokens[id]
	if !ok {
		return nil, false
	}
	return existing.token, true
}

// Effective returns the effective capability of a stored token at
// nowMs.
func (s *Store) Effective(id ids.Hash32, nowMs uint64) (Capability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, revoked := s.revoked[id]; revoked {
		return Capability{}, fmt.Errorf("%w: %s", ErrRevoked, id.Short())
	}
	existing, ok := s.tokens[id]
	if !ok {
		return Capability{}, fmt.Errorf("%w: %s", ErrMissingCapability, id.Short())
	}
	if !existing.effective.Expiry.Live(nowMs, s.sessionEnded) {
		return Capability{}, fmt.Errorf("%w: %s", ErrExpired, id.Short())
	}
	return existing.effective, nil
}

// Revoke revokes id and every token delegated from it, directly or
// transitively, and returns how many tokens were newly revoked.
func (s *Store) Revoke(id ids.Hash32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revoke(id)
}

func (s *Store) revoke(id ids.Hash32) int {
	if _, already := s.revoked[id]; already {
		return 0
	}
	var expiresAtMs uint64
	existing, known := s.tokens[id]
	if known {
		expiresAtMs = existing.effective.Expiry.AtMs
	}
	s.revoked[id] = expiresAtMs
	count := 1
	if known {
		for _, child := range existing.children {
			count += s.revoke(child)
		}
	}
	return count
}

// IsRevoked reports whether id has been revoked.
func (s *Store) IsRevoked(id ids.Hash32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, revoked := s.revoked[id]
	return revoked
}

// EndSession expires every token bound to session.
func (s *Store) EndSession(session ids.SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session] = struct{}{}
}

// Held returns the live effective capabilities of subject's tokens.
func (s *Store) Held(subject ids.DeviceID, nowMs uint64) Set {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var held Set
	for id, existing := range s.tokens {
		if existing.token.Subject != subject {
			continue
		}
		if _, revoked := s.revoked[id]; revoked {
			continue
		}
		if existing.effective.Expiry.Live(nowMs, s.sessionEnded) {
			held = append(held, existing.effective)
		}
	}
	slices.SortFunc(held, Capability.Compare)
	return held
}

// Check returns nil if subject holds a live capability granting
// required, and ErrMissingCapability otherwise.
func (s *Store) Check(subject ids.DeviceID, required Capability, nowMs uint64) error {
	if s.Held(subject, nowMs).Grants(required) {
		return nil
	}
	return fmt.Errorf("%w: %s for %s", ErrMissingCapability, required, subject)
}

// Cleanup drops tokens and revocation records whose deadline has
// passed. Expired tokens are rejected by Add, so forgetting them is
// safe. Returns the number of records removed.
func (s *Store) Cleanup(nowMs uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, existing := range s.tokens {
		if deadline := existing.effective.Expiry.AtMs; deadline != 0 && nowMs >= deadline {
			delete(s.tokens, id)
			removed++
		}
	}
	for id, deadline := range s.revoked {
		if deadline != 0 && nowMs >= deadline {
			delete(s.revoked, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored tokens, revoked ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}
