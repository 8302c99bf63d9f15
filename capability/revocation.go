// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"crypto/ed25519"
	"fmt"

	"github.com/hxrts/aura-sub026/lib/codec"
	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/lib/signing"
)

// RevocationRequest is an account-signed list of tokens to revoke.
// Devices apply it to their stores; revocation cascades to every
// delegated descendant.
type RevocationRequest struct {
	TokenIDs   []ids.Hash32 `cbor:"1,keyasint"`
	IssuedAtMs uint64       `cbor:"2,keyasint"`
}

var (
	ErrRevocationTooShort  = failure.New(failure.InvalidInput, "capability: revocation data too short for signature")
	ErrRevocationBadSig    = failure.New(failure.Crypto, "capability: invalid revocation signature")
	ErrRevocationNoEntries = failure.New(failure.InvalidInput, "capability: revocation request has no entries")
)

// SignRevocation signs request with the account key. The wire format
// is the CBOR payload followed by a 64-byte signature.
func SignRevocation(account ed25519.PrivateKey, request *RevocationRequest) ([]byte, error) {
	payload, err := codec.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("capability: encoding revocation request: %w", err)
	}
	signature := signing.Sign(account, signing.RevocationDomain, payload)
	result := make([]byte, len(payload)+ed25519.SignatureSize)
	copy(result, payload)
	copy(result[len(payload):], signature)
	return result, nil
}

// VerifyRevocation checks the signature on data and decodes it.
func VerifyRevocation(account ed25519.PublicKey, data []byte) (*RevocationRequest, error) {
	if len(data) <= ed25519.SignatureSize {
		return nil, ErrRevocationTooShort
	}
	splitPoint := len(data) - ed25519.SignatureSize
	payload, signature := data[:splitPoint], data[splitPoint:]
	if err := signing.Verify(account, signing.RevocationDomain, payload, signature); err != nil {
		return nil, ErrRevocationBadSig
	}
	var request RevocationRequest
	if err := codec.Unmarshal(payload, &request); err != nil {
		return nil, fmt.Errorf("capability: decoding revocation request: %w", err)
	}
	if len(request.TokenIDs) == 0 {
		return nil, ErrRevocationNoEntries
	}
	return &request, nil
}

// ApplyRevocation verifies a signed revocation against the account key
// and revokes every listed token. Returns the number newly revoked,
// descendants included.
func (s *Store) ApplyRevocation(data []byte) (int, error) {
	request, err := VerifyRevocation(s.keys.AccountKey(), data)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	revoked := 0
	for _, id := range request.TokenIDs {
		revoked += s.revoke(id)
	}
	return revoked, nil
}
