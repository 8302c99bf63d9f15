// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"fmt"
	"io"
	"sort"

	"github.com/hxrts/aura-sub026/lib/codec"
	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/lib/secret"
	"github.com/hxrts/aura-sub026/lib/threshold"
)

// escrowChunkSize is the number of secret bytes shared per scalar.
// Sixteen-byte little-endian values are always canonical scalars.
const escrowChunkSize = 16

var (
	ErrNotEnoughGuardians = failure.New(failure.InvalidInput, "sealed: fewer guardian shares than the escrow threshold")
	ErrUnknownGuardian    = failure.New(failure.InvalidInput, "sealed: guardian not part of this escrow")
)

// Guardian names a guardian and the age recipient its share is
// encrypted to.
type Guardian struct {
	ID        ids.GuardianID `cbor:"1,keyasint"`
	Recipient string         `cbor:"2,keyasint"`
}

// EscrowedShare is one guardian's encrypted share.
type EscrowedShare struct {
	Guardian   ids.GuardianID `cbor:"1,keyasint"`
	Identifier uint16         `cbor:"2,keyasint"`
	Ciphertext string         `cbor:"3,keyasint"`
}

// Escrow is the public record of a guardian escrow. It contains no
// plaintext secret material.
type Escrow struct {
	Account      ids.AccountID   `cbor:"1,keyasint"`
	Threshold    uint16          `cbor:"2,keyasint"`
	SecretLength int             `cbor:"3,keyasint"`
	Shares       []EscrowedShare `cbor:"4,keyasint"`
}

// shareBundle is the plaintext encrypted to one guardian: one Shamir
// share per chunk of the secret.
type shareBundle struct {
	Identifier uint16     `cbor:"1,keyasint"`
	Values     [][32]byte `cbor:"2,keyasint"`
}

// EscrowSecret splits deviceSecret threshold-of-len(guardians) and
// encrypts each share to its guardian.
func EscrowSecret(account ids.AccountID, deviceSecret []byte, thresholdCount uint16, guardians []Guardian, random io.Reader) (*Escrow, error) {
	if len(deviceSecret) == 0 {
		return nil, fmt.Errorf("%w: empty secret", ErrInvalidKey)
	}
	if thresholdCount == 0 || int(thresholdCount) > len(guardians) {
		return nil, fmt.Errorf("%w: %d of %d guardians", threshold.ErrInvalidThreshold, thresholdCount, len(guardians))
	}
	for _, guardian := range guardians {
		if err := ParseRecipient(guardian.Recipient); err != nil {
			return nil, fmt.Errorf("guardian %s: %w", guardian.ID, err)
		}
	}

	bundles := make([]shareBundle, len(guardians))
	for i := range bundles {
		bundles[i].Identifier = uint16(i + 1)
	}
	for offset := 0; offset < len(deviceSecret); offset += escrowChunkSize {
		end := min(offset+escrowChunkSize, len(deviceSecret))
		chunk := threshold.ScalarFromBytesModOrder(deviceSecret[offset:end])
		shares, err := threshold.Split(chunk, int(thresholdCount), len(guardians), random)
		if err != nil {
			return nil, err
		}
		for i, share := range shares {
			bundles[i].Values = append(bundles[i].Values, share.Value)
		}
	}

	escrow := &Escrow{
		Account:      account,
		Threshold:    thresholdCount,
		SecretLength: len(deviceSecret),
		Shares:       make([]EscrowedShare, len(guardians)),
	}
	for i, guardian := range guardians {
		encoded, err := codec.Marshal(bundles[i])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSerializationFailed, err)
		}
		ciphertext, err := EncryptTo(encoded, guardian.Recipient)
		secret.Zero(encoded)
		for j := range bundles[i].Values {
			secret.Zero(bundles[i].Values[j][:])
		}
		if err != nil {
			return nil, fmt.Errorf("encrypting share for guardian %s: %w", guardian.ID, err)
		}
		escrow.Shares[i] = EscrowedShare{Guardian: guardian.ID, Identifier: bundles[i].Identifier, Ciphertext: ciphertext}
	}
	return escrow, nil
}

// Recover decrypts the shares of the guardians in identities and
// reconstructs the secret. At least Threshold identities are needed.
// The caller must Close the returned buffer.
func Recover(escrow *Escrow, identities map[ids.GuardianID]*secret.Buffer) (*secret.Buffer, error) {
	if len(identities) < int(escrow.Threshold) {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughGuardians, len(identities), escrow.Threshold)
	}
	byGuardian := make(map[ids.GuardianID]EscrowedShare, len(escrow.Shares))
	for _, share := range escrow.Shares {
		byGuardian[share.Guardian] = share
	}

	guardianIDs := make([]ids.GuardianID, 0, len(identities))
	for guardian := range identities {
		guardianIDs = append(guardianIDs, guardian)
	}
	sort.Slice(guardianIDs, func(i, j int) bool { return guardianIDs[i].Compare(guardianIDs[j]) < 0 })

	chunkCount := (escrow.SecretLength + escrowChunkSize - 1) / escrowChunkSize
	chunkShares := make([][]threshold.Share, chunkCount)
	for _, guardian := range guardianIDs[:escrow.Threshold] {
		escrowed, known := byGuardian[guardian]
		if !known {
			return nil, fmt.Errorf("%w: %s", ErrUnknownGuardian, guardian)
		}
		plaintext, err := DecryptWith(escrowed.Ciphertext, identities[guardian])
		if err != nil {
			return nil, fmt.Errorf("decrypting share of guardian %s: %w", guardian, err)
		}
		var bundle shareBundle
		err = codec.Unmarshal(plaintext.Bytes(), &bundle)
		plaintext.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: share of guardian %s: %v", ErrDataCorruption, guardian, err)
		}
		if bundle.Identifier != escrowed.Identifier || len(bundle.Values) != chunkCount {
			return nil, fmt.Errorf("%w: share of guardian %s does not match the escrow record", ErrDataCorruption, guardian)
		}
		for chunk, value := range bundle.Values {
			chunkShares[chunk] = append(chunkShares[chunk], threshold.Share{Identifier: bundle.Identifier, Value: value})
		}
	}

	recovered, err := secret.New(escrow.SecretLength)
	if err != nil {
		return nil, err
	}
	output := recovered.Bytes()
	for chunk, shares := range chunkShares {
		value, err := threshold.Combine(shares)
		for i := range shares {
			secret.Zero(shares[i].Value[:])
		}
		if err != nil {
			recovered.Close()
			return nil, err
		}
		offset := chunk * escrowChunkSize
		end := min(offset+escrowChunkSize, escrow.SecretLength)
		encoded := threshold.EncodeScalar(value)
		copy(output[offset:end], encoded[:end-offset])
		secret.Zero(encoded[:])
	}
	return recovered, nil
}
