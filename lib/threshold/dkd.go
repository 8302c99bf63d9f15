// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package threshold

import (
	"fmt"
	"sort"

	"filippo.io/edwards25519"

	"github.com/hxrts/aura-sub026/lib/digest"
	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/lib/kdf"
)

// HKDF labels for the three keys expanded from a DKD aggregate.
const (
	dkdSigningLabel     = "aura-dkd-signing-v1"
	dkdEncryptionLabel  = "aura-dkd-encryption-v1"
	dkdFingerprintLabel = "aura-dkd-fingerprint-v1"
)

var (
	ErrRevealMismatch    = failure.New(failure.ProtocolViolation, "threshold: DKD reveal does not match commitment")
	ErrUncommittedReveal = failure.New(failure.ProtocolViolation, "threshold: DKD reveal without prior commitment")
	ErrIncompleteDKD     = failure.New(failure.NotInitialized, "threshold: DKD reveals incomplete")
)

// HashToScalar maps a participant share and a context to a scalar:
// blake3(share || context) reduced modulo the group order.
func HashToScalar(share []byte, context ids.ContextID) *edwards25519.Scalar {
	hash := digest.SumParts(share, context[:])
	return ScalarFromBytesModOrder(hash[:])
}

// DKDContribution returns a participant's point HashToScalar(share,
// context)·B.
func DKDContribution(share []byte, context ids.ContextID) [32]byte {
	return EncodePoint(new(edwards25519.Point).ScalarBaseMult(HashToScalar(share, context)))
}

// CommitPoint is blake3 of the compressed point.
func CommitPoint(point [32]byte) ids.Hash32 {
	return digest.Sum(point[:])
}

// AggregateContributions sums the points and clears the cofactor.
func AggregateContributions(points [][32]byte) ([32]byte, error) {
	sum := edwards25519.NewIdentityPoint()
	for _, encoded := range points {
		point, err := DecodePoint(encoded)
		if err != nil {
			return [32]byte{}, err
		}
		sum.Add(sum, point)
	}
	return EncodePoint(sum.MultByCofactor(sum)), nil
}

// DerivedKeys are the keys expanded from a DKD aggregate.
type DerivedKeys struct {
	SigningKey      [32]byte
	EncryptionKey   [32]byte
	SeedFingerprint [32]byte
}

// ExpandKeys derives the signing key, encryption key and seed
// fingerprint from an aggregate point, salted by the context.
func ExpandKeys(aggregate [32]byte, context ids.ContextID) (DerivedKeys, error) {
	var keys DerivedKeys
	var err error
	if keys.SigningKey, err = kdf.Derive32(aggregate[:], context[:], []byte(dkdSigningLabel)); err != nil {
		return DerivedKeys{}, err
	}
	if keys.EncryptionKey, err = kdf.Derive32(aggregate[:], context[:], []byte(dkdEncryptionLabel)); err != nil {
		return DerivedKeys{}, err
	}
	if keys.SeedFingerprint, err = kdf.Derive32(aggregate[:], context[:], []byte(dkdFingerprintLabel)); err != nil {
		return DerivedKeys{}, err
	}
	return keys, nil
}

// DKDSession runs commit/reveal for one context: every participant
// first commits to its point, then reveals it; the aggregate is only
// available once every committed participant has revealed a matching
// point.
type DKDSession struct {
	context     ids.ContextID
	commitments map[ids.DeviceID]ids.Hash32
	reveals     map[ids.DeviceID][32]byte
}

// NewDKDSession starts a session for context.
func NewDKDSession(context ids.ContextID) *DKDSession {
	return &DKDSession{
		context:     context,
		commitments: make(map[ids.DeviceID]ids.Hash32),
		reveals:     make(map[ids.DeviceID][32]byte),
	}
}

// Commit records a participant's commitment. A second commitment from
// the same participant replaces the first only before it has revealed.
func (s *DKDSession) Commit(participant ids.DeviceID, commitment ids.Hash32) error {
	if _, revealed := s.reveals[participant]; revealed {
		return fmt.Errorf("%w: %s already revealed", ErrRevealMismatch, participant)
	}
	s.commitments[participant] = commitment
	return nil
}

// Reveal records a participant's point after checking it against the
// commitment.
func (s *DKDSession) Reveal(participant ids.DeviceID, point [32]byte) error {
	commitment, committed := s.commitments[participant]
	if !committed {
		return fmt.Errorf("%w: %s", ErrUncommittedReveal, participant)
	}
	if CommitPoint(point) != commitment {
		return fmt.Errorf("%w: %s", ErrRevealMismatch, participant)
	}
	if _, err := DecodePoint(point); err != nil {
		return err
	}
	s.reveals[participant] = point
	return nil
}

// Finish aggregates every reveal and expands the derived keys.
func (s *DKDSession) Finish() (DerivedKeys, error) {
	if len(s.commitments) == 0 || len(s.reveals) != len(s.commitments) {
		return DerivedKeys{}, fmt.Errorf("%w: %d of %d revealed", ErrIncompleteDKD, len(s.reveals), len(s.commitments))
	}
	participants := make([]ids.DeviceID, 0, len(s.reveals))
	for participant := range s.reveals {
		participants = append(participants, participant)
	}
	sort.Slice(participants, func(i, j int) bool { return participants[i].Compare(participants[j]) < 0 })
	points := make([][32]byte, len(participants))
	for i, participant := range participants {
		points[i] = s.reveals[participant]
	}
	aggregate, err := AggregateContributions(points)
	if err != nil {
		return DerivedKeys{}, err
	}
	return ExpandKeys(aggregate, s.context)
}
