// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package threshold

import (
	"crypto/ed25519"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"strconv"
	"strings"

	"filippo.io/edwards25519"

	"github.com/hxrts/aura-sub026/lib/failure"
)

// contextString is the RFC 9591 ciphersuite context for
// FROST(Ed25519, SHA-512).
const contextString = "FROST-ED25519-SHA512-v1"

var (
	ErrInvalidShare       = failure.New(failure.ProtocolViolation, "threshold: invalid signature share")
	ErrMissingCommitment  = failure.New(failure.ProtocolViolation, "threshold: signer commitment missing from signing package")
	ErrNonceReuse         = failure.New(failure.Internal, "threshold: signing nonces already used")
	ErrAggregateInvalid   = failure.New(failure.Internal, "threshold: aggregate signature does not verify")
	ErrNotEnoughSigners   = failure.New(failure.InvalidInput, "threshold: fewer signers than the threshold")
	ErrUnknownParticipant = failure.New(failure.ProtocolViolation, "threshold: unknown participant")
)

// InvalidSharesError names the participants whose signature shares
// failed verification during aggregation. It matches ErrInvalidShare
// under errors.Is.
type InvalidSharesError struct {
	Identifiers []uint16
}

func (e *InvalidSharesError) Error() string {
	parts := make([]string, len(e.Identifiers))
	for i, identifier := range e.Identifiers {
		parts[i] = strconv.Itoa(int(identifier))
	}
	return "threshold: invalid signature shares from participants " + strings.Join(parts, ", ")
}

func (e *InvalidSharesError) Unwrap() error { return ErrInvalidShare }

// SigningCommitments is a participant's round-one broadcast.
type SigningCommitments struct {
	Identifier uint16   `cbor:"1,keyasint"`
	Hiding     [32]byte `cbor:"2,keyasint"`
	Binding    [32]byte `cbor:"3,keyasint"`
}

// SigningNonces are the secret round-one values. They must be used
// for exactly one Round2 call.
type SigningNonces struct {
	hiding      *edwards25519.Scalar
	binding     *edwards25519.Scalar
	commitments SigningCommitments
	used        bool
}

// Commitments returns the public commitments to these nonces.
func (n *SigningNonces) Commitments() SigningCommitments { return n.commitments }

// Zero overwrites the nonces and marks them used.
func (n *SigningNonces) Zero() {
	zero := edwards25519.NewScalar()
	n.hiding.Set(zero)
	n.binding.Set(zero)
	n.used = true
}

// SigningPackage is what the coordinator sends in round two: every
// participating signer's commitments and the message.
type SigningPackage struct {
	Commitments []SigningCommitments `cbor:"1,keyasint"`
	Message     []byte               `cbor:"2,keyasint"`
}

// NewSigningPackage sorts commitments by identifier.
func NewSigningPackage(commitments []SigningCommitments, message []byte) SigningPackage {
	sorted := slices.Clone(commitments)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Identifier < sorted[j].Identifier })
	return SigningPackage{Commitments: sorted, Message: message}
}

// Signers returns the identifiers in the package.
func (p SigningPackage) Signers() []uint16 {
	signers := make([]uint16, len(p.Commitments))
	for i, commitment := range p.Commitments {
		signers[i] = commitment.Identifier
	}
	return signers
}

// SignatureShare is a participant's round-two output.
type SignatureShare struct {
	Identifier uint16   `cbor:"1,keyasint"`
	Share      [32]byte `cbor:"2,keyasint"`
}

func hashWithLabel(label string, parts ...[]byte) *edwards25519.Scalar {
	all := make([][]byte, 0, len(parts)+1)
	all = append(all, []byte(contextString+label))
	all = append(all, parts...)
	return hashToScalarSHA512(all...)
}

func digestWithLabel(label string, data []byte) []byte {
	hasher := sha512.New()
	hasher.Write([]byte(contextString + label))
	hasher.Write(data)
	return hasher.Sum(nil)
}

// generateNonce implements nonce_generate: H3(random(32) || secret).
func generateNonce(secretEncoding []byte, random io.Reader) (*edwards25519.Scalar, error) {
	var randomBytes [32]byte
	if _, err := io.ReadFull(random, randomBytes[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}
	nonce := hashWithLabel("nonce", randomBytes[:], secretEncoding)
	clear(randomBytes[:])
	return nonce, nil
}

// Round1 generates a participant's hiding and binding nonces.
func Round1(key KeyPackage, random io.Reader) (*SigningNonces, error) {
	if key.Identifier == 0 {
		return nil, ErrInvalidIdentifier
	}
	hiding, err := generateNonce(key.SigningShare[:], random)
	if err != nil {
		return nil, err
	}
	binding, err := generateNonce(key.SigningShare[:], random)
	if err != nil {
		return nil, err
	}
	return &SigningNonces{
		hiding:  hiding,
		binding: binding,
		commitments: SigningCommitments{
			Identifier: key.Identifier,
			Hiding:     EncodePoint(new(edwards25519.Point).ScalarBaseMult(hiding)),
			Binding:    EncodePoint(new(edwards25519.Point).ScalarBaseMult(binding)),
		},
	}, nil
}

// encodeCommitmentList is encode_group_commitment_list.
func encodeCommitmentList(commitments []SigningCommitments) []byte {
	encoded := make([]byte, 0, len(commitments)*96)
	for _, commitment := range commitments {
		identifier := EncodeScalar(identifierScalar(commitment.Identifier))
		encoded = append(encoded, identifier[:]...)
		encoded = append(encoded, commitment.Hiding[:]...)
		encoded = append(encoded, commitment.Binding[:]...)
	}
	return encoded
}

// bindingFactors computes ρ_i for every signer in the package.
func bindingFactors(groupKey [32]byte, pkg SigningPackage) map[uint16]*edwards25519.Scalar {
	prefix := make([]byte, 0, 32+64+64)
	prefix = append(prefix, groupKey[:]...)
	prefix = append(prefix, digestWithLabel("msg", pkg.Message)...)
	prefix = append(prefix, digestWithLabel("com", encodeCommitmentList(pkg.Commitments))...)

	factors := make(map[uint16]*edwards25519.Scalar, len(pkg.Commitments))
	for _, commitment := range pkg.Commitments {
		identifier := EncodeScalar(identifierScalar(commitment.Identifier))
		factors[commitment.Identifier] = hashWithLabel("rho", prefix, identifier[:])
	}
	return factors
}

// groupCommitment computes R = Σ (D_i + ρ_i·E_i).
func groupCommitment(pkg SigningPackage, factors map[uint16]*edwards25519.Scalar) (*edwards25519.Point, error) {
	commitment := edwards25519.NewIdentityPoint()
	for _, signer := range pkg.Commitments {
		hiding, err := DecodePoint(signer.Hiding)
		if err != nil {
			return nil, err
		}
		binding, err := DecodePoint(signer.Binding)
		if err != nil {
			return nil, err
		}
		commitment.Add(commitment, hiding)
		commitment.Add(commitment, new(edwards25519.Point).ScalarMult(factors[signer.Identifier], binding))
	}
	return commitment, nil
}

// challenge is H2(R || A || M), the Ed25519 challenge.
func challenge(groupCommitment *edwards25519.Point, groupKey [32]byte, message []byte) *edwards25519.Scalar {
	return hashToScalarSHA512(groupCommitment.Bytes(), groupKey[:], message)
}

func checkPackage(pkg SigningPackage) error {
	for i := 1; i < len(pkg.Commitments); i++ {
		if pkg.Commitments[i].Identifier <= pkg.Commitments[i-1].Identifier {
			return fmt.Errorf("%w: commitments not sorted or duplicated at %d", ErrDuplicateIdentifier, pkg.Commitments[i].Identifier)
		}
	}
	for _, commitment := range pkg.Commitments {
		if commitment.Identifier == 0 {
			return ErrInvalidIdentifier
		}
	}
	return nil
}

// Round2 computes this participant's signature share. The nonces are
// zeroed whether or not signing succeeds.
func Round2(pkg SigningPackage, nonces *SigningNonces, key KeyPackage) (SignatureShare, error) {
	if nonces.used {
		return SignatureShare{}, ErrNonceReuse
	}
	defer nonces.Zero()

	if err := checkPackage(pkg); err != nil {
		return SignatureShare{}, err
	}
	index := slices.IndexFunc(pkg.Commitments, func(c SigningCommitments) bool { return c.Identifier == key.Identifier })
	if index < 0 || pkg.Commitments[index] != nonces.commitments {
		return SignatureShare{}, fmt.Errorf("%w: participant %d", ErrMissingCommitment, key.Identifier)
	}

	signingShare, err := DecodeScalar(key.SigningShare)
	if err != nil {
		return SignatureShare{}, err
	}
	factors := bindingFactors(key.GroupPublicKey, pkg)
	commitment, err := groupCommitment(pkg, factors)
	if err != nil {
		return SignatureShare{}, err
	}
	lambda, err := LagrangeCoefficient(key.Identifier, pkg.Signers())
	if err != nil {
		return SignatureShare{}, err
	}
	c := challenge(commitment, key.GroupPublicKey, pkg.Message)

	// z_i = d_i + e_i·ρ_i + λ_i·s_i·c
	share := edwards25519.NewScalar().Multiply(lambda, signingShare)
	share.Multiply(share, c)
	share.MultiplyAdd(nonces.binding, factors[key.Identifier], share)
	share.Add(share, nonces.hiding)
	signingShare.Set(edwards25519.NewScalar())

	return SignatureShare{Identifier: key.Identifier, Share: EncodeScalar(share)}, nil
}

// VerifyShare checks one signature share against the signer's
// verifying share: z_i·B = D_i + ρ_i·E_i + λ_i·c·Y_i.
func VerifyShare(pkg SigningPackage, share SignatureShare, verifyingShare, groupKey [32]byte) error {
	if err := checkPackage(pkg); err != nil {
		return err
	}
	factors := bindingFactors(groupKey, pkg)
	commitment, err := groupCommitment(pkg, factors)
	if err != nil {
		return err
	}
	return verifyShareWith(pkg, share, verifyingShare, factors, challenge(commitment, groupKey, pkg.Message))
}

func verifyShareWith(pkg SigningPackage, share SignatureShare, verifyingShare [32]byte, factors map[uint16]*edwards25519.Scalar, c *edwards25519.Scalar) error {
	index := slices.IndexFunc(pkg.Commitments, func(sc SigningCommitments) bool { return sc.Identifier == share.Identifier })
	if index < 0 {
		return fmt.Errorf("%w: participant %d", ErrMissingCommitment, share.Identifier)
	}
	signer := pkg.Commitments[index]

	z, err := DecodeScalar(share.Share)
	if err != nil {
		return fmt.Errorf("%w: participant %d: %v", ErrInvalidShare, share.Identifier, err)
	}
	hiding, err := DecodePoint(signer.Hiding)
	if err != nil {
		return err
	}
	binding, err := DecodePoint(signer.Binding)
	if err != nil {
		return err
	}
	public, err := DecodePoint(verifyingShare)
	if err != nil {
		return err
	}
	lambda, err := LagrangeCoefficient(share.Identifier, pkg.Signers())
	if err != nil {
		return err
	}

	expected := new(edwards25519.Point).ScalarMult(factors[share.Identifier], binding)
	expected.Add(expected, hiding)
	lambdaC := edwards25519.NewScalar().Multiply(lambda, c)
	expected.Add(expected, new(edwards25519.Point).ScalarMult(lambdaC, public))

	if new(edwards25519.Point).ScalarBaseMult(z).Equal(expected) != 1 {
		return fmt.Errorf("%w: participant %d", ErrInvalidShare, share.Identifier)
	}
	return nil
}

// Aggregate verifies every share and combines them into a 64-byte
// Ed25519 signature R || z. If any share fails verification the error
// is an *InvalidSharesError naming every culprit.
func Aggregate(pkg SigningPackage, shares []SignatureShare, public PublicKeyPackage) ([]byte, error) {
	if err := checkPackage(pkg); err != nil {
		return nil, err
	}
	if len(pkg.Commitments) < int(public.Threshold) {
		return nil, fmt.Errorf("%w: %d signers, threshold %d", ErrNotEnoughSigners, len(pkg.Commitments), public.Threshold)
	}
	if len(shares) != len(pkg.Commitments) {
		return nil, fmt.Errorf("%w: %d shares for %d commitments", ErrMissingCommitment, len(shares), len(pkg.Commitments))
	}

	factors := bindingFactors(public.GroupPublicKey, pkg)
	commitment, err := groupCommitment(pkg, factors)
	if err != nil {
		return nil, err
	}
	c := challenge(commitment, public.GroupPublicKey, pkg.Message)

	var culprits []uint16
	z := edwards25519.NewScalar()
	for _, share := range shares {
		verifying, known := public.VerifyingShares[share.Identifier]
		if !known {
			return nil, fmt.Errorf("%w: %d", ErrUnknownParticipant, share.Identifier)
		}
		if err := verifyShareWith(pkg, share, verifying, factors, c); err != nil {
			if errors.Is(err, ErrInvalidShare) {
				culprits = append(culprits, share.Identifier)
				continue
			}
			return nil, err
		}
		value, _ := DecodeScalar(share.Share)
		z.Add(z, value)
	}
	if len(culprits) > 0 {
		sort.Slice(culprits, func(i, j int) bool { return culprits[i] < culprits[j] })
		return nil, &InvalidSharesError{Identifiers: culprits}
	}

	signature := make([]byte, 0, ed25519.SignatureSize)
	signature = append(signature, commitment.Bytes()...)
	signature = append(signature, z.Bytes()...)
	if !ed25519.Verify(public.GroupKey(), pkg.Message, signature) {
		return nil, ErrAggregateInvalid
	}
	return signature, nil
}
