// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package threshold

import (
	"fmt"
	"io"

	"filippo.io/edwards25519"
)

// Share is one evaluation of a sharing polynomial: Value = f(Identifier).
type Share struct {
	Identifier uint16   `cbor:"1,keyasint"`
	Value      [32]byte `cbor:"2,keyasint"`
}

// Polynomial is a sharing polynomial of degree threshold-1 whose
// constant term is the secret.
type Polynomial struct {
	coefficients []*edwards25519.Scalar
}

// NewPolynomial returns a random polynomial with f(0) = secret.
func NewPolynomial(secret *edwards25519.Scalar, threshold int, random io.Reader) (*Polynomial, error) {
	if threshold < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidThreshold, threshold)
	}
	coefficients := make([]*edwards25519.Scalar, threshold)
	coefficients[0] = edwards25519.NewScalar().Set(secret)
	for i := 1; i < threshold; i++ {
		coefficient, err := RandomScalar(random)
		if err != nil {
			return nil, err
		}
		coefficients[i] = coefficient
	}
	return &Polynomial{coefficients: coefficients}, nil
}

// PolynomialFromCoefficients builds a polynomial from explicit
// coefficients, constant term first.
func PolynomialFromCoefficients(coefficients ...*edwards25519.Scalar) (*Polynomial, error) {
	if len(coefficients) == 0 {
		return nil, fmt.Errorf("%w: no coefficients", ErrInvalidThreshold)
	}
	copied := make([]*edwards25519.Scalar, len(coefficients))
	for i, coefficient := range coefficients {
		copied[i] = edwards25519.NewScalar().Set(coefficient)
	}
	return &Polynomial{coefficients: copied}, nil
}

// Threshold is the number of shares needed to recover the secret.
func (p *Polynomial) Threshold() int { return len(p.coefficients) }

// Evaluate computes f(x) by Horner's method.
func (p *Polynomial) Evaluate(x *edwards25519.Scalar) *edwards25519.Scalar {
	result := edwards25519.NewScalar().Set(p.coefficients[len(p.coefficients)-1])
	for i := len(p.coefficients) - 2; i >= 0; i-- {
		result.MultiplyAdd(result, x, p.coefficients[i])
	}
	return result
}

// Shares evaluates the polynomial at identifiers 1..count.
func (p *Polynomial) Shares(count int) ([]Share, error) {
	if count < p.Threshold() || count > 0xffff {
		return nil, fmt.Errorf("%w: %d shares for threshold %d", ErrInvalidThreshold, count, p.Threshold())
	}
	shares := make([]Share, count)
	for i := range shares {
		identifier := uint16(i + 1)
		shares[i] = Share{
			Identifier: identifier,
			Value:      EncodeScalar(p.Evaluate(identifierScalar(identifier))),
		}
	}
	return shares, nil
}

// Commitments returns the Feldman commitments a_j·B for every
// coefficient. A share can be checked against them with VerifyShareCommitment
// without learning the secret.
func (p *Polynomial) Commitments() [][32]byte {
	commitments := make([][32]byte, len(p.coefficients))
	for i, coefficient := range p.coefficients {
		commitments[i] = EncodePoint(new(edwards25519.Point).ScalarBaseMult(coefficient))
	}
	return commitments
}

// Zero overwrites the coefficients.
func (p *Polynomial) Zero() {
	zero := edwards25519.NewScalar()
	for _, coefficient := range p.coefficients {
		coefficient.Set(zero)
	}
}

// Split shares secret t-of-n. The polynomial is zeroed before
// returning.
func Split(secret *edwards25519.Scalar, threshold, count int, random io.Reader) ([]Share, error) {
	if threshold < 1 || threshold > count {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidThreshold, threshold, count)
	}
	polynomial, err := NewPolynomial(secret, threshold, random)
	if err != nil {
		return nil, err
	}
	defer polynomial.Zero()
	return polynomial.Shares(count)
}

// VerifyShareCommitment checks share against Feldman commitments:
// f(i)·B = Σ C_j·i^j.
func VerifyShareCommitment(share Share, commitments [][32]byte) error {
	value, err := DecodeScalar(share.Value)
	if err != nil {
		return err
	}
	x := identifierScalar(share.Identifier)
	power := ScalarFromUint64(1)
	expected := edwards25519.NewIdentityPoint()
	for _, encoded := range commitments {
		commitment, err := DecodePoint(encoded)
		if err != nil {
			return err
		}
		expected.Add(expected, new(edwards25519.Point).ScalarMult(power, commitment))
		power.Multiply(power, x)
	}
	if new(edwards25519.Point).ScalarBaseMult(value).Equal(expected) != 1 {
		return fmt.Errorf("%w: share %d does not match commitments", ErrInvalidShare, share.Identifier)
	}
	return nil
}

// LagrangeCoefficient returns λ_i = Π_{j≠i} x_j / (x_j - x_i), the
// weight of participant identifier when interpolating at zero over
// participants.
func LagrangeCoefficient(identifier uint16, participants []uint16) (*edwards25519.Scalar, error) {
	if identifier == 0 {
		return nil, ErrInvalidIdentifier
	}
	numerator := ScalarFromUint64(1)
	denominator := ScalarFromUint64(1)
	xi := identifierScalar(identifier)
	found := false
	seen := make(map[uint16]struct{}, len(participants))
	for _, other := range participants {
		if other == 0 {
			return nil, ErrInvalidIdentifier
		}
		if _, duplicate := seen[other]; duplicate {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateIdentifier, other)
		}
		seen[other] = struct{}{}
		if other == identifier {
			found = true
			continue
		}
		xj := identifierScalar(other)
		numerator.Multiply(numerator, xj)
		denominator.Multiply(denominator, edwards25519.NewScalar().Subtract(xj, xi))
	}
	if !found {
		return nil, fmt.Errorf("%w: %d is not among the participants", ErrInvalidIdentifier, identifier)
	}
	return numerator.Multiply(numerator, edwards25519.NewScalar().Invert(denominator)), nil
}

// Combine interpolates the shares at zero. With at least threshold
// distinct shares of one polynomial the result is the secret; with
// fewer it is an unrelated scalar.
func Combine(shares []Share) (*edwards25519.Scalar, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("%w: no shares", ErrInvalidThreshold)
	}
	participants := make([]uint16, len(shares))
	for i, share := range shares {
		participants[i] = share.Identifier
	}
	secret := edwards25519.NewScalar()
	for _, share := range shares {
		value, err := DecodeScalar(share.Value)
		if err != nil {
			return nil, err
		}
		lambda, err := LagrangeCoefficient(share.Identifier, participants)
		if err != nil {
			return nil, err
		}
		secret.MultiplyAdd(lambda, value, secret)
	}
	return secret, nil
}
