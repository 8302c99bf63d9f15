// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package crdt is the registry of replicated side facts: moderation
// state, relationships, sealed blobs and the intent set.
//
// Every fact type names a stable type id and supplies a join that is
// commutative, associative and idempotent. The [Registry] keys facts
// by (type id, context, subject) and merges replicas key by key, so
// two registries that have seen the same facts hold identical state
// regardless of the order they saw them in.
package crdt

import (
	"bytes"
	"cmp"
	"fmt"

	"github.com/hxrts/aura-sub026/lib/codec"
	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/lib/timestamp"
)

var (
	ErrUnknownType   = failure.New(failure.InvalidInput, "crdt: unknown fact type")
	ErrDuplicateType = failure.New(failure.Internal, "crdt: fact type registered twice")
	ErrKeyMismatch   = failure.New(failure.InvalidInput, "crdt: joined facts have different keys")
	ErrMalformedFact = failure.New(failure.InvalidInput, "crdt: malformed fact")
)

// Fact is one replicated value.
type Fact interface {
	TypeID() string
	ContextID() ids.ContextID
	// SubjectKey distinguishes facts of one type within a context.
	SubjectKey() string
	// Encode returns the canonical encoding. Equal facts encode
	// identically.
	Encode() ([]byte, error)
}

// Type describes a fact type to the registry.
type Type struct {
	ID     string
	Decode func(data []byte) (Fact, error)
	// Join merges two facts with the same key.
	Join func(a, b Fact) (Fact, error)
}

// Key addresses a fact in the registry.
type Key struct {
	TypeID  string        `cbor:"1,keyasint"`
	Context ids.ContextID `cbor:"2,keyasint"`
	Subject string        `cbor:"3,keyasint"`
}

// KeyOf returns the registry key of fact.
func KeyOf(fact Fact) Key {
	return Key{TypeID: fact.TypeID(), Context: fact.ContextID(), Subject: fact.SubjectKey()}
}

func (k Key) Compare(other Key) int {
	if c := cmp.Compare(k.TypeID, other.TypeID); c != 0 {
		return c
	}
	if c := k.Context.Compare(other.Context); c != 0 {
		return c
	}
	return cmp.Compare(k.Subject, other.Subject)
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.TypeID, k.Context, k.Subject)
}

// Record is an encoded fact with its key, the unit of storage and
// replication.
type Record struct {
	Key  Key    `cbor:"1,keyasint"`
	Data []byte `cbor:"2,keyasint"`
}

// LastWriterWins picks between two versions of a fact by timestamp.
// Native comparison decides when the stamps are ordered; otherwise the
// total SortCompare order decides, and identical stamps fall back to
// the larger encoding so every replica picks the same winner.
func LastWriterWins[F Fact](a, b F, stampA, stampB timestamp.TimeStamp) (F, error) {
	switch stampA.Compare(stampB, timestamp.Native) {
	case timestamp.Before:
		return b, nil
	case timestamp.After:
		return a, nil
	}
	if c := stampA.SortCompare(stampB, timestamp.Native); c != 0 {
		if c < 0 {
			return b, nil
		}
		return a, nil
	}
	encodedA, err := a.Encode()
	if err != nil {
		return a, err
	}
	encodedB, err := b.Encode()
	if err != nil {
		return a, err
	}
	if bytes.Compare(encodedA, encodedB) < 0 {
		return b, nil
	}
	return a, nil
}

// joinAs is the shared Join adapter for types whose join is a function
// of two concrete values.
func joinAs[F Fact](join func(a, b F) (F, error)) func(a, b Fact) (Fact, error) {
	return func(a, b Fact) (Fact, error) {
		if KeyOf(a) != KeyOf(b) {
			return nil, fmt.Errorf("%w: %s and %s", ErrKeyMismatch, KeyOf(a), KeyOf(b))
		}
		concreteA, ok := a.(F)
		if !ok {
			return nil, fmt.Errorf("%w: %T is not %s", ErrMalformedFact, a, a.TypeID())
		}
		concreteB, ok := b.(F)
		if !ok {
			return nil, fmt.Errorf("%w: %T is not %s", ErrMalformedFact, b, b.TypeID())
		}
		return join(concreteA, concreteB)
	}
}

// decodeAs is the shared Decode adapter for CBOR-encoded facts.
func decodeAs[F Fact](typeID string) func(data []byte) (Fact, error) {
	return func(data []byte) (Fact, error) {
		var fact F
		if err := codec.Unmarshal(data, &fact); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFact, typeID, err)
		}
		if fact.TypeID() != typeID {
			return nil, fmt.Errorf("%w: decoded %s as %s", ErrMalformedFact, typeID, fact.TypeID())
		}
		return fact, nil
	}
}
