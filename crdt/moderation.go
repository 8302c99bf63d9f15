// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package crdt

import (
	"fmt"

	"github.com/hxrts/aura-sub026/lib/codec"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/lib/timestamp"
)

// ModerationKind selects mute, ban or pin.
type ModerationKind uint8

const (
	Mute ModerationKind = iota + 1
	Ban
	Pin
)

// Moderation fact type ids.
const (
	MuteTypeID = "aura.moderation.mute"
	BanTypeID  = "aura.moderation.ban"
	PinTypeID  = "aura.moderation.pin"
)

func (k ModerationKind) typeID() string {
	switch k {
	case Mute:
		return MuteTypeID
	case Ban:
		return BanTypeID
	case Pin:
		return PinTypeID
	default:
		return fmt.Sprintf("aura.moderation.unknown(%d)", uint8(k))
	}
}

// ModerationFact is the current mute, ban or pin state of one subject
// in a context. Lifting a mute or ban, or unpinning, is a newer fact
// with Active false.
type ModerationFact struct {
	Kind    ModerationKind `cbor:"1,keyasint"`
	Context ids.ContextID  `cbor:"2,keyasint"`
	// Subject is the muted or banned authority, or the pinned
	// content id.
	Subject     string              `cbor:"3,keyasint"`
	Actor       ids.AuthorityID     `cbor:"4,keyasint"`
	Active      bool                `cbor:"5,keyasint"`
	Reason      string              `cbor:"6,keyasint,omitempty"`
	ExpiresAtMs uint64              `cbor:"7,keyasint,omitempty"`
	At          timestamp.TimeStamp `cbor:"8,keyasint"`
}

func (f ModerationFact) TypeID() string { return f.Kind.typeID() }
func (f ModerationFact) ContextID() ids.ContextID { return f.Context }
func (f ModerationFact) SubjectKey() string { return f.Subject }
func (f ModerationFact) Encode() ([]byte, error) { return codec.Marshal(f) }

// ActiveAt reports whether the fact is in force at nowMs.
func (f ModerationFact) ActiveAt(nowMs uint64) bool {
	return f.Active && (f.ExpiresAtMs == 0 || nowMs < f.ExpiresAtMs)
}

func joinModeration(a, b ModerationFact) (ModerationFact, error) {
	if a.At.Domain == 0 {
		return b, nil
	}
	if b.At.Domain == 0 {
		return a, nil
	}
	return LastWriterWins(a, b, a.At, b.At)
}

func moderationType(kind ModerationKind) Type {
	return Type{
		ID:     kind.typeID(),
		Decode: decodeAs[ModerationFact](kind.typeID()),
		Join:   joinAs(joinModeration),
	}
}

// RelationshipState is the state of a relationship with a peer
// authority.
type RelationshipState uint8

const (
	RelationshipNone RelationshipState = iota
	RelationshipPending
	RelationshipEstablished
	RelationshipBlocked
)

func (s RelationshipState) String() string {
	switch s {
	case RelationshipNone:
		return "none"
	case RelationshipPending:
		return "pending"
	case RelationshipEstablished:
		return "established"
	case RelationshipBlocked:
		return "blocked"
	default:
		return fmt.Sprintf("relationship(%d)", uint8(s))
	}
}

// RelationshipTypeID is the relationship fact type id.
const RelationshipTypeID = "aura.relationship"

// RelationshipFact is the last-written relationship state between the
// context's owner and Peer.
type RelationshipFact struct {
	Context ids.ContextID       `cbor:"1,keyasint"`
	Peer    ids.AuthorityID     `cbor:"2,keyasint"`
	State   RelationshipState   `cbor:"3,keyasint"`
	At      timestamp.TimeStamp `cbor:"4,keyasint"`
}

func (RelationshipFact) TypeID() string { return RelationshipTypeID }
func (f RelationshipFact) ContextID() ids.ContextID { return f.Context }
func (f RelationshipFact) SubjectKey() string { return f.Peer.String() }
func (f RelationshipFact) Encode() ([]byte, error) { return codec.Marshal(f) }

func joinRelationship(a, b RelationshipFact) (RelationshipFact, error) {
	if a.At.Domain == 0 {
		return b, nil
	}
	if b.At.Domain == 0 {
		return a, nil
	}
	return LastWriterWins(a, b, a.At, b.At)
}

var relationshipType = Type{
	ID:     RelationshipTypeID,
	Decode: decodeAs[RelationshipFact](RelationshipTypeID),
	Join:   joinAs(joinRelationship),
}
