// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ids

import (
	"bytes"

	"github.com/google/uuid"
)

// DeviceID names one device of an account.
type DeviceID [16]byte

// NewDeviceID returns a random device identifier.
func NewDeviceID() DeviceID { return DeviceID(uuid.New()) }

// DeriveDeviceID derives a device identifier from seed material.
func DeriveDeviceID(seed []byte) DeviceID { return derive16("aura.ids.device.v1", seed) }

// ParseDeviceID parses the UUID text form.
func ParseDeviceID(s string) (DeviceID, error) {
	raw, err := parse16("device", s)
	return DeviceID(raw), err
}

func (d DeviceID) String() string { return uuid.UUID(d).String() }
func (d DeviceID) IsZero() bool { return d == DeviceID{} }
func (d DeviceID) Compare(other DeviceID) int { return bytes.Compare(d[:], other[:]) }
func (d DeviceID) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *DeviceID) UnmarshalText(text []byte) error {
	parsed, err := ParseDeviceID(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// AccountID names an account: the logical identity owned by a set of
// devices.
type AccountID [16]byte

func NewAccountID() AccountID { return AccountID(uuid.New()) }

func DeriveAccountID(seed []byte) AccountID { return derive16("aura.ids.account.v1", seed) }

func ParseAccountID(s string) (AccountID, error) {
	raw, err := parse16("account", s)
	return AccountID(raw), err
}

func (a AccountID) String() string { return uuid.UUID(a).String() }
func (a AccountID) IsZero() bool { return a == AccountID{} }
func (a AccountID) Compare(other AccountID) int { return bytes.Compare(a[:], other[:]) }
func (a AccountID) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *AccountID) UnmarshalText(text []byte) error {
	parsed, err := ParseAccountID(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ContextID scopes facts, flow budgets and key derivations to a
// relationship or group context.
type ContextID [16]byte

func NewContextID() ContextID { return ContextID(uuid.New()) }

func DeriveContextID(seed []byte) ContextID { return derive16("aura.ids.context.v1", seed) }

func ParseContextID(s string) (ContextID, error) {
	raw, err := parse16("context", s)
	return ContextID(raw), err
}

func (c ContextID) String() string { return uuid.UUID(c).String() }
func (c ContextID) IsZero() bool { return c == ContextID{} }
func (c ContextID) Compare(other ContextID) int { return bytes.Compare(c[:], other[:]) }
func (c ContextID) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *ContextID) UnmarshalText(text []byte) error {
	parsed, err := ParseContextID(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// SessionID names one protocol session in the session runtime.
type SessionID [16]byte

func NewSessionID() SessionID { return SessionID(uuid.New()) }

func DeriveSessionID(seed []byte) SessionID { return derive16("aura.ids.session.v1", seed) }

func ParseSessionID(s string) (SessionID, error) {
	raw, err := parse16("session", s)
	return SessionID(raw), err
}

func (s SessionID) String() string { return uuid.UUID(s).String() }
func (s SessionID) IsZero() bool { return s == SessionID{} }
func (s SessionID) Compare(other SessionID) int { return bytes.Compare(s[:], other[:]) }
func (s SessionID) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *SessionID) UnmarshalText(text []byte) error {
	parsed, err := ParseSessionID(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// GuardianID names a guardian holding a recovery share.
type GuardianID [16]byte

func NewGuardianID() GuardianID { return GuardianID(uuid.New()) }

func DeriveGuardianID(seed []byte) GuardianID { return derive16("aura.ids.guardian.v1", seed) }

func ParseGuardianID(s string) (GuardianID, error) {
	raw, err := parse16("guardian", s)
	return GuardianID(raw), err
}

func (g GuardianID) String() string { return uuid.UUID(g).String() }
func (g GuardianID) IsZero() bool { return g == GuardianID{} }
func (g GuardianID) Compare(other GuardianID) int { return bytes.Compare(g[:], other[:]) }
func (g GuardianID) MarshalText() ([]byte, error) { return []byte(g.String()), nil }

func (g *GuardianID) UnmarshalText(text []byte) error {
	parsed, err := ParseGuardianID(string(text))
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}

// IntentID names a proposed tree mutation in the intent pool. Ties in
// the batch ranking are broken by IntentID, earliest first.
type IntentID [16]byte

func NewIntentID() IntentID { return IntentID(uuid.New()) }

func DeriveIntentID(seed []byte) IntentID { return derive16("aura.ids.intent.v1", seed) }

func ParseIntentID(s string) (IntentID, error) {
	raw, err := parse16("intent", s)
	return IntentID(raw), err
}

func (i IntentID) String() string { return uuid.UUID(i).String() }
func (i IntentID) IsZero() bool { return i == IntentID{} }
func (i IntentID) Compare(other IntentID) int { return bytes.Compare(i[:], other[:]) }
func (i IntentID) MarshalText() ([]byte, error) { return []byte(i.String()), nil }

func (i *IntentID) UnmarshalText(text []byte) error {
	parsed, err := ParseIntentID(string(text))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}
