// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
)

var ErrInvalidWitness = failure.New(failure.InvalidInput, "session: invalid witness")

// InitComplete is the evidence that moves a bootstrapping session to
// Idle: the device finished loading its identity and account genesis.
type InitComplete struct {
	Device  ids.DeviceID
	Genesis ids.Hash32
	At      uint64
}

// VerifyInit checks initialization evidence.
func VerifyInit(device ids.DeviceID, genesis ids.Hash32, at uint64) (InitComplete, error) {
	if device.IsZero() {
		return InitComplete{}, fmt.Errorf("%w: zero device id", ErrInvalidWitness)
	}
	if genesis.IsZero() {
		return InitComplete{}, fmt.Errorf("%w: zero genesis commitment", ErrInvalidWitness)
	}
	return InitComplete{Device: device, Genesis: genesis, At: at}, nil
}

// ProtocolCompleted is the evidence that ends a coordination
// successfully.
type ProtocolCompleted struct {
	ProtocolID uuid.UUID
	Protocol   string
	// Result is a JSON object, or nil when the protocol produces none.
	Result json.RawMessage
}

// VerifyProtocolWitness checks completion evidence: the protocol id
// must be set and the result must be absent, null or a JSON object.
func VerifyProtocolWitness(protocolID uuid.UUID, protocol string, result []byte) (ProtocolCompleted, error) {
	if protocolID == uuid.Nil {
		return ProtocolCompleted{}, fmt.Errorf("%w: nil protocol id", ErrInvalidWitness)
	}
	if protocol == "" {
		return ProtocolCompleted{}, fmt.Errorf("%w: empty protocol name", ErrInvalidWitness)
	}
	trimmed := bytes.TrimSpace(result)
	switch {
	case len(trimmed) == 0, bytes.Equal(trimmed, []byte("null")):
		trimmed = nil
	case trimmed[0] != '{' || !json.Valid(trimmed):
		return ProtocolCompleted{}, fmt.Errorf("%w: result is not a JSON object", ErrInvalidWitness)
	}
	return ProtocolCompleted{ProtocolID: protocolID, Protocol: protocol, Result: bytes.Clone(trimmed)}, nil
}
