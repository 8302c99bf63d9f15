// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package validation checks untrusted request fields against the
// configured bounds before a request reaches protocol code:
// identifier syntax and length, operation names, payload size,
// timestamp freshness and nonce replay.
//
// Nonces are remembered per device in an LRU of MaxUsedNonces
// entries. A nonce seen again while still remembered is a replay;
// seeing it refreshes its position, so an attacker replaying one
// nonce in a loop keeps it pinned rather than flushing it out.
package validation

import (
	"fmt"
	"time"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hxrts/aura-sub026/lib/clock"
	"github.com/hxrts/aura-sub026/lib/config"
	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
)

var (
	ErrIdentifierTooLong = failure.New(failure.InvalidInput, "validation: identifier exceeds maximum length")
	ErrMalformedID       = failure.New(failure.InvalidInput, "validation: malformed identifier")
	ErrOperationName     = failure.New(failure.InvalidInput, "validation: invalid operation name")
	ErrPayloadTooLarge   = failure.New(failure.InvalidInput, "validation: payload exceeds maximum length")
	ErrTimestampTooOld   = failure.New(failure.InvalidInput, "validation: timestamp too old")
	ErrTimestampFuture   = failure.New(failure.InvalidInput, "validation: timestamp too far in the future")
	ErrNonceOutOfRange   = failure.New(failure.InvalidInput, "validation: nonce exceeds maximum value")
	ErrNonceReplayed     = failure.New(failure.ProtocolViolation, "validation: nonce replayed")
)

type nonceKey struct {
	device ids.DeviceID
	nonce  uint64
}

// Validator applies a ValidationConfig. Safe for concurrent use.
type Validator struct {
	cfg    config.ValidationConfig
	clock  clock.Clock
	nonces *lru.Cache[nonceKey, struct{}]
}

// New returns a validator. MaxUsedNonces must be positive when
// validation is enabled.
func New(cfg config.ValidationConfig, clk clock.Clock) (*Validator, error) {
	size := cfg.MaxUsedNonces
	if size <= 0 {
		size = 1
	}
	nonces, err := lru.New[nonceKey, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("validation: %w", err)
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Validator{cfg: cfg, clock: clk, nonces: nonces}, nil
}

// AccountID parses and bounds an account identifier.
func (v *Validator) AccountID(text string) (ids.AccountID, error) {
	if v.cfg.Enable && v.cfg.ValidateAccountIDs && v.cfg.MaxAccountIDLength > 0 && len(text) > v.cfg.MaxAccountIDLength {
		return ids.AccountID{}, fmt.Errorf("%w: account id is %d bytes, limit %d", ErrIdentifierTooLong, len(text), v.cfg.MaxAccountIDLength)
	}
	account, err := ids.ParseAccountID(text)
	if err != nil {
		return ids.AccountID{}, fmt.Errorf("%w: %v", ErrMalformedID, err)
	}
	if v.cfg.Enable && v.cfg.ValidateAccountIDs && account.IsZero() {
		return ids.AccountID{}, fmt.Errorf("%w: nil account id", ErrMalformedID)
	}
	return account, nil
}

// DeviceID parses and bounds a device identifier.
func (v *Validator) DeviceID(text string) (ids.DeviceID, error) {
	if v.cfg.Enable && v.cfg.ValidateDeviceIDs && v.cfg.MaxDeviceIDLength > 0 && len(text) > v.cfg.MaxDeviceIDLength {
		return ids.DeviceID{}, fmt.Errorf("%w: device id is %d bytes, limit %d", ErrIdentifierTooLong, len(text), v.cfg.MaxDeviceIDLength)
	}
	device, err := ids.ParseDeviceID(text)
	if err != nil {
		return ids.DeviceID{}, fmt.Errorf("%w: %v", ErrMalformedID, err)
	}
	if v.cfg.Enable && v.cfg.ValidateDeviceIDs && device.IsZero() {
		return ids.DeviceID{}, fmt.Errorf("%w: nil device id", ErrMalformedID)
	}
	return device, nil
}

// OperationName accepts non-empty names of letters, digits, '_', '-',
// '.' and ':' within the configured length.
func (v *Validator) OperationName(name string) error {
	if !v.cfg.Enable {
		return nil
	}
	if name == "" {
		return fmt.Errorf("%w: empty", ErrOperationName)
	}
	if v.cfg.MaxOperationNameLength > 0 && len(name) > v.cfg.MaxOperationNameLength {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrOperationName, len(name), v.cfg.MaxOperationNameLength)
	}
	for _, r := range name {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-' && r != '.' && r != ':' {
			return fmt.Errorf("%w: %q contains %q", ErrOperationName, name, r)
		}
	}
	return nil
}

// Payload bounds a message body.
func (v *Validator) Payload(payload []byte) error {
	if v.cfg.Enable && v.cfg.MaxPayloadLength > 0 && len(payload) > v.cfg.MaxPayloadLength {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(payload), v.cfg.MaxPayloadLength)
	}
	return nil
}

// Timestamp checks a Unix-millisecond timestamp against the freshness
// window around the validator's clock.
func (v *Validator) Timestamp(ms uint64) error {
	if !v.cfg.Enable {
		return nil
	}
	now := v.clock.Now()
	stamp := time.UnixMilli(int64(ms))
	if v.cfg.MaxTimestampAgeSeconds > 0 {
		oldest := now.Add(-time.Duration(v.cfg.MaxTimestampAgeSeconds) * time.Second)
		if stamp.Before(oldest) {
			return fmt.Errorf("%w: %v old", ErrTimestampTooOld, now.Sub(stamp))
		}
	}
	if v.cfg.MaxTimestampFutureSeconds > 0 {
		latest := now.Add(time.Duration(v.cfg.MaxTimestampFutureSeconds) * time.Second)
		if stamp.After(latest) {
			return fmt.Errorf("%w: %v ahead", ErrTimestampFuture, stamp.Sub(now))
		}
	}
	return nil
}

// Nonce records nonce for device, rejecting values above the limit
// and nonces still remembered from an earlier request.
func (v *Validator) Nonce(device ids.DeviceID, nonce uint64) error {
	if !v.cfg.Enable {
		return nil
	}
	if v.cfg.MaxNonceValue > 0 && nonce > v.cfg.MaxNonceValue {
		return fmt.Errorf("%w: %d", ErrNonceOutOfRange, nonce)
	}
	key := nonceKey{device: device, nonce: nonce}
	// Get refreshes recency on a hit.
	if _, seen := v.nonces.Get(key); seen {
		return fmt.Errorf("%w: device %s nonce %d", ErrNonceReplayed, device, nonce)
	}
	v.nonces.Add(key, struct{}{})
	return nil
}

// RememberedNonces is the number of nonces in the replay cache.
func (v *Validator) RememberedNonces() int { return v.nonces.Len() }

// Request is the envelope the capability middleware validates before
// a send.
type Request struct {
	Device      ids.DeviceID
	Operation   string
	Payload     []byte
	TimestampMs uint64
	Nonce       uint64
}

// Request validates every field of request.
func (v *Validator) Request(request Request) error {
	if err := v.OperationName(request.Operation); err != nil {
		return err
	}
	if err := v.Payload(request.Payload); err != nil {
		return err
	}
	if err := v.Timestamp(request.TimestampMs); err != nil {
		return err
	}
	return v.Nonce(request.Device, request.Nonce)
}
