// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package failure defines the error taxonomy shared by every Aura
// component. Each error carries a Kind that decides whether it may be
// retried locally and which exit code a command-line surface reports.
//
// Packages declare their sentinel errors with New and wrap context
// around them with fmt.Errorf("...: %w", err). KindOf walks the chain
// and returns the kind of the first *Error it finds:
//
//	var ErrParentMismatch = failure.New(failure.ProtocolViolation, "tree: parent commitment mismatch")
//	...
//	return fmt.Errorf("applying op %s: %w", id, ErrParentMismatch)
//	...
//	if failure.IsRetryable(err) { ... }
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind uint8

const (
	// Unknown is the kind of errors that carry no *Error in their
	// chain. Treated like Internal for exit codes.
	Unknown Kind = iota

	// InvalidInput: malformed witness, oversize path span, non-object
	// protocol result.
	InvalidInput

	// AuthorizationDenied: missing capability or attenuation violation.
	AuthorizationDenied

	// InsufficientFlowBudget: a leakage dimension would go negative.
	InsufficientFlowBudget

	// Timeout: a phase deadline or receive timeout. Retryable.
	Timeout

	// Transport: send or receive failure. Retryable.
	Transport

	// ProtocolViolation: bad ACK, bad FROST share, Byzantine threshold
	// exceeded. Never retried; the session fails.
	ProtocolViolation

	// Crypto: signature verification or decryption failure.
	Crypto

	// NotInitialized: the session is not in a state that allows the
	// operation yet.
	NotInitialized

	// AlreadyInitialized: the session has already passed the state the
	// operation requires.
	AlreadyInitialized

	// Internal: an invariant violation. Must be impossible.
	Internal
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid_input"
	case AuthorizationDenied:
		return "authorization_denied"
	case InsufficientFlowBudget:
		return "insufficient_flow_budget"
	case Timeout:
		return "timeout"
	case Transport:
		return "transport"
	case ProtocolViolation:
		return "protocol_violation"
	case Crypto:
		return "crypto"
	case NotInitialized:
		return "not_initialized"
	case AlreadyInitialized:
		return "already_initialized"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Retryable reports whether errors of this kind may be retried by the
// ErrorRecovery middleware. Only Timeout and Transport qualify.
func (k Kind) Retryable() bool {
	return k == Timeout || k == Transport
}

// ExitCode maps the kind onto the command-line exit codes: 1 user
// error, 2 authorization denied, 3 protocol failure, 4 io/transport
// failure.
func (k Kind) ExitCode() int {
	switch k {
	case InvalidInput, NotInitialized, AlreadyInitialized:
		return 1
	case AuthorizationDenied, InsufficientFlowBudget:
		return 2
	case Transport:
		return 4
	default:
		return 3
	}
}

// Error is a classified error. Message is the full human-readable
// text; Err, when set, is the wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" && e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// ExitCode implements the exit-code interface checked by cmd/aura-node.
func (e *Error) ExitCode() int { return e.Kind.ExitCode() }

// New returns a classified error with a fixed message. Use it for
// package-level sentinels.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf formats a classified error. A %w verb in format is honoured:
// the wrapped error becomes Err so errors.Is keeps matching it.
func Errorf(kind Kind, format string, args ...any) *Error {
	formatted := fmt.Errorf(format, args...)
	return &Error{Kind: kind, Message: formatted.Error(), Err: errors.Unwrap(formatted)}
}

// Wrap classifies err under kind, prefixing message. Returns nil if
// err is nil.
func Wrap(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message + ": " + err.Error(), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or
// Unknown if there is none. KindOf(nil) is Unknown.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return Unknown
}

// Is reports whether err's chain carries an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err may be retried locally.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err).Retryable()
}

// ExitCode returns the process exit code for err: 0 for nil, otherwise
// the mapping of its kind.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return KindOf(err).ExitCode()
}
