// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil classifies socket errors for the transport and
// rendezvous layers.
package netutil

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/hxrts/aura-sub026/lib/failure"
)

// IsExpectedCloseError reports whether err is a normal end of a peer
// connection or socket: EOF, a closed socket, a broken pipe or a reset.
// Read loops stop quietly on these instead of logging them.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}

// IsTimeout reports whether err is a deadline expiry, either a socket
// deadline or a context deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Classify wraps a socket error with message as failure.Timeout when a
// deadline expired and failure.Transport otherwise. Both kinds are
// retryable. Errors that already carry a kind keep it.
func Classify(err error, message string) error {
	if err == nil {
		return nil
	}
	if failure.KindOf(err) != failure.Unknown {
		return err
	}
	if IsTimeout(err) {
		return failure.Wrap(failure.Timeout, err, message)
	}
	return failure.Wrap(failure.Transport, err, message)
}
