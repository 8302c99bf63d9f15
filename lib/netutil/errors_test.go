// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/hxrts/aura-sub026/lib/failure"
)

func TestIsExpectedCloseError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"wrapped eof", fmt.Errorf("reading frame: %w", io.EOF), true},
		{"closed socket", net.ErrClosed, true},
		{"broken pipe", &net.OpError{Op: "write", Err: os.NewSyscallError("write", syscall.EPIPE)}, true},
		{"reset", &net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}, true},
		{"refused", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, false},
		{"other", errors.New("bad frame"), false},
	}
	for _, test := range tests {
		if got := IsExpectedCloseError(test.err); got != test.want {
			t.Errorf("%s: IsExpectedCloseError = %v, want %v", test.name, got, test.want)
		}
	}
}

func TestClassify(t *testing.T) {
	if Classify(nil, "x") != nil {
		t.Error("Classify(nil) is not nil")
	}

	deadline := &net.OpError{Op: "read", Err: os.ErrDeadlineExceeded}
	if err := Classify(deadline, "reading"); failure.KindOf(err) != failure.Timeout {
		t.Errorf("deadline classified as %v, want Timeout", failure.KindOf(err))
	}
	if err := Classify(context.DeadlineExceeded, "dialing"); failure.KindOf(err) != failure.Timeout {
		t.Errorf("context deadline classified as %v, want Timeout", failure.KindOf(err))
	}

	refused := &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
	err := Classify(refused, "dialing")
	if failure.KindOf(err) != failure.Transport || !errors.Is(err, syscall.ECONNREFUSED) {
		t.Errorf("refused classified as %v (%v), want Transport wrapping ECONNREFUSED", failure.KindOf(err), err)
	}

	classified := failure.New(failure.ProtocolViolation, "bad ack")
	if err := Classify(classified, "sending"); failure.KindOf(err) != failure.ProtocolViolation {
		t.Errorf("existing kind replaced with %v", failure.KindOf(err))
	}
}
