// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"bytes"
	"io"
	"testing"
	"time"
)

func TestRandIsDeterministic(t *testing.T) {
	first := make([]byte, 64)
	second := make([]byte, 64)
	other := make([]byte, 64)
	io.ReadFull(Rand(7), first)
	io.ReadFull(Rand(7), second)
	io.ReadFull(Rand(8), other)

	if !bytes.Equal(first, second) {
		t.Error("same seed produced different streams")
	}
	if bytes.Equal(first, other) {
		t.Error("different seeds produced the same stream")
	}
}

func TestFixtureIdentifiersAreStable(t *testing.T) {
	if Device("alice") != Device("alice") || Device("alice") == Device("bob") {
		t.Error("Device is not a stable injective naming")
	}
	if Authority("alice") != Authority("alice") || Authority("alice") == Authority("bob") {
		t.Error("Authority is not a stable injective naming")
	}
	if Context("chat") == Context("files") {
		t.Error("Context collides")
	}
}

func TestRequireReceiveReturnsValue(t *testing.T) {
	ch := make(chan int, 1)
	RequireSend(t, ch, 42, time.Second, "send")
	if got := RequireReceive(t, ch, time.Second, "receive"); got != 42 {
		t.Errorf("got %d", got)
	}
	done := make(chan struct{})
	close(done)
	RequireClosed(t, done, time.Second, "closed")
	RequireNoReceive(t, make(chan int), 10*time.Millisecond, "quiet")
}

type recorder struct{ failed bool }

func (r *recorder) Helper() {}
func (r *recorder) Fatalf(string, ...any) { r.failed = true }

func TestRequireReceiveTimesOut(t *testing.T) {
	var r recorder
	RequireReceive(&r, make(chan int), 10*time.Millisecond, "peer %s", "a")
	if !r.failed {
		t.Error("timeout did not fail the test")
	}
}
