// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package effects

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/hxrts/aura-sub026/lib/clock"
	"github.com/hxrts/aura-sub026/lib/digest"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/lib/signing"
	"github.com/hxrts/aura-sub026/lib/timestamp"
)

// MaxTraceEvents bounds the events a Trace keeps. Older events are
// discarded; the running digest still covers them.
const MaxTraceEvents = 1 << 16

// TraceEvent is one recorded effect call. Detail is the BLAKE3 hash of
// the call's inputs and outputs, so payloads are not retained.
type TraceEvent struct {
	Seq    uint64
	Family string
	Op     string
	Detail ids.Hash32
}

// Trace records the effect calls of a simulated device. Its Digest is
// a hash chain over every event ever recorded: two runs are
// byte-identical exactly when their digests match.
type Trace struct {
	mu      sync.Mutex
	seq     uint64
	events  []TraceEvent
	running ids.Hash32
}

func (t *Trace) record(family, op string, parts ...[]byte) {
	detail := digest.SumParts(parts...)

	t.mu.Lock()
	defer t.mu.Unlock()
	event := TraceEvent{Seq: t.seq, Family: family, Op: op, Detail: detail}
	t.seq++
	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], event.Seq)
	t.running = digest.SumParts(t.running[:], seq[:], []byte(family), []byte{0}, []byte(op), []byte{0}, detail[:])

	if len(t.events) == MaxTraceEvents {
		copy(t.events, t.events[1:])
		t.events = t.events[:len(t.events)-1]
	}
	t.events = append(t.events, event)
}

// Events returns a copy of the retained events.
func (t *Trace) Events() []TraceEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TraceEvent(nil), t.events...)
}

// Len is the total number of events recorded.
func (t *Trace) Len() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seq
}

// Digest returns the hash chain over every recorded event.
func (t *Trace) Digest() ids.Hash32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func u64(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

type tracedRandom struct {
	inner Random
	trace *Trace
}

func (r tracedRandom) Read(p []byte) (int, error) {
	n, err := r.inner.Read(p)
	r.trace.record("random", "read", p[:n])
	return n, err
}

func (r tracedRandom) Uint64() uint64 {
	v := r.inner.Uint64()
	r.trace.record("random", "uint64", u64(v))
	return v
}

type tracedCrypto struct {
	Crypto
	trace *Trace
}

func (c tracedCrypto) Sign(domain signing.Domain, payload []byte) []byte {
	signature := c.Crypto.Sign(domain, payload)
	c.trace.record("crypto", "sign", []byte(domain), payload, signature)
	return signature
}

type tracedStorage struct {
	inner Storage
	trace *Trace
}

func (s tracedStorage) Store(ctx context.Context, key string, value []byte) error {
	err := s.inner.Store(ctx, key, value)
	s.trace.record("storage", "store", []byte(key), value)
	return err
}

func (s tracedStorage) Retrieve(ctx context.Context, key string) ([]byte, bool, error) {
	value, found, err := s.inner.Retrieve(ctx, key)
	s.trace.record("storage", "retrieve", []byte(key), value)
	return value, found, err
}

func (s tracedStorage) Remove(ctx context.Context, key string) (bool, error) {
	removed, err := s.inner.Remove(ctx, key)
	s.trace.record("storage", "remove", []byte(key))
	return removed, err
}

func (s tracedStorage) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.inner.List(ctx, prefix)
	parts := [][]byte{[]byte(prefix)}
	for _, key := range keys {
		parts = append(parts, []byte(key))
	}
	s.trace.record("storage", "list", parts...)
	return keys, err
}

type tracedNetwork struct {
	inner Network
	trace *Trace
}

func (n tracedNetwork) Send(ctx context.Context, peer ids.DeviceID, payload []byte) error {
	err := n.inner.Send(ctx, peer, payload)
	n.trace.record("network", "send", peer[:], payload)
	return err
}

func (n tracedNetwork) Receive(ctx context.Context) (Envelope, error) {
	envelope, err := n.inner.Receive(ctx)
	if err == nil {
		n.trace.record("network", "receive", envelope.From[:], envelope.Payload)
	}
	return envelope, err
}

func (n tracedNetwork) Broadcast(ctx context.Context, peers []ids.DeviceID, payload []byte) error {
	return broadcast(ctx, n, peers, payload)
}

func (n tracedNetwork) Close() error { return n.inner.Close() }

type tracedTime struct {
	inner Time
	trace *Trace
}

func (t tracedTime) Clock() clock.Clock { return t.inner.Clock() }

func (t tracedTime) NowMs() uint64 {
	now := t.inner.NowMs()
	t.trace.record("time", "now", u64(now))
	return now
}

func (t tracedTime) PhysicalTime() timestamp.TimeStamp {
	stamp := t.inner.PhysicalTime()
	t.trace.record("time", "physical", u64(stamp.IndexMs()))
	return stamp
}

func (t tracedTime) OrderTime() timestamp.TimeStamp {
	stamp := t.inner.OrderTime()
	t.trace.record("time", "order", stamp.Order[:])
	return stamp
}

func (t tracedTime) Sleep(ctx context.Context, d time.Duration) error {
	t.trace.record("time", "sleep", u64(uint64(d)))
	return t.inner.Sleep(ctx, d)
}
