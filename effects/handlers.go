// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package effects

import (
	"context"
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"encoding/binary"
	"log/slog"
	mathrand "math/rand/v2"
	"sync"
	"time"

	"github.com/hxrts/aura-sub026/lib/clock"
	"github.com/hxrts/aura-sub026/lib/digest"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/lib/signing"
	"github.com/hxrts/aura-sub026/lib/timestamp"
)

type slogConsole struct {
	logger *slog.Logger
}

// NewConsole returns a console writing to logger.
func NewConsole(logger *slog.Logger) Console {
	return slogConsole{logger: logger}
}

func (c slogConsole) Log(ctx context.Context, level slog.Level, msg string, args ...any) {
	c.logger.Log(ctx, level, msg, args...)
}

// systemRandom reads the operating system CSPRNG.
type systemRandom struct{}

// SystemRandom returns the production random family.
func SystemRandom() Random { return systemRandom{} }

func (systemRandom) Read(p []byte) (int, error) { return cryptorand.Read(p) }

func (systemRandom) Uint64() uint64 {
	var buf [8]byte
	cryptorand.Read(buf[:])
	return binary.LittleEndian.Uint64(buf[:])
}

// seededRandom is a ChaCha8 stream. Reads are serialized so concurrent
// callers see one deterministic sequence, though which caller gets
// which bytes then depends on scheduling.
type seededRandom struct {
	mu     sync.Mutex
	source *mathrand.ChaCha8
}

// SeededRandom returns a deterministic random family.
func SeededRandom(seed uint64) Random {
	var key [32]byte
	binary.LittleEndian.PutUint64(key[:8], seed)
	return &seededRandom{source: mathrand.NewChaCha8(key)}
}

func (r *seededRandom) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.source.Read(p)
}

func (r *seededRandom) Uint64() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.source.Uint64()
}

type deviceCrypto struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// NewCrypto returns the crypto family for a device key.
func NewCrypto(private ed25519.PrivateKey) Crypto {
	return &deviceCrypto{
		public:  private.Public().(ed25519.PublicKey),
		private: private,
	}
}

func (c *deviceCrypto) Hash(data []byte) ids.Hash32 { return digest.Sum(data) }

func (c *deviceCrypto) PublicKey() ed25519.PublicKey { return c.public }

func (c *deviceCrypto) Sign(domain signing.Domain, payload []byte) []byte {
	return signing.Sign(c.private, domain, payload)
}

func (c *deviceCrypto) Verify(public ed25519.PublicKey, domain signing.Domain, payload, signature []byte) error {
	return signing.Verify(public, domain, payload, signature)
}

type clockTime struct {
	clock  clock.Clock
	random Random
}

// NewTime returns the time family over clk. Order tokens are drawn
// from random.
func NewTime(clk clock.Clock, random Random) Time {
	return &clockTime{clock: clk, random: random}
}

func (t *clockTime) Clock() clock.Clock { return t.clock }

func (t *clockTime) NowMs() uint64 { return clock.NowMs(t.clock) }

func (t *clockTime) PhysicalTime() timestamp.TimeStamp {
	return timestamp.Physical(t.NowMs())
}

func (t *clockTime) OrderTime() timestamp.TimeStamp {
	var token timestamp.OrderTime
	t.random.Read(token[:])
	return timestamp.Order(token)
}

func (t *clockTime) Sleep(ctx context.Context, d time.Duration) error {
	return clock.Sleep(ctx, t.clock, d)
}
