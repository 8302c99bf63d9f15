// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package effects

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/hxrts/aura-sub026/lib/clock"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/lib/signing"
)

// SimulationEpoch is the instant simulated and test clocks start at.
var SimulationEpoch = time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

// Builder assembles a System. Pick a mode, override any family, then
// call Build:
//
//	sys, err := effects.NewBuilder(device).Simulation(7).WithHub(hub).Build()
type Builder struct {
	device ids.DeviceID
	mode   Mode
	seed   uint64

	logger     *slog.Logger
	console    Console
	clock      clock.Clock
	random     Random
	signingKey ed25519.PrivateKey
	crypto     Crypto
	network    Network
	hub        *Hub
	storage    Storage
	time       Time
	middleware []Middleware
}

// NewBuilder starts a builder for device in Testing mode.
func NewBuilder(device ids.DeviceID) *Builder {
	return &Builder{device: device, mode: Testing}
}

// Production wires the system CSPRNG and the wall clock. A network
// and storage must be supplied with WithNetwork and WithStorage
// (storage defaults to memory when omitted).
func (b *Builder) Production() *Builder {
	b.mode = Production
	return b
}

// Testing wires memory storage, a loopback hub, a ChaCha8 stream
// seeded from the device id and a fake clock at SimulationEpoch.
func (b *Builder) Testing() *Builder {
	b.mode = Testing
	return b
}

// Simulation is Testing with an explicit seed and a recorded Trace.
func (b *Builder) Simulation(seed uint64) *Builder {
	b.mode = Simulation
	b.seed = seed
	return b
}

// Custom requires every family to be supplied explicitly.
func (b *Builder) Custom() *Builder {
	b.mode = Custom
	return b
}

func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

func (b *Builder) WithConsole(console Console) *Builder {
	b.console = console
	return b
}

func (b *Builder) WithClock(clk clock.Clock) *Builder {
	b.clock = clk
	return b
}

func (b *Builder) WithRandom(random Random) *Builder {
	b.random = random
	return b
}

// WithSigningKey sets the device key behind the crypto family. Without
// it Build generates one from the random family.
func (b *Builder) WithSigningKey(private ed25519.PrivateKey) *Builder {
	b.signingKey = private
	return b
}

func (b *Builder) WithCrypto(crypto Crypto) *Builder {
	b.crypto = crypto
	return b
}

// WithNetwork sets the transport the middleware stack wraps.
func (b *Builder) WithNetwork(network Network) *Builder {
	b.network = network
	return b
}

// WithHub attaches the device to a shared loopback hub so several
// systems can exchange messages.
func (b *Builder) WithHub(hub *Hub) *Builder {
	b.hub = hub
	return b
}

func (b *Builder) WithStorage(storage Storage) *Builder {
	b.storage = storage
	return b
}

func (b *Builder) WithTime(t Time) *Builder {
	b.time = t
	return b
}

// WithMiddleware appends network layers, innermost first.
func (b *Builder) WithMiddleware(layers ...Middleware) *Builder {
	b.middleware = append(b.middleware, layers...)
	return b
}

// Build validates the selection and returns the system.
func (b *Builder) Build() (*System, error) {
	if b.device.IsZero() {
		return nil, ErrMissingDevice
	}
	logger := b.logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("device", b.device, "effects", b.mode)

	if b.mode == Custom {
		if b.random == nil || b.crypto == nil || b.network == nil || b.storage == nil || (b.time == nil && b.clock == nil) {
			return nil, ErrMissingFamilies
		}
	}
	if b.mode == Production && b.network == nil {
		return nil, ErrMissingNetwork
	}

	random := b.random
	if random == nil {
		switch b.mode {
		case Production:
			random = SystemRandom()
		case Simulation:
			random = SeededRandom(b.seed)
		default:
			random = SeededRandom(binary.LittleEndian.Uint64(b.device[:8]))
		}
	}

	clk := b.clock
	if clk == nil {
		if b.mode == Production {
			clk = clock.Real()
		} else {
			clk = clock.Fake(SimulationEpoch)
		}
	}

	storage := b.storage
	if storage == nil {
		storage = NewMemoryStorage()
	}

	network := b.network
	if network == nil {
		hub := b.hub
		if hub == nil {
			hub = NewHub()
		}
		network = hub.Endpoint(b.device)
	}

	crypto := b.crypto
	if crypto == nil {
		private := b.signingKey
		if private == nil {
			var err error
			_, private, err = signing.GenerateKeypair(random)
			if err != nil {
				return nil, fmt.Errorf("generating device key: %w", err)
			}
		}
		crypto = NewCrypto(private)
	}

	console := b.console
	if console == nil {
		console = NewConsole(logger)
	}

	sys := &System{
		Device:  b.device,
		Mode:    b.mode,
		Console: console,
		logger:  logger,
	}

	if b.mode == Simulation {
		trace := &Trace{}
		sys.Trace = trace
		random = tracedRandom{inner: random, trace: trace}
		crypto = tracedCrypto{Crypto: crypto, trace: trace}
		storage = tracedStorage{inner: storage, trace: trace}
		network = tracedNetwork{inner: network, trace: trace}
	}

	timeFamily := b.time
	if timeFamily == nil {
		timeFamily = NewTime(clk, random)
	}
	if sys.Trace != nil {
		timeFamily = tracedTime{inner: timeFamily, trace: sys.Trace}
	}

	sys.Random = random
	sys.Crypto = crypto
	sys.Storage = storage
	sys.Time = timeFamily
	sys.Network = Stack(network, b.middleware...)
	return sys, nil
}
