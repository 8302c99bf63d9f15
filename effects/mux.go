// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package effects

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hxrts/aura-sub026/lib/ids"
)

// Mux splits one Network into channels, one per protocol. Every
// payload sent on a channel is prefixed with the channel's tag byte;
// Run reads the underlying network and routes each envelope to the
// channel its first byte names.
type Mux struct {
	network Network
	logger  *slog.Logger

	mu       sync.Mutex
	channels map[byte]*muxChannel

	closeOnce sync.Once
	done      chan struct{}
}

// NewMux wraps network. Register channels before calling Run.
func NewMux(network Network, logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Mux{
		network:  network,
		logger:   logger,
		channels: make(map[byte]*muxChannel),
		done:     make(chan struct{}),
	}
}

// Channel returns the network for tag, creating it with an inbox of
// depth envelopes on first use.
func (m *Mux) Channel(tag byte, depth int) Network {
	m.mu.Lock()
	defer m.mu.Unlock()
	if channel, ok := m.channels[tag]; ok {
		return channel
	}
	if depth <= 0 {
		depth = DefaultInboxSize
	}
	channel := &muxChannel{mux: m, tag: tag, inbox: make(chan Envelope, depth)}
	m.channels[tag] = channel
	return channel
}

// Run routes inbound envelopes until ctx is done or the underlying
// network fails. Envelopes for unknown tags, and envelopes that find
// their channel's inbox full, are dropped.
func (m *Mux) Run(ctx context.Context) error {
	defer m.closeOnce.Do(func() { close(m.done) })
	for {
		envelope, err := m.network.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return nil
			}
			return fmt.Errorf("mux: receiving: %w", err)
		}
		if len(envelope.Payload) == 0 {
			m.logger.Debug("dropping untagged envelope", "peer", envelope.From)
			continue
		}
		m.mu.Lock()
		channel, ok := m.channels[envelope.Payload[0]]
		m.mu.Unlock()
		if !ok {
			m.logger.Debug("dropping envelope for unknown channel", "peer", envelope.From, "tag", envelope.Payload[0])
			continue
		}
		envelope.Payload = envelope.Payload[1:]
		select {
		case channel.inbox <- envelope:
		default:
			m.logger.Warn("channel inbox full, dropping envelope", "peer", envelope.From, "tag", channel.tag)
		}
	}
}

// Close closes the underlying network.
func (m *Mux) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return m.network.Close()
}

type muxChannel struct {
	mux   *Mux
	tag   byte
	inbox chan Envelope
}

func (c *muxChannel) Send(ctx context.Context, peer ids.DeviceID, payload []byte) error {
	tagged := make([]byte, 0, len(payload)+1)
	tagged = append(tagged, c.tag)
	tagged = append(tagged, payload...)
	return c.mux.network.Send(ctx, peer, tagged)
}

func (c *muxChannel) Receive(ctx context.Context) (Envelope, error) {
	select {
	case envelope := <-c.inbox:
		return envelope, nil
	case <-c.mux.done:
		return Envelope{}, ErrClosed
	case <-ctx.Done():
		return Envelope{}, context.Cause(ctx)
	}
}

func (c *muxChannel) Broadcast(ctx context.Context, peers []ids.DeviceID, payload []byte) error {
	return broadcast(ctx, c, peers, payload)
}

// Close is a no-op; the Mux owns the underlying network.
func (c *muxChannel) Close() error { return nil }
