// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package effects

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/hxrts/aura-sub026/lib/ids"
)

// DefaultInboxSize bounds each loopback endpoint's queue.
const DefaultInboxSize = 1024

type link struct{ a, b ids.DeviceID }

func orderedLink(a, b ids.DeviceID) link {
	if a.Compare(b) > 0 {
		a, b = b, a
	}
	return link{a, b}
}

// Hub is an in-process message switch connecting loopback endpoints.
// Tests and simulations use it in place of a transport. Links between
// devices can be cut and restored to model partitions.
type Hub struct {
	inboxSize int

	mu        sync.RWMutex
	endpoints map[ids.DeviceID]*hubEndpoint
	cut       map[link]bool
}

// NewHub returns an empty hub with DefaultInboxSize queues.
func NewHub() *Hub {
	return &Hub{
		inboxSize: DefaultInboxSize,
		endpoints: make(map[ids.DeviceID]*hubEndpoint),
		cut:       make(map[link]bool),
	}
}

// Endpoint returns device's network, creating it on first use.
func (h *Hub) Endpoint(device ids.DeviceID) Network {
	h.mu.Lock()
	defer h.mu.Unlock()
	if endpoint, ok := h.endpoints[device]; ok {
		return endpoint
	}
	endpoint := &hubEndpoint{
		hub:    h,
		device: device,
		inbox:  make(chan Envelope, h.inboxSize),
		done:   make(chan struct{}),
	}
	h.endpoints[device] = endpoint
	return endpoint
}

// Devices returns the attached devices in ascending order.
func (h *Hub) Devices() []ids.DeviceID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	devices := make([]ids.DeviceID, 0, len(h.endpoints))
	for device := range h.endpoints {
		devices = append(devices, device)
	}
	slices.SortFunc(devices, ids.DeviceID.Compare)
	return devices
}

// Partition cuts the link between a and b in both directions.
func (h *Hub) Partition(a, b ids.DeviceID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cut[orderedLink(a, b)] = true
}

// Heal restores every cut link.
func (h *Hub) Heal() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.cut)
}

func (h *Hub) deliver(from, to ids.DeviceID, payload []byte) error {
	h.mu.RLock()
	target, ok := h.endpoints[to]
	partitioned := h.cut[orderedLink(from, to)]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, to)
	}
	if partitioned {
		return fmt.Errorf("%w: %s", ErrPartitioned, to)
	}
	envelope := Envelope{From: from, To: to, Payload: slices.Clone(payload)}
	select {
	case <-target.done:
		return fmt.Errorf("%w: %s", ErrClosed, to)
	default:
	}
	select {
	case target.inbox <- envelope:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrInboxFull, to)
	}
}

type hubEndpoint struct {
	hub    *Hub
	device ids.DeviceID
	inbox  chan Envelope

	closeOnce sync.Once
	done      chan struct{}
}

func (e *hubEndpoint) Send(ctx context.Context, peer ids.DeviceID, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-e.done:
		return ErrClosed
	default:
	}
	return e.hub.deliver(e.device, peer, payload)
}

func (e *hubEndpoint) Receive(ctx context.Context) (Envelope, error) {
	select {
	case envelope := <-e.inbox:
		return envelope, nil
	case <-e.done:
		return Envelope{}, ErrClosed
	case <-ctx.Done():
		return Envelope{}, context.Cause(ctx)
	}
}

func (e *hubEndpoint) Broadcast(ctx context.Context, peers []ids.DeviceID, payload []byte) error {
	return broadcast(ctx, e, peers, payload)
}

func (e *hubEndpoint) Close() error {
	e.closeOnce.Do(func() { close(e.done) })
	return nil
}

// broadcast sends payload to each peer in turn and joins the failures.
// A failed peer does not stop delivery to the rest.
func broadcast(ctx context.Context, network Network, peers []ids.DeviceID, payload []byte) error {
	var failed []error
	for _, peer := range peers {
		if err := network.Send(ctx, peer, payload); err != nil {
			failed = append(failed, fmt.Errorf("peer %s: %w", peer, err))
		}
	}
	return errors.Join(failed...)
}
