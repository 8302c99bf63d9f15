// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package effects

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/hxrts/aura-sub026/lib/codec"
	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
)

// DefaultServeConcurrency bounds the requests an RPC serves at once.
// Further requests wait in the network inbox.
const DefaultServeConcurrency = 16

// Handler answers one request. A returned error reaches the caller
// with its failure kind intact.
type Handler func(ctx context.Context, from ids.DeviceID, request []byte) ([]byte, error)

type rpcFrame struct {
	ID        uint64       `cbor:"1,keyasint"`
	Response  bool         `cbor:"2,keyasint,omitempty"`
	Body      []byte       `cbor:"3,keyasint,omitempty"`
	ErrorKind failure.Kind `cbor:"4,keyasint,omitempty"`
	Error     string       `cbor:"5,keyasint,omitempty"`
}

type pendingCall struct {
	peer     ids.DeviceID
	response chan rpcFrame
}

// RPC is request/response over a Network. Responses are matched to
// calls by id and must come from the called peer. Run must be running
// for calls to complete and for the handler to be served.
type RPC struct {
	network     Network
	handler     Handler
	logger      *slog.Logger
	concurrency int

	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]pendingCall
}

// NewRPC returns an RPC on network. A nil handler refuses every
// request.
func NewRPC(network Network, handler Handler, logger *slog.Logger) *RPC {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if handler == nil {
		handler = func(context.Context, ids.DeviceID, []byte) ([]byte, error) {
			return nil, failure.New(failure.InvalidInput, "effects: no handler for requests")
		}
	}
	return &RPC{
		network:     network,
		handler:     handler,
		logger:      logger,
		concurrency: DefaultServeConcurrency,
		pending:     make(map[uint64]pendingCall),
	}
}

// Run receives until ctx is done or the network closes.
func (r *RPC) Run(ctx context.Context) error {
	var group errgroup.Group
	group.SetLimit(r.concurrency)
	defer group.Wait()

	for {
		envelope, err := r.network.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return nil
			}
			return fmt.Errorf("rpc: receiving: %w", err)
		}
		var frame rpcFrame
		if err := codec.Unmarshal(envelope.Payload, &frame); err != nil {
			r.logger.Warn("dropping malformed rpc frame", "peer", envelope.From, "error", err)
			continue
		}
		if frame.Response {
			r.deliver(envelope.From, frame)
			continue
		}
		group.Go(func() error {
			r.serve(ctx, envelope.From, frame)
			return nil
		})
	}
}

func (r *RPC) serve(ctx context.Context, from ids.DeviceID, request rpcFrame) {
	response := rpcFrame{ID: request.ID, Response: true}
	body, err := r.handler(ctx, from, request.Body)
	if err != nil {
		response.ErrorKind, response.Error = failure.KindOf(err), err.Error()
	} else {
		response.Body = body
	}
	payload, err := codec.Marshal(response)
	if err != nil {
		r.logger.Error("encoding rpc response", "peer", from, "error", err)
		return
	}
	if err := r.network.Send(ctx, from, payload); err != nil {
		r.logger.Info("sending rpc response", "peer", from, "error", err)
	}
}

func (r *RPC) deliver(from ids.DeviceID, frame rpcFrame) {
	r.mu.Lock()
	call, ok := r.pending[frame.ID]
	matched := ok && call.peer == from
	if matched {
		delete(r.pending, frame.ID)
	}
	r.mu.Unlock()
	if !matched {
		r.logger.Debug("dropping unsolicited rpc response", "peer", from, "id", frame.ID)
		return
	}
	call.response <- frame
}

// Call sends request to peer and waits for its response or ctx.
func (r *RPC) Call(ctx context.Context, peer ids.DeviceID, request []byte) ([]byte, error) {
	frame := rpcFrame{ID: r.nextID.Add(1), Body: request}
	payload, err := codec.Marshal(frame)
	if err != nil {
		return nil, err
	}
	response := make(chan rpcFrame, 1)
	r.mu.Lock()
	r.pending[frame.ID] = pendingCall{peer: peer, response: response}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, frame.ID)
		r.mu.Unlock()
	}()

	if err := r.network.Send(ctx, peer, payload); err != nil {
		return nil, err
	}
	select {
	case answer := <-response:
		if answer.Error != "" {
			return nil, failure.Errorf(answer.ErrorKind, "peer %s: %s", peer, answer.Error)
		}
		return answer.Body, nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}
