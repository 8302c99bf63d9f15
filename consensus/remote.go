// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package consensus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hxrts/aura-sub026/effects"
	"github.com/hxrts/aura-sub026/lib/codec"
	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/lib/threshold"
)

// ChannelTag is the effects.Mux channel consensus traffic uses.
const ChannelTag byte = 1

type rpcKind uint8

const (
	rpcPrepare rpcKind = iota + 1
	rpcRound1
	rpcRound2
	rpcCommit
)

func (k rpcKind) String() string {
	switch k {
	case rpcPrepare:
		return "prepare"
	case rpcRound1:
		return "round1"
	case rpcRound2:
		return "round2"
	case rpcCommit:
		return "commit"
	default:
		return fmt.Sprintf("rpc(%d)", uint8(k))
	}
}

// rpcMessage is a witness request or its answer. Only the payload
// field for Kind is set.
type rpcMessage struct {
	Kind        rpcKind                       `cbor:"1,keyasint"`
	Instance    ids.Hash32                    `cbor:"2,keyasint,omitempty"`
	Proposal    *Proposal                     `cbor:"3,keyasint,omitempty"`
	Ack         *Ack                          `cbor:"4,keyasint,omitempty"`
	Commitments *threshold.SigningCommitments `cbor:"5,keyasint,omitempty"`
	Package     *threshold.SigningPackage     `cbor:"6,keyasint,omitempty"`
	Share       *threshold.SignatureShare     `cbor:"7,keyasint,omitempty"`
	Commit      *CommitFact                   `cbor:"8,keyasint,omitempty"`
}

// Endpoint carries witness calls over an effects.Network. It serves
// the local witness, if any, to remote coordinators and hands out
// RemoteWitness handles for calling peers. Run must be running for
// either direction to make progress.
type Endpoint struct {
	rpc   *effects.RPC
	local Witness
}

// NewEndpoint returns an endpoint on network. local may be nil for a
// device that only coordinates.
func NewEndpoint(network effects.Network, local Witness, logger *slog.Logger) *Endpoint {
	e := &Endpoint{local: local}
	var handler effects.Handler
	if local != nil {
		handler = e.serve
	}
	e.rpc = effects.NewRPC(network, handler, logger)
	return e
}

// Run serves requests and delivers responses until ctx is done or the
// network closes.
func (e *Endpoint) Run(ctx context.Context) error { return e.rpc.Run(ctx) }

func (e *Endpoint) serve(ctx context.Context, from ids.DeviceID, payload []byte) ([]byte, error) {
	var request rpcMessage
	if err := codec.Unmarshal(payload, &request); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	response := rpcMessage{Kind: request.Kind}
	switch request.Kind {
	case rpcPrepare:
		if request.Proposal == nil {
			return nil, fmt.Errorf("%w: prepare without proposal", ErrMalformedMessage)
		}
		if request.Proposal.Instigator != from {
			return nil, fmt.Errorf("%w: proposal instigator %s sent by %s", ErrMalformedMessage, request.Proposal.Instigator, from)
		}
		ack, err := e.local.Prepare(ctx, *request.Proposal)
		if err != nil {
			return nil, err
		}
		response.Ack = &ack
	case rpcRound1:
		commitments, err := e.local.Round1(ctx, request.Instance)
		if err != nil {
			return nil, err
		}
		response.Commitments = &commitments
	case rpcRound2:
		if request.Package == nil {
			return nil, fmt.Errorf("%w: round 2 without signing package", ErrMalformedMessage)
		}
		share, err := e.local.Round2(ctx, request.Instance, *request.Package)
		if err != nil {
			return nil, err
		}
		response.Share = &share
	case rpcCommit:
		if request.Commit == nil {
			return nil, fmt.Errorf("%w: commit without fact", ErrMalformedMessage)
		}
		if err := e.local.Commit(ctx, *request.Commit); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown request kind %s", ErrMalformedMessage, request.Kind)
	}
	return codec.Marshal(response)
}

// Remote returns a Witness that calls peer through this endpoint.
func (e *Endpoint) Remote(peer ids.DeviceID) *RemoteWitness {
	return &RemoteWitness{endpoint: e, peer: peer}
}

// RemoteWitness is a witness reached over the network.
type RemoteWitness struct {
	endpoint *Endpoint
	peer     ids.DeviceID
}

func (r *RemoteWitness) Device() ids.DeviceID { return r.peer }

func (r *RemoteWitness) call(ctx context.Context, request rpcMessage) (rpcMessage, error) {
	payload, err := codec.Marshal(request)
	if err != nil {
		return rpcMessage{}, failure.Wrap(failure.Internal, err, "encoding witness request")
	}
	answerPayload, err := r.endpoint.rpc.Call(ctx, r.peer, payload)
	if err != nil {
		return rpcMessage{}, err
	}
	var answer rpcMessage
	if err := codec.Unmarshal(answerPayload, &answer); err != nil {
		return rpcMessage{}, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, r.peer, err)
	}
	if answer.Kind != request.Kind {
		return rpcMessage{}, fmt.Errorf("%w: %s answered %s with %s", ErrMalformedMessage, r.peer, request.Kind, answer.Kind)
	}
	return answer, nil
}

func (r *RemoteWitness) Prepare(ctx context.Context, proposal Proposal) (Ack, error) {
	answer, err := r.call(ctx, rpcMessage{Kind: rpcPrepare, Proposal: &proposal})
	if err != nil {
		return Ack{}, err
	}
	if answer.Ack == nil {
		return Ack{}, fmt.Errorf("%w: %s sent an empty ack", ErrMalformedMessage, r.peer)
	}
	return *answer.Ack, nil
}

func (r *RemoteWitness) Round1(ctx context.Context, instance ids.Hash32) (threshold.SigningCommitments, error) {
	answer, err := r.call(ctx, rpcMessage{Kind: rpcRound1, Instance: instance})
	if err != nil {
		return threshold.SigningCommitments{}, err
	}
	if answer.Commitments == nil {
		return threshold.SigningCommitments{}, fmt.Errorf("%w: %s sent no commitments", ErrMalformedMessage, r.peer)
	}
	return *answer.Commitments, nil
}

func (r *RemoteWitness) Round2(ctx context.Context, instance ids.Hash32, pkg threshold.SigningPackage) (threshold.SignatureShare, error) {
	answer, err := r.call(ctx, rpcMessage{Kind: rpcRound2, Instance: instance, Package: &pkg})
	if err != nil {
		return threshold.SignatureShare{}, err
	}
	if answer.Share == nil {
		return threshold.SignatureShare{}, fmt.Errorf("%w: %s sent no share", ErrMalformedMessage, r.peer)
	}
	return *answer.Share, nil
}

func (r *RemoteWitness) Commit(ctx context.Context, fact CommitFact) error {
	_, err := r.call(ctx, rpcMessage{Kind: rpcCommit, Commit: &fact})
	return err
}
