// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/hxrts/aura-sub026/choreography"
	"github.com/hxrts/aura-sub026/intent"
	"github.com/hxrts/aura-sub026/ledger"
	"github.com/hxrts/aura-sub026/lib/clock"
	"github.com/hxrts/aura-sub026/lib/config"
	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/lib/threshold"
	"github.com/hxrts/aura-sub026/tree"
)

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	// Self is the device running the coordinator role. It is carried
	// in every proposal as the instigator.
	Self ids.DeviceID
	// Witnesses reaches every member of the witness set, including
	// Self's own LocalWitness.
	Witnesses []Witness
	// Ledger, when set, is checked after the commit phase and the
	// attested op applied if no witness did so.
	Ledger   *ledger.Ledger
	Timeouts *choreography.TimeoutManager
	Detector *choreography.ByzantineDetector
	Tracer   trace.Tracer
	Logger   *slog.Logger
}

// Coordinator drives consensus runs.
type Coordinator struct {
	cfg       CoordinatorConfig
	witnesses map[ids.DeviceID]Witness
	tracer    trace.Tracer
	logger    *slog.Logger
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Detector == nil {
		cfg.Detector = choreography.NewByzantineDetector(cfg.Logger)
	}
	if cfg.Timeouts == nil {
		cfg.Timeouts = choreography.NewTimeoutManager(config.Default().Timeouts, clock.Real())
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/hxrts/aura-sub026/consensus")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	witnesses := make(map[ids.DeviceID]Witness, len(cfg.Witnesses))
	for _, witness := range cfg.Witnesses {
		witnesses[witness.Device()] = witness
	}
	return &Coordinator{
		cfg:       cfg,
		witnesses: witnesses,
		tracer:    tracer,
		logger:    logger.With("coordinator", cfg.Self),
	}
}

// Detector returns the Byzantine detector the coordinator charges.
func (c *Coordinator) Detector() *choreography.ByzantineDetector { return c.cfg.Detector }

// RunConsensus attests the single op in prestate and returns the
// resulting commit fact once it has been distributed.
func (c *Coordinator) RunConsensus(ctx context.Context, params Params, prestate tree.Prestate, intents []intent.Intent) (CommitFact, error) {
	if err := params.Validate(); err != nil {
		return CommitFact{}, err
	}
	witnesses := make([]Witness, 0, len(params.Witnesses))
	for _, device := range params.Witnesses {
		witness, ok := c.witnesses[device]
		if !ok {
			return CommitFact{}, fmt.Errorf("%w: no route to witness %s", ErrInvalidParams, device)
		}
		witnesses = append(witnesses, witness)
	}
	if err := c.cfg.Detector.Check(params.Witnesses); err != nil {
		return CommitFact{}, err
	}

	proposal := Proposal{Prestate: prestate, Intents: intents, Instigator: c.cfg.Self}
	instance, err := proposal.Instance()
	if err != nil {
		return CommitFact{}, err
	}
	proposal.Coordinator = CoordinatorAuthority(instance)
	op, err := proposal.Op()
	if err != nil {
		return CommitFact{}, err
	}
	message, err := tree.SigningMessage(op)
	if err != nil {
		return CommitFact{}, err
	}

	ctx, span := c.tracer.Start(ctx, "consensus.run", trace.WithAttributes(
		attribute.String("aura.instance", instance.String()),
		attribute.Int("aura.witnesses", len(witnesses)),
		attribute.Int("aura.threshold", int(params.Threshold)),
	))
	defer span.End()
	logger := c.logger.With("instance", instance.Short())

	fact, err := c.run(ctx, logger, params, witnesses, proposal, instance, op, message)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("consensus failed", "error", err)
		return CommitFact{}, err
	}
	logger.Info("consensus committed", "signers", len(fact.Witnesses), "op", op.Op.Kind)
	return fact, nil
}

func (c *Coordinator) run(ctx context.Context, logger *slog.Logger, params Params, witnesses []Witness, proposal Proposal, instance ids.Hash32, op tree.TreeOp, message []byte) (CommitFact, error) {
	acks, phaseErr := gather(ctx, c, choreography.PhasePrepare, witnesses, func(ctx context.Context, w Witness) (Ack, error) {
		return w.Prepare(ctx, proposal)
	})
	if err := ctx.Err(); err != nil {
		return CommitFact{}, context.Cause(ctx)
	}
	var signers []Witness
	var nacks []string
	for _, witness := range witnesses {
		ack, answered := acks[witness.Device()]
		switch {
		case !answered:
		case ack.Instance != instance || ack.Witness != witness.Device():
			c.cfg.Detector.RecordInvalidMessage(witness.Device())
		case ack.Accepted:
			signers = append(signers, witness)
		default:
			nacks = append(nacks, fmt.Sprintf("%s: %s", witness.Device(), ack.Reason))
		}
	}
	if len(signers) < int(params.Threshold) {
		detail := fmt.Sprintf("%d of %d witnesses acknowledged, need %d", len(signers), len(witnesses), params.Threshold)
		if len(nacks) > 0 {
			detail += " (" + strings.Join(nacks, "; ") + ")"
		}
		if phaseErr != nil {
			return CommitFact{}, fmt.Errorf("%w: %s", phaseErr, detail)
		}
		return CommitFact{}, fmt.Errorf("%w: %s", ErrInsufficientAcks, detail)
	}
	logger.Debug("prepared", "acks", len(signers), "nacks", len(nacks))

	signature, signers, err := c.sign(ctx, logger, params, signers, instance, message)
	if err != nil {
		return CommitFact{}, err
	}

	devices := make([]ids.DeviceID, len(signers))
	for i, signer := range signers {
		devices[i] = signer.Device()
		c.cfg.Detector.RecordSuccess(signer.Device())
	}
	slices.SortFunc(devices, func(a, b ids.DeviceID) int { return a.Compare(b) })
	fact := CommitFact{
		Context:            params.Context,
		PrestateHash:       instance,
		Op:                 tree.AttestedOp{Op: op, AggSig: signature, SignerCount: uint16(len(signers))},
		AggregateSignature: signature,
		Witnesses:          devices,
		Epoch:              op.ParentEpoch,
		Intents:            proposal.Prestate.Intents,
	}

	committed, err := gather(ctx, c, choreography.PhaseCommit, witnesses, func(ctx context.Context, w Witness) (struct{}, error) {
		return struct{}{}, w.Commit(ctx, fact)
	})
	if len(committed) < len(witnesses) {
		var missing []ids.DeviceID
		for _, witness := range witnesses {
			if _, ok := committed[witness.Device()]; !ok {
				missing = append(missing, witness.Device())
			}
		}
		logger.Warn("commit not applied by every witness", "error", err, "missing", missing)
	}
	logger.Debug("commit distributed", "applied", len(committed), "witnesses", len(witnesses))
	if c.cfg.Ledger != nil && !c.cfg.Ledger.Has(fact.Op.ID()) {
		if _, err := c.cfg.Ledger.Apply(ctx, fact.Op); err != nil {
			return CommitFact{}, fmt.Errorf("applying commit locally: %w", err)
		}
	}
	return fact, nil
}

// sign runs FROST rounds one and two over signers until the aggregate
// verifies. Signers that stop answering are dropped; signers whose
// shares fail verification are charged a violation and dropped. Both
// rounds rerun after any change because the binding factors cover the
// full commitment list.
func (c *Coordinator) sign(ctx context.Context, logger *slog.Logger, params Params, signers []Witness, instance ids.Hash32, message []byte) ([]byte, []Witness, error) {
	for attempt := 1; ; attempt++ {
		if len(signers) < int(params.Threshold) {
			return nil, nil, fmt.Errorf("%w: %d signers remain, need %d", ErrInsufficientAcks, len(signers), params.Threshold)
		}

		commitments, phaseErr := gather(ctx, c, choreography.PhaseRound1, signers, func(ctx context.Context, w Witness) (threshold.SigningCommitments, error) {
			return w.Round1(ctx, instance)
		})
		if err := ctx.Err(); err != nil {
			return nil, nil, context.Cause(ctx)
		}
		var responders []Witness
		var list []threshold.SigningCommitments
		for _, signer := range signers {
			commitment, ok := commitments[signer.Device()]
			if !ok {
				continue
			}
			if commitment.Identifier != params.Identifiers[signer.Device()] {
				c.cfg.Detector.RecordViolation(signer.Device())
				logger.Warn("round 1 commitment under a foreign identifier", "witness", signer.Device(), "identifier", commitment.Identifier)
				continue
			}
			responders = append(responders, signer)
			list = append(list, commitment)
		}
		if len(responders) < int(params.Threshold) {
			if phaseErr != nil {
				return nil, nil, fmt.Errorf("%w: %d round 1 commitments, need %d", phaseErr, len(responders), params.Threshold)
			}
			return nil, nil, fmt.Errorf("%w: %d round 1 commitments, need %d", ErrInsufficientAcks, len(responders), params.Threshold)
		}
		pkg := threshold.NewSigningPackage(list, message)

		shares, phaseErr := gather(ctx, c, choreography.PhaseRound2, responders, func(ctx context.Context, w Witness) (threshold.SignatureShare, error) {
			return w.Round2(ctx, instance, pkg)
		})
		if err := ctx.Err(); err != nil {
			return nil, nil, context.Cause(ctx)
		}
		var next []Witness
		var shareList []threshold.SignatureShare
		for _, signer := range responders {
			share, ok := shares[signer.Device()]
			if !ok {
				continue
			}
			if share.Identifier != params.Identifiers[signer.Device()] {
				c.cfg.Detector.RecordViolation(signer.Device())
				continue
			}
			next = append(next, signer)
			shareList = append(shareList, share)
		}
		if len(next) != len(responders) {
			logger.Info("restarting signing without unresponsive signers",
				"attempt", attempt, "responded", len(next), "expected", len(responders), "phase_error", phaseErr)
			signers = next
			continue
		}

		signature, err := threshold.Aggregate(pkg, shareList, params.Public)
		var invalid *threshold.InvalidSharesError
		if errors.As(err, &invalid) {
			excluded := make(map[ids.DeviceID]bool, len(invalid.Identifiers))
			for _, identifier := range invalid.Identifiers {
				if device, ok := params.witnessFor(identifier); ok {
					excluded[device] = true
					c.cfg.Detector.RecordViolation(device)
					logger.Warn("excluding witness after invalid signature share", "witness", device, "attempt", attempt)
				}
			}
			signers = slices.DeleteFunc(next, func(w Witness) bool { return excluded[w.Device()] })
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("aggregating signature: %w", err)
		}
		return signature, next, nil
	}
}

// gather calls fn on every witness concurrently under phase's deadline
// and returns the answers of those that succeeded. Failures are charged
// to the detector. The returned error is the phase timeout, if it fired.
func gather[T any](ctx context.Context, c *Coordinator, phase choreography.Phase, witnesses []Witness, fn func(context.Context, Witness) (T, error)) (map[ids.DeviceID]T, error) {
	ctx, span := c.tracer.Start(ctx, "consensus."+phase.String(), trace.WithAttributes(
		attribute.Int("aura.participants", len(witnesses)),
	))
	defer span.End()
	phaseCtx, stop := c.cfg.Timeouts.Phase(ctx, phase)
	defer stop()

	var mu sync.Mutex
	results := make(map[ids.DeviceID]T, len(witnesses))
	var group errgroup.Group
	for _, witness := range witnesses {
		group.Go(func() error {
			result, err := fn(phaseCtx, witness)
			if err != nil {
				c.charge(phaseCtx, phase, witness.Device(), err)
				return nil
			}
			mu.Lock()
			results[witness.Device()] = result
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	span.SetAttributes(attribute.Int("aura.responses", len(results)))
	var timeout *choreography.PhaseTimeoutError
	if cause := context.Cause(phaseCtx); errors.As(cause, &timeout) {
		span.SetStatus(codes.Error, timeout.Error())
		return results, timeout
	}
	return results, nil
}

func (c *Coordinator) charge(ctx context.Context, phase choreography.Phase, device ids.DeviceID, err error) {
	switch {
	case ctx.Err() != nil || failure.Is(err, failure.Timeout):
		c.cfg.Detector.RecordTimeout(device)
	case failure.Is(err, failure.ProtocolViolation):
		c.cfg.Detector.RecordViolation(device)
	case failure.Is(err, failure.InvalidInput):
		c.cfg.Detector.RecordInvalidMessage(device)
	}
	c.logger.Info("witness failed", "phase", phase, "witness", device, "error", err)
}
