// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/hxrts/aura-sub026/lib/clock"
	"github.com/hxrts/aura-sub026/lib/ids"
)

// Snapshot is a point-in-time view of a Coordinator for status
// displays.
type Snapshot struct {
	Device   ids.DeviceID
	State    StateKind
	Protocol string
	Sessions []Info
	Failures int
	// LastFailure is the user-facing message of the latest failure.
	LastFailure string
}

// Coordinator holds a device's session in whichever type-state it is
// in and exposes the transitions as methods that fail when the
// current state does not allow them. Every transition publishes a
// new Snapshot.
type Coordinator struct {
	runtime *Runtime
	logger  *slog.Logger

	mu    sync.Mutex
	state any
	view  *Dynamic[Snapshot]
}

// NewCoordinator returns a coordinator in the Uninitialized state.
func NewCoordinator(self ids.DeviceID, runtime *Runtime, clk clock.Clock, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Coordinator{
		runtime: runtime,
		logger:  logger,
		state:   New(self, runtime, clk, logger),
		view:    NewDynamic(Snapshot{Device: self, State: StateUninitialized}),
	}
	return c
}

// Watch returns the coordinator's observable snapshot.
func (c *Coordinator) Watch() *Dynamic[Snapshot] { return c.view }

// State returns the current type-state's kind.
func (c *Coordinator) State() StateKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return kindOf(c.state)
}

func kindOf(state any) StateKind {
	switch state.(type) {
	case Uninitialized:
		return StateUninitialized
	case Bootstrapping:
		return StateBootstrapping
	case Idle:
		return StateIdle
	case Coordinating:
		return StateCoordinating
	case FailedState:
		return StateFailed
	default:
		return 0
	}
}

// Snapshot renders the current state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() Snapshot {
	snapshot := Snapshot{State: kindOf(c.state)}
	var base stateBase
	switch state := c.state.(type) {
	case Uninitialized:
		base = state.stateBase
	case Bootstrapping:
		base = state.stateBase
	case Idle:
		base = state.stateBase
	case Coordinating:
		base = state.stateBase
		snapshot.Protocol = state.protocol
		for _, id := range *state.sessions {
			if info, ok := c.runtime.Get(id); ok {
				snapshot.Sessions = append(snapshot.Sessions, info)
			}
		}
	case FailedState:
		base = state.stateBase
		snapshot.Protocol = state.record.Protocol
		snapshot.LastFailure = state.Message()
	}
	snapshot.Device = base.device.id
	snapshot.Failures = len(base.device.failureInfo().FailedSessions)
	return snapshot
}

func (c *Coordinator) setLocked(next any) {
	c.state = next
	c.view.Set(c.snapshotLocked())
}

func (c *Coordinator) wrongState(operation string) error {
	return fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, operation, kindOf(c.state))
}

// Initialize bootstraps the session with init evidence.
func (c *Coordinator) Initialize(witness InitComplete) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	uninitialized, ok := c.state.(Uninitialized)
	if !ok {
		if kindOf(c.state) == StateBootstrapping {
			return c.wrongState("initialize")
		}
		return fmt.Errorf("%w: state %s", ErrAlreadyInitialized, kindOf(c.state))
	}
	bootstrapping, err := uninitialized.Bootstrap()
	if err != nil {
		return err
	}
	c.setLocked(bootstrapping)
	idle, err := bootstrapping.InitComplete(witness)
	if err != nil {
		return err
	}
	c.setLocked(idle)
	return nil
}

// Coordinate starts protocol from Idle.
func (c *Coordinator) Coordinate(protocol string, params Params) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	idle, ok := c.state.(Idle)
	if !ok {
		if kindOf(c.state) == StateUninitialized || kindOf(c.state) == StateBootstrapping {
			return fmt.Errorf("%w: coordinate %q", ErrNotInitialized, protocol)
		}
		return c.wrongState("coordinate")
	}
	coordinating, err := idle.Coordinate(protocol, params)
	if err != nil {
		return err
	}
	c.setLocked(coordinating)
	return nil
}

// Spawn adds a session to the running coordination.
func (c *Coordinator) Spawn(participants []ids.DeviceID) (ids.SessionID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	coordinating, ok := c.state.(Coordinating)
	if !ok {
		return ids.SessionID{}, ErrNotCoordinating
	}
	id, err := coordinating.Spawn(participants)
	if err != nil {
		return ids.SessionID{}, err
	}
	c.view.Set(c.snapshotLocked())
	return id, nil
}

// CheckProtocolStatus reports the running coordination's progress.
func (c *Coordinator) CheckProtocolStatus() (ProtocolStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	coordinating, ok := c.state.(Coordinating)
	if !ok {
		return ProtocolStatus{}, fmt.Errorf("%w: state %s", ErrNotCoordinating, kindOf(c.state))
	}
	return coordinating.CheckProtocolStatus()
}

// Finish completes the running coordination.
func (c *Coordinator) Finish(witness ProtocolCompleted) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	coordinating, ok := c.state.(Coordinating)
	if !ok {
		return fmt.Errorf("%w: state %s", ErrNotCoordinating, kindOf(c.state))
	}
	idle, err := coordinating.Finish(witness)
	if err != nil {
		return err
	}
	c.setLocked(idle)
	return nil
}

// Fail records cause and moves to Failed.
func (c *Coordinator) Fail(cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	coordinating, ok := c.state.(Coordinating)
	if !ok {
		return fmt.Errorf("%w: state %s", ErrNotCoordinating, kindOf(c.state))
	}
	failed, err := coordinating.Fail(cause)
	if err != nil {
		return err
	}
	c.setLocked(failed)
	return nil
}

// CancelCoordination terminates the running coordination and returns
// to Idle. The coordinator stays readable during the grace period;
// other transitions on the cancelled coordination fail as stale.
func (c *Coordinator) CancelCoordination(ctx context.Context) error {
	c.mu.Lock()
	coordinating, ok := c.state.(Coordinating)
	kind := kindOf(c.state)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: state %s", ErrNotCoordinating, kind)
	}
	idle, err := coordinating.Cancel(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(idle)
	return nil
}

// FailureInfo summarizes recorded failures. It is only available in
// the Failed state.
func (c *Coordinator) FailureInfo() (FailureInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	failed, ok := c.state.(FailedState)
	if !ok {
		return FailureInfo{}, c.wrongState("failure info")
	}
	return failed.FailureInfo(), nil
}

// AttemptRecovery moves a failed session back to Uninitialized.
func (c *Coordinator) AttemptRecovery(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	failed, ok := c.state.(FailedState)
	if !ok {
		return c.wrongState("attempt recovery")
	}
	uninitialized, err := failed.AttemptRecovery(ctx)
	if err != nil {
		return err
	}
	c.setLocked(uninitialized)
	return nil
}

// Run coordinates protocol around fn: the coordination finishes with a
// completion witness for fn's JSON result, or fails with fn's error.
func (c *Coordinator) Run(ctx context.Context, protocol string, params Params, fn func(ctx context.Context) (any, error)) error {
	if err := c.Coordinate(protocol, params); err != nil {
		return err
	}
	result, err := fn(ctx)
	if err != nil {
		if failErr := c.Fail(err); failErr != nil {
			c.logger.Error("recording coordination failure", "protocol", protocol, "error", failErr)
		}
		return fmt.Errorf("%s: %w", protocol, err)
	}
	var payload []byte
	if result != nil {
		if payload, err = json.Marshal(result); err != nil {
			c.Fail(err)
			return fmt.Errorf("%s: encoding result: %w", protocol, err)
		}
	}
	witness, err := VerifyProtocolWitness(uuid.New(), protocol, payload)
	if err != nil {
		c.Fail(err)
		return fmt.Errorf("%s: %w", protocol, err)
	}
	return c.Finish(witness)
}
