// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hxrts/aura-sub026/lib/clock"
	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
)

var (
	// ErrStaleState is returned when a state value is used after it
	// has already transitioned.
	ErrStaleState         = failure.New(failure.InvalidInput, "session: state already consumed")
	ErrNotInitialized     = failure.New(failure.NotInitialized, "session: not initialized")
	ErrAlreadyInitialized = failure.New(failure.AlreadyInitialized, "session: already initialized")
	ErrNotCoordinating    = failure.New(failure.InvalidInput, "session: no coordination in progress")
	ErrInvalidProtocol    = failure.New(failure.InvalidInput, "session: invalid protocol")
	// ErrCoordinationFailed ends recovery when the device has failed
	// too often.
	ErrCoordinationFailed = failure.New(failure.ProtocolViolation, "session: coordination failed")
)

const (
	// MaxFailures is the number of failed sessions after which
	// recovery is refused.
	MaxFailures = 3
	// CancelGrace is the wait for sessions to shut down after
	// termination commands.
	CancelGrace = 100 * time.Millisecond
	// RecoveryGrace is the wait after cleaning up before a failed
	// session restarts.
	RecoveryGrace = 500 * time.Millisecond
)

// StateKind names a type-state.
type StateKind uint8

const (
	StateUninitialized StateKind = iota + 1
	StateBootstrapping
	StateIdle
	StateCoordinating
	StateFailed
)

func (k StateKind) String() string {
	switch k {
	case StateUninitialized:
		return "uninitialized"
	case StateBootstrapping:
		return "bootstrapping"
	case StateIdle:
		return "idle"
	case StateCoordinating:
		return "coordinating"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(k))
	}
}

// Params describes a coordination.
type Params struct {
	Participants []ids.DeviceID
}

// FailureRecord is one failed coordination.
type FailureRecord struct {
	Protocol string
	Reason   string
	Sessions []ids.SessionID
	At       uint64
}

// FailureInfo summarizes past failures for recovery.
type FailureInfo struct {
	FailedSessions  []ids.SessionID
	CanRetry        bool
	SuggestedAction string
}

// device is the state every type-state value shares. generation
// advances on each transition so consumed values are rejected.
type device struct {
	id      ids.DeviceID
	runtime *Runtime
	clock   clock.Clock
	logger  *slog.Logger

	mu         sync.Mutex
	generation uint64
	init       InitComplete
	failures   []FailureRecord
}

type stateBase struct {
	device     *device
	generation uint64
}

// advance consumes the state value, returning the base for the next.
func (s stateBase) advance() (stateBase, error) {
	if s.device == nil {
		return stateBase{}, ErrNotInitialized
	}
	s.device.mu.Lock()
	defer s.device.mu.Unlock()
	if s.generation != s.device.generation {
		return stateBase{}, ErrStaleState
	}
	s.device.generation++
	return stateBase{device: s.device, generation: s.device.generation}, nil
}

func (s stateBase) current() error {
	if s.device == nil {
		return ErrNotInitialized
	}
	s.device.mu.Lock()
	defer s.device.mu.Unlock()
	if s.generation != s.device.generation {
		return ErrStaleState
	}
	return nil
}

// Device returns the device the session belongs to.
func (s stateBase) Device() ids.DeviceID { return s.device.id }

// Init returns the evidence the session was initialized with.
func (s Idle) Init() InitComplete {
	s.device.mu.Lock()
	defer s.device.mu.Unlock()
	return s.device.init
}

// Uninitialized is a session that has not loaded its identity.
type Uninitialized struct{ stateBase }

// Bootstrapping is a session loading its identity and genesis.
type Bootstrapping struct{ stateBase }

// Idle is an initialized session with no coordination running.
type Idle struct{ stateBase }

// Coordinating is a session running a protocol.
type Coordinating struct {
	stateBase
	protocol string
	params   Params
	sessions *[]ids.SessionID
}

// FailedState is a session whose coordination failed.
type FailedState struct {
	stateBase
	record FailureRecord
}

// New returns the initial state of a device's session.
func New(self ids.DeviceID, runtime *Runtime, clk clock.Clock, logger *slog.Logger) Uninitialized {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return Uninitialized{stateBase{device: &device{
		id:      self,
		runtime: runtime,
		clock:   clk,
		logger:  logger.With("component", "session", "device", self),
	}}}
}

func (s Uninitialized) Bootstrap() (Bootstrapping, error) {
	next, err := s.advance()
	if err != nil {
		return Bootstrapping{}, err
	}
	return Bootstrapping{next}, nil
}

// InitComplete finishes bootstrapping. The witness must name this
// device.
func (s Bootstrapping) InitComplete(witness InitComplete) (Idle, error) {
	if err := s.current(); err != nil {
		return Idle{}, err
	}
	if witness.Device != s.device.id {
		return Idle{}, fmt.Errorf("%w: init witness for %s, session is %s", ErrInvalidWitness, witness.Device, s.device.id)
	}
	next, err := s.advance()
	if err != nil {
		return Idle{}, err
	}
	s.device.mu.Lock()
	s.device.init = witness
	s.device.mu.Unlock()
	return Idle{next}, nil
}

// Coordinate starts protocol, registering its first session with the
// runtime.
func (s Idle) Coordinate(protocol string, params Params) (Coordinating, error) {
	if protocol == "" {
		return Coordinating{}, fmt.Errorf("%w: empty protocol name", ErrInvalidProtocol)
	}
	next, err := s.advance()
	if err != nil {
		return Coordinating{}, err
	}
	first := s.device.runtime.Start(protocol, params.Participants)
	s.device.logger.Info("coordination started", "protocol", protocol, "session", first)
	return Coordinating{
		stateBase: next,
		protocol:  protocol,
		params:    Params{Participants: slices.Clone(params.Participants)},
		sessions:  &[]ids.SessionID{first},
	}, nil
}

func (s Coordinating) Protocol() string { return s.protocol }

func (s Coordinating) Params() Params { return Params{Participants: slices.Clone(s.params.Participants)} }

// Sessions returns the sessions this coordination owns.
func (s Coordinating) Sessions() []ids.SessionID { return slices.Clone(*s.sessions) }

// Spawn registers another session under the coordination.
func (s Coordinating) Spawn(participants []ids.DeviceID) (ids.SessionID, error) {
	if err := s.current(); err != nil {
		return ids.SessionID{}, err
	}
	id := s.device.runtime.Start(s.protocol, participants)
	*s.sessions = append(*s.sessions, id)
	return id, nil
}

// ProtocolStatusKind classifies a ProtocolStatus.
type ProtocolStatusKind uint8

const (
	InProgress ProtocolStatusKind = iota + 1
	Completed
	ProtocolFailed
)

func (k ProtocolStatusKind) String() string {
	switch k {
	case InProgress:
		return "in_progress"
	case Completed:
		return "completed"
	case ProtocolFailed:
		return "failed"
	default:
		return fmt.Sprintf("protocol_status(%d)", uint8(k))
	}
}

// ProtocolStatus reports a coordination's progress.
type ProtocolStatus struct {
	Kind     ProtocolStatusKind
	Protocol string
	// Progress is the fraction of the coordination's sessions that
	// are final.
	Progress float64
	Error    string
}

// CheckProtocolStatus inspects the runtime's view of the
// coordination's sessions.
func (s Coordinating) CheckProtocolStatus() (ProtocolStatus, error) {
	if err := s.current(); err != nil {
		return ProtocolStatus{}, err
	}
	var infos []Info
	for _, id := range *s.sessions {
		if info, ok := s.device.runtime.Get(id); ok {
			infos = append(infos, info)
		}
	}
	if len(infos) == 0 {
		return ProtocolStatus{Kind: ProtocolFailed, Protocol: s.protocol, Error: "No active sessions found"}, nil
	}
	final := 0
	for _, info := range infos {
		switch info.Status {
		case Failed:
			return ProtocolStatus{Kind: ProtocolFailed, Protocol: s.protocol, Error: info.Error}, nil
		case Final:
			final++
		}
	}
	if final == len(infos) {
		return ProtocolStatus{Kind: Completed, Protocol: s.protocol, Progress: 1}, nil
	}
	return ProtocolStatus{Kind: InProgress, Protocol: s.protocol, Progress: float64(final) / float64(len(infos))}, nil
}

// Finish ends the coordination with completion evidence for the
// protocol being coordinated.
func (s Coordinating) Finish(witness ProtocolCompleted) (Idle, error) {
	if err := s.current(); err != nil {
		return Idle{}, err
	}
	if witness.Protocol != s.protocol {
		return Idle{}, fmt.Errorf("%w: completion of %q while coordinating %q", ErrInvalidWitness, witness.Protocol, s.protocol)
	}
	next, err := s.advance()
	if err != nil {
		return Idle{}, err
	}
	for _, id := range *s.sessions {
		if err := s.device.runtime.Update(id, Final, ""); err != nil {
			s.device.logger.Debug("session already settled", "session", id, "error", err)
		}
	}
	s.device.logger.Info("coordination completed", "protocol", s.protocol, "protocol_id", witness.ProtocolID)
	return Idle{next}, nil
}

// Cancel terminates every unfinished session of the coordination,
// waits CancelGrace for them to stop and returns to Idle. Command
// failures are logged; Cancel always reaches Idle for a current state.
func (s Coordinating) Cancel(ctx context.Context) (Idle, error) {
	next, err := s.advance()
	if err != nil {
		return Idle{}, err
	}
	s.terminate()
	if err := clock.Sleep(ctx, s.device.clock, CancelGrace); err != nil {
		s.device.logger.Debug("cancel grace interrupted", "error", err)
	}
	s.device.logger.Info("coordination cancelled", "protocol", s.protocol)
	return Idle{next}, nil
}

func (s Coordinating) terminate() {
	for _, id := range *s.sessions {
		if info, ok := s.device.runtime.Get(id); ok && info.Status.Done() {
			continue
		}
		if err := s.device.runtime.Send(Command{Kind: TerminateSession, Session: id}); err != nil {
			s.device.logger.Warn("sending terminate command", "session", id, "error", err)
		}
	}
}

// Fail records cause against the coordination's sessions.
func (s Coordinating) Fail(cause error) (FailedState, error) {
	next, err := s.advance()
	if err != nil {
		return FailedState{}, err
	}
	reason := "unknown failure"
	if cause != nil {
		reason = cause.Error()
	}
	for _, id := range *s.sessions {
		if err := s.device.runtime.Update(id, Failed, reason); err != nil {
			s.device.logger.Debug("session already settled", "session", id, "error", err)
		}
	}
	record := FailureRecord{
		Protocol: s.protocol,
		Reason:   reason,
		Sessions: slices.Clone(*s.sessions),
		At:       clock.NowMs(s.device.clock),
	}
	s.device.mu.Lock()
	s.device.failures = append(s.device.failures, record)
	s.device.mu.Unlock()
	s.device.logger.Warn("coordination failed", "protocol", s.protocol, "error", reason)
	return FailedState{stateBase: next, record: record}, nil
}

// Failure returns the failure that produced this state.
func (s FailedState) Failure() FailureRecord { return s.record }

// FailureInfo summarizes every failure the device has recorded.
func (s FailedState) FailureInfo() FailureInfo { return s.device.failureInfo() }

func (d *device) failureInfo() FailureInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	var info FailureInfo
	for _, record := range d.failures {
		info.FailedSessions = append(info.FailedSessions, record.Sessions...)
	}
	info.CanRetry = len(info.FailedSessions) < MaxFailures
	if info.CanRetry {
		info.SuggestedAction = "retry the protocol"
	} else {
		info.SuggestedAction = "check peer connectivity and reinitialize the device"
	}
	return info
}

// Message renders the failure for users: protocol, reason and the
// suggested action.
func (s FailedState) Message() string {
	info := s.FailureInfo()
	var b strings.Builder
	fmt.Fprintf(&b, "%s failed: %s", s.record.Protocol, s.record.Reason)
	fmt.Fprintf(&b, " (%d failed sessions; %s)", len(info.FailedSessions), info.SuggestedAction)
	return b.String()
}

// AttemptRecovery restarts the session if the device has failed fewer
// than MaxFailures sessions: it terminates the device's live sessions,
// waits RecoveryGrace and returns to Uninitialized.
func (s FailedState) AttemptRecovery(ctx context.Context) (Uninitialized, error) {
	if err := s.current(); err != nil {
		return Uninitialized{}, err
	}
	info := s.FailureInfo()
	if !info.CanRetry {
		return Uninitialized{}, fmt.Errorf("%w: Too many failures (%d failed sessions)", ErrCoordinationFailed, len(info.FailedSessions))
	}
	next, err := s.advance()
	if err != nil {
		return Uninitialized{}, err
	}
	for _, live := range s.device.runtime.List("") {
		if live.Status.Done() {
			continue
		}
		if err := s.device.runtime.Send(Command{Kind: TerminateSession, Session: live.ID}); err != nil {
			s.device.logger.Warn("sending terminate command", "session", live.ID, "error", err)
		}
	}
	if err := clock.Sleep(ctx, s.device.clock, RecoveryGrace); err != nil {
		s.device.logger.Debug("recovery grace interrupted", "error", err)
	}
	s.device.logger.Info("session recovered", "failed_sessions", len(info.FailedSessions))
	return Uninitialized{next}, nil
}
