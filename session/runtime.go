// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hxrts/aura-sub026/lib/clock"
	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
)

var (
	ErrUnknownSession    = failure.New(failure.InvalidInput, "session: unknown session")
	ErrCommandQueueFull  = failure.New(failure.Transport, "session: runtime command queue full")
	ErrRuntimeClosed     = failure.New(failure.Transport, "session: runtime closed")
	ErrSessionFinal      = failure.New(failure.InvalidInput, "session: session already final")
	ErrInvalidTransition = failure.New(failure.InvalidInput, "session: invalid status transition")
)

const (
	// DefaultCommandDepth is the runtime command channel buffer.
	DefaultCommandDepth = 64
	// DefaultRetention is how long final sessions stay listed.
	DefaultRetention = 5 * time.Minute
)

// Status is a session's lifecycle position in the runtime.
type Status uint8

const (
	Created Status = iota + 1
	Active
	Final
	Failed
)

func (s Status) String() string {
	switch s {
	case Created:
		return "created"
	case Active:
		return "active"
	case Final:
		return "final"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Done reports whether the session has stopped.
func (s Status) Done() bool { return s == Final || s == Failed }

// Info describes one session.
type Info struct {
	ID           ids.SessionID
	Protocol     string
	Participants []ids.DeviceID
	Status       Status
	Error        string
	CreatedAt    uint64
	UpdatedAt    uint64
}

// CommandKind names a runtime command.
type CommandKind uint8

const (
	TerminateSession CommandKind = iota + 1
)

func (k CommandKind) String() string {
	if k == TerminateSession {
		return "terminate_session"
	}
	return fmt.Sprintf("command(%d)", uint8(k))
}

// Command is sent to the runtime on its command channel.
type Command struct {
	Kind    CommandKind
	Session ids.SessionID
}

// Runtime tracks the device's protocol sessions. Commands are
// buffered on a channel and applied by Run; a caller that owns the
// channel instead can read Commands directly.
type Runtime struct {
	clock     clock.Clock
	logger    *slog.Logger
	retention time.Duration

	mu       sync.RWMutex
	sessions map[ids.SessionID]*Info
	closed   bool
	commands chan Command
}

// NewRuntime returns an empty runtime. depth <= 0 uses
// DefaultCommandDepth.
func NewRuntime(clk clock.Clock, depth int, logger *slog.Logger) *Runtime {
	if depth <= 0 {
		depth = DefaultCommandDepth
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runtime{
		clock:     clk,
		logger:    logger,
		retention: DefaultRetention,
		sessions:  make(map[ids.SessionID]*Info),
		commands:  make(chan Command, depth),
	}
}

// Start registers a new session for protocol.
func (r *Runtime) Start(protocol string, participants []ids.DeviceID) ids.SessionID {
	now := clock.NowMs(r.clock)
	id := ids.NewSessionID()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = &Info{
		ID:           id,
		Protocol:     protocol,
		Participants: slices.Clone(participants),
		Status:       Created,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return id
}

// Update moves a session to status. Final and failed sessions do not
// move again; reason is recorded for Failed.
func (r *Runtime) Update(id ids.SessionID, status Status, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if info.Status.Done() {
		return fmt.Errorf("%w: %s is %s", ErrSessionFinal, id, info.Status)
	}
	if status < info.Status {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, info.Status, status)
	}
	info.Status = status
	info.Error = reason
	info.UpdatedAt = clock.NowMs(r.clock)
	return nil
}

// Get returns a copy of the session's info.
func (r *Runtime) Get(id ids.SessionID) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.sessions[id]
	if !ok {
		return Info{}, false
	}
	return copyInfo(info), true
}

// List returns every live or recently final session, oldest first.
// An empty protocol lists all protocols.
func (r *Runtime) List(protocol string) []Info {
	r.prune()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Info
	for _, info := range r.sessions {
		if protocol == "" || info.Protocol == protocol {
			out = append(out, copyInfo(info))
		}
	}
	slices.SortFunc(out, func(a, b Info) int {
		if a.CreatedAt != b.CreatedAt {
			if a.CreatedAt < b.CreatedAt {
				return -1
			}
			return 1
		}
		return a.ID.Compare(b.ID)
	})
	return out
}

func (r *Runtime) prune() {
	now, retention := clock.NowMs(r.clock), uint64(r.retention.Milliseconds())
	if now < retention {
		return
	}
	cutoff := now - retention
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, info := range r.sessions {
		if info.Status.Done() && info.UpdatedAt < cutoff {
			delete(r.sessions, id)
		}
	}
}

func copyInfo(info *Info) Info {
	out := *info
	out.Participants = slices.Clone(info.Participants)
	return out
}

// Send queues cmd without blocking.
func (r *Runtime) Send(cmd Command) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrRuntimeClosed
	}
	select {
	case r.commands <- cmd:
		return nil
	default:
		return fmt.Errorf("%w: dropping %s for %s", ErrCommandQueueFull, cmd.Kind, cmd.Session)
	}
}

// Commands is the runtime's command channel.
func (r *Runtime) Commands() <-chan Command { return r.commands }

// Run applies commands until ctx is done or the runtime closes.
func (r *Runtime) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd, ok := <-r.commands:
			if !ok {
				return nil
			}
			r.apply(cmd)
		}
	}
}

func (r *Runtime) apply(cmd Command) {
	switch cmd.Kind {
	case TerminateSession:
		if err := r.Update(cmd.Session, Final, "terminated"); err != nil {
			r.logger.Debug("terminate ignored", "session", cmd.Session, "error", err)
			return
		}
		r.logger.Info("session terminated", "session", cmd.Session)
	default:
		r.logger.Warn("unknown runtime command", "kind", cmd.Kind, "session", cmd.Session)
	}
}

// Close stops accepting commands.
func (r *Runtime) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.commands)
	}
}
