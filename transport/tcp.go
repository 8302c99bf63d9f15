// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/hxrts/aura-sub026/effects"
	"github.com/hxrts/aura-sub026/lib/clock"
	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/lib/netutil"
)

var _ effects.Network = (*TCPTransport)(nil)

var (
	ErrUnknownPeer = failure.New(failure.Transport, "transport: no address for peer")
	ErrClosed      = failure.New(failure.Transport, "transport: closed")
)

const (
	// DefaultInboxSize bounds received messages waiting for Receive.
	DefaultInboxSize = 1024

	// DefaultDialTimeout bounds establishing the TCP connection,
	// before the handshake.
	DefaultDialTimeout = 5 * time.Second
)

// TCPConfig configures a TCPTransport.
type TCPConfig struct {
	// ListenAddr is the address to accept peers on ("host:port"; port
	// 0 picks one).
	ListenAddr  string
	Identity    Identity
	Verifier    *TicketVerifier
	Clock       clock.Clock
	Random      io.Reader
	Logger      *slog.Logger
	InboxSize   int
	DialTimeout time.Duration
}

// TCPTransport is the device-to-device network: one authenticated,
// encrypted TCP connection per peer, dialed on first send or accepted
// from the peer. It implements effects.Network.
//
// When two devices dial each other at once, both keep the connection
// dialed by the device with the smaller id and close the other.
type TCPTransport struct {
	config   TCPConfig
	listener net.Listener
	logger   *slog.Logger
	inbox    chan effects.Envelope

	done      chan struct{}
	closeOnce sync.Once
	readers   sync.WaitGroup

	mu        sync.Mutex
	addresses map[ids.DeviceID]string
	conns     map[ids.DeviceID]*peerConn
	dialing   map[ids.DeviceID]chan struct{}
	info      map[ids.DeviceID]ConnectionInfo
}

type peerConn struct {
	*secureConn
	dialer ids.DeviceID
}

// ListenTCP binds config.ListenAddr. Call Serve to accept peers.
func ListenTCP(config TCPConfig) (*TCPTransport, error) {
	if config.Identity.Device.IsZero() || len(config.Identity.PrivateKey) == 0 {
		return nil, failure.New(failure.InvalidInput, "transport: identity requires a device and a private key")
	}
	if config.Verifier == nil {
		return nil, failure.New(failure.InvalidInput, "transport: ticket verifier is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Random == nil {
		config.Random = rand.Reader
	}
	if config.InboxSize <= 0 {
		config.InboxSize = DefaultInboxSize
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = DefaultDialTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	listener, err := net.Listen("tcp", config.ListenAddr)
	if err != nil {
		return nil, failure.Wrap(failure.Transport, err, "transport: listening on "+config.ListenAddr)
	}
	return &TCPTransport{
		config:    config,
		listener:  listener,
		logger:    logger.With("device", config.Identity.Device.String()),
		inbox:     make(chan effects.Envelope, config.InboxSize),
		done:      make(chan struct{}),
		addresses: make(map[ids.DeviceID]string),
		conns:     make(map[ids.DeviceID]*peerConn),
		dialing:   make(map[ids.DeviceID]chan struct{}),
		info:      make(map[ids.DeviceID]ConnectionInfo),
	}, nil
}

// Address returns the bound "host:port".
func (t *TCPTransport) Address() string { return t.listener.Addr().String() }

// SetAddress records where peer accepts connections.
func (t *TCPTransport) SetAddress(peer ids.DeviceID, address string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addresses[peer] = address
}

// PeerAddress returns the address recorded for peer.
func (t *TCPTransport) PeerAddress(peer ids.DeviceID) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	address, ok := t.addresses[peer]
	return address, ok
}

// Serve accepts peers until ctx is done or the transport is closed.
func (t *TCPTransport) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { t.listener.Close() })
	defer stop()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || t.isClosed() || netutil.IsExpectedCloseError(err) {
				return nil
			}
			return failure.Wrap(failure.Transport, err, "transport: accepting")
		}
		go t.accept(conn)
	}
}

func (t *TCPTransport) accept(conn net.Conn) {
	session, ticket, err := handshake(conn, t.handshakeParams(ids.DeviceID{}))
	if err != nil {
		conn.Close()
		t.logger.Warn("inbound handshake failed", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	t.register(&peerConn{secureConn: session, dialer: ticket.Device}, ticket)
}

func (t *TCPTransport) handshakeParams(expected ids.DeviceID) handshakeParams {
	return handshakeParams{
		identity: t.config.Identity,
		verifier: t.config.Verifier,
		expected: expected,
		nowMs:    clock.NowMs(t.config.Clock),
		random:   t.config.Random,
	}
}

// Connect dials peer and completes the handshake unless a connection
// already exists. Concurrent calls for one peer share a dial.
func (t *TCPTransport) Connect(ctx context.Context, peer ids.DeviceID) error {
	for {
		t.mu.Lock()
		if t.isClosed() {
			t.mu.Unlock()
			return ErrClosed
		}
		if _, ok := t.conns[peer]; ok {
			t.mu.Unlock()
			return nil
		}
		if wait, ok := t.dialing[peer]; ok {
			t.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return context.Cause(ctx)
			}
		}
		address, ok := t.addresses[peer]
		if !ok {
			t.mu.Unlock()
			return fmt.Errorf("%w %s", ErrUnknownPeer, peer)
		}
		finished := make(chan struct{})
		t.dialing[peer] = finished
		t.info[peer] = ConnectionInfo{Peer: peer, State: Handshaking, Remote: address}
		t.mu.Unlock()

		err := t.dial(ctx, peer, address)

		t.mu.Lock()
		delete(t.dialing, peer)
		t.mu.Unlock()
		close(finished)
		return err
	}
}

func (t *TCPTransport) dial(ctx context.Context, peer ids.DeviceID, address string) error {
	dialer := net.Dialer{Timeout: t.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		err = netutil.Classify(err, "transport: dialing "+peer.String())
		t.recordFailure(peer, nil, err)
		return err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	session, ticket, err := handshake(conn, t.handshakeParams(peer))
	if !stop() && err == nil {
		err = context.Cause(ctx)
	}
	if err != nil {
		conn.Close()
		t.recordFailure(peer, nil, err)
		return err
	}
	t.register(&peerConn{secureConn: session, dialer: t.config.Identity.Device}, ticket)
	return nil
}

// preferred reports whether pc was dialed by the smaller of the two
// device ids.
func (t *TCPTransport) preferred(pc *peerConn) bool {
	lower := t.config.Identity.Device
	if pc.peer.Compare(lower) < 0 {
		lower = pc.peer
	}
	return pc.dialer == lower
}

func (t *TCPTransport) register(pc *peerConn, ticket PresenceTicket) {
	peer := pc.peer
	t.mu.Lock()
	if t.isClosed() {
		t.mu.Unlock()
		pc.Close()
		return
	}
	if existing, ok := t.conns[peer]; ok {
		if !t.preferred(pc) || t.preferred(existing) {
			t.mu.Unlock()
			pc.Close()
			t.logger.Debug("dropping duplicate connection", "peer", peer.String())
			return
		}
		existing.Close()
	}
	t.conns[peer] = pc
	current, ok := t.info[peer]
	if !ok || current.State != Handshaking {
		current = ConnectionInfo{Peer: peer, State: Handshaking}
	}
	witness := HandshakeCompleted{
		Peer:          peer,
		Remote:        pc.conn.RemoteAddr().String(),
		EstablishedAt: clock.NowMs(t.config.Clock),
		Ticket:        ticket.Digest(),
	}
	if next, err := current.complete(witness); err == nil {
		t.info[peer] = next
	}
	t.readers.Add(1)
	t.mu.Unlock()

	t.logger.Info("peer connected", "peer", peer.String(), "remote", witness.Remote, "epoch", ticket.SessionEpoch)
	go t.readLoop(pc)
}

func (t *TCPTransport) readLoop(pc *peerConn) {
	defer t.readers.Done()
	for {
		payload, err := pc.ReadMessage()
		if err != nil {
			t.drop(pc, err)
			return
		}
		envelope := effects.Envelope{From: pc.peer, To: t.config.Identity.Device, Payload: payload}
		select {
		case t.inbox <- envelope:
		case <-t.done:
			return
		}
	}
}

// drop forgets pc after its reader stops. A replaced or disconnected
// connection is no longer current and leaves the peer's state alone.
func (t *TCPTransport) drop(pc *peerConn, cause error) {
	pc.Close()
	t.mu.Lock()
	current := t.conns[pc.peer] == pc
	if current {
		delete(t.conns, pc.peer)
	}
	t.mu.Unlock()
	if !current {
		return
	}
	if netutil.IsExpectedCloseError(cause) {
		t.mu.Lock()
		info := t.info[pc.peer]
		info.State = Closed
		t.info[pc.peer] = info
		t.mu.Unlock()
		t.logger.Info("peer disconnected", "peer", pc.peer.String())
		return
	}
	t.recordFailure(pc.peer, pc, cause)
}

func (t *TCPTransport) recordFailure(peer ids.DeviceID, pc *peerConn, cause error) {
	t.mu.Lock()
	info, ok := t.info[peer]
	if !ok {
		info = ConnectionInfo{Peer: peer}
	}
	t.info[peer] = info.fail(ConnectionFailure{Peer: peer, Err: cause, FailedAt: clock.NowMs(t.config.Clock)})
	t.mu.Unlock()
	t.logger.Warn("peer connection failed", "peer", peer.String(), "error", cause)
}

// Send delivers payload to peer, connecting first if needed.
func (t *TCPTransport) Send(ctx context.Context, peer ids.DeviceID, payload []byte) error {
	if err := t.Connect(ctx, peer); err != nil {
		return err
	}
	t.mu.Lock()
	pc, ok := t.conns[peer]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: connection to %s closed", ErrClosed, peer)
	}
	if err := pc.WriteMessage(payload); err != nil {
		pc.Close()
		return netutil.Classify(err, "transport: sending to "+peer.String())
	}
	return nil
}

// Receive returns the next message from any peer.
func (t *TCPTransport) Receive(ctx context.Context) (effects.Envelope, error) {
	select {
	case envelope := <-t.inbox:
		return envelope, nil
	case <-t.done:
		return effects.Envelope{}, ErrClosed
	case <-ctx.Done():
		return effects.Envelope{}, context.Cause(ctx)
	}
}

// Broadcast sends payload to every peer. A failed peer does not stop
// delivery to the rest; the failures are joined.
func (t *TCPTransport) Broadcast(ctx context.Context, peers []ids.DeviceID, payload []byte) error {
	var failed []error
	for _, peer := range peers {
		if err := t.Send(ctx, peer, payload); err != nil {
			failed = append(failed, fmt.Errorf("peer %s: %w", peer, err))
		}
	}
	return errors.Join(failed...)
}

// Disconnect closes the connection to peer, if any.
func (t *TCPTransport) Disconnect(peer ids.DeviceID) error {
	t.mu.Lock()
	pc, ok := t.conns[peer]
	if ok {
		delete(t.conns, peer)
		info := t.info[peer]
		info.State = Closed
		t.info[peer] = info
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return pc.Close()
}

// Connections returns the last known state of every peer connection,
// ordered by peer.
func (t *TCPTransport) Connections() []ConnectionInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	infos := make([]ConnectionInfo, 0, len(t.info))
	for _, info := range t.info {
		infos = append(infos, info)
	}
	slices.SortFunc(infos, func(a, b ConnectionInfo) int { return a.Peer.Compare(b.Peer) })
	return infos
}

// Connection returns the state of the connection to peer.
func (t *TCPTransport) Connection(peer ids.DeviceID) (ConnectionInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.info[peer]
	return info, ok
}

func (t *TCPTransport) isClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Close stops accepting, closes every connection and waits for the
// readers to exit.
func (t *TCPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.listener.Close()
		t.mu.Lock()
		for peer, pc := range t.conns {
			pc.Close()
			delete(t.conns, peer)
		}
		t.mu.Unlock()
		t.readers.Wait()
	})
	if err != nil && !netutil.IsExpectedCloseError(err) {
		return err
	}
	return nil
}
