// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/hxrts/aura-sub026/lib/clock"
	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/lib/netutil"
)

// Config is the LAN discovery section of the node configuration.
type Config struct {
	Enabled            bool   `yaml:"enabled" json:"enabled"`
	BindAddr           string `yaml:"bind_addr" json:"bind_addr"`
	BroadcastAddr      string `yaml:"broadcast_addr" json:"broadcast_addr"`
	Port               int    `yaml:"port" json:"port"`
	AnnounceIntervalMs uint64 `yaml:"announce_interval_ms" json:"announce_interval_ms"`
}

// DefaultConfig broadcasts on the default port from all interfaces.
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		BindAddr:           "0.0.0.0",
		BroadcastAddr:      "255.255.255.255",
		Port:               DefaultPort,
		AnnounceIntervalMs: DefaultAnnounceIntervalMs,
	}
}

// Validate checks addresses, port and interval.
func (c Config) Validate() error {
	if _, err := netip.ParseAddr(c.BindAddr); err != nil {
		return failure.Errorf(failure.InvalidInput, "rendezvous: bind_addr %q: %v", c.BindAddr, err)
	}
	broadcast, err := netip.ParseAddr(c.BroadcastAddr)
	if err != nil {
		return failure.Errorf(failure.InvalidInput, "rendezvous: broadcast_addr %q: %v", c.BroadcastAddr, err)
	}
	if !broadcast.Is4() {
		return failure.Errorf(failure.InvalidInput, "rendezvous: broadcast_addr %q is not IPv4", c.BroadcastAddr)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return failure.Errorf(failure.InvalidInput, "rendezvous: port %d out of range", c.Port)
	}
	if c.AnnounceIntervalMs == 0 {
		return failure.New(failure.InvalidInput, "rendezvous: announce_interval_ms must be positive")
	}
	return nil
}

func (c Config) interval() time.Duration {
	return time.Duration(c.AnnounceIntervalMs) * time.Millisecond
}

// DiscoveredPeer is another authority heard on the network.
type DiscoveredPeer struct {
	Authority  ids.AuthorityID
	Descriptor Descriptor
	// Source is the address the announcement came from.
	Source         net.Addr
	DiscoveredAtMs uint64
}

// Stats counts service activity since it was created.
type Stats struct {
	AnnouncementsSent  uint64
	AnnouncementErrors uint64
	PacketsInvalid     uint64
	PeersDiscovered    uint64
}

// Metrics exports Stats to Prometheus. A nil *Metrics records
// nothing.
type Metrics struct {
	sent    prometheus.Counter
	errors  prometheus.Counter
	invalid prometheus.Counter
	peers   prometheus.Gauge
}

// NewMetrics registers the discovery collectors with registerer.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aura", Subsystem: "rendezvous", Name: "announcements_sent_total",
			Help: "LAN announcements written to the socket.",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aura", Subsystem: "rendezvous", Name: "announcement_errors_total",
			Help: "LAN announcements that could not be encoded or sent.",
		}),
		invalid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aura", Subsystem: "rendezvous", Name: "packets_invalid_total",
			Help: "Received datagrams that did not parse as announcements.",
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aura", Subsystem: "rendezvous", Name: "known_peers",
			Help: "Authorities in the discovered-peer table.",
		}),
	}
	for _, collector := range []prometheus.Collector{m.sent, m.errors, m.invalid, m.peers} {
		if err := registerer.Register(collector); err != nil {
			return nil, fmt.Errorf("registering rendezvous metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) announced(err error) {
	switch {
	case m == nil:
	case err != nil:
		m.errors.Inc()
	default:
		m.sent.Inc()
	}
}

func (m *Metrics) dropped() {
	if m != nil {
		m.invalid.Inc()
	}
}

func (m *Metrics) knownPeers(count int) {
	if m != nil {
		m.peers.Set(float64(count))
	}
}

// DefaultMaxPeers bounds the discovered-peer table when Options
// leaves MaxPeers unset.
const DefaultMaxPeers = 256

const (
	minReadBackoff = 50 * time.Millisecond
	maxReadBackoff = 5 * time.Second
)

// Options carries a service's identity and dependencies.
type Options struct {
	Authority ids.AuthorityID
	Clock     clock.Clock
	Logger    *slog.Logger
	Metrics   *Metrics
	// MaxPeers bounds the peer table. The least recently heard
	// authority is evicted first.
	MaxPeers  int
}

// Service announces the local descriptor and listens for other
// authorities on one UDP socket.
type Service struct {
	authority ids.AuthorityID
	config    Config
	conn      net.PacketConn
	target    net.Addr
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *Metrics

	mu         sync.RWMutex
	descriptor *Descriptor
	peers      *lru.Cache[ids.AuthorityID, DiscoveredPeer]

	sent       atomic.Uint64
	sendErrors atomic.Uint64
	invalid    atomic.Uint64
	discovered atomic.Uint64
}

// Listen binds config's address and port with broadcast enabled and
// returns a service announcing to the broadcast address.
func Listen(ctx context.Context, config Config, options Options) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	listenConfig := net.ListenConfig{Control: enableBroadcast}
	address := net.JoinHostPort(config.BindAddr, strconv.Itoa(config.Port))
	conn, err := listenConfig.ListenPacket(ctx, "udp4", address)
	if err != nil {
		return nil, failure.Wrap(failure.Transport, err, "rendezvous: binding "+address)
	}
	target := &net.UDPAddr{
		IP:   net.ParseIP(config.BroadcastAddr),
		Port: config.Port,
	}
	return NewService(conn, target, config, options), nil
}

func enableBroadcast(network, address string, raw syscall.RawConn) error {
	var sockErr error
	err := raw.Control(func(fd uintptr) {
		if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); sockErr != nil {
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// NewService wraps an existing socket. Announcements go to target.
// The service owns conn and closes it when Run returns.
func NewService(conn net.PacketConn, target net.Addr, config Config, options Options) *Service {
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if config.AnnounceIntervalMs == 0 {
		config.AnnounceIntervalMs = DefaultAnnounceIntervalMs
	}
	maxPeers := options.MaxPeers
	if maxPeers <= 0 {
		maxPeers = DefaultMaxPeers
	}
	// lru.New only fails for a non-positive size.
	peers, _ := lru.New[ids.AuthorityID, DiscoveredPeer](maxPeers)
	return &Service{
		authority: options.Authority,
		config:    config,
		conn:      conn,
		target:    target,
		clock:     clk,
		logger:    logger.With("authority", options.Authority.Short()),
		metrics:   options.Metrics,
		peers:     peers,
	}
}

// LocalAddr is the socket's bound address.
func (s *Service) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Close releases the socket of a service that will not Run.
func (s *Service) Close() error {
	if err := s.conn.Close(); err != nil && !netutil.IsExpectedCloseError(err) {
		return err
	}
	return nil
}

// SetDescriptor replaces the descriptor announced from the next tick.
func (s *Service) SetDescriptor(descriptor Descriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.descriptor = &descriptor
}

// ClearDescriptor stops announcements until a descriptor is set.
func (s *Service) ClearDescriptor() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.descriptor = nil
}

// Descriptor returns the announced descriptor, if any.
func (s *Service) Descriptor() (Descriptor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.descriptor == nil {
		return Descriptor{}, false
	}
	return *s.descriptor, true
}

// Peers returns the discovered peers whose descriptors are still
// valid, ordered by authority.
func (s *Service) Peers() []DiscoveredPeer {
	now := clock.NowMs(s.clock)
	s.mu.RLock()
	defer s.mu.RUnlock()
	peers := make([]DiscoveredPeer, 0, s.peers.Len())
	for _, peer := range s.peers.Values() {
		if peer.Descriptor.IsValid(now) {
			peers = append(peers, peer)
		}
	}
	slices.SortFunc(peers, func(a, b DiscoveredPeer) int { return a.Authority.Compare(b.Authority) })
	return peers
}

// Stats returns the service counters.
func (s *Service) Stats() Stats {
	return Stats{
		AnnouncementsSent:  s.sent.Load(),
		AnnouncementErrors: s.sendErrors.Load(),
		PacketsInvalid:     s.invalid.Load(),
		PeersDiscovered:    s.discovered.Load(),
	}
}

// Announce sends the current descriptor once. It does nothing when no
// descriptor is set.
func (s *Service) Announce() error {
	descriptor, ok := s.Descriptor()
	if !ok {
		return nil
	}
	packet := NewPacket(s.authority, descriptor, clock.NowMs(s.clock))
	data, err := packet.MarshalBinary()
	if err == nil {
		if _, writeErr := s.conn.WriteTo(data, s.target); writeErr != nil {
			err = failure.Wrap(failure.Transport, writeErr, "rendezvous: sending announcement to "+s.target.String())
		}
	}
	s.metrics.announced(err)
	if err != nil {
		s.sendErrors.Add(1)
		return err
	}
	s.sent.Add(1)
	return nil
}

// Run announces every interval and delivers each foreign announcement
// to onDiscovered until ctx is done. onDiscovered runs on the listener
// goroutine. Run closes the socket before returning.
func (s *Service) Run(ctx context.Context, onDiscovered func(DiscoveredPeer)) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-ctx.Done()
		return s.conn.Close()
	})
	group.Go(func() error {
		return s.announceLoop(ctx)
	})
	group.Go(func() error {
		return s.listenLoop(ctx, onDiscovered)
	})
	err := group.Wait()
	if err != nil && !netutil.IsExpectedCloseError(err) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Service) announceLoop(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.config.interval())
	defer ticker.Stop()
	for {
		if err := s.Announce(); err != nil {
			s.logger.Warn("LAN announcement failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Debug("LAN announcer stopping")
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Service) listenLoop(ctx context.Context, onDiscovered func(DiscoveredPeer)) error {
	buffer := make([]byte, MaxPacketSize+1)
	var backoff time.Duration
	for {
		n, source, err := s.conn.ReadFrom(buffer)
		if err != nil {
			if ctx.Err() != nil || netutil.IsExpectedCloseError(err) {
				s.logger.Debug("LAN listener stopping")
				return nil
			}
			backoff = min(max(2*backoff, minReadBackoff), maxReadBackoff)
			s.logger.Error("receiving LAN packet", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				s.logger.Debug("LAN listener stopping")
				return nil
			case <-s.clock.After(backoff):
			}
			continue
		}
		backoff = 0
		peer, ok := s.receive(buffer[:n], source)
		if ok && onDiscovered != nil {
			onDiscovered(peer)
		}
	}
}

// receive parses one datagram and records the sender. It reports false
// for invalid packets and the local authority's own announcements.
func (s *Service) receive(data []byte, source net.Addr) (DiscoveredPeer, bool) {
	packet, err := ParsePacket(data)
	if err == nil && packet.Descriptor.Authority != packet.Authority {
		err = fmt.Errorf("%w: descriptor for %s announced by %s", ErrInvalidPacket, packet.Descriptor.Authority.Short(), packet.Authority.Short())
	}
	if err != nil {
		s.invalid.Add(1)
		s.metrics.dropped()
		s.logger.Debug("dropping LAN packet", "source", source, "error", err)
		return DiscoveredPeer{}, false
	}
	if packet.Authority == s.authority {
		return DiscoveredPeer{}, false
	}
	peer := DiscoveredPeer{
		Authority:      packet.Authority,
		Descriptor:     packet.Descriptor,
		Source:         source,
		DiscoveredAtMs: clock.NowMs(s.clock),
	}
	s.mu.Lock()
	known := s.peers.Contains(peer.Authority)
	s.peers.Add(peer.Authority, peer)
	for _, authority := range s.peers.Keys() {
		if stored, ok := s.peers.Peek(authority); ok && stored.Descriptor.ValidUntil <= peer.DiscoveredAtMs {
			s.peers.Remove(authority)
		}
	}
	count := s.peers.Len()
	s.mu.Unlock()
	if !known {
		s.discovered.Add(1)
		s.logger.Info("LAN peer discovered", "peer", peer.Authority.Short(), "source", source)
	}
	s.metrics.knownPeers(count)
	return peer, true
}
