// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package antientropy

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/hxrts/aura-sub026/lib/clock"
	"github.com/hxrts/aura-sub026/lib/ids"
)

// Metrics counts anti-entropy rounds. A nil *Metrics records nothing.
type Metrics struct {
	rounds   *prometheus.CounterVec
	ops      *prometheus.CounterVec
	failures prometheus.Counter
	pending  prometheus.Gauge
}

// NewMetrics registers the anti-entropy collectors with registerer.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aura", Subsystem: "antientropy", Name: "rounds_total",
			Help: "Completed sync rounds by digest comparison.",
		}, []string{"status"}),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aura", Subsystem: "antientropy", Name: "ops_total",
			Help: "Ops moved by sync rounds by direction.",
		}, []string{"direction"}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aura", Subsystem: "antientropy", Name: "sync_failures_total",
			Help: "Sync rounds that ended in an error.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aura", Subsystem: "antientropy", Name: "buffered_ops",
			Help: "Ops waiting for their parent.",
		}),
	}
	for _, collector := range []prometheus.Collector{m.rounds, m.ops, m.failures, m.pending} {
		if err := registerer.Register(collector); err != nil {
			return nil, fmt.Errorf("registering antientropy metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) observeRound(result Result, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.failures.Inc()
		return
	}
	m.rounds.WithLabelValues(result.Status.String()).Inc()
	m.ops.WithLabelValues("pushed").Add(float64(result.Pushed.Applied))
}

func (m *Metrics) observeMerge(result MergeResult, pending int) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues("pulled").Add(float64(result.Applied))
	m.ops.WithLabelValues("rejected").Add(float64(result.Rejected))
	m.ops.WithLabelValues("buffered").Add(float64(result.Buffered))
	m.pending.Set(float64(pending))
}

// DefaultConcurrentRounds bounds the rounds a Scheduler runs at once.
const DefaultConcurrentRounds = 4

// Scheduler runs a round with every peer each interval. A peer whose
// previous round is still running is skipped for that tick.
type Scheduler struct {
	syncer   *Syncer
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	peers    []ids.DeviceID
	inFlight map[ids.DeviceID]bool
}

func NewScheduler(syncer *Syncer, clk clock.Clock, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{
		syncer:   syncer,
		clock:    clk,
		interval: interval,
		logger:   logger.With("component", "antientropy-scheduler"),
		inFlight: make(map[ids.DeviceID]bool),
	}
}

// AddPeer schedules peer. Adding a scheduled peer is a no-op.
func (s *Scheduler) AddPeer(peer ids.DeviceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(s.peers, peer) {
		s.peers = append(s.peers, peer)
	}
}

func (s *Scheduler) RemovePeer(peer ids.DeviceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers = slices.DeleteFunc(s.peers, func(candidate ids.DeviceID) bool { return candidate == peer })
}

func (s *Scheduler) Peers() []ids.DeviceID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.peers)
}

// Run ticks until ctx is done, then waits for in-flight rounds.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	var group errgroup.Group
	group.SetLimit(DefaultConcurrentRounds)
	defer group.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx, &group)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, group *errgroup.Group) {
	for _, peer := range s.Peers() {
		if !s.claim(peer) {
			continue
		}
		started := group.TryGo(func() error {
			defer s.release(peer)
			if _, err := s.syncer.SyncWith(ctx, peer); err != nil && ctx.Err() == nil {
				s.logger.Warn("anti-entropy round failed", "peer", peer, "error", err)
			}
			return nil
		})
		if !started {
			s.release(peer)
			s.logger.Debug("anti-entropy rounds saturated, deferring peer", "peer", peer)
		}
	}
}

func (s *Scheduler) claim(peer ids.DeviceID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[peer] {
		return false
	}
	s.inFlight[peer] = true
	return true
}

func (s *Scheduler) release(peer ids.DeviceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, peer)
}
