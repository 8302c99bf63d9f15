// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package effects

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hxrts/aura-sub026/lib/clock"
	"github.com/hxrts/aura-sub026/lib/config"
	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/lib/ratelimit"
	"github.com/hxrts/aura-sub026/lib/validation"
)

// Middleware wraps a network with one layer of behaviour.
type Middleware func(Network) Network

// Stack applies layers to transport in order: the first layer sits
// directly on the transport, the last is outermost.
func Stack(transport Network, layers ...Middleware) Network {
	network := transport
	for _, layer := range layers {
		network = layer(network)
	}
	return network
}

// MiddlewareDeps carries the collaborators the configured layers need.
// Nil collaborators disable the checks that use them.
type MiddlewareDeps struct {
	Clock      clock.Clock
	Logger     *slog.Logger
	Limiter    *ratelimit.Limiter
	Validator  *validation.Validator
	Authorize  Authorizer
	Registerer prometheus.Registerer
	Tracer     trace.Tracer
}

// Configured returns the layers enabled in cfg in stack order:
// ErrorRecovery, Capability, Metrics, Tracing.
func Configured(cfg config.ChoreographyMiddlewareConfig, deps MiddlewareDeps) ([]Middleware, error) {
	var layers []Middleware
	if cfg.EnableErrorRecovery {
		layers = append(layers, ErrorRecovery(RecoveryPolicy{
			MaxRetries:       cfg.MaxRetries,
			FailureThreshold: cfg.FailureThreshold,
			ResetTimeout:     cfg.ResetTimeout,
		}, deps.Clock, deps.Logger))
	}
	if cfg.EnableCapabilities {
		layers = append(layers, Capability(CapabilityPolicy{
			Limiter:   deps.Limiter,
			Validator: deps.Validator,
			Authorize: deps.Authorize,
		}, deps.Logger))
	}
	if cfg.EnableMetrics {
		registerer := deps.Registerer
		if registerer == nil {
			registerer = prometheus.NewRegistry()
		}
		metrics, err := NewMetrics(registerer, cfg.DeviceName)
		if err != nil {
			return nil, err
		}
		layers = append(layers, metrics.Middleware())
	}
	if cfg.EnableTracing {
		layers = append(layers, Tracing(deps.Tracer))
	}
	return layers, nil
}

// RecoveryPolicy configures ErrorRecovery.
type RecoveryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// InitialBackoff doubles after each retry up to MaxBackoff.
	// Defaults are 50ms and 2s.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// FailureThreshold consecutive retryable failures to one peer open
	// its breaker; zero disables breaking. An open breaker fails sends
	// immediately until ResetTimeout passes, then lets one probe send
	// through (half-open).
	FailureThreshold int
	ResetTimeout     time.Duration
}

type breakerState uint8

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

type breaker struct {
	state    breakerState
	failures int
	openedAt time.Time
}

// ErrorRecovery retries sends that fail with a retryable error
// (Timeout or Transport kind). Every other error is returned on the
// first attempt.
func ErrorRecovery(policy RecoveryPolicy, clk clock.Clock, logger *slog.Logger) Middleware {
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = 50 * time.Millisecond
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = 2 * time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return func(inner Network) Network {
		return &recoveryNetwork{
			Network:  inner,
			policy:   policy,
			clock:    clk,
			logger:   logger,
			breakers: make(map[ids.DeviceID]*breaker),
		}
	}
}

type recoveryNetwork struct {
	Network
	policy RecoveryPolicy
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[ids.DeviceID]*breaker
}

// admit reports whether a send to peer may proceed.
func (n *recoveryNetwork) admit(peer ids.DeviceID) bool {
	if n.policy.FailureThreshold <= 0 {
		return true
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	b := n.breakers[peer]
	if b == nil || b.state == breakerClosed {
		return true
	}
	if b.state == breakerOpen && n.clock.Now().Sub(b.openedAt) >= n.policy.ResetTimeout {
		b.state = breakerHalfOpen
		return true
	}
	return false
}

func (n *recoveryNetwork) recordSuccess(peer ids.DeviceID) {
	if n.policy.FailureThreshold <= 0 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.breakers, peer)
}

// recordFailure counts a retryable failure and reports whether the
// breaker is now open.
func (n *recoveryNetwork) recordFailure(peer ids.DeviceID) bool {
	if n.policy.FailureThreshold <= 0 {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	b := n.breakers[peer]
	if b == nil {
		b = &breaker{}
		n.breakers[peer] = b
	}
	b.failures++
	if b.state == breakerHalfOpen || b.failures >= n.policy.FailureThreshold {
		if b.state != breakerOpen {
			n.logger.Warn("opening circuit breaker", "peer", peer, "failures", b.failures)
		}
		b.state = breakerOpen
		b.openedAt = n.clock.Now()
		return true
	}
	return false
}

func (n *recoveryNetwork) Send(ctx context.Context, peer ids.DeviceID, payload []byte) error {
	if !n.admit(peer) {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, peer)
	}
	backoff := n.policy.InitialBackoff
	var lastError error
	for attempt := 0; attempt <= n.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return context.Cause(ctx)
			case <-n.clock.After(backoff):
			}
			backoff = min(backoff*2, n.policy.MaxBackoff)
		}

		err := n.Network.Send(ctx, peer, payload)
		if err == nil {
			n.recordSuccess(peer)
			return nil
		}
		lastError = err
		if !failure.IsRetryable(err) {
			return err
		}
		if n.recordFailure(peer) {
			return fmt.Errorf("%w: %s: %w", ErrCircuitOpen, peer, err)
		}
		n.logger.Debug("transient send failure, retrying",
			"peer", peer,
			"attempt", attempt+1,
			"error", err,
		)
	}
	return lastError
}

func (n *recoveryNetwork) Broadcast(ctx context.Context, peers []ids.DeviceID, payload []byte) error {
	return broadcast(ctx, n, peers, payload)
}

// Authorizer decides whether a message may be sent to peer.
type Authorizer func(ctx context.Context, peer ids.DeviceID, payload []byte) error

// SendOperation is the operation name sends are rate limited under.
const SendOperation = "network.send"

// CapabilityPolicy configures the Capability layer.
type CapabilityPolicy struct {
	Limiter   *ratelimit.Limiter
	Validator *validation.Validator
	Authorize Authorizer
}

// Capability checks every send against the validator, the rate
// limiter and the authorizer, in that order. Received messages that
// fail payload validation are dropped.
func Capability(policy CapabilityPolicy, logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return func(inner Network) Network {
		return &capabilityNetwork{Network: inner, policy: policy, logger: logger}
	}
}

type capabilityNetwork struct {
	Network
	policy CapabilityPolicy
	logger *slog.Logger
}

func (n *capabilityNetwork) Send(ctx context.Context, peer ids.DeviceID, payload []byte) error {
	if n.policy.Validator != nil {
		if err := n.policy.Validator.Payload(payload); err != nil {
			return err
		}
	}
	if n.policy.Limiter != nil {
		if err := n.policy.Limiter.Allow(ratelimit.Request{Device: peer, Operation: SendOperation}); err != nil {
			return err
		}
	}
	if n.policy.Authorize != nil {
		if err := n.policy.Authorize(ctx, peer, payload); err != nil {
			return err
		}
	}
	return n.Network.Send(ctx, peer, payload)
}

func (n *capabilityNetwork) Receive(ctx context.Context) (Envelope, error) {
	for {
		envelope, err := n.Network.Receive(ctx)
		if err != nil || n.policy.Validator == nil {
			return envelope, err
		}
		if err := n.policy.Validator.Payload(envelope.Payload); err != nil {
			n.logger.Warn("dropping invalid message", "peer", envelope.From, "error", err)
			continue
		}
		return envelope, nil
	}
}

func (n *capabilityNetwork) Broadcast(ctx context.Context, peers []ids.DeviceID, payload []byte) error {
	return broadcast(ctx, n, peers, payload)
}

// Metrics counts network traffic.
type Metrics struct {
	sent         prometheus.Counter
	received     prometheus.Counter
	bytesSent    prometheus.Counter
	failures     *prometheus.CounterVec
	sendDuration prometheus.Histogram
}

// NewMetrics registers the network collectors with registerer. device
// is attached as a constant label when non-empty.
func NewMetrics(registerer prometheus.Registerer, device string) (*Metrics, error) {
	labels := prometheus.Labels{}
	if device != "" {
		labels["device"] = device
	}
	m := &Metrics{
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aura", Subsystem: "network", Name: "messages_sent_total",
			Help: "Messages handed to the transport.", ConstLabels: labels,
		}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aura", Subsystem: "network", Name: "messages_received_total",
			Help: "Messages received from peers.", ConstLabels: labels,
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aura", Subsystem: "network", Name: "bytes_sent_total",
			Help: "Payload bytes handed to the transport.", ConstLabels: labels,
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aura", Subsystem: "network", Name: "send_failures_total",
			Help: "Failed sends by error kind.", ConstLabels: labels,
		}, []string{"kind"}),
		sendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aura", Subsystem: "network", Name: "send_duration_seconds",
			Help: "Time spent in Send, including retries.", ConstLabels: labels,
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
	}
	for _, collector := range []prometheus.Collector{m.sent, m.received, m.bytesSent, m.failures, m.sendDuration} {
		if err := registerer.Register(collector); err != nil {
			return nil, fmt.Errorf("registering network metrics: %w", err)
		}
	}
	return m, nil
}

// Middleware returns the metrics layer.
func (m *Metrics) Middleware() Middleware {
	return func(inner Network) Network {
		return &metricsNetwork{Network: inner, metrics: m}
	}
}

type metricsNetwork struct {
	Network
	metrics *Metrics
}

func (n *metricsNetwork) Send(ctx context.Context, peer ids.DeviceID, payload []byte) error {
	start := time.Now()
	err := n.Network.Send(ctx, peer, payload)
	n.metrics.sendDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		n.metrics.failures.WithLabelValues(failure.KindOf(err).String()).Inc()
		return err
	}
	n.metrics.sent.Inc()
	n.metrics.bytesSent.Add(float64(len(payload)))
	return nil
}

func (n *metricsNetwork) Receive(ctx context.Context) (Envelope, error) {
	envelope, err := n.Network.Receive(ctx)
	if err == nil {
		n.metrics.received.Inc()
	}
	return envelope, err
}

func (n *metricsNetwork) Broadcast(ctx context.Context, peers []ids.DeviceID, payload []byte) error {
	return broadcast(ctx, n, peers, payload)
}

// Tracing opens a span around every send and receive. A nil tracer
// uses the global provider.
func Tracing(tracer trace.Tracer) Middleware {
	if tracer == nil {
		tracer = otel.Tracer("github.com/hxrts/aura-sub026/effects")
	}
	return func(inner Network) Network {
		return &tracingNetwork{Network: inner, tracer: tracer}
	}
}

type tracingNetwork struct {
	Network
	tracer trace.Tracer
}

func (n *tracingNetwork) Send(ctx context.Context, peer ids.DeviceID, payload []byte) error {
	ctx, span := n.tracer.Start(ctx, "network.send", trace.WithAttributes(
		attribute.Stringer("aura.peer", peer),
		attribute.Int("aura.payload_bytes", len(payload)),
	))
	defer span.End()
	err := n.Network.Send(ctx, peer, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (n *tracingNetwork) Receive(ctx context.Context) (Envelope, error) {
	ctx, span := n.tracer.Start(ctx, "network.receive")
	defer span.End()
	envelope, err := n.Network.Receive(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return envelope, err
	}
	span.SetAttributes(
		attribute.Stringer("aura.peer", envelope.From),
		attribute.Int("aura.payload_bytes", len(envelope.Payload)),
	)
	return envelope, nil
}

func (n *tracingNetwork) Broadcast(ctx context.Context, peers []ids.DeviceID, payload []byte) error {
	ctx, span := n.tracer.Start(ctx, "network.broadcast", trace.WithAttributes(
		attribute.Int("aura.peers", len(peers)),
	))
	defer span.End()
	err := broadcast(ctx, n, peers, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
