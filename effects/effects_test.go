// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package effects

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/hxrts/aura-sub026/lib/clock"
	"github.com/hxrts/aura-sub026/lib/config"
	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/lib/ratelimit"
	"github.com/hxrts/aura-sub026/lib/signing"
	"github.com/hxrts/aura-sub026/lib/sqlitepool"
	"github.com/hxrts/aura-sub026/lib/testutil"
	"github.com/hxrts/aura-sub026/lib/validation"
)

func TestBuildRequiresDevice(t *testing.T) {
	if _, err := NewBuilder(ids.DeviceID{}).Build(); !errors.Is(err, ErrMissingDevice) {
		t.Fatalf("Build with zero device = %v, want ErrMissingDevice", err)
	}
	if _, err := NewBuilder(testutil.Device("a")).Production().Build(); !errors.Is(err, ErrMissingNetwork) {
		t.Fatalf("production Build without network = %v, want ErrMissingNetwork", err)
	}
	if _, err := NewBuilder(testutil.Device("a")).Custom().Build(); !errors.Is(err, ErrMissingFamilies) {
		t.Fatalf("custom Build without families = %v, want ErrMissingFamilies", err)
	}
}

// simulate runs a fixed script of effect calls between two simulated
// devices and returns the first device's trace digest.
func simulate(t *testing.T, seed uint64) ids.Hash32 {
	t.Helper()
	ctx := context.Background()
	hub := NewHub()
	alice, err := NewBuilder(testutil.Device("alice")).Simulation(seed).WithHub(hub).Build()
	if err != nil {
		t.Fatalf("Build alice: %v", err)
	}
	bob, err := NewBuilder(testutil.Device("bob")).Simulation(seed + 1).WithHub(hub).Build()
	if err != nil {
		t.Fatalf("Build bob: %v", err)
	}

	nonce := make([]byte, 16)
	if _, err := alice.Random.Read(nonce); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := alice.Storage.Store(ctx, "nonce", nonce); err != nil {
		t.Fatalf("Store: %v", err)
	}
	alice.Crypto.Sign(signing.TreeOpDomain, nonce)
	alice.Time.OrderTime()
	if err := bob.Network.Send(ctx, alice.Device, []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := alice.Network.Receive(ctx); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	alice.Time.NowMs()
	return alice.Trace.Digest()
}

func TestSimulationTraceIsDeterministic(t *testing.T) {
	first := simulate(t, 7)
	second := simulate(t, 7)
	if first != second {
		t.Fatalf("same seed produced different traces: %s vs %s", first, second)
	}
	if other := simulate(t, 8); other == first {
		t.Fatal("different seeds produced identical traces")
	}
}

func TestTestingModeDefaults(t *testing.T) {
	sys, err := NewBuilder(testutil.Device("a")).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if sys.Mode != Testing {
		t.Errorf("mode = %v, want testing", sys.Mode)
	}
	if sys.Trace != nil {
		t.Error("testing mode should not record a trace")
	}
	fake, ok := sys.Time.Clock().(*clock.FakeClock)
	if !ok {
		t.Fatalf("testing clock is %T, want *clock.FakeClock", sys.Time.Clock())
	}
	fake.Advance(1500 * time.Millisecond)
	if got, want := sys.Time.NowMs(), uint64(SimulationEpoch.UnixMilli())+1500; got != want {
		t.Errorf("NowMs = %d, want %d", got, want)
	}

	payload := []byte("payload")
	signature := sys.Crypto.Sign(signing.CommitDomain, payload)
	if err := sys.Crypto.Verify(sys.Crypto.PublicKey(), signing.CommitDomain, payload, signature); err != nil {
		t.Errorf("Verify own signature: %v", err)
	}
}

func TestHubDeliveryAndPartition(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	a, b := testutil.Device("a"), testutil.Device("b")
	netA, netB := hub.Endpoint(a), hub.Endpoint(b)

	if err := netA.Send(ctx, b, []byte("one")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	envelope, err := netB.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if envelope.From != a || string(envelope.Payload) != "one" {
		t.Errorf("envelope = %+v", envelope)
	}

	hub.Partition(a, b)
	if err := netA.Send(ctx, b, []byte("two")); !errors.Is(err, ErrPartitioned) {
		t.Errorf("send across partition = %v, want ErrPartitioned", err)
	}
	if !failure.IsRetryable(ErrPartitioned) {
		t.Error("partition errors must be retryable")
	}
	hub.Heal()
	if err := netA.Send(ctx, b, []byte("three")); err != nil {
		t.Errorf("send after heal: %v", err)
	}

	if err := netA.Send(ctx, testutil.Device("nobody"), nil); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("send to unknown peer = %v", err)
	}

	receiveCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	netB.Receive(receiveCtx) // drains "three"
	if _, err := netB.Receive(receiveCtx); err == nil {
		t.Error("Receive on an empty inbox should fail when the context ends")
	}
}

func TestHubInboxIsBounded(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	hub.inboxSize = 2
	a, b := testutil.Device("a"), testutil.Device("b")
	netA := hub.Endpoint(a)
	hub.Endpoint(b)
	for i := 0; i < 2; i++ {
		if err := netA.Send(ctx, b, []byte{byte(i)}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	if err := netA.Send(ctx, b, []byte{2}); !errors.Is(err, ErrInboxFull) {
		t.Fatalf("third send = %v, want ErrInboxFull", err)
	}
}

// scriptedNetwork fails the first failures sends with err.
type scriptedNetwork struct {
	Network
	failures int
	err      error
	calls    atomic.Int32
}

func (n *scriptedNetwork) Send(context.Context, ids.DeviceID, []byte) error {
	call := int(n.calls.Add(1))
	if call <= n.failures {
		return n.err
	}
	return nil
}

func TestErrorRecoveryRetriesTransientFailures(t *testing.T) {
	fake := clock.Fake(SimulationEpoch)
	inner := &scriptedNetwork{failures: 2, err: ErrInboxFull}
	network := ErrorRecovery(RecoveryPolicy{MaxRetries: 3, InitialBackoff: time.Second}, fake, nil)(inner)

	result := make(chan error, 1)
	go func() { result <- network.Send(context.Background(), testutil.Device("b"), []byte("x")) }()

	for i := 0; i < 2; i++ {
		fake.WaitForTimers(1)
		fake.Advance(time.Duration(1<<i) * time.Second)
	}
	if err := testutil.RequireReceive(t, result, 5*time.Second); err != nil {
		t.Fatalf("Send after transient failures: %v", err)
	}
	if got := inner.calls.Load(); got != 3 {
		t.Errorf("inner sends = %d, want 3", got)
	}
}

func TestErrorRecoveryNeverRetriesProtocolViolations(t *testing.T) {
	violation := failure.New(failure.ProtocolViolation, "bad share")
	inner := &scriptedNetwork{failures: 10, err: violation}
	network := ErrorRecovery(RecoveryPolicy{MaxRetries: 5}, clock.Fake(SimulationEpoch), nil)(inner)

	if err := network.Send(context.Background(), testutil.Device("b"), nil); !errors.Is(err, violation) {
		t.Fatalf("Send = %v, want the violation", err)
	}
	if got := inner.calls.Load(); got != 1 {
		t.Errorf("inner sends = %d, want exactly 1", got)
	}
}

func TestCircuitBreakerOpensAndHalfOpens(t *testing.T) {
	fake := clock.Fake(SimulationEpoch)
	inner := &scriptedNetwork{failures: 2, err: ErrInboxFull}
	network := ErrorRecovery(RecoveryPolicy{
		MaxRetries:       0,
		FailureThreshold: 2,
		ResetTimeout:     30 * time.Second,
	}, fake, nil)(inner)
	ctx := context.Background()
	peer := testutil.Device("b")

	if err := network.Send(ctx, peer, nil); !errors.Is(err, ErrInboxFull) {
		t.Fatalf("first send = %v", err)
	}
	if err := network.Send(ctx, peer, nil); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second send = %v, want the breaker to open", err)
	}
	if err := network.Send(ctx, peer, nil); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("send while open = %v", err)
	}
	if got := inner.calls.Load(); got != 2 {
		t.Fatalf("open breaker let a send through: %d inner calls", got)
	}

	fake.Advance(30 * time.Second)
	if err := network.Send(ctx, peer, nil); err != nil {
		t.Fatalf("half-open probe: %v", err)
	}
	if err := network.Send(ctx, peer, nil); err != nil {
		t.Fatalf("send after the breaker closed: %v", err)
	}
}

func TestCapabilityLayer(t *testing.T) {
	validator, err := validation.New(config.ValidationConfig{Enable: true, MaxPayloadLength: 4, MaxUsedNonces: 8}, nil)
	if err != nil {
		t.Fatalf("validation.New: %v", err)
	}
	fake := clock.Fake(SimulationEpoch)
	limiter, err := ratelimit.New(config.RateLimitingConfig{
		Enable:           true,
		DefaultRateLimit: config.RateLimit{RequestsPerSecond: 1, BurstCapacity: 1},
		Scope:            config.ScopePerDevice,
	}, fake)
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}
	denied := failure.New(failure.AuthorizationDenied, "no capability")
	blocked := testutil.Device("blocked")

	hub := NewHub()
	local := testutil.Device("local")
	peer := testutil.Device("peer")
	hub.Endpoint(peer)
	hub.Endpoint(blocked)
	network := Capability(CapabilityPolicy{
		Limiter:   limiter,
		Validator: validator,
		Authorize: func(_ context.Context, target ids.DeviceID, _ []byte) error {
			if target == blocked {
				return denied
			}
			return nil
		},
	}, nil)(hub.Endpoint(local))
	ctx := context.Background()

	if err := network.Send(ctx, peer, []byte("too long")); !errors.Is(err, validation.ErrPayloadTooLarge) {
		t.Errorf("oversize send = %v", err)
	}
	if err := network.Send(ctx, peer, []byte("ok")); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := network.Send(ctx, peer, []byte("ok")); !errors.Is(err, ratelimit.ErrRateLimited) {
		t.Errorf("burst exceeded = %v, want ErrRateLimited", err)
	}
	if err := network.Send(ctx, blocked, []byte("ok")); !errors.Is(err, denied) {
		t.Errorf("unauthorized send = %v", err)
	}
}

func TestMetricsAndTracingPassThrough(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics, err := NewMetrics(registry, "test-device")
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	hub := NewHub()
	local, peer := testutil.Device("local"), testutil.Device("peer")
	peerNetwork := hub.Endpoint(peer)
	network := Stack(hub.Endpoint(local),
		metrics.Middleware(),
		Tracing(noop.NewTracerProvider().Tracer("test")),
	)
	ctx := context.Background()

	if err := network.Broadcast(ctx, []ids.DeviceID{peer, testutil.Device("missing")}, []byte("abc")); err == nil {
		t.Error("broadcast to a missing peer should report the failure")
	}
	if _, err := peerNetwork.Receive(ctx); err != nil {
		t.Fatalf("peer did not receive the broadcast: %v", err)
	}
	if got := promtestutil.ToFloat64(metrics.sent); got != 1 {
		t.Errorf("messages_sent_total = %v, want 1", got)
	}
	if got := promtestutil.ToFloat64(metrics.bytesSent); got != 3 {
		t.Errorf("bytes_sent_total = %v, want 3", got)
	}
	if got := promtestutil.ToFloat64(metrics.failures.WithLabelValues(failure.Transport.String())); got != 1 {
		t.Errorf("transport failures = %v, want 1", got)
	}
}

func TestConfiguredStackOrder(t *testing.T) {
	layers, err := Configured(config.ChoreographyMiddlewareConfig{
		EnableTracing:       true,
		EnableMetrics:       true,
		EnableCapabilities:  true,
		EnableErrorRecovery: true,
		MaxRetries:          2,
	}, MiddlewareDeps{Clock: clock.Fake(SimulationEpoch), Registerer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("Configured: %v", err)
	}
	if len(layers) != 4 {
		t.Fatalf("got %d layers, want 4", len(layers))
	}
	network := Stack(NewHub().Endpoint(testutil.Device("a")), layers...)
	if _, ok := network.(*tracingNetwork); !ok {
		t.Errorf("outermost layer is %T, want tracing", network)
	}
}

func testStorage(t *testing.T, storage Storage) {
	t.Helper()
	ctx := context.Background()
	for _, key := range []string{"ops/2", "ops/1", "facts/1"} {
		if err := storage.Store(ctx, key, []byte(key)); err != nil {
			t.Fatalf("Store(%s): %v", key, err)
		}
	}
	value, found, err := storage.Retrieve(ctx, "ops/1")
	if err != nil || !found || string(value) != "ops/1" {
		t.Fatalf("Retrieve(ops/1) = %q, %v, %v", value, found, err)
	}
	if _, found, err := storage.Retrieve(ctx, "missing"); err != nil || found {
		t.Fatalf("Retrieve(missing) found=%v err=%v", found, err)
	}
	keys, err := storage.List(ctx, "ops/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 || keys[0] != "ops/1" || keys[1] != "ops/2" {
		t.Errorf("List(ops/) = %v", keys)
	}
	if err := storage.Store(ctx, "ops/1", []byte("replaced")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	value, _, _ = storage.Retrieve(ctx, "ops/1")
	if string(value) != "replaced" {
		t.Errorf("after overwrite = %q", value)
	}
	removed, err := storage.Remove(ctx, "ops/1")
	if err != nil || !removed {
		t.Errorf("Remove = %v, %v", removed, err)
	}
	removed, _ = storage.Remove(ctx, "ops/1")
	if removed {
		t.Error("second Remove reported a removal")
	}
}

func TestMemoryStorage(t *testing.T) {
	testStorage(t, NewMemoryStorage())
}

func TestSQLiteStorage(t *testing.T) {
	pool, err := sqlitepool.Open(context.Background(), sqlitepool.Config{
		Path:       filepath.Join(t.TempDir(), "kv.db"),
		Migrations: StorageMigrations,
	})
	if err != nil {
		t.Fatalf("sqlitepool.Open: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	testStorage(t, NewSQLiteStorage(pool))
}

func TestMuxRoutesByTag(t *testing.T) {
	hub := NewHub()
	alice, bob := testutil.Device("alice"), testutil.Device("bob")
	sender := NewMux(hub.Endpoint(alice), nil)
	receiver := NewMux(hub.Endpoint(bob), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consensusOut := sender.Channel(1, 0)
	syncOut := sender.Channel(2, 0)
	consensusIn := receiver.Channel(1, 4)
	syncIn := receiver.Channel(2, 4)
	if receiver.Channel(1, 8) != consensusIn {
		t.Fatal("Channel created a second network for an existing tag")
	}
	done := make(chan error, 1)
	go func() { done <- receiver.Run(ctx) }()

	if err := syncOut.Send(ctx, bob, []byte("digest")); err != nil {
		t.Fatal(err)
	}
	if err := consensusOut.Send(ctx, bob, []byte("prepare")); err != nil {
		t.Fatal(err)
	}
	if err := hub.Endpoint(alice).Send(ctx, bob, []byte{9, 'x'}); err != nil {
		t.Fatal(err)
	}

	receiveCtx, stop := context.WithTimeout(ctx, time.Second)
	defer stop()
	got, err := consensusIn.Receive(receiveCtx)
	if err != nil || string(got.Payload) != "prepare" || got.From != alice {
		t.Fatalf("consensus channel received %+v, %v", got, err)
	}
	got, err = syncIn.Receive(receiveCtx)
	if err != nil || string(got.Payload) != "digest" {
		t.Fatalf("sync channel received %+v, %v", got, err)
	}

	cancel()
	if err := testutil.RequireReceive(t, done, time.Second, "mux did not stop"); err != nil {
		t.Errorf("Run returned %v after cancellation", err)
	}
	if _, err := syncIn.Receive(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Receive after Run stopped = %v, want ErrClosed", err)
	}
}

func TestRPCCallAndErrorKinds(t *testing.T) {
	hub := NewHub()
	alice, bob := testutil.Device("alice"), testutil.Device("bob")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	caller := NewRPC(hub.Endpoint(alice), nil, nil)
	server := NewRPC(hub.Endpoint(bob), func(_ context.Context, from ids.DeviceID, request []byte) ([]byte, error) {
		if string(request) == "deny" {
			return nil, failure.New(failure.AuthorizationDenied, "no capability")
		}
		return append([]byte(from.String()+":"), request...), nil
	}, nil)
	go caller.Run(ctx)
	go server.Run(ctx)

	callCtx, stop := context.WithTimeout(ctx, time.Second)
	defer stop()
	got, err := caller.Call(callCtx, bob, []byte("ping"))
	if err != nil || string(got) != alice.String()+":ping" {
		t.Fatalf("Call = %q, %v", got, err)
	}
	_, err = caller.Call(callCtx, bob, []byte("deny"))
	if failure.KindOf(err) != failure.AuthorizationDenied {
		t.Errorf("denied call kind = %v (%v)", failure.KindOf(err), err)
	}
	_, err = server.Call(callCtx, alice, []byte("ping"))
	if failure.KindOf(err) != failure.InvalidInput {
		t.Errorf("call to a device without a handler: %v", err)
	}
}
