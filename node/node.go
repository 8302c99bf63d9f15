// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/hxrts/aura-sub026/antientropy"
	"github.com/hxrts/aura-sub026/capability"
	"github.com/hxrts/aura-sub026/choreography"
	"github.com/hxrts/aura-sub026/consensus"
	"github.com/hxrts/aura-sub026/crdt"
	"github.com/hxrts/aura-sub026/effects"
	"github.com/hxrts/aura-sub026/guard"
	"github.com/hxrts/aura-sub026/intent"
	"github.com/hxrts/aura-sub026/ledger"
	"github.com/hxrts/aura-sub026/lib/clock"
	"github.com/hxrts/aura-sub026/lib/config"
	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/lib/ratelimit"
	"github.com/hxrts/aura-sub026/lib/sqlitepool"
	"github.com/hxrts/aura-sub026/lib/validation"
	"github.com/hxrts/aura-sub026/rendezvous"
	"github.com/hxrts/aura-sub026/session"
	"github.com/hxrts/aura-sub026/transport"
)

const (
	// DefaultTicketTTL is the lifetime of the presence ticket a node
	// issues itself at start.
	DefaultTicketTTL = 24 * time.Hour

	// DefaultInstigateInterval is how often a node checks its intent
	// pool for work when nothing wakes it earlier.
	DefaultInstigateInterval = time.Second

	// InstigateProtocol names the session a consensus step runs in.
	InstigateProtocol = "consensus.instigate"
)

// Options configure a Node.
type Options struct {
	Config     *config.Config
	Enrollment Enrollment
	Clock      clock.Clock
	Random     io.Reader
	Logger     *slog.Logger
	Registerer prometheus.Registerer
	Tracer     trace.Tracer

	// Network replaces the TCP transport, for example with an
	// effects.Hub endpoint. LAN discovery is off when it is set.
	Network effects.Network

	TicketTTL         time.Duration
	InstigateInterval time.Duration
}

// Node is one running device: its ledger and fact stores, the guard
// chain, consensus in both roles, anti-entropy, LAN discovery and the
// session coordinator, all over one multiplexed network.
type Node struct {
	config  *config.Config
	profile *Profile
	device  ids.DeviceID
	clock   clock.Clock
	random  io.Reader
	logger  *slog.Logger

	database *sqlitepool.Pool
	ledger   *ledger.Ledger
	registry *crdt.Registry
	intents  *intent.Pool
	caps     *capability.Store
	flow     *guard.FlowGuard
	chain    *guard.Chain

	transport *transport.TCPTransport
	mux       *effects.Mux

	witness     *consensus.LocalWitness
	endpoint    *consensus.Endpoint
	coordinator *consensus.Coordinator
	instigator  *consensus.Instigator

	syncer    *antientropy.Syncer
	scheduler *antientropy.Scheduler

	runtime  *session.Runtime
	sessions *session.Coordinator

	discovery     *rendezvous.Service
	pskCommitment ids.Hash32

	instigateInterval time.Duration
	kick              chan struct{}

	closeOnce sync.Once
}

// New assembles a node from its enrollment. Nothing runs until Run.
func New(ctx context.Context, options Options) (n *Node, err error) {
	cfg := options.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, failure.Wrap(failure.InvalidInput, err, "node: configuration")
	}
	enrollment := options.Enrollment
	profile := enrollment.Profile
	if profile == nil {
		return nil, ErrNotEnrolled
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	random := options.Random
	if random == nil {
		random = rand.Reader
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("device", profile.Device.String())
	registerer := options.Registerer
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	tracer := options.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/hxrts/aura-sub026/node")
	}

	n = &Node{
		config:            cfg,
		profile:           profile,
		device:            profile.Device,
		clock:             clk,
		random:            random,
		logger:            logger,
		instigateInterval: options.InstigateInterval,
		kick:              make(chan struct{}, 1),
	}
	if n.instigateInterval <= 0 {
		n.instigateInterval = DefaultInstigateInterval
	}
	defer func() {
		if err != nil {
			n.Close()
		}
	}()

	if err := n.openStores(ctx); err != nil {
		return nil, err
	}
	if err := n.buildGuards(registerer); err != nil {
		return nil, err
	}

	base := options.Network
	if base == nil {
		ttl := options.TicketTTL
		if ttl <= 0 {
			ttl = DefaultTicketTTL
		}
		if base, err = n.openTransport(enrollment.Private, ttl); err != nil {
			return nil, err
		}
	}
	layers, err := n.middleware(registerer, tracer)
	if err != nil {
		return nil, err
	}
	n.mux = effects.NewMux(effects.Stack(base, layers...), logger)

	params := profile.Params()
	n.witness = consensus.NewLocalWitness(consensus.WitnessConfig{
		Device: n.device,
		Key:    enrollment.Share,
		Ledger: n.ledger,
		Params: params,
		Random: random,
		Clock:  clk,
		Chain:  n.chain,
		Pool:   n.intents,
		Logger: logger,
	})
	n.endpoint = consensus.NewEndpoint(n.mux.Channel(consensus.ChannelTag, 0), n.witness, logger)
	witnesses := []consensus.Witness{n.witness}
	for _, peer := range profile.Peers() {
		witnesses = append(witnesses, n.endpoint.Remote(peer.Device))
	}
	n.coordinator = consensus.NewCoordinator(consensus.CoordinatorConfig{
		Self:      n.device,
		Witnesses: witnesses,
		Ledger:    n.ledger,
		Timeouts:  choreography.NewTimeoutManager(cfg.Timeouts, clk),
		Detector:  choreography.NewByzantineDetector(logger),
		Tracer:    tracer,
		Logger:    logger,
	})
	n.instigator = consensus.NewInstigator(consensus.InstigatorConfig{
		Coordinator: n.coordinator,
		Ledger:      n.ledger,
		Pool:        n.intents,
		Params:      params,
		Logger:      logger,
	})

	if err := n.buildSync(registerer); err != nil {
		return nil, err
	}

	n.runtime = session.NewRuntime(clk, 0, logger)
	n.sessions = session.NewCoordinator(n.device, n.runtime, clk, logger)
	if err := n.initializeSession(); err != nil {
		return nil, err
	}

	if options.Network == nil && cfg.LanDiscovery.Enabled {
		if err := n.openDiscovery(ctx, registerer); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (n *Node) openStores(ctx context.Context) error {
	var store ledger.Store = ledger.NewMemoryStore()
	var facts crdt.Store
	if path := n.config.Storage.Database; path != "" {
		pool, err := sqlitepool.Open(ctx, sqlitepool.Config{
			Path:       path,
			Migrations: slices.Concat(ledger.Migrations, crdt.Migrations),
			Logger:     n.logger,
		})
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		n.database = pool
		store = ledger.NewSQLiteStore(pool)
		facts = crdt.NewSQLiteStore(pool)
	}

	genesis, err := n.profile.GenesisState()
	if err != nil {
		return fmt.Errorf("decoding genesis: %w", err)
	}
	if n.ledger, err = ledger.Open(ctx, genesis, store, n.logger); err != nil {
		return err
	}

	n.registry = crdt.NewRegistry(facts, n.logger)
	if err := n.registry.Register(consensus.CommitFactType()); err != nil {
		return err
	}
	if facts != nil {
		if err := n.registry.Load(ctx); err != nil {
			return fmt.Errorf("loading facts: %w", err)
		}
	}

	n.intents = intent.NewPool(n.device, n.profile.Context)
	if fact, ok := n.registry.Get(crdt.Key{TypeID: intent.SetTypeID, Context: n.profile.Context}); ok {
		if set, ok := fact.(intent.SetFact); ok {
			if err := n.intents.Merge(set); err != nil {
				return fmt.Errorf("restoring intent pool: %w", err)
			}
		}
	}
	return nil
}

func (n *Node) buildGuards(registerer prometheus.Registerer) error {
	n.caps = capability.NewStore(capability.StaticKeys{Account: ed25519.PublicKey(n.profile.AccountKey)})
	tokens, err := n.profile.RootTokens()
	if err != nil {
		return err
	}
	now := clock.NowMs(n.clock)
	for _, token := range tokens {
		if _, err := n.caps.Add(token, now); err != nil {
			return fmt.Errorf("adding root token for %s: %w", token.Subject, err)
		}
	}
	metrics, err := guard.NewMetrics(registerer)
	if err != nil {
		return err
	}
	n.flow = guard.NewFlowGuard(n.caps, n.clock, guard.BudgetFromConfig(n.config.FlowBudget))
	n.chain = &guard.Chain{
		Cap:  guard.NewCapGuard(n.caps, n.clock),
		Flow: n.flow,
		Journal: guard.NewJournalCoupler(
			&guard.RegistryJournal{Registry: n.registry, Caps: n.caps, Clock: n.clock},
			guard.Pessimistic, guard.DefaultMaxRetries, n.clock, n.logger),
		Metrics: metrics,
		Logger:  n.logger,
	}
	return nil
}

func (n *Node) openTransport(private ed25519.PrivateKey, ttl time.Duration) (effects.Network, error) {
	self := n.profile.Self()
	ticket, err := transport.IssueTicket(private, n.device, ed25519.PublicKey(self.PublicKey),
		uint64(n.ledger.State().Epoch()), clock.NowMs(n.clock), ttl)
	if err != nil {
		return nil, err
	}
	tcp, err := transport.ListenTCP(transport.TCPConfig{
		ListenAddr:  n.config.Transport.ListenAddr,
		Identity:    transport.Identity{Device: n.device, PrivateKey: private, Ticket: ticket},
		Verifier:    transport.NewTicketVerifier(n.profile.Issuers()...),
		Clock:       n.clock,
		Random:      n.random,
		Logger:      n.logger,
		DialTimeout: n.config.Transport.DialTimeout,
	})
	if err != nil {
		return nil, err
	}
	n.transport = tcp
	for _, peer := range n.profile.Peers() {
		if peer.Address != "" {
			tcp.SetAddress(peer.Device, peer.Address)
		}
	}
	return tcp, nil
}

func (n *Node) middleware(registerer prometheus.Registerer, tracer trace.Tracer) ([]effects.Middleware, error) {
	deps := effects.MiddlewareDeps{
		Clock:      n.clock,
		Logger:     n.logger,
		Authorize:  n.authorizePeer,
		Registerer: registerer,
		Tracer:     tracer,
	}
	var err error
	if n.config.RateLimiting.Enable {
		if deps.Limiter, err = ratelimit.New(n.config.RateLimiting, n.clock); err != nil {
			return nil, err
		}
	}
	if n.config.Validation.Enable {
		if deps.Validator, err = validation.New(n.config.Validation, n.clock); err != nil {
			return nil, err
		}
	}
	middleware := n.config.Middleware
	if middleware.DeviceName == "" {
		middleware.DeviceName = n.profile.Self().Name
	}
	return effects.Configured(middleware, deps)
}

// authorizePeer admits sends to account members only.
func (n *Node) authorizePeer(_ context.Context, peer ids.DeviceID, _ []byte) error {
	if _, ok := n.profile.Member(peer); !ok {
		return failure.Errorf(failure.AuthorizationDenied, "node: %s is not a member of the account", peer)
	}
	return nil
}

func (n *Node) buildSync(registerer prometheus.Registerer) error {
	metrics, err := antientropy.NewMetrics(registerer)
	if err != nil {
		return err
	}
	n.syncer, err = antientropy.NewSyncer(antientropy.Config{
		Self:          n.device,
		Context:       n.profile.Context,
		Ledger:        n.ledger,
		Registry:      n.registry,
		Pool:          n.intents,
		Network:       n.mux.Channel(antientropy.ChannelTag, 0),
		Chain:         n.chain,
		MaxOpsPerSync: n.config.AntiEntropy.MaxOpsPerSync,
		Bloom:         n.config.AntiEntropy.Bloom,
		Metrics:       metrics,
		Logger:        n.logger,
	})
	if err != nil {
		return err
	}
	n.scheduler = antientropy.NewScheduler(n.syncer, n.clock, n.config.SyncInterval(), n.logger)
	for _, peer := range n.profile.Peers() {
		if peer.Address != "" || n.transport == nil {
			n.scheduler.AddPeer(peer.Device)
		}
	}
	for _, participant := range n.config.AntiEntropy.Participants {
		device, err := ids.ParseDeviceID(participant)
		if err != nil {
			return failure.Wrap(failure.InvalidInput, err, "anti_entropy.participants")
		}
		if _, ok := n.profile.Member(device); !ok {
			return failure.Errorf(failure.InvalidInput, "anti_entropy.participants: %s is not a member of the account", device)
		}
		if device != n.device {
			n.scheduler.AddPeer(device)
		}
	}
	return nil
}

func (n *Node) initializeSession() error {
	witness, err := session.VerifyInit(n.device, n.ledger.Genesis().Commitment(), clock.NowMs(n.clock))
	if err != nil {
		return err
	}
	return n.sessions.Initialize(witness)
}

// Run starts every component and blocks until ctx is done or one of
// them fails. A node runs once.
func (n *Node) Run(ctx context.Context) error {
	applied := make(chan ledger.Applied, 64)
	n.ledger.Subscribe(applied)

	tasks := map[string]func(context.Context) error{
		"mux":         n.mux.Run,
		"consensus":   n.endpoint.Run,
		"antientropy": n.syncer.Run,
		"scheduler":   n.scheduler.Run,
		"sessions":    n.runtime.Run,
		"instigator":  n.instigateLoop,
		"ledger":      func(ctx context.Context) error { return n.watchLedger(ctx, applied) },
	}
	if n.transport != nil {
		tasks["transport"] = n.transport.Serve
	}
	if n.discovery != nil {
		tasks["discovery"] = func(ctx context.Context) error { return n.discovery.Run(ctx, n.discovered) }
		tasks["descriptor"] = n.descriptorLoop
	}

	n.logger.Info("node starting",
		"authority", n.profile.Authority.Short(),
		"members", len(n.profile.Members),
		"threshold", n.profile.Threshold,
		"commitment", n.ledger.Commitment().Short(),
	)
	return runTasks(ctx, n.logger, tasks, n.Close)
}

// runTasks runs every task until ctx is done or one fails, then calls
// stop so tasks blocked on the network return.
func runTasks(ctx context.Context, logger *slog.Logger, tasks map[string]func(context.Context) error, stop func() error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for name, task := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := task(ctx)
			if err != nil && ctx.Err() == nil {
				logger.Error("node component failed", "component", name, "error", err)
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("%s: %w", name, err)
				}
				mu.Unlock()
			}
			cancel()
		}()
	}
	<-ctx.Done()
	if err := stop(); err != nil {
		logger.Debug("closing node", "error", err)
	}
	wg.Wait()
	return firstErr
}

func (n *Node) watchLedger(ctx context.Context, applied <-chan ledger.Applied) error {
	epoch := n.ledger.State().Epoch()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-applied:
			n.logger.Info("op applied",
				"index", event.Index,
				"kind", event.Op.Op.Op.Kind,
				"commitment", event.Commitment.Short(),
			)
			if current := n.ledger.State().Epoch(); current != epoch {
				epoch = current
				n.flow.ResetEpoch()
				n.logger.Info("epoch rotated, flow budgets reset", "epoch", epoch)
			}
			n.wake()
		}
	}
}

func (n *Node) wake() {
	select {
	case n.kick <- struct{}{}:
	default:
	}
}

func (n *Node) instigateLoop(ctx context.Context) error {
	ticker := n.clock.NewTicker(n.instigateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-n.kick:
		}
		if n.intents.Len() == 0 {
			continue
		}
		if err := n.Instigate(ctx); err != nil && ctx.Err() == nil {
			n.logger.Warn("instigation failed", "error", err)
		}
	}
}

type stepResult struct {
	Committed  int    `json:"committed"`
	Commitment string `json:"commitment"`
}

// Instigate runs one consensus step inside a coordination session. A
// failed step leaves the session Failed; recovery is attempted at once
// and the session re-initialized if it succeeds.
func (n *Node) Instigate(ctx context.Context) error {
	params := n.profile.Params()
	err := n.sessions.Run(ctx, InstigateProtocol, session.Params{Participants: params.Witnesses},
		func(ctx context.Context) (any, error) {
			if _, err := n.sessions.Spawn(params.Witnesses); err != nil {
				return nil, err
			}
			facts, err := n.instigator.Step(ctx)
			if err != nil {
				return nil, err
			}
			return stepResult{Committed: len(facts), Commitment: n.ledger.Commitment().String()}, nil
		})
	if err == nil {
		return nil
	}
	if n.sessions.State() == session.StateFailed {
		if recoverErr := n.sessions.AttemptRecovery(ctx); recoverErr != nil {
			return errors.Join(err, recoverErr)
		}
		if initErr := n.initializeSession(); initErr != nil {
			return errors.Join(err, initErr)
		}
	}
	return err
}

// SyncWith runs one anti-entropy round with peer now, outside the
// schedule.
func (n *Node) SyncWith(ctx context.Context, peer ids.DeviceID) (antientropy.Result, error) {
	if _, ok := n.profile.Member(peer); !ok {
		return antientropy.Result{}, failure.Errorf(failure.InvalidInput, "node: %s is not a member of the account", peer)
	}
	return n.syncer.SyncWith(ctx, peer)
}

// Close stops the network, discovery and the stores. It is safe to
// call more than once.
func (n *Node) Close() error {
	var errs []error
	n.closeOnce.Do(func() {
		if n.discovery != nil {
			errs = append(errs, n.discovery.Close())
		}
		if n.mux != nil {
			if err := n.mux.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
				errs = append(errs, err)
			}
		} else if n.transport != nil {
			errs = append(errs, n.transport.Close())
		}
		if n.runtime != nil {
			n.runtime.Close()
		}
		if n.ledger != nil {
			errs = append(errs, n.ledger.Close())
		}
		if n.database != nil {
			errs = append(errs, n.database.Close())
		}
	})
	return errors.Join(errs...)
}
