// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"
	"fmt"
	"slices"

	"github.com/hxrts/aura-sub026/consensus"
	"github.com/hxrts/aura-sub026/crdt"
	"github.com/hxrts/aura-sub026/guard"
	"github.com/hxrts/aura-sub026/intent"
	"github.com/hxrts/aura-sub026/ledger"
	"github.com/hxrts/aura-sub026/lib/clock"
	"github.com/hxrts/aura-sub026/lib/config"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/lib/sqlitepool"
	"github.com/hxrts/aura-sub026/transport"
	"github.com/hxrts/aura-sub026/tree"
)

// Propose enqueues a tree mutation for the account to agree on. The
// intent is journaled through the guard chain and spreads to the other
// members by anti-entropy; the next instigation step picks it up.
func (n *Node) Propose(ctx context.Context, kind tree.TreeOpKind, priority uint64) (ids.IntentID, error) {
	proposal, err := intent.New(ids.NewIntentID(), n.ledger.State(), kind, priority, n.device, clock.NowMs(n.clock))
	if err != nil {
		return ids.IntentID{}, err
	}
	_, err = n.chain.Run(ctx, guard.Step{
		Name:        "intent.propose",
		Caller:      n.device,
		Required:    consensus.ProposeCapability,
		Context:     n.profile.Context,
		OperationID: proposal.ID.String(),
	}, func(ctx context.Context, tx *guard.Tx) error {
		if !n.intents.Enqueue(proposal) {
			return fmt.Errorf("intent %s already pooled", proposal.ID)
		}
		return tx.AddFacts(n.intents.State())
	})
	if err != nil {
		n.intents.Tombstone(proposal.ID)
		return ids.IntentID{}, err
	}
	n.logger.Info("intent proposed", "intent", proposal.ID, "kind", kind.Kind, "priority", priority)
	n.wake()
	return proposal.ID, nil
}

// Ledger is the node's commitment tree log.
func (n *Node) Ledger() *ledger.Ledger { return n.ledger }

// Profile is the node's enrollment profile.
func (n *Node) Profile() *Profile { return n.profile }

// Address is the transport's bound address, empty when the node runs
// over an injected network.
func (n *Node) Address() string {
	if n.transport == nil {
		return ""
	}
	return n.transport.Address()
}

// Status is a point-in-time summary of a device.
type Status struct {
	Name           string   `json:"name"`
	Device         string   `json:"device"`
	Authority      string   `json:"authority"`
	Context        string   `json:"context"`
	Threshold      uint16   `json:"threshold"`
	Members        []string `json:"members"`
	Commitment     string   `json:"commitment"`
	Epoch          uint64   `json:"epoch"`
	Operations     int      `json:"operations"`
	PendingIntents int      `json:"pending_intents"`
	Facts          int      `json:"facts"`

	// The fields below are only known to a running node.
	Running         bool     `json:"running"`
	Address         string   `json:"address,omitempty"`
	Session         string   `json:"session,omitempty"`
	SessionFailures int      `json:"session_failures,omitempty"`
	LastFailure     string   `json:"last_failure,omitempty"`
	Connected       []string `json:"connected,omitempty"`
	SyncPeers       []string `json:"sync_peers,omitempty"`
	Discovered      int      `json:"discovered,omitempty"`
}

func baseStatus(profile *Profile, book *ledger.Ledger, registry *crdt.Registry, pending int) Status {
	self := profile.Self()
	status := Status{
		Name:           self.Name,
		Device:         profile.Device.String(),
		Authority:      profile.Authority.String(),
		Context:        profile.Context.String(),
		Threshold:      profile.Threshold,
		Commitment:     book.Commitment().String(),
		Epoch:          uint64(book.Epoch()),
		Operations:     book.Len(),
		PendingIntents: pending,
		Facts:          registry.Len(),
	}
	for _, member := range profile.Members {
		status.Members = append(status.Members, member.Name)
	}
	return status
}

// Status summarizes the running node.
func (n *Node) Status() Status {
	status := baseStatus(n.profile, n.ledger, n.registry, n.intents.Len())
	status.Running = true
	status.Address = n.Address()
	snapshot := n.sessions.Snapshot()
	status.Session = snapshot.State.String()
	status.SessionFailures = snapshot.Failures
	status.LastFailure = snapshot.LastFailure
	names := make(map[ids.DeviceID]string, len(n.profile.Members))
	for _, member := range n.profile.Members {
		names[member.Device] = member.Name
	}
	if n.transport != nil {
		for _, connection := range n.transport.Connections() {
			if connection.State == transport.Connected {
				status.Connected = append(status.Connected, names[connection.Peer])
			}
		}
	}
	for _, peer := range n.scheduler.Peers() {
		status.SyncPeers = append(status.SyncPeers, names[peer])
	}
	slices.Sort(status.Connected)
	slices.Sort(status.SyncPeers)
	if n.discovery != nil {
		status.Discovered = len(n.discovery.Peers())
	}
	return status
}

// Inspect reads a stopped device's stores and summarizes them. With no
// database configured the summary is of the genesis state.
func Inspect(ctx context.Context, cfg *config.Config, profile *Profile) (Status, error) {
	genesis, err := profile.GenesisState()
	if err != nil {
		return Status{}, err
	}
	var store ledger.Store = ledger.NewMemoryStore()
	registry := crdt.NewRegistry(nil, nil)
	if path := cfg.Storage.Database; path != "" {
		pool, err := sqlitepool.Open(ctx, sqlitepool.Config{
			Path:       path,
			PoolSize:   1,
			Migrations: slices.Concat(ledger.Migrations, crdt.Migrations),
		})
		if err != nil {
			return Status{}, fmt.Errorf("opening database: %w", err)
		}
		defer pool.Close()
		store = ledger.NewSQLiteStore(pool)
		registry = crdt.NewRegistry(crdt.NewSQLiteStore(pool), nil)
	}
	if err := registry.Register(consensus.CommitFactType()); err != nil {
		return Status{}, err
	}
	if err := registry.Load(ctx); err != nil {
		return Status{}, err
	}
	book, err := ledger.Open(ctx, genesis, store, nil)
	if err != nil {
		return Status{}, err
	}
	defer book.Close()

	intents := intent.NewPool(profile.Device, profile.Context)
	if fact, ok := registry.Get(crdt.Key{TypeID: intent.SetTypeID, Context: profile.Context}); ok {
		if set, ok := fact.(intent.SetFact); ok {
			if err := intents.Merge(set); err != nil {
				return Status{}, err
			}
		}
	}
	return baseStatus(profile, book, registry, intents.Len()), nil
}
