// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package guard_test

import (
	"context"
	"crypto/ed25519"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hxrts/aura-sub026/capability"
	"github.com/hxrts/aura-sub026/crdt"
	"github.com/hxrts/aura-sub026/guard"
	"github.com/hxrts/aura-sub026/lib/clock"
	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/lib/signing"
	"github.com/hxrts/aura-sub026/lib/testutil"
	"github.com/hxrts/aura-sub026/lib/timestamp"
)

var (
	channel = testutil.Context("channel")
	peer    = testutil.Device("peer")
	propose = capability.New(
		capability.Resource{Kind: capability.ResourceAccount},
		capability.Write, capability.PermissionTreePropose)
)

type fixture struct {
	clock       *clock.FakeClock
	caps        *capability.Store
	accountPriv ed25519.PrivateKey
	alice       ids.DeviceID
	bob         ids.DeviceID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	random := testutil.Rand(11)
	accountPub, accountPriv, err := signing.GenerateKeypair(random)
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		clock:       clock.Fake(time.UnixMilli(10_000)),
		accountPriv: accountPriv,
		alice:       testutil.Device("alice"),
		bob:         testutil.Device("bob"),
	}
	f.caps = capability.NewStore(capability.StaticKeys{Account: accountPub})
	return f
}

// grant issues a root token for c to subject and adds it to the store.
func (f *fixture) grant(t *testing.T, subject ids.DeviceID, c capability.Capability) *capability.Token {
	t.Helper()
	token := f.mint(subject, c)
	if _, err := f.caps.Add(token, clock.NowMs(f.clock)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	return token
}

func (f *fixture) mint(subject ids.DeviceID, c capability.Capability) *capability.Token {
	token := &capability.Token{
		Subject:     subject,
		Resource:    c.Resource,
		Permissions: c.Permissions,
		Scope:       c.Scope,
		Expiration:  capability.NeverExpires(),
		CreatedAtMs: clock.NowMs(f.clock),
	}
	token.Sign(f.accountPriv)
	return token
}

func mute(subject string, active bool, ms uint64) crdt.ModerationFact {
	return crdt.ModerationFact{
		Kind:    crdt.Mute,
		Context: channel,
		Subject: subject,
		Actor:   testutil.Authority("moderator"),
		Active:  active,
		At:      timestamp.Physical(ms),
	}
}

func TestCapGuard(t *testing.T) {
	f := newFixture(t)
	f.grant(t, f.alice, propose)
	capGuard := guard.NewCapGuard(f.caps, f.clock)

	if err := capGuard.Check(guard.Step{Name: "tree.propose", Caller: f.alice, Required: propose}); err != nil {
		t.Errorf("holder denied: %v", err)
	}
	if err := capGuard.Check(guard.Step{Name: "noop", Caller: f.bob}); err != nil {
		t.Errorf("step without a requirement denied: %v", err)
	}

	err := capGuard.Check(guard.Step{Name: "tree.propose", Caller: f.bob, Required: propose})
	if !errors.Is(err, capability.ErrMissingCapability) {
		t.Fatalf("non-holder error = %v, want ErrMissingCapability", err)
	}
	if failure.KindOf(err) != failure.AuthorizationDenied {
		t.Errorf("KindOf = %v, want AuthorizationDenied", failure.KindOf(err))
	}
	if !strings.HasPrefix(err.Error(), "Missing capability ") {
		t.Errorf("error = %q", err)
	}
}

func TestFlowGuardDebitsAndRefills(t *testing.T) {
	f := newFixture(t)
	flowGuard := guard.NewFlowGuard(nil, f.clock, guard.LeakageBudget{External: 10, Neighbor: 20, InGroup: 30})
	step := guard.Step{Caller: f.alice, Context: channel, Peer: peer, Flow: capability.PermissionMessageSend, Cost: guard.Uniform(4)}

	for range 2 {
		if err := flowGuard.Charge(step); err != nil {
			t.Fatalf("Charge: %v", err)
		}
	}
	if got, want := flowGuard.Remaining(channel, peer), (guard.LeakageBudget{External: 2, Neighbor: 12, InGroup: 22}); got != want {
		t.Fatalf("Remaining = %+v, want %+v", got, want)
	}

	err := flowGuard.Charge(step)
	if !errors.Is(err, guard.ErrInsufficientFlowBudget) {
		t.Fatalf("overdraft error = %v, want ErrInsufficientFlowBudget", err)
	}
	var denial *guard.Denial
	if !errors.As(err, &denial) || denial.Shortfall == nil {
		t.Fatalf("overdraft error %v is not a flow denial", err)
	}
	if denial.Shortfall.Dimension != "external" || denial.Shortfall.Need != 4 || denial.Shortfall.Have != 2 {
		t.Errorf("shortfall = %+v", denial.Shortfall)
	}
	if got := flowGuard.Remaining(channel, peer).External; got != 2 {
		t.Errorf("failed charge debited: external = %d", got)
	}

	other := testutil.Device("other")
	if got := flowGuard.Remaining(channel, other).External; got != 10 {
		t.Errorf("budgets are not per peer: external = %d", got)
	}

	flowGuard.Refill(channel, peer)
	if err := flowGuard.Charge(step); err != nil {
		t.Errorf("Charge after Refill: %v", err)
	}
}

func TestFlowGuardOperationIDIsIdempotent(t *testing.T) {
	f := newFixture(t)
	flowGuard := guard.NewFlowGuard(nil, f.clock, guard.Uniform(10))
	step := guard.Step{Caller: f.alice, Context: channel, Peer: peer, Flow: "sync:push", Cost: guard.Uniform(6), OperationID: "op-1"}

	for range 3 {
		if err := flowGuard.Charge(step); err != nil {
			t.Fatalf("Charge: %v", err)
		}
	}
	if got := flowGuard.Remaining(channel, peer); got != guard.Uniform(4) {
		t.Fatalf("Remaining = %+v, want one debit", got)
	}

	flowGuard.ResetEpoch()
	if got := flowGuard.Remaining(channel, peer); got != guard.Uniform(10) {
		t.Fatalf("Remaining after ResetEpoch = %+v", got)
	}
	if err := flowGuard.Charge(step); err != nil {
		t.Fatalf("Charge in new epoch: %v", err)
	}
	if got := flowGuard.Remaining(channel, peer); got != guard.Uniform(4) {
		t.Errorf("operation id was not charged again in the new epoch: %+v", got)
	}
}

func TestFlowGuardRequiresFlowCapability(t *testing.T) {
	f := newFixture(t)
	f.grant(t, f.alice, guard.FlowCapability(capability.PermissionMessageSend, channel))
	flowGuard := guard.NewFlowGuard(f.caps, f.clock, guard.Uniform(10))

	allowed := guard.Step{Caller: f.alice, Context: channel, Peer: peer, Flow: capability.PermissionMessageSend, Cost: guard.Uniform(1)}
	if err := flowGuard.Charge(allowed); err != nil {
		t.Fatalf("holder denied: %v", err)
	}
	denied := allowed
	denied.Caller = f.bob
	if err := flowGuard.Charge(denied); !errors.Is(err, capability.ErrMissingCapability) {
		t.Fatalf("non-holder error = %v, want ErrMissingCapability", err)
	}
	elsewhere := allowed
	elsewhere.Context = testutil.Context("elsewhere")
	if err := flowGuard.Charge(elsewhere); !errors.Is(err, capability.ErrMissingCapability) {
		t.Fatalf("capability leaked across contexts: %v", err)
	}
}

func TestChainCombinesDenials(t *testing.T) {
	f := newFixture(t)
	chain := &guard.Chain{
		Cap:  guard.NewCapGuard(f.caps, f.clock),
		Flow: guard.NewFlowGuard(nil, f.clock, guard.Uniform(1)),
	}
	step := guard.Step{
		Name: "tree.propose", Caller: f.bob, Required: propose,
		Context: channel, Peer: peer, Flow: "tree:propose", Cost: guard.Uniform(5),
	}
	ran := false
	_, err := chain.Run(context.Background(), step, func(context.Context, *guard.Tx) error {
		ran = true
		return nil
	})
	if ran {
		t.Fatal("body ran for a denied step")
	}
	if !errors.Is(err, capability.ErrMissingCapability) || !errors.Is(err, guard.ErrInsufficientFlowBudget) {
		t.Fatalf("combined denial %v should match both causes", err)
	}
	message := err.Error()
	if !strings.HasPrefix(message, "Missing capability ") || !strings.Contains(message, "; insufficient flow budget for ") {
		t.Errorf("combined denial = %q", message)
	}
	if !strings.HasSuffix(message, "need 5, have 1") {
		t.Errorf("combined denial = %q, want the shortfall amounts", message)
	}
	if got := chain.Flow.Remaining(channel, peer); got != guard.Uniform(1) {
		t.Errorf("denied step debited the budget: %+v", got)
	}
}

func newJournal(f *fixture) (*crdt.Registry, *guard.RegistryJournal) {
	registry := crdt.NewRegistry(nil, nil)
	return registry, &guard.RegistryJournal{Registry: registry, Caps: f.caps, Clock: f.clock}
}

func TestPessimisticCouplingAppliesOnlyOnSuccess(t *testing.T) {
	f := newFixture(t)
	registry, journal := newJournal(f)
	coupler := guard.NewJournalCoupler(journal, guard.Pessimistic, guard.DefaultMaxRetries, f.clock, nil)
	ctx := context.Background()

	_, metrics, err := guard.Couple(ctx, coupler, func(ctx context.Context, tx *guard.Tx) (int, error) {
		if err := tx.AddFacts(mute("mallory", true, 1000)); err != nil {
			return 0, err
		}
		if registry.Len() != 0 {
			t.Error("pessimistic mode applied a fact before the body finished")
		}
		return 0, errors.New("body failed")
	})
	if err == nil || metrics.CouplingSuccessful {
		t.Fatalf("failed body reported success: %v %+v", err, metrics)
	}
	if registry.Len() != 0 {
		t.Fatalf("failed body left %d facts", registry.Len())
	}

	token := f.mint(f.bob, propose)
	value, metrics, err := guard.Couple(ctx, coupler, func(ctx context.Context, tx *guard.Tx) (string, error) {
		if err := tx.AddFacts(mute("mallory", true, 1000)); err != nil {
			return "", err
		}
		return "done", tx.RefineCaps(token)
	})
	if err != nil {
		t.Fatalf("Couple: %v", err)
	}
	if value != "done" || !metrics.CouplingSuccessful || metrics.OperationsApplied != 2 {
		t.Errorf("value %q metrics %+v", value, metrics)
	}
	if registry.Len() != 1 {
		t.Errorf("registry holds %d facts, want 1", registry.Len())
	}
	if err := f.caps.Check(f.bob, propose, clock.NowMs(f.clock)); err != nil {
		t.Errorf("refined capability not applied: %v", err)
	}
}

func TestOptimisticCouplingCompensates(t *testing.T) {
	f := newFixture(t)
	registry, journal := newJournal(f)
	ctx := context.Background()
	if _, err := registry.Put(ctx, mute("mallory", true, 1000)); err != nil {
		t.Fatal(err)
	}
	before := registry.Digest()

	coupler := guard.NewJournalCoupler(journal, guard.Optimistic, 0, f.clock, nil)
	token := f.mint(f.bob, propose)
	_, _, err := guard.Couple(ctx, coupler, func(ctx context.Context, tx *guard.Tx) (struct{}, error) {
		if err := tx.AddFacts(mute("mallory", false, 2000), mute("trent", true, 2000)); err != nil {
			return struct{}{}, err
		}
		if err := tx.RefineCaps(token); err != nil {
			return struct{}{}, err
		}
		if registry.Len() != 2 {
			t.Errorf("optimistic mode did not apply immediately: %d facts", registry.Len())
		}
		return struct{}{}, errors.New("body failed")
	})
	if err == nil {
		t.Fatal("failed body reported success")
	}
	if registry.Digest() != before || registry.Len() != 1 {
		t.Errorf("facts not restored: %d facts", registry.Len())
	}
	if !f.caps.IsRevoked(token.ID) {
		t.Error("refined capability not revoked")
	}
	if err := f.caps.Check(f.bob, propose, clock.NowMs(f.clock)); err == nil {
		t.Error("compensated capability still grants")
	}
}

type flakyJournal struct {
	failures int
	calls    int
	kind     failure.Kind
}

func (j *flakyJournal) Apply(context.Context, guard.JournalOp) (guard.Undo, error) {
	j.calls++
	if j.calls <= j.failures {
		return nil, failure.New(j.kind, "journal unavailable")
	}
	return func(context.Context) error { return nil }, nil
}

func TestJournalRetriesRetryableErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addOne := func(ctx context.Context, tx *guard.Tx) (struct{}, error) {
		return struct{}{}, tx.AddFacts(mute("mallory", true, 1000))
	}

	flaky := &flakyJournal{failures: 2, kind: failure.Transport}
	_, metrics, err := guard.Couple(ctx, guard.NewJournalCoupler(flaky, guard.Pessimistic, 3, f.clock, nil), addOne)
	if err != nil {
		t.Fatalf("Couple: %v", err)
	}
	if metrics.RetryAttempts != 2 || flaky.calls != 3 {
		t.Errorf("retries = %d, calls = %d", metrics.RetryAttempts, flaky.calls)
	}

	exhausted := &flakyJournal{failures: 5, kind: failure.Transport}
	if _, _, err := guard.Couple(ctx, guard.NewJournalCoupler(exhausted, guard.Pessimistic, 3, f.clock, nil), addOne); err == nil {
		t.Error("exhausted retries reported success")
	} else if exhausted.calls != 4 {
		t.Errorf("calls = %d, want 1 + 3 retries", exhausted.calls)
	}

	permanent := &flakyJournal{failures: 1, kind: failure.InvalidInput}
	if _, _, err := guard.Couple(ctx, guard.NewJournalCoupler(permanent, guard.Pessimistic, 3, f.clock, nil), addOne); err == nil {
		t.Error("non-retryable failure reported success")
	} else if permanent.calls != 1 {
		t.Errorf("non-retryable failure retried: %d calls", permanent.calls)
	}
}

func counterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range family.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if labels[pair.GetName()] != pair.GetValue() {
					continue metrics
				}
			}
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}

func TestChainRecordsOutcomes(t *testing.T) {
	f := newFixture(t)
	f.grant(t, f.alice, propose)
	registry := prometheus.NewRegistry()
	metrics, err := guard.NewMetrics(registry)
	if err != nil {
		t.Fatal(err)
	}
	facts, journal := newJournal(f)
	chain := &guard.Chain{
		Cap:     guard.NewCapGuard(f.caps, f.clock),
		Flow:    guard.NewFlowGuard(nil, f.clock, guard.Uniform(100)),
		Journal: guard.NewJournalCoupler(journal, guard.Pessimistic, 0, f.clock, nil),
		Metrics: metrics,
	}
	step := guard.Step{
		Name: "moderation.mute", Caller: f.alice, Required: propose,
		Context: channel, Peer: peer, Flow: capability.PermissionMessageSend, Cost: guard.Uniform(3),
	}
	ctx := context.Background()

	count, _, err := guard.Run(ctx, chain, step, func(ctx context.Context, tx *guard.Tx) (int, error) {
		return 1, tx.AddFacts(mute("mallory", true, 1000))
	})
	if err != nil || count != 1 {
		t.Fatalf("Run = %d, %v", count, err)
	}
	if facts.Len() != 1 {
		t.Errorf("committed step left %d facts", facts.Len())
	}

	denied := step
	denied.Caller = f.bob
	if _, err := chain.Run(ctx, denied, func(context.Context, *guard.Tx) error { return nil }); err == nil {
		t.Fatal("bob was admitted")
	}
	if _, err := chain.Run(ctx, step, func(context.Context, *guard.Tx) error { return errors.New("boom") }); err == nil {
		t.Fatal("failing body reported success")
	}

	for outcome, want := range map[string]float64{"committed": 1, "denied": 1, "failed": 1} {
		got := counterValue(t, registry, "aura_guard_decisions_total", map[string]string{"step": "moderation.mute", "outcome": outcome})
		if got != want {
			t.Errorf("%s = %v, want %v", outcome, got, want)
		}
	}
	// The denied step is not charged; the two admitted ones are.
	if got := counterValue(t, registry, "aura_guard_flow_spent_total", map[string]string{"dimension": "external"}); got != 6 {
		t.Errorf("flow spent = %v, want 6", got)
	}
}

func TestChainWithoutJournalRejectsJournalOps(t *testing.T) {
	chain := &guard.Chain{}
	_, err := chain.Run(context.Background(), guard.Step{Name: "bare"}, func(ctx context.Context, tx *guard.Tx) error {
		return tx.AddFacts(mute("mallory", true, 1000))
	})
	if err == nil {
		t.Fatal("journal op succeeded without a journal")
	}
	if _, err := chain.Run(context.Background(), guard.Step{Name: "bare"}, func(context.Context, *guard.Tx) error { return nil }); err != nil {
		t.Fatalf("journal-free step: %v", err)
	}
}
