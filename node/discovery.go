// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hxrts/aura-sub026/lib/clock"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/rendezvous"
)

// descriptorLifetime is the validity window of the descriptor a node
// announces. It is re-issued in the last tenth of the window.
const descriptorLifetime = 5 * time.Minute

func (n *Node) openDiscovery(ctx context.Context, registerer prometheus.Registerer) error {
	metrics, err := rendezvous.NewMetrics(registerer)
	if err != nil {
		return err
	}
	lan := n.config.LanDiscovery
	n.discovery, err = rendezvous.Listen(ctx, rendezvous.Config{
		Enabled:            lan.Enabled,
		BindAddr:           lan.BindAddr,
		BroadcastAddr:      lan.BroadcastAddr,
		Port:               int(lan.Port),
		AnnounceIntervalMs: lan.AnnounceIntervalMs,
	}, rendezvous.Options{
		Authority: DeviceAuthority(n.device),
		Clock:     n.clock,
		Logger:    n.logger,
		Metrics:   metrics,
	})
	if err != nil {
		return err
	}
	n.pskCommitment = rendezvous.CommitPSK(n.psk())
	return n.refreshDescriptor()
}

// psk is the account's discovery pre-shared key: the group public key,
// which only enrolled devices hold.
func (n *Node) psk() []byte {
	key := n.profile.Public.GroupPublicKey
	return key[:]
}

func (n *Node) refreshDescriptor() error {
	hint, err := rendezvous.TCPHint(n.transport.Address())
	if err != nil {
		return err
	}
	now := clock.NowMs(n.clock)
	descriptor, err := rendezvous.NewDescriptor(DeviceAuthority(n.device), n.profile.Context,
		[]rendezvous.TransportHint{hint}, n.psk(), now, now+uint64(descriptorLifetime.Milliseconds()), n.random)
	if err != nil {
		return err
	}
	descriptor.Nickname = n.profile.Self().Name
	n.discovery.SetDescriptor(descriptor)
	return nil
}

func (n *Node) descriptorLoop(ctx context.Context) error {
	ticker := n.clock.NewTicker(n.config.AnnounceInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		current, ok := n.discovery.Descriptor()
		if ok && !current.NeedsRefresh(clock.NowMs(n.clock)) {
			continue
		}
		if err := n.refreshDescriptor(); err != nil {
			n.logger.Warn("refreshing LAN descriptor", "error", err)
		}
	}
}

// discovered routes a LAN announcement from another member to the
// transport and the anti-entropy scheduler.
func (n *Node) discovered(peer rendezvous.DiscoveredPeer) {
	member, address, ok := resolvePeer(n.profile, n.pskCommitment, peer, clock.NowMs(n.clock))
	if !ok {
		n.logger.Debug("ignoring LAN peer", "peer", peer.Authority.Short(), "source", peer.Source)
		return
	}
	if existing, known := n.transport.PeerAddress(member.Device); !known || existing != address {
		n.logger.Info("member discovered on LAN", "member", member.Name, "address", address)
	}
	n.transport.SetAddress(member.Device, address)
	n.scheduler.AddPeer(member.Device)
}

// resolvePeer matches an announcement against the account: same
// context, same pre-shared key, a member's device authority and a
// current validity window. An unspecified host in the TCP hint is
// replaced by the datagram's source address.
func resolvePeer(profile *Profile, pskCommitment ids.Hash32, peer rendezvous.DiscoveredPeer, nowMs uint64) (Member, string, bool) {
	descriptor := peer.Descriptor
	if descriptor.Context != profile.Context || descriptor.PSKCommitment != pskCommitment || !descriptor.IsValid(nowMs) {
		return Member{}, "", false
	}
	var member Member
	found := false
	for _, candidate := range profile.Members {
		if candidate.Device != profile.Device && DeviceAuthority(candidate.Device) == peer.Authority {
			member, found = candidate, true
			break
		}
	}
	if !found {
		return Member{}, "", false
	}
	for _, hint := range descriptor.Hints {
		if hint.Kind != rendezvous.TcpDirect {
			continue
		}
		addrPort, err := rendezvous.ParseTransportAddress(hint.Addr)
		if err != nil {
			continue
		}
		if addrPort.Addr().IsUnspecified() {
			source, ok := sourceAddr(peer.Source)
			if !ok {
				continue
			}
			addrPort = netip.AddrPortFrom(source, addrPort.Port())
		}
		return member, addrPort.String(), true
	}
	return Member{}, "", false
}

func sourceAddr(source net.Addr) (netip.Addr, bool) {
	udp, ok := source.(*net.UDPAddr)
	if !ok {
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(udp.IP)
	if !ok {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
