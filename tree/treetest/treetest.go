// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package treetest builds threshold-signed commitment trees for tests.
package treetest

import (
	"fmt"
	"io"

	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/lib/signing"
	"github.com/hxrts/aura-sub026/lib/testutil"
	"github.com/hxrts/aura-sub026/lib/threshold"
	"github.com/hxrts/aura-sub026/tree"
)

// Group is an account whose devices share a dealer-generated FROST key
// for the root branch.
type Group struct {
	Devices []ids.DeviceID
	Keys    []threshold.KeyPackage
	Public  threshold.PublicKeyPackage
	Genesis *tree.State
	random  io.Reader
}

// NewGroup creates an m-of-len(names) group. Names become device ids
// via testutil.Device; leaf i belongs to names[i].
func NewGroup(m uint16, seed uint64, names ...string) (*Group, error) {
	random := testutil.Rand(seed)
	keys, public, err := threshold.GenerateWithDealer(m, uint16(len(names)), random)
	if err != nil {
		return nil, err
	}
	g := &Group{Keys: keys, Public: public, random: random}
	genesis := tree.Genesis{
		Policy:     tree.Threshold(m),
		SigningKey: tree.BranchSigningKey{GroupPublicKey: public.GroupPublicKey},
	}
	for i, name := range names {
		device := testutil.Device(name)
		g.Devices = append(g.Devices, device)
		leafPublic, _, err := signing.GenerateKeypair(random)
		if err != nil {
			return nil, err
		}
		genesis.Leaves = append(genesis.Leaves, tree.LeafNode{
			ID:        ids.LeafID(i),
			Device:    device,
			Role:      tree.RoleDevice,
			PublicKey: leafPublic,
		})
	}
	g.Genesis, err = tree.NewState(genesis)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// Attest signs op with the first count key packages.
func (g *Group) Attest(op tree.TreeOp, count int) (tree.AttestedOp, error) {
	if count > len(g.Keys) {
		return tree.AttestedOp{}, fmt.Errorf("treetest: %d signers requested, group has %d", count, len(g.Keys))
	}
	message, err := tree.SigningMessage(op)
	if err != nil {
		return tree.AttestedOp{}, err
	}
	signers := g.Keys[:count]
	nonces := make([]*threshold.SigningNonces, len(signers))
	commitments := make([]threshold.SigningCommitments, len(signers))
	for i, key := range signers {
		nonces[i], err = threshold.Round1(key, g.random)
		if err != nil {
			return tree.AttestedOp{}, err
		}
		commitments[i] = nonces[i].Commitments()
	}
	pkg := threshold.NewSigningPackage(commitments, message)
	shares := make([]threshold.SignatureShare, len(signers))
	for i, key := range signers {
		shares[i], err = threshold.Round2(pkg, nonces[i], key)
		if err != nil {
			return tree.AttestedOp{}, err
		}
	}
	signature, err := threshold.Aggregate(pkg, shares, g.Public)
	if err != nil {
		return tree.AttestedOp{}, err
	}
	return tree.AttestedOp{Op: op, AggSig: signature, SignerCount: uint16(count)}, nil
}

// Leaf returns a fresh device leaf with a generated key.
func (g *Group) Leaf(id ids.LeafID, name string) (tree.LeafNode, error) {
	public, _, err := signing.GenerateKeypair(g.random)
	if err != nil {
		return tree.LeafNode{}, err
	}
	return tree.LeafNode{ID: id, Device: testutil.Device(name), Role: tree.RoleDevice, PublicKey: public}, nil
}
