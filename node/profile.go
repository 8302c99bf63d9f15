// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/hxrts/aura-sub026/capability"
	"github.com/hxrts/aura-sub026/consensus"
	"github.com/hxrts/aura-sub026/lib/codec"
	"github.com/hxrts/aura-sub026/lib/digest"
	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/lib/sealed"
	"github.com/hxrts/aura-sub026/lib/secret"
	"github.com/hxrts/aura-sub026/lib/signing"
	"github.com/hxrts/aura-sub026/lib/threshold"
	"github.com/hxrts/aura-sub026/tree"
)

const (
	profileFile = "profile.cbor"
	shareFile   = "frost-share.sealed"

	shareSealingContext = "aura.node.frost-share"
)

var (
	ErrNotEnrolled     = failure.New(failure.NotInitialized, "node: device is not enrolled; run init first")
	ErrAlreadyEnrolled = failure.New(failure.AlreadyInitialized, "node: device is already enrolled")
	ErrInvalidAccount  = failure.New(failure.InvalidInput, "node: invalid account")
)

// Member is one device of the account as every other member sees it.
type Member struct {
	Name       string       `cbor:"1,keyasint"`
	Device     ids.DeviceID `cbor:"2,keyasint"`
	Identifier uint16       `cbor:"3,keyasint"`
	PublicKey  []byte       `cbor:"4,keyasint"`
	// Address is a static transport address. Empty relies on LAN
	// discovery.
	Address string `cbor:"5,keyasint,omitempty"`
}

// Profile is the public half of a device's enrollment.
type Profile struct {
	Device    ids.DeviceID    `cbor:"1,keyasint"`
	Context   ids.ContextID   `cbor:"2,keyasint"`
	Authority ids.AuthorityID `cbor:"3,keyasint"`
	// Genesis is the encoded initial commitment tree.
	Genesis   []byte                     `cbor:"4,keyasint"`
	Threshold uint16                     `cbor:"5,keyasint"`
	Public    threshold.PublicKeyPackage `cbor:"6,keyasint"`
	Members   []Member                   `cbor:"7,keyasint"`
	// AccountKey verifies the root capability tokens in Tokens.
	AccountKey []byte   `cbor:"8,keyasint"`
	Tokens     [][]byte `cbor:"9,keyasint"`
}

// Enrollment is everything one device needs to run.
type Enrollment struct {
	Profile *Profile
	Share   threshold.KeyPackage
	Private ed25519.PrivateKey
}

// Close zeroes the secret halves.
func (e *Enrollment) Close() {
	e.Share.Zero()
	secret.Zero(e.Private)
}

// AccountSpec describes an account created by a trusted dealer.
type AccountSpec struct {
	Names     []string
	Threshold uint16
	// Addresses, when set, holds one static address per name.
	Addresses []string
}

// NewAccount deals a Threshold-of-len(Names) FROST key, builds the
// genesis tree with one device leaf per name and mints a root token
// granting every capability to each device. The account signing key
// is discarded once the tokens exist.
func NewAccount(spec AccountSpec, nowMs uint64, random io.Reader) ([]Enrollment, error) {
	count := len(spec.Names)
	if count == 0 {
		return nil, fmt.Errorf("%w: no devices", ErrInvalidAccount)
	}
	if spec.Threshold == 0 || int(spec.Threshold) > count {
		return nil, fmt.Errorf("%w: threshold %d of %d devices", ErrInvalidAccount, spec.Threshold, count)
	}
	if len(spec.Addresses) != 0 && len(spec.Addresses) != count {
		return nil, fmt.Errorf("%w: %d addresses for %d devices", ErrInvalidAccount, len(spec.Addresses), count)
	}
	for i, name := range spec.Names {
		if name == "" {
			return nil, fmt.Errorf("%w: device %d has no name", ErrInvalidAccount, i)
		}
		if slices.Index(spec.Names, name) != i {
			return nil, fmt.Errorf("%w: device name %q repeated", ErrInvalidAccount, name)
		}
	}

	keys, public, err := threshold.GenerateWithDealer(spec.Threshold, uint16(count), random)
	if err != nil {
		return nil, err
	}
	genesis := tree.Genesis{
		Policy:     tree.Threshold(spec.Threshold),
		SigningKey: tree.BranchSigningKey{GroupPublicKey: public.GroupPublicKey},
	}
	members := make([]Member, count)
	privates := make([]ed25519.PrivateKey, count)
	for i, name := range spec.Names {
		devicePublic, devicePrivate, err := signing.GenerateKeypair(random)
		if err != nil {
			return nil, err
		}
		members[i] = Member{
			Name:       name,
			Device:     ids.DeriveDeviceID(devicePublic),
			Identifier: keys[i].Identifier,
			PublicKey:  devicePublic,
		}
		if len(spec.Addresses) != 0 {
			members[i].Address = spec.Addresses[i]
		}
		privates[i] = devicePrivate
		genesis.Leaves = append(genesis.Leaves, tree.LeafNode{
			ID:        ids.LeafID(i),
			Device:    members[i].Device,
			Role:      tree.RoleDevice,
			PublicKey: devicePublic,
			Meta:      []byte(name),
		})
	}
	state, err := tree.NewState(genesis)
	if err != nil {
		return nil, err
	}
	encoded, err := state.MarshalBinary()
	if err != nil {
		return nil, err
	}

	accountPublic, accountPrivate, err := signing.GenerateKeypair(random)
	if err != nil {
		return nil, err
	}
	defer secret.Zero(accountPrivate)
	tokens := make([][]byte, count)
	for i, member := range members {
		all := capability.All()
		token := &capability.Token{
			Subject:     member.Device,
			Resource:    all.Resource,
			Permissions: all.Permissions,
			Scope:       all.Scope,
			Expiration:  capability.NeverExpires(),
			CreatedAtMs: nowMs,
		}
		token.Sign(accountPrivate)
		if tokens[i], err = token.MarshalBinary(); err != nil {
			return nil, err
		}
	}

	commitment := state.Commitment()
	enrollments := make([]Enrollment, count)
	for i, member := range members {
		enrollments[i] = Enrollment{
			Profile: &Profile{
				Device:     member.Device,
				Context:    ids.DeriveContextID(commitment[:]),
				Authority:  ids.AuthorityIDFromEntropy(commitment),
				Genesis:    encoded,
				Threshold:  spec.Threshold,
				Public:     public,
				Members:    members,
				AccountKey: accountPublic,
				Tokens:     tokens,
			},
			Share:   keys[i],
			Private: privates[i],
		}
	}
	return enrollments, nil
}

// Validate checks that the profile names its own device and that every
// member has key material.
func (p *Profile) Validate() error {
	if _, ok := p.Member(p.Device); !ok {
		return fmt.Errorf("%w: device %s is not a member", ErrInvalidAccount, p.Device)
	}
	if p.Threshold == 0 || int(p.Threshold) > len(p.Members) {
		return fmt.Errorf("%w: threshold %d of %d members", ErrInvalidAccount, p.Threshold, len(p.Members))
	}
	for _, member := range p.Members {
		if len(member.PublicKey) != signing.PublicKeySize {
			return fmt.Errorf("%w: member %s has a %d-byte key", ErrInvalidAccount, member.Name, len(member.PublicKey))
		}
		if _, ok := p.Public.VerifyingShares[member.Identifier]; !ok {
			return fmt.Errorf("%w: member %s has no verifying share", ErrInvalidAccount, member.Name)
		}
	}
	if len(p.AccountKey) != signing.PublicKeySize {
		return fmt.Errorf("%w: account key is %d bytes", ErrInvalidAccount, len(p.AccountKey))
	}
	return nil
}

// Member returns the member with device.
func (p *Profile) Member(device ids.DeviceID) (Member, bool) {
	for _, member := range p.Members {
		if member.Device == device {
			return member, true
		}
	}
	return Member{}, false
}

// Self is the profile's own member entry.
func (p *Profile) Self() Member {
	member, _ := p.Member(p.Device)
	return member
}

// Peers returns every member except the profile's device.
func (p *Profile) Peers() []Member {
	var peers []Member
	for _, member := range p.Members {
		if member.Device != p.Device {
			peers = append(peers, member)
		}
	}
	return peers
}

// GenesisState decodes the genesis tree.
func (p *Profile) GenesisState() (*tree.State, error) {
	return tree.UnmarshalState(p.Genesis)
}

// Account is the account id guardian escrows are bound to.
func (p *Profile) Account() ids.AccountID { return ids.AccountID(p.Context) }

// Params is the consensus witness set: every member, at the account
// threshold.
func (p *Profile) Params() consensus.Params {
	params := consensus.Params{
		Context:     p.Context,
		Threshold:   p.Threshold,
		Identifiers: make(map[ids.DeviceID]uint16, len(p.Members)),
		Public:      p.Public,
	}
	for _, member := range p.Members {
		params.Witnesses = append(params.Witnesses, member.Device)
		params.Identifiers[member.Device] = member.Identifier
	}
	return params
}

// Issuers are the keys presence tickets may be signed with. Each
// device issues its own ticket.
func (p *Profile) Issuers() []ed25519.PublicKey {
	issuers := make([]ed25519.PublicKey, 0, len(p.Members))
	for _, member := range p.Members {
		issuers = append(issuers, ed25519.PublicKey(member.PublicKey))
	}
	return issuers
}

// RootTokens decodes the account's root capability tokens.
func (p *Profile) RootTokens() ([]*capability.Token, error) {
	tokens := make([]*capability.Token, 0, len(p.Tokens))
	for i, data := range p.Tokens {
		token := new(capability.Token)
		if err := token.UnmarshalBinary(data); err != nil {
			return nil, fmt.Errorf("root token %d: %w", i, err)
		}
		tokens = append(tokens, token)
	}
	return tokens, nil
}

// DeviceAuthority is the authority a device announces itself under on
// the LAN. It differs per device so members of one account discover
// each other.
func DeviceAuthority(device ids.DeviceID) ids.AuthorityID {
	return ids.AuthorityIDFromEntropy(digest.SumParts([]byte("aura.node.device-authority.v1"), device[:]))
}

// SaveEnrollment writes e into stateDir: the profile, the device
// keypair and the FROST share sealed under the device key.
func SaveEnrollment(stateDir string, e Enrollment, random io.Reader) error {
	if _, err := os.Stat(filepath.Join(stateDir, profileFile)); err == nil {
		return fmt.Errorf("%w: %s exists", ErrAlreadyEnrolled, filepath.Join(stateDir, profileFile))
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	public := e.Private.Public().(ed25519.PublicKey)
	if err := signing.SaveKeypair(stateDir, public, e.Private); err != nil {
		return err
	}
	share, err := sealed.SealValue(e.Private.Seed(), shareSealingContext, e.Share, slices.Clone(e.Profile.Device[:]), random)
	if err != nil {
		return fmt.Errorf("sealing share: %w", err)
	}
	defer share.Zero()
	shareData, err := share.MarshalBinary()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(stateDir, shareFile), shareData, 0o600); err != nil {
		return fmt.Errorf("writing share: %w", err)
	}
	profileData, err := codec.Marshal(e.Profile)
	if err != nil {
		return err
	}
	// The profile is written last: its presence marks a complete
	// enrollment.
	if err := os.WriteFile(filepath.Join(stateDir, profileFile), profileData, 0o644); err != nil {
		return fmt.Errorf("writing profile: %w", err)
	}
	return nil
}

// LoadProfile reads only the public profile.
func LoadProfile(stateDir string) (*Profile, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, profileFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w (no %s in %s)", ErrNotEnrolled, profileFile, stateDir)
	}
	if err != nil {
		return nil, fmt.Errorf("reading profile: %w", err)
	}
	profile := new(Profile)
	if err := codec.Unmarshal(data, profile); err != nil {
		return nil, failure.Wrap(failure.InvalidInput, err, "node: decoding profile")
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return profile, nil
}

// LoadEnrollment reads the profile, the keypair and the sealed share
// from stateDir.
func LoadEnrollment(stateDir string) (Enrollment, error) {
	profile, err := LoadProfile(stateDir)
	if err != nil {
		return Enrollment{}, err
	}
	public, private, err := signing.LoadKeypair(stateDir)
	if err != nil {
		return Enrollment{}, fmt.Errorf("loading device key: %w", err)
	}
	if !slices.Equal(public, profile.Self().PublicKey) {
		return Enrollment{}, fmt.Errorf("%w: device key does not match the profile", ErrInvalidAccount)
	}
	shareData, err := os.ReadFile(filepath.Join(stateDir, shareFile))
	if err != nil {
		return Enrollment{}, fmt.Errorf("reading share: %w", err)
	}
	var sealedShare sealed.SealedData
	if err := sealedShare.UnmarshalBinary(shareData); err != nil {
		return Enrollment{}, err
	}
	defer sealedShare.Zero()
	share, err := sealed.OpenValue[threshold.KeyPackage](private.Seed(), &sealedShare)
	if err != nil {
		return Enrollment{}, fmt.Errorf("opening share: %w", err)
	}
	if share.Identifier != profile.Self().Identifier {
		return Enrollment{}, fmt.Errorf("%w: share identifier %d, profile says %d", ErrInvalidAccount, share.Identifier, profile.Self().Identifier)
	}
	return Enrollment{Profile: profile, Share: share, Private: private}, nil
}
