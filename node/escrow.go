// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"crypto/ed25519"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/hxrts/aura-sub026/lib/codec"
	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/lib/sealed"
	"github.com/hxrts/aura-sub026/lib/secret"
	"github.com/hxrts/aura-sub026/lib/signing"
)

// ErrBackupMismatch is returned when a recovered key does not belong to
// the backed-up device.
var ErrBackupMismatch = failure.New(failure.Crypto, "node: recovered key does not match the backup")

// GuardianRecipient is a named guardian and its age recipient.
type GuardianRecipient struct {
	Name      string
	Recipient string
}

// GuardianID is the escrow id of the guardian called name.
func GuardianID(name string) ids.GuardianID {
	return ids.DeriveGuardianID([]byte(name))
}

// Backup restores a device from its guardians. The device seed is
// split among the guardians; the profile is public and the share is
// sealed under the seed, so both travel in the clear.
type Backup struct {
	Device    ids.DeviceID  `cbor:"1,keyasint"`
	Guardians []string      `cbor:"2,keyasint"`
	Escrow    sealed.Escrow `cbor:"3,keyasint"`
	Profile   []byte        `cbor:"4,keyasint"`
	Share     []byte        `cbor:"5,keyasint"`
}

// Escrow splits the enrolled device in stateDir among guardians, any
// threshold of whom can restore it.
func Escrow(stateDir string, guardians []GuardianRecipient, threshold uint16, random io.Reader) (*Backup, error) {
	enrollment, err := LoadEnrollment(stateDir)
	if err != nil {
		return nil, err
	}
	defer enrollment.Close()

	escrowGuardians := make([]sealed.Guardian, len(guardians))
	names := make([]string, len(guardians))
	for i, guardian := range guardians {
		if guardian.Name == "" || slices.Contains(names[:i], guardian.Name) {
			return nil, failure.Errorf(failure.InvalidInput, "node: guardian %d has an empty or repeated name", i)
		}
		if err := sealed.ParseRecipient(guardian.Recipient); err != nil {
			return nil, fmt.Errorf("guardian %s: %w", guardian.Name, err)
		}
		names[i] = guardian.Name
		escrowGuardians[i] = sealed.Guardian{ID: GuardianID(guardian.Name), Recipient: guardian.Recipient}
	}

	escrow, err := sealed.EscrowSecret(enrollment.Profile.Account(), enrollment.Private.Seed(), threshold, escrowGuardians, random)
	if err != nil {
		return nil, err
	}
	profile, err := os.ReadFile(filepath.Join(stateDir, profileFile))
	if err != nil {
		return nil, err
	}
	share, err := os.ReadFile(filepath.Join(stateDir, shareFile))
	if err != nil {
		return nil, err
	}
	return &Backup{
		Device:    enrollment.Profile.Device,
		Guardians: names,
		Escrow:    *escrow,
		Profile:   profile,
		Share:     share,
	}, nil
}

// Recover rebuilds a device's state directory from a backup and the
// identities of at least a threshold of its guardians, keyed by
// guardian name.
func Recover(stateDir string, backup *Backup, identities map[string]*secret.Buffer) (Enrollment, error) {
	if _, err := os.Stat(filepath.Join(stateDir, profileFile)); err == nil {
		return Enrollment{}, fmt.Errorf("%w: %s", ErrAlreadyEnrolled, stateDir)
	}
	byID := make(map[ids.GuardianID]*secret.Buffer, len(identities))
	for name, identity := range identities {
		if !slices.Contains(backup.Guardians, name) {
			return Enrollment{}, failure.Errorf(failure.InvalidInput, "node: %q is not a guardian of this backup", name)
		}
		byID[GuardianID(name)] = identity
	}
	seed, err := sealed.Recover(&backup.Escrow, byID)
	if err != nil {
		return Enrollment{}, err
	}
	defer seed.Close()
	public, private, err := signing.KeypairFromSeed(seed.Bytes())
	if err != nil {
		return Enrollment{}, err
	}

	profile := new(Profile)
	if err := codec.Unmarshal(backup.Profile, profile); err != nil {
		return Enrollment{}, failure.Wrap(failure.InvalidInput, err, "node: decoding backed-up profile")
	}
	if profile.Device != backup.Device || !slices.Equal(profile.Self().PublicKey, public) {
		secret.Zero(private)
		return Enrollment{}, ErrBackupMismatch
	}

	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return Enrollment{}, err
	}
	if err := signing.SaveKeypair(stateDir, ed25519.PublicKey(public), private); err != nil {
		return Enrollment{}, err
	}
	if err := os.WriteFile(filepath.Join(stateDir, shareFile), backup.Share, 0o600); err != nil {
		return Enrollment{}, err
	}
	if err := os.WriteFile(filepath.Join(stateDir, profileFile), backup.Profile, 0o644); err != nil {
		return Enrollment{}, err
	}
	secret.Zero(private)
	return LoadEnrollment(stateDir)
}

// WriteBackup writes backup to path, readable only by its owner.
func WriteBackup(path string, backup *Backup) error {
	data, err := codec.Marshal(backup)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ReadBackup reads a backup written by WriteBackup.
func ReadBackup(path string) (*Backup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	backup := new(Backup)
	if err := codec.Unmarshal(data, backup); err != nil {
		return nil, failure.Wrap(failure.InvalidInput, err, "node: decoding backup "+path)
	}
	return backup, nil
}
