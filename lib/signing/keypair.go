// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signing

import (
	"crypto/ed25519"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	privateKeyFile = "device-signing-key"
	publicKeyFile  = "device-signing-key.pub"
)

// SaveKeypair writes a keypair to stateDir. The private key file is
// 0600, the public key file 0644.
func SaveKeypair(stateDir string, public ed25519.PublicKey, private ed25519.PrivateKey) error {
	if err := os.WriteFile(filepath.Join(stateDir, privateKeyFile), private, 0600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(stateDir, publicKeyFile), public, 0644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}
	return nil
}

// LoadKeypair reads the keypair from stateDir. Fails if either file is
// missing, has the wrong size, or the two halves do not belong
// together.
func LoadKeypair(stateDir string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	privateBytes, err := os.ReadFile(filepath.Join(stateDir, privateKeyFile))
	if err != nil {
		return nil, nil, fmt.Errorf("reading private key: %w", err)
	}
	if len(privateBytes) != PrivateKeySize {
		return nil, nil, fmt.Errorf("private key has %d bytes, want %d", len(privateBytes), PrivateKeySize)
	}
	publicBytes, err := os.ReadFile(filepath.Join(stateDir, publicKeyFile))
	if err != nil {
		return nil, nil, fmt.Errorf("reading public key: %w", err)
	}
	if len(publicBytes) != PublicKeySize {
		return nil, nil, fmt.Errorf("public key has %d bytes, want %d", len(publicBytes), PublicKeySize)
	}

	private := ed25519.PrivateKey(privateBytes)
	public := ed25519.PublicKey(publicBytes)
	if !public.Equal(private.Public()) {
		return nil, nil, fmt.Errorf("%w: public key file does not match private key", ErrInvalidKey)
	}
	return public, private, nil
}

// LoadOrGenerateKeypair loads the keypair from stateDir or, when no
// private key file exists, generates and saves a new one. A private
// key file that exists but cannot be loaded is an error, never a
// reason to regenerate. Returns whether the keypair is new.
func LoadOrGenerateKeypair(stateDir string, random io.Reader) (ed25519.PublicKey, ed25519.PrivateKey, bool, error) {
	public, private, err := LoadKeypair(stateDir)
	if err == nil {
		return public, private, false, nil
	}
	if _, statErr := os.Stat(filepath.Join(stateDir, privateKeyFile)); statErr == nil {
		return nil, nil, false, err
	}

	public, private, err = GenerateKeypair(random)
	if err != nil {
		return nil, nil, false, err
	}
	if err := SaveKeypair(stateDir, public, private); err != nil {
		return nil, nil, false, err
	}
	return public, private, true, nil
}
