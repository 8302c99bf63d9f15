// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"

	"github.com/hxrts/aura-sub026/lib/secret"
)

// Keypair is an age X25519 keypair held by a guardian. The identity
// (AGE-SECRET-KEY-1...) lives in protected memory; the recipient
// (age1...) is public.
type Keypair struct {
	Identity  *secret.Buffer
	Recipient string
}

// Close releases the identity.
func (k *Keypair) Close() error {
	if k.Identity != nil {
		return k.Identity.Close()
	}
	return nil
}

// GenerateKeypair creates a guardian keypair.
func GenerateKeypair() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age keypair: %w", err)
	}
	// The string form is briefly on the heap; age offers no other
	// export. The buffer is the durable copy.
	protected, err := secret.NewFromBytes([]byte(identity.String()))
	if err != nil {
		return nil, fmt.Errorf("protecting age identity: %w", err)
	}
	return &Keypair{Identity: protected, Recipient: identity.Recipient().String()}, nil
}

// ParseRecipient validates an age1... recipient string.
func ParseRecipient(recipient string) error {
	if _, err := age.ParseX25519Recipient(recipient); err != nil {
		return fmt.Errorf("%w: age recipient: %v", ErrInvalidKey, err)
	}
	return nil
}

// EncryptTo age-encrypts plaintext to every recipient and returns the
// ciphertext base64-encoded.
func EncryptTo(plaintext []byte, recipients ...string) (string, error) {
	if len(recipients) == 0 {
		return "", fmt.Errorf("%w: at least one recipient is required", ErrEncryptionFailed)
	}
	parsed := make([]age.Recipient, 0, len(recipients))
	for _, recipient := range recipients {
		value, err := age.ParseX25519Recipient(recipient)
		if err != nil {
			return "", fmt.Errorf("%w: parsing recipient %q: %v", ErrInvalidKey, recipient, err)
		}
		parsed = append(parsed, value)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, parsed...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext.Bytes()), nil
}

// DecryptWith decrypts base64 age ciphertext with identity, ignoring
// surrounding whitespace in the identity file. The identity is
// borrowed, not closed. The caller must Close the result.
func DecryptWith(ciphertext string, identity *secret.Buffer) (*secret.Buffer, error) {
	parsed, err := age.ParseX25519Identity(strings.TrimSpace(string(identity.Bytes())))
	if err != nil {
		return nil, fmt.Errorf("%w: age identity: %v", ErrInvalidKey, err)
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrDataCorruption, err)
	}
	reader, err := age.Decrypt(bytes.NewReader(raw), parsed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrDataCorruption)
	}
	buffer, err := secret.NewFromBytes(plaintext)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("protecting plaintext: %w", err)
	}
	return buffer, nil
}
