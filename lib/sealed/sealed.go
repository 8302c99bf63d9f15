// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"io"

	"github.com/hxrts/aura-sub026/lib/codec"
	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/kdf"
	"github.com/hxrts/aura-sub026/lib/secret"
)

// sealingDomain prefixes the key derivation input. Changing it makes
// every existing record unreadable.
const sealingDomain = "aura-sealing-v1:"

// NonceSize is the AES-GCM nonce length.
const NonceSize = 12

var (
	ErrInvalidKey          = failure.New(failure.Crypto, "sealed: invalid key")
	ErrEncryptionFailed    = failure.New(failure.Crypto, "sealed: encryption failed")
	ErrDecryptionFailed    = failure.New(failure.Crypto, "sealed: decryption failed")
	ErrSerializationFailed = failure.New(failure.InvalidInput, "sealed: serialization failed")
	ErrDataCorruption      = failure.New(failure.Crypto, "sealed: data corruption detected")
)

// SealedData is an encrypted record bound to a device secret and a
// context. A nil AAD means no additional data was authenticated.
type SealedData struct {
	Nonce      [NonceSize]byte
	Context    string
	AAD        []byte
	Ciphertext []byte
}

// deriveKey returns HKDF("aura-sealing-v1:" || deviceSecret || ":" || context).
func deriveKey(deviceSecret []byte, context string) ([32]byte, error) {
	if len(deviceSecret) == 0 {
		return [32]byte{}, fmt.Errorf("%w: empty device secret", ErrInvalidKey)
	}
	material := make([]byte, 0, len(sealingDomain)+len(deviceSecret)+1+len(context))
	material = append(material, sealingDomain...)
	material = append(material, deviceSecret...)
	material = append(material, ':')
	material = append(material, context...)
	defer secret.Zero(material)

	key, err := kdf.Derive32(material, nil, []byte(sealingDomain))
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return key, nil
}

func newAEAD(key [32]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext for deviceSecret under context. random
// supplies the nonce. An empty plaintext seals to a bare tag.
func Seal(deviceSecret []byte, context string, plaintext, aad []byte, random io.Reader) (*SealedData, error) {
	key, err := deriveKey(deviceSecret, context)
	if err != nil {
		return nil, err
	}
	defer secret.Zero(key[:])

	aead, err := newAEAD(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	sealed := &SealedData{Context: context}
	if _, err := io.ReadFull(random, sealed.Nonce[:]); err != nil {
		return nil, fmt.Errorf("%w: generating nonce: %v", ErrEncryptionFailed, err)
	}
	if aad != nil {
		sealed.AAD = append([]byte{}, aad...)
	}
	sealed.Ciphertext = aead.Seal(nil, sealed.Nonce[:], plaintext, sealed.AAD)
	return sealed, nil
}

// Open decrypts a record. The caller must Close the returned buffer.
func Open(deviceSecret []byte, sealed *SealedData) (*secret.Buffer, error) {
	key, err := deriveKey(deviceSecret, sealed.Context)
	if err != nil {
		return nil, err
	}
	defer secret.Zero(key[:])

	aead, err := newAEAD(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if len(sealed.Ciphertext) < aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext shorter than the authentication tag", ErrDataCorruption)
	}
	plaintext, err := aead.Open(nil, sealed.Nonce[:], sealed.Ciphertext, sealed.AAD)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	if len(plaintext) == 0 {
		return secret.Empty(), nil
	}
	buffer, err := secret.NewFromBytes(plaintext)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("protecting plaintext: %w", err)
	}
	return buffer, nil
}

// SealValue CBOR-encodes value and seals it.
func SealValue[T any](deviceSecret []byte, context string, value T, aad []byte, random io.Reader) (*SealedData, error) {
	encoded, err := codec.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerializationFailed, err)
	}
	defer secret.Zero(encoded)
	return Seal(deviceSecret, context, encoded, aad, random)
}

// OpenValue opens a record and decodes its CBOR content.
func OpenValue[T any](deviceSecret []byte, sealed *SealedData) (T, error) {
	var value T
	buffer, err := Open(deviceSecret, sealed)
	if err != nil {
		return value, err
	}
	defer buffer.Close()
	if err := codec.Unmarshal(buffer.Bytes(), &value); err != nil {
		return value, fmt.Errorf("%w: %v", ErrSerializationFailed, err)
	}
	return value, nil
}

// Zero clears the AAD. Call when the record is no longer needed.
func (s *SealedData) Zero() {
	secret.Zero(s.AAD)
}

// MarshalBinary encodes the record as nonce (12 bytes), context
// (length-prefixed), optional AAD and length-prefixed ciphertext.
func (s *SealedData) MarshalBinary() ([]byte, error) {
	writer := codec.NewWriter(NonceSize + 12 + len(s.Context) + len(s.AAD) + len(s.Ciphertext))
	writer.Fixed(s.Nonce[:])
	writer.String(s.Context)
	writer.Optional(s.AAD, s.AAD != nil)
	writer.Bytes(s.Ciphertext)
	return writer.Data(), nil
}

// UnmarshalBinary decodes a record produced by MarshalBinary.
func (s *SealedData) UnmarshalBinary(data []byte) error {
	reader := codec.NewReader(data)
	var decoded SealedData
	reader.Fixed(decoded.Nonce[:])
	decoded.Context = reader.String()
	if aad, present := reader.Optional(); present {
		decoded.AAD = aad
		if decoded.AAD == nil {
			decoded.AAD = []byte{}
		}
	}
	decoded.Ciphertext = reader.Bytes()
	if err := reader.Finish(); err != nil {
		return fmt.Errorf("%w: %v", ErrDataCorruption, err)
	}
	*s = decoded
	return nil
}
