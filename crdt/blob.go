// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package crdt

import (
	"fmt"
	"io"

	"github.com/hxrts/aura-sub026/lib/codec"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/lib/sealed"
	"github.com/hxrts/aura-sub026/lib/secret"
	"github.com/hxrts/aura-sub026/lib/timestamp"
)

// SealedBlobTypeID is the sealed blob fact type id.
const SealedBlobTypeID = "aura.sealed_blob"

// SealedBlobFact replicates an encrypted value between an account's
// devices. Only holders of the device secret it was sealed under can
// read it; everyone else replicates the ciphertext.
type SealedBlobFact struct {
	Context ids.ContextID       `cbor:"1,keyasint"`
	Name    string              `cbor:"2,keyasint"`
	Sealed  []byte              `cbor:"3,keyasint"`
	At      timestamp.TimeStamp `cbor:"4,keyasint"`
}

func (SealedBlobFact) TypeID() string { return SealedBlobTypeID }
func (f SealedBlobFact) ContextID() ids.ContextID { return f.Context }
func (f SealedBlobFact) SubjectKey() string { return f.Name }
func (f SealedBlobFact) Encode() ([]byte, error) { return codec.Marshal(f) }

// sealingContext binds a blob's ciphertext to its registry key.
func sealingContext(context ids.ContextID, name string) string {
	return "crdt-blob:" + context.String() + ":" + name
}

// NewSealedBlob seals plaintext under deviceSecret. The name is
// authenticated as additional data.
func NewSealedBlob(deviceSecret []byte, context ids.ContextID, name string, plaintext []byte, at timestamp.TimeStamp, random io.Reader) (SealedBlobFact, error) {
	record, err := sealed.Seal(deviceSecret, sealingContext(context, name), plaintext, []byte(name), random)
	if err != nil {
		return SealedBlobFact{}, err
	}
	encoded, err := record.MarshalBinary()
	if err != nil {
		return SealedBlobFact{}, err
	}
	return SealedBlobFact{Context: context, Name: name, Sealed: encoded, At: at}, nil
}

// Open decrypts the blob. The caller must Close the returned buffer.
func (f SealedBlobFact) Open(deviceSecret []byte) (*secret.Buffer, error) {
	var record sealed.SealedData
	if err := record.UnmarshalBinary(f.Sealed); err != nil {
		return nil, err
	}
	if record.Context != sealingContext(f.Context, f.Name) {
		return nil, fmt.Errorf("%w: blob %q sealed for another key", sealed.ErrDataCorruption, f.Name)
	}
	return sealed.Open(deviceSecret, &record)
}

func joinSealedBlob(a, b SealedBlobFact) (SealedBlobFact, error) {
	if a.At.Domain == 0 {
		return b, nil
	}
	if b.At.Domain == 0 {
		return a, nil
	}
	return LastWriterWins(a, b, a.At, b.At)
}

var sealedBlobType = Type{
	ID:     SealedBlobTypeID,
	Decode: decodeAs[SealedBlobFact](SealedBlobTypeID),
	Join:   joinAs(joinSealedBlob),
}
