// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"crypto/cipher"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"github.com/hxrts/aura-sub026/lib/codec"
	"github.com/hxrts/aura-sub026/lib/digest"
	"github.com/hxrts/aura-sub026/lib/failure"
	"github.com/hxrts/aura-sub026/lib/ids"
	"github.com/hxrts/aura-sub026/lib/kdf"
	"github.com/hxrts/aura-sub026/lib/netutil"
	"github.com/hxrts/aura-sub026/lib/secret"
	"github.com/hxrts/aura-sub026/lib/signing"
)

const (
	// HandshakeTimeout bounds the whole handshake. A connection that
	// has not finished by then is closed.
	HandshakeTimeout = 10 * time.Second

	// MaxFrameSize bounds one message's plaintext.
	MaxFrameSize = 16 << 20

	handshakeNonceSize = 32
	maxHelloSize       = 4 << 10
	sessionKeyInfo     = "aura.transport.session-keys.v1"
)

var (
	ErrHandshakeFailed = failure.New(failure.AuthorizationDenied, "transport: handshake failed")
	ErrUnexpectedPeer  = failure.New(failure.AuthorizationDenied, "transport: connected to unexpected peer")
	ErrFrameTooLarge   = failure.New(failure.ProtocolViolation, "transport: frame exceeds maximum size")
	ErrFrameAuth       = failure.New(failure.Crypto, "transport: frame failed authentication")
)

// Identity is what the local device presents during handshakes.
type Identity struct {
	Device     ids.DeviceID
	PrivateKey ed25519.PrivateKey
	Ticket     PresenceTicket
}

// hello is the first, plaintext message each side sends.
type hello struct {
	Ticket    PresenceTicket `cbor:"1,keyasint"`
	Ephemeral []byte         `cbor:"2,keyasint"`
	Nonce     []byte         `cbor:"3,keyasint"`
}

type handshakeParams struct {
	identity Identity
	verifier *TicketVerifier
	// expected is the peer a dialer meant to reach. Zero when
	// accepting.
	expected ids.DeviceID
	nowMs    uint64
	random   io.Reader
}

// handshake authenticates both ends of conn and derives the session
// keys. Both peers run it at the same time:
//
//  1. Exchange hellos carrying a presence ticket, an ephemeral X25519
//     key and a random nonce.
//  2. Verify the peer's ticket.
//  3. Derive a key per direction with HKDF over the X25519 secret,
//     salted with the transcript hash of both hellos ordered by
//     device id.
//  4. Exchange, encrypted, a signature over the transcript by the key
//     the ticket binds, and verify the peer's.
//
// The caller closes conn when handshake fails.
func handshake(conn net.Conn, params handshakeParams) (*secureConn, PresenceTicket, error) {
	if err := conn.SetDeadline(time.Now().Add(HandshakeTimeout)); err != nil {
		return nil, PresenceTicket{}, fmt.Errorf("transport: setting handshake deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	ephemeral := make([]byte, curve25519.ScalarSize)
	defer secret.Zero(ephemeral)
	nonce := make([]byte, handshakeNonceSize)
	if _, err := io.ReadFull(params.random, ephemeral); err != nil {
		return nil, PresenceTicket{}, fmt.Errorf("transport: generating ephemeral key: %w", err)
	}
	if _, err := io.ReadFull(params.random, nonce); err != nil {
		return nil, PresenceTicket{}, fmt.Errorf("transport: generating handshake nonce: %w", err)
	}
	ephemeralPublic, err := curve25519.X25519(ephemeral, curve25519.Basepoint)
	if err != nil {
		return nil, PresenceTicket{}, fmt.Errorf("transport: deriving ephemeral key: %w", err)
	}
	localHello, err := codec.Marshal(hello{Ticket: params.identity.Ticket, Ephemeral: ephemeralPublic, Nonce: nonce})
	if err != nil {
		return nil, PresenceTicket{}, fmt.Errorf("transport: encoding hello: %w", err)
	}

	peerHello, err := exchange(func() error { return writeFrame(conn, localHello) },
		func() ([]byte, error) { return readFrame(conn, maxHelloSize) })
	if err != nil {
		return nil, PresenceTicket{}, netutil.Classify(err, "transport: exchanging hello")
	}
	var remote hello
	if err := codec.Unmarshal(peerHello, &remote); err != nil {
		return nil, PresenceTicket{}, fmt.Errorf("%w: decoding hello: %v", ErrHandshakeFailed, err)
	}
	peer := remote.Ticket.Device
	if err := params.verifier.Verify(remote.Ticket, params.nowMs); err != nil {
		return nil, PresenceTicket{}, err
	}
	if !params.expected.IsZero() && peer != params.expected {
		return nil, PresenceTicket{}, fmt.Errorf("%w: dialed %s, reached %s", ErrUnexpectedPeer, params.expected, peer)
	}
	if peer == params.identity.Device {
		return nil, PresenceTicket{}, fmt.Errorf("%w: peer presented this device's ticket", ErrHandshakeFailed)
	}
	if len(remote.Ephemeral) != curve25519.PointSize || len(remote.Nonce) != handshakeNonceSize {
		return nil, PresenceTicket{}, fmt.Errorf("%w: malformed hello", ErrHandshakeFailed)
	}

	shared, err := curve25519.X25519(ephemeral, remote.Ephemeral)
	if err != nil {
		return nil, PresenceTicket{}, fmt.Errorf("%w: key agreement: %v", ErrHandshakeFailed, err)
	}
	defer secret.Zero(shared)

	lowerFirst := params.identity.Device.Compare(peer) < 0
	var transcript ids.Hash32
	if lowerFirst {
		transcript = digest.SumParts(localHello, peerHello)
	} else {
		transcript = digest.SumParts(peerHello, localHello)
	}
	keys, err := kdf.Derive(shared, transcript[:], []byte(sessionKeyInfo), 2*chacha20poly1305.KeySize)
	if err != nil {
		return nil, PresenceTicket{}, err
	}
	defer secret.Zero(keys)
	sendKey, receiveKey := keys[:chacha20poly1305.KeySize], keys[chacha20poly1305.KeySize:]
	if !lowerFirst {
		sendKey, receiveKey = receiveKey, sendKey
	}
	session, err := newSecureConn(conn, peer, sendKey, receiveKey)
	if err != nil {
		return nil, PresenceTicket{}, err
	}

	proof := signing.Sign(params.identity.PrivateKey, signing.HandshakeDomain, transcript[:])
	peerProof, err := exchange(func() error { return session.WriteMessage(proof) }, session.ReadMessage)
	if err != nil {
		return nil, PresenceTicket{}, netutil.Classify(err, "transport: exchanging handshake proof")
	}
	if err := signing.Verify(remote.Ticket.PublicKey, signing.HandshakeDomain, transcript[:], peerProof); err != nil {
		return nil, PresenceTicket{}, fmt.Errorf("%w: %s did not prove its ticket key: %w", ErrHandshakeFailed, peer, err)
	}
	return session, remote.Ticket, nil
}

// exchange runs write on a background goroutine while reading, so
// both peers can send first on synchronous connections such as
// net.Pipe where a write blocks until the other side reads.
func exchange(write func() error, read func() ([]byte, error)) ([]byte, error) {
	written := make(chan error, 1)
	go func() { written <- write() }()
	received, err := read()
	if err != nil {
		return nil, err
	}
	if err := <-written; err != nil {
		return nil, err
	}
	return received, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	frame := codec.NewWriter(4 + len(payload))
	frame.Bytes(payload)
	_, err := w.Write(frame.Data())
	return err
}

func readFrame(r io.Reader, limit int) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(header[:])
	if int64(length) > int64(limit) {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, length, limit)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// secureConn carries AEAD-sealed frames. Each direction has its own key
// and a message counter as nonce. Writes may be concurrent; reads may
// not.
type secureConn struct {
	conn net.Conn
	peer ids.DeviceID

	writeMu  sync.Mutex
	send     cipher.AEAD
	sendSeq  uint64
	receive  cipher.AEAD
	received uint64
}

func newSecureConn(conn net.Conn, peer ids.DeviceID, sendKey, receiveKey []byte) (*secureConn, error) {
	send, err := chacha20poly1305.New(sendKey)
	if err != nil {
		return nil, failure.Wrap(failure.Crypto, err, "transport: send cipher")
	}
	receive, err := chacha20poly1305.New(receiveKey)
	if err != nil {
		return nil, failure.Wrap(failure.Crypto, err, "transport: receive cipher")
	}
	return &secureConn{conn: conn, peer: peer, send: send, receive: receive}, nil
}

func sequenceNonce(sequence uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[chacha20poly1305.NonceSize-8:], sequence)
	return nonce
}

// WriteMessage seals and sends one message.
func (c *secureConn) WriteMessage(payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	sealed := c.send.Seal(nil, sequenceNonce(c.sendSeq), payload, nil)
	c.sendSeq++
	return writeFrame(c.conn, sealed)
}

// ReadMessage receives and opens one message.
func (c *secureConn) ReadMessage() ([]byte, error) {
	sealed, err := readFrame(c.conn, MaxFrameSize+c.receive.Overhead())
	if err != nil {
		return nil, err
	}
	plaintext, err := c.receive.Open(sealed[:0], sequenceNonce(c.received), sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: message %d from %s", ErrFrameAuth, c.received, c.peer)
	}
	c.received++
	return plaintext, nil
}

func (c *secureConn) Close() error { return c.conn.Close() }
