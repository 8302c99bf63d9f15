// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrShortBuffer is returned by Reader when a field runs past the end
// of the input.
var ErrShortBuffer = errors.New("codec: truncated input")

// ErrTrailingBytes is returned by Reader.Finish when input remains
// after the last expected field.
var ErrTrailingBytes = errors.New("codec: trailing bytes after last field")

// Writer builds the fixed little-endian wire formats (LAN discovery
// packets, sealed records, capability tokens). Variable-length fields
// carry a uint32 length prefix. Writer never fails; the caller checks
// Len against its size limit.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with capacity preallocated.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

func (w *Writer) Uint8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) Uint16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }

func (w *Writer) Uint32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }

func (w *Writer) Uint64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }

// Bool writes 1 or 0.
func (w *Writer) Bool(v bool) {
	if v {
		w.Uint8(1)
	} else {
		w.Uint8(0)
	}
}

// Fixed writes raw bytes with no length prefix. Used for fields whose
// size the format fixes (identifiers, nonces, signatures).
func (w *Writer) Fixed(b []byte) { w.buf = append(w.buf, b...) }

// Bytes writes a uint32 length prefix followed by b.
func (w *Writer) Bytes(b []byte) {
	w.Uint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// String writes a length-prefixed UTF-8 string.
func (w *Writer) String(s string) {
	w.Uint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// Optional writes a presence byte and, when present, the
// length-prefixed value.
func (w *Writer) Optional(b []byte, present bool) {
	w.Bool(present)
	if present {
		w.Bytes(b)
	}
}

// Len is the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// Data returns the encoded bytes. The slice aliases the Writer's
// buffer.
func (w *Writer) Data() []byte { return w.buf }

// Reader decodes the formats produced by Writer. The first error
// sticks: once a read fails, every later read returns zero values and
// Err reports the failure, so decoders can read a whole record and
// check once.
type Reader struct {
	data []byte
	pos  int
	err  error
	// maxField bounds any single length-prefixed field.
	maxField int
}

// NewReader returns a Reader over data. Length prefixes larger than
// the remaining input are rejected.
func NewReader(data []byte) *Reader {
	return &Reader{data: data, maxField: math.MaxInt32}
}

// Err returns the first decoding error.
func (r *Reader) Err() error { return r.err }

// Remaining is the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.data) - r.pos }

// Finish returns the sticky error, or ErrTrailingBytes if input
// remains.
func (r *Reader) Finish() error {
	if r.err != nil {
		return r.err
	}
	if r.pos != len(r.data) {
		return fmt.Errorf("%w: %d bytes", ErrTrailingBytes, len(r.data)-r.pos)
	}
	return nil
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.data)-r.pos {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, r.pos, len(r.data)-r.pos)
		return nil
	}
	out := r.data[r.pos : r.pos+n]
	r.pos += n
	return out
}

func (r *Reader) Uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *Reader) Uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *Reader) Uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// Bool reads a presence/flag byte. Values other than 0 and 1 are an
// error.
func (r *Reader) Bool() bool {
	v := r.Uint8()
	if v > 1 && r.err == nil {
		r.err = fmt.Errorf("codec: invalid boolean byte %#x at offset %d", v, r.pos-1)
	}
	return v == 1
}

// Fixed reads exactly len(out) bytes into out.
func (r *Reader) Fixed(out []byte) {
	b := r.take(len(out))
	if b != nil {
		copy(out, b)
	}
}

// Bytes reads a length-prefixed field. The result is a copy.
func (r *Reader) Bytes() []byte {
	length := r.Uint32()
	if r.err != nil {
		return nil
	}
	if int64(length) > int64(r.maxField) {
		r.err = fmt.Errorf("codec: field length %d exceeds limit %d", length, r.maxField)
		return nil
	}
	b := r.take(int(length))
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// String reads a length-prefixed UTF-8 string.
func (r *Reader) String() string {
	return string(r.Bytes())
}

// Optional reads a presence byte and, when present, the value.
func (r *Reader) Optional() ([]byte, bool) {
	if !r.Bool() || r.err != nil {
		return nil, false
	}
	return r.Bytes(), true
}
