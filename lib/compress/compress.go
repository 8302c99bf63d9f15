// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compress

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies the algorithm a frame was written with. The values
// are stored in frames and must not change.
type Codec uint8

const (
	None Codec = 0
	LZ4  Codec = 1
	Zstd Codec = 2
)

func (c Codec) String() string {
	switch c {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCodec parses a codec name as written in configuration.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "none":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	default:
		return 0, fmt.Errorf("compress: unknown codec %q", name)
	}
}

// headerSize is the codec byte plus the uint32 uncompressed length.
const headerSize = 5

// DefaultMaxSize bounds the uncompressed size Decode accepts when the
// caller passes zero.
const DefaultMaxSize = 16 << 20

var (
	// ErrCorrupt is returned for frames whose header or payload does
	// not decode to the declared length.
	ErrCorrupt = errors.New("compress: corrupt frame")

	// ErrTooLarge is returned when a frame declares an uncompressed
	// size above the caller's limit.
	ErrTooLarge = errors.New("compress: frame exceeds size limit")
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("compress: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(DefaultMaxSize*4))
	if err != nil {
		panic("compress: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode compresses data with codec and returns a self-describing
// frame. If codec does not shrink data, the frame stores it raw.
func Encode(data []byte, codec Codec) ([]byte, error) {
	var body []byte
	switch codec {
	case None:
	case LZ4:
		bound := lz4.CompressBlockBound(len(data))
		destination := make([]byte, bound)
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("compress: lz4: %w", err)
		}
		// Zero means lz4 judged the block incompressible.
		if written > 0 {
			body = destination[:written]
		}
	case Zstd:
		body = zstdEncoder.EncodeAll(data, nil)
	default:
		return nil, fmt.Errorf("compress: unsupported codec %s", codec)
	}
	if body == nil || len(body) >= len(data) {
		codec, body = None, data
	}

	frame := make([]byte, headerSize, headerSize+len(body))
	frame[0] = byte(codec)
	binary.LittleEndian.PutUint32(frame[1:], uint32(len(data)))
	return append(frame, body...), nil
}

// Decode reverses Encode. maxSize bounds the declared uncompressed
// length; zero means DefaultMaxSize.
func Decode(frame []byte, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if len(frame) < headerSize {
		return nil, fmt.Errorf("%w: %d byte frame", ErrCorrupt, len(frame))
	}
	codec := Codec(frame[0])
	size := int(binary.LittleEndian.Uint32(frame[1:]))
	body := frame[headerSize:]
	if size > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, size, maxSize)
	}

	switch codec {
	case None:
		if len(body) != size {
			return nil, fmt.Errorf("%w: raw body %d bytes, header says %d", ErrCorrupt, len(body), size)
		}
		return append([]byte(nil), body...), nil
	case LZ4:
		destination := make([]byte, size)
		read, err := lz4.UncompressBlock(body, destination)
		if err != nil || read != size {
			return nil, fmt.Errorf("%w: lz4 produced %d of %d bytes: %v", ErrCorrupt, read, size, err)
		}
		return destination, nil
	case Zstd:
		result, err := zstdDecoder.DecodeAll(body, make([]byte, 0, size))
		if err != nil || len(result) != size {
			return nil, fmt.Errorf("%w: zstd produced %d of %d bytes: %v", ErrCorrupt, len(result), size, err)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("%w: unknown codec %d", ErrCorrupt, frame[0])
	}
}

// FrameCodec reports which codec a frame was written with.
func FrameCodec(frame []byte) (Codec, error) {
	if len(frame) < headerSize {
		return 0, ErrCorrupt
	}
	return Codec(frame[0]), nil
}
