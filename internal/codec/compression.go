// Package codec implements the framed block compression shared by the
// segment format and the WAL. Each block carries its own CRC so corruption
// is caught at decode time, before any payload is interpreted.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type defines the compression algorithm applied to a block.
type Type uint8

const (
	// None stores blocks uncompressed.
	None Type = 0
	// LZ4 favors decode speed; the default for segment data.
	LZ4 Type = 1
	// Zstd favors ratio; useful for cold data and WAL batches.
	Zstd Type = 2
)

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Valid reports whether t is a known compression type.
func (t Type) Valid() bool {
	return t <= Zstd
}

// ErrCorrupt is returned when a block fails CRC or size validation.
var ErrCorrupt = errors.New("codec: corrupt block")

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Block frame: [rawLen uint32][storedLen uint32][crc32c uint32][payload].
// storedLen == 0 means the payload is stored raw (rawLen bytes); the CRC
// always covers the stored payload bytes.
const blockHeaderSize = 12

// FrameOverhead is the fixed per-frame header size, exposed so writers can
// pre-size encode buffers.
const FrameOverhead = blockHeaderSize

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func putZstdEncoder(enc *zstd.Encoder) {
	zstdEncoderPool.Put(enc)
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

func putZstdDecoder(dec *zstd.Decoder) {
	zstdDecoderPool.Put(dec)
}

// EncodeBlock appends one framed block containing raw to dst and returns the
// extended buffer. If compression does not pay off (ratio above 0.9), the
// payload is stored uncompressed under the same frame.
func EncodeBlock(dst, raw []byte, t Type) ([]byte, error) {
	var stored []byte

	switch t {
	case None:
	case LZ4:
		bound := lz4.CompressBlockBound(len(raw))
		buf := make([]byte, bound)
		n, err := lz4.CompressBlock(raw, buf, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n > 0 {
			stored = buf[:n]
		}
	case Zstd:
		enc := getZstdEncoder()
		stored = enc.EncodeAll(raw, nil)
		putZstdEncoder(enc)
	default:
		return nil, fmt.Errorf("codec: unknown compression type %d", t)
	}

	if len(stored) == 0 || float64(len(stored)) > float64(len(raw))*0.9 {
		stored = nil
	}

	payload := stored
	storedLen := uint32(len(stored))
	if stored == nil {
		payload = raw
		storedLen = 0
	}

	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(raw)))
	dst = binary.LittleEndian.AppendUint32(dst, storedLen)
	dst = binary.LittleEndian.AppendUint32(dst, crc32.Checksum(payload, castagnoli))
	return append(dst, payload...), nil
}

// DecodeBlock decodes exactly one framed block. The input must span the full
// frame as recorded in the enclosing block table.
func DecodeBlock(data []byte, t Type) ([]byte, error) {
	if len(data) < blockHeaderSize {
		return nil, fmt.Errorf("%w: frame shorter than header", ErrCorrupt)
	}

	rawLen := binary.LittleEndian.Uint32(data[0:])
	storedLen := binary.LittleEndian.Uint32(data[4:])
	sum := binary.LittleEndian.Uint32(data[8:])

	payloadLen := storedLen
	if storedLen == 0 {
		payloadLen = rawLen
	}
	if uint32(len(data)-blockHeaderSize) < payloadLen {
		return nil, fmt.Errorf("%w: truncated payload", ErrCorrupt)
	}
	payload := data[blockHeaderSize : blockHeaderSize+payloadLen]

	if crc32.Checksum(payload, castagnoli) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	if storedLen == 0 {
		out := make([]byte, rawLen)
		copy(out, payload)
		return out, nil
	}

	switch t {
	case LZ4:
		out := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrCorrupt, err)
		}
		if uint32(n) != rawLen {
			return nil, fmt.Errorf("%w: decompressed size mismatch", ErrCorrupt)
		}
		return out, nil
	case Zstd:
		dec := getZstdDecoder()
		out, err := dec.DecodeAll(payload, make([]byte, 0, rawLen))
		putZstdDecoder(dec)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
		}
		if uint32(len(out)) != rawLen {
			return nil, fmt.Errorf("%w: decompressed size mismatch", ErrCorrupt)
		}
		return out, nil
	case None:
		// storedLen != 0 under None means the frame lied about itself.
		return nil, fmt.Errorf("%w: compressed payload in uncompressed frame", ErrCorrupt)
	default:
		return nil, fmt.Errorf("codec: unknown compression type %d", t)
	}
}

// FrameSize returns the on-object size of the frame starting at data, or an
// error if data is too short to hold a header.
func FrameSize(data []byte) (int, error) {
	if len(data) < blockHeaderSize {
		return 0, fmt.Errorf("%w: frame shorter than header", ErrCorrupt)
	}
	rawLen := binary.LittleEndian.Uint32(data[0:])
	storedLen := binary.LittleEndian.Uint32(data[4:])
	if storedLen == 0 {
		return blockHeaderSize + int(rawLen), nil
	}
	return blockHeaderSize + int(storedLen), nil
}
