package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/cumulodb/cumulo/attrs"
	"github.com/cumulodb/cumulo/internal/codec"
)

// Op identifies the kind of a log entry.
type Op uint8

const (
	OpInsert Op = 1
	OpDelete Op = 2
)

var (
	ErrCorrupt   = errors.New("wal: corrupt batch")
	ErrShortRead = errors.New("wal: short read in entry")
)

// Entry is one durable mutation. Sequence numbers are assigned by the writer
// and are strictly consecutive across the log.
type Entry struct {
	Op     Op
	Seq    uint64
	ID     uint64
	Vector []float32
	Attrs  attrs.Map
}

func appendEntry(dst []byte, e Entry) ([]byte, error) {
	dst = append(dst, byte(e.Op))
	dst = binary.LittleEndian.AppendUint64(dst, e.Seq)
	dst = binary.LittleEndian.AppendUint64(dst, e.ID)
	if e.Op == OpInsert {
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(e.Vector)))
		for _, f := range e.Vector {
			dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(f))
		}
		var err error
		if dst, err = e.Attrs.AppendBinary(dst); err != nil {
			return nil, fmt.Errorf("wal: encode attrs of %d: %w", e.ID, err)
		}
	}
	return dst, nil
}

func parseEntry(data []byte) (Entry, []byte, error) {
	if len(data) < 17 {
		return Entry{}, nil, ErrShortRead
	}
	e := Entry{
		Op:  Op(data[0]),
		Seq: binary.LittleEndian.Uint64(data[1:]),
		ID:  binary.LittleEndian.Uint64(data[9:]),
	}
	data = data[17:]

	switch e.Op {
	case OpDelete:
		return e, data, nil
	case OpInsert:
	default:
		return Entry{}, nil, fmt.Errorf("%w: unknown op %d", ErrCorrupt, e.Op)
	}

	if len(data) < 4 {
		return Entry{}, nil, ErrShortRead
	}
	dim := int(binary.LittleEndian.Uint32(data))
	data = data[4:]
	if len(data) < dim*4 {
		return Entry{}, nil, ErrShortRead
	}
	e.Vector = make([]float32, dim)
	for i := range e.Vector {
		e.Vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	data = data[dim*4:]

	m, rest, err := attrs.ParseMap(data)
	if err != nil {
		return Entry{}, nil, fmt.Errorf("%w: attrs: %v", ErrCorrupt, err)
	}
	if len(m) > 0 {
		e.Attrs = m
	}
	return e, rest, nil
}

// approxEntryBytes estimates the encoded size for batching decisions.
func approxEntryBytes(e Entry) int64 {
	n := int64(21 + 4*len(e.Vector))
	for k, v := range e.Attrs {
		n += int64(8 + len(k) + len(v.S) + 16*len(v.A))
	}
	return n
}

// Batch object layout:
//
//	u32 magic, u8 version, u8 compression, u16 reserved
//	u64 startSeq, u64 endSeq, u32 count
//	codec block frame over the concatenated entries
//
// The frame's checksum covers every entry including its sequence number, so
// the unprotected header fields are cross-checked against the decoded
// entries rather than trusted.
const (
	batchMagic      = uint32(0x4357414c) // "CWAL"
	batchVersion    = 1
	batchHeaderSize = 28
)

func encodeBatch(entries []Entry, comp codec.Type) ([]byte, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("wal: empty batch")
	}

	var raw []byte
	var err error
	for _, e := range entries {
		if raw, err = appendEntry(raw, e); err != nil {
			return nil, err
		}
	}

	dst := make([]byte, 0, batchHeaderSize+len(raw)+codec.FrameOverhead)
	dst = binary.LittleEndian.AppendUint32(dst, batchMagic)
	dst = append(dst, batchVersion, byte(comp), 0, 0)
	dst = binary.LittleEndian.AppendUint64(dst, entries[0].Seq)
	dst = binary.LittleEndian.AppendUint64(dst, entries[len(entries)-1].Seq)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(entries)))

	return codec.EncodeBlock(dst, raw, comp)
}

func decodeBatch(data []byte) ([]Entry, error) {
	if len(data) < batchHeaderSize {
		return nil, fmt.Errorf("%w: %d byte object", ErrCorrupt, len(data))
	}
	if binary.LittleEndian.Uint32(data) != batchMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if data[4] != batchVersion {
		return nil, fmt.Errorf("wal: unsupported batch version %d", data[4])
	}
	comp := codec.Type(data[5])
	if !comp.Valid() {
		return nil, fmt.Errorf("%w: unknown compression %d", ErrCorrupt, data[5])
	}
	startSeq := binary.LittleEndian.Uint64(data[8:])
	endSeq := binary.LittleEndian.Uint64(data[16:])
	count := binary.LittleEndian.Uint32(data[24:])

	raw, err := codec.DecodeBlock(data[batchHeaderSize:], comp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	entries := make([]Entry, 0, count)
	for len(raw) > 0 {
		var e Entry
		e, raw, err = parseEntry(raw)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no entries", ErrCorrupt)
	}

	if uint32(len(entries)) != count {
		return nil, fmt.Errorf("%w: header count %d, decoded %d", ErrCorrupt, count, len(entries))
	}
	if entries[0].Seq != startSeq || entries[len(entries)-1].Seq != endSeq {
		return nil, fmt.Errorf("%w: header range [%d,%d] does not match entries [%d,%d]",
			ErrCorrupt, startSeq, endSeq, entries[0].Seq, entries[len(entries)-1].Seq)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Seq != entries[i-1].Seq+1 {
			return nil, fmt.Errorf("%w: non-consecutive sequence %d after %d",
				ErrCorrupt, entries[i].Seq, entries[i-1].Seq)
		}
	}
	return entries, nil
}
