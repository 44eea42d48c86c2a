package manifest

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/cumulodb/cumulo/attrs"
	"github.com/cumulodb/cumulo/distance"
	"github.com/cumulodb/cumulo/model"
)

// Object layout: a 16 byte header (magic, format version, CRC32-C of the
// payload, payload length) followed by the payload. The CRC catches torn or
// tampered objects before any field is trusted.
const (
	binaryMagic   = 0x434d414e // "CMAN"
	binaryVersion = 1
	headerSize    = 16
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

const (
	segFlagQuarantined = 1 << 0
)

// Encode serializes m. Encoding is deterministic: identical manifests
// produce identical bytes, which the WAL-style ambiguous-PUT guards rely on.
func Encode(m *Manifest) []byte {
	pb := &payloadBuffer{buf: make([]byte, 0, 192+len(m.Segments)*96+len(m.Dropped)*64)}

	pb.writeUint64(m.Version)
	pb.writeUint64(uint64(m.CreatedAtUnix))

	pb.writeUint32(uint32(m.Config.Dimension))
	pb.writeUint8(uint8(m.Config.Metric))
	if len(m.Config.Schema) > 0 {
		pb.writeBytes(m.Config.Schema.AppendBinary(nil))
	} else {
		pb.writeBytes(nil)
	}

	pb.writeUint64(uint64(m.NextSegmentID))
	pb.writeUint64(m.CommittedWALSeq)

	pb.writeUint32(uint32(len(m.Segments)))
	for _, s := range m.Segments {
		pb.writeUint64(uint64(s.ID))
		pb.writeUint32(s.Generation)
		pb.writeString(s.Key)
		pb.writeUint64(s.MinID)
		pb.writeUint64(s.MaxID)
		pb.writeUint32(s.Count)
		pb.writeUint32(s.Tombstones)
		pb.writeUint64(s.MinSeq)
		pb.writeUint64(s.MaxSeq)
		pb.writeUint64(uint64(s.Bytes))
		var flags uint8
		if s.Quarantined {
			flags |= segFlagQuarantined
		}
		pb.writeUint8(flags)
	}

	pb.writeUint32(uint32(len(m.Dropped)))
	for _, d := range m.Dropped {
		pb.writeString(d.Key)
		pb.writeUint64(d.DroppedAtVersion)
		pb.writeUint64(uint64(d.DroppedAtUnix))
	}

	payload := pb.buf
	out := make([]byte, headerSize, headerSize+len(payload))
	binary.LittleEndian.PutUint32(out[0:], binaryMagic)
	binary.LittleEndian.PutUint32(out[4:], binaryVersion)
	binary.LittleEndian.PutUint32(out[8:], crc32.Checksum(payload, castagnoli))
	binary.LittleEndian.PutUint32(out[12:], uint32(len(payload)))
	return append(out, payload...)
}

// Decode parses and verifies a manifest object.
func Decode(data []byte) (*Manifest, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d byte object", ErrCorrupt, len(data))
	}
	if binary.LittleEndian.Uint32(data[0:]) != binaryMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint32(data[4:]); v != binaryVersion {
		return nil, fmt.Errorf("manifest: unsupported format version %d", v)
	}
	sum := binary.LittleEndian.Uint32(data[8:])
	length := binary.LittleEndian.Uint32(data[12:])
	if uint32(len(data)-headerSize) != length {
		return nil, fmt.Errorf("%w: payload length mismatch", ErrCorrupt)
	}
	payload := data[headerSize:]
	if crc32.Checksum(payload, castagnoli) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	pb := &payloadBuffer{buf: payload}
	m := &Manifest{}

	m.Version = pb.readUint64()
	m.CreatedAtUnix = int64(pb.readUint64())

	m.Config.Dimension = int(pb.readUint32())
	m.Config.Metric = distance.Metric(pb.readUint8())
	schemaBytes := pb.readBytes()
	if pb.err == nil && len(schemaBytes) > 0 {
		schema, rest, err := attrs.ParseSchema(schemaBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: schema: %v", ErrCorrupt, err)
		}
		if len(rest) != 0 {
			return nil, fmt.Errorf("%w: trailing schema bytes", ErrCorrupt)
		}
		m.Config.Schema = schema
	}

	m.NextSegmentID = model.SegmentID(pb.readUint64())
	m.CommittedWALSeq = pb.readUint64()

	numSegments := pb.readUint32()
	if pb.err == nil && numSegments > 0 {
		m.Segments = make([]SegmentInfo, numSegments)
		for i := range m.Segments {
			s := &m.Segments[i]
			s.ID = model.SegmentID(pb.readUint64())
			s.Generation = pb.readUint32()
			s.Key = pb.readString()
			s.MinID = pb.readUint64()
			s.MaxID = pb.readUint64()
			s.Count = pb.readUint32()
			s.Tombstones = pb.readUint32()
			s.MinSeq = pb.readUint64()
			s.MaxSeq = pb.readUint64()
			s.Bytes = int64(pb.readUint64())
			s.Quarantined = pb.readUint8()&segFlagQuarantined != 0
		}
	}

	numDropped := pb.readUint32()
	if pb.err == nil && numDropped > 0 {
		m.Dropped = make([]DroppedSegment, numDropped)
		for i := range m.Dropped {
			d := &m.Dropped[i]
			d.Key = pb.readString()
			d.DroppedAtVersion = pb.readUint64()
			d.DroppedAtUnix = int64(pb.readUint64())
		}
	}

	if pb.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, pb.err)
	}
	if pb.pos != len(payload) {
		return nil, fmt.Errorf("%w: %d trailing payload bytes", ErrCorrupt, len(payload)-pb.pos)
	}
	return m, nil
}

// payloadBuffer carries a sticky error so encode and decode paths read as
// straight-line field lists.
type payloadBuffer struct {
	buf []byte
	pos int
	err error
}

func (p *payloadBuffer) writeUint8(v uint8) {
	p.buf = append(p.buf, v)
}

func (p *payloadBuffer) writeUint32(v uint32) {
	p.buf = binary.LittleEndian.AppendUint32(p.buf, v)
}

func (p *payloadBuffer) writeUint64(v uint64) {
	p.buf = binary.LittleEndian.AppendUint64(p.buf, v)
}

func (p *payloadBuffer) writeString(s string) {
	if p.err != nil {
		return
	}
	if len(s) > 65535 {
		p.err = fmt.Errorf("string too long: %d bytes", len(s))
		return
	}
	p.buf = binary.LittleEndian.AppendUint16(p.buf, uint16(len(s)))
	p.buf = append(p.buf, s...)
}

func (p *payloadBuffer) writeBytes(b []byte) {
	if p.err != nil {
		return
	}
	p.buf = binary.LittleEndian.AppendUint32(p.buf, uint32(len(b)))
	p.buf = append(p.buf, b...)
}

func (p *payloadBuffer) readUint8() uint8 {
	if p.err != nil {
		return 0
	}
	if p.pos+1 > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return 0
	}
	v := p.buf[p.pos]
	p.pos++
	return v
}

func (p *payloadBuffer) readUint32() uint32 {
	if p.err != nil {
		return 0
	}
	if p.pos+4 > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return 0
	}
	v := binary.LittleEndian.Uint32(p.buf[p.pos:])
	p.pos += 4
	return v
}

func (p *payloadBuffer) readUint64() uint64 {
	if p.err != nil {
		return 0
	}
	if p.pos+8 > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return 0
	}
	v := binary.LittleEndian.Uint64(p.buf[p.pos:])
	p.pos += 8
	return v
}

func (p *payloadBuffer) readString() string {
	if p.err != nil {
		return ""
	}
	if p.pos+2 > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return ""
	}
	l := int(binary.LittleEndian.Uint16(p.buf[p.pos:]))
	p.pos += 2
	if p.pos+l > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return ""
	}
	s := string(p.buf[p.pos : p.pos+l])
	p.pos += l
	return s
}

func (p *payloadBuffer) readBytes() []byte {
	if p.err != nil {
		return nil
	}
	if p.pos+4 > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return nil
	}
	l := int(binary.LittleEndian.Uint32(p.buf[p.pos:]))
	p.pos += 4
	if p.pos+l > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return nil
	}
	b := p.buf[p.pos : p.pos+l]
	p.pos += l
	return b
}
