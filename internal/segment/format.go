// Package segment implements the immutable segment objects that hold flushed
// and compacted records: columnar ids, vectors and attributes, the deleted-id
// shadow set, and an embedded proximity-graph index, all in one object per
// segment.
//
// Object layout:
//
//	[fixed header][section table][rows bitmap][deleted bitmap]
//	[id blocks][vector blocks][attr blocks][graph]
//
// The two bitmaps sit directly behind the table so a single prefetch range
// usually covers everything a reader keeps resident. The paged sections are
// split into fixed-row-count blocks, each framed and CRC'd by the codec
// package, and fetched on demand through the block cache.
package segment

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/cumulodb/cumulo/distance"
	"github.com/cumulodb/cumulo/internal/codec"
)

const (
	// Magic identifies a segment object ("CSEG").
	Magic = 0x43534547

	// FormatVersion is bumped on incompatible layout changes.
	FormatVersion = 1

	headerSize = 56

	// headerPrefetchSize is the open-time range fetch. It covers the header,
	// the section table and both resident bitmaps for all but very large or
	// delete-heavy segments, which fall back to exact follow-up ranges.
	headerPrefetchSize = 16 << 10
)

// Section identifiers, doubling as cache key sections.
const (
	SectionIDs     uint8 = 1
	SectionVectors uint8 = 2
	SectionAttrs   uint8 = 3
	SectionRows    uint8 = 4
	SectionDeleted uint8 = 5
	SectionGraph   uint8 = 6
)

// DefaultRowsPerBlock is the row count per paged-section block.
const DefaultRowsPerBlock = 1024

// DefaultFlatThreshold is the row count below which no graph is built and
// searches scan the segment instead.
const DefaultFlatThreshold = 256

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// blockRef locates one framed block inside the object.
type blockRef struct {
	off uint64
	n   uint32
}

// extent locates one single-frame section.
type extent struct {
	off uint64
	n   uint64
}

// layout is the decoded header plus section table of one segment object.
type layout struct {
	rowCount     uint32
	dim          int
	metric       distance.Metric
	compression  codec.Type
	rowsPerBlock int
	deletedCount uint32
	minID, maxID uint64

	idBlocks   []blockRef
	firstIDs   []uint64 // first id of each id block, for block selection
	vecBlocks  []blockRef
	attrBlocks []blockRef

	rows    extent
	deleted extent
	graph   extent
}

// blockCount returns the number of blocks in each paged section.
func (l *layout) blockCount() int {
	if l.rowCount == 0 {
		return 0
	}
	return (int(l.rowCount) + l.rowsPerBlock - 1) / l.rowsPerBlock
}

// rowsInBlock returns the row count of block b; only the last block may be
// short.
func (l *layout) rowsInBlock(b int) int {
	if start := b * l.rowsPerBlock; start+l.rowsPerBlock > int(l.rowCount) {
		return int(l.rowCount) - start
	}
	return l.rowsPerBlock
}

// end returns the first byte past all encoded sections, which equals the
// object size. The writer always places the graph extent at the tail, with
// n == 0 when no graph was built.
func (l *layout) end() uint64 {
	return l.graph.off + l.graph.n
}

func (l *layout) encodedTableLen() int {
	n := 3 * 4 // three block counts
	n += len(l.idBlocks) * (8 + 4 + 8)
	n += len(l.vecBlocks) * (8 + 4)
	n += len(l.attrBlocks) * (8 + 4)
	n += 3 * 16 // rows, deleted, graph extents
	return n
}

// encodeHeader writes the fixed header and section table into dst, which must
// be at least headerSize+encodedTableLen() bytes.
func (l *layout) encodeHeader(dst []byte) {
	table := dst[headerSize:]
	o := 0
	putBlocks := func(blocks []blockRef, first []uint64) {
		binary.LittleEndian.PutUint32(table[o:], uint32(len(blocks)))
		o += 4
		for i, b := range blocks {
			binary.LittleEndian.PutUint64(table[o:], b.off)
			binary.LittleEndian.PutUint32(table[o+8:], b.n)
			o += 12
			if first != nil {
				binary.LittleEndian.PutUint64(table[o:], first[i])
				o += 8
			}
		}
	}
	putBlocks(l.idBlocks, l.firstIDs)
	putBlocks(l.vecBlocks, nil)
	putBlocks(l.attrBlocks, nil)
	for _, e := range []extent{l.rows, l.deleted, l.graph} {
		binary.LittleEndian.PutUint64(table[o:], e.off)
		binary.LittleEndian.PutUint64(table[o+8:], e.n)
		o += 16
	}
	table = table[:o]

	binary.LittleEndian.PutUint32(dst[0:], Magic)
	binary.LittleEndian.PutUint32(dst[4:], FormatVersion)
	binary.LittleEndian.PutUint32(dst[8:], l.rowCount)
	binary.LittleEndian.PutUint32(dst[12:], uint32(l.dim))
	dst[16] = uint8(l.metric)
	dst[17] = uint8(l.compression)
	binary.LittleEndian.PutUint16(dst[18:], uint16(l.rowsPerBlock))
	binary.LittleEndian.PutUint32(dst[20:], l.deletedCount)
	binary.LittleEndian.PutUint64(dst[24:], l.minID)
	binary.LittleEndian.PutUint64(dst[32:], l.maxID)
	binary.LittleEndian.PutUint32(dst[40:], uint32(len(table)))
	binary.LittleEndian.PutUint32(dst[44:], crc32.Checksum(table, castagnoli))
	binary.LittleEndian.PutUint64(dst[48:], 0)
}

// decodeHeader parses the fixed header and returns the section table's length
// and checksum, both still to be verified against the table bytes.
func decodeHeader(data []byte) (l *layout, tableLen int, tableSum uint32, err error) {
	if len(data) < headerSize {
		return nil, 0, 0, fmt.Errorf("object shorter than header: %d bytes", len(data))
	}
	if m := binary.LittleEndian.Uint32(data[0:]); m != Magic {
		return nil, 0, 0, fmt.Errorf("bad magic %#x", m)
	}
	if v := binary.LittleEndian.Uint32(data[4:]); v != FormatVersion {
		return nil, 0, 0, fmt.Errorf("unsupported format version %d", v)
	}
	l = &layout{
		rowCount:     binary.LittleEndian.Uint32(data[8:]),
		dim:          int(binary.LittleEndian.Uint32(data[12:])),
		metric:       distance.Metric(data[16]),
		compression:  codec.Type(data[17]),
		rowsPerBlock: int(binary.LittleEndian.Uint16(data[18:])),
		deletedCount: binary.LittleEndian.Uint32(data[20:]),
		minID:        binary.LittleEndian.Uint64(data[24:]),
		maxID:        binary.LittleEndian.Uint64(data[32:]),
	}
	if l.dim <= 0 {
		return nil, 0, 0, fmt.Errorf("invalid dimension %d", l.dim)
	}
	if !l.metric.Valid() {
		return nil, 0, 0, fmt.Errorf("unknown metric %d", uint8(l.metric))
	}
	if !l.compression.Valid() {
		return nil, 0, 0, fmt.Errorf("unknown compression %d", uint8(l.compression))
	}
	if l.rowsPerBlock <= 0 {
		return nil, 0, 0, fmt.Errorf("invalid rows per block %d", l.rowsPerBlock)
	}
	tableLen = int(binary.LittleEndian.Uint32(data[40:]))
	tableSum = binary.LittleEndian.Uint32(data[44:])
	return l, tableLen, tableSum, nil
}

// decodeTable parses and verifies the section table. The header fields of l
// must already be populated.
func (l *layout) decodeTable(table []byte, sum uint32) error {
	if crc32.Checksum(table, castagnoli) != sum {
		return fmt.Errorf("section table checksum mismatch")
	}

	o := 0
	readBlocks := func(withFirst bool) ([]blockRef, []uint64, error) {
		if o+4 > len(table) {
			return nil, nil, fmt.Errorf("section table truncated")
		}
		count := int(binary.LittleEndian.Uint32(table[o:]))
		o += 4
		if count != l.blockCount() {
			return nil, nil, fmt.Errorf("block count %d, want %d", count, l.blockCount())
		}
		entry := 12
		if withFirst {
			entry = 20
		}
		if o+count*entry > len(table) {
			return nil, nil, fmt.Errorf("section table truncated")
		}
		blocks := make([]blockRef, count)
		var first []uint64
		if withFirst {
			first = make([]uint64, count)
		}
		for i := range blocks {
			blocks[i].off = binary.LittleEndian.Uint64(table[o:])
			blocks[i].n = binary.LittleEndian.Uint32(table[o+8:])
			o += 12
			if withFirst {
				first[i] = binary.LittleEndian.Uint64(table[o:])
				o += 8
			}
		}
		return blocks, first, nil
	}

	var err error
	if l.idBlocks, l.firstIDs, err = readBlocks(true); err != nil {
		return err
	}
	if l.vecBlocks, _, err = readBlocks(false); err != nil {
		return err
	}
	if l.attrBlocks, _, err = readBlocks(false); err != nil {
		return err
	}
	if o+3*16 != len(table) {
		return fmt.Errorf("section table length mismatch")
	}
	for _, e := range []*extent{&l.rows, &l.deleted, &l.graph} {
		e.off = binary.LittleEndian.Uint64(table[o:])
		e.n = binary.LittleEndian.Uint64(table[o+8:])
		o += 16
	}

	for i := 1; i < len(l.firstIDs); i++ {
		if l.firstIDs[i] <= l.firstIDs[i-1] {
			return fmt.Errorf("id block bounds not ascending")
		}
	}
	return nil
}

// blockFor returns the section's block reference for a row.
func (l *layout) blockFor(section uint8, block int) (blockRef, error) {
	var blocks []blockRef
	switch section {
	case SectionIDs:
		blocks = l.idBlocks
	case SectionVectors:
		blocks = l.vecBlocks
	case SectionAttrs:
		blocks = l.attrBlocks
	default:
		return blockRef{}, fmt.Errorf("section %d is not paged", section)
	}
	if block < 0 || block >= len(blocks) {
		return blockRef{}, fmt.Errorf("block %d out of range for section %d", block, section)
	}
	return blocks[block], nil
}
