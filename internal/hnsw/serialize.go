package hnsw

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var errTruncated = errors.New("hnsw: truncated graph encoding")

// AppendBinary appends the graph encoding to dst and returns the extended
// slice. The layout is little endian:
//
//	u32 rows, u32 entry, u16 maxLevel, u16 m
//	rows x (u16 degree, degree x u32 neighbor)        layer 0
//	maxLevel x (u32 nodes, nodes x (u32 row, u16 degree, degree x u32))
//
// Upper-layer rows are written in ascending order so Load can rebuild the
// binary-searchable tables directly.
func (g *Graph) AppendBinary(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(g.level0)))
	dst = binary.LittleEndian.AppendUint32(dst, g.entry)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(g.maxLevel))
	dst = binary.LittleEndian.AppendUint16(dst, uint16(g.m))

	for _, conns := range g.level0 {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(len(conns)))
		for _, n := range conns {
			dst = binary.LittleEndian.AppendUint32(dst, n)
		}
	}

	for i := range g.upper {
		ll := &g.upper[i]
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(ll.rows)))
		for j, row := range ll.rows {
			dst = binary.LittleEndian.AppendUint32(dst, row)
			conns := ll.links[j]
			dst = binary.LittleEndian.AppendUint16(dst, uint16(len(conns)))
			for _, n := range conns {
				dst = binary.LittleEndian.AppendUint32(dst, n)
			}
		}
	}
	return dst
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (g *Graph) MarshalBinary() ([]byte, error) {
	return g.AppendBinary(nil), nil
}

type graphReader struct {
	data []byte
	off  int
}

func (r *graphReader) u16() (uint16, error) {
	if r.off+2 > len(r.data) {
		return 0, errTruncated
	}
	v := binary.LittleEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v, nil
}

func (r *graphReader) u32() (uint32, error) {
	if r.off+4 > len(r.data) {
		return 0, errTruncated
	}
	v := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

func (r *graphReader) conns(degree int, rows uint32) ([]uint32, error) {
	if degree == 0 {
		return nil, nil
	}
	out := make([]uint32, degree)
	for i := range out {
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		if n >= rows {
			return nil, fmt.Errorf("hnsw: neighbor row %d out of range (%d rows)", n, rows)
		}
		out[i] = n
	}
	return out, nil
}

// Load decodes a graph produced by AppendBinary. Every neighbor reference is
// bounds checked; trailing bytes are rejected so corruption cannot pass
// silently.
func Load(data []byte) (*Graph, error) {
	r := &graphReader{data: data}

	rows, err := r.u32()
	if err != nil {
		return nil, err
	}
	entry, err := r.u32()
	if err != nil {
		return nil, err
	}
	maxLevel, err := r.u16()
	if err != nil {
		return nil, err
	}
	m, err := r.u16()
	if err != nil {
		return nil, err
	}
	if m < minimumM {
		return nil, fmt.Errorf("hnsw: invalid link parameter %d", m)
	}
	if rows > 0 && entry >= rows {
		return nil, fmt.Errorf("hnsw: entry point %d out of range (%d rows)", entry, rows)
	}

	g := &Graph{
		m:        int(m),
		mMax0:    mmax0Multiplier * int(m),
		entry:    entry,
		maxLevel: int(maxLevel),
		level0:   make([][]uint32, rows),
	}

	maxDegree := uint16(g.mMax0)
	for i := uint32(0); i < rows; i++ {
		degree, err := r.u16()
		if err != nil {
			return nil, err
		}
		if degree > maxDegree {
			return nil, fmt.Errorf("hnsw: row %d degree %d exceeds cap %d", i, degree, maxDegree)
		}
		if g.level0[i], err = r.conns(int(degree), rows); err != nil {
			return nil, err
		}
	}

	g.upper = make([]levelLinks, maxLevel)
	for level := 1; level <= int(maxLevel); level++ {
		nodes, err := r.u32()
		if err != nil {
			return nil, err
		}
		if uint64(nodes) > uint64(rows) {
			return nil, fmt.Errorf("hnsw: level %d claims %d nodes with %d rows", level, nodes, rows)
		}
		ll := &g.upper[level-1]
		ll.rows = make([]uint32, nodes)
		ll.links = make([][]uint32, nodes)
		prev := int64(-1)
		for j := uint32(0); j < nodes; j++ {
			row, err := r.u32()
			if err != nil {
				return nil, err
			}
			if row >= rows {
				return nil, fmt.Errorf("hnsw: level %d row %d out of range (%d rows)", level, row, rows)
			}
			if int64(row) <= prev {
				return nil, fmt.Errorf("hnsw: level %d rows not strictly ascending", level)
			}
			prev = int64(row)

			degree, err := r.u16()
			if err != nil {
				return nil, err
			}
			if degree > maxDegree {
				return nil, fmt.Errorf("hnsw: level %d row %d degree %d exceeds cap %d", level, row, degree, maxDegree)
			}
			ll.rows[j] = row
			if ll.links[j], err = r.conns(int(degree), rows); err != nil {
				return nil, err
			}
		}
	}

	if r.off != len(data) {
		return nil, fmt.Errorf("hnsw: %d trailing bytes after graph", len(data)-r.off)
	}
	return g, nil
}
