package segment

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/google/uuid"

	"github.com/cumulodb/cumulo/distance"
	"github.com/cumulodb/cumulo/internal/codec"
	"github.com/cumulodb/cumulo/internal/hnsw"
	"github.com/cumulodb/cumulo/internal/manifest"
	"github.com/cumulodb/cumulo/internal/resource"
	"github.com/cumulodb/cumulo/model"
	"github.com/cumulodb/cumulo/objstore"
)

// WriteOptions tune segment construction. The zero value takes defaults.
type WriteOptions struct {
	// Compression applied to every framed block. Default LZ4.
	Compression codec.Type

	// RowsPerBlock sets the paging granularity. Default DefaultRowsPerBlock,
	// max 65535.
	RowsPerBlock int

	// FlatThreshold is the row count below which no graph is built. Default
	// DefaultFlatThreshold.
	FlatThreshold int

	// Index configures the graph build.
	Index hnsw.Config
}

func (o WriteOptions) withDefaults() WriteOptions {
	if o.Compression == codec.None {
		o.Compression = codec.LZ4
	}
	if o.RowsPerBlock <= 0 {
		o.RowsPerBlock = DefaultRowsPerBlock
	}
	if o.RowsPerBlock > math.MaxUint16 {
		o.RowsPerBlock = math.MaxUint16
	}
	if o.FlatThreshold <= 0 {
		o.FlatThreshold = DefaultFlatThreshold
	}
	return o
}

// NewKey returns a fresh segment object key under the namespace prefix.
// Random keys let racing flush and compaction writers stage objects without
// collisions; the manifest commit decides which become visible.
func NewKey(prefix string) string {
	key := "segments/" + uuid.NewString()
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// Write builds a segment object from id-sorted live records plus the shadow
// set of ids deleted since the previous flush, uploads it under key, and
// returns its catalog entry. ID, Generation, MinSeq and MaxSeq are left for
// the committer to fill.
//
// Records must be strictly ascending by id, every vector must have length
// cfg.Dimension (already normalized for metrics that require it), and no
// record id may also appear in deleted.
func Write(ctx context.Context, store objstore.Store, gov *resource.Governor, key string, cfg manifest.Config, recs []model.Record, deleted *roaring64.Bitmap, opts WriteOptions) (manifest.SegmentInfo, error) {
	opts = opts.withDefaults()

	if deleted == nil {
		deleted = roaring64.New()
	}
	if len(recs) == 0 && deleted.IsEmpty() {
		return manifest.SegmentInfo{}, fmt.Errorf("segment: nothing to write")
	}
	if uint64(len(recs)) > math.MaxUint32 {
		return manifest.SegmentInfo{}, fmt.Errorf("segment: %d records exceed row limit", len(recs))
	}
	rows := roaring64.New()
	for i, rec := range recs {
		if len(rec.Vector) != cfg.Dimension {
			return manifest.SegmentInfo{}, fmt.Errorf("segment: record %d has dimension %d, want %d", rec.ID, len(rec.Vector), cfg.Dimension)
		}
		if i > 0 && rec.ID <= recs[i-1].ID {
			return manifest.SegmentInfo{}, fmt.Errorf("segment: record ids not strictly ascending at %d", rec.ID)
		}
		if deleted.Contains(rec.ID) {
			return manifest.SegmentInfo{}, fmt.Errorf("segment: record %d both live and deleted", rec.ID)
		}
		rows.Add(rec.ID)
	}

	l := &layout{
		rowCount:     uint32(len(recs)),
		dim:          cfg.Dimension,
		metric:       cfg.Metric,
		compression:  opts.Compression,
		rowsPerBlock: opts.RowsPerBlock,
		deletedCount: uint32(deleted.GetCardinality()),
	}
	if len(recs) > 0 {
		l.minID = recs[0].ID
		l.maxID = recs[len(recs)-1].ID
	}

	blocks := l.blockCount()
	l.idBlocks = make([]blockRef, blocks)
	l.firstIDs = make([]uint64, blocks)
	l.vecBlocks = make([]blockRef, blocks)
	l.attrBlocks = make([]blockRef, blocks)

	body, err := buildBody(l, recs, rows, deleted, opts)
	if err != nil {
		return manifest.SegmentInfo{}, err
	}

	obj := make([]byte, headerSize+l.encodedTableLen(), headerSize+l.encodedTableLen()+len(body))
	shiftLayout(l, uint64(len(obj)))
	l.encodeHeader(obj)
	obj = append(obj, body...)

	if err := gov.AcquireIO(ctx, len(obj)); err != nil {
		return manifest.SegmentInfo{}, err
	}
	if _, err := store.Put(ctx, key, obj); err != nil {
		return manifest.SegmentInfo{}, fmt.Errorf("segment: upload: %w", err)
	}

	return manifest.SegmentInfo{
		Key:        key,
		MinID:      l.minID,
		MaxID:      l.maxID,
		Count:      l.rowCount,
		Tombstones: l.deletedCount,
		Bytes:      int64(len(obj)),
	}, nil
}

// buildBody encodes every section back to back with offsets relative to the
// body start; shiftLayout rebases them once the header size is known.
func buildBody(l *layout, recs []model.Record, rows, deleted *roaring64.Bitmap, opts WriteOptions) ([]byte, error) {
	var body []byte

	appendFrame := func(raw []byte) (extent, error) {
		off := uint64(len(body))
		var err error
		body, err = codec.EncodeBlock(body, raw, l.compression)
		if err != nil {
			return extent{}, err
		}
		return extent{off: off, n: uint64(len(body)) - off}, nil
	}
	appendBlock := func(raw []byte) (blockRef, error) {
		e, err := appendFrame(raw)
		return blockRef{off: e.off, n: uint32(e.n)}, err
	}

	rowBytes, err := rows.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("segment: encode row set: %w", err)
	}
	if l.rows, err = appendFrame(rowBytes); err != nil {
		return nil, err
	}
	delBytes, err := deleted.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("segment: encode deleted set: %w", err)
	}
	if l.deleted, err = appendFrame(delBytes); err != nil {
		return nil, err
	}

	scratch := make([]byte, 0, l.rowsPerBlock*max(8, l.dim*4))
	for b := range l.idBlocks {
		lo := b * l.rowsPerBlock
		hi := lo + l.rowsInBlock(b)
		l.firstIDs[b] = recs[lo].ID

		scratch = scratch[:0]
		for _, rec := range recs[lo:hi] {
			scratch = binary.LittleEndian.AppendUint64(scratch, rec.ID)
		}
		if l.idBlocks[b], err = appendBlock(scratch); err != nil {
			return nil, err
		}
	}
	for b := range l.vecBlocks {
		lo := b * l.rowsPerBlock
		hi := lo + l.rowsInBlock(b)

		scratch = scratch[:0]
		for _, rec := range recs[lo:hi] {
			for _, v := range rec.Vector {
				scratch = binary.LittleEndian.AppendUint32(scratch, math.Float32bits(v))
			}
		}
		if l.vecBlocks[b], err = appendBlock(scratch); err != nil {
			return nil, err
		}
	}
	for b := range l.attrBlocks {
		lo := b * l.rowsPerBlock
		hi := lo + l.rowsInBlock(b)

		raw, err := encodeAttrBlock(recs[lo:hi])
		if err != nil {
			return nil, err
		}
		if l.attrBlocks[b], err = appendBlock(raw); err != nil {
			return nil, err
		}
	}

	l.graph = extent{off: uint64(len(body)), n: 0}
	if len(recs) >= opts.FlatThreshold {
		distFn, err := distance.Provider(l.metric)
		if err != nil {
			return nil, err
		}
		vectors := make([][]float32, len(recs))
		for i := range recs {
			vectors[i] = recs[i].Vector
		}
		graph, err := hnsw.Build(vectors, distFn, opts.Index)
		if err != nil {
			return nil, fmt.Errorf("segment: build index: %w", err)
		}
		if l.graph, err = appendFrame(graph.AppendBinary(nil)); err != nil {
			return nil, err
		}
	}

	return body, nil
}

// encodeAttrBlock lays out one attribute block: row count, then row offsets
// into the blob (count+1 entries so each row is a simple slice), then the
// concatenated encoded maps.
func encodeAttrBlock(recs []model.Record) ([]byte, error) {
	var blob []byte
	offsets := make([]uint32, 0, len(recs)+1)
	for _, rec := range recs {
		offsets = append(offsets, uint32(len(blob)))
		var err error
		blob, err = rec.Attrs.AppendBinary(blob)
		if err != nil {
			return nil, fmt.Errorf("segment: encode attrs of %d: %w", rec.ID, err)
		}
	}
	offsets = append(offsets, uint32(len(blob)))

	out := make([]byte, 0, 4+len(offsets)*4+len(blob))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(recs)))
	for _, o := range offsets {
		out = binary.LittleEndian.AppendUint32(out, o)
	}
	return append(out, blob...), nil
}

// shiftLayout rebases body-relative offsets to absolute object offsets.
func shiftLayout(l *layout, base uint64) {
	for i := range l.idBlocks {
		l.idBlocks[i].off += base
	}
	for i := range l.vecBlocks {
		l.vecBlocks[i].off += base
	}
	for i := range l.attrBlocks {
		l.attrBlocks[i].off += base
	}
	l.rows.off += base
	l.deleted.off += base
	l.graph.off += base
}
