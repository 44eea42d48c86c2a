package segment

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/cumulodb/cumulo/attrs"
	"github.com/cumulodb/cumulo/distance"
	"github.com/cumulodb/cumulo/internal/cache"
	"github.com/cumulodb/cumulo/internal/codec"
	"github.com/cumulodb/cumulo/internal/hnsw"
	"github.com/cumulodb/cumulo/internal/manifest"
	"github.com/cumulodb/cumulo/internal/resource"
	"github.com/cumulodb/cumulo/internal/searcher"
	"github.com/cumulodb/cumulo/model"
	"github.com/cumulodb/cumulo/objstore"
)

const (
	// DefaultOverFetchFactor widens filtered searches so that post-filtering
	// still has a reasonable chance of producing k survivors.
	DefaultOverFetchFactor = 4

	// DefaultOverFetchCap bounds how far a filtered search escalates before
	// it returns whatever survived. Callers get fewer than k results instead
	// of an unbounded scan.
	DefaultOverFetchCap = 4096
)

// SearchParams tunes a single segment search.
type SearchParams struct {
	// K is the number of results wanted.
	K int

	// EF is the HNSW beam width. Zero means hnsw.DefaultEFSearch.
	EF int

	// Filter restricts results to matching rows. Filtering happens after
	// the vector search, compensated by over-fetching.
	Filter *attrs.FilterSet

	// OverFetchCap overrides DefaultOverFetchCap when positive.
	OverFetchCap int
}

// Reader serves point lookups and vector searches from one immutable segment
// object. The fixed header, section table, and both id bitmaps are resident;
// everything else is fetched on demand through the shared block cache. A
// Reader is safe for concurrent use.
type Reader struct {
	store   objstore.Store
	gov     *resource.Governor
	fetcher *cache.Fetcher

	info   manifest.SegmentInfo
	layout *layout
	distFn distance.Func

	rows    *roaring64.Bitmap
	deleted *roaring64.Bitmap
	shadow  *roaring64.Bitmap

	mu       sync.Mutex
	graph    *hnsw.Graph
	graphMem int64
	graphErr error
}

// Open fetches and validates the resident parts of a segment: header, section
// table, and the rows/deleted bitmaps. Pages and the graph stay in the store
// until first use. Any structural mismatch, including disagreement with the
// catalog entry, is reported as a CorruptSegmentError.
func Open(ctx context.Context, store objstore.Store, blocks *cache.BlockCache, gov *resource.Governor, cfg manifest.Config, info manifest.SegmentInfo) (*Reader, error) {
	r := &Reader{store: store, gov: gov, info: info}

	head, err := store.GetRange(ctx, info.Key, 0, headerPrefetchSize)
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return nil, r.corrupt("object missing", err)
		}
		return nil, fmt.Errorf("segment %s: read header: %w", info.Key, err)
	}

	l, tableLen, tableSum, err := decodeHeader(head)
	if err != nil {
		return nil, r.corrupt("header", err)
	}
	if l.dim != cfg.Dimension {
		return nil, r.corrupt("header", fmt.Errorf("dimension %d, namespace has %d", l.dim, cfg.Dimension))
	}
	if l.metric != cfg.Metric {
		return nil, r.corrupt("header", fmt.Errorf("metric %d, namespace has %d", uint8(l.metric), uint8(cfg.Metric)))
	}
	if l.rowCount != info.Count || l.deletedCount != info.Tombstones {
		return nil, r.corrupt("header", fmt.Errorf("counts %d/%d, catalog has %d/%d", l.rowCount, l.deletedCount, info.Count, info.Tombstones))
	}

	table, err := r.rangeIn(ctx, head, uint64(headerSize), uint64(tableLen))
	if err != nil {
		return nil, err
	}
	if err := l.decodeTable(table, tableSum); err != nil {
		return nil, r.corrupt("section table", err)
	}
	if info.Bytes > 0 && l.end() != uint64(info.Bytes) {
		return nil, r.corrupt("section table", fmt.Errorf("object spans %d bytes, catalog has %d", l.end(), info.Bytes))
	}
	r.layout = l

	r.rows, err = r.loadBitmap(ctx, head, l.rows, uint64(l.rowCount), "rows bitmap")
	if err != nil {
		return nil, err
	}
	r.deleted, err = r.loadBitmap(ctx, head, l.deleted, uint64(l.deletedCount), "deleted bitmap")
	if err != nil {
		return nil, err
	}
	if l.rowCount > 0 && (r.rows.Minimum() != l.minID || r.rows.Maximum() != l.maxID) {
		return nil, r.corrupt("rows bitmap", fmt.Errorf("id bounds [%d,%d] disagree with header [%d,%d]", r.rows.Minimum(), r.rows.Maximum(), l.minID, l.maxID))
	}
	inter := r.rows.Clone()
	inter.And(r.deleted)
	if !inter.IsEmpty() {
		return nil, r.corrupt("deleted bitmap", fmt.Errorf("%d ids are both live and deleted", inter.GetCardinality()))
	}
	r.shadow = r.rows.Clone()
	r.shadow.Or(r.deleted)

	r.distFn, err = distance.Provider(l.metric)
	if err != nil {
		return nil, r.corrupt("header", err)
	}
	r.fetcher = cache.NewFetcher(blocks, r.fetchBlock)
	return r, nil
}

// rangeIn returns object bytes [off, off+n), reusing the prefetched prefix
// when it already covers the span.
func (r *Reader) rangeIn(ctx context.Context, head []byte, off, n uint64) ([]byte, error) {
	if off+n <= uint64(len(head)) {
		return head[off : off+n], nil
	}
	data, err := r.store.GetRange(ctx, r.info.Key, int64(off), int64(n))
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return nil, r.corrupt("object missing", err)
		}
		return nil, fmt.Errorf("segment %s: read %d bytes at %d: %w", r.info.Key, n, off, err)
	}
	if uint64(len(data)) != n {
		return nil, r.corrupt("short read", fmt.Errorf("wanted %d bytes at %d, got %d", n, off, len(data)))
	}
	return data, nil
}

func (r *Reader) loadBitmap(ctx context.Context, head []byte, ext extent, wantCard uint64, what string) (*roaring64.Bitmap, error) {
	frame, err := r.rangeIn(ctx, head, ext.off, ext.n)
	if err != nil {
		return nil, err
	}
	raw, err := codec.DecodeBlock(frame, r.layout.compression)
	if err != nil {
		return nil, r.corrupt(what, err)
	}
	bm := roaring64.New()
	if err := bm.UnmarshalBinary(raw); err != nil {
		return nil, r.corrupt(what, err)
	}
	if bm.GetCardinality() != wantCard {
		return nil, r.corrupt(what, fmt.Errorf("cardinality %d, header has %d", bm.GetCardinality(), wantCard))
	}
	return bm, nil
}

// fetchBlock is the cache miss path. It fetches one block frame from the
// store, decompresses it, and validates the decoded size against the layout.
// Iterate calls it directly to keep bulk reads out of the cache.
func (r *Reader) fetchBlock(ctx context.Context, key cache.Key) ([]byte, error) {
	ref, err := r.layout.blockFor(key.Section, int(key.Block))
	if err != nil {
		return nil, r.corrupt("block lookup", err)
	}
	data, err := r.store.GetRange(ctx, r.info.Key, int64(ref.off), int64(ref.n))
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return nil, r.corrupt("object missing", err)
		}
		return nil, fmt.Errorf("segment %s: read block %d/%d: %w", r.info.Key, key.Section, key.Block, err)
	}
	if uint32(len(data)) != ref.n {
		return nil, r.corrupt("short read", fmt.Errorf("block %d/%d: wanted %d bytes, got %d", key.Section, key.Block, ref.n, len(data)))
	}
	raw, err := codec.DecodeBlock(data, r.layout.compression)
	if err != nil {
		return nil, r.corrupt("block frame", fmt.Errorf("block %d/%d: %w", key.Section, key.Block, err))
	}

	n := r.layout.rowsInBlock(int(key.Block))
	switch key.Section {
	case SectionIDs:
		if len(raw) != n*8 {
			return nil, r.corrupt("id block", fmt.Errorf("block %d: %d bytes for %d rows", key.Block, len(raw), n))
		}
	case SectionVectors:
		if len(raw) != n*r.layout.dim*4 {
			return nil, r.corrupt("vector block", fmt.Errorf("block %d: %d bytes for %d rows", key.Block, len(raw), n))
		}
	case SectionAttrs:
		if len(raw) < 4 || int(binary.LittleEndian.Uint32(raw)) != n {
			return nil, r.corrupt("attr block", fmt.Errorf("block %d: row count mismatch", key.Block))
		}
	}
	return raw, nil
}

func (r *Reader) block(ctx context.Context, section uint8, b int) ([]byte, error) {
	return r.fetcher.Get(ctx, cache.Key{Segment: uint64(r.info.ID), Section: section, Block: uint32(b)})
}

// idAt returns the record id stored at row.
func (r *Reader) idAt(ctx context.Context, row uint32) (uint64, error) {
	blk, err := r.block(ctx, SectionIDs, int(row)/r.layout.rowsPerBlock)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(blk[(int(row)%r.layout.rowsPerBlock)*8:]), nil
}

// vectorAt decodes the vector stored at row into dst, which must have
// length dim.
func (r *Reader) vectorAt(ctx context.Context, row uint32, dst []float32) error {
	blk, err := r.block(ctx, SectionVectors, int(row)/r.layout.rowsPerBlock)
	if err != nil {
		return err
	}
	off := (int(row) % r.layout.rowsPerBlock) * r.layout.dim * 4
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(blk[off+i*4:]))
	}
	return nil
}

// attrsAt parses the attribute map stored at row. Rows written without
// attributes come back nil.
func (r *Reader) attrsAt(ctx context.Context, row uint32) (attrs.Map, error) {
	blk, err := r.block(ctx, SectionAttrs, int(row)/r.layout.rowsPerBlock)
	if err != nil {
		return nil, err
	}
	enc, err := attrRow(blk, int(row)%r.layout.rowsPerBlock)
	if err != nil {
		return nil, r.corrupt("attr block", err)
	}
	m, rest, err := attrs.ParseMap(enc)
	if err != nil {
		return nil, r.corrupt("attr block", fmt.Errorf("row %d: %w", row, err))
	}
	if len(rest) != 0 {
		return nil, r.corrupt("attr block", fmt.Errorf("row %d: %d trailing bytes", row, len(rest)))
	}
	return m, nil
}

// attrRow slices one row's encoded attribute map out of a decoded attr block.
func attrRow(raw []byte, local int) ([]byte, error) {
	if len(raw) < 4 {
		return nil, errors.New("attr block shorter than count")
	}
	count := int(binary.LittleEndian.Uint32(raw))
	if local < 0 || local >= count {
		return nil, fmt.Errorf("row %d out of range, block holds %d", local, count)
	}
	blobOff := 4 + (count+1)*4
	if len(raw) < blobOff {
		return nil, errors.New("attr block shorter than offset table")
	}
	lo := binary.LittleEndian.Uint32(raw[4+local*4:])
	hi := binary.LittleEndian.Uint32(raw[4+(local+1)*4:])
	if lo > hi || blobOff+int(hi) > len(raw) {
		return nil, fmt.Errorf("row %d: bad offsets [%d,%d)", local, lo, hi)
	}
	return raw[blobOff+int(lo) : blobOff+int(hi)], nil
}

// ensureGraph makes the HNSW graph resident, charging its footprint to the
// governor. Decode failures are permanent; a memory denial is not, so the
// next search retries residency. Concurrent searches wait on the load rather
// than fetching the graph twice.
func (r *Reader) ensureGraph(ctx context.Context) (*hnsw.Graph, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.graphErr != nil {
		return nil, r.graphErr
	}
	if r.graph != nil {
		return r.graph, nil
	}

	frame, err := r.store.GetRange(ctx, r.info.Key, int64(r.layout.graph.off), int64(r.layout.graph.n))
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			r.graphErr = r.corrupt("object missing", err)
			return nil, r.graphErr
		}
		return nil, fmt.Errorf("segment %s: read graph: %w", r.info.Key, err)
	}
	if uint64(len(frame)) != r.layout.graph.n {
		r.graphErr = r.corrupt("short read", fmt.Errorf("graph: wanted %d bytes, got %d", r.layout.graph.n, len(frame)))
		return nil, r.graphErr
	}
	raw, err := codec.DecodeBlock(frame, r.layout.compression)
	if err != nil {
		r.graphErr = r.corrupt("graph", err)
		return nil, r.graphErr
	}
	g, err := hnsw.Load(raw)
	if err != nil {
		r.graphErr = r.corrupt("graph", err)
		return nil, r.graphErr
	}
	if g.Rows() != int(r.layout.rowCount) {
		r.graphErr = r.corrupt("graph", fmt.Errorf("%d nodes for %d rows", g.Rows(), r.layout.rowCount))
		return nil, r.graphErr
	}
	if err := r.gov.AcquireMemory(g.SizeBytes()); err != nil {
		return nil, err
	}
	r.graph = g
	r.graphMem = g.SizeBytes()
	return g, nil
}

// Search returns up to p.K candidates ascending by distance, ties broken by
// id. Filtered searches over-fetch and escalate; when the escalation cap is
// reached the survivors are returned as-is, which may be fewer than p.K.
// Small segments and searches denied graph memory fall back to an exact scan.
func (r *Reader) Search(ctx context.Context, query []float32, p SearchParams) ([]model.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.K <= 0 {
		return nil, fmt.Errorf("segment %s: search k %d", r.info.Key, p.K)
	}
	if len(query) != r.layout.dim {
		return nil, fmt.Errorf("segment %s: query dimension %d, segment has %d", r.info.Key, len(query), r.layout.dim)
	}
	if r.layout.rowCount == 0 {
		return nil, nil
	}
	if r.layout.graph.n == 0 {
		return r.searchScan(ctx, query, p)
	}

	g, err := r.ensureGraph(ctx)
	if err != nil {
		if errors.Is(err, resource.ErrMemoryLimitExceeded) {
			return r.searchScan(ctx, query, p)
		}
		return nil, err
	}

	limit := int(r.layout.rowCount)
	overCap := p.OverFetchCap
	if overCap <= 0 {
		overCap = DefaultOverFetchCap
	}
	if overCap > limit {
		overCap = limit
	}
	want := p.K
	if p.Filter != nil && !p.Filter.Empty() {
		want = min(p.K*DefaultOverFetchFactor, overCap)
	}
	if want > limit {
		want = limit
	}
	ef := p.EF
	if ef <= 0 {
		ef = hnsw.DefaultEFSearch
	}

	for {
		items, err := g.Search(want, max(ef, want), r.queryDist(ctx, query), nil)
		if err != nil {
			return nil, err
		}
		out, err := r.collect(ctx, items, p.K, p.Filter)
		if err != nil {
			return nil, err
		}
		if len(out) >= p.K || want >= overCap || want >= limit {
			return out, nil
		}
		want = min(want*2, overCap)
	}
}

// queryDist builds the distance callback for one search. The scratch buffer
// makes the callback single-goroutine, which matches how hnsw uses it.
func (r *Reader) queryDist(ctx context.Context, query []float32) hnsw.DistFunc {
	scratch := make([]float32, r.layout.dim)
	return func(row uint32) (float32, error) {
		if err := r.vectorAt(ctx, row, scratch); err != nil {
			return 0, err
		}
		return r.distFn(query, scratch), nil
	}
}

// collect resolves graph rows to candidates in order, applying the filter and
// stopping at k survivors.
func (r *Reader) collect(ctx context.Context, items []searcher.Item, k int, filter *attrs.FilterSet) ([]model.Candidate, error) {
	out := make([]model.Candidate, 0, min(k, len(items)))
	for _, it := range items {
		row := uint32(it.ID)
		m, err := r.attrsAt(ctx, row)
		if err != nil {
			return nil, err
		}
		if filter != nil && !filter.Matches(m) {
			continue
		}
		id, err := r.idAt(ctx, row)
		if err != nil {
			return nil, err
		}
		out = append(out, model.Candidate{ID: id, Distance: it.Distance, Attrs: m})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// searchScan is the exact path: every row is scored, the filter is applied
// inline, and only the final k rows resolve attributes for output. Rows are
// id-sorted, so offering the row index to TopK keeps ties ordered by id.
func (r *Reader) searchScan(ctx context.Context, query []float32, p SearchParams) ([]model.Candidate, error) {
	topk := searcher.NewTopK(p.K)
	scratch := make([]float32, r.layout.dim)
	filtered := p.Filter != nil && !p.Filter.Empty()

	for b := 0; b < r.layout.blockCount(); b++ {
		vecBlk, err := r.block(ctx, SectionVectors, b)
		if err != nil {
			return nil, err
		}
		var attrBlk []byte
		if filtered {
			if attrBlk, err = r.block(ctx, SectionAttrs, b); err != nil {
				return nil, err
			}
		}
		for local := 0; local < r.layout.rowsInBlock(b); local++ {
			if filtered {
				enc, err := attrRow(attrBlk, local)
				if err != nil {
					return nil, r.corrupt("attr block", err)
				}
				m, _, err := attrs.ParseMap(enc)
				if err != nil {
					return nil, r.corrupt("attr block", err)
				}
				if !p.Filter.Matches(m) {
					continue
				}
			}
			off := local * r.layout.dim * 4
			for i := range scratch {
				scratch[i] = math.Float32frombits(binary.LittleEndian.Uint32(vecBlk[off+i*4:]))
			}
			topk.Offer(uint64(b*r.layout.rowsPerBlock+local), r.distFn(query, scratch))
		}
	}

	items := topk.Drain()
	out := make([]model.Candidate, 0, len(items))
	for _, it := range items {
		row := uint32(it.ID)
		id, err := r.idAt(ctx, row)
		if err != nil {
			return nil, err
		}
		m, err := r.attrsAt(ctx, row)
		if err != nil {
			return nil, err
		}
		out = append(out, model.Candidate{ID: id, Distance: it.Distance, Attrs: m})
	}
	return out, nil
}

// Get looks up a single record by id. found reports a live row; deleted
// reports a tombstone. Both false means this segment has never seen the id.
func (r *Reader) Get(ctx context.Context, id uint64) (rec model.Record, found, deleted bool, err error) {
	if err := ctx.Err(); err != nil {
		return model.Record{}, false, false, err
	}
	if r.deleted.Contains(id) {
		return model.Record{}, false, true, nil
	}
	if !r.rows.Contains(id) {
		return model.Record{}, false, false, nil
	}
	row, err := r.rowOf(ctx, id)
	if err != nil {
		return model.Record{}, false, false, err
	}
	vec := make([]float32, r.layout.dim)
	if err := r.vectorAt(ctx, row, vec); err != nil {
		return model.Record{}, false, false, err
	}
	m, err := r.attrsAt(ctx, row)
	if err != nil {
		return model.Record{}, false, false, err
	}
	return model.Record{ID: id, Vector: vec, Attrs: m}, true, false, nil
}

// rowOf maps a record id known to be live to its row index.
func (r *Reader) rowOf(ctx context.Context, id uint64) (uint32, error) {
	first := r.layout.firstIDs
	b := sort.Search(len(first), func(i int) bool { return first[i] > id }) - 1
	if b < 0 {
		return 0, r.corrupt("id block", fmt.Errorf("id %d below first block", id))
	}
	blk, err := r.block(ctx, SectionIDs, b)
	if err != nil {
		return 0, err
	}
	n := r.layout.rowsInBlock(b)
	local := sort.Search(n, func(i int) bool { return binary.LittleEndian.Uint64(blk[i*8:]) >= id })
	if local == n || binary.LittleEndian.Uint64(blk[local*8:]) != id {
		return 0, r.corrupt("id block", fmt.Errorf("id %d in rows bitmap but not in block %d", id, b))
	}
	return uint32(b*r.layout.rowsPerBlock + local), nil
}

// Iterate streams every live record in id order, for compaction. Reads go
// straight to the store so bulk scans cannot evict the query working set,
// and each block is charged against the background IO budget. The record
// passed to fn owns its slices.
func (r *Reader) Iterate(ctx context.Context, fn func(rec model.Record) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for b := 0; b < r.layout.blockCount(); b++ {
		var span int
		for _, s := range []uint8{SectionIDs, SectionVectors, SectionAttrs} {
			ref, err := r.layout.blockFor(s, b)
			if err != nil {
				return r.corrupt("block lookup", err)
			}
			span += int(ref.n)
		}
		if err := r.gov.AcquireIO(ctx, span); err != nil {
			return err
		}

		idBlk, err := r.fetchBlock(ctx, cache.Key{Segment: uint64(r.info.ID), Section: SectionIDs, Block: uint32(b)})
		if err != nil {
			return err
		}
		vecBlk, err := r.fetchBlock(ctx, cache.Key{Segment: uint64(r.info.ID), Section: SectionVectors, Block: uint32(b)})
		if err != nil {
			return err
		}
		attrBlk, err := r.fetchBlock(ctx, cache.Key{Segment: uint64(r.info.ID), Section: SectionAttrs, Block: uint32(b)})
		if err != nil {
			return err
		}

		for local := 0; local < r.layout.rowsInBlock(b); local++ {
			vec := make([]float32, r.layout.dim)
			off := local * r.layout.dim * 4
			for i := range vec {
				vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(vecBlk[off+i*4:]))
			}
			enc, err := attrRow(attrBlk, local)
			if err != nil {
				return r.corrupt("attr block", err)
			}
			m, _, err := attrs.ParseMap(enc)
			if err != nil {
				return r.corrupt("attr block", err)
			}
			rec := model.Record{
				ID:     binary.LittleEndian.Uint64(idBlk[local*8:]),
				Vector: vec,
				Attrs:  m,
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// ID returns the catalog id of this segment.
func (r *Reader) ID() model.SegmentID { return r.info.ID }

// Key returns the object key of this segment.
func (r *Reader) Key() string { return r.info.Key }

// Info returns the catalog entry this reader was opened with.
func (r *Reader) Info() manifest.SegmentInfo { return r.info }

// Count returns the number of live rows.
func (r *Reader) Count() int { return int(r.layout.rowCount) }

// Deleted returns the tombstone set. Callers must not modify it.
func (r *Reader) Deleted() *roaring64.Bitmap { return r.deleted }

// Shadow returns the union of live and deleted ids: everything this segment
// overrides in older segments. Callers must not modify it.
func (r *Reader) Shadow() *roaring64.Bitmap { return r.shadow }

// Close releases the graph's memory reservation. Cache entries are left to
// the owner, which invalidates them only when the segment leaves the catalog.
func (r *Reader) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.graph != nil {
		r.gov.ReleaseMemory(r.graphMem)
		r.graph = nil
		r.graphMem = 0
	}
}

func (r *Reader) corrupt(reason string, err error) error {
	return &model.CorruptSegmentError{Segment: r.info.ID, Key: r.info.Key, Reason: reason, Err: err}
}
