// Package memtable implements the mutable in-memory write buffer. It absorbs
// WAL-durable mutations until the flush controller freezes it into an
// immutable segment.
package memtable

import (
	"cmp"
	"slices"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/cumulodb/cumulo/attrs"
	"github.com/cumulodb/cumulo/distance"
	"github.com/cumulodb/cumulo/internal/searcher"
	"github.com/cumulodb/cumulo/model"
)

// entry is the latest state of one id. A deleted entry keeps no vector; it
// exists to shadow older segment rows until the tombstone reaches a segment.
type entry struct {
	vector  []float32
	attrs   attrs.Map
	seq     uint64
	deleted bool
}

// Memtable holds the newest version of every id written since the last
// flush. Within a memtable later sequence numbers win, so it stores one
// entry per id rather than an append log. Safe for one writer and many
// concurrent readers.
type Memtable struct {
	mu     sync.RWMutex
	dim    int
	distFn distance.Func

	entries map[uint64]entry
	// shadows has a bit per id touched by this memtable, live or deleted.
	// Any such id hides every older version below the memtable.
	shadows *roaring64.Bitmap

	tombstones int
	bytes      int64
	minSeq     uint64
	maxSeq     uint64
	hasSeq     bool
}

// New creates an empty memtable for vectors of the given dimension.
func New(dim int, distFn distance.Func) *Memtable {
	return &Memtable{
		dim:     dim,
		distFn:  distFn,
		entries: make(map[uint64]entry, 1024),
		shadows: roaring64.New(),
	}
}

const entryOverheadBytes = 56

func approxBytes(e entry) int64 {
	n := int64(entryOverheadBytes + 4*len(e.vector))
	for k, v := range e.attrs {
		n += int64(16 + len(k) + len(v.S) + 24*len(v.A))
	}
	return n
}

func (m *Memtable) trackSeq(seq uint64) {
	if !m.hasSeq || seq < m.minSeq {
		m.minSeq = seq
	}
	if !m.hasSeq || seq > m.maxSeq {
		m.maxSeq = seq
	}
	m.hasSeq = true
}

func (m *Memtable) replace(id uint64, e entry) {
	if old, ok := m.entries[id]; ok {
		m.bytes -= approxBytes(old)
		if old.deleted {
			m.tombstones--
		}
	}
	m.entries[id] = e
	m.shadows.Add(id)
	m.bytes += approxBytes(e)
	if e.deleted {
		m.tombstones++
	}
	m.trackSeq(e.seq)
}

// ApplyInsert records the newest version of rec.ID. The record's vector and
// attributes are owned by the memtable afterwards.
func (m *Memtable) ApplyInsert(rec model.Record, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replace(rec.ID, entry{vector: rec.Vector, attrs: rec.Attrs, seq: seq})
}

// ApplyDelete records a tombstone for id. The id may never have been
// inserted here; the tombstone still shadows older segments.
func (m *Memtable) ApplyDelete(id uint64, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replace(id, entry{seq: seq, deleted: true})
}

// Get returns the newest state of id. found reports whether this memtable
// has any entry for it; deleted reports a tombstone.
func (m *Memtable) Get(id uint64) (rec model.Record, found, deleted bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[id]
	if !ok {
		return model.Record{}, false, false
	}
	if e.deleted {
		return model.Record{}, true, true
	}
	vec := make([]float32, len(e.vector))
	copy(vec, e.vector)
	return model.Record{ID: id, Vector: vec, Attrs: e.attrs.Clone()}, true, false
}

// Dim returns the vector dimension this memtable was created for.
func (m *Memtable) Dim() int { return m.dim }

// Len returns the number of distinct ids held, tombstones included.
func (m *Memtable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// LiveCount returns the number of ids whose newest state is an insert.
func (m *Memtable) LiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries) - m.tombstones
}

// TombstoneCount returns the number of ids whose newest state is a delete.
func (m *Memtable) TombstoneCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tombstones
}

// Empty reports whether nothing has been applied.
func (m *Memtable) Empty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries) == 0
}

// SizeBytes returns the approximate resident size, used by the flush
// controller's threshold check.
func (m *Memtable) SizeBytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bytes
}

// SeqRange returns the lowest and highest sequence numbers applied.
func (m *Memtable) SeqRange() (lo, hi uint64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.minSeq, m.maxSeq, m.hasSeq
}

// Search scans live entries and returns up to k candidates in ascending
// distance order together with a snapshot of the shadow set. Both come from
// the same instant so the caller can suppress older versions without racing
// writes that land after the scan.
func (m *Memtable) Search(query []float32, k int, filter *attrs.FilterSet) ([]model.Candidate, *roaring64.Bitmap) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	shadows := m.shadows.Clone()
	if k <= 0 || len(m.entries)-m.tombstones == 0 {
		return nil, shadows
	}

	top := searcher.NewTopK(k)
	for id, e := range m.entries {
		if e.deleted {
			continue
		}
		if !filter.Matches(e.attrs) {
			continue
		}
		top.Offer(id, m.distFn(query, e.vector))
	}

	items := top.Drain()
	out := make([]model.Candidate, len(items))
	for i, item := range items {
		out[i] = model.Candidate{
			ID:       item.ID,
			Distance: item.Distance,
			Attrs:    m.entries[item.ID].attrs.Clone(),
		}
	}
	return out, shadows
}

// FlushData is the frozen content handed to the segment writer.
type FlushData struct {
	// Records are the live rows in ascending id order.
	Records []model.Record
	// Deleted holds the ids whose newest state is a tombstone.
	Deleted *roaring64.Bitmap
	// MinSeq and MaxSeq bound the WAL range this data covers.
	MinSeq, MaxSeq uint64
}

// Export snapshots the memtable for flushing. The memtable is left intact;
// the caller discards it once the segment is committed.
func (m *Memtable) Export() FlushData {
	m.mu.RLock()
	defer m.mu.RUnlock()

	deleted := roaring64.New()
	records := make([]model.Record, 0, len(m.entries)-m.tombstones)
	for id, e := range m.entries {
		if e.deleted {
			deleted.Add(id)
			continue
		}
		records = append(records, model.Record{ID: id, Vector: e.vector, Attrs: e.attrs})
	}
	slices.SortFunc(records, func(a, b model.Record) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return FlushData{Records: records, Deleted: deleted, MinSeq: m.minSeq, MaxSeq: m.maxSeq}
}

// Reset clears the memtable for reuse.
func (m *Memtable) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	clear(m.entries)
	m.shadows.Clear()
	m.tombstones = 0
	m.bytes = 0
	m.minSeq = 0
	m.maxSeq = 0
	m.hasSeq = false
}
