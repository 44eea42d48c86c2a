package engine

import (
	"sync/atomic"

	"github.com/cumulodb/cumulo/internal/manifest"
	"github.com/cumulodb/cumulo/internal/memtable"
	"github.com/cumulodb/cumulo/internal/segment"
)

// refReader wraps a segment reader with a reference count. The engine's
// reader table holds one reference for as long as the segment is live, and
// every published snapshot holds another; queries borrow the snapshot's
// reference rather than taking their own. When the table drops its reference
// and the last snapshot referencing it unwinds, retire closes the reader and
// invalidates its cache entries.
type refReader struct {
	rd     *segment.Reader
	refs   atomic.Int64
	retire func(*refReader)
}

func (r *refReader) acquire() {
	r.refs.Add(1)
}

func (r *refReader) release() {
	if r.refs.Add(-1) == 0 && r.retire != nil {
		r.retire(r)
	}
}

// snapshot is an immutable view of the namespace: the catalog at one manifest
// version plus the memtable layers in front of it. Layers are ordered newest
// first; mems come before readers. Queries run entirely against one snapshot,
// so concurrent flushes and compactions never change what they see.
type snapshot struct {
	refs    atomic.Int64
	man     *manifest.Manifest
	mems    []*memtable.Memtable
	readers []*refReader
}

// tryRef takes a reference unless the snapshot already hit zero. The CAS loop
// closes the race against a concurrent final unref.
func (s *snapshot) tryRef() bool {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (s *snapshot) unref() {
	if s.refs.Add(-1) == 0 {
		for _, r := range s.readers {
			r.release()
		}
	}
}
