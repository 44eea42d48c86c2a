package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cumulodb/cumulo/internal/manifest"
	"github.com/cumulodb/cumulo/internal/memtable"
	"github.com/cumulodb/cumulo/internal/segment"
	"github.com/cumulodb/cumulo/model"
)

// Flush drains the memtable into segment objects until nothing flushable
// remains. It returns once every segment is committed and visible.
func (e *Engine) Flush(ctx context.Context) error {
	if e.closed.Load() {
		return model.ErrClosed
	}
	if err := e.gov.AcquireBackground(ctx); err != nil {
		return err
	}
	defer e.gov.ReleaseBackground()
	return e.flush(ctx)
}

func (e *Engine) flush(ctx context.Context) error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	for {
		did, err := e.flushOnce(ctx)
		if err != nil || !did {
			return err
		}
	}
}

// flushOnce flushes one memtable: the frozen one left over from a failed
// attempt, or the active one after rotating it out. The segment object is
// staged under a fresh key first; the manifest commit is what makes it real.
// A failed attempt leaves the frozen memtable in place for the next try, so
// acknowledged writes never regress.
func (e *Engine) flushOnce(ctx context.Context) (bool, error) {
	frozen := e.freeze()
	if frozen == nil {
		return false, nil
	}
	data := frozen.Export()

	start := time.Now()
	key := segment.NewKey(e.prefix)
	info, err := segment.Write(ctx, e.store, e.gov, key, e.ns, data.Records, data.Deleted, e.cfg.Write)
	if err != nil {
		e.obs.RecordFlush(time.Since(start), 0, err)
		return false, fmt.Errorf("engine: flush write: %w", err)
	}

	man, err := e.commitFlush(ctx, info, data)
	if err != nil {
		e.obs.RecordFlush(time.Since(start), 0, err)
		return false, err
	}

	si, ok := findSegmentByKey(man, info.Key)
	if !ok {
		// Committed earlier under an ambiguous retry and already compacted
		// away by another writer. The data is durable in its successor;
		// nothing to open.
		e.finishFlush(man, nil)
		e.obs.RecordFlush(time.Since(start), info.Bytes, nil)
		return true, nil
	}

	rd, err := segment.Open(ctx, e.store, e.blocks, e.gov, e.ns, si)
	if err != nil {
		// The object is committed, so the data is safe. Serving resumes
		// without this reader; quarantine takes it out of the catalog until
		// an operator looks at it.
		e.logger.Error("flushed segment failed to open",
			slog.Uint64("segment", uint64(si.ID)),
			slog.String("key", si.Key),
			slog.Any("error", err))
		e.finishFlush(man, nil)
		e.requestQuarantine(si.ID, si.Key, err)
		e.obs.RecordFlush(time.Since(start), info.Bytes, nil)
		return true, nil
	}

	e.finishFlush(man, rd)
	e.obs.RecordFlush(time.Since(start), info.Bytes, nil)
	e.logger.Info("memtable flushed",
		slog.Uint64("segment", uint64(si.ID)),
		slog.String("key", si.Key),
		slog.Int("records", len(data.Records)),
		slog.Uint64("min_seq", data.MinSeq),
		slog.Uint64("max_seq", data.MaxSeq),
		slog.Int64("bytes", info.Bytes),
		slog.Uint64("manifest_version", man.Version))
	return true, nil
}

// freeze rotates the active memtable out of the write path and publishes a
// snapshot that still covers it. Returns the memtable to flush, or nil when
// nothing is pending. An already frozen memtable from a failed attempt is
// returned as is.
func (e *Engine) freeze() *memtable.Memtable {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.frozen != nil {
		return e.frozen
	}
	e.rotateMu.Lock()
	defer e.rotateMu.Unlock()
	if e.active.Empty() {
		return nil
	}
	e.frozen = e.active
	e.active = memtable.New(e.ns.Dimension, e.distFn)
	e.publishLocked()
	return e.frozen
}

// commitFlush installs the staged segment in the manifest and advances the
// flush watermark. Retried commits find the key already present and land as
// no-ops.
func (e *Engine) commitFlush(ctx context.Context, info manifest.SegmentInfo, data memtable.FlushData) (*manifest.Manifest, error) {
	man, err := e.mstore.Update(ctx, e.cfg.ManifestAttempts, func(m *manifest.Manifest) error {
		if manifestHasKey(m, info.Key) {
			return manifest.ErrUnchanged
		}
		si := info
		si.ID = m.AllocateSegmentID()
		si.Generation = 1
		si.MinSeq = data.MinSeq
		si.MaxSeq = data.MaxSeq
		m.AddSegment(si)
		if data.MaxSeq > m.CommittedWALSeq {
			m.CommittedWALSeq = data.MaxSeq
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, manifest.ErrRetryExhausted) {
			return nil, fmt.Errorf("engine: flush commit: %w", model.ErrRetryExhausted)
		}
		return nil, fmt.Errorf("engine: flush commit: %w", err)
	}
	return man, nil
}

// finishFlush drops the frozen memtable, registers the new reader if one was
// opened and publishes the post-flush snapshot.
func (e *Engine) finishFlush(man *manifest.Manifest, rd *segment.Reader) {
	e.stateMu.Lock()
	e.advanceManifestLocked(man)
	e.frozen = nil
	if rd != nil {
		e.readers[rd.ID()] = e.newRefReader(rd)
	}
	e.publishLocked()
	e.stateMu.Unlock()
}

func findSegmentByKey(m *manifest.Manifest, key string) (manifest.SegmentInfo, bool) {
	for _, si := range m.Segments {
		if si.Key == key {
			return si, true
		}
	}
	return manifest.SegmentInfo{}, false
}

// manifestHasKey reports whether the manifest references key, live or
// dropped. It is the already-applied check for retried commits: a key on the
// dropped list was committed earlier and has since been compacted away, so
// re-adding it would resurrect replaced data.
func manifestHasKey(m *manifest.Manifest, key string) bool {
	if m.HasSegmentKey(key) {
		return true
	}
	for _, d := range m.Dropped {
		if d.Key == key {
			return true
		}
	}
	return false
}
