// Package engine ties the namespace together: WAL-backed writes into a
// memtable, flushes into immutable segments, manifest commits, snapshot-based
// queries, compaction and garbage collection. All durable state lives in the
// object store; a process can be replaced at any time and the next open
// rebuilds the same namespace from the manifest and the WAL tail.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cumulodb/cumulo/distance"
	"github.com/cumulodb/cumulo/internal/cache"
	"github.com/cumulodb/cumulo/internal/manifest"
	"github.com/cumulodb/cumulo/internal/memtable"
	"github.com/cumulodb/cumulo/internal/resource"
	"github.com/cumulodb/cumulo/internal/segment"
	"github.com/cumulodb/cumulo/internal/wal"
	"github.com/cumulodb/cumulo/metrics"
	"github.com/cumulodb/cumulo/model"
	"github.com/cumulodb/cumulo/objstore"
)

const (
	DefaultFlushBytes               = 64 << 20
	DefaultFlushInterval            = time.Minute
	DefaultCompactInterval          = 5 * time.Minute
	DefaultGCInterval               = 10 * time.Minute
	DefaultGCGraceWindow            = 15 * time.Minute
	DefaultCompactSmallBytes        = 32 << 20
	DefaultCompactSmallCount        = 4
	DefaultCompactMaxRun            = 8
	DefaultCompactTombstoneFraction = 0.3
	DefaultSearchConcurrency        = 8
	DefaultManifestAttempts         = 8
	DefaultCacheBytes               = 256 << 20
)

// Config configures an Engine. Zero values take the defaults above.
type Config struct {
	// Store holds all durable state. Required.
	Store objstore.Store

	// Prefix roots every object key of this namespace.
	Prefix string

	// Cache is the block cache shared across namespaces. A nil cache gets a
	// private one of DefaultCacheBytes.
	Cache *cache.BlockCache

	// Governor bounds memory, background workers and read bandwidth. Nil
	// means unbounded.
	Governor *resource.Governor

	Logger   *slog.Logger
	Observer metrics.Observer

	// WAL tunes group commit. OnCommit is owned by the engine and must be
	// left nil.
	WAL wal.Options

	// Write tunes segment construction for flush and compaction.
	Write segment.WriteOptions

	// FlushBytes triggers a flush when the active memtable reaches this
	// size.
	FlushBytes    int64
	FlushInterval time.Duration

	CompactInterval time.Duration

	GCInterval time.Duration
	// GCGraceWindow is how long dropped and orphaned objects survive before
	// deletion. It must comfortably exceed the longest query or writer
	// stall.
	GCGraceWindow time.Duration

	// CompactSmallBytes and CompactSmallCount trigger merging when at least
	// CompactSmallCount adjacent segments are each under CompactSmallBytes.
	CompactSmallBytes int64
	CompactSmallCount int
	// CompactMaxRun caps how many segments one compaction merges.
	CompactMaxRun int
	// CompactTombstoneFraction triggers merging a segment whose tombstones
	// exceed this share of its entries.
	CompactTombstoneFraction float64

	// SearchConcurrency bounds the per-query segment fan-out.
	SearchConcurrency int

	// ManifestAttempts is the commit retry budget under CAS conflicts.
	ManifestAttempts int

	// DisableBackground turns off the flush, compaction and GC tickers.
	// Intended for tests that drive maintenance explicitly.
	DisableBackground bool

	// DisableFlushOnClose skips the final flush during Close. Nothing is
	// lost: unflushed mutations replay from the WAL on the next open.
	DisableFlushOnClose bool
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Observer == nil {
		c.Observer = metrics.Nop{}
	}
	if c.Cache == nil {
		c.Cache = cache.New(DefaultCacheBytes, c.Governor)
	}
	if c.FlushBytes <= 0 {
		c.FlushBytes = DefaultFlushBytes
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.CompactInterval <= 0 {
		c.CompactInterval = DefaultCompactInterval
	}
	if c.GCInterval <= 0 {
		c.GCInterval = DefaultGCInterval
	}
	if c.GCGraceWindow <= 0 {
		c.GCGraceWindow = DefaultGCGraceWindow
	}
	if c.CompactSmallBytes <= 0 {
		c.CompactSmallBytes = DefaultCompactSmallBytes
	}
	if c.CompactSmallCount <= 0 {
		c.CompactSmallCount = DefaultCompactSmallCount
	}
	if c.CompactMaxRun <= 0 {
		c.CompactMaxRun = DefaultCompactMaxRun
	}
	if c.CompactTombstoneFraction <= 0 {
		c.CompactTombstoneFraction = DefaultCompactTombstoneFraction
	}
	if c.SearchConcurrency <= 0 {
		c.SearchConcurrency = DefaultSearchConcurrency
	}
	if c.ManifestAttempts <= 0 {
		c.ManifestAttempts = DefaultManifestAttempts
	}
	return c
}

type quarRequest struct {
	id    model.SegmentID
	key   string
	cause error
}

// Engine runs one namespace.
type Engine struct {
	cfg    Config
	store  objstore.Store
	prefix string
	blocks *cache.BlockCache
	gov    *resource.Governor
	logger *slog.Logger
	obs    metrics.Observer
	ns     manifest.Config
	distFn distance.Func
	mstore *manifest.Store

	wal *wal.Writer

	// rotateMu orders committed WAL batches against memtable rotation.
	// Group commit applies a whole WAL object under it, and freeze swaps the
	// active memtable under it, so no WAL object is ever split across a
	// flush boundary. That keeps CommittedWALSeq on object boundaries, which
	// replay depends on.
	rotateMu sync.Mutex
	active   *memtable.Memtable

	// stateMu guards the authoritative catalog state below and serializes
	// snapshot publication.
	stateMu sync.Mutex
	man     *manifest.Manifest
	readers map[model.SegmentID]*refReader
	frozen  *memtable.Memtable

	snap atomic.Pointer[snapshot]

	flushMu   sync.Mutex
	compactMu sync.Mutex
	gcMu      sync.Mutex

	// retired holds object keys of dropped segments whose readers are still
	// referenced by older snapshots. GC must not delete them yet.
	retiredMu sync.Mutex
	retired   map[string]struct{}

	quarMu       sync.Mutex
	quarantining map[model.SegmentID]struct{}
	quarCh       chan quarRequest

	closed  atomic.Bool
	closeCh chan struct{}
	flushCh chan struct{}
	wg      sync.WaitGroup
}

// Create initializes a namespace by writing its first manifest. The write is
// conditional on the key being absent, so exactly one of several racing
// creators wins.
func Create(ctx context.Context, store objstore.Store, prefix string, cfg manifest.Config) error {
	if cfg.Dimension <= 0 {
		return fmt.Errorf("engine: dimension must be positive: %w", model.ErrInvalidArgument)
	}
	if !cfg.Metric.Valid() {
		return fmt.Errorf("engine: unknown metric %d: %w", cfg.Metric, model.ErrInvalidArgument)
	}
	if err := cfg.Schema.ValidateSelf(); err != nil {
		return fmt.Errorf("engine: %v: %w", err, model.ErrInvalidArgument)
	}
	if _, err := manifest.NewStore(store, prefix).Create(ctx, manifest.New(cfg)); err != nil {
		if errors.Is(err, manifest.ErrConflict) {
			return fmt.Errorf("engine: create %q: %w", prefix, model.ErrNamespaceExists)
		}
		return fmt.Errorf("engine: create %q: %w", prefix, err)
	}
	return nil
}

// Open loads the namespace at cfg.Prefix, replays the WAL tail into a fresh
// memtable and starts the background loops. Segments that fail validation are
// quarantined, not fatal; a missing manifest is model.ErrNamespaceNotFound.
func Open(ctx context.Context, cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	if cfg.Store == nil {
		return nil, fmt.Errorf("engine: nil store")
	}
	if cfg.WAL.OnCommit != nil {
		return nil, fmt.Errorf("engine: WAL.OnCommit is owned by the engine")
	}

	mstore := manifest.NewStore(cfg.Store, cfg.Prefix)
	man, _, err := mstore.Load(ctx)
	if err != nil {
		if errors.Is(err, manifest.ErrNotFound) {
			return nil, fmt.Errorf("engine: open %q: %w", cfg.Prefix, model.ErrNamespaceNotFound)
		}
		return nil, fmt.Errorf("engine: open %q: %w", cfg.Prefix, err)
	}

	distFn, err := distance.Provider(man.Config.Metric)
	if err != nil {
		return nil, fmt.Errorf("engine: open %q: %w", cfg.Prefix, err)
	}

	e := &Engine{
		cfg:          cfg,
		store:        cfg.Store,
		prefix:       cfg.Prefix,
		blocks:       cfg.Cache,
		gov:          cfg.Governor,
		logger:       cfg.Logger,
		obs:          cfg.Observer,
		ns:           man.Config,
		distFn:       distFn,
		mstore:       mstore,
		man:          man,
		readers:      make(map[model.SegmentID]*refReader),
		retired:      make(map[string]struct{}),
		quarantining: make(map[model.SegmentID]struct{}),
		quarCh:       make(chan quarRequest, 16),
		closeCh:      make(chan struct{}),
		flushCh:      make(chan struct{}, 1),
	}

	if err := e.openReaders(ctx); err != nil {
		return nil, err
	}

	e.active = memtable.New(e.ns.Dimension, e.distFn)
	walPrefix := joinPrefix(cfg.Prefix, "wal")
	replayed := 0
	lastSeq, err := wal.Replay(ctx, cfg.Store, walPrefix, e.man.CommittedWALSeq+1, func(en wal.Entry) error {
		e.applyEntry(e.active, en)
		replayed++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("engine: open %q: %w", cfg.Prefix, err)
	}

	wopts := cfg.WAL
	wopts.OnCommit = e.applyCommitted
	e.wal = wal.NewWriter(cfg.Store, walPrefix, lastSeq+1, e.logger, wopts)

	e.stateMu.Lock()
	e.publishLocked()
	e.stateMu.Unlock()

	e.wg.Add(1)
	go e.runQuarantineLoop()
	if !cfg.DisableBackground {
		e.wg.Add(3)
		go e.runFlushLoop()
		go e.runCompactionLoop()
		go e.runGCLoop()
	}

	e.logger.Info("namespace opened",
		slog.String("prefix", cfg.Prefix),
		slog.Uint64("manifest_version", e.man.Version),
		slog.Int("segments", len(e.man.Segments)),
		slog.Int("replayed_entries", replayed),
		slog.Uint64("next_seq", lastSeq+1))
	return e, nil
}

// openReaders opens a reader per live segment. Corrupt segments are
// quarantined in the manifest and skipped; transient failures abort the open.
func (e *Engine) openReaders(ctx context.Context) error {
	var (
		mu      sync.Mutex
		corrupt []model.SegmentID
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, si := range e.man.Segments {
		if si.Quarantined {
			continue
		}
		g.Go(func() error {
			rd, err := segment.Open(gctx, e.store, e.blocks, e.gov, e.ns, si)
			if err != nil {
				if errors.Is(err, model.ErrCorruptSegment) {
					e.logger.Error("segment failed validation at open",
						slog.Uint64("segment", uint64(si.ID)),
						slog.String("key", si.Key),
						slog.Any("error", err))
					mu.Lock()
					corrupt = append(corrupt, si.ID)
					mu.Unlock()
					return nil
				}
				return fmt.Errorf("engine: open segment %d: %w", si.ID, err)
			}
			mu.Lock()
			e.readers[si.ID] = e.newRefReader(rd)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, r := range e.readers {
			r.release()
		}
		return err
	}
	if len(corrupt) == 0 {
		return nil
	}
	man, err := e.quarantineCommit(ctx, corrupt)
	if err != nil {
		return fmt.Errorf("engine: quarantine at open: %w", err)
	}
	e.man = man
	return nil
}

func (e *Engine) newRefReader(rd *segment.Reader) *refReader {
	r := &refReader{rd: rd, retire: func(r *refReader) {
		r.rd.Close()
		e.blocks.InvalidateSegment(uint64(r.rd.ID()))
		e.retiredMu.Lock()
		delete(e.retired, r.rd.Key())
		e.retiredMu.Unlock()
	}}
	// The reader table's reference; dropped when the segment leaves the
	// live set.
	r.refs.Store(1)
	return r
}

// markRetired pins dropped segment keys against GC until their readers close.
func (e *Engine) markRetired(keys ...string) {
	e.retiredMu.Lock()
	for _, k := range keys {
		e.retired[k] = struct{}{}
	}
	e.retiredMu.Unlock()
}

func (e *Engine) isRetired(key string) bool {
	e.retiredMu.Lock()
	_, ok := e.retired[key]
	e.retiredMu.Unlock()
	return ok
}

// advanceManifestLocked installs man as the authoritative catalog unless a
// concurrent commit already moved past it. Versions only ever go forward.
func (e *Engine) advanceManifestLocked(man *manifest.Manifest) {
	if man.Version > e.man.Version {
		e.man = man
	}
}

// publishLocked builds and installs a new snapshot from the current state.
// The new snapshot acquires its reader references before the old one releases
// them, so readers carried across never hit zero in between. Readers whose
// segments left the catalog are pruned here and close once the last older
// snapshot lets go.
func (e *Engine) publishLocked() {
	for id, r := range e.readers {
		if _, ok := e.man.Segment(id); !ok {
			delete(e.readers, id)
			e.markRetired(r.rd.Key())
			r.release()
		}
	}

	mems := make([]*memtable.Memtable, 0, 2)
	mems = append(mems, e.active)
	if e.frozen != nil {
		mems = append(mems, e.frozen)
	}
	ordered := make([]*refReader, 0, len(e.readers))
	for _, si := range e.man.Segments {
		if si.Quarantined {
			continue
		}
		if r, ok := e.readers[si.ID]; ok {
			ordered = append(ordered, r)
		}
	}
	s := &snapshot{man: e.man, mems: mems, readers: ordered}
	s.refs.Store(1)
	for _, r := range ordered {
		r.acquire()
	}
	if old := e.snap.Swap(s); old != nil {
		old.unref()
	}
}

// currentSnapshot returns a referenced snapshot. The caller must unref it.
func (e *Engine) currentSnapshot() (*snapshot, error) {
	for {
		s := e.snap.Load()
		if s == nil {
			return nil, model.ErrClosed
		}
		if s.tryRef() {
			return s, nil
		}
	}
}

func (e *Engine) applyEntry(mt *memtable.Memtable, en wal.Entry) {
	switch en.Op {
	case wal.OpInsert:
		mt.ApplyInsert(model.Record{ID: en.ID, Vector: en.Vector, Attrs: en.Attrs}, en.Seq)
	case wal.OpDelete:
		mt.ApplyDelete(en.ID, en.Seq)
	}
}

// applyCommitted runs on the WAL commit goroutine once per durable object,
// before any append in it is acknowledged. rotateMu keeps the whole object
// inside one memtable.
func (e *Engine) applyCommitted(entries []wal.Entry) {
	e.rotateMu.Lock()
	mt := e.active
	for _, en := range entries {
		e.applyEntry(mt, en)
	}
	size := mt.SizeBytes()
	e.rotateMu.Unlock()

	if size >= e.cfg.FlushBytes {
		select {
		case e.flushCh <- struct{}{}:
		default:
		}
	}
}

// Insert appends one record. It returns once the record is durable in the
// WAL and visible to searches.
func (e *Engine) Insert(ctx context.Context, rec model.Record) error {
	return e.InsertBatch(ctx, []model.Record{rec})
}

// InsertBatch appends records as one atomic WAL batch. Either every record is
// durable and visible or none is. Re-inserting an id replaces it.
func (e *Engine) InsertBatch(ctx context.Context, recs []model.Record) error {
	start := time.Now()
	err := e.insertBatch(ctx, recs)
	e.obs.RecordInsert(len(recs), time.Since(start), err)
	return err
}

func (e *Engine) insertBatch(ctx context.Context, recs []model.Record) error {
	if e.closed.Load() {
		return model.ErrClosed
	}
	if len(recs) == 0 {
		return fmt.Errorf("engine: empty batch: %w", model.ErrInvalidArgument)
	}
	entries := make([]wal.Entry, len(recs))
	for i, rec := range recs {
		if len(rec.Vector) != e.ns.Dimension {
			return fmt.Errorf("engine: record %d has dimension %d, want %d: %w",
				rec.ID, len(rec.Vector), e.ns.Dimension, model.ErrDimensionMismatch)
		}
		if err := e.ns.Schema.Validate(rec.Attrs); err != nil {
			return fmt.Errorf("engine: record %d: %v: %w", rec.ID, err, model.ErrInvalidArgument)
		}
		vec := rec.Vector
		if e.ns.Metric.RequiresNormalization() {
			v, ok := distance.NormalizeL2Copy(vec)
			if !ok {
				return fmt.Errorf("engine: record %d has a zero-norm vector: %w", rec.ID, model.ErrInvalidArgument)
			}
			vec = v
		} else {
			vec = slices.Clone(vec)
		}
		entries[i] = wal.Entry{Op: wal.OpInsert, ID: rec.ID, Vector: vec, Attrs: rec.Attrs.Clone()}
	}
	if _, _, err := e.wal.Append(ctx, entries); err != nil {
		return e.walErr(err)
	}
	return nil
}

// Delete writes a tombstone for id. Deleting an absent id is not an error;
// the tombstone still shadows any copy in older segments.
func (e *Engine) Delete(ctx context.Context, id uint64) error {
	start := time.Now()
	err := e.delete(ctx, id)
	e.obs.RecordDelete(time.Since(start), err)
	return err
}

func (e *Engine) delete(ctx context.Context, id uint64) error {
	if e.closed.Load() {
		return model.ErrClosed
	}
	if _, _, err := e.wal.Append(ctx, []wal.Entry{{Op: wal.OpDelete, ID: id}}); err != nil {
		return e.walErr(err)
	}
	return nil
}

func (e *Engine) walErr(err error) error {
	switch {
	case errors.Is(err, wal.ErrClosed):
		return model.ErrClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("engine: wal append: %v: %w", err, model.ErrDurability)
	}
}

// Get returns the newest live version of id, checking memtables first and
// then segments newest to oldest. A tombstone anywhere newer wins.
func (e *Engine) Get(ctx context.Context, id uint64) (model.Record, error) {
	start := time.Now()
	rec, err := e.get(ctx, id)
	e.obs.RecordGet(time.Since(start), err)
	return rec, err
}

func (e *Engine) get(ctx context.Context, id uint64) (model.Record, error) {
	if e.closed.Load() {
		return model.Record{}, model.ErrClosed
	}
	s, err := e.currentSnapshot()
	if err != nil {
		return model.Record{}, err
	}
	defer s.unref()

	for _, mt := range s.mems {
		rec, found, deleted := mt.Get(id)
		if deleted {
			return model.Record{}, fmt.Errorf("engine: id %d: %w", id, model.ErrNotFound)
		}
		if found {
			return rec, nil
		}
	}
	for _, r := range s.readers {
		rec, found, deleted, err := r.rd.Get(ctx, id)
		if err != nil {
			if errors.Is(err, model.ErrCorruptSegment) {
				e.requestQuarantine(r.rd.ID(), r.rd.Key(), err)
			}
			return model.Record{}, err
		}
		if deleted {
			return model.Record{}, fmt.Errorf("engine: id %d: %w", id, model.ErrNotFound)
		}
		if found {
			return rec, nil
		}
	}
	return model.Record{}, fmt.Errorf("engine: id %d: %w", id, model.ErrNotFound)
}

// requestQuarantine hands a corrupt segment to the quarantine worker. The
// requesting query proceeds degraded; by the time the manifest update lands,
// new snapshots exclude the segment.
func (e *Engine) requestQuarantine(id model.SegmentID, key string, cause error) {
	e.quarMu.Lock()
	if _, ok := e.quarantining[id]; ok {
		e.quarMu.Unlock()
		return
	}
	e.quarantining[id] = struct{}{}
	e.quarMu.Unlock()

	select {
	case e.quarCh <- quarRequest{id: id, key: key, cause: cause}:
	default:
		e.quarMu.Lock()
		delete(e.quarantining, id)
		e.quarMu.Unlock()
	}
}

func (e *Engine) runQuarantineLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.closeCh:
			return
		case q := <-e.quarCh:
			e.doQuarantine(q)
		}
	}
}

func (e *Engine) doQuarantine(q quarRequest) {
	defer func() {
		e.quarMu.Lock()
		delete(e.quarantining, q.id)
		e.quarMu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	e.logger.Error("quarantining corrupt segment",
		slog.Uint64("segment", uint64(q.id)),
		slog.String("key", q.key),
		slog.Any("error", q.cause))

	man, err := e.quarantineCommit(ctx, []model.SegmentID{q.id})
	if err != nil {
		e.logger.Error("quarantine commit failed",
			slog.Uint64("segment", uint64(q.id)),
			slog.Any("error", err))
		return
	}

	e.stateMu.Lock()
	e.advanceManifestLocked(man)
	if r, ok := e.readers[q.id]; ok {
		delete(e.readers, q.id)
		e.markRetired(r.rd.Key())
		r.release()
	}
	e.publishLocked()
	e.stateMu.Unlock()
}

// quarantineCommit flags the segments in the manifest. Quarantined segments
// stay in the live set and keep their objects; they are excluded from queries
// and compaction until an operator intervenes.
func (e *Engine) quarantineCommit(ctx context.Context, ids []model.SegmentID) (*manifest.Manifest, error) {
	man, err := e.mstore.Update(ctx, e.cfg.ManifestAttempts, func(m *manifest.Manifest) error {
		changed := false
		for _, id := range ids {
			if si, ok := m.Segment(id); ok && !si.Quarantined {
				si.Quarantined = true
				changed = true
			}
		}
		if !changed {
			return manifest.ErrUnchanged
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		e.obs.RecordQuarantine(uint64(id))
	}
	return man, nil
}

// Stats reports a point-in-time view of the namespace.
type Stats struct {
	ManifestVersion     uint64
	Segments            int
	QuarantinedSegments int
	// LiveRecords approximates the live row count: segment rows plus
	// memtable entries, so an id updated since the last flush counts twice.
	LiveRecords     uint64
	SegmentBytes    int64
	MemtableBytes   int64
	MemtableRecords int
	WALDurableSeq   uint64
	CommittedWALSeq uint64
	Cache           cache.Stats
}

func (e *Engine) Stats() Stats {
	s, err := e.currentSnapshot()
	if err != nil {
		return Stats{}
	}
	defer s.unref()

	st := Stats{
		ManifestVersion: s.man.Version,
		CommittedWALSeq: s.man.CommittedWALSeq,
		LiveRecords:     s.man.LiveRows(),
		SegmentBytes:    s.man.LiveBytes(),
		Cache:           e.blocks.Stats(),
	}
	for _, si := range s.man.Segments {
		if si.Quarantined {
			st.QuarantinedSegments++
		} else {
			st.Segments++
		}
	}
	for _, mt := range s.mems {
		st.MemtableBytes += mt.SizeBytes()
		st.MemtableRecords += mt.LiveCount()
		st.LiveRecords += uint64(mt.LiveCount())
	}
	if e.wal != nil {
		st.WALDurableSeq = e.wal.DurableSeq()
	}
	return st
}

// Close stops background work, drains the WAL and, unless disabled, flushes
// the remaining memtable so the next open starts from an empty WAL tail.
// Close never loses acknowledged writes either way.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.closeCh)
	e.wg.Wait()

	var errs []error
	if err := e.wal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("engine: wal close: %w", err))
	}
	if !e.cfg.DisableFlushOnClose {
		if err := e.flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("engine: final flush: %w", err))
		}
	}
	if s := e.snap.Swap(nil); s != nil {
		s.unref()
	}
	e.stateMu.Lock()
	for _, r := range e.readers {
		r.release()
	}
	clear(e.readers)
	e.stateMu.Unlock()
	e.logger.Info("namespace closed", slog.String("prefix", e.prefix))
	return errors.Join(errs...)
}

func (e *Engine) runFlushLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.closeCh:
			return
		case <-e.flushCh:
		case <-ticker.C:
		}
		if !e.gov.TryAcquireBackground() {
			continue
		}
		if err := e.flush(context.Background()); err != nil {
			e.logger.Error("background flush failed", slog.Any("error", err))
		}
		e.gov.ReleaseBackground()
	}
}

func (e *Engine) runCompactionLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.CompactInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.closeCh:
			return
		case <-ticker.C:
		}
		if !e.gov.TryAcquireBackground() {
			continue
		}
		if err := e.compact(context.Background()); err != nil {
			e.logger.Error("background compaction failed", slog.Any("error", err))
		}
		e.gov.ReleaseBackground()
	}
}

func (e *Engine) runGCLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.closeCh:
			return
		case <-ticker.C:
		}
		if !e.gov.TryAcquireBackground() {
			continue
		}
		if _, err := e.runGC(context.Background()); err != nil {
			e.logger.Error("gc pass failed", slog.Any("error", err))
		}
		e.gov.ReleaseBackground()
	}
}

func joinPrefix(prefix, sub string) string {
	if prefix == "" {
		return sub
	}
	return prefix + "/" + sub
}
