package cumulo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/cumulodb/cumulo/attrs"
	"github.com/cumulodb/cumulo/distance"
	"github.com/cumulodb/cumulo/internal/cache"
	"github.com/cumulodb/cumulo/internal/engine"
	"github.com/cumulodb/cumulo/internal/hnsw"
	"github.com/cumulodb/cumulo/internal/manifest"
	"github.com/cumulodb/cumulo/internal/resource"
	"github.com/cumulodb/cumulo/internal/segment"
	"github.com/cumulodb/cumulo/model"
	"github.com/cumulodb/cumulo/objstore"
)

// Metric selects the distance function of a namespace.
type Metric = distance.Metric

const (
	// MetricL2 ranks by squared Euclidean distance.
	MetricL2 = distance.MetricL2

	// MetricCosine ranks by cosine distance. Vectors are normalized on
	// insert; zero vectors are rejected.
	MetricCosine = distance.MetricCosine

	// MetricDot ranks by negated inner product.
	MetricDot = distance.MetricDot
)

// Record is one vector record. See model.Record.
type Record = model.Record

// Candidate is one search hit. See model.Candidate.
type Candidate = model.Candidate

// SearchRequest describes one ANN query. See model.SearchRequest.
type SearchRequest = model.SearchRequest

// SearchResult is the merged outcome of one query. See model.SearchResult.
type SearchResult = model.SearchResult

// NamespaceConfig fixes the shape of a namespace at creation time. None of
// the fields can be changed later.
type NamespaceConfig struct {
	// Dimension is the vector length every record must have.
	Dimension int

	// Metric is the distance function queries rank by.
	Metric Metric

	// Schema declares the attribute fields records may carry and filters may
	// reference. Nil means no attributes.
	Schema attrs.Schema
}

// DB is a handle on a deployment: a set of namespaces in one object store
// under a common prefix. The block cache and resource limits configured via
// options are shared by every namespace opened through the handle.
//
// A DB is safe for concurrent use.
type DB struct {
	store  objstore.Store
	opts   options
	cache  *cache.BlockCache
	gov    *resource.Governor
	logger *slog.Logger

	mu         sync.Mutex
	namespaces map[string]*Namespace
	closed     bool
}

// Open creates a handle on the deployment stored in store. Open performs no
// IO; namespaces are loaded on first use.
func Open(store objstore.Store, optFns ...Option) (*DB, error) {
	if store == nil {
		return nil, fmt.Errorf("cumulo: nil store: %w", ErrInvalidArgument)
	}

	o := applyOptions(optFns)

	var gov *resource.Governor
	if o.memoryLimit > 0 || o.backgroundWorkers > 0 || o.ioLimit > 0 {
		gov = resource.NewGovernor(resource.Config{
			MemoryLimitBytes:     o.memoryLimit,
			MaxBackgroundWorkers: o.backgroundWorkers,
			IOLimitBytesPerSec:   o.ioLimit,
		})
	}

	return &DB{
		store:      store,
		opts:       o,
		cache:      cache.New(o.cacheBytes, gov),
		gov:        gov,
		logger:     o.logger,
		namespaces: make(map[string]*Namespace),
	}, nil
}

// CreateNamespace initializes a new namespace. The write is conditional, so
// exactly one of several racing creators wins; the others get
// ErrNamespaceExists. The namespace is immediately openable by any process.
func (db *DB) CreateNamespace(ctx context.Context, name string, cfg NamespaceConfig) error {
	if err := validateName(name); err != nil {
		return err
	}
	return engine.Create(ctx, db.store, db.nsPrefix(name), manifest.Config{
		Dimension: cfg.Dimension,
		Metric:    cfg.Metric,
		Schema:    cfg.Schema,
	})
}

// Namespace opens the named namespace: it loads the manifest, replays the
// WAL tail and starts the background maintenance loops. Opening a namespace
// that is already open through this handle returns the shared handle; opens
// of distinct namespaces are serialized.
func (db *DB) Namespace(ctx context.Context, name string) (*Namespace, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, fmt.Errorf("cumulo: namespace %q: %w", name, ErrClosed)
	}
	if ns, ok := db.namespaces[name]; ok {
		return ns, nil
	}

	eng, err := engine.Open(ctx, db.engineConfig(name))
	if err != nil {
		return nil, err
	}
	ns := &Namespace{name: name, db: db, eng: eng}
	db.namespaces[name] = ns
	return ns, nil
}

// ListNamespaces returns the names of the namespaces under this handle's
// prefix in lexical order. The result comes from an object listing and may
// lag recent creations; use it for discovery and tooling, never to decide
// whether a namespace exists.
func (db *DB) ListNamespaces(ctx context.Context) ([]string, error) {
	root := db.opts.prefix
	if root != "" {
		root += "/"
	}
	keys, err := db.store.List(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("cumulo: list namespaces: %w", err)
	}

	suffix := "/" + manifest.ObjectKey
	var names []string
	for _, key := range keys {
		rel := strings.TrimPrefix(key, root)
		name, ok := strings.CutSuffix(rel, suffix)
		if !ok || name == "" || strings.Contains(name, "/") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Close closes every namespace opened through this handle. Buffered writes
// are flushed unless WithoutFlushOnClose was set. The handle is unusable
// afterwards; Close is idempotent.
func (db *DB) Close(ctx context.Context) error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	open := make([]*Namespace, 0, len(db.namespaces))
	for _, ns := range db.namespaces {
		open = append(open, ns)
	}
	clear(db.namespaces)
	db.mu.Unlock()

	var errs []error
	for _, ns := range open {
		if err := ns.eng.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("namespace %q: %w", ns.name, err))
		}
	}
	return errors.Join(errs...)
}

func (db *DB) engineConfig(name string) engine.Config {
	o := db.opts
	cfg := engine.Config{
		Store:               db.store,
		Prefix:              db.nsPrefix(name),
		Cache:               db.cache,
		Governor:            db.gov,
		Observer:            o.observer,
		FlushBytes:          o.flushBytes,
		FlushInterval:       o.flushInterval,
		CompactInterval:     o.compactInterval,
		GCInterval:          o.gcInterval,
		GCGraceWindow:       o.gcGraceWindow,
		SearchConcurrency:   o.searchConcurrency,
		DisableBackground:   o.disableBackground,
		DisableFlushOnClose: o.disableFlushOnClose,
	}
	if o.logger != nil {
		cfg.Logger = o.logger.With(slog.String("namespace", name))
	}
	if o.indexM > 0 || o.indexEFConstruction > 0 {
		cfg.Write = segment.WriteOptions{Index: hnsw.Config{
			M:              o.indexM,
			EFConstruction: o.indexEFConstruction,
		}}
	}
	return cfg
}

func (db *DB) nsPrefix(name string) string {
	if db.opts.prefix == "" {
		return name
	}
	return db.opts.prefix + "/" + name
}

// detach removes ns from the open set if it is still the registered handle.
func (db *DB) detach(ns *Namespace) {
	db.mu.Lock()
	if cur, ok := db.namespaces[ns.name]; ok && cur == ns {
		delete(db.namespaces, ns.name)
	}
	db.mu.Unlock()
}

// Namespace is an open vector collection. All methods are safe for
// concurrent use.
type Namespace struct {
	name string
	db   *DB
	eng  *engine.Engine
}

// Name returns the namespace name.
func (ns *Namespace) Name() string { return ns.name }

// Insert adds one record. It returns once the write is durable in the WAL.
// Reinserting an existing id replaces the record.
func (ns *Namespace) Insert(ctx context.Context, rec Record) error {
	return ns.eng.Insert(ctx, rec)
}

// InsertBatch adds a batch of records in one durable write. The batch is
// atomic: either all records become visible or none do.
func (ns *Namespace) InsertBatch(ctx context.Context, recs []Record) error {
	return ns.eng.InsertBatch(ctx, recs)
}

// Delete removes the record with the given id. Deleting a missing id is not
// an error; the tombstone is durable either way.
func (ns *Namespace) Delete(ctx context.Context, id uint64) error {
	return ns.eng.Delete(ctx, id)
}

// Get returns the record with the given id, or ErrNotFound.
func (ns *Namespace) Get(ctx context.Context, id uint64) (Record, error) {
	return ns.eng.Get(ctx, id)
}

// Search runs one ANN query and returns the K nearest records that match
// the filter, ordered by ascending distance. The context's deadline bounds
// the query; on deadline the result is degraded or ErrQueryTimeout.
func (ns *Namespace) Search(ctx context.Context, req SearchRequest) (SearchResult, error) {
	return ns.eng.Search(ctx, req)
}

// Flush writes the current memtable to a new segment and commits it. A
// no-op when the memtable is empty.
func (ns *Namespace) Flush(ctx context.Context) error {
	return ns.eng.Flush(ctx)
}

// Compact runs one round of the compaction planner: merging small segments,
// folding tombstones into their targets, or dropping fully shadowed
// segments. A no-op when nothing qualifies.
func (ns *Namespace) Compact(ctx context.Context) error {
	return ns.eng.Compact(ctx)
}

// RunGC deletes unreferenced objects older than the grace window and WAL
// objects below the committed watermark. It returns the number of objects
// deleted.
func (ns *Namespace) RunGC(ctx context.Context) (int, error) {
	return ns.eng.RunGC(ctx)
}

// Stats returns a point-in-time snapshot of the namespace.
func (ns *Namespace) Stats() Stats {
	s := ns.eng.Stats()
	return Stats{
		ManifestVersion:     s.ManifestVersion,
		Segments:            s.Segments,
		QuarantinedSegments: s.QuarantinedSegments,
		LiveRecords:         s.LiveRecords,
		SegmentBytes:        s.SegmentBytes,
		MemtableBytes:       s.MemtableBytes,
		MemtableRecords:     s.MemtableRecords,
		WALDurableSeq:       s.WALDurableSeq,
		CommittedWALSeq:     s.CommittedWALSeq,
		Cache:               CacheStats(s.Cache),
	}
}

// Close detaches the namespace from its DB and shuts the engine down:
// background loops stop, the WAL is closed and, unless WithoutFlushOnClose
// was set, buffered writes are flushed to a final segment. Close is
// idempotent.
func (ns *Namespace) Close(ctx context.Context) error {
	ns.db.detach(ns)
	return ns.eng.Close(ctx)
}

// Stats is a point-in-time snapshot of one namespace.
type Stats struct {
	// ManifestVersion is the version of the last manifest this handle
	// committed or observed.
	ManifestVersion uint64

	// Segments is the number of live segments.
	Segments int

	// QuarantinedSegments is the number of segments excluded from queries
	// after failing validation.
	QuarantinedSegments int

	// LiveRecords approximates the number of visible records. Tombstones
	// whose target lives in an older segment make the count an upper bound
	// until compaction folds them in.
	LiveRecords uint64

	// SegmentBytes is the total size of live segment objects.
	SegmentBytes int64

	// MemtableBytes and MemtableRecords describe the unflushed write set.
	MemtableBytes   int64
	MemtableRecords int

	// WALDurableSeq is the highest sequence acknowledged durable.
	// CommittedWALSeq is the highest sequence folded into segments; WAL
	// objects at or below it are garbage.
	WALDurableSeq   uint64
	CommittedWALSeq uint64

	// Cache reports the block cache shared across the DB handle.
	Cache CacheStats
}

// CacheStats is a point-in-time snapshot of the shared block cache.
type CacheStats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Bytes     int64
	Entries   int
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("cumulo: empty namespace name: %w", ErrInvalidArgument)
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("cumulo: namespace name %q contains a path separator: %w", name, ErrInvalidArgument)
	}
	return nil
}

func trimKey(prefix string) string {
	return strings.Trim(prefix, "/")
}
