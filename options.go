package cumulo

import (
	"log/slog"
	"time"

	"github.com/cumulodb/cumulo/internal/engine"
	"github.com/cumulodb/cumulo/metrics"
)

type options struct {
	prefix   string
	logger   *slog.Logger
	observer metrics.Observer

	cacheBytes        int64
	memoryLimit       int64
	backgroundWorkers int64
	ioLimit           int64

	flushBytes      int64
	flushInterval   time.Duration
	compactInterval time.Duration
	gcInterval      time.Duration
	gcGraceWindow   time.Duration

	searchConcurrency int

	indexM              int
	indexEFConstruction int

	disableBackground   bool
	disableFlushOnClose bool
}

// Option configures a DB handle. Options apply to every namespace opened
// through the handle.
type Option func(*options)

// WithPrefix roots all namespaces under the given key prefix. Use it to run
// several deployments in one bucket.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = trimKey(prefix)
	}
}

// WithLogger configures structured logging. Each namespace logs with a
// namespace attribute attached. Pass nil to disable logging (the default).
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithObserver configures an observer that receives one callback per
// completed operation. Pass nil to disable (the default).
//
// Example with the Prometheus adapter:
//
//	obs := prom.New(prometheus.DefaultRegisterer)
//	db, _ := cumulo.Open(store, cumulo.WithObserver(obs))
func WithObserver(obs metrics.Observer) Option {
	return func(o *options) {
		o.observer = obs
	}
}

// WithCacheBytes bounds the block cache shared by all namespaces of this
// handle. Larger caches keep more decoded segment blocks resident and cut
// object-store reads on the query path.
func WithCacheBytes(n int64) Option {
	return func(o *options) {
		o.cacheBytes = n
	}
}

// WithMemoryLimit caps the memory managed by the handle: memtables, the
// block cache and resident index sections share the budget. Writes that
// would exceed it block until a flush releases memory. 0 disables the limit.
func WithMemoryLimit(n int64) Option {
	return func(o *options) {
		o.memoryLimit = n
	}
}

// WithBackgroundWorkers caps concurrently running background jobs (flush,
// compaction, garbage collection) across all namespaces. Default 1.
func WithBackgroundWorkers(n int) Option {
	return func(o *options) {
		o.backgroundWorkers = int64(n)
	}
}

// WithIOLimit caps object-store throughput of background jobs in bytes per
// second, keeping compaction from starving queries. 0 disables the limit.
func WithIOLimit(bytesPerSec int64) Option {
	return func(o *options) {
		o.ioLimit = bytesPerSec
	}
}

// WithFlushBytes sets the memtable size that triggers a background flush.
func WithFlushBytes(n int64) Option {
	return func(o *options) {
		o.flushBytes = n
	}
}

// WithFlushInterval sets how often a non-empty memtable is flushed even if
// it has not reached the size threshold.
func WithFlushInterval(d time.Duration) Option {
	return func(o *options) {
		o.flushInterval = d
	}
}

// WithCompactInterval sets how often the compaction planner runs.
func WithCompactInterval(d time.Duration) Option {
	return func(o *options) {
		o.compactInterval = d
	}
}

// WithGCInterval sets how often garbage collection runs.
func WithGCInterval(d time.Duration) Option {
	return func(o *options) {
		o.gcInterval = d
	}
}

// WithGCGraceWindow sets the minimum age before an unreferenced object is
// deleted. The window must comfortably exceed the longest conceivable pause
// of a process holding an old snapshot; shortening it trades safety for
// faster space reclamation.
func WithGCGraceWindow(d time.Duration) Option {
	return func(o *options) {
		o.gcGraceWindow = d
	}
}

// WithSearchConcurrency caps how many segments one query searches in
// parallel.
func WithSearchConcurrency(n int) Option {
	return func(o *options) {
		o.searchConcurrency = n
	}
}

// WithIndexParams tunes the per-segment graph build: m is the connectivity
// of the graph, efConstruction the build-time search breadth. Both affect
// only segments written after the change; existing segments keep the
// parameters they were built with.
func WithIndexParams(m, efConstruction int) Option {
	return func(o *options) {
		o.indexM = m
		o.indexEFConstruction = efConstruction
	}
}

// WithoutBackground disables the background flush, compaction and GC loops.
// The caller drives maintenance explicitly via Flush, Compact and RunGC.
// Intended for tests and batch tooling.
func WithoutBackground() Option {
	return func(o *options) {
		o.disableBackground = true
	}
}

// WithoutFlushOnClose disables the final flush during Close. Buffered
// writes remain durable in the WAL and are replayed on the next open.
func WithoutFlushOnClose() Option {
	return func(o *options) {
		o.disableFlushOnClose = true
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		cacheBytes: engine.DefaultCacheBytes,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
