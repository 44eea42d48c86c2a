// Package metrics defines the observer interface the engine reports to.
// Implementations receive one callback per completed operation and must be
// safe for concurrent use; callbacks run on the hot path and should not block.
package metrics

import (
	"sync/atomic"
	"time"
)

// Observer receives operational events from the engine. Implement it to
// integrate with monitoring systems; the prom subpackage provides a
// Prometheus-backed implementation.
type Observer interface {
	// RecordInsert is called after each insert batch. count is the number
	// of records appended, err is nil on success.
	RecordInsert(count int, duration time.Duration, err error)

	// RecordDelete is called after each delete operation.
	RecordDelete(duration time.Duration, err error)

	// RecordSearch is called after each search. k is the requested result
	// count; degraded reports whether any segment was skipped.
	RecordSearch(k int, duration time.Duration, degraded bool, err error)

	// RecordGet is called after each point lookup.
	RecordGet(duration time.Duration, err error)

	// RecordFlush is called after each flush attempt. bytes is the size of
	// the segment object written, zero when the flush failed before upload.
	RecordFlush(duration time.Duration, bytes int64, err error)

	// RecordCompaction is called after each compaction attempt. inputs is
	// the number of segments merged.
	RecordCompaction(duration time.Duration, inputs int, err error)

	// RecordGC is called after each garbage collection pass. deleted is the
	// number of objects removed from the store.
	RecordGC(deleted int, err error)

	// RecordQuarantine is called when a segment fails validation and is
	// excluded from queries.
	RecordQuarantine(segment uint64)
}

// Nop is an Observer that discards all events.
type Nop struct{}

func (Nop) RecordInsert(int, time.Duration, error)       {}
func (Nop) RecordDelete(time.Duration, error)            {}
func (Nop) RecordSearch(int, time.Duration, bool, error) {}
func (Nop) RecordGet(time.Duration, error)               {}
func (Nop) RecordFlush(time.Duration, int64, error)      {}
func (Nop) RecordCompaction(time.Duration, int, error)   {}
func (Nop) RecordGC(int, error)                          {}
func (Nop) RecordQuarantine(uint64)                      {}

// Basic aggregates in-memory counters. Useful for tests and debugging when a
// full metrics backend is not worth wiring up.
type Basic struct {
	InsertBatches    atomic.Int64
	InsertRecords    atomic.Int64
	InsertErrors     atomic.Int64
	InsertTotalNanos atomic.Int64
	DeleteCount      atomic.Int64
	DeleteErrors     atomic.Int64
	SearchCount      atomic.Int64
	SearchDegraded   atomic.Int64
	SearchErrors     atomic.Int64
	SearchTotalNanos atomic.Int64
	GetCount         atomic.Int64
	GetErrors        atomic.Int64
	FlushCount       atomic.Int64
	FlushErrors      atomic.Int64
	FlushBytes       atomic.Int64
	CompactionCount  atomic.Int64
	CompactionErrors atomic.Int64
	CompactionInputs atomic.Int64
	GCPasses         atomic.Int64
	GCDeleted        atomic.Int64
	Quarantines      atomic.Int64
}

// RecordInsert implements Observer.
func (b *Basic) RecordInsert(count int, duration time.Duration, err error) {
	b.InsertBatches.Add(1)
	b.InsertRecords.Add(int64(count))
	b.InsertTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.InsertErrors.Add(1)
	}
}

// RecordDelete implements Observer.
func (b *Basic) RecordDelete(duration time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

// RecordSearch implements Observer.
func (b *Basic) RecordSearch(k int, duration time.Duration, degraded bool, err error) {
	b.SearchCount.Add(1)
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if degraded {
		b.SearchDegraded.Add(1)
	}
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// RecordGet implements Observer.
func (b *Basic) RecordGet(duration time.Duration, err error) {
	b.GetCount.Add(1)
	if err != nil {
		b.GetErrors.Add(1)
	}
}

// RecordFlush implements Observer.
func (b *Basic) RecordFlush(duration time.Duration, bytes int64, err error) {
	b.FlushCount.Add(1)
	b.FlushBytes.Add(bytes)
	if err != nil {
		b.FlushErrors.Add(1)
	}
}

// RecordCompaction implements Observer.
func (b *Basic) RecordCompaction(duration time.Duration, inputs int, err error) {
	b.CompactionCount.Add(1)
	b.CompactionInputs.Add(int64(inputs))
	if err != nil {
		b.CompactionErrors.Add(1)
	}
}

// RecordGC implements Observer.
func (b *Basic) RecordGC(deleted int, err error) {
	b.GCPasses.Add(1)
	b.GCDeleted.Add(int64(deleted))
}

// RecordQuarantine implements Observer.
func (b *Basic) RecordQuarantine(uint64) {
	b.Quarantines.Add(1)
}

// Snapshot returns a point-in-time copy of all counters.
func (b *Basic) Snapshot() BasicStats {
	return BasicStats{
		InsertBatches:    b.InsertBatches.Load(),
		InsertRecords:    b.InsertRecords.Load(),
		InsertErrors:     b.InsertErrors.Load(),
		InsertAvgNanos:   avg(b.InsertTotalNanos.Load(), b.InsertBatches.Load()),
		DeleteCount:      b.DeleteCount.Load(),
		DeleteErrors:     b.DeleteErrors.Load(),
		SearchCount:      b.SearchCount.Load(),
		SearchDegraded:   b.SearchDegraded.Load(),
		SearchErrors:     b.SearchErrors.Load(),
		SearchAvgNanos:   avg(b.SearchTotalNanos.Load(), b.SearchCount.Load()),
		GetCount:         b.GetCount.Load(),
		GetErrors:        b.GetErrors.Load(),
		FlushCount:       b.FlushCount.Load(),
		FlushErrors:      b.FlushErrors.Load(),
		FlushBytes:       b.FlushBytes.Load(),
		CompactionCount:  b.CompactionCount.Load(),
		CompactionErrors: b.CompactionErrors.Load(),
		CompactionInputs: b.CompactionInputs.Load(),
		GCPasses:         b.GCPasses.Load(),
		GCDeleted:        b.GCDeleted.Load(),
		Quarantines:      b.Quarantines.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicStats is a snapshot of Basic counters.
type BasicStats struct {
	InsertBatches    int64
	InsertRecords    int64
	InsertErrors     int64
	InsertAvgNanos   int64
	DeleteCount      int64
	DeleteErrors     int64
	SearchCount      int64
	SearchDegraded   int64
	SearchErrors     int64
	SearchAvgNanos   int64
	GetCount         int64
	GetErrors        int64
	FlushCount       int64
	FlushErrors      int64
	FlushBytes       int64
	CompactionCount  int64
	CompactionErrors int64
	CompactionInputs int64
	GCPasses         int64
	GCDeleted        int64
	Quarantines      int64
}
