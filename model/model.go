// Package model defines the core value types shared between the public API
// and the engine internals.
package model

import (
	"github.com/cumulodb/cumulo/attrs"
)

// SegmentID identifies a committed segment within a namespace. IDs are
// allocated from the manifest at commit time and never reused.
type SegmentID uint64

// Record is one vector record: a caller-assigned id, the vector itself and
// optional typed attributes. Records are immutable once written; an update
// is a delete followed by a reinsert under the same id.
type Record struct {
	ID     uint64
	Vector []float32
	Attrs  attrs.Map
}

// Candidate is one search hit.
type Candidate struct {
	ID       uint64
	Distance float32
	Attrs    attrs.Map
}

// SearchRequest describes one ANN query. The context passed alongside
// carries the deadline; a request without a deadline runs until the store
// answers.
type SearchRequest struct {
	// Vector is the query vector; its length must match the namespace
	// dimension.
	Vector []float32

	// K is the number of results to return.
	K int

	// Filter restricts results to records whose attributes match. Nil means
	// no filtering.
	Filter *attrs.FilterSet

	// EF overrides the index's search breadth for this query when > 0.
	// Larger values trade latency for recall.
	EF int
}

// SearchResult is the merged outcome of one query.
type SearchResult struct {
	// Hits are ordered by ascending distance, ties broken by ascending id.
	Hits []Candidate

	// Degraded is true when some partitions were skipped on transient
	// failures but K could still be served from the rest. It is never set
	// silently; callers opting out of degraded results receive an error
	// instead.
	Degraded bool

	// SkippedSegments counts partitions excluded from a degraded result.
	SkippedSegments int
}
