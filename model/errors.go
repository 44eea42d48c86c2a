package model

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the public API and the engine internals. The root
// package re-exports these so callers match with errors.Is against one
// identity regardless of which layer produced the error.
var (
	// ErrDurability means a WAL append failed after retries. The mutation
	// was not applied; the caller must retry the whole operation.
	ErrDurability = errors.New("cumulo: durability failure")

	// ErrRetryExhausted means the conflict or transient-failure budget was
	// spent without success.
	ErrRetryExhausted = errors.New("cumulo: retries exhausted")

	// ErrQueryTimeout means the query deadline passed before k results
	// could be gathered.
	ErrQueryTimeout = errors.New("cumulo: query timeout")

	// ErrNotFound means the requested record id does not exist.
	ErrNotFound = errors.New("cumulo: not found")

	// ErrNamespaceNotFound means the namespace has no manifest.
	ErrNamespaceNotFound = errors.New("cumulo: namespace not found")

	// ErrNamespaceExists means namespace creation lost the create race.
	ErrNamespaceExists = errors.New("cumulo: namespace already exists")

	// ErrDimensionMismatch means a vector's length does not match the
	// namespace dimension.
	ErrDimensionMismatch = errors.New("cumulo: dimension mismatch")

	// ErrInvalidArgument covers malformed requests: zero k, undeclared
	// filter attributes, empty batches.
	ErrInvalidArgument = errors.New("cumulo: invalid argument")

	// ErrClosed means the database or namespace has been closed.
	ErrClosed = errors.New("cumulo: closed")

	// ErrCorruptSegment is the identity behind CorruptSegmentError for
	// errors.Is matching.
	ErrCorruptSegment = errors.New("cumulo: corrupt segment")
)

// CorruptSegmentError reports a segment that failed checksum or format
// validation. The engine quarantines the segment and excludes it from
// queries; it is never silently dropped.
type CorruptSegmentError struct {
	Segment SegmentID
	Key     string
	Reason  string
	Err     error
}

func (e *CorruptSegmentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt segment %d (%s): %s: %v", e.Segment, e.Key, e.Reason, e.Err)
	}
	return fmt.Sprintf("corrupt segment %d (%s): %s", e.Segment, e.Key, e.Reason)
}

func (e *CorruptSegmentError) Unwrap() error { return e.Err }

// Is reports a match for ErrCorruptSegment so callers can test the class
// without errors.As.
func (e *CorruptSegmentError) Is(target error) bool {
	return target == ErrCorruptSegment
}
