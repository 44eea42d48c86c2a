package cumulo

import (
	"github.com/cumulodb/cumulo/model"
)

// Every failure surfaced by the API wraps one of these identities, so
// callers can classify with errors.Is regardless of which layer produced
// the error.
var (
	// ErrNotFound is returned by Get when the record id does not exist or
	// has been deleted.
	ErrNotFound = model.ErrNotFound

	// ErrNamespaceNotFound is returned when opening a namespace that was
	// never created.
	ErrNamespaceNotFound = model.ErrNamespaceNotFound

	// ErrNamespaceExists is returned when creating a namespace that already
	// exists.
	ErrNamespaceExists = model.ErrNamespaceExists

	// ErrDimensionMismatch is returned when a vector's length does not match
	// the namespace dimension.
	ErrDimensionMismatch = model.ErrDimensionMismatch

	// ErrInvalidArgument covers malformed requests: zero K, undeclared
	// attributes, empty batches, bad namespace names.
	ErrInvalidArgument = model.ErrInvalidArgument

	// ErrDurability means a write could not be made durable. The mutation
	// was not applied. A fenced writer keeps returning this until the
	// namespace is reopened.
	ErrDurability = model.ErrDurability

	// ErrRetryExhausted means an internal retry budget was spent without
	// success, typically under sustained manifest contention.
	ErrRetryExhausted = model.ErrRetryExhausted

	// ErrQueryTimeout means the query deadline passed before K results could
	// be gathered.
	ErrQueryTimeout = model.ErrQueryTimeout

	// ErrClosed is returned by operations on a closed handle.
	ErrClosed = model.ErrClosed

	// ErrCorruptSegment is the identity behind CorruptSegmentError.
	ErrCorruptSegment = model.ErrCorruptSegment
)

// CorruptSegmentError reports a segment object that failed checksum or
// format validation. The engine quarantines such segments; Get surfaces the
// error when the lookup cannot be answered without the damaged segment.
type CorruptSegmentError = model.CorruptSegmentError
