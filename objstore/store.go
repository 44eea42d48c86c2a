// Package objstore defines the object store capability the engine is built
// on. Durable state lives entirely behind this interface: segment files, WAL
// objects and the per-namespace manifest are all plain objects addressed by
// key.
//
// The only concurrency primitive the engine relies on is the conditional PUT
// exposed by PutIf: a write that succeeds only when the object's current
// version matches an expected value (or the object is absent). Single-key
// reads are assumed strongly consistent; List is not, and callers must never
// derive visibility decisions from it.
package objstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the requested key does not exist.
	ErrNotFound = errors.New("objstore: key not found")

	// ErrPreconditionFailed is returned by PutIf when the object's current
	// version does not match the expected version.
	ErrPreconditionFailed = errors.New("objstore: precondition failed")
)

// Version is an opaque version token for an object, comparable for equality
// only. Backends map it to whatever they have (ETag, generation counter).
type Version string

// VersionAbsent is the expected version for create-only writes: PutIf
// succeeds only if the key does not exist yet.
const VersionAbsent = Version("")

// ObjectInfo describes a stored object. ModTime is the time of the last
// successful write as observed by the backend; garbage collection uses it to
// leave recently written objects alone.
type ObjectInfo struct {
	Key     string
	Size    int64
	Version Version
	ModTime time.Time
}

// Store is the object store capability consumed by the engine.
//
// Implementations must be safe for concurrent use. Get and Stat on a single
// key must observe the latest successful Put/PutIf for that key.
type Store interface {
	// Get returns the full object content and its current version.
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, Version, error)

	// GetRange returns length bytes starting at offset. The offset must lie
	// within the object; a length that overruns the object end is clamped.
	// A negative length reads to the end of the object.
	GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error)

	// Put writes the object unconditionally and returns its new version.
	Put(ctx context.Context, key string, data []byte) (Version, error)

	// PutIf writes the object only if its current version equals expected.
	// With VersionAbsent the write succeeds only if the key does not exist.
	// Returns ErrPreconditionFailed when the condition does not hold.
	PutIf(ctx context.Context, key string, data []byte, expected Version) (Version, error)

	// List returns all keys with the given prefix in lexical order. Listings
	// may lag recent writes; they are suitable for maintenance sweeps only.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Stat returns size and version without fetching the content.
	// Returns ErrNotFound if the key does not exist.
	Stat(ctx context.Context, key string) (ObjectInfo, error)
}

// transientError marks an error as retryable. Backends wrap timeouts and
// 5xx-equivalent failures with it so the retry decorator can tell them apart
// from permanent failures.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }

// MarkTransient wraps err so that IsTransient reports true for it.
// Returns nil if err is nil.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is marked as a transient store failure.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
