// Package manifest maintains the single authoritative catalog object. A
// record set, vector, or tombstone is visible if and only if the manifest
// says so; every state transition is one conditional PUT of this object.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cumulodb/cumulo/attrs"
	"github.com/cumulodb/cumulo/distance"
	"github.com/cumulodb/cumulo/model"
	"github.com/cumulodb/cumulo/objstore"
)

// ObjectKey is the manifest's key inside a namespace prefix.
const ObjectKey = "manifest"

var (
	ErrNotFound = errors.New("manifest: not found")
	ErrConflict = errors.New("manifest: version conflict")
	ErrCorrupt  = errors.New("manifest: corrupt")
	// ErrRetryExhausted is returned when repeated conflicts exhaust the
	// update budget.
	ErrRetryExhausted = errors.New("manifest: conflict retries exhausted")
	// ErrUnchanged is returned by an update function to report that its
	// change is already present, which completes the update without a
	// commit. Retried updates use this to stay idempotent.
	ErrUnchanged = errors.New("manifest: unchanged")
)

// Config is the immutable per-namespace configuration fixed at creation.
type Config struct {
	Dimension int
	Metric    distance.Metric
	Schema    attrs.Schema
}

// SegmentInfo describes one immutable segment object.
type SegmentInfo struct {
	ID         model.SegmentID
	Generation uint32
	// Key is the segment's object key, assigned before the manifest ever
	// references it.
	Key          string
	MinID, MaxID uint64
	// Count is the number of live rows; Tombstones the number of shadow
	// deletes carried for older segments.
	Count      uint32
	Tombstones uint32
	// MinSeq and MaxSeq bound the WAL range folded into this segment.
	// Segments are ordered newest-first by MaxSeq.
	MinSeq, MaxSeq uint64
	Bytes          int64
	// Quarantined marks a segment that failed checksum or decode; queries
	// skip it and report degraded results instead of serving corrupt data.
	Quarantined bool
}

// TombstoneFraction is the compaction policy's preference signal.
func (s SegmentInfo) TombstoneFraction() float64 {
	total := uint64(s.Count) + uint64(s.Tombstones)
	if total == 0 {
		return 0
	}
	return float64(s.Tombstones) / float64(total)
}

// DroppedSegment is a segment removed from the live set but not yet deleted
// from the store. Deletion waits out a grace window so readers pinned to
// older manifest versions finish first.
type DroppedSegment struct {
	Key              string
	DroppedAtVersion uint64
	DroppedAtUnix    int64
}

// Manifest is the catalog. Segments are ordered newest-first by MaxSeq.
type Manifest struct {
	// Version increments by exactly one on every commit.
	Version       uint64
	CreatedAtUnix int64
	Config        Config
	NextSegmentID model.SegmentID
	Segments      []SegmentInfo
	Dropped       []DroppedSegment
	// CommittedWALSeq is the highest WAL sequence folded into segments.
	// Replay resumes at the next sequence, which group commit keeps on an
	// object boundary.
	CommittedWALSeq uint64
}

// New returns the initial manifest for a fresh namespace.
func New(cfg Config) *Manifest {
	return &Manifest{
		Config:        cfg,
		NextSegmentID: 1,
	}
}

// Segment returns a pointer to the live entry for id, for in-place edits
// inside an update function.
func (m *Manifest) Segment(id model.SegmentID) (*SegmentInfo, bool) {
	for i := range m.Segments {
		if m.Segments[i].ID == id {
			return &m.Segments[i], true
		}
	}
	return nil, false
}

// HasSegmentKey reports whether any live segment uses the object key. Flush
// and compaction retries use this as their already-applied check.
func (m *Manifest) HasSegmentKey(key string) bool {
	for i := range m.Segments {
		if m.Segments[i].Key == key {
			return true
		}
	}
	return false
}

// AddSegment inserts info and restores newest-first order.
func (m *Manifest) AddSegment(info SegmentInfo) {
	m.Segments = append(m.Segments, info)
	m.sortSegments()
}

// RemoveSegments deletes the named segments from the live set and returns
// the removed entries in their prior order.
func (m *Manifest) RemoveSegments(ids []model.SegmentID) []SegmentInfo {
	var removed []SegmentInfo
	kept := m.Segments[:0]
	for _, s := range m.Segments {
		if slices.Contains(ids, s.ID) {
			removed = append(removed, s)
		} else {
			kept = append(kept, s)
		}
	}
	m.Segments = kept
	return removed
}

// DropSegment parks a removed segment for deferred deletion, stamped with
// the version this update will commit.
func (m *Manifest) DropSegment(info SegmentInfo, now time.Time) {
	m.Dropped = append(m.Dropped, DroppedSegment{
		Key:              info.Key,
		DroppedAtVersion: m.Version + 1,
		DroppedAtUnix:    now.Unix(),
	})
}

// AllocateSegmentID hands out the next segment id. Allocation happens inside
// the update function so concurrent committers cannot collide.
func (m *Manifest) AllocateSegmentID() model.SegmentID {
	id := m.NextSegmentID
	m.NextSegmentID++
	return id
}

// LiveRows sums live row counts across segments.
func (m *Manifest) LiveRows() uint64 {
	var n uint64
	for _, s := range m.Segments {
		n += uint64(s.Count)
	}
	return n
}

// LiveBytes sums segment object sizes.
func (m *Manifest) LiveBytes() int64 {
	var n int64
	for _, s := range m.Segments {
		n += s.Bytes
	}
	return n
}

func (m *Manifest) sortSegments() {
	slices.SortStableFunc(m.Segments, func(a, b SegmentInfo) int {
		if a.MaxSeq != b.MaxSeq {
			if a.MaxSeq > b.MaxSeq {
				return -1
			}
			return 1
		}
		if a.ID > b.ID {
			return -1
		}
		if a.ID < b.ID {
			return 1
		}
		return 0
	})
}

// Store reads and conditionally replaces the manifest object.
type Store struct {
	store objstore.Store
	key   string
}

// NewStore creates a manifest store rooted at prefix.
func NewStore(store objstore.Store, prefix string) *Store {
	key := ObjectKey
	if prefix != "" {
		key = prefix + "/" + ObjectKey
	}
	return &Store{store: store, key: key}
}

// Key returns the full object key of the manifest.
func (s *Store) Key() string { return s.key }

// Load fetches and decodes the current manifest with its store version.
func (s *Store) Load(ctx context.Context) (*Manifest, objstore.Version, error) {
	data, ver, err := s.store.Get(ctx, s.key)
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("manifest: load: %w", err)
	}
	m, err := Decode(data)
	if err != nil {
		return nil, "", err
	}
	return m, ver, nil
}

// Create writes the very first manifest. It fails if one already exists, so
// racing namespace creations resolve to a single winner.
func (s *Store) Create(ctx context.Context, m *Manifest) (objstore.Version, error) {
	m.Version = 1
	m.CreatedAtUnix = time.Now().Unix()
	ver, err := s.store.PutIf(ctx, s.key, Encode(m), objstore.VersionAbsent)
	if err != nil {
		if errors.Is(err, objstore.ErrPreconditionFailed) {
			return "", ErrConflict
		}
		return "", fmt.Errorf("manifest: create: %w", err)
	}
	return ver, nil
}

// Commit conditionally replaces the manifest. This is the only place engine
// state becomes visible; everything else is staging. The manifest's logical
// version advances by one on success.
func (s *Store) Commit(ctx context.Context, m *Manifest, expected objstore.Version) (objstore.Version, error) {
	m.Version++
	ver, err := s.store.PutIf(ctx, s.key, Encode(m), expected)
	if err != nil {
		m.Version--
		if errors.Is(err, objstore.ErrPreconditionFailed) {
			return "", ErrConflict
		}
		return "", fmt.Errorf("manifest: commit: %w", err)
	}
	return ver, nil
}

// Update runs the load-mutate-commit loop. Each attempt calls fn on a fresh
// load, so fn must re-derive its decision from current state rather than
// captured assumptions. fn may return ErrUnchanged to finish without a
// commit. Conflicts beyond attempts surface ErrRetryExhausted.
func (s *Store) Update(ctx context.Context, attempts int, fn func(*Manifest) error) (*Manifest, error) {
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		m, ver, err := s.Load(ctx)
		if err != nil {
			return nil, err
		}
		if err := fn(m); err != nil {
			if errors.Is(err, ErrUnchanged) {
				return m, nil
			}
			return nil, err
		}
		if _, err := s.Commit(ctx, m, ver); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return nil, err
		}
		return m, nil
	}
	return nil, fmt.Errorf("%w after %d attempts", ErrRetryExhausted, attempts)
}
