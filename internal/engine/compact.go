package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/cumulodb/cumulo/internal/manifest"
	"github.com/cumulodb/cumulo/internal/resource"
	"github.com/cumulodb/cumulo/internal/segment"
	"github.com/cumulodb/cumulo/model"
)

// errStaleCompaction aborts a compaction commit whose inputs are no longer
// all present. Another writer consumed them; the round becomes a no-op.
var errStaleCompaction = errors.New("engine: compaction inputs changed")

// compactionPlan names a recency-contiguous run of segments to merge, newest
// first. purge is set when the run reaches the oldest segment of the
// namespace, in which case the output carries no tombstones at all.
type compactionPlan struct {
	ids    []model.SegmentID
	purge  bool
	reason string
}

// Compact runs one compaction round: plan, merge outside any lock, commit.
// No round pending is not an error.
func (e *Engine) Compact(ctx context.Context) error {
	if e.closed.Load() {
		return model.ErrClosed
	}
	if err := e.gov.AcquireBackground(ctx); err != nil {
		return err
	}
	defer e.gov.ReleaseBackground()
	return e.compact(ctx)
}

func (e *Engine) compact(ctx context.Context) error {
	e.compactMu.Lock()
	defer e.compactMu.Unlock()

	s, err := e.currentSnapshot()
	if err != nil {
		return err
	}
	defer s.unref()

	plan := planCompaction(s.man, e.cfg)
	if len(plan.ids) == 0 {
		return nil
	}

	start := time.Now()
	err = e.compactRun(ctx, s, plan)
	e.obs.RecordCompaction(time.Since(start), len(plan.ids), err)
	return err
}

// planCompaction picks the next run from the catalog. Two triggers: a
// contiguous stretch of at least CompactSmallCount undersized segments, or a
// segment whose tombstone share crossed CompactTombstoneFraction, merged with
// its older neighbor so the tombstones cancel. A single segment without
// tombstones never qualifies.
func planCompaction(m *manifest.Manifest, cfg Config) compactionPlan {
	live := make([]manifest.SegmentInfo, 0, len(m.Segments))
	for _, si := range m.Segments {
		if !si.Quarantined {
			live = append(live, si)
		}
	}
	if len(live) == 0 {
		return compactionPlan{}
	}

	if lo, hi, ok := smallStretch(live, cfg); ok {
		return finishPlan(m, live[lo:hi], "small_segments")
	}

	best := -1
	for i, si := range live {
		if si.TombstoneFraction() < cfg.CompactTombstoneFraction {
			continue
		}
		if best < 0 || si.TombstoneFraction() > live[best].TombstoneFraction() {
			best = i
		}
	}
	if best < 0 {
		return compactionPlan{}
	}
	if best == len(live)-1 {
		// Oldest live segment. Rewriting it alone only pays off when the
		// tombstones can actually be purged, which needs it to be the oldest
		// segment outright.
		if live[best].ID != m.Segments[len(m.Segments)-1].ID {
			return compactionPlan{}
		}
		return finishPlan(m, live[best:], "tombstones")
	}
	return finishPlan(m, live[best:best+2], "tombstones")
}

// smallStretch returns the bounds of the best contiguous stretch of
// undersized segments: the one with the highest dead fraction among those at
// least CompactSmallCount long, truncated at the old end to CompactMaxRun.
func smallStretch(live []manifest.SegmentInfo, cfg Config) (int, int, bool) {
	bestLo, bestHi := -1, -1
	var bestDead float64
	i := 0
	for i < len(live) {
		if live[i].Bytes >= cfg.CompactSmallBytes {
			i++
			continue
		}
		j := i
		for j < len(live) && live[j].Bytes < cfg.CompactSmallBytes {
			j++
		}
		if j-i >= cfg.CompactSmallCount {
			dead := deadFraction(live[i:j])
			if bestLo < 0 || dead > bestDead {
				bestLo, bestHi, bestDead = i, j, dead
			}
		}
		i = j
	}
	if bestLo < 0 {
		return 0, 0, false
	}
	if bestHi-bestLo > cfg.CompactMaxRun {
		bestLo = bestHi - cfg.CompactMaxRun
	}
	return bestLo, bestHi, true
}

func deadFraction(infos []manifest.SegmentInfo) float64 {
	var live, dead uint64
	for _, si := range infos {
		live += uint64(si.Count)
		dead += uint64(si.Tombstones)
	}
	if live+dead == 0 {
		return 0
	}
	return float64(dead) / float64(live+dead)
}

func finishPlan(m *manifest.Manifest, run []manifest.SegmentInfo, reason string) compactionPlan {
	p := compactionPlan{reason: reason}
	for _, si := range run {
		p.ids = append(p.ids, si.ID)
	}
	oldest := m.Segments[len(m.Segments)-1].ID
	p.purge = slices.Contains(p.ids, oldest)
	return p
}

// compactRun merges the planned run into one segment and swaps it into the
// manifest. The merge reads from the query snapshot without blocking writes;
// only the final commit is serialized, and it verifies every input is still
// present so racing rounds collapse to no-ops.
func (e *Engine) compactRun(ctx context.Context, s *snapshot, plan compactionPlan) error {
	rds := make([]*segment.Reader, 0, len(plan.ids))
	var inBytes int64
	for _, id := range plan.ids {
		r := findReader(s, id)
		if r == nil {
			return nil
		}
		rds = append(rds, r.rd)
		inBytes += r.rd.Info().Bytes
	}

	if err := e.gov.AcquireMemory(inBytes); err != nil {
		if errors.Is(err, resource.ErrMemoryLimitExceeded) {
			e.logger.Debug("compaction deferred, memory budget exhausted",
				slog.Int64("bytes", inBytes))
			return nil
		}
		return err
	}
	defer e.gov.ReleaseMemory(inBytes)

	merged, outDeleted, err := mergeReaders(ctx, rds, plan.purge)
	if err != nil {
		return err
	}

	if len(merged) == 0 && outDeleted.IsEmpty() {
		return e.commitDrop(ctx, plan)
	}

	key := segment.NewKey(e.prefix)
	info, err := segment.Write(ctx, e.store, e.gov, key, e.ns, merged, outDeleted, e.cfg.Write)
	if err != nil {
		return fmt.Errorf("engine: compaction write: %w", err)
	}
	return e.commitReplace(ctx, plan, info)
}

func findReader(s *snapshot, id model.SegmentID) *refReader {
	for _, r := range s.readers {
		if r.rd.ID() == id {
			return r
		}
	}
	return nil
}

// mergeReaders folds the run newest to oldest. A row survives unless a newer
// layer of the run shadows it; tombstones survive only if they can still aim
// at data older than the run. With purge set nothing is older, so tombstones
// drop entirely.
func mergeReaders(ctx context.Context, rds []*segment.Reader, purge bool) ([]model.Record, *roaring64.Bitmap, error) {
	hidden := roaring64.New()
	outDeleted := roaring64.New()
	var recs []model.Record
	for _, rd := range rds {
		err := rd.Iterate(ctx, func(rec model.Record) error {
			if !hidden.Contains(rec.ID) {
				recs = append(recs, rec)
			}
			return nil
		})
		if err != nil {
			return nil, nil, fmt.Errorf("engine: compaction read %s: %w", rd.Key(), err)
		}
		if !purge {
			del := rd.Deleted().Clone()
			del.AndNot(hidden)
			outDeleted.Or(del)
		}
		hidden.Or(rd.Shadow())
	}
	slices.SortFunc(recs, func(a, b model.Record) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	return recs, outDeleted, nil
}

// commitDrop removes a run that cancelled out completely.
func (e *Engine) commitDrop(ctx context.Context, plan compactionPlan) error {
	now := time.Now()
	man, err := e.mstore.Update(ctx, e.cfg.ManifestAttempts, func(m *manifest.Manifest) error {
		for _, id := range plan.ids {
			if _, ok := m.Segment(id); !ok {
				return errStaleCompaction
			}
		}
		for _, si := range m.RemoveSegments(plan.ids) {
			m.DropSegment(si, now)
		}
		return nil
	})
	if err != nil {
		return e.compactCommitErr(err)
	}
	e.finishCompaction(man, plan.ids, nil)
	e.logger.Info("compaction dropped cancelled run",
		slog.Int("inputs", len(plan.ids)),
		slog.Uint64("manifest_version", man.Version))
	return nil
}

// commitReplace installs the merged segment and drops its inputs in one
// manifest commit.
func (e *Engine) commitReplace(ctx context.Context, plan compactionPlan, info manifest.SegmentInfo) error {
	now := time.Now()
	man, err := e.mstore.Update(ctx, e.cfg.ManifestAttempts, func(m *manifest.Manifest) error {
		if manifestHasKey(m, info.Key) {
			return manifest.ErrUnchanged
		}
		si := info
		si.MinSeq = ^uint64(0)
		for _, id := range plan.ids {
			in, ok := m.Segment(id)
			if !ok {
				return errStaleCompaction
			}
			if in.Generation >= si.Generation {
				si.Generation = in.Generation + 1
			}
			if in.MinSeq < si.MinSeq {
				si.MinSeq = in.MinSeq
			}
			if in.MaxSeq > si.MaxSeq {
				si.MaxSeq = in.MaxSeq
			}
		}
		si.ID = m.AllocateSegmentID()
		for _, removed := range m.RemoveSegments(plan.ids) {
			m.DropSegment(removed, now)
		}
		m.AddSegment(si)
		return nil
	})
	if err != nil {
		return e.compactCommitErr(err)
	}

	si, ok := findSegmentByKey(man, info.Key)
	if !ok {
		// Landed under an ambiguous retry and was itself already compacted.
		e.finishCompaction(man, plan.ids, nil)
		return nil
	}

	rd, err := segment.Open(ctx, e.store, e.blocks, e.gov, e.ns, si)
	if err != nil {
		e.logger.Error("compacted segment failed to open",
			slog.Uint64("segment", uint64(si.ID)),
			slog.String("key", si.Key),
			slog.Any("error", err))
		e.finishCompaction(man, plan.ids, nil)
		e.requestQuarantine(si.ID, si.Key, err)
		return nil
	}

	e.finishCompaction(man, plan.ids, rd)
	e.logger.Info("compaction merged run",
		slog.String("reason", plan.reason),
		slog.Int("inputs", len(plan.ids)),
		slog.Uint64("segment", uint64(si.ID)),
		slog.Uint64("generation", uint64(si.Generation)),
		slog.Int64("bytes", si.Bytes),
		slog.Bool("purged", plan.purge),
		slog.Uint64("manifest_version", man.Version))
	return nil
}

func (e *Engine) compactCommitErr(err error) error {
	switch {
	case errors.Is(err, errStaleCompaction):
		return nil
	case errors.Is(err, manifest.ErrRetryExhausted):
		return fmt.Errorf("engine: compaction commit: %w", model.ErrRetryExhausted)
	default:
		return fmt.Errorf("engine: compaction commit: %w", err)
	}
}

// finishCompaction swaps the authoritative state to the committed manifest:
// input readers leave the live set, the merged reader joins it, and the new
// snapshot goes live. Input readers close once the last older snapshot
// releases them.
func (e *Engine) finishCompaction(man *manifest.Manifest, removed []model.SegmentID, rd *segment.Reader) {
	e.stateMu.Lock()
	e.advanceManifestLocked(man)
	for _, id := range removed {
		if r, ok := e.readers[id]; ok {
			delete(e.readers, id)
			e.markRetired(r.rd.Key())
			r.release()
		}
	}
	if rd != nil {
		e.readers[rd.ID()] = e.newRefReader(rd)
	}
	e.publishLocked()
	e.stateMu.Unlock()
}
