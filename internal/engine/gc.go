package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/cumulodb/cumulo/internal/manifest"
	"github.com/cumulodb/cumulo/internal/wal"
	"github.com/cumulodb/cumulo/model"
)

// RunGC runs one garbage collection pass and returns how many objects it
// deleted. Deletion is conservative: an object goes only when the manifest
// does not reference it, no in-process reader still holds it, and it is older
// than the grace window. Listings are never trusted for visibility, only to
// find candidates for deletion.
func (e *Engine) RunGC(ctx context.Context) (int, error) {
	if e.closed.Load() {
		return 0, model.ErrClosed
	}
	if err := e.gov.AcquireBackground(ctx); err != nil {
		return 0, err
	}
	defer e.gov.ReleaseBackground()
	return e.runGC(ctx)
}

func (e *Engine) runGC(ctx context.Context) (deleted int, err error) {
	e.gcMu.Lock()
	defer e.gcMu.Unlock()
	defer func() { e.obs.RecordGC(deleted, err) }()

	man, _, err := e.mstore.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("engine: gc load: %w", err)
	}
	now := time.Now()

	deleted += e.reapDropped(ctx, man, now)

	pruned, err := wal.Prune(ctx, e.store, joinPrefix(e.prefix, "wal"), man.CommittedWALSeq, e.logger)
	if err != nil {
		e.logger.Warn("gc wal prune failed", slog.Any("error", err))
		err = nil
	}
	deleted += pruned

	deleted += e.sweepOrphans(ctx, man, now)

	e.logger.Debug("gc pass finished", slog.Int("deleted", deleted))
	return deleted, nil
}

// reapDropped deletes dropped segment objects past the grace window and then
// clears their manifest entries. A failed entry removal just leaves them for
// the next pass; deleting an already deleted object is a no-op.
func (e *Engine) reapDropped(ctx context.Context, man *manifest.Manifest, now time.Time) int {
	var reaped []string
	for _, d := range man.Dropped {
		if now.Sub(time.Unix(d.DroppedAtUnix, 0)) < e.cfg.GCGraceWindow {
			continue
		}
		if e.isRetired(d.Key) {
			continue
		}
		if err := e.store.Delete(ctx, d.Key); err != nil {
			e.logger.Warn("gc delete dropped segment failed",
				slog.String("key", d.Key), slog.Any("error", err))
			continue
		}
		e.logger.Info("gc deleted dropped segment", slog.String("key", d.Key))
		reaped = append(reaped, d.Key)
	}
	if len(reaped) == 0 {
		return 0
	}

	_, err := e.mstore.Update(ctx, e.cfg.ManifestAttempts, func(m *manifest.Manifest) error {
		kept := m.Dropped[:0]
		for _, d := range m.Dropped {
			if !slices.Contains(reaped, d.Key) {
				kept = append(kept, d)
			}
		}
		if len(kept) == len(m.Dropped) {
			return manifest.ErrUnchanged
		}
		m.Dropped = kept
		return nil
	})
	if err != nil {
		e.logger.Warn("gc dropped-list update failed", slog.Any("error", err))
	}
	return len(reaped)
}

// sweepOrphans removes segment objects the manifest does not know about:
// leftovers of flushes and compactions that staged an object but never
// committed it. The age guard keeps in-flight staging alive, and candidates
// are re-checked against a fresh manifest right before deletion to shrink the
// window against commits that landed after the pass started.
func (e *Engine) sweepOrphans(ctx context.Context, man *manifest.Manifest, now time.Time) int {
	segPrefix := joinPrefix(e.prefix, "segments") + "/"
	keys, err := e.store.List(ctx, segPrefix)
	if err != nil {
		e.logger.Warn("gc list segments failed", slog.Any("error", err))
		return 0
	}

	known := manifestKeySet(man)
	var candidates []string
	for _, k := range keys {
		if _, ok := known[k]; ok {
			continue
		}
		if e.isRetired(k) {
			continue
		}
		info, err := e.store.Stat(ctx, k)
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime) < e.cfg.GCGraceWindow {
			continue
		}
		candidates = append(candidates, k)
	}
	if len(candidates) == 0 {
		return 0
	}

	fresh, _, err := e.mstore.Load(ctx)
	if err != nil {
		e.logger.Warn("gc reload before orphan delete failed", slog.Any("error", err))
		return 0
	}
	known = manifestKeySet(fresh)

	deleted := 0
	for _, k := range candidates {
		if _, ok := known[k]; ok {
			continue
		}
		if err := e.store.Delete(ctx, k); err != nil {
			e.logger.Warn("gc delete orphan failed", slog.String("key", k), slog.Any("error", err))
			continue
		}
		e.logger.Info("gc deleted orphaned segment object", slog.String("key", k))
		deleted++
	}
	return deleted
}

func manifestKeySet(m *manifest.Manifest) map[string]struct{} {
	known := make(map[string]struct{}, len(m.Segments)+len(m.Dropped))
	for _, si := range m.Segments {
		known[si.Key] = struct{}{}
	}
	for _, d := range m.Dropped {
		known[d.Key] = struct{}{}
	}
	return known
}
