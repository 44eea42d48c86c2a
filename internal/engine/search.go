package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"golang.org/x/sync/errgroup"

	"github.com/cumulodb/cumulo/distance"
	"github.com/cumulodb/cumulo/internal/segment"
	"github.com/cumulodb/cumulo/model"
)

// layerResult is one layer's contribution to a query: its candidates plus the
// shadow set that suppresses the same ids in all older layers. A failed
// segment still contributes its resident shadow, so older duplicates of its
// ids cannot resurface.
type layerResult struct {
	cands  []model.Candidate
	shadow *roaring64.Bitmap
	err    error
}

// Search runs one ANN query against a consistent snapshot: memtables first,
// then every live segment, merged newest to oldest. Segments that fail are
// skipped and reported through Degraded rather than failing the query, unless
// the deadline expires before K hits are gathered.
func (e *Engine) Search(ctx context.Context, req model.SearchRequest) (model.SearchResult, error) {
	start := time.Now()
	res, err := e.search(ctx, req)
	e.obs.RecordSearch(req.K, time.Since(start), res.Degraded, err)
	return res, err
}

func (e *Engine) search(ctx context.Context, req model.SearchRequest) (model.SearchResult, error) {
	if e.closed.Load() {
		return model.SearchResult{}, model.ErrClosed
	}
	if req.K <= 0 {
		return model.SearchResult{}, fmt.Errorf("engine: k must be positive: %w", model.ErrInvalidArgument)
	}
	if len(req.Vector) != e.ns.Dimension {
		return model.SearchResult{}, fmt.Errorf("engine: query dimension %d, want %d: %w",
			len(req.Vector), e.ns.Dimension, model.ErrDimensionMismatch)
	}
	if req.Filter != nil {
		if err := req.Filter.Validate(e.ns.Schema); err != nil {
			return model.SearchResult{}, fmt.Errorf("engine: %v: %w", err, model.ErrInvalidArgument)
		}
	}
	query := req.Vector
	if e.ns.Metric.RequiresNormalization() {
		q, ok := distance.NormalizeL2Copy(query)
		if !ok {
			return model.SearchResult{}, fmt.Errorf("engine: zero-norm query vector: %w", model.ErrInvalidArgument)
		}
		query = q
	}

	s, err := e.currentSnapshot()
	if err != nil {
		return model.SearchResult{}, err
	}
	defer s.unref()

	layers := make([]layerResult, len(s.mems)+len(s.readers))
	for i, mt := range s.mems {
		cands, shadow := mt.Search(query, req.K, req.Filter)
		layers[i] = layerResult{cands: cands, shadow: shadow}
	}

	g := new(errgroup.Group)
	g.SetLimit(e.cfg.SearchConcurrency)
	for i, r := range s.readers {
		idx := len(s.mems) + i
		layers[idx].shadow = r.rd.Shadow()
		g.Go(func() error {
			cands, err := r.rd.Search(ctx, query, segment.SearchParams{
				K:      req.K,
				EF:     req.EF,
				Filter: req.Filter,
			})
			layers[idx].cands = cands
			layers[idx].err = err
			return nil
		})
	}
	// Layer errors degrade the result instead of failing the group.
	_ = g.Wait()

	hidden := roaring64.New()
	var survivors []model.Candidate
	skipped := 0
	for i := range layers {
		l := &layers[i]
		if l.err != nil {
			skipped++
			e.noteLayerFailure(s, i-len(s.mems), l.err)
		} else {
			for _, c := range l.cands {
				if !hidden.Contains(c.ID) {
					survivors = append(survivors, c)
				}
			}
		}
		if l.shadow != nil {
			hidden.Or(l.shadow)
		}
	}

	slices.SortFunc(survivors, func(a, b model.Candidate) int {
		if a.Distance != b.Distance {
			if a.Distance < b.Distance {
				return -1
			}
			return 1
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	if len(survivors) > req.K {
		survivors = survivors[:req.K]
	}

	if len(survivors) < req.K && ctx.Err() != nil {
		return model.SearchResult{}, fmt.Errorf("engine: %v: %w", ctx.Err(), model.ErrQueryTimeout)
	}

	return model.SearchResult{
		Hits:            survivors,
		Degraded:        skipped > 0,
		SkippedSegments: skipped,
	}, nil
}

// noteLayerFailure logs a failed segment layer and hands corrupt ones to the
// quarantine worker. ri indexes into the snapshot's readers.
func (e *Engine) noteLayerFailure(s *snapshot, ri int, err error) {
	if ri < 0 || ri >= len(s.readers) {
		return
	}
	rd := s.readers[ri].rd
	if errors.Is(err, model.ErrCorruptSegment) {
		e.requestQuarantine(rd.ID(), rd.Key(), err)
		return
	}
	e.logger.Warn("segment search failed",
		slog.Uint64("segment", uint64(rd.ID())),
		slog.String("key", rd.Key()),
		slog.Any("error", err))
}
