// Package hnsw implements a Hierarchical Navigable Small World graph for
// approximate nearest neighbor search over an immutable row set.
//
// Graphs are built once from a resident vector slice and never mutated
// afterwards. The graph stores adjacency only; at query time distances are
// supplied by a DistFunc so vectors can live behind a block cache.
package hnsw

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/cumulodb/cumulo/distance"
	"github.com/cumulodb/cumulo/internal/searcher"
)

const (
	// layerNormalizationBase is the base constant for the exponential layer
	// probability distribution.
	layerNormalizationBase = 1.0

	// mmax0Multiplier is the multiplier for maximum connections at layer 0.
	mmax0Multiplier = 2

	// minimumM is the minimum valid value for M.
	minimumM = 2

	// DefaultM is the default number of bidirectional links per node.
	DefaultM = 16

	// DefaultEFConstruction is the default candidate list size during build.
	DefaultEFConstruction = 200

	// DefaultEFSearch is the default candidate list size during search.
	DefaultEFSearch = 100
)

// Config holds build parameters. The zero value selects defaults.
type Config struct {
	// M is the number of bidirectional links created per node above layer 0.
	// Layer 0 allows twice as many.
	M int

	// EFConstruction is the candidate list size used while building.
	EFConstruction int

	// Seed feeds the level generator. Builds with the same inputs and seed
	// produce identical graphs.
	Seed uint64
}

func (c Config) withDefaults() Config {
	if c.M == 0 {
		c.M = DefaultM
	}
	if c.M < minimumM {
		c.M = minimumM
	}
	if c.EFConstruction == 0 {
		c.EFConstruction = DefaultEFConstruction
	}
	if c.EFConstruction < c.M {
		c.EFConstruction = c.M
	}
	return c
}

// DistFunc returns the distance from the query to the vector at row.
type DistFunc func(row uint32) (float32, error)

// adjacency abstracts neighbor lookup so the finished Graph and the
// in-progress builder share one traversal implementation.
type adjacency interface {
	neighbors(row uint32, level int) []uint32
}

// levelLinks holds the adjacency of one upper layer. Rows are sorted
// ascending so lookups can binary search; only a small fraction of nodes
// reach any layer above 0.
type levelLinks struct {
	rows  []uint32
	links [][]uint32
}

func (l *levelLinks) neighbors(row uint32) []uint32 {
	lo, hi := 0, len(l.rows)
	for lo < hi {
		mid := (lo + hi) / 2
		if l.rows[mid] < row {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(l.rows) && l.rows[lo] == row {
		return l.links[lo]
	}
	return nil
}

// Graph is an immutable HNSW adjacency structure. Row indices refer to the
// vector order passed to Build.
type Graph struct {
	m        int
	mMax0    int
	entry    uint32
	maxLevel int

	level0 [][]uint32   // adjacency for every row at layer 0
	upper  []levelLinks // upper[i] is layer i+1
}

// Rows returns the number of indexed rows.
func (g *Graph) Rows() int { return len(g.level0) }

// M returns the link parameter the graph was built with.
func (g *Graph) M() int { return g.m }

// MaxLevel returns the highest populated layer.
func (g *Graph) MaxLevel() int { return g.maxLevel }

// SizeBytes estimates the resident memory of the adjacency lists.
func (g *Graph) SizeBytes() int64 {
	n := int64(len(g.level0)) * 24
	for _, conns := range g.level0 {
		n += int64(cap(conns)) * 4
	}
	for i := range g.upper {
		n += int64(len(g.upper[i].rows)) * 28
		for _, conns := range g.upper[i].links {
			n += int64(cap(conns)) * 4
		}
	}
	return n
}

func (g *Graph) neighbors(row uint32, level int) []uint32 {
	if level == 0 {
		return g.level0[row]
	}
	if level-1 < len(g.upper) {
		return g.upper[level-1].neighbors(row)
	}
	return nil
}

// Search returns up to k rows in ascending distance order. Distances come
// from dist, which may fail (for example when a vector block cannot be
// fetched); the first failure aborts the search. A non-nil filter excludes
// rows from the result set while still traversing through them, which keeps
// recall stable when many rows are filtered out.
func (g *Graph) Search(k, ef int, dist DistFunc, filter func(uint32) bool) ([]searcher.Item, error) {
	if g.Rows() == 0 || k <= 0 {
		return nil, nil
	}
	if ef < k {
		ef = k
	}

	ep := g.entry
	epDist, err := dist(ep)
	if err != nil {
		return nil, fmt.Errorf("hnsw: entry point distance: %w", err)
	}

	// Greedy descent through the upper layers.
	for level := g.maxLevel; level > 0; level-- {
		ep, epDist, err = greedyStep(g, ep, epDist, level, dist)
		if err != nil {
			return nil, err
		}
	}

	vis := newVisitedSet(g.Rows())
	results, err := searchLayer(g, searcher.Item{ID: uint64(ep), Distance: epDist}, 0, ef, dist, filter, vis)
	if err != nil {
		return nil, err
	}

	for results.Len() > k {
		results.Pop()
	}
	out := make([]searcher.Item, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i], _ = results.Pop()
	}
	return out, nil
}

// greedyStep walks one upper layer to the locally closest node.
func greedyStep(adj adjacency, ep uint32, epDist float32, level int, dist DistFunc) (uint32, float32, error) {
	for {
		improved := false
		for _, next := range adj.neighbors(ep, level) {
			d, err := dist(next)
			if err != nil {
				return 0, 0, fmt.Errorf("hnsw: level %d distance: %w", level, err)
			}
			if searcher.Closer(searcher.Item{ID: uint64(next), Distance: d}, searcher.Item{ID: uint64(ep), Distance: epDist}) {
				ep, epDist = next, d
				improved = true
			}
		}
		if !improved {
			return ep, epDist, nil
		}
	}
}

// searchLayer explores one layer starting from ep and returns a max-queue of
// at most ef rows. Filtered rows are traversed but kept out of the results.
func searchLayer(adj adjacency, ep searcher.Item, level, ef int, dist DistFunc, filter func(uint32) bool, vis *visitedSet) (*searcher.Queue, error) {
	candidates := searcher.NewMinQueue()
	results := searcher.NewMaxQueue()

	vis.visit(uint32(ep.ID))
	candidates.Push(ep)
	if filter == nil || filter(uint32(ep.ID)) {
		results.Push(ep)
	}

	for candidates.Len() > 0 {
		curr, _ := candidates.Pop()

		if worst, ok := results.Top(); ok && results.Len() >= ef && !searcher.Closer(curr, worst) {
			break
		}

		for _, next := range adj.neighbors(uint32(curr.ID), level) {
			if vis.seen(next) {
				continue
			}
			vis.visit(next)

			d, err := dist(next)
			if err != nil {
				return nil, fmt.Errorf("hnsw: level %d distance: %w", level, err)
			}
			item := searcher.Item{ID: uint64(next), Distance: d}

			// Once ef results are held, skip candidates that cannot improve
			// the result set. With a filter the traversal stays permissive so
			// it does not get trapped inside filtered-out regions.
			if filter == nil {
				if worst, ok := results.Top(); ok && results.Len() >= ef && !searcher.Closer(item, worst) {
					continue
				}
			}

			candidates.Push(item)
			if filter == nil || filter(next) {
				results.PushBounded(item, ef)
			}
		}
	}

	return results, nil
}

// visitedSet tracks visited rows using an epoch counter so clearing between
// layers is O(1).
type visitedSet struct {
	marks []uint32
	epoch uint32
}

func newVisitedSet(n int) *visitedSet {
	return &visitedSet{marks: make([]uint32, n), epoch: 1}
}

func (v *visitedSet) visit(row uint32) { v.marks[row] = v.epoch }

func (v *visitedSet) seen(row uint32) bool { return v.marks[row] == v.epoch }

func (v *visitedSet) reset() {
	v.epoch++
	if v.epoch == 0 {
		clear(v.marks)
		v.epoch = 1
	}
}

// Build constructs a graph over vectors using distFn for build-time distance
// evaluation. The vector slice is not retained. Builds are deterministic for
// a fixed input order, config, and seed.
func Build(vectors [][]float32, distFn distance.Func, cfg Config) (*Graph, error) {
	cfg = cfg.withDefaults()
	if distFn == nil {
		return nil, fmt.Errorf("hnsw: nil distance function")
	}
	if len(vectors) > math.MaxUint32 {
		return nil, fmt.Errorf("hnsw: %d rows exceeds uint32 row space", len(vectors))
	}

	b := &builder{
		cfg:   cfg,
		dist:  distFn,
		vecs:  vectors,
		links: make([][][]uint32, len(vectors)),
		ml:    layerNormalizationBase / math.Log(float64(cfg.M)),
		rng:   rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		vis:   newVisitedSet(len(vectors)),
	}

	for row := range vectors {
		if err := b.insert(uint32(row)); err != nil {
			return nil, err
		}
	}
	return b.finish(), nil
}

type builder struct {
	cfg  Config
	dist distance.Func
	vecs [][]float32

	links [][][]uint32 // row -> level -> neighbor rows

	entry    uint32
	maxLevel int
	started  bool

	ml  float64
	rng *rand.Rand
	vis *visitedSet
}

// neighbors implements adjacency over the mutable link table.
func (b *builder) neighbors(row uint32, level int) []uint32 {
	if perLevel := b.links[row]; level < len(perLevel) {
		return perLevel[level]
	}
	return nil
}

func (b *builder) randomLevel() int {
	u := b.rng.Float64()
	for u == 0 {
		u = b.rng.Float64()
	}
	return int(math.Floor(-math.Log(u) * b.ml))
}

func (b *builder) maxConns(level int) int {
	if level == 0 {
		return mmax0Multiplier * b.cfg.M
	}
	return b.cfg.M
}

func (b *builder) insert(row uint32) error {
	level := b.randomLevel()
	b.links[row] = make([][]uint32, level+1)

	if !b.started {
		b.started = true
		b.entry = row
		b.maxLevel = level
		return nil
	}

	q := b.vecs[row]
	distToRow := func(other uint32) (float32, error) {
		return b.dist(q, b.vecs[other]), nil
	}

	ep := b.entry
	epDist := b.dist(q, b.vecs[ep])

	// Descend through layers above the new node's level.
	var err error
	for l := b.maxLevel; l > level; l-- {
		ep, epDist, err = greedyStep(b, ep, epDist, l, distToRow)
		if err != nil {
			return err
		}
	}

	// Connect on each layer from min(level, maxLevel) down to 0.
	for l := min(level, b.maxLevel); l >= 0; l-- {
		b.vis.reset()
		results, err := searchLayer(b, searcher.Item{ID: uint64(ep), Distance: epDist}, l, b.cfg.EFConstruction, distToRow, nil, b.vis)
		if err != nil {
			return err
		}

		neighbors := b.selectNeighborsHeuristic(row, results, b.cfg.M)
		b.links[row][l] = neighbors

		for _, n := range neighbors {
			b.addConnection(n, row, l)
		}

		if len(neighbors) > 0 {
			ep = neighbors[0]
			epDist = b.dist(q, b.vecs[ep])
		}
	}

	if level > b.maxLevel {
		b.maxLevel = level
		b.entry = row
	}
	return nil
}

// selectNeighborsHeuristic picks up to m diverse neighbors from candidates,
// a max-queue as produced by searchLayer. A candidate is kept only if it is
// closer to the new node than to every neighbor already selected, which
// spreads links across directions instead of clustering them.
func (b *builder) selectNeighborsHeuristic(row uint32, candidates *searcher.Queue, m int) []uint32 {
	sorted := make([]searcher.Item, candidates.Len())
	for i := len(sorted) - 1; i >= 0; i-- {
		sorted[i], _ = candidates.Pop()
	}

	result := make([]uint32, 0, m)
	for _, cand := range sorted {
		if len(result) >= m {
			break
		}
		candRow := uint32(cand.ID)
		if candRow == row {
			continue
		}
		good := true
		for _, sel := range result {
			if b.dist(b.vecs[candRow], b.vecs[sel]) < cand.Distance {
				good = false
				break
			}
		}
		if good {
			result = append(result, candRow)
		}
	}

	// Fill from the remaining candidates if the heuristic was too strict.
	if len(result) < m {
		for _, cand := range sorted {
			if len(result) >= m {
				break
			}
			candRow := uint32(cand.ID)
			if candRow == row {
				continue
			}
			seen := false
			for _, sel := range result {
				if sel == candRow {
					seen = true
					break
				}
			}
			if !seen {
				result = append(result, candRow)
			}
		}
	}
	return result
}

// addConnection links from -> to at level, pruning with the heuristic when
// the neighbor list overflows its cap.
func (b *builder) addConnection(from, to uint32, level int) {
	conns := b.links[from][level]
	for _, c := range conns {
		if c == to {
			return
		}
	}
	conns = append(conns, to)

	maxConns := b.maxConns(level)
	if len(conns) > maxConns {
		pruned := searcher.NewMaxQueue()
		for _, c := range conns {
			pruned.Push(searcher.Item{ID: uint64(c), Distance: b.dist(b.vecs[from], b.vecs[c])})
		}
		conns = b.selectNeighborsHeuristic(from, pruned, maxConns)
	}
	b.links[from][level] = conns
}

// finish converts the builder's link table into the immutable Graph layout.
func (b *builder) finish() *Graph {
	g := &Graph{
		m:        b.cfg.M,
		mMax0:    mmax0Multiplier * b.cfg.M,
		entry:    b.entry,
		maxLevel: b.maxLevel,
		level0:   make([][]uint32, len(b.links)),
	}
	if len(b.links) == 0 {
		g.entry = 0
		g.maxLevel = 0
		return g
	}
	for row, perLevel := range b.links {
		if len(perLevel) > 0 {
			g.level0[row] = perLevel[0]
		}
	}
	g.upper = make([]levelLinks, b.maxLevel)
	for level := 1; level <= b.maxLevel; level++ {
		ll := &g.upper[level-1]
		for row, perLevel := range b.links {
			if level < len(perLevel) {
				ll.rows = append(ll.rows, uint32(row))
				ll.links = append(ll.links, perLevel[level])
			}
		}
	}
	return g
}
