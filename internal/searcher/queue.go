// Package searcher implements the bounded priority structures used by index
// traversal and result merging.
package searcher

// Item is one scored candidate flowing through the queues. ID is a record id
// at the merge layer and a row index inside a segment index.
type Item struct {
	ID       uint64
	Distance float32
}

// Closer reports whether a ranks strictly before b: ascending distance, ties
// broken by ascending id so results are deterministic.
func Closer(a, b Item) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.ID < b.ID
}

// Queue is a value-based binary heap over Items. It deliberately does not
// implement container/heap; value storage keeps traversal allocation-free.
type Queue struct {
	max   bool
	items []Item
}

// NewMinQueue returns a heap with the closest item on top.
func NewMinQueue() *Queue {
	return &Queue{items: make([]Item, 0, 16)}
}

// NewMaxQueue returns a heap with the farthest item on top.
func NewMaxQueue() *Queue {
	return &Queue{max: true, items: make([]Item, 0, 16)}
}

// Reset clears the queue for reuse.
func (q *Queue) Reset() {
	q.items = q.items[:0]
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	return len(q.items)
}

// Top returns the root item without removing it.
func (q *Queue) Top() (Item, bool) {
	if len(q.items) == 0 {
		return Item{}, false
	}
	return q.items[0], true
}

// Push inserts an item while maintaining the heap invariant.
func (q *Queue) Push(item Item) {
	q.items = append(q.items, item)
	q.siftUp(len(q.items) - 1)
}

// Pop removes and returns the root item.
func (q *Queue) Pop() (Item, bool) {
	n := len(q.items)
	if n == 0 {
		return Item{}, false
	}

	item := q.items[0]
	q.items[0] = q.items[n-1]
	q.items = q.items[:n-1]

	if len(q.items) > 0 {
		q.siftDown(0)
	}
	return item, true
}

// PushBounded inserts into a heap capped at capacity. On a full max-heap the
// root (farthest) is replaced when the new item ranks closer; on a full
// min-heap the root (closest) is replaced when the new item ranks farther.
// Returns true when the item was admitted.
func (q *Queue) PushBounded(item Item, capacity int) bool {
	if capacity <= 0 {
		return false
	}
	if len(q.items) < capacity {
		q.Push(item)
		return true
	}

	top := q.items[0]
	replace := Closer(item, top) == q.max
	if !replace {
		return false
	}
	q.items[0] = item
	q.siftDown(0)
	return true
}

func (q *Queue) less(i, j int) bool {
	if q.max {
		return Closer(q.items[j], q.items[i])
	}
	return Closer(q.items[i], q.items[j])
}

func (q *Queue) swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
}

func (q *Queue) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !q.less(i, parent) {
			break
		}
		q.swap(i, parent)
		i = parent
	}
}

func (q *Queue) siftDown(i int) {
	n := len(q.items)
	for {
		left := 2*i + 1
		if left >= n {
			break
		}
		child := left
		if right := left + 1; right < n && q.less(right, left) {
			child = right
		}
		if !q.less(child, i) {
			break
		}
		q.swap(i, child)
		i = child
	}
}

// TopK collects the k closest items seen so far.
type TopK struct {
	k int
	q *Queue
}

// NewTopK creates a collector bounded to the k closest items.
func NewTopK(k int) *TopK {
	return &TopK{k: k, q: NewMaxQueue()}
}

// Offer submits a candidate; it is admitted if the collector is not full or
// the candidate ranks closer than the current worst.
func (t *TopK) Offer(id uint64, dist float32) bool {
	return t.q.PushBounded(Item{ID: id, Distance: dist}, t.k)
}

// Full reports whether k items have been collected.
func (t *TopK) Full() bool {
	return t.q.Len() >= t.k
}

// Len returns the number of collected items.
func (t *TopK) Len() int {
	return t.q.Len()
}

// Worst returns the farthest collected item, if any. Useful as an admission
// bound once the collector is full.
func (t *TopK) Worst() (Item, bool) {
	return t.q.Top()
}

// Drain removes all items and returns them ordered by ascending distance,
// ties by ascending id. The collector is empty afterwards.
func (t *TopK) Drain() []Item {
	out := make([]Item, t.q.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i], _ = t.q.Pop()
	}
	return out
}
