// Package vectskipset implements a skip set whose nodes hold a bounded
// bucket of keys.
//
// Grouping up to Capacity keys per node divides the skip-list pointer
// overhead by the bucket size and keeps neighboring keys on the same
// cache lines. Within a node the keys are deliberately unordered; two
// index tags, iMin and iMax, point at the smallest and largest key so
// that ordering decisions between nodes need only a point lookup.
// Order between nodes is strict: walking level 0, every key in a node
// is below every key in its successor.
//
// The set is single-threaded; concurrent use is undefined.
package vectskipset

import (
	"math/rand"

	"golang.org/x/exp/constraints"
	"golang.org/x/exp/slices"
)

const (
	// DefaultCapacity is the default bucket size.
	DefaultCapacity = 64
	// DefaultMaxHeight caps the height a node can draw.
	DefaultMaxHeight = 32
	// DefaultProbability is the chance a node rises one more level.
	DefaultProbability = 0.5

	capacityLimit  = 256
	maxHeightLimit = 64
)

// node is a bucket of 1..capacity keys plus the forward pointers. The
// head sentinel is the exception: it owns no keys and its tags are
// never read.
type node[K constraints.Ordered] struct {
	keys       []K
	iMin, iMax int
	next       []*node[K]
}

func (n *node[K]) minKey() K { return n.keys[n.iMin] }
func (n *node[K]) maxKey() K { return n.keys[n.iMax] }

func (n *node[K]) holds(key K) bool {
	for _, k := range n.keys {
		if k == key {
			return true
		}
	}
	return false
}

// VectSkipSet is an ordered set of keys stored in bounded buckets.
type VectSkipSet[K constraints.Ordered] struct {
	head   *node[K]
	height int
	count  int

	capacity    int
	maxHeight   int
	probability float64
	rng         *rand.Rand
}

// New returns an empty set with default parameters.
func New[K constraints.Ordered]() *VectSkipSet[K] {
	return NewWithParams[K](DefaultCapacity, DefaultMaxHeight, DefaultProbability)
}

// NewWithParams returns an empty set with the given bucket capacity,
// height cap and rise probability. Out-of-range arguments fall back to
// the defaults.
func NewWithParams[K constraints.Ordered](capacity, maxHeight int, p float64) *VectSkipSet[K] {
	if capacity < 2 || capacity > capacityLimit {
		capacity = DefaultCapacity
	}
	if maxHeight < 1 || maxHeight > maxHeightLimit {
		maxHeight = DefaultMaxHeight
	}
	if p <= 0 || p >= 1 {
		p = DefaultProbability
	}

	return &VectSkipSet[K]{
		head:        &node[K]{next: make([]*node[K], maxHeight)},
		capacity:    capacity,
		maxHeight:   maxHeight,
		probability: p,
		rng:         rand.New(rand.NewSource(seed())),
	}
}

// Len reports the number of keys in the set.
func (s *VectSkipSet[K]) Len() int {
	return s.count
}

// Empty reports whether the set holds no keys.
func (s *VectSkipSet[K]) Empty() bool {
	return s.count == 0
}

// Height reports the maximum height among current nodes, 0 if empty.
func (s *VectSkipSet[K]) Height() int {
	return s.height
}

// Contains reports whether key is in the set.
func (s *VectSkipSet[K]) Contains(key K) bool {
	curr, noLess := s.locate(key, nil)
	return s.existsIn(key, curr, noLess)
}

// Insert adds key to the set, returning false if it is present.
//
// The incoming key lands in the window (curr, noLess) located by min
// keys. When both window nodes are full a fresh single-key node is
// spliced between them; when curr holds a larger key than the incoming
// one, the two are first swapped through iMax so that the inter-node
// ordering invariant survives.
func (s *VectSkipSet[K]) Insert(key K) bool {
	preds := make([]*node[K], s.maxHeight)
	curr, noLess := s.locate(key, preds)

	if s.existsIn(key, curr, noLess) {
		return false
	}

	switch {
	case s.full(curr) && s.full(noLess):
		newKey := key
		if curr != s.head && curr.maxKey() > newKey {
			newKey, curr.keys[curr.iMax] = curr.keys[curr.iMax], newKey
			s.refreshIMax(curr)
		}
		s.insertNewNode(preds, newKey)

	case !s.full(curr):
		// curr is a real node here; the head counts as full.
		s.insertAnyKey(key, curr)

	default:
		// curr full, noLess not: the key (or curr's max, after a swap)
		// becomes noLess's new minimum.
		noLessKey := key
		if curr != s.head && curr.maxKey() > noLessKey {
			noLessKey, curr.keys[curr.iMax] = curr.keys[curr.iMax], noLessKey
			s.refreshIMax(curr)
		}
		s.insertMinKey(noLessKey, noLess)
	}

	s.count++
	return true
}

// Erase removes key from the set, returning false if it is absent. A
// node surrendering its last key is unlinked.
func (s *VectSkipSet[K]) Erase(key K) bool {
	preds := make([]*node[K], s.maxHeight)
	curr, noLess := s.locate(key, preds)

	if !s.existsIn(key, curr, noLess) {
		return false
	}

	if noLess != nil && key == noLess.minKey() {
		if len(noLess.keys) == 1 {
			s.unlinkNode(preds, noLess)
		} else {
			s.deleteKey(key, noLess)
		}
	} else {
		if len(curr.keys) == 1 {
			s.unlinkNode(preds, curr)
		} else {
			s.deleteKey(key, curr)
		}
	}

	s.count--
	return true
}

// locate walks down the levels comparing against successor min keys.
// curr is the rightmost node whose min key is below the target (head
// if none), noLess is curr's level-0 successor. preds, when non-nil,
// receives the per-level predecessors.
func (s *VectSkipSet[K]) locate(key K, preds []*node[K]) (curr, noLess *node[K]) {
	curr = s.head
	for level := s.height - 1; level >= 0; level-- {
		for curr.next[level] != nil && curr.next[level].minKey() < key {
			curr = curr.next[level]
		}
		if preds != nil {
			preds[level] = curr
		}
	}
	return curr, curr.next[0]
}

// existsIn reports whether key is in the located window: either it is
// noLess's minimum or it hides somewhere in curr's bucket.
func (s *VectSkipSet[K]) existsIn(key K, curr, noLess *node[K]) bool {
	if noLess != nil && noLess.minKey() == key {
		return true
	}
	return curr != s.head && curr.holds(key)
}

// full treats the head and the nil past-the-end successor as full so
// that the insertion cases need no special-casing around them.
func (s *VectSkipSet[K]) full(n *node[K]) bool {
	if n == s.head || n == nil {
		return true
	}
	return len(n.keys) == s.capacity
}

// insertNewNode splices a fresh single-key node after preds at every
// level below a newly drawn height.
func (s *VectSkipSet[K]) insertNewNode(preds []*node[K], key K) {
	h := s.randomHeight()
	if h > s.height {
		for level := s.height; level < h; level++ {
			preds[level] = s.head
		}
		s.height = h
	}

	n := &node[K]{
		keys: append(make([]K, 0, s.capacity), key),
		next: make([]*node[K], h),
	}
	for level := 0; level < h; level++ {
		n.next[level] = preds[level].next[level]
		preds[level].next[level] = n
	}
}

// unlinkNode removes a node from every level that still points at it
// and lets the height settle.
func (s *VectSkipSet[K]) unlinkNode(preds []*node[K], target *node[K]) {
	for level := 0; level < s.height; level++ {
		if preds[level].next[level] != target {
			break
		}
		preds[level].next[level] = target.next[level]
	}
	for s.height > 0 && s.head.next[s.height-1] == nil {
		s.height--
	}
}

// insertMinKey appends key as n's new minimum. The caller guarantees
// key is below n's current minimum and n has room.
func (s *VectSkipSet[K]) insertMinKey(key K, n *node[K]) {
	n.iMin = len(n.keys)
	n.keys = append(n.keys, key)
}

// insertAnyKey appends key to n's bucket. The caller guarantees key is
// above n's minimum, absent, and that n has room; only iMax may need a
// point update.
func (s *VectSkipSet[K]) insertAnyKey(key K, n *node[K]) {
	if key > n.maxKey() {
		n.iMax = len(n.keys)
	}
	n.keys = append(n.keys, key)
}

// deleteKey removes key from n's bucket in place. The caller
// guarantees the key is present and is not the node's last. The index
// tags are point-adjusted for the slice shift unless the min or max
// itself went away, which forces a rescan.
func (s *VectSkipSet[K]) deleteKey(key K, n *node[K]) {
	index := -1
	for i, k := range n.keys {
		if k == key {
			index = i
			break
		}
	}
	if index < 0 {
		panic("vectskipset: deleteKey on a key the node does not hold")
	}

	n.keys = append(n.keys[:index], n.keys[index+1:]...)

	if index != n.iMin && index != n.iMax {
		if n.iMin > index {
			n.iMin--
		}
		if n.iMax > index {
			n.iMax--
		}
	} else {
		s.refreshTags(n)
	}
}

// refreshIMax rescans the bucket for the largest key.
func (s *VectSkipSet[K]) refreshIMax(n *node[K]) {
	iMax := 0
	for i := 1; i < len(n.keys); i++ {
		if n.keys[i] > n.keys[iMax] {
			iMax = i
		}
	}
	n.iMax = iMax
}

// refreshTags rescans the bucket for both extremes.
func (s *VectSkipSet[K]) refreshTags(n *node[K]) {
	iMin, iMax := 0, 0
	for i := 1; i < len(n.keys); i++ {
		if n.keys[i] > n.keys[iMax] {
			iMax = i
		}
		if n.keys[i] < n.keys[iMin] {
			iMin = i
		}
	}
	n.iMin = iMin
	n.iMax = iMax
}

func (s *VectSkipSet[K]) randomHeight() int {
	h := 1
	for h < s.maxHeight && s.rng.Float64() < s.probability {
		h++
	}
	return h
}

// ImmutableIterator walks the set in ascending key order, sorting a
// snapshot of one bucket at a time. It is valid only while the set is
// not mutated.
type ImmutableIterator[K constraints.Ordered] struct {
	curr   *node[K]
	index  int
	sorted []K
}

// FindImmutable returns an iterator positioned at key, or an exhausted
// iterator if the key is absent.
func (s *VectSkipSet[K]) FindImmutable(key K) ImmutableIterator[K] {
	curr, noLess := s.locate(key, nil)

	if noLess != nil && noLess.minKey() == key {
		return newImmutableIterator(noLess, key)
	}
	if curr != s.head && curr.holds(key) {
		return newImmutableIterator(curr, key)
	}
	return ImmutableIterator[K]{}
}

// FirstImmutable returns an iterator at the smallest key.
func (s *VectSkipSet[K]) FirstImmutable() ImmutableIterator[K] {
	first := s.head.next[0]
	if first == nil {
		return ImmutableIterator[K]{}
	}
	return newImmutableIterator(first, first.minKey())
}

func newImmutableIterator[K constraints.Ordered](n *node[K], key K) ImmutableIterator[K] {
	sorted := slices.Clone(n.keys)
	slices.Sort(sorted)
	index, found := slices.BinarySearch(sorted, key)
	if !found {
		panic("vectskipset: iterator anchored on a key the node does not hold")
	}
	return ImmutableIterator[K]{curr: n, index: index, sorted: sorted}
}

// Valid reports whether the iterator is positioned on a key.
func (it *ImmutableIterator[K]) Valid() bool {
	return it.curr != nil
}

// Key returns the key at the current position. It must only be called
// when Valid.
func (it *ImmutableIterator[K]) Key() K {
	return it.sorted[it.index]
}

// Next advances within the snapshot, moving to (and snapshotting) the
// next node once the bucket is spent. Advancing an exhausted iterator
// is a no-op.
func (it *ImmutableIterator[K]) Next() {
	if it.curr == nil {
		return
	}
	if it.index+1 < len(it.sorted) {
		it.index++
		return
	}

	it.curr = it.curr.next[0]
	if it.curr == nil {
		it.index = -1
		it.sorted = nil
		return
	}
	it.sorted = slices.Clone(it.curr.keys)
	slices.Sort(it.sorted)
	it.index = 0
}
