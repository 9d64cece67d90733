// Package skipset implements a single-threaded probabilistic skip set.
//
// A skip set is an ordered linked structure in which every node takes
// part in levels 0..h-1 for a height h drawn from a geometric
// distribution. Each level is a forward chain that skips over the nodes
// of lower height, so a search can descend from the sparsest chain to
// the densest and touch O(lg n) nodes on average, the same bound as a
// balanced tree but with none of the rebalancing machinery. The level-0
// chain links every node in strictly ascending key order, and each
// higher chain is a subsequence of the one below it.
//
// The head is a permanent sentinel of maximum height whose key is never
// compared. The set's height is the largest height among current nodes
// and shrinks as the tallest nodes are erased.
//
// This is the baseline of the family: one goroutine, plain pointers,
// no synchronization. Concurrent use is undefined.
//
// Reference: Pugh, 'Skip Lists: A Probabilistic Alternative to
// Balanced Trees', and https://en.wikipedia.org/wiki/Skip_list
package skipset

import (
	"math/rand"

	"golang.org/x/exp/constraints"
)

const (
	// DefaultMaxHeight caps the height a node can draw.
	DefaultMaxHeight = 32
	// DefaultProbability is the chance a node rises one more level.
	DefaultProbability = 0.5

	maxHeightLimit = 64
)

type node[K constraints.Ordered] struct {
	key K
	// next[i] is the successor at level i. The slice is allocated once
	// at the node's drawn height and never grows.
	next []*node[K]
}

// SkipSet is an ordered set of keys.
type SkipSet[K constraints.Ordered] struct {
	head   *node[K]
	height int
	count  int

	maxHeight   int
	probability float64
	rng         *rand.Rand
}

// New returns an empty set with default parameters.
func New[K constraints.Ordered]() *SkipSet[K] {
	return NewWithParams[K](DefaultMaxHeight, DefaultProbability)
}

// NewWithParams returns an empty set whose nodes draw heights in
// [1, maxHeight] with rise probability p. Out-of-range arguments fall
// back to the defaults.
func NewWithParams[K constraints.Ordered](maxHeight int, p float64) *SkipSet[K] {
	if maxHeight < 1 || maxHeight > maxHeightLimit {
		maxHeight = DefaultMaxHeight
	}
	if p <= 0 || p >= 1 {
		p = DefaultProbability
	}

	return &SkipSet[K]{
		head:        &node[K]{next: make([]*node[K], maxHeight)},
		maxHeight:   maxHeight,
		probability: p,
		rng:         rand.New(rand.NewSource(seed())),
	}
}

// Len reports the number of keys in the set.
func (s *SkipSet[K]) Len() int {
	return s.count
}

// Empty reports whether the set holds no keys.
func (s *SkipSet[K]) Empty() bool {
	return s.count == 0
}

// Height reports the maximum height among current nodes, 0 if empty.
func (s *SkipSet[K]) Height() int {
	return s.height
}

// Contains reports whether key is in the set.
func (s *SkipSet[K]) Contains(key K) bool {
	n := s.locate(key)
	return n != nil && n.key == key
}

// Insert adds key to the set. It returns false, allocating nothing, if
// the key is already present.
func (s *SkipSet[K]) Insert(key K) bool {
	preds := make([]*node[K], s.maxHeight)
	if curr := s.findPreds(key, preds); curr != nil && curr.key == key {
		return false
	}

	h := s.randomHeight()
	if h > s.height {
		for level := s.height; level < h; level++ {
			preds[level] = s.head
		}
		s.height = h
	}

	n := &node[K]{key: key, next: make([]*node[K], h)}
	for level := 0; level < h; level++ {
		n.next[level] = preds[level].next[level]
		preds[level].next[level] = n
	}

	s.count++
	return true
}

// Erase removes key from the set, returning false if it is absent.
func (s *SkipSet[K]) Erase(key K) bool {
	preds := make([]*node[K], s.maxHeight)
	target := s.findPreds(key, preds)
	if target == nil || target.key != key {
		return false
	}

	for level := 0; level < s.height; level++ {
		if preds[level].next[level] != target {
			break
		}
		preds[level].next[level] = target.next[level]
	}
	for s.height > 0 && s.head.next[s.height-1] == nil {
		s.height--
	}

	s.count--
	return true
}

// Find returns an iterator positioned at key, or an exhausted iterator
// if the key is absent.
func (s *SkipSet[K]) Find(key K) Iterator[K] {
	if n := s.locate(key); n != nil && n.key == key {
		return Iterator[K]{curr: n}
	}
	return Iterator[K]{}
}

// First returns an iterator at the smallest key.
func (s *SkipSet[K]) First() Iterator[K] {
	return Iterator[K]{curr: s.head.next[0]}
}

// findPreds walks down from the top level recording, per level, the
// rightmost node whose key is below key (the head if none). It returns the
// level-0 successor of the final predecessor, the first node with
// key >= the target.
func (s *SkipSet[K]) findPreds(key K, preds []*node[K]) *node[K] {
	n := s.head
	for level := s.height - 1; level >= 0; level-- {
		for n.next[level] != nil && n.next[level].key < key {
			n = n.next[level]
		}
		preds[level] = n
	}
	return n.next[0]
}

// locate is findPreds without recording predecessors.
func (s *SkipSet[K]) locate(key K) *node[K] {
	n := s.head
	for level := s.height - 1; level >= 0; level-- {
		for n.next[level] != nil && n.next[level].key < key {
			n = n.next[level]
		}
	}
	return n.next[0]
}

// randomHeight draws a height in [1, maxHeight]: flip a p-biased coin,
// counting successes until the first failure.
func (s *SkipSet[K]) randomHeight() int {
	h := 1
	for h < s.maxHeight && s.rng.Float64() < s.probability {
		h++
	}
	return h
}

// Iterator walks the set in ascending key order along level 0. Any
// mutation of the set invalidates outstanding iterators.
type Iterator[K constraints.Ordered] struct {
	curr *node[K]
}

// Valid reports whether the iterator is positioned on a node.
func (it *Iterator[K]) Valid() bool {
	return it.curr != nil
}

// Key returns the key at the current position. It must only be called
// when Valid.
func (it *Iterator[K]) Key() K {
	return it.curr.key
}

// Next advances to the successor. Advancing an exhausted iterator is a
// no-op.
func (it *Iterator[K]) Next() {
	if it.curr != nil {
		it.curr = it.curr.next[0]
	}
}
