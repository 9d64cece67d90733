// Package askipset implements a self-adjusting skip set.
//
// The structure is the plain single-threaded skip set of package
// skipset with one addition: it periodically rebuilds a window of
// nodes so that a hot prefix of the key space becomes physically
// contiguous in allocator address space, which pays off on long
// forward scans. The set remembers the last 64 keys that lookups
// found; after a configured number of successful inserts and erases it
// picks the most recent of those keys as an anchor, collects a window
// of keys starting there, batch-erases them and batch-reinserts them
// in the same order. Freeing the whole window before reallocating it
// is what lets the allocator hand the reinserted nodes back from one
// contiguous run of memory; reinsertion order must therefore be
// preserved.
//
// Like the baseline, the set is single-threaded; concurrent use is
// undefined. A rebuild invalidates all outstanding iterators.
package askipset

import (
	"math/rand"

	"go.uber.org/zap"
	"golang.org/x/exp/constraints"
)

const (
	// DefaultMaxHeight caps the height a node can draw.
	DefaultMaxHeight = 32
	// DefaultProbability is the chance a node rises one more level.
	DefaultProbability = 0.5

	maxHeightLimit = 64

	// ringSize is the capacity of the recent-lookup ring.
	ringSize = 64
)

type node[K constraints.Ordered] struct {
	key  K
	next []*node[K]
}

// Config carries the optional knobs of an AdjustingSkipSet.
type Config struct {
	// MaxHeight caps node heights; defaults to DefaultMaxHeight.
	MaxHeight int
	// Probability is the rise probability; defaults to DefaultProbability.
	Probability float64
	// Logger receives a Debug event per triggered rebuild. Defaults to
	// a no-op logger.
	Logger *zap.Logger
}

// AdjustingSkipSet is an ordered set of keys with locality-restoring
// rebuilds.
type AdjustingSkipSet[K constraints.Ordered] struct {
	head   *node[K]
	height int
	count  int

	maxHeight   int
	probability float64
	rng         *rand.Rand
	log         *zap.Logger

	// Rebuild trigger state. modifyCount counts successful public
	// inserts and erases since the last rebuild; threshold <= 0
	// disables adjustment; scope <= 0 means rebuild everything.
	modifyCount int
	threshold   int
	scope       int

	// Ring of the last ringSize keys that Find reported present.
	// searches is the monotone write counter: key number n lives at
	// slot n mod ringSize, and searches == 0 means no lookup has ever
	// succeeded.
	ring     [ringSize]K
	searches int64
}

// New returns an empty set with default parameters and adjustment
// disabled.
func New[K constraints.Ordered]() *AdjustingSkipSet[K] {
	return NewWithConfig[K](Config{})
}

// NewWithConfig returns an empty set configured by cfg. Adjustment
// stays disabled until SetThreshold is called.
func NewWithConfig[K constraints.Ordered](cfg Config) *AdjustingSkipSet[K] {
	if cfg.MaxHeight < 1 || cfg.MaxHeight > maxHeightLimit {
		cfg.MaxHeight = DefaultMaxHeight
	}
	if cfg.Probability <= 0 || cfg.Probability >= 1 {
		cfg.Probability = DefaultProbability
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &AdjustingSkipSet[K]{
		head:        &node[K]{next: make([]*node[K], cfg.MaxHeight)},
		maxHeight:   cfg.MaxHeight,
		probability: cfg.Probability,
		rng:         rand.New(rand.NewSource(seed())),
		log:         cfg.Logger,
	}
}

// SetThreshold configures the rebuild trigger. A rebuild runs after
// threshold successful inserts plus erases; threshold <= 0 disables
// adjustment entirely. scope bounds how many nodes a rebuild touches;
// scope <= 0 rebuilds every non-head node.
func (s *AdjustingSkipSet[K]) SetThreshold(threshold, scope int) {
	s.threshold = threshold
	s.scope = scope
}

// Len reports the number of keys in the set.
func (s *AdjustingSkipSet[K]) Len() int {
	return s.count
}

// Empty reports whether the set holds no keys.
func (s *AdjustingSkipSet[K]) Empty() bool {
	return s.count == 0
}

// Height reports the maximum height among current nodes, 0 if empty.
func (s *AdjustingSkipSet[K]) Height() int {
	return s.height
}

// Insert adds key to the set, returning false if it is present. A
// successful insert counts toward the rebuild trigger.
func (s *AdjustingSkipSet[K]) Insert(key K) bool {
	if !s.insertNode(key) {
		return false
	}
	s.count++
	s.maybeAdjust(key)
	return true
}

// Erase removes key from the set, returning false if it is absent. A
// successful erase counts toward the rebuild trigger.
func (s *AdjustingSkipSet[K]) Erase(key K) bool {
	if !s.eraseNode(key) {
		return false
	}
	s.count--
	s.maybeAdjust(key)
	return true
}

// Contains reports whether key is in the set. A hit is recorded in the
// lookup ring, same as Find.
func (s *AdjustingSkipSet[K]) Contains(key K) bool {
	it := s.Find(key)
	return it.Valid()
}

// Find returns an iterator positioned at key, or an exhausted iterator
// if the key is absent. A hit is recorded in the lookup ring.
func (s *AdjustingSkipSet[K]) Find(key K) Iterator[K] {
	if n := s.locate(key); n != nil && n.key == key {
		s.ring[s.searches%ringSize] = key
		s.searches++
		return Iterator[K]{curr: n}
	}
	return Iterator[K]{}
}

// First returns an iterator at the smallest key.
func (s *AdjustingSkipSet[K]) First() Iterator[K] {
	return Iterator[K]{curr: s.head.next[0]}
}

// maybeAdjust advances the modify counter and, once it reaches the
// threshold, resets it and rebuilds a window anchored on the hottest
// known key.
func (s *AdjustingSkipSet[K]) maybeAdjust(key K) {
	if s.threshold <= 0 {
		return
	}
	s.modifyCount++
	if s.modifyCount < s.threshold || s.count == 0 {
		return
	}
	s.modifyCount = 0

	anchor := key
	origin := "modified key"
	if s.searches > 0 {
		anchor = s.ring[(s.searches-1)%ringSize]
		origin = "recent lookup"
	}
	s.adjust(anchor, origin)
}

// adjust reinserts a window of up to scope keys starting at the first
// node with key >= anchor, wrapping past the end of the set. The keys
// are batch-erased and then batch-inserted in collected order; the
// allocator's freed memory is handed back in one run, which is the
// whole point of the exercise.
func (s *AdjustingSkipSet[K]) adjust(anchor K, origin string) {
	total := s.count
	if s.scope > 0 && s.scope < total {
		total = s.scope
	}

	keys := make([]K, 0, total)
	n := s.locate(anchor)
	for i := 0; i < total; i++ {
		if n == nil {
			n = s.head.next[0]
		}
		keys = append(keys, n.key)
		n = n.next[0]
	}

	for _, k := range keys {
		if !s.eraseNode(k) {
			panic("askipset: rebuild erase lost a collected key")
		}
	}
	for _, k := range keys {
		if !s.insertNode(k) {
			panic("askipset: rebuild insert collided")
		}
	}

	s.log.Debug("rebuild",
		zap.String("anchorOrigin", origin),
		zap.Any("anchor", anchor),
		zap.Int("collected", len(keys)),
		zap.Int("scope", s.scope))
}

// insertNode is the raw skip-list insert. It does not touch the count
// or the rebuild trigger, so the rebuild can reuse it.
func (s *AdjustingSkipSet[K]) insertNode(key K) bool {
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
	return true
}

// eraseNode is the raw skip-list erase, counterpart to insertNode.
func (s *AdjustingSkipSet[K]) eraseNode(key K) bool {
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
	return true
}

func (s *AdjustingSkipSet[K]) findPreds(key K, preds []*node[K]) *node[K] {
	n := s.head
	for level := s.height - 1; level >= 0; level-- {
		for n.next[level] != nil && n.next[level].key < key {
			n = n.next[level]
		}
		preds[level] = n
	}
	return n.next[0]
}

// locate returns the first node with key >= the target, nil past the
// end.
func (s *AdjustingSkipSet[K]) locate(key K) *node[K] {
	n := s.head
	for level := s.height - 1; level >= 0; level-- {
		for n.next[level] != nil && n.next[level].key < key {
			n = n.next[level]
		}
	}
	return n.next[0]
}

func (s *AdjustingSkipSet[K]) randomHeight() int {
	h := 1
	for h < s.maxHeight && s.rng.Float64() < s.probability {
		h++
	}
	return h
}

// Iterator walks the set in ascending key order along level 0. Any
// mutation, and in particular any rebuild, invalidates outstanding
// iterators.
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
