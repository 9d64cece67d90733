// Package lfskipset implements a lock-free probabilistic skip set.
//
// Every node carries one flagref.FlagRef per level, so each forward
// pointer and its deletion mark live in a single atomic word. Deletion
// reuses the mark-then-unlink technique of package lflist at every
// level: a remover first sets the marks on the victim's upper levels
// top-down, then claims the level-0 mark by CAS. Level 0 is the
// authoritative projection of the set; the level-0 CAS of Add and
// Remove is the linearization point, and higher levels exist only to
// accelerate search. A marked node may transiently coexist with a new
// node of the same key on an upper level; the invariant is only that
// the earlier of the two is marked, which traversals resolve by
// unlinking it.
//
// Contains performs no CAS and is wait-free; Add and Remove are
// lock-free. Marks are monotone, false to true, once per node level.
//
// Unlinked nodes are parked on a mutex-guarded retired list rather
// than recycled, since concurrent readers may still be standing on
// them; the list is dropped wholesale when the structure is released.
// Reference: 'The Art of Multiprocessor Programming', ch. 14.
package lfskipset

import (
	"math"
	"math/rand"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/exp/constraints"

	"github.com/niceyeti/skipsets/flagref"
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
	// nexts[i] packs the level-i successor with this node's level-i
	// deletion mark.
	nexts []flagref.FlagRef[node[K]]
}

func newNode[K constraints.Ordered](key K, height int) *node[K] {
	return &node[K]{
		key:   key,
		nexts: make([]flagref.FlagRef[node[K]], height),
	}
}

// Config carries the optional knobs of a LockFreeSkipSet.
type Config struct {
	// MaxHeight caps node heights; defaults to DefaultMaxHeight.
	MaxHeight int
	// Probability is the rise probability; defaults to DefaultProbability.
	Probability float64
	// MaxRetries caps CAS retry loops. Exhausting it is treated as a
	// logic bug and terminates the process with a diagnostic. The
	// default is effectively unbounded.
	MaxRetries int
	// Logger receives the retry-exhaustion diagnostic. Defaults to a
	// no-op logger.
	Logger *zap.Logger
}

// LockFreeSkipSet is an ordered set of keys supporting concurrent Add,
// Remove and Contains from parallel goroutines.
type LockFreeSkipSet[K constraints.Ordered] struct {
	head *node[K] // sentinel, ranked below every key, full height
	tail *node[K] // sentinel, ranked above every key, full height
	size atomic.Int64

	maxHeight   int
	probability float64
	maxRetries  int
	log         *zap.Logger

	// Height draws go through a private rand.Rand; the mutex is only
	// taken on the Add path, never by Contains.
	rngMu sync.Mutex
	rng   *rand.Rand

	retiredMu sync.Mutex
	retired   []*node[K] // unlinked nodes, held until release
}

// New returns an empty set with default configuration.
func New[K constraints.Ordered]() *LockFreeSkipSet[K] {
	return NewWithConfig[K](Config{})
}

// NewWithConfig returns an empty set configured by cfg.
func NewWithConfig[K constraints.Ordered](cfg Config) *LockFreeSkipSet[K] {
	if cfg.MaxHeight < 1 || cfg.MaxHeight > maxHeightLimit {
		cfg.MaxHeight = DefaultMaxHeight
	}
	if cfg.Probability <= 0 || cfg.Probability >= 1 {
		cfg.Probability = DefaultProbability
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = math.MaxInt
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &LockFreeSkipSet[K]{
		head:        newNode[K](*new(K), cfg.MaxHeight),
		tail:        newNode[K](*new(K), cfg.MaxHeight),
		maxHeight:   cfg.MaxHeight,
		probability: cfg.Probability,
		maxRetries:  cfg.MaxRetries,
		log:         cfg.Logger,
		rng:         rand.New(rand.NewSource(seed())),
	}
	for level := 0; level < cfg.MaxHeight; level++ {
		s.head.nexts[level].Store(s.tail, false)
	}
	return s
}

// Len reports the number of keys currently in the set. The counter is
// adjusted at publication and physical unlink, so under concurrent
// mutation it is best-effort only.
func (s *LockFreeSkipSet[K]) Len() int {
	return int(s.size.Load())
}

// Empty reports whether the set holds no keys.
func (s *LockFreeSkipSet[K]) Empty() bool {
	return s.Len() == 0
}

// Contains reports whether key is in the set. It performs no CAS and
// is wait-free: at each level it steps over marked nodes (the tail is
// never marked, so the walk terminates) and descends once it meets a
// key not below the target. An unmarked node with the target key at
// any level proves membership.
func (s *LockFreeSkipSet[K]) Contains(key K) bool {
	pred := s.head
	for level := s.maxHeight - 1; level >= 0; level-- {
		curr := pred.nexts[level].Ref()
		for {
			succ, marked := curr.nexts[level].Get()
			if marked {
				curr = succ
				continue
			}
			if curr == s.tail || curr.key >= key {
				break
			}
			pred = curr
			curr = succ
		}
		if curr != s.tail && curr.key == key {
			return true
		}
	}
	return false
}

// Add inserts key, returning false if it is already present. The CAS
// publishing the node at level 0 is the linearization point; the upper
// levels are spliced in afterwards, bottom-up, refreshing the window
// through find whenever a splice loses a race.
func (s *LockFreeSkipSet[K]) Add(key K) bool {
	height := s.randomHeight()
	preds := make([]*node[K], s.maxHeight)
	succs := make([]*node[K], s.maxHeight)

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if s.find(key, preds, succs) {
			return false
		}

		n := newNode(key, height)
		if !s.tryLink(0, n, preds[0], succs[0]) {
			// The level-0 window moved; the node was never published,
			// so it can simply be dropped and rebuilt at the same height.
			continue
		}

		s.size.Add(1)
		s.linkUpperLevels(n, height, preds, succs)
		return true
	}
	s.fatal("add")
	return false
}

// Remove deletes key, returning false if it is absent or if a rival
// remover claimed it first. The marks are set top-down so that a
// search can never use the victim's upper levels after the level-0
// claim; the successful level-0 flag CAS is the linearization point
// and elects exactly one winner among racing removers.
func (s *LockFreeSkipSet[K]) Remove(key K) bool {
	preds := make([]*node[K], s.maxHeight)
	succs := make([]*node[K], s.maxHeight)

	if !s.find(key, preds, succs) {
		return false
	}
	victim := succs[0]

	for level := len(victim.nexts) - 1; level >= 1; level-- {
		victim.nexts[level].SetFlag(true)
	}

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		succ, marked := victim.nexts[0].Get()
		if marked {
			return false
		}
		if victim.nexts[0].CompareAndSet(succ, succ, false, true) {
			s.find(key, preds, succs) // elicit the physical unlink
			return true
		}
		// The successor moved under the CAS; re-read and try again.
	}
	s.fatal("remove")
	return false
}

// find locates the per-level windows (preds[i], succs[i]) around key,
// unlinking marked nodes along the way. A failed unlink aborts the
// whole descent and restarts from the top, since the predecessor
// chain above the failure can no longer be trusted. It reports whether
// an unmarked level-0 node carries the key.
func (s *LockFreeSkipSet[K]) find(key K, preds, succs []*node[K]) bool {
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		pred := s.head
		restart := false

		for level := s.maxHeight - 1; level >= 0; level-- {
			curr := pred.nexts[level].Ref()

			var ok bool
			pred, curr, ok = s.traverseLevel(level, key, pred, curr)
			if !ok {
				restart = true
				break
			}
			preds[level] = pred
			succs[level] = curr
		}

		if !restart {
			return succs[0] != s.tail && succs[0].key == key
		}
	}
	s.fatal("find")
	return false
}

// traverseLevel walks one level until it meets the tail or a key not
// below the target, unlinking marked nodes. ok is false when an unlink
// CAS lost, which obliges the caller to restart the descent.
func (s *LockFreeSkipSet[K]) traverseLevel(level int, key K, pred, curr *node[K]) (_, _ *node[K], ok bool) {
	for curr != s.tail {
		succ, marked := curr.nexts[level].Get()
		if marked {
			if !s.tryUnlink(level, pred, curr, succ) {
				return nil, nil, false
			}
			curr = succ
		} else {
			if curr.key >= key {
				break
			}
			pred = curr
			curr = succ
		}
	}
	return pred, curr, true
}

// tryLink splices n between pred and curr on the given level. The
// node's own forward reference is set through SetRef because a rival
// remover may already have marked this level; the mark must survive.
func (s *LockFreeSkipSet[K]) tryLink(level int, n, pred, curr *node[K]) bool {
	n.nexts[level].SetRef(curr)
	return pred.nexts[level].CompareAndSet(curr, n, false, false)
}

// linkUpperLevels splices n into levels 1..height-1 after its level-0
// publication. Only the publishing goroutine runs this, so each level
// is retried until it lands, refreshing the window on every miss.
func (s *LockFreeSkipSet[K]) linkUpperLevels(n *node[K], height int, preds, succs []*node[K]) {
	attempts := 0
	for level := 1; level < height; level++ {
		for {
			if s.tryLink(level, n, preds[level], succs[level]) {
				break
			}
			attempts++
			if attempts > s.maxRetries {
				s.fatal("link")
				return
			}
			s.find(n.key, preds, succs)
		}
	}
}

// tryUnlink excises curr from one level. Only a level-0 success
// retires the node and adjusts the size; upper-level stragglers keep
// the node alive on the retired list until release.
func (s *LockFreeSkipSet[K]) tryUnlink(level int, pred, curr, succ *node[K]) bool {
	if !pred.nexts[level].CompareAndSet(curr, succ, false, false) {
		return false
	}

	if level == 0 {
		s.retiredMu.Lock()
		s.retired = append(s.retired, curr)
		s.retiredMu.Unlock()

		s.size.Add(-1)
	}
	return true
}

// randomHeight draws a height in [1, maxHeight] from the geometric
// distribution with parameter probability.
func (s *LockFreeSkipSet[K]) randomHeight() int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()

	h := 1
	for h < s.maxHeight && s.rng.Float64() < s.probability {
		h++
	}
	return h
}

func (s *LockFreeSkipSet[K]) fatal(op string) {
	s.log.Fatal("retry budget exhausted",
		zap.String("structure", "lfskipset"),
		zap.String("op", op),
		zap.Int("retries", s.maxRetries))
}

// Iterator walks the set in ascending key order along level 0,
// skipping nodes whose mark was set at the moment they were visited.
// Iterators are safe under concurrent mutation but provide no snapshot
// semantics.
type Iterator[K constraints.Ordered] struct {
	set  *LockFreeSkipSet[K]
	curr *node[K]
}

// First returns an iterator at the smallest unmarked key, or an
// exhausted iterator if the set is empty.
func (s *LockFreeSkipSet[K]) First() *Iterator[K] {
	it := &Iterator[K]{set: s, curr: s.head}
	it.Next()
	return it
}

// Locate returns an iterator positioned at the first node whose key is
// not below the target; an exhausted iterator means every key is
// smaller.
func (s *LockFreeSkipSet[K]) Locate(key K) *Iterator[K] {
	preds := make([]*node[K], s.maxHeight)
	succs := make([]*node[K], s.maxHeight)
	s.find(key, preds, succs)
	return &Iterator[K]{set: s, curr: succs[0]}
}

// Valid reports whether the iterator is positioned on a node.
func (it *Iterator[K]) Valid() bool {
	return it.curr != it.set.tail
}

// Key returns the key at the current position. It must only be called
// when Valid.
func (it *Iterator[K]) Key() K {
	return it.curr.key
}

// Next advances to the following unmarked node. The tail sentinel is
// never marked, so the walk always terminates. Advancing an exhausted
// iterator is a no-op.
func (it *Iterator[K]) Next() {
	if it.curr == it.set.tail {
		return
	}
	for {
		it.curr = it.curr.nexts[0].Ref()
		if it.curr == it.set.tail || !it.curr.nexts[0].Flag() {
			return
		}
	}
}
