// Package lflist implements a lock-free ordered linked set using the
// mark-then-unlink (Harris/Michael) algorithm.
//
// Deletion happens in two phases. A remover first sets the flag on the
// victim's own next reference (the logical delete, and the operation's
// linearization point), then excises the node by a CAS on the
// predecessor's next reference (the physical unlink). Any traversal
// that encounters a flagged node attempts the unlink on the remover's
// behalf, so a stalled remover never blocks progress: lookups are
// wait-free and mutations are lock-free.
//
// Unlinked nodes are parked on a mutex-guarded retired list instead of
// being handed back to the allocator, since a concurrent reader may
// still be standing on them. The list is dropped wholesale when the
// structure is released. Reference: 'The Art of Multiprocessor
// Programming', ch. 9.
package lflist

import (
	"math"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/exp/constraints"

	"github.com/niceyeti/skipsets/flagref"
)

type node[K constraints.Ordered] struct {
	key  K
	next flagref.FlagRef[node[K]]
}

// Config carries the optional knobs of a LockFreeList.
type Config struct {
	// MaxRetries caps CAS retry loops. Exhausting it is treated as a
	// logic bug and terminates the process with a diagnostic. The
	// default is effectively unbounded.
	MaxRetries int
	// Logger receives the retry-exhaustion diagnostic. Defaults to a
	// no-op logger.
	Logger *zap.Logger
}

// LockFreeList is an ordered set of keys supporting concurrent Add,
// Remove and Contains from parallel goroutines.
type LockFreeList[K constraints.Ordered] struct {
	head *node[K] // sentinel, ranked below every key
	tail *node[K] // sentinel, ranked above every key
	size atomic.Int64

	maxRetries int
	log        *zap.Logger

	retiredMu sync.Mutex
	retired   []*node[K] // unlinked nodes, held until release
}

// New returns an empty list with default configuration.
func New[K constraints.Ordered]() *LockFreeList[K] {
	return NewWithConfig[K](Config{})
}

// NewWithConfig returns an empty list configured by cfg.
func NewWithConfig[K constraints.Ordered](cfg Config) *LockFreeList[K] {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = math.MaxInt
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	l := &LockFreeList[K]{
		head:       &node[K]{},
		tail:       &node[K]{},
		maxRetries: cfg.MaxRetries,
		log:        cfg.Logger,
	}
	l.head.next.Store(l.tail, false)
	return l
}

// Len reports the number of keys currently in the set. The counter is
// adjusted on successful publication and physical unlink, so under
// concurrent mutation it is best-effort only.
func (l *LockFreeList[K]) Len() int {
	return int(l.size.Load())
}

// Empty reports whether the set holds no keys.
func (l *LockFreeList[K]) Empty() bool {
	return l.Len() == 0
}

// Contains reports whether key is in the set. It never performs a CAS
// and is therefore wait-free; a node counts as present only if its own
// mark was clear at the moment of observation.
func (l *LockFreeList[K]) Contains(key K) bool {
	curr := l.head.next.Ref()
	for curr != l.tail && curr.key < key {
		curr = curr.next.Ref()
	}
	return curr != l.tail && curr.key == key && !curr.next.Flag()
}

// Add inserts key, returning false if it is already present. The new
// node is published by a CAS on the predecessor's next reference
// expecting (successor, unmarked); that CAS is the linearization point.
func (l *LockFreeList[K]) Add(key K) bool {
	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		pred, curr := l.find(key)
		if curr != l.tail && curr.key == key {
			return false
		}

		n := &node[K]{key: key}
		n.next.Store(curr, false)
		if pred.next.CompareAndSet(curr, n, false, false) {
			l.size.Add(1)
			return true
		}
		// The neighborhood changed under us; relocate and retry.
	}
	l.fatal("add")
	return false
}

// Remove deletes key, returning false if it is absent or if another
// goroutine's logical delete won the race. The successful flag CAS on
// the victim's own next reference is the linearization point; the
// physical unlink is then elicited through find and may equally be
// completed by any other traversal.
func (l *LockFreeList[K]) Remove(key K) bool {
	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		_, curr := l.find(key)
		if curr == l.tail || curr.key != key {
			return false
		}

		succ, marked := curr.next.Get()
		if marked {
			// Another remover already logically deleted this node.
			return false
		}
		if curr.next.CompareAndSet(succ, succ, false, true) {
			l.find(key) // elicit the physical unlink
			return true
		}
		// Either the successor changed or a rival marked the node;
		// re-examine from the top.
	}
	l.fatal("remove")
	return false
}

// find locates the window (pred, curr) such that pred precedes curr,
// curr is the first node with key >= the target, and neither was
// marked at the instant of observation. Marked nodes met along the way
// are unlinked; an unlink CAS failure restarts the walk from head.
func (l *LockFreeList[K]) find(key K) (pred, curr *node[K]) {
	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		if pred, curr, ok := l.traverse(key); ok {
			return pred, curr
		}
	}
	l.fatal("find")
	return nil, nil
}

func (l *LockFreeList[K]) traverse(key K) (pred, curr *node[K], ok bool) {
	pred = l.head
	curr = pred.next.Ref()

	for curr != l.tail {
		succ, marked := curr.next.Get()
		if marked {
			if !l.tryUnlink(pred, curr, succ) {
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

// tryUnlink physically excises curr, which must already be logically
// deleted. Exactly one CAS can succeed for a given unlink, so the
// winner alone retires the node and adjusts the size.
func (l *LockFreeList[K]) tryUnlink(pred, curr, succ *node[K]) bool {
	if !pred.next.CompareAndSet(curr, succ, false, false) {
		return false
	}

	l.retiredMu.Lock()
	l.retired = append(l.retired, curr)
	l.retiredMu.Unlock()

	l.size.Add(-1)
	return true
}

func (l *LockFreeList[K]) fatal(op string) {
	l.log.Fatal("retry budget exhausted",
		zap.String("structure", "lflist"),
		zap.String("op", op),
		zap.Int("retries", l.maxRetries))
}

// Iterator walks the set in ascending key order along the chain,
// skipping nodes whose mark was set at the moment they were visited.
// Iterators are safe under concurrent mutation but provide no snapshot
// semantics.
type Iterator[K constraints.Ordered] struct {
	list *LockFreeList[K]
	curr *node[K]
}

// First returns an iterator at the smallest unmarked key, or an
// exhausted iterator if the set is empty.
func (l *LockFreeList[K]) First() *Iterator[K] {
	it := &Iterator[K]{list: l, curr: l.head}
	it.Next()
	return it
}

// Valid reports whether the iterator is positioned on a node.
func (it *Iterator[K]) Valid() bool {
	return it.curr != it.list.tail
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
	if it.curr == it.list.tail {
		return
	}
	for {
		it.curr = it.curr.next.Ref()
		if it.curr == it.list.tail || !it.curr.next.Flag() {
			return
		}
	}
}
