// Package flagref provides FlagRef, an atomic (reference, flag) pair.
//
// A FlagRef is the building block of the lock-free structures in this
// repo: a single atomic location carrying both a next-pointer and a
// one-bit deletion mark, so that both can be inspected and swapped in
// one compare-and-set. This is the markable-reference construction from
// Herlihy & Shavit's 'The Art of Multiprocessor Programming'; languages
// with raw pointers typically pack the mark into the pointer's low
// alignment bit, but stealing bits from a GC-managed Go pointer is not
// an option, so the pair lives behind an atomic.Pointer to an immutable
// (ref, flag) record instead. A compare-and-set succeeds only when the
// loaded record itself is unchanged; a concurrent writer installing a
// value-equal record causes a spurious failure, which callers must
// tolerate (the contract is that of a weak CAS). Records are freshly
// allocated on every store and never mutated, so the classic ABA hazard
// of reused addresses cannot arise.
package flagref

import "sync/atomic"

// pair is an immutable snapshot of the packed word.
type pair[T any] struct {
	ref  *T
	flag bool
}

// FlagRef is an atomic (reference, flag) pair. The zero FlagRef holds
// (nil, false) and is ready for use. A FlagRef must not be copied after
// first use.
type FlagRef[T any] struct {
	p atomic.Pointer[pair[T]]
}

// New returns a FlagRef holding (ref, flag).
func New[T any](ref *T, flag bool) *FlagRef[T] {
	fr := &FlagRef[T]{}
	fr.p.Store(&pair[T]{ref: ref, flag: flag})
	return fr
}

func (fr *FlagRef[T]) load() (*T, bool, *pair[T]) {
	p := fr.p.Load()
	if p == nil {
		return nil, false, nil
	}
	return p.ref, p.flag, p
}

// Get atomically loads both halves of the pair.
func (fr *FlagRef[T]) Get() (*T, bool) {
	ref, flag, _ := fr.load()
	return ref, flag
}

// Ref loads the reference half.
func (fr *FlagRef[T]) Ref() *T {
	ref, _, _ := fr.load()
	return ref
}

// Flag loads the flag half.
func (fr *FlagRef[T]) Flag() bool {
	_, flag, _ := fr.load()
	return flag
}

// Store unconditionally replaces both halves. Intended for
// initialization before the FlagRef is shared.
func (fr *FlagRef[T]) Store(ref *T, flag bool) {
	fr.p.Store(&pair[T]{ref: ref, flag: flag})
}

// CompareAndSet installs (desiredRef, desiredFlag) iff the pair
// currently equals (expectedRef, expectedFlag). Spurious failure is
// permitted: the swap is witnessed by the loaded record, not by value.
func (fr *FlagRef[T]) CompareAndSet(expectedRef, desiredRef *T, expectedFlag, desiredFlag bool) bool {
	ref, flag, witness := fr.load()
	if ref != expectedRef || flag != expectedFlag {
		return false
	}
	return fr.p.CompareAndSwap(witness, &pair[T]{ref: desiredRef, flag: desiredFlag})
}

// AttemptSetFlag installs desiredFlag while witnessing that the
// reference is still expectedRef. The reference is preserved.
func (fr *FlagRef[T]) AttemptSetFlag(expectedRef *T, desiredFlag bool) bool {
	ref, _, witness := fr.load()
	if ref != expectedRef {
		return false
	}
	return fr.p.CompareAndSwap(witness, &pair[T]{ref: expectedRef, flag: desiredFlag})
}

// SetFlag unconditionally sets the flag, preserving the reference.
func (fr *FlagRef[T]) SetFlag(flag bool) {
	for {
		ref, old, witness := fr.load()
		if old == flag {
			return
		}
		if fr.p.CompareAndSwap(witness, &pair[T]{ref: ref, flag: flag}) {
			return
		}
	}
}

// SetRef unconditionally replaces the reference, preserving the flag.
// The previous reference is returned.
func (fr *FlagRef[T]) SetRef(ref *T) *T {
	for {
		old, flag, witness := fr.load()
		if fr.p.CompareAndSwap(witness, &pair[T]{ref: ref, flag: flag}) {
			return old
		}
	}
}
