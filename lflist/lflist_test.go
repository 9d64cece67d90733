package lflist

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func collect(l *LockFreeList[int]) []int {
	var keys []int
	for it := l.First(); it.Valid(); it.Next() {
		keys = append(keys, it.Key())
	}
	return keys
}

// debugString renders the raw chain, marked nodes included; a node is
// annotated "+" when its deletion flag is set, "-" otherwise. Only
// meaningful at quiescence.
func debugString(l *LockFreeList[int]) string {
	var sb strings.Builder
	for n := l.head.next.Ref(); n != l.tail; n = n.next.Ref() {
		mark := "-"
		if n.next.Flag() {
			mark = "+"
		}
		fmt.Fprintf(&sb, "%d(%s)->", n.key, mark)
	}
	sb.WriteString("(tail)")
	return sb.String()
}

// markNth sets the deletion flag on the nth node of the chain, counting
// from 1. It stands in for a concurrent remover caught between the
// logical delete and the physical unlink.
func markNth(l *LockFreeList[int], nth int) {
	n := l.head.next.Ref()
	for cnt := 1; n != l.tail; cnt++ {
		if cnt == nth {
			n.next.SetFlag(true)
			return
		}
		n = n.next.Ref()
	}
}

func TestAdd(t *testing.T) {
	Convey("When Add is called", t, func() {
		l := New[int]()

		Convey("Keys arrive out of order and duplicates are rejected", func() {
			So(l.Add(3), ShouldBeTrue)
			So(l.Add(1), ShouldBeTrue)
			So(l.Add(3), ShouldBeFalse)
			So(l.Add(2), ShouldBeTrue)

			So(collect(l), ShouldResemble, []int{1, 2, 3})
			So(l.Len(), ShouldEqual, 3)
		})

		Convey("An empty list reports empty", func() {
			So(l.Empty(), ShouldBeTrue)
			So(collect(l), ShouldBeNil)
		})
	})
}

func TestRemove(t *testing.T) {
	Convey("When Remove is called", t, func() {
		l := New[int]()

		Convey("Removing from an empty list returns false", func() {
			So(l.Remove(42), ShouldBeFalse)
		})

		Convey("Removing an absent key returns false", func() {
			So(l.Add(1), ShouldBeTrue)
			So(l.Remove(2), ShouldBeFalse)
			So(l.Len(), ShouldEqual, 1)
		})

		Convey("Removing a present key succeeds exactly once", func() {
			So(l.Add(1), ShouldBeTrue)
			So(l.Add(2), ShouldBeTrue)
			So(l.Remove(2), ShouldBeTrue)
			So(l.Remove(2), ShouldBeFalse)
			So(l.Contains(2), ShouldBeFalse)
			So(collect(l), ShouldResemble, []int{1})
			So(l.Len(), ShouldEqual, 1)
		})

		Convey("Draining and refilling works", func() {
			vals := []int{5, 3, 4}
			for _, v := range vals {
				So(l.Add(v), ShouldBeTrue)
			}
			for _, v := range vals {
				So(l.Remove(v), ShouldBeTrue)
			}
			So(l.Empty(), ShouldBeTrue)
			for _, v := range vals {
				So(l.Add(v), ShouldBeTrue)
			}
			So(collect(l), ShouldResemble, []int{3, 4, 5})
		})
	})
}

func TestContainsWithConcurrentMark(t *testing.T) {
	Convey("Given a list whose middle node was logically deleted", t, func() {
		l := New[int]()
		for _, v := range []int{1, 2, 3} {
			So(l.Add(v), ShouldBeTrue)
		}

		markNth(l, 2)

		Convey("Contains treats the marked node as absent", func() {
			So(l.Contains(2), ShouldBeFalse)
			So(l.Contains(1), ShouldBeTrue)
			So(l.Contains(3), ShouldBeTrue)
		})

		Convey("A later traversal unlinks the marked node", func() {
			So(l.Add(5), ShouldBeTrue) // find() walks past 2 and excises it
			So(collect(l), ShouldResemble, []int{1, 3, 5})
			So(l.Len(), ShouldEqual, 3)
		})

		Convey("Iteration skips the marked node", func() {
			So(collect(l), ShouldResemble, []int{1, 3})
		})

		Convey("The raw chain still shows the marked corpse", func() {
			So(debugString(l), ShouldEqual, "1(-)->2(+)->3(-)->(tail)")
		})
	})
}

func TestMarkedPredecessorRecovery(t *testing.T) {
	Convey("Adds and removes behind a marked node still succeed", t, func() {
		l := New[int]()
		for _, v := range []int{1, 2, 3, 4} {
			So(l.Add(v), ShouldBeTrue)
		}
		markNth(l, 2)
		markNth(l, 4)

		So(l.Remove(3), ShouldBeTrue)
		So(l.Add(2), ShouldBeTrue) // the old 2 is gone, so 2 is insertable again
		So(collect(l), ShouldResemble, []int{1, 2})
	})
}

func TestConcurrentAddRemove(t *testing.T) {
	Convey("Under goroutine churn no key is lost or duplicated", t, func() {
		const (
			goroutines = 8
			keySpace   = 512
			opsPer     = 4000
		)
		l := New[int]()

		var wg sync.WaitGroup
		for g := 0; g < goroutines; g++ {
			wg.Add(1)
			go func(seed int64) {
				defer wg.Done()
				rng := rand.New(rand.NewSource(seed))
				for i := 0; i < opsPer; i++ {
					k := rng.Intn(keySpace)
					switch rng.Intn(3) {
					case 0:
						l.Add(k)
					case 1:
						l.Remove(k)
					default:
						l.Contains(k)
					}
				}
			}(int64(g) + 1)
		}
		wg.Wait()

		keys := collect(l)
		So(len(keys), ShouldEqual, l.Len())
		for i := 1; i < len(keys); i++ {
			So(keys[i-1], ShouldBeLessThan, keys[i])
		}
		for _, k := range keys {
			So(l.Contains(k), ShouldBeTrue)
		}
	})
}

func TestConcurrentRemoveSingleWinner(t *testing.T) {
	Convey("Exactly one of many racing removers wins each key", t, func() {
		const goroutines = 8
		l := New[int]()
		So(l.Add(7), ShouldBeTrue)

		var wg sync.WaitGroup
		wins := make(chan struct{}, goroutines)
		for g := 0; g < goroutines; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if l.Remove(7) {
					wins <- struct{}{}
				}
			}()
		}
		wg.Wait()
		close(wins)

		count := 0
		for range wins {
			count++
		}
		So(count, ShouldEqual, 1)
		So(l.Contains(7), ShouldBeFalse)
		So(l.Empty(), ShouldBeTrue)
	})
}
