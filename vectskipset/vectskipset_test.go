package vectskipset

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

// checkInvariants walks the whole structure and fails the test on any
// violation of the bucket and ordering invariants.
func checkInvariants(s *VectSkipSet[int]) error {
	seen := map[int]bool{}
	total := 0
	var prev *node[int]

	for n := s.head.next[0]; n != nil; n = n.next[0] {
		if len(n.keys) == 0 {
			return fmt.Errorf("empty node")
		}
		if len(n.keys) > s.capacity {
			return fmt.Errorf("node holds %d keys, capacity %d", len(n.keys), s.capacity)
		}
		for i, k := range n.keys {
			if seen[k] {
				return fmt.Errorf("duplicate key %d", k)
			}
			seen[k] = true
			if k < n.minKey() {
				return fmt.Errorf("iMin misses key %d at index %d", k, i)
			}
			if k > n.maxKey() {
				return fmt.Errorf("iMax misses key %d at index %d", k, i)
			}
		}
		if prev != nil && prev.maxKey() >= n.minKey() {
			return fmt.Errorf("order violation: %d >= %d across nodes", prev.maxKey(), n.minKey())
		}
		total += len(n.keys)
		prev = n
	}

	if total != s.count {
		return fmt.Errorf("count %d, nodes hold %d", s.count, total)
	}
	return nil
}

// dump renders the level-0 chain, one bucket per segment.
func dump(s *VectSkipSet[int]) string {
	var sb strings.Builder
	for n := s.head.next[0]; n != nil; n = n.next[0] {
		fmt.Fprintf(&sb, "[min=%d max=%d %v]", n.minKey(), n.maxKey(), n.keys)
	}
	return sb.String()
}

func collect(s *VectSkipSet[int]) []int {
	var keys []int
	for it := s.FirstImmutable(); it.Valid(); it.Next() {
		keys = append(keys, it.Key())
	}
	return keys
}

func TestInsert(t *testing.T) {
	Convey("Given a set with capacity 3", t, func() {
		s := NewWithParams[int](3, DefaultMaxHeight, DefaultProbability)

		Convey("Filling a single bucket needs no new nodes", func() {
			for _, v := range []int{5, 9, 7} {
				So(s.Insert(v), ShouldBeTrue)
			}
			So(s.Len(), ShouldEqual, 3)
			So(checkInvariants(s), ShouldBeNil)
			So(collect(s), ShouldResemble, []int{5, 7, 9})
		})

		Convey("A duplicate is rejected wherever it hides in the bucket", func() {
			for _, v := range []int{5, 9, 7} {
				So(s.Insert(v), ShouldBeTrue)
			}
			for _, v := range []int{5, 7, 9} {
				So(s.Insert(v), ShouldBeFalse)
			}
			So(s.Len(), ShouldEqual, 3)
		})

		Convey("The seven-key workload keeps every invariant", func() {
			for _, v := range []int{4, 2, 19, 7, 14, 3, 8} {
				So(s.Insert(v), ShouldBeTrue)
			}
			So(s.Len(), ShouldEqual, 7)
			So(checkInvariants(s), ShouldBeNil)
			So(collect(s), ShouldResemble, []int{2, 3, 4, 7, 8, 14, 19})
		})

		Convey("A small key pushed at a full bucket swaps out its maximum", func() {
			for _, v := range []int{10, 20, 30} {
				So(s.Insert(v), ShouldBeTrue)
			}
			// Bucket [10 20 30] is full; 15 must displace 30 rather
			// than break the inter-node order.
			So(s.Insert(15), ShouldBeTrue)
			So(checkInvariants(s), ShouldBeNil)
			So(collect(s), ShouldResemble, []int{10, 15, 20, 30})
		})
	})
}

func TestErase(t *testing.T) {
	Convey("Given a populated set with capacity 3", t, func() {
		s := NewWithParams[int](3, DefaultMaxHeight, DefaultProbability)
		for _, v := range []int{4, 2, 19, 7, 14, 3, 8} {
			So(s.Insert(v), ShouldBeTrue)
		}

		Convey("Erasing an absent key returns false and changes nothing", func() {
			So(s.Erase(100), ShouldBeFalse)
			So(s.Len(), ShouldEqual, 7)
			So(checkInvariants(s), ShouldBeNil)
		})

		Convey("Erasing every key in random order drains the set", func() {
			order := []int{7, 2, 19, 4, 8, 14, 3}
			for _, v := range order {
				So(s.Erase(v), ShouldBeTrue)
				So(checkInvariants(s), ShouldBeNil)
			}
			So(s.Empty(), ShouldBeTrue)
			So(s.Height(), ShouldEqual, 0)
		})

		Convey("Erasing a bucket's extremes refreshes the tags", func() {
			keys := collect(s)
			So(s.Erase(keys[0]), ShouldBeTrue) // global minimum
			So(checkInvariants(s), ShouldBeNil)
			So(s.Erase(keys[len(keys)-1]), ShouldBeTrue) // global maximum
			So(checkInvariants(s), ShouldBeNil)
		})
	})
}

func TestImmutableIterator(t *testing.T) {
	Convey("Given a set with capacity 4", t, func() {
		s := NewWithParams[int](4, DefaultMaxHeight, DefaultProbability)
		for _, v := range []int{6, 1, 9, 4, 12, 3, 15, 10} {
			So(s.Insert(v), ShouldBeTrue)
		}

		Convey("FindImmutable on a present key walks to the end in order", func() {
			it := s.FindImmutable(4)
			So(it.Valid(), ShouldBeTrue)
			So(it.Key(), ShouldEqual, 4)

			var rest []int
			for ; it.Valid(); it.Next() {
				rest = append(rest, it.Key())
			}
			So(rest[0], ShouldEqual, 4)
			So(sort.IntsAreSorted(rest), ShouldBeTrue)
			So(rest[len(rest)-1], ShouldEqual, 15)
		})

		Convey("FindImmutable on an absent key is exhausted", func() {
			it := s.FindImmutable(5)
			So(it.Valid(), ShouldBeFalse)
		})

		Convey("FirstImmutable yields the full ascending key sequence", func() {
			So(collect(s), ShouldResemble, []int{1, 3, 4, 6, 9, 10, 12, 15})
		})

		Convey("An empty set yields an exhausted iterator", func() {
			empty := New[int]()
			it := empty.FirstImmutable()
			So(it.Valid(), ShouldBeFalse)
		})
	})
}

func TestOracleWorkload(t *testing.T) {
	Convey("A mixed random workload matches a map oracle at capacity 2", t, func() {
		// Capacity 2 maximizes node churn: buckets fill after two keys,
		// so inserts often add a node and erases often unlink one.
		s := NewWithParams[int](2, DefaultMaxHeight, DefaultProbability)
		rng := rand.New(rand.NewSource(5))
		oracle := map[int]bool{}

		for i := 0; i < 20000; i++ {
			k := rng.Intn(1000)
			switch rng.Intn(3) {
			case 0:
				So(s.Insert(k), ShouldEqual, !oracle[k])
				oracle[k] = true
			case 1:
				So(s.Erase(k), ShouldEqual, oracle[k])
				delete(oracle, k)
			default:
				So(s.Contains(k), ShouldEqual, oracle[k])
			}
		}

		So(checkInvariants(s), ShouldBeNil)

		want := make([]int, 0, len(oracle))
		for k := range oracle {
			want = append(want, k)
		}
		sort.Ints(want)

		got := collect(s)
		if len(want) == 0 {
			So(got, ShouldBeNil)
		} else {
			So(got, ShouldResemble, want)
		}
	})
}

func TestDump(t *testing.T) {
	Convey("The debug dump lists buckets in chain order", t, func() {
		s := NewWithParams[int](2, DefaultMaxHeight, DefaultProbability)
		for _, v := range []int{2, 1, 3} {
			So(s.Insert(v), ShouldBeTrue)
		}
		out := dump(s)
		So(out, ShouldContainSubstring, "min=")
		So(strings.Count(out, "[min="), ShouldEqual, 2)
	})
}
