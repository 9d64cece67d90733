package skipset

import (
	"sort"
	"testing"
)

// FuzzOps drives the set with an arbitrary op stream and cross-checks
// every answer against a map oracle. Each byte encodes one operation:
// the low six bits pick the key, the top two bits pick the verb.
func FuzzOps(f *testing.F) {
	f.Add([]byte{0x03, 0x41, 0x03, 0x83, 0xc3})
	f.Add([]byte{0x01, 0x02, 0x03, 0x81, 0x82, 0x83})

	f.Fuzz(func(t *testing.T, ops []byte) {
		s := New[int]()
		oracle := map[int]bool{}

		for _, op := range ops {
			k := int(op & 0x3f)
			switch op >> 6 {
			case 0, 1:
				if got, want := s.Insert(k), !oracle[k]; got != want {
					t.Fatalf("Insert(%d) = %v, want %v", k, got, want)
				}
				oracle[k] = true
			case 2:
				if got, want := s.Erase(k), oracle[k]; got != want {
					t.Fatalf("Erase(%d) = %v, want %v", k, got, want)
				}
				delete(oracle, k)
			default:
				if got, want := s.Contains(k), oracle[k]; got != want {
					t.Fatalf("Contains(%d) = %v, want %v", k, got, want)
				}
			}
		}

		if s.Len() != len(oracle) {
			t.Fatalf("Len() = %d, oracle holds %d", s.Len(), len(oracle))
		}
		keys := collect(s)
		if !sort.IntsAreSorted(keys) {
			t.Fatalf("iteration out of order: %v", keys)
		}
	})
}
