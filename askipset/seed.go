package askipset

import (
	"sync/atomic"
	"time"
)

var seedCounter atomic.Int64

// seed derives a per-instance RNG seed. Mixing in a counter keeps sets
// created within the same clock tick on distinct height streams.
func seed() int64 {
	return time.Now().UnixNano() ^ (seedCounter.Add(1) << 32)
}
