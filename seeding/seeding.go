// Package seeding initialises every random source of the process from one
// configured seed.
package seeding

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/tsawler/ct-classifier/tensor"
)

var (
	mu     sync.Mutex
	base   int64
	seeded bool
)

// Init seeds parameter initialisation and data shuffling and switches the
// tensor runtime to deterministic reductions. A nil seed leaves every source
// at its default and is a no-op. Calling Init again with the same seed has
// no further effect.
func Init(seed *int64) {
	if seed == nil {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	base = *seed
	seeded = true
	tensor.SetSeed(*seed)
	tensor.SetDeterministic(true)
}

// Seeded reports whether Init received a seed.
func Seeded() bool {
	mu.Lock()
	defer mu.Unlock()
	return seeded
}

// DataSeed returns the shuffle seed for a named data stream. Seeded runs
// derive it from the base seed and the stream name; unseeded runs get a
// time-based value.
func DataSeed(stream string) int64 {
	mu.Lock()
	defer mu.Unlock()
	if !seeded {
		return time.Now().UnixNano()
	}
	h := fnv.New64a()
	h.Write([]byte(stream))
	return base ^ int64(h.Sum64()>>1)
}
