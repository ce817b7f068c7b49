package supervisor

import (
	"hash/fnv"
	"time"
)

// slotSeed derives a stable per-slot seed so that a slot keeps the same jitter
// sequence across restarts while different slots drift apart.
func slotSeed(slot string, configSeed int64) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(slot))
	return int64(h.Sum64()) ^ configSeed
}

// SeedFromTime returns a config seed based on the current time, for runs that
// do not need reproducible jitter.
func SeedFromTime() int64 {
	return time.Now().UnixNano()
}
