package evict

import "time"

// DefaultInterval is how often the background runner wakes to check DRAM
// utilization (spec §4.M: "a background thread wakes periodically").
const DefaultInterval = 50 * time.Millisecond

// MemoryStats reports the router's current view of DRAM usage; the
// runner polls it each tick to decide whether to sweep (spec §4.M).
type MemoryStats func() (used, capacity int64)

// Run launches the background eviction loop as a goroutine: each tick, if
// used/capacity >= Threshold, it sweeps the clock toward TargetFraction of
// capacity. It exits when shutdown is closed; the caller should not reuse
// the Clock concurrently from two runners.
//
// pageBytes is the fixed page size the clock accounts per evicted page;
// onEvicted is called with the number of bytes a sweep freed, only when
// that number is above zero, letting the caller update its own
// memory-used counter and eviction count.
func Run(c *Clock, interval time.Duration, stats MemoryStats, pageBytes int, evictFn EvictFn, onEvicted func(freedBytes int), onErr func(error), shutdown <-chan struct{}) <-chan struct{} {
	if interval <= 0 {
		interval = DefaultInterval
	}

	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-shutdown:
				return
			case <-ticker.C:
				used, capacity := stats()
				if capacity <= 0 || float64(used)/float64(capacity) < Threshold {
					continue
				}

				target := int(float64(capacity) * TargetFraction)
				freed, err := c.Sweep(target, pageBytes, evictFn)
				if err != nil && onErr != nil {
					onErr(err)
				}
				if onEvicted != nil && freed > 0 {
					onEvicted(freed)
				}
			}
		}
	}()

	return done
}
