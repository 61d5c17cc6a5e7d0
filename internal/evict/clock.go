// Package evict implements the second-chance clock eviction engine (spec
// §4.M): one access bit per DRAM "page" plus a clock hand, wrapped in a
// background runner the router starts and stops alongside its other
// long-lived threads.
package evict

import "sync"

// Threshold is the DRAM-utilization fraction at which eviction engages
// (spec §6: "Eviction trigger at 90% DRAM utilization").
const Threshold = 0.9

// TargetFraction is the fraction of capacity the engine evicts toward
// once triggered (spec §4.M: "a percentage of capacity, e.g. 10%").
const TargetFraction = 0.10

// Clock is a second-chance (CLOCK) page-replacement structure over an
// unordered set of page IDs. Pages can be added and removed in O(1)
// amortized (removal swaps the evicted page with the last slot), which is
// why page order carries no meaning here — only the access-bit sweep
// does.
type Clock struct {
	mu     sync.Mutex
	pages  []uint64
	pos    map[uint64]int
	access map[uint64]bool
	hand   int
}

// New returns an empty Clock.
func New() *Clock {
	return &Clock{
		pos:    make(map[uint64]int),
		access: make(map[uint64]bool),
	}
}

// Add registers page id, with its access bit initially set (a freshly
// loaded page gets one free pass before it's eligible for eviction, the
// same as any other access).
func (c *Clock) Add(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pos[id]; exists {
		return
	}

	c.pos[id] = len(c.pages)
	c.pages = append(c.pages, id)
	c.access[id] = true
}

// Touch sets id's access bit, giving it a second chance on the next sweep.
func (c *Clock) Touch(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pos[id]; exists {
		c.access[id] = true
	}
}

// Remove unregisters id, if present.
func (c *Clock) Remove(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(id)
}

func (c *Clock) removeLocked(id uint64) {
	i, ok := c.pos[id]
	if !ok {
		return
	}

	last := len(c.pages) - 1
	c.pages[i] = c.pages[last]
	c.pos[c.pages[i]] = i
	c.pages = c.pages[:last]

	delete(c.pos, id)
	delete(c.access, id)

	if c.hand > last {
		c.hand = 0
	}
}

// Len returns the number of pages currently tracked.
func (c *Clock) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pages)
}

// EvictFn is called with the id of the page chosen for eviction; in a
// complete implementation it serializes the page's contents and merges
// them into an SSD super-leaf before returning (spec §4.M). Returning an
// error aborts the sweep without removing the page from the clock.
type EvictFn func(id uint64) error

// Sweep runs the second-chance algorithm until evictedBytes reaches
// targetBytes or the hand has passed over every page twice without
// evicting one (spec §4.M's infinite-loop guard). pageBytes is the fixed
// size accounted per evicted page.
//
// evictFn is never called while c.mu is held: spec §5's lock ordering
// keeps the clock/eviction lock independent of the router lock, and
// evictFn (Cache.evictPage) acquires the router lock itself. Holding
// c.mu across that call would let a concurrent Put/Get, which takes the
// router lock before touching the clock, deadlock against a sweep in
// progress. The victim id is snapshotted, the lock released for the
// call, and reacquired before removeLocked.
func (c *Clock) Sweep(targetBytes, pageBytes int, evictFn EvictFn) (evictedBytes int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pages) == 0 || targetBytes <= 0 {
		return 0, nil
	}

	maxNoProgress := 2 * len(c.pages)
	noProgress := 0

	for evictedBytes < targetBytes && len(c.pages) > 0 && noProgress < maxNoProgress {
		id := c.pages[c.hand]

		if c.access[id] {
			c.access[id] = false
			c.hand = (c.hand + 1) % len(c.pages)
			noProgress++
			continue
		}

		c.mu.Unlock()
		evictErr := evictFn(id)
		c.mu.Lock()

		if evictErr != nil {
			return evictedBytes, evictErr
		}

		// id may already be gone if something else removed it while the
		// lock was released; removeLocked is then a harmless no-op.
		c.removeLocked(id)
		evictedBytes += pageBytes
		noProgress = 0

		if len(c.pages) > 0 {
			c.hand %= len(c.pages)
		}
	}

	return evictedBytes, nil
}
