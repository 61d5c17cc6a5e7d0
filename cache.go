// Package zipcache implements a multi-tier key-value cache (spec §1):
// objects are routed by size across a compressed DRAM B+tree, an
// append-only large-object store, and an SSD-resident B+tree, with a
// single logical namespace maintained across all three.
//
// Cache is the tier router (spec §4.L): it classifies incoming PUTs,
// coordinates GET across tiers in a fixed order, maintains tombstones and
// invalidation between the DRAM and large-object tiers, and owns the
// background eviction engine that moves cold DRAM pages into the SSD
// tier.
package zipcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/zipcache-go/zipcache/internal/blockalloc"
	"github.com/zipcache-go/zipcache/internal/blockdev"
	"github.com/zipcache-go/zipcache/internal/dram"
	"github.com/zipcache-go/zipcache/internal/evict"
	"github.com/zipcache-go/zipcache/internal/fs"
	"github.com/zipcache-go/zipcache/internal/hashing"
	"github.com/zipcache-go/zipcache/internal/lobj"
	"github.com/zipcache-go/zipcache/internal/objstore"
	"github.com/zipcache-go/zipcache/internal/ssd"
)

// EvictionPageBytes is the fixed page size the eviction engine accounts
// per evicted DRAM page (spec §4.M: "4 KiB in the source").
const EvictionPageBytes = 4096

// Cache is the ZipCache tier router.
type Cache struct {
	// mu is the cache-wide exclusive lock held for the duration of PUT and
	// GET (spec §5).
	mu sync.Mutex

	dramTree *dram.CompressedTree
	ssdTree  *ssd.Tree
	lobjs    *lobj.Store
	dev      *blockdev.Device
	alloc    *blockalloc.Allocator
	objects  *objstore.Store
	clock    *evict.Clock
	realFS   fs.FS

	thresholdsMu sync.RWMutex
	tinyMax      uint32
	mediumMax    uint32

	stats statsBox

	shutdown  chan struct{}
	evictDone <-chan struct{}

	closedMu sync.Mutex
	closed   bool

	evictErrMu sync.Mutex
	lastEvict  error
}

// New constructs a Cache with spec §6's init(dram_mb, ssd_path) contract
// and default thresholds.
func New(opts Options) (*Cache, error) {
	return NewEx(opts.Ex())
}

// NewEx constructs a Cache with spec §6's init_ex contract: explicit
// classification thresholds and codec selection.
//
// Lifecycle (spec §3 "Lifecycle"): creates every index, opens/extends the
// SSD file to total_blocks * 4 KiB, starts the eviction thread, and (in
// the DRAM tree) starts the background flusher.
func NewEx(opts OptionsEx) (*Cache, error) {
	if err := validateThresholds(opts.TinyMax, opts.MediumMax); err != nil {
		return nil, err
	}
	if opts.DRAMCapacityBytes <= 0 {
		return nil, fmt.Errorf("%w: DRAMCapacityBytes must be positive", ErrIncompatible)
	}

	realFS := fs.NewReal()

	dev, err := blockdev.Open(realFS, opts.SSDPath, opts.SSDTotalBlocks)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIOError, err)
	}

	alloc := blockalloc.New(opts.SSDTotalBlocks)
	ssdTree := ssd.New(dev, alloc)

	lobjs, err := lobj.Open(realFS, opts.LargeObjectPath)
	if err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("%w: %v", ErrIOError, err)
	}

	dramCfg := dram.DefaultConfig()
	dramCfg.Algo = opts.Algo
	if opts.FlushThreshold > 0 {
		dramCfg.FlushThreshold = opts.FlushThreshold
	}
	dramTree, err := dram.NewCompressedTree(dramCfg)
	if err != nil {
		_ = dev.Close()
		_ = lobjs.Close()
		return nil, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}

	c := &Cache{
		dramTree:  dramTree,
		ssdTree:   ssdTree,
		lobjs:     lobjs,
		dev:       dev,
		alloc:     alloc,
		objects:   objstore.New(),
		clock:     evict.New(),
		realFS:    realFS,
		tinyMax:   opts.TinyMax,
		mediumMax: opts.MediumMax,
		shutdown:  make(chan struct{}),
	}
	c.stats.setMemory(0, opts.DRAMCapacityBytes)

	c.evictDone = evict.Run(c.clock, evict.DefaultInterval, c.memoryStats, EvictionPageBytes, c.evictPage, c.onEvicted, c.onEvictErr, c.shutdown)

	return c, nil
}

// GetThresholds returns the current tiny_max/medium_max classification
// thresholds.
func (c *Cache) GetThresholds() (tinyMax, mediumMax uint32) {
	c.thresholdsMu.RLock()
	defer c.thresholdsMu.RUnlock()
	return c.tinyMax, c.mediumMax
}

// SetThresholds updates the classification thresholds at runtime (spec
// §4.L: "configurable at construction and at runtime").
func (c *Cache) SetThresholds(tinyMax, mediumMax uint32) error {
	if err := validateThresholds(tinyMax, mediumMax); err != nil {
		return err
	}

	c.thresholdsMu.Lock()
	defer c.thresholdsMu.Unlock()
	c.tinyMax, c.mediumMax = tinyMax, mediumMax
	return nil
}

// Put classifies value by size and routes it (spec §4.L "Put").
func (c *Cache) Put(key, value []byte) error {
	if len(value) == 0 {
		return fmt.Errorf("%w: value must be non-empty", ErrInvalidSize)
	}

	c.closedMu.Lock()
	closed := c.closed
	c.closedMu.Unlock()
	if closed {
		return ErrClosed
	}

	hashed := hashing.KeyHash(key)
	tinyMax, mediumMax := c.GetThresholds()
	class := classify(uint32(len(value)), tinyMax, mediumMax)

	c.mu.Lock()
	defer c.mu.Unlock()

	switch class {
	case ClassTiny, ClassMedium:
		c.freeExistingDRAMHandleLocked(hashed)

		handle := c.objects.Put(value)
		if err := c.dramTree.Put(hashed, uint64(handle)); err != nil {
			return fmt.Errorf("%w: %v", ErrIOError, err)
		}
		c.stats.addMemory(int64(len(value)))

		if pid, ok := c.dramTree.PageForKey(hashed); ok {
			c.clock.Add(pid)
		}

		// invalidate_stale (spec §4.L): small/medium overrides large.
		if _, ok := c.lobjs.Descriptor(hashed); ok {
			c.lobjs.Delete(hashed)
		}

	case ClassLarge:
		c.freeExistingDRAMHandleLocked(hashed)

		if _, err := c.lobjs.Put(hashed, value); err != nil {
			return fmt.Errorf("%w: %v", ErrIOError, err)
		}
		if err := c.dramTree.Put(hashed, dram.TombstoneValue); err != nil {
			return fmt.Errorf("%w: %v", ErrIOError, err)
		}
		c.stats.recordTombstone()
	}

	c.stats.recordPut(class)
	return nil
}

// freeExistingDRAMHandleLocked releases hashed's prior DRAM-tree object
// handle, if it holds a live (non-tombstone) one, and adjusts memory_used
// accordingly. Caller holds c.mu.
func (c *Cache) freeExistingDRAMHandleLocked(hashed uint32) {
	old, ok := c.dramTree.Get(hashed)
	if !ok || old == dram.TombstoneValue {
		return
	}

	h := objstore.Handle(old)
	if sz, found := c.objects.Size(h); found {
		c.stats.addMemory(-int64(sz))
	}
	c.objects.Free(h)
}

// Get performs the coordinated cross-tier read (spec §4.L "Get"), strictly
// in DRAM -> large-object -> SSD order, promoting an SSD hit back into
// DRAM when the object is small enough.
func (c *Cache) Get(key []byte) ([]byte, error) {
	c.closedMu.Lock()
	closed := c.closed
	c.closedMu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	hashed := hashing.KeyHash(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	// Step 1: DRAM tree.
	if v, ok := c.dramTree.Get(hashed); ok {
		if v != dram.TombstoneValue {
			if payload, found := c.objects.Get(objstore.Handle(v)); found {
				if pid, ok := c.dramTree.PageForKey(hashed); ok {
					c.clock.Touch(pid)
				}
				tinyMax, mediumMax := c.GetThresholds()
				c.stats.recordHitDRAM(classify(uint32(len(payload)), tinyMax, mediumMax))
				return payload, nil
			}
		}
		// Tombstone, or a handle whose bytes are gone: continue the search
		// (spec §3: "the router never returns the tombstone as a hit").
	}

	// Step 2: large-object store.
	if _, ok := c.lobjs.Descriptor(hashed); ok {
		payload, err := c.lobjs.Get(hashed)
		if err != nil {
			if errors.Is(err, lobj.ErrChecksumMismatch) {
				return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			return nil, fmt.Errorf("%w: %v", ErrIOError, err)
		}
		c.stats.recordHitLO()
		return payload, nil
	}

	// Step 3: SSD tree, with inclusive-cache promotion.
	if v, ok, err := c.ssdTree.Get(hashed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIOError, err)
	} else if ok {
		if payload, found := c.objects.Get(objstore.Handle(v)); found {
			c.stats.recordHitSSD()

			tinyMax, mediumMax := c.GetThresholds()
			if uint32(len(payload)) <= mediumMax {
				if err := c.dramTree.Put(hashed, v); err == nil {
					if pid, ok := c.dramTree.PageForKey(hashed); ok {
						c.clock.Add(pid)
					}
					c.stats.addMemory(int64(len(payload)))
					c.stats.recordPromotion(classify(uint32(len(payload)), tinyMax, mediumMax))
				}
			}
			return payload, nil
		}
	}

	// Step 4: miss.
	c.stats.recordMiss()
	return nil, ErrNotFound
}

// Delete removes key from every tier it's present in (spec §4.L
// "Delete"), returning ErrNotFound only if it was present in none.
func (c *Cache) Delete(key []byte) error {
	c.closedMu.Lock()
	closed := c.closed
	c.closedMu.Unlock()
	if closed {
		return ErrClosed
	}

	hashed := hashing.KeyHash(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	deleted := false

	if v, ok := c.dramTree.Get(hashed); ok {
		if v != dram.TombstoneValue {
			h := objstore.Handle(v)
			if sz, found := c.objects.Size(h); found {
				c.stats.addMemory(-int64(sz))
			}
			c.objects.Free(h)
		}
		c.dramTree.Delete(hashed)
		deleted = true
	}

	if _, ok := c.lobjs.Descriptor(hashed); ok {
		c.lobjs.Delete(hashed)
		deleted = true
	}

	if v, ok, err := c.ssdTree.Get(hashed); err == nil && ok {
		c.objects.Free(objstore.Handle(v))
		if _, derr := c.ssdTree.Delete(hashed); derr == nil {
			deleted = true
		}
	}

	if !deleted {
		return ErrNotFound
	}
	return nil
}

// GetStats returns a snapshot of the router's accounting counters.
func (c *Cache) GetStats() Stats { return c.stats.snapshot() }

// ClassStats returns the supplemented per-size-class breakdown.
func (c *Cache) ClassStats() ClassStats { return c.stats.classSnapshot() }

// ResetStats zeroes event counters; memory_used/memory_capacity, being
// live state rather than an event count, are left untouched.
func (c *Cache) ResetStats() { c.stats.reset() }

// LastBackgroundError returns the most recent error swallowed by a
// background thread (the DRAM flusher or the evictor), if any (spec §7
// "Background-flusher errors are logged-and-continue").
func (c *Cache) LastBackgroundError() error {
	if err := c.dramTree.LastBackgroundError(); err != nil {
		return err
	}
	return c.lastEvictErr()
}

// ValidateConsistency walks every tier's structural invariants (spec §8
// properties 3 and 4, SPEC_FULL.md's supplemented validate_consistency)
// and reports whether all of them hold.
func (c *Cache) ValidateConsistency() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ok, err := c.dramTree.Validate(); err != nil || !ok {
		return false
	}
	if ok, err := c.ssdTree.Validate(); err != nil || !ok {
		return false
	}
	if c.alloc.PopCount() != c.alloc.Used() {
		return false
	}
	return true
}

// ExportStats durably snapshots the router's stats and per-class
// breakdown as JSON at path, via the same atomic-rename write the
// teacher's own `internal/fs.Real.WriteFileAtomic` uses for its ticket
// store — a crash mid-write leaves either the old snapshot or the new
// one, never a half-written file.
func (c *Cache) ExportStats(path string) error {
	snapshot := struct {
		Stats      Stats      `json:"stats"`
		ClassStats ClassStats `json:"class_stats"`
	}{
		Stats:      c.GetStats(),
		ClassStats: c.ClassStats(),
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIncompatible, err)
	}
	if err := c.realFS.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrIOError, err)
	}
	return nil
}

// Close flushes all per-leaf buffers, joins the background threads,
// closes the SSD and large-object files, and releases resources (spec §3
// "Shutdown").
func (c *Cache) Close() error {
	c.closedMu.Lock()
	if c.closed {
		c.closedMu.Unlock()
		return nil
	}
	c.closed = true
	c.closedMu.Unlock()

	close(c.shutdown)
	<-c.evictDone

	var errs []error
	if err := c.dramTree.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.ssdTree.FlushAll(); err != nil {
		errs = append(errs, err)
	}
	if err := c.lobjs.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.dev.Close(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// memoryStats implements evict.MemoryStats.
func (c *Cache) memoryStats() (used, capacity int64) {
	s := c.stats.snapshot()
	return s.MemoryUsed, s.MemoryCapacity
}

// evictPage implements evict.EvictFn: it drains a cold DRAM page and
// merges its live entries into the SSD tree (spec §4.M "in a complete
// implementation: serialize the page's contents, merge into an SSD
// super-leaf via the SSD tree").
func (c *Cache) evictPage(id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := c.dramTree.DrainPage(id)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if err := c.ssdTree.Put(e.Key, e.Value); err != nil {
			if errors.Is(err, ssd.ErrBlockAllocExhausted) {
				// Spec §7: block-allocator exhaustion during a split is
				// fatal to the split; surface it through the same
				// ErrOutOfMemory sentinel a foreground PUT would get,
				// not a bare I/O error.
				return fmt.Errorf("%w: %v", ErrOutOfMemory, err)
			}
			return err
		}
	}

	return nil
}

func (c *Cache) onEvicted(freedBytes int) {
	c.stats.recordEviction()
	s := c.stats.snapshot()
	c.stats.setMemory(max64(0, s.MemoryUsed-int64(freedBytes)), s.MemoryCapacity)
}

func (c *Cache) onEvictErr(err error) {
	c.evictErrMu.Lock()
	defer c.evictErrMu.Unlock()
	c.lastEvict = err
}

func (c *Cache) lastEvictErr() error {
	c.evictErrMu.Lock()
	defer c.evictErrMu.Unlock()
	return c.lastEvict
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
