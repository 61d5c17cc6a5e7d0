package zipcache

import "sync"

// Stats is the router's accounting shape (spec §6 "Stats shape").
type Stats struct {
	HitsDRAM uint64
	HitsLO   uint64
	HitsSSD  uint64
	Misses   uint64

	PutsTiny  uint64
	PutsMedium uint64
	PutsLarge uint64

	Evictions  uint64
	Promotions uint64
	Tombstones uint64

	MemoryUsed     int64
	MemoryCapacity int64
}

// ClassStats is the supplemented per-size-class breakdown (SPEC_FULL.md
// §4 "Per-tier hit/miss and promotion counters broken out by size
// class"), grounded in the source's comprehensive test suite asserting on
// puts_tiny/medium/large independently.
type ClassStats struct {
	Tiny   ClassCounters
	Medium ClassCounters
	Large  ClassCounters
}

// ClassCounters holds put/hit/promotion counts for one size class.
type ClassCounters struct {
	Puts       uint64
	HitsDRAM   uint64
	Promotions uint64
}

// statsBox is the statistics mutex spec §5 requires ("a separate mutex
// for statistics"), kept independent of the cache-wide lock so GetStats
// never blocks behind an in-flight PUT/GET.
type statsBox struct {
	mu    sync.Mutex
	s     Stats
	class ClassStats
}

func (b *statsBox) snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.s
}

func (b *statsBox) classSnapshot() ClassStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.class
}

// reset zeroes the event counters but preserves memory_used/memory_capacity,
// which reflect live state rather than an event count (SPEC_FULL.md §4,
// grounded in zipcache_reset_stats).
func (b *statsBox) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	used, capacity := b.s.MemoryUsed, b.s.MemoryCapacity
	b.s = Stats{MemoryUsed: used, MemoryCapacity: capacity}
	b.class = ClassStats{}
}

func (b *statsBox) recordHitDRAM(class Class) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.s.HitsDRAM++
	b.classCounters(class).HitsDRAM++
}

func (b *statsBox) recordHitLO() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.s.HitsLO++
}

func (b *statsBox) recordHitSSD() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.s.HitsSSD++
}

func (b *statsBox) recordMiss() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.s.Misses++
}

func (b *statsBox) recordPut(class Class) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch class {
	case ClassTiny:
		b.s.PutsTiny++
	case ClassMedium:
		b.s.PutsMedium++
	case ClassLarge:
		b.s.PutsLarge++
	}
	b.classCounters(class).Puts++
}

func (b *statsBox) recordEviction() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.s.Evictions++
}

func (b *statsBox) recordPromotion(class Class) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.s.Promotions++
	b.classCounters(class).Promotions++
}

func (b *statsBox) recordTombstone() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.s.Tombstones++
}

func (b *statsBox) setMemory(used, capacity int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.s.MemoryUsed, b.s.MemoryCapacity = used, capacity
}

// addMemory adjusts memory_used by delta (positive on new/grown objects,
// negative on freed/shrunk ones), clamped at zero.
func (b *statsBox) addMemory(delta int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.s.MemoryUsed += delta
	if b.s.MemoryUsed < 0 {
		b.s.MemoryUsed = 0
	}
}

// classCounters returns the ClassCounters bucket for class. Caller holds
// b.mu. Large objects promoted into the DRAM tree still count toward
// Large's Promotions bucket, matching the class of the underlying object
// rather than its current tier.
func (b *statsBox) classCounters(class Class) *ClassCounters {
	switch class {
	case ClassTiny:
		return &b.class.Tiny
	case ClassMedium:
		return &b.class.Medium
	default:
		return &b.class.Large
	}
}
