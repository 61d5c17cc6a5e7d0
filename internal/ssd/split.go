package ssd

import (
	"errors"
	"fmt"
	"sort"

	"github.com/zipcache-go/zipcache/internal/blockalloc"
)

// pair is a (key,value) entry collected during a super-leaf split.
type pair struct {
	key   uint32
	value uint64
}

// Split implements the three-phase super-leaf split algorithm (spec
// §4.F): parallel read of every materialized sub-page, a logical split
// around the median key, and a write phase that allocates fresh blocks
// for the new right super-leaf and flushes both sides.
//
// Pairs with key < median stay in left; key >= median (inclusive — spec's
// tie-break sends the median itself right) move to the new right
// super-leaf. The returned median key and right super-leaf are inserted
// into the parent by the caller (the SSD tree).
func Split(left *SuperLeaf) (medianKey uint32, right *SuperLeaf, err error) {
	pairs, err := readAllPairs(left)
	if err != nil {
		return 0, nil, err
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })

	mid := len(pairs) / 2
	medianKey = pairs[mid].key

	right = NewSuperLeaf(left.dev, left.alloc)

	// Logical split phase: clear both sides' caches and re-hash every
	// pair into its target super-leaf's hashed sub-page (spec §4.F step
	// 2).
	for i := range left.cached {
		left.cached[i] = nil
		left.blockIDs[i] = invalidBlockID
		left.dirty[i] = false
	}
	left.totalEntries = 0

	for _, p := range pairs {
		target := left
		if p.key >= medianKey {
			target = right
		}
		if err := insertForSplit(target, p.key, p.value); err != nil {
			if errors.Is(err, blockalloc.ErrFull) {
				// Spec §7: block-allocator exhaustion during a split is
				// fatal to the split itself; surface the dedicated
				// sentinel so the tree (and in turn the router) can tell
				// this apart from an ordinary re-hash failure and return
				// ERROR rather than retrying.
				return 0, nil, fmt.Errorf("ssd: split re-hash: %w: %v", ErrBlockAllocExhausted, err)
			}
			return 0, nil, fmt.Errorf("ssd: split re-hash: %w", err)
		}
	}

	// Write phase: flush every dirty sub-page on both sides (fresh blocks
	// for right's newly populated pages are allocated lazily inside
	// insertForSplit, via the same subPageByIndex path normal inserts
	// use).
	if err := left.FlushDirty(); err != nil {
		return 0, nil, err
	}
	if err := right.FlushDirty(); err != nil {
		return 0, nil, err
	}

	// Linked-list maintenance.
	right.next = left.next
	right.prev = left
	if right.next != nil {
		right.next.prev = right
	}
	left.next = right

	return medianKey, right, nil
}

// readAllPairs loads every currently materialized sub-page of s —
// fetching any not-yet-cached-but-allocated ones with a single
// [blockdev.Device.ReadBlocks] parallel gather — and flattens them into a
// single pair slice (spec §4.F step 1: "Load all currently materialized
// sub-pages in parallel... must not serialize the reads"). Non-allocated
// slots contribute nothing.
func readAllPairs(s *SuperLeaf) ([]pair, error) {
	var toRead []int
	for i := 0; i < NumSubPages; i++ {
		if s.cached[i] == nil && s.blockIDs[i] != invalidBlockID {
			toRead = append(toRead, i)
		}
	}

	if len(toRead) > 0 {
		ids := make([]blockalloc.BlockID, len(toRead))
		bufs := make([][]byte, len(toRead))
		for j, i := range toRead {
			ids[j] = s.blockIDs[i]
			bufs[j] = make([]byte, PageSize)
		}

		if err := s.dev.ReadBlocks(ids, bufs); err != nil {
			return nil, fmt.Errorf("ssd: split read sub-pages: %w", err)
		}

		for j, i := range toRead {
			p, err := Unmarshal(bufs[j])
			if err != nil {
				return nil, fmt.Errorf("ssd: split unmarshal sub-page %d: %w", i, err)
			}
			s.cached[i] = p
		}
	}

	var pairs []pair
	for i := 0; i < NumSubPages; i++ {
		if s.cached[i] == nil {
			continue
		}
		keys, values := s.cached[i].All()
		for j := range keys {
			pairs = append(pairs, pair{key: keys[j], value: values[j]})
		}
	}

	return pairs, nil
}

// insertForSplit inserts (key,value) into target's hashed sub-page,
// allocating the page (and its block) on first use, without the Full/
// ErrSplitRequired checks normal Insert applies — a freshly split
// super-leaf's sub-page buckets are assumed not to individually overflow
// at the scale the core targets.
func insertForSplit(target *SuperLeaf, key uint32, value uint64) error {
	i := subPageIndexForKey(key)
	p, err := target.subPageByIndex(i)
	if err != nil {
		return err
	}
	if !p.Insert(key, value) {
		return fmt.Errorf("ssd: sub-page %d overflowed during split (K=%d)", i, K)
	}
	target.totalEntries++
	target.dirty[i] = true
	return nil
}
