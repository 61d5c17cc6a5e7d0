package ssd

import (
	"fmt"

	"github.com/zipcache-go/zipcache/internal/blockalloc"
	"github.com/zipcache-go/zipcache/internal/blockdev"
	"github.com/zipcache-go/zipcache/internal/hashing"
)

// NumSubPages is N, the fixed number of sub-pages per super-leaf (spec
// §3, §6): 16 sub-pages * 4 KiB = 64 KiB logical capacity.
const NumSubPages = 16

// fullnessRatio is the "≥ 0.9 * N * K" fullness threshold at which an
// insertion that would require a full sub-page instead signals
// ErrSplitRequired (spec §4.E).
const fullnessRatio = 0.9

// invalidBlockID marks a not-yet-allocated sub-page slot (spec §3).
const invalidBlockID = blockalloc.BlockID(^uint32(0))

// SuperLeaf is a logical container of N sub-pages identified by
// independent block IDs, loaded lazily from the block device (spec §3,
// §4.E).
type SuperLeaf struct {
	dev   *blockdev.Device
	alloc *blockalloc.Allocator

	totalEntries int
	blockIDs     [NumSubPages]blockalloc.BlockID
	cached       [NumSubPages]*SubPage
	dirty        [NumSubPages]bool

	next *SuperLeaf
	prev *SuperLeaf
}

// NewSuperLeaf returns an empty super-leaf with no sub-pages allocated
// yet; blocks are allocated lazily on first write (spec §4.E).
func NewSuperLeaf(dev *blockdev.Device, alloc *blockalloc.Allocator) *SuperLeaf {
	sl := &SuperLeaf{dev: dev, alloc: alloc}
	for i := range sl.blockIDs {
		sl.blockIDs[i] = invalidBlockID
	}
	return sl
}

// TotalEntries returns the super-leaf's cached entry count (spec §3
// invariant: equals the sum of entries across allocated sub-pages).
func (s *SuperLeaf) TotalEntries() int { return s.totalEntries }

// Full reports whether the super-leaf has reached its 90% fullness
// threshold (spec §4.E).
func (s *SuperLeaf) Full() bool {
	return float64(s.totalEntries) >= fullnessRatio*float64(NumSubPages*K)
}

// subPageByIndex returns the sub-page at i, allocating a fresh empty page
// (and a block) if none exists yet, otherwise reading it from disk (spec
// §4.E "By index").
func (s *SuperLeaf) subPageByIndex(i int) (*SubPage, error) {
	if s.cached[i] != nil {
		return s.cached[i], nil
	}

	if s.blockIDs[i] == invalidBlockID {
		id, err := s.alloc.Allocate()
		if err != nil {
			return nil, fmt.Errorf("ssd: allocate sub-page block: %w", err)
		}
		s.blockIDs[i] = id
		p := NewSubPage()
		s.cached[i] = p
		s.dirty[i] = true
		return p, nil
	}

	buf := make([]byte, PageSize)
	if err := s.dev.ReadBlock(s.blockIDs[i], buf); err != nil {
		return nil, fmt.Errorf("ssd: read sub-page %d: %w", i, err)
	}

	p, err := Unmarshal(buf)
	if err != nil {
		return nil, err
	}
	s.cached[i] = p
	return p, nil
}

// subPageIndexForKey returns i = hash(key) mod N (spec §4.E "By key
// hash"), so that exactly one 4 KiB read is required per hashed
// operation.
func subPageIndexForKey(key uint32) int {
	return hashing.SubIndex(key, NumSubPages)
}

// Get looks up key via its hashed sub-page.
func (s *SuperLeaf) Get(key uint32) (uint64, error) {
	p, err := s.subPageByIndex(subPageIndexForKey(key))
	if err != nil {
		return 0, err
	}
	v, ok := p.Get(key)
	if !ok {
		return 0, nil
	}
	return v, nil
}

// Has reports whether key is present, distinguishing "absent" from
// "present with zero value".
func (s *SuperLeaf) Has(key uint32) (bool, error) {
	p, err := s.subPageByIndex(subPageIndexForKey(key))
	if err != nil {
		return false, err
	}
	_, ok := p.Get(key)
	return ok, nil
}

// Insert adds (key,value) into key's hashed sub-page. Returns
// ErrSplitRequired if that sub-page is full and key is not already
// present (spec §4.E "Fullness").
func (s *SuperLeaf) Insert(key uint32, value uint64) error {
	i := subPageIndexForKey(key)
	p, err := s.subPageByIndex(i)
	if err != nil {
		return err
	}

	_, existed := p.Get(key)

	// Spec §4.E: "Fullness is defined as total_entries >= 0.9*N*K" at the
	// super-leaf level; once crossed, a new key signals split required
	// pre-emptively rather than waiting for its own sub-page to overflow
	// first (checked next).
	if !existed && s.Full() {
		return ErrSplitRequired
	}

	if p.Full() && !existed {
		return ErrSplitRequired
	}

	before := p.Len()
	if !p.Insert(key, value) {
		return ErrSplitRequired
	}
	if p.Len() != before {
		s.totalEntries++
	}
	s.dirty[i] = true
	return nil
}

// Delete removes key from its hashed sub-page.
func (s *SuperLeaf) Delete(key uint32) (bool, error) {
	i := subPageIndexForKey(key)
	p, err := s.subPageByIndex(i)
	if err != nil {
		return false, err
	}

	if !p.Delete(key) {
		return false, nil
	}

	s.totalEntries--
	s.dirty[i] = true
	return true, nil
}

// FlushDirty writes back every cached sub-page whose dirty flag is set
// and clears the flag (spec §4.E).
func (s *SuperLeaf) FlushDirty() error {
	for i := 0; i < NumSubPages; i++ {
		if !s.dirty[i] || s.cached[i] == nil {
			continue
		}
		if err := s.dev.WriteBlock(s.blockIDs[i], s.cached[i].Marshal()); err != nil {
			return fmt.Errorf("ssd: flush sub-page %d: %w", i, err)
		}
		s.dirty[i] = false
	}
	return nil
}

// Validate checks the §3 invariant that total_entries equals the sum of
// entries across allocated sub-pages, and that every key in an allocated
// sub-page hashes back to that sub-page's index.
func (s *SuperLeaf) Validate() (bool, error) {
	sum := 0
	for i := 0; i < NumSubPages; i++ {
		if s.blockIDs[i] == invalidBlockID {
			continue
		}
		p, err := s.subPageByIndex(i)
		if err != nil {
			return false, err
		}
		sum += p.Len()

		keys, _ := p.All()
		for _, k := range keys {
			if subPageIndexForKey(k) != i {
				return false, nil
			}
		}
	}
	return sum == s.totalEntries, nil
}

// Next returns the super-leaf's right sibling in the linked list, or nil.
func (s *SuperLeaf) Next() *SuperLeaf { return s.next }

// Prev returns the super-leaf's left sibling in the linked list, or nil.
func (s *SuperLeaf) Prev() *SuperLeaf { return s.prev }
