// Package blockalloc implements a bitmap allocator over fixed-size 4 KiB
// blocks on the SSD block device file.
//
// The allocator has no internal synchronization; callers (the SSD tree and
// its owning router) serialize access the same way the teacher's
// pkg/slotcache leaves locking to the caller rather than the primitive.
package blockalloc

import (
	"errors"
	"math/bits"
)

// ErrFull is returned by Allocate and AllocateMany when no more blocks are
// available.
var ErrFull = errors.New("blockalloc: no free blocks")

// BlockID identifies a fixed-size block by index. Byte offset on the device
// is BlockID * BlockSize.
type BlockID uint32

// BlockSize is the fixed block size in bytes, matching the SSD sub-page size.
const BlockSize = 4096

// Allocator is a bitmap allocator over a fixed universe of block IDs.
type Allocator struct {
	bits  []uint64
	total uint32
	used  uint32
	hint  uint32
}

// New creates an Allocator over totalBlocks block IDs, all initially free.
func New(totalBlocks uint32) *Allocator {
	return &Allocator{
		bits:  make([]uint64, (totalBlocks+63)/64),
		total: totalBlocks,
	}
}

// Total returns the total number of blocks in the universe.
func (a *Allocator) Total() uint32 { return a.total }

// Used returns the number of currently allocated blocks.
func (a *Allocator) Used() uint32 { return a.used }

// Allocate returns the first free block, scanning from the rolling hint and
// wrapping around. It returns ErrFull iff every block is allocated.
func (a *Allocator) Allocate() (BlockID, error) {
	if a.used >= a.total {
		return 0, ErrFull
	}

	start := a.hint
	for i := uint32(0); i < a.total; i++ {
		idx := (start + i) % a.total
		if !a.isSet(idx) {
			a.set(idx)
			a.used++
			a.hint = (idx + 1) % a.total
			return BlockID(idx), nil
		}
	}

	return 0, ErrFull
}

// AllocateMany allocates n blocks, appending them to out. On partial
// failure (fewer than n blocks free), it rolls back every block allocated
// during this call and returns ErrFull; out is left unmodified on error.
func (a *Allocator) AllocateMany(n int, out []BlockID) ([]BlockID, error) {
	if n == 0 {
		return out, nil
	}

	allocated := make([]BlockID, 0, n)
	for i := 0; i < n; i++ {
		id, err := a.Allocate()
		if err != nil {
			for _, rollback := range allocated {
				a.free(rollback)
			}
			return out, ErrFull
		}
		allocated = append(allocated, id)
	}

	return append(out, allocated...), nil
}

// Free releases id. Freeing an already-free block is a no-op.
func (a *Allocator) Free(id BlockID) {
	a.free(id)
}

// FreeMany releases every id in ids. Double-frees among them are no-ops.
func (a *Allocator) FreeMany(ids []BlockID) {
	for _, id := range ids {
		a.free(id)
	}
}

func (a *Allocator) free(id BlockID) {
	idx := uint32(id)
	if idx >= a.total {
		return
	}
	if !a.isSet(idx) {
		return
	}
	a.clear(idx)
	a.used--
}

func (a *Allocator) isSet(idx uint32) bool {
	word := a.bits[idx/64]
	return word&(uint64(1)<<(idx%64)) != 0
}

func (a *Allocator) set(idx uint32) {
	a.bits[idx/64] |= uint64(1) << (idx % 64)
}

func (a *Allocator) clear(idx uint32) {
	a.bits[idx/64] &^= uint64(1) << (idx % 64)
}

// PopCount returns the number of set bits across the bitmap, used by
// validate_consistency to cross-check the cached Used() counter.
func (a *Allocator) PopCount() uint32 {
	var n uint32
	for _, w := range a.bits {
		n += uint32(bits.OnesCount64(w))
	}
	return n
}
