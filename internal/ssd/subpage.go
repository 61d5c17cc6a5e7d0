// Package ssd implements the SSD-tier B+tree (spec §4.F): non-contiguous
// 4 KiB "super-leaf" pages, hashed sub-page addressing, and parallel-I/O
// super-leaf splitting, backed by the block allocator and block device
// file.
package ssd

import (
	"encoding/binary"

	"github.com/zipcache-go/zipcache/internal/blockalloc"
)

// PageSize is the fixed on-disk and in-memory size of a sub-page (spec §3,
// §6).
const PageSize = blockalloc.BlockSize

// subPageHeaderSize is {entries uint32, nextSubPage uint32, pad [8]byte},
// a bitwise memory image matching the sub-page's on-disk layout (spec §3:
// "serializing the page is a bitwise memory image of the in-memory
// struct").
const subPageHeaderSize = 16

// entrySize is sizeof(key) + sizeof(value): a uint32 key and a uint64
// value.
const entrySize = 4 + 8

// K is the maximum number of (key,value) entries a sub-page can hold
// (spec §3: "K = (4096 - sizeof(header)) / (sizeof(key)+sizeof(value))").
const K = (PageSize - subPageHeaderSize) / entrySize

// invalidNext marks "no next sub-page in this super-leaf's hash bucket
// chain" (sub-pages within a super-leaf are otherwise independent; this
// field exists for format symmetry with the header's bitwise-image
// contract and is reserved for a future overflow-chaining extension).
const invalidNext = ^uint32(0)

// SubPage is a fixed 4 KiB page holding a sorted (key,value) array and a
// small header (spec §3). Entries are sorted by key; unused key/value
// slots are zero.
type SubPage struct {
	entries    uint32
	nextSubPage uint32
	keys       [K]uint32
	values     [K]uint64
}

// NewSubPage returns an empty sub-page.
func NewSubPage() *SubPage {
	return &SubPage{nextSubPage: invalidNext}
}

// Len returns the number of live entries.
func (p *SubPage) Len() int { return int(p.entries) }

// Full reports whether the sub-page has no room for another entry.
func (p *SubPage) Full() bool { return int(p.entries) >= K }

// Search returns the index of key if present, and whether it was found.
func (p *SubPage) Search(key uint32) (int, bool) {
	lo, hi := 0, int(p.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if p.keys[mid] == key {
			return mid, true
		}
		if p.keys[mid] < key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, false
}

// Get returns the value for key, if present.
func (p *SubPage) Get(key uint32) (uint64, bool) {
	i, found := p.Search(key)
	if !found {
		return 0, false
	}
	return p.values[i], true
}

// Insert adds (key,value), shifting entries right to keep the array
// sorted. Returns false if the page is full and key is not already
// present (spec §4.D: "split required" is signaled by the caller checking
// Full before calling Insert).
func (p *SubPage) Insert(key uint32, value uint64) bool {
	i, found := p.Search(key)
	if found {
		p.values[i] = value
		return true
	}
	if p.Full() {
		return false
	}

	copy(p.keys[i+1:p.entries+1], p.keys[i:p.entries])
	copy(p.values[i+1:p.entries+1], p.values[i:p.entries])
	p.keys[i] = key
	p.values[i] = value
	p.entries++
	return true
}

// Update overwrites the value for an existing key. Returns false if key is
// absent.
func (p *SubPage) Update(key uint32, value uint64) bool {
	i, found := p.Search(key)
	if !found {
		return false
	}
	p.values[i] = value
	return true
}

// Delete removes key, shifting entries left. Returns false if key is
// absent.
func (p *SubPage) Delete(key uint32) bool {
	i, found := p.Search(key)
	if !found {
		return false
	}

	copy(p.keys[i:p.entries-1], p.keys[i+1:p.entries])
	copy(p.values[i:p.entries-1], p.values[i+1:p.entries])
	p.entries--
	p.keys[p.entries] = 0
	p.values[p.entries] = 0
	return true
}

// All returns every (key,value) pair in sorted order, used by the
// super-leaf split's logical-split phase (spec §4.F).
func (p *SubPage) All() (keys []uint32, values []uint64) {
	return append([]uint32(nil), p.keys[:p.entries]...), append([]uint64(nil), p.values[:p.entries]...)
}

// PrepareForCompression zeros every unused key/value slot so the
// serialized image is dense where used and zero where unused,
// which is what lets the device's transparent compression shrink the page
// (spec §4.D).
func (p *SubPage) PrepareForCompression() {
	for i := int(p.entries); i < K; i++ {
		p.keys[i] = 0
		p.values[i] = 0
	}
}

// Marshal serializes the page into a PageSize-byte buffer, a bitwise copy
// of the in-memory layout (spec §3).
func (p *SubPage) Marshal() []byte {
	p.PrepareForCompression()

	buf := make([]byte, PageSize)
	binary.LittleEndian.PutUint32(buf[0:4], p.entries)
	binary.LittleEndian.PutUint32(buf[4:8], p.nextSubPage)
	// buf[8:16] is the header pad, left zero.

	off := subPageHeaderSize
	for i := 0; i < K; i++ {
		binary.LittleEndian.PutUint32(buf[off:off+4], p.keys[i])
		off += 4
	}
	for i := 0; i < K; i++ {
		binary.LittleEndian.PutUint64(buf[off:off+8], p.values[i])
		off += 8
	}

	return buf
}

// Unmarshal deserializes a PageSize-byte buffer into a SubPage.
func Unmarshal(buf []byte) (*SubPage, error) {
	if len(buf) != PageSize {
		return nil, errShortPage(len(buf))
	}

	p := &SubPage{}
	p.entries = binary.LittleEndian.Uint32(buf[0:4])
	p.nextSubPage = binary.LittleEndian.Uint32(buf[4:8])

	off := subPageHeaderSize
	for i := 0; i < K; i++ {
		p.keys[i] = binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4
	}
	for i := 0; i < K; i++ {
		p.values[i] = binary.LittleEndian.Uint64(buf[off : off+8])
		off += 8
	}

	return p, nil
}
