// Package hashing provides the key-hash and payload-checksum primitives
// shared by every tier of the cache.
//
// Key hashing is FNV-1a, 32-bit, matching spec: stable across a process
// lifetime and cheap enough to run on every router dispatch. Large-object
// payload integrity uses xxhash64 truncated to 32 bits — a distinct
// purpose from key hashing, so a distinct algorithm is used even though
// both ultimately produce a uint32.
package hashing

import (
	"hash/fnv"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// KeyHash returns the FNV-1a 32-bit hash of key, used for sub-page routing
// and large-object index lookups.
func KeyHash(key []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(key) // hash.Hash32.Write never returns an error
	return h.Sum32()
}

// Checksum returns a stable integrity checksum for a large-object payload.
// It is verified on every read; a mismatch is a fatal IO error, never a
// silent fallthrough to another tier.
func Checksum(payload []byte) uint32 {
	return uint32(xxhash.Sum64(payload))
}

// SubIndex mixes an already-hashed uint32 key down to a bucket index in
// [0,n): used wherever a hashed layout routes a key to one of n sub-pages
// (spec's "i = hash(key) mod N" for the SSD super-leaf, and the DRAM
// compressed leaf's hashed sub-page partitioning). A second hash pass
// (rather than a bare key%n) avoids correlating bucket assignment with
// whatever low-bit structure the router's own key hash happens to have.
func SubIndex(key uint32, n int) int {
	if n <= 0 {
		return 0
	}
	var b [4]byte
	b[0] = byte(key)
	b[1] = byte(key >> 8)
	b[2] = byte(key >> 16)
	b[3] = byte(key >> 24)
	return int(KeyHash(b[:]) % uint32(n))
}

// AlignedBuffer allocates a byte slice whose backing array starts at an
// address that is a multiple of align, by over-allocating and slicing.
// Used for large-object and block-device I/O buffers, which the
// underlying platform's direct-I/O path may require to be aligned.
func AlignedBuffer(size, align int) []byte {
	if align <= 0 || align&(align-1) != 0 {
		panic("hashing: align must be a power of two")
	}

	buf := make([]byte, size+align)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	offset := (align - int(addr%uintptr(align))) % align

	return buf[offset : offset+size : offset+size]
}
