// Package lobj implements the large-object store (spec §4.K): an
// in-memory key -> descriptor index backed by the shared DRAM B+tree
// engine, plus an append-only writer to a block-aligned storage file.
package lobj

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/zipcache-go/zipcache/internal/blockalloc"
	"github.com/zipcache-go/zipcache/internal/dram"
	"github.com/zipcache-go/zipcache/internal/fs"
	"github.com/zipcache-go/zipcache/internal/hashing"
)

// ErrNotFound is returned by Get and Delete for an absent key.
var ErrNotFound = errors.New("lobj: not found")

// ErrChecksumMismatch is returned by Get when the bytes on disk no longer
// match the descriptor's checksum (spec §7: "fatal to the GET").
var ErrChecksumMismatch = errors.New("lobj: checksum mismatch")

// Descriptor identifies a large object on disk (spec §3). lba is a byte
// offset into the storage file; size is the logical payload size, whose
// on-disk footprint is rounded up to a 4 KiB multiple and zero-padded.
type Descriptor struct {
	LBA       uint64
	Size      uint32
	Checksum  uint32
	Timestamp uint64
}

// Store is the large-object index plus its append-only backing file.
type Store struct {
	index *dram.Tree[Descriptor]

	mu           sync.Mutex // guards appendOffset and file writes (spec §5)
	file         fs.File
	lock         *fs.Lock
	appendOffset int64

	now func() uint64 // injectable for deterministic tests
}

// Open opens (creating if necessary) the append-only storage file at
// path and returns an empty Store over it.
//
// Open also takes a non-blocking advisory lock on a dedicated path+".lock"
// file (spec §5's shared-resource policy: the large-object store's append
// log has one writer), the same way [blockdev.Open] locks the SSD block
// device file. The lock targets a sibling path rather than the storage
// file itself, since flock on two separately-opened descriptors of the
// same file within one process would otherwise contend with itself.
func Open(filesystem fs.FS, path string) (*Store, error) {
	f, err := filesystem.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lobj: open %q: %w", path, err)
	}

	lock, err := fs.NewLocker(filesystem).TryLock(path + ".lock")
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lobj: lock %q: %w", path, err)
	}

	return &Store{
		index: dram.New[Descriptor](),
		file:  f,
		lock:  lock,
		now:   func() uint64 { return uint64(time.Now().UnixNano()) },
	}, nil
}

// Put writes payload to the append cursor, zero-padded to a 4 KiB
// multiple, fsyncs, and indexes a descriptor for key (spec §4.K "Write
// path").
func (s *Store) Put(key uint32, payload []byte) (Descriptor, error) {
	padded := roundUp4K(len(payload))
	buf := hashing.AlignedBuffer(padded, blockalloc.BlockSize)
	copy(buf, payload)
	// buf's tail beyond len(payload) is already zero (freshly allocated).

	s.mu.Lock()
	off := s.appendOffset

	if _, err := s.file.WriteAt(buf, off); err != nil {
		s.mu.Unlock()
		return Descriptor{}, fmt.Errorf("lobj: write at %d: %w", off, err)
	}
	if err := s.file.Sync(); err != nil {
		s.mu.Unlock()
		return Descriptor{}, fmt.Errorf("lobj: fsync: %w", err)
	}
	s.appendOffset += int64(padded)
	s.mu.Unlock()

	desc := Descriptor{
		LBA:       uint64(off),
		Size:      uint32(len(payload)),
		Checksum:  hashing.Checksum(payload),
		Timestamp: s.now(),
	}

	s.index.Put(key, desc)
	return desc, nil
}

// Get reads, verifies, and returns the payload for key. A checksum
// mismatch is fatal (ErrChecksumMismatch): the router does not fall
// through to the SSD tier on corruption (spec §4.L, §7).
func (s *Store) Get(key uint32) ([]byte, error) {
	desc, ok := s.index.Get(key)
	if !ok {
		return nil, ErrNotFound
	}

	buf := make([]byte, desc.Size)
	n, err := s.file.ReadAt(buf, int64(desc.LBA))
	if err != nil {
		return nil, fmt.Errorf("lobj: read at %d: %w", desc.LBA, err)
	}
	if uint32(n) != desc.Size {
		return nil, fmt.Errorf("lobj: short read at %d: got %d bytes, want %d", desc.LBA, n, desc.Size)
	}

	if hashing.Checksum(buf) != desc.Checksum {
		return nil, ErrChecksumMismatch
	}

	return buf, nil
}

// Descriptor returns the descriptor for key without reading the payload.
func (s *Store) Descriptor(key uint32) (Descriptor, bool) {
	return s.index.Get(key)
}

// Delete removes key from the index. The byte range on disk is not
// reclaimed (spec §4.K "Delete path": "garbage collection of the append
// log is out of scope").
func (s *Store) Delete(key uint32) bool {
	return s.index.Delete(key)
}

// Close syncs and closes the storage file, and releases the advisory
// lock taken in Open.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	syncErr := s.file.Sync()
	closeErr := s.file.Close()
	lockErr := s.lock.Close()

	if syncErr != nil {
		return fmt.Errorf("lobj: sync on close: %w", syncErr)
	}
	if closeErr != nil {
		return fmt.Errorf("lobj: close: %w", closeErr)
	}
	if lockErr != nil {
		return fmt.Errorf("lobj: unlock on close: %w", lockErr)
	}
	return nil
}

func roundUp4K(n int) int {
	const blk = blockalloc.BlockSize
	return (n + blk - 1) / blk * blk
}
