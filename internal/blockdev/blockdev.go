// Package blockdev implements the SSD block device file: a random-access
// file sized to totalBlocks * blockalloc.BlockSize, supporting concurrent
// positioned 4 KiB reads and writes.
//
// Positioned I/O goes through [fs.File.ReadAt]/[fs.File.WriteAt], which are
// safe for concurrent use by multiple goroutines sharing the same handle
// (unlike Read/Write/Seek, which share a file offset). This is what lets
// the super-leaf split algorithm issue its phase-1 reads in parallel
// without serializing on the device.
package blockdev

import (
	"fmt"
	"os"

	"github.com/zipcache-go/zipcache/internal/blockalloc"
	"github.com/zipcache-go/zipcache/internal/fs"
)

// Device is the SSD-tier block device file.
type Device struct {
	f           fs.File
	lock        *fs.Lock
	totalBlocks uint32
}

// Open opens (creating if necessary) the block device file at path and
// truncates it up to totalBlocks * BlockSize if it is currently shorter.
// The file is never truncated down: reopening a larger device preserves
// existing data.
//
// Open also takes a non-blocking advisory lock on a dedicated path+".lock"
// file via [fs.Locker], so two Cache instances can't share one SSD file
// out from under each other's in-memory block allocator (spec §5's
// "shared-resource policy": the block device is mutated only by the SSD
// tree, and only one tree instance may own it at a time). The lock is
// taken on a sibling path rather than the data file itself, since flock
// on two separately-opened descriptors of the same file within one
// process would otherwise contend with itself.
func Open(filesystem fs.FS, path string, totalBlocks uint32) (*Device, error) {
	f, err := filesystem.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open %q: %w", path, err)
	}

	lock, err := fs.NewLocker(filesystem).TryLock(path + ".lock")
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("blockdev: lock %q: %w", path, err)
	}

	wantSize := int64(totalBlocks) * blockalloc.BlockSize

	info, err := f.Stat()
	if err != nil {
		_ = lock.Close()
		_ = f.Close()
		return nil, fmt.Errorf("blockdev: stat %q: %w", path, err)
	}

	if info.Size() < wantSize {
		if err := f.Truncate(wantSize); err != nil {
			_ = lock.Close()
			_ = f.Close()
			return nil, fmt.Errorf("blockdev: resize %q to %d bytes: %w", path, wantSize, err)
		}
	}

	return &Device{f: f, lock: lock, totalBlocks: totalBlocks}, nil
}

// ReadBlock reads exactly one BlockSize-byte block at id into buf. buf must
// be exactly BlockSize bytes. A short read is an IO error, never a partial
// result — spec requires reads to return exactly 4 KiB or fail outright.
func (d *Device) ReadBlock(id blockalloc.BlockID, buf []byte) error {
	if len(buf) != blockalloc.BlockSize {
		return fmt.Errorf("blockdev: ReadBlock buffer must be %d bytes, got %d", blockalloc.BlockSize, len(buf))
	}

	off := int64(id) * blockalloc.BlockSize

	n, err := d.f.ReadAt(buf, off)
	if err != nil {
		return fmt.Errorf("blockdev: read block %d: %w", id, err)
	}
	if n != blockalloc.BlockSize {
		return fmt.Errorf("blockdev: short read on block %d: got %d bytes, want %d", id, n, blockalloc.BlockSize)
	}

	return nil
}

// WriteBlock writes exactly one BlockSize-byte block at id. buf must be
// exactly BlockSize bytes.
func (d *Device) WriteBlock(id blockalloc.BlockID, buf []byte) error {
	if len(buf) != blockalloc.BlockSize {
		return fmt.Errorf("blockdev: WriteBlock buffer must be %d bytes, got %d", blockalloc.BlockSize, len(buf))
	}

	off := int64(id) * blockalloc.BlockSize

	n, err := d.f.WriteAt(buf, off)
	if err != nil {
		return fmt.Errorf("blockdev: write block %d: %w", id, err)
	}
	if n != blockalloc.BlockSize {
		return fmt.Errorf("blockdev: short write on block %d: wrote %d bytes, want %d", id, n, blockalloc.BlockSize)
	}

	return nil
}

// ReadBlocks reads len(ids) blocks in parallel, one goroutine per block,
// used by the super-leaf split algorithm's parallel materialization phase.
// Returns the first error encountered, if any; all reads are still attempted.
func (d *Device) ReadBlocks(ids []blockalloc.BlockID, bufs [][]byte) error {
	if len(ids) != len(bufs) {
		return fmt.Errorf("blockdev: ReadBlocks ids/bufs length mismatch: %d vs %d", len(ids), len(bufs))
	}

	errs := make([]error, len(ids))
	done := make(chan int, len(ids))

	for i := range ids {
		go func(i int) {
			errs[i] = d.ReadBlock(ids[i], bufs[i])
			done <- i
		}(i)
	}

	for range ids {
		<-done
	}

	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	return nil
}

// TotalBlocks returns the number of fixed-size blocks the device was
// opened with.
func (d *Device) TotalBlocks() uint32 { return d.totalBlocks }

// Close flushes and closes the underlying file, and releases the advisory
// lock taken in Open.
func (d *Device) Close() error {
	syncErr := d.f.Sync()
	closeErr := d.f.Close()
	lockErr := d.lock.Close()

	if syncErr != nil {
		return fmt.Errorf("blockdev: sync on close: %w", syncErr)
	}
	if closeErr != nil {
		return fmt.Errorf("blockdev: close: %w", closeErr)
	}
	if lockErr != nil {
		return fmt.Errorf("blockdev: unlock on close: %w", lockErr)
	}

	return nil
}
