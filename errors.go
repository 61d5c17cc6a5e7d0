package zipcache

import "errors"

// Error classification codes.
//
// Implementations MAY wrap these errors with additional context.
// Tests and callers MUST classify errors using errors.Is.
var (
	// ErrCorrupt indicates a checksum or internal-consistency violation
	// (rebuild-class): a large object's bytes no longer match its
	// descriptor's checksum, or validate_consistency found a broken
	// invariant.
	ErrCorrupt = errors.New("zipcache: corrupt")
	// ErrIncompatible indicates a config validation failure
	// (rebuild-class), e.g. a non-positive DRAMCapacityBytes or an
	// unparsable config file. Threshold violations are ErrInvalidSize.
	ErrIncompatible = errors.New("zipcache: incompatible")
	// ErrIOError wraps a short read/write or fsync failure (rebuild-class).
	ErrIOError = errors.New("zipcache: io error")
	// ErrOutOfMemory indicates block-allocator or aligned-allocation
	// exhaustion (rebuild-class).
	ErrOutOfMemory = errors.New("zipcache: out of memory")

	// ErrNotFound indicates the key is absent from every tier (operational).
	ErrNotFound = errors.New("zipcache: not found")
	// ErrTombstone is surfaced only by low-level per-tier probes; the
	// router converts it into "continue search" and never returns it to a
	// caller (operational, internal-only).
	ErrTombstone = errors.New("zipcache: tombstone")
	// ErrInvalidSize indicates a zero-length value, an oversized key, or
	// thresholds that violate 0 < tiny_max < medium_max (operational).
	ErrInvalidSize = errors.New("zipcache: invalid size")
	// ErrClosed indicates an operation on a Cache that has already shut
	// down (operational).
	ErrClosed = errors.New("zipcache: closed")
	// ErrFull indicates block-allocator exhaustion during a super-leaf
	// split (operational).
	ErrFull = errors.New("zipcache: full")
)

// ResultCode mirrors spec §6's C-style numeric result contract for callers
// that want it alongside idiomatic error returns.
type ResultCode int

const (
	ResultOK          ResultCode = 0
	ResultError       ResultCode = -1
	ResultNotFound    ResultCode = -2
	ResultOutOfMemory ResultCode = -3
	ResultInvalidSize ResultCode = -4
	ResultIOError     ResultCode = -5
	ResultTombstone   ResultCode = -6
)

// ResultFor maps err (as classified by the sentinels above) to its
// ResultCode. A nil error maps to ResultOK.
func ResultFor(err error) ResultCode {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, ErrNotFound):
		return ResultNotFound
	case errors.Is(err, ErrOutOfMemory), errors.Is(err, ErrFull):
		return ResultOutOfMemory
	case errors.Is(err, ErrInvalidSize), errors.Is(err, ErrIncompatible):
		return ResultInvalidSize
	case errors.Is(err, ErrIOError), errors.Is(err, ErrCorrupt):
		return ResultIOError
	case errors.Is(err, ErrTombstone):
		return ResultTombstone
	default:
		return ResultError
	}
}
