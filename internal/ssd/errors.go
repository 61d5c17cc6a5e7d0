package ssd

import (
	"errors"
	"fmt"
)

// ErrSplitRequired is returned by a super-leaf when an insertion would
// require a full sub-page (spec §4.E "Fullness"); the SSD tree catches it
// and runs the super-leaf split algorithm.
var ErrSplitRequired = errors.New("ssd: split required")

// ErrBlockAllocExhausted is the fatal error a super-leaf split surfaces
// when the block allocator has no more blocks to give the new right
// super-leaf (spec §7: "fatal to the split").
var ErrBlockAllocExhausted = errors.New("ssd: block allocator exhausted during split")

func errShortPage(n int) error {
	return fmt.Errorf("ssd: sub-page buffer must be %d bytes, got %d", PageSize, n)
}
