package dram

import "sync"

// BufferOp identifies the kind of buffered mutation (spec §3).
type BufferOp int

const (
	OpInsert BufferOp = iota
	OpUpdate
	OpDelete
)

// bufferRecord is one pending mutation against a leaf.
type bufferRecord[V comparable] struct {
	key   uint32
	value V
	op    BufferOp
}

// writeBuffer is a per-leaf bounded buffer of pending mutations (spec §3,
// §4.I). At most one record per key: later writes overwrite earlier ones
// in place rather than appending, which is what gives "latest write wins"
// within a leaf without ever growing past MaxBufferEntries.
type writeBuffer[V comparable] struct {
	mu      sync.Mutex
	records []bufferRecord[V]
	index   map[uint32]int // key -> index into records
	dirty   bool
}

func newWriteBuffer[V comparable]() *writeBuffer[V] {
	return &writeBuffer[V]{index: make(map[uint32]int)}
}

// add records a pending mutation, deduplicating by key. Returns true if
// the buffer has reached flushThreshold entries and should be flushed.
func (b *writeBuffer[V]) add(key uint32, val V, op BufferOp, flushThreshold int) (needsFlush bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if i, ok := b.index[key]; ok {
		b.records[i] = bufferRecord[V]{key: key, value: val, op: op}
	} else {
		b.index[key] = len(b.records)
		b.records = append(b.records, bufferRecord[V]{key: key, value: val, op: op})
	}

	b.dirty = true

	return len(b.records) >= flushThreshold
}

// full reports whether the buffer has reached MaxBufferEntries, the hard
// cap past which a synchronous flush is forced before the triggering PUT
// can proceed (spec §8 boundary behavior).
func (b *writeBuffer[V]) full() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.records) >= MaxBufferEntries
}

// len reports the current number of buffered records.
func (b *writeBuffer[V]) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.records)
}

// peek returns the buffered record for key, if one exists. The second
// result reports whether any record exists; the third reports whether it
// is a pending delete (in which case value is meaningless). Used by
// CompressedTree.Get to consult not-yet-flushed writes without a full
// decompress (spec §9 open question).
func (b *writeBuffer[V]) peek(key uint32) (value V, found bool, deleted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	i, ok := b.index[key]
	if !ok {
		var zero V
		return zero, false, false
	}

	rec := b.records[i]
	return rec.value, true, rec.op == OpDelete
}

// drain removes and returns all buffered records in arrival order, and
// clears the dirty flag. Used by flush_buffer_to_leaf (spec §4.I step 5).
func (b *writeBuffer[V]) drain() []bufferRecord[V] {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.records
	b.records = nil
	b.index = make(map[uint32]int)
	b.dirty = false

	return out
}
