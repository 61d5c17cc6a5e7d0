package dram

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/zipcache-go/zipcache/internal/codec"
	"github.com/zipcache-go/zipcache/internal/hashing"
)

// TombstoneValue is the reserved sentinel meaning "any previous mapping for
// this key is invalid; continue the search to later tiers" (spec §3). It
// is never a value a router caller can legitimately store: the router's
// side store hands out handles starting at 1, reserving 0 (and this
// sentinel) the way the source reserves 0 as its "deleted" marker (spec
// §4.G, §9 "Tombstone sentinel").
const TombstoneValue uint64 = ^uint64(0)

// Config bundles the construction-time knobs for a CompressedTree (spec §6
// DRAM-tree defaults).
type Config struct {
	Algo            codec.Algo
	SubPages        int
	FlushThreshold  int
	LazyCompression bool
}

// DefaultConfig returns the spec §6 DRAM-tree defaults: fast codec, 16
// sub-pages per leaf, flush threshold 28, lazy compression enabled.
func DefaultConfig() Config {
	return Config{
		Algo:            codec.AlgoFast,
		SubPages:        DefaultSubPages,
		FlushThreshold:  DefaultFlushThreshold,
		LazyCompression: true,
	}
}

// CompressedTree wraps the base B+tree (G), the leaf-metadata map (H), the
// per-leaf write buffer and background flusher (I), and a codec (C) behind
// the put/get/delete contract spec §4.J describes.
//
// Get resolves the open question in spec §9 ("DRAM tree get and the
// buffer") by checking the target leaf's write buffer before falling
// through to the base tree: the cheaper of the two conformant readings,
// since it neither decompresses on every read nor risks missing a
// not-yet-flushed write. Compression itself never discards the base
// tree's leaf arrays — they stay the canonical source a plain base-tree
// lookup can serve directly; the compressed representation
// (compressedData + sub-page index) is maintained alongside purely to
// produce the §4.J "Stats" byte counts and to exercise the codec, a
// simplification of the "is_compressed" bookkeeping described in spec §3.
type CompressedTree struct {
	mu     sync.RWMutex
	base   *Tree[uint64]
	meta   *leafMetaMap[uint64]
	codec  codec.Codec
	config Config

	queue    chan flushWork[uint64]
	shutdown chan struct{}
	done     <-chan struct{}

	lastBGErrMu sync.Mutex
	lastBGErr   error
}

// NewCompressedTree creates a CompressedTree with cfg. A background
// flusher goroutine is started immediately, whatever cfg.LazyCompression
// says; Close must be called to stop it.
func NewCompressedTree(cfg Config) (*CompressedTree, error) {
	c, err := codec.New(cfg.Algo)
	if err != nil {
		return nil, fmt.Errorf("dram: new codec: %w", err)
	}

	t := &CompressedTree{
		base:     New[uint64](),
		meta:     newLeafMetaMap[uint64](),
		codec:    c,
		config:   cfg,
		queue:    make(chan flushWork[uint64], 64),
		shutdown: make(chan struct{}),
	}

	t.done = startFlusher(t.queue, t.shutdown, t.flushBuffer, t.recordBGErr)

	return t, nil
}

// Put inserts or overwrites the value for key (spec §4.J "Put").
func (t *CompressedTree) Put(key uint32, val uint64) error {
	return t.putOp(key, val, OpInsert)
}

// Delete removes key. Per spec §4.J's advisory note, this is a dedicated
// delete using the buffered-delete op (OpDelete) rather than the source's
// Put(key, TombstoneValue) hack — TombstoneValue is reserved for the
// router's large-object tombstone, a distinct concern (spec §9 "Tombstone
// sentinel").
func (t *CompressedTree) Delete(key uint32) error {
	return t.putOp(key, 0, OpDelete)
}

func (t *CompressedTree) putOp(key uint32, val uint64, op BufferOp) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	leaf := t.base.FindLeafForKey(key)

	if t.config.LazyCompression {
		meta := t.meta.getOrAdd(leaf, int(t.config.Algo), t.config.SubPages)
		if meta.buffer == nil {
			meta.buffer = newWriteBuffer[uint64]()
		}

		if !meta.buffer.full() {
			needsFlush := meta.buffer.add(key, val, op, t.config.FlushThreshold)
			if needsFlush {
				select {
				case t.queue <- flushWork[uint64]{leaf: leaf}:
				default:
					// Queue saturated: the next synchronous flush (buffer-full
					// path, or Close) will still pick this leaf up.
				}
			}
			return nil
		}

		// Buffer full: synchronous flush, then fall through to direct
		// insertion (spec §4.J "on buffer-full, perform a synchronous
		// flush... then fall through to direct insertion").
		if err := t.flushBufferLocked(leaf); err != nil {
			return err
		}
	}

	return t.directOpLocked(leaf, key, val, op)
}

// directOpLocked applies key/val/op via the base tree, initializing and
// compressing any newly created sibling leaf, then re-compressing the
// affected leaf if lazy compression is active. Caller holds t.mu.
func (t *CompressedTree) directOpLocked(leaf *Leaf[uint64], key uint32, val uint64, op BufferOp) error {
	split := false

	if op == OpDelete {
		t.base.Delete(key)
	} else {
		_, split = t.base.Put(key, val)
	}

	owner := t.base.FindLeafForKey(key)

	// A new sibling leaf exists; give it metadata too so its writes are
	// tracked symmetrically with the original leaf. If key stayed in leaf,
	// the new right sibling is leaf's next leaf.
	var sibling *Leaf[uint64]
	if split {
		sibling = owner
		if owner == leaf {
			sibling = leaf.Next()
		}
		t.meta.getOrAdd(sibling, int(t.config.Algo), t.config.SubPages)
	}

	if t.config.LazyCompression {
		if err := t.recompressLeaf(leaf); err != nil {
			return err
		}
		if sibling != nil && sibling != leaf {
			if err := t.recompressLeaf(sibling); err != nil {
				return err
			}
		}
	}

	return nil
}

// Get returns the value for key (spec §4.J "Get").
func (t *CompressedTree) Get(key uint32) (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	leaf := t.base.FindLeafForKey(key)

	if meta, ok := t.meta.find(leaf); ok && meta.buffer != nil {
		if v, found, deleted := meta.buffer.peek(key); found {
			if deleted {
				return 0, false
			}
			return v, true
		}
	}

	return t.base.Get(key)
}

// Stats sums uncompressed and compressed byte totals across every tracked
// leaf (spec §4.J "Stats").
func (t *CompressedTree) Stats() (compressedBytes, uncompressedBytes int64) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.meta.stats()
}

// Close stops the background flusher and waits for it to exit, then
// flushes every leaf's buffer synchronously (spec §4.I "Cancellation and
// shutdown").
func (t *CompressedTree) Close() error {
	close(t.shutdown)
	<-t.done

	t.mu.Lock()
	defer t.mu.Unlock()

	for leaf := t.base.First(); leaf != nil; leaf = leaf.Next() {
		if err := t.flushBufferLocked(leaf); err != nil {
			return err
		}
	}

	if closer, ok := t.codec.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// flushBuffer is the background flusher's entry point; it takes the tree
// lock itself since it runs on its own goroutine outside any caller's lock.
func (t *CompressedTree) flushBuffer(leaf *Leaf[uint64]) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.flushBufferLocked(leaf)
}

// flushBufferLocked implements flush_buffer_to_leaf (spec §4.I). Caller
// holds t.mu.
func (t *CompressedTree) flushBufferLocked(leaf *Leaf[uint64]) error {
	meta, ok := t.meta.find(leaf)
	if !ok || meta.buffer == nil {
		return nil
	}

	records := meta.buffer.drain()
	if len(records) == 0 {
		return nil
	}

	// Step 2: a compressed leaf's base arrays are always live (see the
	// CompressedTree doc comment), so "decompress" is just dropping the
	// compressed bookkeeping before applying buffered writes.
	meta.isCompressed = false

	// Step 3: apply buffered records in arrival order. Every record folds
	// back to the base tree's put/delete — with live base arrays this is
	// always the "escape hatch" path spec describes for overflow, which is
	// fine: it's still exactly arrival order, the guarantee spec requires.
	for _, rec := range records {
		switch rec.op {
		case OpDelete:
			t.base.Delete(rec.key)
		default:
			t.base.Put(rec.key, rec.value)
		}
	}

	// Step 4: re-compress.
	if t.config.LazyCompression {
		return t.recompressLeafLocked(leaf)
	}

	return nil
}

// recompressLeaf recompresses leaf. It takes no lock itself: its caller
// (Put's direct-insertion path) already holds t.mu.
func (t *CompressedTree) recompressLeaf(leaf *Leaf[uint64]) error {
	return t.recompressLeafLocked(leaf)
}

func (t *CompressedTree) recompressLeafLocked(leaf *Leaf[uint64]) error {
	meta, ok := t.meta.find(leaf)
	if !ok {
		meta = t.meta.getOrAdd(leaf, int(t.config.Algo), t.config.SubPages)
	}

	return compressLeaf(leaf, meta, t.codec, t.config.SubPages)
}

// compressLeaf rebuilds meta's compressed representation from leaf's live
// key/value arrays (spec §4.J "Compression layout (hashed)"). Entries are
// bucketed by hash(key) mod subPages, each bucket serialized (keys then
// values) and compressed independently so that, in a fuller
// implementation, a single sub-page could be inflated without touching
// its siblings. On MaxCompressedSize overflow the leaf is left
// uncompressed rather than treated as an error (spec §7).
func compressLeaf(leaf *Leaf[uint64], meta *leafMeta[uint64], c codec.Codec, subPages int) error {
	if subPages <= 0 {
		subPages = 1
	}

	buckets := make([][]int, subPages)
	for i, k := range leaf.keys {
		b := hashing.SubIndex(k, subPages)
		buckets[b] = append(buckets[b], i)
	}

	compressedData := make([]byte, 0, MaxCompressedSize)
	subPageIndex := make([]subPageEntry, subPages)

	for b, idxs := range buckets {
		if len(idxs) == 0 {
			continue
		}

		raw := make([]byte, 0, len(idxs)*12)
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(len(idxs)))
		raw = append(raw, tmp[:]...)
		for _, i := range idxs {
			binary.LittleEndian.PutUint32(tmp[:], leaf.keys[i])
			raw = append(raw, tmp[:]...)
		}
		var vtmp [8]byte
		for _, i := range idxs {
			binary.LittleEndian.PutUint64(vtmp[:], leaf.values[i])
			raw = append(raw, vtmp[:]...)
		}

		dst := make([]byte, c.MaxCompressedSize(len(raw)))
		n, err := c.Compress(raw, dst)
		if err != nil {
			// Compression failure is recovered locally (spec §7): leave the
			// leaf uncompressed and continue.
			meta.isCompressed = false
			return nil
		}

		if len(compressedData)+n > MaxCompressedSize {
			meta.isCompressed = false
			return nil
		}

		subPageIndex[b] = subPageEntry{
			offset:            len(compressedData),
			length:            n,
			uncompressedBytes: len(raw),
		}
		compressedData = append(compressedData, dst[:n]...)
	}

	meta.compressedData = compressedData
	meta.subPageIndex = subPageIndex
	meta.originalEntries = len(leaf.keys)
	meta.isCompressed = true

	return nil
}

// decompressLeaf inflates every sub-page block of meta and returns the
// reconstructed (key,value) pairs, for validate_consistency's round-trip
// check (spec §8 "Compression round trip"). It does not mutate leaf: the
// base arrays are always the live source of truth (see CompressedTree's
// doc comment).
func decompressLeaf(meta *leafMeta[uint64], c codec.Codec) (keys []uint32, values []uint64, err error) {
	if !meta.isCompressed {
		return nil, nil, nil
	}

	for _, e := range meta.subPageIndex {
		if e.length == 0 {
			continue
		}

		src := meta.compressedData[e.offset : e.offset+e.length]
		dst := make([]byte, e.uncompressedBytes)

		n, derr := c.Decompress(src, dst)
		if derr != nil {
			return nil, nil, fmt.Errorf("dram: decompress sub-page: %w", derr)
		}
		dst = dst[:n]

		if len(dst) < 4 {
			return nil, nil, fmt.Errorf("dram: truncated sub-page block")
		}

		count := int(binary.LittleEndian.Uint32(dst[:4]))
		pos := 4
		keyStart := pos
		pos += count * 4
		for i := 0; i < count; i++ {
			keys = append(keys, binary.LittleEndian.Uint32(dst[keyStart+i*4:]))
		}
		valStart := pos
		for i := 0; i < count; i++ {
			values = append(values, binary.LittleEndian.Uint64(dst[valStart+i*8:]))
		}
	}

	return keys, values, nil
}

// recordBGErr implements spec §7's "background-flusher errors are
// logged-and-continue": the error is retained, not propagated, and
// surfaces to a foreground caller only via LastBackgroundError.
func (t *CompressedTree) recordBGErr(err error) {
	t.lastBGErrMu.Lock()
	defer t.lastBGErrMu.Unlock()
	t.lastBGErr = err
}

// LastBackgroundError returns the most recent error the background
// flusher swallowed, if any.
func (t *CompressedTree) LastBackgroundError() error {
	t.lastBGErrMu.Lock()
	defer t.lastBGErrMu.Unlock()
	return t.lastBGErr
}

// PageForKey returns the eviction-page id of the leaf that owns key, if
// the leaf has been written to (and thus has metadata) at least once.
func (t *CompressedTree) PageForKey(key uint32) (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	leaf := t.base.FindLeafForKey(key)
	meta, ok := t.meta.find(leaf)
	if !ok {
		return 0, false
	}
	return meta.pageID, true
}

// Validate checks every compressed leaf's round-trip invariant (spec §8
// property 4): decompressing its sub-page index must reproduce exactly
// the key/value pairs the base tree's live arrays hold.
func (t *CompressedTree) Validate() (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for leaf := t.base.First(); leaf != nil; leaf = leaf.Next() {
		meta, ok := t.meta.find(leaf)
		if !ok || !meta.isCompressed {
			continue
		}

		keys, values, err := decompressLeaf(meta, t.codec)
		if err != nil {
			return false, err
		}

		want := make(map[uint32]uint64, len(leaf.keys))
		for i, k := range leaf.keys {
			want[k] = leaf.values[i]
		}

		if len(keys) != len(want) {
			return false, nil
		}
		for i, k := range keys {
			if want[k] != values[i] {
				return false, nil
			}
		}
	}

	return true, nil
}

// PageEntry is one (key, value) pair drained from an evicted leaf.
type PageEntry struct {
	Key   uint32
	Value uint64
}

// PageIDs returns the eviction-engine page identifier of every leaf this
// tree currently tracks metadata for (spec §4.M: "the router models DRAM
// as a sequence of fixed-size pages" — here, one leaf is one page).
func (t *CompressedTree) PageIDs() []uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.meta.pageIDs()
}

// DrainPage flushes page id's buffer, removes every live (non-tombstone)
// entry from the tree, and returns them so the caller can merge them into
// the SSD tier (spec §4.M: "serialize the page's contents, merge into an
// SSD super-leaf"). The page's own metadata is discarded; a later write
// to the same key allocates fresh metadata under a new page id.
func (t *CompressedTree) DrainPage(id uint64) ([]PageEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	leaf, ok := t.meta.leafByPage(id)
	if !ok {
		return nil, nil
	}

	if err := t.flushBufferLocked(leaf); err != nil {
		return nil, err
	}

	entries := make([]PageEntry, 0, len(leaf.keys))
	for i, k := range leaf.keys {
		if leaf.values[i] == TombstoneValue {
			continue
		}
		entries = append(entries, PageEntry{Key: k, Value: leaf.values[i]})
	}

	for _, e := range entries {
		t.base.Delete(e.Key)
	}

	t.meta.remove(leaf)

	return entries, nil
}

