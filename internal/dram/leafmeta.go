package dram

import (
	"sync"
	"sync/atomic"
)

// nextPageID hands out the router's eviction "page" identifiers (spec
// §4.M models DRAM as a sequence of fixed-size pages; here a page is one
// leaf of the base tree, the natural fixed-capacity unit of this
// rewrite). Shared across CompressedTree instances the same way a real
// page-frame number space would be: uniqueness is all any caller needs.
var nextPageID uint64

// MaxCompressedSize bounds a leaf's total compressed footprint (spec §4.H
// default). On overflow, the leaf is kept uncompressed rather than
// treating the overflow as an error (spec §7).
const MaxCompressedSize = 4096

// MaxBufferEntries bounds a leaf's write buffer (spec §3).
const MaxBufferEntries = 32

// DefaultFlushThreshold is MAX_BUFFER_ENTRIES - 4, per spec §6 defaults.
const DefaultFlushThreshold = MaxBufferEntries - 4

// DefaultSubPages is the number of hashed ranges a compressed leaf's
// logical capacity is partitioned into (spec §6 defaults).
const DefaultSubPages = 16

// subPageEntry records one compressed block's location within a leaf's
// compressed_data buffer (spec §3's sub_page_index).
type subPageEntry struct {
	offset            int
	length            int
	uncompressedBytes int
}

// leafMeta is the per-leaf compression state (spec §3's "DRAM leaf
// metadata"). Not exported: owned exclusively by leafMetaMap and
// CompressedTree.
type leafMeta[V comparable] struct {
	algo            int // codec.Algo, stored as int to avoid an import cycle with codec
	isCompressed    bool
	originalEntries int
	compressedData  []byte
	subPages        int
	subPageIndex    []subPageEntry
	buffer          *writeBuffer[V]
	pageID          uint64
}

// leafMetaMap is the process-wide (here: per-CompressedTree-instance,
// per Design Notes §9) lock-protected mapping from leaf identity to
// compression state (spec §4.H).
type leafMetaMap[V comparable] struct {
	mu      sync.Mutex
	entries map[*Leaf[V]]*leafMeta[V]
	byPage  map[uint64]*Leaf[V]
}

func newLeafMetaMap[V comparable]() *leafMetaMap[V] {
	return &leafMetaMap[V]{
		entries: make(map[*Leaf[V]]*leafMeta[V]),
		byPage:  make(map[uint64]*Leaf[V]),
	}
}

// find returns the metadata entry for leaf, if one exists.
func (m *leafMetaMap[V]) find(leaf *Leaf[V]) (*leafMeta[V], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta, ok := m.entries[leaf]
	return meta, ok
}

// add allocates a metadata entry for leaf, pre-sizing its compressed_data
// buffer to MaxCompressedSize and its sub-page index to subPages entries.
func (m *leafMetaMap[V]) add(leaf *Leaf[V], algo int, subPages int) *leafMeta[V] {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta := &leafMeta[V]{
		algo:           algo,
		compressedData: make([]byte, 0, MaxCompressedSize),
		subPages:       subPages,
		subPageIndex:   make([]subPageEntry, subPages),
		pageID:         atomic.AddUint64(&nextPageID, 1),
	}
	m.entries[leaf] = meta
	m.byPage[meta.pageID] = leaf
	return meta
}

// getOrAdd returns the existing entry for leaf, creating one with the
// given defaults if absent.
func (m *leafMetaMap[V]) getOrAdd(leaf *Leaf[V], algo int, subPages int) *leafMeta[V] {
	m.mu.Lock()
	defer m.mu.Unlock()

	if meta, ok := m.entries[leaf]; ok {
		return meta
	}

	meta := &leafMeta[V]{
		algo:           algo,
		compressedData: make([]byte, 0, MaxCompressedSize),
		subPages:       subPages,
		subPageIndex:   make([]subPageEntry, subPages),
		pageID:         atomic.AddUint64(&nextPageID, 1),
	}
	m.entries[leaf] = meta
	m.byPage[meta.pageID] = leaf
	return meta
}

// remove frees the metadata entry for leaf, including any owned write
// buffer.
func (m *leafMetaMap[V]) remove(leaf *Leaf[V]) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if meta, ok := m.entries[leaf]; ok {
		delete(m.byPage, meta.pageID)
	}
	delete(m.entries, leaf)
}

// pageIDs returns the eviction-page identifier of every tracked leaf.
func (m *leafMetaMap[V]) pageIDs() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]uint64, 0, len(m.entries))
	for _, meta := range m.entries {
		ids = append(ids, meta.pageID)
	}
	return ids
}

// leafByPage returns the leaf registered under page id, if any.
func (m *leafMetaMap[V]) leafByPage(id uint64) (*Leaf[V], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	leaf, ok := m.byPage[id]
	return leaf, ok
}

// stats sums compressed and uncompressed byte totals across every tracked
// leaf (spec §4.J "Stats").
func (m *leafMetaMap[V]) stats() (compressedBytes, uncompressedBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, meta := range m.entries {
		compressedBytes += int64(len(meta.compressedData))
		for _, e := range meta.subPageIndex {
			uncompressedBytes += int64(e.uncompressedBytes)
		}
	}
	return compressedBytes, uncompressedBytes
}
