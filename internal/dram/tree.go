// Package dram implements the in-memory base B+tree (spec §4.G) shared as
// the storage engine underneath both the compressed DRAM tree and the
// large-object index, plus the leaf-metadata map (§4.H) and write-buffer
// flusher (§4.I) that turn it into a compressed leaf store.
//
// Tree is generic over its value type: V=uint64 backs the compressed DRAM
// tree, V=lobj.Descriptor backs the large-object index — mirroring how the
// teacher's own generic stores (a markdown document store keyed by
// document type) were reused across unrelated record shapes.
package dram

// Order is the maximum number of children an internal node may have
// (spec §6 default).
const Order = 16

// LeafCapacity is the maximum number of entries a leaf may hold before it
// splits (spec §6 default: "32 leaf entries" — distinct from Order, the
// internal-node fanout).
const LeafCapacity = 32

// Leaf is a leaf node of the tree. Its identity (the pointer itself) is
// stable for the life of the leaf, which is what lets the leaf-metadata
// map (leafmeta.go) key directly on *Leaf[V].
type Leaf[V comparable] struct {
	keys   []uint32
	values []V
	next   *Leaf[V]
	prev   *Leaf[V]
}

// Keys returns the leaf's sorted key slice, for read-only scans of the
// leaf linked list.
func (l *Leaf[V]) Keys() []uint32 { return l.keys }

// Values returns the leaf's value slice, parallel to Keys.
func (l *Leaf[V]) Values() []V { return l.values }

// Next returns the leaf's right sibling in the linked list, or nil.
func (l *Leaf[V]) Next() *Leaf[V] { return l.next }

type internalNode[V comparable] struct {
	keys     []uint32 // len(children) - 1 separators
	children []node[V]
}

// node is either *internalNode[V] or *Leaf[V].
type node[V comparable] interface{}

// Tree is an in-memory B+tree keyed by uint32 (the router's 32-bit key
// hash, per spec §3's data model).
type Tree[V comparable] struct {
	root node[V]
	// first is the leftmost leaf, the head of the leaf linked list.
	first *Leaf[V]
}

// New creates an empty Tree.
func New[V comparable]() *Tree[V] {
	root := &Leaf[V]{}
	return &Tree[V]{root: root, first: root}
}

// Get returns the value stored for key, if any.
func (t *Tree[V]) Get(key uint32) (V, bool) {
	leaf := t.FindLeafForKey(key)
	i, found := search(leaf.keys, key)
	if !found {
		var zero V
		return zero, false
	}
	return leaf.values[i], true
}

// FindLeafForKey returns the unique leaf that owns (or would own) key.
func (t *Tree[V]) FindLeafForKey(key uint32) *Leaf[V] {
	n := t.root
	for {
		if leaf, ok := n.(*Leaf[V]); ok {
			return leaf
		}
		in := n.(*internalNode[V])
		i, found := search(in.keys, key)
		if found {
			i++
		}
		n = in.children[i]
	}
}

// Put inserts or overwrites the value for key. Returns the leaf the key
// ended up in, and whether a split occurred (and thus whether sibling
// leaves may need fresh metadata — see compressed.go).
func (t *Tree[V]) Put(key uint32, val V) (leaf *Leaf[V], split bool) {
	path := t.findPath(key)
	target := path[len(path)-1].(*Leaf[V])

	i, found := search(target.keys, key)
	if found {
		target.values[i] = val
		return target, false
	}

	target.keys = insertAt(target.keys, i, key)
	target.values = insertValAt(target.values, i, val)

	if len(target.keys) <= LeafCapacity {
		return target, false
	}

	t.splitLeaf(path, target)
	// Re-locate the key post-split: it's in target or its new right sibling.
	owner := t.FindLeafForKey(key)
	return owner, true
}

// Delete removes key, if present, and reports whether it was present.
func (t *Tree[V]) Delete(key uint32) bool {
	leaf := t.FindLeafForKey(key)
	i, found := search(leaf.keys, key)
	if !found {
		return false
	}

	leaf.keys = append(leaf.keys[:i], leaf.keys[i+1:]...)
	leaf.values = append(leaf.values[:i], leaf.values[i+1:]...)
	return true
}

// First returns the leftmost leaf, for full-tree scans (validate_consistency,
// stats aggregation).
func (t *Tree[V]) First() *Leaf[V] { return t.first }

// findPath returns the root-to-leaf path of nodes visited for key.
func (t *Tree[V]) findPath(key uint32) []node[V] {
	path := []node[V]{t.root}
	n := t.root
	for {
		if _, ok := n.(*Leaf[V]); ok {
			return path
		}
		in := n.(*internalNode[V])
		i, found := search(in.keys, key)
		if found {
			i++
		}
		n = in.children[i]
		path = append(path, n)
	}
}

// splitLeaf splits an overfull leaf via median promotion and links the new
// right sibling into the leaf linked list, then propagates the split
// upward through the path's internal nodes, splitting them in turn if
// they overflow.
func (t *Tree[V]) splitLeaf(path []node[V], leaf *Leaf[V]) {
	mid := len(leaf.keys) / 2

	right := &Leaf[V]{
		keys:   append([]uint32(nil), leaf.keys[mid:]...),
		values: append([]V(nil), leaf.values[mid:]...),
		next:   leaf.next,
		prev:   leaf,
	}
	if right.next != nil {
		right.next.prev = right
	}
	leaf.next = right

	leaf.keys = append([]uint32(nil), leaf.keys[:mid]...)
	leaf.values = append([]V(nil), leaf.values[:mid]...)

	medianKey := right.keys[0]

	t.insertIntoParent(path, leaf, medianKey, right)
}

// insertIntoParent inserts (medianKey, rightChild) into the parent of
// leftChild along path, splitting ancestor internal nodes as needed and
// creating a new root if the split propagates past the top.
func (t *Tree[V]) insertIntoParent(path []node[V], leftChild node[V], medianKey uint32, rightChild node[V]) {
	if len(path) == 1 {
		// leftChild was the root; create a new root above it.
		t.root = &internalNode[V]{
			keys:     []uint32{medianKey},
			children: []node[V]{leftChild, rightChild},
		}
		return
	}

	parent := path[len(path)-2].(*internalNode[V])

	childIdx := -1
	for i, c := range parent.children {
		if c == leftChild {
			childIdx = i
			break
		}
	}
	// insert medianKey at childIdx, rightChild at childIdx+1
	parent.keys = insertAt(parent.keys, childIdx, medianKey)
	parent.children = insertNodeAt(parent.children, childIdx+1, rightChild)

	if len(parent.children) <= Order {
		return
	}

	// Parent overflowed: split it too (standard internal-node median
	// promotion, per spec §4.F's "standard B+tree internal-node split"
	// decision — see DESIGN.md Open Questions).
	mid := len(parent.keys) / 2
	promoted := parent.keys[mid]

	rightParent := &internalNode[V]{
		keys:     append([]uint32(nil), parent.keys[mid+1:]...),
		children: append([]node[V](nil), parent.children[mid+1:]...),
	}
	parent.keys = append([]uint32(nil), parent.keys[:mid]...)
	parent.children = append([]node[V](nil), parent.children[:mid+1]...)

	t.insertIntoParent(path[:len(path)-1], parent, promoted, rightParent)
}

func search(keys []uint32, key uint32) (idx int, found bool) {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if keys[mid] == key {
			return mid, true
		}
		if keys[mid] < key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, false
}

func insertAt(s []uint32, i int, v uint32) []uint32 {
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func insertValAt[V any](s []V, i int, v V) []V {
	var zero V
	s = append(s, zero)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func insertNodeAt[V comparable](s []node[V], i int, v node[V]) []node[V] {
	s = append(s, nil)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}
