package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// --- Configuration & Constants ---

const (
	// PageSize is the fixed size of every on-disk page. A committed node
	// always fits in exactly one page.
	PageSize = 4096

	// MaxKeySize and MaxValSize bound a single entry so that the node
	// header plus one worst-case entry never exceeds one page. Inserts
	// are rejected at the API edge when they exceed these limits.
	MaxKeySize = 1000
	MaxValSize = 3000

	nodeHeaderSize = 4 // kind (2B) + key count (2B)
	childIDSize    = 8
	offsetSize     = 2
	kvLenSize      = 4 // key length (2B) + value length (2B)
)

func init() {
	max1 := nodeHeaderSize + childIDSize + offsetSize + kvLenSize + MaxKeySize + MaxValSize
	if max1 > PageSize {
		panic(fmt.Sprintf("page size %d cannot hold a maximum-size entry (%d bytes)", PageSize, max1))
	}
}

// PageID is a unique identifier for a page on disk.
type PageID uint64

// InvalidPageID marks an unallocated or missing page reference.
const InvalidPageID PageID = 0

// NodeKind distinguishes the two node layouts stored in a page.
type NodeKind uint16

const (
	KindInternal NodeKind = 1
	KindLeaf     NodeKind = 2
)

// --- Node Codec ---

// BNode is a decoded view over a page buffer. The layout is fixed and
// little-endian throughout:
//
//	| kind | nkeys |  child ids  |   offsets   | key-value records
//	|  2B  |  2B   | nkeys * 8B  | nkeys * 2B  | ...
//
// Each key-value record is length-prefixed:
//
//	| klen | vlen | key | val |
//	|  2B  |  2B  | ... | ... |
//
// The offset table stores the cumulative byte offset of each record within
// the key-value region; the offset of index 0 is implicitly zero. Leaf
// nodes carry the child-id array too, zeroed and unused.
//
// A BNode under construction may be larger than one page (a scratch buffer,
// commonly 2x PageSize); committed nodes are always exactly one page.
type BNode []byte

// Kind decodes the node kind tag. An unrecognized tag means the page bytes
// do not hold a node and is a fatal corruption signal.
func (n BNode) Kind() (NodeKind, error) {
	k := NodeKind(binary.LittleEndian.Uint16(n[0:2]))
	switch k {
	case KindInternal, KindLeaf:
		return k, nil
	default:
		return 0, fmt.Errorf("%w: tag %d", ErrInvalidNodeKind, uint16(k))
	}
}

// kind reads the tag without validation. Callers on the mutation path have
// already decoded the node through Kind.
func (n BNode) kind() NodeKind {
	return NodeKind(binary.LittleEndian.Uint16(n[0:2]))
}

// KeyCount returns the number of entries stored in the node.
func (n BNode) KeyCount() uint16 {
	return binary.LittleEndian.Uint16(n[2:4])
}

func (n BNode) setHeader(kind NodeKind, nkeys uint16) {
	binary.LittleEndian.PutUint16(n[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(n[2:4], nkeys)
}

// ChildID returns the child page id stored at idx. Internal nodes only;
// for leaves the slot exists but is always InvalidPageID.
func (n BNode) ChildID(idx uint16) (PageID, error) {
	if err := n.checkIdx(idx); err != nil {
		return InvalidPageID, err
	}
	return n.childID(idx), nil
}

func (n BNode) childID(idx uint16) PageID {
	pos := nodeHeaderSize + childIDSize*int(idx)
	return PageID(binary.LittleEndian.Uint64(n[pos:]))
}

func (n BNode) setChildID(idx uint16, id PageID) {
	pos := nodeHeaderSize + childIDSize*int(idx)
	binary.LittleEndian.PutUint64(n[pos:], uint64(id))
}

// offset returns the cumulative byte offset of entry idx within the
// key-value region. Valid for 0 <= idx <= KeyCount; offset(0) is 0.
func (n BNode) offset(idx uint16) uint16 {
	if idx == 0 {
		return 0
	}
	return binary.LittleEndian.Uint16(n[n.offsetPos(idx):])
}

func (n BNode) setOffset(idx uint16, off uint16) {
	binary.LittleEndian.PutUint16(n[n.offsetPos(idx):], off)
}

func (n BNode) offsetPos(idx uint16) int {
	// Offsets are stored for indices 1..nkeys; index 0 is implicit.
	return nodeHeaderSize + childIDSize*int(n.KeyCount()) + offsetSize*int(idx-1)
}

// kvPos computes the byte position of entry idx's record. Valid for
// idx <= KeyCount; kvPos(KeyCount) is the end of the encoded node.
func (n BNode) kvPos(idx uint16) int {
	return nodeHeaderSize + (childIDSize+offsetSize)*int(n.KeyCount()) + int(n.offset(idx))
}

// Key returns the key bytes of entry idx. The returned slice aliases the
// node buffer and must not be modified.
func (n BNode) Key(idx uint16) ([]byte, error) {
	if err := n.checkIdx(idx); err != nil {
		return nil, err
	}
	return n.key(idx), nil
}

func (n BNode) key(idx uint16) []byte {
	pos := n.kvPos(idx)
	klen := binary.LittleEndian.Uint16(n[pos:])
	return n[pos+kvLenSize : pos+kvLenSize+int(klen)]
}

// Val returns the value bytes of entry idx. For internal nodes the value
// is always empty. The returned slice aliases the node buffer.
func (n BNode) Val(idx uint16) ([]byte, error) {
	if err := n.checkIdx(idx); err != nil {
		return nil, err
	}
	return n.val(idx), nil
}

func (n BNode) val(idx uint16) []byte {
	pos := n.kvPos(idx)
	klen := binary.LittleEndian.Uint16(n[pos:])
	vlen := binary.LittleEndian.Uint16(n[pos+2:])
	base := pos + kvLenSize + int(klen)
	return n[base : base+int(vlen)]
}

// EncodedSize returns the total byte length of the encoded node. Committed
// nodes satisfy EncodedSize() <= PageSize.
func (n BNode) EncodedSize() int {
	return n.kvPos(n.KeyCount())
}

func (n BNode) checkIdx(idx uint16) error {
	if nkeys := n.KeyCount(); idx >= nkeys {
		return fmt.Errorf("%w: index %d, key count %d", ErrBoundsViolation, idx, nkeys)
	}
	return nil
}

// LookupLE returns the greatest index whose key is less than or equal to
// the query key, or 0 if no key at index >= 1 qualifies. Index 0 acts as a
// non-comparable low sentinel, so the scan covers indices 1..KeyCount.
// Keys within a node form a sorted run, so a binary search suffices.
func (n BNode) LookupLE(key []byte) uint16 {
	found := uint16(0)
	lo, hi := uint16(1), n.KeyCount()
	for lo < hi {
		mid := lo + (hi-lo)/2
		if bytes.Compare(n.key(mid), key) <= 0 {
			found = mid
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return found
}

// --- Mutation Primitives ---
//
// Every higher-level mutation is a sequence of appendRange and appendKV
// calls over a fresh scratch buffer; source nodes are never written to.

// appendRange copies n entries from src starting at srcStart into the node
// starting at dstStart: child ids, offsets, and the raw key-value bytes.
// Copied offsets are rebased onto the destination's running offset so the
// cumulative sequence stays correct after composition.
func (n BNode) appendRange(src BNode, dstStart, srcStart, count uint16) {
	if count == 0 {
		return
	}
	for i := uint16(0); i < count; i++ {
		n.setChildID(dstStart+i, src.childID(srcStart+i))
	}
	dstBase := n.offset(dstStart)
	srcBase := src.offset(srcStart)
	for i := uint16(1); i <= count; i++ {
		n.setOffset(dstStart+i, dstBase+src.offset(srcStart+i)-srcBase)
	}
	begin := src.kvPos(srcStart)
	end := src.kvPos(srcStart + count)
	copy(n[n.kvPos(dstStart):], src[begin:end])
}

// appendKV writes a single entry at idx: the child id, the length-prefixed
// key and value, and the next cumulative offset. The caller has already
// placed idx's offset via a preceding appendRange (or idx is 0).
func (n BNode) appendKV(idx uint16, child PageID, key, val []byte) {
	n.setChildID(idx, child)
	pos := n.kvPos(idx)
	binary.LittleEndian.PutUint16(n[pos:], uint16(len(key)))
	binary.LittleEndian.PutUint16(n[pos+2:], uint16(len(val)))
	copy(n[pos+kvLenSize:], key)
	copy(n[pos+kvLenSize+len(key):], val)
	n.setOffset(idx+1, n.offset(idx)+uint16(kvLenSize+len(key)+len(val)))
}

// --- Leaf Mutation ---

// leafInsert builds a copy of old with (key, val) inserted at idx and
// everything from idx on shifted right by one.
func leafInsert(dst, old BNode, idx uint16, key, val []byte) {
	dst.setHeader(KindLeaf, old.KeyCount()+1)
	dst.appendRange(old, 0, 0, idx)
	dst.appendKV(idx, InvalidPageID, key, val)
	dst.appendRange(old, idx+1, idx, old.KeyCount()-idx)
}

// leafUpdate builds a copy of old with the entry at idx replaced. The
// caller guarantees the key at idx equals the replacement key.
func leafUpdate(dst, old BNode, idx uint16, key, val []byte) {
	dst.setHeader(KindLeaf, old.KeyCount())
	dst.appendRange(old, 0, 0, idx)
	dst.appendKV(idx, InvalidPageID, key, val)
	dst.appendRange(old, idx+1, idx+1, old.KeyCount()-idx-1)
}

// --- Split Algorithm ---

// splitBoundary picks the entry count for the left half of a two-way
// split. Starting from the midpoint it first shrinks the left half until
// it fits one page, then grows it until the right half fits. The right
// half is guaranteed to fit; the left half may still exceed one page when
// entries are large, which nodeSplit3 handles with a second split.
func splitBoundary(old BNode) uint16 {
	nkeys := old.KeyCount()
	nleft := nkeys / 2
	if nleft < 1 {
		nleft = 1
	}
	leftBytes := func() int {
		return nodeHeaderSize + (childIDSize+offsetSize)*int(nleft) + int(old.offset(nleft))
	}
	for leftBytes() > PageSize {
		nleft--
	}
	rightBytes := func() int {
		return old.EncodedSize() - leftBytes() + nodeHeaderSize
	}
	for rightBytes() > PageSize {
		nleft++
	}
	return nleft
}

// nodeSplit2 splits old into left and right halves at the boundary chosen
// by splitBoundary, preserving entry order.
func nodeSplit2(left, right, old BNode) {
	nleft := splitBoundary(old)
	left.setHeader(old.kind(), nleft)
	left.appendRange(old, 0, 0, nleft)
	right.setHeader(old.kind(), old.KeyCount()-nleft)
	right.appendRange(old, 0, nleft, old.KeyCount()-nleft)
}

// nodeSplit3 splits a freshly mutated node, potentially up to two pages
// large, into one, two, or three page-sized nodes whose concatenated entry
// sequence equals the input's. One insert adds at most one bounded-size
// entry, so three pages always suffice.
func nodeSplit3(old BNode) (uint16, [3]BNode) {
	if old.EncodedSize() <= PageSize {
		return 1, [3]BNode{old[:PageSize]}
	}
	left := make(BNode, 2*PageSize)
	right := make(BNode, PageSize)
	nodeSplit2(left, right, old)
	if left.EncodedSize() <= PageSize {
		return 2, [3]BNode{left[:PageSize], right}
	}
	leftleft := make(BNode, PageSize)
	middle := make(BNode, PageSize)
	nodeSplit2(leftleft, middle, left)
	return 3, [3]BNode{leftleft, middle, right}
}
