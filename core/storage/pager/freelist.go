package pager

import (
	"encoding/binary"
	"fmt"

	"github.com/V119/build-database-from-scratch/core/btree"
)

// The free list is persisted as a chain of dedicated pages, each holding:
//
//	| next | count | free page ids  |
//	|  8B  |  8B   | count * 8B ... |
//
// The chain is rewritten in full at every commit. Chain pages are drawn
// only from pages that were already free at the last commit (or from file
// extension), never from pages released during the current transaction:
// those are still reachable from the committed root and must stay intact
// until the new manifest is published.

const freeChainHeaderSize = 16

// freeChainCap is the number of page ids one chain page holds.
const freeChainCap = (btree.PageSize - freeChainHeaderSize) / 8

// loadFreeList walks the chain starting at head, populating the in-memory
// free list and the set of chain pages.
func (p *Pager) loadFreeList(head btree.PageID) error {
	p.free = nil
	p.chainPages = nil
	for id := head; id != btree.InvalidPageID; {
		if uint64(id) >= p.numPages {
			return fmt.Errorf("%w: free-list chain page %d", ErrPageNotFound, id)
		}
		buf := make([]byte, btree.PageSize)
		if _, err := p.file.ReadAt(buf, int64(id)*btree.PageSize); err != nil {
			return fmt.Errorf("%w: reading free-list page %d: %v", ErrIO, id, err)
		}
		next := btree.PageID(binary.LittleEndian.Uint64(buf[0:8]))
		count := binary.LittleEndian.Uint64(buf[8:16])
		if count > freeChainCap {
			return fmt.Errorf("%w: free-list page %d claims %d entries", ErrIO, id, count)
		}
		for i := uint64(0); i < count; i++ {
			pos := freeChainHeaderSize + 8*i
			p.free = append(p.free, btree.PageID(binary.LittleEndian.Uint64(buf[pos:pos+8])))
		}
		p.chainPages = append(p.chainPages, id)
		id = next
	}
	return nil
}

// rewriteFreeList writes a fresh chain covering every reclaimable page:
// the remaining free pages, the pages released this transaction, and the
// previous chain's own pages. It returns the new chain's content and
// structure pages; the caller updates the in-memory state only after the
// manifest publish succeeds.
func (p *Pager) rewriteFreeList() (content, structure []btree.PageID, err error) {
	total := len(p.free) + len(p.pending) + len(p.chainPages)
	need := func() int { return (total + freeChainCap - 1) / freeChainCap }

	// Reserve structure pages out of the currently free set first; every
	// reservation shrinks the content by one.
	for len(structure) < need() {
		var id btree.PageID
		if n := len(p.free); n > 0 {
			id = p.free[n-1]
			p.free = p.free[:n-1]
			total--
		} else {
			id = btree.PageID(p.numPages)
			p.numPages++
		}
		structure = append(structure, id)
	}

	content = make([]btree.PageID, 0, total)
	content = append(content, p.free...)
	content = append(content, p.pending...)
	content = append(content, p.chainPages...)

	for i, id := range structure {
		buf := make([]byte, btree.PageSize)
		var next btree.PageID
		if i+1 < len(structure) {
			next = structure[i+1]
		}
		lo := i * freeChainCap
		hi := lo + freeChainCap
		if hi > len(content) {
			hi = len(content)
		}
		binary.LittleEndian.PutUint64(buf[0:8], uint64(next))
		binary.LittleEndian.PutUint64(buf[8:16], uint64(hi-lo))
		for j, fid := range content[lo:hi] {
			pos := freeChainHeaderSize + 8*j
			binary.LittleEndian.PutUint64(buf[pos:pos+8], uint64(fid))
		}
		if err := p.writePage(id, buf); err != nil {
			return nil, nil, err
		}
	}
	return content, structure, nil
}
