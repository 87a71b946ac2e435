package btree

import (
	"bytes"
	"fmt"

	"go.uber.org/zap"
)

// PageManager owns page id allocation, lookup, and release. The tree
// delegates all I/O to it; the tree itself is a pure, single-threaded
// recursive algorithm over decoded nodes.
type PageManager interface {
	// Allocate durably assigns an id to a fully built page-sized node.
	Allocate(node BNode) (PageID, error)
	// Fetch materializes the node stored under id.
	Fetch(id PageID) (BNode, error)
	// Release marks id reclaimable. It must never be called on a page
	// still reachable from the currently committed root; the page
	// manager defers actual reuse until after the next commit.
	Release(id PageID) error
}

// Tree is a copy-on-write B+-tree rooted at a single page id. An insert
// never mutates a committed page: it builds new pages bottom-up and leaves
// the superseded ones to be reclaimed once the new root is published.
// Readers holding an older root id therefore keep a consistent snapshot.
type Tree struct {
	root   PageID
	pager  PageManager
	logger *zap.Logger
}

// New returns a tree over an existing root, or an empty tree when root is
// InvalidPageID.
func New(pager PageManager, root PageID, logger *zap.Logger) *Tree {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tree{root: root, pager: pager, logger: logger}
}

// Root returns the page id of the current root, InvalidPageID when empty.
// The id is only durable once the caller has committed it.
func (t *Tree) Root() PageID {
	return t.root
}

// Insert adds or updates a key. Oversized entries are rejected up front:
// the split algorithm's three-node bound relies on every entry fitting
// alongside the header in a single page.
func (t *Tree) Insert(key, val []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(key) > MaxKeySize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrKeyTooLarge, len(key), MaxKeySize)
	}
	if len(val) > MaxValSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrValueTooLarge, len(val), MaxValSize)
	}

	if t.root == InvalidPageID {
		// First insert: the root leaf gets an empty sentinel key at
		// index 0 so LookupLE always has a floor entry.
		root := make(BNode, PageSize)
		root.setHeader(KindLeaf, 2)
		root.appendKV(0, InvalidPageID, nil, nil)
		root.appendKV(1, InvalidPageID, key, val)
		id, err := t.pager.Allocate(root)
		if err != nil {
			return fmt.Errorf("allocating initial root: %w", err)
		}
		t.root = id
		t.logger.Debug("Created initial root leaf", zap.Uint64("pageID", uint64(id)))
		return nil
	}

	rootNode, err := t.pager.Fetch(t.root)
	if err != nil {
		return fmt.Errorf("fetching root page %d: %w", t.root, err)
	}
	// Pages superseded during the descent are only collected here; they
	// are released after every allocation has succeeded, so a fault at
	// any level aborts the insert with the committed tree fully intact.
	var superseded []PageID
	grown, err := t.insert(rootNode, key, val, &superseded)
	if err != nil {
		return err
	}

	nsplit, split := nodeSplit3(grown)
	superseded = append(superseded, t.root)
	if nsplit > 1 {
		// Root split: the tree grows one level, with a new root
		// pointing at the split siblings.
		newRoot := make(BNode, PageSize)
		newRoot.setHeader(KindInternal, nsplit)
		for i := uint16(0); i < nsplit; i++ {
			id, err := t.pager.Allocate(split[i])
			if err != nil {
				return fmt.Errorf("allocating root sibling: %w", err)
			}
			newRoot.appendKV(i, id, split[i].key(0), nil)
		}
		id, err := t.pager.Allocate(newRoot)
		if err != nil {
			return fmt.Errorf("allocating new root: %w", err)
		}
		t.root = id
		t.logger.Debug("Root split, tree grew one level",
			zap.Uint64("newRoot", uint64(id)), zap.Uint16("siblings", nsplit))
	} else {
		id, err := t.pager.Allocate(split[0])
		if err != nil {
			return fmt.Errorf("allocating new root: %w", err)
		}
		t.root = id
	}
	for _, id := range superseded {
		if err := t.pager.Release(id); err != nil {
			return fmt.Errorf("releasing superseded page %d: %w", id, err)
		}
	}
	return nil
}

// insert descends into node and returns the mutated copy in an oversized
// scratch buffer; the caller splits it down to page size. Ids of pages the
// mutation supersedes are appended to superseded, never released here.
func (t *Tree) insert(node BNode, key, val []byte, superseded *[]PageID) (BNode, error) {
	scratch := make(BNode, 2*PageSize)
	idx := node.LookupLE(key)
	kind, err := node.Kind()
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindLeaf:
		if bytes.Equal(key, node.key(idx)) {
			leafUpdate(scratch, node, idx, key, val)
		} else {
			leafInsert(scratch, node, idx+1, key, val)
		}
	case KindInternal:
		if err := t.insertInternal(scratch, node, idx, key, val, superseded); err != nil {
			return nil, err
		}
	}
	return scratch, nil
}

// insertInternal recurses into the child at idx, splits the mutated child,
// and reconciles the resulting one-to-three siblings into scratch. The
// superseded child page is recorded but stays unreleased: it is still
// reachable from the committed root, and a failure at an ancestor level
// must leave the insert without any effect on it.
func (t *Tree) insertInternal(scratch, node BNode, idx uint16, key, val []byte, superseded *[]PageID) error {
	childID := node.childID(idx)
	child, err := t.pager.Fetch(childID)
	if err != nil {
		return fmt.Errorf("fetching child page %d: %w", childID, err)
	}
	grown, err := t.insert(child, key, val, superseded)
	if err != nil {
		return err
	}
	nsplit, split := nodeSplit3(grown)
	if err := t.replaceChild(scratch, node, idx, split[:nsplit]); err != nil {
		return err
	}
	*superseded = append(*superseded, childID)
	return nil
}

// replaceChild rewrites a parent whose child at idx was replaced by kids:
// one routing entry per new child, keyed by that child's first key, with
// the remaining entries shifted by len(kids)-1.
func (t *Tree) replaceChild(dst, old BNode, idx uint16, kids []BNode) error {
	inc := uint16(len(kids))
	dst.setHeader(KindInternal, old.KeyCount()+inc-1)
	dst.appendRange(old, 0, 0, idx)
	for i, kid := range kids {
		id, err := t.pager.Allocate(kid)
		if err != nil {
			return fmt.Errorf("allocating split child: %w", err)
		}
		dst.appendKV(idx+uint16(i), id, kid.key(0), nil)
	}
	dst.appendRange(old, idx+inc, idx+1, old.KeyCount()-(idx+1))
	return nil
}

// Get returns the value stored under key, with found reporting whether the
// key exists. Lookups descend iteratively and touch no page twice.
func (t *Tree) Get(key []byte) (val []byte, found bool, err error) {
	if t.root == InvalidPageID || len(key) == 0 {
		return nil, false, nil
	}
	id := t.root
	for {
		node, err := t.pager.Fetch(id)
		if err != nil {
			return nil, false, fmt.Errorf("fetching page %d: %w", id, err)
		}
		kind, err := node.Kind()
		if err != nil {
			return nil, false, err
		}
		idx := node.LookupLE(key)
		if kind == KindLeaf {
			if !bytes.Equal(key, node.key(idx)) {
				return nil, false, nil
			}
			return append([]byte(nil), node.val(idx)...), true, nil
		}
		id = node.childID(idx)
	}
}

// Ascend performs an in-order traversal, calling fn for every key-value
// pair in ascending key order. Traversal stops early when fn returns
// false. The slices passed to fn alias page buffers and are only valid for
// the duration of the call.
func (t *Tree) Ascend(fn func(key, val []byte) bool) error {
	if t.root == InvalidPageID {
		return nil
	}
	_, err := t.ascend(t.root, fn)
	return err
}

func (t *Tree) ascend(id PageID, fn func(key, val []byte) bool) (bool, error) {
	node, err := t.pager.Fetch(id)
	if err != nil {
		return false, fmt.Errorf("fetching page %d: %w", id, err)
	}
	kind, err := node.Kind()
	if err != nil {
		return false, err
	}
	for i := uint16(0); i < node.KeyCount(); i++ {
		if kind == KindInternal {
			more, err := t.ascend(node.childID(i), fn)
			if err != nil || !more {
				return more, err
			}
			continue
		}
		// Skip the empty sentinel entry of the leftmost leaf.
		k := node.key(i)
		if len(k) == 0 {
			continue
		}
		if !fn(k, node.val(i)) {
			return false, nil
		}
	}
	return true, nil
}
