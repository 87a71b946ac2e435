package btree

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- Test Helpers ---

// memPager is an in-memory PageManager used to exercise the tree without
// a page file.
type memPager struct {
	pages    map[PageID]BNode
	next     PageID
	released []PageID
}

func newMemPager() *memPager {
	return &memPager{pages: make(map[PageID]BNode), next: 1}
}

func (m *memPager) Allocate(node BNode) (PageID, error) {
	if len(node) != PageSize {
		return InvalidPageID, fmt.Errorf("allocate: node is %d bytes", len(node))
	}
	id := m.next
	m.next++
	m.pages[id] = append(BNode(nil), node...)
	return id, nil
}

func (m *memPager) Fetch(id PageID) (BNode, error) {
	node, ok := m.pages[id]
	if !ok {
		return nil, fmt.Errorf("fetch: page %d not found", id)
	}
	return node, nil
}

func (m *memPager) Release(id PageID) error {
	if _, ok := m.pages[id]; !ok {
		return fmt.Errorf("release: page %d not found", id)
	}
	delete(m.pages, id)
	m.released = append(m.released, id)
	return nil
}

func newTestTree(t *testing.T) (*Tree, *memPager) {
	t.Helper()
	pager := newMemPager()
	return New(pager, InvalidPageID, zap.NewNop()), pager
}

func collectAll(t *testing.T, tree *Tree) (keys, vals [][]byte) {
	t.Helper()
	err := tree.Ascend(func(k, v []byte) bool {
		keys = append(keys, append([]byte(nil), k...))
		vals = append(vals, append([]byte(nil), v...))
		return true
	})
	require.NoError(t, err)
	return keys, vals
}

func treeHeight(t *testing.T, tree *Tree, pager *memPager) int {
	t.Helper()
	height := 0
	id := tree.Root()
	for id != InvalidPageID {
		node, err := pager.Fetch(id)
		require.NoError(t, err)
		kind, err := node.Kind()
		require.NoError(t, err)
		height++
		if kind == KindLeaf {
			return height
		}
		id = node.childID(0)
	}
	return height
}

// --- Test Cases ---

// TestInsert_SingleLeaf covers scenario A: 26 small entries stay in one
// leaf without any split.
func TestInsert_SingleLeaf(t *testing.T) {
	tree, pager := newTestTree(t)
	for c := byte('a'); c <= 'z'; c++ {
		require.NoError(t, tree.Insert([]byte{c}, []byte{c, c, c, c}))
	}

	root, err := pager.Fetch(tree.Root())
	require.NoError(t, err)
	kind, err := root.Kind()
	require.NoError(t, err)
	require.Equal(t, KindLeaf, kind)
	// 26 entries plus the empty sentinel at index 0.
	require.Equal(t, uint16(27), root.KeyCount())

	keys, _ := collectAll(t, tree)
	require.Len(t, keys, 26)
}

// TestInsert_MultiLevel covers scenario B: 500 entries with 900-byte
// values force repeated splits and a tree more than one level tall, while
// an in-order traversal still returns every key sorted with its value.
func TestInsert_MultiLevel(t *testing.T) {
	tree, pager := newTestTree(t)

	valueFor := func(i int) []byte {
		return bytes.Repeat([]byte{byte('a' + i%26)}, 900)
	}
	// Insert in a scattered order so splits hit interior leaves too.
	for i := 0; i < 500; i++ {
		k := (i*7 + 3) % 500
		key := []byte(fmt.Sprintf("user-%04d", k))
		require.NoError(t, tree.Insert(key, valueFor(k)))
	}

	require.Greater(t, treeHeight(t, tree, pager), 1)

	keys, vals := collectAll(t, tree)
	require.Len(t, keys, 500)
	for i := 0; i < 500; i++ {
		require.Equal(t, []byte(fmt.Sprintf("user-%04d", i)), keys[i])
		require.Equal(t, valueFor(i), vals[i])
	}
}

// TestInsert_Update covers scenario C: re-inserting an existing key
// replaces its value without changing the entry count.
func TestInsert_Update(t *testing.T) {
	tree, pager := newTestTree(t)
	require.NoError(t, tree.Insert([]byte("alpha"), []byte("one")))
	require.NoError(t, tree.Insert([]byte("beta"), []byte("two")))
	require.NoError(t, tree.Insert([]byte("alpha"), []byte("uno")))

	root, err := pager.Fetch(tree.Root())
	require.NoError(t, err)
	require.Equal(t, uint16(3), root.KeyCount()) // sentinel + 2 keys

	val, found, err := tree.Get([]byte("alpha"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("uno"), val)

	val, found, err = tree.Get([]byte("beta"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("two"), val)
}

func TestInsert_MonotonicKeysStaySorted(t *testing.T) {
	tree, pager := newTestTree(t)
	const n = 300
	heightBumps := 0
	lastHeight := 0
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%06d", i))
		require.NoError(t, tree.Insert(key, bytes.Repeat([]byte("v"), 120)))
		if h := treeHeight(t, tree, pager); h != lastHeight {
			require.Equal(t, lastHeight+1, h, "height must only grow by one")
			lastHeight = h
			heightBumps++
		}
	}

	keys, _ := collectAll(t, tree)
	require.Len(t, keys, n)
	for i := 1; i < n; i++ {
		require.Negative(t, bytes.Compare(keys[i-1], keys[i]))
	}
	require.GreaterOrEqual(t, heightBumps, 2, "expected at least one root split")
}

func TestInsert_RejectsOversizedEntries(t *testing.T) {
	tree, _ := newTestTree(t)

	require.ErrorIs(t, tree.Insert(nil, []byte("v")), ErrEmptyKey)
	require.ErrorIs(t, tree.Insert(bytes.Repeat([]byte("k"), MaxKeySize+1), []byte("v")), ErrKeyTooLarge)
	require.ErrorIs(t, tree.Insert([]byte("k"), bytes.Repeat([]byte("v"), MaxValSize+1)), ErrValueTooLarge)

	// Limits are inclusive.
	require.NoError(t, tree.Insert(bytes.Repeat([]byte("k"), MaxKeySize), bytes.Repeat([]byte("v"), MaxValSize)))
}

func TestGet_Missing(t *testing.T) {
	tree, _ := newTestTree(t)

	_, found, err := tree.Get([]byte("nope"))
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, tree.Insert([]byte("here"), []byte("yes")))
	_, found, err = tree.Get([]byte("nope"))
	require.NoError(t, err)
	require.False(t, found)
}

// TestInsert_ReleasesSupersededPages checks the copy-on-write contract:
// every insert beyond the first replaces pages instead of mutating them.
func TestInsert_ReleasesSupersededPages(t *testing.T) {
	tree, pager := newTestTree(t)
	require.NoError(t, tree.Insert([]byte("a"), []byte("1")))
	require.Empty(t, pager.released)

	firstRoot := tree.Root()
	require.NoError(t, tree.Insert([]byte("b"), []byte("2")))
	require.Equal(t, []PageID{firstRoot}, pager.released)
	require.NotEqual(t, firstRoot, tree.Root())
}

// faultPager fails the Nth Allocate call, simulating a transient storage
// fault (e.g. a full disk) partway through an insert.
type faultPager struct {
	*memPager
	failOnAllocate int
	allocates      int
}

func (f *faultPager) Allocate(node BNode) (PageID, error) {
	f.allocates++
	if f.allocates == f.failOnAllocate {
		return InvalidPageID, fmt.Errorf("allocate: no space left on device")
	}
	return f.memPager.Allocate(node)
}

// TestInsert_FaultAbortsWithoutEffect checks the abort contract: when an
// allocation fails partway up the recursion, the insert must leave the
// committed tree untouched, and no page reachable from its root may have
// been released.
func TestInsert_FaultAbortsWithoutEffect(t *testing.T) {
	tree, pager := newTestTree(t)
	for i := 0; i < 40; i++ {
		key := []byte(fmt.Sprintf("k%06d", i))
		require.NoError(t, tree.Insert(key, bytes.Repeat([]byte("v"), 400)))
	}
	require.Greater(t, treeHeight(t, tree, pager), 1)

	rootBefore := tree.Root()
	releasedBefore := len(pager.released)
	keysBefore, valsBefore := collectAll(t, tree)

	// An insert into a two-level tree allocates the new leaf first, then
	// the new root; fail the second allocation.
	faulty := &faultPager{memPager: pager, failOnAllocate: 2}
	broken := New(faulty, rootBefore, zap.NewNop())
	err := broken.Insert([]byte("k999999"), []byte("boom"))
	require.Error(t, err)

	// Root unchanged, nothing released, every committed page intact.
	require.Equal(t, rootBefore, broken.Root())
	require.Len(t, pager.released, releasedBefore)

	reread := New(pager, rootBefore, zap.NewNop())
	keys, vals := collectAll(t, reread)
	require.Equal(t, keysBefore, keys)
	require.Equal(t, valsBefore, vals)

	// The same pager still accepts a clean retry.
	require.NoError(t, reread.Insert([]byte("k999999"), []byte("ok")))
	val, found, err := reread.Get([]byte("k999999"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("ok"), val)
}

func TestInsert_CorruptKindTag(t *testing.T) {
	tree, pager := newTestTree(t)
	require.NoError(t, tree.Insert([]byte("a"), []byte("1")))

	pager.pages[tree.Root()].setHeader(NodeKind(42), 1)
	err := tree.Insert([]byte("b"), []byte("2"))
	require.ErrorIs(t, err, ErrInvalidNodeKind)
}
