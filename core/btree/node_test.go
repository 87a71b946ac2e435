package btree

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// --- Test Helpers ---

type entry struct {
	child PageID
	key   []byte
	val   []byte
}

// buildNode encodes entries into a fresh scratch buffer of the given size.
func buildNode(t *testing.T, kind NodeKind, size int, entries []entry) BNode {
	t.Helper()
	n := make(BNode, size)
	n.setHeader(kind, uint16(len(entries)))
	for i, e := range entries {
		n.appendKV(uint16(i), e.child, e.key, e.val)
	}
	require.LessOrEqual(t, n.EncodedSize(), size)
	return n
}

func collectEntries(t *testing.T, n BNode) []entry {
	t.Helper()
	out := make([]entry, 0, n.KeyCount())
	for i := uint16(0); i < n.KeyCount(); i++ {
		k, err := n.Key(i)
		require.NoError(t, err)
		v, err := n.Val(i)
		require.NoError(t, err)
		c, err := n.ChildID(i)
		require.NoError(t, err)
		out = append(out, entry{child: c, key: k, val: v})
	}
	return out
}

// --- Test Cases ---

func TestNodeCodec_RoundTrip(t *testing.T) {
	entries := []entry{
		{key: []byte("apple"), val: []byte("red")},
		{key: []byte("banana"), val: []byte("yellow")},
		{key: []byte("cherry"), val: []byte("dark red")},
	}
	n := buildNode(t, KindLeaf, PageSize, entries)

	kind, err := n.Kind()
	require.NoError(t, err)
	require.Equal(t, KindLeaf, kind)
	require.Equal(t, uint16(3), n.KeyCount())
	require.Equal(t, entries, collectEntries(t, n))
}

func TestNodeCodec_InternalChildIDs(t *testing.T) {
	entries := []entry{
		{child: 7, key: []byte("a"), val: []byte{}},
		{child: 9, key: []byte("m"), val: []byte{}},
	}
	n := buildNode(t, KindInternal, PageSize, entries)

	kind, err := n.Kind()
	require.NoError(t, err)
	require.Equal(t, KindInternal, kind)
	for i, e := range entries {
		id, err := n.ChildID(uint16(i))
		require.NoError(t, err)
		require.Equal(t, e.child, id)
	}
}

func TestNodeCodec_InvalidKind(t *testing.T) {
	n := make(BNode, PageSize)
	n.setHeader(NodeKind(9), 0)
	_, err := n.Kind()
	require.ErrorIs(t, err, ErrInvalidNodeKind)
}

func TestNodeCodec_BoundsViolation(t *testing.T) {
	n := buildNode(t, KindLeaf, PageSize, []entry{{key: []byte("k"), val: []byte("v")}})

	_, err := n.Key(1)
	require.ErrorIs(t, err, ErrBoundsViolation)
	_, err = n.Val(1)
	require.ErrorIs(t, err, ErrBoundsViolation)
	_, err = n.ChildID(1)
	require.ErrorIs(t, err, ErrBoundsViolation)
}

func TestLookupLE(t *testing.T) {
	// Index 0 is the low sentinel: the scan covers indices 1..KeyCount.
	n := buildNode(t, KindLeaf, PageSize, []entry{
		{key: []byte("b"), val: []byte("0")},
		{key: []byte("d"), val: []byte("1")},
		{key: []byte("f"), val: []byte("2")},
	})

	cases := []struct {
		query string
		want  uint16
	}{
		{"a", 0}, // below every comparable key
		{"b", 0},
		{"c", 0},
		{"d", 1},
		{"e", 1},
		{"f", 2},
		{"z", 2},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, n.LookupLE([]byte(tc.query)), "query %q", tc.query)
	}
}

func TestLeafInsert(t *testing.T) {
	old := buildNode(t, KindLeaf, PageSize, []entry{
		{key: []byte("a"), val: []byte("1")},
		{key: []byte("c"), val: []byte("3")},
	})
	dst := make(BNode, 2*PageSize)
	leafInsert(dst, old, 1, []byte("b"), []byte("2"))

	require.Equal(t, uint16(3), dst.KeyCount())
	require.Equal(t, []entry{
		{key: []byte("a"), val: []byte("1")},
		{key: []byte("b"), val: []byte("2")},
		{key: []byte("c"), val: []byte("3")},
	}, collectEntries(t, dst))
}

func TestLeafUpdate(t *testing.T) {
	old := buildNode(t, KindLeaf, PageSize, []entry{
		{key: []byte("a"), val: []byte("1")},
		{key: []byte("b"), val: []byte("2")},
		{key: []byte("c"), val: []byte("3")},
	})
	dst := make(BNode, 2*PageSize)
	leafUpdate(dst, old, 1, []byte("b"), []byte("two"))

	require.Equal(t, uint16(3), dst.KeyCount())
	require.Equal(t, []entry{
		{key: []byte("a"), val: []byte("1")},
		{key: []byte("b"), val: []byte("two")},
		{key: []byte("c"), val: []byte("3")},
	}, collectEntries(t, dst))
}

func TestAppendRange_RebasesOffsets(t *testing.T) {
	src := buildNode(t, KindLeaf, PageSize, []entry{
		{key: []byte("aa"), val: []byte("val-one")},
		{key: []byte("bb"), val: []byte("v2")},
		{key: []byte("cc"), val: []byte("the third value")},
	})
	dst := make(BNode, 2*PageSize)
	dst.setHeader(KindLeaf, 3)
	dst.appendKV(0, InvalidPageID, []byte("a"), []byte("x"))
	dst.appendRange(src, 1, 1, 2)

	require.Equal(t, []entry{
		{key: []byte("a"), val: []byte("x")},
		{key: []byte("bb"), val: []byte("v2")},
		{key: []byte("cc"), val: []byte("the third value")},
	}, collectEntries(t, dst))
}

// requireSplitValid checks the split contract: page-sized outputs whose
// concatenated entry sequence equals the input's.
func requireSplitValid(t *testing.T, input BNode, nsplit uint16, parts [3]BNode) {
	t.Helper()
	require.GreaterOrEqual(t, nsplit, uint16(1))
	require.LessOrEqual(t, nsplit, uint16(3))

	var got []entry
	for i := uint16(0); i < nsplit; i++ {
		require.LessOrEqual(t, parts[i].EncodedSize(), PageSize,
			"split part %d exceeds one page", i)
		got = append(got, collectEntries(t, parts[i])...)
	}
	require.Equal(t, collectEntries(t, input), got)
}

func TestNodeSplit3_FitsUnchanged(t *testing.T) {
	n := buildNode(t, KindLeaf, 2*PageSize, []entry{
		{key: []byte("a"), val: []byte("1")},
		{key: []byte("b"), val: []byte("2")},
	})
	nsplit, parts := nodeSplit3(n)
	require.Equal(t, uint16(1), nsplit)
	requireSplitValid(t, n, nsplit, parts)
}

func TestNodeSplit3_TwoWay(t *testing.T) {
	var entries []entry
	for i := 0; i < 6; i++ {
		entries = append(entries, entry{
			key: []byte(fmt.Sprintf("key-%02d", i)),
			val: bytes.Repeat([]byte{byte('a' + i)}, 900),
		})
	}
	n := buildNode(t, KindLeaf, 2*PageSize, entries)
	require.Greater(t, n.EncodedSize(), PageSize)

	nsplit, parts := nodeSplit3(n)
	require.Equal(t, uint16(2), nsplit)
	requireSplitValid(t, n, nsplit, parts)
}

func TestNodeSplit3_ThreeWay(t *testing.T) {
	// Three near-maximal entries cannot be divided at any single
	// boundary into two page-sized halves, forcing the second split.
	var entries []entry
	for i := 0; i < 3; i++ {
		entries = append(entries, entry{
			key: []byte(fmt.Sprintf("key-%d", i)),
			val: bytes.Repeat([]byte{byte('x' + i)}, 2500),
		})
	}
	n := buildNode(t, KindLeaf, 3*PageSize, entries)

	nsplit, parts := nodeSplit3(n)
	require.Equal(t, uint16(3), nsplit)
	requireSplitValid(t, n, nsplit, parts)
}
