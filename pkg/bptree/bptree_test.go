package bptree

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssargent/reactivedb/pkg/block"
)

func openTestTree(t *testing.T, order int) *Tree {
	t.Helper()
	storage, err := block.Open(filepath.Join(t.TempDir(), "tree.blk"))
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	tree, err := Open(storage, order)
	require.NoError(t, err)
	return tree
}

func TestTree_InsertAndExactSearch(t *testing.T) {
	tree := openTestTree(t, 5)

	require.NoError(t, tree.Insert([]byte("apple"), 1))
	require.NoError(t, tree.Insert([]byte("banana"), 2))
	require.NoError(t, tree.Insert([]byte("cherry"), 3))

	got, err := tree.ExactSearch([]byte("banana"))
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, got)

	got, err = tree.ExactSearch([]byte("missing"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

// TestTree_DuplicateKeysAcrossSplits inserts the sequence from the
// canonical duplicate-key scenario (fanout 5, values 3,1,4,1,5,9,2,6,5,3,5)
// and checks that every duplicate of a key is returned by both
// ExactSearch and GetAll, in an order consistent with ascending keys.
func TestTree_DuplicateKeysAcrossSplits(t *testing.T) {
	tree := openTestTree(t, 5)

	seq := []uint64{3, 1, 4, 1, 5, 9, 2, 6, 5, 3, 5}
	for i, v := range seq {
		key := []byte{byte(v)}
		require.NoError(t, tree.Insert(key, uint64(i)))
	}

	fives, err := tree.ExactSearch([]byte{5})
	require.NoError(t, err)
	assert.Len(t, fives, 3, "key 5 was inserted three times")

	ones, err := tree.ExactSearch([]byte{1})
	require.NoError(t, err)
	assert.Len(t, ones, 2, "key 1 was inserted twice")

	all, err := tree.GetAll()
	require.NoError(t, err)
	require.Len(t, all, len(seq))
	for i := 1; i < len(all); i++ {
		assert.LessOrEqual(t, all[i-1].Index[0], all[i].Index[0], "get_all must be sorted ascending")
	}
}

func TestTree_RootStaysAtBlockOneAcrossSplits(t *testing.T) {
	tree := openTestTree(t, 3)

	for i := byte(0); i < 40; i++ {
		require.NoError(t, tree.Insert([]byte{i}, uint64(i)))
	}

	// The root must still be readable at block 1 after many splits, and
	// every key inserted must still be findable through it.
	for i := byte(0); i < 40; i++ {
		got, err := tree.ExactSearch([]byte{i})
		require.NoError(t, err)
		require.Equal(t, []uint64{uint64(i)}, got)
	}
}

func TestTree_GTAndLTSearch(t *testing.T) {
	tree := openTestTree(t, 4)

	for _, v := range []byte{10, 20, 30, 40, 50} {
		require.NoError(t, tree.Insert([]byte{v}, uint64(v)))
	}

	gt, err := tree.GTSearch([]byte{30}, false)
	require.NoError(t, err)
	require.Len(t, gt, 2)
	assert.Equal(t, byte(40), gt[0].Index[0])
	assert.Equal(t, byte(50), gt[1].Index[0])

	gte, err := tree.GTSearch([]byte{30}, true)
	require.NoError(t, err)
	require.Len(t, gte, 3)
	assert.Equal(t, byte(30), gte[0].Index[0])

	lt, err := tree.LTSearch([]byte{30}, false)
	require.NoError(t, err)
	require.Len(t, lt, 2)
	assert.Equal(t, byte(10), lt[0].Index[0])
	assert.Equal(t, byte(20), lt[1].Index[0])

	lte, err := tree.LTSearch([]byte{30}, true)
	require.NoError(t, err)
	require.Len(t, lte, 3)
}

// TestTree_MiddleInsertionPatchesAdjacentReference locks down the
// shared-child invariant ("adjacent references satisfy
// r[i].right == r[i+1].left") across a promotion that lands strictly
// between two existing separators in a non-full internal node, not just
// at its edges. Without patching the following reference's Left to the
// newly-promoted Right, a key in (median, nextSeparator) descends into
// the stale left-half child instead of the fresh right-half one, and
// GetAll stops returning entries in ascending order.
func TestTree_MiddleInsertionPatchesAdjacentReference(t *testing.T) {
	tree := openTestTree(t, 3)

	seq := []byte{10, 20, 30, 40, 25, 5, 7, 22, 26}
	for _, v := range seq {
		require.NoError(t, tree.Insert([]byte{v}, uint64(v)))
	}

	all, err := tree.GetAll()
	require.NoError(t, err)
	require.Len(t, all, len(seq))
	for i := 1; i < len(all); i++ {
		assert.LessOrEqual(t, all[i-1].Index[0], all[i].Index[0], "get_all must be sorted ascending")
	}

	for _, v := range seq {
		got, err := tree.ExactSearch([]byte{v})
		require.NoError(t, err)
		require.Equal(t, []uint64{uint64(v)}, got, "key %d must resolve to its own value", v)
	}
}

func TestTree_GetAllEmptyTree(t *testing.T) {
	tree := openTestTree(t, 5)
	all, err := tree.GetAll()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestTree_ReopenPreservesData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tree.blk")

	storage, err := block.Open(path)
	require.NoError(t, err)
	tree, err := Open(storage, 4)
	require.NoError(t, err)
	for i := byte(0); i < 10; i++ {
		require.NoError(t, tree.Insert([]byte{i}, uint64(i)))
	}
	require.NoError(t, storage.Close())

	storage2, err := block.Open(path)
	require.NoError(t, err)
	defer storage2.Close()
	tree2, err := Open(storage2, 4)
	require.NoError(t, err)

	all, err := tree2.GetAll()
	require.NoError(t, err)
	assert.Len(t, all, 10)
}
