package table

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestTable(t *testing.T) *PersistentTable {
	t.Helper()
	tbl, err := Open(t.TempDir(), "widgets", 5)
	require.NoError(t, err)
	t.Cleanup(func() { tbl.Close() })
	return tbl
}

func TestPersistentTable_AddGet(t *testing.T) {
	tbl := openTestTable(t)

	require.NoError(t, tbl.Add("alice", map[string]interface{}{"age": float64(30)}))

	got, ok, err := tbl.Get("alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float64(30), got["age"])

	_, ok, err = tbl.Get("bob")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPersistentTable_ReAddShadowsOldValue(t *testing.T) {
	tbl := openTestTable(t)

	require.NoError(t, tbl.Add("alice", map[string]interface{}{"age": float64(30)}))
	require.NoError(t, tbl.Add("alice", map[string]interface{}{"age": float64(31)}))

	got, ok, err := tbl.Get("alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float64(31), got["age"])
}

func TestPersistentTable_Remove_NotImplemented(t *testing.T) {
	tbl := openTestTable(t)
	require.NoError(t, tbl.Add("alice", map[string]interface{}{"age": float64(30)}))

	err := tbl.Remove("alice")
	assert.True(t, errors.Is(err, ErrNotImplemented))
}

func TestPersistentTable_GetAll(t *testing.T) {
	tbl := openTestTable(t)
	require.NoError(t, tbl.Add("b", map[string]interface{}{"v": float64(2)}))
	require.NoError(t, tbl.Add("a", map[string]interface{}{"v": float64(1)}))
	require.NoError(t, tbl.Add("c", map[string]interface{}{"v": float64(3)}))
	require.NoError(t, tbl.Add("b", map[string]interface{}{"v": float64(20)}))

	all, err := tbl.GetAll()
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].Key)
	assert.Equal(t, "b", all[1].Key)
	assert.Equal(t, float64(20), all[1].Fields["v"], "GetAll resolves to the most recently added value")
	assert.Equal(t, "c", all[2].Key)
}

func TestPersistentTable_GreaterAndLessThan(t *testing.T) {
	tbl := openTestTable(t)
	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, tbl.Add(k, map[string]interface{}{"key": k}))
	}

	gt, err := tbl.GreaterThan("b", false)
	require.NoError(t, err)
	require.Len(t, gt, 2)
	assert.Equal(t, "c", gt[0].Key)
	assert.Equal(t, "d", gt[1].Key)

	lte, err := tbl.LessThan("b", true)
	require.NoError(t, err)
	require.Len(t, lte, 2)
	assert.Equal(t, "a", lte[0].Key)
	assert.Equal(t, "b", lte[1].Key)
}
