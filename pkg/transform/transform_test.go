package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssargent/reactivedb/pkg/expr"
)

// fakeCascade is a minimal in-memory Cascade for exercising transforms
// without a real datastore.
type fakeCascade struct {
	tables map[string]map[string]map[string]interface{}
}

func newFakeCascade() *fakeCascade {
	return &fakeCascade{tables: map[string]map[string]map[string]interface{}{}}
}

func (f *fakeCascade) GetData(table, key string) (map[string]interface{}, bool, error) {
	t, ok := f.tables[table]
	if !ok {
		return nil, false, nil
	}
	rec, ok := t[key]
	return rec, ok, nil
}

func (f *fakeCascade) AddData(table, key string, value map[string]interface{}) error {
	if f.tables[table] == nil {
		f.tables[table] = map[string]map[string]interface{}{}
	}
	f.tables[table][key] = value
	return nil
}

func (f *fakeCascade) RemoveData(table, key string) error {
	delete(f.tables[table], key)
	return nil
}

func TestFilter_PassesWhenComparisonHolds(t *testing.T) {
	c := newFakeCascade()
	require.NoError(t, c.AddData("orders", "o1", map[string]interface{}{"total": float64(100)}))

	f := &Filter{
		Expression:  expr.ComparisonExpression{Op: expr.GT, Left: expr.FieldValue("total"), Right: expr.ScalarValue(float64(50))},
		Source:      "orders",
		Destination: "big_orders",
	}
	require.NoError(t, f.Run(c, Transaction{Table: "orders", Key: "o1", Value: map[string]interface{}{"total": float64(100)}, Method: ADD}))

	got, ok, err := c.GetData("big_orders", "o1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float64(100), got["total"])
}

func TestFilter_BlocksWhenComparisonFails(t *testing.T) {
	c := newFakeCascade()
	require.NoError(t, c.AddData("orders", "o1", map[string]interface{}{"total": float64(10)}))

	f := &Filter{
		Expression:  expr.ComparisonExpression{Op: expr.GT, Left: expr.FieldValue("total"), Right: expr.ScalarValue(float64(50))},
		Source:      "orders",
		Destination: "big_orders",
	}
	require.NoError(t, f.Run(c, Transaction{Table: "orders", Key: "o1", Value: map[string]interface{}{"total": float64(10)}, Method: ADD}))

	_, ok, err := c.GetData("big_orders", "o1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFunction_BuildsOnlyDeclaredDestFields(t *testing.T) {
	c := newFakeCascade()
	require.NoError(t, c.AddData("orders", "o1", map[string]interface{}{"price": float64(10), "qty": float64(4), "note": "gift"}))

	fn := &Function{
		Expressions: []expr.FunctionExpression{
			{Op: expr.Mult, Left: expr.FieldValue("price"), Right: expr.FieldValue("qty"), DestField: "subtotal"},
		},
		Source:      "orders",
		Destination: "totals",
	}
	txn := Transaction{Table: "orders", Key: "o1", Value: map[string]interface{}{"price": float64(10), "qty": float64(4), "note": "gift"}, Method: ADD}
	require.NoError(t, fn.Run(c, txn))

	got, ok, err := c.GetData("totals", "o1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"subtotal": float64(40)}, got, "only dest_fields touched by expressions survive")
}

func TestUnion_MergesFieldsAcrossSources(t *testing.T) {
	c := newFakeCascade()
	u := &Union{Sources: []string{"a", "b"}, Destination: "merged"}

	require.NoError(t, u.Run(c, Transaction{Table: "a", Key: "k1", Value: map[string]interface{}{"x": float64(1)}, Method: ADD}))
	require.NoError(t, u.Run(c, Transaction{Table: "b", Key: "k1", Value: map[string]interface{}{"y": float64(2)}, Method: ADD}))

	got, ok, err := c.GetData("merged", "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"x": float64(1), "y": float64(2)}, got)
}

func TestUnion_RemoveSubtractsOnlyRemovedSourceFields(t *testing.T) {
	c := newFakeCascade()
	u := &Union{Sources: []string{"a", "b"}, Destination: "merged"}

	require.NoError(t, u.Run(c, Transaction{Table: "a", Key: "k1", Value: map[string]interface{}{"x": float64(1)}, Method: ADD}))
	require.NoError(t, u.Run(c, Transaction{Table: "b", Key: "k1", Value: map[string]interface{}{"y": float64(2)}, Method: ADD}))

	require.NoError(t, u.Run(c, Transaction{Table: "a", Key: "k1", Value: map[string]interface{}{"x": float64(1)}, Method: REMOVE}))

	got, ok, err := c.GetData("merged", "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"y": float64(2)}, got, "removing source a must not disturb b's contribution")
}
