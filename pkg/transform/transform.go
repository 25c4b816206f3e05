// Package transform implements the three derivation kinds a derived
// table can declare: Filter (conditional pass-through), Function
// (field-builder), and Union (field-level merge/subtract). Each
// implements Transform, the contract the cascade engine calls into.
package transform

import (
	"fmt"

	"github.com/ssargent/reactivedb/pkg/expr"
)

// Method tags a Transaction as an addition or a removal.
type Method int

const (
	ADD Method = iota
	REMOVE
)

func (m Method) String() string {
	if m == REMOVE {
		return "REMOVE"
	}
	return "ADD"
}

// Transaction is the ephemeral envelope the cascade threads through
// transforms: constructed at the point of mutation, passed down through
// the cascade, and dropped.
type Transaction struct {
	Table  string
	Key    string
	Value  map[string]interface{}
	Method Method
}

// Cascade is the capability a Transform needs from the datastore: read
// the currently stored value for a table/key (also satisfying
// expr.RecordSource), and write an ADD or REMOVE into some other table,
// which may itself trigger further cascading.
type Cascade interface {
	GetData(table, key string) (fields map[string]interface{}, ok bool, err error)
	AddData(table, key string, value map[string]interface{}) error
	RemoveData(table, key string) error
}

// Transform is the contract every derivation kind implements.
type Transform interface {
	SourceTables() []string
	DestinationTable() string
	Run(cascade Cascade, txn Transaction) error
}

// Filter passes a transaction's value through to Destination when
// Expression, evaluated against the current source record, holds.
// Expression may be an arbitrarily nested comparison/boolean tree (e.g.
// `(age > 18) AND (age < 65)`), not just a single field/op/value
// comparison, so it is carried whole rather than flattened.
type Filter struct {
	Expression  expr.ComparisonExpression
	Source      string
	Destination string
}

func (f *Filter) SourceTables() []string   { return []string{f.Source} }
func (f *Filter) DestinationTable() string { return f.Destination }

// Run evaluates Expression against the record currently stored at
// (txn.Table, txn.Key) — which, by the time a transform runs, already
// reflects the value the ADD just wrote. On REMOVE, the filter always
// forwards the removal regardless of the comparison's outcome.
func (f *Filter) Run(c Cascade, txn Transaction) error {
	if txn.Method == REMOVE {
		return c.RemoveData(f.Destination, txn.Key)
	}

	pass, err := f.Expression.Evaluate(c, txn.Table, txn.Key)
	if err != nil {
		return fmt.Errorf("transform: filter on %s.%s: %w", txn.Table, txn.Key, err)
	}
	if !pass {
		return nil
	}
	return c.AddData(f.Destination, txn.Key, txn.Value)
}

// Function builds a destination record containing only the dest_fields
// its expressions write, evaluated left to right. Every expression
// resolves its fields against the source record as currently stored
// (via the Cascade round trip), so none of them sees a value an earlier
// expression computed in the same run.
type Function struct {
	Expressions []expr.FunctionExpression
	Source      string
	Destination string
}

func (f *Function) SourceTables() []string   { return []string{f.Source} }
func (f *Function) DestinationTable() string { return f.Destination }

func (f *Function) Run(c Cascade, txn Transaction) error {
	if txn.Method == REMOVE {
		return c.RemoveData(f.Destination, txn.Key)
	}

	built := make(map[string]interface{}, len(f.Expressions))
	for _, fe := range f.Expressions {
		v, err := fe.Evaluate(c, txn.Table, txn.Key)
		if err != nil {
			return fmt.Errorf("transform: function on %s: %w", txn.Table, err)
		}
		built[fe.DestField] = v
	}
	return c.AddData(f.Destination, txn.Key, built)
}

// Union merges each source's record into one destination record, field
// by field, last writer wins. On REMOVE it subtracts every field the
// removed source record held from the destination, rather than deleting
// the destination key outright — so a key fed by more than one source
// table can lose one contributor's fields while keeping another's.
type Union struct {
	Sources     []string
	Destination string
}

func (u *Union) SourceTables() []string   { return u.Sources }
func (u *Union) DestinationTable() string { return u.Destination }

func (u *Union) Run(c Cascade, txn Transaction) error {
	existing, ok, err := c.GetData(u.Destination, txn.Key)
	if err != nil {
		return fmt.Errorf("transform: union reading %s.%s: %w", u.Destination, txn.Key, err)
	}
	merged := make(map[string]interface{}, len(existing))
	if ok {
		for k, v := range existing {
			merged[k] = v
		}
	}

	switch txn.Method {
	case ADD:
		for k, v := range txn.Value {
			merged[k] = v
		}
	case REMOVE:
		for k := range txn.Value {
			delete(merged, k)
		}
	}
	return c.AddData(u.Destination, txn.Key, merged)
}
