// Package datastore implements the reactive datastore: a registry of
// source and derived tables, the input/output dependency graph between
// them, and the cascade engine that runs a derived table's transform
// whenever one of its inputs changes. A single RWMutex covers every
// mutation's entire transitive cascade, matching the source's
// process-wide single-writer model.
package datastore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ssargent/reactivedb/pkg/table"
	"github.com/ssargent/reactivedb/pkg/transform"
)

// ErrDependencyCycle is returned by AddDerivedTable when wiring the new
// table's inputs would make the input/output graph cyclic.
var ErrDependencyCycle = errors.New("datastore: dependency graph would contain a cycle")

// ErrUnknownTable is returned for any operation against a table name
// that was never registered.
var ErrUnknownTable = errors.New("datastore: unknown table")

// TableType distinguishes a source table (fed directly by clients) from
// a derived table (fed only by its transform's cascade).
type TableType int

const (
	Source TableType = iota
	Derived
)

func (t TableType) String() string {
	if t == Derived {
		return "derived"
	}
	return "source"
}

// DerivedSettings records a table's place in the dependency graph: which
// tables feed it (Inputs), which derived tables it feeds (Outputs), and,
// for derived tables, the Transform that produces its contents. Source
// tables have a nil Transform and empty Inputs.
type DerivedSettings struct {
	Inputs    []string
	Outputs   []string
	Transform transform.Transform
}

// Table is one registered table: its identity, its place in the
// dependency graph, and its backing storage.
type Table struct {
	Name     string
	Type     TableType
	Settings DerivedSettings

	storage *table.PersistentTable
}

// EventKind distinguishes the two notifications an Observer can receive.
type EventKind string

const (
	EventInsert EventKind = "Insert"
	EventDelete EventKind = "Delete"
)

// Event is pushed to every subscribed Observer once a write to Table
// completes, at every level of a cascade — a client listening on a
// derived table is notified exactly like one listening on a source
// table. Value is the record that was written (Insert) or the record
// that existed immediately before removal (Delete).
type Event struct {
	Table string
	Kind  EventKind
	Value map[string]interface{}
}

// Datastore owns every table and the dependency graph between them.
type Datastore struct {
	mu     sync.RWMutex
	dir    string
	order  int
	tables map[string]*Table

	obsMu     sync.RWMutex
	observers map[string]func(Event)
	nextObs   uint64
}

// New creates a datastore whose tables persist under dir, using order as
// the B+ tree fanout for every table's index.
func New(dir string, order int) *Datastore {
	return &Datastore{dir: dir, order: order, tables: make(map[string]*Table), observers: make(map[string]func(Event))}
}

// Subscribe registers fn to be called with every Event the datastore
// emits from this point forward and returns an unsubscribe function.
// fn is invoked synchronously from inside the cascade that produced the
// event, so it must not block or call back into the Datastore — exactly
// the "best-effort, never block a writer" contract pkg/netproto's event
// hub relies on (it hands events off to a buffered per-subscriber
// channel and drops them rather than blocking here).
func (d *Datastore) Subscribe(fn func(Event)) (unsubscribe func()) {
	d.obsMu.Lock()
	d.nextObs++
	id := fmt.Sprintf("obs-%d", d.nextObs)
	d.observers[id] = fn
	d.obsMu.Unlock()

	return func() {
		d.obsMu.Lock()
		delete(d.observers, id)
		d.obsMu.Unlock()
	}
}

func (d *Datastore) emit(ev Event) {
	d.obsMu.RLock()
	defer d.obsMu.RUnlock()
	for _, fn := range d.observers {
		fn(ev)
	}
}

// Close closes every registered table's backing storage.
func (d *Datastore) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var first error
	for _, t := range d.tables {
		if err := t.storage.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// AddSourceTable registers name as a source table and creates its
// backing storage.
func (d *Datastore) AddSourceTable(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.tables[name]; exists {
		return fmt.Errorf("datastore: table %q already registered", name)
	}
	storage, err := table.Open(d.dir, name, d.order)
	if err != nil {
		return fmt.Errorf("datastore: opening source table %q: %w", name, err)
	}
	d.tables[name] = &Table{Name: name, Type: Source, storage: storage}
	return nil
}

// AddDerivedTable registers name as a derived table built from tr,
// wiring name as an output on each of tr's source tables. It rejects
// registration if doing so would introduce a cycle in the input/output
// graph, or if any of tr's source tables is not yet registered.
func (d *Datastore) AddDerivedTable(name string, tr transform.Transform) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.tables[name]; exists {
		return fmt.Errorf("datastore: table %q already registered", name)
	}
	inputs := tr.SourceTables()
	for _, in := range inputs {
		if _, ok := d.tables[in]; !ok {
			return fmt.Errorf("datastore: derived table %q references unknown input %q: %w", name, in, ErrUnknownTable)
		}
	}

	storage, err := table.Open(d.dir, name, d.order)
	if err != nil {
		return fmt.Errorf("datastore: opening derived table %q: %w", name, err)
	}

	d.tables[name] = &Table{
		Name:     name,
		Type:     Derived,
		Settings: DerivedSettings{Inputs: inputs, Transform: tr},
		storage:  storage,
	}
	for _, in := range inputs {
		d.tables[in].Settings.Outputs = append(d.tables[in].Settings.Outputs, name)
	}

	if d.hasCycleLocked() {
		for _, in := range inputs {
			outs := d.tables[in].Settings.Outputs
			d.tables[in].Settings.Outputs = outs[:len(outs)-1]
		}
		delete(d.tables, name)
		storage.Close()
		return fmt.Errorf("datastore: registering %q: %w", name, ErrDependencyCycle)
	}
	return nil
}

// hasCycleLocked runs a standard three-color DFS over the outputs
// adjacency and reports whether the graph contains a cycle. Called with
// d.mu already held.
func (d *Datastore) hasCycleLocked() bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(d.tables))

	var visit func(name string) bool
	visit = func(name string) bool {
		color[name] = gray
		for _, out := range d.tables[name].Settings.Outputs {
			switch color[out] {
			case gray:
				return true
			case white:
				if visit(out) {
					return true
				}
			}
		}
		color[name] = black
		return false
	}

	for name := range d.tables {
		if color[name] == white {
			if visit(name) {
				return true
			}
		}
	}
	return false
}

// TableNames returns every registered table's name, in no particular
// order. Used by the admin surface's debug/stats endpoints.
func (d *Datastore) TableNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.tables))
	for name := range d.tables {
		names = append(names, name)
	}
	return names
}

// GetTable returns the registered table named name, if any.
func (d *Datastore) GetTable(name string) (*Table, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tables[name]
	return t, ok
}

// GetData returns the currently stored fields for key in tableName. This
// is the read path: it takes only a shared lock and may run concurrently
// with other readers.
func (d *Datastore) GetData(tableName, key string) (map[string]interface{}, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.getDataLocked(tableName, key)
}

// GetAll returns every record currently stored in tableName.
func (d *Datastore) GetAll(tableName string) ([]table.Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tables[tableName]
	if !ok {
		return nil, fmt.Errorf("datastore: get_all %q: %w", tableName, ErrUnknownTable)
	}
	return t.storage.GetAll()
}

// GreaterThan returns every record in tableName whose key is greater
// than (or, if equals, greater than or equal to) than.
func (d *Datastore) GreaterThan(tableName, than string, equals bool) ([]table.Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tables[tableName]
	if !ok {
		return nil, fmt.Errorf("datastore: greater_than %q: %w", tableName, ErrUnknownTable)
	}
	return t.storage.GreaterThan(than, equals)
}

// LessThan returns every record in tableName whose key is less than (or,
// if equals, less than or equal to) than.
func (d *Datastore) LessThan(tableName, than string, equals bool) ([]table.Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tables[tableName]
	if !ok {
		return nil, fmt.Errorf("datastore: less_than %q: %w", tableName, ErrUnknownTable)
	}
	return t.storage.LessThan(than, equals)
}

// AddData writes value into tableName at key, then cascades an ADD
// transaction into every derived table that lists tableName as an
// input, recursively. The entire cascade runs under one exclusive lock.
func (d *Datastore) AddData(tableName, key string, value map[string]interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addDataLocked(tableName, key, value)
}

// RemoveData cascades a REMOVE transaction to every output of tableName
// before attempting to remove key from the table itself, so downstream
// transforms can still resolve the outgoing value via GetData.
func (d *Datastore) RemoveData(tableName, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removeDataLocked(tableName, key)
}

func (d *Datastore) getDataLocked(tableName, key string) (map[string]interface{}, bool, error) {
	t, ok := d.tables[tableName]
	if !ok {
		return nil, false, fmt.Errorf("datastore: get_data %q: %w", tableName, ErrUnknownTable)
	}
	return t.storage.Get(key)
}

func (d *Datastore) addDataLocked(tableName, key string, value map[string]interface{}) error {
	t, ok := d.tables[tableName]
	if !ok {
		return fmt.Errorf("datastore: add_data %q: %w", tableName, ErrUnknownTable)
	}
	if err := t.storage.Add(key, value); err != nil {
		return fmt.Errorf("datastore: add_data %s.%s: %w", tableName, key, err)
	}
	d.emit(Event{Table: tableName, Kind: EventInsert, Value: value})

	txn := transform.Transaction{Table: tableName, Key: key, Value: value, Method: transform.ADD}
	for _, outName := range t.Settings.Outputs {
		out := d.tables[outName]
		if err := out.Settings.Transform.Run(cascadeHandle{d}, txn); err != nil {
			return fmt.Errorf("datastore: cascading %s -> %s: %w", tableName, outName, err)
		}
	}
	return nil
}

func (d *Datastore) removeDataLocked(tableName, key string) error {
	t, ok := d.tables[tableName]
	if !ok {
		return fmt.Errorf("datastore: remove_data %q: %w", tableName, ErrUnknownTable)
	}

	value, _, err := d.getDataLocked(tableName, key)
	if err != nil {
		return fmt.Errorf("datastore: remove_data %s.%s: %w", tableName, key, err)
	}

	txn := transform.Transaction{Table: tableName, Key: key, Value: value, Method: transform.REMOVE}
	for _, outName := range t.Settings.Outputs {
		out := d.tables[outName]
		if err := out.Settings.Transform.Run(cascadeHandle{d}, txn); err != nil {
			return fmt.Errorf("datastore: cascading remove %s -> %s: %w", tableName, outName, err)
		}
	}

	if err := t.storage.Remove(key); err != nil && !errors.Is(err, table.ErrNotImplemented) {
		return fmt.Errorf("datastore: remove_data %s.%s: %w", tableName, key, err)
	}
	d.emit(Event{Table: tableName, Kind: EventDelete, Value: value})
	return nil
}

// cascadeHandle implements transform.Cascade over a Datastore whose
// mutex the caller already holds — AddData/RemoveData acquire d.mu once
// for the whole transitive cascade, so the transforms they invoke must
// reach the *Locked methods directly rather than re-entering the public,
// self-locking API.
type cascadeHandle struct{ d *Datastore }

func (c cascadeHandle) GetData(tableName, key string) (map[string]interface{}, bool, error) {
	return c.d.getDataLocked(tableName, key)
}

func (c cascadeHandle) AddData(tableName, key string, value map[string]interface{}) error {
	return c.d.addDataLocked(tableName, key, value)
}

func (c cascadeHandle) RemoveData(tableName, key string) error {
	return c.d.removeDataLocked(tableName, key)
}
