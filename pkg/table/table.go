// Package table implements the persistent key/record table: a disk-backed
// B+ tree index (pkg/bptree) over a disk-backed payload store (pkg/block),
// the way the teacher's key/value store paired a hash index with an
// append log. Records are dynamically-keyed field maps encoded with
// pkg/codec.
package table

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ssargent/reactivedb/pkg/bptree"
	"github.com/ssargent/reactivedb/pkg/block"
	"github.com/ssargent/reactivedb/pkg/codec"
)

// ErrNotImplemented is returned by Remove: the underlying B+ tree exposes
// no delete operation, so a table can never truly forget a key once
// written. Callers that need REMOVE semantics (the reactive cascade) must
// treat this error as informational, not fatal.
var ErrNotImplemented = errors.New("table: remove is not implemented")

// Record is one key/value pair as stored in a table.
type Record struct {
	Key    string
	Fields map[string]interface{}
}

// PersistentTable maps string keys to field-map records, backed by two
// files: <name>.index (the B+ tree) and <name>.table (the record payloads).
type PersistentTable struct {
	mu        sync.RWMutex
	name      string
	index     *bptree.Tree
	indexFile *block.Storage
	data      *block.Storage
}

// Open opens (creating if necessary) the table named name inside dir.
func Open(dir, name string, order int) (*PersistentTable, error) {
	indexFile, err := block.Open(filepath.Join(dir, name+".index"))
	if err != nil {
		return nil, fmt.Errorf("table %s: opening index: %w", name, err)
	}
	dataFile, err := block.Open(filepath.Join(dir, name+".table"))
	if err != nil {
		indexFile.Close()
		return nil, fmt.Errorf("table %s: opening data: %w", name, err)
	}
	tree, err := bptree.Open(indexFile, order)
	if err != nil {
		indexFile.Close()
		dataFile.Close()
		return nil, fmt.Errorf("table %s: opening tree: %w", name, err)
	}
	return &PersistentTable{name: name, index: tree, indexFile: indexFile, data: dataFile}, nil
}

// Close closes both backing files.
func (t *PersistentTable) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	err1 := t.indexFile.Close()
	err2 := t.data.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Add writes fields to storage and indexes key against the new payload
// block. Re-adding an existing key does not erase the old entry's leaf
// record or reclaim its payload blocks — the B+ tree has no delete
// operation — it simply becomes shadowed: every read path resolves a key
// to its most recently inserted entry.
func (t *PersistentTable) Add(key string, fields map[string]interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	encoded, err := codec.EncodeRecord(fields)
	if err != nil {
		return fmt.Errorf("table %s: encoding %q: %w", t.name, key, err)
	}
	root, err := t.data.WriteData(encoded, 0)
	if err != nil {
		return fmt.Errorf("table %s: writing %q: %w", t.name, key, err)
	}
	if err := t.index.Insert([]byte(key), root); err != nil {
		return fmt.Errorf("table %s: indexing %q: %w", t.name, key, err)
	}
	return nil
}

// Get returns the most recently added record for key, or ok=false if the
// key was never added.
func (t *PersistentTable) Get(key string) (fields map[string]interface{}, ok bool, err error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	matches, err := t.index.ExactSearch([]byte(key))
	if err != nil {
		return nil, false, fmt.Errorf("table %s: searching %q: %w", t.name, key, err)
	}
	if len(matches) == 0 {
		return nil, false, nil
	}
	raw, err := t.data.ReadData(matches[len(matches)-1])
	if err != nil {
		return nil, false, fmt.Errorf("table %s: reading %q: %w", t.name, key, err)
	}
	fields, err = codec.DecodeRecord(raw)
	if err != nil {
		return nil, false, fmt.Errorf("table %s: decoding %q: %w", t.name, key, err)
	}
	return fields, true, nil
}

// Remove always fails: the persistent table's B+ tree index has no delete
// operation, so removal is intentionally unimplemented. Reactive-path
// callers treat this as a no-op, not a fatal error.
func (t *PersistentTable) Remove(key string) error {
	return fmt.Errorf("table %s: remove %q: %w", t.name, key, ErrNotImplemented)
}

// GetAll returns every record currently stored, one per distinct key, in
// ascending key order, resolving duplicate index entries to the
// most-recently-added value.
func (t *PersistentTable) GetAll() ([]Record, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entries, err := t.index.GetAll()
	if err != nil {
		return nil, fmt.Errorf("table %s: get_all: %w", t.name, err)
	}
	return t.resolve(entries)
}

// GreaterThan returns every record with key > than (or >= when equals),
// in ascending key order.
func (t *PersistentTable) GreaterThan(than string, equals bool) ([]Record, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entries, err := t.index.GTSearch([]byte(than), equals)
	if err != nil {
		return nil, fmt.Errorf("table %s: greater_than %q: %w", t.name, than, err)
	}
	return t.resolve(entries)
}

// LessThan returns every record with key < than (or <= when equals), in
// ascending key order.
func (t *PersistentTable) LessThan(than string, equals bool) ([]Record, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entries, err := t.index.LTSearch([]byte(than), equals)
	if err != nil {
		return nil, fmt.Errorf("table %s: less_than %q: %w", t.name, than, err)
	}
	return t.resolve(entries)
}

// resolve collapses a list of (possibly duplicate-keyed) index entries
// down to one Record per distinct key, keeping each key's last-seen
// payload pointer, and reads the payloads back in ascending key order.
func (t *PersistentTable) resolve(entries []bptree.Entry) ([]Record, error) {
	latest := make(map[string]uint64, len(entries))
	var keys []string
	for _, e := range entries {
		k := string(e.Index)
		if _, seen := latest[k]; !seen {
			keys = append(keys, k)
		}
		latest[k] = e.Value
	}
	sort.Strings(keys)

	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		raw, err := t.data.ReadData(latest[k])
		if err != nil {
			return nil, fmt.Errorf("table %s: reading %q: %w", t.name, k, err)
		}
		fields, err := codec.DecodeRecord(raw)
		if err != nil {
			return nil, fmt.Errorf("table %s: decoding %q: %w", t.name, k, err)
		}
		out = append(out, Record{Key: k, Fields: fields})
	}
	return out, nil
}
