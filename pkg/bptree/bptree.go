// Package bptree implements a disk-backed B+ tree over pkg/block storage.
// The root always lives at block 1; every node mutation deletes the chain
// backing that block and rewrites the new node at the same block number,
// so a node's block identity never changes across its lifetime. The
// algorithm (median-split-and-promote, root relocation on overflow, the
// leaf next/last sibling chain) follows the reference implementation this
// tree was distilled from; the serialization idiom (self-describing,
// CRC-checked node records) follows the teacher's record codec.
package bptree

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/ssargent/reactivedb/pkg/block"
	"github.com/ssargent/reactivedb/pkg/codec"
)

// DefaultOrder is the fanout used when a caller doesn't need a specific
// value; small enough to exercise splitting in tests without huge trees.
const DefaultOrder = 5

// Entry is one (index, value) pair, where value is a payload block number
// in the owning table's record storage.
type Entry struct {
	Index []byte
	Value uint64
}

// Tree is a disk-backed B+ tree. It is safe for concurrent use: a single
// RWMutex guards the whole tree, since every mutation can touch several
// blocks (split and promote) and partial visibility of a split is not a
// state any reader should observe.
type Tree struct {
	mu      sync.RWMutex
	storage *block.Storage
	order   int
}

// reference is a promoted separator produced by a split: Left is the
// block holding keys < Index (plus any duplicates of Index that sat left
// of the split median), Right is the block holding keys >= Index.
type reference struct {
	Index []byte
	Left  uint64
	Right uint64
}

// Open attaches a tree to storage, initializing an empty root leaf at
// block 1 if the storage is fresh (nothing has ever been allocated).
func Open(storage *block.Storage, order int) (*Tree, error) {
	if order < 3 {
		order = DefaultOrder
	}
	t := &Tree{storage: storage, order: order}
	if storage.HighWater() == 0 {
		root := codec.NodeData{Leaf: true, Next: -1, Last: -1, Size: order}
		if err := t.createNodeAt(1, root); err != nil {
			return nil, fmt.Errorf("bptree: initializing root: %w", err)
		}
	}
	return t, nil
}

func (t *Tree) createNodeAt(blockNum uint64, n codec.NodeData) error {
	_, err := t.storage.WriteData(codec.EncodeNode(n), blockNum)
	return err
}

// updateNode overwrites an existing node's block: delete the chain
// currently backing it, then write the new content at the same number.
func (t *Tree) updateNode(blockNum uint64, n codec.NodeData) error {
	if err := t.storage.DeleteData(blockNum); err != nil {
		return err
	}
	return t.createNodeAt(blockNum, n)
}

func (t *Tree) readNode(blockNum uint64) (codec.NodeData, error) {
	raw, err := t.storage.ReadData(blockNum)
	if err != nil {
		return codec.NodeData{}, fmt.Errorf("bptree: reading block %d: %w", blockNum, err)
	}
	n, err := codec.DecodeNode(raw)
	if err != nil {
		return codec.NodeData{}, fmt.Errorf("bptree: decoding block %d: %w", blockNum, err)
	}
	return n, nil
}

func (t *Tree) full(n codec.NodeData) bool {
	return len(n.Entries) >= t.order-1
}

// refChild finds the first reference entry whose index is >= key and
// returns the child to descend into: left if key is strictly less than
// that entry's index, right otherwise. Reference nodes always have at
// least one entry.
func refChild(entries []codec.EntryData, key []byte) uint64 {
	pos := sort.Search(len(entries), func(i int) bool {
		return bytes.Compare(entries[i].Index, key) >= 0
	})
	if pos >= len(entries) {
		pos = len(entries) - 1
	}
	if bytes.Compare(key, entries[pos].Index) < 0 {
		return entries[pos].Left
	}
	return entries[pos].Right
}

func insertLeafSorted(entries []codec.EntryData, e codec.EntryData) []codec.EntryData {
	pos := sort.Search(len(entries), func(i int) bool {
		return bytes.Compare(entries[i].Index, e.Index) > 0
	})
	out := make([]codec.EntryData, 0, len(entries)+1)
	out = append(out, entries[:pos]...)
	out = append(out, e)
	out = append(out, entries[pos:]...)
	return out
}

// insertRefSorted inserts e into entries in sorted order and returns the
// position it landed at, so the caller can patch the shared-child
// invariant: the reference immediately to the right of e (if any) must
// have its Left updated to e.Right.
func insertRefSorted(entries []codec.EntryData, e codec.EntryData) ([]codec.EntryData, int) {
	pos := sort.Search(len(entries), func(i int) bool {
		return bytes.Compare(entries[i].Index, e.Index) > 0
	})
	out := make([]codec.EntryData, 0, len(entries)+1)
	out = append(out, entries[:pos]...)
	out = append(out, e)
	out = append(out, entries[pos:]...)
	if pos+1 < len(out) {
		out[pos+1].Left = e.Right
	}
	return out, pos
}

// Insert adds (index, value) to the tree. Duplicate keys are preserved:
// inserting the same index twice yields two distinct leaf entries, both
// returned later by ExactSearch.
func (t *Tree) Insert(index []byte, value uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	promoted, err := t.insertInto(1, Entry{Index: index, Value: value})
	if err != nil {
		return err
	}
	if promoted != nil {
		root := codec.NodeData{
			Leaf: false,
			Entries: []codec.EntryData{
				{Index: promoted.Index, Left: promoted.Left, Right: promoted.Right},
			},
			Next: -1,
			Last: -1,
			Size: t.order,
		}
		if err := t.updateNode(1, root); err != nil {
			return fmt.Errorf("bptree: writing new root: %w", err)
		}
	}
	return nil
}

// insertInto inserts entry into the subtree rooted at blockNum, returning
// a promoted reference if blockNum's node split.
func (t *Tree) insertInto(blockNum uint64, entry Entry) (*reference, error) {
	node, err := t.readNode(blockNum)
	if err != nil {
		return nil, err
	}

	if !node.Leaf {
		child := refChild(node.Entries, entry.Index)
		promoted, err := t.insertInto(child, entry)
		if err != nil {
			return nil, err
		}
		if promoted == nil {
			return nil, nil
		}
		newEntry := codec.EntryData{Index: promoted.Index, Left: promoted.Left, Right: promoted.Right}
		if !t.full(node) {
			node.Entries, _ = insertRefSorted(node.Entries, newEntry)
			if err := t.updateNode(blockNum, node); err != nil {
				return nil, err
			}
			return nil, nil
		}
		return t.splitReference(blockNum, node, newEntry)
	}

	leafEntry := codec.EntryData{Index: entry.Index, Value: entry.Value}
	if !t.full(node) {
		node.Entries = insertLeafSorted(node.Entries, leafEntry)
		if err := t.updateNode(blockNum, node); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return t.splitLeaf(blockNum, node, leafEntry)
}

// splitLeaf splits an overflowing leaf at its median, placing the new
// entry in whichever half its key belongs to, and returns the promoted
// separator for the caller to insert into its parent.
func (t *Tree) splitLeaf(blockNum uint64, node codec.NodeData, newEntry codec.EntryData) (*reference, error) {
	mid := len(node.Entries) / 2
	median := append([]byte(nil), node.Entries[mid].Index...)

	left := append([]codec.EntryData(nil), node.Entries[:mid]...)
	right := append([]codec.EntryData(nil), node.Entries[mid:]...)
	if bytes.Compare(newEntry.Index, median) >= 0 {
		right = insertLeafSorted(right, newEntry)
	} else {
		left = insertLeafSorted(left, newEntry)
	}

	leftBlock := blockNum
	if blockNum == 1 {
		leftBlock = t.storage.Allocate()
	}

	rightBlock := t.storage.Allocate()

	leftNode := codec.NodeData{Leaf: true, Entries: left, Next: int64(rightBlock), Last: node.Last, Size: t.order}
	rightNode := codec.NodeData{Leaf: true, Entries: right, Next: node.Next, Last: int64(leftBlock), Size: t.order}

	if err := t.updateNode(leftBlock, leftNode); err != nil {
		return nil, err
	}
	if err := t.createNodeAt(rightBlock, rightNode); err != nil {
		return nil, err
	}

	if err := t.fixSiblingLast(rightNode.Next, rightBlock); err != nil {
		return nil, err
	}

	return &reference{Index: median, Left: leftBlock, Right: rightBlock}, nil
}

// fixSiblingLast updates the Last (previous-sibling) pointer of the leaf
// at blockNum, if any, to point at newLast. Used after a split inserts a
// new leaf between two existing siblings.
func (t *Tree) fixSiblingLast(blockNum int64, newLast uint64) error {
	if blockNum <= 0 {
		return nil
	}
	n, err := t.readNode(uint64(blockNum))
	if err != nil {
		return err
	}
	n.Last = int64(newLast)
	return t.updateNode(uint64(blockNum), n)
}

// splitReference splits an overflowing internal node at its median entry,
// promoting that entry itself rather than duplicating it on both sides.
func (t *Tree) splitReference(blockNum uint64, node codec.NodeData, newEntry codec.EntryData) (*reference, error) {
	all, _ := insertRefSorted(node.Entries, newEntry)
	mid := len(all) / 2
	promotedEntry := all[mid]

	left := append([]codec.EntryData(nil), all[:mid]...)
	right := append([]codec.EntryData(nil), all[mid+1:]...)

	leftBlock := blockNum
	if blockNum == 1 {
		leftBlock = t.storage.Allocate()
	}
	rightBlock := t.storage.Allocate()

	leftNode := codec.NodeData{Leaf: false, Entries: left, Next: -1, Last: -1, Size: t.order}
	rightNode := codec.NodeData{Leaf: false, Entries: right, Next: -1, Last: -1, Size: t.order}

	if err := t.updateNode(leftBlock, leftNode); err != nil {
		return nil, err
	}
	if err := t.createNodeAt(rightBlock, rightNode); err != nil {
		return nil, err
	}

	return &reference{Index: append([]byte(nil), promotedEntry.Index...), Left: leftBlock, Right: rightBlock}, nil
}

// ExactSearch returns every value stored under index, in insertion order
// within the leaf, following the leaf's sibling chain to cover duplicates
// that spilled into the next leaf during a split.
func (t *Tree) ExactSearch(index []byte) ([]uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	leafBlock, err := t.descendToLeaf(index)
	if err != nil {
		return nil, err
	}

	var out []uint64
	block := leafBlock
	for block != 0 {
		node, err := t.readNode(block)
		if err != nil {
			return nil, err
		}
		matchReachedEnd := false
		for _, e := range node.Entries {
			if bytes.Equal(e.Index, index) {
				out = append(out, e.Value)
				matchReachedEnd = true
			} else {
				matchReachedEnd = false
			}
		}
		// Duplicates can only straddle a leaf boundary, never skip a leaf
		// entirely, so only continue when the match region reached the
		// leaf's last position.
		if !matchReachedEnd || node.Next <= 0 {
			break
		}
		block = uint64(node.Next)
	}
	return out, nil
}

// GTSearch returns all (index, value) entries with index > key, or >= key
// when equals is true, in ascending order.
func (t *Tree) GTSearch(key []byte, equals bool) ([]Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	leafBlock, err := t.descendToLeaf(key)
	if err != nil {
		return nil, err
	}

	var out []Entry
	block := leafBlock
	for block != 0 {
		node, err := t.readNode(block)
		if err != nil {
			return nil, err
		}
		for _, e := range node.Entries {
			cmp := bytes.Compare(e.Index, key)
			if cmp > 0 || (equals && cmp == 0) {
				out = append(out, Entry{Index: e.Index, Value: e.Value})
			}
		}
		if node.Next <= 0 {
			break
		}
		block = uint64(node.Next)
	}
	return out, nil
}

// LTSearch returns all (index, value) entries with index < key, or <= key
// when equals is true, in ascending order. It walks the whole leaf chain
// from its head since the sibling chain has no backward-search shortcut.
func (t *Tree) LTSearch(key []byte, equals bool) ([]Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	head, err := t.leftmostLeaf()
	if err != nil {
		return nil, err
	}

	var out []Entry
	block := head
	for block != 0 {
		node, err := t.readNode(block)
		if err != nil {
			return nil, err
		}
		for _, e := range node.Entries {
			cmp := bytes.Compare(e.Index, key)
			if cmp < 0 || (equals && cmp == 0) {
				out = append(out, Entry{Index: e.Index, Value: e.Value})
			}
		}
		if node.Next <= 0 {
			break
		}
		block = uint64(node.Next)
	}
	return out, nil
}

// GetAll returns every (index, value) entry in ascending key order.
func (t *Tree) GetAll() ([]Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	head, err := t.leftmostLeaf()
	if err != nil {
		return nil, err
	}

	var out []Entry
	block := head
	for block != 0 {
		node, err := t.readNode(block)
		if err != nil {
			return nil, err
		}
		for _, e := range node.Entries {
			out = append(out, Entry{Index: e.Index, Value: e.Value})
		}
		if node.Next <= 0 {
			break
		}
		block = uint64(node.Next)
	}
	return out, nil
}

func (t *Tree) leftmostLeaf() (uint64, error) {
	block := uint64(1)
	for {
		node, err := t.readNode(block)
		if err != nil {
			return 0, err
		}
		if node.Leaf {
			return block, nil
		}
		if len(node.Entries) == 0 {
			return 0, fmt.Errorf("bptree: internal node at block %d has no entries", block)
		}
		block = node.Entries[0].Left
	}
}

func (t *Tree) descendToLeaf(key []byte) (uint64, error) {
	block := uint64(1)
	for {
		node, err := t.readNode(block)
		if err != nil {
			return 0, err
		}
		if !node.Leaf {
			block = refChild(node.Entries, key)
			continue
		}
		// Separator routing sends key right, but duplicates of a separator
		// that sat left of the split median stay at the tail of the left
		// sibling; step back while that sibling still ends with key.
		if len(node.Entries) == 0 || node.Last <= 0 || !bytes.Equal(node.Entries[0].Index, key) {
			return block, nil
		}
		prev, err := t.readNode(uint64(node.Last))
		if err != nil {
			return 0, err
		}
		if len(prev.Entries) == 0 || !bytes.Equal(prev.Entries[len(prev.Entries)-1].Index, key) {
			return block, nil
		}
		block = uint64(node.Last)
	}
}
