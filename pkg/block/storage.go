// Package block implements the paged block storage manager: a single
// append-growable file divided into fixed-size blocks linked into chains,
// with an in-memory free list for reuse of deleted blocks.
package block

import (
	"container/heap"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

const (
	// DataSize is the payload region of a single block, in bytes.
	DataSize = 500
	// RefSize is the size of the big-endian next-block pointer trailing
	// every block's payload.
	RefSize = 32
	// Size is the total on-disk size of one block.
	Size = DataSize + RefSize
)

// ErrCorrupt is returned when a block read fails: an I/O error other than
// reading past the end of the file, or a next-pointer beyond the file's
// high-water mark. A block past the end of the file reads back as zeros.
var ErrCorrupt = fmt.Errorf("block: corrupt block file")

var emptyBlock = make([]byte, Size)

// minHeap is a min-heap of freed block numbers, preferring low-numbered
// blocks for reuse so the backing file stays compact.
type minHeap []uint64

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(uint64)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// Storage manages one block file. Block numbers are 1-based; block 0 is
// reserved as the nil reference. All operations are safe for concurrent
// use; file I/O is synchronous and errors are treated as fatal by callers
// per the storage manager's failure semantics.
type Storage struct {
	mu         sync.Mutex
	file       *os.File
	freeList   minHeap
	highWater  uint64 // number of blocks ever allocated (1-based count)
}

// Open opens (creating if necessary) the block file at path.
func Open(path string) (*Storage, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("block: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("block: stat %s: %w", path, err)
	}
	if info.Size()%Size != 0 {
		f.Close()
		return nil, fmt.Errorf("block: %s: size %d is not a multiple of block size %d: %w", path, info.Size(), Size, ErrCorrupt)
	}
	// Block n occupies [n*Size, (n+1)*Size) and block 0 is never written,
	// so a file holding blocks 1..k is k+1 blocks long.
	highWater := uint64(info.Size() / Size)
	if highWater > 0 {
		highWater--
	}
	return &Storage{
		file:      f,
		highWater: highWater,
	}, nil
}

// Close closes the underlying file.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// Sync flushes the block file to stable storage.
func (s *Storage) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Sync()
}

// Allocate reserves a block number, preferring a reused block from the
// free list over growing the file.
func (s *Storage) Allocate() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocateLocked()
}

func (s *Storage) allocateLocked() uint64 {
	if len(s.freeList) > 0 {
		return heap.Pop(&s.freeList).(uint64)
	}
	s.highWater++
	return s.highWater
}

// readBlockLocked reads block n. A block that was reserved by Allocate but
// never written (the file hasn't grown that far yet) reads back as all
// zero, matching what a subsequent write would find there anyway; only a
// genuine I/O error is treated as corruption.
func (s *Storage) readBlockLocked(n uint64) ([]byte, error) {
	buf := make([]byte, Size)
	_, err := s.file.ReadAt(buf, int64(n)*Size)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("block: read block %d: %w: %v", n, ErrCorrupt, err)
	}
	return buf, nil
}

func (s *Storage) writeBlockLocked(n uint64, payload []byte) error {
	if len(payload) > Size {
		return fmt.Errorf("block: payload exceeds block size")
	}
	out := payload
	if len(out) < Size {
		out = make([]byte, Size)
		copy(out[Size-len(payload):], payload)
	}
	if _, err := s.file.WriteAt(out, int64(n)*Size); err != nil {
		return fmt.Errorf("block: write block %d: %w", n, err)
	}
	return nil
}

func (s *Storage) removeFromFreeListLocked(n uint64) {
	for i, b := range s.freeList {
		if b == n {
			heap.Remove(&s.freeList, i)
			return
		}
	}
}

// WriteData splits data into DataSize-byte chunks chained across blocks
// and writes it to the file, starting at block if block != 0, or a freshly
// allocated block otherwise. It returns the root block number of the
// chain. Short final chunks are left-padded with zero bytes to fill the
// block payload. ReadData strips the leading zero bytes of every block's
// payload, so callers must never store data in which any chunk begins
// with a zero byte (those bytes would be silently lost on read).
func (s *Storage) WriteData(data []byte, block uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if block == 0 {
		block = s.allocateLocked()
	} else {
		s.removeFromFreeListLocked(block)
		if block > s.highWater {
			s.highWater = block
		}
	}

	root := block
	cursor := 0
	for {
		end := cursor + DataSize
		last := end >= len(data)
		if end > len(data) {
			end = len(data)
		}
		chunk := data[cursor:end]
		cursor = end

		var ref [RefSize]byte
		var next uint64
		if !last {
			next = s.allocateLocked()
			binary.BigEndian.PutUint64(ref[RefSize-8:], next)
		}

		payload := make([]byte, 0, Size)
		payload = append(payload, chunk...)
		payload = append(payload, ref[:]...)
		if err := s.writeBlockLocked(block, payload); err != nil {
			return 0, err
		}

		if last {
			break
		}
		block = next
	}
	return root, nil
}

// ReadData follows the chain rooted at root, stripping the left-padding
// zero bytes from each block's payload, and returns the concatenated
// record bytes.
func (s *Storage) ReadData(root uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []byte
	block := root
	for {
		raw, err := s.readBlockLocked(block)
		if err != nil {
			return nil, err
		}
		payload := raw[:DataSize]
		next := binary.BigEndian.Uint64(raw[Size-8:])
		out = append(out, trimLeadingZeros(payload)...)
		if next == 0 {
			break
		}
		if next > s.highWater {
			return nil, fmt.Errorf("block: chain references block %d beyond high-water mark %d: %w", next, s.highWater, ErrCorrupt)
		}
		block = next
	}
	return out, nil
}

// DeleteData walks the chain rooted at root, zeroing every block and
// returning its number to the free list.
func (s *Storage) DeleteData(root uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	block := root
	for {
		raw, err := s.readBlockLocked(block)
		if err != nil {
			return err
		}
		next := binary.BigEndian.Uint64(raw[Size-8:])
		if err := s.writeBlockLocked(block, emptyBlock); err != nil {
			return err
		}
		heap.Push(&s.freeList, block)
		if next == 0 {
			break
		}
		block = next
	}
	return nil
}

// FreeListLen reports how many blocks are currently on the free list
// (used by tests to assert free-list bookkeeping).
func (s *Storage) FreeListLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.freeList)
}

// HighWater reports the number of blocks ever allocated. A fresh, empty
// block file reports 0; callers use this to detect an uninitialized file
// that still needs its first block written.
func (s *Storage) HighWater() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.highWater
}

func trimLeadingZeros(b []byte) []byte {
	i := 0
	for i < len(b) && b[i] == 0 {
		i++
	}
	return b[i:]
}
