package codec

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// EntryData is the wire shape of one B+ tree node entry: a leaf entry
// carries Value (a payload block pointer); a reference (internal-node)
// entry carries Left/Right child block pointers instead.
type EntryData struct {
	Index []byte
	Value uint64 // leaf entries only
	Left  uint64 // reference entries only
	Right uint64 // reference entries only
}

// NodeData is the self-describing {type, entries, next, last, size}
// schema from spec.md §6, shared by leaf and reference nodes.
type NodeData struct {
	Leaf    bool
	Entries []EntryData
	Next    int64 // -1 for none
	Last    int64 // -1 for none
	Size    int   // tree fanout (node_size)
}

// nodeMarker is a fixed nonzero leading byte, for the same reason
// recordMarker exists in record.go: the block layer strips leading zero
// bytes from every chunk of a chain on read. Without it, a CRC32 whose
// high byte happened to be 0x00 would be silently truncated and fail to
// decode. Like recordMarker, it only protects the node's first chunk.
const nodeMarker byte = 0x5A

// EncodeNode serializes a node into a CRC32-checked binary record.
//
// Format: Marker(1) | CRC32(4) | Leaf(1) | Size(4) | Next(8) | Last(8) |
// EntryCount(4) | { IndexLen(4) Index [Value(8) | Left(8) Right(8)] }*
func EncodeNode(n NodeData) []byte {
	body := encodeNodeBody(n)
	crc := crc32.ChecksumIEEE(body)
	out := make([]byte, 5+len(body))
	out[0] = nodeMarker
	binary.BigEndian.PutUint32(out[1:5], crc)
	copy(out[5:], body)
	return out
}

func encodeNodeBody(n NodeData) []byte {
	var body []byte

	leafByte := byte(0)
	if n.Leaf {
		leafByte = 1
	}
	body = append(body, leafByte)

	sizeBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(sizeBuf, uint32(n.Size))
	body = append(body, sizeBuf...)

	nextBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(nextBuf, uint64(n.Next))
	body = append(body, nextBuf...)

	lastBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(lastBuf, uint64(n.Last))
	body = append(body, lastBuf...)

	countBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(countBuf, uint32(len(n.Entries)))
	body = append(body, countBuf...)

	for _, e := range n.Entries {
		idxLen := make([]byte, 4)
		binary.BigEndian.PutUint32(idxLen, uint32(len(e.Index)))
		body = append(body, idxLen...)
		body = append(body, e.Index...)

		if n.Leaf {
			valBuf := make([]byte, 8)
			binary.BigEndian.PutUint64(valBuf, e.Value)
			body = append(body, valBuf...)
		} else {
			lr := make([]byte, 16)
			binary.BigEndian.PutUint64(lr[:8], e.Left)
			binary.BigEndian.PutUint64(lr[8:], e.Right)
			body = append(body, lr...)
		}
	}
	return body
}

// DecodeNode reverses EncodeNode, validating the marker and CRC32 first.
func DecodeNode(data []byte) (NodeData, error) {
	if len(data) < 1+4+1+4+8+8+4 {
		return NodeData{}, fmt.Errorf("codec: node record too short")
	}
	if data[0] != nodeMarker {
		return NodeData{}, fmt.Errorf("codec: node marker mismatch: want %x got %x", nodeMarker, data[0])
	}
	wantCRC := binary.BigEndian.Uint32(data[1:5])
	body := data[5:]
	if gotCRC := crc32.ChecksumIEEE(body); gotCRC != wantCRC {
		return NodeData{}, fmt.Errorf("codec: node CRC mismatch: want %x got %x", wantCRC, gotCRC)
	}

	pos := 0
	leaf := body[pos] == 1
	pos++
	size := int(binary.BigEndian.Uint32(body[pos : pos+4]))
	pos += 4
	next := int64(binary.BigEndian.Uint64(body[pos : pos+8]))
	pos += 8
	last := int64(binary.BigEndian.Uint64(body[pos : pos+8]))
	pos += 8
	count := binary.BigEndian.Uint32(body[pos : pos+4])
	pos += 4

	entries := make([]EntryData, 0, count)
	for i := uint32(0); i < count; i++ {
		if pos+4 > len(body) {
			return NodeData{}, fmt.Errorf("codec: truncated node entry")
		}
		idxLen := int(binary.BigEndian.Uint32(body[pos : pos+4]))
		pos += 4
		if pos+idxLen > len(body) {
			return NodeData{}, fmt.Errorf("codec: truncated node entry index")
		}
		index := append([]byte(nil), body[pos:pos+idxLen]...)
		pos += idxLen

		var e EntryData
		e.Index = index
		if leaf {
			if pos+8 > len(body) {
				return NodeData{}, fmt.Errorf("codec: truncated leaf value")
			}
			e.Value = binary.BigEndian.Uint64(body[pos : pos+8])
			pos += 8
		} else {
			if pos+16 > len(body) {
				return NodeData{}, fmt.Errorf("codec: truncated reference children")
			}
			e.Left = binary.BigEndian.Uint64(body[pos : pos+8])
			e.Right = binary.BigEndian.Uint64(body[pos+8 : pos+16])
			pos += 16
		}
		entries = append(entries, e)
	}

	return NodeData{
		Leaf:    leaf,
		Entries: entries,
		Next:    next,
		Last:    last,
		Size:    size,
	}, nil
}
