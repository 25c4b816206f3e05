// Package codec provides self-describing binary encodings for the two
// payloads the storage layer ever has to serialize: a table record (a
// dynamically-keyed field map) and a B+ tree node. Both are CRC32-checked,
// in the spirit of the teacher's record codec, so a short or corrupted
// read is caught at decode time rather than silently misinterpreted.
package codec

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
)

// field value type markers.
const (
	typeString byte = iota
	typeFloat64
	typeBool
)

// recordMarker is a fixed nonzero leading byte. The block layer strips
// leading zero bytes from every chunk of a chain on read (storage.go's
// trimLeadingZeros). Without this marker, a CRC32 whose high byte
// happened to be 0x00 — about 1 in 256 writes — would be silently
// truncated and fail to decode. The marker only protects a record's
// first chunk: a record longer than block.DataSize bytes whose later
// chunk begins with a zero byte still loses that byte on read and fails
// its CRC check.
const recordMarker byte = 0xA5

// EncodeRecord serializes a field map (string/float64/bool values only)
// into a CRC32-checked binary record.
//
// Format: Marker(1) | CRC32(4) | FieldCount(4) | { NameLen(2) Name TypeByte(1) Value }*
func EncodeRecord(fields map[string]interface{}) ([]byte, error) {
	body, err := encodeRecordBody(fields)
	if err != nil {
		return nil, err
	}
	crc := crc32.ChecksumIEEE(body)
	out := make([]byte, 5+len(body))
	out[0] = recordMarker
	binary.BigEndian.PutUint32(out[1:5], crc)
	copy(out[5:], body)
	return out, nil
}

func encodeRecordBody(fields map[string]interface{}) ([]byte, error) {
	// The length-prefixed encoding doesn't need key order to be
	// stable on disk; map iteration order is fine since decode rebuilds
	// a map keyed by name.
	var body []byte
	countBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(countBuf, uint32(len(fields)))
	body = append(body, countBuf...)

	for name, value := range fields {
		if len(name) > math.MaxUint16 {
			return nil, fmt.Errorf("codec: field name %q too long", name)
		}
		nameLen := make([]byte, 2)
		binary.BigEndian.PutUint16(nameLen, uint16(len(name)))
		body = append(body, nameLen...)
		body = append(body, name...)

		encoded, err := encodeScalar(value)
		if err != nil {
			return nil, fmt.Errorf("codec: field %q: %w", name, err)
		}
		body = append(body, encoded...)
	}
	return body, nil
}

func encodeScalar(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case string:
		buf := make([]byte, 1+4+len(v))
		buf[0] = typeString
		binary.BigEndian.PutUint32(buf[1:5], uint32(len(v)))
		copy(buf[5:], v)
		return buf, nil
	case float64:
		buf := make([]byte, 1+8)
		buf[0] = typeFloat64
		binary.BigEndian.PutUint64(buf[1:], math.Float64bits(v))
		return buf, nil
	case int:
		return encodeScalar(float64(v))
	case bool:
		buf := make([]byte, 2)
		buf[0] = typeBool
		if v {
			buf[1] = 1
		}
		return buf, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", value)
	}
}

// DecodeRecord reverses EncodeRecord, validating the marker and CRC32 first.
func DecodeRecord(data []byte) (map[string]interface{}, error) {
	if len(data) < 9 {
		return nil, fmt.Errorf("codec: record too short")
	}
	if data[0] != recordMarker {
		return nil, fmt.Errorf("codec: record marker mismatch: want %x got %x", recordMarker, data[0])
	}
	wantCRC := binary.BigEndian.Uint32(data[1:5])
	body := data[5:]
	if gotCRC := crc32.ChecksumIEEE(body); gotCRC != wantCRC {
		return nil, fmt.Errorf("codec: record CRC mismatch: want %x got %x", wantCRC, gotCRC)
	}

	count := binary.BigEndian.Uint32(body[:4])
	pos := 4
	out := make(map[string]interface{}, count)
	for i := uint32(0); i < count; i++ {
		if pos+2 > len(body) {
			return nil, fmt.Errorf("codec: truncated record")
		}
		nameLen := int(binary.BigEndian.Uint16(body[pos : pos+2]))
		pos += 2
		if pos+nameLen > len(body) {
			return nil, fmt.Errorf("codec: truncated field name")
		}
		name := string(body[pos : pos+nameLen])
		pos += nameLen

		value, n, err := decodeScalar(body[pos:])
		if err != nil {
			return nil, fmt.Errorf("codec: field %q: %w", name, err)
		}
		pos += n
		out[name] = value
	}
	return out, nil
}

func decodeScalar(b []byte) (interface{}, int, error) {
	if len(b) < 1 {
		return nil, 0, fmt.Errorf("truncated value")
	}
	switch b[0] {
	case typeString:
		if len(b) < 5 {
			return nil, 0, fmt.Errorf("truncated string length")
		}
		strLen := int(binary.BigEndian.Uint32(b[1:5]))
		if len(b) < 5+strLen {
			return nil, 0, fmt.Errorf("truncated string value")
		}
		return string(b[5 : 5+strLen]), 5 + strLen, nil
	case typeFloat64:
		if len(b) < 9 {
			return nil, 0, fmt.Errorf("truncated float64 value")
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b[1:9])), 9, nil
	case typeBool:
		if len(b) < 2 {
			return nil, 0, fmt.Errorf("truncated bool value")
		}
		return b[1] != 0, 2, nil
	default:
		return nil, 0, fmt.Errorf("unknown value type marker %d", b[0])
	}
}
