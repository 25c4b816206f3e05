// Package netproto implements the TCP line protocol described in
// spec.md §6: length-prefixed JSON request/response framing, one
// worker goroutine per connection, a shared queue of ADD transactions
// drained by a single background worker, and a best-effort event hub
// for StartListen subscribers.
//
// This is the Go realization of the external collaborator spec.md
// deliberately keeps out of the core: the original `requestHandler.py`
// framed requests by scanning for a literal `~` sentinel byte; this
// package reframes the same read-dispatch-respond loop around the
// 4-byte big-endian length prefix spec.md §6 mandates instead.
package netproto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxFrameSize bounds a single frame so a corrupt or hostile length
// prefix can't make the server allocate unbounded memory.
const maxFrameSize = 16 << 20 // 16 MiB

// Request is the envelope a client sends. Method selects which of the
// handler's operations runs; the remaining fields are interpreted
// per-method (see connState.handle).
type Request struct {
	Method string          `json:"method"`
	Table  string          `json:"table"`
	Column string          `json:"column,omitempty"`
	Key    json.RawMessage `json:"key,omitempty"`
	Entry  json.RawMessage `json:"entry,omitempty"`
}

// InsertEntry is the shape Request.Entry decodes to for method "insert".
type InsertEntry struct {
	Key   string                 `json:"key"`
	Value map[string]interface{} `json:"value"`
}

// Response is the envelope returned for every request. A connection that
// has issued "start_listen" also receives a stream of Event frames after
// that request's Response.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Event is pushed, unsolicited, to any connection that has issued
// StartListen for Table, mirroring datastore.Event across the wire.
type Event struct {
	TableName string      `json:"table_name"`
	EventType string      `json:"event"` // "Insert" | "Delete"
	Value     interface{} `json:"value"`
}

// writeFrame writes v as a 4-byte big-endian length prefix followed by
// its JSON encoding.
func writeFrame(w io.Writer, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("netproto: encoding frame: %w", err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("netproto: frame of %d bytes exceeds %d byte limit", len(body), maxFrameSize)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("netproto: writing frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("netproto: writing frame body: %w", err)
	}
	return nil
}

// readFrame blocks until it has read one complete length-prefixed JSON
// frame from r and unmarshals it into v.
func readFrame(r io.Reader, v interface{}) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err // io.EOF on clean disconnect, propagated as-is
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameSize {
		return fmt.Errorf("netproto: frame of %d bytes exceeds %d byte limit", n, maxFrameSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("netproto: reading frame body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("netproto: decoding frame: %w", err)
	}
	return nil
}
