package netproto

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"github.com/segmentio/ksuid"

	"github.com/ssargent/reactivedb/pkg/datastore"
	"github.com/ssargent/reactivedb/pkg/table"
)

// queueDepth bounds the shared ADD queue the background worker drains.
// A full queue applies backpressure to connection workers rather than
// growing without bound.
const queueDepth = 1024

type insertJob struct {
	table string
	key   string
	value map[string]interface{}
}

// Server accepts connections per spec.md §5's scheduling model: one
// worker goroutine per connection services reads in-line, while a
// single background goroutine drains a shared queue of ADD
// transactions and applies them to the datastore. It also hosts the
// best-effort event hub that backs StartListen.
type Server struct {
	ds  *datastore.Datastore
	hub *eventHub

	detachHub func()
	queue     chan insertJob
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewServer wires a Server around ds and starts its background queue
// drain worker. Call Close to stop it.
func NewServer(ds *datastore.Datastore) *Server {
	hub := newEventHub()
	s := &Server{
		ds:     ds,
		hub:    hub,
		queue:  make(chan insertJob, queueDepth),
		stopCh: make(chan struct{}),
	}
	s.detachHub = hub.attach(ds)

	s.wg.Add(1)
	go s.drainQueue()
	return s
}

// Close stops the queue drain worker and detaches from the datastore's
// event feed. It does not close any listener or connection — those are
// the caller's responsibility (matching net.Listener's own contract).
func (s *Server) Close() error {
	close(s.stopCh)
	s.detachHub()
	s.wg.Wait()
	return nil
}

// drainQueue is the single background worker spec.md §5 requires: it
// applies every queued insert to the datastore in arrival order. A
// failed apply is logged, not retried or surfaced to the client that
// queued it — per spec.md §5, "cancellation: none" and the client
// already received its ack when the insert was accepted onto the queue.
func (s *Server) drainQueue() {
	defer s.wg.Done()
	for {
		select {
		case job, ok := <-s.queue:
			if !ok {
				return
			}
			if err := s.ds.AddData(job.table, job.key, job.value); err != nil {
				log.Printf("netproto: applying queued insert %s.%s: %v", job.table, job.key, err)
			}
		case <-s.stopCh:
			return
		}
	}
}

// Serve accepts connections from ln until it returns an error (normally
// because ln was closed, e.g. by the caller in response to Close).
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return nil
			default:
				return fmt.Errorf("netproto: accept: %w", err)
			}
		}
		go s.handleConn(conn)
	}
}

// handleConn is the per-connection worker: read a frame, dispatch it,
// write a response, repeat until the client disconnects or sends a
// malformed frame.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	cs := &connState{srv: s, conn: conn, id: ksuid.New()}
	defer cs.stopListening()

	for {
		var req Request
		if err := readFrame(conn, &req); err != nil {
			if err != io.EOF {
				log.Printf("netproto: connection %s: %v", cs.id, err)
			}
			return
		}
		cs.handle(req)
	}
}

// connState is the per-connection bookkeeping handleConn needs: a
// KSUID identity (also the event-hub subscriber key), and a write
// mutex serializing the response stream against any concurrent Event
// frames once the connection has issued StartListen.
type connState struct {
	srv     *Server
	conn    net.Conn
	id      ksuid.KSUID
	writeMu sync.Mutex

	listening bool
}

func (cs *connState) reply(v interface{}) {
	cs.writeMu.Lock()
	defer cs.writeMu.Unlock()
	if err := writeFrame(cs.conn, v); err != nil {
		log.Printf("netproto: writing to %s: %v", cs.id, err)
	}
}

func (cs *connState) handle(req Request) {
	switch req.Method {
	case "insert":
		cs.handleInsert(req)
	case "find_one":
		cs.handleFindOne(req)
	case "less_than":
		cs.handleRangeSearch(req, false)
	case "greater_than":
		cs.handleRangeSearch(req, true)
	case "get_all":
		cs.handleGetAll(req)
	case "start_listen":
		cs.handleStartListen(req)
	default:
		cs.reply(Response{Error: fmt.Sprintf("netproto: unknown method %q", req.Method)})
	}
}

func (cs *connState) handleInsert(req Request) {
	var entry InsertEntry
	if err := json.Unmarshal(req.Entry, &entry); err != nil {
		cs.reply(Response{Error: fmt.Sprintf("netproto: decoding insert entry: %v", err)})
		return
	}
	select {
	case cs.srv.queue <- insertJob{table: req.Table, key: entry.Key, value: entry.Value}:
		cs.reply(Response{Success: true})
	case <-cs.srv.stopCh:
		cs.reply(Response{Error: "netproto: server is shutting down"})
	}
}

func (cs *connState) handleFindOne(req Request) {
	key, err := decodeKey(req.Key)
	if err != nil {
		cs.reply(Response{Error: err.Error()})
		return
	}
	value, ok, err := cs.srv.ds.GetData(req.Table, key)
	if err != nil {
		cs.reply(Response{Error: err.Error()})
		return
	}
	if !ok {
		cs.reply(Response{Success: true, Data: nil})
		return
	}
	cs.reply(Response{Success: true, Data: value})
}

func (cs *connState) handleRangeSearch(req Request, greater bool) {
	key, err := decodeKey(req.Key)
	if err != nil {
		cs.reply(Response{Error: err.Error()})
		return
	}
	var recs []table.Record
	if greater {
		recs, err = cs.srv.ds.GreaterThan(req.Table, key, false)
	} else {
		recs, err = cs.srv.ds.LessThan(req.Table, key, false)
	}
	if err != nil {
		cs.reply(Response{Error: err.Error()})
		return
	}
	cs.reply(Response{Success: true, Data: recordDTOs(recs)})
}

func (cs *connState) handleGetAll(req Request) {
	recs, err := cs.srv.ds.GetAll(req.Table)
	if err != nil {
		cs.reply(Response{Error: err.Error()})
		return
	}
	cs.reply(Response{Success: true, Data: recordDTOs(recs)})
}

func (cs *connState) handleStartListen(req Request) {
	if !cs.listening {
		cs.listening = true
		ch := cs.srv.hub.register(cs.id)
		go cs.pumpEvents(ch)
	}
	cs.srv.hub.listen(cs.id, req.Table)
	cs.reply(Response{Success: true})
}

func (cs *connState) pumpEvents(ch <-chan datastore.Event) {
	for ev := range ch {
		cs.reply(Event{TableName: ev.Table, EventType: string(ev.Kind), Value: ev.Value})
	}
}

func (cs *connState) stopListening() {
	if cs.listening {
		cs.srv.hub.unregister(cs.id)
	}
}

func decodeKey(raw json.RawMessage) (string, error) {
	var key string
	if err := json.Unmarshal(raw, &key); err != nil {
		return "", fmt.Errorf("netproto: decoding key: %w", err)
	}
	return key, nil
}

// recordDTO is the wire shape of one table.Record.
type recordDTO struct {
	Key   string                 `json:"key"`
	Value map[string]interface{} `json:"value"`
}

func recordDTOs(recs []table.Record) []recordDTO {
	out := make([]recordDTO, len(recs))
	for i, r := range recs {
		out[i] = recordDTO{Key: r.Key, Value: r.Fields}
	}
	return out
}
