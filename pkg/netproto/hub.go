package netproto

import (
	"sync"

	"github.com/segmentio/ksuid"

	"github.com/ssargent/reactivedb/pkg/datastore"
)

// hubQueueDepth bounds each subscriber's pending-event buffer. A slow
// subscriber drops events past this depth rather than stalling the
// writer that produced them — the same best-effort policy the
// teacher's KVStore.ScanPrefix applies to its buffered channel.
const hubQueueDepth = 256

// eventHub fans datastore.Event notifications out to every connection
// that has issued StartListen for the event's table. It subscribes to
// exactly one Datastore (via attach) and never blocks the cascade that
// produced an event: dispatch is a non-blocking channel send per
// subscriber.
type eventHub struct {
	mu   sync.Mutex
	subs map[ksuid.KSUID]*subscription
}

// subscription is one connection's interest set and its delivery
// channel. tables starts empty; each StartListen adds one table to it.
type subscription struct {
	tables map[string]bool
	ch     chan datastore.Event
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[ksuid.KSUID]*subscription)}
}

// attach wires the hub to ds so every Insert/Delete the datastore emits
// is offered to the hub's subscribers. Returns the unsubscribe func.
func (h *eventHub) attach(ds *datastore.Datastore) func() {
	return ds.Subscribe(h.dispatch)
}

// register creates (or replaces) the subscription for id and returns
// its delivery channel.
func (h *eventHub) register(id ksuid.KSUID) <-chan datastore.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub := &subscription{tables: make(map[string]bool), ch: make(chan datastore.Event, hubQueueDepth)}
	h.subs[id] = sub
	return sub.ch
}

// listen adds table to id's interest set. A connection may call
// StartListen for more than one table; each adds to the same set.
func (h *eventHub) listen(id ksuid.KSUID, table string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		sub.tables[table] = true
	}
}

// unregister drops id's subscription and closes its delivery channel.
func (h *eventHub) unregister(id ksuid.KSUID) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// dispatch offers ev to every subscriber listening on ev.Table. A
// subscriber whose channel is full has the event dropped for it — the
// core never blocks a write waiting on a slow client.
func (h *eventHub) dispatch(ev datastore.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if !sub.tables[ev.Table] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}
