// Package event is a small in-process pub/sub used by the dispatcher and the
// health monitor to publish their typed events.
package event

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type names an event. The vocabulary lives with the publishing package.
type Type string

type Event struct {
	ID        int64     `json:"id"`
	Type      Type      `json:"type"`
	At        time.Time `json:"at"`
	CommandID string    `json:"commandId,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// Hub fans events out to subscribers and keeps a ring of the most recent
// ones for late subscribers.
//
// Each subscriber gets a bounded channel. Publish never blocks: an event
// that does not fit is dropped for that subscriber and counted.
type Hub struct {
	nextID  atomic.Int64
	dropped atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
	subBuf    int
}

// NewHub creates a Hub replaying up to capacity events, with subscriber
// channels buffered to subBuf.
func NewHub(capacity, subBuf int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	if subBuf <= 0 {
		subBuf = 128
	}
	return &Hub{
		ring:   make([]Event, capacity),
		subs:   make(map[int]chan Event),
		subBuf: subBuf,
	}
}

// Publish records and broadcasts an event.
func (h *Hub) Publish(typ Type, commandID string, data any) Event {
	ev := Event{
		ID:        h.nextID.Add(1),
		Type:      typ,
		At:        time.Now(),
		CommandID: commandID,
		Data:      data,
	}

	h.mu.Lock()
	h.pushLocked(ev)
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
	h.mu.Unlock()
	return ev
}

// Subscribe returns a channel of future events and a cancel func that
// closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, h.subBuf)
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Since returns buffered events with ID > lastID, oldest first.
func (h *Hub) Since(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}

	// overwrite oldest
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
