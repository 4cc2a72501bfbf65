package bridge

import (
	"log/slog"
	"sync"
)

// Hub fans emitted notifications out to every connected event stream. It
// is the emitter's sink: OnEvent receives each marshaled notification in
// emission order and forwards it to all subscribers.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan []byte
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan []byte)}
}

// OnEvent implements notify.Sink.
func (h *Hub) OnEvent(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for id, ch := range h.subs {
		select {
		case ch <- payload:
		default:
			// A stalled subscriber must not stall everyone else.
			slog.Warn("[Bridge] Dropping event for slow subscriber", "subscriber", id)
		}
	}
}

// Subscribe registers a new event stream. The returned cancel function
// must be called when the stream ends.
func (h *Hub) Subscribe() (<-chan []byte, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan []byte, 64)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
	}
}

// Close drops all subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
