package notify

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Sink receives marshaled notification payloads on the UI's execution
// context. OnEvent is only ever invoked from the Emitter's single dispatch
// goroutine, one payload at a time, in emission order.
type Sink interface {
	OnEvent(payload []byte)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(payload []byte)

// OnEvent implements Sink.
func (f SinkFunc) OnEvent(payload []byte) { f(payload) }

const emitterQueueSize = 64

// Emitter accepts notifications from any goroutine and delivers them to the
// sink strictly in order. Engine callbacks run on engine-owned goroutines;
// the channel hop here is what keeps them off the UI context.
type Emitter struct {
	sink Sink
	ch   chan Notification

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewEmitter creates an Emitter and starts its dispatch goroutine.
func NewEmitter(sink Sink) *Emitter {
	e := &Emitter{
		sink: sink,
		ch:   make(chan Notification, emitterQueueSize),
		done: make(chan struct{}),
	}
	go e.dispatch()
	return e
}

// Emit queues a notification for ordered delivery. Safe to call from any
// goroutine. Emitting on a closed Emitter is a no-op.
func (e *Emitter) Emit(n Notification) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	e.ch <- n
}

// Close stops the Emitter after draining queued notifications.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.ch)
	e.mu.Unlock()
	<-e.done
}

func (e *Emitter) dispatch() {
	defer close(e.done)
	for n := range e.ch {
		payload, err := json.Marshal(n)
		if err != nil {
			// Unreachable for the shapes in this package, but a broken
			// payload must never reach the UI.
			slog.Error("[Emitter] Failed to marshal notification", "error", err)
			continue
		}
		e.sink.OnEvent(payload)
	}
}
