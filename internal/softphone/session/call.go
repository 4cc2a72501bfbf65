package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/hardline/softphone/internal/softphone/engine"
	"github.com/hardline/softphone/internal/softphone/notify"
)

// Direction distinguishes who initiated the call.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

// String returns the direction name.
func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// Lifecycle states and events of the call FSM.
const (
	callCalling  = "calling"
	callRinging  = "ringing"
	callIncoming = "incoming"
	callActive   = "active"
	callEnded    = "ended"

	evRing   = "ring"
	evAnswer = "answer"
	evEnd    = "end"
)

func newCallFSM(initial string) *fsm.FSM {
	return fsm.NewFSM(
		initial,
		fsm.Events{
			{Name: evRing, Src: []string{callCalling}, Dst: callRinging},
			{Name: evAnswer, Src: []string{callCalling, callRinging, callIncoming}, Dst: callActive},
			{Name: evEnd, Src: []string{callCalling, callRinging, callIncoming, callActive}, Dst: callEnded},
		},
		fsm.Callbacks{},
	)
}

// Call tracks one call leg. At most one Call is live at a time. The FSM
// gates notification emission: each lifecycle notification fires exactly
// once, on the transition, no matter how often the engine repeats a state.
type Call struct {
	direction Direction
	remote    string
	emitter   *notify.Emitter

	mu         sync.Mutex
	fsm        *fsm.FSM
	eng        engine.Call
	lastCode   int
	answeredAt time.Time
	disposed   bool
}

// NewOutbound creates the session for a call we are placing. The calling
// notification is emitted by the caller before the INVITE goes out; the
// session starts in the calling state. The engine handle attaches once the
// placement returns.
func NewOutbound(remote string, emitter *notify.Emitter) *Call {
	return &Call{
		direction: Outbound,
		remote:    remote,
		emitter:   emitter,
		fsm:       newCallFSM(callCalling),
	}
}

// NewInbound wraps a ringing engine call. The incoming notification is
// emitted by the caller; the session starts in the incoming state.
func NewInbound(eng engine.Call, from string, emitter *notify.Emitter) *Call {
	return &Call{
		direction: Inbound,
		remote:    from,
		emitter:   emitter,
		eng:       eng,
		fsm:       newCallFSM(callIncoming),
	}
}

// Attach binds the engine call handle after Place returns.
func (c *Call) Attach(eng engine.Call) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eng = eng
}

// Direction returns who initiated the call.
func (c *Call) Direction() Direction { return c.direction }

// Remote returns the remote party for display.
func (c *Call) Remote() string { return c.remote }

// State returns the current lifecycle state name.
func (c *Call) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fsm.Current()
}

// Duration returns seconds since the call went active, 0 if it never did.
func (c *Call) Duration() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.answeredAt.IsZero() {
		return 0
	}
	return int(time.Since(c.answeredAt).Seconds())
}

// Ended reports whether the call reached its terminal state.
func (c *Call) Ended() bool {
	return c.State() == callEnded
}

// HandleEngineState maps one engine call state onto the lifecycle FSM and
// emits the matching notification. Lifecycle states emit only when the FSM
// actually transitions; every other engine state passes through verbatim
// as a progress notification.
func (c *Call) HandleEngineState(state engine.CallState, code int, raw string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.lastCode = code
	ctx := context.Background()

	switch state {
	case engine.StateCalling:
		// Already announced on the command path, before the INVITE.
	case engine.StateEarly:
		if err := c.fsm.Event(ctx, evRing); err == nil {
			c.emitter.Emit(notify.Ringing())
		}
	case engine.StateConfirmed:
		if err := c.fsm.Event(ctx, evAnswer); err == nil {
			c.answeredAt = time.Now()
			c.emitter.Emit(notify.Active())
		}
	case engine.StateDisconnected:
		if err := c.fsm.Event(ctx, evEnd); err == nil {
			c.emitter.Emit(notify.Ended(code))
		}
	default:
		c.emitter.Emit(notify.Progress(raw))
	}
}

// HandleMedia surfaces an engine media-state change.
func (c *Call) HandleMedia() {
	c.mu.Lock()
	emit := !c.disposed && c.fsm.Current() != callEnded
	c.mu.Unlock()
	if emit {
		c.emitter.Emit(notify.MediaChanged())
	}
}

// Answer accepts a ringing inbound call.
func (c *Call) Answer() error {
	c.mu.Lock()
	eng := c.eng
	direction := c.direction
	current := c.fsm.Current()
	c.mu.Unlock()

	if direction != Inbound {
		return fmt.Errorf("cannot answer an outbound call")
	}
	if current != callIncoming {
		return fmt.Errorf("call is %s, not ringing", current)
	}
	if eng == nil {
		return fmt.Errorf("call has no engine leg")
	}
	return eng.Answer()
}

// Hangup terminates the call in whatever phase it is in.
func (c *Call) Hangup() error {
	c.mu.Lock()
	eng := c.eng
	c.mu.Unlock()
	if eng == nil {
		return nil
	}
	return eng.Hangup()
}

// Dispose tears the call down best-effort. Engine errors are swallowed;
// the leg may already be gone.
func (c *Call) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	eng := c.eng
	c.eng = nil
	c.mu.Unlock()

	if eng != nil {
		eng.Dispose()
	}
}
