package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hardline/softphone/internal/softphone/engine"
)

type fakeEngineCall struct {
	answered bool
	hungup   bool
	disposed bool
}

func (f *fakeEngineCall) ID() string                { return "fake-call" }
func (f *fakeEngineCall) Remote() string            { return "sip:bob@example.com" }
func (f *fakeEngineCall) Bind(engine.CallCallbacks) {}
func (f *fakeEngineCall) Answer() error             { f.answered = true; return nil }
func (f *fakeEngineCall) Hangup() error             { f.hungup = true; return nil }
func (f *fakeEngineCall) Dispose()                  { f.disposed = true }

func TestOutboundCallLifecycle(t *testing.T) {
	emitter, events := newCaptureEmitter()
	c := NewOutbound("100", emitter)

	c.HandleEngineState(engine.StateCalling, 0, "CALLING")
	c.HandleEngineState(engine.StateTrying, 100, "TRYING")
	c.HandleEngineState(engine.StateEarly, 180, "EARLY")
	c.HandleEngineState(engine.StateConfirmed, 200, "CONFIRMED")
	c.HandleEngineState(engine.StateDisconnected, 200, "DISCONNECTED")
	emitter.Close()

	// "calling" itself is announced on the command path, not here.
	assert.Equal(t, []string{"progress", "ringing", "active", "ended"}, events.states())
	assert.True(t, c.Ended())
}

// Lifecycle notifications fire on the transition, not on every engine
// callback: a repeated state must not produce a duplicate.
func TestRepeatedEngineStateEmitsOnce(t *testing.T) {
	emitter, events := newCaptureEmitter()
	c := NewOutbound("100", emitter)

	c.HandleEngineState(engine.StateEarly, 180, "EARLY")
	c.HandleEngineState(engine.StateEarly, 183, "EARLY")
	emitter.Close()

	assert.Equal(t, []string{"ringing"}, events.states())
}

func TestOutboundRejectedCarriesCode(t *testing.T) {
	emitter, events := newCaptureEmitter()
	c := NewOutbound("100", emitter)

	c.HandleEngineState(engine.StateCalling, 0, "CALLING")
	c.HandleEngineState(engine.StateDisconnected, 486, "DISCONNECTED")
	emitter.Close()

	require.Len(t, events.events, 1)
	assert.Equal(t, "ended", events.events[0]["state"])
	assert.Equal(t, float64(486), events.events[0]["code"])
}

func TestProgressPassesRawStateThrough(t *testing.T) {
	emitter, events := newCaptureEmitter()
	c := NewOutbound("100", emitter)

	c.HandleEngineState(engine.StateConnecting, 200, "CONNECTING")
	emitter.Close()

	require.Len(t, events.events, 1)
	assert.Equal(t, "progress", events.events[0]["state"])
	assert.Equal(t, "CONNECTING", events.events[0]["raw"])
}

func TestInboundAnswer(t *testing.T) {
	emitter, _ := newCaptureEmitter()
	defer emitter.Close()
	eng := &fakeEngineCall{}
	c := NewInbound(eng, "sip:bob@example.com", emitter)

	require.NoError(t, c.Answer())
	assert.True(t, eng.answered)
	assert.Equal(t, Inbound, c.Direction())
}

func TestAnswerOutboundFails(t *testing.T) {
	emitter, _ := newCaptureEmitter()
	defer emitter.Close()
	c := NewOutbound("100", emitter)
	c.Attach(&fakeEngineCall{})

	assert.Error(t, c.Answer())
}

func TestAnswerActiveCallFails(t *testing.T) {
	emitter, _ := newCaptureEmitter()
	eng := &fakeEngineCall{}
	c := NewInbound(eng, "sip:bob@example.com", emitter)

	c.HandleEngineState(engine.StateConfirmed, 200, "CONFIRMED")
	emitter.Close()

	assert.Error(t, c.Answer())
	assert.False(t, eng.answered)
}

func TestMediaAfterEndIsDropped(t *testing.T) {
	emitter, events := newCaptureEmitter()
	c := NewOutbound("100", emitter)

	c.HandleEngineState(engine.StateDisconnected, 200, "DISCONNECTED")
	c.HandleMedia()
	emitter.Close()

	assert.Equal(t, []string{"ended"}, events.states())
}

func TestHangupWithoutEngineLegIsNoop(t *testing.T) {
	emitter, _ := newCaptureEmitter()
	defer emitter.Close()
	c := NewOutbound("100", emitter)

	assert.NoError(t, c.Hangup())
}

func TestDisposeSilencesAndReleases(t *testing.T) {
	emitter, events := newCaptureEmitter()
	eng := &fakeEngineCall{}
	c := NewInbound(eng, "sip:bob@example.com", emitter)

	c.Dispose()
	c.HandleEngineState(engine.StateConfirmed, 200, "CONFIRMED")
	c.HandleMedia()
	emitter.Close()

	assert.True(t, eng.disposed)
	assert.Empty(t, events.events)
}
