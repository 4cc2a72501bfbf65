package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hardline/softphone/internal/softphone/engine"
	"github.com/hardline/softphone/internal/softphone/notify"
	"github.com/hardline/softphone/internal/softphone/session"
)

type capture struct {
	mu     sync.Mutex
	events []map[string]interface{}
}

func (c *capture) OnEvent(payload []byte) {
	var m map[string]interface{}
	if err := json.Unmarshal(payload, &m); err != nil {
		return
	}
	c.mu.Lock()
	c.events = append(c.events, m)
	c.mu.Unlock()
}

func (c *capture) states() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e["state"].(string))
	}
	return out
}

type fakeRegistration struct {
	disposed bool
}

func (f *fakeRegistration) Dispose() { f.disposed = true }

type fakeCall struct {
	remote   string
	cb       engine.CallCallbacks
	answered bool
	hungup   bool
	disposed bool
}

func (f *fakeCall) ID() string                   { return "fake-call" }
func (f *fakeCall) Remote() string               { return f.remote }
func (f *fakeCall) Bind(cb engine.CallCallbacks) { f.cb = cb }
func (f *fakeCall) Answer() error                { f.answered = true; return nil }
func (f *fakeCall) Hangup() error                { f.hungup = true; return nil }
func (f *fakeCall) Dispose()                     { f.disposed = true }

type fakeEngine struct {
	startErr error
	regErr   error
	placeErr error

	started    bool
	regCfg     engine.AccountConfig
	onState    engine.RegistrationStateFunc
	reg        *fakeRegistration
	placeCfg   engine.CallConfig
	placed     *fakeCall
	onIncoming engine.IncomingCallFunc
}

func (f *fakeEngine) EnsureStarted(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeEngine) Register(_ context.Context, cfg engine.AccountConfig, onState engine.RegistrationStateFunc) (engine.Registration, error) {
	if f.regErr != nil {
		return nil, f.regErr
	}
	f.regCfg = cfg
	f.onState = onState
	f.reg = &fakeRegistration{}
	return f.reg, nil
}

func (f *fakeEngine) Place(_ context.Context, cfg engine.CallConfig, cb engine.CallCallbacks) (engine.Call, error) {
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	f.placeCfg = cfg
	f.placed = &fakeCall{remote: cfg.TargetURI, cb: cb}
	return f.placed, nil
}

func (f *fakeEngine) SetOnIncomingCall(fn engine.IncomingCallFunc) { f.onIncoming = fn }

func (f *fakeEngine) Close() error { return nil }

func newTestRouter(t *testing.T) (*Router, *fakeEngine, *notify.Emitter, *capture) {
	t.Helper()
	eng := &fakeEngine{}
	events := &capture{}
	emitter := notify.NewEmitter(events)
	r := New(eng, emitter, NewMetrics(prometheus.NewRegistry()))
	return r, eng, emitter, events
}

func testCreds() session.Credentials {
	return session.Credentials{Username: "alice", Password: "s3cret", Host: "sip.example.com", Realm: "example.com", Port: 5060}
}

func registerAndConfirm(t *testing.T, r *Router, eng *fakeEngine) {
	t.Helper()
	require.NoError(t, r.Register(context.Background(), testCreds()))
	require.NotNil(t, eng.onState)
	eng.onState(true, 200)
}

func TestRegisterEmitsRegisteringBeforeOutcome(t *testing.T) {
	r, eng, emitter, events := newTestRouter(t)

	registerAndConfirm(t, r, eng)
	emitter.Close()

	assert.True(t, eng.started)
	assert.Equal(t, []string{notify.SipRegistering, notify.SipRegistered}, events.states())
	assert.Equal(t, "sip:alice@example.com", eng.regCfg.IdentityURI)
	assert.Equal(t, "sip:sip.example.com:5060", eng.regCfg.RegistrarURI)
}

// An engine start failure is the one error a command returns instead of
// turning into a notification.
func TestRegisterEngineStartFailurePropagates(t *testing.T) {
	r, eng, emitter, events := newTestRouter(t)
	eng.startErr = errors.New("bind: address already in use")

	err := r.Register(context.Background(), testCreds())
	emitter.Close()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "address already in use")
	assert.Equal(t, []string{notify.SipRegistering}, events.states())
}

func TestRegisterSubmitFailureBecomesNotification(t *testing.T) {
	r, eng, emitter, events := newTestRouter(t)
	eng.regErr = errors.New("parse registrar URI: bad syntax")

	err := r.Register(context.Background(), testCreds())
	emitter.Close()

	require.NoError(t, err)
	require.Equal(t, []string{notify.SipRegistering, notify.SipFailed}, events.states())
	assert.Contains(t, events.events[1]["reason"], "bad syntax")
}

func TestCallRequiresRegisteredAccount(t *testing.T) {
	r, _, emitter, events := newTestRouter(t)

	r.Call(context.Background(), "100")
	emitter.Close()

	require.Equal(t, []string{notify.CallError}, events.states())
	assert.Equal(t, "account not registered", events.events[0]["reason"])
}

// Registering is not registered: a call placed mid-handshake is rejected.
func TestCallWhileRegisteringRejected(t *testing.T) {
	r, eng, emitter, events := newTestRouter(t)
	require.NoError(t, r.Register(context.Background(), testCreds()))

	r.Call(context.Background(), "100")
	emitter.Close()

	assert.Nil(t, eng.placed)
	assert.Equal(t, []string{notify.SipRegistering, notify.CallError}, events.states())
}

func TestCallPlacedWithinAccountRealm(t *testing.T) {
	r, eng, emitter, events := newTestRouter(t)
	registerAndConfirm(t, r, eng)

	r.Call(context.Background(), "100")
	require.NotNil(t, eng.placed)
	emitter.Close()

	assert.Equal(t, "sip:100@example.com", eng.placeCfg.TargetURI)
	assert.Equal(t, "sip:alice@example.com", eng.placeCfg.IdentityURI)
	assert.Equal(t, []string{notify.SipRegistering, notify.SipRegistered, notify.CallCalling}, events.states())
}

func TestSecondCallRejected(t *testing.T) {
	r, eng, emitter, events := newTestRouter(t)
	registerAndConfirm(t, r, eng)

	r.Call(context.Background(), "100")
	r.Call(context.Background(), "200")
	emitter.Close()

	last := events.events[len(events.events)-1]
	assert.Equal(t, notify.CallError, last["state"])
	assert.Equal(t, "call already in progress", last["reason"])
}

func TestEmptyNumberRejected(t *testing.T) {
	r, eng, emitter, events := newTestRouter(t)
	registerAndConfirm(t, r, eng)

	r.Call(context.Background(), "  ")
	emitter.Close()

	last := events.events[len(events.events)-1]
	assert.Equal(t, notify.CallError, last["state"])
}

// A new register supersedes everything: the live call and the previous
// account are disposed, and late responses for the old registration are
// dropped.
func TestRegisterSupersedesCallAndAccount(t *testing.T) {
	r, eng, emitter, events := newTestRouter(t)
	registerAndConfirm(t, r, eng)
	r.Call(context.Background(), "100")
	firstCall := eng.placed
	firstReg := eng.reg
	firstOnState := eng.onState

	require.NoError(t, r.Register(context.Background(), testCreds()))
	firstOnState(true, 200) // late response for the superseded account
	emitter.Close()

	assert.True(t, firstCall.disposed)
	assert.True(t, firstReg.disposed)
	assert.Equal(t,
		[]string{notify.SipRegistering, notify.SipRegistered, notify.CallCalling, notify.SipRegistering},
		events.states())
}

// Every way a call leaves the slot counts toward the ended total;
// supersession ends a call as surely as a BYE does.
func TestSupersededCallsCountAsEnded(t *testing.T) {
	eng := &fakeEngine{}
	events := &capture{}
	emitter := notify.NewEmitter(events)
	m := NewMetrics(prometheus.NewRegistry())
	r := New(eng, emitter, m)
	defer emitter.Close()

	registerAndConfirm(t, r, eng)
	r.Call(context.Background(), "100")

	// Re-registering drops the live call.
	require.NoError(t, r.Register(context.Background(), testCreds()))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CallsEnded))

	// So does an inbound call claiming the slot.
	eng.onState(true, 200)
	r.Call(context.Background(), "100")
	eng.onIncoming(&fakeCall{remote: "sip:bob@example.com"}, "sip:bob@example.com")
	assert.Equal(t, float64(2), testutil.ToFloat64(m.CallsEnded))
}

func TestHangupAndAnswerWithoutCallAreNoops(t *testing.T) {
	r, _, emitter, events := newTestRouter(t)

	r.Hangup(context.Background())
	r.Answer(context.Background())
	emitter.Close()

	assert.Empty(t, events.events)
}

// The mute acknowledgement goes out unconditionally; no audio path exists
// to fail.
func TestMuteAlwaysAcknowledged(t *testing.T) {
	r, _, emitter, events := newTestRouter(t)

	r.SetMute(context.Background(), true)
	r.SetMute(context.Background(), false)
	emitter.Close()

	require.Equal(t, []string{notify.CallMute, notify.CallMute}, events.states())
	assert.Equal(t, true, events.events[0]["value"])
	assert.Equal(t, false, events.events[1]["value"])
}

func TestIncomingCallAnnounced(t *testing.T) {
	r, eng, emitter, events := newTestRouter(t)
	registerAndConfirm(t, r, eng)

	inbound := &fakeCall{remote: "sip:bob@example.com"}
	eng.onIncoming(inbound, "sip:bob@example.com")

	r.Answer(context.Background())
	emitter.Close()

	assert.True(t, inbound.answered)
	last := events.events[len(events.events)-1]
	assert.Equal(t, notify.CallIncoming, last["state"])
	assert.Equal(t, "sip:bob@example.com", last["from"])
}

// A new inbound call takes the single call slot; whatever call held it is
// torn down first so two sessions never coexist.
func TestIncomingCallSupersedesLiveCall(t *testing.T) {
	r, eng, emitter, events := newTestRouter(t)
	registerAndConfirm(t, r, eng)
	r.Call(context.Background(), "100")
	outbound := eng.placed

	inbound := &fakeCall{remote: "sip:bob@example.com"}
	eng.onIncoming(inbound, "sip:bob@example.com")
	emitter.Close()

	assert.True(t, outbound.disposed)
	assert.False(t, inbound.disposed)
	last := events.events[len(events.events)-1]
	assert.Equal(t, notify.CallIncoming, last["state"])
}

func TestIncomingCallDeclinedWithoutAccount(t *testing.T) {
	r, eng, emitter, _ := newTestRouter(t)
	require.NoError(t, r.Register(context.Background(), testCreds()))
	defer emitter.Close()

	inbound := &fakeCall{remote: "sip:bob@example.com"}
	eng.onIncoming(inbound, "sip:bob@example.com")

	assert.True(t, inbound.hungup)
	assert.True(t, inbound.disposed)
}

func TestSnapshot(t *testing.T) {
	r, eng, emitter, _ := newTestRouter(t)
	defer emitter.Close()

	snap := r.Snapshot()
	assert.Equal(t, "idle", snap.Registration.State)
	assert.Nil(t, snap.Call)

	registerAndConfirm(t, r, eng)
	r.Call(context.Background(), "100")
	eng.placed.cb.OnState(engine.StateCalling, 0, "CALLING")

	snap = r.Snapshot()
	assert.Equal(t, "registered", snap.Registration.State)
	assert.Equal(t, "sip:alice@example.com", snap.Registration.Identity)
	require.NotNil(t, snap.Call)
	assert.Equal(t, "outbound", snap.Call.Direction)
	assert.Equal(t, "calling", snap.Call.State)

	eng.placed.cb.OnState(engine.StateDisconnected, 200, "DISCONNECTED")
	snap = r.Snapshot()
	assert.Nil(t, snap.Call)
}

func TestCloseDisposesSlots(t *testing.T) {
	r, eng, emitter, _ := newTestRouter(t)
	registerAndConfirm(t, r, eng)
	r.Call(context.Background(), "100")

	r.Close()
	emitter.Close()

	assert.True(t, eng.placed.disposed)
	assert.True(t, eng.reg.disposed)
	assert.Error(t, r.Register(context.Background(), testCreds()))
}
