package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	typesv1 "github.com/hardline/softphone/api/types/v1"
	"github.com/hardline/softphone/internal/softphone/engine"
	"github.com/hardline/softphone/internal/softphone/notify"
	"github.com/hardline/softphone/internal/softphone/router"
)

type fakeRegistration struct{}

func (fakeRegistration) Dispose() {}

type fakeCall struct{}

func (fakeCall) ID() string                { return "fake-call" }
func (fakeCall) Remote() string            { return "sip:bob@example.com" }
func (fakeCall) Bind(engine.CallCallbacks) {}
func (fakeCall) Answer() error             { return nil }
func (fakeCall) Hangup() error             { return nil }
func (fakeCall) Dispose()                  {}

// fakeEngine records the contexts the router hands it, so tests can check
// what lifetime the bridge attached to each command.
type fakeEngine struct {
	mu      sync.Mutex
	regCtx  context.Context
	callCtx context.Context
	onState engine.RegistrationStateFunc
}

func (f *fakeEngine) EnsureStarted(context.Context) error { return nil }

func (f *fakeEngine) Register(ctx context.Context, _ engine.AccountConfig, onState engine.RegistrationStateFunc) (engine.Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regCtx = ctx
	f.onState = onState
	return fakeRegistration{}, nil
}

func (f *fakeEngine) Place(ctx context.Context, _ engine.CallConfig, _ engine.CallCallbacks) (engine.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCtx = ctx
	return fakeCall{}, nil
}

func (f *fakeEngine) SetOnIncomingCall(engine.IncomingCallFunc) {}

func (f *fakeEngine) Close() error { return nil }

func newTestServer(t *testing.T) (*fakeEngine, *httptest.Server) {
	t.Helper()
	eng := &fakeEngine{}
	hub := NewHub()
	emitter := notify.NewEmitter(hub)
	registry := prometheus.NewRegistry()
	rt := router.New(eng, emitter, router.NewMetrics(registry))

	s := NewServer(Config{BindAddr: "127.0.0.1", Port: 0}, rt, hub, registry)
	ts := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(func() {
		ts.Close()
		rt.Close()
		emitter.Close()
		hub.Close()
	})
	return eng, ts
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	res, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return res
}

// The SIP work a command starts is asynchronous and fire-and-forget; the
// context handed to the engine must survive the HTTP request that
// delivered the command, or every registration and call dies the moment
// the handler returns.
func TestCommandContextOutlivesRequest(t *testing.T) {
	eng, ts := newTestServer(t)

	res := postJSON(t, ts.URL+"/api/v1/register",
		`{"username":"alice","password":"x","host":"sip.example.com","realm":"example.com"}`)
	require.Equal(t, http.StatusAccepted, res.StatusCode)

	eng.mu.Lock()
	regCtx := eng.regCtx
	onState := eng.onState
	eng.mu.Unlock()
	require.NotNil(t, regCtx)
	assert.NoError(t, regCtx.Err())

	onState(true, 200)
	res = postJSON(t, ts.URL+"/api/v1/call", `{"number":"100"}`)
	require.Equal(t, http.StatusAccepted, res.StatusCode)

	eng.mu.Lock()
	callCtx := eng.callCtx
	eng.mu.Unlock()
	require.NotNil(t, callCtx)
	assert.NoError(t, callCtx.Err())
}

func TestRegisterRejectsMalformedJSON(t *testing.T) {
	_, ts := newTestServer(t)

	res := postJSON(t, ts.URL+"/api/v1/register", `{"username":`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestRegisterRejectsIncompleteCredentials(t *testing.T) {
	_, ts := newTestServer(t)

	res := postJSON(t, ts.URL+"/api/v1/register", `{"username":"alice"}`)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Contains(t, body["error"], "host")
}

func TestMuteAccepted(t *testing.T) {
	_, ts := newTestServer(t)

	res := postJSON(t, ts.URL+"/api/v1/mute", `{"mute":true}`)
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
}

func TestHangupWithoutCallAccepted(t *testing.T) {
	_, ts := newTestServer(t)

	res := postJSON(t, ts.URL+"/api/v1/hangup", ``)
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
}

func TestCommandsRequirePOST(t *testing.T) {
	_, ts := newTestServer(t)

	res, err := http.Get(ts.URL + "/api/v1/hangup")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t)

	res, err := http.Get(ts.URL + "/api/v1/health")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body typesv1.HealthResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
}

func TestStateStartsIdle(t *testing.T) {
	_, ts := newTestServer(t)

	res, err := http.Get(ts.URL + "/api/v1/state")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body typesv1.StateResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "idle", body.Registration.State)
	assert.Nil(t, body.Call)
}

func TestMetricsExposed(t *testing.T) {
	_, ts := newTestServer(t)

	// Drive one command so the counter vec has a series to report.
	postJSON(t, ts.URL+"/api/v1/mute", `{"mute":false}`)

	res, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}
