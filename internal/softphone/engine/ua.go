package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// Config holds the engine configuration.
type Config struct {
	BindAddr      string // Address the UDP transport binds to
	Port          int    // Local SIP port
	AdvertiseAddr string // Address used in Contact/SDP; auto-detected if empty
	MediaPort     int    // RTP port advertised in SDP offers/answers
	UserAgent     string // User-Agent header value
}

// leg routes in-dialog requests to the call that owns them.
type leg interface {
	handleACK(req *sip.Request)
	handleBYE(req *sip.Request, tx sip.ServerTransaction)
	handleCANCEL(req *sip.Request, tx sip.ServerTransaction)
}

// UA is the sipgo-backed Engine implementation. One UA per process; the
// stack starts lazily on the first EnsureStarted and stays up until Close.
type UA struct {
	cfg Config

	startOnce sync.Once
	startErr  error

	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	onIncoming IncomingCallFunc
	legs       map[string]leg // keyed by Call-ID
}

var _ Engine = (*UA)(nil)

// New creates an engine handle. Nothing is started until EnsureStarted.
func New(cfg Config) *UA {
	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = primaryInterfaceIP()
	}
	if cfg.MediaPort == 0 {
		cfg.MediaPort = 4000
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Hardline/1.0"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &UA{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		legs:   make(map[string]leg),
	}
}

// EnsureStarted implements Engine. Idempotent: the first call creates the
// sipgo user agent, server and client and opens the UDP transport; a start
// failure sticks for the lifetime of the process.
func (u *UA) EnsureStarted(_ context.Context) error {
	u.startOnce.Do(func() {
		u.startErr = u.start()
	})
	return u.startErr
}

func (u *UA) start() error {
	ua, err := sipgo.NewUA(sipgo.WithUserAgent(u.cfg.UserAgent))
	if err != nil {
		return fmt.Errorf("create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return fmt.Errorf("create server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return fmt.Errorf("create client: %w", err)
	}
	u.ua = ua
	u.srv = srv
	u.client = client

	srv.OnRequest(sip.INVITE, u.handleINVITE)
	srv.OnRequest(sip.ACK, u.handleACK)
	srv.OnRequest(sip.BYE, u.handleBYE)
	srv.OnRequest(sip.CANCEL, u.handleCANCEL)

	listenAddr := fmt.Sprintf("%s:%d", u.cfg.BindAddr, u.cfg.Port)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(u.ctx, "udp", listenAddr)
	}()

	// ListenAndServe blocks for the engine's lifetime; a bind failure
	// surfaces almost immediately, so give it a beat before declaring
	// the transport up.
	select {
	case err := <-errCh:
		if err != nil {
			ua.Close()
			return fmt.Errorf("sip transport: %w", err)
		}
		ua.Close()
		return fmt.Errorf("sip transport closed unexpectedly")
	case <-time.After(250 * time.Millisecond):
	}

	slog.Info("[Engine] SIP stack started", "listen", listenAddr, "advertise", u.cfg.AdvertiseAddr)
	return nil
}

// SetOnIncomingCall implements Engine.
func (u *UA) SetOnIncomingCall(fn IncomingCallFunc) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.onIncoming = fn
}

// Close implements Engine.
func (u *UA) Close() error {
	u.cancel()
	if u.ua != nil {
		return u.ua.Close()
	}
	return nil
}

func (u *UA) started() bool {
	return u.ua != nil && u.startErr == nil
}

func (u *UA) addLeg(callID string, l leg) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.legs[callID] = l
}

func (u *UA) removeLeg(callID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.legs, callID)
}

func (u *UA) lookupLeg(callID string) leg {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.legs[callID]
}

func (u *UA) handleINVITE(req *sip.Request, tx sip.ServerTransaction) {
	callID := requestCallID(req)
	if callID == "" {
		res := sip.NewResponseFromRequest(req, 400, "Missing Call-ID", nil)
		if err := tx.Respond(res); err != nil {
			slog.Error("[Engine] Failed to reject INVITE", "error", err)
		}
		return
	}

	if existing := u.lookupLeg(callID); existing != nil {
		// Retransmission of an INVITE we are already ringing on.
		slog.Debug("[Engine] Duplicate INVITE", "call_id", callID)
		return
	}

	u.mu.RLock()
	onIncoming := u.onIncoming
	u.mu.RUnlock()

	call := newInboundCall(u, req, tx)
	u.addLeg(callID, call)

	if err := call.ring(); err != nil {
		slog.Error("[Engine] Failed to ring inbound call", "call_id", callID, "error", err)
		u.removeLeg(callID)
		return
	}

	slog.Info("[Engine] Incoming call", "call_id", callID, "from", call.Remote())
	if onIncoming != nil {
		onIncoming(call, call.Remote())
	}
}

func (u *UA) handleACK(req *sip.Request, _ sip.ServerTransaction) {
	if l := u.lookupLeg(requestCallID(req)); l != nil {
		l.handleACK(req)
	}
}

func (u *UA) handleBYE(req *sip.Request, tx sip.ServerTransaction) {
	l := u.lookupLeg(requestCallID(req))
	if l == nil {
		res := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		if err := tx.Respond(res); err != nil {
			slog.Error("[Engine] Failed to respond to stray BYE", "error", err)
		}
		return
	}
	l.handleBYE(req, tx)
}

func (u *UA) handleCANCEL(req *sip.Request, tx sip.ServerTransaction) {
	l := u.lookupLeg(requestCallID(req))
	if l == nil {
		res := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		if err := tx.Respond(res); err != nil {
			slog.Error("[Engine] Failed to respond to stray CANCEL", "error", err)
		}
		return
	}
	l.handleCANCEL(req, tx)
}

// requestCallID extracts the Call-ID value. Cast to string directly -
// .String() adds the "Call-ID: " prefix.
func requestCallID(req *sip.Request) string {
	if req.CallID() == nil {
		return ""
	}
	return string(*req.CallID())
}

// generateCallID generates a unique Call-ID.
func generateCallID() string {
	return uuid.New().String()
}

// generateTag generates a unique tag for From/To headers.
func generateTag() string {
	return uuid.New().String()[:8]
}

// primaryInterfaceIP detects the primary network interface IP address.
func primaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
