package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// outboundCall is one outbound leg. The INVITE response flow runs on its
// own goroutine; state changes surface through the callback slots.
type outboundCall struct {
	u      *UA
	cfg    CallConfig
	callID string
	remote string

	target   sip.Uri
	identity sip.Uri
	cancel   context.CancelFunc

	mu       sync.Mutex
	cb       CallCallbacks
	state    CallState
	lastCode int
	disposed bool

	// Dialog state captured from the 200 OK, needed to build the BYE.
	remoteContact string
	remoteTo      string
	localFrom     string
	remoteTag     string
	localTag      string
}

var _ Call = (*outboundCall)(nil)

// Place implements Engine. The INVITE is issued asynchronously; progress
// arrives through cb, starting with StateCalling.
func (u *UA) Place(ctx context.Context, cfg CallConfig, cb CallCallbacks) (Call, error) {
	if !u.started() {
		return nil, ErrNotStarted
	}

	c := &outboundCall{
		u:      u,
		cfg:    cfg,
		cb:     cb,
		callID: generateCallID(),
	}
	if err := sip.ParseUri(cfg.TargetURI, &c.target); err != nil {
		return nil, fmt.Errorf("parse target URI %q: %w", cfg.TargetURI, err)
	}
	if err := sip.ParseUri(cfg.IdentityURI, &c.identity); err != nil {
		return nil, fmt.Errorf("parse identity URI %q: %w", cfg.IdentityURI, err)
	}
	c.remote = c.target.User
	c.localTag = generateTag()

	callCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	u.addLeg(c.callID, c)
	go c.run(callCtx)

	slog.Info("[Engine] Placing call", "call_id", c.callID, "target", cfg.TargetURI)
	return c, nil
}

// ID implements Call.
func (c *outboundCall) ID() string { return c.callID }

// Remote implements Call.
func (c *outboundCall) Remote() string { return c.remote }

// Bind implements Call.
func (c *outboundCall) Bind(cb CallCallbacks) {
	c.mu.Lock()
	c.cb = cb
	state, code := c.state, c.lastCode
	c.mu.Unlock()
	if state == StateDisconnected && cb.OnState != nil {
		cb.OnState(state, code, state.String())
	}
}

func (c *outboundCall) run(ctx context.Context) {
	sdpBody, err := buildSDP(c.u.cfg.AdvertiseAddr, c.u.cfg.MediaPort)
	if err != nil {
		slog.Error("[Engine] SDP build failed", "call_id", c.callID, "error", err)
		c.finish(500)
		return
	}

	invite := c.buildINVITE(sdpBody)
	c.setState(StateCalling, 0)

	tx, err := c.u.client.TransactionRequest(ctx, invite)
	if err != nil {
		slog.Error("[Engine] INVITE send failed", "call_id", c.callID, "error", err)
		c.finish(503)
		return
	}
	defer func() { tx.Terminate() }()

	authed := false
	for {
		select {
		case <-ctx.Done():
			// Local hangup or teardown while the INVITE is in flight.
			c.sendCANCEL(invite)
			c.finish(487)
			return

		case <-tx.Done():
			c.mu.Lock()
			terminal := c.state == StateDisconnected || c.state == StateConfirmed
			c.mu.Unlock()
			if !terminal {
				c.finish(408)
			}
			return

		case res := <-tx.Responses():
			if res == nil {
				c.finish(408)
				return
			}
			code := int(res.StatusCode)

			switch {
			case code == 100:
				c.setState(StateTrying, code)

			case code == 180 || code == 181:
				c.setState(StateEarly, code)

			case code == 183:
				c.setState(StateEarly, code)
				if len(res.Body()) > 0 {
					c.media(res.Body())
				}

			case (code == int(sip.StatusUnauthorized) || code == int(sip.StatusProxyAuthRequired)) && !authed:
				authed = true
				tx.Terminate()
				tx, err = c.u.client.DoDigestAuth(ctx, invite, res, sipgo.DigestAuth{
					Username: c.cfg.Username,
					Password: c.cfg.Password,
				})
				if err != nil {
					slog.Error("[Engine] INVITE digest auth failed", "call_id", c.callID, "error", err)
					c.finish(code)
					return
				}

			case code >= 200 && code < 300:
				c.confirm(invite, res)
				return

			default:
				slog.Info("[Engine] Call rejected", "call_id", c.callID, "status", code, "reason", res.Reason)
				c.finish(code)
				return
			}
		}
	}
}

// confirm handles the 2xx: capture dialog state, ACK, go confirmed.
func (c *outboundCall) confirm(invite *sip.Request, res *sip.Response) {
	c.mu.Lock()
	if contact := res.Contact(); contact != nil {
		c.remoteContact = contact.Address.String()
	}
	if to := invite.To(); to != nil {
		c.remoteTo = to.Address.String()
	}
	if from := invite.From(); from != nil {
		c.localFrom = from.Address.String()
		if tag, ok := from.Params.Get("tag"); ok {
			c.localTag = tag
		}
	}
	if to := res.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			c.remoteTag = tag
		}
	}
	c.mu.Unlock()

	c.setState(StateConnecting, int(res.StatusCode))

	if err := c.sendACK(invite, res); err != nil {
		// ACK failure does not negate the 200 OK; the dialog stands.
		slog.Error("[Engine] Failed to send ACK", "call_id", c.callID, "error", err)
	}

	c.setState(StateConfirmed, int(res.StatusCode))
	slog.Info("[Engine] Call answered", "call_id", c.callID, "remote_contact", c.remoteContact)

	if len(res.Body()) > 0 {
		c.media(res.Body())
	}
}

// Answer implements Call. Outbound legs are answered by the remote side.
func (c *outboundCall) Answer() error {
	return fmt.Errorf("cannot answer an outbound call")
}

// Hangup implements Call.
func (c *outboundCall) Hangup() error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch {
	case state == StateDisconnected:
		return nil
	case state == StateConfirmed, state == StateConnecting:
		// Connecting means the 2xx already arrived and the dialog state
		// is captured; the response loop is done, so only a BYE ends it.
		err := c.sendBYE()
		c.finish(200)
		return err
	default:
		// In-flight INVITE: cancel the context, the response loop sends
		// the CANCEL and finishes with 487.
		c.cancel()
		return nil
	}
}

// Dispose implements Call.
func (c *outboundCall) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.mu.Unlock()

	if err := c.Hangup(); err != nil {
		slog.Debug("[Engine] Hangup during dispose", "call_id", c.callID, "error", err)
	}
	c.u.removeLeg(c.callID)
}

func (c *outboundCall) handleACK(_ *sip.Request) {}

func (c *outboundCall) handleBYE(req *sip.Request, tx sip.ServerTransaction) {
	if err := tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil)); err != nil {
		slog.Error("[Engine] Failed to respond to BYE", "call_id", c.callID, "error", err)
	}
	slog.Info("[Engine] Remote hangup", "call_id", c.callID)
	c.finish(200)
}

func (c *outboundCall) handleCANCEL(req *sip.Request, tx sip.ServerTransaction) {
	// CANCEL is only meaningful for calls we are ringing on.
	if err := tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)); err != nil {
		slog.Debug("[Engine] CANCEL response failed", "call_id", c.callID, "error", err)
	}
}

// setState records a state change and fires the callback slot.
func (c *outboundCall) setState(state CallState, code int) {
	c.mu.Lock()
	if c.state == StateDisconnected || c.disposed {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.lastCode = code
	cb := c.cb
	c.mu.Unlock()

	if cb.OnState != nil {
		cb.OnState(state, code, state.String())
	}
}

// finish moves the call to Disconnected exactly once.
func (c *outboundCall) finish(code int) {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.lastCode = code
	cb := c.cb
	disposed := c.disposed
	c.mu.Unlock()

	c.u.removeLeg(c.callID)
	if !disposed && cb.OnState != nil {
		cb.OnState(StateDisconnected, code, StateDisconnected.String())
	}
}

// media parses the remote SDP and fires the media slot.
func (c *outboundCall) media(body []byte) {
	addr, port, err := parseRemoteSDP(body)
	if err != nil {
		slog.Warn("[Engine] Remote SDP unusable", "call_id", c.callID, "error", err)
		return
	}
	slog.Debug("[Engine] Remote media endpoint", "call_id", c.callID, "addr", addr, "port", port)

	c.mu.Lock()
	cb := c.cb
	disposed := c.disposed
	c.mu.Unlock()
	if !disposed && cb.OnMedia != nil {
		cb.OnMedia()
	}
}

// buildINVITE constructs the outbound INVITE request.
func (c *outboundCall) buildINVITE(sdpBody []byte) *sip.Request {
	invite := sip.NewRequest(sip.INVITE, c.target)

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", c.localTag)
	invite.AppendHeader(&sip.FromHeader{
		Address: c.identity,
		Params:  fromParams,
	})
	invite.AppendHeader(&sip.ToHeader{
		Address: c.target,
		Params:  sip.NewParams(),
	})

	callIDHdr := sip.CallIDHeader(c.callID)
	invite.AppendHeader(&callIDHdr)

	invite.AppendHeader(&sip.CSeqHeader{
		SeqNo:      1,
		MethodName: sip.INVITE,
	})

	invite.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   c.identity.User,
			Host:   c.u.cfg.AdvertiseAddr,
			Port:   c.u.cfg.Port,
		},
	})

	contentType := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&contentType)
	invite.SetBody(sdpBody)

	return invite
}

// sendACK sends the ACK for a 2xx. Per RFC 3261 the ACK for a 2xx is a new
// request sent directly through the transport, not part of the INVITE
// transaction, with the Request-URI taken from the 2xx Contact.
func (c *outboundCall) sendACK(invite *sip.Request, res *sip.Response) error {
	requestURI := invite.Recipient
	if contact := res.Contact(); contact != nil {
		requestURI = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, requestURI)
	sip.CopyHeaders("Via", invite, ack)
	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("Call-ID", invite, ack)

	if to := res.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      to.Params,
		})
	}
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{
			SeqNo:      cseq.SeqNo,
			MethodName: sip.ACK,
		})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	destAddr := res.Source()
	if destAddr == "" {
		port := requestURI.Port
		if port == 0 {
			port = 5060
		}
		destAddr = fmt.Sprintf("%s:%d", requestURI.Host, port)
	}
	ack.SetDestination(destAddr)

	if err := c.u.client.WriteRequest(ack); err != nil {
		return fmt.Errorf("write ACK: %w", err)
	}
	return nil
}

// sendCANCEL cancels an in-progress INVITE.
func (c *outboundCall) sendCANCEL(invite *sip.Request) {
	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)

	if cseq := invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{
			SeqNo:      cseq.SeqNo,
			MethodName: sip.CANCEL,
		})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := c.u.client.TransactionRequest(ctx, cancelReq)
	if err != nil {
		slog.Debug("[Engine] CANCEL send failed", "call_id", c.callID, "error", err)
		return
	}
	defer tx.Terminate()

	select {
	case <-tx.Responses():
	case <-tx.Done():
	case <-ctx.Done():
	}
	slog.Info("[Engine] CANCEL sent", "call_id", c.callID)
}

// sendBYE terminates a confirmed dialog.
func (c *outboundCall) sendBYE() error {
	c.mu.Lock()
	remoteContact := c.remoteContact
	remoteTo := c.remoteTo
	localFrom := c.localFrom
	remoteTag := c.remoteTag
	localTag := c.localTag
	c.mu.Unlock()

	if remoteContact == "" {
		return nil
	}

	var requestURI sip.Uri
	if err := sip.ParseUri(remoteContact, &requestURI); err != nil {
		return fmt.Errorf("parse remote contact: %w", err)
	}

	toURI := requestURI
	if remoteTo != "" {
		if err := sip.ParseUri(remoteTo, &toURI); err != nil {
			toURI = requestURI
		}
	}
	fromURI := c.identity
	if localFrom != "" {
		if err := sip.ParseUri(localFrom, &fromURI); err != nil {
			fromURI = c.identity
		}
	}

	bye := sip.NewRequest(sip.BYE, requestURI)

	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", localTag)
	bye.AppendHeader(&sip.FromHeader{
		Address: fromURI,
		Params:  fromParams,
	})

	toParams := sip.NewParams()
	toParams.Add("tag", remoteTag)
	bye.AppendHeader(&sip.ToHeader{
		Address: toURI,
		Params:  toParams,
	})

	callIDHdr := sip.CallIDHeader(c.callID)
	bye.AppendHeader(&callIDHdr)

	bye.AppendHeader(&sip.CSeqHeader{
		SeqNo:      2,
		MethodName: sip.BYE,
	})

	port := requestURI.Port
	if port == 0 {
		port = 5060
	}
	bye.SetDestination(fmt.Sprintf("%s:%d", requestURI.Host, port))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := c.u.client.TransactionRequest(ctx, bye)
	if err != nil {
		return fmt.Errorf("send BYE: %w", err)
	}
	defer tx.Terminate()

	select {
	case <-tx.Responses():
	case <-tx.Done():
	case <-ctx.Done():
		slog.Warn("[Engine] BYE timeout", "call_id", c.callID)
	}
	slog.Info("[Engine] BYE sent", "call_id", c.callID)
	return nil
}
