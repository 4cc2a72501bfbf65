package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
)

// inboundCall is one inbound leg. It rides the server transaction of the
// INVITE it was created from until answered or rejected.
type inboundCall struct {
	u      *UA
	invite *sip.Request
	tx     sip.ServerTransaction
	callID string
	remote string
	toTag  string

	mu       sync.Mutex
	cb       CallCallbacks
	state    CallState
	lastCode int
	answered bool
	disposed bool

	// Dialog state for the BYE after answering.
	remoteContact string
	remoteTag     string
}

var _ Call = (*inboundCall)(nil)

func newInboundCall(u *UA, invite *sip.Request, tx sip.ServerTransaction) *inboundCall {
	c := &inboundCall{
		u:      u,
		invite: invite,
		tx:     tx,
		callID: requestCallID(invite),
		toTag:  generateTag(),
		state:  StateIncoming,
	}
	if from := invite.From(); from != nil {
		c.remote = from.Address.String()
		if tag, ok := from.Params.Get("tag"); ok {
			c.remoteTag = tag
		}
	}
	if contact := invite.Contact(); contact != nil {
		c.remoteContact = contact.Address.String()
	}
	return c
}

// ID implements Call.
func (c *inboundCall) ID() string { return c.callID }

// Remote implements Call.
func (c *inboundCall) Remote() string { return c.remote }

// Bind implements Call. Inbound calls are handed over unbound; the owner
// attaches callbacks here. A call that already ended replays its terminal
// state so the owner never misses the hangup.
func (c *inboundCall) Bind(cb CallCallbacks) {
	c.mu.Lock()
	c.cb = cb
	state, code := c.state, c.lastCode
	c.mu.Unlock()
	if state == StateDisconnected && cb.OnState != nil {
		cb.OnState(state, code, state.String())
	}
}

// ring sends the provisional 180 so the caller hears ringback.
func (c *inboundCall) ring() error {
	res := sip.NewResponseFromRequest(c.invite, 180, "Ringing", nil)
	if to := res.To(); to != nil {
		to.Params.Add("tag", c.toTag)
	}
	if err := c.tx.Respond(res); err != nil {
		return fmt.Errorf("send 180: %w", err)
	}
	return nil
}

// Answer implements Call. Sends the 200 OK with the local SDP answer; the
// call goes confirmed once the caller's ACK arrives.
func (c *inboundCall) Answer() error {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("call already ended")
	}
	if c.answered {
		c.mu.Unlock()
		return nil
	}
	c.answered = true
	c.mu.Unlock()

	sdpBody, err := buildSDP(c.u.cfg.AdvertiseAddr, c.u.cfg.MediaPort)
	if err != nil {
		return fmt.Errorf("build SDP answer: %w", err)
	}

	res := sip.NewResponseFromRequest(c.invite, 200, "OK", sdpBody)
	if to := res.To(); to != nil {
		to.Params.Add("tag", c.toTag)
	}
	res.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			Host:   c.u.cfg.AdvertiseAddr,
			Port:   c.u.cfg.Port,
		},
	})
	contentType := sip.ContentTypeHeader("application/sdp")
	res.AppendHeader(&contentType)

	if err := c.tx.Respond(res); err != nil {
		return fmt.Errorf("send 200: %w", err)
	}

	c.setState(StateConnecting, 200)
	slog.Info("[Engine] Call answered locally", "call_id", c.callID)
	return nil
}

// Hangup implements Call. Declines a ringing call, or tears down a
// confirmed one with a BYE.
func (c *inboundCall) Hangup() error {
	c.mu.Lock()
	state := c.state
	answered := c.answered
	c.mu.Unlock()

	if state == StateDisconnected {
		return nil
	}

	if !answered {
		res := sip.NewResponseFromRequest(c.invite, 603, "Decline", nil)
		if to := res.To(); to != nil {
			to.Params.Add("tag", c.toTag)
		}
		if err := c.tx.Respond(res); err != nil {
			slog.Error("[Engine] Failed to decline call", "call_id", c.callID, "error", err)
		}
		c.finish(603)
		return nil
	}

	err := c.sendBYE()
	c.finish(200)
	return err
}

// Dispose implements Call.
func (c *inboundCall) Dispose() {
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

// handleACK completes the answer handshake.
func (c *inboundCall) handleACK(_ *sip.Request) {
	c.mu.Lock()
	confirming := c.answered && c.state == StateConnecting
	c.mu.Unlock()
	if !confirming {
		return
	}

	c.setState(StateConfirmed, 200)
	slog.Info("[Engine] Call confirmed", "call_id", c.callID)
	c.media(c.invite.Body())
}

// handleBYE is the remote hangup of a confirmed call.
func (c *inboundCall) handleBYE(req *sip.Request, tx sip.ServerTransaction) {
	if err := tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil)); err != nil {
		slog.Error("[Engine] Failed to respond to BYE", "call_id", c.callID, "error", err)
	}
	slog.Info("[Engine] Remote hangup", "call_id", c.callID)
	c.finish(200)
}

// handleCANCEL is the caller abandoning a ringing call: the CANCEL gets a
// 200, the pending INVITE a 487.
func (c *inboundCall) handleCANCEL(req *sip.Request, tx sip.ServerTransaction) {
	if err := tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil)); err != nil {
		slog.Error("[Engine] Failed to respond to CANCEL", "call_id", c.callID, "error", err)
	}

	res := sip.NewResponseFromRequest(c.invite, 487, "Request Terminated", nil)
	if to := res.To(); to != nil {
		to.Params.Add("tag", c.toTag)
	}
	if err := c.tx.Respond(res); err != nil {
		slog.Error("[Engine] Failed to terminate INVITE", "call_id", c.callID, "error", err)
	}

	slog.Info("[Engine] Call cancelled by caller", "call_id", c.callID)
	c.finish(487)
}

func (c *inboundCall) setState(state CallState, code int) {
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

func (c *inboundCall) finish(code int) {
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

func (c *inboundCall) media(body []byte) {
	if len(body) == 0 {
		return
	}
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

// sendBYE terminates the dialog established by our 200 OK.
func (c *inboundCall) sendBYE() error {
	c.mu.Lock()
	remoteContact := c.remoteContact
	remoteTag := c.remoteTag
	c.mu.Unlock()

	var requestURI sip.Uri
	if remoteContact != "" {
		if err := sip.ParseUri(remoteContact, &requestURI); err != nil {
			return fmt.Errorf("parse remote contact: %w", err)
		}
	} else if from := c.invite.From(); from != nil {
		requestURI = from.Address
	} else {
		return nil
	}

	bye := sip.NewRequest(sip.BYE, requestURI)

	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	// In-dialog roles flip: our To identity becomes the From of the BYE.
	fromParams := sip.NewParams()
	fromParams.Add("tag", c.toTag)
	fromAddr := requestURI
	if to := c.invite.To(); to != nil {
		fromAddr = to.Address
	}
	bye.AppendHeader(&sip.FromHeader{
		Address: fromAddr,
		Params:  fromParams,
	})

	toParams := sip.NewParams()
	toParams.Add("tag", remoteTag)
	toAddr := requestURI
	if from := c.invite.From(); from != nil {
		toAddr = from.Address
	}
	bye.AppendHeader(&sip.ToHeader{
		Address: toAddr,
		Params:  toParams,
	})

	callIDHdr := sip.CallIDHeader(c.callID)
	bye.AppendHeader(&callIDHdr)

	bye.AppendHeader(&sip.CSeqHeader{
		SeqNo:      1,
		MethodName: sip.BYE,
	})

	if src := c.invite.Source(); src != "" {
		bye.SetDestination(src)
	} else {
		port := requestURI.Port
		if port == 0 {
			port = 5060
		}
		bye.SetDestination(fmt.Sprintf("%s:%d", requestURI.Host, port))
	}

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
