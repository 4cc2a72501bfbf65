// Package router serializes softphone commands onto the single account and
// call slots. Every command takes the router lock, so command handling is
// strictly sequential no matter how many transports feed it; engine
// callbacks stay off that lock and synchronize through the session state
// and the ordered emitter instead.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	typesv1 "github.com/hardline/softphone/api/types/v1"
	"github.com/hardline/softphone/internal/softphone/engine"
	"github.com/hardline/softphone/internal/softphone/notify"
	"github.com/hardline/softphone/internal/softphone/session"
)

// Router owns the account and call slots. At most one of each is live at a
// time; a register command supersedes both.
type Router struct {
	eng     engine.Engine
	emitter *notify.Emitter
	metrics *Metrics

	mu      sync.Mutex
	account *session.Account
	call    *session.Call
	closed  bool
}

// New wires the router to its engine and emitter and registers the
// incoming-call slot.
func New(eng engine.Engine, emitter *notify.Emitter, metrics *Metrics) *Router {
	r := &Router{
		eng:     eng,
		emitter: emitter,
		metrics: metrics,
	}
	eng.SetOnIncomingCall(r.handleIncomingCall)
	return r
}

// Register replaces the current identity. The registering notification is
// emitted before the engine is touched, so the UI always sees the attempt
// start even if it fails immediately after. An engine start failure is the
// one error that propagates to the caller; everything later in the
// registration lifecycle arrives as notifications.
func (r *Router) Register(ctx context.Context, creds session.Credentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("router closed")
	}
	r.metrics.CommandsTotal.WithLabelValues("register").Inc()
	r.metrics.RegistrationAttempts.Inc()

	r.emitter.Emit(notify.Registering())

	if err := r.eng.EnsureStarted(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	// A new identity supersedes everything: the live call first, then the
	// previous account.
	r.dropCallLocked()
	if r.account != nil {
		r.account.Dispose()
		r.account = nil
	}

	acc := session.NewAccount(creds, r.emitter)
	r.account = acc

	var failedCounted atomic.Bool
	reg, err := r.eng.Register(ctx, acc.EngineConfig(), func(active bool, status int) {
		acc.HandleRegistrationState(active, status)
		if acc.State() == session.RegFailed && !failedCounted.Swap(true) {
			r.metrics.RegistrationFailures.Inc()
		}
	})
	if err != nil {
		// Local submission failure (bad URI, engine shutdown). The
		// account stays in the slot, failed, until superseded.
		acc.Fail(err.Error())
		if !failedCounted.Swap(true) {
			r.metrics.RegistrationFailures.Inc()
		}
		return nil
	}
	acc.SetRegistration(reg)

	slog.Info("[Router] Registration submitted", "identity", creds.IdentityURI())
	return nil
}

// Call places an outbound call to a number within the account realm.
// Precondition failures surface as error notifications, never as errors.
func (r *Router) Call(ctx context.Context, number string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.metrics.CommandsTotal.WithLabelValues("call").Inc()

	if strings.TrimSpace(number) == "" {
		r.emitter.Emit(notify.Error("number is required"))
		return
	}
	acc := r.account
	if acc == nil || !acc.Registered() {
		r.emitter.Emit(notify.Error("account not registered"))
		return
	}
	if live := r.liveCallLocked(); live != nil {
		r.emitter.Emit(notify.Error("call already in progress"))
		return
	}

	c := session.NewOutbound(number, r.emitter)
	r.call = c
	// Announced before the INVITE goes out, so the UI sees immediate
	// feedback on what is an asynchronous round trip.
	r.emitter.Emit(notify.Calling(number))

	creds := acc.Credentials()
	engCall, err := r.eng.Place(ctx, engine.CallConfig{
		TargetURI:   acc.TargetURI(number),
		IdentityURI: creds.IdentityURI(),
		Username:    creds.Username,
		Password:    creds.Password,
	}, r.callbacksFor(c))
	if err != nil {
		r.call = nil
		slog.Error("[Router] Failed to place call", "number", number, "error", err)
		r.emitter.Emit(notify.Error(err.Error()))
		return
	}
	c.Attach(engCall)
	r.metrics.CallsPlaced.Inc()
	slog.Info("[Router] Call placed", "number", number)
}

// Hangup terminates the current call. With no live call it is a no-op.
func (r *Router) Hangup(_ context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics.CommandsTotal.WithLabelValues("hangup").Inc()

	live := r.liveCallLocked()
	if live == nil {
		slog.Debug("[Router] Hangup with no live call")
		return
	}
	if err := live.Hangup(); err != nil {
		slog.Error("[Router] Hangup failed", "error", err)
		r.emitter.Emit(notify.Error(err.Error()))
	}
}

// Answer accepts the ringing inbound call. With no live call it is a
// no-op; answering a call that cannot be answered surfaces as an error
// notification.
func (r *Router) Answer(_ context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics.CommandsTotal.WithLabelValues("answer").Inc()

	live := r.liveCallLocked()
	if live == nil {
		slog.Debug("[Router] Answer with no live call")
		return
	}
	if err := live.Answer(); err != nil {
		slog.Error("[Router] Answer failed", "error", err)
		r.emitter.Emit(notify.Error(err.Error()))
	}
}

// SetMute acknowledges the requested mute value. The acknowledgement is
// emitted unconditionally, call or no call; no audio path is touched.
func (r *Router) SetMute(_ context.Context, mute bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics.CommandsTotal.WithLabelValues("mute").Inc()

	r.emitter.Emit(notify.Mute(mute))
}

// Snapshot reports the current account and call slots.
func (r *Router) Snapshot() typesv1.StateResponse {
	r.mu.Lock()
	defer r.mu.Unlock()

	resp := typesv1.StateResponse{
		Registration: typesv1.RegistrationState{State: "idle"},
	}
	if acc := r.account; acc != nil {
		resp.Registration = typesv1.RegistrationState{
			State:    strings.ToLower(acc.State().String()),
			Identity: acc.Credentials().IdentityURI(),
			Status:   acc.LastStatus(),
			Reason:   acc.LastReason(),
		}
	}
	if live := r.liveCallLocked(); live != nil {
		resp.Call = &typesv1.CallStateInfo{
			Direction:   live.Direction().String(),
			RemoteParty: live.Remote(),
			State:       live.State(),
			Duration:    live.Duration(),
		}
	}
	return resp
}

// Close disposes the slots. The engine itself is closed by the owner.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.dropCallLocked()
	if r.account != nil {
		r.account.Dispose()
		r.account = nil
	}
}

// dropCallLocked empties the call slot, disposing and counting whatever
// occupied it. Superseded calls end just as surely as disconnected ones.
// Callers hold r.mu.
func (r *Router) dropCallLocked() {
	if r.call == nil {
		return
	}
	r.call.Dispose()
	r.call = nil
	r.metrics.CallsEnded.Inc()
}

// liveCallLocked returns the call slot if it still has a live call,
// clearing it lazily once the call has ended. Callers hold r.mu.
func (r *Router) liveCallLocked() *session.Call {
	if r.call == nil {
		return nil
	}
	if r.call.Ended() {
		r.call.Dispose()
		r.call = nil
		r.metrics.CallsEnded.Inc()
		return nil
	}
	return r.call
}

// callbacksFor builds the engine callback slots for one session call.
// These fire on engine goroutines and deliberately do not take the router
// lock: a hangup command drives the engine synchronously while holding it,
// and the disconnect callback fires on the same goroutine. The session's
// own lock plus the emitter's ordered channel keep delivery sequential.
func (r *Router) callbacksFor(c *session.Call) engine.CallCallbacks {
	return engine.CallCallbacks{
		OnState: func(state engine.CallState, code int, raw string) {
			c.HandleEngineState(state, code, raw)
		},
		OnMedia: func() {
			c.HandleMedia()
		},
	}
}

// handleIncomingCall runs on the engine's server goroutine when a new
// inbound call starts ringing. Without a registered account the call is
// declined; otherwise it takes the call slot, superseding whatever call
// was there.
func (r *Router) handleIncomingCall(call engine.Call, from string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics.CallsIncoming.Inc()

	if r.closed || r.account == nil || !r.account.Registered() {
		slog.Info("[Router] Declining incoming call", "from", from)
		if err := call.Hangup(); err != nil {
			slog.Debug("[Router] Decline failed", "error", err)
		}
		call.Dispose()
		return
	}

	r.dropCallLocked()

	c := session.NewInbound(call, from, r.emitter)
	call.Bind(r.callbacksFor(c))
	r.call = c

	slog.Info("[Router] Incoming call", "from", from)
	r.emitter.Emit(notify.Incoming(from))
}
