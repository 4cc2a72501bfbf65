package engine

import (
	"context"
	"errors"
)

// ErrNotStarted is returned by operations invoked before a successful EnsureStarted.
var ErrNotStarted = errors.New("engine not started")

// AccountConfig is the engine-level account configuration built by the
// account session. URIs arrive fully formed; the engine does not apply
// defaults to them.
type AccountConfig struct {
	// IdentityURI is the address of record, e.g. "sip:alice@example.com".
	IdentityURI string
	// RegistrarURI is the registrar target, e.g. "sip:sip.example.com:5060".
	RegistrarURI string
	// Username and Password answer digest challenges from any realm.
	Username string
	Password string
}

// CallConfig carries everything an outbound INVITE needs.
type CallConfig struct {
	// TargetURI is the callee, e.g. "sip:bob@example.com".
	TargetURI string
	// IdentityURI is used as the From identity.
	IdentityURI string
	// Username and Password answer digest challenges on the INVITE.
	Username string
	Password string
}

// RegistrationStateFunc receives every registration response. active mirrors
// whether the registrar currently holds a binding; status is the SIP status
// code. Invoked from an engine goroutine.
type RegistrationStateFunc func(active bool, status int)

// CallCallbacks are the per-call callback slots, registered at call
// creation time. All fire on engine goroutines.
type CallCallbacks struct {
	// OnState receives each call-state change. code carries the final
	// status for StateDisconnected and the provisional code otherwise;
	// raw is the state's verbatim text.
	OnState func(state CallState, code int, raw string)
	// OnMedia fires when the media description for the call changes.
	OnMedia func()
}

// IncomingCallFunc is invoked when a new inbound call starts ringing.
type IncomingCallFunc func(call Call, from string)

// Registration is the handle for one submitted account registration.
type Registration interface {
	// Dispose abandons the registration attempt and best-effort
	// un-registers the binding. Never returns an error; tearing down a
	// registration the registrar has already dropped is an expected path.
	Dispose()
}

// Call is the handle for one call leg, outbound or inbound.
type Call interface {
	// ID returns the SIP Call-ID.
	ID() string
	// Remote returns the remote party (user or URI) for display.
	Remote() string
	// Bind replaces the call's callback slots. Inbound calls are handed
	// over unbound; the owner binds before driving the call. If the call
	// already ended, the terminal state is replayed to the new slots.
	Bind(cb CallCallbacks)
	// Answer accepts a ringing inbound call with a success status.
	Answer() error
	// Hangup terminates the call in whatever phase it is in: a decline
	// for unanswered inbound calls, CANCEL for in-flight outbound ones,
	// BYE for confirmed dialogs.
	Hangup() error
	// Dispose tears the call down best-effort and releases it. Errors are
	// swallowed; the engine may already have invalidated the leg.
	Dispose()
}

// Engine is the protocol engine handle the orchestration layer drives.
type Engine interface {
	// EnsureStarted lazily starts the engine: first call creates the
	// stack and opens the UDP transport, subsequent calls are no-ops. A
	// start failure is unrecoverable for the process lifetime.
	EnsureStarted(ctx context.Context) error
	// Register submits an account registration. Responses arrive through
	// onState; the returned handle supersedes any bookkeeping the caller
	// holds for a prior registration.
	Register(ctx context.Context, cfg AccountConfig, onState RegistrationStateFunc) (Registration, error)
	// Place starts an outbound call. Progress arrives through cb.
	Place(ctx context.Context, cfg CallConfig, cb CallCallbacks) (Call, error)
	// SetOnIncomingCall registers the inbound-call slot.
	SetOnIncomingCall(fn IncomingCallFunc)
	// Close shuts the engine down.
	Close() error
}
