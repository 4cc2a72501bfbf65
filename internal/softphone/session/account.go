package session

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/hardline/softphone/internal/softphone/engine"
	"github.com/hardline/softphone/internal/softphone/notify"
)

// RegState is the account registration state.
type RegState int

const (
	RegIdle RegState = iota
	RegRegistering
	RegRegistered
	RegFailed
)

// String returns the state name.
func (s RegState) String() string {
	switch s {
	case RegIdle:
		return "IDLE"
	case RegRegistering:
		return "REGISTERING"
	case RegRegistered:
		return "REGISTERED"
	case RegFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Account tracks one registered identity. At most one Account is live at a
// time; a new register command disposes the previous one first.
type Account struct {
	creds   Credentials
	emitter *notify.Emitter

	mu         sync.Mutex
	state      RegState
	lastStatus int
	lastReason string
	reg        engine.Registration
	disposed   bool
}

// NewAccount creates the account session in the registering state. The
// registering notification itself is emitted by the caller before the
// engine is touched.
func NewAccount(creds Credentials, emitter *notify.Emitter) *Account {
	return &Account{
		creds:   creds,
		emitter: emitter,
		state:   RegRegistering,
	}
}

// EngineConfig builds the engine-level account configuration. URIs are
// fully formed here; the engine applies no defaults.
func (a *Account) EngineConfig() engine.AccountConfig {
	return engine.AccountConfig{
		IdentityURI:  a.creds.IdentityURI(),
		RegistrarURI: a.creds.RegistrarURI(),
		Username:     a.creds.Username,
		Password:     a.creds.Password,
	}
}

// SetRegistration binds the engine registration handle once submitted.
func (a *Account) SetRegistration(reg engine.Registration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reg = reg
}

// HandleRegistrationState classifies one registration response and emits
// the matching notification. The rules are exact:
//
//	status 200 with an active binding  -> registered (terminal success)
//	status >= 300, except 401          -> failed (terminal failure)
//	anything else                      -> progress (non-terminal)
//
// A 401 is never a failure: the engine answers the digest challenge and
// the attempt continues, so it surfaces only as progress.
func (a *Account) HandleRegistrationState(active bool, status int) {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return
	}

	a.lastStatus = status
	var n notify.SipState
	switch {
	case status == 200 && active:
		a.state = RegRegistered
		n = notify.Registered(status)
	case status >= 300 && status != 401:
		a.state = RegFailed
		n = notify.RegistrationFailed(status, "")
	default:
		n = notify.RegistrationProgress(active, status)
	}
	state := a.state
	a.mu.Unlock()

	slog.Info("[Account] Registration update", "status", status, "active", active, "state", state)
	a.emitter.Emit(n)
}

// Fail moves the account to the failed state and emits the failure with a
// reason string. Used when the engine rejects the registration locally,
// before any SIP response exists.
func (a *Account) Fail(reason string) {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return
	}
	a.state = RegFailed
	a.lastReason = reason
	a.mu.Unlock()

	slog.Warn("[Account] Registration failed locally", "reason", reason)
	a.emitter.Emit(notify.RegistrationFailed(0, reason))
}

// State returns the current registration state.
func (a *Account) State() RegState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Registered reports whether the account holds an active binding.
func (a *Account) Registered() bool {
	return a.State() == RegRegistered
}

// LastStatus returns the most recent SIP status seen, 0 if none.
func (a *Account) LastStatus() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastStatus
}

// LastReason returns the local failure reason, if any.
func (a *Account) LastReason() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastReason
}

// Credentials returns the account identity.
func (a *Account) Credentials() Credentials {
	return a.creds
}

// TargetURI builds a callee URI within this account's realm.
func (a *Account) TargetURI(number string) string {
	return a.creds.TargetURI(number)
}

// Dispose abandons the registration. Late responses from the engine are
// dropped; a superseded account must never emit again.
func (a *Account) Dispose() {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return
	}
	a.disposed = true
	reg := a.reg
	a.reg = nil
	a.mu.Unlock()

	if reg != nil {
		reg.Dispose()
	}
}
