// Package notify defines the notifications the softphone agent sends to its
// UI and the Emitter that delivers them. Notifications are a tagged union
// serialized as JSON objects with a "type" discriminator; the Emitter
// guarantees they reach the UI sink in emission order regardless of which
// goroutine produced them.
package notify

// Type discriminators.
const (
	TypeSip       = "sip"
	TypeCallState = "call_state"
)

// SIP registration states.
const (
	SipRegistering = "registering"
	SipRegistered  = "registered"
	SipFailed      = "failed"
	SipProgress    = "progress"
)

// Call states.
const (
	CallCalling      = "calling"
	CallRinging      = "ringing"
	CallActive       = "active"
	CallIncoming     = "incoming"
	CallEnded        = "ended"
	CallProgress     = "progress"
	CallError        = "error"
	CallMute         = "mute"
	CallMediaChanged = "media_changed"
)

// Notification is one UI event. Both concrete shapes marshal to a JSON
// object carrying a "type" discriminator; encoding/json handles all string
// escaping, so a malformed payload can never be emitted.
type Notification interface {
	kind() string
}

// SipState reports registration lifecycle changes.
type SipState struct {
	Type   string `json:"type"`
	State  string `json:"state"`
	Status *int   `json:"status,omitempty"`
	Active *bool  `json:"active,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (SipState) kind() string { return TypeSip }

// CallState reports call lifecycle changes and call-scoped acknowledgements.
type CallState struct {
	Type   string `json:"type"`
	State  string `json:"state"`
	To     string `json:"to,omitempty"`
	From   string `json:"from,omitempty"`
	Code   *int   `json:"code,omitempty"`
	Raw    string `json:"raw,omitempty"`
	Value  *bool  `json:"value,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (CallState) kind() string { return TypeCallState }

// Registering is emitted synchronously when a register command is accepted,
// before any network round trip.
func Registering() SipState {
	return SipState{Type: TypeSip, State: SipRegistering}
}

// Registered is the terminal success notification for a registration attempt.
func Registered(status int) SipState {
	return SipState{Type: TypeSip, State: SipRegistered, Status: &status}
}

// RegistrationFailed is the terminal failure notification. Either a SIP
// status code or a reason string is carried, depending on what failed.
func RegistrationFailed(status int, reason string) SipState {
	n := SipState{Type: TypeSip, State: SipFailed, Reason: reason}
	if status != 0 {
		n.Status = &status
	}
	return n
}

// RegistrationProgress is a non-terminal registration update. A 401
// challenge lands here: digest negotiation legitimately passes through it.
func RegistrationProgress(active bool, status int) SipState {
	return SipState{Type: TypeSip, State: SipProgress, Active: &active, Status: &status}
}

// Calling is emitted before the outbound INVITE is issued.
func Calling(to string) CallState {
	return CallState{Type: TypeCallState, State: CallCalling, To: to}
}

// Ringing reports a provisional response on the outbound leg.
func Ringing() CallState {
	return CallState{Type: TypeCallState, State: CallRinging}
}

// Active reports a confirmed dialog.
func Active() CallState {
	return CallState{Type: TypeCallState, State: CallActive}
}

// Incoming announces an inbound call.
func Incoming(from string) CallState {
	return CallState{Type: TypeCallState, State: CallIncoming, From: from}
}

// Ended reports call termination with the final status code.
func Ended(code int) CallState {
	return CallState{Type: TypeCallState, State: CallEnded, Code: &code}
}

// Progress carries any transitional engine call state verbatim.
func Progress(raw string) CallState {
	return CallState{Type: TypeCallState, State: CallProgress, Raw: raw}
}

// Error reports a call-path failure with a reason string.
func Error(reason string) CallState {
	return CallState{Type: TypeCallState, State: CallError, Reason: reason}
}

// Mute acknowledges a setMute command. No audio path is touched; callers
// must not assume media is actually muted.
func Mute(value bool) CallState {
	return CallState{Type: TypeCallState, State: CallMute, Value: &value}
}

// MediaChanged acknowledges an engine media-state callback.
func MediaChanged() CallState {
	return CallState{Type: TypeCallState, State: CallMediaChanged}
}
