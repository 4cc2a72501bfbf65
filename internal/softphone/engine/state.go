// Package engine wraps the SIP protocol stack (emiago/sipgo) behind a small
// handle: lazy one-time start, account registration, one call at a time in
// either direction. Callbacks fire on engine-owned goroutines; callers are
// expected to marshal back to their own context.
package engine

import "fmt"

// CallState is the engine-level state of a call leg.
type CallState int

const (
	// StateNull indicates no signaling has happened yet.
	StateNull CallState = iota
	// StateCalling indicates the outbound INVITE has been sent.
	StateCalling
	// StateTrying indicates a 100 Trying was received.
	StateTrying
	// StateIncoming indicates an inbound INVITE is ringing locally.
	StateIncoming
	// StateEarly indicates a provisional 180/183 was received.
	StateEarly
	// StateConnecting indicates a 2xx was received and the ACK handshake is in flight.
	StateConnecting
	// StateConfirmed indicates the dialog is fully established.
	StateConfirmed
	// StateDisconnected indicates the call has ended; the final status code accompanies it.
	StateDisconnected
)

// String returns the raw state text surfaced verbatim in progress notifications.
func (s CallState) String() string {
	switch s {
	case StateNull:
		return "NULL"
	case StateCalling:
		return "CALLING"
	case StateTrying:
		return "TRYING"
	case StateIncoming:
		return "INCOMING"
	case StateEarly:
		return "EARLY"
	case StateConnecting:
		return "CONNECTING"
	case StateConfirmed:
		return "CONFIRMED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsTerminal returns true once the call can see no further state changes.
func (s CallState) IsTerminal() bool {
	return s == StateDisconnected
}
