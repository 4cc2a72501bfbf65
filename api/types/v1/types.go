// Package types defines the wire types shared between the softphone agent
// and its UI: command payloads posted to the agent and the JSON shapes of
// the notifications streamed back.
package types

// RegisterRequest is the payload of POST /api/v1/register.
type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Realm    string `json:"realm"`
	Port     int    `json:"port,omitempty"` // defaults to 5060
}

// CallRequest is the payload of POST /api/v1/call.
type CallRequest struct {
	Number string `json:"number"`
}

// MuteRequest is the payload of POST /api/v1/mute.
type MuteRequest struct {
	Mute bool `json:"mute"`
}

// HealthResponse is the response from /api/v1/health.
type HealthResponse struct {
	Status string `json:"status"`
	Uptime int64  `json:"uptime"`
}

// StateResponse is the response from /api/v1/state: a snapshot of the
// single registration slot and the single call slot.
type StateResponse struct {
	Registration RegistrationState `json:"registration"`
	Call         *CallStateInfo    `json:"call,omitempty"`
}

// RegistrationState describes the current registration slot.
type RegistrationState struct {
	State    string `json:"state"` // idle, registering, registered, failed
	Identity string `json:"identity,omitempty"`
	Status   int    `json:"status,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// CallStateInfo describes the current call slot.
type CallStateInfo struct {
	Direction   string `json:"direction"` // outbound, inbound
	RemoteParty string `json:"remote_party"`
	State       string `json:"state"`
	Duration    int    `json:"duration"`
}
