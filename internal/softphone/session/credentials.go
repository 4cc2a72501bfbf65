// Package session holds the per-account and per-call orchestration state
// that sits between the command surface and the protocol engine.
package session

import (
	"fmt"
	"strings"
)

// DefaultSIPPort is used when a register command omits the port.
const DefaultSIPPort = 5060

// Credentials is the validated account identity derived from a register
// command.
type Credentials struct {
	Username string
	Password string
	Host     string
	Realm    string
	Port     int
}

// Validate checks the required fields and applies the port default.
// The password may legitimately be empty; some registrars accept
// unauthenticated bindings.
func (c *Credentials) Validate() error {
	if strings.TrimSpace(c.Username) == "" {
		return fmt.Errorf("username is required")
	}
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("host is required")
	}
	if strings.TrimSpace(c.Realm) == "" {
		return fmt.Errorf("realm is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Port == 0 {
		c.Port = DefaultSIPPort
	}
	return nil
}

// IdentityURI is the address of record: the username at the account realm.
func (c Credentials) IdentityURI() string {
	return fmt.Sprintf("sip:%s@%s", c.Username, c.Realm)
}

// RegistrarURI targets the registrar host directly, bypassing realm DNS.
func (c Credentials) RegistrarURI() string {
	return fmt.Sprintf("sip:%s:%d", c.Host, c.Port)
}

// TargetURI builds the callee URI for a dialed number within this
// account's realm.
func (c Credentials) TargetURI(number string) string {
	return fmt.Sprintf("sip:%s@%s", number, c.Realm)
}
