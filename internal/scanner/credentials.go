package scanner

import (
	"errors"
	"fmt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// Credentials describe how an authenticated scan logs into its targets.
// A bad descriptor must never reach the scanner, so validation happens at
// submission time.
type Credentials struct {
	Username          string `json:"username"`
	Password          string `json:"password"`
	EscalationMethod  string `json:"escalation_method,omitempty"`
	EscalationAccount string `json:"escalation_account,omitempty"`
	EscalationPass    string `json:"escalation_password,omitempty"`
}

// escalationMethods is the fixed set Nessus accepts for SSH privilege
// escalation. The empty string means the client did not ask for escalation.
var escalationMethods = map[string]struct{}{
	"":                         {},
	"Nothing":                  {},
	"sudo":                     {},
	"su":                       {},
	"su+sudo":                  {},
	"pbrun":                    {},
	"dzdo":                     {},
	".k5login":                 {},
	"Cisco 'enable'":           {},
	"Checkpoint Gaia 'expert'": {},
}

func (c *Credentials) Validate() error {
	if c == nil {
		return nil
	}
	if c.Username == "" {
		return fmt.Errorf("%w: username is required", ErrInvalidCredentials)
	}
	if c.Password == "" {
		return fmt.Errorf("%w: password is required", ErrInvalidCredentials)
	}
	if _, ok := escalationMethods[c.EscalationMethod]; !ok {
		return fmt.Errorf("%w: unknown escalation method %q", ErrInvalidCredentials, c.EscalationMethod)
	}
	return nil
}

func (c *Credentials) escalation() string {
	if c.EscalationMethod == "" {
		return "Nothing"
	}
	return c.EscalationMethod
}
