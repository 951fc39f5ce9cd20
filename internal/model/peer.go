package model

import (
	"strings"
	"time"
)

// Role is the class of peer declared by a connection at handshake time.
type Role string

const (
	RoleConsole Role = "console"
	RoleDesktop Role = "desktop"
	RoleWeb     Role = "web"
	RoleAPI     Role = "api"
)

// Roles lists every role the broker admits.
var Roles = []Role{RoleConsole, RoleDesktop, RoleWeb, RoleAPI}

// ParseRole returns the role named by s and whether it is known.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Roles {
		if r == known {
			return r, true
		}
	}
	return "", false
}

// Caller is the authenticated identity behind an operation call.
type Caller struct {
	Role       Role
	UserID     string
	LoginToken string
}

// IsAPI reports whether the caller is the trusted backend.
func (c Caller) IsAPI() bool {
	return c.Role == RoleAPI
}

// ConnectionInfo describes one registry entry in the connections list.
type ConnectionInfo struct {
	SocketID   string    `json:"socketId"`
	Role       Role      `json:"role"`
	ConsoleID  string    `json:"consoleId,omitempty"`
	UserID     string    `json:"userId,omitempty"`
	AdmittedAt time.Time `json:"admittedAt"`
}

// ConsoleStatus is the payload of a console-status notice.
type ConsoleStatus struct {
	ConsoleID string `json:"consoleId"`
	IsOnline  bool   `json:"isOnline"`
}

// Result is the envelope every operation returns to its HTTP caller.
type Result struct {
	Success bool     `json:"success"`
	Data    any      `json:"data,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

// OK wraps data in a successful Result.
func OK(data any) Result {
	return Result{Success: true, Data: data}
}

// Failed builds an unsuccessful Result.
func Failed(errs ...string) Result {
	return Result{Success: false, Errors: errs}
}
