package model

import (
	"time"
)

// SessionStatus represents the status of a terminal session.
type SessionStatus string

const (
	SessionStatusOpen   SessionStatus = "open"
	SessionStatusClosed SessionStatus = "closed"
)

// EndReason records why a terminal session was torn down.
type EndReason string

const (
	EndWebDisconnect     EndReason = "web-disconnect"
	EndConsoleDisconnect EndReason = "console-disconnect"
	EndConsoleExit       EndReason = "console-exit"
	EndSuperseded        EndReason = "superseded"
	EndStale             EndReason = "stale"
	EndIdleTimeout       EndReason = "idle-timeout"
	EndShutdown          EndReason = "shutdown"
	EndRestart           EndReason = "restart"
)

// TerminalSession is a relay binding between one web peer and one console it owns.
type TerminalSession struct {
	ID            string        `json:"id"`
	ConsoleID     string        `json:"consoleId"`
	OwnerID       string        `json:"userId"`
	WebConnID     string        `json:"socketId"`
	ConsoleConnID string        `json:"consoleSocketId"`
	Status        SessionStatus `json:"status"`
	EndReason     EndReason     `json:"endReason,omitempty"`
	RecordingPath string        `json:"recordingPath,omitempty"`
	PreviewLine   string        `json:"previewLine,omitempty"`
	OpenedAt      time.Time     `json:"openedAt"`
	ClosedAt      *time.Time    `json:"closedAt,omitempty"`
}

// SessionKey identifies the single session a (console, owner) pair may hold.
type SessionKey struct {
	ConsoleID string
	OwnerID   string
}

// Key returns the session's (console, owner) key.
func (s *TerminalSession) Key() SessionKey {
	return SessionKey{ConsoleID: s.ConsoleID, OwnerID: s.OwnerID}
}

// Duration returns how long the session has been, or was, open.
func (s *TerminalSession) Duration() time.Duration {
	if s.ClosedAt != nil {
		return s.ClosedAt.Sub(s.OpenedAt)
	}
	return time.Since(s.OpenedAt)
}
