package ws

import (
	"encoding/json"
	"fmt"
)

// Events exchanged with peers.
const (
	// broker -> web
	EventSocketID      = "socket-id"
	EventConsoleStatus = "console-status"
	EventTerminalReady = "terminal-ready"

	// broker -> console
	EventGetStatus           = "get-status"
	EventPingCheck           = "ping-check"
	EventShutdown            = "shutdown"
	EventReboot              = "reboot"
	EventOpenTerminalSession = "open-terminal-session"
	EventTerminalClose       = "terminal-close"

	// broker -> desktop
	EventDesktopLoginFinished = "desktop-login-finished"

	// console -> web, relayed
	EventTerminalOutput = "terminal-output"
	EventTerminalExit   = "terminal-exit"

	// web -> console, relayed
	EventTerminalInput  = "terminal-input"
	EventTerminalResize = "terminal-resize"
)

// Message is one JSON text frame on a peer connection.
//
// A frame carrying ID expects exactly one reply frame whose AckID equals it.
// Replies carry either Data or Error.
type Message struct {
	Event string          `json:"event,omitempty"`
	ID    string          `json:"id,omitempty"`
	AckID string          `json:"ackId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// NewMessage builds a frame for event with data marshalled to JSON.
// A nil data leaves the payload empty.
func NewMessage(event string, data any) (*Message, error) {
	msg := &Message{Event: event}
	if data == nil {
		return msg, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		msg.Data = raw
		return msg, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	msg.Data = raw
	return msg, nil
}

// IsReply reports whether the frame answers an earlier request.
func (m *Message) IsReply() bool {
	return m.AckID != ""
}

// Decode unmarshals the frame payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s: empty payload", m.Event)
	}
	return json.Unmarshal(m.Data, v)
}
