package relay

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/console-relay/broker/internal/metrics"
	"github.com/console-relay/broker/internal/model"
	"github.com/console-relay/broker/internal/recorder"
	"github.com/console-relay/broker/internal/ws"
)

// session is one live terminal binding between a web and a console connection.
type session struct {
	record  model.TerminalSession
	web     *ws.Conn
	console *ws.Conn
	rec     *recorder.Recorder

	webListeners     []ws.ListenerID
	consoleListeners []ws.ListenerID

	lastInput atomic.Int64 // unix nanos of the last web input

	// mu orders forwarding against teardown: once closed is set no listener
	// that was already dispatched forwards anything.
	mu     sync.Mutex
	closed bool
}

// forward passes msg to the other side unless the session has ended.
func (s *session) forward(to *ws.Conn, msg *ws.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if err := to.Forward(msg); err != nil {
		return false
	}
	metrics.RelayedFramesTotal.WithLabelValues(msg.Event).Inc()

	if s.rec != nil {
		switch msg.Event {
		case ws.EventTerminalOutput:
			s.rec.Output(terminalText(msg.Data))
		case ws.EventTerminalInput:
			s.rec.Input(terminalText(msg.Data))
		case ws.EventTerminalResize:
			var size resize
			if json.Unmarshal(msg.Data, &size) == nil && size.Cols > 0 && size.Rows > 0 {
				s.rec.Resize(size.Cols, size.Rows)
			}
		}
	}
	return true
}

// markClosed ends forwarding. It reports false if the session was already closed.
func (s *session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.closed = true
	return true
}

// detach removes every listener the session attached.
func (s *session) detach() {
	s.web.Off(s.webListeners...)
	s.console.Off(s.consoleListeners...)
	s.webListeners = nil
	s.consoleListeners = nil
}

func (s *session) touch(now time.Time) {
	s.lastInput.Store(now.UnixNano())
}

func (s *session) idleSince() time.Time {
	return time.Unix(0, s.lastInput.Load())
}

func (s *session) involves(conn *ws.Conn) bool {
	return s.web == conn || s.console == conn
}

type resize struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// terminalText extracts the bytes of a terminal data payload, which is either
// a JSON string or an object with a "data" string.
func terminalText(raw json.RawMessage) []byte {
	var text string
	if json.Unmarshal(raw, &text) == nil {
		return []byte(text)
	}
	var obj struct {
		Data string `json:"data"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.Data != "" {
		return []byte(obj.Data)
	}
	return raw
}
