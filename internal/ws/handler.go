package ws

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Terminal output arrives in chunks.
	maxMessageSize = 64 * 1024
)

// Handshake headers and their query-string fallbacks for browsers, which
// cannot set headers on a websocket upgrade.
const (
	HeaderClientType   = "X-Client-Type"
	HeaderConsoleID    = "X-Console-Id"
	HeaderConsoleToken = "X-Console-Token"

	QueryRole         = "role"
	QueryConsoleID    = "consoleId"
	QueryConsoleToken = "consoleToken"
	QueryToken        = "token"
)

// Handshake is the metadata a peer declares when it connects.
type Handshake struct {
	Role         string
	ConsoleID    string
	ConsoleToken string
	BearerToken  string
	RemoteAddr   string
}

// ParseHandshake extracts connection metadata from the upgrade request.
func ParseHandshake(r *http.Request) Handshake {
	q := r.URL.Query()
	pick := func(header, query string) string {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return v
		}
		return strings.TrimSpace(q.Get(query))
	}

	hs := Handshake{
		Role:         pick(HeaderClientType, QueryRole),
		ConsoleID:    pick(HeaderConsoleID, QueryConsoleID),
		ConsoleToken: pick(HeaderConsoleToken, QueryConsoleToken),
		RemoteAddr:   r.RemoteAddr,
	}

	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			hs.BearerToken = strings.TrimSpace(parts[1])
		}
	}
	if hs.BearerToken == "" {
		hs.BearerToken = strings.TrimSpace(q.Get(QueryToken))
	}
	return hs
}

// NewUpgrader returns an upgrader that accepts the listed origins. An empty
// list or "*" accepts any origin; requests without Origin are non-browser
// peers and always accepted.
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		originSet[strings.TrimRight(o, "/")] = true
	}

	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return originSet[origin]
		},
	}
}

// Run starts the read and write pumps. The connection closes when either ends.
func (c *Conn) Run() {
	go c.writePump()
	go c.readPump()
}

// readPump pumps frames from the websocket into Dispatch.
func (c *Conn) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("websocket read error")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn().Err(err).Msg("failed to unmarshal frame")
			continue
		}

		c.Dispatch(&msg)
	}
}

// writePump pumps queued frames to the websocket.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Close called: tell the peer why, if there is a reason.
				closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				if reason := c.reason(); reason != "" {
					closeMsg = websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
				}
				c.conn.WriteMessage(websocket.CloseMessage, closeMsg)
				return
			}

			// One frame per message so the peer can JSON-decode each frame.
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
