package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/console-relay/broker/internal/admission"
	"github.com/console-relay/broker/internal/auth"
	"github.com/console-relay/broker/internal/dispatch"
	"github.com/console-relay/broker/internal/model"
	"github.com/console-relay/broker/internal/registry"
	"github.com/console-relay/broker/internal/relay"
	"github.com/console-relay/broker/internal/status"
	"github.com/console-relay/broker/internal/ws"
)

const testSecret = "router-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type consoleAuthority map[string]string

func (a consoleAuthority) VerifyConsole(_ context.Context, consoleID, token string) (string, error) {
	owner, ok := a[consoleID]
	if !ok || token != "secret-"+consoleID {
		return "", fmt.Errorf("%w: unknown console", model.ErrAuthentication)
	}
	return owner, nil
}

type broker struct {
	srv *httptest.Server
	reg *registry.Registry
}

func startBroker(t *testing.T) *broker {
	t.Helper()

	log := zerolog.Nop()
	tokens := auth.NewTokenVerifier(testSecret, "")
	reg := registry.New()
	r := relay.New(reg, nil, relay.Config{AckTimeout: 2 * time.Second}, log)
	controller := admission.New(reg, status.New(reg, log), r, tokens, consoleAuthority{"C1": "U1"}, 2*time.Second, log)

	router := NewRouter(Deps{
		Dispatcher: dispatch.New(reg, r, 2*time.Second, log),
		Admitter:   controller,
		Tokens:     tokens,
		Sessions:   r,
		Upgrader:   ws.NewUpgrader(nil),
		Log:        log,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		r.Close()
		srv.Close()
	})
	return &broker{srv: srv, reg: reg}
}

func (b *broker) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws" + query
}

func bearer(t *testing.T, role, user string) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: user, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		Role:             role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

// peer is a dialed websocket with serialized writes.
type peer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *peer) write(t *testing.T, msg ws.Message) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.conn.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func dial(t *testing.T, url string, header http.Header) *peer {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &peer{conn: conn}
}

func read(t *testing.T, p *peer) ws.Message {
	t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg ws.Message
	if err := p.conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

// serveConsole acknowledges open-terminal-session requests and passes every
// other frame on.
func serveConsole(t *testing.T, p *peer) <-chan ws.Message {
	frames := make(chan ws.Message, 16)
	go func() {
		defer close(frames)
		for {
			var msg ws.Message
			if err := p.conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Event == ws.EventOpenTerminalSession && msg.ID != "" {
				p.mu.Lock()
				p.conn.WriteJSON(ws.Message{Event: msg.Event, AckID: msg.ID, Data: json.RawMessage(`{"opened":true}`)})
				p.mu.Unlock()
				continue
			}
			frames <- msg
		}
	}()
	return frames
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTerminalSessionEndToEnd(t *testing.T) {
	b := startBroker(t)

	console := dial(t, b.wsURL(""), http.Header{
		ws.HeaderClientType:   {"console"},
		ws.HeaderConsoleID:    {"C1"},
		ws.HeaderConsoleToken: {"secret-C1"},
	})
	waitFor(t, func() bool { _, ok := b.reg.Console("C1"); return ok })
	consoleFrames := serveConsole(t, console)

	webToken := bearer(t, "web", "U1")
	web := dial(t, b.wsURL("?role=web&token="+webToken), nil)

	hello := read(t, web)
	var sid struct {
		SocketID string `json:"socketId"`
	}
	if hello.Event != ws.EventSocketID || hello.Decode(&sid) != nil || sid.SocketID == "" {
		t.Fatalf("expected socket-id first, got %+v", hello)
	}
	var online model.ConsoleStatus
	if msg := read(t, web); msg.Event != ws.EventConsoleStatus || msg.Decode(&online) != nil || !online.IsOnline || online.ConsoleID != "C1" {
		t.Fatalf("expected C1 online, got %+v", msg)
	}

	body, _ := json.Marshal(map[string]string{"socketId": sid.SocketID})
	req, _ := http.NewRequest(http.MethodPost, b.srv.URL+"/api/consoles/C1/terminal", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+webToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open terminal: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("open terminal: status %d", resp.StatusCode)
	}

	if msg := read(t, web); msg.Event != ws.EventTerminalReady {
		t.Fatalf("expected terminal-ready, got %+v", msg)
	}

	input := json.RawMessage(`{"data":"ls -la\n"}`)
	web.write(t, ws.Message{Event: ws.EventTerminalInput, Data: input})
	select {
	case msg := <-consoleFrames:
		if msg.Event != ws.EventTerminalInput || string(msg.Data) != string(input) {
			t.Fatalf("console got %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("console received no input")
	}

	output := json.RawMessage(`{"data":"total 0\r\n"}`)
	console.write(t, ws.Message{Event: ws.EventTerminalOutput, Data: output})
	if msg := read(t, web); msg.Event != ws.EventTerminalOutput || string(msg.Data) != string(output) {
		t.Fatalf("web got %+v", msg)
	}

	console.conn.Close()
	var offline model.ConsoleStatus
	if msg := read(t, web); msg.Event != ws.EventConsoleStatus || msg.Decode(&offline) != nil || offline.IsOnline {
		t.Fatalf("expected C1 offline, got %+v", msg)
	}
}

func TestRejectedConsoleIsClosedWithReason(t *testing.T) {
	b := startBroker(t)

	console := dial(t, b.wsURL("?role=console&consoleId=C1&consoleToken=wrong"), nil)
	console.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := console.conn.ReadMessage()

	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected a close frame, got %v", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation || closeErr.Text != "authentication failed" {
		t.Errorf("unexpected close %d %q", closeErr.Code, closeErr.Text)
	}
	if b.reg.Len() != 0 {
		t.Errorf("rejected peer was registered")
	}
}

func TestProbesAndMetrics(t *testing.T) {
	b := startBroker(t)

	for _, path := range []string{"/health", "/health/ready", "/metrics"} {
		resp, err := http.Get(b.srv.URL + path)
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: status %d", path, resp.StatusCode)
		}
	}

	resp, err := http.Get(b.srv.URL + "/api/ping")
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated ping: status %d", resp.StatusCode)
	}
}
