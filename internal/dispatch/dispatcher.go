// Package dispatch is the broker's operation surface: it resolves the target
// connection of an operation in the registry and exchanges a single request
// with it.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/console-relay/broker/internal/metrics"
	"github.com/console-relay/broker/internal/model"
	"github.com/console-relay/broker/internal/registry"
	"github.com/console-relay/broker/internal/relay"
	"github.com/console-relay/broker/internal/ws"
)

// Messages returned to callers when a target cannot be reached.
const (
	MsgConsoleNotFound     = "console not found or not connected at the time"
	MsgConsoleNotAvailable = "console not available at the time"
	MsgDesktopNotFound     = "desktop not found or not connected at the time"
)

// Operation names, used in logs and metrics.
const (
	OpConnections  = "connections"
	OpPing         = "ping"
	OpGetStatus    = "get-status"
	OpPingConsole  = "ping-console"
	OpShutdown     = "shutdown"
	OpReboot       = "reboot"
	OpDesktopLogin = "notify-desktop-login"
	OpOpenTerminal = "open-terminal-session"
)

const defaultTimeout = 10 * time.Second

// TerminalOpener opens relay sessions.
type TerminalOpener interface {
	Open(ctx context.Context, consoleID, ownerID, webConnID string) (json.RawMessage, error)
}

// Dispatcher executes operations on behalf of authenticated callers.
type Dispatcher struct {
	registry *registry.Registry
	relay    TerminalOpener
	timeout  time.Duration
	log      zerolog.Logger
	started  time.Time
}

// New creates a Dispatcher. timeout bounds every request/response exchange.
func New(reg *registry.Registry, opener TerminalOpener, timeout time.Duration, log zerolog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Dispatcher{
		registry: reg,
		relay:    opener,
		timeout:  timeout,
		log:      log.With().Str("component", "dispatch").Logger(),
		started:  time.Now(),
	}
}

// Pong is the reply to a broker ping.
type Pong struct {
	Pong        bool      `json:"pong"`
	Time        time.Time `json:"time"`
	Uptime      string    `json:"uptime"`
	Connections int       `json:"connections"`
}

type loginFinished struct {
	UserToken string `json:"userToken"`
}

// Connections lists every live registry entry. Only the api caller may list.
func (d *Dispatcher) Connections(caller model.Caller) ([]model.ConnectionInfo, error) {
	if !caller.IsAPI() {
		return nil, d.done(OpConnections, fmt.Errorf("%w: connections list requires the api role", model.ErrForbidden))
	}

	entries := d.registry.Entries()
	out := make([]model.ConnectionInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Info())
	}
	d.done(OpConnections, nil)
	return out, nil
}

// Ping reports that the broker is up.
func (d *Dispatcher) Ping() Pong {
	d.done(OpPing, nil)
	return Pong{
		Pong:        true,
		Time:        time.Now().UTC(),
		Uptime:      time.Since(d.started).Round(time.Second).String(),
		Connections: d.registry.Len(),
	}
}

// ConsoleStatus asks the console for its status and returns its reply.
func (d *Dispatcher) ConsoleStatus(ctx context.Context, caller model.Caller, consoleID string) (json.RawMessage, error) {
	return d.request(ctx, OpGetStatus, ws.EventGetStatus, caller, consoleID)
}

// PingConsole checks that the console answers and returns its reply.
func (d *Dispatcher) PingConsole(ctx context.Context, caller model.Caller, consoleID string) (json.RawMessage, error) {
	return d.request(ctx, OpPingConsole, ws.EventPingCheck, caller, consoleID)
}

// Shutdown tells the console to power off. It does not wait for the console.
func (d *Dispatcher) Shutdown(caller model.Caller, consoleID string) error {
	return d.fire(OpShutdown, ws.EventShutdown, caller, consoleID)
}

// Reboot tells the console to restart. It does not wait for the console.
func (d *Dispatcher) Reboot(caller model.Caller, consoleID string) error {
	return d.fire(OpReboot, ws.EventReboot, caller, consoleID)
}

// NotifyDesktopLogin hands userToken to the desktop holding loginToken. Only
// the api caller may hand over credentials.
func (d *Dispatcher) NotifyDesktopLogin(caller model.Caller, loginToken, userToken string) error {
	if !caller.IsAPI() {
		return d.done(OpDesktopLogin, fmt.Errorf("%w: desktop login notification requires the api role", model.ErrForbidden))
	}
	if loginToken == "" || userToken == "" {
		return d.done(OpDesktopLogin, fmt.Errorf("%w: loginToken and userToken are required", model.ErrInvalidRequest))
	}

	desktop, ok := d.registry.Desktop(loginToken)
	if !ok {
		return d.done(OpDesktopLogin, model.Unavailable(MsgDesktopNotFound))
	}
	if err := desktop.Conn.Emit(ws.EventDesktopLoginFinished, loginFinished{UserToken: userToken}); err != nil {
		return d.done(OpDesktopLogin, model.Unavailable(MsgDesktopNotFound))
	}

	d.log.Info().Str("desktop", desktop.ConnID()).Msg("desktop login finished")
	return d.done(OpDesktopLogin, nil)
}

// OpenTerminal opens a terminal session between the caller's web connection
// webConnID and console consoleID.
func (d *Dispatcher) OpenTerminal(ctx context.Context, caller model.Caller, consoleID, webConnID string) (json.RawMessage, error) {
	if caller.UserID == "" || caller.IsAPI() {
		return nil, d.done(OpOpenTerminal, fmt.Errorf("%w: terminal sessions are opened by their owner", model.ErrForbidden))
	}
	if webConnID == "" {
		return nil, d.done(OpOpenTerminal, fmt.Errorf("%w: socketId is required", model.ErrInvalidRequest))
	}

	console, ok := d.registry.Console(consoleID)
	if !ok {
		return nil, d.done(OpOpenTerminal, model.Unavailable(relay.MsgConsoleUnavailable))
	}
	if console.OwnerID != caller.UserID {
		return nil, d.done(OpOpenTerminal, fmt.Errorf("%w: console %s is not owned by the caller", model.ErrForbidden, consoleID))
	}
	if web, ok := d.registry.Get(webConnID); ok && (web.Role != model.RoleWeb || web.OwnerID != caller.UserID) {
		return nil, d.done(OpOpenTerminal, fmt.Errorf("%w: socket %s does not belong to the caller", model.ErrForbidden, webConnID))
	}

	ack, err := d.relay.Open(ctx, consoleID, caller.UserID, webConnID)
	return ack, d.done(OpOpenTerminal, err)
}

// console resolves consoleID and checks the caller may act on it.
func (d *Dispatcher) console(caller model.Caller, consoleID string) (*registry.Entry, error) {
	console, ok := d.registry.Console(consoleID)
	if !ok {
		return nil, model.Unavailable(MsgConsoleNotFound)
	}
	if !caller.IsAPI() && (caller.UserID == "" || caller.UserID != console.OwnerID) {
		return nil, fmt.Errorf("%w: console %s is not owned by the caller", model.ErrForbidden, consoleID)
	}
	return console, nil
}

func (d *Dispatcher) request(ctx context.Context, op, event string, caller model.Caller, consoleID string) (json.RawMessage, error) {
	console, err := d.console(caller, consoleID)
	if err != nil {
		return nil, d.done(op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	started := time.Now()
	reply, err := console.Conn.Request(ctx, event, nil)
	metrics.PeerRequestDuration.WithLabelValues(event).Observe(time.Since(started).Seconds())
	if errors.Is(err, ws.ErrConnectionClosed) {
		err = model.Unavailable(MsgConsoleNotAvailable)
	}
	return reply, d.done(op, err)
}

func (d *Dispatcher) fire(op, event string, caller model.Caller, consoleID string) error {
	console, err := d.console(caller, consoleID)
	if err != nil {
		return d.done(op, err)
	}
	if err := console.Conn.Emit(event, nil); err != nil {
		return d.done(op, model.Unavailable(MsgConsoleNotAvailable))
	}

	d.log.Info().Str("console", consoleID).Str("op", op).Msg("command dispatched")
	return d.done(op, nil)
}

// done records the outcome of op and returns err unchanged.
func (d *Dispatcher) done(op string, err error) error {
	metrics.OperationsTotal.WithLabelValues(op, resultLabel(err)).Inc()
	if err != nil {
		d.log.Debug().Err(err).Str("op", op).Msg("operation failed")
	}
	return err
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, model.ErrTargetUnavailable):
		return "unavailable"
	case errors.Is(err, model.ErrAckTimeout):
		return "timeout"
	case errors.Is(err, model.ErrForbidden):
		return "forbidden"
	default:
		return "error"
	}
}
