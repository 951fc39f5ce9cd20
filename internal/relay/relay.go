// Package relay pins a web connection to a console connection for a terminal
// session and passes terminal events between them until either side goes away.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/console-relay/broker/internal/metrics"
	"github.com/console-relay/broker/internal/model"
	"github.com/console-relay/broker/internal/recorder"
	"github.com/console-relay/broker/internal/registry"
	"github.com/console-relay/broker/internal/ws"
)

const (
	// MsgConsoleUnavailable is returned when the console cannot be reached.
	MsgConsoleUnavailable = "Can't connect to the console"
	// MsgWebUnavailable is returned when the requesting web connection is gone.
	MsgWebUnavailable = "web connection not found or not connected"

	journalTimeout    = 5 * time.Second
	maxReaperInterval = 30 * time.Second
)

// Journal records session history. Its errors are logged, never surfaced.
type Journal interface {
	Create(ctx context.Context, s *model.TerminalSession) error
	Finish(ctx context.Context, s *model.TerminalSession) error
}

// Config tunes the relay.
type Config struct {
	// AckTimeout bounds the wait for the console to acknowledge an open request.
	AckTimeout time.Duration
	// IdleTimeout ends sessions without web input for this long. 0 disables it.
	IdleTimeout time.Duration
	// RecordingDir enables asciinema recordings when set.
	RecordingDir string
}

// Relay owns the terminal session table. At most one session exists per
// (console, owner) pair, per web connection and per console connection.
type Relay struct {
	registry *registry.Registry
	journal  Journal
	cfg      Config
	log      zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[model.SessionKey]*session
}

// New creates a Relay. journal may be nil.
func New(reg *registry.Registry, journal Journal, cfg Config, log zerolog.Logger) *Relay {
	return &Relay{
		registry: reg,
		journal:  journal,
		cfg:      cfg,
		log:      log.With().Str("component", "relay").Logger(),
		now:      time.Now,
		sessions: make(map[model.SessionKey]*session),
	}
}

type openRequest struct {
	SessionID string `json:"sessionId"`
	ConsoleID string `json:"consoleId"`
	UserID    string `json:"userId"`
	SocketID  string `json:"socketId"`
}

type readyNotice struct {
	SessionID string `json:"sessionId"`
	ConsoleID string `json:"consoleId"`
}

type endNotice struct {
	SessionID string          `json:"sessionId"`
	ConsoleID string          `json:"consoleId"`
	Reason    model.EndReason `json:"reason"`
}

// ending is a session removed from the table whose peers still need notices.
type ending struct {
	s           *session
	reason      model.EndReason
	tellWeb     bool
	tellConsole bool
}

// Open binds the web connection webConnID to console consoleID for ownerID and
// returns the console's acknowledgement payload. The caller must already have
// checked that ownerID owns the console.
func (r *Relay) Open(ctx context.Context, consoleID, ownerID, webConnID string) (json.RawMessage, error) {
	console, ok := r.registry.Console(consoleID)
	if !ok {
		return nil, model.Unavailable(MsgConsoleUnavailable)
	}
	web, ok := r.registry.Get(webConnID)
	if !ok || web.Role != model.RoleWeb {
		return nil, model.Unavailable(MsgWebUnavailable)
	}

	key := model.SessionKey{ConsoleID: consoleID, OwnerID: ownerID}

	r.mu.Lock()
	endings := r.collectStaleLocked()
	endings = append(endings, r.supersedeLocked(key, web.Conn, console.Conn)...)
	r.mu.Unlock()
	r.finish(endings)

	sessionID := uuid.NewString()
	ackCtx := ctx
	if r.cfg.AckTimeout > 0 {
		var cancel context.CancelFunc
		ackCtx, cancel = context.WithTimeout(ctx, r.cfg.AckTimeout)
		defer cancel()
	}

	started := time.Now()
	ack, err := console.Conn.Request(ackCtx, ws.EventOpenTerminalSession, openRequest{
		SessionID: sessionID,
		ConsoleID: consoleID,
		UserID:    ownerID,
		SocketID:  webConnID,
	})
	metrics.PeerRequestDuration.WithLabelValues(ws.EventOpenTerminalSession).Observe(time.Since(started).Seconds())
	if err != nil {
		if errors.Is(err, ws.ErrConnectionClosed) {
			return nil, model.Unavailable(MsgConsoleUnavailable)
		}
		return nil, fmt.Errorf("open terminal on %s: %w", consoleID, err)
	}

	s := &session{
		record: model.TerminalSession{
			ID:            sessionID,
			ConsoleID:     consoleID,
			OwnerID:       ownerID,
			WebConnID:     web.ConnID(),
			ConsoleConnID: console.ConnID(),
			Status:        model.SessionStatusOpen,
			OpenedAt:      r.now(),
		},
		web:     web.Conn,
		console: console.Conn,
	}
	s.touch(s.record.OpenedAt)

	if r.cfg.RecordingDir != "" {
		rec, err := recorder.Create(r.cfg.RecordingDir, sessionID, consoleID)
		if err != nil {
			r.log.Warn().Err(err).Str("session", sessionID).Msg("recording disabled for session")
		} else {
			s.rec = rec
			s.record.RecordingPath = rec.Path()
		}
	}

	r.journalCreate(s)

	r.mu.Lock()
	endings = r.supersedeLocked(key, web.Conn, console.Conn)
	r.sessions[key] = s
	metrics.SessionsActive.Inc()
	if web.Conn.IsAlive() && console.Conn.IsAlive() {
		// terminal-ready is queued before any relayed output.
		web.Conn.Emit(ws.EventTerminalReady, readyNotice{SessionID: sessionID, ConsoleID: consoleID})
		r.attach(s)
	} else {
		endings = append(endings, r.removeLocked(s, model.EndStale, true, true))
	}
	r.mu.Unlock()
	r.finish(endings)

	if !web.Conn.IsAlive() {
		return nil, model.Unavailable(MsgWebUnavailable)
	}
	if !console.Conn.IsAlive() {
		return nil, model.Unavailable(MsgConsoleUnavailable)
	}

	r.log.Info().
		Str("session", sessionID).
		Str("console", consoleID).
		Str("owner", ownerID).
		Str("web", webConnID).
		Msg("terminal session opened")
	return ack, nil
}

// attach installs the forwarding bindings. Must hold r.mu.
func (r *Relay) attach(s *session) {
	forwardToWeb := func(msg *ws.Message) {
		s.forward(s.web, msg)
	}
	forwardToConsole := func(msg *ws.Message) {
		if s.forward(s.console, msg) {
			s.touch(r.now())
		}
	}

	s.consoleListeners = []ws.ListenerID{
		s.console.On(ws.EventTerminalOutput, forwardToWeb),
		s.console.On(ws.EventTerminalExit, func(msg *ws.Message) {
			s.forward(s.web, msg)
			r.end(s, model.EndConsoleExit, false, false)
		}),
	}
	s.webListeners = []ws.ListenerID{
		s.web.On(ws.EventTerminalInput, forwardToConsole),
		s.web.On(ws.EventTerminalResize, forwardToConsole),
	}
}

// collectStaleLocked removes sessions whose web connection died or whose
// console is no longer the live registry entry for its id.
func (r *Relay) collectStaleLocked() []ending {
	var out []ending
	for _, s := range r.sessions {
		console, ok := r.registry.Console(s.record.ConsoleID)
		if s.web.IsAlive() && ok && console.Conn == s.console {
			continue
		}
		out = append(out, r.removeLocked(s, model.EndStale, true, true))
	}
	return out
}

// supersedeLocked removes every session sharing key, the web connection or
// the console connection.
func (r *Relay) supersedeLocked(key model.SessionKey, web, console *ws.Conn) []ending {
	var out []ending
	for k, s := range r.sessions {
		if k != key && s.web != web && s.console != console {
			continue
		}
		out = append(out, r.removeLocked(s, model.EndSuperseded, s.web != web, true))
	}
	return out
}

// removeLocked takes s out of the table and stops its forwarding.
func (r *Relay) removeLocked(s *session, reason model.EndReason, tellWeb, tellConsole bool) ending {
	if cur, ok := r.sessions[s.record.Key()]; ok && cur == s {
		delete(r.sessions, s.record.Key())
	}
	s.markClosed()
	s.detach()
	return ending{s: s, reason: reason, tellWeb: tellWeb, tellConsole: tellConsole}
}

// end tears s down if it is still in the table.
func (r *Relay) end(s *session, reason model.EndReason, tellWeb, tellConsole bool) {
	r.mu.Lock()
	cur, ok := r.sessions[s.record.Key()]
	if !ok || cur != s {
		r.mu.Unlock()
		return
	}
	e := r.removeLocked(s, reason, tellWeb, tellConsole)
	r.mu.Unlock()
	r.finish([]ending{e})
}

// finish sends end notices and closes out the removed sessions. Runs without r.mu.
func (r *Relay) finish(endings []ending) {
	for _, e := range endings {
		s := e.s
		notice := endNotice{SessionID: s.record.ID, ConsoleID: s.record.ConsoleID, Reason: e.reason}
		if e.tellConsole {
			s.console.Emit(ws.EventTerminalClose, notice)
		}
		if e.tellWeb {
			s.web.Emit(ws.EventTerminalExit, notice)
		}

		closedAt := r.now()
		s.record.Status = model.SessionStatusClosed
		s.record.EndReason = e.reason
		s.record.ClosedAt = &closedAt
		if s.rec != nil {
			s.record.PreviewLine = s.rec.Preview()
			if err := s.rec.Close(); err != nil {
				r.log.Warn().Err(err).Str("session", s.record.ID).Msg("failed to close recording")
			}
		}
		r.journalFinish(s)

		metrics.SessionsActive.Dec()
		metrics.SessionsClosedTotal.WithLabelValues(string(e.reason)).Inc()
		r.log.Info().
			Str("session", s.record.ID).
			Str("console", s.record.ConsoleID).
			Str("reason", string(e.reason)).
			Dur("duration", s.record.Duration()).
			Msg("terminal session closed")
	}
}

// Disconnected tears down every session bound to conn. The console is told
// when its web peer left; nothing is sent when the console itself left.
func (r *Relay) Disconnected(conn *ws.Conn) {
	r.mu.Lock()
	var endings []ending
	for _, s := range r.sessions {
		if !s.involves(conn) {
			continue
		}
		switch conn {
		case s.web:
			endings = append(endings, r.removeLocked(s, model.EndWebDisconnect, false, true))
		case s.console:
			endings = append(endings, r.removeLocked(s, model.EndConsoleDisconnect, false, false))
		}
	}
	r.mu.Unlock()
	r.finish(endings)
}

// Run ends idle sessions until ctx is cancelled. It returns immediately when
// the idle timeout is disabled.
func (r *Relay) Run(ctx context.Context) {
	if r.cfg.IdleTimeout <= 0 {
		return
	}

	interval := r.cfg.IdleTimeout / 4
	if interval > maxReaperInterval {
		interval = maxReaperInterval
	}
	if interval <= 0 {
		interval = r.cfg.IdleTimeout
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reapIdle(r.now())
		}
	}
}

// reapIdle ends every session whose last web input is older than the idle
// timeout. It returns the number ended.
func (r *Relay) reapIdle(now time.Time) int {
	if r.cfg.IdleTimeout <= 0 {
		return 0
	}

	r.mu.Lock()
	var endings []ending
	for _, s := range r.sessions {
		if now.Sub(s.idleSince()) >= r.cfg.IdleTimeout {
			endings = append(endings, r.removeLocked(s, model.EndIdleTimeout, true, true))
		}
	}
	r.mu.Unlock()
	r.finish(endings)
	return len(endings)
}

// Close ends every session.
func (r *Relay) Close() {
	r.mu.Lock()
	var endings []ending
	for _, s := range r.sessions {
		endings = append(endings, r.removeLocked(s, model.EndShutdown, true, true))
	}
	r.mu.Unlock()
	r.finish(endings)
}

// Session returns the live session for a (console, owner) pair.
func (r *Relay) Session(consoleID, ownerID string) (model.TerminalSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[model.SessionKey{ConsoleID: consoleID, OwnerID: ownerID}]
	if !ok {
		return model.TerminalSession{}, false
	}
	return s.record, true
}

// Sessions returns the live sessions of ownerID, or of every owner when
// ownerID is empty, oldest first.
func (r *Relay) Sessions(ownerID string) []model.TerminalSession {
	r.mu.Lock()
	out := make([]model.TerminalSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		if ownerID == "" || s.record.OwnerID == ownerID {
			out = append(out, s.record)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// Len returns the number of live sessions.
func (r *Relay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Relay) journalCreate(s *session) {
	if r.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()

	if err := r.journal.Create(ctx, &s.record); err != nil {
		r.log.Warn().Err(err).Str("session", s.record.ID).Msg("failed to journal session")
	}
}

func (r *Relay) journalFinish(s *session) {
	if r.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()

	rec := s.record
	if err := r.journal.Finish(ctx, &rec); err != nil {
		r.log.Warn().Err(err).Str("session", rec.ID).Msg("failed to journal session end")
	}
}
