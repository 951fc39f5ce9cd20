// Package admission authenticates new peer connections by their declared role
// and admits them into the registry, or closes them.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/console-relay/broker/internal/auth"
	"github.com/console-relay/broker/internal/metrics"
	"github.com/console-relay/broker/internal/model"
	"github.com/console-relay/broker/internal/registry"
	"github.com/console-relay/broker/internal/status"
	"github.com/console-relay/broker/internal/ws"
)

const defaultTimeout = 10 * time.Second

// ErrClosedDuringVerification is returned when the peer went away before its
// credentials were verified. Nothing is admitted.
var ErrClosedDuringVerification = errors.New("connection closed during verification")

// TokenVerifier validates bearer credentials.
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// SessionReaper tears down relay sessions bound to a closed connection.
type SessionReaper interface {
	Disconnected(conn *ws.Conn)
}

// Controller runs the admission state machine for every new connection and
// reconciles the registry when an admitted connection closes.
type Controller struct {
	registry  *registry.Registry
	fanout    *status.Fanout
	sessions  SessionReaper
	tokens    TokenVerifier
	authority auth.ConsoleAuthority
	timeout   time.Duration
	log       zerolog.Logger
}

// New creates a Controller. timeout bounds credential verification.
func New(
	reg *registry.Registry,
	fanout *status.Fanout,
	sessions SessionReaper,
	tokens TokenVerifier,
	authority auth.ConsoleAuthority,
	timeout time.Duration,
	log zerolog.Logger,
) *Controller {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Controller{
		registry:  reg,
		fanout:    fanout,
		sessions:  sessions,
		tokens:    tokens,
		authority: authority,
		timeout:   timeout,
		log:       log.With().Str("component", "admission").Logger(),
	}
}

type socketID struct {
	SocketID string `json:"socketId"`
}

// Admit runs conn through Connecting → Verifying → Admitted | Rejected. A
// rejected connection is closed with the reason before Admit returns. The
// connection's pumps should already be running so a peer that leaves during
// verification cancels it.
func (c *Controller) Admit(conn *ws.Conn, hs ws.Handshake) (*registry.Entry, error) {
	a := newAttempt(conn.ID())
	log := c.log.With().Str("conn", conn.ID()).Str("remote", hs.RemoteAddr).Logger()

	role, ok := model.ParseRole(hs.Role)
	if !ok {
		return nil, c.reject(conn, a, "unknown", fmt.Errorf("%w: missing or unknown role %q", model.ErrAuthentication, hs.Role), log)
	}
	if err := a.to(StateVerifying); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(conn.Context(), c.timeout)
	entry, err := c.verify(ctx, conn, role, hs)
	cancel()

	if !conn.IsAlive() {
		a.to(StateRejected)
		metrics.AdmissionsTotal.WithLabelValues(string(role), "rejected").Inc()
		log.Debug().Str("role", string(role)).Msg("peer left during verification")
		return nil, ErrClosedDuringVerification
	}
	if err != nil {
		return nil, c.reject(conn, a, string(role), err, log)
	}
	if err := a.to(StateAdmitted); err != nil {
		return nil, err
	}

	if evicted := c.registry.Admit(entry); evicted != nil {
		metrics.EvictionsTotal.Inc()
		metrics.ConnectionsActive.WithLabelValues(string(model.RoleWeb)).Dec()
		log.Info().
			Str("owner", entry.OwnerID).
			Str("evicted", evicted.ConnID()).
			Msg("web entry replaced by newer connection")
	}
	metrics.ConnectionsActive.WithLabelValues(string(role)).Inc()
	metrics.AdmissionsTotal.WithLabelValues(string(role), "admitted").Inc()

	// Runs immediately if the peer left after the liveness check above.
	conn.OnClose(func() { c.disconnected(entry) })

	switch role {
	case model.RoleConsole:
		c.fanout.Notify(entry, true)
	case model.RoleWeb:
		if err := conn.Emit(ws.EventSocketID, socketID{SocketID: conn.ID()}); err != nil {
			log.Debug().Err(err).Msg("failed to send socket id")
		}
		c.fanout.Snapshot(entry)
	}

	log.Info().
		Str("role", string(role)).
		Str("state", a.current().String()).
		Str("console", entry.ConsoleID).
		Str("owner", entry.OwnerID).
		Msg("connection admitted")
	return entry, nil
}

// verify resolves the identity for role.
func (c *Controller) verify(ctx context.Context, conn *ws.Conn, role model.Role, hs ws.Handshake) (*registry.Entry, error) {
	entry := &registry.Entry{Role: role, Conn: conn}

	switch role {
	case model.RoleConsole:
		if hs.ConsoleID == "" || hs.ConsoleToken == "" {
			return nil, fmt.Errorf("%w: console id and credential are required", model.ErrAuthentication)
		}
		owner, err := c.authority.VerifyConsole(ctx, hs.ConsoleID, hs.ConsoleToken)
		if err != nil {
			return nil, err
		}
		entry.ConsoleID = hs.ConsoleID
		entry.OwnerID = owner

	case model.RoleDesktop, model.RoleWeb:
		claims, err := c.tokens.Verify(hs.BearerToken)
		if err != nil {
			return nil, err
		}
		if claims.Role != "" && claims.Role != string(role) {
			return nil, fmt.Errorf("%w: %s credential presented for %s role", model.ErrAuthentication, claims.Role, role)
		}
		if role == model.RoleDesktop {
			if claims.LoginToken == "" {
				return nil, fmt.Errorf("%w: credential carries no login token", model.ErrAuthentication)
			}
			entry.LoginToken = claims.LoginToken
		} else {
			entry.OwnerID = claims.UserID()
		}

	case model.RoleAPI:
		// Operations are authorized per call.
	}

	return entry, nil
}

func (c *Controller) reject(conn *ws.Conn, a *attempt, role string, err error, log zerolog.Logger) error {
	a.to(StateRejected)
	metrics.AdmissionsTotal.WithLabelValues(role, "rejected").Inc()

	reason := "authentication failed"
	if errors.Is(err, model.ErrAuthorityUnreachable) {
		reason = "console verification unavailable"
	}
	log.Warn().Err(err).Str("role", role).Str("state", a.current().String()).Msg("connection rejected")
	conn.CloseWithReason(reason)
	return err
}

// disconnected reconciles the registry and the relay for a closed connection.
func (c *Controller) disconnected(entry *registry.Entry) {
	c.sessions.Disconnected(entry.Conn)

	if _, removed := c.registry.Remove(entry.ConnID()); !removed {
		return
	}
	metrics.ConnectionsActive.WithLabelValues(string(entry.Role)).Dec()

	if entry.Role == model.RoleConsole {
		// A newer connection for the same console and owner keeps it online.
		if live, ok := c.registry.Console(entry.ConsoleID); !ok || live.OwnerID != entry.OwnerID {
			c.fanout.Notify(entry, false)
		}
	}

	c.log.Info().
		Str("conn", entry.ConnID()).
		Str("role", string(entry.Role)).
		Str("console", entry.ConsoleID).
		Str("owner", entry.OwnerID).
		Msg("connection removed")
}
