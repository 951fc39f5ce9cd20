package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/console-relay/broker/internal/registry"
	"github.com/console-relay/broker/internal/ws"
)

// Admitter authenticates a freshly upgraded connection.
type Admitter interface {
	Admit(conn *ws.Conn, hs ws.Handshake) (*registry.Entry, error)
}

// ConnectionHandler upgrades peer connections and hands them to admission.
type ConnectionHandler struct {
	upgrader *websocket.Upgrader
	admitter Admitter
	log      zerolog.Logger
}

// NewConnectionHandler creates a new ConnectionHandler.
func NewConnectionHandler(upgrader *websocket.Upgrader, admitter Admitter, log zerolog.Logger) *ConnectionHandler {
	return &ConnectionHandler{
		upgrader: upgrader,
		admitter: admitter,
		log:      log,
	}
}

// Connect handles GET /ws. The handshake is read before the upgrade; the
// credentials are checked after it so a rejected peer receives a close reason.
func (h *ConnectionHandler) Connect(c *gin.Context) {
	hs := ws.ParseHandshake(c.Request)

	wsConn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already answered the request.
		h.log.Debug().Err(err).Str("remote", hs.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	conn := ws.NewConn(wsConn, h.log)
	conn.Run()

	if _, err := h.admitter.Admit(conn, hs); err != nil {
		h.log.Debug().Err(err).Str("conn", conn.ID()).Msg("connection not admitted")
	}
}

// RegisterRoutes registers the connection endpoint.
func (h *ConnectionHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/ws", h.Connect)
}
