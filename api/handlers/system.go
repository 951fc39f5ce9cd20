package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/console-relay/broker/internal/dispatch"
	"github.com/console-relay/broker/internal/model"
)

const maxHistory = 500

// SessionLister lists live terminal sessions. An empty owner lists all.
type SessionLister interface {
	Sessions(ownerID string) []model.TerminalSession
}

// SessionHistory reads the terminal-session journal. An empty owner lists all.
type SessionHistory interface {
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*model.TerminalSession, error)
}

// SystemHandler handles broker-wide HTTP requests.
type SystemHandler struct {
	dispatcher *dispatch.Dispatcher
	sessions   SessionLister
	history    SessionHistory
	log        zerolog.Logger
}

// NewSystemHandler creates a new SystemHandler. history may be nil when the
// journal is disabled.
func NewSystemHandler(dispatcher *dispatch.Dispatcher, sessions SessionLister, history SessionHistory, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		dispatcher: dispatcher,
		sessions:   sessions,
		history:    history,
		log:        log,
	}
}

// SessionResponse represents a terminal session in API responses.
type SessionResponse struct {
	ID            string `json:"id"`
	ConsoleID     string `json:"consoleId"`
	UserID        string `json:"userId"`
	SocketID      string `json:"socketId"`
	Status        string `json:"status"`
	EndReason     string `json:"endReason,omitempty"`
	RecordingPath string `json:"recordingPath,omitempty"`
	PreviewLine   string `json:"previewLine,omitempty"`
	Duration      string `json:"duration"`
	OpenedAt      string `json:"openedAt"`
	ClosedAt      string `json:"closedAt,omitempty"`
}

func toSessionResponse(s *model.TerminalSession) SessionResponse {
	resp := SessionResponse{
		ID:            s.ID,
		ConsoleID:     s.ConsoleID,
		UserID:        s.OwnerID,
		SocketID:      s.WebConnID,
		Status:        string(s.Status),
		EndReason:     string(s.EndReason),
		RecordingPath: s.RecordingPath,
		PreviewLine:   s.PreviewLine,
		Duration:      formatDuration(s.Duration()),
		OpenedAt:      s.OpenedAt.Format(time.RFC3339),
	}
	if s.ClosedAt != nil {
		resp.ClosedAt = s.ClosedAt.Format(time.RFC3339)
	}
	return resp
}

// formatDuration formats a duration rounded to whole seconds.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}

// Ping handles GET /api/ping.
func (h *SystemHandler) Ping(c *gin.Context) {
	sendData(c, h.dispatcher.Ping())
}

// Connections handles GET /api/connections.
func (h *SystemHandler) Connections(c *gin.Context) {
	caller, _ := getCaller(c)
	list, err := h.dispatcher.Connections(caller)
	if err != nil {
		sendOperationError(c, h.log, err)
		return
	}
	sendData(c, list)
}

// Sessions handles GET /api/sessions: the caller's live terminal sessions, or
// every session for the api caller.
func (h *SystemHandler) Sessions(c *gin.Context) {
	owner, ok := h.sessionOwner(c)
	if !ok {
		return
	}

	live := h.sessions.Sessions(owner)
	out := make([]SessionResponse, 0, len(live))
	for i := range live {
		out = append(out, toSessionResponse(&live[i]))
	}
	sendData(c, out)
}

// History handles GET /api/sessions/history?limit=N.
func (h *SystemHandler) History(c *gin.Context) {
	owner, ok := h.sessionOwner(c)
	if !ok {
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			sendError(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistory)
	}

	out := []SessionResponse{}
	if h.history != nil {
		records, err := h.history.ListByOwner(c.Request.Context(), owner, limit)
		if err != nil {
			h.log.Error().Err(err).Str("owner", owner).Msg("failed to read session history")
			sendError(c, http.StatusInternalServerError, "failed to read session history")
			return
		}
		for _, s := range records {
			out = append(out, toSessionResponse(s))
		}
	}
	sendData(c, out)
}

// sessionOwner resolves whose sessions the caller may list. The api caller
// sees all of them.
func (h *SystemHandler) sessionOwner(c *gin.Context) (string, bool) {
	caller, _ := getCaller(c)
	if caller.IsAPI() {
		return "", true
	}
	if caller.UserID == "" {
		sendError(c, http.StatusForbidden, "sessions are listed by their owner")
		return "", false
	}
	return caller.UserID, true
}

// RegisterRoutes registers the broker-wide routes on a Gin router group.
func (h *SystemHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/ping", h.Ping)
	rg.GET("/connections", h.Connections)
	rg.GET("/sessions", h.Sessions)
	rg.GET("/sessions/history", h.History)
}
