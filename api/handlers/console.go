package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/console-relay/broker/internal/dispatch"
)

// ConsoleHandler handles HTTP requests that target one console.
type ConsoleHandler struct {
	dispatcher *dispatch.Dispatcher
	log        zerolog.Logger
}

// NewConsoleHandler creates a new ConsoleHandler.
func NewConsoleHandler(dispatcher *dispatch.Dispatcher, log zerolog.Logger) *ConsoleHandler {
	return &ConsoleHandler{
		dispatcher: dispatcher,
		log:        log,
	}
}

// OpenTerminalRequest is the body of POST /api/consoles/:id/terminal.
type OpenTerminalRequest struct {
	SocketID string `json:"socketId" binding:"required"`
}

// Status handles GET /api/consoles/:id.
func (h *ConsoleHandler) Status(c *gin.Context) {
	caller, _ := getCaller(c)
	data, err := h.dispatcher.ConsoleStatus(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		sendOperationError(c, h.log, err)
		return
	}
	sendData(c, data)
}

// Ping handles GET /api/consoles/:id/ping.
func (h *ConsoleHandler) Ping(c *gin.Context) {
	caller, _ := getCaller(c)
	data, err := h.dispatcher.PingConsole(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		sendOperationError(c, h.log, err)
		return
	}
	sendData(c, data)
}

// Shutdown handles POST /api/consoles/:id/shutdown.
func (h *ConsoleHandler) Shutdown(c *gin.Context) {
	caller, _ := getCaller(c)
	if err := h.dispatcher.Shutdown(caller, c.Param("id")); err != nil {
		sendOperationError(c, h.log, err)
		return
	}
	sendData(c, nil)
}

// Reboot handles POST /api/consoles/:id/reboot.
func (h *ConsoleHandler) Reboot(c *gin.Context) {
	caller, _ := getCaller(c)
	if err := h.dispatcher.Reboot(caller, c.Param("id")); err != nil {
		sendOperationError(c, h.log, err)
		return
	}
	sendData(c, nil)
}

// OpenTerminal handles POST /api/consoles/:id/terminal.
func (h *ConsoleHandler) OpenTerminal(c *gin.Context) {
	var req OpenTerminalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "socketId is required")
		return
	}

	caller, _ := getCaller(c)
	data, err := h.dispatcher.OpenTerminal(c.Request.Context(), caller, c.Param("id"), req.SocketID)
	if err != nil {
		sendOperationError(c, h.log, err)
		return
	}
	sendData(c, data)
}

// RegisterRoutes registers the console routes on a Gin router group.
func (h *ConsoleHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/consoles/:id", h.Status)
	rg.GET("/consoles/:id/ping", h.Ping)
	rg.POST("/consoles/:id/shutdown", h.Shutdown)
	rg.POST("/consoles/:id/reboot", h.Reboot)
	rg.POST("/consoles/:id/terminal", h.OpenTerminal)
}
