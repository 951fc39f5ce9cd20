package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/console-relay/broker/internal/dispatch"
)

// DesktopHandler handles HTTP requests addressed to desktop peers.
type DesktopHandler struct {
	dispatcher *dispatch.Dispatcher
	log        zerolog.Logger
}

// NewDesktopHandler creates a new DesktopHandler.
func NewDesktopHandler(dispatcher *dispatch.Dispatcher, log zerolog.Logger) *DesktopHandler {
	return &DesktopHandler{dispatcher: dispatcher, log: log}
}

// LoginFinishedRequest is the body of POST /api/desktop/login-finished.
type LoginFinishedRequest struct {
	LoginToken string `json:"loginToken" binding:"required"`
	UserToken  string `json:"userToken" binding:"required"`
}

// LoginFinished hands a user credential to the desktop waiting on loginToken.
func (h *DesktopHandler) LoginFinished(c *gin.Context) {
	var req LoginFinishedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "loginToken and userToken are required")
		return
	}

	caller, _ := getCaller(c)
	if err := h.dispatcher.NotifyDesktopLogin(caller, req.LoginToken, req.UserToken); err != nil {
		sendOperationError(c, h.log, err)
		return
	}
	sendData(c, nil)
}

// RegisterRoutes registers the desktop routes on a Gin router group.
func (h *DesktopHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/desktop/login-finished", h.LoginFinished)
}
