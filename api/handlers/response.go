// Package handlers provides the broker's HTTP API request handlers.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/console-relay/broker/internal/model"
)

const callerKey = "caller"

// sendData writes a successful envelope.
func sendData(c *gin.Context, data any) {
	c.JSON(http.StatusOK, model.OK(data))
}

// sendError writes a failed envelope with the given status code.
func sendError(c *gin.Context, statusCode int, messages ...string) {
	c.JSON(statusCode, model.Failed(messages...))
}

// sendOperationError maps an operation error onto a status code and envelope.
// Failures the peer is responsible for, such as a missed acknowledgement, are
// soft: 200 with success false.
func sendOperationError(c *gin.Context, log zerolog.Logger, err error) {
	var peerErr *model.PeerError
	switch {
	case errors.Is(err, model.ErrTargetUnavailable):
		sendError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrInvalidRequest):
		sendError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrAuthentication), errors.Is(err, model.ErrUnauthorized):
		sendError(c, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, model.ErrForbidden):
		sendError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, model.ErrAckTimeout):
		sendError(c, http.StatusOK, err.Error())
	case errors.As(err, &peerErr):
		sendError(c, http.StatusOK, peerErr.Message)
	default:
		log.Error().
			Err(err).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Msg("unhandled operation error")
		sendError(c, http.StatusOK, "operation failed")
	}
}

// getCaller returns the identity the Auth middleware attached to the request.
func getCaller(c *gin.Context) (model.Caller, bool) {
	v, ok := c.Get(callerKey)
	if !ok {
		return model.Caller{}, false
	}
	caller, ok := v.(model.Caller)
	return caller, ok
}
