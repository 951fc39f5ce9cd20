// Package api assembles the broker's HTTP router.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/console-relay/broker/api/handlers"
	"github.com/console-relay/broker/internal/dispatch"
)

// Deps are the components the router serves. Journal, History and Redis may be
// nil when not configured.
type Deps struct {
	Dispatcher     *dispatch.Dispatcher
	Admitter       handlers.Admitter
	Tokens         handlers.TokenVerifier
	Sessions       handlers.SessionLister
	History        handlers.SessionHistory
	Journal        handlers.Pinger
	Redis          *redis.Client
	Upgrader       *websocket.Upgrader
	AllowedOrigins []string
	Log            zerolog.Logger
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(handlers.RequestLogger(d.Log))
	r.Use(handlers.CORS(d.AllowedOrigins))

	// Probes, metrics and the peer endpoint carry no bearer middleware.
	handlers.NewHealthHandler(d.Journal, d.Redis).RegisterRoutes(r)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handlers.NewConnectionHandler(d.Upgrader, d.Admitter, d.Log).RegisterRoutes(r)

	api := r.Group("/api", handlers.Auth(d.Tokens))
	{
		handlers.NewSystemHandler(d.Dispatcher, d.Sessions, d.History, d.Log).RegisterRoutes(api)
		handlers.NewConsoleHandler(d.Dispatcher, d.Log).RegisterRoutes(api)
		handlers.NewDesktopHandler(d.Dispatcher, d.Log).RegisterRoutes(api)
	}

	return r
}
