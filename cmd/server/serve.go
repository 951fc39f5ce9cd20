package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/console-relay/broker/api"
	"github.com/console-relay/broker/internal/admission"
	"github.com/console-relay/broker/internal/auth"
	"github.com/console-relay/broker/internal/config"
	"github.com/console-relay/broker/internal/db"
	"github.com/console-relay/broker/internal/dispatch"
	"github.com/console-relay/broker/internal/model"
	"github.com/console-relay/broker/internal/registry"
	"github.com/console-relay/broker/internal/relay"
	"github.com/console-relay/broker/internal/repository"
	"github.com/console-relay/broker/internal/status"
	"github.com/console-relay/broker/internal/ws"
	"github.com/console-relay/broker/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	var hostFlag, portFlag string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Context())
			if err != nil {
				return err
			}
			if hostFlag != "" {
				cfg.Host = hostFlag
			}
			if portFlag != "" {
				cfg.Port = portFlag
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cfg)
		},
	}

	cmd.Flags().StringVar(&hostFlag, "host", "", "listen host (overrides HOST)")
	cmd.Flags().StringVar(&portFlag, "port", "", "listen port (overrides PORT)")
	return cmd
}

func serve(cfg *config.Config) error {
	log := logger.Init(logger.Options{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
		Fields: map[string]string{"service": "broker", "env": cfg.Env},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Journal. Sessions a previous process left open are closed: live state
	// is never restored.
	var repo *repository.SessionRepository
	if cfg.DBPath != "" {
		database, err := db.InitDB(cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.CloseDB()

		repo = repository.NewSessionRepository(database)
		n, err := repo.CloseOpen(ctx, model.EndRestart)
		if err != nil {
			return fmt.Errorf("close stale journal sessions: %w", err)
		}
		if n > 0 {
			log.Info().Int64("sessions", n).Msg("closed sessions left open by previous run")
		}
	}

	// Console verification, cached in redis when configured.
	var authority auth.ConsoleAuthority = auth.NewHTTPAuthority(cfg.Authority.URL, cfg.Authority.Timeout, log)
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		client, err := db.ConnectRedis(ctx, db.RedisConfig{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		if err != nil {
			return err
		}
		defer client.Close()
		rdb = client
		authority = auth.NewCachedAuthority(authority, auth.NewRedisVerdictStore(rdb), cfg.Authority.CacheTTL, log)
	}

	tokens := auth.NewTokenVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	reg := registry.New()

	var journal relay.Journal
	if repo != nil {
		journal = repo
	}
	terminals := relay.New(reg, journal, relay.Config{
		AckTimeout:   cfg.Relay.AckTimeout,
		IdleTimeout:  cfg.Relay.IdleTimeout,
		RecordingDir: cfg.Relay.RecordingDir,
	}, log)
	go terminals.Run(ctx)

	controller := admission.New(reg, status.New(reg, log), terminals, tokens, authority, cfg.AdmissionTimeout, log)

	deps := api.Deps{
		Dispatcher:     dispatch.New(reg, terminals, cfg.RequestTimeout, log),
		Admitter:       controller,
		Tokens:         tokens,
		Sessions:       terminals,
		Redis:          rdb,
		Upgrader:       ws.NewUpgrader(cfg.AllowedOrigins),
		AllowedOrigins: cfg.AllowedOrigins,
		Log:            log.With().Str("component", "http").Logger(),
	}
	if repo != nil {
		deps.History = repo
		deps.Journal = repo
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("broker listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	return shutdown(srv, reg, terminals, log)
}

func shutdown(srv *http.Server, reg *registry.Registry, terminals *relay.Relay, log zerolog.Logger) error {
	log.Info().Int("connections", reg.Len()).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := srv.Shutdown(ctx)
	terminals.Close()
	// Upgraded connections are hijacked and outlive srv.Shutdown.
	for _, e := range reg.Entries() {
		e.Conn.CloseWithReason("server shutting down")
	}
	if err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
