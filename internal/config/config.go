// Package config loads broker settings from the environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Host      string `env:"HOST,       default=0.0.0.0"`
	Port      string `env:"PORT,       default=3008"`
	Env       string `env:"ENV,        default=development"`
	LogLevel  string `env:"LOG_LEVEL,  default=info"`
	LogPretty bool   `env:"LOG_PRETTY, default=false"`

	JWTSecret string `env:"JWT_SECRET"`
	JWTIssuer string `env:"JWT_ISSUER"`

	// AllowedOrigins restricts browser upgrades; empty allows every origin.
	AllowedOrigins []string `env:"ALLOWED_ORIGINS"`

	// DBPath is the sqlite session journal. Empty disables journaling.
	DBPath string `env:"DB_PATH, default=data/broker.db"`

	Authority AuthorityConfig
	Redis     RedisConfig
	Relay     RelayConfig

	AdmissionTimeout time.Duration `env:"ADMISSION_TIMEOUT,        default=10s"`
	RequestTimeout   time.Duration `env:"DISPATCH_REQUEST_TIMEOUT, default=10s"`
}

type AuthorityConfig struct {
	URL      string        `env:"CONSOLE_AUTHORITY_URL"`
	Timeout  time.Duration `env:"CONSOLE_AUTHORITY_TIMEOUT, default=5s"`
	CacheTTL time.Duration `env:"CONSOLE_AUTH_CACHE_TTL,    default=1m"`
}

// RedisConfig is optional; an empty Addr disables the verification cache.
type RedisConfig struct {
	Addr string `env:"REDIS_ADDR"`
	DB   int    `env:"REDIS_DB, default=0"`
}

type RelayConfig struct {
	AckTimeout   time.Duration `env:"RELAY_ACK_TIMEOUT,  default=10s"`
	IdleTimeout  time.Duration `env:"RELAY_IDLE_TIMEOUT, default=30m"`
	RecordingDir string        `env:"RECORDING_DIR"`
}

// Load reads configuration from the environment.
func Load(ctx context.Context) (*Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: l,
	}); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// Validate reports settings the broker cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.Authority.URL == "" {
		errs = append(errs, errors.New("CONSOLE_AUTHORITY_URL is required"))
	}
	if c.Relay.AckTimeout <= 0 {
		errs = append(errs, errors.New("RELAY_ACK_TIMEOUT must be positive"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("DISPATCH_REQUEST_TIMEOUT must be positive"))
	}
	if c.AdmissionTimeout <= 0 {
		errs = append(errs, errors.New("ADMISSION_TIMEOUT must be positive"))
	}
	if c.Relay.IdleTimeout < 0 {
		errs = append(errs, errors.New("RELAY_IDLE_TIMEOUT must not be negative"))
	}
	return errors.Join(errs...)
}
