package app

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"roomrelay/cmd/internal/realtime"

	"github.com/caarlos0/env/v11"
)

// Backend kinds selected by the CHAT_BACKEND_URL scheme.
const (
	backendRedis    = "redis"
	backendPostgres = "postgres"
	backendMemory   = "memory"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	// BackendURL selects and locates the shared store:
	// redis://, rediss://, postgres://, postgresql:// or memory://.
	BackendURL string `env:"CHAT_BACKEND_URL,required,notEmpty"`

	HTTPAddr  string `env:"CHAT_HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	LogLevel  string `env:"CHAT_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"CHAT_LOG_FORMAT" envDefault:"json"`

	// Read and write timeouts stay off by default: they would bound the
	// lifetime of upgraded websocket connections.
	ReadHeaderTimeout time.Duration `env:"CHAT_HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"CHAT_HTTP_READ_TIMEOUT" envDefault:"0s"`
	WriteTimeout      time.Duration `env:"CHAT_HTTP_WRITE_TIMEOUT" envDefault:"0s"`
	IdleTimeout       time.Duration `env:"CHAT_HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	MaxHeaderBytes    int           `env:"CHAT_HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`
	ShutdownTimeout   time.Duration `env:"CHAT_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// NATSURL, when set, carries cross-instance fan-out instead of the backend.
	NATSURL     string `env:"CHAT_NATS_URL"`
	ChannelName string `env:"CHAT_CHANNEL" envDefault:"ws:broadcast"`
	KeyPrefix   string `env:"CHAT_KEY_PREFIX" envDefault:"ws"`

	PGSchema        string        `env:"CHAT_PG_SCHEMA" envDefault:"roomrelay"`
	DBMaxConns      int32         `env:"CHAT_DB_MAX_CONNS" envDefault:"10"`
	DBMinConns      int32         `env:"CHAT_DB_MIN_CONNS" envDefault:"0"`
	PGPurgeInterval time.Duration `env:"CHAT_PG_PURGE_INTERVAL" envDefault:"10m"`

	FallbackAll bool `env:"CHAT_FANOUT_FALLBACK_ALL" envDefault:"true"`

	WS realtime.GatewayConfig `envPrefix:"CHAT_WS_"`
}

// LoadConfig loads Config from the process environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfigFrom loads Config from the given variables only.
func LoadConfigFrom(vars map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: vars}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values the env tags cannot express.
func (c Config) Validate() error {
	if _, err := c.BackendKind(); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("CHAT_LOG_FORMAT: unsupported format %q", c.LogFormat)
	}
	if c.DBMinConns < 0 || (c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns) {
		return errors.New("CHAT_DB_MIN_CONNS must be between 0 and CHAT_DB_MAX_CONNS")
	}
	return nil
}

// BackendKind maps the CHAT_BACKEND_URL scheme to a backend.
func (c Config) BackendKind() (string, error) {
	u, err := url.Parse(strings.TrimSpace(c.BackendURL))
	if err != nil {
		return "", fmt.Errorf("CHAT_BACKEND_URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "redis", "rediss":
		return backendRedis, nil
	case "postgres", "postgresql":
		return backendPostgres, nil
	case "memory":
		return backendMemory, nil
	case "":
		return "", errors.New("CHAT_BACKEND_URL: missing scheme")
	default:
		return "", fmt.Errorf("CHAT_BACKEND_URL: unsupported scheme %q", u.Scheme)
	}
}
