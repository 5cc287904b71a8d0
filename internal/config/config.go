// Package config loads daemon and server configuration from the
// environment and an optional .env file using Viper.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Client holds configuration for the blinkd client daemon.
type Client struct {
	// SocketPath is the UDS path for the local control API.
	SocketPath string `mapstructure:"BLINKD_SOCKET"`
	// DBPath is the local SQLite database path.
	DBPath string `mapstructure:"BLINKD_DB"`
	// ServerURL is the base URL of the remote sync API; empty disables sync.
	ServerURL string `mapstructure:"BLINKD_SERVER_URL"`
	// AuthToken is the bearer token presented to the sync API.
	AuthToken string `mapstructure:"BLINKD_AUTH_TOKEN"`

	// BatchSize is the flush threshold of the event batch writer.
	BatchSize int `mapstructure:"BLINKD_BATCH_SIZE"`
	// FlushInterval bounds how long a partial batch may wait before flushing.
	FlushInterval time.Duration `mapstructure:"BLINKD_FLUSH_INTERVAL"`
	// QueueCapacity bounds the in-memory sample queue; overflow is shed.
	QueueCapacity int `mapstructure:"BLINKD_QUEUE_CAPACITY"`
	// DrainTimeout bounds the synchronous drain performed at session close.
	DrainTimeout time.Duration `mapstructure:"BLINKD_DRAIN_TIMEOUT"`

	// SyncTimeout is the per-request timeout for sync network calls.
	SyncTimeout time.Duration `mapstructure:"BLINKD_SYNC_TIMEOUT"`
	// SyncInterval is the periodic sync cadence; zero disables the timer.
	SyncInterval time.Duration `mapstructure:"BLINKD_SYNC_INTERVAL"`

	// RetentionHorizon bounds how long fully synced, closed sessions are kept.
	RetentionHorizon time.Duration `mapstructure:"BLINKD_RETENTION_HORIZON"`
}

// Server holds configuration for the blinkd-server sync API.
type Server struct {
	// ListenAddr is the HTTP listen address (e.g. :8750).
	ListenAddr string `mapstructure:"BLINKD_SERVER_ADDR"`
	// DatabaseURL is the Postgres DSN for the authoritative store.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// JWTSecret is the HMAC secret used to verify bearer tokens.
	JWTSecret string `mapstructure:"BLINKD_JWT_SECRET"`
	// JWTIssuer is the required iss claim; empty skips the issuer check.
	JWTIssuer string `mapstructure:"BLINKD_JWT_ISSUER"`
	// RequestTimeout bounds handler execution per request.
	RequestTimeout time.Duration `mapstructure:"BLINKD_REQUEST_TIMEOUT"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // missing .env is fine
	v.AutomaticEnv()
	return v
}

// LoadClient builds and validates the daemon configuration.
func LoadClient() (*Client, error) {
	v := newViper()

	v.SetDefault("BLINKD_SOCKET", defaultSocketPath())
	v.SetDefault("BLINKD_DB", defaultDBPath())
	v.SetDefault("BLINKD_SERVER_URL", "")
	v.SetDefault("BLINKD_AUTH_TOKEN", "")
	v.SetDefault("BLINKD_BATCH_SIZE", 50)
	v.SetDefault("BLINKD_FLUSH_INTERVAL", "2s")
	v.SetDefault("BLINKD_QUEUE_CAPACITY", 1024)
	v.SetDefault("BLINKD_DRAIN_TIMEOUT", "5s")
	v.SetDefault("BLINKD_SYNC_TIMEOUT", "15s")
	v.SetDefault("BLINKD_SYNC_INTERVAL", "0")
	v.SetDefault("BLINKD_RETENTION_HORIZON", "720h") // 30 days

	var cfg Client
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.New("config: BLINKD_BATCH_SIZE must be positive")
	}
	if cfg.QueueCapacity <= 0 {
		return nil, errors.New("config: BLINKD_QUEUE_CAPACITY must be positive")
	}
	if cfg.FlushInterval <= 0 {
		return nil, errors.New("config: BLINKD_FLUSH_INTERVAL must be positive")
	}
	return &cfg, nil
}

// LoadServer builds and validates the sync API configuration.
func LoadServer() (*Server, error) {
	v := newViper()

	v.SetDefault("BLINKD_SERVER_ADDR", ":8750")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("BLINKD_JWT_SECRET", "")
	v.SetDefault("BLINKD_JWT_ISSUER", "blinkd-auth")
	v.SetDefault("BLINKD_REQUEST_TIMEOUT", "30s")

	var cfg Server
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.ListenAddr == "" {
		return nil, errors.New("config: BLINKD_SERVER_ADDR must be set")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("config: BLINKD_JWT_SECRET must be set")
	}
	return &cfg, nil
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "blinkd", "blinkd.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".blinkd.sock"
	}
	return filepath.Join(home, ".local", "state", "blinkd", "blinkd.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "blinkd.db"
	}
	return filepath.Join(home, ".local", "state", "blinkd", "telemetry.db")
}
