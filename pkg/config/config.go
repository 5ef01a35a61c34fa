package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/pflag"
)

// Server configures cmd/server.
type Server struct {
	Addr           string        `env:"LISTSYNC_ADDR" envDefault:"localhost:8080"`
	Database       string        `env:"LISTSYNC_DATABASE" envDefault:"lists.sqlite3"`
	BackupInterval time.Duration `env:"LISTSYNC_BACKUP_INTERVAL" envDefault:"5s"`
	PingInterval   time.Duration `env:"LISTSYNC_PING_INTERVAL" envDefault:"15s"`
	TokenSecret    string        `env:"LISTSYNC_TOKEN_SECRET"`
	TokenTTL       time.Duration `env:"LISTSYNC_TOKEN_TTL" envDefault:"24h"`
	DumpOnExit     bool          `env:"LISTSYNC_DUMP_ON_EXIT"`
	LogLevel       string        `env:"LISTSYNC_LOG_LEVEL" envDefault:"info"`
}

// Client configures cmd/client.
type Client struct {
	Server         string        `env:"LISTSYNC_SERVER" envDefault:"http://127.0.0.1:8080"`
	Token          string        `env:"LISTSYNC_TOKEN"`
	InitialBackoff time.Duration `env:"LISTSYNC_RECONNECT_INITIAL" envDefault:"1s"`
	MaxBackoff     time.Duration `env:"LISTSYNC_RECONNECT_MAX" envDefault:"30s"`
	Timeout        time.Duration `env:"LISTSYNC_TIMEOUT" envDefault:"10s"`
	LogLevel       string        `env:"LISTSYNC_LOG_LEVEL" envDefault:"info"`
}

// ParseServer reads the environment first and then lets flags override it.
func ParseServer(fs *pflag.FlagSet, args []string) (Server, error) {
	var cfg Server
	if err := env.Parse(&cfg); err != nil {
		return Server{}, fmt.Errorf("failed to parse env: %w", err)
	}
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "the address to listen on")
	fs.StringVar(&cfg.Database, "database", cfg.Database, "the sqlite database file")
	fs.DurationVar(&cfg.BackupInterval, "backup-interval", cfg.BackupInterval, "how often the document is written to the database")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "how often subscribers are pinged")
	fs.StringVar(&cfg.TokenSecret, "token-secret", cfg.TokenSecret, "HMAC secret for bearer tokens, empty disables authentication")
	fs.DurationVar(&cfg.TokenTTL, "token-ttl", cfg.TokenTTL, "lifetime of issued tokens")
	fs.BoolVar(&cfg.DumpOnExit, "dump-on-exit", cfg.DumpOnExit, "dump the document and render its history on exit")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return Server{}, fmt.Errorf("failed to parse flags: %w", err)
	}
	if cfg.BackupInterval <= 0 {
		return Server{}, fmt.Errorf("backup interval must be positive")
	}
	return cfg, nil
}

// ParseClient reads the environment first and then lets flags override it.
func ParseClient(fs *pflag.FlagSet, args []string) (Client, error) {
	var cfg Client
	if err := env.Parse(&cfg); err != nil {
		return Client{}, fmt.Errorf("failed to parse env: %w", err)
	}
	fs.StringVar(&cfg.Server, "server", cfg.Server, "the server base url")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "bearer token for the server")
	fs.DurationVar(&cfg.InitialBackoff, "reconnect-initial", cfg.InitialBackoff, "first wait before re-dialling a dropped subscription")
	fs.DurationVar(&cfg.MaxBackoff, "reconnect-max", cfg.MaxBackoff, "longest wait between re-dials")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "how long one-shot commands wait for confirmation")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return Client{}, fmt.Errorf("failed to parse flags: %w", err)
	}
	return cfg, nil
}

// Logger builds the process logger for a level name such as "debug" or "warn".
func Logger(level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})), nil
}
