// Package logging sets up the zerolog logger shared by the client, the limiter
// and the proxy.
//
// Levels are used as follows. Debug covers per-request flow, token cache hits
// and jobs dropped from a queue. Info covers token grants, discovered quotas
// and limiter registration. Warn covers upstream 429 responses and shared
// backend failures that degrade to local behaviour. Error is reserved for
// rejected grants, failed quota discovery and transport failures.
//
// Every component logger carries a "component" field (auth, quota, limiter,
// pagination, client, proxy). Request-scoped fields are credential, limiter,
// owner, method, path, status, page and error_class.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel is a configured level name.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

var levels = map[string]zerolog.Level{
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
}

// Config holds logger configuration.
type Config struct {
	Level LogLevel

	// Pretty switches from JSON lines to zerolog's console writer.
	Pretty bool

	// Output defaults to os.Stderr.
	Output io.Writer

	// Service is attached to every entry when set.
	Service string
}

// DefaultConfig returns JSON output at info level on stderr.
func DefaultConfig() Config {
	return Config{
		Level:   LevelInfo,
		Output:  os.Stderr,
		Service: "quota-client",
	}
}

// Setup applies cfg to the global zerolog level and logger and returns the
// configured root logger.
func Setup(cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}

	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	builder := zerolog.New(out).With().Timestamp()
	if cfg.Service != "" {
		builder = builder.Str("service", cfg.Service)
	}
	log.Logger = builder.Logger()
	return log.Logger
}

// ParseLevel maps a level name, case-insensitively, to a zerolog level.
// Unknown names fall back to info.
func ParseLevel(level LogLevel) zerolog.Level {
	if l, ok := levels[strings.ToLower(string(level))]; ok {
		return l
	}
	return zerolog.InfoLevel
}

// WithComponent derives a component-scoped logger from base.
func WithComponent(base zerolog.Logger, component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}
