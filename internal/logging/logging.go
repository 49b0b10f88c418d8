// Package logging configures the process-wide slog logger and provides the
// HTTP access/error log line.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/zibai-server/zibai/wsgi"
)

type Config struct {
	Level            string
	Structured       bool
	StructuredFormat string
	IncludePID       bool
}

// Configure builds the logger from cfg, installs it as the slog default and
// returns it.
func Configure(cfg Config) *slog.Logger {
	level := parseLevel(cfg.Level)
	var handler slog.Handler
	out := io.Writer(os.Stderr)

	if cfg.Structured && strings.ToLower(cfg.StructuredFormat) == "json" {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	}

	if cfg.IncludePID {
		handler = handler.WithAttrs([]slog.Attr{slog.Int("pid", os.Getpid())})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(s string) slog.Level {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch s {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// HTTPLogger writes one log line per completed or failed response. Server
// errors always log at Error level; everything else goes to the access log,
// which can be switched off.
type HTTPLogger struct {
	Logger    *slog.Logger
	AccessLog bool
}

// LogHTTP records the outcome of one request/response exchange.
func (l *HTTPLogger) LogHTTP(environ *wsgi.Environ, status int) {
	if l.Logger == nil {
		return
	}
	attrs := []any{
		"method", environ.RequestMethod,
		"path", environ.PathInfo,
		"proto", environ.ServerProtocol,
		"status", status,
		"remote", environ.RemoteAddr,
	}
	if status >= 500 {
		l.Logger.WithGroup("error").Error("request failed", attrs...)
		return
	}
	if l.AccessLog {
		l.Logger.WithGroup("access").Info("request served", attrs...)
	}
}
