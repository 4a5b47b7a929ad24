// Package logging builds the client's structured logger from configuration:
// JSON output to stdout, stderr, or a size-rotated log file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dskow/jobclient-core/internal/config"
)

// Setup creates the logger described by cfg. The returned closer is non-nil
// only for file output and must be closed on shutdown to flush rotation
// state.
func Setup(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("unknown log level %q", cfg.Level)
	}

	var out io.Writer
	var closer io.Closer
	switch cfg.Output {
	case "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		rw, err := NewRotatingWriter(cfg)
		if err != nil {
			return nil, nil, err
		}
		out = rw
		closer = rw
	}

	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}
