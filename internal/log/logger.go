package log

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/amanthanvi/ticketdesk/internal/config"
)

// ParseLevel maps a configured level name onto slog levels.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// NewLogger builds the process logger. Output goes to a rotating file when
// cfg.File is set and to fallback otherwise. The returned closer releases
// the file and is never nil.
func NewLogger(cfg config.LoggingConfig, fallback io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	out := fallback
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		writer, err := NewRotatingWriter(RotationConfig{
			File:      cfg.File,
			MaxSizeMB: cfg.MaxSizeMB,
			MaxFiles:  cfg.MaxFiles,
		})
		if err != nil {
			return nil, nil, err
		}
		out, closer = writer, writer
	}
	if out == nil {
		out = io.Discard
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	return slog.New(NewRedactingHandler(handler)), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
