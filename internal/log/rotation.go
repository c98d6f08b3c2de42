package log

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultRotationSizeMB = 10
	defaultRotationFiles  = 5
)

type RotationConfig struct {
	File      string
	MaxSizeMB int
	// MaxFiles is the number of rotated backups kept; zero keeps all.
	MaxFiles int
}

// NewRotatingWriter opens a size-rotated log file. Backups are named after
// the file with a UTC timestamp and are created with owner-only permissions.
func NewRotatingWriter(cfg RotationConfig) (*lumberjack.Logger, error) {
	if cfg.File == "" {
		return nil, errors.New("rotation file path must not be empty")
	}

	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = defaultRotationSizeMB
	}
	if cfg.MaxFiles < 0 {
		cfg.MaxFiles = defaultRotationFiles
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxFiles,
		LocalTime:  false,
		Compress:   false,
	}, nil
}
