// Package logger builds the zerolog logger used by pdstream binaries.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/PatternDirClean/PDStream/core"
)

// Config holds logger configuration
type Config struct {
	Level  string    // debug, info, warn, error
	File   string    // log file path, appended to
	Pretty bool      // human readable console output
	Out    io.Writer // console destination, stderr when nil
}

// Logger wraps zerolog.Logger and the log file it may own.
type Logger struct {
	logger zerolog.Logger
	file   *os.File
}

// New creates a logger and installs it as the zerolog global logger.
func New(cfg Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	// Console goes to stderr so stdout stays free for tee output
	var console io.Writer = os.Stderr
	if cfg.Out != nil {
		console = cfg.Out
	}
	if cfg.Pretty {
		console = zerolog.ConsoleWriter{
			Out:        console,
			TimeFormat: time.RFC3339,
		}
	}

	writer := console
	var file *os.File
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err = os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writer = zerolog.MultiLevelWriter(console, file)
	}

	logger := zerolog.New(writer).
		Level(level).
		With().
		Timestamp().
		Logger()

	log.Logger = logger

	return &Logger{logger: logger, file: file}, nil
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Zerolog returns the underlying zerolog.Logger
func (l *Logger) Zerolog() zerolog.Logger {
	return l.logger
}

// Core adapts the logger to core.Logger for task queues and channels.
func (l *Logger) Core() core.Logger {
	return core.NewZerologLogger(l.logger)
}
