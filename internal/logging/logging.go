// Package logging wires log/slog to a zerolog backend.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/withmartian/ares/controlbus/internal/config"
)

// Setup builds a logger from c, installs it as the slog default and returns
// a function that flushes and closes any log file.
func Setup(c config.LogConfig, stderr io.Writer) (*slog.Logger, func() error) {
	if stderr == nil {
		stderr = os.Stderr
	}

	var console io.Writer = stderr
	if strings.ToLower(c.Format) != "json" {
		console = zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.Stamp}
	}

	writers := []io.Writer{console}
	closer := func() error { return nil }
	if c.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   c.File,
			MaxSize:    max(c.MaxSizeMB, 1),
			MaxBackups: c.MaxBackups,
			MaxAge:     c.MaxAgeDays,
			Compress:   c.Compress,
		}
		// the file always gets JSON so it stays machine readable
		writers = append(writers, rotator)
		closer = rotator.Close
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	logger := slog.New(zeroslog.NewHandler(zl, &zeroslog.HandlerOptions{Level: ParseLevel(c.Level)}))
	slog.SetDefault(logger)
	return logger, closer
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
