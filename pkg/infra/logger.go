package infra

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/Guizzs26/go-offline-sync/internal/config"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logFile   *lumberjack.Logger
	logFileMu sync.Mutex
)

func SetupLogger(cfg *config.Config) *slog.Logger {
	return NewLogger(cfg, os.Stdout)
}

// NewLogger is SetupLogger with a caller-chosen console writer. The CLI
// sends logs to stderr so stdout stays parseable.
func NewLogger(cfg *config.Config, console io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	out := console
	if cfg.LogFile != "" {
		logFileMu.Lock()
		logFile = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
		}
		out = io.MultiWriter(console, logFile)
		logFileMu.Unlock()
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if strings.ToUpper(cfg.LogFormat) == "JSON" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler)
}

// CloseLogger flushes and closes the rotating log file, if any
func CloseLogger() {
	logFileMu.Lock()
	defer logFileMu.Unlock()
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}
