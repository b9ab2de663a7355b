package store

import (
	"context"
	"fmt"
	"log/slog"
)

// Backend names accepted by Open
const (
	BackendAuto   = "auto"
	BackendSQLite = "sqlite"
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type Options struct {
	Backend    string
	SQLitePath string
	DataDir    string
	RedisURL   string
	KeyPrefix  string
}

// Open selects and opens a backend. "auto" prefers the keyed SQLite store
// and falls back to the flat file collection when SQLite cannot be used on
// this runtime.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Store, string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch opts.Backend {
	case BackendSQLite:
		s, err := OpenSQLite(ctx, opts.SQLitePath, logger)
		return s, BackendSQLite, err
	case BackendFile:
		s, err := openFlatFile(opts, logger)
		return s, BackendFile, err
	case BackendRedis:
		kv, err := NewRedisKV(ctx, opts.RedisURL)
		if err != nil {
			return nil, BackendRedis, err
		}
		return NewFlatStore(kv, opts.KeyPrefix, logger), BackendRedis, nil
	case BackendMemory:
		logger.Warn("Using in-memory queue store: queued items will not survive a restart")
		return NewFlatStore(NewMemoryKV(), opts.KeyPrefix, logger), BackendMemory, nil
	case BackendAuto, "":
		s, err := OpenSQLite(ctx, opts.SQLitePath, logger)
		if err == nil {
			return s, BackendSQLite, nil
		}
		logger.Warn("Keyed SQLite store unavailable, falling back to flat file collection", "error", err)
		fs, ferr := openFlatFile(opts, logger)
		return fs, BackendFile, ferr
	default:
		return nil, "", fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}

func openFlatFile(opts Options, logger *slog.Logger) (Store, error) {
	kv, err := NewFileKV(opts.DataDir)
	if err != nil {
		return nil, err
	}
	return NewFlatStore(kv, opts.KeyPrefix, logger), nil
}
