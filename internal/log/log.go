// Package log provides leveled, categorized logging for skillforge.
//
// Log lines are written to a file (never stdout/stderr, which belong to the
// host application's UI surface) through a slog text handler. Every call
// takes a Category as its first argument so subsystems can be filtered
// when debugging:
//
//	log.Debug(log.CatPool, "spawning worker", "agentID", id)
//	log.ErrorErr(log.CatDB, "migration failed", err, "path", path)
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Category identifies the subsystem emitting a log line.
type Category string

const (
	CatConfig Category = "config"
	CatDB     Category = "db"
	CatPool   Category = "pool"
	CatBridge Category = "bridge"
	CatEngine Category = "engine"
	CatLock   Category = "lock"
	CatUsage  Category = "usage"
	CatServer Category = "server"
)

var (
	mu     sync.RWMutex
	logger *slog.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	closer io.Closer
)

// Init opens the log file at path and routes all subsequent log calls to it.
// The parent directory is created if missing. Calling Init again closes the
// previous file.
func Init(path string, level slog.Level) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // G304: path comes from app config
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if closer != nil {
		_ = closer.Close()
	}
	logger = slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: level}))
	closer = f
	return nil
}

// Close releases the log file. Safe to call when Init was never called.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if closer != nil {
		_ = closer.Close()
		closer = nil
	}
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func current() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Debug logs at debug level with the given category and key/value pairs.
func Debug(cat Category, msg string, args ...any) {
	current().Debug(msg, append([]any{"cat", string(cat)}, args...)...)
}

// Info logs at info level.
func Info(cat Category, msg string, args ...any) {
	current().Info(msg, append([]any{"cat", string(cat)}, args...)...)
}

// Warn logs at warn level.
func Warn(cat Category, msg string, args ...any) {
	current().Warn(msg, append([]any{"cat", string(cat)}, args...)...)
}

// Error logs at error level.
func Error(cat Category, msg string, args ...any) {
	current().Error(msg, append([]any{"cat", string(cat)}, args...)...)
}

// ErrorErr logs an error value at error level alongside key/value pairs.
func ErrorErr(cat Category, msg string, err error, args ...any) {
	current().Error(msg, append([]any{"cat", string(cat), "error", err}, args...)...)
}
