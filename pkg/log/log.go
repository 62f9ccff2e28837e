// Package log provides the process-wide structured logger. All output goes
// to stderr so that stdout stays free for JSON-RPC frames when the process
// runs as a tool server.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	mu            sync.Mutex
	defaultLogger *slog.Logger
	levelVar      *slog.LevelVar
	logFile       *os.File
)

func init() {
	levelVar = &slog.LevelVar{}
	levelVar.Set(slog.LevelInfo)
	defaultLogger = slog.New(newHandler(os.Stderr))
}

func newHandler(w io.Writer) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: levelVar})
}

func SetLevel(level slog.Level) { levelVar.Set(level) }

func SetDebug(enabled bool) {
	if enabled {
		SetLevel(slog.LevelDebug)
	} else {
		SetLevel(slog.LevelInfo)
	}
}

func IsDebug() bool { return levelVar.Level() == slog.LevelDebug }

// TeeToFile mirrors all subsequent log output to the given file in addition
// to stderr. Used by the proxy to keep <workdir>/logs populated.
func TeeToFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		_ = logFile.Close()
	}
	logFile = f
	defaultLogger = slog.New(newHandler(io.MultiWriter(os.Stderr, f)))
	return nil
}

// Close releases the tee file, if any.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}

func GetLogger() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return defaultLogger
}

// WithModule returns a logger tagged with the originating module name.
func WithModule(module string) *slog.Logger {
	return GetLogger().With(slog.String("module", module))
}

func Debug(msg string, args ...any) { GetLogger().Debug(msg, args...) }
func Info(msg string, args ...any)  { GetLogger().Info(msg, args...) }
func Warn(msg string, args ...any)  { GetLogger().Warn(msg, args...) }
func Error(msg string, args ...any) { GetLogger().Error(msg, args...) }

func Debugf(format string, args ...any) { GetLogger().Debug(fmt.Sprintf(format, args...)) }
func Infof(format string, args ...any)  { GetLogger().Info(fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...any)  { GetLogger().Warn(fmt.Sprintf(format, args...)) }
func Errf(format string, args ...any)   { GetLogger().Error(fmt.Sprintf(format, args...)) }
