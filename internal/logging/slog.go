// file: internal/logging/slog.go
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// Level mirrors the node's notion of a connection-state-independent
// severity, kept distinct from slog.Level so callers never need to import
// "log/slog" directly.
type Level int

// The four levels the kernel ever logs at: Debug/Info/Warn/Error, nothing
// finer.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// currentLevel is read by IsDebugEnabled and by every slogLogger; it is an
// atomic so InitLogging/SetLevel can be called concurrently with logging.
var currentLevel atomic.Int64

func init() {
	currentLevel.Store(int64(LevelInfo))
}

// SetLevel adjusts the minimum level the default logger emits.
func SetLevel(level Level) {
	currentLevel.Store(int64(level))
}

// IsDebugEnabled reports whether the current level would emit Debug records.
// Handlers use this to skip building expensive debug payloads.
func IsDebugEnabled() bool {
	return Level(currentLevel.Load()) <= LevelDebug
}

// levelVar backs the slog.Handler so level changes made via SetLevel take
// effect on already-constructed loggers without rebuilding them.
type levelVar struct{}

func (levelVar) Level() slog.Level {
	return Level(currentLevel.Load()).slogLevel()
}

// InitLogging installs the default logger as a JSON-structured slog logger
// writing to w, honoring the initial level. Subsequent SetLevel calls adjust
// it in place. Intended to be called once at process startup by the
// application wiring the kernel up to a transport (the kernel itself never
// calls this).
func InitLogging(level Level, w io.Writer) {
	SetLevel(level)
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: levelVar{}})
	SetDefaultLogger(NewSlogLogger(slog.New(handler)))
}

// slogLogger adapts *slog.Logger to the kernel's Logger interface.
type slogLogger struct {
	l *slog.Logger
}

// NewSlogLogger wraps an existing *slog.Logger as a kernel Logger.
func NewSlogLogger(l *slog.Logger) Logger {
	if l == nil {
		l = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar{}}))
	}
	return &slogLogger{l: l}
}

func (s *slogLogger) Debug(msg string, args ...any) { s.l.Debug(msg, args...) }
func (s *slogLogger) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s *slogLogger) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s *slogLogger) Error(msg string, args ...any) { s.l.Error(msg, args...) }

func (s *slogLogger) WithContext(ctx context.Context) Logger {
	if ctx == nil {
		return s
	}
	return &slogLogger{l: s.l}
}

func (s *slogLogger) WithField(key string, value any) Logger {
	return &slogLogger{l: s.l.With(key, value)}
}
