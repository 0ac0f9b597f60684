// Package utils provides logging helpers shared by every evoprompt package.
package utils

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

type LogLevel int

const (
	LogLevelOff LogLevel = iota
	LogLevelError
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	SetLevel(level LogLevel)
}

type DefaultLogger struct {
	mu     sync.RWMutex
	logger *slog.Logger
	level  LogLevel
}

func slogLevel(level LogLevel) slog.Level {
	switch level {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelInfo:
		return slog.LevelInfo
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger returns a text logger writing to stderr.
func NewLogger(level LogLevel) *DefaultLogger {
	return NewLoggerWithWriter(level, os.Stderr)
}

// NewLoggerWithWriter returns a text logger writing to w.
func NewLoggerWithWriter(level LogLevel, w io.Writer) *DefaultLogger {
	opts := &slog.HandlerOptions{
		// Filtering happens on l.level.
		Level: slog.LevelDebug,
	}
	return &DefaultLogger{
		logger: slog.New(slog.NewTextHandler(w, opts)),
		level:  level,
	}
}

func (l *DefaultLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

func (l *DefaultLogger) enabled(level LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level >= level
}

func (l *DefaultLogger) Debug(msg string, keysAndValues ...any) {
	if l.enabled(LogLevelDebug) {
		l.logger.Debug(msg, keysAndValues...)
	}
}

func (l *DefaultLogger) Info(msg string, keysAndValues ...any) {
	if l.enabled(LogLevelInfo) {
		l.logger.Info(msg, keysAndValues...)
	}
}

func (l *DefaultLogger) Warn(msg string, keysAndValues ...any) {
	if l.enabled(LogLevelWarn) {
		l.logger.Warn(msg, keysAndValues...)
	}
}

func (l *DefaultLogger) Error(msg string, keysAndValues ...any) {
	if l.enabled(LogLevelError) {
		l.logger.Error(msg, keysAndValues...)
	}
}

// MultiLogger fans every call out to each wrapped logger.
type MultiLogger []Logger

func (m MultiLogger) Debug(msg string, keysAndValues ...any) {
	for _, l := range m {
		l.Debug(msg, keysAndValues...)
	}
}

func (m MultiLogger) Info(msg string, keysAndValues ...any) {
	for _, l := range m {
		l.Info(msg, keysAndValues...)
	}
}

func (m MultiLogger) Warn(msg string, keysAndValues ...any) {
	for _, l := range m {
		l.Warn(msg, keysAndValues...)
	}
}

func (m MultiLogger) Error(msg string, keysAndValues ...any) {
	for _, l := range m {
		l.Error(msg, keysAndValues...)
	}
}

func (m MultiLogger) SetLevel(level LogLevel) {
	for _, l := range m {
		l.SetLevel(level)
	}
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debug(string, ...any) {}
func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}
func (NopLogger) SetLevel(LogLevel)    {}

func (l LogLevel) String() string {
	if l < LogLevelOff || l > LogLevelDebug {
		return fmt.Sprintf("LogLevel(%d)", int(l))
	}
	return [...]string{"OFF", "ERROR", "WARN", "INFO", "DEBUG"}[l]
}

func (l LogLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *LogLevel) UnmarshalText(text []byte) error {
	switch strings.ToUpper(strings.TrimSpace(string(text))) {
	case "OFF":
		*l = LogLevelOff
	case "ERROR":
		*l = LogLevelError
	case "WARN", "WARNING":
		*l = LogLevelWarn
	case "INFO":
		*l = LogLevelInfo
	case "DEBUG":
		*l = LogLevelDebug
	default:
		return fmt.Errorf("invalid log level: %s", string(text))
	}
	return nil
}
