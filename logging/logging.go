// Package logging provides the relay's leveled, component-scoped logger.
//
// The API is deliberately small: a Logger, per-component children, and
// map-based fields. Output is produced by zerolog, either as human-readable
// console lines or as one JSON object per line for log shippers.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Format selects the output encoding.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

var zerologLevels = map[Level]zerolog.Level{
	LevelDebug: zerolog.DebugLevel,
	LevelInfo:  zerolog.InfoLevel,
	LevelWarn:  zerolog.WarnLevel,
	LevelError: zerolog.ErrorLevel,
}

// ParseLevel parses a level name, case-insensitively.
func ParseLevel(s string) (Level, error) {
	lvl := Level(strings.ToUpper(strings.TrimSpace(s)))
	if lvl == "WARNING" {
		lvl = LevelWarn
	}
	if _, ok := zerologLevels[lvl]; !ok {
		return "", fmt.Errorf("unknown log level %q", s)
	}
	return lvl, nil
}

// ParseFormat parses an output format name.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatConsole, "":
		return FormatConsole, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown log format %q", s)
	}
}

// Logger writes leveled log lines for one component.
type Logger struct {
	mu        sync.Mutex
	output    io.Writer
	format    Format
	minLevel  Level
	component string
	zl        zerolog.Logger
}

// New creates a console Logger writing to stdout at INFO.
func New() *Logger {
	l := &Logger{
		output:   os.Stdout,
		format:   FormatConsole,
		minLevel: LevelInfo,
	}
	l.rebuild()
	return l
}

// Nop returns a Logger that discards everything. Useful as a default in tests.
func Nop() *Logger {
	l := &Logger{output: io.Discard, format: FormatJSON, minLevel: LevelError}
	l.zl = zerolog.Nop()
	return l
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	child := &Logger{
		output:    l.output,
		format:    l.format,
		minLevel:  l.minLevel,
		component: component,
	}
	if l.output == io.Discard {
		child.zl = zerolog.Nop()
		return child
	}
	child.rebuild()
	return child
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
	l.rebuild()
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
	l.rebuild()
}

// SetFormat switches between console and JSON output.
func (l *Logger) SetFormat(f Format) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.format = f
	l.rebuild()
}

// Level returns the minimum level.
func (l *Logger) Level() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.minLevel
}

// rebuild recreates the zerolog logger. Caller holds l.mu.
func (l *Logger) rebuild() {
	var w io.Writer = l.output
	if l.format == FormatConsole {
		w = zerolog.ConsoleWriter{
			Out:        l.output,
			NoColor:    true,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		}
	}
	ctx := zerolog.New(w).Level(zerologLevels[l.minLevel]).With().Timestamp()
	if l.component != "" {
		ctx = ctx.Str("component", l.component)
	}
	l.zl = ctx.Logger()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(zerolog.DebugLevel, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(zerolog.InfoLevel, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(zerolog.WarnLevel, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(zerolog.ErrorLevel, msg, fields...)
}

func (l *Logger) log(level zerolog.Level, msg string, fields ...map[string]interface{}) {
	l.mu.Lock()
	zl := l.zl
	l.mu.Unlock()

	event := zl.WithLevel(level)
	if event == nil {
		return
	}
	for _, f := range fields {
		if f != nil {
			event = event.Fields(f)
		}
	}
	event.Msg(msg)
}

// --- Relay lifecycle events ---

// ConnectionOpened logs an accepted peer connection.
func (l *Logger) ConnectionOpened(connID, remote string) {
	l.Debug("connection_opened", map[string]interface{}{
		"conn":   connID,
		"remote": remote,
	})
}

// RoleAssigned logs the handshake outcome for a connection.
func (l *Logger) RoleAssigned(connID, role, policy string) {
	l.Info("role_assigned", map[string]interface{}{
		"conn":   connID,
		"role":   role,
		"policy": policy,
	})
}

// ConnectionClosed logs a connection leaving the relay.
func (l *Logger) ConnectionClosed(connID, role string, lifetime time.Duration) {
	l.Info("connection_closed", map[string]interface{}{
		"conn":     connID,
		"role":     role,
		"lifetime": lifetime.Round(time.Millisecond).String(),
	})
}

// Evicted logs a connection removed by the relay itself.
func (l *Logger) Evicted(connID, role, reason string) {
	l.Warn("connection_evicted", map[string]interface{}{
		"conn":   connID,
		"role":   role,
		"reason": reason,
	})
}

// Superseded logs a producer takeover.
func (l *Logger) Superseded(oldID, newID string) {
	l.Info("producer_superseded", map[string]interface{}{
		"old": oldID,
		"new": newID,
	})
}

// SampleDiscarded logs a producer frame that was not relayed.
func (l *Logger) SampleDiscarded(connID, reason string) {
	l.Warn("sample_discarded", map[string]interface{}{
		"conn":   connID,
		"reason": reason,
	})
}
