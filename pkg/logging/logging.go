// Package logging provides the structured logging surface shared by the
// Control Plane, the Node Agent and the operator CLI.
//
// It is adapted from the dual-mode (CLI/TUI) logger of the project this
// codebase grew out of, trimmed down to CLI mode only: both daemons here
// are headless long-running processes with no terminal UI, so there is
// no channel-based log consumer to support.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// LogLevel defines the severity of a log entry.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String makes LogLevel satisfy fmt.Stringer.
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var defaultLogger *slog.Logger

// InitForCLI initializes the package-level logger. Call once at process
// startup, before any other package logs.
func InitForCLI(filterLevel LogLevel, output io.Writer) {
	handler := slog.NewTextHandler(output, &slog.HandlerOptions{Level: filterLevel.SlogLevel()})
	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
}

func logInternal(level LogLevel, subsystem string, err error, messageFmt string, args ...interface{}) {
	if defaultLogger == nil || !defaultLogger.Enabled(context.Background(), level.SlogLevel()) {
		return
	}

	msg := messageFmt
	if len(args) > 0 {
		msg = fmt.Sprintf(messageFmt, args...)
	}

	var attrs []slog.Attr
	attrs = append(attrs, slog.String("subsystem", subsystem))
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}

	defaultLogger.LogAttrs(context.Background(), level.SlogLevel(), msg, attrs...)
}

// Debug logs a debug message.
func Debug(subsystem string, messageFmt string, args ...interface{}) {
	logInternal(LevelDebug, subsystem, nil, messageFmt, args...)
}

// Info logs an informational message.
func Info(subsystem string, messageFmt string, args ...interface{}) {
	logInternal(LevelInfo, subsystem, nil, messageFmt, args...)
}

// Warn logs a warning message.
func Warn(subsystem string, messageFmt string, args ...interface{}) {
	logInternal(LevelWarn, subsystem, nil, messageFmt, args...)
}

// Error logs an error message.
func Error(subsystem string, err error, messageFmt string, args ...interface{}) {
	logInternal(LevelError, subsystem, err, messageFmt, args...)
}

// TruncateID returns a shortened identifier for log lines, e.g. so a
// full instance or provider UUID doesn't dominate a log line.
func TruncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}

// AuditEvent is a structured record of a security-relevant decision. In
// this system that almost always means a capability permission check
// performed before a provider invocation (§4.5 of the design).
type AuditEvent struct {
	// Action identifies the kind of decision, e.g. "capability_invoke".
	Action string
	// Outcome is "allow" or "deny".
	Outcome    string
	InstanceID string
	ProviderID string
	Operation  string
	Detail     string
}

// Audit logs a structured audit event at INFO level with an [AUDIT]
// prefix so permission decisions can be filtered out of general logs.
func Audit(event AuditEvent) {
	parts := make([]string, 0, 6)
	parts = append(parts, "action="+event.Action)
	parts = append(parts, "outcome="+event.Outcome)
	if event.InstanceID != "" {
		parts = append(parts, "instance="+event.InstanceID)
	}
	if event.ProviderID != "" {
		parts = append(parts, "provider="+event.ProviderID)
	}
	if event.Operation != "" {
		parts = append(parts, "operation="+event.Operation)
	}
	if event.Detail != "" {
		parts = append(parts, "detail="+event.Detail)
	}

	logInternal(LevelInfo, "AUDIT", nil, "[AUDIT] %s", strings.Join(parts, " "))
}

// Elapsed is a small helper for logging durations without every caller
// importing time directly.
func Elapsed(start time.Time) time.Duration {
	return time.Since(start)
}
