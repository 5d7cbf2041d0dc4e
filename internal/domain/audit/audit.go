// Package audit emits the structured tool-call audit trail. Records carry
// the principal's token fingerprint, never the token itself.
package audit

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mcp-router/mcp-router/internal/config"
)

// Event names.
const (
	EventToolStart = "tool_start"
	EventToolEnd   = "tool_end"
)

// Entry is one audit record.
type Entry struct {
	Event       string
	Session     string
	Fingerprint string
	Upstream    string
	Tool        string
	// Arguments is the possibly-truncated JSON argument text; empty when
	// argument logging is disabled.
	Arguments string
	// Fields below are only set on tool_end.
	OK       bool
	Error    string
	Duration time.Duration
}

// Logger writes audit entries through slog. A nil Logger is a no-op, so
// call sites need no enabled-checks of their own.
type Logger struct {
	logger *slog.Logger
	cfg    config.AuditConfig
}

// NewLogger returns an audit logger, or nil when auditing is disabled.
func NewLogger(logger *slog.Logger, cfg config.AuditConfig) *Logger {
	if !cfg.Enabled {
		return nil
	}
	return &Logger{logger: logger, cfg: cfg}
}

// ToolStart records the beginning of a forwarded tool call and returns the
// start time for the matching ToolEnd.
func (l *Logger) ToolStart(session, fingerprint, upstream, toolName string, args json.RawMessage) time.Time {
	start := time.Now()
	if l == nil {
		return start
	}
	e := Entry{
		Event:       EventToolStart,
		Session:     session,
		Fingerprint: fingerprint,
		Upstream:    upstream,
		Tool:        toolName,
	}
	if l.cfg.LogArguments {
		e.Arguments = l.truncate(args)
	}
	l.emit(e)
	return start
}

// ToolEnd records the outcome of a forwarded tool call.
func (l *Logger) ToolEnd(session, fingerprint, upstream, toolName string, start time.Time, err error) {
	if l == nil {
		return
	}
	e := Entry{
		Event:       EventToolEnd,
		Session:     session,
		Fingerprint: fingerprint,
		Upstream:    upstream,
		Tool:        toolName,
		OK:          err == nil,
		Duration:    time.Since(start),
	}
	if err != nil {
		e.Error = err.Error()
	}
	l.emit(e)
}

// emit writes one entry as a structured log record.
func (l *Logger) emit(e Entry) {
	attrs := []any{
		"event", e.Event,
		"session", e.Session,
		"principal", e.Fingerprint,
		"upstream", e.Upstream,
		"tool", e.Tool,
	}
	if e.Event == EventToolStart && l.cfg.LogArguments {
		attrs = append(attrs, "arguments", e.Arguments)
	}
	if e.Event == EventToolEnd {
		attrs = append(attrs, "ok", e.OK, "duration_ms", e.Duration.Milliseconds())
		if e.Error != "" {
			attrs = append(attrs, "error", e.Error)
		}
	}
	l.logger.Info("audit", attrs...)
}

func (l *Logger) truncate(args json.RawMessage) string {
	s := string(args)
	max := l.cfg.MaxArgumentChars
	if max > 0 && len(s) > max {
		// Truncate on rune boundaries so the record stays valid UTF-8.
		r := []rune(s)
		if len(r) > max {
			return string(r[:max]) + "…(truncated)"
		}
	}
	return s
}
