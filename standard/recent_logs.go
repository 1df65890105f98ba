// Package standard provides the agent's standard building blocks: run
// identity, recent logs and connectivity tracking.
package standard

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// LogLevel represents the severity of a log entry.
type LogLevel string

const (
	LevelError LogLevel = "ERROR"
	LevelWarn  LogLevel = "WARN"
	LevelInfo  LogLevel = "INFO"
	LevelDebug LogLevel = "DEBUG"
)

// LogEntry represents a single log entry.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     LogLevel               `json:"level"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// RecentLogs keeps the last N log entries in memory and writes every entry
// through to slog. Warnings (e.g. a publisher disabled by a license
// rejection) stay visible via Entries() even when stdout is not collected.
type RecentLogs struct {
	mu         sync.Mutex
	entries    []LogEntry
	maxEntries int
	logger     *slog.Logger
	onWarn     func() // called after Error/Warn, never after the NoTrigger variants
}

// NewRecentLogs creates a new RecentLogs buffer. A nil logger means slog.Default().
func NewRecentLogs(maxEntries int, logger *slog.Logger) *RecentLogs {
	if maxEntries <= 0 {
		maxEntries = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RecentLogs{
		entries:    make([]LogEntry, 0, maxEntries),
		maxEntries: maxEntries,
		logger:     logger,
	}
}

// SetWarnHook sets the function called on Error/Warn.
func (r *RecentLogs) SetWarnHook(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onWarn = fn
}

// Log adds a log entry with context. Context keys become slog attributes.
func (r *RecentLogs) Log(level LogLevel, message string, context map[string]interface{}) {
	r.mu.Lock()
	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Context:   context,
	}
	r.entries = append(r.entries, entry)
	// ringbuffer
	if len(r.entries) > r.maxEntries {
		r.entries = r.entries[len(r.entries)-r.maxEntries:]
	}
	r.mu.Unlock()

	r.logger.LogAttrs(contextBackground, slogLevel(level), message, attrs(context)...)
}

// Error logs an error message with context.
func (r *RecentLogs) Error(message string, context map[string]interface{}) {
	r.Log(LevelError, message, context)
	r.fireHook()
}

// Warn logs a warning message with context.
func (r *RecentLogs) Warn(message string, context map[string]interface{}) {
	r.Log(LevelWarn, message, context)
	r.fireHook()
}

// Info logs an info message with context.
func (r *RecentLogs) Info(message string, context map[string]interface{}) {
	r.Log(LevelInfo, message, context)
}

// Debug logs a debug message with context.
func (r *RecentLogs) Debug(message string, context map[string]interface{}) {
	r.Log(LevelDebug, message, context)
}

// WarnNoTrigger logs a warning WITHOUT calling the warn hook.
// Used for transient upload failures that are retried anyway.
func (r *RecentLogs) WarnNoTrigger(message string, context map[string]interface{}) {
	r.Log(LevelWarn, message, context)
}

// ErrorNoTrigger logs an error WITHOUT calling the warn hook.
func (r *RecentLogs) ErrorNoTrigger(message string, context map[string]interface{}) {
	r.Log(LevelError, message, context)
}

func (r *RecentLogs) fireHook() {
	r.mu.Lock()
	fn := r.onWarn
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Entries returns a copy of the buffered entries, oldest first.
func (r *RecentLogs) Entries() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LogEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Counts returns the number of buffered entries per level.
func (r *RecentLogs) Counts() map[LogLevel]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[LogLevel]int)
	for _, e := range r.entries {
		counts[e.Level]++
	}
	return counts
}

var contextBackground = context.Background()

func slogLevel(level LogLevel) slog.Level {
	switch level {
	case LevelError:
		return slog.LevelError
	case LevelWarn:
		return slog.LevelWarn
	case LevelDebug:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// attrs converts a context map into slog attributes with stable key order.
func attrs(context map[string]interface{}) []slog.Attr {
	if len(context) == 0 {
		return nil
	}
	keys := make([]string, 0, len(context))
	for k := range context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		out = append(out, slog.Any(k, context[k]))
	}
	return out
}

// ParseLevel maps a config string ("debug", "info", "warn", "error") to a slog level.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
