// Package logger configures the process-wide slog logger. Output is a
// compact "[15:04:05] [LEVEL] message key=value" format written to one or
// more sinks; sipgo's JSON log lines are reparsed into the same format so
// the log stays uniform.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	globalLevel = slog.LevelInfo
	levelMutex  sync.RWMutex
)

// SetLevel sets the global log level.
func SetLevel(levelStr string) {
	level := ParseLevel(levelStr)
	levelMutex.Lock()
	defer levelMutex.Unlock()
	globalLevel = level
}

// ParseLevel parses a string to an slog level.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// JSONParsingWriter wraps an io.Writer and converts JSON log lines (sipgo
// logs through zerolog) into the plain format used everywhere else.
type JSONParsingWriter struct {
	base io.Writer
}

// Write implements io.Writer.
func (w *JSONParsingWriter) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	if strings.HasPrefix(line, "{") {
		var entry map[string]interface{}
		if err := json.Unmarshal(p, &entry); err == nil {
			level := "info"
			if lv, ok := entry["level"]; ok {
				level = fmt.Sprint(lv)
			}
			message := ""
			if msg, ok := entry["message"]; ok {
				message = fmt.Sprint(msg)
			}
			timestamp := time.Now().Format("15:04:05")
			if t, ok := entry["time"]; ok {
				if ts, err := time.Parse(time.RFC3339, fmt.Sprint(t)); err == nil {
					timestamp = ts.Format("15:04:05")
				}
			}
			var attrs []string
			for k, v := range entry {
				if k != "level" && k != "message" && k != "time" && k != "caller" {
					attrs = append(attrs, fmt.Sprintf("%s=%v", k, v))
				}
			}
			formatted := fmt.Sprintf("[%s] [%s] %s", timestamp, strings.ToUpper(level), message)
			if len(attrs) > 0 {
				formatted += " " + strings.Join(attrs, " ")
			}
			formatted += "\n"
			return w.base.Write([]byte(formatted))
		}
	}
	return w.base.Write(p)
}

// handler writes formatted records to every configured sink.
type handler struct {
	outs []io.Writer
	mu   sync.Mutex
}

// Handle implements slog.Handler.
func (h *handler) Handle(_ context.Context, record slog.Record) error {
	levelMutex.RLock()
	if record.Level < globalLevel {
		levelMutex.RUnlock()
		return nil
	}
	levelMutex.RUnlock()

	message := record.Message
	var attrs []string
	record.Attrs(func(a slog.Attr) bool {
		if a.Key != "time" && a.Key != "level" && a.Key != "msg" {
			attrs = append(attrs, a.Key+"="+a.Value.String())
		}
		return true
	})
	if len(attrs) > 0 {
		message = message + " " + strings.Join(attrs, " ")
	}

	line := "[" + record.Time.Format("15:04:05") + "] [" + strings.ToUpper(record.Level.String()) + "] " + message + "\n"

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, out := range h.outs {
		if out != nil {
			_, _ = out.Write([]byte(line))
		}
	}
	return nil
}

// WithAttrs implements slog.Handler.
func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }

// WithGroup implements slog.Handler.
func (h *handler) WithGroup(name string) slog.Handler { return h }

// Enabled implements slog.Handler.
func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	levelMutex.RLock()
	defer levelMutex.RUnlock()
	return level >= globalLevel
}

// Init initializes the global logger with one or more output writers.
func Init(outputs ...io.Writer) {
	wrapped := make([]io.Writer, 0, len(outputs))
	for _, out := range outputs {
		if out == nil {
			continue
		}
		wrapped = append(wrapped, &JSONParsingWriter{base: out})
	}
	slog.SetDefault(slog.New(&handler{outs: wrapped}))
}

// FileOutput returns a size-rotated log file writer. An empty path returns
// nil, which Init tolerates as a disabled sink.
func FileOutput(path string) io.Writer {
	if path == "" {
		return nil
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    20, // megabytes
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
}
