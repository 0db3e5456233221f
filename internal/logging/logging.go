// Package logging provides the leveled logger shared by the server,
// the storage backends and the backend binary. Output is plain text
// for development and one JSON object per line in production.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log entry
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

var levelRank = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// Fields carries structured key/value pairs attached to an entry.
type Fields map[string]any

// Logger writes leveled, structured entries. It is safe for concurrent use.
type Logger struct {
	mu         *sync.Mutex // shared with every With child; they write to the same output
	output     io.Writer
	minLevel   Level
	enableJSON bool
	base       Fields
}

// Entry is the JSON shape of one log line.
type Entry struct {
	Level   Level  `json:"level"`
	Time    string `json:"time"`
	Message string `json:"msg"`
	Fields  Fields `json:"fields,omitempty"`
	Error   string `json:"error,omitempty"`
	Caller  string `json:"caller,omitempty"`
}

var defaultLogger = New(os.Stdout, LevelInfo, false)

// Default returns the package logger used when nothing was injected.
func Default() *Logger {
	return defaultLogger
}

// New creates a logger writing to w.
func New(w io.Writer, minLevel Level, enableJSON bool) *Logger {
	if _, ok := levelRank[minLevel]; !ok {
		minLevel = LevelInfo
	}
	return &Logger{mu: &sync.Mutex{}, output: w, minLevel: minLevel, enableJSON: enableJSON}
}

// FromEnv builds a stdout logger configured by SOFD_LOG_LEVEL,
// SOFD_LOG_FORMAT and SOFD_ENV.
func FromEnv() *Logger {
	enableJSON := os.Getenv("SOFD_LOG_FORMAT") == "json"
	if os.Getenv("SOFD_ENV") == "production" {
		enableJSON = true
	}
	return New(os.Stdout, ParseLevel(os.Getenv("SOFD_LOG_LEVEL")), enableJSON)
}

// ParseLevel maps a level name to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn:
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

// With returns a child logger that adds fields to every entry.
func (l *Logger) With(fields Fields) *Logger {
	merged := make(Fields, len(l.base)+len(fields))
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{mu: l.mu, output: l.output, minLevel: l.minLevel, enableJSON: l.enableJSON, base: merged}
}

// Enabled reports whether entries at level would be written.
func (l *Logger) Enabled(level Level) bool {
	return levelRank[level] >= levelRank[l.minLevel]
}

func getCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return ""
	}
	if i := strings.LastIndexByte(file, '/'); i >= 0 {
		file = file[i+1:]
	}
	return fmt.Sprintf("%s:%d", file, line)
}

func (l *Logger) log(level Level, msg string, fields Fields, err error) {
	if !l.Enabled(level) {
		return
	}

	entry := Entry{
		Level:   level,
		Time:    time.Now().UTC().Format(time.RFC3339),
		Message: msg,
		Caller:  getCaller(3),
	}
	if len(l.base) > 0 || len(fields) > 0 {
		entry.Fields = make(Fields, len(l.base)+len(fields))
		for k, v := range l.base {
			entry.Fields[k] = v
		}
		for k, v := range fields {
			entry.Fields[k] = v
		}
	}
	if err != nil {
		entry.Error = err.Error()
	}

	var line string
	if l.enableJSON {
		data, merr := json.Marshal(entry)
		if merr != nil {
			data, _ = json.Marshal(Entry{Level: level, Time: entry.Time, Message: msg, Error: merr.Error()})
		}
		line = string(data) + "\n"
	} else {
		var sb strings.Builder
		fmt.Fprintf(&sb, "[%s] %s %s", entry.Level, entry.Time, entry.Message)
		keys := make([]string, 0, len(entry.Fields))
		for k := range entry.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, " %s=%v", k, entry.Fields[k])
		}
		if entry.Error != "" {
			fmt.Fprintf(&sb, " error=%q", entry.Error)
		}
		sb.WriteByte('\n')
		line = sb.String()
	}

	l.mu.Lock()
	_, _ = io.WriteString(l.output, line)
	l.mu.Unlock()
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, fields Fields) {
	l.log(LevelDebug, msg, fields, nil)
}

// Info logs an info message
func (l *Logger) Info(msg string, fields Fields) {
	l.log(LevelInfo, msg, fields, nil)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, fields Fields) {
	l.log(LevelWarn, msg, fields, nil)
}

// Error logs an error message
func (l *Logger) Error(msg string, fields Fields, err error) {
	l.log(LevelError, msg, fields, err)
}
