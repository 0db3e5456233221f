package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn, false)

	l.Debug("debug_msg", nil)
	l.Info("info_msg", nil)
	l.Warn("warn_msg", nil)
	l.Error("error_msg", nil, errors.New("boom"))

	out := buf.String()
	if strings.Contains(out, "debug_msg") || strings.Contains(out, "info_msg") {
		t.Fatalf("expected debug/info to be filtered, got %q", out)
	}
	if !strings.Contains(out, "[warn]") || !strings.Contains(out, "warn_msg") {
		t.Errorf("missing warn entry in %q", out)
	}
	if !strings.Contains(out, `error="boom"`) {
		t.Errorf("missing error text in %q", out)
	}
}

func TestLogger_TextFieldsSorted(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelDebug, false)

	l.Info("request", Fields{"status": 200, "method": "GET", "bytes": 12})

	out := buf.String()
	bi := strings.Index(out, "bytes=12")
	mi := strings.Index(out, "method=GET")
	si := strings.Index(out, "status=200")
	if bi < 0 || mi < 0 || si < 0 {
		t.Fatalf("missing fields in %q", out)
	}
	if !(bi < mi && mi < si) {
		t.Errorf("fields not sorted: %q", out)
	}
}

func TestLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo, true).With(Fields{"service": "backend"})

	l.Error("storage_failed", Fields{"key": "files/a.txt"}, errors.New("down"))

	var entry Entry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not json: %v (%q)", err, buf.String())
	}
	if entry.Level != LevelError || entry.Message != "storage_failed" || entry.Error != "down" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.Fields["service"] != "backend" || entry.Fields["key"] != "files/a.txt" {
		t.Errorf("fields not merged: %+v", entry.Fields)
	}
	if entry.Caller == "" {
		t.Error("expected caller to be set")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"WARN", LevelWarn},
		{" error ", LevelError},
		{"info", LevelInfo},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("SOFD_LOG_LEVEL", "debug")
	t.Setenv("SOFD_LOG_FORMAT", "")
	t.Setenv("SOFD_ENV", "production")

	l := FromEnv()
	if !l.enableJSON {
		t.Error("expected json output in production")
	}
	if !l.Enabled(LevelDebug) {
		t.Error("expected debug level enabled")
	}
}

func TestLogger_WithSharesLock(t *testing.T) {
	var buf bytes.Buffer
	root := New(&buf, LevelInfo, false)
	loggers := []*Logger{
		root,
		root.With(Fields{"component": "conn"}),
		root.With(Fields{"component": "router"}).With(Fields{"remote": "127.0.0.1"}),
	}

	const perLogger = 200
	var wg sync.WaitGroup
	for _, l := range loggers {
		wg.Add(1)
		go func(l *Logger) {
			defer wg.Done()
			for i := 0; i < perLogger; i++ {
				l.Info("request served", Fields{"n": i})
			}
		}(l)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != len(loggers)*perLogger {
		t.Fatalf("got %d lines, want %d", len(lines), len(loggers)*perLogger)
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "[info] ") {
			t.Fatalf("interleaved line %q", line)
		}
	}
}
