package pttflow

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogLevel_String(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{LogLevelDebug, "DEBUG"},
		{LogLevelInfo, "INFO"},
		{LogLevelWarn, "WARN"},
		{LogLevelError, "ERROR"},
		{LogLevelOff, "OFF"},
		{LogLevel(999), "UNKNOWN"},
	}

	for _, test := range tests {
		if got := test.level.String(); got != test.expected {
			t.Errorf("LogLevel(%d).String() = %q, want %q", test.level, got, test.expected)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected LogLevel
	}{
		{"DEBUG", LogLevelDebug},
		{"debug", LogLevelDebug},
		{"INFO", LogLevelInfo},
		{"WARNING", LogLevelWarn},
		{"warn", LogLevelWarn},
		{"error", LogLevelError},
		{"off", LogLevelOff},
		{"invalid", LogLevelInfo},
		{"", LogLevelInfo},
	}

	for _, test := range tests {
		if got := ParseLogLevel(test.input); got != test.expected {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", test.input, got, test.expected)
		}
	}
}

func observed(level LogLevel) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return NewLoggerWithCore(core, level), logs
}

func TestLogger_LoggingLevels(t *testing.T) {
	logger, logs := observed(LogLevelWarn)

	logger.Debug("debug_event", map[string]any{"key": "value"})
	logger.Info("info_event", nil)
	logger.Warn("warn_event", map[string]any{"level": "warning"})
	logger.Error("error_event", map[string]any{"code": 500})

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Message != "warn_event" || entries[1].Message != "error_event" {
		t.Errorf("unexpected messages: %q, %q", entries[0].Message, entries[1].Message)
	}
	if got := entries[1].ContextMap()["code"]; got != int64(500) {
		t.Errorf("expected code=500, got %v (%T)", got, got)
	}
	if entries[0].LoggerName != "pttflow" {
		t.Errorf("expected logger name pttflow, got %q", entries[0].LoggerName)
	}
}

func TestLogger_SetLevel(t *testing.T) {
	logger, logs := observed(LogLevelError)
	logger.Info("dropped", nil)
	logger.SetLevel(LogLevelDebug)
	logger.Debug("kept", nil)

	if logs.Len() != 1 || logs.All()[0].Message != "kept" {
		t.Errorf("expected only the post-SetLevel entry, got %v", logs.All())
	}
}

func TestLogger_Off(t *testing.T) {
	logger, logs := observed(LogLevelOff)
	logger.Error("nothing", nil)
	if logs.Len() != 0 {
		t.Errorf("expected no entries with LogLevelOff, got %d", logs.Len())
	}
}

func TestLogger_SetPrefixAndNamed(t *testing.T) {
	logger, logs := observed(LogLevelInfo)
	logger.SetPrefix("bridge")
	logger.Info("a", nil)
	logger.Named("rx").Info("b", nil)

	entries := logs.All()
	if entries[0].LoggerName != "bridge" {
		t.Errorf("expected name bridge, got %q", entries[0].LoggerName)
	}
	if entries[1].LoggerName != "bridge.rx" {
		t.Errorf("expected name bridge.rx, got %q", entries[1].LoggerName)
	}
}

func TestLogger_WithContext(t *testing.T) {
	logger, logs := observed(LogLevelInfo)
	child := logger.WithContext(map[string]any{"node": "rx1"})
	child.Info("event", map[string]any{"err": errors.New("boom")})

	fields := logs.All()[0].ContextMap()
	if fields["node"] != "rx1" {
		t.Errorf("expected node=rx1, got %v", fields["node"])
	}
	if fields["err"] != "boom" {
		t.Errorf("expected err=boom, got %v", fields["err"])
	}

	// the parent keeps its own fields
	logger.Info("plain", nil)
	if _, ok := logs.All()[1].ContextMap()["node"]; ok {
		t.Error("parent logger picked up child context")
	}
}

func TestLogger_LoggerFunc(t *testing.T) {
	logger, logs := observed(LogLevelInfo)
	fn := logger.LoggerFunc()
	fn("via_func", map[string]any{"k": "v"})

	if logs.FilterMessage("via_func").Len() != 1 {
		t.Error("LoggerFunc did not log at info")
	}
}

func TestNewLoggerFromEnv(t *testing.T) {
	t.Setenv("PTTFLOW_LOG_LEVEL", "ERROR")
	logger := NewLoggerFromEnv()
	if logger.level.Level() != zapcore.ErrorLevel {
		t.Errorf("expected error level, got %v", logger.level.Level())
	}
}

func TestNewLoggerFromOptions_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pttflow.log")
	logger := NewLoggerFromOptions(LogOptions{Level: "debug", Format: "json", File: path})
	logger.Info("file_event", map[string]any{"group": "g1"})
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"file_event"`) || !strings.Contains(string(data), `"group":"g1"`) {
		t.Errorf("unexpected log file content: %s", data)
	}
}

func TestClientUsesStructuredLogger(t *testing.T) {
	logger, logs := observed(LogLevelDebug)
	c := &Client{cfg: Config{StructuredLogger: logger}}
	c.log("info_event", nil)
	c.logError("error_event", nil)
	c.logDebug("debug_event", nil)

	if logs.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", logs.Len())
	}
	if logs.FilterMessage("error_event").All()[0].Level != zapcore.ErrorLevel {
		t.Error("logError did not log at error level")
	}
}

func TestClientFallsBackToLoggerFunc(t *testing.T) {
	var got []string
	c := &Client{cfg: Config{Logger: func(event string, _ map[string]any) { got = append(got, event) }}}
	c.log("a", nil)
	c.logError("b", nil)
	c.logDebug("c", nil)

	if strings.Join(got, ",") != "a,ERROR: b" {
		t.Errorf("unexpected events: %v", got)
	}
}
