package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var output map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &output); err != nil {
		t.Fatalf("failed to parse JSON output: %v (%q)", err, buf.String())
	}
	return output
}

func TestNewLogger_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("expected default level to be info, got %s", cfg.Level)
	}
	if cfg.ServiceName != "scout" {
		t.Errorf("expected default service name to be 'scout', got %s", cfg.ServiceName)
	}
	if cfg.JSONFormat {
		t.Error("expected default JSONFormat to be false")
	}
}

func TestNewLogger_NilConfig(t *testing.T) {
	if NewLogger(nil) == nil {
		t.Error("expected non-nil logger with nil config")
	}
}

func TestLogger_JSONFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewLogger(&Config{
		Level:       LevelDebug,
		ServiceName: "scout-worker",
		JSONFormat:  true,
		Output:      buf,
	})

	log.Info("unit evaluated", F("outcome", "normalized"))

	output := decodeLine(t, buf)
	if output["message"] != "unit evaluated" {
		t.Errorf("expected message 'unit evaluated', got %v", output["message"])
	}
	if output["service_name"] != "scout-worker" {
		t.Errorf("expected service_name 'scout-worker', got %v", output["service_name"])
	}
	if output["outcome"] != "normalized" {
		t.Errorf("expected outcome 'normalized', got %v", output["outcome"])
	}
	if _, ok := output["time"]; !ok {
		t.Error("expected timestamp field 'time' in output")
	}
	if output["level"] != "info" {
		t.Errorf("expected level 'info', got %v", output["level"])
	}
}

func TestLogger_AllLevels(t *testing.T) {
	tests := []struct {
		name     string
		logFunc  func(Logger)
		expected string
	}{
		{"debug", func(l Logger) { l.Debug("debug message") }, "debug"},
		{"info", func(l Logger) { l.Info("info message") }, "info"},
		{"warn", func(l Logger) { l.Warn("warn message") }, "warn"},
		{"error", func(l Logger) { l.Error("error message") }, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			log := NewLogger(&Config{Level: LevelDebug, ServiceName: "test", JSONFormat: true, Output: buf})

			tt.logFunc(log)

			if got := decodeLine(t, buf)["level"]; got != tt.expected {
				t.Errorf("expected level %s, got %v", tt.expected, got)
			}
		})
	}
}

func TestLogger_WithFields(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewLogger(&Config{Level: LevelInfo, ServiceName: "test", JSONFormat: true, Output: buf})

	log = log.With(F("component", "evaluator"), F("model", "gpt-4o"))
	log.Info("started")

	output := decodeLine(t, buf)
	if output["component"] != "evaluator" {
		t.Errorf("expected component 'evaluator', got %v", output["component"])
	}
	if output["model"] != "gpt-4o" {
		t.Errorf("expected model 'gpt-4o', got %v", output["model"])
	}
}

func TestLogger_WithContext(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewLogger(&Config{Level: LevelInfo, ServiceName: "test", JSONFormat: true, Output: buf})

	ctx := context.WithValue(context.Background(), RunIDKey, "run-123")
	ctx = context.WithValue(ctx, UnitIDKey, "chunk-456")
	ctx = context.WithValue(ctx, TraceIDKey, "abc")

	log.WithContext(ctx).Info("classified")

	output := decodeLine(t, buf)
	if output["run_id"] != "run-123" {
		t.Errorf("expected run_id 'run-123', got %v", output["run_id"])
	}
	if output["unit_id"] != "chunk-456" {
		t.Errorf("expected unit_id 'chunk-456', got %v", output["unit_id"])
	}
	if output["trace_id"] != "abc" {
		t.Errorf("expected trace_id 'abc', got %v", output["trace_id"])
	}
}

func TestLogger_WithContext_EmptyContext(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewLogger(&Config{Level: LevelInfo, ServiceName: "test", JSONFormat: true, Output: buf})

	log.WithContext(context.Background()).Info("no ids")

	output := decodeLine(t, buf)
	for _, key := range []string{"run_id", "unit_id", "trace_id"} {
		if _, ok := output[key]; ok {
			t.Errorf("%s should not be present with empty context", key)
		}
	}
}

func TestLogger_FieldTypes(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewLogger(&Config{Level: LevelInfo, ServiceName: "test", JSONFormat: true, Output: buf})

	log.Info("type test",
		F("string_field", "hello"),
		F("int_field", 42),
		F("int64_field", int64(9999999999)),
		F("float_field", 0.85),
		F("bool_field", true),
		F("duration_field", 5*time.Second),
		F("time_field", time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)),
		Err(errors.New("test error")),
	)

	output := decodeLine(t, buf)
	if output["string_field"] != "hello" {
		t.Errorf("string_field mismatch: %v", output["string_field"])
	}
	if output["int_field"] != float64(42) {
		t.Errorf("int_field mismatch: %v", output["int_field"])
	}
	if output["int64_field"] != float64(9999999999) {
		t.Errorf("int64_field mismatch: %v", output["int64_field"])
	}
	if output["float_field"] != 0.85 {
		t.Errorf("float_field mismatch: %v", output["float_field"])
	}
	if output["bool_field"] != true {
		t.Errorf("bool_field mismatch: %v", output["bool_field"])
	}
	if output["error"] != "test error" {
		t.Errorf("error field mismatch: %v", output["error"])
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewLogger(&Config{Level: LevelWarn, ServiceName: "test", JSONFormat: true, Output: buf})

	log.Debug("debug - should not appear")
	log.Info("info - should not appear")
	log.Warn("warn - should appear")
	log.Error("error - should appear")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %s", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "warn - should appear") {
		t.Errorf("expected first line to be warn, got: %s", lines[0])
	}
	if !strings.Contains(lines[1], "error - should appear") {
		t.Errorf("expected second line to be error, got: %s", lines[1])
	}
}

func TestLogger_ConsoleFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewLogger(&Config{Level: LevelInfo, ServiceName: "scout", Output: buf})

	log.Info("console output test", F("district", "Springfield"))

	output := buf.String()
	if !strings.Contains(output, "console output test") {
		t.Errorf("console output should contain message: %s", output)
	}
	if !strings.Contains(output, "INF") {
		t.Errorf("console output should contain level indicator: %s", output)
	}
	// A bytes.Buffer is not a terminal, so no ANSI escapes.
	if strings.Contains(output, "\x1b[") {
		t.Errorf("console output to a buffer should not be coloured: %q", output)
	}
}

func TestIsTerminal_NonFile(t *testing.T) {
	if IsTerminal(&bytes.Buffer{}) {
		t.Error("bytes.Buffer should not be a terminal")
	}
}

func TestGlobal_NotInitialized(t *testing.T) {
	oldGlobal := global
	global = nil
	defer func() { global = oldGlobal }()

	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic when global not initialized")
		}
	}()

	Global()
}

func TestSetGlobal_And_Global(t *testing.T) {
	oldGlobal := global
	defer func() { global = oldGlobal }()

	buf := &bytes.Buffer{}
	SetGlobal(NewLogger(&Config{Level: LevelInfo, ServiceName: "global-test", JSONFormat: true, Output: buf}))
	Global().Info("global logger test")

	if !strings.Contains(buf.String(), "global logger test") {
		t.Errorf("global logger should have logged: %s", buf.String())
	}
}

func TestMustGlobal_InitializesDefaults(t *testing.T) {
	oldGlobal := global
	global = nil
	defer func() { global = oldGlobal }()

	if MustGlobal() == nil {
		t.Error("MustGlobal should return non-nil logger")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  Level
	}{
		{"debug", LevelDebug},
		{" DEBUG ", LevelDebug},
		{"info", LevelInfo},
		{"warning", LevelWarn},
		{"warn", LevelWarn},
		{"error", LevelError},
		{"chatty", LevelInfo},
		{"", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.want {
				t.Errorf("ParseLevel(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseLevel_Zerolog(t *testing.T) {
	tests := []struct {
		input    Level
		expected string
	}{
		{LevelDebug, "debug"},
		{LevelInfo, "info"},
		{LevelWarn, "warn"},
		{LevelError, "error"},
		{Level("invalid"), "info"},
	}

	for _, tt := range tests {
		t.Run(string(tt.input), func(t *testing.T) {
			if got := parseLevel(tt.input).String(); got != tt.expected {
				t.Errorf("parseLevel(%s) = %s, want %s", tt.input, got, tt.expected)
			}
		})
	}
}

func TestLogger_SinkReceivesContextIDs(t *testing.T) {
	writer := &mockLogWriter{}
	sink := NewBufferedSink(BufferedSinkConfig{Writer: writer, FlushInterval: time.Hour})

	log := NewLogger(&Config{
		Level:      LevelInfo,
		JSONFormat: true,
		Output:     &bytes.Buffer{},
		Sinks:      []Sink{sink},
	})

	ctx := context.WithValue(context.Background(), RunIDKey, "run-9")
	ctx = context.WithValue(ctx, UnitIDKey, "c-1")
	log.WithContext(ctx).With(F("stage", "score")).Warn("retrying", F("attempt", 2))
	log.Debug("filtered by level")

	if err := sink.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	sink.Close()

	batches := writer.GetBatches()
	if len(batches) != 1 || len(batches[0]) != 1 {
		t.Fatalf("expected one entry, got %v", batches)
	}
	entry := batches[0][0]
	if entry.RunID != "run-9" {
		t.Errorf("RunID = %q, want run-9", entry.RunID)
	}
	if entry.Level != "warn" {
		t.Errorf("Level = %q, want warn", entry.Level)
	}
	if entry.Fields["unit_id"] != "c-1" || entry.Fields["stage"] != "score" || entry.Fields["attempt"] != "2" {
		t.Errorf("unexpected fields: %v", entry.Fields)
	}
	if !strings.HasPrefix(entry.Caller, "logger_test.go:") {
		t.Errorf("Caller = %q, want logger_test.go:<line>", entry.Caller)
	}
}
