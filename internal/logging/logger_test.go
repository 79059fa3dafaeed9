package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		input    string
		expected zapcore.Level
	}{
		{input: "debug", expected: zapcore.DebugLevel},
		{input: "info", expected: zapcore.InfoLevel},
		{input: "", expected: zapcore.InfoLevel},
		{input: "WARN", expected: zapcore.WarnLevel},
		{input: "warning", expected: zapcore.WarnLevel},
		{input: " error ", expected: zapcore.ErrorLevel},
		{input: "verbose", expected: zapcore.InfoLevel},
	}
	for _, testCase := range testCases {
		if got := parseLevel(testCase.input); got != testCase.expected {
			t.Fatalf("parseLevel(%q) = %v, expected %v", testCase.input, got, testCase.expected)
		}
	}
}

func TestNewLoggerHonorsLevel(t *testing.T) {
	logger, err := NewLogger("error")
	if err != nil {
		t.Fatalf("failed to construct logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("info must be suppressed at error level")
	}
	if !logger.Core().Enabled(zapcore.ErrorLevel) {
		t.Fatalf("error level must stay enabled")
	}
}

func TestNewRotatingLoggerWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldsync.log")
	logger, err := NewRotatingLogger("info", FileSink{Path: path, MaxSizeMB: 1, MaxBackups: 1})
	if err != nil {
		t.Fatalf("failed to construct rotating logger: %v", err)
	}

	logger.Info("sync pass finished")
	if err := logger.Sync(); err != nil {
		t.Fatalf("failed to flush logger: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	var line map[string]any
	if err := json.Unmarshal(raw, &line); err != nil {
		t.Fatalf("expected a JSON log line, got %q: %v", raw, err)
	}
	if line["msg"] != "sync pass finished" {
		t.Fatalf("unexpected log message: %v", line["msg"])
	}
}
