package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"firestige.xyz/gatekeeper/internal/config"
)

func TestParseLevelValid(t *testing.T) {
	tests := []struct {
		input    string
		expected logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"DEBUG", logrus.DebugLevel},
		{"info", logrus.InfoLevel},
		{"warn", logrus.WarnLevel},
		{"warning", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := parseLevel(tt.input)
			if err != nil {
				t.Errorf("parseLevel(%q) returned error: %v", tt.input, err)
			}
			if level != tt.expected {
				t.Errorf("parseLevel(%q) = %v, expected %v", tt.input, level, tt.expected)
			}
		})
	}
}

func TestParseLevelInvalid(t *testing.T) {
	for _, input := range []string{"invalid", "fatal", ""} {
		t.Run(input, func(t *testing.T) {
			if _, err := parseLevel(input); err == nil {
				t.Errorf("parseLevel(%q) should return error, got nil", input)
			}
		})
	}
}

func TestGetLoggerBeforeInit(t *testing.T) {
	if GetLogger() == nil {
		t.Fatal("GetLogger() must never return nil")
	}
}

func TestInitUnsupportedFormat(t *testing.T) {
	err := Init(config.LogConfig{Level: "info", Format: "xml"})
	if err == nil || !strings.Contains(err.Error(), "unsupported log format") {
		t.Errorf("expected unsupported format error, got %v", err)
	}
}

func TestInitWithFileOutput(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "gatekeeper.log")

	cfg := config.LogConfig{
		Level:  "debug",
		Format: "json",
		File: config.FileOutputConfig{
			Enabled:    true,
			Path:       logPath,
			MaxSizeMB:  1,
			MaxBackups: 1,
		},
	}
	if err := Init(cfg); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	l := GetLogger()
	if !l.IsDebugEnabled() {
		t.Error("expected debug level to be enabled")
	}
	l.WithField("stream", 7).WithError(errors.New("boom")).Info("verdict failed")

	if err := Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	line := bytes.TrimSpace(data)
	var entry map[string]interface{}
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("log line is not JSON: %q", line)
	}
	if entry["msg"] != "verdict failed" {
		t.Errorf("unexpected msg: %v", entry["msg"])
	}
	if entry["stream"] != float64(7) {
		t.Errorf("unexpected stream field: %v", entry["stream"])
	}
	if entry["error"] != "boom" {
		t.Errorf("unexpected error field: %v", entry["error"])
	}
}

func TestInitFileWithoutPath(t *testing.T) {
	err := Init(config.LogConfig{
		Level:  "info",
		Format: "text",
		File:   config.FileOutputConfig{Enabled: true},
	})
	if err == nil {
		t.Error("expected error for file output without path")
	}
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, errors.New("disk full") }

func TestMultiWriterContinuesAfterFailure(t *testing.T) {
	var buf bytes.Buffer
	w := NewMultiWriter().Add(failingWriter{}).Add(&buf)

	n, err := w.Write([]byte("hello"))
	if err == nil {
		t.Error("expected the failing writer's error to be reported")
	}
	if n != 5 || buf.String() != "hello" {
		t.Errorf("second writer should still receive data, got n=%d buf=%q", n, buf.String())
	}
}
