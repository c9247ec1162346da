package logging

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggerWritesToBuffer(t *testing.T) {
	buffer := NewLogBuffer(10)
	logger := NewLoggerWithOutput(buffer, LevelInfo, io.Discard)

	logger.Info("spawned", map[string]string{"cluster_id": "1"})

	entries := buffer.List()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != LevelInfo {
		t.Fatalf("expected info level, got %q", entry.Level)
	}
	if entry.Message != "spawned" {
		t.Fatalf("expected message spawned, got %q", entry.Message)
	}
	if entry.Context["cluster_id"] != "1" {
		t.Fatalf("expected context cluster_id=1, got %v", entry.Context)
	}
}

func TestLoggerFiltersByLevel(t *testing.T) {
	buffer := NewLogBuffer(10)
	logger := NewLoggerWithOutput(buffer, LevelWarning, io.Discard)

	logger.Info("info", nil)
	logger.Warn("warn", nil)

	entries := buffer.List()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Level != LevelWarning {
		t.Fatalf("expected warning level, got %q", entries[0].Level)
	}
}

func TestLoggerForwardsToZapSink(t *testing.T) {
	core, observed := observer.New(zapcore.DebugLevel)
	logger := NewLoggerWithSink(nil, LevelDebug, zap.New(core)).With(map[string]string{"service": "shardfleet"})

	logger.Error("spawn failed", map[string]string{"cluster_id": "3"})

	logs := observed.All()
	if len(logs) != 1 {
		t.Fatalf("expected 1 zap entry, got %d", len(logs))
	}
	if logs[0].Level != zapcore.ErrorLevel {
		t.Fatalf("expected error level, got %s", logs[0].Level)
	}
	fields := logs[0].ContextMap()
	if fields["service"] != "shardfleet" || fields["cluster_id"] != "3" {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestLoggerConsoleOutput(t *testing.T) {
	var output bytes.Buffer
	logger := NewLoggerWithOutput(nil, LevelInfo, &output)
	logger.Warn("respawn suppressed", map[string]string{"cluster_id": "0"})
	_ = logger.Sync()

	line := output.String()
	if !strings.Contains(line, "warn") || !strings.Contains(line, "respawn suppressed") || !strings.Contains(line, `"cluster_id": "0"`) {
		t.Fatalf("unexpected console line %q", line)
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var logger *Logger
	logger.Info("ignored", nil)
	if logger.With(map[string]string{"a": "b"}) != nil {
		t.Fatal("expected nil logger from nil With")
	}
	if logger.Enabled(LevelError) {
		t.Fatal("nil logger must not be enabled")
	}
}

func TestLoggerStreamDeliversEntries(t *testing.T) {
	logger := NewLoggerWithOutput(NewLogBuffer(50), LevelInfo, io.Discard)
	output, cancel := logger.Subscribe()
	defer cancel()

	const total = 50
	go func() {
		for i := 0; i < total; i++ {
			logger.Info("message", nil)
		}
	}()

	received := 0
	deadline := time.After(2 * time.Second)
	for received < total {
		select {
		case <-output:
			received++
		case <-deadline:
			t.Fatalf("timed out after receiving %d entries", received)
		}
	}
}

func TestParseLevel(t *testing.T) {
	for input, want := range map[string]Level{"DEBUG": LevelDebug, "warn": LevelWarning, " error ": LevelError} {
		got, ok := ParseLevel(input)
		if !ok || got != want {
			t.Fatalf("ParseLevel(%q) = %q, %v", input, got, ok)
		}
	}
	if _, ok := ParseLevel("loud"); ok {
		t.Fatal("expected unknown level to fail")
	}
}
