package wtlog

import (
	"io"
	"testing"
	"time"
)

func TestLoggerWritesToBuffer(t *testing.T) {
	buffer := NewBuffer(10)
	logger := NewWithOutput(buffer, LevelInfo, io.Discard)

	logger.Info("started", map[string]string{"watch_path": "/tmp/x"})

	entries := buffer.List()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != LevelInfo {
		t.Fatalf("expected info level, got %q", entry.Level)
	}
	if entry.Message != "started" {
		t.Fatalf("expected message started, got %q", entry.Message)
	}
	if entry.Context["watch_path"] != "/tmp/x" {
		t.Fatalf("expected context watch_path=/tmp/x, got %v", entry.Context)
	}
}

func TestLoggerFiltersByLevel(t *testing.T) {
	buffer := NewBuffer(10)
	logger := NewWithOutput(buffer, LevelWarning, io.Discard)

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

func TestLoggerStreamDeliversAllEntries(t *testing.T) {
	logger := NewWithOutput(NewBuffer(50), LevelInfo, io.Discard)
	output, cancel := logger.Subscribe()
	defer cancel()

	// Hub.Broadcast drops entries for a subscriber whose buffer is full, so
	// the stream is only lossless while the producer stays within the
	// subscriber's buffer capacity.
	const total = defaultSubscriberBuffer
	done := make(chan struct{})
	go func() {
		for i := 0; i < total; i++ {
			logger.Info("message", nil)
		}
		close(done)
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

	<-done
}

func TestWithMergesBaseContext(t *testing.T) {
	buffer := NewBuffer(10)
	logger := NewWithOutput(buffer, LevelInfo, io.Discard).With(map[string]string{"component": "registry"})

	logger.Info("attached", map[string]string{"path": "/a"})

	entries := buffer.List()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Context["component"] != "registry" || entries[0].Context["path"] != "/a" {
		t.Fatalf("expected merged context, got %v", entries[0].Context)
	}
}
