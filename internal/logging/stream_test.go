package logging

import (
	"bytes"
	"io"
	"log/slog"
	"testing"
)

func TestRingBufferWrapsAtCapacity(t *testing.T) {
	rb := NewRingBuffer(3)
	for i := 0; i < 5; i++ {
		rb.Add(Entry{Message: string(rune('a' + i))})
	}

	recent := rb.GetRecent(3)
	if len(recent) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(recent))
	}
	if recent[0].Message != "c" || recent[2].Message != "e" {
		t.Fatalf("unexpected ring contents: %+v", recent)
	}
}

func TestRingBufferGetRecentBeforeFull(t *testing.T) {
	rb := NewRingBuffer(5)
	rb.Add(Entry{Message: "one"})
	rb.Add(Entry{Message: "two"})

	recent := rb.GetRecent(10)
	if len(recent) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(recent))
	}
}

func TestStreamHandlerCapturesAndForwards(t *testing.T) {
	rb := NewRingBuffer(10)
	var fallback bytes.Buffer
	handler := NewStreamHandler(rb, &fallback, slog.LevelInfo)

	logger := slog.New(handler).With("component", "test")
	logger.Info("hello", "key", "value")

	recent := rb.GetRecent(1)
	if len(recent) != 1 {
		t.Fatalf("expected 1 captured entry, got %d", len(recent))
	}
	if recent[0].Message != "hello" || recent[0].Component != "test" {
		t.Fatalf("unexpected entry: %+v", recent[0])
	}
	if recent[0].Attrs["key"] != "value" {
		t.Fatalf("expected attr key=value, got %+v", recent[0].Attrs)
	}
	if fallback.Len() == 0 {
		t.Fatalf("expected fallback handler to also receive the record")
	}
}

func TestStreamHandlerRespectsLevel(t *testing.T) {
	rb := NewRingBuffer(10)
	handler := NewStreamHandler(rb, io.Discard, slog.LevelWarn)
	logger := slog.New(handler)

	logger.Info("should be filtered")
	if len(rb.GetRecent(10)) != 0 {
		t.Fatalf("expected info log to be filtered out at warn level")
	}

	logger.Warn("should pass")
	if len(rb.GetRecent(10)) != 1 {
		t.Fatalf("expected warn log to be captured")
	}
}
