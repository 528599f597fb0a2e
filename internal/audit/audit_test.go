package audit

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTest(t *testing.T) *Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestOpenCreatesSchema(t *testing.T) {
	l := openTest(t)

	events, err := l.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected empty log, got %d events", len(events))
	}
}

func TestRecordAndRecent(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	l.Record(ctx, Event{
		DeviceID:   "front_door",
		StreamType: "main",
		FromState:  "IDLE",
		ToState:    "RECORDING",
	})
	l.Record(ctx, Event{
		DeviceID:      "front_door",
		StreamType:    "main",
		FromState:     "RECORDING",
		ToState:       "FINALIZING",
		CorrelationID: "abc-123",
		Detail:        "post-window expired",
	})

	events, err := l.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	// Recent orders newest first.
	if events[0].ToState != "FINALIZING" || events[0].CorrelationID != "abc-123" {
		t.Fatalf("unexpected newest event: %+v", events[0])
	}
	if events[1].ToState != "RECORDING" {
		t.Fatalf("unexpected oldest event: %+v", events[1])
	}
}

func TestRecentRespectsLimit(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		l.Record(ctx, Event{DeviceID: "cam", StreamType: "main", FromState: "IDLE", ToState: "RECORDING"})
	}

	events, err := l.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
}

func TestRecordDefaultsAtToNow(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	before := time.Now().Add(-time.Second)
	l.Record(ctx, Event{DeviceID: "cam", StreamType: "main", FromState: "IDLE", ToState: "RECORDING"})
	after := time.Now().Add(time.Second)

	events, err := l.Recent(ctx, 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].At.Before(before) || events[0].At.After(after) {
		t.Fatalf("expected At near now, got %v", events[0].At)
	}
}

func TestRecordPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")

	l1, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l1.Record(context.Background(), Event{DeviceID: "cam", StreamType: "main", FromState: "IDLE", ToState: "RECORDING"})
	if err := l1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = l2.Close() }()

	events, err := l2.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 persisted event, got %d", len(events))
	}
}
