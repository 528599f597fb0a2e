package recording

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeSegment(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("ts-data"), 0o644); err != nil {
		t.Fatalf("write segment %s: %v", name, err)
	}
}

func TestListSegmentsSortedAndFiltered(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, "buffer_20250614_153048.ts")
	writeSegment(t, dir, "buffer_20250614_153042.ts")
	writeSegment(t, dir, "buffer_20250614_153045.ts")
	writeSegment(t, dir, "not_a_segment.txt")
	if err := os.Mkdir(filepath.Join(dir, "buffer_20250614_153050.ts"), 0o755); err == nil {
		t.Cleanup(func() { _ = os.RemoveAll(filepath.Join(dir, "buffer_20250614_153050.ts")) })
	}

	names, err := listSegments(dir)
	if err != nil {
		t.Fatalf("listSegments: %v", err)
	}
	want := []string{
		"buffer_20250614_153042.ts",
		"buffer_20250614_153045.ts",
		"buffer_20250614_153048.ts",
	}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("got %v, want %v", names, want)
		}
	}
}

func TestListSegmentsMissingDirReturnsEmpty(t *testing.T) {
	names, err := listSegments(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("expected no error for missing dir, got %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("expected no segments, got %v", names)
	}
}

func TestPruneKeepsAtLeastOneSegment(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		writeSegment(t, dir, segmentName(t, 153040+i))
	}

	tc := Toolchain{FFprobePath: "unused"}
	// Each call to prune uses ProbeDuration via exec; instead exercise
	// the pure pruning arithmetic by stubbing duration through a
	// nominal fallback: point FFprobePath at a binary that fails, so
	// prune falls back to nominalDuration for every segment.
	tc.FFprobePath = filepath.Join(dir, "no-such-ffprobe")

	prune(dir, 2, tc, 1.0, testLogger())

	names, err := listSegments(dir)
	if err != nil {
		t.Fatalf("listSegments: %v", err)
	}
	if len(names) == 0 {
		t.Fatal("expected at least one segment to remain")
	}
	if len(names) != 2 {
		t.Fatalf("expected pruning down to preRoll (2 segments at 1s nominal each), got %d: %v", len(names), names)
	}
}

func TestPruneNoopWhenUnderHorizon(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, segmentName(t, 153040))
	writeSegment(t, dir, segmentName(t, 153041))

	tc := Toolchain{FFprobePath: filepath.Join(dir, "no-such-ffprobe")}
	prune(dir, 60, tc, 1.0, testLogger())

	names, err := listSegments(dir)
	if err != nil {
		t.Fatalf("listSegments: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expected no pruning, got %d segments", len(names))
	}
}

func segmentName(t *testing.T, hhmmss int) string {
	t.Helper()
	return fmt.Sprintf("buffer_20250614_%06d.ts", hhmmss)
}
