package recording

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTickPrunesWhileIdle(t *testing.T) {
	r := newTestRecorder(t)
	r.tc.FFprobePath = filepath.Join(r.ramDir, "no-such-ffprobe")
	r.preRollSeconds = 2
	r.segmentDuration = time.Second

	for i := 0; i < 5; i++ {
		writeSegment(t, r.ramDir, segmentName(t, 153040+i))
	}

	known := make(map[string]struct{})
	r.tick(&known)

	names, err := listSegments(r.ramDir)
	if err != nil {
		t.Fatalf("listSegments: %v", err)
	}
	if len(names) == 0 {
		t.Fatal("expected at least one segment to remain after pruning")
	}
	if len(names) >= 5 {
		t.Fatalf("expected pruning to have removed some segments, still have %d", len(names))
	}
}

func TestTickDoesNotPruneWhileRecording(t *testing.T) {
	r := newTestRecorder(t)
	r.tc.FFprobePath = filepath.Join(r.ramDir, "no-such-ffprobe")
	r.preRollSeconds = 1
	r.segmentDuration = time.Second
	r.mu.Lock()
	r.state = StateRecording
	r.lastDetectionTime = time.Now()
	r.mu.Unlock()

	for i := 0; i < 5; i++ {
		writeSegment(t, r.ramDir, segmentName(t, 153040+i))
	}

	known := make(map[string]struct{})
	r.tick(&known)

	names, err := listSegments(r.ramDir)
	if err != nil {
		t.Fatalf("listSegments: %v", err)
	}
	if len(names) != 5 {
		t.Fatalf("expected no pruning while RECORDING, got %d segments", len(names))
	}
}

func TestTickDrivesExpiry(t *testing.T) {
	r := newTestRecorder(t)
	r.postRoll = time.Millisecond
	r.mu.Lock()
	r.state = StateRecording
	r.lastDetectionTime = time.Now().Add(-time.Second)
	r.mu.Unlock()

	known := make(map[string]struct{})
	r.tick(&known)

	st, _ := r.getState()
	if st != StateFinalizing {
		t.Fatalf("expected tick to drive RECORDING -> FINALIZING, got %s", st)
	}
}

func TestFsnotifyEventsNilWatcherBlocksForever(t *testing.T) {
	ch := fsnotifyEvents(nil)
	select {
	case <-ch:
		t.Fatal("expected nil channel to never receive")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestTickKnownSetUpdatesOnNewSegment(t *testing.T) {
	r := newTestRecorder(t)
	r.tc.FFprobePath = filepath.Join(r.ramDir, "no-such-ffprobe")

	known := make(map[string]struct{})
	writeSegment(t, r.ramDir, segmentName(t, 153040))
	r.tick(&known)

	if _, ok := known[segmentName(t, 153040)]; !ok {
		t.Fatal("expected known set to include the new segment after tick")
	}

	// A second tick with no new segments should be a no-op on known.
	r.tick(&known)
	if len(known) != 1 {
		t.Fatalf("expected known set to remain stable, got %v", known)
	}
}

func TestWatcherToleratesMissingRAMDir(t *testing.T) {
	// runWatcher itself does not create the RAM directory -- EnsureDirs
	// does -- so listSegments against a not-yet-created dir must behave,
	// not panic.
	dir := filepath.Join(t.TempDir(), "not-yet-created")
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected dir to not exist yet")
	}
	if _, err := listSegments(dir); err != nil {
		t.Fatalf("expected no error against missing dir, got %v", err)
	}
}
