// Package recording implements the per-camera recording pipeline: a
// RAM-backed ring buffer of transport-stream segments, the three-state
// detection state machine, and the finalization pipeline that produces
// HLS/MP4/thumbnail/metadata artifacts around a detection burst.
package recording

import (
	"regexp"
	"time"
)

// State is one of the three states a Recorder can be in.
type State string

const (
	// StateIdle discards old segments to keep the ring buffer within
	// the pre-roll horizon.
	StateIdle State = "IDLE"
	// StateRecording preserves every segment; pruning is suspended.
	StateRecording State = "RECORDING"
	// StateFinalizing is assembling artifacts from the accumulated
	// segments.
	StateFinalizing State = "FINALIZING"
)

// segmentFilePattern matches the segmenter's naming convention:
// buffer_YYYYMMDD_HHMMSS.ts. Lexicographic order on this name equals
// chronological order.
var segmentFilePattern = regexp.MustCompile(`^buffer_\d{8}_\d{6}\.ts$`)

const segmentTimeLayout = "20060102_150405"

// segmentTime parses the creation instant embedded in a segment's
// filename, interpreted as UTC (segmenter timestamps are wall-clock,
// but the filename itself carries no timezone, so UTC is the fixed
// convention used throughout the pipeline).
func segmentTime(name string) (time.Time, bool) {
	if !segmentFilePattern.MatchString(name) {
		return time.Time{}, false
	}
	stamp := name[len("buffer_") : len(name)-len(".ts")]
	t, err := time.Parse(segmentTimeLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// detectionFilenameStamp formats a detection instant the way it's
// embedded in produced artifact filenames and parsed back out of
// sidecar metadata: UTC, %Y%m%d_%H%M%S.
func detectionFilenameStamp(t time.Time) string {
	return t.UTC().Format(segmentTimeLayout)
}

// ArtifactPrefix is the `{device_id}_{stream_type}_{detection_timestamp}`
// prefix shared by every file produced for one finalization.
func ArtifactPrefix(deviceID, streamType string, detectionTime time.Time) string {
	return deviceID + "_" + streamType + "_" + detectionFilenameStamp(detectionTime)
}

// Status is a snapshot of one Recorder's observable state, safe to
// serialize for the status API.
type Status struct {
	DeviceID          string     `json:"device_id"`
	StreamType        string     `json:"stream_type"`
	State             State      `json:"state"`
	LastDetectionTime *time.Time `json:"last_detection_time,omitempty"`
	SegmentCount      int        `json:"segment_count"`
}
