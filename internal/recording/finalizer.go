package recording

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const finalizerWakePeriod = 2 * time.Second

// runFinalizer is the finalization pipeline (spec.md §4.4). It blocks
// on a signal from the state machine with a bounded wake period so it
// can observe shutdown, and re-checks state at two checkpoints so a
// detection arriving mid-finalization aborts the in-flight cycle
// cleanly.
func (r *Recorder) runFinalizer(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(finalizerWakePeriod):
			continue
		case <-r.finalize:
		}

		if ctx.Err() != nil {
			return
		}

		st, _ := r.getState()
		if st != StateFinalizing {
			r.reportFinalized(FinalizeOutcome{
				DeviceID:   r.DeviceID,
				StreamType: r.StreamType,
				Aborted:    true,
			})
			continue
		}

		select {
		case <-time.After(r.segmentDuration + 500*time.Millisecond):
		case <-ctx.Done():
			return
		}

		st, lastDet := r.getState()
		if st != StateFinalizing {
			r.reportFinalized(FinalizeOutcome{
				DeviceID:   r.DeviceID,
				StreamType: r.StreamType,
				Aborted:    true,
			})
			continue
		}

		correlationID := uuid.NewString()
		outcome := r.finalize1(correlationID, lastDet)
		r.reportFinalized(outcome)
		r.endFinalizing()
	}
}

func (r *Recorder) reportFinalized(outcome FinalizeOutcome) {
	if r.onFinalized != nil {
		r.onFinalized(outcome)
	}
}

// finalize1 assembles one artifact set: copies segments out of the RAM
// directory, writes the HLS playlist and its sidecar, extracts a
// thumbnail, concatenates the MP4 and its sidecar, then purges the RAM
// segments. Steps 8-13 of spec.md §4.4 are each best-effort: a
// thumbnail or MP4 failure is logged but does not abort the rest of
// the pipeline; such step failures are reported together in the
// returned outcome's Err.
func (r *Recorder) finalize1(correlationID string, detectionTime time.Time) FinalizeOutcome {
	log := r.logger.With("correlation_id", correlationID)

	names, err := listSegments(r.ramDir)
	if err != nil {
		log.Error("finalize: list segments failed", "error", err)
		return FinalizeOutcome{DeviceID: r.DeviceID, StreamType: r.StreamType, CorrelationID: correlationID, DetectionTime: detectionTime, Err: err}
	}
	if len(names) == 0 {
		log.Warn("finalize: no segments present, nothing to finalize")
		return FinalizeOutcome{DeviceID: r.DeviceID, StreamType: r.StreamType, CorrelationID: correlationID, DetectionTime: detectionTime, Aborted: true}
	}

	log.Info("finalizing", "segment_count", len(names))

	for _, dir := range []string{r.outTS, r.outM3U8, r.outMP4} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Error("finalize: failed to create output directory", "dir", dir, "error", err)
			return FinalizeOutcome{DeviceID: r.DeviceID, StreamType: r.StreamType, CorrelationID: correlationID, DetectionTime: detectionTime, Err: err}
		}
	}

	prefix := ArtifactPrefix(r.DeviceID, r.StreamType, detectionTime)
	detectionStamp := detectionFilenameStamp(detectionTime)

	// Step 6: copy segments out of RAM.
	copied := make([]string, 0, len(names))
	for _, name := range names {
		src := filepath.Join(r.ramDir, name)
		dst := filepath.Join(r.outTS, name)
		if err := copyFile(src, dst); err != nil {
			log.Error("finalize: copy segment failed, skipping", "segment", name, "error", err)
			continue
		}
		copied = append(copied, dst)
	}

	if len(copied) == 0 {
		log.Error("finalize: every segment copy failed, aborting")
		return FinalizeOutcome{DeviceID: r.DeviceID, StreamType: r.StreamType, CorrelationID: correlationID, DetectionTime: detectionTime, Aborted: true}
	}

	// Step 7: probe durations.
	durations := make([]float64, len(copied))
	for i, seg := range copied {
		d, err := r.tc.ProbeDuration(seg)
		if err != nil {
			log.Warn("finalize: probe failed, using nominal duration", "segment", seg, "error", err)
			d = r.segmentDuration.Seconds()
		}
		durations[i] = d
	}

	// Step 8-9: playlist + sidecar.
	var stepErrs []error
	m3u8Path := filepath.Join(r.outM3U8, fmt.Sprintf("detection_%s.m3u8", prefix))
	if err := writePlaylist(m3u8Path, r.DeviceID, r.StreamType, copied, durations); err != nil {
		log.Error("finalize: write playlist failed", "error", err)
		stepErrs = append(stepErrs, err)
	} else if err := writeMeta(m3u8Path+".meta", r.DeviceID, r.StreamType, detectionStamp); err != nil {
		log.Error("finalize: write playlist sidecar failed", "error", err)
		stepErrs = append(stepErrs, err)
	}

	// Step 10: thumbnail at the temporal midpoint.
	thumbPath := m3u8Path + ".jpg"
	if seg, offset, ok := midpoint(copied, durations); ok {
		if err := r.tc.GenerateThumbnail(seg, offset, thumbPath); err != nil {
			log.Error("finalize: thumbnail generation failed", "error", err)
			stepErrs = append(stepErrs, err)
		}
	}

	// Step 11-12: MP4 + sidecar.
	mp4Path := filepath.Join(r.outMP4, fmt.Sprintf("detection_%s.mp4", prefix))
	if err := r.tc.ConcatSegments(copied, mp4Path); err != nil {
		log.Error("finalize: mp4 concatenation failed", "error", err)
		stepErrs = append(stepErrs, err)
	} else if err := writeMeta(mp4Path+".meta", r.DeviceID, r.StreamType, detectionStamp); err != nil {
		log.Error("finalize: write mp4 sidecar failed", "error", err)
		stepErrs = append(stepErrs, err)
	}

	// Step 13: purge RAM segments (idempotent).
	for _, name := range names {
		if err := os.Remove(filepath.Join(r.ramDir, name)); err != nil && !os.IsNotExist(err) {
			log.Warn("finalize: failed to remove RAM segment", "segment", name, "error", err)
		}
	}

	log.Info("finalized", "playlist", m3u8Path, "mp4", mp4Path)

	return FinalizeOutcome{
		DeviceID:      r.DeviceID,
		StreamType:    r.StreamType,
		CorrelationID: correlationID,
		DetectionTime: detectionTime,
		SegmentCount:  len(copied),
		Err:           errors.Join(stepErrs...),
	}
}

// midpoint locates the segment and in-segment offset at the temporal
// midpoint of the concatenated timeline (spec.md §4.4 step 10):
// accumulate durations until the cursor crosses total/2.
func midpoint(segments []string, durations []float64) (segment string, offset float64, ok bool) {
	if len(segments) == 0 {
		return "", 0, false
	}

	total := 0.0
	for _, d := range durations {
		total += d
	}
	target := total / 2

	acc := 0.0
	for i, d := range durations {
		if acc+d >= target {
			return segments[i], target - acc, true
		}
		acc += d
	}
	last := len(segments) - 1
	return segments[last], 0, true
}

// writePlaylist writes a VOD HLS playlist for segments, with an
// EXT-X-DISCONTINUITY before every entry except the first (the
// segmenter resets timestamps at every segment boundary, so every
// consecutive pair has independent timestamp origins).
func writePlaylist(path, deviceID, streamType string, segments []string, durations []float64) error {
	maxDur := 0.0
	for _, d := range durations {
		if d > maxDur {
			maxDur = d
		}
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(maxDur)+1)
	b.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")

	for i, seg := range segments {
		if i > 0 {
			b.WriteString("#EXT-X-DISCONTINUITY\n")
		}
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", durations[i])
		fmt.Fprintf(&b, "ts/%s/%s/%s\n", deviceID, streamType, filepath.Base(seg))
	}
	b.WriteString("#EXT-X-ENDLIST\n")

	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// sidecarMeta is the JSON shape written alongside both the playlist
// and the MP4; both sidecars carry identical content.
type sidecarMeta struct {
	DeviceID   string `json:"did"`
	StreamType string `json:"stream_type"`
	DateTime   string `json:"datetime"`
	Timestamp  int64  `json:"timestamp"`
	Date       string `json:"date"`
	Time       string `json:"time"`
}

// writeMeta parses the detection timestamp string (%Y%m%d_%H%M%S) as
// UTC and writes the sidecar JSON.
func writeMeta(path, deviceID, streamType, detectionStamp string) error {
	t, err := time.Parse(segmentTimeLayout, detectionStamp)
	if err != nil {
		return fmt.Errorf("parse detection timestamp %q: %w", detectionStamp, err)
	}
	t = t.UTC()

	meta := sidecarMeta{
		DeviceID:   deviceID,
		StreamType: streamType,
		DateTime:   t.Format(time.RFC3339),
		Timestamp:  t.Unix(),
		Date:       t.Format("2006-01-02"),
		Time:       t.Format("15:04:05"),
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
