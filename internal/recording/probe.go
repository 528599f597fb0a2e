package recording

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Toolchain bundles the paths to the external media tool used for
// probing, thumbnailing, and concatenation, and the segmenter. It is
// a black box beyond the command-line contract spec.md §6 defines.
type Toolchain struct {
	FFmpegPath  string
	FFprobePath string
}

const (
	probeTimeout     = 10 * time.Second
	thumbnailTimeout = 30 * time.Second
	concatTimeout    = 120 * time.Second
)

// ProbeDuration runs ffprobe against a segment and returns its exact
// duration in seconds. Callers fall back to the nominal segment
// duration on error, per spec.md §7.
func (tc Toolchain) ProbeDuration(path string) (float64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, tc.FFprobePath,
		"-v", "quiet",
		"-show_entries", "format=duration",
		"-of", "csv=p=0",
		path,
	)

	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w", path, err)
	}

	dur, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse probe output for %s: %w", path, err)
	}

	return dur, nil
}

// GenerateThumbnail extracts a single JPEG frame from segmentPath at
// offsetSeconds into outPath.
func (tc Toolchain) GenerateThumbnail(segmentPath string, offsetSeconds float64, outPath string) error {
	ctx, cancel := context.WithTimeout(context.Background(), thumbnailTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, tc.FFmpegPath,
		"-y",
		"-loglevel", "warning",
		"-ss", fmt.Sprintf("%.3f", offsetSeconds),
		"-i", segmentPath,
		"-frames:v", "1",
		"-q:v", "2",
		outPath,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg thumbnail: %w: %s", err, stderr.String())
	}
	return nil
}

// ConcatSegments stream-copies segments into a single faststart MP4 at
// outPath, using a temporary concat list file.
func (tc Toolchain) ConcatSegments(segments []string, outPath string) error {
	if len(segments) == 0 {
		return fmt.Errorf("no segments to concatenate")
	}

	list, err := os.CreateTemp("", "nvr_concat_*.txt")
	if err != nil {
		return fmt.Errorf("create concat list: %w", err)
	}
	defer func() { _ = os.Remove(list.Name()) }()

	for _, seg := range segments {
		abs, err := filepath.Abs(seg)
		if err != nil {
			abs = seg
		}
		if _, err := fmt.Fprintf(list, "file '%s'\n", abs); err != nil {
			_ = list.Close()
			return fmt.Errorf("write concat list: %w", err)
		}
	}
	if err := list.Close(); err != nil {
		return fmt.Errorf("close concat list: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), concatTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, tc.FFmpegPath,
		"-y",
		"-loglevel", "warning",
		"-f", "concat",
		"-safe", "0",
		"-i", list.Name(),
		"-c", "copy",
		"-movflags", "+faststart",
		outPath,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg concat: %w: %s", err, stderr.String())
	}
	return nil
}
