package recording

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/Spatial-NVR/SpatialNVR/internal/config"
)

const (
	minRetryDelay = 5 * time.Second
	maxRetryDelay = 60 * time.Second
)

// Recorder owns one camera stream's segmenter process, RAM ring
// buffer, detection state machine, and finalization pipeline. All
// fields above mu are immutable after construction; {state,
// lastDetectionTime} are the only mutable fields shared across the
// recorder's concurrent activities, and are always accessed under mu.
type Recorder struct {
	DeviceID   string
	StreamType string

	ramDir  string
	outTS   string
	outM3U8 string
	outMP4  string

	rtspURL   string
	extraArgs []string

	segmentDuration time.Duration
	preRollSeconds  float64
	postRoll        time.Duration

	tc Toolchain

	mu                sync.Mutex
	state             State
	lastDetectionTime time.Time

	finalize chan struct{}

	onTransition func(from, to State, correlationID string)
	onFinalized  func(outcome FinalizeOutcome)

	logger *slog.Logger
}

// NewRecorder constructs a Recorder for one (device_id, stream_type)
// pair. It does not start any goroutines.
func NewRecorder(deviceID, streamType string, stream config.StreamConfig, cfg *config.Config, logger *slog.Logger) *Recorder {
	ramDir := filepath.Join(cfg.RAMBase, deviceID, streamType)
	outBase := cfg.OutputBase

	return &Recorder{
		DeviceID:        deviceID,
		StreamType:      streamType,
		ramDir:          ramDir,
		outTS:           filepath.Join(outBase, "m3u8", "ts", deviceID, streamType),
		outM3U8:         filepath.Join(outBase, "m3u8"),
		outMP4:          outBase,
		rtspURL:         stream.URL,
		extraArgs:       stream.FFmpegExtraArgs,
		segmentDuration: cfg.SegmentDurationSeconds(),
		preRollSeconds:  cfg.PreRoll().Seconds(),
		postRoll:        cfg.PostRoll(),
		tc:              Toolchain{FFmpegPath: cfg.FFmpegPath, FFprobePath: cfg.FFprobePath},
		state:           StateIdle,
		finalize:        make(chan struct{}, 1),
		logger:          logger.With("component", "recorder", "device_id", deviceID, "stream_type", streamType),
	}
}

// OnTransition registers a callback invoked (outside the state lock)
// after every state transition.
func (r *Recorder) OnTransition(f func(from, to State, correlationID string)) {
	r.onTransition = f
}

// OnFinalized registers a callback invoked after each finalization
// attempt, successful or not.
func (r *Recorder) OnFinalized(f func(outcome FinalizeOutcome)) {
	r.onFinalized = f
}

// Status returns a snapshot of the recorder's observable state.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{
		DeviceID:   r.DeviceID,
		StreamType: r.StreamType,
		State:      r.state,
	}
	if !r.lastDetectionTime.IsZero() {
		t := r.lastDetectionTime
		st.LastDetectionTime = &t
	}
	names, _ := listSegments(r.ramDir)
	st.SegmentCount = len(names)
	return st
}

// TriggerDetection implements the state machine's detection-arrival
// transitions (spec.md §4.1). It completes in O(1) under the lock and
// returns, so it is safe to call directly from a bus callback.
func (r *Recorder) TriggerDetection() {
	now := time.Now()

	r.mu.Lock()
	from := r.state
	r.lastDetectionTime = now
	switch r.state {
	case StateIdle:
		r.state = StateRecording
	case StateRecording:
		// extends the post-window; state unchanged
	case StateFinalizing:
		r.state = StateRecording
	}
	to := r.state
	r.mu.Unlock()

	if from != to {
		r.logger.Info("state transition", "from", from, "to", to, "reason", "detection")
		if r.onTransition != nil {
			r.onTransition(from, to, "")
		}
	} else {
		r.logger.Debug("post-window extended", "last_detection_time", now)
	}
}

// checkExpiry implements the RECORDING -> FINALIZING time-based
// transition (spec.md §4.1 row 3). It is the only transition driven by
// the passage of time rather than a detection arriving, and is called
// exclusively from the segment watcher's tick.
func (r *Recorder) checkExpiry() bool {
	r.mu.Lock()
	fired := false
	if r.state == StateRecording && !r.lastDetectionTime.IsZero() &&
		time.Since(r.lastDetectionTime) >= r.postRoll {
		r.state = StateFinalizing
		fired = true
	}
	r.mu.Unlock()

	if fired {
		r.logger.Info("state transition", "from", StateRecording, "to", StateFinalizing, "reason", "post-window expired")
		if r.onTransition != nil {
			r.onTransition(StateRecording, StateFinalizing, "")
		}
		select {
		case r.finalize <- struct{}{}:
		default:
		}
	}
	return fired
}

// getState returns the current state and last detection time under
// lock.
func (r *Recorder) getState() (State, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.lastDetectionTime
}

// endFinalizing transitions FINALIZING -> IDLE, resuming pruning.
func (r *Recorder) endFinalizing() {
	r.mu.Lock()
	r.state = StateIdle
	r.mu.Unlock()

	r.logger.Info("state transition", "from", StateFinalizing, "to", StateIdle)
	if r.onTransition != nil {
		r.onTransition(StateFinalizing, StateIdle, "")
	}
}

// EnsureDirs creates the recorder's RAM directory and its output
// directories (transport-stream copies, HLS/JPEG, MP4). Per spec.md
// §7, inability to create either is a fatal startup error; callers
// are expected to abort the process rather than start a recorder with
// a partially-initialized filesystem layout.
func (r *Recorder) EnsureDirs() error {
	for _, dir := range []string{r.ramDir, r.outTS, r.outM3U8, r.outMP4} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Run starts the recorder's segmenter supervisor, segment watcher, and
// finalizer, and blocks until ctx is cancelled. Each of the three
// activities runs in its own goroutine. Callers must call EnsureDirs
// successfully before Run.
func (r *Recorder) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		r.runSegmenter(ctx)
	}()
	go func() {
		defer wg.Done()
		r.runWatcher(ctx)
	}()
	go func() {
		defer wg.Done()
		r.runFinalizer(ctx)
	}()

	wg.Wait()
}

// buildSegmenterArgs constructs the external segmenter's arguments per
// the command-line contract in spec.md §6.
func (r *Recorder) buildSegmenterArgs() []string {
	args := []string{"-loglevel", "warning", "-rtsp_transport", "tcp"}
	args = append(args, r.extraArgs...)
	args = append(args,
		"-i", r.rtspURL,
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", "128k",
		"-f", "segment",
		"-segment_time", strconv.Itoa(int(r.segmentDuration.Seconds())),
		"-strftime", "1",
		"-reset_timestamps", "1",
		"-segment_format", "mpegts",
		filepath.Join(r.ramDir, "buffer_%Y%m%d_%H%M%S.ts"),
	)
	return args
}

// runSegmenter supervises the external segmenter process, restarting
// it with exponential backoff every time it exits. Once ctx is
// cancelled the loop stops retrying and returns. The retry delay is
// never reset by a successful run, per spec.md §4.5.
func (r *Recorder) runSegmenter(ctx context.Context) {
	retryDelay := minRetryDelay

	for ctx.Err() == nil {
		r.logger.Info("starting segmenter")

		cmd := exec.CommandContext(ctx, r.tc.FFmpegPath, r.buildSegmenterArgs()...)
		stderr, err := cmd.StderrPipe()
		if err != nil {
			r.logger.Error("failed to open segmenter stderr", "error", err)
			return
		}

		if err := cmd.Start(); err != nil {
			r.logger.Error("failed to start segmenter", "error", err)
		} else {
			drainDone := make(chan struct{})
			go func() {
				defer close(drainDone)
				scanner := bufio.NewScanner(stderr)
				for scanner.Scan() {
					r.logger.Debug("segmenter output", "line", scanner.Text())
				}
			}()

			err = cmd.Wait()
			<-drainDone

			if ctx.Err() != nil {
				return
			}
			if err != nil {
				r.logger.Warn("segmenter exited with error", "error", err)
			} else {
				r.logger.Warn("segmenter exited")
			}
		}

		if ctx.Err() != nil {
			return
		}

		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return
		}

		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// FinalizeOutcome describes the result of one finalization attempt,
// for the audit log and status API.
type FinalizeOutcome struct {
	DeviceID      string
	StreamType    string
	CorrelationID string
	DetectionTime time.Time
	Aborted       bool
	SegmentCount  int
	// Err is set when finalization failed outright, or when it
	// completed but one or more best-effort steps failed.
	Err error
}
