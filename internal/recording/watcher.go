package recording

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	watcherTick = 500 * time.Millisecond
	settleDelay = 300 * time.Millisecond
)

// runWatcher is the segment watcher (spec.md §4.2): a cooperative loop
// at roughly 2 Hz that discovers new segments, prunes the buffer while
// IDLE, and drives the RECORDING -> FINALIZING time-based transition.
// It is the only component that advances time-based transitions.
//
// An fsnotify watch on the RAM directory is used to shorten the
// latency before a newly-appeared segment is noticed, but the ticker
// below still runs unconditionally: the post-window expiry check is
// time-based and must fire even if no new segment ever appears.
func (r *Recorder) runWatcher(ctx context.Context) {
	known := make(map[string]struct{})

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if werr := watcher.Add(r.ramDir); werr != nil {
			r.logger.Debug("fsnotify watch failed, falling back to poll-only", "error", werr)
		}
		defer func() { _ = watcher.Close() }()
	} else {
		r.logger.Debug("fsnotify unavailable, falling back to poll-only", "error", err)
	}

	ticker := time.NewTicker(watcherTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(&known)
		case ev := <-fsnotifyEvents(watcher):
			// A newly created segment file prompts an immediate tick
			// instead of waiting for the ticker; every other event is
			// drained and ignored.
			if ev.Has(fsnotify.Create) && segmentFilePattern.MatchString(filepath.Base(ev.Name)) {
				r.tick(&known)
			}
		}
	}
}

// fsnotifyEvents returns w.Events, or nil if w is nil (fsnotify
// unavailable) -- a nil channel blocks forever in a select, which is
// exactly the desired no-op.
func fsnotifyEvents(w *fsnotify.Watcher) chan fsnotify.Event {
	if w == nil {
		return nil
	}
	return w.Events
}

func (r *Recorder) tick(known *map[string]struct{}) {
	names, err := listSegments(r.ramDir)
	if err != nil {
		r.logger.Warn("watcher: list segments failed", "error", err)
	} else {
		current := make(map[string]struct{}, len(names))
		var fresh []string
		for _, n := range names {
			current[n] = struct{}{}
			if _, ok := (*known)[n]; !ok {
				fresh = append(fresh, n)
			}
		}

		if len(fresh) > 0 {
			// Let the writer finish flushing before probing durations;
			// a partially-written segment yields a wrong duration.
			time.Sleep(settleDelay)
			for _, n := range fresh {
				r.logger.Debug("new segment", "segment", n)
			}
		}
		*known = current

		if st, _ := r.getState(); st == StateIdle {
			prune(r.ramDir, r.preRollSeconds, r.tc, r.segmentDuration.Seconds(), r.logger)
		}
	}

	r.checkExpiry()
}
