package recording

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// listSegments returns the names of every segment file in dir,
// lexicographically sorted (equivalently, chronologically: segment
// names embed their creation instant).
func listSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if segmentFilePattern.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// prune removes oldest segments from dir until either the remaining
// total duration is within preRoll or only one segment remains,
// whichever comes first. At least one segment is always kept, even if
// it alone exceeds preRoll.
func prune(dir string, preRollSeconds float64, tc Toolchain, nominalDuration float64, logger *slog.Logger) {
	names, err := listSegments(dir)
	if err != nil {
		logger.Warn("prune: list segments failed", "dir", dir, "error", err)
		return
	}
	if len(names) == 0 {
		return
	}

	durations := make([]float64, len(names))
	total := 0.0
	for i, name := range names {
		d, err := tc.ProbeDuration(filepath.Join(dir, name))
		if err != nil {
			logger.Warn("prune: probe failed, using nominal duration", "segment", name, "error", err)
			d = nominalDuration
		}
		durations[i] = d
		total += d
	}

	idx := 0
	for total > preRollSeconds && len(names)-idx > 1 {
		oldest := filepath.Join(dir, names[idx])
		if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
			logger.Warn("prune: remove failed", "segment", names[idx], "error", err)
		} else {
			logger.Debug("prune: removed segment", "segment", names[idx], "remaining_seconds", total-durations[idx])
		}
		total -= durations[idx]
		idx++
	}
}
