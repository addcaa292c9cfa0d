package match

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNoMatch is returned when no candidate can be attributed to the run.
var ErrNoMatch = errors.New("no matching candidate")

// DefaultWindow bounds how far apart a run and a tracker record may have
// been created and still be considered the same run.
const DefaultWindow = 30 * time.Minute

// Candidate is an external tracker record considered for adoption by a
// locally registered run.
type Candidate struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Matcher resolves a locally registered run that never reported its
// tracker identity to one of the candidate records on the tracker.
type Matcher interface {
	Match(
		runID string, createdAt time.Time, candidates []Candidate,
	) (*Candidate, error)
}

// Compile-time interface check.
var _ Matcher = (*PrefixTimeMatcher)(nil)

// PrefixTimeMatcher attributes a candidate to a run when the candidate's
// display name contains the run's launch-config prefix and both were
// created within Window of each other. Among several plausible
// candidates the closest creation time wins.
type PrefixTimeMatcher struct {
	Window time.Duration
}

// NewPrefixTimeMatcher creates a matcher with the given time window.
// Non-positive windows fall back to DefaultWindow.
func NewPrefixTimeMatcher(window time.Duration) *PrefixTimeMatcher {
	if window <= 0 {
		window = DefaultWindow
	}

	return &PrefixTimeMatcher{Window: window}
}

// ConfigPrefix strips the trailing launch-attempt segment from a run id:
// "expA_v2_1736500000" yields "expA_v2". The second return is false when
// the id carries no separator and no prefix can be derived.
func ConfigPrefix(runID string) (string, bool) {
	idx := strings.LastIndex(runID, "_")
	if idx <= 0 {
		return "", false
	}

	return runID[:idx], true
}

// Match implements Matcher.
func (m *PrefixTimeMatcher) Match(
	runID string, createdAt time.Time, candidates []Candidate,
) (*Candidate, error) {
	prefix, ok := ConfigPrefix(runID)
	if !ok {
		return nil, fmt.Errorf(
			"run id %q has no config prefix: %w", runID, ErrNoMatch)
	}

	window := m.Window
	if window <= 0 {
		window = DefaultWindow
	}

	normPrefix := normalize(prefix)

	var (
		best     *Candidate
		bestDiff time.Duration
	)

	for i := range candidates {
		c := &candidates[i]

		if !strings.Contains(normalize(c.Name), normPrefix) {
			continue
		}

		diff := c.CreatedAt.Sub(createdAt)
		if diff < 0 {
			diff = -diff
		}

		// Strictly inside the window.
		if diff >= window {
			continue
		}

		if best == nil || diff < bestDiff {
			best = c
			bestDiff = diff
		}
	}

	if best == nil {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNoMatch)
	}

	return best, nil
}

// normalize folds the separator difference between local run ids
// (underscore-joined) and tracker display names (dash-joined).
func normalize(s string) string {
	return strings.ReplaceAll(s, "-", "_")
}
