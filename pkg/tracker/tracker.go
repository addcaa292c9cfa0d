package tracker

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the tracker has no record for the
// requested run.
var ErrNotFound = errors.New("tracker run not found")

// Run states reported by the external tracker. Only running means the
// process is alive; every other state is terminal.
const (
	StateRunning   = "running"
	StateFinished  = "finished"
	StateFailed    = "failed"
	StateCrashed   = "crashed"
	StateKilled    = "killed"
	StatePreempted = "preempted"
)

// ReservedRuntimeKey is the summary key the tracker uses for the run's
// wall-clock runtime in seconds.
const ReservedRuntimeKey = "_runtime"

// Record is one run as the external tracker sees it.
type Record struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	URL       string         `json:"url"`
	State     string         `json:"state"`
	CreatedAt time.Time      `json:"created_at"`
	Summary   map[string]any `json:"summary"`
}

// Step is one logged history row keyed by metric name. Keys starting
// with an underscore are reserved by the tracker.
type Step map[string]any

// Client reads run state and metric history from the external
// experiment tracker.
type Client interface {
	// GetRun fetches one run by its tracker id. Returns ErrNotFound
	// when the tracker has no such run.
	GetRun(ctx context.Context, externalID string) (*Record, error)

	// SearchRunsByName returns every run whose display name equals the
	// given name, newest first.
	SearchRunsByName(ctx context.Context, name string) ([]Record, error)

	// ListRuns returns the project's runs, newest first. Used as the
	// candidate pool for identity matching.
	ListRuns(ctx context.Context) ([]Record, error)

	// GetHistory fetches the full logged metric history of a run.
	GetHistory(ctx context.Context, externalID string) ([]Step, error)
}
