package artifacts

import "context"

// CrashKeys holds the storage keys written for one crash report. A nil
// key means that artifact was not supplied.
type CrashKeys struct {
	ErrorLog *string
	Report   *string
	Analysis *string
}

// Store persists run artifacts (crash reports, agent conversations) in
// remote object storage. The store only moves bytes; the run store
// keeps the resulting keys.
type Store interface {
	// Preflight verifies that the remote storage is reachable and writable.
	// Writes a small test object to the bucket to fail fast on misconfiguration.
	Preflight(ctx context.Context) error

	// PutCrashReport uploads the crash artifacts for a run. Nil inputs
	// are skipped; the returned keys mirror what was written.
	PutCrashReport(
		ctx context.Context, runID string,
		errorLog, report, analysis []byte,
	) (*CrashKeys, error)

	// PutConversation uploads a run's agent conversation transcript and
	// returns its key.
	PutConversation(
		ctx context.Context, runID string, data []byte,
	) (string, error)

	// GetObject reads one stored artifact. Returns (nil, nil) when the
	// key does not exist.
	GetObject(ctx context.Context, key string) ([]byte, error)
}
