package runstore

import "time"

// Run statuses. A run enters the table as launched and only ever moves
// forward: launched -> running -> not_running. not_running is terminal;
// later updates may enrich fields but never revive the run.
const (
	StatusLaunched   = "launched"
	StatusRunning    = "running"
	StatusNotRunning = "not_running"
)

// CanTransition reports whether a run may move from one status to
// another. Same-status writes are allowed so repeated reconciliation
// passes stay idempotent.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}

	switch from {
	case StatusLaunched:
		return to == StatusRunning || to == StatusNotRunning
	case StatusRunning:
		return to == StatusNotRunning
	default:
		return false
	}
}

// ValidStatus reports whether s is a known run status.
func ValidStatus(s string) bool {
	switch s {
	case StatusLaunched, StatusRunning, StatusNotRunning:
		return true
	}

	return false
}

// Run is a single tracked training run. Nullable columns are pointers so
// a field that was never observed stays NULL instead of collapsing to a
// zero value.
type Run struct {
	RunID string `gorm:"primaryKey"`

	// Identity on the external tracker. ExternalRunID has set-once
	// semantics; OverrideExternalRunID is the only path that replaces
	// an established value.
	ExternalRunID *string `gorm:"index"`
	DisplayName   *string `gorm:"index"`
	TrackerURL    *string

	Status    string    `gorm:"not null;index"`
	CreatedAt time.Time `gorm:"not null"`
	StartedAt *time.Time
	EndedAt   *time.Time

	// Wall-clock runtime reported by the tracker, in seconds.
	DurationSeconds *int64

	// Where the run executes. InfraHostID is only set for cloud hosts.
	Host        *string `gorm:"index"`
	InfraHostID *string
	LaunchToken *string
	ConfigPath  *string

	// Verbatim launch config snapshot plus the scalars promoted to
	// columns for filtering.
	ConfigJSON     string  `gorm:"type:text"`
	GradientMethod *string `gorm:"index"`
	BatchSize      *int
	LearningRate   *float64
	Beta           *float64
	NumProcesses   *int
	NumObjectives  *int
	MaxSteps       *int

	// Reconciled tracker state. HistoryJSON holds step-aligned metric
	// series keyed by metric name. LastExternalState preserves the
	// tracker's own terminal label (finished, failed, crashed, ...).
	FinalMetricsJSON  *string `gorm:"type:text"`
	HistoryJSON       *string `gorm:"type:text"`
	LastExternalState *string

	// Artifact locations.
	ReportURL          *string
	ConversationS3Key  *string
	ErrorLogS3Key      *string
	CrashReportS3Key   *string
	CrashAnalysisS3Key *string
}

// TableName pins the table name used by handwritten join queries.
func (Run) TableName() string { return "runs" }

// RunUpdate carries the optional fields of a status update. Nil fields
// are left untouched, so concurrent writers that observed different
// facts converge instead of clobbering each other.
type RunUpdate struct {
	ExternalRunID      *string
	DisplayName        *string
	TrackerURL         *string
	StartedAt          *time.Time
	EndedAt            *time.Time
	DurationSeconds    *int64
	Host               *string
	InfraHostID        *string
	FinalMetricsJSON   *string
	HistoryJSON        *string
	LastExternalState  *string
	ReportURL          *string
	ConversationS3Key  *string
	ErrorLogS3Key      *string
	CrashReportS3Key   *string
	CrashAnalysisS3Key *string
}

// columns converts the update into the sparse column map handed to the
// UPDATE statement. Only explicitly set fields appear.
func (u *RunUpdate) columns() map[string]any {
	cols := make(map[string]any)

	if u.ExternalRunID != nil {
		cols["external_run_id"] = *u.ExternalRunID
	}

	if u.DisplayName != nil {
		cols["display_name"] = *u.DisplayName
	}

	if u.TrackerURL != nil {
		cols["tracker_url"] = *u.TrackerURL
	}

	if u.StartedAt != nil {
		cols["started_at"] = *u.StartedAt
	}

	if u.EndedAt != nil {
		cols["ended_at"] = *u.EndedAt
	}

	if u.DurationSeconds != nil {
		cols["duration_seconds"] = *u.DurationSeconds
	}

	if u.Host != nil {
		cols["host"] = *u.Host
	}

	if u.InfraHostID != nil {
		cols["infra_host_id"] = *u.InfraHostID
	}

	if u.FinalMetricsJSON != nil {
		cols["final_metrics_json"] = *u.FinalMetricsJSON
	}

	if u.HistoryJSON != nil {
		cols["history_json"] = *u.HistoryJSON
	}

	if u.LastExternalState != nil {
		cols["last_external_state"] = *u.LastExternalState
	}

	if u.ReportURL != nil {
		cols["report_url"] = *u.ReportURL
	}

	if u.ConversationS3Key != nil {
		cols["conversation_s3_key"] = *u.ConversationS3Key
	}

	if u.ErrorLogS3Key != nil {
		cols["error_log_s3_key"] = *u.ErrorLogS3Key
	}

	if u.CrashReportS3Key != nil {
		cols["crash_report_s3_key"] = *u.CrashReportS3Key
	}

	if u.CrashAnalysisS3Key != nil {
		cols["crash_analysis_s3_key"] = *u.CrashAnalysisS3Key
	}

	return cols
}
