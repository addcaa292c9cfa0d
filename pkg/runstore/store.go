package runstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/mangoml/trackoor/pkg/config"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Sentinel errors returned by Store operations. Callers branch on these
// with errors.Is.
var (
	ErrRunNotFound        = errors.New("run not found")
	ErrDuplicateRun       = errors.New("run already exists")
	ErrObjectiveNotFound  = errors.New("objective not found")
	ErrDuplicateObjective = errors.New("objective already exists for run")
	ErrInvalidTransition  = errors.New("invalid status transition")
)

// defaultListLimit bounds list queries when the caller does not set an
// explicit limit.
const defaultListLimit = 100

// Sort orders accepted by run listing and query operations. Callers pass
// one of these names and the store maps them to SQL, so caller-supplied
// text never reaches an ORDER BY clause.
const (
	OrderCreatedDesc  = "created_desc"
	OrderCreatedAsc   = "created_asc"
	OrderDurationDesc = "duration_desc"
	OrderEndedDesc    = "ended_desc"
)

var orderClauses = map[string]string{
	OrderCreatedDesc:  "runs.created_at DESC",
	OrderCreatedAsc:   "runs.created_at ASC",
	OrderDurationDesc: "runs.duration_seconds DESC",
	OrderEndedDesc:    "runs.ended_at DESC",
}

// RunFilter narrows ListRuns. Zero values mean no constraint.
type RunFilter struct {
	Status             string
	Host               string
	GradientMethod     string
	MinDurationSeconds int64
	CreatedAfter       *time.Time
	HasReport          *bool
	HasCrashAnalysis   *bool
	Order              string
	Limit              int
}

// Stats summarizes the runs table.
type Stats struct {
	Total           int64
	ByStatus        map[string]int64
	WithExternalID  int64
	WithReport      int64
	WithCrashReport int64
	WithHistory     int64
}

// Store provides durable persistence for tracked runs and their
// objectives.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Run lifecycle.
	InsertRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	UpdateStatus(
		ctx context.Context, runID, status string, update *RunUpdate,
	) error
	OverrideExternalRunID(
		ctx context.Context, runID, externalID string,
		trackerURL, displayName *string,
	) error

	// Run queries.
	ListRuns(ctx context.Context, filter *RunFilter) ([]Run, error)
	ListRunsNeedingSync(ctx context.Context, limit int) ([]Run, error)
	ListActiveRuns(ctx context.Context) ([]Run, error)
	Stats(ctx context.Context) (*Stats, error)

	// Run removal. Both cascade to the run's objectives.
	DeleteRun(ctx context.Context, runID string) error
	DeleteRunsMatching(
		ctx context.Context, namePattern string,
	) (int64, error)

	// Artifact attachment.
	AttachCrashReport(
		ctx context.Context, runID string,
		errorLogKey, reportKey, analysisKey *string,
	) error
	AttachConversation(ctx context.Context, runID, key string) error
	AttachReport(ctx context.Context, runID, url string) error

	// Objectives.
	InsertObjective(ctx context.Context, obj *Objective) error
	ListObjectives(ctx context.Context, runID string) ([]Objective, error)
	UpdateObjectiveMetric(
		ctx context.Context, runID, objectiveName string,
		kind MetricKind, value float64,
	) error

	// Objective query engine.
	QueryRunsByObjectives(
		ctx context.Context, q *ObjectiveQuery,
	) ([]Run, error)
	ObjectiveStatistics(
		ctx context.Context, objectiveName, gradientMethod, status string,
	) (*ObjectiveStats, error)
	CompareGradientMethods(
		ctx context.Context, objectiveName, status string,
	) ([]MethodComparison, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "runstore"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var (
		dialector gorm.Dialector
		err       error
	)

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	s.db, err = gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening run database: %w", err)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Run{},
		&Objective{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Run database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// --- Run lifecycle ---

// InsertRun registers a freshly launched run. The status is forced to
// launched and created_at is stamped in UTC unless the caller supplied
// one. Inserting an existing run_id returns ErrDuplicateRun.
func (s *store) InsertRun(ctx context.Context, run *Run) error {
	if run.RunID == "" {
		return errors.New("run id is required")
	}

	// Every run enters the lifecycle at launched.
	run.Status = StatusLaunched

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Run
		err := tx.Select("run_id").
			Where("run_id = ?", run.RunID).
			First(&existing).Error
		if err == nil {
			return fmt.Errorf("run %s: %w", run.RunID, ErrDuplicateRun)
		}

		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("checking for existing run: %w", err)
		}

		if err := tx.Create(run).Error; err != nil {
			return fmt.Errorf("inserting run: %w", err)
		}

		return nil
	})
}

// GetRun loads a single run by its primary key.
func (s *store) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
		}

		return nil, fmt.Errorf("loading run %s: %w", runID, err)
	}

	return &run, nil
}

// UpdateStatus transitions a run and applies the sparse field update in
// one transaction. The current status is loaded first so terminal runs
// cannot be revived; an update that violates the transition table
// returns ErrInvalidTransition. An established external_run_id is never
// replaced here.
func (s *store) UpdateStatus(
	ctx context.Context, runID, status string, update *RunUpdate,
) error {
	if !ValidStatus(status) {
		return fmt.Errorf("unknown status %q", status)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run Run
		if err := tx.Where("run_id = ?", runID).
			First(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
			}

			return fmt.Errorf("loading run %s: %w", runID, err)
		}

		if !CanTransition(run.Status, status) {
			return fmt.Errorf("run %s: %s -> %s: %w",
				runID, run.Status, status, ErrInvalidTransition)
		}

		cols := map[string]any{}
		if update != nil {
			cols = update.columns()
		}

		// Set-once: only OverrideExternalRunID replaces an established
		// external identity.
		if run.ExternalRunID != nil {
			delete(cols, "external_run_id")
		}

		cols["status"] = status

		if err := tx.Model(&Run{}).
			Where("run_id = ?", runID).
			Updates(cols).Error; err != nil {
			return fmt.Errorf("updating run %s: %w", runID, err)
		}

		return nil
	})
}

// OverrideExternalRunID rebinds a run to a different tracker identity.
// This is the explicit correction path and the only way to replace a
// non-null external_run_id.
func (s *store) OverrideExternalRunID(
	ctx context.Context, runID, externalID string,
	trackerURL, displayName *string,
) error {
	if externalID == "" {
		return errors.New("external run id is required")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run Run
		if err := tx.Select("run_id").
			Where("run_id = ?", runID).
			First(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
			}

			return fmt.Errorf("loading run %s: %w", runID, err)
		}

		cols := map[string]any{"external_run_id": externalID}

		if trackerURL != nil {
			cols["tracker_url"] = *trackerURL
		}

		if displayName != nil {
			cols["display_name"] = *displayName
		}

		if err := tx.Model(&Run{}).
			Where("run_id = ?", runID).
			Updates(cols).Error; err != nil {
			return fmt.Errorf("overriding external run id: %w", err)
		}

		return nil
	})
}

// --- Run queries ---

// ListRuns returns runs matching the filter, newest first by default.
func (s *store) ListRuns(
	ctx context.Context, filter *RunFilter,
) ([]Run, error) {
	if filter == nil {
		filter = &RunFilter{}
	}

	db := s.db.WithContext(ctx).Model(&Run{})

	if filter.Status != "" {
		db = db.Where("status = ?", filter.Status)
	}

	if filter.Host != "" {
		db = db.Where("host = ?", filter.Host)
	}

	if filter.GradientMethod != "" {
		db = db.Where("gradient_method = ?", filter.GradientMethod)
	}

	if filter.MinDurationSeconds > 0 {
		db = db.Where("duration_seconds >= ?", filter.MinDurationSeconds)
	}

	if filter.CreatedAfter != nil {
		db = db.Where("created_at > ?", *filter.CreatedAfter)
	}

	if filter.HasReport != nil {
		if *filter.HasReport {
			db = db.Where("report_url IS NOT NULL")
		} else {
			db = db.Where("report_url IS NULL")
		}
	}

	if filter.HasCrashAnalysis != nil {
		if *filter.HasCrashAnalysis {
			db = db.Where("crash_analysis_s3_key IS NOT NULL")
		} else {
			db = db.Where("crash_analysis_s3_key IS NULL")
		}
	}

	order := filter.Order
	if order == "" {
		order = OrderCreatedDesc
	}

	clause, ok := orderClauses[order]
	if !ok {
		return nil, fmt.Errorf("unsupported order: %s", order)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var runs []Run
	if err := db.Order(clause).
		Limit(limit).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

// ListRunsNeedingSync returns the runs a reconciliation pass should
// visit: every non-terminal run, plus terminal runs whose metric history
// was never captured. Newest first so fresh runs win the per-pass cap.
func (s *store) ListRunsNeedingSync(
	ctx context.Context, limit int,
) ([]Run, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	var runs []Run
	if err := s.db.WithContext(ctx).
		Where("status IN ? OR (status = ? AND history_json IS NULL)",
			[]string{StatusLaunched, StatusRunning}, StatusNotRunning).
		Order("created_at DESC").
		Limit(limit).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs needing sync: %w", err)
	}

	return runs, nil
}

// ListActiveRuns returns all runs not yet in a terminal status.
func (s *store) ListActiveRuns(ctx context.Context) ([]Run, error) {
	var runs []Run
	if err := s.db.WithContext(ctx).
		Where("status IN ?", []string{StatusLaunched, StatusRunning}).
		Order("created_at DESC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing active runs: %w", err)
	}

	return runs, nil
}

// Stats returns aggregate counters over the runs table.
func (s *store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByStatus: make(map[string]int64)}

	db := s.db.WithContext(ctx)

	if err := db.Model(&Run{}).Count(&stats.Total).Error; err != nil {
		return nil, fmt.Errorf("counting runs: %w", err)
	}

	var rows []struct {
		Status string
		Count  int64
	}

	if err := db.Model(&Run{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("counting runs by status: %w", err)
	}

	for _, r := range rows {
		stats.ByStatus[r.Status] = r.Count
	}

	presence := []struct {
		col  string
		dest *int64
	}{
		{"external_run_id", &stats.WithExternalID},
		{"report_url", &stats.WithReport},
		{"crash_report_s3_key", &stats.WithCrashReport},
		{"history_json", &stats.WithHistory},
	}

	for _, p := range presence {
		if err := db.Model(&Run{}).
			Where(p.col + " IS NOT NULL").
			Count(p.dest).Error; err != nil {
			return nil, fmt.Errorf("counting runs with %s: %w", p.col, err)
		}
	}

	return stats, nil
}

// --- Run removal ---

// DeleteRun removes a run and its objectives. The cascade is explicit so
// it does not depend on driver foreign-key enforcement.
func (s *store) DeleteRun(ctx context.Context, runID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id = ?", runID).
			Delete(&Objective{}).Error; err != nil {
			return fmt.Errorf("deleting objectives for run: %w", err)
		}

		res := tx.Where("run_id = ?", runID).Delete(&Run{})
		if res.Error != nil {
			return fmt.Errorf("deleting run: %w", res.Error)
		}

		if res.RowsAffected == 0 {
			return fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
		}

		return nil
	})
}

// DeleteRunsMatching removes every run whose display name matches the
// LIKE pattern, cascading to objectives. Returns the number of runs
// removed.
func (s *store) DeleteRunsMatching(
	ctx context.Context, namePattern string,
) (int64, error) {
	if namePattern == "" {
		return 0, errors.New("name pattern is required")
	}

	var removed int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&Run{}).
			Where("display_name LIKE ?", namePattern).
			Pluck("run_id", &ids).Error; err != nil {
			return fmt.Errorf("finding runs to delete: %w", err)
		}

		if len(ids) == 0 {
			return nil
		}

		if err := tx.Where("run_id IN ?", ids).
			Delete(&Objective{}).Error; err != nil {
			return fmt.Errorf("deleting objectives: %w", err)
		}

		res := tx.Where("run_id IN ?", ids).Delete(&Run{})
		if res.Error != nil {
			return fmt.Errorf("deleting runs: %w", res.Error)
		}

		removed = res.RowsAffected

		return nil
	})
	if err != nil {
		return 0, err
	}

	return removed, nil
}

// --- Artifact attachment ---

// AttachCrashReport marks the run terminated and records its diagnostic
// artifact keys. Every status may transition to not_running, so no
// transition check is needed. ended_at is stamped only when the run has
// none yet, so a late crash report does not move an end time
// reconciliation already observed.
func (s *store) AttachCrashReport(
	ctx context.Context, runID string,
	errorLogKey, reportKey, analysisKey *string,
) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run Run
		if err := tx.Where("run_id = ?", runID).
			First(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
			}

			return fmt.Errorf("loading run %s: %w", runID, err)
		}

		cols := map[string]any{"status": StatusNotRunning}

		if errorLogKey != nil {
			cols["error_log_s3_key"] = *errorLogKey
		}

		if reportKey != nil {
			cols["crash_report_s3_key"] = *reportKey
		}

		if analysisKey != nil {
			cols["crash_analysis_s3_key"] = *analysisKey
		}

		if run.EndedAt == nil {
			cols["ended_at"] = time.Now().UTC()
		}

		if err := tx.Model(&Run{}).
			Where("run_id = ?", runID).
			Updates(cols).Error; err != nil {
			return fmt.Errorf("attaching crash report: %w", err)
		}

		return nil
	})
}

// AttachConversation records the S3 key of an archived launch
// conversation. Pure enrichment, valid in any status.
func (s *store) AttachConversation(
	ctx context.Context, runID, key string,
) error {
	res := s.db.WithContext(ctx).Model(&Run{}).
		Where("run_id = ?", runID).
		Update("conversation_s3_key", key)
	if res.Error != nil {
		return fmt.Errorf("attaching conversation: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}

	return nil
}

// AttachReport records the URL of a published analysis report. Pure
// enrichment, valid in any status.
func (s *store) AttachReport(
	ctx context.Context, runID, url string,
) error {
	res := s.db.WithContext(ctx).Model(&Run{}).
		Where("run_id = ?", runID).
		Update("report_url", url)
	if res.Error != nil {
		return fmt.Errorf("attaching report: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}

	return nil
}

// --- Objectives ---

// InsertObjective adds one optimization target to a run. The
// (run_id, objective_name) pair is unique; re-inserting returns
// ErrDuplicateObjective.
func (s *store) InsertObjective(
	ctx context.Context, obj *Objective,
) error {
	if obj.RunID == "" || obj.ObjectiveName == "" {
		return errors.New("run id and objective name are required")
	}

	if obj.Direction == "" {
		obj.Direction = DirectionMaximize
	}

	if obj.Direction != DirectionMaximize &&
		obj.Direction != DirectionMinimize {
		return fmt.Errorf("unknown direction %q", obj.Direction)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run Run
		if err := tx.Select("run_id").
			Where("run_id = ?", obj.RunID).
			First(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("run %s: %w", obj.RunID, ErrRunNotFound)
			}

			return fmt.Errorf("loading run %s: %w", obj.RunID, err)
		}

		var existing Objective
		err := tx.Select("id").
			Where("run_id = ? AND objective_name = ?",
				obj.RunID, obj.ObjectiveName).
			First(&existing).Error
		if err == nil {
			return fmt.Errorf("objective %s for run %s: %w",
				obj.ObjectiveName, obj.RunID, ErrDuplicateObjective)
		}

		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("checking for existing objective: %w", err)
		}

		if err := tx.Create(obj).Error; err != nil {
			return fmt.Errorf("inserting objective: %w", err)
		}

		return nil
	})
}

// ListObjectives returns a run's objectives in insertion order.
func (s *store) ListObjectives(
	ctx context.Context, runID string,
) ([]Objective, error) {
	var objectives []Objective
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id ASC").
		Find(&objectives).Error; err != nil {
		return nil, fmt.Errorf("listing objectives: %w", err)
	}

	return objectives, nil
}

// UpdateObjectiveMetric writes a single aggregate score for one
// objective of a run. The column is chosen by the typed metric kind.
func (s *store) UpdateObjectiveMetric(
	ctx context.Context, runID, objectiveName string,
	kind MetricKind, value float64,
) error {
	col, ok := kind.column()
	if !ok {
		return fmt.Errorf("unknown metric kind %q", kind)
	}

	res := s.db.WithContext(ctx).Model(&Objective{}).
		Where("run_id = ? AND objective_name = ?", runID, objectiveName).
		Update(col, value)
	if res.Error != nil {
		return fmt.Errorf("updating objective metric: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		return fmt.Errorf("objective %s for run %s: %w",
			objectiveName, runID, ErrObjectiveNotFound)
	}

	return nil
}
