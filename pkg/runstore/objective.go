package runstore

import "time"

// Objective optimization directions.
const (
	DirectionMaximize = "maximize"
	DirectionMinimize = "minimize"
)

// MetricKind identifies which aggregate column of an objective an update
// targets.
type MetricKind string

// Aggregate metric columns tracked per objective.
const (
	MetricRawMean        MetricKind = "raw_mean"
	MetricNormalizedMean MetricKind = "normalized_mean"
	MetricRawStd         MetricKind = "raw_std"
	MetricNormalizedStd  MetricKind = "normalized_std"
)

// column maps a metric kind to its objectives column. The mapping is a
// closed switch so caller input never reaches a SQL identifier.
func (k MetricKind) column() (string, bool) {
	switch k {
	case MetricRawMean:
		return "raw_mean", true
	case MetricNormalizedMean:
		return "normalized_mean", true
	case MetricRawStd:
		return "raw_std", true
	case MetricNormalizedStd:
		return "normalized_std", true
	default:
		return "", false
	}
}

// Objective is one optimization target of a run. A run holds at most one
// row per objective name; aggregate scores arrive later and fill in the
// nullable metric columns.
type Objective struct {
	ID             uint   `gorm:"primaryKey"`
	RunID          string `gorm:"not null;uniqueIndex:idx_objectives_run_name"`
	ObjectiveName  string `gorm:"not null;uniqueIndex:idx_objectives_run_name"`
	ObjectiveAlias string
	UniProt        *string `gorm:"column:uniprot"`
	Weight         *float64
	Direction      string `gorm:"not null"`

	RawMean        *float64
	NormalizedMean *float64
	RawStd         *float64
	NormalizedStd  *float64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName pins the table name used by handwritten join queries.
func (Objective) TableName() string { return "objectives" }
