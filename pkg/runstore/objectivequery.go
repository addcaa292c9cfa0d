package runstore

import (
	"context"
	"fmt"
	"sort"
)

// ObjectiveConstraint bounds one objective's aggregate score. Nil bounds
// are open; a constraint with both bounds nil still requires the run to
// have the objective at all. Metric defaults to normalized_mean.
type ObjectiveConstraint struct {
	Name   string
	Metric MetricKind
	Min    *float64
	Max    *float64
}

// Bounds is the value side of a name-keyed constraint map.
type Bounds struct {
	Min *float64
	Max *float64
}

// ConstraintsFromMap converts a name-keyed bounds map into a constraint
// list sorted by objective name, so the generated SQL is deterministic.
func ConstraintsFromMap(m map[string]Bounds) []ObjectiveConstraint {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}

	sort.Strings(names)

	constraints := make([]ObjectiveConstraint, 0, len(names))
	for _, name := range names {
		b := m[name]
		constraints = append(constraints, ObjectiveConstraint{
			Name: name,
			Min:  b.Min,
			Max:  b.Max,
		})
	}

	return constraints
}

// ObjectiveQuery selects runs by the scores of several objectives at
// once. Constraints are AND-combined: a run qualifies only when every
// constraint holds.
type ObjectiveQuery struct {
	Constraints    []ObjectiveConstraint
	GradientMethod string
	Status         string
	Host           string
	Order          string
	Limit          int
}

// ObjectiveStats aggregates one objective's scores across runs. Count
// covers only scored rows; the remaining fields are nil when no scores
// exist.
type ObjectiveStats struct {
	ObjectiveName string
	Count         int64
	Mean          *float64
	Min           *float64
	Max           *float64
	MeanStd       *float64
}

// MethodComparison is one gradient method's aggregate performance on a
// single objective.
type MethodComparison struct {
	GradientMethod string
	Runs           int64
	AvgScore       *float64
	Best           *float64
	Worst          *float64
	AvgHours       *float64
}

// QueryRunsByObjectives returns the runs satisfying every objective
// constraint. Each constraint becomes its own aliased join against the
// objectives table; aliases are generated from the constraint index and
// all values are bound as parameters. An empty constraint list returns
// an empty result without touching the database.
func (s *store) QueryRunsByObjectives(
	ctx context.Context, q *ObjectiveQuery,
) ([]Run, error) {
	if q == nil || len(q.Constraints) == 0 {
		return []Run{}, nil
	}

	db := s.db.WithContext(ctx).Model(&Run{}).Distinct("runs.*")

	for i, c := range q.Constraints {
		if c.Name == "" {
			return nil, fmt.Errorf("constraint %d: objective name is required", i)
		}

		kind := c.Metric
		if kind == "" {
			kind = MetricNormalizedMean
		}

		col, ok := kind.column()
		if !ok {
			return nil, fmt.Errorf("constraint %d: unknown metric kind %q", i, c.Metric)
		}

		alias := fmt.Sprintf("o%d", i)

		db = db.Joins(fmt.Sprintf(
			"JOIN objectives %s ON %s.run_id = runs.run_id AND %s.objective_name = ?",
			alias, alias, alias), c.Name)

		if c.Min != nil {
			db = db.Where(fmt.Sprintf("%s.%s >= ?", alias, col), *c.Min)
		}

		if c.Max != nil {
			db = db.Where(fmt.Sprintf("%s.%s <= ?", alias, col), *c.Max)
		}
	}

	if q.GradientMethod != "" {
		db = db.Where("runs.gradient_method = ?", q.GradientMethod)
	}

	if q.Status != "" {
		db = db.Where("runs.status = ?", q.Status)
	}

	if q.Host != "" {
		db = db.Where("runs.host = ?", q.Host)
	}

	order := q.Order
	if order == "" {
		order = OrderCreatedDesc
	}

	clause, ok := orderClauses[order]
	if !ok {
		return nil, fmt.Errorf("unsupported order: %s", order)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var runs []Run
	if err := db.Order(clause).
		Limit(limit).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("querying runs by objectives: %w", err)
	}

	return runs, nil
}

// ObjectiveStatistics aggregates the normalized mean of one objective
// across all scored runs, optionally narrowed by gradient method and
// run status.
func (s *store) ObjectiveStatistics(
	ctx context.Context, objectiveName, gradientMethod, status string,
) (*ObjectiveStats, error) {
	if objectiveName == "" {
		return nil, fmt.Errorf("objective name is required")
	}

	db := s.db.WithContext(ctx).Model(&Objective{}).
		Joins("JOIN runs ON runs.run_id = objectives.run_id").
		Where("objectives.objective_name = ?", objectiveName)

	if gradientMethod != "" {
		db = db.Where("runs.gradient_method = ?", gradientMethod)
	}

	if status != "" {
		db = db.Where("runs.status = ?", status)
	}

	var row struct {
		ScoredRuns int64    `gorm:"column:scored_runs"`
		MeanVal    *float64 `gorm:"column:mean_val"`
		MinVal     *float64 `gorm:"column:min_val"`
		MaxVal     *float64 `gorm:"column:max_val"`
		StdVal     *float64 `gorm:"column:std_val"`
	}

	if err := db.Select(
		"COUNT(objectives.normalized_mean) as scored_runs, " +
			"AVG(objectives.normalized_mean) as mean_val, " +
			"MIN(objectives.normalized_mean) as min_val, " +
			"MAX(objectives.normalized_mean) as max_val, " +
			"AVG(objectives.normalized_std) as std_val").
		Scan(&row).Error; err != nil {
		return nil, fmt.Errorf("aggregating objective statistics: %w", err)
	}

	return &ObjectiveStats{
		ObjectiveName: objectiveName,
		Count:         row.ScoredRuns,
		Mean:          row.MeanVal,
		Min:           row.MinVal,
		Max:           row.MaxVal,
		MeanStd:       row.StdVal,
	}, nil
}

// CompareGradientMethods groups one objective's scores by gradient
// method and returns one aggregate row per method, best average first.
// Runs without a gradient method are excluded.
func (s *store) CompareGradientMethods(
	ctx context.Context, objectiveName, status string,
) ([]MethodComparison, error) {
	if objectiveName == "" {
		return nil, fmt.Errorf("objective name is required")
	}

	db := s.db.WithContext(ctx).Model(&Objective{}).
		Joins("JOIN runs ON runs.run_id = objectives.run_id").
		Where("objectives.objective_name = ?", objectiveName).
		Where("runs.gradient_method IS NOT NULL")

	if status != "" {
		db = db.Where("runs.status = ?", status)
	}

	var rows []struct {
		GradientMethod string   `gorm:"column:gradient_method"`
		ScoredRuns     int64    `gorm:"column:scored_runs"`
		AvgScore       *float64 `gorm:"column:avg_score"`
		BestScore      *float64 `gorm:"column:best_score"`
		WorstScore     *float64 `gorm:"column:worst_score"`
		AvgHours       *float64 `gorm:"column:avg_hours"`
	}

	if err := db.Select(
		"runs.gradient_method as gradient_method, " +
			"COUNT(objectives.normalized_mean) as scored_runs, " +
			"AVG(objectives.normalized_mean) as avg_score, " +
			"MAX(objectives.normalized_mean) as best_score, " +
			"MIN(objectives.normalized_mean) as worst_score, " +
			"AVG(runs.duration_seconds) / 3600.0 as avg_hours").
		Group("runs.gradient_method").
		Order("avg_score DESC").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("comparing gradient methods: %w", err)
	}

	comparisons := make([]MethodComparison, 0, len(rows))
	for _, r := range rows {
		comparisons = append(comparisons, MethodComparison{
			GradientMethod: r.GradientMethod,
			Runs:           r.ScoredRuns,
			AvgScore:       r.AvgScore,
			Best:           r.BestScore,
			Worst:          r.WorstScore,
			AvgHours:       r.AvgHours,
		})
	}

	return comparisons, nil
}
