// Package catalog is a read-mostly lookup over published benchmark
// definitions. It is unrelated to run lifecycle; the CLI uses it to
// inspect benchmarks and sanity-check launch configs against them.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mangoml/trackoor/pkg/config"
)

// Sentinel errors returned by Store operations.
var (
	ErrBenchmarkNotFound  = errors.New("benchmark not found")
	ErrDuplicateBenchmark = errors.New("benchmark already exists")
)

// Store reads and imports benchmark definitions.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// ListBenchmarks lists all benchmarks with their objective counts,
	// optionally filtered by category.
	ListBenchmarks(
		ctx context.Context, category string,
	) ([]BenchmarkSummary, error)

	// GetBenchmark returns a full benchmark definition with its
	// objectives in scoring order.
	GetBenchmark(ctx context.Context, name string) (*BenchmarkDetail, error)

	// SearchByObjectiveType finds benchmarks that use a given scoring
	// function type.
	SearchByObjectiveType(
		ctx context.Context, functionType string,
	) ([]Benchmark, error)

	// ModifierUsage counts modifier usage across all benchmarks, most
	// used first.
	ModifierUsage(ctx context.Context) ([]ModifierCount, error)

	// ImportBenchmark inserts a benchmark definition and its scoring
	// functions.
	ImportBenchmark(
		ctx context.Context, benchmark *Benchmark,
		objectives []ScoringFunction,
	) error
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.CatalogConfig
	db  *gorm.DB
}

// NewStore creates a benchmark catalog backed by SQLite.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.CatalogConfig,
) Store {
	return &store{
		log: log.WithField("component", "catalog"),
		cfg: cfg,
	}
}

func (s *store) Start(ctx context.Context) error {
	var err error

	s.db, err = gorm.Open(sqlite.Open(s.cfg.Path), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return fmt.Errorf("opening catalog database: %w", err)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Benchmark{},
		&ScoringFunction{},
	); err != nil {
		return fmt.Errorf("running catalog migrations: %w", err)
	}

	s.log.WithField("path", s.cfg.Path).Info("Benchmark catalog opened")

	return nil
}

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

func (s *store) ListBenchmarks(
	ctx context.Context, category string,
) ([]BenchmarkSummary, error) {
	db := s.db.WithContext(ctx).
		Model(&Benchmark{}).
		Select(
			"benchmarks.benchmark_id, benchmarks.benchmark_name, " +
				"benchmarks.category, benchmarks.scoring_type, " +
				"benchmarks.aggregation_method, benchmarks.description, " +
				"COUNT(scoring_functions.id) AS num_objectives",
		).
		Joins(
			"LEFT JOIN scoring_functions " +
				"ON scoring_functions.benchmark_id = benchmarks.benchmark_id",
		).
		Group("benchmarks.benchmark_id").
		Order("benchmarks.category, benchmarks.benchmark_name")

	if category != "" {
		db = db.Where("benchmarks.category = ?", category)
	}

	var summaries []BenchmarkSummary
	if err := db.Scan(&summaries).Error; err != nil {
		return nil, fmt.Errorf("listing benchmarks: %w", err)
	}

	return summaries, nil
}

func (s *store) GetBenchmark(
	ctx context.Context, name string,
) (*BenchmarkDetail, error) {
	var benchmark Benchmark
	if err := s.db.WithContext(ctx).
		Where("benchmark_name = ?", name).
		First(&benchmark).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("benchmark %s: %w", name, ErrBenchmarkNotFound)
		}

		return nil, fmt.Errorf("loading benchmark %s: %w", name, err)
	}

	var objectives []ScoringFunction
	if err := s.db.WithContext(ctx).
		Where("benchmark_id = ?", benchmark.ID).
		Order("objective_order ASC").
		Find(&objectives).Error; err != nil {
		return nil, fmt.Errorf("loading scoring functions: %w", err)
	}

	return &BenchmarkDetail{
		Benchmark:  benchmark,
		Objectives: objectives,
	}, nil
}

func (s *store) SearchByObjectiveType(
	ctx context.Context, functionType string,
) ([]Benchmark, error) {
	var benchmarks []Benchmark
	if err := s.db.WithContext(ctx).
		Model(&Benchmark{}).
		Distinct("benchmarks.*").
		Joins(
			"JOIN scoring_functions "+
				"ON scoring_functions.benchmark_id = benchmarks.benchmark_id",
		).
		Where("scoring_functions.function_type = ?", functionType).
		Order("benchmarks.benchmark_name").
		Find(&benchmarks).Error; err != nil {
		return nil, fmt.Errorf("searching benchmarks: %w", err)
	}

	return benchmarks, nil
}

func (s *store) ModifierUsage(ctx context.Context) ([]ModifierCount, error) {
	var counts []ModifierCount
	if err := s.db.WithContext(ctx).
		Model(&ScoringFunction{}).
		Select("modifier_type, COUNT(*) AS count").
		Group("modifier_type").
		Order("count DESC").
		Scan(&counts).Error; err != nil {
		return nil, fmt.Errorf("counting modifier usage: %w", err)
	}

	return counts, nil
}

func (s *store) ImportBenchmark(
	ctx context.Context, benchmark *Benchmark,
	objectives []ScoringFunction,
) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Benchmark

		err := tx.Where("benchmark_name = ?", benchmark.Name).
			First(&existing).Error
		if err == nil {
			return fmt.Errorf(
				"benchmark %s: %w", benchmark.Name, ErrDuplicateBenchmark,
			)
		}

		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("checking benchmark %s: %w", benchmark.Name, err)
		}

		if err := tx.Create(benchmark).Error; err != nil {
			return fmt.Errorf("inserting benchmark %s: %w", benchmark.Name, err)
		}

		for i := range objectives {
			objectives[i].BenchmarkID = benchmark.ID

			if objectives[i].ObjectiveOrder == 0 {
				objectives[i].ObjectiveOrder = i + 1
			}
		}

		if len(objectives) > 0 {
			if err := tx.Create(&objectives).Error; err != nil {
				return fmt.Errorf("inserting scoring functions: %w", err)
			}
		}

		return nil
	})
}
