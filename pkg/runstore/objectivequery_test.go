package runstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mangoml/trackoor/pkg/runstore"
)

// seedScoredRun inserts a run with one scored objective per entry in
// scores, keyed by objective name.
func seedScoredRun(
	t *testing.T, s runstore.Store,
	runID string, gradientMethod string, scores map[string]float64,
) {
	t.Helper()

	ctx := context.Background()

	run := &runstore.Run{RunID: runID}
	if gradientMethod != "" {
		run.GradientMethod = &gradientMethod
	}

	require.NoError(t, s.InsertRun(ctx, run))

	for name, score := range scores {
		require.NoError(t, s.InsertObjective(ctx, &runstore.Objective{
			RunID:         runID,
			ObjectiveName: name,
			Direction:     runstore.DirectionMaximize,
		}))
		require.NoError(t, s.UpdateObjectiveMetric(ctx, runID, name,
			runstore.MetricNormalizedMean, score))
	}
}

func TestQueryRunsByObjectives_MultiConstraint(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	seedScoredRun(t, s, "q_r1", "", map[string]float64{
		"binding_affinity": 0.6,
		"solubility":       0.8,
	})
	seedScoredRun(t, s, "q_r2", "", map[string]float64{
		"binding_affinity": 0.9,
		"solubility":       0.3,
	})

	// Both constraints must hold on the same run.
	runs, err := s.QueryRunsByObjectives(ctx, &runstore.ObjectiveQuery{
		Constraints: []runstore.ObjectiveConstraint{
			{Name: "binding_affinity", Min: f64Ptr(0.5)},
			{Name: "solubility", Min: f64Ptr(0.7)},
		},
	})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "q_r1", runs[0].RunID)
}

func TestQueryRunsByObjectives_EmptyConstraints(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	seedScoredRun(t, s, "q_e1", "", map[string]float64{
		"binding_affinity": 0.9,
	})

	runs, err := s.QueryRunsByObjectives(ctx, &runstore.ObjectiveQuery{})
	require.NoError(t, err)
	assert.Empty(t, runs)

	runs, err = s.QueryRunsByObjectives(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestQueryRunsByObjectives_MinAndMax(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	seedScoredRun(t, s, "q_low", "", map[string]float64{"toxicity": 0.1})
	seedScoredRun(t, s, "q_mid", "", map[string]float64{"toxicity": 0.5})
	seedScoredRun(t, s, "q_high", "", map[string]float64{"toxicity": 0.9})

	runs, err := s.QueryRunsByObjectives(ctx, &runstore.ObjectiveQuery{
		Constraints: []runstore.ObjectiveConstraint{
			{Name: "toxicity", Min: f64Ptr(0.3), Max: f64Ptr(0.7)},
		},
	})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "q_mid", runs[0].RunID)
}

func TestQueryRunsByObjectives_PresenceOnly(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	seedScoredRun(t, s, "q_has", "", map[string]float64{
		"binding_affinity": 0.2,
	})
	seedScoredRun(t, s, "q_hasnot", "", map[string]float64{
		"solubility": 0.9,
	})

	// No bounds: the run merely has to carry the objective.
	runs, err := s.QueryRunsByObjectives(ctx, &runstore.ObjectiveQuery{
		Constraints: []runstore.ObjectiveConstraint{
			{Name: "binding_affinity"},
		},
	})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "q_has", runs[0].RunID)
}

func TestQueryRunsByObjectives_RunLevelFilters(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	seedScoredRun(t, s, "q_re", "reinforce", map[string]float64{
		"binding_affinity": 0.8,
	})
	seedScoredRun(t, s, "q_ppo", "ppo", map[string]float64{
		"binding_affinity": 0.8,
	})

	runs, err := s.QueryRunsByObjectives(ctx, &runstore.ObjectiveQuery{
		Constraints: []runstore.ObjectiveConstraint{
			{Name: "binding_affinity", Min: f64Ptr(0.5)},
		},
		GradientMethod: "ppo",
	})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "q_ppo", runs[0].RunID)
}

func TestQueryRunsByObjectives_UnscoredExcluded(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	// Objective present but never scored: bounded constraints must not
	// match a NULL score.
	require.NoError(t, s.InsertRun(ctx, &runstore.Run{RunID: "q_null"}))
	require.NoError(t, s.InsertObjective(ctx, &runstore.Objective{
		RunID:         "q_null",
		ObjectiveName: "binding_affinity",
	}))

	runs, err := s.QueryRunsByObjectives(ctx, &runstore.ObjectiveQuery{
		Constraints: []runstore.ObjectiveConstraint{
			{Name: "binding_affinity", Min: f64Ptr(0.0)},
		},
	})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestConstraintsFromMap_Deterministic(t *testing.T) {
	constraints := runstore.ConstraintsFromMap(map[string]runstore.Bounds{
		"solubility":       {Min: f64Ptr(0.7)},
		"binding_affinity": {Min: f64Ptr(0.5)},
	})

	require.Len(t, constraints, 2)
	assert.Equal(t, "binding_affinity", constraints[0].Name)
	assert.Equal(t, "solubility", constraints[1].Name)
}

func TestObjectiveStatistics(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	seedScoredRun(t, s, "st_r1", "reinforce", map[string]float64{
		"binding_affinity": 0.4,
	})
	seedScoredRun(t, s, "st_r2", "reinforce", map[string]float64{
		"binding_affinity": 0.8,
	})
	seedScoredRun(t, s, "st_r3", "ppo", map[string]float64{
		"binding_affinity": 0.6,
	})

	// One run carries the objective without a score; it must not count.
	require.NoError(t, s.InsertRun(ctx, &runstore.Run{RunID: "st_r4"}))
	require.NoError(t, s.InsertObjective(ctx, &runstore.Objective{
		RunID:         "st_r4",
		ObjectiveName: "binding_affinity",
	}))

	stats, err := s.ObjectiveStatistics(ctx, "binding_affinity", "", "")
	require.NoError(t, err)

	assert.Equal(t, int64(3), stats.Count)
	require.NotNil(t, stats.Mean)
	assert.InDelta(t, 0.6, *stats.Mean, 1e-9)
	require.NotNil(t, stats.Min)
	assert.InDelta(t, 0.4, *stats.Min, 1e-9)
	require.NotNil(t, stats.Max)
	assert.InDelta(t, 0.8, *stats.Max, 1e-9)

	byMethod, err := s.ObjectiveStatistics(ctx, "binding_affinity",
		"reinforce", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), byMethod.Count)
	require.NotNil(t, byMethod.Mean)
	assert.InDelta(t, 0.6, *byMethod.Mean, 1e-9)
}

func TestCompareGradientMethods(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	seedScoredRun(t, s, "cmp_r1", "reinforce", map[string]float64{
		"binding_affinity": 0.3,
	})
	seedScoredRun(t, s, "cmp_r2", "reinforce", map[string]float64{
		"binding_affinity": 0.5,
	})
	seedScoredRun(t, s, "cmp_r3", "ppo", map[string]float64{
		"binding_affinity": 0.9,
	})

	// A run without a gradient method never enters the comparison.
	seedScoredRun(t, s, "cmp_r4", "", map[string]float64{
		"binding_affinity": 1.0,
	})

	comparisons, err := s.CompareGradientMethods(ctx,
		"binding_affinity", "")
	require.NoError(t, err)
	require.Len(t, comparisons, 2)

	// Best average first.
	assert.Equal(t, "ppo", comparisons[0].GradientMethod)
	assert.Equal(t, int64(1), comparisons[0].Runs)
	require.NotNil(t, comparisons[0].AvgScore)
	assert.InDelta(t, 0.9, *comparisons[0].AvgScore, 1e-9)

	assert.Equal(t, "reinforce", comparisons[1].GradientMethod)
	assert.Equal(t, int64(2), comparisons[1].Runs)
	require.NotNil(t, comparisons[1].AvgScore)
	assert.InDelta(t, 0.4, *comparisons[1].AvgScore, 1e-9)
	require.NotNil(t, comparisons[1].Best)
	assert.InDelta(t, 0.5, *comparisons[1].Best, 1e-9)
	require.NotNil(t, comparisons[1].Worst)
	assert.InDelta(t, 0.3, *comparisons[1].Worst, 1e-9)
}
