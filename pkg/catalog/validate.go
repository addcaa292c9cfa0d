package catalog

import (
	"fmt"

	"github.com/mangoml/trackoor/pkg/runconfig"
)

// Validation is the result of checking a launch config against a
// benchmark definition.
type Validation struct {
	BenchmarkName       string   `json:"benchmark_name"`
	ObjectivesExpected  int      `json:"objectives_expected"`
	ObjectivesActual    int      `json:"objectives_actual"`
	AggregationExpected string   `json:"aggregation_expected"`
	AggregationActual   string   `json:"aggregation_actual"`
	Mismatches          []string `json:"mismatches,omitempty"`
	Valid               bool     `json:"valid"`
}

// ValidateDocument compares a launch config against a benchmark
// definition: objective count, per-position presence, and the reward
// aggregation method. It flags divergence, it does not reject configs
// that deliberately extend a benchmark.
func ValidateDocument(
	benchmark *BenchmarkDetail, doc *runconfig.Document,
) *Validation {
	v := &Validation{
		BenchmarkName:       benchmark.Name,
		ObjectivesExpected:  len(benchmark.Objectives),
		ObjectivesActual:    len(doc.Objectives),
		AggregationExpected: benchmark.AggregationMethod,
		AggregationActual:   doc.Reward.GradientMethod,
	}

	if v.ObjectivesActual != v.ObjectivesExpected {
		v.Mismatches = append(v.Mismatches, fmt.Sprintf(
			"objective count: config has %d, benchmark defines %d",
			v.ObjectivesActual, v.ObjectivesExpected,
		))
	}

	for i, expected := range benchmark.Objectives {
		if i >= len(doc.Objectives) {
			v.Mismatches = append(v.Mismatches, fmt.Sprintf(
				"objective %d missing: benchmark expects %s",
				i+1, expected.FunctionName,
			))

			continue
		}

		if doc.Objectives[i].Name == "" {
			v.Mismatches = append(v.Mismatches, fmt.Sprintf(
				"objective %d has no name (benchmark expects %s)",
				i+1, expected.FunctionName,
			))
		}
	}

	if benchmark.AggregationMethod != "" &&
		doc.Reward.GradientMethod != "" &&
		benchmark.AggregationMethod != doc.Reward.GradientMethod {
		v.Mismatches = append(v.Mismatches, fmt.Sprintf(
			"aggregation: config uses %s, benchmark defines %s",
			doc.Reward.GradientMethod, benchmark.AggregationMethod,
		))
	}

	v.Valid = len(v.Mismatches) == 0

	return v
}
