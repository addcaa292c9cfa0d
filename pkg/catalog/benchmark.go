package catalog

// Benchmark is one published molecule-optimization benchmark
// definition.
type Benchmark struct {
	ID                uint   `gorm:"column:benchmark_id;primaryKey"          json:"benchmark_id"`
	Name              string `gorm:"column:benchmark_name;uniqueIndex;not null" json:"benchmark_name"`
	Category          string `gorm:"column:category;index"                   json:"category"`
	ScoringType       string `gorm:"column:scoring_type"                     json:"scoring_type"`
	AggregationMethod string `gorm:"column:aggregation_method"               json:"aggregation_method"`
	Description       string `gorm:"column:description;type:text"            json:"description"`
}

// TableName sets the benchmarks table name.
func (Benchmark) TableName() string {
	return "benchmarks"
}

// ScoringFunction is one objective inside a benchmark, in scoring
// order.
type ScoringFunction struct {
	ID                uint     `gorm:"primaryKey"                    json:"id"`
	BenchmarkID       uint     `gorm:"column:benchmark_id;index;not null" json:"benchmark_id"`
	ObjectiveOrder    int      `gorm:"column:objective_order"        json:"objective_order"`
	FunctionName      string   `gorm:"column:function_name"          json:"function_name"`
	FunctionType      string   `gorm:"column:function_type;index"    json:"function_type"`
	PropertyName      string   `gorm:"column:property_name"          json:"property_name"`
	ModifierType      string   `gorm:"column:modifier_type"          json:"modifier_type"`
	ModifierMu        *float64 `gorm:"column:modifier_mu"            json:"modifier_mu,omitempty"`
	ModifierSigma     *float64 `gorm:"column:modifier_sigma"         json:"modifier_sigma,omitempty"`
	ModifierThreshold *float64 `gorm:"column:modifier_threshold"     json:"modifier_threshold,omitempty"`
}

// TableName sets the scoring functions table name.
func (ScoringFunction) TableName() string {
	return "scoring_functions"
}

// BenchmarkSummary is one row of the benchmark listing, with its
// objective count.
type BenchmarkSummary struct {
	ID                uint   `gorm:"column:benchmark_id"      json:"benchmark_id"`
	Name              string `gorm:"column:benchmark_name"    json:"benchmark_name"`
	Category          string `gorm:"column:category"          json:"category"`
	ScoringType       string `gorm:"column:scoring_type"      json:"scoring_type"`
	AggregationMethod string `gorm:"column:aggregation_method" json:"aggregation_method"`
	Description       string `gorm:"column:description"       json:"description"`
	NumObjectives     int64  `gorm:"column:num_objectives"    json:"num_objectives"`
}

// BenchmarkDetail is a full benchmark definition with its objectives in
// scoring order.
type BenchmarkDetail struct {
	Benchmark
	Objectives []ScoringFunction `json:"objectives"`
}

// ModifierCount is one row of the modifier usage statistic.
type ModifierCount struct {
	ModifierType string `gorm:"column:modifier_type" json:"modifier_type"`
	Count        int64  `gorm:"column:count"         json:"count"`
}
