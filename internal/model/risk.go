package model

// Grades, highest first.
const (
	GradeCritical = "Critical"
	GradeHigh     = "High"
	GradeMedium   = "Medium"
	GradeLow      = "Low"
	GradeInfo     = "Info"
)

// Grades lists the grades from highest to lowest.
func Grades() []string {
	return []string{GradeCritical, GradeHigh, GradeMedium, GradeLow, GradeInfo}
}

// StaticItem is one finding counted toward a function's static points.
type StaticItem struct {
	Severity Severity `json:"severity"`
	Rule     string   `json:"rule"`
}

type RiskEvidence struct {
	StaticFindings   []StaticItem     `json:"static_findings"`
	StrideCategories []Category       `json:"stride_categories"`
	TestMetrics      FailureCounts    `json:"test_metrics"`
	Gas              map[string]int64 `json:"gas"`
}

type FunctionRisk struct {
	Contract string       `json:"contract"`
	Function string       `json:"function"`
	Score    float64      `json:"score"`
	Grade    string       `json:"grade"`
	Delta    float64      `json:"delta"`
	Evidence RiskEvidence `json:"evidence"`
}

type JourneyRisk struct {
	Score     float64  `json:"score"`
	Grade     string   `json:"grade"`
	Delta     float64  `json:"delta"`
	Functions []string `json:"functions"`
}

type RankedFunction struct {
	Key   string  `json:"key"`
	Score float64 `json:"score"`
	Grade string  `json:"grade"`
}

type RiskSummary struct {
	Overall      float64          `json:"overall"`
	Grade        string           `json:"grade"`
	DeltaOverall float64          `json:"delta_overall"`
	Buckets      map[string]int   `json:"buckets"`
	TopFunctions []RankedFunction `json:"top_functions"`
}

// RiskReport is the risk artifact. Weights is the effective weight table
// serialized as written.
type RiskReport struct {
	Version    string                  `json:"version"`
	Weights    any                     `json:"weights"`
	ByFunction map[string]FunctionRisk `json:"by_function"`
	ByJourney  map[string]JourneyRisk  `json:"by_journey"`
	Summary    RiskSummary             `json:"summary"`
}
