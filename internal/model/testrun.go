package model

import "strings"

const (
	TestPassed = "passed"
	TestFailed = "failed"
)

// Project-level run statuses.
const (
	RunOK           = "ok"
	RunTestsFailed  = "tests_failed"
	RunCompileError = "compile_error"
	RunTestError    = "test_error"
	RunException    = "exception"
	RunSkipped      = "skipped"
)

// Test name prefixes used to attribute failures to risk components.
const (
	PrefixEoP      = "test_eop_"
	PrefixNegative = "test_negative_"
	PrefixStress   = "test_stress_"
)

type TestCase struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// TestRun is the per-project test-run artifact.
type TestRun struct {
	Project  string           `json:"project"`
	Journey  string           `json:"journey,omitempty"`
	Passed   int              `json:"passed"`
	Failed   int              `json:"failed"`
	ExitCode int              `json:"exit_code"`
	Tests    []TestCase       `json:"tests"`
	Gas      map[string]int64 `json:"gas"`
	Status   string           `json:"status"`
	Error    string           `json:"error,omitempty"`
}

// FailureCounts tallies failed tests by name prefix.
type FailureCounts struct {
	EoPFailed    int `json:"eop_failed"`
	NegFailed    int `json:"neg_failed"`
	StressFailed int `json:"stress_failed"`
}

// Failures classifies the failed tests of the run.
func (r *TestRun) Failures() FailureCounts {
	var fc FailureCounts
	if r == nil {
		return fc
	}
	for _, t := range r.Tests {
		if t.Status != TestFailed {
			continue
		}
		switch {
		case strings.HasPrefix(t.Name, PrefixEoP):
			fc.EoPFailed++
		case strings.HasPrefix(t.Name, PrefixNegative):
			fc.NegFailed++
		case strings.HasPrefix(t.Name, PrefixStress):
			fc.StressFailed++
		}
	}
	return fc
}

// TestResults is the aggregated test-results artifact of a run.
type TestResults struct {
	Runs      []TestRun `json:"runs"`
	Compacted bool      `json:"compacted,omitempty"`
}

// TestArtifact indexes one generated test project.
type TestArtifact struct {
	ID        string        `json:"id"`
	JourneyID string        `json:"journey_id"`
	Kind      string        `json:"kind"`
	Tool      string        `json:"tool"`
	Project   string        `json:"project"`
	Files     []string      `json:"files"`
	Skipped   bool          `json:"skipped,omitempty"`
	Augments  []AugmentMeta `json:"augmentations,omitempty"`
}

type TestIndex struct {
	Tests []TestArtifact `json:"tests"`
}
