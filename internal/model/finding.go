package model

import "strings"

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

var severityAliases = map[string]Severity{
	"critical":      SeverityCritical,
	"severe":        SeverityCritical,
	"high":          SeverityHigh,
	"med":           SeverityMedium,
	"medium":        SeverityMedium,
	"low":           SeverityLow,
	"info":          SeverityInfo,
	"informational": SeverityInfo,
}

// NormalizeSeverity folds analyzer severities into the closed set.
// Unknown values become info.
func NormalizeSeverity(s string) Severity {
	if sev, ok := severityAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return sev
	}
	return SeverityInfo
}

// Finding is one normalized static-analysis result.
type Finding struct {
	Tool     string   `json:"tool"`
	Check    string   `json:"check"`
	Severity Severity `json:"severity"`
	Title    string   `json:"title"`
	Contract string   `json:"contract,omitempty"`
	Function string   `json:"function,omitempty"`
	Location string   `json:"location,omitempty"`
}

// Findings is the normalized findings artifact.
type Findings struct {
	OK       bool      `json:"ok"`
	Mode     string    `json:"mode,omitempty"`
	Note     string    `json:"note,omitempty"`
	Findings []Finding `json:"findings"`
}
