// Package threat files normalized static-analysis findings under the six
// STRIDE categories, keyed by "Contract.function".
package threat

import (
	"strings"

	"github.com/raysh454/uatu/internal/model"
)

// GlobalKey collects findings that name neither a contract nor a function.
const GlobalKey = "global"

// Rule maps a substring of a check name to a category.
type Rule struct {
	Keyword  string         `json:"keyword" yaml:"keyword"`
	Category model.Category `json:"category" yaml:"category"`
}

// DefaultRules is the keyword table in priority order. First match wins.
func DefaultRules() []Rule {
	return []Rule{
		{"reentrancy", model.Tampering},
		{"unchecked", model.Tampering},
		{"arbitrary-send", model.Tampering},
		{"delegatecall", model.ElevationOfPrivilege},
		{"tx.origin", model.Spoofing},
		{"auth", model.Spoofing},
		{"access control", model.ElevationOfPrivilege},
		{"selfdestruct", model.Tampering},
		{"denial", model.DenialOfService},
		{"dos", model.DenialOfService},
		{"unbounded", model.DenialOfService},
		{"timestamp", model.Tampering},
		{"block.number", model.Tampering},
		{"event missing", model.Repudiation},
		{"missing event", model.Repudiation},
		{"information", model.InformationDisclosure},
		{"leak", model.InformationDisclosure},
	}
}

// Mapper categorizes findings with a keyword table.
type Mapper struct {
	rules []Rule
}

// NewMapper returns a Mapper using rules, or DefaultRules when rules is empty.
// Rules naming an unknown category are ignored.
func NewMapper(rules []Rule) *Mapper {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	kept := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.Keyword == "" || !model.ValidCategory(r.Category) {
			continue
		}
		kept = append(kept, Rule{Keyword: strings.ToLower(r.Keyword), Category: r.Category})
	}
	return &Mapper{rules: kept}
}

// Classify returns the category for a check name.
func (m *Mapper) Classify(check string) model.Category {
	lc := strings.ToLower(check)
	for _, r := range m.rules {
		if strings.Contains(lc, r.Keyword) {
			return r.Category
		}
	}
	if strings.Contains(lc, "unsafe") || strings.Contains(lc, "unchecked") {
		return model.Tampering
	}
	return model.InformationDisclosure
}

// Key returns the bucket key a finding is filed under.
func Key(f model.Finding) string {
	switch {
	case f.Contract != "" && f.Function != "":
		return model.FunctionKey(f.Contract, f.Function)
	case f.Contract != "":
		return f.Contract + "."
	default:
		return GlobalKey
	}
}

// Message renders a finding as "<severity>: <title>".
func Message(f model.Finding) string {
	return string(model.NormalizeSeverity(string(f.Severity))) + ": " + f.Title
}

// Categorize files every finding under its key and category. Messages for
// the same key and category accumulate in input order.
func (m *Mapper) Categorize(findings []model.Finding) map[string]*model.Bucket {
	out := make(map[string]*model.Bucket)
	for _, f := range findings {
		k := Key(f)
		b, ok := out[k]
		if !ok {
			b = model.NewBucket()
			out[k] = b
		}
		b.Add(m.Classify(f.Check), Message(f))
	}
	return out
}

// Stitch returns a bucket map holding an entry for every function of sm,
// overlaid with mapped. Existing messages are merged, never replaced.
func Stitch(sm *model.SourceModel, mapped map[string]*model.Bucket) map[string]*model.Bucket {
	out := make(map[string]*model.Bucket)
	for _, k := range sm.FunctionKeys() {
		out[k] = model.NewBucket()
	}
	for k, b := range mapped {
		dst, ok := out[k]
		if !ok {
			dst = model.NewBucket()
			out[k] = dst
		}
		dst.Merge(b)
	}
	return out
}

// ByJourney aggregates the buckets of each journey's step functions.
func ByJourney(byFunction map[string]*model.Bucket, journeys []model.Journey) map[string]*model.Bucket {
	out := make(map[string]*model.Bucket, len(journeys))
	for _, j := range journeys {
		b := model.NewBucket()
		for _, k := range j.FunctionKeys() {
			b.Merge(byFunction[k])
		}
		out[j.ID] = b
	}
	return out
}

// Build runs Categorize and Stitch and returns the threats artifact.
// journeys may be nil.
func (m *Mapper) Build(sm *model.SourceModel, findings []model.Finding, journeys []model.Journey) *model.Threats {
	byFn := Stitch(sm, m.Categorize(findings))
	return &model.Threats{ByFunction: byFn, ByJourney: ByJourney(byFn, journeys)}
}
