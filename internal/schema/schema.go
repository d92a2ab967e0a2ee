// Package schema checks the pipeline's own artifacts before they are
// written. A ValidationError is the only failure that aborts a run.
package schema

import (
	"fmt"
	"math"
	"strings"

	"github.com/raysh454/uatu/internal/model"
)

// ValidationError lists every problem found in one artifact.
type ValidationError struct {
	Artifact string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s failed validation: %s", e.Artifact, strings.Join(e.Problems, "; "))
}

type checker struct {
	artifact string
	problems []string
}

func (c *checker) addf(format string, args ...any) {
	c.problems = append(c.problems, fmt.Sprintf(format, args...))
}

func (c *checker) err() error {
	if len(c.problems) == 0 {
		return nil
	}
	return &ValidationError{Artifact: c.artifact, Problems: c.problems}
}

var (
	visibilities = set(model.VisibilityPublic, model.VisibilityExternal, model.VisibilityInternal, model.VisibilityPrivate, model.VisibilityUnspecified)
	mutabilities = set(model.MutabilityPayable, model.MutabilityView, model.MutabilityPure, model.MutabilityNonpayable, model.MutabilityUnspecified)
	runStatuses  = set(model.RunOK, model.RunTestsFailed, model.RunCompileError, model.RunTestError, model.RunException, model.RunSkipped)
	grades       = set(model.Grades()...)
	actors       = set(model.ActorUser, model.ActorAttacker)
	severities   = set(string(model.SeverityCritical), string(model.SeverityHigh), string(model.SeverityMedium), string(model.SeverityLow), string(model.SeverityInfo))
)

func set(vals ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		m[v] = struct{}{}
	}
	return m
}

func in(m map[string]struct{}, v string) bool {
	_, ok := m[v]
	return ok
}

// Flows validates the source model artifact.
func Flows(sm *model.SourceModel) error {
	c := &checker{artifact: "flows.json"}
	if sm == nil {
		c.addf("missing source model")
		return c.err()
	}
	for i, ct := range sm.Contracts {
		if ct.Name == "" {
			c.addf("contracts[%d]: empty name", i)
		}
		for j, fn := range ct.Functions {
			if fn.Name == "" {
				c.addf("%s.functions[%d]: empty name", ct.Name, j)
			}
			if !in(visibilities, fn.Visibility) {
				c.addf("%s.%s: visibility %q", ct.Name, fn.Name, fn.Visibility)
			}
			if !in(mutabilities, fn.Mutability) {
				c.addf("%s.%s: mutability %q", ct.Name, fn.Name, fn.Mutability)
			}
		}
	}
	return c.err()
}

// Threats checks that every function of sm has a bucket with all six
// category slots.
func Threats(sm *model.SourceModel, t *model.Threats) error {
	c := &checker{artifact: "threats.json"}
	if t == nil || t.ByFunction == nil {
		c.addf("missing by_function")
		return c.err()
	}
	for key, b := range t.ByFunction {
		if b == nil {
			c.addf("%s: null bucket", key)
		}
	}
	if sm != nil {
		for _, key := range sm.FunctionKeys() {
			if _, ok := t.ByFunction[key]; !ok {
				c.addf("%s: no entry", key)
			}
		}
	}
	return c.err()
}

// Journeys validates the planned journeys.
func Journeys(js *model.Journeys) error {
	c := &checker{artifact: "journeys.json"}
	if js == nil {
		c.addf("missing journeys")
		return c.err()
	}
	seen := make(map[string]struct{}, len(js.Journeys))
	for i, j := range js.Journeys {
		if j.ID == "" {
			c.addf("journeys[%d]: empty id", i)
		} else if _, dup := seen[j.ID]; dup {
			c.addf("journeys[%d]: duplicate id %q", i, j.ID)
		}
		seen[j.ID] = struct{}{}
		if len(j.Tags) == 0 {
			c.addf("%s: no tags", j.ID)
		}
		for k, s := range j.Steps {
			if s.Contract == "" || s.Function == "" {
				c.addf("%s.steps[%d]: missing contract or function", j.ID, k)
			}
			if !in(actors, s.Actor) {
				c.addf("%s.steps[%d]: actor %q", j.ID, k, s.Actor)
			}
			if s.Repeat < 0 {
				c.addf("%s.steps[%d]: negative repeat", j.ID, k)
			}
		}
	}
	return c.err()
}

// Findings validates the normalized static findings.
func Findings(f *model.Findings) error {
	c := &checker{artifact: "findings.json"}
	if f == nil {
		c.addf("missing findings")
		return c.err()
	}
	for i, fd := range f.Findings {
		if fd.Check == "" {
			c.addf("findings[%d]: empty check", i)
		}
		if !in(severities, string(fd.Severity)) {
			c.addf("findings[%d]: severity %q", i, fd.Severity)
		}
	}
	return c.err()
}

// TestIndex validates the generated test index.
func TestIndex(idx *model.TestIndex) error {
	c := &checker{artifact: "tests.json"}
	if idx == nil {
		c.addf("missing test index")
		return c.err()
	}
	projects := make(map[string]struct{}, len(idx.Tests))
	for i, a := range idx.Tests {
		if a.ID == "" || a.Project == "" {
			c.addf("tests[%d]: missing id or project", i)
		}
		if _, dup := projects[a.Project]; dup {
			c.addf("tests[%d]: project %q generated twice", i, a.Project)
		}
		projects[a.Project] = struct{}{}
		for _, m := range a.Augments {
			if m.Reason == "" {
				c.addf("%s: augmentation for %s without reason", a.ID, m.Function)
			}
		}
	}
	return c.err()
}

// TestResults validates the aggregated test results.
func TestResults(res *model.TestResults) error {
	c := &checker{artifact: "summary.json"}
	if res == nil {
		c.addf("missing test results")
		return c.err()
	}
	for i, r := range res.Runs {
		if r.Project == "" {
			c.addf("runs[%d]: empty project", i)
		}
		if !in(runStatuses, r.Status) {
			c.addf("%s: status %q", r.Project, r.Status)
		}
		if r.Passed < 0 || r.Failed < 0 {
			c.addf("%s: negative counts", r.Project)
		}
	}
	return c.err()
}

// Risk validates the risk report.
func Risk(rep *model.RiskReport) error {
	c := &checker{artifact: "risk.json"}
	if rep == nil {
		c.addf("missing risk report")
		return c.err()
	}
	score := func(where string, v float64, grade string) {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			c.addf("%s: score %v", where, v)
		}
		if !in(grades, grade) {
			c.addf("%s: grade %q", where, grade)
		}
	}
	for key, fr := range rep.ByFunction {
		score(key, fr.Score, fr.Grade)
	}
	for key, jr := range rep.ByJourney {
		score(key, jr.Score, jr.Grade)
	}
	score("summary", rep.Summary.Overall, rep.Summary.Grade)
	return c.err()
}
