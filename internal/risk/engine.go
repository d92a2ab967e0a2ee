// Package risk turns findings, threats and test outcomes into per-function,
// per-journey and overall risk scores, with deltas against a baseline.
package risk

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/raysh454/uatu/internal/logging"
	"github.com/raysh454/uatu/internal/model"
	"github.com/raysh454/uatu/internal/store"
)

const (
	ReportVersion = "1"
	topN          = 10
	hopBonus      = 2
)

// Thresholds are the inclusive lower bounds of each grade.
type Thresholds struct {
	Critical float64 `yaml:"critical" json:"critical"`
	High     float64 `yaml:"high" json:"high"`
	Medium   float64 `yaml:"medium" json:"medium"`
	Low      float64 `yaml:"low" json:"low"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{Critical: 90, High: 75, Medium: 50, Low: 25}
}

// Grade maps a score to a grade. Bounds are inclusive.
func (t Thresholds) Grade(score float64) string {
	switch {
	case score >= t.Critical:
		return model.GradeCritical
	case score >= t.High:
		return model.GradeHigh
	case score >= t.Medium:
		return model.GradeMedium
	case score >= t.Low:
		return model.GradeLow
	}
	return model.GradeInfo
}

// Grade uses the default thresholds.
func Grade(score float64) string { return DefaultThresholds().Grade(score) }

// Round1 rounds to one decimal place.
func Round1(v float64) float64 { return math.Round(v*10) / 10 }

// clamp bounds a raw score to [0, cap] before rounding. Negative weight
// overrides can push raw points below zero.
func clamp(raw, limit float64) float64 {
	return Round1(math.Max(0, math.Min(limit, raw)))
}

// Input is everything one scoring pass reads. Only Model is required.
type Input struct {
	Model    *model.SourceModel
	Threats  *model.Threats
	Findings []model.Finding
	TestRuns []model.TestRun
	Journeys []model.Journey
	Baseline *model.RiskReport
}

type Engine struct {
	weights    Weights
	thresholds Thresholds
	logger     logging.Logger
}

func NewEngine(w Weights, t Thresholds, logger logging.Logger) *Engine {
	if t == (Thresholds{}) {
		t = DefaultThresholds()
	}
	return &Engine{
		weights:    w,
		thresholds: t,
		logger:     logging.OrNop(logger).With(logging.Field{Key: "component", Value: "risk"}),
	}
}

type testMetrics struct {
	counts model.FailureCounts
	gas    map[string]int64
}

// Score computes the risk report. Scores are rounded to one decimal before
// grading, so every stored grade equals Grade(stored score).
func (e *Engine) Score(in Input) *model.RiskReport {
	static := collectStatic(in.Findings)
	tests := e.collectTests(in)

	rep := &model.RiskReport{
		Version:    ReportVersion,
		Weights:    e.weights,
		ByFunction: make(map[string]model.FunctionRisk),
		ByJourney:  make(map[string]model.JourneyRisk),
	}
	var order []string
	for _, c := range in.Model.Contracts {
		for _, f := range c.Functions {
			key := model.FunctionKey(c.Name, f.Name)
			if _, dup := rep.ByFunction[key]; dup {
				continue
			}
			items := append(append(append(append([]model.StaticItem{},
				static[key]...), static["*."+f.Name]...), static[c.Name+".*"]...), static["*"]...)
			bucket := in.Threats.For(key)
			tm := tests[key]

			raw := e.staticPoints(items) + e.stridePoints(bucket) + e.testPoints(tm.counts) + e.gasPoints(tm.gas)
			score := clamp(raw, e.weights.FunctionCap())
			gas := tm.gas
			if gas == nil {
				gas = map[string]int64{}
			}
			cats := []model.Category{}
			if bucket != nil {
				cats = append(cats, bucket.Active()...)
			}
			rep.ByFunction[key] = model.FunctionRisk{
				Contract: c.Name,
				Function: f.Name,
				Score:    score,
				Grade:    e.thresholds.Grade(score),
				Evidence: model.RiskEvidence{
					StaticFindings:   items,
					StrideCategories: cats,
					TestMetrics:      tm.counts,
					Gas:              gas,
				},
			}
			order = append(order, key)
		}
	}

	for _, j := range in.Journeys {
		var fns []string
		sum := 0.0
		for _, k := range j.FunctionKeys() {
			if fr, ok := rep.ByFunction[k]; ok {
				fns = append(fns, k)
				sum += fr.Score
			}
		}
		if fns == nil {
			fns = []string{}
		}
		sum += float64(max(0, len(fns)-1) * hopBonus)
		score := clamp(sum, e.weights.JourneyCap())
		rep.ByJourney[j.ID] = model.JourneyRisk{Score: score, Grade: e.thresholds.Grade(score), Functions: fns}
	}

	rep.Summary = e.summarize(rep, order)
	applyBaseline(rep, in.Baseline)
	e.logger.Info("risk scored",
		logging.Field{Key: "functions", Value: len(rep.ByFunction)},
		logging.Field{Key: "journeys", Value: len(rep.ByJourney)},
		logging.Field{Key: "overall", Value: rep.Summary.Overall})
	return rep
}

// collectStatic indexes findings by "C.f", "*.f" (function only), "C.*"
// (contract only) or "*".
func collectStatic(findings []model.Finding) map[string][]model.StaticItem {
	out := make(map[string][]model.StaticItem)
	for _, f := range findings {
		var key string
		switch {
		case f.Contract != "" && f.Function != "":
			key = model.FunctionKey(f.Contract, f.Function)
		case f.Function != "":
			key = "*." + f.Function
		case f.Contract != "":
			key = f.Contract + ".*"
		default:
			key = "*"
		}
		out[key] = append(out[key], model.StaticItem{Severity: model.NormalizeSeverity(string(f.Severity)), Rule: f.Check})
	}
	return out
}

// collectTests attributes each run to the functions of its journey. Runs
// whose journey is unknown fall back to matching function names inside the
// journey id.
func (e *Engine) collectTests(in Input) map[string]testMetrics {
	journeys := make(map[string]*model.Journey, len(in.Journeys))
	for i := range in.Journeys {
		journeys[in.Journeys[i].ID] = &in.Journeys[i]
	}
	out := make(map[string]testMetrics)
	add := func(key string, run *model.TestRun) {
		m := out[key]
		fc := run.Failures()
		m.counts.EoPFailed += fc.EoPFailed
		m.counts.NegFailed += fc.NegFailed
		m.counts.StressFailed += fc.StressFailed
		if len(run.Gas) > 0 && m.gas == nil {
			m.gas = make(map[string]int64, len(run.Gas))
		}
		for k, v := range run.Gas {
			m.gas[k] = v
		}
		out[key] = m
	}
	for i := range in.TestRuns {
		run := &in.TestRuns[i]
		id := run.Journey
		if id == "" {
			id = run.Project
		}
		if j, ok := journeys[id]; ok {
			for _, k := range j.FunctionKeys() {
				add(k, run)
			}
			continue
		}
		for _, c := range in.Model.Contracts {
			for _, f := range c.Functions {
				if f.Name != "" && strings.Contains(id, f.Name) {
					add(model.FunctionKey(c.Name, f.Name), run)
				}
			}
		}
	}
	return out
}

func (e *Engine) staticPoints(items []model.StaticItem) float64 {
	pts := 0.0
	for _, it := range items {
		pts += e.weights.Static[string(it.Severity)]
	}
	return pts
}

// stridePoints counts each non-empty category once.
func (e *Engine) stridePoints(b *model.Bucket) float64 {
	if b == nil {
		return 0
	}
	pts := 0.0
	for _, c := range b.Active() {
		pts += e.weights.Stride[string(c)]
	}
	return pts
}

func (e *Engine) testPoints(fc model.FailureCounts) float64 {
	return float64(fc.EoPFailed)*e.weights.Tests["eop_failed"] +
		float64(fc.NegFailed)*e.weights.Tests["neg_failed"] +
		float64(fc.StressFailed)*e.weights.Tests["stress_failed"]
}

func (e *Engine) gasPoints(gas map[string]int64) float64 {
	if e.weights.Gas == nil {
		return 0
	}
	thr := e.weights.Gas["heavy_threshold"]
	n := 0
	for _, v := range gas {
		if float64(v) > thr {
			n++
		}
	}
	return float64(n) * e.weights.Gas["penalty"]
}

func (e *Engine) summarize(rep *model.RiskReport, order []string) model.RiskSummary {
	s := model.RiskSummary{Buckets: make(map[string]int, 5), TopFunctions: []model.RankedFunction{}}
	for _, g := range model.Grades() {
		s.Buckets[g] = 0
	}
	total := 0.0
	for _, k := range order {
		fr := rep.ByFunction[k]
		total += fr.Score
		s.Buckets[fr.Grade]++
		s.TopFunctions = append(s.TopFunctions, model.RankedFunction{Key: k, Score: fr.Score, Grade: fr.Grade})
	}
	if len(order) > 0 {
		s.Overall = Round1(total / float64(len(order)))
	}
	s.Grade = e.thresholds.Grade(s.Overall)
	sort.SliceStable(s.TopFunctions, func(i, j int) bool {
		return s.TopFunctions[i].Score > s.TopFunctions[j].Score
	})
	if len(s.TopFunctions) > topN {
		s.TopFunctions = s.TopFunctions[:topN]
	}
	return s
}

// applyBaseline fills every delta. Keys missing from the baseline compare
// against zero.
func applyBaseline(rep *model.RiskReport, base *model.RiskReport) {
	var prevFn map[string]model.FunctionRisk
	var prevJ map[string]model.JourneyRisk
	prevOverall := 0.0
	if base != nil {
		prevFn, prevJ, prevOverall = base.ByFunction, base.ByJourney, base.Summary.Overall
	}
	for k, fr := range rep.ByFunction {
		fr.Delta = Round1(fr.Score - prevFn[k].Score)
		rep.ByFunction[k] = fr
	}
	for k, jr := range rep.ByJourney {
		jr.Delta = Round1(jr.Score - prevJ[k].Score)
		rep.ByJourney[k] = jr
	}
	rep.Summary.DeltaOverall = Round1(rep.Summary.Overall - prevOverall)
}

// LoadBaseline reads a previously written risk report.
func LoadBaseline(path string) (*model.RiskReport, error) {
	var rep model.RiskReport
	if err := store.ReadJSON(path, &rep); err != nil {
		return nil, fmt.Errorf("load baseline: %w", err)
	}
	return &rep, nil
}
