package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/raysh454/uatu/internal/cluster"
	"github.com/raysh454/uatu/internal/extractor"
	"github.com/raysh454/uatu/internal/journey"
	"github.com/raysh454/uatu/internal/llm"
	"github.com/raysh454/uatu/internal/logging"
	"github.com/raysh454/uatu/internal/model"
	"github.com/raysh454/uatu/internal/registry"
	"github.com/raysh454/uatu/internal/risk"
	"github.com/raysh454/uatu/internal/runner"
	"github.com/raysh454/uatu/internal/schema"
	"github.com/raysh454/uatu/internal/source"
	"github.com/raysh454/uatu/internal/store"
	"github.com/raysh454/uatu/internal/synth"
	"github.com/raysh454/uatu/internal/threat"
)

const (
	PhasePrepare      = "prepare"
	PhaseInventory    = "inventory"
	PhaseExplore      = "explore"
	PhaseJourneys     = "journeys"
	PhaseThreats      = "threats"
	PhaseTestSynth    = "test_synth"
	PhaseExecuteTests = "execute_tests"
	PhaseRiskScore    = "risk_score"
	PhaseReport       = "report"
)

type phase struct {
	name   string
	weight int
	run    func(context.Context, *runState) (map[string]any, error)
}

// phases returns the fixed pipeline. Weights sum to 100.
func (o *Orchestrator) phases() []phase {
	return []phase{
		{PhasePrepare, 5, o.prepare},
		{PhaseInventory, 5, o.inventory},
		{PhaseExplore, 10, o.explore},
		{PhaseJourneys, 10, o.journeys},
		{PhaseThreats, 15, o.threats},
		{PhaseTestSynth, 20, o.testSynth},
		{PhaseExecuteTests, 20, o.executeTests},
		{PhaseRiskScore, 10, o.riskScore},
		{PhaseReport, 5, o.report},
	}
}

// PhaseNames lists the phases in execution order.
func PhaseNames() []string {
	var o Orchestrator
	out := make([]string, 0, 9)
	for _, p := range o.phases() {
		out = append(out, p.name)
	}
	return out
}

// runState carries the artifacts of one run from phase to phase.
type runState struct {
	id      string
	spec    RunSpec
	weights risk.Weights
	layout  store.Layout
	events  *store.EventLog
	sink    func(store.Event)
	logger  logging.Logger
	phase   string
	percent int

	acquired  *source.Acquired
	gateway   *llm.Gateway
	cache     llm.Cache
	inventory *Inventory
	model     *model.SourceModel
	clusters  []model.ContractClusters
	journeys  []model.Journey
	findings  *model.Findings
	threats   *model.Threats
	tests     []model.TestArtifact
	runs      []model.TestRun
	report    *model.RiskReport
}

func (s *runState) emit(phase, typ string, payload map[string]any) {
	ev := store.Event{RunID: s.id, Phase: phase, Type: typ, Payload: payload}
	if err := s.events.Append(&ev); err != nil {
		s.logger.Warn("event not persisted", logging.Field{Key: "type", Value: typ}, logging.Field{Key: "error", Value: err.Error()})
	}
	if s.sink != nil {
		s.sink(ev)
	}
}

func (s *runState) writeStatus(state, errMsg string) {
	st := store.Status{RunID: s.id, State: state, Phase: s.phase, Percent: s.percent, Error: errMsg}
	if err := s.layout.WriteStatus(st); err != nil {
		s.logger.Warn("status not persisted", logging.Field{Key: "error", Value: err.Error()})
	}
}

func (s *runState) close() {
	if s.cache != nil {
		_ = s.cache.Close()
	}
}

func (s *runState) revision() string {
	if s.inventory == nil {
		return ""
	}
	return s.inventory.Revision
}

func (o *Orchestrator) prepare(ctx context.Context, st *runState) (map[string]any, error) {
	acq := source.NewAcquirer(o.fetcher, st.logger)
	got, err := acq.Acquire(ctx, st.spec.Input, st.spec.Ecosystem, st.layout.SourceDir())
	if err != nil {
		return nil, err
	}
	st.acquired = got

	gw, cache, err := o.openGateway(ctx, st)
	if err != nil {
		return nil, err
	}
	st.gateway, st.cache = gw, cache
	meta := gw.Meta()
	st.emit(PhasePrepare, "llm_provider", map[string]any{
		"enabled":  meta.Enabled,
		"provider": meta.Provider,
		"model":    meta.Model,
		"reason":   meta.Reason,
	})
	return map[string]any{"kind": got.Kind, "files": got.Files}, nil
}

// openLLMCache prefers the sqlite cache, then a JSON file cache in the run
// directory, then memory.
func openLLMCache(layout store.Layout, logger logging.Logger) llm.Cache {
	c, err := llm.OpenSQLiteCache(layout.LLMCacheDB())
	if err == nil {
		return c
	}
	logger.Warn("sqlite llm cache unavailable, using files", logging.Field{Key: "error", Value: err.Error()})
	fc, err := llm.NewFileCache(layout.LLMCacheDir())
	if err == nil {
		return fc
	}
	logger.Warn("llm file cache unavailable, using memory", logging.Field{Key: "error", Value: err.Error()})
	return llm.NewMemoryCache()
}

func (o *Orchestrator) openGateway(ctx context.Context, st *runState) (*llm.Gateway, llm.Cache, error) {
	cache := openLLMCache(st.layout, st.logger)

	meta := llm.DetectProvider(st.spec.LLMMode, o.getenv)
	provider := llm.NewProvider(meta, o.wc, o.getenv)
	if o.deps.Provider != nil && meta.Reason != "flag_off" {
		provider = o.deps.Provider
		meta = llm.ProviderMeta{Enabled: true, Provider: provider.Name(), Model: provider.Model()}
	}
	opts := llm.Options{
		Caps:           o.cfg.LLM.Caps,
		Enabled:        meta.Enabled,
		DisabledReason: meta.Reason,
		NoCache:        o.cfg.LLM.NoCache,
		Retry:          llm.RetryPolicy{MaxAttempts: o.cfg.LLM.MaxAttempts, Backoff: o.cfg.LLM.Backoff},
		UsagePath:      st.layout.LLMUsage(),
	}
	if o.metrics != nil {
		opts.Observer = o.metrics
	}
	gw, err := llm.NewGateway(ctx, cache, provider, opts, st.logger)
	if err != nil {
		_ = cache.Close()
		return nil, nil, err
	}
	return gw, cache, nil
}

func (o *Orchestrator) inventory(ctx context.Context, st *runState) (map[string]any, error) {
	inv, err := BuildInventory(ctx, st.layout.SourceDir())
	if err != nil {
		return nil, fmt.Errorf("inventory: %w", err)
	}
	st.inventory = inv

	switch {
	case !o.cfg.LLM.Synopsis:
		inv.SynopsisReason = llm.ReasonDisabled
	default:
		res := st.gateway.Call(ctx, llm.Request{
			Tier:     llm.Nano,
			Template: llm.TemplateRepoSynopsis,
			Revision: inv.Revision,
			Prompt:   llm.SynopsisPrompt(inv.Tree, inv.Readme),
		})
		if res.Success {
			inv.Synopsis = strings.TrimSpace(llm.StripFences(res.Output))
		} else {
			inv.SynopsisReason = res.Reason
		}
	}
	if err := store.WriteJSON(st.layout.Inventory(), inv); err != nil {
		return nil, err
	}
	return map[string]any{"files": inv.Files, "revision": inv.Revision}, nil
}

func (o *Orchestrator) explore(ctx context.Context, st *runState) (map[string]any, error) {
	ex := extractor.For(st.spec.Ecosystem, st.logger)
	sm, err := ex.Extract(ctx, st.layout.SourceDir())
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	if err := schema.Flows(sm); err != nil {
		return nil, err
	}
	if err := store.WriteJSON(st.layout.Flows(), sm); err != nil {
		return nil, err
	}
	st.model = sm
	return map[string]any{"contracts": len(sm.Contracts), "functions": len(sm.FunctionKeys())}, nil
}

func (o *Orchestrator) journeys(ctx context.Context, st *runState) (map[string]any, error) {
	if o.cfg.LLM.Clustering {
		st.clusters = cluster.New(st.gateway, st.logger).All(ctx, st.model, st.revision())
	}
	if st.clusters == nil {
		st.clusters = []model.ContractClusters{}
	}
	if err := store.WriteJSON(st.layout.Clusters(), st.clusters); err != nil {
		return nil, err
	}

	planner, err := journey.NewPlanner(o.plannerConfig(st.spec.Ecosystem), st.logger)
	if err != nil {
		return nil, fmt.Errorf("planner: %w", err)
	}
	st.journeys = planner.Plan(st.model, nil, st.clusters)
	if err := o.writeJourneys(st); err != nil {
		return nil, err
	}
	return map[string]any{"journeys": len(st.journeys)}, nil
}

func (o *Orchestrator) writeJourneys(st *runState) error {
	doc := &model.Journeys{Journeys: st.journeys}
	if doc.Journeys == nil {
		doc.Journeys = []model.Journey{}
	}
	if err := schema.Journeys(doc); err != nil {
		return err
	}
	return store.WriteJSON(st.layout.Journeys(), doc)
}

// threats runs the static analyzer, categorizes its findings and re-plans
// journeys with the threat signals. The analyzer never fails the phase.
func (o *Orchestrator) threats(ctx context.Context, st *runState) (map[string]any, error) {
	scfg := o.cfg.Slither
	if st.spec.StaticMode != "" {
		scfg.Mode = st.spec.StaticMode
	}
	if st.spec.Ecosystem != model.EcosystemEVM {
		scfg.Mode = runner.StaticStub
	}
	res := runner.NewSlither(scfg, o.exec, st.logger).Run(ctx, st.layout.SourceDir(), st.layout.StaticDir())
	if o.metrics != nil {
		o.metrics.ObserveStatic(res.Mode, res.OK)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	findings := &model.Findings{OK: res.OK, Mode: res.Mode, Note: res.Note, Findings: []model.Finding{}}
	if res.OK && res.Path != "" {
		if fs := threat.NormalizeFile(res.Path); fs != nil {
			findings.Findings = fs
		}
	}
	if err := schema.Findings(findings); err != nil {
		return nil, err
	}
	if err := store.WriteJSON(st.layout.Findings(), findings); err != nil {
		return nil, err
	}
	st.findings = findings

	mapper := threat.NewMapper(nil)
	byFn := threat.Stitch(st.model, mapper.Categorize(findings.Findings))
	threats := &model.Threats{ByFunction: byFn}

	planner, err := journey.NewPlanner(o.plannerConfig(st.spec.Ecosystem), st.logger)
	if err != nil {
		return nil, fmt.Errorf("planner: %w", err)
	}
	replanned := planner.Plan(st.model, threats, st.clusters)
	changed := !slices.Equal(journeyIDs(replanned), journeyIDs(st.journeys))
	if changed {
		st.journeys = replanned
		if err := o.writeJourneys(st); err != nil {
			return nil, err
		}
	}
	threats.ByJourney = threat.ByJourney(byFn, st.journeys)

	if err := schema.Threats(st.model, threats); err != nil {
		return nil, err
	}
	if err := store.WriteJSON(st.layout.Threats(), threats); err != nil {
		return nil, err
	}
	st.threats = threats
	return map[string]any{
		"static_ok":   res.OK,
		"static_mode": res.Mode,
		"findings":    len(findings.Findings),
		"journeys":    len(st.journeys),
		"replanned":   changed,
	}, nil
}

func journeyIDs(js []model.Journey) []string {
	out := make([]string, len(js))
	for i, j := range js {
		out[i] = j.ID
	}
	return out
}

func (o *Orchestrator) testSynth(ctx context.Context, st *runState) (map[string]any, error) {
	eng := synth.NewEngine(o.cfg.Synth, st.gateway, o.builder, st.logger)
	arts, err := eng.Synthesize(ctx, synth.Request{
		Model:     st.model,
		Journeys:  st.journeys,
		Threats:   st.threats,
		Ecosystem: st.spec.Ecosystem,
		SourceDir: st.layout.SourceDir(),
		Layout:    st.layout,
		Revision:  st.revision(),
	})
	if err != nil {
		return nil, err
	}
	if arts == nil {
		arts = []model.TestArtifact{}
	}
	augments := 0
	for _, a := range arts {
		for _, m := range a.Augments {
			if m.Added {
				augments++
			}
			if o.metrics != nil {
				o.metrics.ObserveAugment(m.Reason)
			}
		}
	}
	idx := &model.TestIndex{Tests: arts}
	if err := schema.TestIndex(idx); err != nil {
		return nil, err
	}
	if err := store.WriteJSON(st.layout.Tests(), idx); err != nil {
		return nil, err
	}
	st.tests = arts
	return map[string]any{"projects": len(arts), "augments_applied": augments}, nil
}

func (o *Orchestrator) executeTests(ctx context.Context, st *runState) (map[string]any, error) {
	pool := runner.NewPool(o.runners, o.cfg.TestWorkers, st.logger)
	runs := pool.RunAll(ctx, synth.ProjectRoot(st.layout, st.spec.Ecosystem), st.tests, st.layout)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if o.metrics != nil {
		for _, r := range runs {
			o.metrics.ObserveTestRun(r.Status)
		}
	}
	st.runs = runs

	results := runner.Compact(runs, o.cfg.CompactRatio)
	if results.Runs == nil {
		results.Runs = []model.TestRun{}
	}
	if err := schema.TestResults(&results); err != nil {
		return nil, err
	}
	if err := store.WriteJSON(st.layout.TestSummary(), &results); err != nil {
		return nil, err
	}
	return map[string]any{
		"projects":      len(runs),
		"failure_ratio": runner.FailureRatio(runs),
		"compacted":     results.Compacted,
	}, nil
}

func (o *Orchestrator) riskScore(ctx context.Context, st *runState) (map[string]any, error) {
	baseline, from := o.baseline(ctx, st)

	var findings []model.Finding
	if st.findings != nil {
		findings = st.findings.Findings
	}
	rep := risk.NewEngine(st.weights, o.cfg.Risk.Thresholds, st.logger).Score(risk.Input{
		Model:    st.model,
		Threats:  st.threats,
		Findings: findings,
		TestRuns: st.runs,
		Journeys: st.journeys,
		Baseline: baseline,
	})
	if err := schema.Risk(rep); err != nil {
		return nil, err
	}
	if err := store.WriteJSON(st.layout.Risk(), rep); err != nil {
		return nil, err
	}
	st.report = rep
	out := map[string]any{"overall": rep.Summary.Overall, "grade": rep.Summary.Grade}
	if from != "" {
		out["baseline"] = from
		out["delta_overall"] = rep.Summary.DeltaOverall
	}
	return out, nil
}

// baseline loads the explicit baseline or the risk report of the latest
// completed run for the same target. A missing baseline is not an error.
func (o *Orchestrator) baseline(ctx context.Context, st *runState) (*model.RiskReport, string) {
	path := st.spec.BaselinePath
	if path == "" && o.registry != nil {
		prev, err := o.registry.LatestCompleted(ctx, st.spec.Input, st.id)
		switch {
		case errors.Is(err, registry.ErrRunNotFound):
		case err != nil:
			st.logger.Warn("baseline lookup failed", logging.Field{Key: "error", Value: err.Error()})
		default:
			path = store.Layout{Root: prev.OutDir}.Risk()
		}
	}
	if path == "" {
		return nil, ""
	}
	rep, err := risk.LoadBaseline(path)
	if err != nil {
		st.logger.Warn("baseline ignored", logging.Field{Key: "path", Value: path}, logging.Field{Key: "error", Value: err.Error()})
		return nil, ""
	}
	return rep, path
}

// Report is the report.json handoff manifest consumed by renderers.
type Report struct {
	RunID     string            `json:"run_id"`
	Input     string            `json:"input"`
	Ecosystem string            `json:"ecosystem"`
	Revision  string            `json:"revision"`
	Summary   model.RiskSummary `json:"summary"`
	LLM       llm.UsageSummary  `json:"llm"`
	Artifacts map[string]string `json:"artifacts"`
}

func (o *Orchestrator) report(ctx context.Context, st *runState) (map[string]any, error) {
	usage := st.gateway.UsageSummary()
	if err := st.gateway.WriteUsage(st.layout.LLMUsage()); err != nil {
		return nil, err
	}
	rep := &Report{
		RunID:     st.id,
		Input:     st.spec.Input,
		Ecosystem: st.spec.Ecosystem,
		Revision:  st.revision(),
		LLM:       usage,
		Artifacts: map[string]string{},
	}
	if st.report != nil {
		rep.Summary = st.report.Summary
	}
	for name, path := range map[string]string{
		"flows":     st.layout.Flows(),
		"inventory": st.layout.Inventory(),
		"journeys":  st.layout.Journeys(),
		"threats":   st.layout.Threats(),
		"findings":  st.layout.Findings(),
		"tests":     st.layout.Tests(),
		"results":   st.layout.TestSummary(),
		"risk":      st.layout.Risk(),
		"llm_usage": st.layout.LLMUsage(),
		"events":    st.layout.Events(),
	} {
		if _, err := os.Stat(path); err == nil {
			rep.Artifacts[name] = path
		}
	}
	if err := store.WriteJSON(st.layout.Report(), rep); err != nil {
		return nil, err
	}
	return map[string]any{"artifacts": len(rep.Artifacts)}, nil
}
