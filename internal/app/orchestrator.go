package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/raysh454/uatu/internal/journey"
	"github.com/raysh454/uatu/internal/llm"
	"github.com/raysh454/uatu/internal/logging"
	"github.com/raysh454/uatu/internal/metrics"
	"github.com/raysh454/uatu/internal/model"
	"github.com/raysh454/uatu/internal/registry"
	"github.com/raysh454/uatu/internal/risk"
	"github.com/raysh454/uatu/internal/runner"
	"github.com/raysh454/uatu/internal/source"
	"github.com/raysh454/uatu/internal/store"
	"github.com/raysh454/uatu/internal/synth"
	"github.com/raysh454/uatu/internal/webclient"
)

var ErrEmptyInput = errors.New("input is required")

// Deps replaces the out-of-process and network collaborators of a run.
// Nil fields get the production implementations.
type Deps struct {
	Executor runner.Executor
	// Provider skips provider detection when set.
	Provider  llm.Provider
	Builder   synth.Builder
	Runners   map[string]runner.TestRunner
	Fetcher   source.Fetcher
	WebClient webclient.WebClient
	Getenv    func(string) string
}

type Option func(*Orchestrator)

func WithMetrics(m *metrics.PipelineMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithDeps(d Deps) Option {
	return func(o *Orchestrator) { o.deps = d }
}

// RunSpec is one audit request. Empty fields take the configured values.
type RunSpec struct {
	Input        string `json:"input"`
	Ecosystem    string `json:"ecosystem,omitempty"`
	RunID        string `json:"run_id,omitempty"`
	BaselinePath string `json:"baseline,omitempty"`
	WeightsPath  string `json:"weights,omitempty"`
	StaticMode   string `json:"static_mode,omitempty"`
	LLMMode      string `json:"llm_mode,omitempty"`
}

type RunResult struct {
	RunID   string             `json:"run_id"`
	OutDir  string             `json:"out_dir"`
	Status  string             `json:"status"`
	Summary *model.RiskSummary `json:"summary,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// Orchestrator runs the audit pipeline and tracks background run jobs.
type Orchestrator struct {
	cfg      *Config
	registry *registry.Registry
	metrics  *metrics.PipelineMetrics
	deps     Deps
	logger   logging.Logger

	exec    runner.Executor
	wc      webclient.WebClient
	getenv  func(string) string
	fetcher source.Fetcher
	builder synth.Builder
	runners map[string]runner.TestRunner

	jobsMu     sync.Mutex
	jobs       map[string]*Job
	jobCancels map[string]context.CancelFunc
	closed     bool
	wg         sync.WaitGroup
}

// NewOrchestrator ties together config, registry and logger. reg may be
// nil, which disables baseline discovery.
func NewOrchestrator(cfg *Config, reg *registry.Registry, logger logging.Logger, opts ...Option) *Orchestrator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	o := &Orchestrator{
		cfg:        cfg,
		registry:   reg,
		logger:     logging.OrNop(logger).With(logging.Field{Key: "component", Value: "orchestrator"}),
		jobs:       make(map[string]*Job),
		jobCancels: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.exec = o.deps.Executor
	if o.exec == nil {
		o.exec = runner.OSExecutor{}
	}
	o.getenv = o.deps.Getenv
	if o.getenv == nil {
		o.getenv = os.Getenv
	}
	o.wc = o.deps.WebClient
	if o.wc == nil {
		o.wc = webclient.NewNetHTTPClient(logger, &http.Client{Timeout: cfg.LLM.HTTPTimeout})
	}
	o.fetcher = o.deps.Fetcher
	if o.fetcher == nil && cfg.Source.EtherscanAPIKey != "" {
		o.fetcher = source.NewEtherscanFetcher(o.wc, cfg.Source.EtherscanAPIKey, cfg.Source.EtherscanURL, logger)
	}
	forge := runner.NewForge(cfg.Forge, o.exec, logger)
	o.builder = o.deps.Builder
	if o.builder == nil {
		o.builder = forge
	}
	o.runners = o.deps.Runners
	if o.runners == nil {
		o.runners = map[string]runner.TestRunner{
			synth.ToolFoundry: forge,
			synth.ToolCargo:   runner.NewCargo(cfg.Cargo, o.exec, logger),
		}
	}
	return o
}

func (o *Orchestrator) Config() *Config { return o.cfg }

func (o *Orchestrator) normalize(spec RunSpec) (RunSpec, risk.Weights, error) {
	if spec.Input == "" {
		return spec, risk.Weights{}, ErrEmptyInput
	}
	if spec.Ecosystem == "" {
		spec.Ecosystem = o.cfg.Ecosystem
	}
	switch spec.Ecosystem {
	case model.EcosystemEVM:
	case model.EcosystemStellar, "soroban":
		spec.Ecosystem = model.EcosystemStellar
	default:
		return spec, risk.Weights{}, fmt.Errorf("unsupported ecosystem %q", spec.Ecosystem)
	}
	if spec.RunID == "" {
		spec.RunID = uuid.New().String()
	}
	if spec.WeightsPath == "" {
		spec.WeightsPath = o.cfg.Risk.WeightsPath
	}
	if spec.StaticMode == "" {
		spec.StaticMode = o.cfg.Slither.Mode
	}
	if spec.LLMMode == "" {
		spec.LLMMode = o.cfg.LLM.Mode
	}
	// Weights are read up front so a bad file fails before any phase runs.
	weights := risk.DefaultWeights()
	if spec.WeightsPath != "" {
		w, err := risk.LoadWeightsFile(spec.WeightsPath)
		if err != nil {
			return spec, risk.Weights{}, fmt.Errorf("weights: %w", err)
		}
		weights = w
	}
	return spec, weights, nil
}

// Run executes every phase in order and blocks until the run ends.
func (o *Orchestrator) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	spec, weights, err := o.normalize(spec)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, spec, weights, nil)
}

// run expects a normalized spec.
func (o *Orchestrator) run(ctx context.Context, spec RunSpec, weights risk.Weights, sink func(store.Event)) (*RunResult, error) {
	layout := store.Layout{Root: filepath.Join(o.cfg.OutRoot, spec.RunID)}
	if err := layout.Ensure(); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	events, err := store.OpenEventLog(layout.Events())
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer events.Close()

	logger := o.logger.With(logging.Field{Key: "run_id", Value: spec.RunID})
	st := &runState{
		id:      spec.RunID,
		spec:    spec,
		weights: weights,
		layout:  layout,
		events:  events,
		sink:    sink,
		logger:  logger,
	}
	defer st.close()

	if o.registry != nil {
		if _, err := o.registry.CreateRun(ctx, spec.RunID, spec.Input, spec.Ecosystem, layout.Root); err != nil {
			logger.Warn("run not registered", logging.Field{Key: "error", Value: err.Error()})
		}
	}
	if o.metrics != nil {
		o.metrics.RunStarted()
	}
	st.emit("", "run_started", map[string]any{"input": spec.Input, "ecosystem": spec.Ecosystem})
	st.writeStatus(registry.StatusRunning, "")
	logger.Info("run started", logging.Field{Key: "input", Value: spec.Input}, logging.Field{Key: "ecosystem", Value: spec.Ecosystem})

	var runErr error
	for _, ph := range o.phases() {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		st.phase = ph.name
		st.writeStatus(registry.StatusRunning, "")
		st.emit(ph.name, "phase_started", nil)

		start := time.Now()
		payload, err := ph.run(ctx, st)
		elapsed := time.Since(start)
		if o.metrics != nil {
			o.metrics.ObservePhase(ph.name, elapsed, err)
		}
		if err != nil {
			st.emit(ph.name, "phase_failed", map[string]any{"error": err.Error()})
			logger.Error("phase failed", logging.Field{Key: "phase", Value: ph.name}, logging.Field{Key: "error", Value: err.Error()})
			runErr = fmt.Errorf("%s: %w", ph.name, err)
			break
		}
		st.percent += ph.weight
		if payload == nil {
			payload = map[string]any{}
		}
		payload["percent"] = st.percent
		payload["duration_ms"] = elapsed.Milliseconds()
		st.emit(ph.name, "phase_completed", payload)
		st.writeStatus(registry.StatusRunning, "")
		logger.Info("phase completed", logging.Field{Key: "phase", Value: ph.name}, logging.Field{Key: "percent", Value: st.percent})
	}

	res := &RunResult{RunID: spec.RunID, OutDir: layout.Root, Status: registry.StatusCompleted}
	var overall float64
	var grade string
	if st.report != nil {
		sum := st.report.Summary
		res.Summary = &sum
		overall, grade = sum.Overall, sum.Grade
	}
	if runErr != nil {
		res.Status = registry.StatusFailed
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			res.Status = registry.StatusCanceled
		}
		res.Error = runErr.Error()
	}
	st.writeStatus(res.Status, res.Error)
	st.emit("", "run_finished", map[string]any{"status": res.Status, "error": res.Error})

	if o.registry != nil {
		if err := o.registry.FinishRun(context.WithoutCancel(ctx), spec.RunID, res.Status, overall, grade, res.Error); err != nil {
			logger.Warn("run not finalized in registry", logging.Field{Key: "error", Value: err.Error()})
		}
	}
	if o.metrics != nil {
		o.metrics.RunFinished(res.Status, overall, st.report != nil && runErr == nil)
	}
	logger.Info("run finished", logging.Field{Key: "status", Value: res.Status}, logging.Field{Key: "overall", Value: overall})
	return res, runErr
}

func (o *Orchestrator) plannerConfig(ecosystem string) journey.Config {
	cfg := o.cfg.Journey
	cfg.Chain = ecosystem
	return cfg
}
