// Package synth emits deterministic test projects per journey and, when a
// model gateway and a builder are available, appends model-generated
// assertions that are kept only if the project still builds.
package synth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/raysh454/uatu/internal/llm"
	"github.com/raysh454/uatu/internal/logging"
	"github.com/raysh454/uatu/internal/model"
	"github.com/raysh454/uatu/internal/store"
)

const (
	ToolFoundry = "foundry"
	ToolCargo   = "cargo"

	kindGenerated = "generated"

	// recoveryAfter is how many compile errors a function collects before
	// the large tier is tried.
	recoveryAfter = 2
)

type Config struct {
	EoPMode           string   `yaml:"eop_mode" json:"eop_mode"`
	SensitivePrefixes []string `yaml:"sensitive_prefixes" json:"sensitive_prefixes"`
	Workers           int      `yaml:"workers" json:"workers"`
	Augment           bool     `yaml:"augment" json:"augment"`
	LargeRecovery     bool     `yaml:"large_recovery" json:"large_recovery"`
}

func DefaultConfig() Config {
	return Config{
		EoPMode:           EoPAuto,
		SensitivePrefixes: DefaultSensitivePrefixes(),
		Workers:           4,
		Augment:           true,
		LargeRecovery:     true,
	}
}

// Builder compiles one generated test project.
type Builder interface {
	Build(ctx context.Context, dir string) error
}

// Caller is the part of llm.Gateway synthesis uses.
type Caller interface {
	Call(ctx context.Context, req llm.Request) llm.Result
	Meta() llm.ProviderMeta
}

// Request is the input of one synthesis pass.
type Request struct {
	Model     *model.SourceModel
	Journeys  []model.Journey
	Threats   *model.Threats
	Ecosystem string
	// SourceDir is the acquired source tree copied into the projects.
	SourceDir string
	Layout    store.Layout
	Revision  string
}

type Engine struct {
	cfg     Config
	gate    Gate
	gw      Caller
	builder Builder
	logger  logging.Logger

	mu          sync.Mutex
	compileErrs map[string]int
	recovered   map[string]bool
}

// NewEngine builds a synthesis engine. gw and builder may be nil, which
// disables augmentation.
func NewEngine(cfg Config, gw Caller, builder Builder, logger logging.Logger) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Engine{
		cfg:         cfg,
		gate:        NewGate(cfg.EoPMode, cfg.SensitivePrefixes),
		gw:          gw,
		builder:     builder,
		logger:      logging.OrNop(logger).With(logging.Field{Key: "component", Value: "synth"}),
		compileErrs: make(map[string]int),
		recovered:   make(map[string]bool),
	}
}

func (e *Engine) augmenting() bool {
	return e.cfg.Augment && e.gw != nil && e.builder != nil
}

func isSoroban(eco string) bool {
	switch strings.ToLower(eco) {
	case model.EcosystemStellar, "soroban":
		return true
	}
	return false
}

// ProjectRoot is the directory holding the generated projects of ecosystem.
func ProjectRoot(layout store.Layout, ecosystem string) string {
	if isSoroban(ecosystem) {
		return filepath.Join(layout.TestsDir(), "soroban")
	}
	return filepath.Join(layout.TestsDir(), "evm")
}

// Synthesize writes one test project per journey with at least one step
// and returns the artifacts in journey order. Journeys run on a bounded
// pool; each writes only under its own project directory. The error is
// non-nil only on cancellation or when a staged edit could not be undone.
func (e *Engine) Synthesize(ctx context.Context, req Request) ([]model.TestArtifact, error) {
	eco := "evm"
	if isSoroban(req.Ecosystem) {
		eco = "soroban"
	}
	root := ProjectRoot(req.Layout, req.Ecosystem)

	var idx map[string]string
	if eco == "evm" {
		var err error
		if idx, err = e.prepareShared(ctx, req.SourceDir, filepath.Join(root, sharedSourceDir)); err != nil {
			return nil, err
		}
	}

	arts := make([]*model.TestArtifact, len(req.Journeys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i := range req.Journeys {
		j := &req.Journeys[i]
		if len(j.Steps) == 0 {
			continue
		}
		g.Go(func() error {
			var (
				a   *model.TestArtifact
				err error
			)
			if eco == "evm" {
				a, err = e.foundryJourney(gctx, &req, j, root, idx)
			} else {
				a, err = e.sorobanJourney(gctx, &req, j, root)
			}
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, ErrRestore) {
					return err
				}
				e.logger.Warn("journey synthesis failed",
					logging.Field{Key: "journey", Value: j.ID},
					logging.Field{Key: "error", Value: err.Error()})
				return nil
			}
			arts[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make([]model.TestArtifact, 0, len(arts))
	for _, a := range arts {
		if a != nil {
			out = append(out, *a)
		}
	}
	e.logger.Info("tests synthesized",
		logging.Field{Key: "ecosystem", Value: eco},
		logging.Field{Key: "projects", Value: len(out)})
	return out, nil
}

// prepareShared copies the source tree once for all foundry projects and
// indexes which file declares each contract.
func (e *Engine) prepareShared(ctx context.Context, src, shared string) (map[string]string, error) {
	if _, err := os.Stat(shared); errors.Is(err, os.ErrNotExist) && src != "" {
		if _, err := os.Stat(src); err == nil {
			n, err := store.CopyTree(ctx, src, shared, store.CopyOptions{})
			if err != nil {
				return nil, fmt.Errorf("copy shared source: %w", err)
			}
			e.logger.Debug("shared source copied", logging.Field{Key: "files", Value: n})
		}
	}
	if _, err := os.Stat(shared); err != nil {
		return map[string]string{}, nil
	}
	idx, err := contractIndex(ctx, shared)
	if err != nil {
		return nil, fmt.Errorf("index shared source: %w", err)
	}
	e.logger.Debug("contract index built", logging.Field{Key: "contracts", Value: sortedKeys(idx)})
	return idx, nil
}

func (e *Engine) foundryJourney(ctx context.Context, req *Request, j *model.Journey, root string, idx map[string]string) (*model.TestArtifact, error) {
	cName := j.Steps[0].Contract
	proj := filepath.Join(root, j.ID)
	art := &model.TestArtifact{
		ID:        j.ID + "_" + kindGenerated,
		JourneyID: j.ID,
		Kind:      kindGenerated,
		Tool:      ToolFoundry,
		Project:   j.ID,
		Files:     []string{},
	}

	imp := importPath(idx, cName)
	if imp == "" {
		msg := fmt.Sprintf("Contract file for %s not found in shared source.", cName)
		if err := store.AtomicWriteFile(filepath.Join(proj, "SKIPPED.txt"), []byte(msg), 0o644); err != nil {
			return nil, err
		}
		art.Skipped = true
		return art, nil
	}

	c := req.Model.Contract(cName)
	steps, unique := uniqueShapes(c, j)
	var eop []fnShape
	for _, fn := range unique {
		ok, signal := e.gate.Allow(fn.Name, req.Threats.For(model.FunctionKey(cName, fn.Name)))
		if ok {
			eop = append(eop, fn)
			e.logger.Debug("eop test emitted",
				logging.Field{Key: "journey", Value: j.ID},
				logging.Field{Key: "function", Value: fn.Name},
				logging.Field{Key: "signal", Value: signal})
		}
	}

	name := TestContractName(j.ID)
	code := renderFoundry(foundryTest{Import: imp, Contract: cName, Name: name, Steps: steps, Unique: unique, EoP: eop})
	tfile := filepath.Join(proj, "test", name+".t.sol")
	if err := store.AtomicWriteFile(tfile, []byte(code), 0o644); err != nil {
		return nil, err
	}
	if err := store.AtomicWriteFile(filepath.Join(proj, "foundry.toml"), []byte(foundryToml), 0o644); err != nil {
		return nil, err
	}
	art.Files = append(art.Files, tfile)

	if !e.augmenting() {
		return art, nil
	}
	for _, fn := range unique {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		am, err := e.augment(ctx, req, j, c, cName, proj, tfile, fn)
		if err != nil {
			return nil, err
		}
		if err := store.WriteJSON(req.Layout.AugmentMeta(j.ID, fn.Name), am); err != nil {
			e.logger.Warn("augmentation meta not written", logging.Field{Key: "error", Value: err.Error()})
		}
		art.Augments = append(art.Augments, am)
	}
	return art, nil
}

func (e *Engine) sorobanJourney(ctx context.Context, req *Request, j *model.Journey, root string) (*model.TestArtifact, error) {
	module := j.Steps[0].Contract
	proj := filepath.Join(root, j.ID)
	if req.SourceDir != "" {
		if _, err := os.Stat(req.SourceDir); err == nil {
			if _, err := store.CopyTree(ctx, req.SourceDir, filepath.Join(proj, "src"), store.CopyOptions{Ext: ".rs"}); err != nil {
				return nil, err
			}
		}
	}
	if err := store.AtomicWriteFile(filepath.Join(proj, "Cargo.toml"), []byte(renderCargoToml(j.ID)), 0o644); err != nil {
		return nil, err
	}
	steps, unique := uniqueShapes(req.Model.Contract(module), j)
	tfile := filepath.Join(proj, "tests", "generated.rs")
	if err := store.AtomicWriteFile(tfile, []byte(renderSorobanTest(j.ID, module, steps, unique)), 0o644); err != nil {
		return nil, err
	}
	return &model.TestArtifact{
		ID:        j.ID + "_" + kindGenerated,
		JourneyID: j.ID,
		Kind:      kindGenerated,
		Tool:      ToolCargo,
		Project:   j.ID,
		Files:     []string{tfile},
	}, nil
}
