package runner

import (
	"context"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/raysh454/uatu/internal/logging"
	"github.com/raysh454/uatu/internal/model"
	"github.com/raysh454/uatu/internal/store"
)

// DefaultCompactRatio is the failure ratio above which test results are
// compacted.
const DefaultCompactRatio = 0.30

// TestRunner executes one generated project.
type TestRunner interface {
	Test(ctx context.Context, dir string) model.TestRun
}

// Pool runs generated projects on a bounded number of workers.
type Pool struct {
	runners map[string]TestRunner
	workers int
	logger  logging.Logger
}

// NewPool maps artifact tools (foundry, cargo) to their runners.
func NewPool(runners map[string]TestRunner, workers int, logger logging.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{runners: runners, workers: workers, logger: logging.OrNop(logger).With(logging.Field{Key: "component", Value: "test-pool"})}
}

// RunAll executes every non-skipped artifact under root and writes each
// run to the layout as it completes. Results keep artifact order. A failing
// project never stops the others.
func (p *Pool) RunAll(ctx context.Context, root string, arts []model.TestArtifact, layout store.Layout) []model.TestRun {
	runs := make([]*model.TestRun, len(arts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i := range arts {
		a := arts[i]
		if a.Skipped {
			continue
		}
		g.Go(func() error {
			var run model.TestRun
			r, ok := p.runners[a.Tool]
			switch {
			case !ok:
				run = model.TestRun{Status: model.RunException, Error: "no runner for tool " + a.Tool, ExitCode: -1}
			case gctx.Err() != nil:
				run = model.TestRun{Status: model.RunException, Error: gctx.Err().Error(), ExitCode: -1}
			default:
				run = r.Test(gctx, filepath.Join(root, a.Project))
			}
			run.Project = a.Project
			run.Journey = a.JourneyID
			if run.Tests == nil {
				run.Tests = []model.TestCase{}
			}
			if run.Gas == nil {
				run.Gas = map[string]int64{}
			}
			if err := store.WriteJSON(layout.TestRun(a.Project), run); err != nil {
				p.logger.Warn("test run not written",
					logging.Field{Key: "project", Value: a.Project},
					logging.Field{Key: "error", Value: err.Error()})
			}
			p.logger.Info("project tested",
				logging.Field{Key: "project", Value: a.Project},
				logging.Field{Key: "status", Value: run.Status},
				logging.Field{Key: "passed", Value: run.Passed},
				logging.Field{Key: "failed", Value: run.Failed})
			runs[i] = &run
			return nil
		})
	}
	_ = g.Wait()
	out := make([]model.TestRun, 0, len(runs))
	for _, r := range runs {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// FailureRatio is failed tests over all counted tests.
func FailureRatio(runs []model.TestRun) float64 {
	passed, failed := 0, 0
	for _, r := range runs {
		passed += r.Passed
		failed += r.Failed
	}
	if passed+failed == 0 {
		return 0
	}
	return float64(failed) / float64(passed+failed)
}

// Compact builds the results artifact. Above threshold every run keeps its
// passing entries and only its first failing one.
func Compact(runs []model.TestRun, threshold float64) model.TestResults {
	res := model.TestResults{Runs: runs}
	if res.Runs == nil {
		res.Runs = []model.TestRun{}
	}
	if FailureRatio(runs) <= threshold {
		return res
	}
	res.Compacted = true
	res.Runs = make([]model.TestRun, len(runs))
	for i, r := range runs {
		kept := make([]model.TestCase, 0, len(r.Tests))
		seenFail := false
		for _, t := range r.Tests {
			if t.Status == model.TestFailed {
				if seenFail {
					continue
				}
				seenFail = true
			}
			kept = append(kept, t)
		}
		r.Tests = kept
		res.Runs[i] = r
	}
	return res
}
