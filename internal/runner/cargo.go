package runner

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/raysh454/uatu/internal/logging"
	"github.com/raysh454/uatu/internal/model"
)

// cargo prints a "---- name stdout ----" block per failing test, quiet or not
var cargoFailRe = regexp.MustCompile(`(?m)^---- (\S+) stdout ----`)

// Cargo tests soroban projects. Counts come from the "test result:" lines,
// or from the exit code alone. Only failing test names are recorded, since
// quiet mode does not print passing ones.
type Cargo struct {
	cfg    ToolConfig
	exec   Executor
	logger logging.Logger
}

func NewCargo(cfg ToolConfig, ex Executor, logger logging.Logger) *Cargo {
	def := DefaultCargoConfig()
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = def.BuildTimeout
	}
	if cfg.TestTimeout <= 0 {
		cfg.TestTimeout = def.TestTimeout
	}
	if ex == nil {
		ex = OSExecutor{}
	}
	return &Cargo{cfg: cfg, exec: ex, logger: logging.OrNop(logger).With(logging.Field{Key: "component", Value: "cargo"})}
}

func (c *Cargo) Test(ctx context.Context, dir string) model.TestRun {
	run := model.TestRun{Project: filepath.Base(dir), Tests: []model.TestCase{}, Gas: map[string]int64{}}
	res := c.exec.Run(ctx, Cmd{Name: "cargo", Args: []string{"test", "--quiet"}, Dir: dir, Timeout: c.cfg.TestTimeout})
	sum := ParseForgeOutput(res.Output())
	if !sum.Found && !res.TimedOut && res.ExitCode >= 0 && !compileRe.MatchString(res.Output()) {
		sum.Found = true
		if res.ExitCode == 0 {
			sum.Passed = 1
		} else {
			sum.Failed = 1
		}
	}
	run.Tests = append(run.Tests, cargoFailures(res.Output())...)
	run.Passed, run.Failed, run.ExitCode = sum.Passed, sum.Failed, res.ExitCode
	classify(&run, res, sum)
	if run.Status != model.RunOK {
		c.logger.Debug("cargo test finished",
			logging.Field{Key: "project", Value: run.Project},
			logging.Field{Key: "status", Value: run.Status})
	}
	return run
}

// cargoFailures reads failing test names, dropping any module path.
func cargoFailures(out string) []model.TestCase {
	var tests []model.TestCase
	seen := make(map[string]bool)
	for _, m := range cargoFailRe.FindAllStringSubmatch(out, -1) {
		name := m[1]
		if i := strings.LastIndex(name, "::"); i >= 0 {
			name = name[i+2:]
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		tests = append(tests, model.TestCase{Name: name, Status: model.TestFailed})
	}
	return tests
}
