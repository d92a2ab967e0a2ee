package runner

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/raysh454/uatu/internal/logging"
	"github.com/raysh454/uatu/internal/model"
)

var (
	summaryRe = regexp.MustCompile(`(?i)(\d+)\s+passed;\s+(\d+)\s+failed`)
	passRe    = regexp.MustCompile(`\[PASS\]\s+(test\w+)`)
	failRe    = regexp.MustCompile(`\[FAIL[^\]]*\]\s+(test\w+)`)
	snapRe    = regexp.MustCompile(`^\s*(?:[\w/.-]+:)?(\w+)\(\)\s*\(gas:\s*(\d+)\)\s*$`)
	compileRe = regexp.MustCompile(`(?i)compiler run failed|error\[E\d+\]|could not compile`)
)

type ToolConfig struct {
	BuildTimeout time.Duration `yaml:"build_timeout" json:"build_timeout"`
	TestTimeout  time.Duration `yaml:"test_timeout" json:"test_timeout"`
}

func DefaultForgeConfig() ToolConfig {
	return ToolConfig{BuildTimeout: 3 * time.Minute, TestTimeout: 15 * time.Minute}
}

func DefaultCargoConfig() ToolConfig {
	return ToolConfig{BuildTimeout: 10 * time.Minute, TestTimeout: 20 * time.Minute}
}

// Summary is what a runner's console output says about a test run.
type Summary struct {
	Passed int
	Failed int
	Found  bool
	Tests  []model.TestCase
}

// ParseForgeOutput reads the summary line and per-test PASS/FAIL markers.
// Multiple summary lines (one per suite) are added up. The trailing
// "Failing tests:" section repeats failures already listed, so markers
// after it are ignored; a test name is recorded once with its first status.
func ParseForgeOutput(out string) Summary {
	var s Summary
	if i := strings.Index(out, "\nFailing tests:"); i >= 0 {
		out = out[:i+1]
	} else if strings.HasPrefix(out, "Failing tests:") {
		out = ""
	}
	for _, m := range summaryRe.FindAllStringSubmatch(out, -1) {
		p, _ := strconv.Atoi(m[1])
		f, _ := strconv.Atoi(m[2])
		s.Passed += p
		s.Failed += f
		s.Found = true
	}
	seen := make(map[string]bool)
	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		var tc model.TestCase
		if m := passRe.FindStringSubmatch(line); m != nil {
			tc = model.TestCase{Name: m[1], Status: model.TestPassed}
		} else if m := failRe.FindStringSubmatch(line); m != nil {
			tc = model.TestCase{Name: m[1], Status: model.TestFailed}
		} else {
			continue
		}
		if seen[tc.Name] {
			continue
		}
		seen[tc.Name] = true
		s.Tests = append(s.Tests, tc)
	}
	if !s.Found && len(s.Tests) > 0 {
		for _, t := range s.Tests {
			if t.Status == model.TestPassed {
				s.Passed++
			} else {
				s.Failed++
			}
		}
		s.Found = true
	}
	return s
}

// ParseGasSnapshot reads .gas-snapshot lines "Contract:test() (gas: N)".
func ParseGasSnapshot(text string) map[string]int64 {
	gas := make(map[string]int64)
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		m := snapRe.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		if n, err := strconv.ParseInt(m[2], 10, 64); err == nil {
			gas[m[1]] = n
		}
	}
	return gas
}

// classify turns a finished invocation into a run status.
func classify(run *model.TestRun, res Result, sum Summary) {
	switch {
	case res.TimedOut:
		run.Status = model.RunTestError
		run.Error = "timeout"
	case res.ExitCode == -1 && res.Err != nil:
		run.Status = model.RunException
		run.Error = res.Err.Error()
	case compileRe.MatchString(res.Output()) && !sum.Found:
		run.Status = model.RunCompileError
		run.Error = tail(res.Output(), stderrTailLen)
	case !sum.Found && res.ExitCode != 0:
		run.Status = model.RunTestError
		run.Error = tail(res.Output(), stderrTailLen)
	case sum.Failed > 0:
		run.Status = model.RunTestsFailed
	default:
		run.Status = model.RunOK
	}
}

// Forge builds and tests foundry projects.
type Forge struct {
	cfg    ToolConfig
	exec   Executor
	logger logging.Logger
}

func NewForge(cfg ToolConfig, ex Executor, logger logging.Logger) *Forge {
	def := DefaultForgeConfig()
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = def.BuildTimeout
	}
	if cfg.TestTimeout <= 0 {
		cfg.TestTimeout = def.TestTimeout
	}
	if ex == nil {
		ex = OSExecutor{}
	}
	return &Forge{cfg: cfg, exec: ex, logger: logging.OrNop(logger).With(logging.Field{Key: "component", Value: "forge"})}
}

// Build runs forge build in dir. A non-zero exit is an error carrying the
// output tail.
func (f *Forge) Build(ctx context.Context, dir string) error {
	res := f.exec.Run(ctx, Cmd{Name: "forge", Args: []string{"build"}, Dir: dir, Timeout: f.cfg.BuildTimeout})
	if res.ExitCode == 0 && res.Err == nil {
		return nil
	}
	if res.TimedOut {
		return fmt.Errorf("forge build timed out after %s", f.cfg.BuildTimeout)
	}
	return fmt.Errorf("forge build exit %d: %s", res.ExitCode, tail(res.Output(), stderrTailLen))
}

// Test runs forge test then forge snapshot in dir.
func (f *Forge) Test(ctx context.Context, dir string) model.TestRun {
	run := model.TestRun{Project: filepath.Base(dir), Tests: []model.TestCase{}, Gas: map[string]int64{}}
	res := f.exec.Run(ctx, Cmd{Name: "forge", Args: []string{"test", "-vvv"}, Dir: dir, Timeout: f.cfg.TestTimeout})
	sum := ParseForgeOutput(res.Output())
	run.Passed, run.Failed, run.ExitCode = sum.Passed, sum.Failed, res.ExitCode
	if sum.Tests != nil {
		run.Tests = sum.Tests
	}
	classify(&run, res, sum)
	if run.Status != model.RunOK && run.Status != model.RunTestsFailed {
		return run
	}

	snap := f.exec.Run(ctx, Cmd{Name: "forge", Args: []string{"snapshot"}, Dir: dir, Timeout: f.cfg.TestTimeout})
	if data, err := os.ReadFile(filepath.Join(dir, ".gas-snapshot")); err == nil {
		run.Gas = ParseGasSnapshot(string(data))
	} else {
		f.logger.Debug("no gas snapshot",
			logging.Field{Key: "project", Value: run.Project},
			logging.Field{Key: "exit_code", Value: snap.ExitCode})
	}
	return run
}
