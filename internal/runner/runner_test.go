package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/raysh454/uatu/internal/model"
	"github.com/raysh454/uatu/internal/store"
	"github.com/raysh454/uatu/internal/testutil"
)

type fakeExec struct {
	mu      sync.Mutex
	cmds    []Cmd
	paths   map[string]bool
	handler func(c Cmd) Result
}

func (f *fakeExec) Run(ctx context.Context, c Cmd) Result {
	f.mu.Lock()
	f.cmds = append(f.cmds, c)
	f.mu.Unlock()
	if f.handler == nil {
		return Result{}
	}
	return f.handler(c)
}

func (f *fakeExec) LookPath(name string) (string, error) {
	if f.paths[name] {
		return "/usr/bin/" + name, nil
	}
	return "", errors.New("not found")
}

func (f *fakeExec) commands() []Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Cmd(nil), f.cmds...)
}

const forgeOut = `Compiling 2 files with 0.8.20
Ran 4 tests for test/TestHappyVaultWithdraw.t.sol:TestHappyVaultWithdraw
[PASS] test_journey() (gas: 51234)
[PASS] test_negative_withdraw() (gas: 20011)
[FAIL: revert: unauthorized] test_stress_withdraw() (gas: 30000)
[FAIL. Reason: assertion failed] test_eop_block_withdraw() (gas: 40000)
Suite result: FAILED. 2 passed; 2 failed; 0 skipped; finished in 1.2ms
`

const snapshot = `TestHappyVaultWithdraw:test_journey() (gas: 51234)
TestHappyVaultWithdraw:test_stress_withdraw() (gas: 250000)
test_negative_withdraw() (gas: 20011)
TestFuzz:testFuzz_x(uint256) (runs: 256, μ: 100, ~: 90)
`

func TestParseForgeOutput(t *testing.T) {
	t.Parallel()
	s := ParseForgeOutput(forgeOut)
	if !s.Found || s.Passed != 2 || s.Failed != 2 || len(s.Tests) != 4 {
		t.Fatalf("summary = %+v", s)
	}
	run := model.TestRun{Tests: s.Tests}
	if fc := run.Failures(); fc.EoPFailed != 1 || fc.StressFailed != 1 || fc.NegFailed != 0 {
		t.Fatalf("failures = %+v", fc)
	}

	s = ParseForgeOutput("[PASS] test_a()\n[FAIL] test_b()\n")
	if !s.Found || s.Passed != 1 || s.Failed != 1 {
		t.Fatalf("counts from markers = %+v", s)
	}
	if s = ParseForgeOutput("nothing useful"); s.Found {
		t.Fatalf("found summary in noise")
	}
}

const forgeOutWithFailingSummary = `Compiling 2 files with 0.8.20
Ran 2 tests for test/TestHappyVaultWithdraw.t.sol:TestHappyVaultWithdraw
[PASS] test_journey() (gas: 51234)
[FAIL: revert: unauthorized] test_eop_block_withdraw() (gas: 40000)
Suite result: FAILED. 1 passed; 1 failed; 0 skipped; finished in 1.2ms (800.1µs CPU time)

Ran 1 test suite in 3.4ms (1.2ms CPU time): 1 tests passed, 1 failed, 0 skipped (2 total tests)

Failing tests:
Encountered 1 failing test in test/TestHappyVaultWithdraw.t.sol:TestHappyVaultWithdraw
[FAIL: revert: unauthorized] test_eop_block_withdraw() (gas: 40000)

Encountered a total of 1 failing tests, 1 tests succeeded
`

func TestParseForgeOutputIgnoresFailingTestsSection(t *testing.T) {
	t.Parallel()
	s := ParseForgeOutput(forgeOutWithFailingSummary)
	if !s.Found || s.Passed != 1 || s.Failed != 1 {
		t.Fatalf("summary = %+v", s)
	}
	want := []model.TestCase{
		{Name: "test_journey", Status: model.TestPassed},
		{Name: "test_eop_block_withdraw", Status: model.TestFailed},
	}
	if len(s.Tests) != len(want) {
		t.Fatalf("tests = %+v, want %+v", s.Tests, want)
	}
	for i := range want {
		if s.Tests[i] != want[i] {
			t.Fatalf("tests[%d] = %+v, want %+v", i, s.Tests[i], want[i])
		}
	}
	run := model.TestRun{Tests: s.Tests}
	if fc := run.Failures(); fc.EoPFailed != 1 {
		t.Fatalf("eop failures = %d, want 1", fc.EoPFailed)
	}
}

func TestParseForgeOutputDedupesRepeatedMarkers(t *testing.T) {
	t.Parallel()
	s := ParseForgeOutput("[FAIL] test_x()\n[PASS] test_y()\n[FAIL] test_x()\n")
	if len(s.Tests) != 2 || s.Failed != 1 || s.Passed != 1 {
		t.Fatalf("summary = %+v", s)
	}
	if s.Tests[0].Name != "test_x" || s.Tests[0].Status != model.TestFailed {
		t.Fatalf("first test = %+v", s.Tests[0])
	}
}

func TestParseGasSnapshot(t *testing.T) {
	t.Parallel()
	gas := ParseGasSnapshot(snapshot)
	if len(gas) != 3 || gas["test_stress_withdraw"] != 250000 || gas["test_negative_withdraw"] != 20011 {
		t.Fatalf("gas = %v", gas)
	}
}

func TestForgeTest(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "happy_Vault_withdraw")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	ex := &fakeExec{handler: func(c Cmd) Result {
		switch c.Args[0] {
		case "test":
			return Result{ExitCode: 1, Stdout: forgeOut}
		case "snapshot":
			_ = os.WriteFile(filepath.Join(c.Dir, ".gas-snapshot"), []byte(snapshot), 0o644)
		}
		return Result{}
	}}
	run := NewForge(ToolConfig{}, ex, nil).Test(context.Background(), dir)
	if run.Status != model.RunTestsFailed || run.Passed != 2 || run.Failed != 2 || run.ExitCode != 1 {
		t.Fatalf("run = %+v", run)
	}
	if run.Project != "happy_Vault_withdraw" || run.Gas["test_journey"] != 51234 {
		t.Fatalf("run = %+v", run)
	}
	cmds := ex.commands()
	if len(cmds) != 2 || cmds[0].Dir != dir || cmds[0].Timeout != DefaultForgeConfig().TestTimeout {
		t.Fatalf("commands = %+v", cmds)
	}
}

func TestForgeStatuses(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		res  Result
		want string
	}{
		{"ok", Result{Stdout: "[PASS] test_journey()\n1 passed; 0 failed"}, model.RunOK},
		{"compile", Result{ExitCode: 1, Stderr: "Error: Compiler run failed:\nError (7576): Undeclared identifier."}, model.RunCompileError},
		{"no summary", Result{ExitCode: 2, Stderr: "panic"}, model.RunTestError},
		{"timeout", Result{ExitCode: -1, TimedOut: true, Err: context.DeadlineExceeded}, model.RunTestError},
		{"missing tool", Result{ExitCode: -1, Err: errors.New(`exec: "forge": executable file not found`)}, model.RunException},
	}
	for _, tc := range cases {
		ex := &fakeExec{handler: func(Cmd) Result { return tc.res }}
		run := NewForge(ToolConfig{}, ex, nil).Test(context.Background(), t.TempDir())
		if run.Status != tc.want {
			t.Errorf("%s: status = %s, want %s", tc.name, run.Status, tc.want)
		}
		if tc.want != model.RunOK && tc.want != model.RunTestsFailed && len(ex.commands()) != 1 {
			t.Errorf("%s: snapshot ran after a failed test run", tc.name)
		}
	}
}

func TestForgeBuild(t *testing.T) {
	t.Parallel()
	ex := &fakeExec{handler: func(Cmd) Result { return Result{ExitCode: 1, Stderr: "Compiler run failed"} }}
	err := NewForge(ToolConfig{}, ex, nil).Build(context.Background(), t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "Compiler run failed") {
		t.Fatalf("err = %v", err)
	}
	ok := &fakeExec{}
	if err := NewForge(ToolConfig{}, ok, nil).Build(context.Background(), t.TempDir()); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if c := ok.commands()[0]; c.Name != "forge" || c.Args[0] != "build" {
		t.Fatalf("command = %+v", c)
	}
}

func TestCargoTest(t *testing.T) {
	t.Parallel()
	ex := &fakeExec{handler: func(Cmd) Result {
		return Result{Stdout: "running 1 test\n.\ntest result: ok. 1 passed; 0 failed; 0 ignored"}
	}}
	if run := NewCargo(ToolConfig{}, ex, nil).Test(context.Background(), t.TempDir()); run.Status != model.RunOK || run.Passed != 1 {
		t.Fatalf("run = %+v", run)
	}
	ex = &fakeExec{handler: func(Cmd) Result { return Result{ExitCode: 101} }}
	if run := NewCargo(ToolConfig{}, ex, nil).Test(context.Background(), t.TempDir()); run.Status != model.RunTestsFailed || run.Failed != 1 {
		t.Fatalf("run = %+v", run)
	}
	ex = &fakeExec{handler: func(Cmd) Result { return Result{ExitCode: 101, Stderr: "error[E0425]: cannot find value"} }}
	if run := NewCargo(ToolConfig{}, ex, nil).Test(context.Background(), t.TempDir()); run.Status != model.RunCompileError {
		t.Fatalf("run = %+v", run)
	}
}

const cargoFailingOut = `
running 2 tests
.F
failures:

---- test_stress_increment stdout ----
thread 'test_stress_increment' panicked at src/lib.rs:12:9:
attempt to add with overflow

failures:
    test_stress_increment

test result: FAILED. 1 passed; 1 failed; 0 ignored; 0 measured; 0 filtered out; finished in 0.01s
`

func TestCargoTestRecordsFailingNames(t *testing.T) {
	t.Parallel()
	ex := &fakeExec{handler: func(Cmd) Result { return Result{ExitCode: 101, Stdout: cargoFailingOut} }}
	run := NewCargo(ToolConfig{}, ex, nil).Test(context.Background(), t.TempDir())
	if run.Status != model.RunTestsFailed || run.Passed != 1 || run.Failed != 1 {
		t.Fatalf("run = %+v", run)
	}
	if len(run.Tests) != 1 || run.Tests[0] != (model.TestCase{Name: "test_stress_increment", Status: model.TestFailed}) {
		t.Fatalf("tests = %+v", run.Tests)
	}
	if fc := run.Failures(); fc.StressFailed != 1 {
		t.Fatalf("failures = %+v", fc)
	}
}

func TestSlitherStubModes(t *testing.T) {
	t.Parallel()
	out := t.TempDir()
	ex := &fakeExec{}
	res := NewSlither(SlitherConfig{Mode: StaticStub}, ex, nil).Run(context.Background(), t.TempDir(), out)
	if res.OK || res.Mode != StaticStub || res.Note != "Stub mode forced" {
		t.Fatalf("res = %+v", res)
	}
	var raw map[string]any
	if err := store.ReadJSON(filepath.Join(out, "slither.json"), &raw); err != nil || raw["note"] != "Stub mode forced" {
		t.Fatalf("stub report = %v, %v", raw, err)
	}

	missingSock := filepath.Join(t.TempDir(), "docker.sock")
	res = NewSlither(SlitherConfig{Mode: StaticAuto, DockerSocket: missingSock}, ex, nil).Run(context.Background(), t.TempDir(), t.TempDir())
	if res.Mode != StaticStub || !strings.Contains(res.Note, "Auto mode") {
		t.Fatalf("res = %+v", res)
	}

	out = t.TempDir()
	res = NewSlither(SlitherConfig{Mode: StaticHost, DockerSocket: missingSock}, ex, nil).Run(context.Background(), t.TempDir(), out)
	if res.Mode != StaticStub {
		t.Fatalf("res = %+v", res)
	}
	if _, err := os.Stat(filepath.Join(out, "slither.error.json")); err != nil {
		t.Fatalf("error report missing: %v", err)
	}
	if len(ex.commands()) != 0 {
		t.Fatalf("docker invoked without a daemon")
	}
}

func fakeSocket(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "docker.sock")
	if err := os.WriteFile(p, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

// outMount returns the host side of the "-v host:/out" mount.
func outMount(c Cmd) string {
	for i, a := range c.Args {
		if a == "-v" && i+1 < len(c.Args) && strings.HasSuffix(c.Args[i+1], ":/out") {
			return strings.TrimSuffix(c.Args[i+1], ":/out")
		}
	}
	return ""
}

func TestSlitherHost(t *testing.T) {
	t.Parallel()
	ex := &fakeExec{paths: map[string]bool{"docker": true}, handler: func(c Cmd) Result {
		report := `{"results":{"detectors":[{"check":"reentrancy-eth","impact":"High"}]}}`
		_ = os.WriteFile(filepath.Join(outMount(c), "slither.json"), []byte(report), 0o644)
		return Result{ExitCode: 255}
	}}
	out := t.TempDir()
	cfg := SlitherConfig{Mode: StaticAuto, DockerSocket: fakeSocket(t), Arch: "arm64"}
	res := NewSlither(cfg, ex, &testutil.DummyLogger{}).Run(context.Background(), t.TempDir(), out)
	if !res.OK || res.Mode != StaticHost || res.Path != filepath.Join(out, "slither.json") {
		t.Fatalf("res = %+v", res)
	}
	c := ex.commands()[0]
	args := strings.Join(c.Args, " ")
	if c.Name != "docker" || !strings.Contains(args, "--platform linux/arm64") || !strings.Contains(args, DefaultSlitherImage+" slither /src --json /out/slither.json") {
		t.Fatalf("command = %s %s", c.Name, args)
	}
}

func TestSlitherHostFailureFallsBackToStub(t *testing.T) {
	t.Parallel()
	ex := &fakeExec{paths: map[string]bool{"docker": true}, handler: func(Cmd) Result {
		return Result{ExitCode: 1, Stderr: "image pull failed"}
	}}
	out := t.TempDir()
	cfg := SlitherConfig{Mode: StaticHost, DockerSocket: fakeSocket(t), Arch: "amd64"}
	res := NewSlither(cfg, ex, nil).Run(context.Background(), t.TempDir(), out)
	if res.OK || res.Mode != StaticStub || !strings.Contains(res.Note, "fell back") {
		t.Fatalf("res = %+v", res)
	}
	var errReport map[string]any
	if err := store.ReadJSON(filepath.Join(out, "slither.error.json"), &errReport); err != nil || errReport["error"] != "slither_failed" {
		t.Fatalf("error report = %v, %v", errReport, err)
	}
	if strings.Contains(strings.Join(ex.commands()[0].Args, " "), "--platform") {
		t.Fatalf("platform flag on amd64")
	}
}

type scriptedRunner struct{ runs map[string]model.TestRun }

func (s scriptedRunner) Test(_ context.Context, dir string) model.TestRun {
	return s.runs[filepath.Base(dir)]
}

func TestPoolRunAll(t *testing.T) {
	t.Parallel()
	layout := store.Layout{Root: t.TempDir()}
	fr := scriptedRunner{runs: map[string]model.TestRun{
		"a": {Passed: 1, Status: model.RunOK},
		"b": {Failed: 1, Status: model.RunTestsFailed, Tests: []model.TestCase{{Name: "test_negative_x", Status: model.TestFailed}}},
	}}
	arts := []model.TestArtifact{
		{Project: "a", JourneyID: "happy_A_x", Tool: "foundry"},
		{Project: "skipped", Tool: "foundry", Skipped: true},
		{Project: "b", JourneyID: "negative_unauth_A_x", Tool: "foundry"},
		{Project: "c", Tool: "hardhat"},
	}
	runs := NewPool(map[string]TestRunner{"foundry": fr}, 3, nil).RunAll(context.Background(), layout.TestsDir(), arts, layout)
	if len(runs) != 3 {
		t.Fatalf("runs = %+v", runs)
	}
	if runs[0].Project != "a" || runs[0].Journey != "happy_A_x" || runs[1].Project != "b" || runs[2].Status != model.RunException {
		t.Fatalf("runs = %+v", runs)
	}
	var onDisk model.TestRun
	if err := store.ReadJSON(layout.TestRun("b"), &onDisk); err != nil || onDisk.Status != model.RunTestsFailed {
		t.Fatalf("b on disk = %+v, %v", onDisk, err)
	}
}

func TestCompact(t *testing.T) {
	t.Parallel()
	runs := []model.TestRun{{
		Project: "p", Passed: 1, Failed: 3,
		Tests: []model.TestCase{
			{Name: "test_a", Status: model.TestFailed},
			{Name: "test_b", Status: model.TestPassed},
			{Name: "test_c", Status: model.TestFailed},
			{Name: "test_d", Status: model.TestFailed},
		},
	}}
	res := Compact(runs, DefaultCompactRatio)
	if !res.Compacted || len(res.Runs[0].Tests) != 2 || res.Runs[0].Tests[0].Name != "test_a" || res.Runs[0].Tests[1].Name != "test_b" {
		t.Fatalf("compacted = %+v", res)
	}
	if len(runs[0].Tests) != 4 {
		t.Fatalf("input mutated")
	}

	healthy := []model.TestRun{{Passed: 7, Failed: 3, Tests: []model.TestCase{{Status: model.TestFailed}, {Status: model.TestFailed}}}}
	if res := Compact(healthy, DefaultCompactRatio); res.Compacted || len(res.Runs[0].Tests) != 2 {
		t.Fatalf("30%% exactly must not compact: %+v", res)
	}
	if res := Compact(nil, DefaultCompactRatio); res.Runs == nil || res.Compacted {
		t.Fatalf("empty = %+v", res)
	}
}
