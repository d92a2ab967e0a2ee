// Package testutil provides shared test doubles for use across package tests.
// The doubles satisfy production interfaces structurally and import only
// logging and model, so any package may use them from its tests.
package testutil

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/raysh454/uatu/internal/logging"
	"github.com/raysh454/uatu/internal/model"
)

// ─── Logger ────────────────────────────────────────────────────────────

// DummyLogger implements logging.Logger with in-memory recording.
type DummyLogger struct {
	mu     sync.Mutex
	Errors []string
	Infos  []string
	Debugs []string
	Warns  []string
}

func (l *DummyLogger) Debug(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Debugs = append(l.Debugs, msg)
}

func (l *DummyLogger) Info(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Infos = append(l.Infos, msg)
}

func (l *DummyLogger) Warn(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Warns = append(l.Warns, msg)
}

func (l *DummyLogger) Error(msg string, fields ...logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Errors = append(l.Errors, msg)
}

func (l *DummyLogger) With(_ ...logging.Field) logging.Logger { return l }

// WarnCount returns the number of recorded warnings.
func (l *DummyLogger) WarnCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Warns)
}

// ─── Model provider ───────────────────────────────────────────────────

// FakeProvider implements llm.Provider. Responses are served in order; the
// last one repeats. Fail makes every call return an error.
type FakeProvider struct {
	ProviderName string
	ModelName    string
	Responses    []string
	Fail         error

	mu      sync.Mutex
	calls   int
	Prompts []string
}

func (p *FakeProvider) Name() string {
	if p.ProviderName == "" {
		return "fake"
	}
	return p.ProviderName
}

func (p *FakeProvider) Model() string {
	if p.ModelName == "" {
		return "fake-model"
	}
	return p.ModelName
}

func (p *FakeProvider) Complete(ctx context.Context, prompt string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.Prompts = append(p.Prompts, prompt)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if p.Fail != nil {
		return "", p.Fail
	}
	if len(p.Responses) == 0 {
		return "", errors.New("fake provider: no responses")
	}
	i := p.calls - 1
	if i >= len(p.Responses) {
		i = len(p.Responses) - 1
	}
	return p.Responses[i], nil
}

// Calls returns how many times Complete ran.
func (p *FakeProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// ─── Test project builder ─────────────────────────────────────────────

// FakeBuilder implements the synthesis build check. A build fails when any
// file under the project directory contains FailMarker.
type FakeBuilder struct {
	FailMarker string

	mu     sync.Mutex
	Builds []string
}

func (b *FakeBuilder) Build(ctx context.Context, dir string) error {
	b.mu.Lock()
	b.Builds = append(b.Builds, dir)
	b.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.FailMarker == "" {
		return nil
	}
	failed := false
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || failed {
			return nil
		}
		if data, err := os.ReadFile(path); err == nil && strings.Contains(string(data), b.FailMarker) {
			failed = true
		}
		return nil
	})
	if failed {
		return errors.New("fake build: compile error")
	}
	return nil
}

// BuildCount returns how many builds ran.
func (b *FakeBuilder) BuildCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Builds)
}

// ─── Test runner ──────────────────────────────────────────────────────

// FakeTestRunner implements the execute-tests runner. Every project passes
// unless its directory name is listed in Fail.
type FakeTestRunner struct {
	Fail map[string]bool

	mu   sync.Mutex
	Dirs []string
}

func (r *FakeTestRunner) Test(ctx context.Context, dir string) model.TestRun {
	r.mu.Lock()
	r.Dirs = append(r.Dirs, dir)
	r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return model.TestRun{Status: model.RunException, Error: err.Error(), ExitCode: -1}
	}
	name := filepath.Base(dir)
	if r.Fail[name] {
		return model.TestRun{
			Failed:   1,
			ExitCode: 1,
			Status:   model.RunTestsFailed,
			Tests:    []model.TestCase{{Name: "test_fake", Status: model.TestFailed}},
		}
	}
	return model.TestRun{
		Passed: 1,
		Status: model.RunOK,
		Tests:  []model.TestCase{{Name: "test_fake", Status: model.TestPassed}},
		Gas:    map[string]int64{"test_fake": 21000},
	}
}

// Runs returns how many projects were tested.
func (r *FakeTestRunner) Runs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Dirs)
}
