package registry_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/raysh454/uatu/internal/registry"
	"github.com/raysh454/uatu/internal/testutil"
)

func openRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	db, err := registry.OpenDB(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	reg, err := registry.NewRegistry(db, &testutil.DummyLogger{})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestRegistry_CreateFinishGet(t *testing.T) {
	t.Parallel()
	reg := openRegistry(t)
	ctx := context.Background()
	target := t.TempDir()

	run, err := reg.CreateRun(ctx, "", target, "evm", "/out/x")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.ID == "" || run.Status != registry.StatusRunning || run.Target != registry.NormalizeTarget(target) {
		t.Fatalf("run = %+v", run)
	}
	if err := reg.FinishRun(ctx, run.ID, registry.StatusCompleted, 31.5, "Low", ""); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	got, err := reg.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != registry.StatusCompleted || got.Overall != 31.5 || got.Grade != "Low" || got.FinishedAt == 0 {
		t.Fatalf("got = %+v", got)
	}

	if _, err := reg.GetRun(ctx, "missing"); !errors.Is(err, registry.ErrRunNotFound) {
		t.Fatalf("GetRun missing: %v", err)
	}
	if err := reg.FinishRun(ctx, "missing", registry.StatusFailed, 0, "", "boom"); !errors.Is(err, registry.ErrRunNotFound) {
		t.Fatalf("FinishRun missing: %v", err)
	}
}

func TestRegistry_LatestCompleted(t *testing.T) {
	t.Parallel()
	reg := openRegistry(t)
	ctx := context.Background()
	target := t.TempDir()

	first, _ := reg.CreateRun(ctx, "run-1", target, "evm", "/out/1")
	_ = reg.FinishRun(ctx, first.ID, registry.StatusCompleted, 10, "Info", "")
	second, _ := reg.CreateRun(ctx, "run-2", target, "evm", "/out/2")
	_ = reg.FinishRun(ctx, second.ID, registry.StatusFailed, 0, "", "prepare failed")
	other, _ := reg.CreateRun(ctx, "run-3", t.TempDir(), "evm", "/out/3")
	_ = reg.FinishRun(ctx, other.ID, registry.StatusCompleted, 50, "Medium", "")
	current, _ := reg.CreateRun(ctx, "run-4", target+"/.", "evm", "/out/4")

	got, err := reg.LatestCompleted(ctx, target, current.ID)
	if err != nil {
		t.Fatalf("LatestCompleted: %v", err)
	}
	if got.ID != "run-1" {
		t.Fatalf("baseline run = %s, want run-1", got.ID)
	}
	if _, err := reg.LatestCompleted(ctx, t.TempDir(), ""); !errors.Is(err, registry.ErrRunNotFound) {
		t.Fatalf("unknown target: %v", err)
	}

	runs, err := reg.ListRuns(ctx, target, 0)
	if err != nil || len(runs) != 3 || runs[0].ID != "run-4" {
		t.Fatalf("ListRuns = %+v, %v", runs, err)
	}
	if all, _ := reg.ListRuns(ctx, "", 2); len(all) != 2 {
		t.Fatalf("limited list = %d", len(all))
	}
}

func TestNormalizeTarget(t *testing.T) {
	t.Parallel()
	if got := registry.NormalizeTarget("0xABCDEF0000000000000000000000000000000001"); got != "0xabcdef0000000000000000000000000000000001" {
		t.Fatalf("address = %s", got)
	}
	dir := t.TempDir()
	if registry.NormalizeTarget(dir+"/sub/..") != registry.NormalizeTarget(dir) {
		t.Fatalf("paths did not normalize")
	}
}
