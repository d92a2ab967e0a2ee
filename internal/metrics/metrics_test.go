package metrics_test

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/raysh454/uatu/internal/metrics"
)

func TestPipelineMetrics(t *testing.T) {
	t.Parallel()
	m := metrics.NewPipelineMetrics()

	m.ObserveCall("mini", "ok")
	m.ObserveCall("mini", "cache_hit")
	m.ObserveCall("mini", "cache_hit")
	m.ObservePhase("threats", 2*time.Second, nil)
	m.ObservePhase("prepare", time.Millisecond, errors.New("no such file"))
	m.ObserveStatic("stub", false)
	m.ObserveTestRun("tests_failed")
	m.ObserveAugment("compile_error")
	m.RunStarted()
	m.RunFinished("completed", 42, true)

	if got := promtest.ToFloat64(m.LLMCalls.WithLabelValues("mini", "cache_hit")); got != 2 {
		t.Errorf("cache hits = %v", got)
	}
	if got := promtest.ToFloat64(m.PhaseFailures.WithLabelValues("prepare")); got != 1 {
		t.Errorf("prepare failures = %v", got)
	}
	if got := promtest.ToFloat64(m.ActiveRuns); got != 0 {
		t.Errorf("active runs = %v", got)
	}
	if got := promtest.ToFloat64(m.StaticRuns.WithLabelValues("stub", "false")); got != 1 {
		t.Errorf("static runs = %v", got)
	}
	if n := promtest.CollectAndCount(m.PhaseDuration); n != 2 {
		t.Errorf("phase series = %d", n)
	}
}

func TestHandlerServesOwnRegistry(t *testing.T) {
	t.Parallel()
	m := metrics.NewPipelineMetrics()
	m.ObserveTestRun("ok")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `uatu_test_projects_total{status="ok"} 1`) {
		t.Fatalf("metrics output missing counter:\n%s", body)
	}
}
