package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raysh454/uatu/internal/app"
	"github.com/raysh454/uatu/internal/registry"
	"github.com/raysh454/uatu/internal/runner"
	"github.com/raysh454/uatu/internal/server"
	"github.com/raysh454/uatu/internal/store"
	"github.com/raysh454/uatu/internal/synth"
	"github.com/raysh454/uatu/internal/testutil"
)

const tokenSource = `pragma solidity ^0.8.20;

contract Token {
    mapping(address => uint256) public balanceOf;
    address public admin;

    function transfer(address to, uint256 amount) external returns (bool) {
        balanceOf[msg.sender] -= amount;
        balanceOf[to] += amount;
        return true;
    }

    function setAdmin(address next) external {
        admin = next;
    }
}
`

type fixture struct {
	srv *server.Server
	src string
}

func newTestServer(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	src := filepath.Join(dir, "token")
	if err := os.MkdirAll(src, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "Token.sol"), []byte(tokenSource), 0o644); err != nil {
		t.Fatal(err)
	}

	appCfg := app.DefaultConfig()
	appCfg.OutRoot = filepath.Join(dir, "out")
	appCfg.Slither.Mode = runner.StaticStub
	appCfg.LLM.Mode = "off"

	fr := &testutil.FakeTestRunner{}
	cfg := server.Config{
		ListenAddr: ":0",
		AppConfig:  appCfg,
		Logger:     &testutil.DummyLogger{},
		Deps: &app.Deps{
			Builder: &testutil.FakeBuilder{},
			Runners: map[string]runner.TestRunner{synth.ToolFoundry: fr, synth.ToolCargo: fr},
			Getenv:  func(string) string { return "" },
		},
	}

	s, err := server.NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return &fixture{srv: s, src: src}
}

func doJSON(t *testing.T, s http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON response: %v (body: %s)", err, rec.Body.String())
	}
}

// startAndWait posts a run and blocks until its job has finished.
func startAndWait(t *testing.T, f *fixture) string {
	t.Helper()
	body, _ := json.Marshal(server.StartRunRequest{Input: f.src})
	rec := doJSON(t, f.srv, http.MethodPost, "/runs", string(body))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /runs = %d: %s", rec.Code, rec.Body.String())
	}
	var job app.Job
	decodeJSON(t, rec, &job)
	if job.ID == "" {
		t.Fatal("expected run id")
	}

	live := f.srv.Orchestrator().GetJob(job.ID)
	if live == nil {
		t.Fatal("job not tracked")
	}
	timeout := time.After(30 * time.Second)
	for {
		select {
		case _, ok := <-live.Events:
			if !ok {
				return job.ID
			}
		case <-timeout:
			t.Fatal("timed out waiting for run")
		}
	}
}

// ─── CORS ──────────────────────────────────────────────────────────────

func TestServer_CORS_HeaderPresent(t *testing.T) {
	t.Parallel()
	f := newTestServer(t)

	rec := doJSON(t, f.srv, http.MethodGet, "/runs", "")
	if origin := rec.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("expected CORS origin *, got %q", origin)
	}
}

func TestServer_Preflight(t *testing.T) {
	t.Parallel()
	f := newTestServer(t)

	rec := doJSON(t, f.srv, http.MethodOptions, "/runs/abc", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET, DELETE" {
		t.Errorf("methods = %q", got)
	}
}

// ─── Runs ──────────────────────────────────────────────────────────────

func TestServer_ListRunsEmpty(t *testing.T) {
	t.Parallel()
	f := newTestServer(t)

	rec := doJSON(t, f.srv, http.MethodGet, "/runs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var runs []registry.Run
	decodeJSON(t, rec, &runs)
	if len(runs) != 0 {
		t.Errorf("expected no runs, got %d", len(runs))
	}
}

func TestServer_StartRunRejectsBadRequests(t *testing.T) {
	t.Parallel()
	f := newTestServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"invalid json", "{"},
		{"empty input", `{"input":""}`},
		{"unknown ecosystem", `{"input":"/tmp","ecosystem":"cosmos"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, f.srv, http.MethodPost, "/runs", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			var e server.ErrorResponse
			decodeJSON(t, rec, &e)
			if e.Error == "" {
				t.Error("expected error message")
			}
		})
	}
}

func TestServer_RunLifecycle(t *testing.T) {
	t.Parallel()
	f := newTestServer(t)
	id := startAndWait(t, f)

	rec := doJSON(t, f.srv, http.MethodGet, "/runs/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET run = %d: %s", rec.Code, rec.Body.String())
	}
	var d server.RunDetails
	decodeJSON(t, rec, &d)
	if d.Run == nil || d.Run.Status != registry.StatusCompleted {
		t.Fatalf("run = %+v", d.Run)
	}
	if d.Job == nil || d.Job.Status != app.JobDone {
		t.Errorf("job = %+v", d.Job)
	}

	rec = doJSON(t, f.srv, http.MethodGet, "/runs/"+id+"/status", "")
	var st store.Status
	decodeJSON(t, rec, &st)
	if st.State != registry.StatusCompleted || st.Percent != 100 {
		t.Errorf("status = %+v", st)
	}

	rec = doJSON(t, f.srv, http.MethodGet, "/runs?target="+f.src, "")
	var runs []registry.Run
	decodeJSON(t, rec, &runs)
	if len(runs) != 1 || runs[0].ID != id {
		t.Errorf("runs = %+v", runs)
	}

	// Finished jobs have nothing to cancel.
	rec = doJSON(t, f.srv, http.MethodDelete, "/runs/"+id, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("DELETE finished run = %d", rec.Code)
	}

	rec = doJSON(t, f.srv, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `uatu_runs_finished_total{status="completed"} 1`) {
		t.Errorf("metrics missing finished run:\n%s", rec.Body.String())
	}
}

func TestServer_UnknownRun(t *testing.T) {
	t.Parallel()
	f := newTestServer(t)

	for _, path := range []string{"/runs/missing", "/runs/missing/status"} {
		if rec := doJSON(t, f.srv, http.MethodGet, path, ""); rec.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d", path, rec.Code)
		}
	}
	if rec := doJSON(t, f.srv, http.MethodDelete, "/runs/missing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("DELETE = %d", rec.Code)
	}
}

func TestServer_WebSocketReplaysFinishedRun(t *testing.T) {
	t.Parallel()
	f := newTestServer(t)
	id := startAndWait(t, f)

	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/runs/" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var events []store.Event
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		var ev store.Event
		if err := conn.ReadJSON(&ev); err != nil {
			break
		}
		events = append(events, ev)
	}
	if len(events) == 0 {
		t.Fatal("no events replayed")
	}
	if events[0].Type != "run_started" || events[len(events)-1].Type != "run_finished" {
		t.Errorf("first/last = %q/%q", events[0].Type, events[len(events)-1].Type)
	}
}
