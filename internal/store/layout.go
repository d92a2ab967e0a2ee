package store

import (
	"os"
	"path/filepath"
	"time"
)

// Layout resolves artifact paths under one run directory.
type Layout struct {
	Root string
}

func (l Layout) path(parts ...string) string {
	return filepath.Join(append([]string{l.Root}, parts...)...)
}

func (l Layout) SourceDir() string       { return l.path("src") }
func (l Layout) Flows() string           { return l.path("flows.json") }
func (l Layout) Inventory() string       { return l.path("inventory.json") }
func (l Layout) Journeys() string        { return l.path("journeys.json") }
func (l Layout) Clusters() string        { return l.path("clusters.json") }
func (l Layout) Threats() string         { return l.path("threats.json") }
func (l Layout) Tests() string           { return l.path("tests.json") }
func (l Layout) TestsDir() string        { return l.path("tests") }
func (l Layout) StaticDir() string       { return l.path("runs", "static") }
func (l Layout) Findings() string        { return l.path("runs", "static", "findings.json") }
func (l Layout) TestRunsDir() string     { return l.path("runs", "tests") }
func (l Layout) TestSummary() string     { return l.path("runs", "tests", "summary.json") }
func (l Layout) Risk() string            { return l.path("runs", "risk", "risk.json") }
func (l Layout) LLMDir() string          { return l.path("runs", "llm") }
func (l Layout) LLMUsage() string        { return l.path("runs", "llm", "usage.json") }
func (l Layout) LLMCacheDB() string      { return l.path("runs", "llm", "cache.db") }
func (l Layout) LLMCacheDir() string     { return l.path("runs", "llm", "cache") }
func (l Layout) Events() string          { return l.path("events.jsonl") }
func (l Layout) Status() string          { return l.path("status.json") }
func (l Layout) Report() string          { return l.path("report.json") }
func (l Layout) TestRun(p string) string { return l.path("runs", "tests", p+".json") }

// AugmentMeta is the metadata file of one (journey, function) augmentation.
func (l Layout) AugmentMeta(journeyID, fn string) string {
	return l.path("runs", "llm", journeyID+"__"+fn+".meta.json")
}

// Ensure creates the run directory and its fixed subdirectories.
func (l Layout) Ensure() error {
	for _, d := range []string{l.Root, l.SourceDir(), l.TestsDir(), l.StaticDir(), l.TestRunsDir(), filepath.Dir(l.Risk()), l.LLMDir()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// Status is the coarse progress snapshot of a run.
type Status struct {
	RunID     string    `json:"run_id"`
	State     string    `json:"state"`
	Phase     string    `json:"phase"`
	Percent   int       `json:"percent"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WriteStatus stamps and writes s to the layout's status file.
func (l Layout) WriteStatus(s Status) error {
	s.UpdatedAt = time.Now().UTC()
	return WriteJSON(l.Status(), s)
}

// ReadStatus loads the status snapshot of the run.
func (l Layout) ReadStatus() (Status, error) {
	var s Status
	err := ReadJSON(l.Status(), &s)
	return s, err
}
