package runner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/raysh454/uatu/internal/logging"
	"github.com/raysh454/uatu/internal/store"
)

// Static analysis modes.
const (
	StaticAuto = "auto"
	StaticHost = "host"
	StaticStub = "stub"
)

const (
	DefaultSlitherImage = "trailofbits/slither:latest"
	DefaultDockerSocket = "/var/run/docker.sock"

	slitherOutput = "slither.json"
	stderrTailLen = 1200
)

// StaticResult is the outcome of one analyzer run. OK is false whenever the
// stub stood in for the analyzer.
type StaticResult struct {
	OK   bool   `json:"ok"`
	Mode string `json:"mode"`
	Note string `json:"note,omitempty"`
	Path string `json:"path,omitempty"`
}

type SlitherConfig struct {
	Image        string        `yaml:"image" json:"image"`
	Mode         string        `yaml:"mode" json:"mode"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	DockerSocket string        `yaml:"docker_socket" json:"docker_socket"`
	// Arch selects the container platform; arm hosts get linux/arm64.
	Arch string `yaml:"arch" json:"arch"`
}

func DefaultSlitherConfig() SlitherConfig {
	return SlitherConfig{
		Image:        DefaultSlitherImage,
		Mode:         StaticAuto,
		Timeout:      20 * time.Minute,
		DockerSocket: DefaultDockerSocket,
		Arch:         runtime.GOARCH,
	}
}

// Slither runs the analyzer container through the host docker daemon.
type Slither struct {
	cfg    SlitherConfig
	exec   Executor
	logger logging.Logger
}

func NewSlither(cfg SlitherConfig, ex Executor, logger logging.Logger) *Slither {
	def := DefaultSlitherConfig()
	if cfg.Image == "" {
		cfg.Image = def.Image
	}
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.DockerSocket == "" {
		cfg.DockerSocket = def.DockerSocket
	}
	if cfg.Arch == "" {
		cfg.Arch = def.Arch
	}
	if ex == nil {
		ex = OSExecutor{}
	}
	return &Slither{cfg: cfg, exec: ex, logger: logging.OrNop(logger).With(logging.Field{Key: "component", Value: "slither"})}
}

func (s *Slither) hostDockerAvailable() bool {
	if _, err := os.Stat(s.cfg.DockerSocket); err != nil {
		return false
	}
	_, err := s.exec.LookPath("docker")
	return err == nil
}

// Run analyzes srcDir and writes slither.json and metadata.json into
// outDir. It always leaves a readable slither.json behind.
func (s *Slither) Run(ctx context.Context, srcDir, outDir string) StaticResult {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		s.logger.Warn("static output dir", logging.Field{Key: "error", Value: err.Error()})
	}
	mode := strings.ToLower(s.cfg.Mode)
	switch {
	case mode == StaticStub:
		return s.stub(outDir, "Stub mode forced")
	case mode != StaticAuto && mode != StaticHost:
		return s.stub(outDir, "Unknown static mode "+mode+"; used stub")
	case !s.hostDockerAvailable():
		if mode == StaticHost {
			s.writeMeta(filepath.Join(outDir, "slither.error.json"), map[string]any{"error": "host_docker_unavailable"})
			return s.stub(outDir, "Host docker unavailable; used stub")
		}
		return s.stub(outDir, "Auto mode without host docker; used stub")
	}
	return s.host(ctx, srcDir, outDir)
}

func (s *Slither) host(ctx context.Context, srcDir, outDir string) StaticResult {
	absSrc, err := filepath.Abs(srcDir)
	if err != nil {
		return s.stub(outDir, "Host Slither exception: "+err.Error())
	}
	absOut, err := filepath.Abs(outDir)
	if err != nil {
		return s.stub(outDir, "Host Slither exception: "+err.Error())
	}
	args := []string{"run", "--rm"}
	if strings.HasPrefix(s.cfg.Arch, "arm") || s.cfg.Arch == "aarch64" {
		args = append(args, "--platform", "linux/arm64")
	}
	args = append(args,
		"-v", absSrc+":/src:ro",
		"-v", absOut+":/out",
		"-w", "/src",
		s.cfg.Image,
		"slither", "/src", "--json", "/out/"+slitherOutput,
	)
	out := filepath.Join(outDir, slitherOutput)
	// a stale report from an earlier attempt must not count as success
	_ = os.Remove(out)

	res := s.exec.Run(ctx, Cmd{Name: "docker", Args: args, Timeout: s.cfg.Timeout})
	ok := !res.TimedOut && validJSONFile(out)
	s.writeMeta(filepath.Join(outDir, "metadata.json"), map[string]any{
		"mode":        StaticHost,
		"ok":          ok,
		"returncode":  res.ExitCode,
		"stderr_tail": tail(res.Stderr, stderrTailLen),
	})
	if ok {
		s.logger.Info("slither finished", logging.Field{Key: "exit_code", Value: res.ExitCode})
		return StaticResult{OK: true, Mode: StaticHost, Path: out}
	}
	s.writeMeta(filepath.Join(outDir, "slither.error.json"), map[string]any{
		"error":      "slither_failed",
		"returncode": res.ExitCode,
		"timed_out":  res.TimedOut,
		"stderr":     tail(res.Stderr, stderrTailLen),
	})
	s.logger.Warn("slither failed, using stub",
		logging.Field{Key: "exit_code", Value: res.ExitCode},
		logging.Field{Key: "timed_out", Value: res.TimedOut})
	return s.stub(outDir, "Host Slither failed; fell back to stub")
}

// Slither exits non-zero when it reports findings, so success is judged by
// the report itself.
func validJSONFile(path string) bool {
	data, err := os.ReadFile(path)
	return err == nil && json.Valid(data)
}

func (s *Slither) stub(outDir, note string) StaticResult {
	path := filepath.Join(outDir, slitherOutput)
	s.writeMeta(path, map[string]any{"results": map[string]any{"detectors": []any{}}, "note": note})
	s.writeMeta(filepath.Join(outDir, "metadata.json"), map[string]any{"mode": StaticStub, "ok": false, "note": note})
	s.logger.Info("static analysis stubbed", logging.Field{Key: "note", Value: note})
	return StaticResult{OK: false, Mode: StaticStub, Note: note, Path: path}
}

func (s *Slither) writeMeta(path string, v any) {
	if err := store.WriteJSON(path, v); err != nil {
		s.logger.Warn("static artifact not written",
			logging.Field{Key: "path", Value: path},
			logging.Field{Key: "error", Value: err.Error()})
	}
}
