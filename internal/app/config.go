package app

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/raysh454/uatu/internal/journey"
	"github.com/raysh454/uatu/internal/llm"
	"github.com/raysh454/uatu/internal/risk"
	"github.com/raysh454/uatu/internal/runner"
	"github.com/raysh454/uatu/internal/source"
	"github.com/raysh454/uatu/internal/synth"
)

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LLMConfig struct {
	// Mode selects the provider: auto, openai, anthropic or off.
	Mode        string        `yaml:"mode"`
	Caps        llm.Caps      `yaml:"caps"`
	NoCache     bool          `yaml:"no_cache"`
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	Synopsis    bool          `yaml:"synopsis"`
	Clustering  bool          `yaml:"clustering"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`
}

type RiskConfig struct {
	// WeightsPath points at a JSON or TOML override file.
	WeightsPath string          `yaml:"weights_path"`
	Thresholds  risk.Thresholds `yaml:"thresholds"`
}

type SourceConfig struct {
	EtherscanURL    string `yaml:"etherscan_url"`
	EtherscanAPIKey string `yaml:"-"`
}

// Config is the pipeline configuration. Zero values in a loaded file keep
// the defaults.
type Config struct {
	// OutRoot holds one directory per run.
	OutRoot string `yaml:"out_root"`
	// RegistryPath defaults to <out_root>/registry.db.
	RegistryPath string `yaml:"registry_path"`
	Ecosystem    string `yaml:"ecosystem"`

	Server  ServerConfig         `yaml:"server"`
	LLM     LLMConfig            `yaml:"llm"`
	Journey journey.Config       `yaml:"journey"`
	Synth   synth.Config         `yaml:"synth"`
	Slither runner.SlitherConfig `yaml:"slither"`
	Forge   runner.ToolConfig    `yaml:"forge"`
	Cargo   runner.ToolConfig    `yaml:"cargo"`
	Risk    RiskConfig           `yaml:"risk"`
	Source  SourceConfig         `yaml:"source"`

	TestWorkers  int     `yaml:"test_workers"`
	CompactRatio float64 `yaml:"compact_ratio"`
	// JobRetention is how long finished jobs stay visible.
	JobRetention time.Duration `yaml:"job_retention"`
}

// DefaultConfig returns the defaults every run starts from.
func DefaultConfig() *Config {
	return &Config{
		OutRoot:   "out",
		Ecosystem: "evm",
		Server:    ServerConfig{Addr: "127.0.0.1:8080"},
		LLM: LLMConfig{
			Mode:        "auto",
			Caps:        llm.DefaultCaps(),
			MaxAttempts: llm.DefaultRetryPolicy().MaxAttempts,
			Backoff:     llm.DefaultRetryPolicy().Backoff,
			Synopsis:    true,
			Clustering:  true,
			HTTPTimeout: 60 * time.Second,
		},
		Journey:      journey.DefaultConfig(),
		Synth:        synth.DefaultConfig(),
		Slither:      runner.DefaultSlitherConfig(),
		Forge:        runner.DefaultForgeConfig(),
		Cargo:        runner.DefaultCargoConfig(),
		Risk:         RiskConfig{Thresholds: risk.DefaultThresholds()},
		Source:       SourceConfig{EtherscanURL: source.DefaultEtherscanURL},
		TestWorkers:  4,
		CompactRatio: runner.DefaultCompactRatio,
		JobRetention: 30 * time.Minute,
	}
}

// LoadConfig overlays the YAML file at path onto the defaults. An empty
// path returns the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", filepath.Base(path), err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv reads credentials and a few overrides from the environment.
// Provider keys are read later by llm.DetectProvider through the same getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv("ETHERSCAN_API_KEY"); v != "" {
		c.Source.EtherscanAPIKey = v
	}
	if v := getenv("UATU_OUT_ROOT"); v != "" {
		c.OutRoot = v
	}
	if v := getenv("UATU_STATIC_MODE"); v != "" {
		c.Slither.Mode = v
	}
	if v := getenv("UATU_LLM_MODE"); v != "" {
		c.LLM.Mode = v
	}
}

func (c *Config) Validate() error {
	switch c.Slither.Mode {
	case runner.StaticAuto, runner.StaticHost, runner.StaticStub:
	default:
		return fmt.Errorf("invalid static mode %q", c.Slither.Mode)
	}
	if _, err := synth.ParseEoPMode(c.Synth.EoPMode); err != nil {
		return err
	}
	for t, n := range c.LLM.Caps {
		if _, err := llm.ParseTier(string(t)); err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("negative cap for tier %s", t)
		}
	}
	if c.CompactRatio < 0 || c.CompactRatio > 1 {
		return fmt.Errorf("compact_ratio %v outside [0,1]", c.CompactRatio)
	}
	return nil
}

// RegistryDBPath is RegistryPath or <out_root>/registry.db.
func (c *Config) RegistryDBPath() string {
	if c.RegistryPath != "" {
		return c.RegistryPath
	}
	return filepath.Join(c.OutRoot, "registry.db")
}
