package risk

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// Section is one weight table, e.g. severity -> points.
type Section map[string]float64

// Weights is the full scoring configuration. A section replaced by a scalar
// override is nil (it contributes nothing) and the scalar is kept in Extra.
// Unknown override sections also land in Extra.
type Weights struct {
	Static  Section
	Stride  Section
	Tests   Section
	Gas     Section
	Scaling Section
	Extra   map[string]any
}

const (
	sectionStatic  = "static"
	sectionStride  = "stride"
	sectionTests   = "tests"
	sectionGas     = "gas"
	sectionScaling = "scaling"
)

func DefaultWeights() Weights {
	return Weights{
		Static: Section{"critical": 10, "high": 7, "medium": 4, "low": 1, "info": 0.5},
		Stride: Section{
			"elevation_of_privilege": 7, "tampering": 6, "information_disclosure": 6,
			"spoofing": 6, "denial_of_service": 3, "repudiation": 2,
		},
		Tests:   Section{"eop_failed": 8, "neg_failed": 5, "stress_failed": 3},
		Gas:     Section{"heavy_threshold": 200000, "penalty": 1},
		Scaling: Section{"function_cap": 100, "journey_cap": 100},
		Extra:   map[string]any{},
	}
}

func (w Weights) clone() Weights {
	cp := func(s Section) Section {
		if s == nil {
			return nil
		}
		out := make(Section, len(s))
		for k, v := range s {
			out[k] = v
		}
		return out
	}
	extra := make(map[string]any, len(w.Extra))
	for k, v := range w.Extra {
		extra[k] = v
	}
	return Weights{Static: cp(w.Static), Stride: cp(w.Stride), Tests: cp(w.Tests), Gas: cp(w.Gas), Scaling: cp(w.Scaling), Extra: extra}
}

func (w *Weights) section(name string) *Section {
	switch name {
	case sectionStatic:
		return &w.Static
	case sectionStride:
		return &w.Stride
	case sectionTests:
		return &w.Tests
	case sectionGas:
		return &w.Gas
	case sectionScaling:
		return &w.Scaling
	}
	return nil
}

// MergeWeights overlays overrides onto base. A map value merges key by key
// into its section; any other value replaces the whole section.
func MergeWeights(base Weights, overrides map[string]any) (Weights, error) {
	out := base.clone()
	names := make([]string, 0, len(overrides))
	for k := range overrides {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		v := overrides[name]
		sec := out.section(name)
		m, isMap := v.(map[string]any)
		if sec == nil {
			out.Extra[name] = v
			continue
		}
		if !isMap {
			*sec = nil
			out.Extra[name] = v
			continue
		}
		if *sec == nil {
			*sec = Section{}
			delete(out.Extra, name)
		}
		for k, raw := range m {
			f, err := toFloat(raw)
			if err != nil {
				return Weights{}, fmt.Errorf("weights %s.%s: %w", name, k, err)
			}
			(*sec)[k] = f
		}
	}
	return out, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	}
	return 0, fmt.Errorf("not a number: %v", v)
}

// LoadWeightsFile reads overrides from a .toml or .json file and merges them
// onto the defaults.
func LoadWeightsFile(path string) (Weights, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Weights{}, fmt.Errorf("read weights: %w", err)
	}
	overrides := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &overrides); err != nil {
			return Weights{}, fmt.Errorf("decode toml weights: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &overrides); err != nil {
			return Weights{}, fmt.Errorf("decode json weights: %w", err)
		}
	}
	w, err := MergeWeights(DefaultWeights(), overrides)
	if err != nil {
		return Weights{}, err
	}
	if err := w.Validate(); err != nil {
		return Weights{}, fmt.Errorf("%s: %w", path, err)
	}
	return w, nil
}

// Validate rejects caps that would zero every score.
func (w Weights) Validate() error {
	for _, key := range []string{"function_cap", "journey_cap"} {
		if v := w.scaling(key); v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("scaling.%s must be positive, got %v", key, v)
		}
	}
	return nil
}

// scaling values fall back to the defaults when the section is disabled
func (w Weights) scaling(key string) float64 {
	if v, ok := w.Scaling[key]; ok {
		return v
	}
	return DefaultWeights().Scaling[key]
}

func (w Weights) FunctionCap() float64 { return w.scaling("function_cap") }
func (w Weights) JourneyCap() float64  { return w.scaling("journey_cap") }

// MarshalJSON writes the sections under their names, disabled sections as
// their scalar replacement.
func (w Weights) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, 5+len(w.Extra))
	for k, v := range w.Extra {
		m[k] = v
	}
	for _, name := range []string{sectionStatic, sectionStride, sectionTests, sectionGas, sectionScaling} {
		if s := *w.section(name); s != nil {
			m[name] = s
		}
	}
	return json.Marshal(m)
}

func (w *Weights) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	merged, err := MergeWeights(Weights{Extra: map[string]any{}}, m)
	if err != nil {
		return err
	}
	*w = merged
	return nil
}
