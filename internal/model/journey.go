package model

const (
	ActorUser     = "User"
	ActorAttacker = "Attacker"
)

const (
	TagHappy    = "happy"
	TagNegative = "negative"
	TagAuth     = "auth"
	TagStress   = "stress"
	TagDoS      = "dos"
	TagFeature  = "feature"
)

type Step struct {
	Contract     string `json:"contract"`
	Function     string `json:"function"`
	Actor        string `json:"actor"`
	ExpectRevert *bool  `json:"expectRevert,omitempty"`
	Repeat       int    `json:"repeat,omitempty"`
}

// FeatureMeta carries the clustering hints of a feature journey.
type FeatureMeta struct {
	Feature  string   `json:"feature"`
	Preconds []string `json:"preconds,omitempty"`
	Fixture  []string `json:"fixture,omitempty"`
	Effects  []string `json:"effects,omitempty"`
}

type Journey struct {
	ID    string       `json:"id"`
	Tags  []string     `json:"tags"`
	Chain string       `json:"chain"`
	Steps []Step       `json:"steps"`
	Meta  *FeatureMeta `json:"meta,omitempty"`
}

// HasTag reports whether the journey carries tag.
func (j *Journey) HasTag(tag string) bool {
	for _, t := range j.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// UniqueFunctions returns the step function names in first-seen order.
func (j *Journey) UniqueFunctions() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, s := range j.Steps {
		if _, ok := seen[s.Function]; ok || s.Function == "" {
			continue
		}
		seen[s.Function] = struct{}{}
		out = append(out, s.Function)
	}
	return out
}

// FunctionKeys returns the unique "Contract.function" keys of the steps.
func (j *Journey) FunctionKeys() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, s := range j.Steps {
		k := FunctionKey(s.Contract, s.Function)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

type Journeys struct {
	Journeys []Journey `json:"journeys"`
}

// Feature is one group produced by model-assisted clustering.
type Feature struct {
	Name     string   `json:"name"`
	Fns      []string `json:"fns"`
	Preconds []string `json:"preconds"`
	Fixture  []string `json:"fixture"`
	Effects  []string `json:"effects"`
}

type ContractClusters struct {
	Contract string    `json:"contract"`
	Features []Feature `json:"features"`
}
