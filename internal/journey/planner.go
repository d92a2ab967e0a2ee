// Package journey plans call sequences over a source model: happy paths,
// unauthorized-caller probes, stress loops and clustered feature flows.
package journey

import (
	"regexp"
	"strings"

	"github.com/raysh454/uatu/internal/logging"
	"github.com/raysh454/uatu/internal/model"
)

const DefaultMaxJourneys = 40

// Config holds the heuristic keyword tables. Zero values take the defaults.
type Config struct {
	AdminPattern string   `yaml:"admin_pattern" json:"admin_pattern"`
	HeavyPattern string   `yaml:"heavy_pattern" json:"heavy_pattern"`
	AmountNames  []string `yaml:"amount_names" json:"amount_names"`
	MaxJourneys  int      `yaml:"max_journeys" json:"max_journeys"`
	Chain        string   `yaml:"chain" json:"chain"`
}

func DefaultConfig() Config {
	return Config{
		AdminPattern: `(?i)^(set|grant|revoke|pause|unpause|mint|burn|upgrade|owner|admin)`,
		HeavyPattern: `(?i)(transfer|mint|burn|loop|bulk|batch|distribute)`,
		AmountNames:  []string{"amount", "value", "qty", "quantity"},
		MaxJourneys:  DefaultMaxJourneys,
		Chain:        model.EcosystemEVM,
	}
}

// Planner builds journeys. It is safe for concurrent use.
type Planner struct {
	admin   *regexp.Regexp
	heavy   *regexp.Regexp
	amounts map[string]struct{}
	max     int
	chain   string
	logger  logging.Logger
}

// NewPlanner compiles cfg. Invalid patterns are reported as errors.
func NewPlanner(cfg Config, logger logging.Logger) (*Planner, error) {
	def := DefaultConfig()
	if cfg.AdminPattern == "" {
		cfg.AdminPattern = def.AdminPattern
	}
	if cfg.HeavyPattern == "" {
		cfg.HeavyPattern = def.HeavyPattern
	}
	if len(cfg.AmountNames) == 0 {
		cfg.AmountNames = def.AmountNames
	}
	if cfg.MaxJourneys <= 0 {
		cfg.MaxJourneys = def.MaxJourneys
	}
	if cfg.Chain == "" {
		cfg.Chain = def.Chain
	}
	admin, err := regexp.Compile(cfg.AdminPattern)
	if err != nil {
		return nil, err
	}
	heavy, err := regexp.Compile(cfg.HeavyPattern)
	if err != nil {
		return nil, err
	}
	amounts := make(map[string]struct{}, len(cfg.AmountNames))
	for _, n := range cfg.AmountNames {
		amounts[strings.ToLower(n)] = struct{}{}
	}
	return &Planner{
		admin:   admin,
		heavy:   heavy,
		amounts: amounts,
		max:     cfg.MaxJourneys,
		chain:   cfg.Chain,
		logger:  logging.OrNop(logger).With(logging.Field{Key: "component", Value: "journey-planner"}),
	}, nil
}

// Plan returns the journeys for sm. threats and clusters are optional.
// Order is happy paths, then negative and stress journeys per function,
// then feature journeys; the list is deduplicated by id and truncated to
// the configured maximum, so later categories are dropped first.
func (p *Planner) Plan(sm *model.SourceModel, threats *model.Threats, clusters []model.ContractClusters) []model.Journey {
	var all []model.Journey
	for _, c := range sm.Contracts {
		for _, fn := range c.Functions {
			if fn.Callable() {
				all = append(all, p.single("happy_"+c.Name+"_"+fn.Name, []string{model.TagHappy}, c.Name, fn.Name, model.ActorUser))
			}
		}
	}
	for _, c := range sm.Contracts {
		for i := range c.Functions {
			fn := &c.Functions[i]
			if !fn.Callable() {
				continue
			}
			if p.IsAdminLike(fn.Name) || authThreatened(threats, model.FunctionKey(c.Name, fn.Name)) {
				all = append(all, p.single("negative_unauth_"+c.Name+"_"+fn.Name, []string{model.TagNegative, model.TagAuth}, c.Name, fn.Name, model.ActorAttacker))
			}
			if p.IsHeavy(fn) {
				all = append(all, p.single("stress_"+c.Name+"_"+fn.Name, []string{model.TagStress, model.TagDoS}, c.Name, fn.Name, model.ActorUser))
			}
		}
	}
	all = append(all, p.features(sm, clusters)...)

	out := Dedupe(all)
	if len(out) > p.max {
		p.logger.Info("journey cap reached", logging.Field{Key: "planned", Value: len(out)}, logging.Field{Key: "kept", Value: p.max})
		out = out[:p.max]
	}
	return out
}

// IsAdminLike reports whether name matches the admin prefix table.
func (p *Planner) IsAdminLike(name string) bool {
	return p.admin.MatchString(name)
}

// IsHeavy reports whether fn looks expensive: a heavy-operation name or an
// unsigned amount-like parameter.
func (p *Planner) IsHeavy(fn *model.Function) bool {
	if p.heavy.MatchString(fn.Name) {
		return true
	}
	for _, in := range fn.Inputs {
		if _, ok := p.amounts[strings.ToLower(in.Name)]; ok && strings.Contains(in.Type, "uint") {
			return true
		}
	}
	return false
}

func authThreatened(t *model.Threats, key string) bool {
	b := t.For(key)
	return b != nil && (len(b.ElevationOfPrivilege) > 0 || len(b.Spoofing) > 0)
}

func (p *Planner) single(id string, tags []string, contract, fn, actor string) model.Journey {
	return model.Journey{
		ID:    id,
		Tags:  tags,
		Chain: p.chain,
		Steps: []model.Step{{Contract: contract, Function: fn, Actor: actor}},
	}
}

func (p *Planner) features(sm *model.SourceModel, clusters []model.ContractClusters) []model.Journey {
	var out []model.Journey
	for _, cc := range clusters {
		c := sm.Contract(cc.Contract)
		if c == nil {
			continue
		}
		for _, f := range cc.Features {
			var steps []model.Step
			for _, name := range f.Fns {
				if c.Function(name) != nil {
					steps = append(steps, model.Step{Contract: c.Name, Function: name, Actor: model.ActorUser})
				}
			}
			if len(steps) < 2 {
				continue
			}
			out = append(out, model.Journey{
				ID:    "feature_" + c.Name + "_" + Slug(f.Name),
				Tags:  []string{model.TagFeature},
				Chain: p.chain,
				Steps: steps,
				Meta: &model.FeatureMeta{
					Feature:  f.Name,
					Preconds: f.Preconds,
					Fixture:  f.Fixture,
					Effects:  f.Effects,
				},
			})
		}
	}
	return out
}

// Dedupe keeps the first journey for every id.
func Dedupe(js []model.Journey) []model.Journey {
	seen := make(map[string]struct{}, len(js))
	out := make([]model.Journey, 0, len(js))
	for _, j := range js {
		if _, ok := seen[j.ID]; ok {
			continue
		}
		seen[j.ID] = struct{}{}
		out = append(out, j)
	}
	return out
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// Slug lowercases s and joins its alphanumeric runs with underscores.
func Slug(s string) string {
	s = strings.Trim(slugRe.ReplaceAllString(strings.ToLower(s), "_"), "_")
	if s == "" {
		return "feature"
	}
	return s
}
