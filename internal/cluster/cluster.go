// Package cluster groups a contract's functions into features through one
// model-assisted call. Output feeds feature journeys in the planner.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/raysh454/uatu/internal/llm"
	"github.com/raysh454/uatu/internal/logging"
	"github.com/raysh454/uatu/internal/model"
)

const (
	Scope       = "clustering"
	minFeatureN = 2
)

var errNoJSON = errors.New("no JSON object in response")

// Caller is the part of llm.Gateway the clusterer needs.
type Caller interface {
	Call(ctx context.Context, req llm.Request) llm.Result
}

type Clusterer struct {
	gw     Caller
	logger logging.Logger
}

func New(gw Caller, logger logging.Logger) *Clusterer {
	return &Clusterer{gw: gw, logger: logging.OrNop(logger).With(logging.Field{Key: "component", Value: "cluster"})}
}

// Cluster asks for feature groups of c. Any failure yields nil and the
// gateway's reason.
func (cl *Clusterer) Cluster(ctx context.Context, c *model.Contract, revision string) ([]model.Feature, string) {
	if c == nil || len(c.Functions) < minFeatureN {
		return nil, "too_few_functions"
	}
	res := cl.gw.Call(ctx, llm.Request{
		Tier:     llm.Mini,
		Template: llm.TemplateClustering,
		Revision: revision,
		Contract: c.Name,
		Scope:    Scope,
		Prompt:   llm.ClusteringPrompt(c.Name, signatures(c), modifiers(c), c.EventNames()),
	})
	if !res.Success {
		cl.logger.Debug("clustering skipped",
			logging.Field{Key: "contract", Value: c.Name},
			logging.Field{Key: "reason", Value: res.Reason})
		return nil, res.Reason
	}
	feats, err := Parse(res.Output, c)
	if err != nil {
		cl.logger.Warn("clustering output unusable",
			logging.Field{Key: "contract", Value: c.Name},
			logging.Field{Key: "error", Value: err.Error()})
		return nil, "invalid_output"
	}
	cl.logger.Info("contract clustered",
		logging.Field{Key: "contract", Value: c.Name},
		logging.Field{Key: "features", Value: len(feats)},
		logging.Field{Key: "cached", Value: res.Cached})
	return feats, "ok"
}

// All clusters every contract of sm and keeps the ones with features.
func (cl *Clusterer) All(ctx context.Context, sm *model.SourceModel, revision string) []model.ContractClusters {
	var out []model.ContractClusters
	for i := range sm.Contracts {
		if ctx.Err() != nil {
			break
		}
		feats, _ := cl.Cluster(ctx, &sm.Contracts[i], revision)
		if len(feats) > 0 {
			out = append(out, model.ContractClusters{Contract: sm.Contracts[i].Name, Features: feats})
		}
	}
	return out
}

type response struct {
	Features []model.Feature `json:"features"`
}

// Parse reads the first JSON object in out. Function names not declared in
// c are dropped, and so are features left with fewer than two.
func Parse(out string, c *model.Contract) ([]model.Feature, error) {
	raw, ok := llm.JSONObject(llm.StripFences(out))
	if !ok {
		return nil, errNoJSON
	}
	var r response
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, err
	}
	var feats []model.Feature
	for _, f := range r.Features {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			continue
		}
		seen := make(map[string]struct{})
		var fns []string
		for _, fn := range f.Fns {
			fn = bareName(fn)
			if _, dup := seen[fn]; dup || c.Function(fn) == nil {
				continue
			}
			seen[fn] = struct{}{}
			fns = append(fns, fn)
		}
		if len(fns) < minFeatureN {
			continue
		}
		f.Name = name
		f.Fns = fns
		feats = append(feats, f)
	}
	return feats, nil
}

// bareName accepts "withdraw", "withdraw(uint256)" or "Vault.withdraw".
func bareName(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '('); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

func signatures(c *model.Contract) []string {
	out := make([]string, 0, len(c.Functions))
	for i := range c.Functions {
		f := &c.Functions[i]
		out = append(out, f.Name+"("+strings.Join(f.InputTypes(), ",")+")")
	}
	return out
}

func modifiers(c *model.Contract) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, f := range c.Functions {
		for _, m := range f.Modifiers {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}
