package extractor

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/raysh454/uatu/internal/logging"
	"github.com/raysh454/uatu/internal/model"
)

var (
	contractStructRe = regexp.MustCompile(`#\[contract\]\s*pub\s+struct\s+(\w+)`)
	contractImplRe   = regexp.MustCompile(`#\[contractimpl\]\s*impl\s+(?:(\w+)\s+for\s+)?(\w+)\s*\{`)
	pubFnRe          = regexp.MustCompile(`\bpub\s+fn\s+(\w+)\s*(?:<[^>]*>)?\s*\(([^)]*)\)`)
	rustModRe        = regexp.MustCompile(`\bmod\s+(\w+)\s*\{`)
)

// SorobanExtractor handles Soroban contracts (*.rs). Trees without any
// #[contract] struct fall back to plain Rust module extraction.
type SorobanExtractor struct {
	logger logging.Logger
}

func (s *SorobanExtractor) Ecosystem() string { return model.EcosystemStellar }

type rustFile struct {
	path string
	text string
}

func (s *SorobanExtractor) Extract(ctx context.Context, dir string) (*model.SourceModel, error) {
	paths, err := sourceFiles(ctx, dir, ".rs")
	if err != nil {
		return nil, err
	}
	var files []rustFile
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			s.logger.Warn("read failed, skipping file", logging.Field{Key: "path", Value: p}, logging.Field{Key: "error", Value: err})
			continue
		}
		files = append(files, rustFile{path: p, text: stripComments(string(data))})
	}

	sm := &model.SourceModel{Contracts: []model.Contract{}}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sm.Contracts = append(sm.Contracts, safeParse(s.logger, f.path, func() []model.Contract {
			return ParseSoroban(f.text)
		})...)
	}
	if len(sm.Contracts) == 0 {
		s.logger.Info("no soroban contracts found, using rust module fallback")
		for _, f := range files {
			stem := strings.TrimSuffix(filepath.Base(f.path), ".rs")
			sm.Contracts = append(sm.Contracts, safeParse(s.logger, f.path, func() []model.Contract {
				return ParseRustModules(f.text, stem)
			})...)
		}
	}
	s.logger.Info("extracted source model", logging.Field{Key: "files", Value: len(files)}, logging.Field{Key: "contracts", Value: len(sm.Contracts)})
	return sm, nil
}

// ParseSoroban returns one contract per #[contract] struct, with the public
// functions of its #[contractimpl] blocks. Contracts without functions are
// omitted. Outputs and modifiers are never inferred.
func ParseSoroban(text string) []model.Contract {
	var out []model.Contract
	for _, m := range contractStructRe.FindAllStringSubmatch(text, -1) {
		name := m[1]
		fns := []model.Function{}
		for _, loc := range contractImplRe.FindAllStringSubmatchIndex(text, -1) {
			if text[loc[4]:loc[5]] != name {
				continue
			}
			open := loc[1] - 1
			end := matchBrace(text, open)
			if end < 0 {
				end = len(text)
			}
			fns = append(fns, rustFunctions(text[open+1:end], true)...)
		}
		if len(fns) > 0 {
			out = append(out, rustContract(name, fns))
		}
	}
	return out
}

// ParseRustModules treats every `mod name {` block as a contract. A file
// without modules becomes one contract named after stem.
func ParseRustModules(text, stem string) []model.Contract {
	var out []model.Contract
	locs := rustModRe.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		if fns := rustFunctions(text, false); len(fns) > 0 {
			out = append(out, rustContract(stem, fns))
		}
		return out
	}
	for _, loc := range locs {
		open := loc[1] - 1
		end := matchBrace(text, open)
		if end < 0 {
			end = len(text)
		}
		if fns := rustFunctions(text[open+1:end], false); len(fns) > 0 {
			out = append(out, rustContract(text[loc[2]:loc[3]], fns))
		}
	}
	return out
}

func rustContract(name string, fns []model.Function) model.Contract {
	return model.Contract{
		Name:       name,
		Visibility: model.VisibilityPublic,
		Inherits:   []string{},
		StateVars:  []model.StateVar{},
		Functions:  fns,
		Events:     []model.Event{},
	}
}

func rustFunctions(body string, dropEnv bool) []model.Function {
	out := []model.Function{}
	for _, m := range pubFnRe.FindAllStringSubmatch(body, -1) {
		out = append(out, model.Function{
			Name:          m[1],
			Visibility:    model.VisibilityPublic,
			Mutability:    model.MutabilityUnspecified,
			Inputs:        ParseRustParams(m[2], dropEnv),
			Outputs:       []model.Param{},
			Modifiers:     []string{},
			EventsEmitted: []string{},
		})
	}
	return out
}

// ParseRustParams parses "env: Env, to: Address" lists. With dropEnv set,
// parameters typed as the environment handle are skipped.
func ParseRustParams(list string, dropEnv bool) []model.Param {
	out := []model.Param{}
	for _, raw := range splitTopLevel(list, ',') {
		name, typ, ok := strings.Cut(raw, ":")
		if !ok {
			name, typ = raw, "Unknown"
		}
		name = strings.TrimPrefix(strings.TrimSpace(name), "mut ")
		typ = strings.TrimSpace(typ)
		if dropEnv && strings.HasSuffix(strings.TrimLeft(typ, "&"), "Env") {
			continue
		}
		out = append(out, model.Param{Name: strings.TrimSpace(name), Type: typ})
	}
	return out
}
