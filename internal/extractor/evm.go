package extractor

import (
	"context"
	"os"
	"regexp"
	"strings"

	"github.com/raysh454/uatu/internal/logging"
	"github.com/raysh454/uatu/internal/model"
)

var (
	lineCommentRe  = regexp.MustCompile(`//[^\n]*`)
	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
	contractRe     = regexp.MustCompile(`\b(?:abstract\s+contract|contract|interface|library)\s+(\w+)([^{;]*)\{`)
	eventRe        = regexp.MustCompile(`\bevent\s+(\w+)\s*\(([^)]*)\)\s*(?:anonymous\s*)?;`)
	errorDeclRe    = regexp.MustCompile(`\berror\s+(\w+)\s*\(`)
	functionRe     = regexp.MustCompile(`\bfunction\s+(\w+)\s*\(([^)]*)\)([^{;]*)([{;])`)
	returnsRe      = regexp.MustCompile(`\breturns\s*\(([^)]*)\)`)
	overrideRe     = regexp.MustCompile(`\boverride\s*\([^)]*\)`)
	modifierCallRe = regexp.MustCompile(`([A-Za-z_]\w*)\s*(\([^)]*\))?`)
	emitRe         = regexp.MustCompile(`\bemit\s+(\w+)\s*\(`)
)

var visibilityWords = map[string]struct{}{
	model.VisibilityPublic: {}, model.VisibilityExternal: {}, model.VisibilityInternal: {}, model.VisibilityPrivate: {},
}

var mutabilityWords = map[string]struct{}{
	model.MutabilityPayable: {}, model.MutabilityView: {}, model.MutabilityPure: {}, model.MutabilityNonpayable: {},
}

// header words that are neither visibility, mutability nor a modifier
var headerKeywords = map[string]struct{}{
	"virtual": {}, "override": {}, "returns": {}, "constant": {}, "memory": {}, "calldata": {}, "storage": {},
}

var statementKeywords = map[string]struct{}{
	"event": {}, "error": {}, "using": {}, "function": {}, "modifier": {}, "struct": {}, "enum": {},
	"constructor": {}, "fallback": {}, "receive": {}, "emit": {}, "return": {}, "pragma": {}, "import": {},
}

var stateQualifiers = map[string]struct{}{
	"public": {}, "private": {}, "internal": {}, "constant": {}, "immutable": {}, "override": {}, "transient": {},
}

// EVMExtractor handles Solidity-style sources (*.sol).
type EVMExtractor struct {
	logger logging.Logger
}

func (e *EVMExtractor) Ecosystem() string { return model.EcosystemEVM }

func (e *EVMExtractor) Extract(ctx context.Context, dir string) (*model.SourceModel, error) {
	files, err := sourceFiles(ctx, dir, ".sol")
	if err != nil {
		return nil, err
	}
	sm := &model.SourceModel{Contracts: []model.Contract{}}
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			e.logger.Warn("read failed, skipping file", logging.Field{Key: "path", Value: path}, logging.Field{Key: "error", Value: err})
			continue
		}
		text := string(data)
		sm.Contracts = append(sm.Contracts, safeParse(e.logger, path, func() []model.Contract {
			return ParseSolidity(text)
		})...)
	}
	e.logger.Info("extracted source model", logging.Field{Key: "files", Value: len(files)}, logging.Field{Key: "contracts", Value: len(sm.Contracts)})
	return sm, nil
}

// ParseSolidity extracts the contracts declared in one Solidity file.
func ParseSolidity(src string) []model.Contract {
	text := stripComments(src)
	var out []model.Contract
	for _, loc := range contractRe.FindAllStringSubmatchIndex(text, -1) {
		name := text[loc[2]:loc[3]]
		heritage := text[loc[4]:loc[5]]
		open := loc[1] - 1
		end := matchBrace(text, open)
		if end < 0 {
			end = len(text)
		}
		body := text[open+1 : end]
		out = append(out, model.Contract{
			Name:       name,
			Visibility: model.VisibilityPublic,
			Inherits:   parseInherits(heritage),
			StateVars:  parseStateVars(body),
			Functions:  parseFunctions(body),
			Events:     parseEvents(body),
			Errors:     parseErrors(body),
		})
	}
	return out
}

func stripComments(s string) string {
	s = blockCommentRe.ReplaceAllString(s, "")
	return lineCommentRe.ReplaceAllString(s, "")
}

func parseInherits(heritage string) []string {
	heritage = strings.TrimSpace(heritage)
	out := []string{}
	if !strings.HasPrefix(heritage, "is") {
		return out
	}
	for _, part := range splitTopLevel(strings.TrimSpace(heritage[2:]), ',') {
		// "Base(arg)" -> "Base"
		if i := strings.IndexByte(part, '('); i >= 0 {
			part = part[:i]
		}
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseEvents(body string) []model.Event {
	out := []model.Event{}
	for _, m := range eventRe.FindAllStringSubmatch(body, -1) {
		out = append(out, model.Event{Name: m[1], Params: splitTopLevel(m[2], ',')})
	}
	return out
}

func parseErrors(body string) []string {
	var out []string
	for _, m := range errorDeclRe.FindAllStringSubmatch(body, -1) {
		out = append(out, m[1])
	}
	return out
}

func parseFunctions(body string) []model.Function {
	out := []model.Function{}
	for _, loc := range functionRe.FindAllStringSubmatchIndex(body, -1) {
		header := body[loc[6]:loc[7]]
		fn := model.Function{
			Name:          body[loc[2]:loc[3]],
			Visibility:    model.VisibilityUnspecified,
			Mutability:    model.MutabilityUnspecified,
			Inputs:        ParseSolidityParams(body[loc[4]:loc[5]]),
			Outputs:       []model.Param{},
			Modifiers:     []string{},
			EventsEmitted: []string{},
		}
		if m := returnsRe.FindStringSubmatch(header); m != nil {
			fn.Outputs = ParseSolidityParams(m[1])
		}
		parseHeader(&fn, header)
		if body[loc[8]:loc[9]] == "{" {
			open := loc[9] - 1
			if end := matchBrace(body, open); end > open {
				fn.EventsEmitted = emittedEvents(body[open+1 : end])
			}
		}
		out = append(out, fn)
	}
	return out
}

// parseHeader reads visibility, mutability and modifier invocations from the
// text between the parameter list and the body.
func parseHeader(fn *model.Function, header string) {
	header = returnsRe.ReplaceAllString(header, " ")
	header = overrideRe.ReplaceAllString(header, " ")
	for _, m := range modifierCallRe.FindAllStringSubmatch(header, -1) {
		word := m[1]
		if _, ok := visibilityWords[word]; ok {
			fn.Visibility = word
			continue
		}
		if _, ok := mutabilityWords[word]; ok {
			fn.Mutability = word
			continue
		}
		if _, ok := headerKeywords[word]; ok {
			continue
		}
		fn.Modifiers = append(fn.Modifiers, word)
	}
}

func emittedEvents(body string) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, m := range emitRe.FindAllStringSubmatch(body, -1) {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		out = append(out, m[1])
	}
	return out
}

// ParseSolidityParams parses "uint256 amount, address to" style lists.
// Storage location keywords are dropped and leading underscores stripped
// from names.
func ParseSolidityParams(list string) []model.Param {
	out := []model.Param{}
	for _, raw := range splitTopLevel(list, ',') {
		var words []string
		for _, w := range strings.Fields(raw) {
			switch w {
			case "memory", "calldata", "storage", "indexed":
				continue
			}
			words = append(words, w)
		}
		if len(words) == 0 {
			continue
		}
		p := model.Param{Type: words[0]}
		if len(words) > 1 {
			p.Type = strings.Join(words[:len(words)-1], " ")
			p.Name = strings.TrimLeft(words[len(words)-1], "_")
		}
		out = append(out, p)
	}
	return out
}

// parseStateVars scans the contract body at nesting depth zero. Nested
// blocks (function bodies, structs) end the current statement.
func parseStateVars(body string) []model.StateVar {
	var flat strings.Builder
	depth := 0
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case c == '{':
			if depth == 0 {
				flat.WriteByte(';')
			}
			depth++
		case c == '}':
			if depth > 0 {
				depth--
			}
		case depth == 0:
			flat.WriteByte(c)
		}
	}
	out := []model.StateVar{}
	for _, stmt := range strings.Split(flat.String(), ";") {
		if sv, ok := parseStateVar(stmt); ok {
			out = append(out, sv)
		}
	}
	return out
}

func parseStateVar(stmt string) (model.StateVar, bool) {
	if i := strings.IndexByte(stmt, '='); i >= 0 {
		stmt = stmt[:i]
	}
	stmt = strings.TrimSpace(stmt)
	if stmt == "" {
		return model.StateVar{}, false
	}
	var typ string
	rest := stmt
	if strings.HasPrefix(stmt, "mapping") {
		end := matchParen(stmt, strings.IndexByte(stmt, '('))
		if end < 0 {
			return model.StateVar{}, false
		}
		typ, rest = stmt[:end+1], stmt[end+1:]
	}
	words := strings.Fields(rest)
	if typ == "" {
		if len(words) < 2 {
			return model.StateVar{}, false
		}
		typ, words = words[0], words[1:]
	}
	if _, kw := statementKeywords[strings.Fields(typ)[0]]; kw {
		return model.StateVar{}, false
	}
	if len(words) == 0 {
		return model.StateVar{}, false
	}
	sv := model.StateVar{Type: typ, Name: words[len(words)-1]}
	for _, q := range words[:len(words)-1] {
		if _, ok := stateQualifiers[q]; !ok {
			return model.StateVar{}, false
		}
		if _, ok := visibilityWords[q]; ok {
			sv.Visibility = q
		}
	}
	if !isIdent(sv.Name) {
		return model.StateVar{}, false
	}
	return sv, true
}

func matchParen(s string, open int) int {
	if open < 0 {
		return -1
	}
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || r == '$' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (i > 0 && r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}
