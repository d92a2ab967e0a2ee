// Package extractor turns a source tree into a model.SourceModel using
// per-ecosystem pattern matching. It is a best-effort front end, not a
// grammar: a file it cannot make sense of contributes nothing.
package extractor

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/raysh454/uatu/internal/logging"
	"github.com/raysh454/uatu/internal/model"
)

// Extractor builds a SourceModel for one ecosystem.
type Extractor interface {
	Ecosystem() string
	Extract(ctx context.Context, dir string) (*model.SourceModel, error)
}

// For returns the extractor for ecosystem. Unknown ecosystems get the EVM
// extractor.
func For(ecosystem string, logger logging.Logger) Extractor {
	logger = logging.OrNop(logger)
	switch strings.ToLower(strings.TrimSpace(ecosystem)) {
	case model.EcosystemStellar, "soroban":
		return &SorobanExtractor{logger: logger.With(logging.Field{Key: "component", Value: "extractor-soroban"})}
	default:
		return &EVMExtractor{logger: logger.With(logging.Field{Key: "component", Value: "extractor-evm"})}
	}
}

// skipDirs are never descended into.
var skipDirs = map[string]struct{}{
	".git": {}, ".hg": {}, ".svn": {}, "node_modules": {}, "target": {}, "out": {}, "cache": {},
}

// sourceFiles lists files under dir with extension ext in lexical order.
func sourceFiles(ctx context.Context, dir, ext string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat source dir: %w", err)
	}
	if !info.IsDir() {
		if strings.HasSuffix(dir, ext) {
			return []string{dir}, nil
		}
		return nil, nil
	}
	var files []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if _, skip := skipDirs[d.Name()]; skip && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), ext) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// safeParse runs parse and converts a panic into an empty result.
func safeParse(logger logging.Logger, path string, parse func() []model.Contract) (out []model.Contract) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("parse failed, skipping file", logging.Field{Key: "path", Value: path}, logging.Field{Key: "panic", Value: fmt.Sprint(r)})
			out = nil
		}
	}()
	return parse()
}

// matchBrace returns the index of the brace closing the one at open, or -1.
func matchBrace(text string, open int) int {
	depth := 0
	for i := open; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// splitTopLevel splits s on sep, ignoring separators nested in (), <> or [].
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(', '<', '[':
			depth++
		case ')', '>', ']':
			if depth > 0 {
				depth--
			}
		case sep:
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
