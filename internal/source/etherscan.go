package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"strings"

	"github.com/raysh454/uatu/internal/logging"
	"github.com/raysh454/uatu/internal/store"
	"github.com/raysh454/uatu/internal/webclient"
)

const DefaultEtherscanURL = "https://api.etherscan.io/api"

// Bundle is one contract's verified source set, keyed by relative path.
type Bundle struct {
	ContractName    string
	CompilerVersion string
	Files           map[string]string
}

// Meta is the fetch record persisted beside the sources.
type Meta struct {
	ContractName    string   `json:"contractName"`
	CompilerVersion string   `json:"compilerVersion"`
	Files           []string `json:"files"`
}

// WriteTo writes the bundle under dir. Paths escaping dir are skipped.
func (b *Bundle) WriteTo(dir string, logger logging.Logger) (*Meta, error) {
	logger = logging.OrNop(logger)
	meta := &Meta{ContractName: b.ContractName, CompilerVersion: b.CompilerVersion, Files: []string{}}
	paths := make([]string, 0, len(b.Files))
	for p := range b.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		rel := filepath.Clean(filepath.FromSlash(p))
		if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			logger.Warn("skipping source outside the work dir", logging.Field{Key: "path", Value: p})
			continue
		}
		out := filepath.Join(dir, rel)
		if err := store.AtomicWriteFile(out, []byte(b.Files[p]), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", p, err)
		}
		meta.Files = append(meta.Files, out)
	}
	return meta, nil
}

// EtherscanFetcher reads verified sources from the etherscan contract API.
type EtherscanFetcher struct {
	client  webclient.WebClient
	apiKey  string
	baseURL string
	logger  logging.Logger
}

func NewEtherscanFetcher(client webclient.WebClient, apiKey, baseURL string, logger logging.Logger) *EtherscanFetcher {
	if baseURL == "" {
		baseURL = DefaultEtherscanURL
	}
	return &EtherscanFetcher{
		client:  client,
		apiKey:  apiKey,
		baseURL: baseURL,
		logger:  logging.OrNop(logger).With(logging.Field{Key: "component", Value: "etherscan"}),
	}
}

type etherscanResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type etherscanItem struct {
	SourceCode      string `json:"SourceCode"`
	ContractName    string `json:"ContractName"`
	CompilerVersion string `json:"CompilerVersion"`
}

func (f *EtherscanFetcher) Fetch(ctx context.Context, address string) (*Bundle, error) {
	if f.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	q := url.Values{}
	q.Set("module", "contract")
	q.Set("action", "getsourcecode")
	q.Set("address", address)
	q.Set("apikey", f.apiKey)
	resp, err := webclient.Get(ctx, f.client, f.baseURL+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, &webclient.StatusError{StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}
	var body etherscanResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("decode etherscan response: %w", err)
	}
	var items []etherscanItem
	if body.Status != "1" || json.Unmarshal(body.Result, &items) != nil || len(items) == 0 {
		return nil, fmt.Errorf("etherscan error: %s", body.Message)
	}
	item := items[0]
	name := item.ContractName
	if name == "" {
		name = address
	}
	files := ParseSourceCode(item.SourceCode, name)
	f.logger.Debug("etherscan sources parsed",
		logging.Field{Key: "address", Value: address},
		logging.Field{Key: "files", Value: len(files)})
	return &Bundle{ContractName: name, CompilerVersion: item.CompilerVersion, Files: files}, nil
}

// ParseSourceCode splits the SourceCode field into files. Multi-file
// submissions arrive as standard-json input, sometimes wrapped in an extra
// pair of braces, or as a flat path-to-content map. Anything else is one
// flat file named after the contract.
func ParseSourceCode(raw, name string) map[string]string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "{{") && strings.HasSuffix(s, "}}") {
		s = s[1 : len(s)-1]
	}
	if strings.HasPrefix(s, "{") {
		var top map[string]json.RawMessage
		if err := json.Unmarshal([]byte(s), &top); err == nil {
			entries := top
			if nested, ok := top["sources"]; ok {
				entries = nil
				_ = json.Unmarshal(nested, &entries)
			}
			if files := sourceEntries(entries); len(files) > 0 {
				return files
			}
		}
	}
	return map[string]string{name + ".sol": raw}
}

func sourceEntries(entries map[string]json.RawMessage) map[string]string {
	files := make(map[string]string, len(entries))
	for path, val := range entries {
		var withContent struct {
			Content *string `json:"content"`
		}
		var plain string
		switch {
		case json.Unmarshal(val, &withContent) == nil && withContent.Content != nil:
			files[path] = *withContent.Content
		case json.Unmarshal(val, &plain) == nil:
			files[path] = plain
		default:
			files[path] = string(val)
		}
	}
	return files
}
