package llm

import (
	"context"
	"net/http"
	"os"
	"strings"

	"github.com/raysh454/uatu/internal/webclient"
)

// Provider completes a prompt with a hosted model.
type Provider interface {
	Name() string
	Model() string
	Complete(ctx context.Context, prompt string) (string, error)
}

// ProviderMeta describes the detected provider. Reason explains why it is
// disabled.
type ProviderMeta struct {
	Enabled  bool   `json:"enabled"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Reason   string `json:"reason,omitempty"`
}

const (
	DefaultOpenAIModel    = "gpt-4o-mini"
	DefaultAnthropicModel = "claude-3-5-sonnet-20240620"
)

// DetectProvider resolves mode (auto, openai, anthropic, off) against the
// environment read through getenv. A nil getenv reads the process environment.
func DetectProvider(mode string, getenv func(string) string) ProviderMeta {
	if getenv == nil {
		getenv = os.Getenv
	}
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = "auto"
	}
	if mode == "off" {
		return ProviderMeta{Provider: "none", Reason: "flag_off"}
	}
	if mode == "auto" || mode == "openai" {
		if getenv("OPENAI_API_KEY") != "" {
			return ProviderMeta{Enabled: true, Provider: "openai", Model: envOr(getenv, "OPENAI_MODEL", DefaultOpenAIModel)}
		}
		if mode == "openai" {
			return ProviderMeta{Provider: "openai", Reason: "no_api_key"}
		}
	}
	if mode == "auto" || mode == "anthropic" {
		if getenv("ANTHROPIC_API_KEY") != "" {
			return ProviderMeta{Enabled: true, Provider: "anthropic", Model: envOr(getenv, "ANTHROPIC_MODEL", DefaultAnthropicModel)}
		}
		if mode == "anthropic" {
			return ProviderMeta{Provider: "anthropic", Reason: "no_api_key"}
		}
	}
	return ProviderMeta{Provider: "none", Reason: "no_provider"}
}

func envOr(getenv func(string) string, key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

// NewProvider builds the HTTP provider for meta, or nil when meta is
// disabled or names an unknown provider.
func NewProvider(meta ProviderMeta, wc webclient.WebClient, getenv func(string) string) Provider {
	if !meta.Enabled {
		return nil
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	switch meta.Provider {
	case "openai":
		return &OpenAIProvider{Client: wc, APIKey: getenv("OPENAI_API_KEY"), ModelName: meta.Model, BaseURL: getenv("OPENAI_BASE_URL")}
	case "anthropic":
		return &AnthropicProvider{Client: wc, APIKey: getenv("ANTHROPIC_API_KEY"), ModelName: meta.Model, BaseURL: getenv("ANTHROPIC_BASE_URL")}
	}
	return nil
}

const systemPrompt = "You are a senior smart contract auditor."

// OpenAIProvider calls the chat completions API.
type OpenAIProvider struct {
	Client    webclient.WebClient
	APIKey    string
	ModelName string
	BaseURL   string
}

func (p *OpenAIProvider) Name() string  { return "openai" }
func (p *OpenAIProvider) Model() string { return p.ModelName }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (p *OpenAIProvider) Complete(ctx context.Context, prompt string) (string, error) {
	base := p.BaseURL
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	req := struct {
		Model       string        `json:"model"`
		Messages    []chatMessage `json:"messages"`
		Temperature float64       `json:"temperature"`
	}{
		Model:    p.ModelName,
		Messages: []chatMessage{{Role: "system", Content: systemPrompt}, {Role: "user", Content: prompt}},
	}
	var resp struct {
		Choices []struct {
			Message chatMessage `json:"message"`
		} `json:"choices"`
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+p.APIKey)
	if err := webclient.PostJSON(ctx, p.Client, strings.TrimRight(base, "/")+"/chat/completions", h, req, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// AnthropicProvider calls the messages API.
type AnthropicProvider struct {
	Client    webclient.WebClient
	APIKey    string
	ModelName string
	BaseURL   string
}

func (p *AnthropicProvider) Name() string  { return "anthropic" }
func (p *AnthropicProvider) Model() string { return p.ModelName }

func (p *AnthropicProvider) Complete(ctx context.Context, prompt string) (string, error) {
	base := p.BaseURL
	if base == "" {
		base = "https://api.anthropic.com/v1"
	}
	req := struct {
		Model     string        `json:"model"`
		MaxTokens int           `json:"max_tokens"`
		Messages  []chatMessage `json:"messages"`
	}{
		Model:     p.ModelName,
		MaxTokens: 1200,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
	}
	var resp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	h := http.Header{}
	h.Set("x-api-key", p.APIKey)
	h.Set("anthropic-version", "2023-06-01")
	if err := webclient.PostJSON(ctx, p.Client, strings.TrimRight(base, "/")+"/messages", h, req, &resp); err != nil {
		return "", err
	}
	var b strings.Builder
	for _, c := range resp.Content {
		b.WriteString(c.Text)
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "", ErrEmptyResponse
	}
	return out, nil
}
