// Package llm is the call policy for model-assisted steps: per-tier budgets,
// a content-addressed response cache and bounded provider retries.
package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/raysh454/uatu/internal/logging"
	"github.com/raysh454/uatu/internal/store"
)

// Reasons reported in Result.Reason.
const (
	ReasonBudgetExceeded = "budget_exceeded"
	ReasonNoProvider     = "no_provider"
	ReasonDisabled       = "disabled"
	ReasonError          = "error"
)

var (
	ErrBudgetExceeded = errors.New("budget exceeded")
	ErrNoProvider     = errors.New("no provider configured")
	ErrEmptyResponse  = errors.New("empty model response")
)

// Request is one model-assisted call. Template, Revision, Contract and
// Scope (with the provider's model) form the cache key.
type Request struct {
	Tier     Tier
	Template string
	Revision string
	Contract string
	Scope    string
	Prompt   string
}

type Result struct {
	Success bool   `json:"success"`
	Cached  bool   `json:"cached"`
	Output  string `json:"output,omitempty"`
	Tokens  int    `json:"tokens,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Tier    Tier   `json:"budget"`
	Usage   int    `json:"usage"`
	Err     error  `json:"-"`
}

// Observer receives one notification per Call outcome.
type Observer interface {
	ObserveCall(tier, outcome string)
}

type Options struct {
	Caps Caps
	// Enabled false turns every call into a "disabled" result.
	Enabled bool
	// DisabledReason replaces "disabled" in that case.
	DisabledReason string
	NoCache        bool
	Retry          RetryPolicy
	// UsagePath, when set, receives the usage summary after every charged call.
	UsagePath string
	Observer  Observer
}

// Gateway mediates every model call of a run. Cache lookup, budget check
// and the usage update happen under one lock; concurrent calls for the same
// key wait for the first one instead of spending budget twice.
type Gateway struct {
	mu       sync.Mutex
	caps     Caps
	usage    map[Tier]int
	reserved map[Tier]int
	inflight map[string]chan struct{}

	cache    Cache
	provider Provider
	opts     Options
	logger   logging.Logger
}

// NewGateway loads persisted usage from cache. provider may be nil.
func NewGateway(ctx context.Context, cache Cache, provider Provider, opts Options, logger logging.Logger) (*Gateway, error) {
	if cache == nil {
		cache = NewMemoryCache()
	}
	caps := DefaultCaps()
	for t, c := range opts.Caps {
		caps[t] = c
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	usage, err := cache.LoadUsage(ctx)
	if err != nil {
		return nil, fmt.Errorf("load usage: %w", err)
	}
	return &Gateway{
		caps:     caps,
		usage:    usage,
		reserved: make(map[Tier]int),
		inflight: make(map[string]chan struct{}),
		cache:    cache,
		provider: provider,
		opts:     opts,
		logger:   logging.OrNop(logger).With(logging.Field{Key: "component", Value: "llm-gateway"}),
	}, nil
}

// Meta describes the provider behind the gateway.
func (g *Gateway) Meta() ProviderMeta {
	if !g.opts.Enabled {
		reason := g.opts.DisabledReason
		if reason == "" {
			reason = ReasonDisabled
		}
		return ProviderMeta{Provider: g.providerName(), Model: g.model(), Reason: reason}
	}
	if g.provider == nil {
		return ProviderMeta{Provider: "none", Reason: ReasonNoProvider}
	}
	return ProviderMeta{Enabled: true, Provider: g.provider.Name(), Model: g.provider.Model()}
}

func (g *Gateway) providerName() string {
	if g.provider == nil {
		return "none"
	}
	return g.provider.Name()
}

func (g *Gateway) model() string {
	if g.provider == nil {
		return ""
	}
	return g.provider.Model()
}

// CanCall reports whether tier still has budget and the gateway is enabled.
func (g *Gateway) CanCall(tier Tier) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.opts.Enabled && g.usage[tier]+g.reserved[tier] < g.caps[tier]
}

// Call serves req from the cache or, budget permitting, from the provider.
// It never returns an error: failures are reported in Result.Reason.
func (g *Gateway) Call(ctx context.Context, req Request) Result {
	res := g.call(ctx, req)
	outcome := res.Reason
	switch {
	case res.Success && res.Cached:
		outcome = "cache_hit"
	case res.Success:
		outcome = "ok"
	}
	if g.opts.Observer != nil {
		g.opts.Observer.ObserveCall(string(req.Tier), outcome)
	}
	return res
}

func (g *Gateway) call(ctx context.Context, req Request) Result {
	if _, err := ParseTier(string(req.Tier)); err != nil {
		return Result{Reason: ReasonError, Tier: req.Tier, Err: err}
	}
	if !g.opts.Enabled {
		return Result{Reason: g.Meta().Reason, Tier: req.Tier}
	}
	key := CacheKey(g.model(), req.Template, req.Revision, req.Contract, req.Scope)

	for {
		g.mu.Lock()
		if !g.opts.NoCache {
			e, ok, err := g.cache.Get(ctx, key)
			if err != nil {
				g.logger.Warn("cache read failed", logging.Field{Key: "key", Value: key}, logging.Field{Key: "error", Value: err})
			}
			if ok {
				usage := g.usage[req.Tier]
				g.mu.Unlock()
				return Result{Success: true, Cached: true, Output: e.Output, Tokens: e.Tokens, Tier: req.Tier, Usage: usage}
			}
		}
		if wait, busy := g.inflight[key]; busy {
			g.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return Result{Reason: ReasonError, Tier: req.Tier, Err: ctx.Err()}
			}
		}
		if g.usage[req.Tier]+g.reserved[req.Tier] >= g.caps[req.Tier] {
			usage := g.usage[req.Tier]
			g.mu.Unlock()
			g.logger.Info("budget exceeded", logging.Field{Key: "tier", Value: req.Tier}, logging.Field{Key: "usage", Value: usage})
			return Result{Reason: ReasonBudgetExceeded, Tier: req.Tier, Usage: usage, Err: ErrBudgetExceeded}
		}
		if g.provider == nil {
			g.mu.Unlock()
			return Result{Reason: ReasonNoProvider, Tier: req.Tier, Err: ErrNoProvider}
		}
		done := make(chan struct{})
		g.inflight[key] = done
		g.reserved[req.Tier]++
		g.mu.Unlock()

		return g.invoke(ctx, req, key, done)
	}
}

func (g *Gateway) invoke(ctx context.Context, req Request, key string, done chan struct{}) Result {
	rr := g.opts.Retry.Do(ctx, func(ctx context.Context) (string, error) {
		return g.provider.Complete(ctx, req.Prompt)
	})

	g.mu.Lock()
	defer g.mu.Unlock()
	defer func() {
		delete(g.inflight, key)
		close(done)
	}()
	g.reserved[req.Tier]--

	if rr.Exhausted() {
		g.logger.Warn("provider call failed",
			logging.Field{Key: "tier", Value: req.Tier},
			logging.Field{Key: "template", Value: req.Template},
			logging.Field{Key: "attempts", Value: rr.Attempts},
			logging.Field{Key: "error", Value: rr.Err})
		return Result{Reason: ReasonError, Tier: req.Tier, Usage: g.usage[req.Tier], Err: rr.Err}
	}

	tokens := EstimateTokens(req.Prompt, rr.Output)
	entry := Entry{
		Key:       key,
		InputHash: inputHash(req.Prompt),
		Output:    rr.Output,
		Tokens:    tokens,
		CreatedAt: time.Now().UTC(),
		Tier:      req.Tier,
		Template:  req.Template,
	}
	if !g.opts.NoCache {
		if err := g.cache.Put(ctx, entry); err != nil {
			g.logger.Warn("cache write failed", logging.Field{Key: "key", Value: key}, logging.Field{Key: "error", Value: err})
		}
	}
	g.usage[req.Tier]++
	g.persistUsageLocked(ctx)

	return Result{Success: true, Output: rr.Output, Tokens: tokens, Tier: req.Tier, Usage: g.usage[req.Tier]}
}

func (g *Gateway) persistUsageLocked(ctx context.Context) {
	if err := g.cache.SaveUsage(ctx, g.usage); err != nil {
		g.logger.Warn("save usage failed", logging.Field{Key: "error", Value: err})
	}
	if g.opts.UsagePath != "" {
		if err := store.WriteJSON(g.opts.UsagePath, g.summaryLocked()); err != nil {
			g.logger.Warn("write usage summary failed", logging.Field{Key: "error", Value: err})
		}
	}
}

// Usage returns a copy of the per-tier counters.
func (g *Gateway) Usage() map[Tier]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return copyUsage(g.usage)
}

type TierUsage struct {
	Used      int `json:"used"`
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

// UsageSummary is the usage.json artifact.
type UsageSummary struct {
	Enabled      bool               `json:"enabled"`
	Provider     string             `json:"provider"`
	Model        string             `json:"model"`
	Usage        map[Tier]TierUsage `json:"usage"`
	CacheEnabled bool               `json:"cache_enabled"`
}

func (g *Gateway) UsageSummary() UsageSummary {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.summaryLocked()
}

func (g *Gateway) summaryLocked() UsageSummary {
	s := UsageSummary{
		Enabled:      g.opts.Enabled && g.provider != nil,
		Provider:     g.providerName(),
		Model:        g.model(),
		Usage:        make(map[Tier]TierUsage, 3),
		CacheEnabled: !g.opts.NoCache,
	}
	for _, t := range Tiers() {
		s.Usage[t] = TierUsage{Used: g.usage[t], Limit: g.caps[t], Remaining: g.caps[t] - g.usage[t]}
	}
	return s
}

// WriteUsage persists the usage summary to path.
func (g *Gateway) WriteUsage(path string) error {
	return store.WriteJSON(path, g.UsageSummary())
}
