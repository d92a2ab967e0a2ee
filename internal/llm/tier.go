package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Tier is a budget class for model-assisted calls.
type Tier string

const (
	Nano  Tier = "nano"
	Mini  Tier = "mini"
	Large Tier = "large"
)

// Tiers lists the tiers in ascending cost order.
func Tiers() []Tier { return []Tier{Nano, Mini, Large} }

// ParseTier accepts a tier name in any case.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(strings.ToLower(strings.TrimSpace(s))); t {
	case Nano, Mini, Large:
		return t, nil
	}
	return "", fmt.Errorf("unknown budget tier %q", s)
}

// Caps is the per-run call budget of each tier.
type Caps map[Tier]int

// DefaultCaps: nano 2, mini 10, large 0 (disabled).
func DefaultCaps() Caps {
	return Caps{Nano: 2, Mini: 10, Large: 0}
}

// CacheKey is the first 16 hex characters of
// sha256("model|template|revision|contract|scope").
func CacheKey(model, template, revision, contract, scope string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{model, template, revision, contract, scope}, "|")))
	return hex.EncodeToString(sum[:])[:16]
}

// EstimateTokens approximates cost as the word count of prompt and output.
func EstimateTokens(prompt, output string) int {
	return len(strings.Fields(prompt)) + len(strings.Fields(output))
}

func inputHash(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])[:16]
}
