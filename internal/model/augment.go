package model

// Augmentation outcome reasons.
const (
	AugmentOK             = "ok"
	AugmentCompileError   = "compile_error"
	AugmentInvalidSnippet = "invalid_snippet"
	AugmentNoProvider     = "no_provider"
	AugmentDisabled       = "disabled"
	AugmentBudgetExceeded = "budget_exceeded"
	AugmentError          = "error"
)

// AugmentMeta is the per-(journey, function) augmentation record.
type AugmentMeta struct {
	Journey  string `json:"journey"`
	Function string `json:"function"`
	Added    bool   `json:"added"`
	Reason   string `json:"reason"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Tier     string `json:"tier,omitempty"`
	Snippet  string `json:"snippet,omitempty"`
	Cached   *bool  `json:"cached,omitempty"`
	Tokens   int    `json:"tokens,omitempty"`
	Patch    string `json:"patch,omitempty"`
	Error    string `json:"error,omitempty"`
}
