package models

// TokenUsage holds the raw token counts reported by the model provider
type TokenUsage struct {
	InputTokens       int `json:"inputTokens"`
	OutputTokens      int `json:"outputTokens"`
	TotalTokens       int `json:"totalTokens"`
	ReasoningTokens   int `json:"reasoningTokens,omitempty"`
	CachedInputTokens int `json:"cachedInputTokens,omitempty"`
}

// Usage is the token usage of a turn, optionally enriched with cost and
// context window data from the model catalog
type Usage struct {
	TokenUsage
	ModelID string        `json:"modelId,omitempty"`
	Costs   *UsageCosts   `json:"costs,omitempty"`
	Context *UsageContext `json:"context,omitempty"`
}

type UsageCosts struct {
	InputUSD     float64 `json:"inputUSD"`
	OutputUSD    float64 `json:"outputUSD"`
	CacheReadUSD float64 `json:"cacheReadUSD,omitempty"`
	TotalUSD     float64 `json:"totalUSD"`
}

type UsageContext struct {
	TotalMax    int     `json:"totalMax"`
	OutputMax   int     `json:"outputMax,omitempty"`
	PercentUsed float64 `json:"percentUsed"`
}
