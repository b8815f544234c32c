// Package llm streams chat completions and generates chat titles through an
// OpenAI-compatible API.
package llm

import (
	"context"
	"strings"

	"github.com/xaenox/perfume-chat/internal/models"
)

// CompletionRequest is one model call: a system prompt followed by the
// conversation history, oldest first
type CompletionRequest struct {
	// Model is a provider-qualified id such as "openai:gpt-4o-mini"
	Model       string
	System      string
	Messages    []*models.Message
	MaxTokens   int
	Temperature float64
}

type Completion struct {
	Text         string
	FinishReason string
	Usage        models.TokenUsage
}

// Completer streams a completion, calling onDelta for every text fragment in
// order. An error returned by onDelta aborts the stream.
type Completer interface {
	Stream(ctx context.Context, req CompletionRequest, onDelta func(delta string) error) (*Completion, error)
}

// Titler produces a short title for a new chat from its first message
type Titler interface {
	GenerateTitle(ctx context.Context, message *models.Message) string
}

// ProviderModel splits "openai:gpt-4o-mini" into its provider and model
// name. Ids without a provider are assumed to be OpenAI models.
func ProviderModel(id string) (provider, model string) {
	if p, m, ok := strings.Cut(id, ":"); ok {
		return p, m
	}
	return "openai", id
}

// reasoning models reject temperature and max_tokens
func isReasoningModel(model string) bool {
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}
