package llm

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/sashabaranov/go-openai"
	"github.com/xaenox/perfume-chat/internal/models"
	"go.uber.org/zap"
)

const (
	DefaultTitle   = "New Chat"
	maxTitleRunes  = 80
	titleMaxTokens = 32
	// words kept by the fallback title
	fallbackWords = 6
)

const titlePrompt = `You generate a short title for a conversation with a perfume consultant, based on the user's first message.
- The title is 3 to 8 words in the language of the message.
- Do not use quotes, colons or trailing punctuation.
- Output only the title.`

// GenerateTitle asks the title model for a short title. Any failure falls
// back to a title built from the first words of the message.
func (c *OpenAIClient) GenerateTitle(ctx context.Context, message *models.Message) string {
	text := message.Text()
	if text == "" {
		return DefaultTitle
	}

	resp, err := c.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: c.config.TitleModel,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleSystem,
					Content: titlePrompt,
				},
				{
					Role:    openai.ChatMessageRoleUser,
					Content: text,
				},
			},
			MaxTokens:   titleMaxTokens,
			Temperature: 0.2,
		},
	)
	if err != nil {
		c.logger.Error("Failed to generate title", zap.Error(err))
		return FallbackTitle(text)
	}
	if len(resp.Choices) == 0 {
		c.logger.Warn("Title response has no choices")
		return FallbackTitle(text)
	}

	title := cleanTitle(resp.Choices[0].Message.Content)
	if title == "" {
		return FallbackTitle(text)
	}
	return title
}

// cleanTitle strips whitespace, quotes and trailing punctuation and caps
// the length. It returns "" when nothing is left.
func cleanTitle(title string) string {
	title = strings.TrimSpace(title)
	title = strings.TrimPrefix(title, "Title:")
	title = strings.Trim(title, "\"'`«»“”")
	title = strings.TrimRight(title, ".!?:;")
	title = strings.TrimSpace(title)
	title = strings.Join(strings.Fields(title), " ")

	if utf8.RuneCountInString(title) > maxTitleRunes {
		title = string([]rune(title)[:maxTitleRunes]) + "..."
	}
	return title
}

// FallbackTitle builds a title from the first words of the message
func FallbackTitle(text string) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return DefaultTitle
	}
	truncated := len(words) > fallbackWords
	if truncated {
		words = words[:fallbackWords]
	}

	title := cleanTitle(strings.Join(words, " "))
	if title == "" {
		return DefaultTitle
	}
	if truncated && !strings.HasSuffix(title, "...") {
		title += "..."
	}
	return title
}
