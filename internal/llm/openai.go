package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/xaenox/perfume-chat/internal/models"
	"go.uber.org/zap"
)

type Config struct {
	APIKey      string
	BaseURL     string
	MaxTokens   int
	Temperature float64
	// TitleModel is used by GenerateTitle
	TitleModel string
}

// OpenAIClient implements Completer and Titler
type OpenAIClient struct {
	client *openai.Client
	config Config
	logger *zap.Logger
}

func NewOpenAIClient(config Config, logger *zap.Logger) *OpenAIClient {
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	if config.MaxTokens == 0 {
		config.MaxTokens = 1024
	}
	if config.TitleModel == "" {
		config.TitleModel = openai.GPT4oMini
	}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
		logger: logger,
	}
}

func (c *OpenAIClient) Stream(ctx context.Context, req CompletionRequest, onDelta func(string) error) (*Completion, error) {
	_, model := ProviderModel(req.Model)

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		if converted, ok := convertMessage(msg); ok {
			messages = append(messages, converted)
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.config.MaxTokens
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.config.Temperature
	}

	chatReq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      messages,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if isReasoningModel(model) {
		chatReq.MaxCompletionTokens = maxTokens
	} else {
		chatReq.MaxTokens = maxTokens
		chatReq.Temperature = float32(temperature)
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}
	defer stream.Close()

	var (
		text       strings.Builder
		completion Completion
	)
	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("stream error: %w", err)
		}

		if response.Usage != nil {
			completion.Usage = tokenUsage(response.Usage)
		}
		if len(response.Choices) == 0 {
			continue
		}

		choice := response.Choices[0]
		if choice.FinishReason != "" {
			completion.FinishReason = string(choice.FinishReason)
		}
		if choice.Delta.Content == "" {
			continue
		}
		text.WriteString(choice.Delta.Content)
		if err := onDelta(choice.Delta.Content); err != nil {
			return nil, err
		}
	}

	completion.Text = text.String()
	if completion.FinishReason == "" {
		completion.FinishReason = string(openai.FinishReasonStop)
	}

	c.logger.Debug("Completion finished",
		zap.String("model", model),
		zap.String("finish_reason", completion.FinishReason),
		zap.Int("input_tokens", completion.Usage.InputTokens),
		zap.Int("output_tokens", completion.Usage.OutputTokens))

	return &completion, nil
}

func tokenUsage(u *openai.Usage) models.TokenUsage {
	usage := models.TokenUsage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
	if u.PromptTokensDetails != nil {
		usage.CachedInputTokens = u.PromptTokensDetails.CachedTokens
	}
	if u.CompletionTokensDetails != nil {
		usage.ReasoningTokens = u.CompletionTokensDetails.ReasoningTokens
	}
	return usage
}

// convertMessage maps a stored message to the OpenAI format. Image file
// parts become image_url parts; messages with nothing to send are skipped.
func convertMessage(msg *models.Message) (openai.ChatCompletionMessage, bool) {
	role := openai.ChatMessageRoleUser
	if msg.Role == models.RoleAssistant {
		role = openai.ChatMessageRoleAssistant
	}

	var images []openai.ChatMessagePart
	for _, part := range msg.Parts {
		if part.Type == models.FilePart && strings.HasPrefix(part.MediaType, "image/") && part.URL != "" {
			images = append(images, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    part.URL,
					Detail: openai.ImageURLDetailAuto,
				},
			})
		}
	}

	text := msg.Text()
	// the API only accepts image parts on user messages
	if len(images) == 0 || role != openai.ChatMessageRoleUser {
		if text == "" {
			return openai.ChatCompletionMessage{}, false
		}
		return openai.ChatCompletionMessage{Role: role, Content: text}, true
	}

	multiContent := make([]openai.ChatMessagePart, 0, len(images)+1)
	if text != "" {
		multiContent = append(multiContent, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: text,
		})
	}
	multiContent = append(multiContent, images...)

	return openai.ChatCompletionMessage{Role: role, MultiContent: multiContent}, true
}
