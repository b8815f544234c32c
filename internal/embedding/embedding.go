// Package embedding turns free text into vectors through an OpenAI-compatible
// embeddings endpoint.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const (
	DefaultModel      = "text-embedding-3-small"
	DefaultDimensions = 1536
)

// Embedder is what the chat flow needs from an embedding backend
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Config struct {
	APIKey string
	// BaseURL overrides the API root, e.g. for Azure or a local proxy
	BaseURL    string
	Model      string
	Dimensions int
}

type Client struct {
	client     *openai.Client
	model      string
	dimensions int
	logger     *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("embedding: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = DefaultDimensions
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &Client{
		client:     openai.NewClientWithConfig(clientConfig),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		logger:     logger,
	}, nil
}

// Embed returns the embedding vector of text. A failed call is not retried.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("embedding: text must not be empty")
	}

	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds several texts in one request, preserving input order
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input:      texts,
		Model:      openai.EmbeddingModel(c.model),
		Dimensions: c.requestDimensions(),
	})
	if err != nil {
		c.logger.Error("Embedding request failed",
			zap.Error(err),
			zap.String("model", c.model))
		return nil, wrapUpstreamError(err)
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding: response index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return nil, fmt.Errorf("embedding: response has no embedding for input %d", i)
		}
	}

	return vectors, nil
}

// Only text-embedding-3-* models accept a dimensions override
func (c *Client) requestDimensions() int {
	if strings.HasPrefix(c.model, "text-embedding-3-") {
		return c.dimensions
	}
	return 0
}

func (c *Client) Dimensions() int {
	return c.dimensions
}

func (c *Client) ModelName() string {
	return c.model
}

// wrapUpstreamError keeps the upstream status and body in the message
func wrapUpstreamError(err error) error {
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("embedding: upstream returned status %d: %s: %w",
			reqErr.HTTPStatusCode, strings.TrimSpace(string(reqErr.Body)), err)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("embedding: upstream returned status %d: %s: %w",
			apiErr.HTTPStatusCode, apiErr.Message, err)
	}
	return fmt.Errorf("embedding: request failed: %w", err)
}
