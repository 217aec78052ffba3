// Package openai adapts OpenAI-compatible services as embedding and
// JSON completion backends. A custom base URL points the same adapter
// at local servers exposing the OpenAI API shape.
package openai

import (
	"context"
	"encoding/json"
	"log/slog"

	oai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"golang.org/x/time/rate"

	"atlas/internal/atlaserr"
	"atlas/internal/backend"
	"atlas/internal/logging"
)

// Config selects the service and models for one backend instance.
type Config struct {
	// ID is the registry identifier, e.g. "openai" or "local-llama".
	ID      string
	APIKey  string
	BaseURL string

	// EmbeddingModel is required for embedding capabilities.
	EmbeddingModel string
	// EmbeddingDims is the vector width EmbeddingModel produces.
	EmbeddingDims int
	// CompletionModel is required for the json-completion capability.
	CompletionModel string

	// Capabilities restricts what this instance may be resolved for.
	Capabilities []backend.Capability

	// MaxCompletionTokens caps JSON replies. Zero means 2048.
	MaxCompletionTokens int

	// RequestsPerSecond throttles outbound calls. Zero means 10.
	RequestsPerSecond float64
}

type Client struct {
	cfg     Config
	client  oai.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Client {
	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxCompletionTokens <= 0 {
		cfg.MaxCompletionTokens = 2048
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	return &Client{
		cfg:     cfg,
		client:  oai.NewClient(opts...),
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:  logging.Default(logger).With("backend", cfg.ID),
	}
}

func (c *Client) ID() string { return c.cfg.ID }

func (c *Client) Capabilities() []backend.Capability { return c.cfg.Capabilities }

// Ready embeds a one-token probe. This verifies credentials, the base
// URL, and that the embedding model is loaded, in one round trip.
func (c *Client) Ready(ctx context.Context) error {
	if c.cfg.EmbeddingModel == "" {
		return nil
	}
	_, err := c.Embed(ctx, []string{"ping"})
	return err
}

func (c *Client) Close() error { return nil }

func (c *Client) Model() string { return c.cfg.EmbeddingModel }

func (c *Client) Dimensions() int { return c.cfg.EmbeddingDims }

func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, atlaserr.New(atlaserr.KindCancelled, "openai.embed", err)
	}
	resp, err := c.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: oai.EmbeddingModel(c.cfg.EmbeddingModel),
		Input: oai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	if err != nil {
		return nil, atlaserr.New(atlaserr.KindTransient, "openai.embed", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, atlaserr.Newf(atlaserr.KindInternal, "openai.embed",
			"got %d embeddings for %d inputs", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, item := range resp.Data {
		vec := make([]float32, len(item.Embedding))
		for i, v := range item.Embedding {
			vec[i] = float32(v)
		}
		out[item.Index] = vec
	}
	return out, nil
}

// CompleteJSON runs a zero-temperature chat completion constrained to a
// JSON object response.
func (c *Client) CompleteJSON(ctx context.Context, system, user string) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, atlaserr.New(atlaserr.KindCancelled, "openai.complete", err)
	}
	resp, err := c.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model:       oai.ChatModel(c.cfg.CompletionModel),
		Temperature: oai.Float(0),
		MaxTokens:   oai.Int(int64(c.cfg.MaxCompletionTokens)),
		ResponseFormat: oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &oai.ResponseFormatJSONObjectParam{},
		},
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(system),
			oai.UserMessage(user),
		},
	})
	if err != nil {
		return nil, atlaserr.New(atlaserr.KindTransient, "openai.complete", err)
	}
	if len(resp.Choices) == 0 {
		return nil, atlaserr.Newf(atlaserr.KindInternal, "openai.complete", "empty choices")
	}
	raw := json.RawMessage(resp.Choices[0].Message.Content)
	if !json.Valid(raw) {
		return nil, atlaserr.Newf(atlaserr.KindValidation, "openai.complete", "model reply is not valid json")
	}
	return raw, nil
}
