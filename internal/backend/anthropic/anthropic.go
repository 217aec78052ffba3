// Package anthropic adapts the Anthropic Messages API as a JSON
// completion backend for consolidation verdicts and key enrichment.
package anthropic

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	ant "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"atlas/internal/atlaserr"
	"atlas/internal/backend"
	"atlas/internal/logging"
)

type Config struct {
	// ID is the registry identifier, e.g. "anthropic".
	ID     string
	APIKey string
	Model  string

	// MaxTokens caps JSON replies. Zero means 2048.
	MaxTokens int
}

type Client struct {
	cfg    Config
	client ant.Client
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Client {
	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	return &Client{
		cfg:    cfg,
		client: ant.NewClient(opts...),
		logger: logging.Default(logger).With("backend", cfg.ID),
	}
}

func (c *Client) ID() string { return c.cfg.ID }

func (c *Client) Capabilities() []backend.Capability {
	return []backend.Capability{backend.CapJSONCompletion, backend.CapKeyExtraction}
}

// Ready only checks configuration. A live call per process start would
// burn tokens for nothing; auth failures surface on first use as
// transient errors and trigger fallback.
func (c *Client) Ready(ctx context.Context) error {
	if c.cfg.Model == "" {
		return atlaserr.Newf(atlaserr.KindFatalInit, "anthropic.ready", "model is not configured")
	}
	if c.cfg.APIKey == "" {
		return atlaserr.Newf(atlaserr.KindFatalInit, "anthropic.ready", "api key is not configured")
	}
	return nil
}

func (c *Client) Close() error { return nil }

// CompleteJSON sends a zero-temperature message and extracts the JSON
// object from the reply, tolerating surrounding prose.
func (c *Client) CompleteJSON(ctx context.Context, system, user string) (json.RawMessage, error) {
	msg, err := c.client.Messages.New(ctx, ant.MessageNewParams{
		Model:       ant.Model(c.cfg.Model),
		MaxTokens:   int64(c.cfg.MaxTokens),
		Temperature: ant.Float(0),
		System:      []ant.TextBlockParam{{Text: system}},
		Messages: []ant.MessageParam{
			ant.NewUserMessage(ant.NewTextBlock(user)),
		},
	})
	if err != nil {
		return nil, atlaserr.New(atlaserr.KindTransient, "anthropic.complete", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	raw := extractJSONObject(text.String())
	if raw == nil {
		return nil, atlaserr.Newf(atlaserr.KindValidation, "anthropic.complete", "no json object in model reply")
	}
	return raw, nil
}

// extractJSONObject returns the first balanced top-level {...} in s
// that parses as JSON, or nil.
func extractJSONObject(s string) json.RawMessage {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return nil
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				candidate := json.RawMessage(s[start : i+1])
				if json.Valid(candidate) {
					return candidate
				}
				return nil
			}
		}
	}
	return nil
}
