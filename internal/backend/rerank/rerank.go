// Package rerank adapts an HTTP reranking service (Cohere-compatible
// /v1/rerank shape, also spoken by TEI and Jina) as a text-reranking
// backend.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"atlas/internal/atlaserr"
	"atlas/internal/backend"
	"atlas/internal/logging"
)

type Config struct {
	// ID is the registry identifier, e.g. "reranker".
	ID     string
	URL    string // full endpoint URL
	APIKey string
	Model  string

	// MaxDocuments is the per-call input bound. Zero means 100.
	MaxDocuments int
	// Timeout bounds one HTTP call. Zero means 30s.
	Timeout time.Duration
}

type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.MaxDocuments <= 0 {
		cfg.MaxDocuments = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logging.Default(logger).With("backend", cfg.ID),
	}
}

func (c *Client) ID() string { return c.cfg.ID }

func (c *Client) Capabilities() []backend.Capability {
	return []backend.Capability{backend.CapTextReranking}
}

// Ready scores a trivial pair to verify the endpoint and model.
func (c *Client) Ready(ctx context.Context) error {
	_, err := c.Rerank(ctx, "ping", []string{"pong"})
	return err
}

func (c *Client) Close() error { return nil }

func (c *Client) MaxDocuments() int { return c.cfg.MaxDocuments }

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Rerank scores documents against the query, one score per document in
// input order. Callers must respect MaxDocuments.
func (c *Client) Rerank(ctx context.Context, query string, documents []string) ([]float64, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	if len(documents) > c.cfg.MaxDocuments {
		return nil, atlaserr.Newf(atlaserr.KindValidation, "rerank.call",
			"%d documents exceeds per-call bound %d", len(documents), c.cfg.MaxDocuments)
	}

	body, err := json.Marshal(rerankRequest{
		Model:     c.cfg.Model,
		Query:     query,
		Documents: documents,
		TopN:      len(documents),
	})
	if err != nil {
		return nil, atlaserr.New(atlaserr.KindInternal, "rerank.call", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, atlaserr.New(atlaserr.KindInternal, "rerank.call", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, atlaserr.New(atlaserr.KindTransient, "rerank.call", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		kind := atlaserr.KindTransient
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			kind = atlaserr.KindValidation
		}
		return nil, atlaserr.New(kind, "rerank.call",
			fmt.Errorf("status %d: %s", resp.StatusCode, snippet))
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, atlaserr.New(atlaserr.KindTransient, "rerank.call", err)
	}

	scores := make([]float64, len(documents))
	for _, r := range parsed.Results {
		if r.Index < 0 || r.Index >= len(scores) {
			return nil, atlaserr.Newf(atlaserr.KindInternal, "rerank.call",
				"result index %d out of range", r.Index)
		}
		scores[r.Index] = r.RelevanceScore
	}
	return scores, nil
}
