// Package meili implements the full-text tier on Meilisearch.
//
// Writes are accepted asynchronously by Meilisearch; the tier reports
// success once the task is enqueued and relies on the coordinator's
// reconcile queue for transport failures. Key, level, and time-range
// filter clauses are pushed down; path globs stay with the caller.
package meili

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/meilisearch/meilisearch-go"

	"atlas/internal/logging"
	"atlas/internal/store"
)

type Config struct {
	URL    string
	APIKey string
	// Index is the index uid. Empty means "atlas_chunks".
	Index  string
	Logger *slog.Logger
}

type FullText struct {
	cfg    Config
	client meilisearch.ServiceManager
	index  meilisearch.IndexManager
	logger *slog.Logger
}

func New(cfg Config) *FullText {
	if cfg.Index == "" {
		cfg.Index = "atlas_chunks"
	}
	client := meilisearch.New(cfg.URL, meilisearch.WithAPIKey(cfg.APIKey))
	return &FullText{
		cfg:    cfg,
		client: client,
		index:  client.Index(cfg.Index),
		logger: logging.Default(cfg.Logger).With("component", "meili"),
	}
}

// Ready verifies connectivity and pushes index settings. Both calls
// are idempotent on the Meilisearch side.
func (f *FullText) Ready(ctx context.Context) error {
	if !f.client.IsHealthy() {
		return fmt.Errorf("meilisearch unhealthy at %s", f.cfg.URL)
	}
	if _, err := f.client.CreateIndexWithContext(ctx, &meilisearch.IndexConfig{
		Uid:        f.cfg.Index,
		PrimaryKey: "id",
	}); err != nil {
		return fmt.Errorf("meili create index: %w", err)
	}
	_, err := f.index.UpdateSettingsWithContext(ctx, &meilisearch.Settings{
		SearchableAttributes: []string{"original_text", "file_name", "qntm_keys"},
		FilterableAttributes: []string{"qntm_keys", "file_path", "file_type", "content_type", "consolidation_level", "created_at"},
		SortableAttributes:   []string{"created_at"},
	})
	if err != nil {
		return fmt.Errorf("meili settings: %w", err)
	}
	return nil
}

func (f *FullText) Upsert(ctx context.Context, docs []store.FullTextDoc) error {
	if len(docs) == 0 {
		return nil
	}
	if _, err := f.index.AddDocumentsWithContext(ctx, docs); err != nil {
		return fmt.Errorf("meili upsert %d docs: %w", len(docs), err)
	}
	return nil
}

func (f *FullText) Delete(ctx context.Context, ids []store.ChunkID) error {
	if len(ids) == 0 {
		return nil
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	if _, err := f.index.DeleteDocumentsWithContext(ctx, strs); err != nil {
		return fmt.Errorf("meili delete %d docs: %w", len(ids), err)
	}
	return nil
}

func (f *FullText) Search(ctx context.Context, query string, limit int, filter *store.Filter) ([]store.ScoredID, error) {
	req := &meilisearch.SearchRequest{
		Limit:                int64(limit),
		AttributesToRetrieve: []string{"id"},
		ShowRankingScore:     true,
	}
	if expr := buildFilter(filter); expr != "" {
		req.Filter = expr
	}
	resp, err := f.index.SearchWithContext(ctx, query, req)
	if err != nil {
		return nil, fmt.Errorf("meili search: %w", err)
	}
	out := make([]store.ScoredID, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		doc, ok := hit.(map[string]any)
		if !ok {
			continue
		}
		rawID, _ := doc["id"].(string)
		id, err := store.ParseChunkID(rawID)
		if err != nil {
			continue
		}
		score, _ := doc["_rankingScore"].(float64)
		out = append(out, store.ScoredID{ID: id, Score: score, RawScore: score})
	}
	return out, nil
}

// buildFilter renders the pushable clauses as a Meilisearch filter
// expression. Returns empty string when nothing can be pushed.
func buildFilter(f *store.Filter) string {
	if f.Empty() {
		return ""
	}
	var clauses []string
	if len(f.QNTMKeys) > 0 {
		clauses = append(clauses, "qntm_keys IN ["+quoteList(f.QNTMKeys)+"]")
	}
	if !f.CreatedAfter.IsZero() {
		clauses = append(clauses, "created_at >= "+strconv.FormatInt(f.CreatedAfter.Unix(), 10))
	}
	if !f.CreatedBefore.IsZero() {
		clauses = append(clauses, "created_at <= "+strconv.FormatInt(f.CreatedBefore.Unix(), 10))
	}
	if f.MaxConsolidationLevel != nil {
		clauses = append(clauses, "consolidation_level <= "+strconv.Itoa(*f.MaxConsolidationLevel))
	}
	return strings.Join(clauses, " AND ")
}

func quoteList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = strconv.Quote(v)
	}
	return strings.Join(quoted, ", ")
}

func (f *FullText) Close() error {
	f.client.Close()
	return nil
}
