// Package qdrant implements the vector tier on a Qdrant collection
// with named vectors, one per embedding modality.
package qdrant

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/qdrant/go-client/qdrant"

	"atlas/internal/logging"
	"atlas/internal/store"
)

type Config struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
	// Collection is the collection name. Empty means "atlas_chunks".
	Collection string
	// VectorSizes maps named vector to dimension, e.g. text:384 code:768.
	VectorSizes map[string]uint64
	Logger      *slog.Logger
}

type Vector struct {
	cfg    Config
	client *qdrant.Client
	logger *slog.Logger
}

func New(cfg Config) (*Vector, error) {
	if cfg.Collection == "" {
		cfg.Collection = "atlas_chunks"
	}
	if len(cfg.VectorSizes) == 0 {
		return nil, fmt.Errorf("qdrant: no named vectors configured")
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant client: %w", err)
	}
	return &Vector{
		cfg:    cfg,
		client: client,
		logger: logging.Default(cfg.Logger).With("component", "qdrant"),
	}, nil
}

// Ready checks connectivity and creates the collection if missing.
func (v *Vector) Ready(ctx context.Context) error {
	if _, err := v.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant health: %w", err)
	}
	exists, err := v.client.CollectionExists(ctx, v.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant collection check: %w", err)
	}
	if exists {
		return nil
	}
	params := make(map[string]*qdrant.VectorParams, len(v.cfg.VectorSizes))
	for name, size := range v.cfg.VectorSizes {
		params[name] = &qdrant.VectorParams{Size: size, Distance: qdrant.Distance_Cosine}
	}
	err = v.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: v.cfg.Collection,
		VectorsConfig:  qdrant.NewVectorsConfigMap(params),
	})
	if err != nil {
		return fmt.Errorf("qdrant create collection: %w", err)
	}
	v.logger.Info("collection created", "collection", v.cfg.Collection)
	return nil
}

func (v *Vector) Upsert(ctx context.Context, chunks []store.Chunk, vectors map[store.ChunkID]store.Vectors) error {
	var points []*qdrant.PointStruct
	for _, ch := range chunks {
		vecs, ok := vectors[ch.ID]
		if !ok || len(vecs) == 0 {
			continue
		}
		named := make(map[string]*qdrant.Vector, len(vecs))
		for name, vec := range vecs {
			named[name] = qdrant.NewVectorDense(vec)
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(ch.ID.String()),
			Vectors: qdrant.NewVectorsMap(named),
			Payload: qdrant.NewValueMap(map[string]any{
				"source_id":           ch.SourceID.String(),
				"file_path":           ch.Payload.FilePath,
				"file_name":           ch.Payload.FileName,
				"content_type":        string(ch.Payload.ContentType),
				"qntm_keys":           anyStrings(ch.Payload.QNTMKeys),
				"consolidation_level": int64(ch.ConsolidationLevel),
				"created_at":          ch.CreatedAt.Unix(),
			}),
		})
	}
	if len(points) == 0 {
		return nil
	}
	_, err := v.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: v.cfg.Collection,
		Points:         points,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert %d points: %w", len(points), err)
	}
	return nil
}

func (v *Vector) Delete(ctx context.Context, ids []store.ChunkID) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(id.String())
	}
	_, err := v.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: v.cfg.Collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("qdrant delete %d points: %w", len(ids), err)
	}
	return nil
}

// Search runs ANN over one named vector. Key, range, and level clauses
// are pushed into the Qdrant filter; path globs are left to the caller.
func (v *Vector) Search(ctx context.Context, vectorName string, query []float32, limit int, filter *store.Filter) ([]store.ScoredID, error) {
	if _, ok := v.cfg.VectorSizes[vectorName]; !ok {
		return nil, fmt.Errorf("qdrant: unknown vector %q", vectorName)
	}
	points, err := v.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: v.cfg.Collection,
		Query:          qdrant.NewQuery(query...),
		Using:          qdrant.PtrOf(vectorName),
		Limit:          qdrant.PtrOf(uint64(limit)),
		Filter:         buildFilter(filter),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant query: %w", err)
	}
	out := make([]store.ScoredID, 0, len(points))
	for _, p := range points {
		id, err := store.ParseChunkID(p.GetId().GetUuid())
		if err != nil {
			continue // non-uuid point, not ours
		}
		out = append(out, store.ScoredID{
			ID:       id,
			Score:    float64(p.GetScore()),
			RawScore: float64(p.GetScore()),
		})
	}
	return out, nil
}

func buildFilter(f *store.Filter) *qdrant.Filter {
	if f.Empty() {
		return nil
	}
	var must []*qdrant.Condition
	if len(f.QNTMKeys) > 0 {
		must = append(must, qdrant.NewMatchKeywords("qntm_keys", f.QNTMKeys...))
	}
	if len(f.SourceIDs) > 0 {
		ids := make([]string, len(f.SourceIDs))
		for i, id := range f.SourceIDs {
			ids[i] = id.String()
		}
		must = append(must, qdrant.NewMatchKeywords("source_id", ids...))
	}
	if !f.CreatedAfter.IsZero() || !f.CreatedBefore.IsZero() {
		r := &qdrant.Range{}
		if !f.CreatedAfter.IsZero() {
			r.Gte = qdrant.PtrOf(float64(f.CreatedAfter.Unix()))
		}
		if !f.CreatedBefore.IsZero() {
			r.Lte = qdrant.PtrOf(float64(f.CreatedBefore.Unix()))
		}
		must = append(must, qdrant.NewRange("created_at", r))
	}
	if f.MaxConsolidationLevel != nil {
		must = append(must, qdrant.NewRange("consolidation_level",
			&qdrant.Range{Lte: qdrant.PtrOf(float64(*f.MaxConsolidationLevel))}))
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

func (v *Vector) Close() error {
	return v.client.Close()
}

func anyStrings(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
