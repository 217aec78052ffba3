package memory

import (
	"context"
	"testing"
	"time"

	"atlas/internal/store"
)

func seedVector(t *testing.T, v *Vector, path string, index int, vec []float32, keys ...string) store.ChunkID {
	t.Helper()
	source := store.SourceIDFor(path)
	id := store.ChunkIDFor(source, index, "gen")
	ch := store.Chunk{
		ID:         id,
		SourceID:   source,
		ChunkIndex: index,
		Payload: store.Payload{
			FilePath: path,
			QNTMKeys: keys,
		},
		CreatedAt: time.Now(),
	}
	err := v.Upsert(context.Background(), []store.Chunk{ch}, map[store.ChunkID]store.Vectors{
		id: {"prose": vec},
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	return id
}

func TestVectorSearchOrdersByCosine(t *testing.T) {
	v := NewVector()
	near := seedVector(t, v, "/a/near.md", 0, []float32{1, 0, 0})
	far := seedVector(t, v, "/a/far.md", 0, []float32{0, 1, 0})

	hits, err := v.Search(context.Background(), "prose", []float32{1, 0.1, 0}, 10, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want 2", len(hits))
	}
	if hits[0].ID != near || hits[1].ID != far {
		t.Fatalf("order wrong: %v", hits)
	}
	if hits[0].Score <= hits[1].Score {
		t.Fatalf("scores not descending: %v", hits)
	}
}

func TestVectorSearchFilters(t *testing.T) {
	v := NewVector()
	docs := seedVector(t, v, "/docs/spec.md", 0, []float32{1, 0, 0}, "auth.flow")
	seedVector(t, v, "/src/main.go", 0, []float32{1, 0, 0}, "main.entry")

	hits, err := v.Search(context.Background(), "prose", []float32{1, 0, 0}, 10, &store.Filter{
		PathGlobs: []string{"/docs/**"},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != docs {
		t.Fatalf("glob filter hits = %v", hits)
	}

	hits, err = v.Search(context.Background(), "prose", []float32{1, 0, 0}, 10, &store.Filter{
		QNTMKeys: []string{"auth.flow"},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != docs {
		t.Fatalf("key filter hits = %v", hits)
	}
}

func TestVectorSearchUnknownName(t *testing.T) {
	v := NewVector()
	seedVector(t, v, "/a/x.md", 0, []float32{1, 0, 0})
	hits, err := v.Search(context.Background(), "code", []float32{1, 0, 0}, 10, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("unexpected hits for unknown vector name: %v", hits)
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(20 * time.Millisecond)
	ctx := context.Background()
	ch := store.Chunk{ID: store.NewConsolidatedChunkID()}
	if err := c.SetChunk(ctx, ch); err != nil {
		t.Fatalf("SetChunk: %v", err)
	}
	if _, err := c.GetChunk(ctx, ch.ID); err != nil {
		t.Fatalf("GetChunk before expiry: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, err := c.GetChunk(ctx, ch.ID); err != store.ErrCacheMiss {
		t.Fatalf("GetChunk after expiry = %v, want ErrCacheMiss", err)
	}
}

func TestMetadataKeyBookkeeping(t *testing.T) {
	m := NewMetadata()
	ctx := context.Background()
	source := store.SourceIDFor("/k/keys.md")
	id := store.ChunkIDFor(source, 0, "gen")
	batch := store.UpsertBatch{
		Source: store.Source{ID: source, Path: "/k/keys.md", Status: store.SourceActive},
		Chunks: []store.Chunk{{
			ID:       id,
			SourceID: source,
			Payload:  store.Payload{QNTMKeys: []string{"auth.session", "auth.token"}},
		}},
	}
	if err := m.UpsertBatch(ctx, batch); err != nil {
		t.Fatalf("UpsertBatch: %v", err)
	}
	if err := m.UpsertBatch(ctx, batch); err != nil {
		t.Fatalf("second UpsertBatch: %v", err)
	}

	keys := m.Keys()
	k, ok := keys["auth.session"]
	if !ok {
		t.Fatal("auth.session not registered")
	}
	if k.UsageCount != 2 {
		t.Fatalf("usage count = %d, want 2", k.UsageCount)
	}
	if k.LastUsedInChunk != id {
		t.Fatalf("last used chunk = %s, want %s", k.LastUsedInChunk, id)
	}
}

func TestMetadataFindChunkByContentHash(t *testing.T) {
	m := NewMetadata()
	ctx := context.Background()
	base := time.Now()
	hash := "dup-hash"

	older := store.ChunkIDFor(store.SourceIDFor("/h/a.md"), 0, "gen")
	newer := store.ChunkIDFor(store.SourceIDFor("/h/b.md"), 0, "gen")
	err := m.UpsertChunks(ctx, []store.Chunk{
		{ID: newer, SourceID: store.SourceIDFor("/h/b.md"), ContentHash: hash, CreatedAt: base.Add(time.Hour)},
		{ID: older, SourceID: store.SourceIDFor("/h/a.md"), ContentHash: hash, CreatedAt: base},
	})
	if err != nil {
		t.Fatalf("UpsertChunks: %v", err)
	}

	id, err := m.FindChunkByContentHash(ctx, hash)
	if err != nil || id == nil {
		t.Fatalf("lookup = (%v, %v)", id, err)
	}
	if *id != older {
		t.Fatalf("canonical = %s, want earliest created %s", id, older)
	}

	// A miss is (nil, nil), not an error.
	miss, err := m.FindChunkByContentHash(ctx, "absent")
	if err != nil {
		t.Fatalf("miss err = %v, want nil", err)
	}
	if miss != nil {
		t.Fatalf("miss id = %v, want nil", miss)
	}
}

func TestFullTextFilterByCreatedRange(t *testing.T) {
	f := NewFullText()
	ctx := context.Background()
	now := time.Now()

	oldDoc := store.FullTextDoc{
		ID:           store.NewConsolidatedChunkID().String(),
		OriginalText: "shared needle text",
		CreatedAt:    now.Add(-48 * time.Hour).Unix(),
	}
	newDoc := store.FullTextDoc{
		ID:           store.NewConsolidatedChunkID().String(),
		OriginalText: "shared needle text",
		CreatedAt:    now.Unix(),
	}
	if err := f.Upsert(ctx, []store.FullTextDoc{oldDoc, newDoc}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	hits, err := f.Search(ctx, "needle", 10, &store.Filter{
		CreatedAfter: now.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID.String() != newDoc.ID {
		t.Fatalf("range filter hits = %v", hits)
	}
}
