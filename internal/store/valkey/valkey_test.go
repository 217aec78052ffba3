package valkey_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"atlas/internal/logging"
	"atlas/internal/store"
	"atlas/internal/store/valkey"
)

func newCache(t *testing.T) (*valkey.Cache, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	cache, err := valkey.New(valkey.Config{
		Addr:   srv.Addr(),
		TTL:    time.Minute,
		Logger: logging.Discard(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { cache.Close() })
	return cache, srv
}

func sampleChunk(text string) store.Chunk {
	sourceID := store.SourceIDFor("/notes/a.md")
	return store.Chunk{
		ID:          store.ChunkIDFor(sourceID, 0, "gen1"),
		SourceID:    sourceID,
		ChunkIndex:  0,
		TotalChunks: 1,
		CharCount:   len(text),
		Payload: store.Payload{
			Version:     store.PayloadVersion,
			Text:        text,
			FilePath:    "/notes/a.md",
			FileName:    "a.md",
			FileType:    ".md",
			ContentType: store.ContentProse,
			QNTMKeys:    []string{"file.a", "notes"},
		},
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestCacheRoundTrip(t *testing.T) {
	cache, _ := newCache(t)
	ctx := context.Background()

	want := sampleChunk("cached content survives the codec")
	if err := cache.SetChunk(ctx, want); err != nil {
		t.Fatalf("SetChunk: %v", err)
	}

	got, err := cache.GetChunk(ctx, want.ID)
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	if got.ID != want.ID || got.Payload.Text != want.Payload.Text {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.Payload.QNTMKeys) != 2 {
		t.Fatalf("qntm keys lost: %v", got.Payload.QNTMKeys)
	}
}

func TestCacheMiss(t *testing.T) {
	cache, _ := newCache(t)

	_, err := cache.GetChunk(context.Background(), store.NewConsolidatedChunkID())
	if !errors.Is(err, store.ErrCacheMiss) {
		t.Fatalf("err = %v, want ErrCacheMiss", err)
	}
}

func TestCacheDelete(t *testing.T) {
	cache, _ := newCache(t)
	ctx := context.Background()

	chunk := sampleChunk("delete me")
	if err := cache.SetChunk(ctx, chunk); err != nil {
		t.Fatalf("SetChunk: %v", err)
	}
	if err := cache.Delete(ctx, []store.ChunkID{chunk.ID}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := cache.GetChunk(ctx, chunk.ID); !errors.Is(err, store.ErrCacheMiss) {
		t.Fatalf("err = %v, want ErrCacheMiss after delete", err)
	}
}

func TestCacheExpiry(t *testing.T) {
	cache, srv := newCache(t)
	ctx := context.Background()

	chunk := sampleChunk("short lived")
	if err := cache.SetChunk(ctx, chunk); err != nil {
		t.Fatalf("SetChunk: %v", err)
	}

	srv.FastForward(2 * time.Minute)

	if _, err := cache.GetChunk(ctx, chunk.ID); !errors.Is(err, store.ErrCacheMiss) {
		t.Fatalf("err = %v, want ErrCacheMiss after TTL", err)
	}
}

func TestCacheCorruptEntryIsMiss(t *testing.T) {
	cache, srv := newCache(t)
	ctx := context.Background()

	chunk := sampleChunk("will be mangled")
	if err := cache.SetChunk(ctx, chunk); err != nil {
		t.Fatalf("SetChunk: %v", err)
	}
	srv.Set("atlas:chunk:"+chunk.ID.String(), "not zstd at all")

	if _, err := cache.GetChunk(ctx, chunk.ID); !errors.Is(err, store.ErrCacheMiss) {
		t.Fatalf("err = %v, want ErrCacheMiss for corrupt entry", err)
	}
}
