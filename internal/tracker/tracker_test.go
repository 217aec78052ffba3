package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"atlas/internal/logging"
	"atlas/internal/store"
	"atlas/internal/store/memory"
)

// coordShim adapts memory.Metadata to the tracker's Metadata interface,
// matching the Coordinator's passthrough signatures.
type coordShim struct {
	*memory.Metadata
	failLookups bool
}

func (s *coordShim) GetSourceByPath(ctx context.Context, path string) (*store.Source, error) {
	if s.failLookups {
		return nil, errors.New("metadata down")
	}
	return s.Metadata.GetSourceByPath(ctx, path)
}

func (s *coordShim) MarkSourceDeleted(ctx context.Context, path string) ([]store.ChunkID, error) {
	return s.Metadata.MarkSourceDeleted(ctx, path, time.Now())
}

func seed(t *testing.T, m *memory.Metadata, path, content string, mtime time.Time) store.UpsertBatch {
	t.Helper()
	hash := ContentHash([]byte(content))
	sourceID := store.SourceIDFor(path)
	chunkID := store.ChunkIDFor(sourceID, 0, hash)
	batch := store.UpsertBatch{
		Source: store.Source{
			ID:          sourceID,
			Path:        path,
			ContentHash: hash,
			FileMtime:   mtime,
			Status:      store.SourceActive,
			IngestCount: 1,
		},
		Chunks: []store.Chunk{{
			ID:          chunkID,
			SourceID:    sourceID,
			ContentHash: ContentHash([]byte(content)),
			Payload:     store.Payload{Text: content, FilePath: path},
		}},
	}
	if err := m.UpsertBatch(context.Background(), batch); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return batch
}

func TestNeedsIngestionNew(t *testing.T) {
	tr := New(&coordShim{Metadata: memory.NewMetadata()}, logging.Discard())

	a, err := tr.NeedsIngestion(context.Background(), "/n/fresh.md", []byte("hello"), time.Now())
	if err != nil {
		t.Fatalf("NeedsIngestion: %v", err)
	}
	if a.Decision != DecisionNew {
		t.Fatalf("decision = %q, want new", a.Decision)
	}
	if a.ContentHash != ContentHash([]byte("hello")) {
		t.Fatal("assessment hash mismatch")
	}
}

func TestNeedsIngestionUnchanged(t *testing.T) {
	m := memory.NewMetadata()
	mtime := time.Now().Add(-time.Hour)
	seed(t, m, "/n/same.md", "stable", mtime)
	tr := New(&coordShim{Metadata: m}, logging.Discard())

	a, err := tr.NeedsIngestion(context.Background(), "/n/same.md", []byte("stable"), mtime)
	if err != nil {
		t.Fatalf("NeedsIngestion: %v", err)
	}
	if a.Decision != DecisionUnchanged {
		t.Fatalf("decision = %q, want unchanged", a.Decision)
	}
}

func TestNeedsIngestionModifiedByHash(t *testing.T) {
	m := memory.NewMetadata()
	mtime := time.Now().Add(-time.Hour)
	prior := seed(t, m, "/n/mod.md", "old content", mtime)
	tr := New(&coordShim{Metadata: m}, logging.Discard())

	a, err := tr.NeedsIngestion(context.Background(), "/n/mod.md", []byte("new content"), mtime)
	if err != nil {
		t.Fatalf("NeedsIngestion: %v", err)
	}
	if a.Decision != DecisionModified {
		t.Fatalf("decision = %q, want modified", a.Decision)
	}
	if len(a.PriorChunks) != 1 || a.PriorChunks[0] != prior.Chunks[0].ID {
		t.Fatalf("prior chunks = %v", a.PriorChunks)
	}
}

func TestNeedsIngestionModifiedByMtime(t *testing.T) {
	m := memory.NewMetadata()
	mtime := time.Now().Add(-time.Hour)
	seed(t, m, "/n/touch.md", "same bytes", mtime)
	tr := New(&coordShim{Metadata: m}, logging.Discard())

	a, err := tr.NeedsIngestion(context.Background(), "/n/touch.md", []byte("same bytes"), mtime.Add(time.Minute))
	if err != nil {
		t.Fatalf("NeedsIngestion: %v", err)
	}
	if a.Decision != DecisionModified {
		t.Fatalf("decision = %q, want modified", a.Decision)
	}
}

func TestNeedsIngestionErrorDegradesToNew(t *testing.T) {
	shim := &coordShim{Metadata: memory.NewMetadata(), failLookups: true}
	tr := New(shim, logging.Discard())

	a, err := tr.NeedsIngestion(context.Background(), "/n/any.md", []byte("x"), time.Now())
	if err != nil {
		t.Fatalf("NeedsIngestion: %v", err)
	}
	if a.Decision != DecisionNew {
		t.Fatalf("decision = %q, want new on lookup failure", a.Decision)
	}
}

func TestSourceRowCarriesIngestCount(t *testing.T) {
	tr := New(&coordShim{Metadata: memory.NewMetadata()}, logging.Discard())
	prior := &store.Source{IngestCount: 3, CreatedAt: time.Now().Add(-time.Hour)}

	row := tr.SourceRow("/n/count.md", "abc", time.Now(), prior)
	if row.IngestCount != 4 {
		t.Fatalf("ingest count = %d, want 4", row.IngestCount)
	}
	if !row.CreatedAt.Equal(prior.CreatedAt) {
		t.Fatal("created_at not carried forward")
	}

	fresh := tr.SourceRow("/n/count.md", "abc", time.Now(), nil)
	if fresh.IngestCount != 1 {
		t.Fatalf("fresh ingest count = %d, want 1", fresh.IngestCount)
	}
}

func TestMarkDeletedUnknownPath(t *testing.T) {
	tr := New(&coordShim{Metadata: memory.NewMetadata()}, logging.Discard())
	ids, err := tr.MarkDeleted(context.Background(), "/n/never-seen.md")
	if err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}
	if ids != nil {
		t.Fatalf("ids = %v, want nil", ids)
	}
}

func TestFindChunkByContentHash(t *testing.T) {
	m := memory.NewMetadata()
	tr := New(&coordShim{Metadata: m}, logging.Discard())
	ctx := context.Background()

	id, err := tr.FindChunkByContentHash(ctx, ContentHash([]byte("absent")))
	if err != nil {
		t.Fatalf("miss err = %v, want nil", err)
	}
	if id != nil {
		t.Fatalf("miss id = %v, want nil", id)
	}

	seed(t, m, "/n/a.md", "shared body", time.Now())
	seed(t, m, "/n/b.md", "shared body", time.Now())
	hash := ContentHash([]byte("shared body"))

	first, err := tr.FindChunkByContentHash(ctx, hash)
	if err != nil || first == nil {
		t.Fatalf("lookup = (%v, %v)", first, err)
	}
	for i := 0; i < 10; i++ {
		again, err := tr.FindChunkByContentHash(ctx, hash)
		if err != nil || again == nil || *again != *first {
			t.Fatal("duplicate selection is not deterministic")
		}
	}

	// Superseding the canonical chunk moves the lookup to the survivor.
	if err := m.MarkSuperseded(ctx, []store.ChunkID{*first}, nil, time.Now()); err != nil {
		t.Fatalf("MarkSuperseded: %v", err)
	}
	next, err := tr.FindChunkByContentHash(ctx, hash)
	if err != nil || next == nil {
		t.Fatalf("lookup after supersede = (%v, %v)", next, err)
	}
	if *next == *first {
		t.Fatal("superseded chunk still returned as canonical")
	}
}

func TestLockSerializesPath(t *testing.T) {
	tr := New(&coordShim{Metadata: memory.NewMetadata()}, logging.Discard())

	var mu sync.Mutex
	var order []int

	unlock := tr.Lock("/n/serial.md")
	done := make(chan struct{})
	go func() {
		u := tr.Lock("/n/serial.md")
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		u()
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	unlock()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("order = %v, want [1 2]", order)
	}
}
