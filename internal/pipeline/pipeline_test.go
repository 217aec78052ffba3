package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"atlas/internal/backend"
	"atlas/internal/backend/hashembed"
	"atlas/internal/chunker"
	"atlas/internal/logging"
	"atlas/internal/qntm"
	"atlas/internal/store"
	"atlas/internal/store/memory"
	"atlas/internal/tracker"
)

type testEnv struct {
	pipeline *Pipeline
	coord    *store.Coordinator
	metadata *memory.Metadata
	vector   *memory.Vector
}

func newEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	metadata := memory.NewMetadata()
	vector := memory.NewVector()
	coord, err := store.NewCoordinator(store.Tiers{
		Metadata: metadata,
		Vector:   vector,
		FullText: memory.NewFullText(),
		Cache:    memory.NewCache(time.Minute),
	}, store.Config{Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	reg := backend.NewRegistry(backend.Config{
		Logger: logging.Discard(),
		Bindings: map[backend.Capability][]string{
			backend.CapTextEmbedding: {"dev"},
			backend.CapCodeEmbedding: {"dev"},
		},
	})
	reg.Register("dev", func(logger *slog.Logger) (backend.Backend, error) {
		return hashembed.New("dev", 32), nil
	})

	cfg.Logger = logging.Discard()
	tr := tracker.New(coord, logging.Discard())
	keys := qntm.New(nil, 8, logging.Discard())
	p := New(cfg, tr, chunker.New(chunker.Config{}), reg, keys, coord)
	return &testEnv{pipeline: p, coord: coord, metadata: metadata, vector: vector}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func waitTask(t *testing.T, p *Pipeline, id TaskID) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := p.Status(id)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if snap.Status.terminal() {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task did not finish in time")
	return Snapshot{}
}

func TestIngestFreshDirectory(t *testing.T) {
	env := newEnv(t, Config{})
	dir := t.TempDir()
	aPath := writeFile(t, dir, "a.md", "hello world")
	writeFile(t, dir, "b.md", "foo bar baz")

	id, err := env.pipeline.Ingest(context.Background(), []string{dir}, true, false)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	snap := waitTask(t, env.pipeline, id)
	if snap.Status != TaskCompleted {
		t.Fatalf("status = %q, lastErr = %q", snap.Status, snap.LastError)
	}
	if snap.Written != 2 || snap.Failed != 0 {
		t.Fatalf("written = %d, failed = %d", snap.Written, snap.Failed)
	}

	src, err := env.metadata.GetSourceByPath(context.Background(), aPath)
	if err != nil {
		t.Fatalf("GetSourceByPath: %v", err)
	}
	chunks, err := env.metadata.ListChunksBySource(context.Background(), src.ID, true)
	if err != nil {
		t.Fatalf("ListChunksBySource: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
	if !env.vector.Has(chunks[0].ID) {
		t.Fatal("chunk has no vector")
	}
	if chunks[0].Payload.EmbeddingModels[VectorText] == "" {
		t.Fatal("embedding model not recorded on payload")
	}
	if len(chunks[0].Payload.QNTMKeys) == 0 {
		t.Fatal("no qntm keys on payload")
	}
}

func TestIngestUnchangedSkips(t *testing.T) {
	env := newEnv(t, Config{})
	dir := t.TempDir()
	writeFile(t, dir, "a.md", "hello world")
	writeFile(t, dir, "b.md", "foo bar baz")

	id1, _ := env.pipeline.Ingest(context.Background(), []string{dir}, true, false)
	first := waitTask(t, env.pipeline, id1)
	if first.Written != 2 {
		t.Fatalf("first run written = %d", first.Written)
	}

	id2, _ := env.pipeline.Ingest(context.Background(), []string{dir}, true, false)
	second := waitTask(t, env.pipeline, id2)
	if second.Processed != 2 || second.Written != 0 || second.Skipped != 2 {
		t.Fatalf("second run: processed=%d written=%d skipped=%d",
			second.Processed, second.Written, second.Skipped)
	}
}

func TestIngestModifiedSupersedes(t *testing.T) {
	env := newEnv(t, Config{})
	dir := t.TempDir()
	aPath := writeFile(t, dir, "a.md", "hello world")

	id1, _ := env.pipeline.Ingest(context.Background(), []string{dir}, true, false)
	waitTask(t, env.pipeline, id1)

	src, err := env.metadata.GetSourceByPath(context.Background(), aPath)
	if err != nil {
		t.Fatalf("GetSourceByPath: %v", err)
	}
	before, _ := env.metadata.ListChunksBySource(context.Background(), src.ID, true)
	if len(before) != 1 {
		t.Fatalf("chunks before = %d", len(before))
	}

	// Mtime resolution can be coarse; rewrite with different content.
	writeFile(t, dir, "a.md", "hello universe")
	id2, _ := env.pipeline.Ingest(context.Background(), []string{dir}, true, false)
	snap := waitTask(t, env.pipeline, id2)
	if snap.Written != 1 {
		t.Fatalf("rewrite written = %d, lastErr = %q", snap.Written, snap.LastError)
	}

	all, _ := env.metadata.ListChunksBySource(context.Background(), src.ID, false)
	if len(all) != 2 {
		t.Fatalf("total chunks = %d, want 2", len(all))
	}
	var oldChunk *store.Chunk
	for i := range all {
		if all[i].ID == before[0].ID {
			oldChunk = &all[i]
		}
	}
	if oldChunk == nil {
		t.Fatal("old generation chunk vanished")
	}
	if oldChunk.SupersededBy == nil {
		t.Fatal("old chunk not superseded")
	}

	active, _ := env.metadata.ListChunksBySource(context.Background(), src.ID, true)
	if len(active) != 1 || active[0].ID == before[0].ID {
		t.Fatalf("active generation wrong: %v", active)
	}
	if active[0].ContentHash != tracker.ContentHash([]byte("hello universe")) {
		t.Fatal("active chunk content hash mismatch")
	}
	if src.ID != store.SourceIDFor(aPath) {
		t.Fatal("source id not deterministic")
	}
}

func TestIngestRespectsIgnoreGlobs(t *testing.T) {
	env := newEnv(t, Config{IgnoreGlobs: []string{"**/*.log", ".git"}})
	dir := t.TempDir()
	writeFile(t, dir, "keep.md", "keep this")
	writeFile(t, dir, "noise.log", "drop this")

	id, _ := env.pipeline.Ingest(context.Background(), []string{dir}, true, false)
	snap := waitTask(t, env.pipeline, id)
	if snap.Total != 1 || snap.Written != 1 {
		t.Fatalf("total=%d written=%d, want 1/1", snap.Total, snap.Written)
	}
}

func TestIngestMissingRootFails(t *testing.T) {
	env := newEnv(t, Config{})
	id, err := env.pipeline.Ingest(context.Background(), []string{"/does/not/exist"}, true, false)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	snap := waitTask(t, env.pipeline, id)
	if snap.Status != TaskFailed {
		t.Fatalf("status = %q, want failed", snap.Status)
	}
	if snap.LastError == "" {
		t.Fatal("last error empty")
	}
}

func TestIngestFileDirect(t *testing.T) {
	env := newEnv(t, Config{})
	dir := t.TempDir()
	path := writeFile(t, dir, "single.md", "one file only")

	if err := env.pipeline.IngestFile(context.Background(), path); err != nil {
		t.Fatalf("IngestFile: %v", err)
	}
	if _, err := env.metadata.GetSourceByPath(context.Background(), path); err != nil {
		t.Fatalf("source missing after IngestFile: %v", err)
	}
}

// slowCoord delays every batch write so cancellation can land while a
// task is still dispatching.
type slowCoord struct {
	*store.Coordinator
	delay time.Duration
}

func (s *slowCoord) UpsertBatch(ctx context.Context, batch store.UpsertBatch) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.delay):
	}
	return s.Coordinator.UpsertBatch(ctx, batch)
}

func TestCancelStopsDispatch(t *testing.T) {
	env := newEnv(t, Config{Workers: 1})
	slow := &slowCoord{Coordinator: env.coord, delay: 50 * time.Millisecond}
	env.pipeline.coord = slow

	dir := t.TempDir()
	for i := 0; i < 10; i++ {
		writeFile(t, dir, fmt.Sprintf("f%02d.md", i), "cancellation fodder")
	}

	id, _ := env.pipeline.Ingest(context.Background(), []string{dir}, true, false)
	time.Sleep(20 * time.Millisecond)
	if err := env.pipeline.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	snap := waitTask(t, env.pipeline, id)
	if snap.Status != TaskCancelled {
		t.Fatalf("status = %q, want cancelled", snap.Status)
	}
	if snap.Written >= snap.Total {
		t.Fatalf("all %d files written despite cancel", snap.Total)
	}
}

func TestStatusUnknownTask(t *testing.T) {
	env := newEnv(t, Config{})
	if _, err := env.pipeline.Status(NewTaskID()); err != ErrTaskNotFound {
		t.Fatalf("err = %v, want ErrTaskNotFound", err)
	}
	if err := env.pipeline.Cancel(NewTaskID()); err != ErrTaskNotFound {
		t.Fatalf("cancel err = %v, want ErrTaskNotFound", err)
	}
}

func TestGateAdaptation(t *testing.T) {
	g := newGate(8)
	g.halve()
	if g.limitNow() != 4 {
		t.Fatalf("limit = %d, want 4", g.limitNow())
	}
	g.halve()
	g.halve()
	g.halve()
	if g.limitNow() != 1 {
		t.Fatalf("limit = %d, want floor 1", g.limitNow())
	}

	for i := 0; i < 3; i++ {
		if g.noteSuccess(3) != (i == 2) {
			t.Fatalf("streak misfired at %d", i)
		}
	}
	g.grow(8)
	if g.limitNow() != 2 {
		t.Fatalf("limit = %d, want 2 after growth", g.limitNow())
	}
	g.grow(2)
	if g.limitNow() != 2 {
		t.Fatalf("growth must cap at max, got %d", g.limitNow())
	}
}
