// Package pipeline orchestrates ingestion: walk files, decide via the
// tracker, chunk, embed per modality, and persist through the
// coordinator. Work runs in an adaptive worker pool that backs off
// when backends or reconcile queues saturate.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"atlas/internal/atlaserr"
	"atlas/internal/backend"
	"atlas/internal/chunker"
	"atlas/internal/logging"
	"atlas/internal/qntm"
	"atlas/internal/store"
	"atlas/internal/tracker"
)

var ErrTaskNotFound = errors.New("task not found")

// Named vectors produced per content type.
const (
	VectorText = "text"
	VectorCode = "code"
)

// Coordinator is the slice of the storage coordinator the pipeline
// writes through.
type Coordinator interface {
	UpsertBatch(ctx context.Context, batch store.UpsertBatch) error
	Saturated() bool
	WaitBelowWater(ctx context.Context) error
}

// Registry resolves embedding backends by capability.
type Registry interface {
	ResolveEmbedder(ctx context.Context, capability backend.Capability) (backend.Embedder, error)
}

type Config struct {
	Logger *slog.Logger

	// Workers is the initial worker target. Zero means 4.
	Workers int
	// MaxWorkers caps adaptive recovery. Zero means 2x Workers.
	MaxWorkers int

	// RetryAttempts bounds transient retries per operation. Zero means 3.
	RetryAttempts int
	// RetryBase is the first retry delay, doubling per attempt with
	// jitter. Zero means 200ms.
	RetryBase time.Duration
	// RetryMax caps the delay. Zero means 5s.
	RetryMax time.Duration

	// FailThreshold is the failed-file fraction at which the whole task
	// reports failed. Zero means 1.0 (all files failed).
	FailThreshold float64

	// IgnoreGlobs are doublestar patterns excluded from walks.
	IgnoreGlobs []string

	// SuccessStreak is the consecutive-success count that grows the
	// pool by one worker. Zero means 8.
	SuccessStreak int
}

type Pipeline struct {
	cfg     Config
	logger  *slog.Logger
	tracker *tracker.Tracker
	chunks  *chunker.Chunker
	reg     Registry
	keys    *qntm.Extractor
	coord   Coordinator

	gate *gate

	mu    sync.Mutex
	tasks map[TaskID]*Task
}

func New(cfg Config, tr *tracker.Tracker, ch *chunker.Chunker, reg Registry, keys *qntm.Extractor, coord Coordinator) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = cfg.Workers * 2
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 200 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 5 * time.Second
	}
	if cfg.FailThreshold <= 0 || cfg.FailThreshold > 1 {
		cfg.FailThreshold = 1.0
	}
	if cfg.SuccessStreak <= 0 {
		cfg.SuccessStreak = 8
	}
	return &Pipeline{
		cfg:     cfg,
		logger:  logging.Default(cfg.Logger).With("component", "pipeline"),
		tracker: tr,
		chunks:  ch,
		reg:     reg,
		keys:    keys,
		coord:   coord,
		gate:    newGate(cfg.Workers),
		tasks:   make(map[TaskID]*Task),
	}
}

// Ingest creates a task for the given roots and runs it in the
// background. The caller polls Status for progress.
func (p *Pipeline) Ingest(ctx context.Context, roots []string, recursive, watch bool) (TaskID, error) {
	if len(roots) == 0 {
		return TaskID{}, atlaserr.Newf(atlaserr.KindValidation, "pipeline.ingest", "no paths given")
	}

	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &Task{
		ID:        NewTaskID(),
		Roots:     roots,
		Recursive: recursive,
		Watch:     watch,
		CreatedAt: time.Now(),
		status:    TaskPending,
		cancel:    cancel,
	}

	p.mu.Lock()
	p.tasks[t.ID] = t
	p.mu.Unlock()

	go p.run(taskCtx, t)
	return t.ID, nil
}

// IngestFile runs the per-file workflow synchronously, outside any
// task. The watcher uses this for debounced single-file updates.
func (p *Pipeline) IngestFile(ctx context.Context, path string) error {
	_, err := p.processFile(ctx, path)
	return err
}

// Status returns a progress snapshot.
func (p *Pipeline) Status(id TaskID) (Snapshot, error) {
	p.mu.Lock()
	t, ok := p.tasks[id]
	p.mu.Unlock()
	if !ok {
		return Snapshot{}, ErrTaskNotFound
	}
	return t.Snapshot(), nil
}

// Tasks lists snapshots of all known tasks, newest first.
func (p *Pipeline) Tasks() []Snapshot {
	p.mu.Lock()
	out := make([]Snapshot, 0, len(p.tasks))
	for _, t := range p.tasks {
		out = append(out, t.Snapshot())
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Cancel stops new dispatch for the task. In-flight files finish or
// abort at their next backend boundary.
func (p *Pipeline) Cancel(id TaskID) error {
	p.mu.Lock()
	t, ok := p.tasks[id]
	p.mu.Unlock()
	if !ok {
		return ErrTaskNotFound
	}
	if t.transition(TaskCancelled) {
		t.cancel()
	}
	return nil
}

// MarkDeleted routes file deletions from the watcher to the tracker.
func (p *Pipeline) MarkDeleted(ctx context.Context, path string) error {
	_, err := p.tracker.MarkDeleted(ctx, path)
	return err
}

func (p *Pipeline) run(ctx context.Context, t *Task) {
	defer t.cancel()
	if !t.transition(TaskRunning) {
		return
	}

	files, err := p.resolveFiles(t.Roots, t.Recursive)
	if err != nil {
		t.recordError(err)
		t.transition(TaskFailed)
		p.logger.Warn("task failed resolving paths", "task", t.ID, "error", err)
		return
	}
	t.total.Store(int64(len(files)))
	p.logger.Info("task started", "task", t.ID, "files", len(files))

	var wg sync.WaitGroup
	for _, path := range files {
		if ctx.Err() != nil || t.cancelled() {
			break
		}

		// Backpressure: hold dispatch while reconcile queues are full.
		if p.coord.Saturated() {
			p.gate.halve()
			if err := p.coord.WaitBelowWater(ctx); err != nil {
				break
			}
		}

		if err := p.gate.acquire(ctx); err != nil {
			break
		}
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			defer p.gate.release()

			written, err := p.processFile(ctx, path)
			t.processed.Add(1)
			switch {
			case err == nil && written:
				t.written.Add(1)
				p.noteSuccess()
			case err == nil:
				t.skipped.Add(1)
				p.noteSuccess()
			default:
				t.failed.Add(1)
				t.recordError(fmt.Errorf("%s: %w", path, err))
				if atlaserr.IsTransient(err) {
					p.gate.halve()
				}
				p.logger.Warn("file ingestion failed", "task", t.ID, "path", path, "error", err)
			}
		}(path)
	}
	wg.Wait()

	if t.cancelled() {
		return
	}
	snap := t.Snapshot()
	if snap.Total > 0 && float64(snap.Failed) >= p.cfg.FailThreshold*float64(snap.Total) {
		t.transition(TaskFailed)
	} else {
		t.transition(TaskCompleted)
	}
	p.logger.Info("task finished", "task", t.ID,
		"written", snap.Written, "skipped", snap.Skipped, "failed", snap.Failed)
}

// resolveFiles expands roots into a sorted file list, honoring ignore
// globs and the recursive flag.
func (p *Pipeline) resolveFiles(roots []string, recursive bool) ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	add := func(path string) {
		path = filepath.Clean(path)
		if !seen[path] && !p.ignored(path) {
			seen[path] = true
			files = append(files, path)
		}
	}

	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil {
			return nil, atlaserr.New(atlaserr.KindValidation, "pipeline.resolve", err)
		}
		if !info.IsDir() {
			add(root)
			continue
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != root && (!recursive || p.ignored(path)) {
					return filepath.SkipDir
				}
				return nil
			}
			add(path)
			return nil
		})
		if err != nil {
			return nil, atlaserr.New(atlaserr.KindInternal, "pipeline.resolve", err)
		}
	}
	sort.Strings(files)
	return files, nil
}

func (p *Pipeline) ignored(path string) bool {
	for _, g := range p.cfg.IgnoreGlobs {
		if ok, err := doublestar.Match(g, path); err == nil && ok {
			return true
		}
		if ok, err := doublestar.Match(g, filepath.Base(path)); err == nil && ok {
			return true
		}
	}
	return false
}

// processFile runs the full per-file workflow. Returns whether a new
// generation was written.
func (p *Pipeline) processFile(ctx context.Context, path string) (bool, error) {
	unlock := p.tracker.Lock(path)
	defer unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			_, derr := p.tracker.MarkDeleted(ctx, path)
			return false, derr
		}
		return false, atlaserr.New(atlaserr.KindValidation, "pipeline.read", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return false, atlaserr.New(atlaserr.KindValidation, "pipeline.read", err)
	}

	assessment, err := p.tracker.NeedsIngestion(ctx, path, data, info.ModTime())
	if err != nil {
		return false, err
	}
	if assessment.Decision == tracker.DecisionUnchanged {
		return false, nil
	}

	pieces, err := p.chunks.Chunk(path, data, "")
	if err != nil {
		if errors.Is(err, chunker.ErrFileTooLarge) {
			p.logger.Debug("file over size threshold, skipped", "path", path)
			return false, nil
		}
		return false, err
	}
	if len(pieces) == 0 {
		return false, nil
	}

	batch, err := p.buildBatch(ctx, path, info.ModTime(), assessment, pieces)
	if err != nil {
		return false, err
	}

	err = p.retryTransient(ctx, func() error {
		return p.coord.UpsertBatch(ctx, batch)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// buildBatch assembles the source row, chunk rows, keys, and vectors
// for one generation.
func (p *Pipeline) buildBatch(ctx context.Context, path string, mtime time.Time, assessment tracker.Assessment, pieces []chunker.Piece) (store.UpsertBatch, error) {
	source := p.tracker.SourceRow(path, assessment.ContentHash, mtime, assessment.Source)

	batch := store.UpsertBatch{
		Source:  source,
		Vectors: make(map[store.ChunkID]store.Vectors),
	}
	for _, piece := range pieces {
		id := store.ChunkIDFor(source.ID, piece.Index, assessment.ContentHash)
		keys := p.keys.Extract(ctx, piece.Text, path)
		batch.Chunks = append(batch.Chunks, store.Chunk{
			ID:          id,
			SourceID:    source.ID,
			ChunkIndex:  piece.Index,
			TotalChunks: len(pieces),
			CharCount:   len(piece.Text),
			ContentHash: tracker.ContentHash([]byte(piece.Text)),
			StartByte:   piece.StartByte,
			EndByte:     piece.EndByte,
			Payload: store.Payload{
				Version:         store.PayloadVersion,
				Text:            piece.Text,
				FilePath:        path,
				FileName:        filepath.Base(path),
				FileType:        filepath.Ext(path),
				ContentType:     piece.ContentType,
				QNTMKeys:        keys,
				EmbeddingModels: make(map[string]string),
			},
		})
	}

	if err := p.embedBatch(ctx, &batch, pieces); err != nil {
		return store.UpsertBatch{}, err
	}
	return batch, nil
}

// embedBatch fills named vectors per content type. A capability with no
// ready backend skips its modality silently; vectors are never
// fabricated.
func (p *Pipeline) embedBatch(ctx context.Context, batch *store.UpsertBatch, pieces []chunker.Piece) error {
	modalities := []struct {
		name       string
		capability backend.Capability
		matches    func(store.ContentType) bool
	}{
		{VectorText, backend.CapTextEmbedding, func(t store.ContentType) bool { return t == store.ContentProse }},
		{VectorCode, backend.CapCodeEmbedding, func(t store.ContentType) bool { return t == store.ContentCode }},
	}

	for _, m := range modalities {
		var idx []int
		var texts []string
		for i, piece := range pieces {
			if m.matches(piece.ContentType) {
				idx = append(idx, i)
				texts = append(texts, piece.Text)
			}
		}
		if len(texts) == 0 {
			continue
		}

		embedder, err := p.reg.ResolveEmbedder(ctx, m.capability)
		if err != nil {
			if atlaserr.KindOf(err) == atlaserr.KindCapabilityUnavailable {
				p.logger.Debug("modality skipped, no backend", "modality", m.name)
				continue
			}
			return err
		}

		var vectors [][]float32
		err = p.retryTransient(ctx, func() error {
			var embedErr error
			vectors, embedErr = embedder.Embed(ctx, texts)
			return embedErr
		})
		if err != nil {
			return err
		}
		if len(vectors) != len(texts) {
			return atlaserr.Newf(atlaserr.KindInternal, "pipeline.embed",
				"%d vectors for %d texts", len(vectors), len(texts))
		}

		for n, i := range idx {
			chunk := &batch.Chunks[i]
			vecs := batch.Vectors[chunk.ID]
			if vecs == nil {
				vecs = make(store.Vectors)
			}
			vecs[m.name] = vectors[n]
			batch.Vectors[chunk.ID] = vecs
			chunk.Payload.EmbeddingModels[m.name] = embedder.Model()
		}
	}
	return nil
}

// retryTransient runs fn with exponential backoff and jitter. Only
// transient errors retry.
func (p *Pipeline) retryTransient(ctx context.Context, fn func() error) error {
	var err error
	delay := p.cfg.RetryBase
	for attempt := 0; attempt < p.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Int64N(int64(delay) / 2))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay + jitter):
			}
			delay *= 2
			if delay > p.cfg.RetryMax {
				delay = p.cfg.RetryMax
			}
		}
		err = fn()
		if err == nil || !atlaserr.IsTransient(err) {
			return err
		}
	}
	return err
}

func (p *Pipeline) noteSuccess() {
	if p.gate.noteSuccess(p.cfg.SuccessStreak) {
		p.gate.grow(p.cfg.MaxWorkers)
	}
}
