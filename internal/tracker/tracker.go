// Package tracker decides, per file, whether ingestion is needed and
// which prior chunks a new generation supersedes.
package tracker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"time"

	"atlas/internal/logging"
	"atlas/internal/store"
)

// Decision is the ingestion verdict for one path.
type Decision string

const (
	DecisionNew       Decision = "new"
	DecisionModified  Decision = "modified"
	DecisionUnchanged Decision = "unchanged"
)

// Assessment is the result of NeedsIngestion. PriorChunks holds the
// currently active chunk ids for modified sources, for embedding reuse
// and supersession.
type Assessment struct {
	Decision    Decision
	ContentHash string
	Source      *store.Source
	PriorChunks []store.ChunkID
}

// Metadata is the slice of the coordinator the tracker reads through.
type Metadata interface {
	GetSourceByPath(ctx context.Context, path string) (*store.Source, error)
	ListChunksBySource(ctx context.Context, id store.SourceID, activeOnly bool) ([]store.Chunk, error)
	FindChunkByContentHash(ctx context.Context, hash string) (*store.ChunkID, error)
	MarkSourceDeleted(ctx context.Context, path string) ([]store.ChunkID, error)
}

// Tracker serializes ingestion decisions per path. Two concurrent
// ingestions of the same path cannot interleave between assessment and
// persistence when callers hold the path lock across both.
type Tracker struct {
	metadata Metadata
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

func New(metadata Metadata, logger *slog.Logger) *Tracker {
	return &Tracker{
		metadata: metadata,
		logger:   logging.Default(logger).With("component", "tracker"),
		locks:    make(map[string]*pathLock),
	}
}

// ContentHash is the canonical content hash used for change detection
// and chunk-level dedup: hex sha256 over the raw bytes.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Lock serializes work on one path. The returned func releases it.
func (t *Tracker) Lock(path string) func() {
	t.mu.Lock()
	l, ok := t.locks[path]
	if !ok {
		l = &pathLock{}
		t.locks[path] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, path)
		}
		t.mu.Unlock()
	}
}

// NeedsIngestion classifies a path against its stored state.
//
// Unknown paths are new. Known paths are modified when the content hash
// differs or the on-disk mtime strictly exceeds the stored mtime,
// otherwise unchanged. Any metadata error degrades to new: re-ingesting
// is idempotent, skipping is not.
func (t *Tracker) NeedsIngestion(ctx context.Context, path string, data []byte, mtime time.Time) (Assessment, error) {
	hash := ContentHash(data)

	src, err := t.metadata.GetSourceByPath(ctx, path)
	if err != nil {
		if !errors.Is(err, store.ErrSourceNotFound) {
			t.logger.Warn("source lookup failed, treating as new", "path", path, "error", err)
		}
		return Assessment{Decision: DecisionNew, ContentHash: hash}, nil
	}
	if src.Status == store.SourceDeleted {
		return Assessment{Decision: DecisionNew, ContentHash: hash, Source: src}, nil
	}

	if src.ContentHash == hash && !mtime.After(src.FileMtime) {
		return Assessment{Decision: DecisionUnchanged, ContentHash: hash, Source: src}, nil
	}

	prior, err := t.metadata.ListChunksBySource(ctx, src.ID, true)
	if err != nil {
		t.logger.Warn("prior chunk lookup failed, treating as new", "path", path, "error", err)
		return Assessment{Decision: DecisionNew, ContentHash: hash, Source: src}, nil
	}
	ids := make([]store.ChunkID, len(prior))
	for i, ch := range prior {
		ids[i] = ch.ID
	}
	return Assessment{Decision: DecisionModified, ContentHash: hash, Source: src, PriorChunks: ids}, nil
}

// SourceRow builds the source row for one ingestion generation,
// carrying forward the ingest counter.
func (t *Tracker) SourceRow(path, contentHash string, mtime time.Time, prior *store.Source) store.Source {
	row := store.Source{
		ID:          store.SourceIDFor(path),
		Path:        path,
		ContentHash: contentHash,
		FileMtime:   mtime,
		Status:      store.SourceActive,
		IngestCount: 1,
	}
	if prior != nil {
		row.IngestCount = prior.IngestCount + 1
		row.CreatedAt = prior.CreatedAt
	}
	return row
}

// MarkDeleted flips the source to deleted. Unknown paths are a no-op.
func (t *Tracker) MarkDeleted(ctx context.Context, path string) ([]store.ChunkID, error) {
	ids, err := t.metadata.MarkSourceDeleted(ctx, path)
	if err != nil {
		if errors.Is(err, store.ErrSourceNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return ids, nil
}

// FindChunkByContentHash exposes chunk-level dedup to consolidation.
func (t *Tracker) FindChunkByContentHash(ctx context.Context, hash string) (*store.ChunkID, error) {
	return t.metadata.FindChunkByContentHash(ctx, hash)
}
