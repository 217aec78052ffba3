// Package store defines the chunk data model, the five storage tier
// contracts, and the Coordinator that keeps the tiers mutually consistent.
//
// The metadata tier is the source of truth. Vector, full-text, cache, and
// analytics tiers follow it eventually, healed by per-tier reconcile queues.
package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSourceNotFound = errors.New("source not found")
	ErrChunkNotFound  = errors.New("chunk not found")
	ErrCacheMiss      = errors.New("cache miss")
)

// idNamespace seeds deterministic (v5) ids so that the same path and the
// same (source, index) pair always map to the same uuid across runs.
var idNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8") // uuid.NameSpaceDNS

// SourceID identifies a tracked file. Derived deterministically from the
// canonical absolute path.
type SourceID uuid.UUID

// SourceIDFor derives the id for a path. The path is cleaned but not
// resolved; callers pass canonical absolute paths.
func SourceIDFor(path string) SourceID {
	return SourceID(uuid.NewSHA1(idNamespace, []byte("atlas/source:"+filepath.Clean(path))))
}

func ParseSourceID(value string) (SourceID, error) {
	parsed, err := uuid.Parse(value)
	if err != nil {
		return SourceID{}, err
	}
	return SourceID(parsed), nil
}

func (id SourceID) String() string {
	return uuid.UUID(id).String()
}

// ChunkID identifies a chunk. Derived deterministically from
// (source id, chunk index, generation hash): re-ingesting unchanged
// content yields identical ids, while a modified file mints a fresh id
// per index and the prior generation keeps its ids for lineage.
type ChunkID uuid.UUID

func ChunkIDFor(source SourceID, index int, generationHash string) ChunkID {
	name := fmt.Sprintf("atlas/chunk:%s:%d:%s", source.String(), index, generationHash)
	return ChunkID(uuid.NewSHA1(idNamespace, []byte(name)))
}

// NewConsolidatedChunkID mints an id for a synthesized merge chunk. These
// are not re-derivable from a source, so they use time-ordered v7 ids.
func NewConsolidatedChunkID() ChunkID {
	return ChunkID(uuid.Must(uuid.NewV7()))
}

func ParseChunkID(value string) (ChunkID, error) {
	parsed, err := uuid.Parse(value)
	if err != nil {
		return ChunkID{}, err
	}
	return ChunkID(parsed), nil
}

func (id ChunkID) String() string {
	return uuid.UUID(id).String()
}

// SourceStatus is the lifecycle state of a tracked file.
type SourceStatus string

const (
	SourceActive  SourceStatus = "active"
	SourceDeleted SourceStatus = "deleted"
	SourceIgnored SourceStatus = "ignored"
)

// Source is a tracked file. Rows are never physically deleted during
// normal operation; removal flips Status to deleted.
type Source struct {
	ID          SourceID
	Path        string
	ContentHash string // hex sha256 of the bytes at last successful ingestion
	FileMtime   time.Time
	Status      SourceStatus
	IngestCount int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ContentType classifies chunk content for embedding modality selection.
type ContentType string

const (
	ContentProse  ContentType = "prose"
	ContentCode   ContentType = "code"
	ContentBinary ContentType = "binary"
)

// ConsolidationMeta records how a merged chunk came to be.
type ConsolidationMeta struct {
	Type      string    `json:"type"`
	Direction string    `json:"direction"`
	Reasoning string    `json:"reasoning,omitempty"`
	Parents   []ChunkID `json:"parents,omitempty"`
}

// Payload is the versioned chunk payload. Unknown keys read from storage
// are preserved in Extra for forward compatibility.
type Payload struct {
	Version         int                `json:"version"`
	Text            string             `json:"text"`
	FilePath        string             `json:"file_path"`
	FileName        string             `json:"file_name"`
	FileType        string             `json:"file_type"`
	ContentType     ContentType        `json:"content_type"`
	QNTMKeys        []string           `json:"qntm_keys,omitempty"`
	EmbeddingModels map[string]string  `json:"embedding_models,omitempty"` // named vector -> model id
	Consolidation   *ConsolidationMeta `json:"consolidation,omitempty"`
	Extra           map[string]any     `json:"extra,omitempty"`
}

// PayloadVersion is the current payload schema version.
const PayloadVersion = 1

// Chunk is the smallest addressable unit of ingested content.
type Chunk struct {
	ID                 ChunkID
	SourceID           SourceID
	ChunkIndex         int
	TotalChunks        int
	CharCount          int
	ContentHash        string // hex sha256 of Payload.Text
	StartByte          int64
	EndByte            int64
	Payload            Payload
	ConsolidationLevel int
	SupersededBy       *ChunkID
	DeletionEligible   bool
	DeletionMarkedAt   *time.Time
	Quarantined        bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Active reports whether the chunk is servable: not superseded, not
// marked for deletion, not quarantined.
func (c *Chunk) Active() bool {
	return c.SupersededBy == nil && !c.DeletionEligible && !c.Quarantined
}

// Vectors is a per-chunk set of named embeddings.
type Vectors map[string][]float32

// QNTMKey is a compact semantic tag with usage bookkeeping.
type QNTMKey struct {
	Key             string
	FirstSeenAt     time.Time
	LastSeenAt      time.Time
	UsageCount      int64
	LastUsedInChunk ChunkID
}

// UpsertBatch is one source generation handed to the Coordinator.
type UpsertBatch struct {
	Source  Source
	Chunks  []Chunk
	Vectors map[ChunkID]Vectors
}

// ScoredID is a tier search hit before payload hydration.
type ScoredID struct {
	ID       ChunkID
	Score    float64
	RawScore float64
}

// Filter is the structural filter grammar shared by the read tiers.
// Each tier evaluates what it can cheaply; the retrieval engine applies
// the residual post-hoc on hydrated chunks.
type Filter struct {
	PathGlobs             []string
	QNTMKeys              []string
	CreatedAfter          time.Time
	CreatedBefore         time.Time
	MaxConsolidationLevel *int
	SourceIDs             []SourceID
}

// Empty reports whether the filter constrains anything.
func (f *Filter) Empty() bool {
	return f == nil || (len(f.PathGlobs) == 0 && len(f.QNTMKeys) == 0 &&
		f.CreatedAfter.IsZero() && f.CreatedBefore.IsZero() &&
		f.MaxConsolidationLevel == nil && len(f.SourceIDs) == 0)
}

// FullTextDoc is the document shape stored in the full-text tier.
type FullTextDoc struct {
	ID                 string   `json:"id"`
	OriginalText       string   `json:"original_text"`
	FilePath           string   `json:"file_path"`
	FileName           string   `json:"file_name"`
	QNTMKeys           []string `json:"qntm_keys"`
	FileType           string   `json:"file_type"`
	ConsolidationLevel int      `json:"consolidation_level"`
	ContentType        string   `json:"content_type"`
	CreatedAt          int64    `json:"created_at"` // unix seconds, range-filterable
}

// FullTextDocFor builds the indexed document for a chunk.
func FullTextDocFor(c Chunk) FullTextDoc {
	return FullTextDoc{
		ID:                 c.ID.String(),
		OriginalText:       c.Payload.Text,
		FilePath:           c.Payload.FilePath,
		FileName:           c.Payload.FileName,
		QNTMKeys:           c.Payload.QNTMKeys,
		FileType:           c.Payload.FileType,
		ConsolidationLevel: c.ConsolidationLevel,
		ContentType:        string(c.Payload.ContentType),
		CreatedAt:          c.CreatedAt.Unix(),
	}
}

// MetadataTier is the authoritative relational store. Writes here are
// linearizable per chunk id; a batch commits atomically or not at all.
type MetadataTier interface {
	// Ready verifies (and idempotently creates) required schema objects.
	Ready(ctx context.Context) error

	// UpsertBatch atomically writes the source row, all chunk rows, and
	// the qntm key join rows for one ingestion generation.
	UpsertBatch(ctx context.Context, batch UpsertBatch) error

	// UpsertChunks writes chunk rows without touching any source row.
	// Consolidation uses this for level bumps and merged chunks.
	UpsertChunks(ctx context.Context, chunks []Chunk) error

	GetSourceByPath(ctx context.Context, path string) (*Source, error)
	ListSources(ctx context.Context) ([]Source, error)
	GetChunks(ctx context.Context, ids []ChunkID) ([]Chunk, error)
	ListChunksBySource(ctx context.Context, source SourceID, activeOnly bool) ([]Chunk, error)
	// FindChunkByContentHash returns the active chunk carrying the
	// hash, or nil when none does. With several holders the earliest
	// created wins, ties broken by id.
	FindChunkByContentHash(ctx context.Context, hash string) (*ChunkID, error)

	// MarkSuperseded sets superseded_by (when by != nil) and flags the
	// chunks deletion-eligible at the given time. Both transitions are
	// monotonic: they are never undone by this interface.
	MarkSuperseded(ctx context.Context, ids []ChunkID, by *ChunkID, at time.Time) error

	// MarkSourceDeleted flips the source to deleted and returns the ids
	// of its currently active chunks.
	MarkSourceDeleted(ctx context.Context, path string, at time.Time) ([]ChunkID, error)

	// Quarantine flags a chunk whose payload failed schema validation.
	Quarantine(ctx context.Context, id ChunkID) error

	// PurgeEligible physically removes chunks that have been
	// deletion-eligible since before the cutoff. Returns purged ids.
	PurgeEligible(ctx context.Context, cutoff time.Time) ([]ChunkID, error)

	Close() error
}

// VectorTier is the ANN index over named vectors.
type VectorTier interface {
	Ready(ctx context.Context) error
	Upsert(ctx context.Context, chunks []Chunk, vectors map[ChunkID]Vectors) error
	Delete(ctx context.Context, ids []ChunkID) error
	// Search runs ANN over one named vector. Filter handling is
	// best-effort; unsupported clauses are left to the caller.
	Search(ctx context.Context, vectorName string, query []float32, limit int, filter *Filter) ([]ScoredID, error)
	Close() error
}

// CacheTier holds hot chunk payloads by id with a bounded TTL.
type CacheTier interface {
	GetChunk(ctx context.Context, id ChunkID) (*Chunk, error) // ErrCacheMiss on miss
	SetChunk(ctx context.Context, chunk Chunk) error
	Delete(ctx context.Context, ids []ChunkID) error
	Close() error
}

// FullTextTier is the keyword/BM25 index over original text.
type FullTextTier interface {
	Ready(ctx context.Context) error
	Upsert(ctx context.Context, docs []FullTextDoc) error
	Delete(ctx context.Context, ids []ChunkID) error
	Search(ctx context.Context, query string, limit int, filter *Filter) ([]ScoredID, error)
	Close() error
}

// AnalyticsTier is the append-only columnar copy for aggregate queries.
type AnalyticsTier interface {
	Ready(ctx context.Context) error
	Append(ctx context.Context, chunks []Chunk) error
	Purge(ctx context.Context, ids []ChunkID) error
	Close() error
}
