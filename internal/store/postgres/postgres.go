// Package postgres implements the authoritative metadata tier on
// PostgreSQL via pgx.
//
// All multi-row writes run in a single transaction so a generation
// commits atomically. Supersession columns are monotonic at the SQL
// level: updates coalesce with the existing value instead of
// overwriting it.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"atlas/internal/logging"
	"atlas/internal/store"
)

type Config struct {
	// DSN is a pgx connection string or URL.
	DSN    string
	Logger *slog.Logger
}

type Metadata struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(ctx context.Context, cfg Config) (*Metadata, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	return &Metadata{
		pool:   pool,
		logger: logging.Default(cfg.Logger).With("component", "postgres"),
	}, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sources (
		id           UUID PRIMARY KEY,
		path         TEXT NOT NULL UNIQUE,
		content_hash TEXT NOT NULL DEFAULT '',
		file_mtime   TIMESTAMPTZ,
		status       TEXT NOT NULL DEFAULT 'active',
		ingest_count INTEGER NOT NULL DEFAULT 0,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS chunks (
		id                  UUID PRIMARY KEY,
		source_id           UUID NOT NULL REFERENCES sources(id),
		chunk_index         INTEGER NOT NULL,
		total_chunks        INTEGER NOT NULL,
		char_count          INTEGER NOT NULL,
		content_hash        TEXT NOT NULL DEFAULT '',
		start_byte          BIGINT NOT NULL DEFAULT 0,
		end_byte            BIGINT NOT NULL DEFAULT 0,
		payload             JSONB NOT NULL,
		consolidation_level INTEGER NOT NULL DEFAULT 0,
		superseded_by       UUID,
		deletion_eligible   BOOLEAN NOT NULL DEFAULT FALSE,
		deletion_marked_at  TIMESTAMPTZ,
		quarantined         BOOLEAN NOT NULL DEFAULT FALSE,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS chunks_source_idx ON chunks (source_id)`,
	`CREATE INDEX IF NOT EXISTS chunks_content_hash_idx ON chunks (content_hash)`,
	`CREATE INDEX IF NOT EXISTS chunks_eligible_idx ON chunks (deletion_marked_at) WHERE deletion_eligible`,
	`CREATE TABLE IF NOT EXISTS qntm_keys (
		key                TEXT PRIMARY KEY,
		first_seen_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_seen_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		usage_count        BIGINT NOT NULL DEFAULT 0,
		last_used_in_chunk UUID
	)`,
	`CREATE TABLE IF NOT EXISTS chunk_qntm_keys (
		chunk_id UUID NOT NULL REFERENCES chunks(id) ON DELETE CASCADE,
		key      TEXT NOT NULL REFERENCES qntm_keys(key),
		PRIMARY KEY (chunk_id, key)
	)`,
}

// Ready creates the schema idempotently.
func (m *Metadata) Ready(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := m.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres schema: %w", err)
		}
	}
	return nil
}

const upsertSourceSQL = `
	INSERT INTO sources (id, path, content_hash, file_mtime, status, ingest_count, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, now(), now())
	ON CONFLICT (id) DO UPDATE SET
		content_hash = EXCLUDED.content_hash,
		file_mtime   = EXCLUDED.file_mtime,
		status       = EXCLUDED.status,
		ingest_count = EXCLUDED.ingest_count,
		updated_at   = now()`

const upsertChunkSQL = `
	INSERT INTO chunks (id, source_id, chunk_index, total_chunks, char_count, content_hash,
		start_byte, end_byte, payload, consolidation_level, superseded_by,
		deletion_eligible, deletion_marked_at, quarantined, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, now(), now())
	ON CONFLICT (id) DO UPDATE SET
		total_chunks        = EXCLUDED.total_chunks,
		char_count          = EXCLUDED.char_count,
		content_hash        = EXCLUDED.content_hash,
		start_byte          = EXCLUDED.start_byte,
		end_byte            = EXCLUDED.end_byte,
		payload             = EXCLUDED.payload,
		consolidation_level = EXCLUDED.consolidation_level,
		superseded_by       = COALESCE(chunks.superseded_by, EXCLUDED.superseded_by),
		deletion_eligible   = chunks.deletion_eligible OR EXCLUDED.deletion_eligible,
		deletion_marked_at  = COALESCE(chunks.deletion_marked_at, EXCLUDED.deletion_marked_at),
		quarantined         = chunks.quarantined OR EXCLUDED.quarantined,
		updated_at          = now()`

func (m *Metadata) UpsertBatch(ctx context.Context, batch store.UpsertBatch) error {
	return pgx.BeginFunc(ctx, m.pool, func(tx pgx.Tx) error {
		src := batch.Source
		var mtime *time.Time
		if !src.FileMtime.IsZero() {
			mtime = &src.FileMtime
		}
		if _, err := tx.Exec(ctx, upsertSourceSQL,
			src.ID.String(), src.Path, src.ContentHash, mtime, string(src.Status), src.IngestCount); err != nil {
			return fmt.Errorf("upsert source %s: %w", src.Path, err)
		}
		if err := upsertChunks(ctx, tx, batch.Chunks); err != nil {
			return err
		}
		return upsertKeyRows(ctx, tx, batch.Chunks)
	})
}

func (m *Metadata) UpsertChunks(ctx context.Context, chunks []store.Chunk) error {
	return pgx.BeginFunc(ctx, m.pool, func(tx pgx.Tx) error {
		return upsertChunks(ctx, tx, chunks)
	})
}

func upsertChunks(ctx context.Context, tx pgx.Tx, chunks []store.Chunk) error {
	for _, ch := range chunks {
		payload, err := json.Marshal(ch.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload %s: %w", ch.ID, err)
		}
		var by *string
		if ch.SupersededBy != nil {
			s := ch.SupersededBy.String()
			by = &s
		}
		if _, err := tx.Exec(ctx, upsertChunkSQL,
			ch.ID.String(), ch.SourceID.String(), ch.ChunkIndex, ch.TotalChunks, ch.CharCount,
			ch.ContentHash, ch.StartByte, ch.EndByte, payload, ch.ConsolidationLevel,
			by, ch.DeletionEligible, ch.DeletionMarkedAt, ch.Quarantined); err != nil {
			return fmt.Errorf("upsert chunk %s: %w", ch.ID, err)
		}
	}
	return nil
}

func upsertKeyRows(ctx context.Context, tx pgx.Tx, chunks []store.Chunk) error {
	for _, ch := range chunks {
		for _, key := range ch.Payload.QNTMKeys {
			if _, err := tx.Exec(ctx, `
				INSERT INTO qntm_keys (key, usage_count, last_used_in_chunk)
				VALUES ($1, 1, $2)
				ON CONFLICT (key) DO UPDATE SET
					usage_count        = qntm_keys.usage_count + 1,
					last_seen_at       = now(),
					last_used_in_chunk = EXCLUDED.last_used_in_chunk`,
				key, ch.ID.String()); err != nil {
				return fmt.Errorf("upsert qntm key %q: %w", key, err)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO chunk_qntm_keys (chunk_id, key) VALUES ($1, $2)
				ON CONFLICT DO NOTHING`,
				ch.ID.String(), key); err != nil {
				return fmt.Errorf("link qntm key %q: %w", key, err)
			}
		}
	}
	return nil
}

const sourceColumns = `id, path, content_hash, COALESCE(file_mtime, 'epoch'::timestamptz), status, ingest_count, created_at, updated_at`

func scanSource(row pgx.Row) (*store.Source, error) {
	var src store.Source
	var id string
	var status string
	if err := row.Scan(&id, &src.Path, &src.ContentHash, &src.FileMtime,
		&status, &src.IngestCount, &src.CreatedAt, &src.UpdatedAt); err != nil {
		return nil, err
	}
	parsed, err := store.ParseSourceID(id)
	if err != nil {
		return nil, err
	}
	src.ID = parsed
	src.Status = store.SourceStatus(status)
	return &src, nil
}

func (m *Metadata) GetSourceByPath(ctx context.Context, path string) (*store.Source, error) {
	row := m.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE path = $1`, path)
	src, err := scanSource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrSourceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get source %q: %w", path, err)
	}
	return src, nil
}

func (m *Metadata) ListSources(ctx context.Context) ([]store.Source, error) {
	rows, err := m.pool.Query(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()
	var out []store.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, *src)
	}
	return out, rows.Err()
}

const chunkColumns = `id, source_id, chunk_index, total_chunks, char_count, content_hash,
	start_byte, end_byte, payload, consolidation_level, superseded_by,
	deletion_eligible, deletion_marked_at, quarantined, created_at, updated_at`

func scanChunk(row pgx.Row) (*store.Chunk, error) {
	var ch store.Chunk
	var id, sourceID string
	var by *string
	var payload []byte
	if err := row.Scan(&id, &sourceID, &ch.ChunkIndex, &ch.TotalChunks, &ch.CharCount,
		&ch.ContentHash, &ch.StartByte, &ch.EndByte, &payload, &ch.ConsolidationLevel,
		&by, &ch.DeletionEligible, &ch.DeletionMarkedAt, &ch.Quarantined,
		&ch.CreatedAt, &ch.UpdatedAt); err != nil {
		return nil, err
	}
	chunkID, err := store.ParseChunkID(id)
	if err != nil {
		return nil, err
	}
	ch.ID = chunkID
	srcID, err := store.ParseSourceID(sourceID)
	if err != nil {
		return nil, err
	}
	ch.SourceID = srcID
	if by != nil {
		byID, err := store.ParseChunkID(*by)
		if err != nil {
			return nil, err
		}
		ch.SupersededBy = &byID
	}
	if err := json.Unmarshal(payload, &ch.Payload); err != nil {
		return nil, fmt.Errorf("payload %s: %w", ch.ID, err)
	}
	return &ch, nil
}

func (m *Metadata) GetChunks(ctx context.Context, ids []store.ChunkID) ([]store.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := m.pool.Query(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE id = ANY($1)`, idStrings(ids))
	if err != nil {
		return nil, fmt.Errorf("get chunks: %w", err)
	}
	defer rows.Close()
	byID := make(map[store.ChunkID]store.Chunk, len(ids))
	for rows.Next() {
		ch, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		byID[ch.ID] = *ch
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Preserve request order, dropping misses.
	out := make([]store.Chunk, 0, len(byID))
	for _, id := range ids {
		if ch, ok := byID[id]; ok {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (m *Metadata) ListChunksBySource(ctx context.Context, source store.SourceID, activeOnly bool) ([]store.Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE source_id = $1`
	if activeOnly {
		query += ` AND superseded_by IS NULL AND NOT deletion_eligible AND NOT quarantined`
	}
	query += ` ORDER BY chunk_index`
	rows, err := m.pool.Query(ctx, query, source.String())
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()
	var out []store.Chunk
	for rows.Next() {
		ch, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, *ch)
	}
	return out, rows.Err()
}

func (m *Metadata) FindChunkByContentHash(ctx context.Context, hash string) (*store.ChunkID, error) {
	var id string
	err := m.pool.QueryRow(ctx, `
		SELECT id FROM chunks
		WHERE content_hash = $1 AND superseded_by IS NULL AND NOT deletion_eligible AND NOT quarantined
		ORDER BY created_at, id LIMIT 1`, hash).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by hash: %w", err)
	}
	parsed, err := store.ParseChunkID(id)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func (m *Metadata) MarkSuperseded(ctx context.Context, ids []store.ChunkID, by *store.ChunkID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	var byStr *string
	if by != nil {
		s := by.String()
		byStr = &s
	}
	_, err := m.pool.Exec(ctx, `
		UPDATE chunks SET
			superseded_by      = COALESCE(superseded_by, $2),
			deletion_eligible  = TRUE,
			deletion_marked_at = COALESCE(deletion_marked_at, $3),
			updated_at         = now()
		WHERE id = ANY($1)`, idStrings(ids), byStr, at)
	if err != nil {
		return fmt.Errorf("mark superseded: %w", err)
	}
	return nil
}

func (m *Metadata) MarkSourceDeleted(ctx context.Context, path string, at time.Time) ([]store.ChunkID, error) {
	var out []store.ChunkID
	err := pgx.BeginFunc(ctx, m.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE sources SET status = 'deleted', updated_at = now() WHERE path = $1`, path)
		if err != nil {
			return fmt.Errorf("mark source deleted: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return store.ErrSourceNotFound
		}
		rows, err := tx.Query(ctx, `
			UPDATE chunks SET
				deletion_eligible  = TRUE,
				deletion_marked_at = COALESCE(deletion_marked_at, $2),
				updated_at         = now()
			WHERE source_id = (SELECT id FROM sources WHERE path = $1)
				AND NOT deletion_eligible
			RETURNING id`, path, at)
		if err != nil {
			return fmt.Errorf("mark chunks deleted: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			parsed, err := store.ParseChunkID(id)
			if err != nil {
				return err
			}
			out = append(out, parsed)
		}
		return rows.Err()
	})
	return out, err
}

func (m *Metadata) Quarantine(ctx context.Context, id store.ChunkID) error {
	_, err := m.pool.Exec(ctx,
		`UPDATE chunks SET quarantined = TRUE, updated_at = now() WHERE id = $1`, id.String())
	if err != nil {
		return fmt.Errorf("quarantine %s: %w", id, err)
	}
	return nil
}

func (m *Metadata) PurgeEligible(ctx context.Context, cutoff time.Time) ([]store.ChunkID, error) {
	rows, err := m.pool.Query(ctx, `
		DELETE FROM chunks
		WHERE deletion_eligible AND deletion_marked_at < $1
		RETURNING id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("purge: %w", err)
	}
	defer rows.Close()
	var out []store.ChunkID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		parsed, err := store.ParseChunkID(id)
		if err != nil {
			return nil, err
		}
		out = append(out, parsed)
	}
	return out, rows.Err()
}

func (m *Metadata) Close() error {
	m.pool.Close()
	return nil
}

func idStrings(ids []store.ChunkID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
